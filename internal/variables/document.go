// Package variables resolves {{path}} placeholders against an execution
// context and provides dot-path access to that context.
package variables

import (
	"strconv"
	"strings"
)

// Reserved top-level regions of an execution context.
const (
	KeyTrigger     = "trigger"
	KeyMemory      = "memory"
	KeyNodes       = "nodes"
	KeyTenantID    = "tenantId"
	KeyContact     = "contact"
	KeyExecutionID = "executionId"
	KeyWorkflowID  = "workflowId"
)

// Document is the loosely typed nested document shared by all nodes of a run.
// Values are maps, slices and JSON scalars.
type Document map[string]any

// Get walks path segment by segment. A nil value counts as missing.
func (d Document) Get(path string) (any, bool) {
	if d == nil || path == "" {
		return nil, false
	}
	var cur any = map[string]any(d)
	for _, seg := range strings.Split(path, ".") {
		next, ok := child(cur, seg)
		if !ok {
			return nil, false
		}
		cur = next
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

// GetString returns the value at path rendered as a string, or "" when missing.
func (d Document) GetString(path string) string {
	v, ok := d.Get(path)
	if !ok {
		return ""
	}
	return Stringify(v)
}

// Set writes value at path, creating intermediate maps as needed. An
// intermediate segment holding a non-map value is replaced.
func (d Document) Set(path string, value any) {
	if d == nil || path == "" {
		return
	}
	segs := strings.Split(path, ".")
	cur := map[string]any(d)
	for _, seg := range segs[:len(segs)-1] {
		next, ok := asMap(cur[seg])
		if !ok {
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = value
}

// Delete removes the value at path if present.
func (d Document) Delete(path string) {
	if d == nil || path == "" {
		return
	}
	segs := strings.Split(path, ".")
	cur := map[string]any(d)
	for _, seg := range segs[:len(segs)-1] {
		next, ok := asMap(cur[seg])
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, segs[len(segs)-1])
}

// Map returns the map stored at key, creating it when absent.
func (d Document) Map(key string) map[string]any {
	if m, ok := asMap(d[key]); ok {
		return m
	}
	m := map[string]any{}
	d[key] = m
	return m
}

func child(cur any, seg string) (any, bool) {
	switch v := cur.(type) {
	case map[string]any:
		next, ok := v[seg]
		return next, ok
	case Document:
		next, ok := v[seg]
		return next, ok
	case map[string]string:
		next, ok := v[seg]
		return next, ok
	case []any:
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 || i >= len(v) {
			return nil, false
		}
		return v[i], true
	case []string:
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 || i >= len(v) {
			return nil, false
		}
		return v[i], true
	}
	return nil, false
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, m != nil
	case Document:
		return map[string]any(m), m != nil
	}
	return nil, false
}
