package variables

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var tokenPattern = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

// Resolve replaces every {{path}} token in template with the value found at
// path in ctx. Tokens whose path is missing are left in the output verbatim.
func Resolve(template string, ctx Document) string {
	if !strings.Contains(template, "{{") {
		return template
	}
	return tokenPattern.ReplaceAllStringFunc(template, func(token string) string {
		path := strings.TrimSpace(token[2 : len(token)-2])
		v, ok := ctx.Get(path)
		if !ok {
			return token
		}
		return Stringify(v)
	})
}

// ResolveMap resolves every value of m.
func ResolveMap(m map[string]string, ctx Document) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = Resolve(v, ctx)
	}
	return out
}

// ResolveValue resolves strings found anywhere inside v. A string that is a
// single token resolves to the referenced value itself, keeping its type.
func ResolveValue(v any, ctx Document) any {
	switch t := v.(type) {
	case string:
		if m := tokenPattern.FindStringSubmatchIndex(t); m != nil && m[0] == 0 && m[1] == len(t) {
			if val, ok := ctx.Get(strings.TrimSpace(t[m[2]:m[3]])); ok {
				return val
			}
			return t
		}
		return Resolve(t, ctx)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = ResolveValue(val, ctx)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = ResolveValue(val, ctx)
		}
		return out
	}
	return v
}

// HasTokens reports whether s still contains a {{path}} token.
func HasTokens(s string) bool {
	return tokenPattern.MatchString(s)
}

// ExtractVariables returns the path of every token in template in order of
// appearance, duplicates included.
func ExtractVariables(template string) []string {
	matches := tokenPattern.FindAllStringSubmatch(template, -1)
	paths := make([]string, 0, len(matches))
	for _, m := range matches {
		paths = append(paths, strings.TrimSpace(m[1]))
	}
	return paths
}

// Stringify renders a context value for inclusion in text. Maps and slices
// are rendered as JSON.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	case fmt.Stringer:
		return t.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
