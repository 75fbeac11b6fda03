package variables

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolve(t *testing.T) {
	ctx := Document{
		"contact": map[string]any{"name": "Ana", "age": float64(31)},
		"trigger": map[string]any{
			"message": map[string]any{"body": "hi"},
			"items":   []any{"first", map[string]any{"sku": "A-1"}},
		},
		"nodes": map[string]any{"n1": map[string]any{"match": true}},
		"empty": nil,
	}

	tests := []struct {
		name     string
		template string
		ctx      Document
		want     string
	}{
		{"no tokens", "plain text", ctx, "plain text"},
		{"simple", "Hello {{contact.name}}", ctx, "Hello Ana"},
		{"missing context", "Hello {{contact.name}}", Document{}, "Hello {{contact.name}}"},
		{"nil context", "Hello {{contact.name}}", nil, "Hello {{contact.name}}"},
		{"number", "age={{contact.age}}", ctx, "age=31"},
		{"bool", "{{nodes.n1.match}}", ctx, "true"},
		{"array index", "{{trigger.items.1.sku}}", ctx, "A-1"},
		{"array out of range", "{{trigger.items.5}}", ctx, "{{trigger.items.5}}"},
		{"whitespace", "{{ contact.name }}", ctx, "Ana"},
		{"partial miss", "{{contact.name}}/{{contact.email}}", ctx, "Ana/{{contact.email}}"},
		{"nil value", "x{{empty}}", ctx, "x{{empty}}"},
		{"object", "{{nodes.n1}}", ctx, `{"match":true}`},
		{"walk through scalar", "{{contact.name.first}}", ctx, "{{contact.name.first}}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Resolve(tt.template, tt.ctx))
		})
	}
}

func TestResolveValue(t *testing.T) {
	ctx := Document{"contact": map[string]any{"name": "Ana", "tags": []any{"vip"}}}

	assert.Equal(t, []any{"vip"}, ResolveValue("{{contact.tags}}", ctx))
	assert.Equal(t, "Hi Ana", ResolveValue("Hi {{contact.name}}", ctx))
	assert.Equal(t, map[string]any{"n": "Ana", "k": float64(1)},
		ResolveValue(map[string]any{"n": "{{contact.name}}", "k": float64(1)}, ctx))
	assert.Equal(t, "{{missing}}", ResolveValue("{{missing}}", ctx))
}

func TestExtractVariables(t *testing.T) {
	got := ExtractVariables("{{a.b}} and {{ c }} then {{a.b}}")
	assert.Equal(t, []string{"a.b", "c", "a.b"}, got)
	assert.Empty(t, ExtractVariables("nothing here"))
}

func TestDocumentSetGetDelete(t *testing.T) {
	d := Document{}
	d.Set("memory.stage", "qualified")
	d.Set("nodes.n1.output", "x")

	v, ok := d.Get("memory.stage")
	assert.True(t, ok)
	assert.Equal(t, "qualified", v)
	assert.Equal(t, "x", d.GetString("nodes.n1.output"))

	d.Delete("memory.stage")
	_, ok = d.Get("memory.stage")
	assert.False(t, ok)

	d.Set("contact", "scalar")
	d.Set("contact.name", "Ana")
	assert.Equal(t, "Ana", d.GetString("contact.name"))

	m := d.Map("nodes")
	m["n2"] = 1
	assert.Equal(t, "1", d.GetString("nodes.n2"))
}
