package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyTransformsRemovesAndAddsFields(t *testing.T) {
	body := map[string]any{"id": "1", "secret": "shh", "name": "widget"}
	out := ApplyTransforms([]Transform{
		{Type: RemoveFields, Fields: []string{"secret"}},
		{Type: AddFields, Data: map[string]any{"cached": true}},
	}, body)

	obj := out.(map[string]any)
	assert.NotContains(t, obj, "secret")
	assert.Equal(t, "1", obj["id"])
	assert.Equal(t, true, obj["cached"])
}

func TestApplyTransformsCustom(t *testing.T) {
	out := ApplyTransforms([]Transform{
		{Type: Custom, Fn: func(v any) any {
			obj := v.(map[string]any)
			obj["touched"] = true
			return obj
		}},
	}, map[string]any{"id": "1"})

	assert.Equal(t, true, out.(map[string]any)["touched"])
}

func TestApplyTransformsSkipsNonObjectBodies(t *testing.T) {
	out := ApplyTransforms([]Transform{
		{Type: RemoveFields, Fields: []string{"id"}},
		{Type: AddFields, Data: map[string]any{"x": 1}},
	}, []any{1, 2, 3})

	assert.Equal(t, []any{1, 2, 3}, out)
}
