package template_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmos-bridge/llmos-bridge/errs"
	"github.com/llmos-bridge/llmos-bridge/template"
)

func baseContext() template.Context {
	ctx := template.NewContext()
	ctx.Results["a"] = map[string]any{
		"status": "ok",
		"count":  float64(3),
		"nested": map[string]any{
			"items": []any{"x", "y", "z"},
		},
	}
	ctx.Memory["last_target"] = "/tmp/out.txt"
	ctx.Env["HOME"] = "/home/llmos"
	return ctx
}

func TestResolveWholeValuePreservesType(t *testing.T) {
	ctx := baseContext()
	out, err := template.Resolve(ctx, map[string]any{"n": "{{result.a.count}}"})
	require.NoError(t, err)
	assert.Equal(t, float64(3), out["n"])
}

func TestResolveSubstringIsStringified(t *testing.T) {
	ctx := baseContext()
	out, err := template.Resolve(ctx, map[string]any{"msg": "count is {{result.a.count}} now"})
	require.NoError(t, err)
	assert.Equal(t, "count is 3 now", out["msg"])
}

func TestResolveDottedPathThroughListIndex(t *testing.T) {
	ctx := baseContext()
	out, err := template.Resolve(ctx, map[string]any{"first": "{{result.a.nested.items.0}}"})
	require.NoError(t, err)
	assert.Equal(t, "x", out["first"])
}

func TestResolveMemoryReference(t *testing.T) {
	ctx := baseContext()
	out, err := template.Resolve(ctx, map[string]any{"path": "{{memory.last_target}}"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/out.txt", out["path"])
}

func TestResolveEnvReference(t *testing.T) {
	ctx := baseContext()
	out, err := template.Resolve(ctx, map[string]any{"home": "{{env.HOME}}"})
	require.NoError(t, err)
	assert.Equal(t, "/home/llmos", out["home"])
}

func TestResolveMissingResultFails(t *testing.T) {
	ctx := baseContext()
	_, err := template.Resolve(ctx, map[string]any{"x": "{{result.b.status}}"})
	require.Error(t, err)
	assert.Equal(t, errs.CodeTemplateResolution, errs.CodeOf(err))
}

func TestResolveMissingPathSegmentFails(t *testing.T) {
	ctx := baseContext()
	_, err := template.Resolve(ctx, map[string]any{"x": "{{result.a.missing_key}}"})
	require.Error(t, err)
	assert.Equal(t, errs.CodeTemplateResolution, errs.CodeOf(err))
}

func TestResolveMissingEnvFails(t *testing.T) {
	ctx := baseContext()
	_, err := template.Resolve(ctx, map[string]any{"x": "{{env.NOT_SET}}"})
	require.Error(t, err)
}

func TestResolveIsOnePassNoReexpansion(t *testing.T) {
	ctx := baseContext()
	ctx.Memory["payload"] = "{{env.HOME}}"
	out, err := template.Resolve(ctx, map[string]any{"x": "{{memory.payload}}"})
	require.NoError(t, err)
	assert.Equal(t, "{{env.HOME}}", out["x"], "resolved values must not be re-expanded")
}

func TestResolveNestedObjectAndArrayParams(t *testing.T) {
	ctx := baseContext()
	out, err := template.Resolve(ctx, map[string]any{
		"obj": map[string]any{"status": "{{result.a.status}}"},
		"arr": []any{"{{result.a.status}}", "literal"},
	})
	require.NoError(t, err)
	obj := out["obj"].(map[string]any)
	assert.Equal(t, "ok", obj["status"])
	arr := out["arr"].([]any)
	assert.Equal(t, "ok", arr[0])
	assert.Equal(t, "literal", arr[1])
}

func TestResolveLeavesNonTemplateValuesUntouched(t *testing.T) {
	ctx := baseContext()
	out, err := template.Resolve(ctx, map[string]any{"n": float64(42), "s": "plain string"})
	require.NoError(t, err)
	assert.Equal(t, float64(42), out["n"])
	assert.Equal(t, "plain string", out["s"])
}
