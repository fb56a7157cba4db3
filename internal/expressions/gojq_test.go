package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoJQ_ImplementsEngine(t *testing.T) {
	var _ Engine = (*GoJQEngine)(nil)
}

func TestGoJQ_SingleOutput(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), ".user.name", map[string]any{
		"user": map[string]any{"name": "Ada"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Ada", out)
}

func TestGoJQ_MultipleOutputsCollected(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), ".items[].n", map[string]any{
		"items": []any{
			map[string]any{"n": float64(1)},
			map[string]any{"n": float64(2)},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{float64(1), float64(2)}, out)
}

func TestGoJQ_NoOutputIsNil(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), ".items[]", map[string]any{"items": []any{}})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_NormalizesIntegers(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), ".n + 1", map[string]any{"n": 41})
	require.NoError(t, err)
	assert.Equal(t, float64(42), out)
}

func TestGoJQ_EvaluateAll(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.EvaluateAll(context.Background(), ".[] | select(.ok)", []any{
		map[string]any{"ok": true, "id": "a"},
		map[string]any{"ok": false, "id": "b"},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "a", out[0].(map[string]any)["id"])
}

func TestGoJQ_ParseError(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), ".[invalid", map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jq parse error")
}

func TestGoJQ_EnvAccessBlocked(t *testing.T) {
	t.Setenv("LOOM_SECRET_PROBE", "leak")
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `env.LOOM_SECRET_PROBE`, map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_CompileCacheReuse(t *testing.T) {
	e := NewGoJQEngine()

	for i := 0; i < 3; i++ {
		out, err := e.Evaluate(context.Background(), ".x", map[string]any{"x": float64(i)})
		require.NoError(t, err)
		assert.Equal(t, float64(i), out)
	}
	assert.Len(t, e.cache, 1)
}
