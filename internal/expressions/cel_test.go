package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCEL_TriggerFieldComparison(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{
		"trigger": map[string]any{"amount": float64(120), "status": "open"},
	}

	t.Run("numeric", func(t *testing.T) {
		ok, err := e.EvaluateBool(context.Background(), `trigger.amount > 100.0`, data)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("string equality", func(t *testing.T) {
		ok, err := e.EvaluateBool(context.Background(), `trigger.status == "open"`, data)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("compound", func(t *testing.T) {
		ok, err := e.EvaluateBool(context.Background(), `trigger.amount > 100.0 && trigger.status != "closed"`, data)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestCEL_PreviousAndFlowScopes(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{
		"previous": map[string]any{"count": int64(3)},
		"flow":     map[string]any{"index": int64(2), "totalItems": int64(3)},
	}

	ok, err := e.EvaluateBool(context.Background(), `previous.count == 3 && flow.index == flow.totalItems - 1`, data)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCEL_MissingScopesDefaultToEmptyMaps(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	ok, err := e.EvaluateBool(context.Background(), `"x" in trigger`, map[string]any{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCEL_NonBooleanResultIsError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.EvaluateBool(context.Background(), `1 + 2`, map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected bool")
}

func TestCEL_CompileErrorIsReported(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), `trigger..bad`, map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "condition compile error")
}

func TestCEL_EmptyExpressionRejected(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), "", map[string]any{})
	require.Error(t, err)
}
