package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func condData() map[string]any {
	return map[string]any{
		"status": "Active",
		"count":  float64(10),
		"price":  "19.99",
		"tags":   []any{"a", "b"},
		"empty":  "",
		"nested": map[string]any{"level": "high"},
	}
}

func TestEvaluateCondition_Equals_CaseInsensitive(t *testing.T) {
	ok, err := EvaluateCondition(Condition{Field: "status", Operator: OpEquals, Value: "active"}, condData())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateCondition_Equals_NumberAgainstString(t *testing.T) {
	ok, err := EvaluateCondition(Condition{Field: "count", Operator: OpEquals, Value: "10"}, condData())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateCondition_NotEquals(t *testing.T) {
	ok, err := EvaluateCondition(Condition{Field: "status", Operator: OpNotEquals, Value: "inactive"}, condData())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateCondition_Contains(t *testing.T) {
	ok, err := EvaluateCondition(Condition{Field: "status", Operator: OpContains, Value: "ACT"}, condData())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = EvaluateCondition(Condition{Field: "status", Operator: OpNotContains, Value: "xyz"}, condData())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateCondition_StartsEndsWith(t *testing.T) {
	ok, err := EvaluateCondition(Condition{Field: "status", Operator: OpStartsWith, Value: "act"}, condData())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = EvaluateCondition(Condition{Field: "status", Operator: OpEndsWith, Value: "IVE"}, condData())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateCondition_NumericCoercion(t *testing.T) {
	t.Run("gt on number", func(t *testing.T) {
		ok, err := EvaluateCondition(Condition{Field: "count", Operator: OpGt, Value: float64(5)}, condData())
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("gte boundary", func(t *testing.T) {
		ok, err := EvaluateCondition(Condition{Field: "count", Operator: OpGte, Value: float64(10)}, condData())
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("lt on numeric string", func(t *testing.T) {
		ok, err := EvaluateCondition(Condition{Field: "price", Operator: OpLt, Value: float64(20)}, condData())
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("non-numeric is false", func(t *testing.T) {
		ok, err := EvaluateCondition(Condition{Field: "status", Operator: OpGt, Value: float64(1)}, condData())
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestEvaluateCondition_ExistsOnMissingPath(t *testing.T) {
	ok, err := EvaluateCondition(Condition{Field: "missing.path", Operator: OpExists}, condData())
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = EvaluateCondition(Condition{Field: "missing.path", Operator: OpNotExists}, condData())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = EvaluateCondition(Condition{Field: "nested.level", Operator: OpExists}, condData())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateCondition_IsEmpty(t *testing.T) {
	ok, err := EvaluateCondition(Condition{Field: "empty", Operator: OpIsEmpty}, condData())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = EvaluateCondition(Condition{Field: "tags", Operator: OpIsNotEmpty}, condData())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = EvaluateCondition(Condition{Field: "missing", Operator: OpIsEmpty}, condData())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateCondition_Regex_CaseSensitive(t *testing.T) {
	ok, err := EvaluateCondition(Condition{Field: "status", Operator: OpRegex, Value: "^Act"}, condData())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = EvaluateCondition(Condition{Field: "status", Operator: OpRegex, Value: "^act"}, condData())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateCondition_Regex_InvalidPatternFailsClosed(t *testing.T) {
	ok, err := EvaluateCondition(Condition{Field: "status", Operator: OpRegex, Value: "("}, condData())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateCondition_EmptyFieldUsesWholeValue(t *testing.T) {
	ok, err := EvaluateCondition(Condition{Operator: OpEquals, Value: "hello"}, "HELLO")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateCondition_UnknownOperator(t *testing.T) {
	_, err := EvaluateCondition(Condition{Field: "status", Operator: "sorta"}, condData())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown condition operator "sorta"`)
}
