package expressions

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/loomhq/loom/pkg/schema"
)

// Condition is a field/operator/value predicate shared by router and filter
// nodes and the transform adapter's array.filter operation.
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value,omitempty"`
}

// Condition operators. String comparison is case-insensitive; gt/gte/lt/lte
// coerce numerically; regex compiles the compare value and fails closed on
// invalid patterns.
const (
	OpEquals      = "equals"
	OpNotEquals   = "notEquals"
	OpContains    = "contains"
	OpNotContains = "notContains"
	OpStartsWith  = "startsWith"
	OpEndsWith    = "endsWith"
	OpGt          = "gt"
	OpGte         = "gte"
	OpLt          = "lt"
	OpLte         = "lte"
	OpExists      = "exists"
	OpNotExists   = "notExists"
	OpIsEmpty     = "isEmpty"
	OpIsNotEmpty  = "isNotEmpty"
	OpRegex       = "regex"
)

// EvaluateCondition resolves the condition's field path against data and
// applies the operator. A field that does not resolve is treated as absent
// rather than an error, so exists/notExists work on missing paths.
func EvaluateCondition(cond Condition, data any) (bool, error) {
	var value any
	present := true

	if cond.Field == "" {
		value = data
	} else {
		v, err := resolvePathValue(data, cond.Field, cond.Field)
		if err != nil {
			present = false
		} else {
			value = v
		}
	}

	switch cond.Operator {
	case OpEquals:
		return present && equalFold(value, cond.Value), nil
	case OpNotEquals:
		return !present || !equalFold(value, cond.Value), nil
	case OpContains:
		return present && strings.Contains(lowerString(value), lowerString(cond.Value)), nil
	case OpNotContains:
		return !present || !strings.Contains(lowerString(value), lowerString(cond.Value)), nil
	case OpStartsWith:
		return present && strings.HasPrefix(lowerString(value), lowerString(cond.Value)), nil
	case OpEndsWith:
		return present && strings.HasSuffix(lowerString(value), lowerString(cond.Value)), nil
	case OpGt, OpGte, OpLt, OpLte:
		if !present {
			return false, nil
		}
		return compareNumeric(cond.Operator, value, cond.Value), nil
	case OpExists:
		return present && value != nil, nil
	case OpNotExists:
		return !present || value == nil, nil
	case OpIsEmpty:
		return !present || isEmptyValue(value), nil
	case OpIsNotEmpty:
		return present && !isEmptyValue(value), nil
	case OpRegex:
		if !present {
			return false, nil
		}
		// Regex is the one case-sensitive string operator.
		re, err := regexp.Compile(Stringify(cond.Value))
		if err != nil {
			// Invalid patterns fail closed.
			return false, nil
		}
		return re.MatchString(Stringify(value)), nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown condition operator %q", cond.Operator).
			WithDetails(map[string]any{"operator": cond.Operator})
	}
}

func equalFold(a, b any) bool {
	return strings.EqualFold(Stringify(a), Stringify(b))
}

func lowerString(v any) string {
	return strings.ToLower(Stringify(v))
}

// compareNumeric applies gt/gte/lt/lte with numeric coercion; values that do
// not coerce make the comparison false.
func compareNumeric(op string, a, b any) bool {
	fa, okA := toNumber(a)
	fb, okB := toNumber(b)
	if !okA || !okB {
		return false
	}
	switch op {
	case OpGt:
		return fa > fb
	case OpGte:
		return fa >= fb
	case OpLt:
		return fa < fb
	case OpLte:
		return fa <= fb
	}
	return false
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func isEmptyValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	default:
		return false
	}
}
