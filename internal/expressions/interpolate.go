package expressions

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/loomhq/loom/pkg/schema"
)

// Interpolator resolves {{...}} references in node configs against the live
// execution context. Two substitution modes apply: a string that is exactly
// one reference is replaced by the raw resolved value (type preserved); any
// other string has each reference replaced in place, stringified.
type Interpolator struct {
	lookupEnv func(string) (string, bool)
}

// NewInterpolator creates an Interpolator backed by the process environment.
func NewInterpolator() *Interpolator {
	return &Interpolator{lookupEnv: os.LookupEnv}
}

// NewInterpolatorWithEnv creates an Interpolator with a custom env lookup.
func NewInterpolatorWithEnv(lookup func(string) (string, bool)) *Interpolator {
	return &Interpolator{lookupEnv: lookup}
}

// InterpolateConfig resolves every reference in a config tree, recursing
// through maps, slices, and strings. The input is not mutated.
func (in *Interpolator) InterpolateConfig(config map[string]any, execCtx *schema.ExecutionContext) (map[string]any, error) {
	out, err := in.interpolateValue(config, execCtx)
	if err != nil {
		return nil, err
	}
	m, ok := out.(map[string]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"config interpolation produced %T, expected object", out)
	}
	return m, nil
}

func (in *Interpolator) interpolateValue(v any, execCtx *schema.ExecutionContext) (any, error) {
	switch val := v.(type) {
	case string:
		return in.InterpolateString(val, execCtx)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := in.interpolateValue(item, execCtx)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := in.interpolateValue(item, execCtx)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// InterpolateString resolves references in one string value. When the
// trimmed string is exactly one {{...}} reference the raw resolved value is
// returned and an unresolvable path is an error; otherwise each reference is
// replaced in place, unresolvable ones as the empty string, and the result
// is a string.
func (in *Interpolator) InterpolateString(s string, execCtx *schema.ExecutionContext) (any, error) {
	if expr, ok := wholeReference(s); ok {
		return in.resolveExpr(expr, execCtx)
	}

	var result strings.Builder
	result.Grow(len(s))

	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], "{{")
		if idx == -1 {
			result.WriteString(s[i:])
			break
		}

		result.WriteString(s[i : i+idx])
		start := i + idx + 2

		end := strings.Index(s[start:], "}}")
		if end == -1 {
			// Unclosed marker: treat the rest as literal text.
			result.WriteString(s[i+idx:])
			break
		}
		end += start

		expr := strings.TrimSpace(s[start:end])
		if expr == "" {
			return nil, schema.NewError(schema.ErrCodeExpression, "empty variable reference: {{  }}")
		}

		// In-place references render unresolvable values as the empty
		// string, same as null; ValidateVariables reports them pre-flight.
		val, err := in.resolveExpr(expr, execCtx)
		if err != nil {
			val = nil
		}
		result.WriteString(Stringify(val))

		i = end + 2
	}

	return result.String(), nil
}

// wholeReference reports whether a trimmed string is exactly one {{...}}
// reference with no surrounding text, returning the inner expression.
func wholeReference(s string) (string, bool) {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "{{") || !strings.HasSuffix(trimmed, "}}") {
		return "", false
	}
	inner := trimmed[2 : len(trimmed)-2]
	if strings.Contains(inner, "{{") || strings.Contains(inner, "}}") {
		return "", false
	}
	inner = strings.TrimSpace(inner)
	if inner == "" {
		return "", false
	}
	return inner, true
}

// HasReference checks whether a string contains any {{...}} reference.
func HasReference(s string) bool {
	open := strings.Index(s, "{{")
	return open != -1 && strings.Contains(s[open:], "}}")
}

// resolveExpr resolves a single reference path like "nodes.fetch.output.url".
func (in *Interpolator) resolveExpr(expr string, execCtx *schema.ExecutionContext) (any, error) {
	parts := strings.SplitN(expr, ".", 2)
	source := parts[0]
	rest := ""
	if len(parts) == 2 {
		rest = parts[1]
	}

	switch source {
	case "trigger":
		if rest == "" {
			return execCtx.TriggerInput, nil
		}
		return resolvePathValue(execCtx.TriggerInput, rest, expr)
	case "previous":
		prev, ok := execCtx.Previous()
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"{{%s}} referenced before any node has executed", expr).
				WithDetails(map[string]any{"expression": expr})
		}
		return resolveNodeResult(prev, rest, expr)
	case "nodes":
		return in.resolveNodes(rest, expr, execCtx)
	case "env":
		return in.resolveEnv(rest, expr)
	case "flow":
		return resolveFlow(rest, expr, execCtx)
	default:
		available := []string{"trigger", "previous", "nodes", "env", "flow"}
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"unknown source %q in {{%s}}; available: %s", source, expr, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_sources": available})
	}
}

// resolveNodes resolves nodes.<id>[.<path>] references.
func (in *Interpolator) resolveNodes(rest, expr string, execCtx *schema.ExecutionContext) (any, error) {
	if rest == "" {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"invalid node reference {{%s}}: expected nodes.<id>[.<path>]", expr).
			WithDetails(map[string]any{"expression": expr})
	}
	parts := strings.SplitN(rest, ".", 2)
	nodeID := parts[0]
	path := ""
	if len(parts) == 2 {
		path = parts[1]
	}

	result, ok := execCtx.NodeOutputs[nodeID]
	if !ok {
		available := mapResultKeys(execCtx.NodeOutputs)
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"node %q not found in {{%s}}; available nodes: [%s]", nodeID, expr, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_nodes": available})
	}
	return resolveNodeResult(result, path, expr)
}

// resolveNodeResult resolves a path against one node's result. An implicit
// leading "output" segment is assumed when the first segment is not a result
// field, so nodes.A.x and nodes.A.output.x are equivalent.
func resolveNodeResult(result *schema.NodeResult, path, expr string) (any, error) {
	if path == "" || path == "output" {
		return result.OutputValue(), nil
	}

	first := path
	rest := ""
	if i := strings.IndexByte(path, '.'); i != -1 {
		first = path[:i]
		rest = path[i+1:]
	}

	switch first {
	case "output":
		return resolvePathValue(result.Output, rest, expr)
	case "success":
		return result.Success, nil
	case "error":
		if result.Error == nil {
			return nil, nil
		}
		if rest == "" {
			return map[string]any{"code": result.Error.Code, "message": result.Error.Message}, nil
		}
		view := map[string]any{"code": result.Error.Code, "message": result.Error.Message}
		return resolvePathValue(view, rest, expr)
	default:
		return resolvePathValue(result.Output, path, expr)
	}
}

// resolveEnv resolves env.<VAR> references, string-only.
func (in *Interpolator) resolveEnv(name, expr string) (any, error) {
	if name == "" {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"invalid env reference {{%s}}: expected env.<VAR>", expr).
			WithDetails(map[string]any{"expression": expr})
	}
	val, ok := in.lookupEnv(name)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"environment variable %q not set in {{%s}}", name, expr).
			WithDetails(map[string]any{"expression": expr})
	}
	return val, nil
}

// resolveFlow resolves flow.item/index/totalItems/isLastItem references,
// only populated inside an iteration.
func resolveFlow(field, expr string, execCtx *schema.ExecutionContext) (any, error) {
	if execCtx.Flow == nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"flow variable {{%s}} referenced outside of an iteration", expr).
			WithDetails(map[string]any{"expression": expr})
	}
	fv := execCtx.Flow
	switch {
	case field == "item":
		return fv.Item, nil
	case field == "index":
		return fv.Index, nil
	case field == "totalItems":
		return fv.TotalItems, nil
	case field == "isLastItem":
		return fv.IsLastItem, nil
	case strings.HasPrefix(field, "item."):
		return resolvePathValue(fv.Item, strings.TrimPrefix(field, "item."), expr)
	case strings.HasPrefix(field, "item["):
		return resolvePathValue(fv.Item, field[len("item"):], expr)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"unknown flow field %q in {{%s}}; available: item, index, totalItems, isLastItem", field, expr).
			WithDetails(map[string]any{"expression": expr})
	}
}

// ResolvePath resolves a dotted path (including bracket syntax) against an
// arbitrary value. Exported for adapters that accept path parameters.
func ResolvePath(root any, path string) (any, error) {
	return resolvePathValue(root, path, path)
}

// resolvePathValue navigates into nested maps/slices using a dot-delimited
// path. Segments support single-index access (field[N], bare [N]) and array
// expansion (field[]), which maps the remaining path over every element and
// drops elements where the path is missing.
func resolvePathValue(root any, path, expr string) (any, error) {
	if path == "" {
		return root, nil
	}
	segments := strings.Split(path, ".")
	return traverseSegments(root, segments, expr)
}

func traverseSegments(root any, segments []string, expr string) (any, error) {
	current := root

	for i, seg := range segments {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"empty segment in path of {{%s}}", expr).
				WithDetails(map[string]any{"expression": expr})
		}

		field, bracket, hasBracket := splitBracket(seg)

		if field != "" {
			next, err := fieldAccess(current, field, expr)
			if err != nil {
				return nil, err
			}
			current = next
		}

		if !hasBracket {
			continue
		}

		arr, ok := current.([]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"cannot index non-array at %q in {{%s}} (type: %T)", seg, expr, current).
				WithDetails(map[string]any{"expression": expr})
		}

		if bracket == "" {
			// Expansion: map the remaining path over every element and
			// drop elements where it does not resolve.
			rest := segments[i+1:]
			out := make([]any, 0, len(arr))
			for _, el := range arr {
				v, err := traverseSegments(el, rest, expr)
				if err != nil {
					continue
				}
				out = append(out, v)
			}
			return out, nil
		}

		idx, err := strconv.Atoi(bracket)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"invalid array index %q in {{%s}}", bracket, expr).
				WithDetails(map[string]any{"expression": expr})
		}
		if idx < 0 || idx >= len(arr) {
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"array index %d out of range (len %d) in {{%s}}", idx, len(arr), expr).
				WithDetails(map[string]any{"expression": expr})
		}
		current = arr[idx]
	}

	return current, nil
}

// splitBracket splits a path segment like "items[2]" into field and bracket
// content. A bare "[N]" segment has an empty field; "items[]" has empty
// bracket content with hasBracket=true.
func splitBracket(seg string) (field, bracket string, hasBracket bool) {
	open := strings.IndexByte(seg, '[')
	if open == -1 || !strings.HasSuffix(seg, "]") {
		return seg, "", false
	}
	return seg[:open], seg[open+1 : len(seg)-1], true
}

func fieldAccess(current any, field, expr string) (any, error) {
	m, ok := current.(map[string]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"cannot traverse into non-object at %q in {{%s}} (type: %T)", field, expr, current).
			WithDetails(map[string]any{"expression": expr})
	}
	val, ok := m[field]
	if !ok {
		available := mapKeys(m)
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"field %q not found in {{%s}}; available: [%s]", field, expr, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_fields": available})
	}
	return val, nil
}

// Stringify renders a resolved value for in-place template substitution.
// Arrays join with ", ", objects JSON-encode, nil becomes the empty string.
func Stringify(val any) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	case []any:
		parts := make([]string, len(v))
		for i, el := range v {
			parts[i] = Stringify(el)
		}
		return strings.Join(parts, ", ")
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// mapKeys returns sorted keys from a map[string]any.
func mapKeys(m map[string]any) []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func mapResultKeys(m map[string]*schema.NodeResult) []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
