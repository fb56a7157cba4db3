package adapters

import (
	"context"
	"encoding/json"

	"github.com/loomhq/loom/internal/expressions"
	"github.com/loomhq/loom/pkg/schema"
)

// TransformAdapter implements the transform provider: pure local data
// operations with no upstream I/O and no rate limit.
type TransformAdapter struct {
	*Base
	interp *expressions.Interpolator
	jq     *expressions.GoJQEngine
}

// NewTransformAdapter builds the transform adapter.
func NewTransformAdapter(deps Deps) *TransformAdapter {
	a := &TransformAdapter{
		Base:   NewBase("transform", deps),
		interp: expressions.NewInterpolator(),
		jq:     expressions.NewGoJQEngine(),
	}
	a.RegisterOperation("json.parse", a.jsonParse)
	a.RegisterOperation("json.stringify", a.jsonStringify)
	a.RegisterOperation("json.query", a.jsonQuery)
	a.RegisterOperation("text.template", a.textTemplate)
	a.RegisterOperation("array.filter", a.arrayFilter)
	a.RegisterOperation("array.map", a.arrayMap)
	return a
}

func (a *TransformAdapter) jsonParse(ctx context.Context, input map[string]any, creds *schema.Credentials, execCtx *schema.ExecutionContext) (*OperationResult, error) {
	raw, err := requireString(input, "input", "transform", "json.parse")
	if err != nil {
		return nil, err
	}
	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeParse, "invalid JSON: %s", err.Error()).WithCause(err)
	}
	return &OperationResult{Output: map[string]any{"result": parsed}}, nil
}

func (a *TransformAdapter) jsonStringify(ctx context.Context, input map[string]any, creds *schema.Credentials, execCtx *schema.ExecutionContext) (*OperationResult, error) {
	value, ok := input["input"]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, `missing required parameter "input"`)
	}
	var encoded []byte
	var err error
	if boolParam(input, "pretty", false) {
		encoded, err = json.MarshalIndent(value, "", "  ")
	} else {
		encoded, err = json.Marshal(value)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeParse, "cannot stringify value: %s", err.Error()).WithCause(err)
	}
	return &OperationResult{Output: map[string]any{"result": string(encoded)}}, nil
}

// jsonQuery runs a jq expression over the input value.
func (a *TransformAdapter) jsonQuery(ctx context.Context, input map[string]any, creds *schema.Credentials, execCtx *schema.ExecutionContext) (*OperationResult, error) {
	query, err := requireString(input, "query", "transform", "json.query")
	if err != nil {
		return nil, err
	}
	results, err := a.jq.EvaluateAll(ctx, query, input["input"])
	if err != nil {
		return nil, err
	}
	var result any
	switch len(results) {
	case 0:
		result = nil
	case 1:
		result = results[0]
	default:
		result = results
	}
	return &OperationResult{Output: map[string]any{"result": result}}, nil
}

// textTemplate applies the shared reference grammar to a template string.
// Output is always a string regardless of what the references resolve to.
func (a *TransformAdapter) textTemplate(ctx context.Context, input map[string]any, creds *schema.Credentials, execCtx *schema.ExecutionContext) (*OperationResult, error) {
	template, err := requireString(input, "template", "transform", "text.template")
	if err != nil {
		return nil, err
	}
	resolved, err := a.interp.InterpolateString(template, execCtx)
	if err != nil {
		return nil, err
	}
	return &OperationResult{Output: map[string]any{"result": expressions.Stringify(resolved)}}, nil
}

func (a *TransformAdapter) arrayFilter(ctx context.Context, input map[string]any, creds *schema.Credentials, execCtx *schema.ExecutionContext) (*OperationResult, error) {
	items, ok := input["input"].([]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, `parameter "input" must be an array, got %T`, input["input"])
	}
	cond := expressions.Condition{
		Field:    stringParam(input, "field", ""),
		Operator: stringParam(input, "operator", expressions.OpEquals),
		Value:    input["value"],
	}

	filtered := make([]any, 0, len(items))
	for _, item := range items {
		match, err := expressions.EvaluateCondition(cond, item)
		if err != nil {
			return nil, err
		}
		if match {
			filtered = append(filtered, item)
		}
	}
	return &OperationResult{Output: map[string]any{"result": filtered, "count": len(filtered)}}, nil
}

// arrayMap projects one field out of each element or renames keys via a
// mapping table.
func (a *TransformAdapter) arrayMap(ctx context.Context, input map[string]any, creds *schema.Credentials, execCtx *schema.ExecutionContext) (*OperationResult, error) {
	items, ok := input["input"].([]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, `parameter "input" must be an array, got %T`, input["input"])
	}

	field := stringParam(input, "field", "")
	mapping := mapParam(input, "mapping")
	if field == "" && mapping == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, `array.map requires either "field" or "mapping"`)
	}

	out := make([]any, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			out = append(out, item)
			continue
		}
		if field != "" {
			out = append(out, obj[field])
			continue
		}
		renamed := make(map[string]any, len(mapping))
		for newKey, oldKey := range mapping {
			src, ok := oldKey.(string)
			if !ok {
				continue
			}
			if v, ok := obj[src]; ok {
				renamed[newKey] = v
			}
		}
		out = append(out, renamed)
	}
	return &OperationResult{Output: map[string]any{"result": out, "count": len(out)}}, nil
}
