package adapters

import (
	"context"
	"strings"

	"github.com/loomhq/loom/internal/expressions"
	"github.com/loomhq/loom/internal/logging"
	"github.com/loomhq/loom/pkg/schema"
)

// FlowAdapter implements the flow provider: iterate, endIterate, aggregate,
// route, and filter. These operations perform no I/O — they compute typed
// control-flow signals the resolver acts on.
type FlowAdapter struct {
	*Base
	expr *expressions.ExprEngine
	cel  *expressions.CELEngine
}

// NewFlowAdapter builds the flow adapter. The CEL engine backs the optional
// expression condition mode; the expr engine backs aggregate custom mode.
func NewFlowAdapter(deps Deps) *FlowAdapter {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		// The static environment only fails on programmer error.
		panic(err)
	}
	a := &FlowAdapter{
		Base: NewBase("flow", deps),
		expr: expressions.NewExprEngine(),
		cel:  cel,
	}
	a.RegisterOperation("iterate", a.iterate)
	a.RegisterOperation("endIterate", a.endIterate)
	a.RegisterOperation("aggregate", a.aggregate)
	a.RegisterOperation("route", a.route)
	a.RegisterOperation("filter", a.filter)
	return a
}

// iterate resolves the configured items into an array and signals the
// resolver to splice the loop body once per item. Iteration is driven by the
// scheduler, not the adapter.
func (a *FlowAdapter) iterate(ctx context.Context, input map[string]any, creds *schema.Credentials, execCtx *schema.ExecutionContext) (*OperationResult, error) {
	items, err := a.resolveItems(input, execCtx)
	if err != nil {
		return nil, err
	}

	plan := &schema.IterationPlan{
		Items:         items,
		ItemVariable:  stringParam(input, "itemVariable", "item"),
		IndexVariable: stringParam(input, "indexVariable", "index"),
		TotalItems:    len(items),
	}
	return &OperationResult{
		Output: map[string]any{"totalItems": len(items)},
		Signal: &schema.FlowSignal{Kind: schema.SignalIterate, Iteration: plan},
	}, nil
}

// resolveItems accepts either an already-interpolated array under "items" or
// a dotted path under "path" resolved against the previous node's output.
func (a *FlowAdapter) resolveItems(input map[string]any, execCtx *schema.ExecutionContext) ([]any, error) {
	if raw, ok := input["items"]; ok {
		items, ok := raw.([]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"iterator items resolved to %T, expected array", raw)
		}
		return items, nil
	}

	path := stringParam(input, "path", "")
	prev, ok := execCtx.Previous()
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "iterator has no upstream output to read items from")
	}
	source := prev.OutputValue()
	if path != "" {
		resolved, err := expressions.ResolvePath(source, path)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"iterator path %q did not resolve: %s", path, err.Error()).WithCause(err)
		}
		source = resolved
	}
	items, ok := source.([]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"iterator path %q resolved to %T, expected array", path, source)
	}
	return items, nil
}

// endIterate marks the right boundary of a loop body.
func (a *FlowAdapter) endIterate(ctx context.Context, input map[string]any, creds *schema.Credentials, execCtx *schema.ExecutionContext) (*OperationResult, error) {
	out := map[string]any{
		"collectResults": boolParam(input, "collectResults", true),
	}
	if fv := execCtx.Flow; fv != nil {
		out["index"] = fv.Index
		out["isLastItem"] = fv.IsLastItem
		if prev, ok := execCtx.Previous(); ok {
			out["result"] = prev.OutputValue()
		}
	}
	return &OperationResult{Output: out}, nil
}

// aggregate accumulates one value per call into the run-scoped buffer and
// signals pending until the expected item count is reached, then computes
// the final value for the configured mode.
func (a *FlowAdapter) aggregate(ctx context.Context, input map[string]any, creds *schema.Credentials, execCtx *schema.ExecutionContext) (*OperationResult, error) {
	nodeID := logging.NodeID(ctx)
	if nodeID == "" {
		nodeID = "aggregate"
	}
	buf := execCtx.Aggregation(nodeID)

	value, ok := input["value"]
	if !ok {
		if prev, found := execCtx.Previous(); found {
			value = prev.OutputValue()
		}
	}
	buf.Items = append(buf.Items, value)
	count := len(buf.Items)

	maxItems := intParam(input, "maxItems", 0)
	complete := true
	if fv := execCtx.Flow; fv != nil {
		complete = fv.IsLastItem
	}
	if maxItems > 0 && count >= maxItems {
		complete = true
	}

	if !complete {
		return &OperationResult{
			Output: map[string]any{"pending": true, "count": count},
			Signal: &schema.FlowSignal{Kind: schema.SignalAggregationPending, PendingCount: count},
		}, nil
	}

	mode := stringParam(input, "mode", "array")
	groupBy := stringParam(input, "groupByField", "")

	var result any
	var err error
	if groupBy != "" {
		grouped := make(map[string]any)
		for key, items := range groupItems(buf.Items, groupBy) {
			grouped[key], err = a.applyMode(ctx, mode, input, items)
			if err != nil {
				return nil, err
			}
		}
		result = grouped
	} else {
		result, err = a.applyMode(ctx, mode, input, buf.Items)
		if err != nil {
			return nil, err
		}
	}

	return &OperationResult{
		Output: map[string]any{"result": result, "count": count},
		Signal: &schema.FlowSignal{Kind: schema.SignalAggregationComplete},
	}, nil
}

func (a *FlowAdapter) applyMode(ctx context.Context, mode string, input map[string]any, items []any) (any, error) {
	switch mode {
	case "array":
		return items, nil
	case "first":
		if len(items) == 0 {
			return nil, nil
		}
		return items[0], nil
	case "last":
		if len(items) == 0 {
			return nil, nil
		}
		return items[len(items)-1], nil
	case "concat":
		parts := make([]string, len(items))
		for i, item := range items {
			parts[i] = expressions.Stringify(item)
		}
		return strings.Join(parts, stringParam(input, "separator", "")), nil
	case "sum":
		var total float64
		for _, item := range items {
			if n, ok := toFloat(item); ok {
				total += n
			}
		}
		return total, nil
	case "count":
		return len(items), nil
	case "custom":
		expression, err := requireString(input, "expression", "flow", "aggregate")
		if err != nil {
			return nil, err
		}
		return a.expr.Evaluate(ctx, expression, map[string]any{"items": items})
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown aggregation mode %q", mode)
	}
}

func groupItems(items []any, field string) map[string][]any {
	groups := make(map[string][]any)
	for _, item := range items {
		key := ""
		if obj, ok := item.(map[string]any); ok {
			key = expressions.Stringify(obj[field])
		}
		groups[key] = append(groups[key], item)
	}
	return groups
}

// route evaluates its ordered conditions against the previous output and
// collects every matching condition's target path (multi-path fan-out),
// falling back to the default path when nothing matches.
func (a *FlowAdapter) route(ctx context.Context, input map[string]any, creds *schema.Credentials, execCtx *schema.ExecutionContext) (*OperationResult, error) {
	data := previousOutput(execCtx)

	var routes []string
	for _, raw := range sliceParam(input, "conditions") {
		condMap, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		target := stringParam(condMap, "targetPath", "")
		if target == "" {
			continue
		}
		match, err := a.evaluateConditionConfig(ctx, condMap, data, execCtx)
		if err != nil {
			return nil, err
		}
		if match {
			routes = append(routes, target)
		}
	}
	if len(routes) == 0 {
		if def := stringParam(input, "defaultPath", ""); def != "" {
			routes = append(routes, def)
		}
	}

	return &OperationResult{
		Output: map[string]any{"routes": routes, "matched": len(routes)},
		Signal: &schema.FlowSignal{Kind: schema.SignalRoute, Routes: routes},
	}, nil
}

// filter evaluates a single condition against the previous output. A failed
// condition with passThrough disabled halts the branch as a normal early
// termination, carrying the node's configured data as its output.
func (a *FlowAdapter) filter(ctx context.Context, input map[string]any, creds *schema.Credentials, execCtx *schema.ExecutionContext) (*OperationResult, error) {
	data := previousOutput(execCtx)

	match, err := a.evaluateConditionConfig(ctx, input, data, execCtx)
	if err != nil {
		return nil, err
	}

	if match {
		return &OperationResult{Output: map[string]any{"passed": true, "result": data}}, nil
	}

	if boolParam(input, "passThrough", false) {
		return &OperationResult{Output: map[string]any{"passed": false}}, nil
	}

	out := map[string]any{"passed": false}
	if d, ok := input["data"]; ok {
		if m, isMap := d.(map[string]any); isMap {
			out = m
		} else {
			out = map[string]any{"result": d}
		}
	}
	return &OperationResult{
		Output: out,
		Signal: &schema.FlowSignal{Kind: schema.SignalFilterStop},
	}, nil
}

// evaluateConditionConfig applies either the expression form (CEL over
// trigger/nodes/previous/flow) or the field/operator/value form.
func (a *FlowAdapter) evaluateConditionConfig(ctx context.Context, cfg map[string]any, data any, execCtx *schema.ExecutionContext) (bool, error) {
	if expression := stringParam(cfg, "expression", ""); expression != "" {
		return a.cel.EvaluateBool(ctx, expression, celScope(execCtx))
	}
	cond := expressions.Condition{
		Field:    stringParam(cfg, "field", ""),
		Operator: stringParam(cfg, "operator", expressions.OpEquals),
		Value:    cfg["value"],
	}
	return expressions.EvaluateCondition(cond, data)
}

// celScope builds the CEL activation from the execution context.
func celScope(execCtx *schema.ExecutionContext) map[string]any {
	if execCtx == nil {
		return nil
	}
	nodes := make(map[string]any, len(execCtx.NodeOutputs))
	for id, res := range execCtx.NodeOutputs {
		nodes[id] = map[string]any{"success": res.Success, "output": res.Output}
	}
	scope := map[string]any{
		"trigger": execCtx.TriggerInput,
		"nodes":   nodes,
	}
	if prev, ok := execCtx.Previous(); ok && prev.Output != nil {
		scope["previous"] = prev.Output
	}
	if fv := execCtx.Flow; fv != nil {
		scope["flow"] = map[string]any{
			"item":       fv.Item,
			"index":      fv.Index,
			"totalItems": fv.TotalItems,
			"isLastItem": fv.IsLastItem,
		}
	}
	return scope
}

func previousOutput(execCtx *schema.ExecutionContext) any {
	if execCtx == nil {
		return nil
	}
	if prev, ok := execCtx.Previous(); ok {
		return prev.OutputValue()
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}
