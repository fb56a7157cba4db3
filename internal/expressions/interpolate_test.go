package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/pkg/schema"
)

func testContext() *schema.ExecutionContext {
	execCtx := schema.NewExecutionContext("wf-1", "exec-1", "user-1", map[string]any{
		"name":  "Ada",
		"count": float64(5),
		"items": []any{
			map[string]any{"n": float64(1)},
			map[string]any{"n": float64(2)},
		},
	})
	execCtx.RecordOutput("fetch", &schema.NodeResult{
		NodeID:   "fetch",
		NodeType: "webhook.request",
		Success:  true,
		Output: map[string]any{
			"status": float64(200),
			"body":   map[string]any{"url": "https://example.com"},
		},
	})
	return execCtx
}

// --- Whole-reference substitution ---

func TestInterpolate_WholeReference_PreservesType(t *testing.T) {
	in := NewInterpolator()
	execCtx := testContext()

	out, err := in.InterpolateString("{{trigger.count}}", execCtx)
	require.NoError(t, err)
	assert.Equal(t, float64(5), out)
}

func TestInterpolate_WholeReference_Object(t *testing.T) {
	in := NewInterpolator()
	execCtx := testContext()

	out, err := in.InterpolateString("{{trigger}}", execCtx)
	require.NoError(t, err)
	assert.Equal(t, execCtx.TriggerInput, out)
}

func TestInterpolate_WholeReference_WithWhitespace(t *testing.T) {
	in := NewInterpolator()
	execCtx := testContext()

	out, err := in.InterpolateString("  {{ trigger.name }}  ", execCtx)
	require.NoError(t, err)
	assert.Equal(t, "Ada", out)
}

// --- In-place substitution ---

func TestInterpolate_Template(t *testing.T) {
	in := NewInterpolator()
	execCtx := testContext()

	out, err := in.InterpolateString("Hi {{trigger.name}}", execCtx)
	require.NoError(t, err)
	assert.Equal(t, "Hi Ada", out)
}

func TestInterpolate_MultipleReferences(t *testing.T) {
	in := NewInterpolator()
	execCtx := testContext()

	out, err := in.InterpolateString("{{trigger.name}} has {{trigger.count}} items", execCtx)
	require.NoError(t, err)
	assert.Equal(t, "Ada has 5 items", out)
}

func TestInterpolate_NoReferences(t *testing.T) {
	in := NewInterpolator()

	out, err := in.InterpolateString("plain text", testContext())
	require.NoError(t, err)
	assert.Equal(t, "plain text", out)
}

func TestInterpolate_UnclosedMarkerIsLiteral(t *testing.T) {
	in := NewInterpolator()

	out, err := in.InterpolateString("oops {{trigger.name", testContext())
	require.NoError(t, err)
	assert.Equal(t, "oops {{trigger.name", out)
}

func TestInterpolate_Template_MissingRendersEmpty(t *testing.T) {
	in := NewInterpolator()
	execCtx := testContext()

	out, err := in.InterpolateString("val: {{trigger.missing}}", execCtx)
	require.NoError(t, err)
	assert.Equal(t, "val: ", out)

	out, err = in.InterpolateString("{{trigger.name}} / {{nodes.ghost.output}}", execCtx)
	require.NoError(t, err)
	assert.Equal(t, "Ada / ", out)

	// Whole-value mode stays strict: the raw value is the node's input, so
	// an unresolvable path is still an error there.
	_, err = in.InterpolateString("{{trigger.missing}}", execCtx)
	require.Error(t, err)
}

func TestInterpolate_EmptyReferenceFails(t *testing.T) {
	in := NewInterpolator()

	_, err := in.InterpolateString("x {{  }} y", testContext())
	require.Error(t, err)
	var execErr *schema.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, schema.ErrCodeExpression, execErr.Code)
}

// --- Sources ---

func TestInterpolate_PreviousOutput(t *testing.T) {
	in := NewInterpolator()
	execCtx := testContext()

	out, err := in.InterpolateString("{{previous.output.status}}", execCtx)
	require.NoError(t, err)
	assert.Equal(t, float64(200), out)
}

func TestInterpolate_Previous_UnwrapsSingleResultKey(t *testing.T) {
	in := NewInterpolator()
	execCtx := testContext()
	execCtx.RecordOutput("tmpl", &schema.NodeResult{
		NodeID:  "tmpl",
		Success: true,
		Output:  map[string]any{"result": "Hi Ada"},
	})

	out, err := in.InterpolateString("{{previous.output}}", execCtx)
	require.NoError(t, err)
	assert.Equal(t, "Hi Ada", out)
}

func TestInterpolate_Previous_BeforeAnyNode(t *testing.T) {
	in := NewInterpolator()
	execCtx := schema.NewExecutionContext("wf-1", "exec-1", "user-1", nil)

	_, err := in.InterpolateString("{{previous.output}}", execCtx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "before any node")
}

func TestInterpolate_NodesByID(t *testing.T) {
	in := NewInterpolator()
	execCtx := testContext()

	out, err := in.InterpolateString("{{nodes.fetch.output.body.url}}", execCtx)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", out)
}

func TestInterpolate_Nodes_ImplicitOutputSegment(t *testing.T) {
	in := NewInterpolator()
	execCtx := testContext()

	out, err := in.InterpolateString("{{nodes.fetch.body.url}}", execCtx)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", out)
}

func TestInterpolate_Nodes_SuccessField(t *testing.T) {
	in := NewInterpolator()
	execCtx := testContext()

	out, err := in.InterpolateString("{{nodes.fetch.success}}", execCtx)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestInterpolate_Nodes_UnknownListsAvailable(t *testing.T) {
	in := NewInterpolator()
	execCtx := testContext()

	_, err := in.InterpolateString("{{nodes.missing.output}}", execCtx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `node "missing" not found`)
	assert.Contains(t, err.Error(), "fetch")
}

func TestInterpolate_Env(t *testing.T) {
	in := NewInterpolatorWithEnv(func(name string) (string, bool) {
		if name == "API_URL" {
			return "https://api.local", true
		}
		return "", false
	})

	out, err := in.InterpolateString("{{env.API_URL}}/v1", testContext())
	require.NoError(t, err)
	assert.Equal(t, "https://api.local/v1", out)
}

func TestInterpolate_Env_MissingFails(t *testing.T) {
	in := NewInterpolatorWithEnv(func(string) (string, bool) { return "", false })

	_, err := in.InterpolateString("{{env.MISSING}}", testContext())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `environment variable "MISSING" not set`)
}

func TestInterpolate_Flow_InsideIteration(t *testing.T) {
	in := NewInterpolator()
	execCtx := testContext()
	execCtx.EnterIteration(map[string]any{"sku": "A-1"}, 2, 3)
	defer execCtx.LeaveIteration()

	item, err := in.InterpolateString("{{flow.item.sku}}", execCtx)
	require.NoError(t, err)
	assert.Equal(t, "A-1", item)

	idx, err := in.InterpolateString("{{flow.index}}", execCtx)
	require.NoError(t, err)
	assert.Equal(t, 2, idx)

	last, err := in.InterpolateString("{{flow.isLastItem}}", execCtx)
	require.NoError(t, err)
	assert.Equal(t, true, last)
}

func TestInterpolate_Flow_OutsideIterationFails(t *testing.T) {
	in := NewInterpolator()

	_, err := in.InterpolateString("{{flow.item}}", testContext())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside of an iteration")
}

func TestInterpolate_UnknownSourceListsAvailable(t *testing.T) {
	in := NewInterpolator()

	_, err := in.InterpolateString("{{bogus.field}}", testContext())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown source "bogus"`)
	assert.Contains(t, err.Error(), "trigger, previous, nodes, env, flow")
}

// --- Path traversal ---

func TestInterpolate_ArrayIndex(t *testing.T) {
	in := NewInterpolator()
	execCtx := testContext()

	out, err := in.InterpolateString("{{trigger.items[1].n}}", execCtx)
	require.NoError(t, err)
	assert.Equal(t, float64(2), out)
}

func TestInterpolate_ArrayIndexOutOfRange(t *testing.T) {
	in := NewInterpolator()

	_, err := in.InterpolateString("{{trigger.items[9]}}", testContext())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestInterpolate_ArrayExpansion(t *testing.T) {
	in := NewInterpolator()
	execCtx := testContext()

	out, err := in.InterpolateString("{{trigger.items[].n}}", execCtx)
	require.NoError(t, err)
	assert.Equal(t, []any{float64(1), float64(2)}, out)
}

func TestInterpolate_ArrayExpansion_DropsMissing(t *testing.T) {
	in := NewInterpolator()
	execCtx := schema.NewExecutionContext("wf-1", "exec-1", "user-1", map[string]any{
		"items": []any{
			map[string]any{"n": float64(1)},
			map[string]any{"other": "x"},
			map[string]any{"n": float64(3)},
		},
	})

	out, err := in.InterpolateString("{{trigger.items[].n}}", execCtx)
	require.NoError(t, err)
	assert.Equal(t, []any{float64(1), float64(3)}, out)
}

func TestInterpolate_MissingFieldListsAvailable(t *testing.T) {
	in := NewInterpolator()

	_, err := in.InterpolateString("{{trigger.nope}}", testContext())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `field "nope" not found`)
	assert.Contains(t, err.Error(), "count")
	assert.Contains(t, err.Error(), "items")
	assert.Contains(t, err.Error(), "name")
}

// --- Config trees ---

func TestInterpolateConfig_Recurses(t *testing.T) {
	in := NewInterpolator()
	execCtx := testContext()

	cfg := map[string]any{
		"subject": "Hello {{trigger.name}}",
		"count":   "{{trigger.count}}",
		"nested": map[string]any{
			"url": "{{nodes.fetch.output.body.url}}",
		},
		"list":    []any{"{{trigger.name}}", float64(7)},
		"literal": true,
	}

	out, err := in.InterpolateConfig(cfg, execCtx)
	require.NoError(t, err)
	assert.Equal(t, "Hello Ada", out["subject"])
	assert.Equal(t, float64(5), out["count"])
	assert.Equal(t, map[string]any{"url": "https://example.com"}, out["nested"])
	assert.Equal(t, []any{"Ada", float64(7)}, out["list"])
	assert.Equal(t, true, out["literal"])

	// Input untouched.
	assert.Equal(t, "Hello {{trigger.name}}", cfg["subject"])
}

func TestInterpolateConfig_PropagatesError(t *testing.T) {
	in := NewInterpolator()

	_, err := in.InterpolateConfig(map[string]any{"x": "{{nope.y}}"}, testContext())
	require.Error(t, err)
}

// --- Stringify ---

func TestStringify(t *testing.T) {
	assert.Equal(t, "", Stringify(nil))
	assert.Equal(t, "text", Stringify("text"))
	assert.Equal(t, "true", Stringify(true))
	assert.Equal(t, "5", Stringify(float64(5)))
	assert.Equal(t, "2.5", Stringify(float64(2.5)))
	assert.Equal(t, "42", Stringify(42))
	assert.Equal(t, "1, 2, 3", Stringify([]any{float64(1), float64(2), float64(3)}))
	assert.Equal(t, `{"a":1}`, Stringify(map[string]any{"a": float64(1)}))
}

// --- Reference extraction ---

func TestReferences_CollectsFromTree(t *testing.T) {
	refs := References(map[string]any{
		"a": "{{trigger.name}}",
		"b": []any{"x {{nodes.fetch.output}} y"},
		"c": map[string]any{"d": "{{env.KEY}}"},
	})
	assert.ElementsMatch(t, []string{"trigger.name", "nodes.fetch.output", "env.KEY"}, refs)
}

func TestHasReference(t *testing.T) {
	assert.True(t, HasReference("{{trigger.name}}"))
	assert.True(t, HasReference("a {{x}} b"))
	assert.False(t, HasReference("plain"))
	assert.False(t, HasReference("{{unclosed"))
}

// --- Variable pre-flight ---

func TestValidateVariables_AllResolvable(t *testing.T) {
	in := NewInterpolator()

	report := in.ValidateVariables(map[string]any{
		"subject": "Hi {{trigger.name}}",
		"params": map[string]any{
			"status": "{{nodes.fetch.output.status}}",
		},
	}, testContext())

	assert.True(t, report.Valid)
	assert.Empty(t, report.Missing)
}

func TestValidateVariables_ReportsMissingWithPaths(t *testing.T) {
	in := NewInterpolator()

	report := in.ValidateVariables(map[string]any{
		"subject": "Hi {{trigger.ghost}}",
		"values":  []any{"ok", "{{nodes.never.output}}"},
	}, testContext())

	require.False(t, report.Valid)
	require.Len(t, report.Missing, 2)

	paths := map[string]string{}
	for _, m := range report.Missing {
		paths[m.Reference] = m.ConfigPath
		assert.NotEmpty(t, m.Reason)
	}
	assert.Equal(t, "subject", paths["trigger.ghost"])
	assert.Equal(t, "values[1]", paths["nodes.never.output"])
}
