package schema

// FlowVars is the per-item iteration scope exposed as the "flow" source.
type FlowVars struct {
	Item       any  `json:"item"`
	Index      int  `json:"index"`
	TotalItems int  `json:"total_items"`
	IsLastItem bool `json:"is_last_item"`
}

// AggregationBuffer accumulates values for one aggregator node within a run.
type AggregationBuffer struct {
	Items []any
}

// ExecutionContext is the mutable state threaded through one execution run.
// It is created at the start of Execute, passed by reference to every adapter
// call, and discarded at run end. A run is single-goroutine by design, so the
// context carries no locking.
type ExecutionContext struct {
	WorkflowID  string
	ExecutionID string
	UserID      string

	TriggerInput map[string]any

	// NodeOutputs grows monotonically per run; iterated nodes overwrite the
	// same key (last write wins for previous/nodes.* lookups). ExecutedOrder
	// is the explicit ordered list of executed node IDs backing the
	// "previous" source, including repeats across iterations.
	NodeOutputs   map[string]*NodeResult
	ExecutedOrder []string

	// Variables is the free-form bag; Flow is non-nil only inside an
	// iteration splice.
	Variables map[string]any
	Flow      *FlowVars

	// Credentials maps provider → resolved credentials, loaded once at run
	// start.
	Credentials map[string]*Credentials

	// Aggregations keys per-aggregator buffers by node ID, scoped to this
	// run rather than any process-wide registry.
	Aggregations map[string]*AggregationBuffer
}

// NewExecutionContext builds a fresh per-run context.
func NewExecutionContext(workflowID, executionID, userID string, triggerInput map[string]any) *ExecutionContext {
	return &ExecutionContext{
		WorkflowID:   workflowID,
		ExecutionID:  executionID,
		UserID:       userID,
		TriggerInput: triggerInput,
		NodeOutputs:  make(map[string]*NodeResult),
		Variables:    make(map[string]any),
		Credentials:  make(map[string]*Credentials),
		Aggregations: make(map[string]*AggregationBuffer),
	}
}

// RecordOutput appends a node result to the resolution state.
func (c *ExecutionContext) RecordOutput(nodeID string, result *NodeResult) {
	c.NodeOutputs[nodeID] = result
	c.ExecutedOrder = append(c.ExecutedOrder, nodeID)
}

// Previous returns the most recently executed node's result.
func (c *ExecutionContext) Previous() (*NodeResult, bool) {
	if len(c.ExecutedOrder) == 0 {
		return nil, false
	}
	last := c.ExecutedOrder[len(c.ExecutedOrder)-1]
	r, ok := c.NodeOutputs[last]
	return r, ok
}

// Aggregation returns the buffer for an aggregator node, creating it on
// first use.
func (c *ExecutionContext) Aggregation(nodeID string) *AggregationBuffer {
	buf, ok := c.Aggregations[nodeID]
	if !ok {
		buf = &AggregationBuffer{}
		c.Aggregations[nodeID] = buf
	}
	return buf
}

// EnterIteration installs the per-item flow scope.
func (c *ExecutionContext) EnterIteration(item any, index, total int) {
	c.Flow = &FlowVars{
		Item:       item,
		Index:      index,
		TotalItems: total,
		IsLastItem: index == total-1,
	}
}

// LeaveIteration clears the flow scope after a loop completes.
func (c *ExecutionContext) LeaveIteration() {
	c.Flow = nil
}
