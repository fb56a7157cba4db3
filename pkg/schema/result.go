package schema

import "time"

// NodeMetadata captures timing and retry bookkeeping for one node invocation.
type NodeMetadata struct {
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
	RetryCount  int           `json:"retry_count"`
}

// SignalKind discriminates the control-flow signal variants a flow node can
// hand back to the resolver.
type SignalKind string

const (
	SignalIterate             SignalKind = "iterate"
	SignalFilterStop          SignalKind = "filter_stop"
	SignalAggregationPending  SignalKind = "aggregation_pending"
	SignalAggregationComplete SignalKind = "aggregation_complete"
	SignalRoute               SignalKind = "route"
)

// IterationPlan describes the items an iterator hands to the resolver.
type IterationPlan struct {
	Items         []any  `json:"items"`
	ItemVariable  string `json:"item_variable,omitempty"`
	IndexVariable string `json:"index_variable,omitempty"`
	TotalItems    int    `json:"total_items"`
}

// FlowSignal is the typed control-flow channel between the flow adapter and
// the resolver. Exactly one payload field is meaningful per Kind.
type FlowSignal struct {
	Kind         SignalKind     `json:"kind"`
	Iteration    *IterationPlan `json:"iteration,omitempty"`     // SignalIterate
	PendingCount int            `json:"pending_count,omitempty"` // SignalAggregationPending
	Routes       []string       `json:"routes,omitempty"`        // SignalRoute
}

// NodeResult is produced exactly once per node per (loop) invocation.
// Adapters never return Go errors to the resolver; failure is always
// expressed as Success=false with a populated Error.
type NodeResult struct {
	NodeID   string          `json:"node_id"`
	NodeType string          `json:"node_type,omitempty"`
	Success  bool            `json:"success"`
	Output   map[string]any  `json:"output,omitempty"`
	Error    *ExecutionError `json:"error,omitempty"`
	Signal   *FlowSignal     `json:"-"`
	Metadata NodeMetadata    `json:"metadata"`
}

// OutputValue returns the single conventional "result" entry of the output
// when present, otherwise the whole output map. Adapters that produce one
// scalar put it under "result".
func (r *NodeResult) OutputValue() any {
	if r.Output == nil {
		return nil
	}
	if len(r.Output) == 1 {
		if v, ok := r.Output["result"]; ok {
			return v
		}
	}
	return r.Output
}

// WorkflowExecutionResult is the top-level outcome returned to callers.
type WorkflowExecutionResult struct {
	Success     bool            `json:"success"`
	ExecutionID string          `json:"execution_id"`
	WorkflowID  string          `json:"workflow_id"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
	Duration    time.Duration   `json:"duration"`
	Output      map[string]any  `json:"output,omitempty"`
	Error       *ExecutionError `json:"error,omitempty"`
	NodeResults []*NodeResult   `json:"node_results"`
}
