package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/expressions"
	"github.com/loomhq/loom/internal/logging"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/pkg/schema"
)

// CredentialSource resolves credentials per (user, provider) at run start.
// Satisfied by credentials.Manager.
type CredentialSource interface {
	Resolve(ctx context.Context, userID, provider, credentialID string) (*schema.Credentials, error)
}

// ExecutionHistory is the persistence surface the resolver writes run
// outcomes to. Satisfied by store.Store. All writes are best effort; a
// history failure never fails the run.
type ExecutionHistory interface {
	CreateExecution(ctx context.Context, exec *store.ExecutionRecord) error
	FinishExecution(ctx context.Context, id string, update store.ExecutionUpdate) error
	AppendNodeResult(ctx context.Context, result *store.NodeResultRecord) error
}

// Resolver walks a workflow graph in topological order, interpolating each
// node's config, dispatching it to its provider adapter, and reacting to
// control-flow signals (iteration, filter stop, routing, aggregation).
type Resolver struct {
	registry AdapterRegistry
	creds    CredentialSource
	interp   *expressions.Interpolator
	history  ExecutionHistory
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// ResolverOption customizes a Resolver.
type ResolverOption func(*Resolver)

// WithHistory enables best-effort execution history persistence.
func WithHistory(h ExecutionHistory) ResolverOption {
	return func(r *Resolver) { r.history = h }
}

// WithInterpolator overrides the interpolation engine, mainly for tests that
// pin the env lookup.
func WithInterpolator(in *expressions.Interpolator) ResolverOption {
	return func(r *Resolver) { r.interp = in }
}

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) { r.now = now }
}

// NewResolver builds a resolver over the adapter registry. A nil credential
// source resolves every provider to placeholder credentials, which suits
// workflows made of credential-free providers.
func NewResolver(registry AdapterRegistry, creds CredentialSource, logger *slog.Logger, opts ...ResolverOption) *Resolver {
	if creds == nil {
		creds = noneSource{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		registry: registry,
		creds:    creds,
		interp:   expressions.NewInterpolator(),
		logger:   logger,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type noneSource struct{}

func (noneSource) Resolve(_ context.Context, userID, provider, _ string) (*schema.Credentials, error) {
	return schema.NoneCredentials(userID, provider), nil
}

// run carries the mutable state of one Execute call.
type run struct {
	content  *schema.WorkflowContent
	execCtx  *schema.ExecutionContext
	results  []*schema.NodeResult
	skip     map[string]bool
	consumed map[string]bool
	stopped  bool
	position int
}

// Execute runs the workflow to completion and always returns a result;
// failures are expressed in the result rather than a Go error.
func (r *Resolver) Execute(ctx context.Context, userID, workflowID string, content *schema.WorkflowContent, triggerInput map[string]any) *schema.WorkflowExecutionResult {
	started := r.now()
	executionID := r.newID()
	ctx = logging.WithRun(ctx, workflowID, executionID)
	log := logging.LogWith(ctx, r.logger)

	result := &schema.WorkflowExecutionResult{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		StartedAt:   started,
	}

	// The execution row is created up front so node results can reference it
	// as they stream in; the terminal fields land in finish.
	if r.history != nil {
		rec := &store.ExecutionRecord{
			ID:         executionID,
			WorkflowID: workflowID,
			UserID:     userID,
			StartedAt:  started,
		}
		if err := r.history.CreateExecution(ctx, rec); err != nil {
			r.logger.Warn("failed to persist execution",
				slog.String("execution_id", executionID),
				slog.String("error", err.Error()))
		}
	}

	finish := func() *schema.WorkflowExecutionResult {
		result.CompletedAt = r.now()
		result.Duration = result.CompletedAt.Sub(started)
		r.persistRun(ctx, result)
		return result
	}

	order := BuildExecutionOrder(content)
	if len(order) == 0 {
		result.Error = schema.NewError(schema.ErrCodeEmptyWorkflow, "workflow has no executable nodes")
		return finish()
	}

	execCtx := schema.NewExecutionContext(workflowID, executionID, userID, triggerInput)
	if err := r.preloadCredentials(ctx, content, order, execCtx); err != nil {
		result.Error = NormalizeError(err)
		return finish()
	}

	st := &run{
		content:  content,
		execCtx:  execCtx,
		skip:     make(map[string]bool),
		consumed: make(map[string]bool),
	}

	log.Info("workflow execution started",
		slog.Int("nodes", len(order)),
		slog.String("user_id", userID))

	var runErr *schema.ExecutionError
	for _, nodeID := range order {
		if st.skip[nodeID] || st.consumed[nodeID] {
			continue
		}
		if err := ctx.Err(); err != nil {
			runErr = NormalizeError(err)
			break
		}
		node, ok := content.NodeByID(nodeID)
		if !ok {
			continue
		}

		nodeResult := r.runNode(ctx, node, st.execCtx)
		r.record(ctx, st, node, nodeResult)

		if !nodeResult.Success {
			runErr = nodeResult.Error
			break
		}

		if sig := nodeResult.Signal; sig != nil {
			switch sig.Kind {
			case schema.SignalIterate:
				if err := r.runIteration(ctx, st, node, sig.Iteration); err != nil {
					runErr = err
				}
			case schema.SignalFilterStop:
				st.stopped = true
			case schema.SignalRoute:
				r.applyRoutes(st, node, sig.Routes)
			}
		}
		if runErr != nil || st.stopped {
			break
		}
	}

	result.NodeResults = st.results
	if runErr != nil {
		result.Error = runErr
		log.Warn("workflow execution failed",
			slog.String("error_code", runErr.Code),
			slog.String("error", runErr.Message))
		return finish()
	}

	result.Success = true
	if prev, ok := st.execCtx.Previous(); ok {
		result.Output = prev.Output
	}
	log.Info("workflow execution completed",
		slog.Int("executed", len(st.results)),
		slog.Bool("short_circuited", st.stopped))
	return finish()
}

// runNode interpolates the node config and dispatches it to its adapter.
// Always returns a result; dispatch problems surface as failed results.
func (r *Resolver) runNode(ctx context.Context, node schema.Node, execCtx *schema.ExecutionContext) *schema.NodeResult {
	ctx = logging.WithNodeID(ctx, node.ID)
	started := r.now()

	fail := func(err *schema.ExecutionError) *schema.NodeResult {
		completed := r.now()
		return &schema.NodeResult{
			NodeID:   node.ID,
			NodeType: node.Type,
			Success:  false,
			Error:    err,
			Metadata: schema.NodeMetadata{
				StartedAt:   started,
				CompletedAt: completed,
				Duration:    completed.Sub(started),
			},
		}
	}

	provider, operation, ok := node.Binding()
	if !ok {
		return fail(schema.NewErrorf(schema.ErrCodeValidation,
			"node %q has malformed type %q, want provider.operation", node.ID, node.Type))
	}

	adapter, ok := r.registry.Get(provider)
	if !ok {
		return fail(schema.NewErrorf(schema.ErrCodeValidation,
			"unknown provider %q (available: %v)", provider, r.registry.Providers()))
	}

	config, err := r.interp.InterpolateConfig(node.Data, execCtx)
	if err != nil {
		return fail(NormalizeError(err).WithOperation(provider, operation))
	}

	result := adapter.Execute(ctx, operation, config, execCtx.Credentials[provider], execCtx)
	if result.NodeID == "" {
		result.NodeID = node.ID
	}
	if result.NodeType == "" {
		result.NodeType = node.Type
	}
	return result
}

// runIteration splices the iterator body once per item with the flow scope
// installed. Body nodes are consumed so the outer walk does not re-run them.
func (r *Resolver) runIteration(ctx context.Context, st *run, iterator schema.Node, plan *schema.IterationPlan) *schema.ExecutionError {
	if plan == nil {
		return nil
	}
	body := NodesUntilBoundary(st.content, iterator.ID)
	for _, id := range body {
		st.consumed[id] = true
	}

	defer st.execCtx.LeaveIteration()
	for index, item := range plan.Items {
		st.execCtx.EnterIteration(item, index, plan.TotalItems)
		for _, nodeID := range body {
			if st.skip[nodeID] {
				continue
			}
			if err := ctx.Err(); err != nil {
				return NormalizeError(err)
			}
			node, ok := st.content.NodeByID(nodeID)
			if !ok {
				continue
			}

			nodeResult := r.runNode(ctx, node, st.execCtx)
			r.record(ctx, st, node, nodeResult)

			if !nodeResult.Success {
				return nodeResult.Error
			}
			if sig := nodeResult.Signal; sig != nil {
				switch sig.Kind {
				case schema.SignalIterate:
					return schema.NewErrorf(schema.ErrCodeValidation,
						"node %q: nested iteration is not supported", node.ID)
				case schema.SignalFilterStop:
					st.stopped = true
					return nil
				case schema.SignalRoute:
					r.applyRoutes(st, node, sig.Routes)
				}
			}
		}
	}
	return nil
}

// applyRoutes skips every node reachable only through unselected declared
// paths of a router node.
func (r *Resolver) applyRoutes(st *run, router schema.Node, selected []string) {
	declared := declaredRoutePaths(router)
	for id := range SkippedByRoutes(st.content, declared, selected) {
		st.skip[id] = true
	}
}

// declaredRoutePaths lists every target the router's config can select.
func declaredRoutePaths(node schema.Node) []string {
	var declared []string
	seen := make(map[string]bool)
	add := func(path string) {
		if path != "" && !seen[path] {
			seen[path] = true
			declared = append(declared, path)
		}
	}
	if conditions, ok := node.Data["conditions"].([]any); ok {
		for _, raw := range conditions {
			if cond, ok := raw.(map[string]any); ok {
				if target, ok := cond["targetPath"].(string); ok {
					add(target)
				}
			}
		}
	}
	if def, ok := node.Data["defaultPath"].(string); ok {
		add(def)
	}
	return declared
}

// record appends the node result to the run state and history.
func (r *Resolver) record(ctx context.Context, st *run, node schema.Node, result *schema.NodeResult) {
	st.results = append(st.results, result)
	st.execCtx.RecordOutput(node.ID, result)
	st.position++

	if r.history == nil {
		return
	}
	rec := &store.NodeResultRecord{
		ExecutionID: st.execCtx.ExecutionID,
		NodeID:      result.NodeID,
		NodeType:    result.NodeType,
		Position:    st.position,
		Success:     result.Success,
		Output:      marshalMap(result.Output),
		Error:       marshalErr(result.Error),
		RetryCount:  result.Metadata.RetryCount,
		StartedAt:   result.Metadata.StartedAt,
		CompletedAt: result.Metadata.CompletedAt,
		DurationMs:  result.Metadata.Duration.Milliseconds(),
	}
	if err := r.history.AppendNodeResult(ctx, rec); err != nil {
		r.logger.Warn("failed to persist node result",
			slog.String("node_id", result.NodeID),
			slog.String("error", err.Error()))
	}
}

// preloadCredentials resolves one credential per provider before the walk
// begins, honoring per-node credential pins. Credential-free providers get
// placeholder credentials from the source.
func (r *Resolver) preloadCredentials(ctx context.Context, content *schema.WorkflowContent, order []string, execCtx *schema.ExecutionContext) error {
	pinned := make(map[string]string)
	var providers []string
	for _, nodeID := range order {
		node, ok := content.NodeByID(nodeID)
		if !ok {
			continue
		}
		provider, _, ok := node.Binding()
		if !ok {
			continue
		}
		if _, seen := pinned[provider]; !seen {
			pinned[provider] = node.CredentialID()
			providers = append(providers, provider)
		} else if id := node.CredentialID(); id != "" {
			pinned[provider] = id
		}
	}

	for _, provider := range providers {
		creds, err := r.creds.Resolve(ctx, execCtx.UserID, provider, pinned[provider])
		if err != nil {
			return err
		}
		execCtx.Credentials[provider] = creds
	}
	return nil
}

// persistRun writes the run outcome to history, best effort.
func (r *Resolver) persistRun(ctx context.Context, result *schema.WorkflowExecutionResult) {
	if r.history == nil {
		return
	}
	update := store.ExecutionUpdate{
		Success:     result.Success,
		Output:      marshalMap(result.Output),
		Error:       marshalErr(result.Error),
		CompletedAt: result.CompletedAt,
		DurationMs:  result.Duration.Milliseconds(),
	}
	if err := r.history.FinishExecution(ctx, result.ExecutionID, update); err != nil {
		r.logger.Warn("failed to persist execution outcome",
			slog.String("execution_id", result.ExecutionID),
			slog.String("error", err.Error()))
	}
}

func marshalMap(m map[string]any) json.RawMessage {
	if m == nil {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return json.RawMessage(raw)
}

func marshalErr(e *schema.ExecutionError) json.RawMessage {
	if e == nil {
		return nil
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return nil
	}
	return json.RawMessage(raw)
}
