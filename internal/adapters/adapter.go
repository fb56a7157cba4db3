package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/loomhq/loom/internal/engine"
	"github.com/loomhq/loom/internal/logging"
	"github.com/loomhq/loom/pkg/schema"
)

// OperationResult is what a concrete operation hands back to the base
// wrapper: an output map plus an optional control-flow signal (flow
// operations only).
type OperationResult struct {
	Output map[string]any
	Signal *schema.FlowSignal
}

// OperationFunc implements one provider operation. Returned errors are
// normalized and retried by the base wrapper according to the taxonomy.
type OperationFunc func(ctx context.Context, input map[string]any, creds *schema.Credentials, execCtx *schema.ExecutionContext) (*OperationResult, error)

// Deps carries the shared infrastructure every adapter is wrapped with.
type Deps struct {
	Limiter  *engine.RateLimiter
	Breakers *engine.CircuitBreakerRegistry
	Retry    engine.RetryConfig
	Logger   *slog.Logger
}

// DefaultDeps builds the standard wiring.
func DefaultDeps(logger *slog.Logger) Deps {
	if logger == nil {
		logger = slog.Default()
	}
	return Deps{
		Limiter:  engine.NewRateLimiter(),
		Breakers: engine.NewCircuitBreakerRegistry(engine.DefaultCircuitBreakerConfig()),
		Retry:    engine.DefaultRetryConfig(),
		Logger:   logger,
	}
}

// Base implements the uniform adapter contract around a table of operation
// functions: supported-operation check, rate limiting, circuit breaking,
// retry with backoff, timing metadata, and catch-all error normalization.
type Base struct {
	provider string
	ops      map[string]OperationFunc
	deps     Deps
}

// NewBase creates an adapter shell for a provider.
func NewBase(provider string, deps Deps) *Base {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Base{
		provider: provider,
		ops:      make(map[string]OperationFunc),
		deps:     deps,
	}
}

// RegisterOperation binds an operation name to its implementation.
func (b *Base) RegisterOperation(name string, fn OperationFunc) {
	b.ops[name] = fn
}

// Provider returns the provider identifier.
func (b *Base) Provider() string {
	return b.provider
}

// Operations returns the sorted operation names.
func (b *Base) Operations() []string {
	names := make([]string, 0, len(b.ops))
	for name := range b.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SupportsOperation reports whether the adapter implements an operation.
func (b *Base) SupportsOperation(operation string) bool {
	_, ok := b.ops[operation]
	return ok
}

// Execute runs one operation through the full wrapper pipeline. It never
// returns a Go error; failures land in the result's Error field.
func (b *Base) Execute(ctx context.Context, operation string, input map[string]any, creds *schema.Credentials, execCtx *schema.ExecutionContext) (result *schema.NodeResult) {
	started := time.Now()
	logger := logging.LogWith(ctx, b.deps.Logger)

	fail := func(err *schema.ExecutionError, retries int) *schema.NodeResult {
		if err.Provider == "" {
			err.WithOperation(b.provider, operation)
		}
		logger.Warn("operation failed",
			slog.String("provider", b.provider),
			slog.String("operation", operation),
			slog.String("code", err.Code),
			slog.Int("retries", retries))
		return &schema.NodeResult{
			Success:  false,
			Error:    err,
			Metadata: b.metadata(started, retries),
		}
	}

	// The contract never lets a panic escape to the resolver.
	defer func() {
		if r := recover(); r != nil {
			result = fail(schema.NewErrorf(schema.ErrCodeInternal, "panic in %s.%s: %v", b.provider, operation, r), 0)
		}
	}()

	fn, ok := b.ops[operation]
	if !ok {
		err := schema.NewErrorf(schema.ErrCodeUnsupportedOperation,
			"operation %q not supported by provider %q (available: %v)", operation, b.provider, b.Operations())
		return fail(err, 0)
	}

	userID := ""
	if execCtx != nil {
		userID = execCtx.UserID
	}

	if limited, retryAfter := b.deps.Limiter.Check(userID, b.provider, operation); limited {
		err := schema.NewErrorf(schema.ErrCodeRateLimited,
			"rate limit exceeded for %s.%s, retry after %s", b.provider, operation, retryAfter).
			WithDetails(map[string]any{"retry_after_ms": retryAfter.Milliseconds()})
		return fail(err, 0)
	}

	breakerKey := b.provider + ":" + operation
	if err := b.deps.Breakers.AllowRequest(breakerKey); err != nil {
		return fail(engine.NormalizeError(err), 0)
	}

	out, retries, err := engine.WithRetry(ctx, b.deps.Retry, func(ctx context.Context) (*OperationResult, error) {
		b.deps.Limiter.Record(userID, b.provider, operation)
		return fn(ctx, input, creds, execCtx)
	}, func(attempt int, attemptErr *schema.ExecutionError) {
		logger.Debug("retrying operation",
			slog.String("provider", b.provider),
			slog.String("operation", operation),
			slog.Int("attempt", attempt),
			slog.String("code", attemptErr.Code))
	})
	if err != nil {
		b.deps.Breakers.RecordFailure(breakerKey)
		return fail(engine.NormalizeError(err), retries)
	}

	b.deps.Breakers.RecordSuccess(breakerKey)
	if out == nil {
		out = &OperationResult{}
	}
	return &schema.NodeResult{
		Success:  true,
		Output:   out.Output,
		Signal:   out.Signal,
		Metadata: b.metadata(started, retries),
	}
}

func (b *Base) metadata(started time.Time, retries int) schema.NodeMetadata {
	completed := time.Now()
	return schema.NodeMetadata{
		StartedAt:   started,
		CompletedAt: completed,
		Duration:    completed.Sub(started),
		RetryCount:  retries,
	}
}

var _ engine.Adapter = (*Base)(nil)

// Registry is a thread-safe provider → adapter table.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]engine.Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]engine.Adapter)}
}

// Register adds an adapter, replacing any previous one for the provider.
func (r *Registry) Register(a engine.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Provider()] = a
}

// Get resolves a provider to its adapter.
func (r *Registry) Get(provider string) (engine.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[provider]
	return a, ok
}

// Providers returns the sorted registered provider names.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var _ engine.AdapterRegistry = (*Registry)(nil)

// RegisterBuiltins wires every provider adapter into the registry.
func RegisterBuiltins(registry *Registry, deps Deps, opts BuiltinOptions) {
	registry.Register(NewWebhookAdapter(deps, opts.HTTPClient))
	registry.Register(NewTransformAdapter(deps))
	registry.Register(NewFlowAdapter(deps))
	registry.Register(NewEmailAdapter(deps, opts.HTTPClient, opts.EmailBaseURL))
	registry.Register(NewOpenAIAdapter(deps, opts.HTTPClient, opts.OpenAIBaseURL))
	registry.Register(NewGoogleAdapter(deps, opts.HTTPClient, GoogleEndpoints{
		Token:  opts.GoogleTokenURL,
		Gmail:  opts.GmailBaseURL,
		Sheets: opts.SheetsBaseURL,
	}))
}

// BuiltinOptions overrides upstream endpoints and the HTTP client, mainly
// for tests against httptest servers. Zero values select the real services.
type BuiltinOptions struct {
	HTTPClient     *http.Client
	EmailBaseURL   string
	OpenAIBaseURL  string
	GoogleTokenURL string
	GmailBaseURL   string
	SheetsBaseURL  string
}

// Param helpers used by all adapter files.

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	b, ok := v.(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func intParam(m map[string]any, key string, defaultVal int) int {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	default:
		return defaultVal
	}
}

func floatParam(m map[string]any, key string, defaultVal float64) float64 {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return defaultVal
		}
		return f
	default:
		return defaultVal
	}
}

func mapParam(m map[string]any, key string) map[string]any {
	v, ok := m[key]
	if !ok {
		return nil
	}
	mm, _ := v.(map[string]any)
	return mm
}

func sliceParam(m map[string]any, key string) []any {
	v, ok := m[key]
	if !ok {
		return nil
	}
	s, _ := v.([]any)
	return s
}

func requireString(m map[string]any, key, provider, operation string) (string, error) {
	s := stringParam(m, key, "")
	if s == "" {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "missing required parameter %q", key).
			WithOperation(provider, operation)
	}
	return s, nil
}

func fmtAny(v any) string {
	return fmt.Sprintf("%v", v)
}
