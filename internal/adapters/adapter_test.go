package adapters

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/engine"
	"github.com/loomhq/loom/pkg/schema"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDeps() Deps {
	return Deps{
		Limiter:  engine.NewRateLimiter(),
		Breakers: engine.NewCircuitBreakerRegistry(engine.DefaultCircuitBreakerConfig()),
		Retry: engine.RetryConfig{
			MaxRetries:        2,
			InitialDelay:      time.Millisecond,
			MaxDelay:          5 * time.Millisecond,
			BackoffMultiplier: 2.0,
		},
		Logger: testLogger(),
	}
}

func testExecCtx(trigger map[string]any) *schema.ExecutionContext {
	return schema.NewExecutionContext("wf-1", "exec-1", "u1", trigger)
}

func apiKeyCreds(provider, key string) *schema.Credentials {
	return &schema.Credentials{
		ID:       "cred-1",
		UserID:   "u1",
		Provider: provider,
		Type:     schema.CredentialAPIKey,
		APIKey:   &schema.APIKeyData{APIKey: key},
	}
}

func TestBase_UnsupportedOperation(t *testing.T) {
	b := NewBase("demo", testDeps())
	b.RegisterOperation("known", func(context.Context, map[string]any, *schema.Credentials, *schema.ExecutionContext) (*OperationResult, error) {
		return &OperationResult{}, nil
	})

	result := b.Execute(context.Background(), "unknown", nil, nil, testExecCtx(nil))

	assert.False(t, result.Success)
	require.NotNil(t, result.Error)
	assert.Equal(t, schema.ErrCodeUnsupportedOperation, result.Error.Code)
	assert.Contains(t, result.Error.Message, "known")
}

func TestBase_PanicBecomesInternalError(t *testing.T) {
	b := NewBase("demo", testDeps())
	b.RegisterOperation("boom", func(context.Context, map[string]any, *schema.Credentials, *schema.ExecutionContext) (*OperationResult, error) {
		panic("unexpected state")
	})

	result := b.Execute(context.Background(), "boom", nil, nil, testExecCtx(nil))

	assert.False(t, result.Success)
	require.NotNil(t, result.Error)
	assert.Equal(t, schema.ErrCodeInternal, result.Error.Code)
	assert.Contains(t, result.Error.Message, "panic in demo.boom")
}

func TestBase_RateLimitBlocks(t *testing.T) {
	deps := testDeps()
	deps.Limiter = engine.NewRateLimiterWithLimits(map[string]engine.RateLimitConfig{
		"demo": {MaxRequests: 1, Window: time.Minute, RetryAfter: 30 * time.Second},
	})

	b := NewBase("demo", deps)
	b.RegisterOperation("op", func(context.Context, map[string]any, *schema.Credentials, *schema.ExecutionContext) (*OperationResult, error) {
		return &OperationResult{Output: map[string]any{"result": "ok"}}, nil
	})

	execCtx := testExecCtx(nil)
	first := b.Execute(context.Background(), "op", nil, nil, execCtx)
	require.True(t, first.Success)

	second := b.Execute(context.Background(), "op", nil, nil, execCtx)
	assert.False(t, second.Success)
	require.NotNil(t, second.Error)
	assert.Equal(t, schema.ErrCodeRateLimited, second.Error.Code)
	assert.Contains(t, second.Error.Details, "retry_after_ms")
}

func TestBase_RetriesTransientFailures(t *testing.T) {
	b := NewBase("demo", testDeps())
	calls := 0
	b.RegisterOperation("op", func(context.Context, map[string]any, *schema.Credentials, *schema.ExecutionContext) (*OperationResult, error) {
		calls++
		if calls <= 2 {
			return nil, schema.NewError(schema.ErrCodeTimeout, "slow upstream")
		}
		return &OperationResult{Output: map[string]any{"result": "ok"}}, nil
	})

	result := b.Execute(context.Background(), "op", nil, nil, testExecCtx(nil))

	require.True(t, result.Success)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, result.Metadata.RetryCount)
	assert.Equal(t, "ok", result.Output["result"])
}

func TestBase_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	deps := testDeps()
	deps.Breakers = engine.NewCircuitBreakerRegistry(engine.CircuitBreakerConfig{
		FailureThreshold: 1,
		Cooldown:         time.Minute,
		HalfOpenMax:      1,
	})
	deps.Retry.MaxRetries = 0

	b := NewBase("demo", deps)
	b.RegisterOperation("op", func(context.Context, map[string]any, *schema.Credentials, *schema.ExecutionContext) (*OperationResult, error) {
		return nil, schema.NewError(schema.ErrCodeInternal, "broken upstream")
	})

	first := b.Execute(context.Background(), "op", nil, nil, testExecCtx(nil))
	assert.Equal(t, schema.ErrCodeInternal, first.Error.Code)

	second := b.Execute(context.Background(), "op", nil, nil, testExecCtx(nil))
	require.NotNil(t, second.Error)
	assert.Equal(t, schema.ErrCodeServiceUnavailable, second.Error.Code)
	assert.False(t, second.Error.Retryable)
	assert.Contains(t, second.Error.Message, "circuit open")
}

func TestBase_ErrorCarriesProviderAndOperation(t *testing.T) {
	b := NewBase("demo", testDeps())
	b.RegisterOperation("op", func(context.Context, map[string]any, *schema.Credentials, *schema.ExecutionContext) (*OperationResult, error) {
		return nil, schema.NewError(schema.ErrCodeValidation, "bad input")
	})

	result := b.Execute(context.Background(), "op", nil, nil, testExecCtx(nil))

	require.NotNil(t, result.Error)
	assert.Equal(t, "demo", result.Error.Provider)
	assert.Equal(t, "op", result.Error.Operation)
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	registry := NewRegistry()
	RegisterBuiltins(registry, testDeps(), BuiltinOptions{})

	assert.Equal(t, []string{"email", "flow", "google", "openai", "transform", "webhook"}, registry.Providers())

	flow, ok := registry.Get("flow")
	require.True(t, ok)
	assert.Equal(t, []string{"aggregate", "endIterate", "filter", "iterate", "route"}, flow.Operations())
	assert.True(t, flow.SupportsOperation("route"))
	assert.False(t, flow.SupportsOperation("loop"))

	_, ok = registry.Get("nope")
	assert.False(t, ok)
}
