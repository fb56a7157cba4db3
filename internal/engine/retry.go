package engine

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/loomhq/loom/pkg/schema"
)

// RetryConfig controls the retry loop around one adapter operation.
type RetryConfig struct {
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	// RetryableCodes overrides the default transient set when non-empty.
	RetryableCodes []string
}

// DefaultRetryConfig returns the standard policy: 3 retries, 1s initial
// delay, 30s cap, doubling per attempt.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

func (c RetryConfig) retryable(code string) bool {
	if len(c.RetryableCodes) == 0 {
		return schema.IsRetryableCode(code)
	}
	for _, rc := range c.RetryableCodes {
		if rc == code {
			return true
		}
	}
	return false
}

// NormalizeError converts an arbitrary failure into the typed taxonomy.
// Already-typed errors pass through; everything else is classified by
// wrapped sentinel, net.Error, and message substring patterns. Unrecognized
// errors become UNKNOWN, non-retryable.
func NormalizeError(err error) *schema.ExecutionError {
	if err == nil {
		return nil
	}

	var execErr *schema.ExecutionError
	if errors.As(err, &execErr) {
		return execErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return schema.NewError(schema.ErrCodeTimeout, "operation timed out").WithCause(err)
	}
	if errors.Is(err, context.Canceled) {
		e := schema.NewError(schema.ErrCodeTimeout, "operation canceled").WithCause(err)
		// Cancellation means the run is shutting down; never retry it.
		e.Retryable = false
		return e
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return schema.NewError(schema.ErrCodeTimeout, err.Error()).WithCause(err)
		}
		return schema.NewError(schema.ErrCodeNetwork, err.Error()).WithCause(err)
	}

	msg := strings.ToLower(err.Error())
	for _, p := range errorPatterns {
		for _, needle := range p.needles {
			if strings.Contains(msg, needle) {
				return schema.NewError(p.code, err.Error()).WithCause(err)
			}
		}
	}

	return schema.NewError(schema.ErrCodeUnknown, err.Error()).WithCause(err)
}

// errorPatterns map message substrings to taxonomy codes, checked in order
// so the more specific classes win.
var errorPatterns = []struct {
	code    string
	needles []string
}{
	{schema.ErrCodeRateLimited, []string{"rate limit", "429", "too many requests", "quota exceeded"}},
	{schema.ErrCodeTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{schema.ErrCodeNetwork, []string{"network", "fetch failed", "connection refused", "connection reset", "no such host", "broken pipe", "eof"}},
	{schema.ErrCodeUnauthorized, []string{"401", "unauthorized", "invalid api key", "invalid_grant"}},
	{schema.ErrCodeForbidden, []string{"403", "forbidden", "permission denied"}},
	{schema.ErrCodeNotFound, []string{"404", "not found"}},
	{schema.ErrCodeServiceUnavailable, []string{"503", "service unavailable", "bad gateway", "gateway timeout"}},
	{schema.ErrCodeInternal, []string{"500", "internal server error"}},
}

// NormalizeHTTPStatus maps an upstream HTTP status to a taxonomy error.
// Used by adapters after reading an error response body.
func NormalizeHTTPStatus(status int, provider, operation, body string) *schema.ExecutionError {
	var code string
	switch {
	case status == 429:
		code = schema.ErrCodeRateLimited
	case status == 401:
		code = schema.ErrCodeUnauthorized
	case status == 403:
		code = schema.ErrCodeForbidden
	case status == 404:
		code = schema.ErrCodeNotFound
	case status == 503:
		code = schema.ErrCodeServiceUnavailable
	case status >= 500:
		code = schema.ErrCodeInternal
	case status >= 400:
		code = schema.ErrCodeValidation
	default:
		code = schema.ErrCodeUnknown
	}
	msg := strings.TrimSpace(body)
	if len(msg) > 512 {
		msg = msg[:512]
	}
	if msg == "" {
		msg = "request failed"
	}
	return schema.NewErrorf(code, "upstream returned %d: %s", status, msg).
		WithOperation(provider, operation).
		WithDetails(map[string]any{"status": status})
}

// WithRetry executes fn up to cfg.MaxRetries+1 times. It stops immediately
// when the normalized error's code is outside the retryable set or the
// attempt budget is exhausted. The returned int is the number of retries
// performed (attempts minus one). onRetry, when non-nil, observes each
// failed attempt before the backoff sleep.
func WithRetry[T any](ctx context.Context, cfg RetryConfig, fn func(context.Context) (T, error), onRetry func(attempt int, err *schema.ExecutionError)) (T, int, error) {
	var zero T

	maxAttempts := cfg.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr *schema.ExecutionError
	for attempt := 0; attempt < maxAttempts; attempt++ {
		out, err := fn(ctx)
		if err == nil {
			return out, attempt, nil
		}

		lastErr = NormalizeError(err)
		if !lastErr.Retryable || !cfg.retryable(lastErr.Code) || attempt == maxAttempts-1 {
			return zero, attempt, lastErr
		}

		if onRetry != nil {
			onRetry(attempt+1, lastErr)
		}

		if err := WaitForBackoff(ctx, ComputeBackoff(cfg, attempt)); err != nil {
			return zero, attempt, NormalizeError(err)
		}
	}

	return zero, maxAttempts - 1, lastErr
}

// ComputeBackoff calculates the delay before the next retry attempt:
// initial delay times multiplier^attempt, clamped to the max, with a ±10%
// uniform jitter.
func ComputeBackoff(cfg RetryConfig, attempt int) time.Duration {
	initial := cfg.InitialDelay
	if initial <= 0 {
		initial = time.Second
	}
	mult := cfg.BackoffMultiplier
	if mult <= 0 {
		mult = 2.0
	}

	delay := float64(initial)
	for i := 0; i < attempt; i++ {
		delay *= mult
	}
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	// ±10% uniform jitter.
	jittered := delay * (0.9 + 0.2*rand.Float64())
	return time.Duration(jittered)
}

// WaitForBackoff sleeps for the computed backoff duration or returns early
// if the context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
