package engine

import (
	"fmt"
	"sync"
	"time"
)

// RateLimitConfig is the per-provider sliding-window policy.
type RateLimitConfig struct {
	MaxRequests int
	Window      time.Duration
	RetryAfter  time.Duration
}

// DefaultRateLimits returns the per-provider policies. Local providers
// (flow, transform) have no entry and are unlimited.
func DefaultRateLimits() map[string]RateLimitConfig {
	return map[string]RateLimitConfig{
		"openai":  {MaxRequests: 60, Window: time.Minute, RetryAfter: 10 * time.Second},
		"google":  {MaxRequests: 100, Window: time.Minute, RetryAfter: 10 * time.Second},
		"email":   {MaxRequests: 10, Window: time.Minute, RetryAfter: 30 * time.Second},
		"webhook": {MaxRequests: 120, Window: time.Minute, RetryAfter: 5 * time.Second},
	}
}

// rateLimitState tracks one userID:provider:operation window.
type rateLimitState struct {
	requests     int
	windowStart  time.Time
	blocked      bool
	blockedUntil time.Time
}

// RateLimiter is a sliding-window counter keyed by user, provider, and
// operation. It is shared across concurrent runs on purpose: it throttles
// real upstream usage, not individual executions.
type RateLimiter struct {
	mu     sync.Mutex
	states map[string]*rateLimitState
	limits map[string]RateLimitConfig
	now    func() time.Time
}

// NewRateLimiter creates a limiter with the default per-provider policies.
func NewRateLimiter() *RateLimiter {
	return NewRateLimiterWithLimits(DefaultRateLimits())
}

// NewRateLimiterWithLimits creates a limiter with explicit policies.
func NewRateLimiterWithLimits(limits map[string]RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		states: make(map[string]*rateLimitState),
		limits: limits,
		now:    time.Now,
	}
}

func rateLimitKey(userID, provider, operation string) string {
	return fmt.Sprintf("%s:%s:%s", userID, provider, operation)
}

// Check reports whether the key is currently limited and, if so, how long
// the caller should wait. Crossing the request ceiling transitions the key
// to blocked until the provider's retry-after elapses, after which the
// window resets fresh.
func (l *RateLimiter) Check(userID, provider, operation string) (limited bool, retryAfter time.Duration) {
	cfg, ok := l.limits[provider]
	if !ok || cfg.MaxRequests <= 0 {
		return false, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	key := rateLimitKey(userID, provider, operation)
	st, ok := l.states[key]
	if !ok {
		return false, 0
	}

	if st.blocked {
		if now.Before(st.blockedUntil) {
			return true, st.blockedUntil.Sub(now)
		}
		// Block elapsed: fresh window.
		delete(l.states, key)
		return false, 0
	}

	if now.Sub(st.windowStart) > cfg.Window {
		delete(l.states, key)
		return false, 0
	}

	if st.requests >= cfg.MaxRequests {
		st.blocked = true
		st.blockedUntil = now.Add(cfg.RetryAfter)
		return true, cfg.RetryAfter
	}

	return false, 0
}

// Record counts one request against the key's current window.
func (l *RateLimiter) Record(userID, provider, operation string) {
	cfg, ok := l.limits[provider]
	if !ok || cfg.MaxRequests <= 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	key := rateLimitKey(userID, provider, operation)
	st, ok := l.states[key]
	if !ok || now.Sub(st.windowStart) > cfg.Window {
		l.states[key] = &rateLimitState{requests: 1, windowStart: now}
		return
	}
	st.requests++
}
