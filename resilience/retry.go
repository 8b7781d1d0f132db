// Package resilience wraps remote calls with retry, circuit breaking, and
// timeout handling. It is the reusable core between the signature service and
// the backend abstraction.
package resilience

import (
	"math/rand"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/wolfeidau/sigcache/backend"
)

// RetryPolicy decides which failures are retried and how long to wait between
// attempts. Delays grow exponentially with a uniform jitter factor in
// [0.5, 1.0], capped at MaxDelay.
type RetryPolicy struct {
	// BaseDelay is the delay before the first retry (default 1s).
	BaseDelay time.Duration

	// MaxDelay caps the computed delay (default 30s).
	MaxDelay time.Duration

	// MaxAttempts is the total number of tries including the first
	// (default 4).
	MaxAttempts int

	// jitter returns a uniform value in [0, 1). Injectable for tests.
	jitter func() float64
}

// DefaultRetryPolicy returns the standard policy.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 4,
	}
}

// normalized fills zero fields with defaults.
func (p *RetryPolicy) normalized() RetryPolicy {
	out := *p
	if out.BaseDelay <= 0 {
		out.BaseDelay = time.Second
	}
	if out.MaxDelay <= 0 {
		out.MaxDelay = 30 * time.Second
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 4
	}
	if out.jitter == nil {
		out.jitter = rand.Float64
	}
	return out
}

// SetJitterFunc overrides the jitter source. Useful for deterministic tests.
func (p *RetryPolicy) SetJitterFunc(f func() float64) {
	p.jitter = f
}

// Retryable reports whether a failure of the given kind should be retried.
// NotFound never reaches the retry loop: callers map it to a successful
// negative answer before classification.
func (p *RetryPolicy) Retryable(kind backend.Kind) bool {
	return kind.Systemic()
}

// DelayForAttempt computes the backoff delay after attempt n (0-based):
// base * 2^n scaled by a uniform factor in [0.5, 1.0], capped at MaxDelay.
func (p *RetryPolicy) DelayForAttempt(n int) time.Duration {
	np := p.normalized()

	delay := np.BaseDelay
	for i := 0; i < n && delay < np.MaxDelay; i++ {
		delay *= 2
	}
	if delay > np.MaxDelay {
		delay = np.MaxDelay
	}

	factor := 0.5 + 0.5*np.jitter()
	return time.Duration(float64(delay) * factor)
}

// Backoff returns a fresh retry.Backoff for one call. Each invocation of the
// returned backoff advances the attempt counter, so a Backoff must not be
// shared across calls.
func (p *RetryPolicy) Backoff() retry.Backoff {
	attempt := 0
	return retry.BackoffFunc(func() (time.Duration, bool) {
		delay := p.DelayForAttempt(attempt)
		attempt++
		return delay, false
	})
}
