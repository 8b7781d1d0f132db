package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/sigcache/backend"
)

// fastPolicy returns a retry policy with sub-millisecond delays for tests.
func fastPolicy(maxAttempts int) *RetryPolicy {
	p := &RetryPolicy{
		BaseDelay:   100 * time.Microsecond,
		MaxDelay:    time.Millisecond,
		MaxAttempts: maxAttempts,
	}
	p.SetJitterFunc(func() float64 { return 1.0 })
	return p
}

func TestExecutorSuccessFirstAttempt(t *testing.T) {
	e := NewExecutor(ExecutorConfig{Policy: fastPolicy(4)})

	calls := 0
	err := e.Do(context.Background(), "check", func(ctx context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestExecutorRetriesTransientFailures(t *testing.T) {
	e := NewExecutor(ExecutorConfig{Policy: fastPolicy(4)})

	calls := 0
	err := e.Do(context.Background(), "check", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return backend.NewError(backend.KindUnavailable, "get", errors.New("503"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecutorStopsOnNonRetryable(t *testing.T) {
	e := NewExecutor(ExecutorConfig{Policy: fastPolicy(4)})

	calls := 0
	err := e.Do(context.Background(), "store", func(ctx context.Context) error {
		calls++
		return backend.NewError(backend.KindInvalidInput, "put", errors.New("400"))
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, backend.KindInvalidInput, backend.KindOf(err))
}

func TestExecutorExhaustsAttempts(t *testing.T) {
	e := NewExecutor(ExecutorConfig{Policy: fastPolicy(4)})

	calls := 0
	err := e.Do(context.Background(), "check", func(ctx context.Context) error {
		calls++
		return backend.NewError(backend.KindThrottled, "get", errors.New("429"))
	})

	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.Equal(t, backend.KindThrottled, backend.KindOf(err))
}

func TestExecutorCircuitOpenSkipsBackend(t *testing.T) {
	breaker := NewBreaker(BreakerConfig{FailureThreshold: 2, CoolDown: time.Minute})
	e := NewExecutor(ExecutorConfig{Breaker: breaker, Policy: fastPolicy(1)})

	calls := 0
	fail := func(ctx context.Context) error {
		calls++
		return backend.NewError(backend.KindUnavailable, "get", errors.New("503"))
	}

	require.Error(t, e.Do(context.Background(), "check", fail))
	require.Error(t, e.Do(context.Background(), "check", fail))
	assert.Equal(t, 2, calls)
	assert.Equal(t, StateOpen, breaker.State())

	// The breaker is open: the backend must not be invoked again.
	err := e.Do(context.Background(), "check", fail)
	require.Error(t, err)
	assert.Equal(t, backend.KindCircuitOpen, backend.KindOf(err))
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, calls)
}

func TestExecutorBreakerRecoversThroughProbes(t *testing.T) {
	breaker := NewBreaker(BreakerConfig{FailureThreshold: 1, ProbeThreshold: 2, CoolDown: time.Minute})
	now := time.Now()
	breaker.now = func() time.Time { return now }

	e := NewExecutor(ExecutorConfig{Breaker: breaker, Policy: fastPolicy(1)})

	fail := func(ctx context.Context) error {
		return backend.NewError(backend.KindUnavailable, "get", errors.New("503"))
	}
	ok := func(ctx context.Context) error { return nil }

	require.Error(t, e.Do(context.Background(), "check", fail))
	assert.Equal(t, StateOpen, breaker.State())

	now = now.Add(2 * time.Minute)

	require.NoError(t, e.Do(context.Background(), "check", ok))
	assert.Equal(t, StateHalfOpen, breaker.State())

	require.NoError(t, e.Do(context.Background(), "check", ok))
	assert.Equal(t, StateClosed, breaker.State())
}

func TestExecutorOverallTimeout(t *testing.T) {
	e := NewExecutor(ExecutorConfig{Policy: fastPolicy(2), OpTimeout: 20 * time.Millisecond})

	err := e.Do(context.Background(), "check", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	require.Error(t, err)
	assert.Equal(t, backend.KindTimeout, backend.KindOf(err))
}

func TestDoValue(t *testing.T) {
	e := NewExecutor(ExecutorConfig{Policy: fastPolicy(4)})

	got, err := DoValue(e, context.Background(), "check", func(ctx context.Context) (bool, error) {
		return true, nil
	})
	require.NoError(t, err)
	assert.True(t, got)

	_, err = DoValue(e, context.Background(), "check", func(ctx context.Context) (bool, error) {
		return false, backend.NewError(backend.KindUnauthorized, "get", errors.New("401"))
	})
	require.Error(t, err)
	assert.Equal(t, backend.KindUnauthorized, backend.KindOf(err))
}
