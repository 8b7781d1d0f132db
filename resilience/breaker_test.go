package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testBreaker creates a breaker with a controllable clock.
func testBreaker(t *testing.T, cfg BreakerConfig) (*Breaker, *time.Time) {
	t.Helper()

	b := NewBreaker(cfg)
	now := time.Now()
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	b, _ := testBreaker(t, BreakerConfig{FailureThreshold: 3, CoolDown: time.Minute})

	for i := 0; i < 2; i++ {
		require.NoError(t, b.Allow())
		b.RecordFailure(true)
		assert.Equal(t, StateClosed, b.State())
	}

	require.NoError(t, b.Allow())
	b.RecordFailure(true)
	assert.Equal(t, StateOpen, b.State())

	require.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := testBreaker(t, BreakerConfig{FailureThreshold: 3, CoolDown: time.Minute})

	b.RecordFailure(true)
	b.RecordFailure(true)
	b.RecordSuccess()
	b.RecordFailure(true)
	b.RecordFailure(true)

	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerIgnoresNonSystemicFailures(t *testing.T) {
	b, _ := testBreaker(t, BreakerConfig{FailureThreshold: 2, CoolDown: time.Minute})

	for i := 0; i < 10; i++ {
		b.RecordFailure(false)
	}
	assert.Equal(t, StateClosed, b.State())
	require.NoError(t, b.Allow())
}

func TestBreakerRecovery(t *testing.T) {
	b, now := testBreaker(t, BreakerConfig{FailureThreshold: 1, ProbeThreshold: 2, CoolDown: time.Minute})

	b.RecordFailure(true)
	require.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	// Cool-down elapses: the next Allow moves the breaker to half-open.
	*now = now.Add(2 * time.Minute)
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, StateHalfOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	require.NoError(t, b.Allow())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, now := testBreaker(t, BreakerConfig{FailureThreshold: 1, ProbeThreshold: 2, CoolDown: time.Minute})

	b.RecordFailure(true)
	*now = now.Add(2 * time.Minute)
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())

	// One failed probe is enough, no averaging.
	b.RecordFailure(true)
	assert.Equal(t, StateOpen, b.State())
	require.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreakerConcurrentCallers(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 5, CoolDown: time.Minute})

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 500; j++ {
				if b.Allow() == nil {
					if j%3 == 0 {
						b.RecordFailure(true)
					} else {
						b.RecordSuccess()
					}
				}
			}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	// No deadlock and a coherent final state is all we assert here.
	s := b.State()
	assert.Contains(t, []BreakerState{StateClosed, StateOpen, StateHalfOpen}, s)
}
