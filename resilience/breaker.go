package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/sigcache/telemetry"
)

// ErrCircuitOpen is returned by Allow when the breaker is open and the
// cool-down has not elapsed. The call must not be attempted.
var ErrCircuitOpen = errors.New("circuit breaker open")

// BreakerState is the current state of a circuit breaker.
type BreakerState int

const (
	// StateClosed passes all calls through.
	StateClosed BreakerState = iota
	// StateOpen rejects all calls until the cool-down elapses.
	StateOpen
	// StateHalfOpen lets probe calls through while recovery is assessed.
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive systemic failures that
	// trips the breaker (default 5).
	FailureThreshold int

	// ProbeThreshold is the number of consecutive half-open successes
	// required to close the breaker (default 2).
	ProbeThreshold int

	// CoolDown is how long the breaker stays open before probing
	// (default 30s).
	CoolDown time.Duration

	// Logger for state transitions.
	Logger *slog.Logger
}

// Breaker is a three-state circuit breaker guarding a backend operation
// class. A single mutex serialises every state read-then-write so concurrent
// callers observe consistent transitions.
type Breaker struct {
	config BreakerConfig
	logger *slog.Logger
	now    func() time.Time

	mu                  sync.Mutex
	state               BreakerState
	consecutiveFailures int
	probeSuccesses      int
	reopenAt            time.Time
}

// NewBreaker creates a circuit breaker in the closed state.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ProbeThreshold <= 0 {
		cfg.ProbeThreshold = 2
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Breaker{
		config: cfg,
		logger: cfg.Logger,
		now:    time.Now,
	}
}

// Allow reports whether a call may proceed. When the breaker is open and the
// cool-down has elapsed, the calling goroutine transitions it to half-open
// and the call proceeds as a probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return nil
	default: // StateOpen
		if b.now().Before(b.reopenAt) {
			return ErrCircuitOpen
		}
		b.transition(StateHalfOpen)
		b.probeSuccesses = 0
		return nil
	}
}

// RecordSuccess notes a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0
	case StateHalfOpen:
		b.probeSuccesses++
		if b.probeSuccesses >= b.config.ProbeThreshold {
			b.transition(StateClosed)
			b.consecutiveFailures = 0
		}
	}
}

// RecordFailure notes a failed call. Only systemic failures (throttling,
// unavailability, timeouts) move the breaker; input or auth errors do not.
func (b *Breaker) RecordFailure(systemic bool) {
	if !systemic {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.trip()
		}
	case StateHalfOpen:
		// A single failed probe reopens immediately.
		b.trip()
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// trip moves to open and schedules the next probe window. Caller holds b.mu.
func (b *Breaker) trip() {
	b.transition(StateOpen)
	b.reopenAt = b.now().Add(b.config.CoolDown)
	b.consecutiveFailures = 0
	b.probeSuccesses = 0
}

// transition changes state and records it. Caller holds b.mu.
func (b *Breaker) transition(to BreakerState) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.logger.Warn("circuit breaker state change", "from", from.String(), "to", to.String())
	telemetry.RecordBreakerTransition(from.String(), to.String())
}
