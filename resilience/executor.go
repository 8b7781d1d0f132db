package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/wolfeidau/sigcache/backend"
	"github.com/wolfeidau/sigcache/telemetry"
)

// ExecutorConfig configures a resilient operation executor.
type ExecutorConfig struct {
	// Breaker guards all operations run through this executor. Required.
	Breaker *Breaker

	// Policy controls retry classification and backoff. Defaults to
	// DefaultRetryPolicy.
	Policy *RetryPolicy

	// OpTimeout bounds one operation including all retries (default 10s).
	OpTimeout time.Duration

	// Logger for exhausted operations.
	Logger *slog.Logger
}

// Executor composes circuit breaking, retries with backoff, and an overall
// timeout around a single backend call. It is safe for concurrent use.
type Executor struct {
	breaker   *Breaker
	policy    *RetryPolicy
	opTimeout time.Duration
	logger    *slog.Logger
}

// NewExecutor creates an executor. The breaker is shared by every operation
// run through it, so consecutive failures across operations trip it together.
func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.Breaker == nil {
		cfg.Breaker = NewBreaker(BreakerConfig{Logger: cfg.Logger})
	}
	if cfg.Policy == nil {
		cfg.Policy = DefaultRetryPolicy()
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Executor{
		breaker:   cfg.Breaker,
		policy:    cfg.Policy,
		opTimeout: cfg.OpTimeout,
		logger:    cfg.Logger,
	}
}

// Breaker returns the breaker guarding this executor.
func (e *Executor) Breaker() *Breaker {
	return e.breaker
}

// Do runs fn with circuit breaking, retries, and an overall timeout.
//
// When the breaker is open the call fails immediately with a
// KindCircuitOpen error and fn is never invoked. Otherwise fn is tried up
// to MaxAttempts times; systemic failures are retried after a jittered
// backoff and recorded against the breaker. The returned error always
// carries a backend.Kind.
func (e *Executor) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := e.breaker.Allow(); err != nil {
		telemetry.RecordBreakerRejected(ctx, op)
		return backend.NewError(backend.KindCircuitOpen, op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.opTimeout)
	defer cancel()

	start := time.Now()
	attempts := 0

	err := retry.Do(ctx, retry.WithMaxRetries(uint64(e.policy.normalized().MaxAttempts-1), e.policy.Backoff()), func(ctx context.Context) error {
		attempts++
		err := fn(ctx)
		if err == nil {
			e.breaker.RecordSuccess()
			return nil
		}

		kind := backend.KindOf(err)
		e.breaker.RecordFailure(kind.Systemic())
		telemetry.RecordAttemptFailure(ctx, op, kind.String())

		if e.policy.Retryable(kind) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err == nil {
		telemetry.RecordOperation(ctx, op, "success", time.Since(start))
		return nil
	}

	// Fold unclassified errors into the taxonomy. A deadline hit during a
	// backoff sleep surfaces as the bare context error, which KindOf maps
	// to a timeout.
	kind := backend.KindOf(err)
	var be *backend.Error
	if !errors.As(err, &be) {
		err = backend.NewError(kind, op, err)
	}

	e.logger.Warn("operation failed",
		"op", op,
		"attempts", attempts,
		"kind", kind.String(),
		"elapsed", time.Since(start),
		"error", err)
	telemetry.RecordOperation(ctx, op, kind.String(), time.Since(start))

	return err
}

// DoValue runs a result-carrying operation through the executor.
func DoValue[T any](e *Executor, ctx context.Context, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := e.Do(ctx, op, func(ctx context.Context) error {
		var ferr error
		result, ferr = fn(ctx)
		return ferr
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
