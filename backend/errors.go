package backend

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when a key does not exist. Callers treat it
// as a successful negative answer, not a failure.
var ErrNotFound = errors.New("not found")

// Kind classifies backend failures into a closed taxonomy. Retry and circuit
// breaker decisions key off the Kind, never off concrete error types.
type Kind int

const (
	// KindUnknown covers unclassified failures. Treated as non-retryable.
	KindUnknown Kind = iota

	// KindThrottled means the remote store rejected the call due to rate
	// limiting (HTTP 429 and friends). Retryable.
	KindThrottled

	// KindUnavailable means the remote store is down or degraded (5xx,
	// connection refused). Retryable.
	KindUnavailable

	// KindTimeout means the call or its enclosing deadline expired. Retryable.
	KindTimeout

	// KindNotFound means the key does not exist. Not an error from the
	// caller's perspective; surfaced as ErrNotFound.
	KindNotFound

	// KindInvalidInput means the remote store rejected the request shape.
	// Never retried.
	KindInvalidInput

	// KindUnauthorized means authentication or authorization failed.
	// Never retried.
	KindUnauthorized

	// KindCircuitOpen is synthesized by the resilience layer when the
	// circuit breaker rejects a call without attempting it. Never retried.
	KindCircuitOpen
)

// String returns the metric/log label for the kind.
func (k Kind) String() string {
	switch k {
	case KindThrottled:
		return "throttled"
	case KindUnavailable:
		return "unavailable"
	case KindTimeout:
		return "timeout"
	case KindNotFound:
		return "not_found"
	case KindInvalidInput:
		return "invalid_input"
	case KindUnauthorized:
		return "unauthorized"
	case KindCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Systemic reports whether the kind indicates the backend itself is in
// trouble. Systemic failures count against the circuit breaker.
func (k Kind) Systemic() bool {
	switch k {
	case KindThrottled, KindUnavailable, KindTimeout:
		return true
	default:
		return false
	}
}

// Error is a classified backend failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a kind and operation name.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind from an error chain. Context deadline expiry maps
// to KindTimeout; everything unclassified maps to KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	if errors.Is(err, ErrNotFound) {
		return KindNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}
