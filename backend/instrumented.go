package backend

import (
	"context"
	"time"

	"github.com/wolfeidau/sigcache/telemetry"
)

// Instrumented wraps a Backend with metrics recording.
type Instrumented struct {
	backend Backend
	name    string
}

// NewInstrumented creates a new instrumented backend wrapper. The name labels
// the backend in metrics ("memory", "redis", "httpkv").
func NewInstrumented(b Backend, name string) *Instrumented {
	return &Instrumented{backend: b, name: name}
}

func (ib *Instrumented) Get(ctx context.Context, key string) (*Item, error) {
	start := time.Now()
	item, err := ib.backend.Get(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "get", outcomeFromError(err), time.Since(start), 1)
	return item, err
}

func (ib *Instrumented) Put(ctx context.Context, key string, item Item) error {
	start := time.Now()
	err := ib.backend.Put(ctx, key, item)
	telemetry.RecordBackendOp(ctx, ib.name, "put", outcomeFromError(err), time.Since(start), 1)
	return err
}

func (ib *Instrumented) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := ib.backend.Delete(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "delete", outcomeFromError(err), time.Since(start), 1)
	return err
}

func (ib *Instrumented) BatchGet(ctx context.Context, keys []string) (map[string]bool, error) {
	start := time.Now()
	results, err := ib.backend.BatchGet(ctx, keys)
	telemetry.RecordBackendOp(ctx, ib.name, "batch_get", outcomeFromError(err), time.Since(start), int64(len(keys)))
	return results, err
}

func (ib *Instrumented) BatchPut(ctx context.Context, keys []string, ttl time.Duration) error {
	start := time.Now()
	err := ib.backend.BatchPut(ctx, keys, ttl)
	telemetry.RecordBackendOp(ctx, ib.name, "batch_put", outcomeFromError(err), time.Since(start), int64(len(keys)))
	return err
}

// Unwrap returns the underlying backend.
func (ib *Instrumented) Unwrap() Backend {
	return ib.backend
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case err == ErrNotFound:
		return "not_found"
	default:
		return KindOf(err).String()
	}
}

var _ Backend = (*Instrumented)(nil)
