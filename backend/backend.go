// Package backend provides the remote key-value store abstraction used by the
// signature cache. Implementations translate store-specific failures into the
// Kind taxonomy so retry and circuit breaker policy stay backend-agnostic.
package backend

import (
	"context"
	"time"
)

// Item is the opaque existence marker stored against a content hash.
type Item struct {
	// Value is an opaque marker. Implementations may ignore it.
	Value string

	// ExpiresAt is the absolute expiry of the entry. Zero means no expiry.
	ExpiresAt time.Time
}

// Backend defines the interface for remote key-value stores.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Get retrieves the item stored at key.
	// Returns ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) (*Item, error)

	// Put stores an item at key. Overwriting an existing key is success,
	// never a conflict (idempotent put).
	Put(ctx context.Context, key string, item Item) error

	// Delete removes the item at key.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string) error

	// BatchGet reports existence for each key. The result map has an entry
	// for every requested key. Callers chunk key lists to the store's batch
	// limits before calling.
	BatchGet(ctx context.Context, keys []string) (map[string]bool, error)

	// BatchPut stores an existence marker for every key with the given TTL.
	// Zero ttl means no expiry.
	BatchPut(ctx context.Context, keys []string, ttl time.Duration) error
}
