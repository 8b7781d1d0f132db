// Request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

// requestTagsKey is the context key for request tags holder.
const requestTagsKey contextKey = "request_tags"

// CacheResult represents the outcome of a result cache lookup.
type CacheResult string

const (
	CacheHit  CacheResult = "hit"
	CacheMiss CacheResult = "miss"
	CacheNA   CacheResult = "na"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Endpoint    string
	CacheResult CacheResult
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{CacheResult: CacheNA}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from the context.
// Returns nil outside a request that passed through the logging middleware.
func GetTags(ctx context.Context) *RequestTags {
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetEndpoint sets the endpoint tag for metrics and logging.
func SetEndpoint(ctx context.Context, endpoint string) {
	if tags := GetTags(ctx); tags != nil {
		tags.Endpoint = endpoint
	}
}

// SetCacheResult sets the cache result for logging. Safe to call from service
// code that never saw the request; without the middleware it is a no-op.
func SetCacheResult(ctx context.Context, result CacheResult) {
	if tags := GetTags(ctx); tags != nil {
		tags.CacheResult = result
	}
}
