// Package signature implements the content signature service: existence
// checks, stores, and deletes against a key-value backend, wrapped in a
// result cache, retries, and a circuit breaker so callers always get a fast
// boolean answer even when the backend is misbehaving.
package signature

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	sigcache "github.com/wolfeidau/sigcache"
	"github.com/wolfeidau/sigcache/backend"
	"github.com/wolfeidau/sigcache/importer"
	"github.com/wolfeidau/sigcache/resilience"
	"github.com/wolfeidau/sigcache/resultcache"
	"github.com/wolfeidau/sigcache/telemetry"
)

const (
	defaultCheckChunkSize   = 100
	defaultStoreChunkSize   = 25
	defaultBatchConcurrency = 4
)

// existsMarker is the value stored against a hash key; presence of the key is
// the signal, the value is inert.
const existsMarker = "1"

// Config holds service dependencies and tuning.
type Config struct {
	// Backend is the key-value store holding signature keys. Required.
	Backend backend.Backend

	// Executor wraps backend calls in retries and circuit breaking.
	// Defaults to a new executor with default policy and breaker.
	Executor *resilience.Executor

	// Cache holds recent existence results. Defaults to a 10k-entry cache
	// with a five minute TTL.
	Cache *resultcache.Cache

	// Tracker runs bulk import jobs. Defaults to an in-memory tracker.
	Tracker *importer.Tracker

	// CheckChunkSize is the max hashes per batch existence call (default 100).
	CheckChunkSize int

	// StoreChunkSize is the max hashes per batch store call (default 25).
	StoreChunkSize int

	// BatchConcurrency caps chunk calls in flight per batch (default 4).
	BatchConcurrency int

	// StoreTTL is the backend expiry applied to stored signatures. Zero
	// means no expiry.
	StoreTTL time.Duration

	// Logger for operation failures.
	Logger *slog.Logger
}

// Service answers "have we seen this content before" questions. All methods
// are safe for concurrent use and return plain booleans: a backend failure on
// a check degrades to "not seen" rather than an error, so callers never
// block an upload on cache trouble.
type Service struct {
	config   Config
	backend  backend.Backend
	executor *resilience.Executor
	cache    *resultcache.Cache
	tracker  *importer.Tracker
	logger   *slog.Logger

	flight  singleflight.Group
	metrics *metricsRegistry
}

// New creates a signature service.
func New(cfg Config) (*Service, error) {
	if cfg.Backend == nil {
		return nil, errors.New("signature: backend is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Executor == nil {
		cfg.Executor = resilience.NewExecutor(resilience.ExecutorConfig{Logger: cfg.Logger})
	}
	if cfg.Cache == nil {
		cfg.Cache = resultcache.New(resultcache.Config{})
	}
	if cfg.Tracker == nil {
		tracker, err := importer.New(importer.Config{ChunkSize: cfg.StoreChunkSize, Logger: cfg.Logger})
		if err != nil {
			return nil, fmt.Errorf("creating import tracker: %w", err)
		}
		cfg.Tracker = tracker
	}
	if cfg.CheckChunkSize <= 0 {
		cfg.CheckChunkSize = defaultCheckChunkSize
	}
	if cfg.StoreChunkSize <= 0 {
		cfg.StoreChunkSize = defaultStoreChunkSize
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = defaultBatchConcurrency
	}

	return &Service{
		config:   cfg,
		backend:  cfg.Backend,
		executor: cfg.Executor,
		cache:    cfg.Cache,
		tracker:  cfg.Tracker,
		logger:   cfg.Logger,
		metrics:  newMetricsRegistry(),
	}, nil
}

// Close stops the import tracker and waits for running jobs.
func (s *Service) Close() {
	s.tracker.Close()
}

// Contains reports whether the content hash has been seen before. Results are
// served from the cache when fresh; a backend failure is answered with false,
// trading duplicate work for availability.
func (s *Service) Contains(ctx context.Context, hash sigcache.ContentHash) bool {
	start := time.Now()

	if !hash.Valid() {
		s.rejectInvalid(ctx, "contains", hash)
		s.metrics.record("contains", false, 1, time.Since(start))
		return false
	}

	if exists, ok := s.cache.Get(hash); ok {
		telemetry.SetCacheResult(ctx, telemetry.CacheHit)
		telemetry.RecordCacheResult(ctx, "contains", telemetry.CacheHit)
		s.metrics.record("contains", true, 1, time.Since(start))
		return exists
	}
	telemetry.SetCacheResult(ctx, telemetry.CacheMiss)
	telemetry.RecordCacheResult(ctx, "contains", telemetry.CacheMiss)

	// Collapse concurrent checks for the same hash into one backend call.
	v, err, _ := s.flight.Do(string(hash), func() (any, error) {
		return s.remoteContains(ctx, hash)
	})
	if err != nil {
		s.logger.Warn("existence check degraded to not-seen",
			"hash", hash.ShortString(),
			"error", err)
		s.metrics.record("contains", false, 1, time.Since(start))
		return false
	}

	s.metrics.record("contains", true, 1, time.Since(start))
	return v.(bool)
}

// remoteContains asks the backend and populates the cache on success.
func (s *Service) remoteContains(ctx context.Context, hash sigcache.ContentHash) (bool, error) {
	exists, err := resilience.DoValue(s.executor, ctx, "contains", func(ctx context.Context) (bool, error) {
		_, err := s.backend.Get(ctx, string(hash))
		if errors.Is(err, backend.ErrNotFound) {
			// Absence is an answer, not a failure.
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return false, err
	}

	s.cache.Put(hash, exists)
	return exists, nil
}

// Store records the content hash as seen. Storing an already-present hash
// succeeds. Returns false on invalid input or backend failure.
func (s *Service) Store(ctx context.Context, hash sigcache.ContentHash) bool {
	start := time.Now()

	if !hash.Valid() {
		s.rejectInvalid(ctx, "store", hash)
		s.metrics.record("store", false, 1, time.Since(start))
		return false
	}

	item := backend.Item{Value: existsMarker}
	if s.config.StoreTTL > 0 {
		item.ExpiresAt = time.Now().Add(s.config.StoreTTL)
	}

	err := s.executor.Do(ctx, "store", func(ctx context.Context) error {
		return s.backend.Put(ctx, string(hash), item)
	})
	if err != nil {
		s.logger.Warn("store failed", "hash", hash.ShortString(), "error", err)
		s.metrics.record("store", false, 1, time.Since(start))
		return false
	}

	s.cache.Put(hash, true)
	s.metrics.record("store", true, 1, time.Since(start))
	return true
}

// Delete removes the content hash. Deleting an absent hash succeeds. Returns
// false on invalid input or backend failure.
func (s *Service) Delete(ctx context.Context, hash sigcache.ContentHash) bool {
	start := time.Now()

	if !hash.Valid() {
		s.rejectInvalid(ctx, "delete", hash)
		s.metrics.record("delete", false, 1, time.Since(start))
		return false
	}

	err := s.executor.Do(ctx, "delete", func(ctx context.Context) error {
		return s.backend.Delete(ctx, string(hash))
	})
	if err != nil {
		s.logger.Warn("delete failed", "hash", hash.ShortString(), "error", err)
		s.metrics.record("delete", false, 1, time.Since(start))
		return false
	}

	s.cache.Put(hash, false)
	s.metrics.record("delete", true, 1, time.Since(start))
	return true
}

// BatchContains checks many hashes at once. The result maps every hash in a
// successfully checked chunk to its existence; hashes from failed chunks are
// omitted and complete is false. A nil map means the input itself was
// rejected: any invalid hash fails the whole batch before any backend call.
func (s *Service) BatchContains(ctx context.Context, hashes []sigcache.ContentHash) (results map[sigcache.ContentHash]bool, complete bool) {
	start := time.Now()

	if !s.validateBatch(ctx, "batch_contains", hashes) {
		s.metrics.record("batch_contains", false, int64(len(hashes)), time.Since(start))
		return nil, false
	}

	results = make(map[sigcache.ContentHash]bool, len(hashes))

	// Serve what we can from the cache; only misses go to the backend.
	var misses []sigcache.ContentHash
	for _, hash := range hashes {
		if _, seen := results[hash]; seen {
			continue
		}
		if exists, ok := s.cache.Get(hash); ok {
			results[hash] = exists
		} else {
			misses = append(misses, hash)
		}
	}

	var (
		mu     sync.Mutex
		failed bool
	)

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(s.config.BatchConcurrency)

	for offset := 0; offset < len(misses); offset += s.config.CheckChunkSize {
		chunk := misses[offset:min(offset+s.config.CheckChunkSize, len(misses))]
		group.Go(func() error {
			keys := make([]string, len(chunk))
			for i, hash := range chunk {
				keys[i] = string(hash)
			}

			found, err := resilience.DoValue(s.executor, gctx, "batch_contains", func(ctx context.Context) (map[string]bool, error) {
				return s.backend.BatchGet(ctx, keys)
			})
			if err != nil {
				// One bad chunk must not cancel its siblings; record the
				// partial failure and keep going.
				telemetry.RecordBatchChunk(gctx, "batch_contains", "failure")
				s.logger.Warn("batch existence chunk failed", "items", len(chunk), "error", err)
				mu.Lock()
				failed = true
				mu.Unlock()
				return nil
			}
			telemetry.RecordBatchChunk(gctx, "batch_contains", "success")

			mu.Lock()
			for _, hash := range chunk {
				exists := found[string(hash)]
				results[hash] = exists
				s.cache.Put(hash, exists)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	s.metrics.record("batch_contains", !failed, int64(len(hashes)), time.Since(start))
	return results, !failed
}

// BatchStore records many hashes as seen. All chunks must succeed; on any
// chunk failure the call returns false, though earlier chunks stay stored.
func (s *Service) BatchStore(ctx context.Context, hashes []sigcache.ContentHash) bool {
	start := time.Now()

	if !s.validateBatch(ctx, "batch_store", hashes) {
		s.metrics.record("batch_store", false, int64(len(hashes)), time.Since(start))
		return false
	}

	var (
		mu     sync.Mutex
		failed bool
	)

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(s.config.BatchConcurrency)

	for offset := 0; offset < len(hashes); offset += s.config.StoreChunkSize {
		chunk := hashes[offset:min(offset+s.config.StoreChunkSize, len(hashes))]
		group.Go(func() error {
			if s.storeChunk(gctx, chunk) {
				telemetry.RecordBatchChunk(gctx, "batch_store", "success")
				return nil
			}
			telemetry.RecordBatchChunk(gctx, "batch_store", "failure")
			mu.Lock()
			failed = true
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	s.metrics.record("batch_store", !failed, int64(len(hashes)), time.Since(start))
	return !failed
}

// storeChunk writes one chunk through the executor and, on success, marks
// every hash present in the cache.
func (s *Service) storeChunk(ctx context.Context, chunk []sigcache.ContentHash) bool {
	keys := make([]string, len(chunk))
	for i, hash := range chunk {
		keys[i] = string(hash)
	}

	err := s.executor.Do(ctx, "batch_store", func(ctx context.Context) error {
		return s.backend.BatchPut(ctx, keys, s.config.StoreTTL)
	})
	if err != nil {
		s.logger.Warn("batch store chunk failed", "items", len(chunk), "error", err)
		return false
	}

	for _, hash := range chunk {
		s.cache.Put(hash, true)
	}
	return true
}

// BatchImport starts a background job storing the hashes and returns its id.
// The job outlives the request: progress is tracked by the import tracker and
// queried through JobStatus.
func (s *Service) BatchImport(ctx context.Context, hashes []sigcache.ContentHash) (string, bool) {
	start := time.Now()

	if !s.validateBatch(ctx, "batch_import", hashes) {
		s.metrics.record("batch_import", false, int64(len(hashes)), time.Since(start))
		return "", false
	}

	job, err := s.tracker.Submit(ctx, hashes, func(ctx context.Context, chunk []sigcache.ContentHash) bool {
		return s.storeChunk(ctx, chunk)
	})
	if err != nil {
		s.logger.Error("submitting import job", "items", len(hashes), "error", err)
		s.metrics.record("batch_import", false, int64(len(hashes)), time.Since(start))
		return "", false
	}

	s.metrics.record("batch_import", true, int64(len(hashes)), time.Since(start))
	return job.ID, true
}

// JobStatus returns a snapshot of an import job, or nil if the id is unknown.
func (s *Service) JobStatus(id string) *importer.Job {
	return s.tracker.Status(id)
}

// Jobs returns snapshots of all known import jobs.
func (s *Service) Jobs() []*importer.Job {
	jobs, err := s.tracker.Jobs()
	if err != nil {
		s.logger.Error("listing import jobs", "error", err)
		return nil
	}
	return jobs
}

// CancelJob cancels a queued or processing import job.
func (s *Service) CancelJob(id string) bool {
	return s.tracker.Cancel(id)
}

// Metrics returns a snapshot of per-operation counters.
func (s *Service) Metrics() map[string]OperationStats {
	return s.metrics.snapshot()
}

// ResetMetrics zeroes all per-operation counters.
func (s *Service) ResetMetrics() {
	s.metrics.reset()
}

// validateBatch rejects empty batches and batches containing any invalid
// hash. Validation happens before any backend call so a bad batch has no
// partial effect.
func (s *Service) validateBatch(ctx context.Context, op string, hashes []sigcache.ContentHash) bool {
	if len(hashes) == 0 {
		telemetry.RecordValidationFailure(ctx, op)
		return false
	}
	for _, hash := range hashes {
		if !hash.Valid() {
			s.rejectInvalid(ctx, op, hash)
			return false
		}
	}
	return true
}

func (s *Service) rejectInvalid(ctx context.Context, op string, hash sigcache.ContentHash) {
	telemetry.RecordValidationFailure(ctx, op)
	s.logger.Warn("rejected invalid content hash", "op", op, "hash", hash.ShortString())
}
