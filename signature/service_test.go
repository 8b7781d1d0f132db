package signature

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sigcache "github.com/wolfeidau/sigcache"
	"github.com/wolfeidau/sigcache/backend"
	"github.com/wolfeidau/sigcache/importer"
	"github.com/wolfeidau/sigcache/resilience"
)

// fakeBackend is an in-memory backend with injectable failures and call
// counters.
type fakeBackend struct {
	mu    sync.Mutex
	items map[string]struct{}

	// err, when set, fails every call.
	err error

	// batchGetHook, when set, decides per call whether BatchGet fails.
	batchGetHook func(keys []string) error

	getCalls      int
	putCalls      int
	deleteCalls   int
	batchGetCalls int
	batchPutCalls int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{items: make(map[string]struct{})}
}

func (f *fakeBackend) Get(ctx context.Context, key string) (*backend.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++

	if f.err != nil {
		return nil, f.err
	}
	if _, ok := f.items[key]; !ok {
		return nil, backend.ErrNotFound
	}
	return &backend.Item{Value: "1"}, nil
}

func (f *fakeBackend) Put(ctx context.Context, key string, item backend.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putCalls++

	if f.err != nil {
		return f.err
	}
	f.items[key] = struct{}{}
	return nil
}

func (f *fakeBackend) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++

	if f.err != nil {
		return f.err
	}
	delete(f.items, key)
	return nil
}

func (f *fakeBackend) BatchGet(ctx context.Context, keys []string) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchGetCalls++

	if f.err != nil {
		return nil, f.err
	}
	if f.batchGetHook != nil {
		if err := f.batchGetHook(keys); err != nil {
			return nil, err
		}
	}

	found := make(map[string]bool, len(keys))
	for _, key := range keys {
		if _, ok := f.items[key]; ok {
			found[key] = true
		}
	}
	return found, nil
}

func (f *fakeBackend) BatchPut(ctx context.Context, keys []string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchPutCalls++

	if f.err != nil {
		return f.err
	}
	for _, key := range keys {
		f.items[key] = struct{}{}
	}
	return nil
}

func (f *fakeBackend) count(which *int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *which
}

// fastExecutor returns an executor that retries in microseconds rather than
// seconds.
func fastExecutor(breaker *resilience.Breaker) *resilience.Executor {
	policy := &resilience.RetryPolicy{
		BaseDelay:   100 * time.Microsecond,
		MaxDelay:    time.Millisecond,
		MaxAttempts: 2,
	}
	return resilience.NewExecutor(resilience.ExecutorConfig{
		Breaker: breaker,
		Policy:  policy,
	})
}

func testService(t *testing.T, b backend.Backend) *Service {
	t.Helper()

	svc, err := New(Config{
		Backend:  b,
		Executor: fastExecutor(nil),
	})
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

func hashOf(s string) sigcache.ContentHash {
	return sigcache.HashBytes([]byte(s))
}

func hashesOf(n int) []sigcache.ContentHash {
	hashes := make([]sigcache.ContentHash, n)
	for i := range hashes {
		hashes[i] = hashOf(fmt.Sprintf("content-%d", i))
	}
	return hashes
}

func TestServiceRequiresBackend(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestServiceStoreContainsDeleteRoundTrip(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	svc := testService(t, fb)
	hash := hashOf("roundtrip")

	assert.False(t, svc.Contains(ctx, hash))

	assert.True(t, svc.Store(ctx, hash))
	assert.True(t, svc.Contains(ctx, hash))

	// Storing again is a no-op success.
	assert.True(t, svc.Store(ctx, hash))

	assert.True(t, svc.Delete(ctx, hash))
	assert.False(t, svc.Contains(ctx, hash))

	// Deleting an absent hash still succeeds.
	assert.True(t, svc.Delete(ctx, hash))
}

func TestServiceContainsCacheShortCircuit(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	svc := testService(t, fb)
	hash := hashOf("cached")

	assert.False(t, svc.Contains(ctx, hash))
	assert.False(t, svc.Contains(ctx, hash))
	assert.False(t, svc.Contains(ctx, hash))

	// Only the first check reaches the backend; the negative result is
	// cached too.
	assert.Equal(t, 1, fb.count(&fb.getCalls))
}

func TestServiceStoreUpdatesCache(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	svc := testService(t, fb)
	hash := hashOf("store-then-check")

	require.True(t, svc.Store(ctx, hash))
	assert.True(t, svc.Contains(ctx, hash))
	assert.Equal(t, 0, fb.count(&fb.getCalls))
}

func TestServiceContainsFailSafeToFalse(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	fb.err = backend.NewError(backend.KindUnavailable, "get", assert.AnError)
	svc := testService(t, fb)

	assert.False(t, svc.Contains(ctx, hashOf("unreachable")))

	// Failures are not cached as answers; the next check tries again.
	calls := fb.count(&fb.getCalls)
	assert.False(t, svc.Contains(ctx, hashOf("unreachable")))
	assert.Greater(t, fb.count(&fb.getCalls), calls)
}

func TestServiceRejectsInvalidHash(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	svc := testService(t, fb)
	bad := sigcache.ContentHash("not-a-hash")

	assert.False(t, svc.Contains(ctx, bad))
	assert.False(t, svc.Store(ctx, bad))
	assert.False(t, svc.Delete(ctx, bad))

	assert.Equal(t, 0, fb.count(&fb.getCalls))
	assert.Equal(t, 0, fb.count(&fb.putCalls))
	assert.Equal(t, 0, fb.count(&fb.deleteCalls))
}

func TestServiceBreakerOpenSkipsBackend(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	fb.err = backend.NewError(backend.KindUnavailable, "get", assert.AnError)

	breaker := resilience.NewBreaker(resilience.BreakerConfig{FailureThreshold: 2})
	svc, err := New(Config{Backend: fb, Executor: fastExecutor(breaker)})
	require.NoError(t, err)
	defer svc.Close()

	// Two attempts (one call, one retry) trip the breaker.
	assert.False(t, svc.Contains(ctx, hashOf("trip")))
	require.Equal(t, resilience.StateOpen, breaker.State())

	calls := fb.count(&fb.getCalls)
	assert.False(t, svc.Contains(ctx, hashOf("rejected")))
	assert.Equal(t, calls, fb.count(&fb.getCalls))
}

func TestServiceBatchContains(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	svc := testService(t, fb)

	hashes := hashesOf(150)
	for _, hash := range hashes[:75] {
		fb.items[string(hash)] = struct{}{}
	}

	results, complete := svc.BatchContains(ctx, hashes)
	require.NotNil(t, results)
	assert.True(t, complete)
	require.Len(t, results, 150)

	for i, hash := range hashes {
		assert.Equal(t, i < 75, results[hash], "hash %d", i)
	}

	// 150 misses at a chunk size of 100 means two backend calls.
	assert.Equal(t, 2, fb.count(&fb.batchGetCalls))

	// A second batch is fully served from the cache.
	results, complete = svc.BatchContains(ctx, hashes)
	assert.True(t, complete)
	assert.Len(t, results, 150)
	assert.Equal(t, 2, fb.count(&fb.batchGetCalls))
}

func TestServiceBatchContainsRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	svc := testService(t, fb)

	results, complete := svc.BatchContains(ctx, []sigcache.ContentHash{hashOf("ok"), "bogus"})
	assert.Nil(t, results)
	assert.False(t, complete)
	assert.Equal(t, 0, fb.count(&fb.batchGetCalls))

	results, complete = svc.BatchContains(ctx, nil)
	assert.Nil(t, results)
	assert.False(t, complete)
}

func TestServiceBatchContainsPartialFailure(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	fb.batchGetHook = func(keys []string) error {
		if len(keys) == 100 {
			return backend.NewError(backend.KindUnavailable, "batch_get", assert.AnError)
		}
		return nil
	}

	svc, err := New(Config{
		Backend:          fb,
		Executor:         fastExecutor(nil),
		BatchConcurrency: 1,
	})
	require.NoError(t, err)
	defer svc.Close()

	hashes := hashesOf(150)
	results, complete := svc.BatchContains(ctx, hashes)

	// The 100-hash chunk failed; only the 50-hash chunk produced answers.
	require.NotNil(t, results)
	assert.False(t, complete)
	assert.Len(t, results, 50)
	for _, hash := range hashes[100:] {
		exists, ok := results[hash]
		assert.True(t, ok)
		assert.False(t, exists)
	}
}

func TestServiceBatchStore(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	svc := testService(t, fb)

	hashes := hashesOf(60)
	require.True(t, svc.BatchStore(ctx, hashes))

	// 60 hashes at a chunk size of 25 means three backend calls.
	assert.Equal(t, 3, fb.count(&fb.batchPutCalls))

	// Every stored hash is answerable from the cache.
	for _, hash := range hashes {
		assert.True(t, svc.Contains(ctx, hash))
	}
	assert.Equal(t, 0, fb.count(&fb.getCalls))
}

func TestServiceBatchStoreFailureReturnsFalse(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	fb.err = backend.NewError(backend.KindThrottled, "batch_put", assert.AnError)
	svc := testService(t, fb)

	assert.False(t, svc.BatchStore(ctx, hashesOf(10)))
}

func TestServiceBatchImportCompletes(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()

	tracker, err := importer.New(importer.Config{ChunkSize: 25})
	require.NoError(t, err)

	svc, err := New(Config{
		Backend:  fb,
		Executor: fastExecutor(nil),
		Tracker:  tracker,
	})
	require.NoError(t, err)
	defer svc.Close()

	hashes := hashesOf(100)
	id, ok := svc.BatchImport(ctx, hashes)
	require.True(t, ok)
	require.NotEmpty(t, id)

	deadline := time.Now().Add(5 * time.Second)
	for {
		job := svc.JobStatus(id)
		require.NotNil(t, job)
		if job.Status == importer.StatusCompleted {
			assert.Equal(t, 1.0, job.Progress)
			break
		}
		require.True(t, time.Now().Before(deadline), "job never completed")
		time.Sleep(5 * time.Millisecond)
	}

	for _, hash := range hashes {
		assert.True(t, svc.Contains(ctx, hash))
	}

	jobs := svc.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].ID)

	// A completed job cannot be cancelled, nor can an unknown one.
	assert.False(t, svc.CancelJob(id))
	assert.False(t, svc.CancelJob("no-such-job"))
	assert.Nil(t, svc.JobStatus("no-such-job"))
}

func TestServiceBatchImportRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	svc := testService(t, newFakeBackend())

	id, ok := svc.BatchImport(ctx, []sigcache.ContentHash{"nope"})
	assert.False(t, ok)
	assert.Empty(t, id)
}

func TestServiceMetrics(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	svc := testService(t, fb)
	hash := hashOf("measured")

	svc.Store(ctx, hash)
	svc.Contains(ctx, hash)
	svc.Contains(ctx, hash)
	svc.Contains(ctx, sigcache.ContentHash("invalid"))

	stats := svc.Metrics()
	require.Contains(t, stats, "store")
	require.Contains(t, stats, "contains")

	assert.Equal(t, int64(1), stats["store"].Calls)
	assert.Equal(t, int64(1), stats["store"].Successes)
	assert.Equal(t, int64(3), stats["contains"].Calls)
	assert.Equal(t, int64(2), stats["contains"].Successes)
	assert.Equal(t, int64(3), stats["contains"].TotalItems)

	svc.ResetMetrics()
	assert.Empty(t, svc.Metrics())
}

func TestServiceConcurrentChecks(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	svc := testService(t, fb)

	hash := hashOf("popular")
	fb.items[string(hash)] = struct{}{}

	var wg sync.WaitGroup
	results := make([]bool, 50)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = svc.Contains(ctx, hash)
		}()
	}
	wg.Wait()

	for i, got := range results {
		assert.True(t, got, "goroutine %d", i)
	}
	// Concurrent checks for one hash collapse into very few backend calls.
	assert.LessOrEqual(t, fb.count(&fb.getCalls), 2)
}
