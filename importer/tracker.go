package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	sigcache "github.com/wolfeidau/sigcache"
	"github.com/wolfeidau/sigcache/telemetry"
)

// ErrTrackerClosed is returned by Submit after Close.
var ErrTrackerClosed = errors.New("importer: tracker closed")

// StoreFunc persists one chunk of hashes to the signature backend. It reports
// whether the whole chunk was stored.
type StoreFunc func(ctx context.Context, hashes []sigcache.ContentHash) bool

// Config holds tracker settings.
type Config struct {
	// MaxConcurrent caps simultaneously processing jobs (default 2).
	// Jobs beyond the cap stay queued until a slot frees.
	MaxConcurrent int

	// ChunkSize is the number of hashes stored per backend call (default 25).
	ChunkSize int

	// Store persists job records. Defaults to an in-memory store.
	Store JobStore

	// Logger for job events.
	Logger *slog.Logger
}

// Tracker runs bulk-import jobs and tracks their lifecycle:
// queued -> processing -> completed | failed | cancelled.
//
// Concurrency model:
//   - Submit and Cancel are called from request-handling goroutines.
//   - Each job runs in its own goroutine, gated by a slot channel.
//   - t.mu serialises every status transition; the job store holds the
//     authoritative record.
//   - Cancellation is cooperative: workers observe the cancel channel
//     between chunks, never mid-call.
type Tracker struct {
	config Config
	store  JobStore
	logger *slog.Logger
	now    func() time.Time

	slots chan struct{}

	mu      sync.Mutex
	cancels map[string]chan struct{}
	closed  bool

	wg sync.WaitGroup
}

// New creates a tracker. Any non-terminal jobs found in the store are marked
// failed: their worker goroutines did not survive the previous process.
func New(cfg Config) (*Tracker, error) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 25
	}
	if cfg.Store == nil {
		cfg.Store = NewMemStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	t := &Tracker{
		config:  cfg,
		store:   cfg.Store,
		logger:  cfg.Logger,
		now:     time.Now,
		slots:   make(chan struct{}, cfg.MaxConcurrent),
		cancels: make(map[string]chan struct{}),
	}

	if err := t.failInterrupted(); err != nil {
		return nil, err
	}
	return t, nil
}

// failInterrupted marks jobs left non-terminal by a previous process.
func (t *Tracker) failInterrupted() error {
	jobs, err := t.store.List(context.Background())
	if err != nil {
		return fmt.Errorf("listing jobs: %w", err)
	}

	for _, job := range jobs {
		if job.Status.Terminal() {
			continue
		}
		job.Status = StatusFailed
		job.Error = "interrupted by restart"
		job.UpdatedAt = t.now()
		if err := t.store.Put(context.Background(), job); err != nil {
			return fmt.Errorf("failing interrupted job %s: %w", job.ID, err)
		}
		t.logger.Warn("failed interrupted import job", "job_id", job.ID)
	}
	return nil
}

// Submit creates a job for the given hashes and starts it as soon as a
// processing slot frees. The returned job snapshot is in the queued state.
// The job runs detached from ctx: a caller timing out does not cancel it.
func (t *Tracker) Submit(ctx context.Context, hashes []sigcache.ContentHash, fn StoreFunc) (*Job, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTrackerClosed
	}

	job := &Job{
		ID:         uuid.NewString(),
		Status:     StatusQueued,
		TotalItems: len(hashes),
		CreatedAt:  t.now(),
		UpdatedAt:  t.now(),
	}
	cancelCh := make(chan struct{})
	t.cancels[job.ID] = cancelCh
	t.mu.Unlock()

	if err := t.store.Put(ctx, job); err != nil {
		t.dropCancel(job.ID)
		return nil, fmt.Errorf("persisting job: %w", err)
	}

	t.wg.Add(1)
	go t.run(context.WithoutCancel(ctx), job.ID, hashes, fn, cancelCh)

	return job.Clone(), nil
}

// Status returns a snapshot of the job, or nil if the id is unknown.
func (t *Tracker) Status(id string) *Job {
	job, err := t.store.Get(context.Background(), id)
	if err != nil {
		return nil
	}
	return job
}

// Jobs returns snapshots of every known job, newest first by creation time.
func (t *Tracker) Jobs() ([]*Job, error) {
	jobs, err := t.store.List(context.Background())
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	slices.SortFunc(jobs, func(a, b *Job) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return jobs, nil
}

// Cancel requests cancellation. It only succeeds while the job is queued or
// processing; terminal jobs are left untouched and Cancel returns false.
func (t *Tracker) Cancel(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, err := t.store.Get(context.Background(), id)
	if err != nil || job.Status.Terminal() {
		return false
	}

	job.Status = StatusCancelled
	job.UpdatedAt = t.now()
	if err := t.store.Put(context.Background(), job); err != nil {
		t.logger.Error("persisting cancelled job", "job_id", id, "error", err)
		return false
	}

	if ch, ok := t.cancels[id]; ok {
		close(ch)
		delete(t.cancels, id)
	}

	t.logger.Info("import job cancelled", "job_id", id)
	telemetry.RecordImportJob(context.Background(), string(StatusCancelled), int64(job.TotalItems))
	return true
}

// Close stops accepting jobs and waits for running workers to finish.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	t.wg.Wait()
}

func (t *Tracker) run(ctx context.Context, id string, hashes []sigcache.ContentHash, fn StoreFunc, cancelCh chan struct{}) {
	defer t.wg.Done()
	defer t.dropCancel(id)

	// Wait for a processing slot; a cancel while queued wins.
	select {
	case t.slots <- struct{}{}:
		defer func() { <-t.slots }()
	case <-cancelCh:
		return
	}

	if !t.transition(id, func(job *Job) bool {
		if job.Status != StatusQueued {
			return false
		}
		job.Status = StatusProcessing
		return true
	}) {
		return
	}

	t.logger.Info("import job started", "job_id", id, "items", len(hashes))

	processed := 0
	for start := 0; start < len(hashes); start += t.config.ChunkSize {
		select {
		case <-cancelCh:
			return
		default:
		}

		end := min(start+t.config.ChunkSize, len(hashes))
		chunk := hashes[start:end]

		if !fn(ctx, chunk) {
			t.transition(id, func(job *Job) bool {
				if job.Status != StatusProcessing {
					return false
				}
				job.Status = StatusFailed
				job.Error = fmt.Sprintf("storing chunk at offset %d failed", start)
				return true
			})
			t.logger.Error("import job failed", "job_id", id, "offset", start)
			telemetry.RecordImportJob(ctx, string(StatusFailed), int64(processed))
			return
		}

		processed = end
		t.transition(id, func(job *Job) bool {
			if job.Status != StatusProcessing {
				return false
			}
			progress := 1.0
			if job.TotalItems > 0 {
				progress = float64(processed) / float64(job.TotalItems)
			}
			// Progress only moves forward.
			if progress > job.Progress {
				job.Progress = progress
			}
			return true
		})
	}

	if t.transition(id, func(job *Job) bool {
		if job.Status != StatusProcessing {
			return false
		}
		job.Status = StatusCompleted
		job.Progress = 1.0
		return true
	}) {
		t.logger.Info("import job completed", "job_id", id, "items", processed)
		telemetry.RecordImportJob(ctx, string(StatusCompleted), int64(processed))
	}
}

// transition applies mutate to the stored job under the tracker lock.
// Returns false when the job is missing or mutate declined the change.
func (t *Tracker) transition(id string, mutate func(*Job) bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, err := t.store.Get(context.Background(), id)
	if err != nil {
		return false
	}
	if !mutate(job) {
		return false
	}
	job.UpdatedAt = t.now()
	if err := t.store.Put(context.Background(), job); err != nil {
		t.logger.Error("persisting job transition", "job_id", id, "error", err)
		return false
	}
	return true
}

func (t *Tracker) dropCancel(id string) {
	t.mu.Lock()
	delete(t.cancels, id)
	t.mu.Unlock()
}
