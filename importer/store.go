package importer

import (
	"context"
	"sync"
)

// JobStore persists job records. Implementations must be safe for concurrent
// use.
type JobStore interface {
	// Put writes a job record, overwriting any existing record.
	Put(ctx context.Context, job *Job) error

	// Get returns the job with the given id, or ErrJobNotFound.
	Get(ctx context.Context, id string) (*Job, error)

	// List returns all job records in unspecified order.
	List(ctx context.Context) ([]*Job, error)

	// Close releases store resources.
	Close() error
}

// MemStore is an in-memory JobStore for tests and ephemeral deployments.
type MemStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{jobs: make(map[string]*Job)}
}

func (s *MemStore) Put(_ context.Context, job *Job) error {
	s.mu.Lock()
	s.jobs[job.ID] = job.Clone()
	s.mu.Unlock()
	return nil
}

func (s *MemStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

func (s *MemStore) List(_ context.Context) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.Clone())
	}
	return out, nil
}

func (s *MemStore) Close() error {
	return nil
}

var _ JobStore = (*MemStore)(nil)
