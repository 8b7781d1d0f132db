package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

// bucketJobs holds job records keyed by id, JSON-encoded.
var bucketJobs = []byte("jobs")

// BoltStore implements JobStore using bbolt.
type BoltStore struct {
	db     *bbolt.DB
	logger *slog.Logger
	noSync bool
}

// BoltStoreOption configures a BoltStore instance.
type BoltStoreOption func(*BoltStore)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) BoltStoreOption {
	return func(s *BoltStore) {
		s.logger = logger
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltStoreOption {
	return func(s *BoltStore) {
		s.noSync = noSync
	}
}

// NewBoltStore creates a new BoltStore with options. Call Open before use.
func NewBoltStore(opts ...BoltStoreOption) *BoltStore {
	s := &BoltStore{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open opens the job database at the given path.
func (s *BoltStore) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  s.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening job database: %w", err)
	}
	s.db = db

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketJobs)
		return err
	})
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("creating jobs bucket: %w", err)
	}

	s.logger.Debug("opened job store", "path", path, "noSync", s.noSync)
	return nil
}

func (s *BoltStore) Put(_ context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketJobs).Put([]byte(job.ID), data)
	})
}

func (s *BoltStore) Get(_ context.Context, id string) (*Job, error) {
	var job *Job

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(id))
		if data == nil {
			return ErrJobNotFound
		}
		job = &Job{}
		return json.Unmarshal(data, job)
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *BoltStore) List(_ context.Context) ([]*Job, error) {
	var jobs []*Job

	err := s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketJobs).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var job Job
			if err := json.Unmarshal(v, &job); err != nil {
				s.logger.Warn("skipping corrupt job record", "id", string(k), "error", err)
				continue
			}
			jobs = append(jobs, &job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *BoltStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ JobStore = (*BoltStore)(nil)
