// Package importer tracks asynchronous bulk-import jobs for known content
// hashes. Jobs are persisted so their status survives a process restart.
package importer

import (
	"errors"
	"time"
)

// ErrJobNotFound is returned when a job id is unknown.
var ErrJobNotFound = errors.New("importer: job not found")

// Status is the lifecycle state of an import job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Job is the tracked state of one bulk import.
type Job struct {
	ID         string    `json:"id"`
	Status     Status    `json:"status"`
	Progress   float64   `json:"progress"`
	TotalItems int       `json:"total_items"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	Error      string    `json:"error,omitempty"`
}

// Clone returns a copy so callers never share the tracker's instance.
func (j *Job) Clone() *Job {
	out := *j
	return &out
}
