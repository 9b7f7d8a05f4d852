// Package registry is the durable record of every annotation job. It is the
// sole source of truth for job status; all status writes are conditional so
// that concurrent workers racing on the same job resolve without locks.
package registry

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a job. It only ever advances
// PENDING -> RUNNING -> COMPLETED; ERROR is a terminal sink.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusError     Status = "ERROR"
)

var (
	// ErrNotFound is returned when no record exists for a job id.
	ErrNotFound = errors.New("job not found")
	// ErrPreconditionFailed is returned when a conditional update is
	// rejected because the record's current state does not match the
	// expectation. The record is left unchanged.
	ErrPreconditionFailed = errors.New("precondition failed")
)

// JobRecord is one annotation job. JobID is assigned at intake and never
// changes; records are never deleted.
type JobRecord struct {
	JobID         string
	UserID        string
	InputFileName string
	InputBucket   string
	InputKey      string
	Status        Status
	SubmitTime    time.Time
	CompleteTime  *time.Time
	ResultBucket  string
	ResultKey     string
	LogKey        string
	ArchiveID     string
}

// Update carries the attributes written alongside a status transition.
// Zero-value fields are left untouched.
type Update struct {
	ResultBucket string
	ResultKey    string
	LogKey       string
	CompleteTime *time.Time
}

// Store is the job registry client shared by the workers and the intake
// path.
type Store interface {
	// Create inserts a new PENDING record.
	Create(ctx context.Context, rec JobRecord) error
	// Get returns the record for jobID, or ErrNotFound.
	Get(ctx context.Context, jobID string) (JobRecord, error)
	// ListByUser returns all records owned by userID.
	ListByUser(ctx context.Context, userID string) ([]JobRecord, error)
	// Transition atomically moves the job from the expected status to the
	// next one, applying upd in the same write. If the current status is
	// not the expected one it returns ErrPreconditionFailed and changes
	// nothing.
	Transition(ctx context.Context, jobID string, from, to Status, upd Update) error
	// MarkArchived records the cold-tier archive id for a COMPLETED job.
	// It is conditional on the job being COMPLETED and not yet archived,
	// so a duplicate archival attempt reports ErrPreconditionFailed.
	MarkArchived(ctx context.Context, jobID, resultBucket, archiveID string) error
}
