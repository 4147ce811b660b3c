package queue

import (
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusDead      Status = "dead"
)

// Reasons a refresh was requested.
const (
	ReasonInterval = "interval"
	ReasonDaily    = "daily"
	ReasonVisible  = "visible"
	ReasonManual   = "manual"
)

// Job is one queued form refresh.
type Job struct {
	ID          string
	FormID      int64
	Reason      string
	Status      Status
	Attempt     int
	MaxAttempts int
	DedupeKey   *string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	LastError   *string
}

type EnqueueRequest struct {
	FormID      int64
	Reason      string
	MaxAttempts int
	DedupeKey   *string
}

var ErrJobNotFound = errors.New("job not found")

// DedupeDropError is returned by Enqueue when a job with the same dedupe key
// is already queued or running.
type DedupeDropError struct {
	DedupeKey     string
	ExistingJobID string
}

func (e *DedupeDropError) Error() string {
	return fmt.Sprintf("dedupe key %q already held by job %s", e.DedupeKey, e.ExistingJobID)
}

// RefreshDedupeKey is the key that keeps one refresh per form in flight.
func RefreshDedupeKey(formID int64) string {
	return fmt.Sprintf("refresh:%d", formID)
}
