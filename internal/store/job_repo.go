// Package store provides the JobRepo interface and model for durable analysis jobs.
package store

import (
	"time"
)

// JobStatus represents the lifecycle state of an analysis job.
// Transitions: waiting → active → {completed | waiting (after backoff) | failed}.
type JobStatus string

const (
	JobStatusWaiting   JobStatus = "waiting"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// AnalysisJob is a durable record of deferred AI analysis work.
type AnalysisJob struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	EntityID    string     `json:"entity_id"`
	PayloadJSON string     `json:"payload_json"`
	Status      JobStatus  `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	Progress    int        `json:"progress"`
	ResultJSON  string     `json:"result_json"`
	LastError   string     `json:"last_error"`
	RunAt       time.Time  `json:"run_at"`
	LockedAt    *time.Time `json:"locked_at"`
	DedupeKey   string     `json:"dedupe_key"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Delayed reports whether the job is waiting out a retry backoff: it has
// failed at least once and its next run is still in the future.
func (j *AnalysisJob) Delayed(now time.Time) bool {
	return j.Status == JobStatusWaiting && j.Attempts > 0 && j.RunAt.After(now)
}

// JobRepo defines the interface for durable analysis job persistence.
type JobRepo interface {
	// EnqueueJob inserts a new job due at runAt. If dedupeKey is non-empty
	// and a non-terminal job with that key already exists, the call returns
	// the existing job ID without inserting a duplicate.
	EnqueueJob(kind, entityID string, runAt time.Time, payloadJSON, dedupeKey string) (string, error)

	// ClaimDueJobs marks up to limit waiting jobs whose run_at <= now as
	// active and returns them. A claimed job is invisible to other claimers,
	// which is the queue's sole exclusion mechanism.
	ClaimDueJobs(now time.Time, limit int) ([]AnalysisJob, error)

	// CompleteJob marks a job as completed, storing its result.
	CompleteJob(id, resultJSON string) error

	// FailJob records a failed attempt. While the incremented attempt count
	// stays below maxAttempts the job goes back to waiting with
	// run_at = nextRunAt; otherwise it becomes terminally failed, retaining
	// the error. Callers pass 0 to fail the job on this attempt.
	FailJob(id, errMsg string, nextRunAt time.Time, maxAttempts int) error

	// SetJobProgress updates the progress percentage of an active job.
	SetJobProgress(id string, progress int) error

	// GetJob retrieves a single job by ID. Returns nil when unknown.
	GetJob(id string) (*AnalysisJob, error)

	// RequeueStaleActiveJobs resets jobs that have been active since before
	// staleBefore back to waiting (crash recovery).
	RequeueStaleActiveJobs(staleBefore time.Time) (int, error)

	// DeleteTerminalJobsBefore removes completed/failed jobs last updated
	// before cutoff and reports how many were removed.
	DeleteTerminalJobsBefore(cutoff time.Time) (int, error)
}
