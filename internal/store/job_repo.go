package store

import (
	"time"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobStatusQueued  JobStatus = "queued"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

// Job is one durable unit of work, such as an automation dispatch or a single
// automation step waiting for its delay to elapse. RunAt is a "not eligible
// before" time: delayed work is stored, never slept on.
type Job struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	RunAt       time.Time  `json:"run_at"`
	PayloadJSON string     `json:"payload_json"`
	Status      JobStatus  `json:"status"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string     `json:"last_error"`
	LockedAt    *time.Time `json:"locked_at"`
	DedupeKey   string     `json:"dedupe_key"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// JobRepo persists the durable job queue.
type JobRepo interface {
	// EnqueueJob inserts a job. A non-empty dedupeKey is unique for the life of
	// the table: enqueueing it again returns the existing job's ID whatever its
	// status, so a retried dispatch never schedules a step twice.
	EnqueueJob(kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error)

	// ClaimDueJobs marks up to limit queued jobs whose run_at <= now as running
	// and returns them, oldest first.
	ClaimDueJobs(now time.Time, limit int) ([]Job, error)

	CompleteJob(id string) error

	// FailJob records errMsg and requeues the job at nextRunAt, or marks it
	// failed once max_attempts is reached.
	FailJob(id string, errMsg string, nextRunAt time.Time) error

	// RequeueStaleRunningJobs returns jobs left running since before
	// staleBefore to the queue.
	RequeueStaleRunningJobs(staleBefore time.Time) (int, error)

	// GetJob returns (nil, nil) when the job does not exist.
	GetJob(id string) (*Job, error)

	CountJobs() (map[JobStatus]int, error)
}
