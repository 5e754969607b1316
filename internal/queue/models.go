package queue

import "time"

type JobKind string

const (
	// KindExecute submits the query remotely and does initial bookkeeping.
	KindExecute JobKind = "execute"
	// KindPoll performs one polling tick and re-enqueues itself until the
	// run is terminal.
	KindPoll JobKind = "poll"
)

type JobStatus string

const (
	StatusReady    JobStatus = "READY"
	StatusRunning  JobStatus = "RUNNING"
	StatusDone     JobStatus = "DONE"
	StatusFailed   JobStatus = "FAILED"
)

type Job struct {
	ID          int64      `db:"job_id"`
	Kind        JobKind    `db:"kind"`
	RunID       string     `db:"run_id"`
	Status      JobStatus  `db:"status"`
	RunAfter    time.Time  `db:"run_after"`
	Attempts    int        `db:"attempts"`
	MaxAttempts int        `db:"max_attempts"`
	LeasedUntil *time.Time `db:"leased_until"`
	LeasedBy    *string    `db:"leased_by"`
	LastError   *string    `db:"last_error"`
	EnqueuedAt  time.Time  `db:"enqueued_at"`
	FinishedAt  *time.Time `db:"finished_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
}
