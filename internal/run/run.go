package run

import (
	"time"

	"github.com/google/uuid"
)

type Phase string

const (
	PhaseSubmitted          Phase = "SUBMITTED"
	PhaseRunning            Phase = "RUNNING"
	PhaseAwaitingCompletion Phase = "AWAITING_COMPLETION"
	PhaseAwaitingRowset     Phase = "AWAITING_ROWSET"
	PhaseProbing            Phase = "PROBING"
	PhaseCompleted          Phase = "COMPLETED"
	PhaseFailed             Phase = "FAILED"
	PhaseTimedOut           Phase = "TIMED_OUT"
	PhaseCanceled           Phase = "CANCELED"
)

// Terminal reports whether no further transition may be applied to a run in
// this phase.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseCompleted, PhaseFailed, PhaseTimedOut, PhaseCanceled:
		return true
	}
	return false
}

// Request is a validated submission accepted by the intake API. The query
// text has already passed upstream validation; it is opaque here.
type Request struct {
	TenantID       string `json:"tenant_id"`
	UserID         string `json:"user_id"`
	Query          string `json:"query"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Run is one user-initiated query execution and its full lifecycle.
type Run struct {
	ID             string
	TenantID       string
	UserID         string
	Query          string
	IdempotencyKey string

	// TargetHandle identifies the remote object that holds results once
	// submission succeeds. JobHandle identifies the remote execution job.
	TargetHandle string
	JobHandle    string

	Phase        Phase
	AttemptCount int

	RowCount  int64
	PageCount int

	LastError *Error

	CreatedAt   time.Time
	SubmittedAt *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

// PollState is the mutable polling progress for a run. It exists only while
// the run is non-terminal and is owned exclusively by the poller.
type PollState struct {
	RunID         string
	PollCount     int
	PollStartedAt *time.Time

	// Consecutive "not running" status reads. Resets to zero whenever the
	// remote flips back to "running".
	NotRunningConfirmations int
	NotRunningDetectedAt    *time.Time

	RowsetReadyAttempts   int
	RowsetStartedAt       *time.Time
	RowsetReadyDetectedAt *time.Time
	// RowCountHint is the platform's row count at the moment the rowset
	// reported ready; used to tell an expected-empty result from a read
	// path that is not yet consistent.
	RowCountHint int64

	RowProbeAttempts      int
	ProbeStartedAt        *time.Time
	RowProbeLastCheckedAt *time.Time
}

// Patch carries the field updates applied alongside a phase transition.
// Nil fields are left untouched.
type Patch struct {
	PollState    *PollState
	TargetHandle *string
	JobHandle    *string
	LastError    *Error
	ClearError   bool
	SubmittedAt  *time.Time
	CompletedAt  *time.Time
	AttemptCount *int
	RowCount     *int64
	PageCount    *int
}

// NewID returns a fresh opaque run identifier.
func NewID() string {
	return uuid.NewString()
}
