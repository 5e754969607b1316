// Package driver owns run intake and remote submission. Intake creates the
// run record and enqueues an execute job; the execute handler, running on a
// worker, performs the remote submit and schedules the first poll tick.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"dequery/internal/events"
	"dequery/internal/queue"
	"dequery/internal/remote"
	"dequery/internal/run"
	"dequery/internal/store"
)

var ErrEmptyQuery = errors.New("query must not be empty")

type Config struct {
	MaxSubmissionAttempts int
	InitialPollDelay      time.Duration
}

// RunStore is the store surface the driver needs.
type RunStore interface {
	CreateRun(ctx context.Context, req run.Request) (*run.Run, bool, error)
	GetRun(ctx context.Context, runID string) (*run.Run, error)
	CompareAndTransition(ctx context.Context, runID string, expected, next run.Phase, patch run.Patch) error
}

// JobQueue is the queue surface the driver needs.
type JobQueue interface {
	Enqueue(ctx context.Context, kind queue.JobKind, runID string, runAfter time.Time) (int64, error)
}

type Driver struct {
	cfg    Config
	store  RunStore
	queue  JobQueue
	remote remote.Client
	events events.Publisher
	logger *slog.Logger
	now    func() time.Time
}

func New(cfg Config, runs RunStore, jobs JobQueue, client remote.Client, pub events.Publisher, logger *slog.Logger) *Driver {
	if pub == nil {
		pub = events.NoopPublisher{}
	}
	return &Driver{
		cfg:    cfg,
		store:  runs,
		queue:  jobs,
		remote: client,
		events: pub,
		logger: logger,
		now:    time.Now,
	}
}

// Execute accepts a validated run request. Submission is idempotent: while a
// run for the same tenant and idempotency key is non-terminal, re-submission
// returns its run id and enqueues nothing.
func (d *Driver) Execute(ctx context.Context, req run.Request) (string, error) {
	if req.Query == "" {
		return "", ErrEmptyQuery
	}

	r, created, err := d.store.CreateRun(ctx, req)
	if err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	if !created {
		d.logger.Info("Duplicate submission joined active run", "run_id", r.ID, "idempotency_key", req.IdempotencyKey)
		return r.ID, nil
	}

	if _, err := d.queue.Enqueue(ctx, queue.KindExecute, r.ID, d.now()); err != nil {
		return "", fmt.Errorf("enqueue execute job: %w", err)
	}
	d.events.Publish(events.Event{Type: events.TypeRunSubmitted, RunID: r.ID, TenantID: r.TenantID})
	d.logger.Info("Run accepted", "run_id", r.ID, "tenant_id", r.TenantID)
	return r.ID, nil
}

// HandleExecuteJob consumes one execute job delivery: submit the query
// remotely, move the run to RUNNING and schedule the first poll tick.
// Submission failures are classified; only retryable ones are retried, each
// bounded by MaxSubmissionAttempts, and a run that fails at submission never
// gets a poll job.
func (d *Driver) HandleExecuteJob(ctx context.Context, runID string) error {
	r, err := d.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if r.Phase != run.PhaseSubmitted {
		// Duplicate delivery after the submit already landed, or the run
		// was canceled at the gate.
		return nil
	}

	attempt := r.AttemptCount + 1
	sub, err := d.remote.Submit(ctx, r.Query)
	if err != nil {
		return d.handleSubmitFailure(ctx, r, attempt, err)
	}

	now := d.now()
	startPoll := &run.PollState{RunID: r.ID, PollStartedAt: &now}
	patch := run.Patch{
		TargetHandle: &sub.TargetHandle,
		JobHandle:    &sub.JobHandle,
		SubmittedAt:  &now,
		AttemptCount: &attempt,
		PollState:    startPoll,
		ClearError:   true,
	}
	if err := d.store.CompareAndTransition(ctx, r.ID, run.PhaseSubmitted, run.PhaseRunning, patch); err != nil {
		if errors.Is(err, store.ErrPhaseConflict) {
			// Lost to a duplicate delivery or a cancel; the submitted
			// remote job is simply never polled.
			d.logger.Warn("Submission landed on a run that already moved on", "run_id", r.ID)
			return nil
		}
		return err
	}

	if _, err := d.queue.Enqueue(ctx, queue.KindPoll, r.ID, now.Add(d.cfg.InitialPollDelay)); err != nil {
		return fmt.Errorf("enqueue first poll job: %w", err)
	}
	d.events.Publish(events.Event{Type: events.TypeRunStarted, RunID: r.ID, TenantID: r.TenantID})
	d.logger.Info("Run submitted to remote platform", "run_id", r.ID, "attempt", attempt)
	return nil
}

func (d *Driver) handleSubmitFailure(ctx context.Context, r *run.Run, attempt int, cause error) error {
	retryable := remote.Retryable(cause)
	if retryable && attempt < d.cfg.MaxSubmissionAttempts {
		// Exponential backoff between submission attempts: 2^attempt seconds.
		delay := time.Duration(math.Pow(2, float64(attempt))) * time.Second
		patch := run.Patch{
			AttemptCount: &attempt,
			LastError:    run.NewError(run.KindSubmissionRetryable, cause.Error()),
		}
		if err := d.store.CompareAndTransition(ctx, r.ID, run.PhaseSubmitted, run.PhaseSubmitted, patch); err != nil {
			if errors.Is(err, store.ErrPhaseConflict) {
				return nil
			}
			return err
		}
		if _, err := d.queue.Enqueue(ctx, queue.KindExecute, r.ID, d.now().Add(delay)); err != nil {
			return fmt.Errorf("enqueue submission retry: %w", err)
		}
		d.logger.Warn("Submission failed, retrying", "run_id", r.ID, "attempt", attempt, "delay", delay, "error", cause)
		return nil
	}

	kind := run.KindSubmissionFatal
	if retryable {
		kind = run.KindSubmissionRetryable
	}
	now := d.now()
	patch := run.Patch{
		AttemptCount: &attempt,
		LastError:    run.NewError(kind, cause.Error()),
		CompletedAt:  &now,
	}
	if err := d.store.CompareAndTransition(ctx, r.ID, run.PhaseSubmitted, run.PhaseFailed, patch); err != nil {
		if errors.Is(err, store.ErrPhaseConflict) {
			return nil
		}
		return err
	}
	d.events.Publish(events.Event{Type: events.TypeRunFailed, RunID: r.ID, TenantID: r.TenantID, Detail: cause.Error()})
	d.logger.Error("Submission failed permanently", "run_id", r.ID, "attempt", attempt, "error", cause)
	return nil
}
