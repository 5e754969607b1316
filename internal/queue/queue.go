package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNoJobs = errors.New("no jobs available")

// Service is the durable job queue. Delivery is at-least-once: a crashed
// worker's lease expires and the job is handed out again, so handlers must be
// idempotent or fenced by the run store's compare-and-transition.
type Service struct {
	pool *pgxpool.Pool
}

func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

// Enqueue schedules a job for a run. runAfter in the past means immediately.
func (s *Service) Enqueue(ctx context.Context, kind JobKind, runID string, runAfter time.Time) (int64, error) {
	query := `
		INSERT INTO jobs (kind, run_id, run_after, status)
		VALUES ($1, $2, $3, 'READY')
		RETURNING job_id
	`
	var id int64
	err := s.pool.QueryRow(ctx, query, kind, runID, runAfter).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s job: %w", kind, err)
	}
	return id, nil
}

// Claim selects one due READY job and transitions it to RUNNING under a
// lease. Returns ErrNoJobs when nothing is due.
func (s *Service) Claim(ctx context.Context, workerID string, lease time.Duration) (*Job, error) {
	leasedUntil := time.Now().Add(lease)
	query := `
		WITH candidate AS (
			SELECT job_id
			FROM jobs
			WHERE status = 'READY' AND run_after <= NOW()
			ORDER BY run_after ASC, job_id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs
		SET status = 'RUNNING',
		    attempts = attempts + 1,
		    leased_until = $1,
		    leased_by = $2,
		    updated_at = NOW()
		FROM candidate
		WHERE jobs.job_id = candidate.job_id
		RETURNING jobs.job_id, kind, run_id, status, run_after, attempts, max_attempts,
		          leased_until, leased_by, last_error, enqueued_at, finished_at, updated_at
	`
	var j Job
	err := s.pool.QueryRow(ctx, query, leasedUntil, workerID).Scan(
		&j.ID, &j.Kind, &j.RunID, &j.Status, &j.RunAfter, &j.Attempts, &j.MaxAttempts,
		&j.LeasedUntil, &j.LeasedBy, &j.LastError, &j.EnqueuedAt, &j.FinishedAt, &j.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoJobs
		}
		return nil, err
	}
	return &j, nil
}

// Heartbeat renews the lease. Fails when the lease was lost to reclaim.
func (s *Service) Heartbeat(ctx context.Context, jobID int64, workerID string, lease time.Duration) error {
	query := `
		UPDATE jobs
		SET leased_until = $1, updated_at = NOW()
		WHERE job_id = $2 AND leased_by = $3 AND status = 'RUNNING'
	`
	tag, err := s.pool.Exec(ctx, query, time.Now().Add(lease), jobID, workerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("lease lost for job %d", jobID)
	}
	return nil
}

// Complete marks a job DONE. Fenced on the holder so a reclaimed job cannot
// be finished by its original worker.
func (s *Service) Complete(ctx context.Context, jobID int64, workerID string) error {
	query := `
		UPDATE jobs
		SET status = 'DONE',
		    finished_at = NOW(),
		    leased_until = NULL,
		    leased_by = NULL,
		    updated_at = NOW()
		WHERE job_id = $1 AND leased_by = $2 AND status = 'RUNNING'
	`
	tag, err := s.pool.Exec(ctx, query, jobID, workerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fencing failure completing job %d", jobID)
	}
	return nil
}

// Fail records a handler failure. Jobs with attempts left go back to READY
// after the given delay; the rest end up FAILED (the queue's dead-letter
// state for genuine bugs, not for run-level outcomes).
func (s *Service) Fail(ctx context.Context, jobID int64, workerID string, cause string, retryAfter time.Time) error {
	query := `
		UPDATE jobs
		SET status = CASE WHEN attempts < max_attempts THEN 'READY' ELSE 'FAILED' END,
		    run_after = CASE WHEN attempts < max_attempts THEN $1 ELSE run_after END,
		    finished_at = CASE WHEN attempts < max_attempts THEN NULL ELSE NOW() END,
		    last_error = $2,
		    leased_until = NULL,
		    leased_by = NULL,
		    updated_at = NOW()
		WHERE job_id = $3 AND leased_by = $4 AND status = 'RUNNING'
	`
	tag, err := s.pool.Exec(ctx, query, retryAfter, cause, jobID, workerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fencing failure failing job %d", jobID)
	}
	return nil
}

// Reclaim returns expired-lease jobs to READY, or FAILED once attempts are
// exhausted. Run by every worker on a timer.
func (s *Service) Reclaim(ctx context.Context) (int64, error) {
	query := `
		WITH expired AS (
			SELECT job_id FROM jobs
			WHERE status = 'RUNNING' AND leased_until < NOW()
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs
		SET status = CASE WHEN attempts < max_attempts THEN 'READY' ELSE 'FAILED' END,
		    finished_at = CASE WHEN attempts < max_attempts THEN NULL ELSE NOW() END,
		    last_error = 'lease expired: worker heartbeat lost or process crashed',
		    leased_until = NULL,
		    leased_by = NULL,
		    updated_at = NOW()
		FROM expired
		WHERE jobs.job_id = expired.job_id
	`
	tag, err := s.pool.Exec(ctx, query)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// PruneFinished deletes DONE and FAILED jobs older than the cutoff.
func (s *Service) PruneFinished(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		DELETE FROM jobs
		WHERE status IN ('DONE', 'FAILED')
		  AND updated_at < NOW() - $1::interval
	`
	tag, err := s.pool.Exec(ctx, query, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
