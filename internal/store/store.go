package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dequery/internal/run"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("run not found")
	// ErrPhaseConflict means the stored phase no longer matches the expected
	// phase. Duplicate job deliveries land here and must treat it as a no-op.
	ErrPhaseConflict = errors.New("phase conflict")
)

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

const runColumns = `
	run_id, tenant_id, user_id, query, idempotency_key,
	target_handle, job_handle, phase, attempt_count,
	row_count, page_count, error_kind, error_message, error_stage,
	created_at, submitted_at, completed_at, updated_at
`

// CreateRun inserts a new run in SUBMITTED phase, or returns the existing
// non-terminal run for the same tenant and idempotency key. The second return
// value reports whether a new run was created.
func (s *Store) CreateRun(ctx context.Context, req run.Request) (*run.Run, bool, error) {
	id := run.NewID()
	query := `
		INSERT INTO runs (run_id, tenant_id, user_id, query, idempotency_key, phase)
		VALUES ($1, $2, $3, $4, $5, 'SUBMITTED')
		ON CONFLICT (tenant_id, idempotency_key)
			WHERE phase NOT IN ('COMPLETED', 'FAILED', 'TIMED_OUT', 'CANCELED')
			DO NOTHING
		RETURNING run_id
	`
	var insertedID string
	err := s.pool.QueryRow(ctx, query, id, req.TenantID, req.UserID, req.Query, req.IdempotencyKey).Scan(&insertedID)
	if err == nil {
		r, getErr := s.GetRun(ctx, insertedID)
		return r, true, getErr
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	existing, err := s.FindActiveRun(ctx, req.TenantID, req.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// FindActiveRun returns the non-terminal run for an idempotency key, or
// ErrNotFound.
func (s *Store) FindActiveRun(ctx context.Context, tenantID, idempotencyKey string) (*run.Run, error) {
	query := `
		SELECT ` + runColumns + `
		FROM runs
		WHERE tenant_id = $1 AND idempotency_key = $2
		  AND phase NOT IN ('COMPLETED', 'FAILED', 'TIMED_OUT', 'CANCELED')
		ORDER BY created_at DESC
		LIMIT 1
	`
	return s.scanRun(s.pool.QueryRow(ctx, query, tenantID, idempotencyKey))
}

func (s *Store) GetRun(ctx context.Context, runID string) (*run.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE run_id = $1`
	return s.scanRun(s.pool.QueryRow(ctx, query, runID))
}

// GetPollState loads the poll progress row for an active run. Returns nil
// without error when the run has no poll state yet.
func (s *Store) GetPollState(ctx context.Context, runID string) (*run.PollState, error) {
	query := `
		SELECT run_id, poll_count, poll_started_at,
		       not_running_confirmations, not_running_detected_at,
		       rowset_ready_attempts, rowset_started_at, rowset_ready_detected_at,
		       row_count_hint, row_probe_attempts, probe_started_at, row_probe_last_checked_at
		FROM run_poll_state
		WHERE run_id = $1
	`
	var ps run.PollState
	err := s.pool.QueryRow(ctx, query, runID).Scan(
		&ps.RunID, &ps.PollCount, &ps.PollStartedAt,
		&ps.NotRunningConfirmations, &ps.NotRunningDetectedAt,
		&ps.RowsetReadyAttempts, &ps.RowsetStartedAt, &ps.RowsetReadyDetectedAt,
		&ps.RowCountHint, &ps.RowProbeAttempts, &ps.ProbeStartedAt, &ps.RowProbeLastCheckedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &ps, nil
}

// CompareAndTransition applies a phase transition and patch in one atomic
// step, fenced on the expected prior phase. A stale expectation returns
// ErrPhaseConflict and changes nothing; this is what makes duplicate job
// deliveries safe. Poll state is upserted from the patch and dropped when the
// next phase is terminal.
func (s *Store) CompareAndTransition(ctx context.Context, runID string, expected, next run.Phase, patch run.Patch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE runs
		SET phase = $3,
		    target_handle = COALESCE($4, target_handle),
		    job_handle = COALESCE($5, job_handle),
		    submitted_at = COALESCE($6, submitted_at),
		    completed_at = COALESCE($7, completed_at),
		    attempt_count = COALESCE($8, attempt_count),
		    row_count = COALESCE($9, row_count),
		    page_count = COALESCE($10, page_count),
		    error_kind = CASE WHEN $14 THEN NULL ELSE COALESCE($11, error_kind) END,
		    error_message = CASE WHEN $14 THEN NULL ELSE COALESCE($12, error_message) END,
		    error_stage = CASE WHEN $14 THEN NULL ELSE COALESCE($13, error_stage) END,
		    updated_at = NOW()
		WHERE run_id = $1 AND phase = $2
	`
	var errKind, errMsg, errStage *string
	if patch.LastError != nil {
		k := string(patch.LastError.Kind)
		errKind, errMsg, errStage = &k, &patch.LastError.Message, &patch.LastError.Stage
	}
	tag, err := tx.Exec(ctx, query,
		runID, expected, next,
		patch.TargetHandle, patch.JobHandle,
		patch.SubmittedAt, patch.CompletedAt,
		patch.AttemptCount, patch.RowCount, patch.PageCount,
		errKind, errMsg, errStage, patch.ClearError,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPhaseConflict
	}

	if next.Terminal() {
		if _, err := tx.Exec(ctx, `DELETE FROM run_poll_state WHERE run_id = $1`, runID); err != nil {
			return err
		}
	} else if patch.PollState != nil {
		ps := patch.PollState
		upsert := `
			INSERT INTO run_poll_state (
				run_id, poll_count, poll_started_at,
				not_running_confirmations, not_running_detected_at,
				rowset_ready_attempts, rowset_started_at, rowset_ready_detected_at,
				row_count_hint, row_probe_attempts, probe_started_at, row_probe_last_checked_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (run_id) DO UPDATE SET
				poll_count = EXCLUDED.poll_count,
				poll_started_at = EXCLUDED.poll_started_at,
				not_running_confirmations = EXCLUDED.not_running_confirmations,
				not_running_detected_at = EXCLUDED.not_running_detected_at,
				rowset_ready_attempts = EXCLUDED.rowset_ready_attempts,
				rowset_started_at = EXCLUDED.rowset_started_at,
				rowset_ready_detected_at = EXCLUDED.rowset_ready_detected_at,
				row_count_hint = EXCLUDED.row_count_hint,
				row_probe_attempts = EXCLUDED.row_probe_attempts,
				probe_started_at = EXCLUDED.probe_started_at,
				row_probe_last_checked_at = EXCLUDED.row_probe_last_checked_at
		`
		_, err = tx.Exec(ctx, upsert,
			runID, ps.PollCount, ps.PollStartedAt,
			ps.NotRunningConfirmations, ps.NotRunningDetectedAt,
			ps.RowsetReadyAttempts, ps.RowsetStartedAt, ps.RowsetReadyDetectedAt,
			ps.RowCountHint, ps.RowProbeAttempts, ps.ProbeStartedAt, ps.RowProbeLastCheckedAt,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// Cancel marks a non-terminal run CANCELED. Cancellation is cooperative: the
// next poll tick observes the phase and stops. Returns false when the run was
// already terminal.
func (s *Store) Cancel(ctx context.Context, runID string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE runs
		SET phase = 'CANCELED',
		    error_kind = 'canceled',
		    error_message = 'canceled by user request',
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE run_id = $1
		  AND phase NOT IN ('COMPLETED', 'FAILED', 'TIMED_OUT', 'CANCELED')
	`
	tag, err := tx.Exec(ctx, query, runID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, tx.Commit(ctx)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM run_poll_state WHERE run_id = $1`, runID); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

// SaveResultPage persists one materialized page. Idempotent on (run, page).
func (s *Store) SaveResultPage(ctx context.Context, runID string, pageNo int, rows []json.RawMessage) error {
	payload, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("encode page rows: %w", err)
	}
	query := `
		INSERT INTO result_pages (run_id, page_no, rows, created_at)
		VALUES ($1, $2, $3::jsonb, NOW())
		ON CONFLICT (run_id, page_no) DO UPDATE SET rows = EXCLUDED.rows
	`
	_, err = s.pool.Exec(ctx, query, runID, pageNo, payload)
	return err
}

// GetResultPage returns one page of materialized rows, or ErrNotFound.
func (s *Store) GetResultPage(ctx context.Context, runID string, pageNo int) ([]json.RawMessage, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT rows FROM result_pages WHERE run_id = $1 AND page_no = $2`,
		runID, pageNo).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(payload, &rows); err != nil {
		return nil, fmt.Errorf("decode page rows: %w", err)
	}
	return rows, nil
}

// PruneTerminal deletes terminal runs older than the cutoff along with their
// result pages. Returns the number of runs removed.
func (s *Store) PruneTerminal(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		WITH victims AS (
			SELECT run_id FROM runs
			WHERE phase IN ('COMPLETED', 'FAILED', 'TIMED_OUT', 'CANCELED')
			  AND updated_at < NOW() - $1::interval
		),
		_pages AS (
			DELETE FROM result_pages WHERE run_id IN (SELECT run_id FROM victims)
		)
		DELETE FROM runs WHERE run_id IN (SELECT run_id FROM victims)
	`
	tag, err := s.pool.Exec(ctx, query, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) scanRun(row pgx.Row) (*run.Run, error) {
	var r run.Run
	var targetHandle, jobHandle *string
	var errKind, errMsg, errStage *string
	err := row.Scan(
		&r.ID, &r.TenantID, &r.UserID, &r.Query, &r.IdempotencyKey,
		&targetHandle, &jobHandle, &r.Phase, &r.AttemptCount,
		&r.RowCount, &r.PageCount, &errKind, &errMsg, &errStage,
		&r.CreatedAt, &r.SubmittedAt, &r.CompletedAt, &r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if targetHandle != nil {
		r.TargetHandle = *targetHandle
	}
	if jobHandle != nil {
		r.JobHandle = *jobHandle
	}
	if errKind != nil {
		r.LastError = &run.Error{Kind: run.ErrorKind(*errKind)}
		if errMsg != nil {
			r.LastError.Message = *errMsg
		}
		if errStage != nil {
			r.LastError.Stage = *errStage
		}
	}
	return &r, nil
}
