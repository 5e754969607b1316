package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		run_id          TEXT PRIMARY KEY,
		tenant_id       TEXT NOT NULL,
		user_id         TEXT NOT NULL,
		query           TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		target_handle   TEXT,
		job_handle      TEXT,
		phase           TEXT NOT NULL DEFAULT 'SUBMITTED',
		attempt_count   INT NOT NULL DEFAULT 0,
		row_count       BIGINT NOT NULL DEFAULT 0,
		page_count      INT NOT NULL DEFAULT 0,
		error_kind      TEXT,
		error_message   TEXT,
		error_stage     TEXT,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		submitted_at    TIMESTAMPTZ,
		completed_at    TIMESTAMPTZ,
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS runs_active_idempotency
		ON runs (tenant_id, idempotency_key)
		WHERE phase NOT IN ('COMPLETED', 'FAILED', 'TIMED_OUT', 'CANCELED')`,
	`CREATE INDEX IF NOT EXISTS runs_phase_updated ON runs (phase, updated_at)`,
	`CREATE TABLE IF NOT EXISTS run_poll_state (
		run_id                    TEXT PRIMARY KEY REFERENCES runs (run_id) ON DELETE CASCADE,
		poll_count                INT NOT NULL DEFAULT 0,
		poll_started_at           TIMESTAMPTZ,
		not_running_confirmations INT NOT NULL DEFAULT 0,
		not_running_detected_at   TIMESTAMPTZ,
		rowset_ready_attempts     INT NOT NULL DEFAULT 0,
		rowset_started_at         TIMESTAMPTZ,
		rowset_ready_detected_at  TIMESTAMPTZ,
		row_count_hint            BIGINT NOT NULL DEFAULT 0,
		row_probe_attempts        INT NOT NULL DEFAULT 0,
		probe_started_at          TIMESTAMPTZ,
		row_probe_last_checked_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		job_id       BIGSERIAL PRIMARY KEY,
		kind         TEXT NOT NULL,
		run_id       TEXT NOT NULL,
		status       TEXT NOT NULL DEFAULT 'READY',
		run_after    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		attempts     INT NOT NULL DEFAULT 0,
		max_attempts INT NOT NULL DEFAULT 5,
		leased_until TIMESTAMPTZ,
		leased_by    TEXT,
		last_error   TEXT,
		enqueued_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		finished_at  TIMESTAMPTZ,
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS jobs_claim ON jobs (status, run_after)`,
	`CREATE INDEX IF NOT EXISTS jobs_run ON jobs (run_id)`,
	`CREATE TABLE IF NOT EXISTS result_pages (
		run_id     TEXT NOT NULL REFERENCES runs (run_id) ON DELETE CASCADE,
		page_no    INT NOT NULL,
		rows       JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (run_id, page_no)
	)`,
}

// EnsureSchema creates the tables this service owns. Statements are
// idempotent so every process can run it at startup.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
