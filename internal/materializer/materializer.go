// Package materializer turns a confirmed remote result into durable pages.
// It runs in the tail of the poll job whose probe succeeded and performs the
// single Probing -> Completed transition once every page is persisted.
package materializer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dequery/internal/events"
	"dequery/internal/remote"
	"dequery/internal/run"
	"dequery/internal/store"
)

type Config struct {
	// PageFetchRetries bounds how many times a single page fetch is retried
	// before the run is failed with a retrieval error.
	PageFetchRetries int
	RetryDelay       time.Duration
}

type RunStore interface {
	CompareAndTransition(ctx context.Context, runID string, expected, next run.Phase, patch run.Patch) error
	SaveResultPage(ctx context.Context, runID string, pageNo int, rows []json.RawMessage) error
}

type Materializer struct {
	cfg    Config
	store  RunStore
	remote remote.Client
	events events.Publisher
	logger *slog.Logger
	now    func() time.Time
	sleep  func(time.Duration)
}

func New(cfg Config, runs RunStore, client remote.Client, pub events.Publisher, logger *slog.Logger) *Materializer {
	if pub == nil {
		pub = events.NoopPublisher{}
	}
	return &Materializer{
		cfg:    cfg,
		store:  runs,
		remote: client,
		events: pub,
		logger: logger,
		now:    time.Now,
		sleep:  time.Sleep,
	}
}

// Materialize pages through the target and persists every page, then marks
// the run COMPLETED. Idempotent: pages upsert, and a duplicate invocation
// loses the final compare-and-transition without harm. Retrieval failures are
// reported with their own error kind because the query itself succeeded and
// re-running only the materialization step is meaningful.
func (m *Materializer) Materialize(ctx context.Context, runID, targetHandle string) error {
	var (
		pageToken string
		pageNo    int
		rowCount  int64
	)

	for {
		page, err := m.fetchPage(ctx, targetHandle, pageToken)
		if err != nil {
			return m.failRetrieval(ctx, runID, pageNo, err)
		}

		if len(page.Rows) > 0 || pageNo == 0 {
			if err := m.store.SaveResultPage(ctx, runID, pageNo, page.Rows); err != nil {
				return fmt.Errorf("persist page %d: %w", pageNo, err)
			}
			rowCount += int64(len(page.Rows))
			pageNo++
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	now := m.now()
	patch := run.Patch{
		CompletedAt: &now,
		RowCount:    &rowCount,
		PageCount:   &pageNo,
		ClearError:  true,
	}
	if err := m.store.CompareAndTransition(ctx, runID, run.PhaseProbing, run.PhaseCompleted, patch); err != nil {
		if errors.Is(err, store.ErrPhaseConflict) {
			return nil
		}
		return err
	}

	m.events.Publish(events.Event{Type: events.TypeRunCompleted, RunID: runID, Detail: fmt.Sprintf("%d rows in %d pages", rowCount, pageNo)})
	m.logger.Info("Run materialized", "run_id", runID, "rows", rowCount, "pages", pageNo)
	return nil
}

func (m *Materializer) fetchPage(ctx context.Context, targetHandle, pageToken string) (*remote.RowPage, error) {
	var lastErr error
	attempts := m.cfg.PageFetchRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		page, err := m.remote.FetchRows(ctx, targetHandle, pageToken)
		if err == nil {
			return page, nil
		}
		lastErr = err
		if !remote.Retryable(err) {
			break
		}
		if i < attempts-1 && m.cfg.RetryDelay > 0 {
			m.sleep(m.cfg.RetryDelay)
		}
	}
	return nil, lastErr
}

func (m *Materializer) failRetrieval(ctx context.Context, runID string, pageNo int, cause error) error {
	now := m.now()
	runErr := run.NewError(run.KindResultRetrieval, fmt.Sprintf("page %d: %v", pageNo, cause))
	patch := run.Patch{LastError: runErr, CompletedAt: &now}
	if err := m.store.CompareAndTransition(ctx, runID, run.PhaseProbing, run.PhaseFailed, patch); err != nil {
		if errors.Is(err, store.ErrPhaseConflict) {
			return nil
		}
		return err
	}
	m.events.Publish(events.Event{Type: events.TypeRunFailed, RunID: runID, Detail: runErr.Message})
	m.logger.Error("Result retrieval failed", "run_id", runID, "page", pageNo, "error", cause)
	return nil
}
