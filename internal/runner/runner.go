// Package runner is the worker loop: it claims jobs from the durable queue,
// dispatches them to the driver, poller or materializer, and keeps leases
// alive while a job is in flight.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dequery/internal/config"
	"dequery/internal/events"
	"dequery/internal/poller"
	"dequery/internal/queue"
	"dequery/internal/run"

	"github.com/jackc/pgx/v5/pgxpool"
)

// JobQueue is the queue surface the runner consumes.
type JobQueue interface {
	Claim(ctx context.Context, workerID string, lease time.Duration) (*queue.Job, error)
	Heartbeat(ctx context.Context, jobID int64, workerID string, lease time.Duration) error
	Complete(ctx context.Context, jobID int64, workerID string) error
	Fail(ctx context.Context, jobID int64, workerID string, cause string, retryAfter time.Time) error
	Enqueue(ctx context.Context, kind queue.JobKind, runID string, runAfter time.Time) (int64, error)
	Reclaim(ctx context.Context) (int64, error)
}

// ExecuteHandler consumes execute jobs (the driver).
type ExecuteHandler interface {
	HandleExecuteJob(ctx context.Context, runID string) error
}

// TickHandler consumes poll jobs (the polling state machine).
type TickHandler interface {
	Tick(ctx context.Context, runID string) (poller.Outcome, error)
}

// ResultMaterializer persists rows once a probe confirms them retrievable.
type ResultMaterializer interface {
	Materialize(ctx context.Context, runID, targetHandle string) error
}

type RunReader interface {
	GetRun(ctx context.Context, runID string) (*run.Run, error)
}

type Runner struct {
	cfg          *config.Config
	queue        JobQueue
	driver       ExecuteHandler
	poller       TickHandler
	materializer ResultMaterializer
	runs         RunReader
	events       events.Publisher
	logger       *slog.Logger
	wg           sync.WaitGroup
	slots        chan struct{}
}

func New(cfg *config.Config, q JobQueue, d ExecuteHandler, p TickHandler, m ResultMaterializer, runs RunReader, pub events.Publisher, logger *slog.Logger) *Runner {
	if pub == nil {
		pub = events.NoopPublisher{}
	}
	concurrency := cfg.MaxConcurrency
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Runner{
		cfg:          cfg,
		queue:        q,
		driver:       d,
		poller:       p,
		materializer: m,
		runs:         runs,
		events:       pub,
		logger:       logger,
		slots:        make(chan struct{}, concurrency),
	}
}

// Start runs the claim loop until the context is canceled, then waits for
// in-flight jobs to finish.
func (r *Runner) Start(ctx context.Context) error {
	r.logger.Info("Starting worker runner", "worker_id", r.cfg.WorkerID, "concurrency", cap(r.slots))

	go r.runReaper(ctx)

	backoff := r.cfg.ClaimMinBackoff
	for {
		if ctx.Err() != nil {
			break
		}

		claimed, err := r.claimOne(ctx)
		if err != nil {
			r.logger.Error("Error claiming job", "error", err)
			backoff = r.widen(backoff)
		} else if claimed {
			backoff = r.cfg.ClaimMinBackoff
			continue
		} else {
			backoff = r.widen(backoff)
		}

		select {
		case <-ctx.Done():
		case <-time.After(backoff):
		}
	}

	r.logger.Info("Worker received shutdown signal, waiting for jobs to finish")
	r.wg.Wait()
	r.logger.Info("All jobs finished")
	return nil
}

func (r *Runner) widen(backoff time.Duration) time.Duration {
	backoff *= 2
	if backoff > r.cfg.ClaimMaxBackoff {
		backoff = r.cfg.ClaimMaxBackoff
	}
	if backoff < r.cfg.ClaimMinBackoff {
		backoff = r.cfg.ClaimMinBackoff
	}
	return backoff
}

func (r *Runner) claimOne(ctx context.Context) (bool, error) {
	select {
	case r.slots <- struct{}{}:
	case <-ctx.Done():
		return false, nil
	}

	start := time.Now()
	job, err := r.queue.Claim(ctx, r.cfg.WorkerID, r.cfg.LeaseDuration)
	if err != nil {
		<-r.slots
		if errors.Is(err, queue.ErrNoJobs) {
			return false, nil
		}
		return false, err
	}
	claimDuration.Observe(time.Since(start).Seconds())
	jobsClaimed.WithLabelValues(string(job.Kind)).Inc()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() { <-r.slots }()
		r.runJob(ctx, job)
	}()
	return true, nil
}

func (r *Runner) runJob(ctx context.Context, job *queue.Job) {
	logger := r.logger.With("job_id", job.ID, "kind", job.Kind, "run_id", job.RunID)

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go r.runHeartbeat(hbCtx, job.ID)

	// Completion writes get their own context so a shutdown mid-job still
	// records the result.
	finishCtx, finishCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer finishCancel()

	var err error
	switch job.Kind {
	case queue.KindExecute:
		err = r.driver.HandleExecuteJob(ctx, job.RunID)
	case queue.KindPoll:
		err = r.runPollJob(ctx, job)
	default:
		err = fmt.Errorf("unknown job kind %q", job.Kind)
	}
	hbCancel()

	if err != nil {
		jobFailures.Inc()
		logger.Error("Job handler failed", "error", err)
		retryAfter := time.Now().Add(r.cfg.ClaimMaxBackoff)
		if failErr := r.queue.Fail(finishCtx, job.ID, r.cfg.WorkerID, err.Error(), retryAfter); failErr != nil {
			logger.Error("Failed to record job failure", "error", failErr)
		}
		return
	}

	if err := r.queue.Complete(finishCtx, job.ID, r.cfg.WorkerID); err != nil {
		logger.Error("Failed to mark job done", "error", err)
	}
}

// runPollJob executes one tick and acts on the outcome. The next poll job is
// enqueued only after the tick's transition has been durably persisted, which
// keeps ticks logically sequential per run.
func (r *Runner) runPollJob(ctx context.Context, job *queue.Job) error {
	current, err := r.runs.GetRun(ctx, job.RunID)
	if err == nil {
		pollTicks.WithLabelValues(string(current.Phase)).Inc()
	}

	start := time.Now()
	outcome, err := r.poller.Tick(ctx, job.RunID)
	tickDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}

	switch outcome.Kind {
	case poller.OutcomeContinue:
		if _, err := r.queue.Enqueue(ctx, queue.KindPoll, job.RunID, time.Now().Add(outcome.Delay)); err != nil {
			return fmt.Errorf("re-enqueue poll job: %w", err)
		}
	case poller.OutcomeCompleted:
		if err := r.materializer.Materialize(ctx, job.RunID, outcome.TargetHandle); err != nil {
			return err
		}
		runsFinished.WithLabelValues("completed").Inc()
	case poller.OutcomeFailed:
		runsFinished.WithLabelValues("failed").Inc()
		r.publishTerminal(events.TypeRunFailed, job.RunID, outcome.Reason)
	case poller.OutcomeTimedOut:
		runsFinished.WithLabelValues("timed_out").Inc()
		r.publishTerminal(events.TypeRunTimedOut, job.RunID, outcome.Reason)
	case poller.OutcomeStop:
		// Terminal, canceled, or lost the transition race: chain ends.
	}
	return nil
}

func (r *Runner) publishTerminal(eventType, runID string, reason *run.Error) {
	detail := ""
	if reason != nil {
		detail = reason.Error()
	}
	r.events.Publish(events.Event{Type: eventType, RunID: runID, Detail: detail, WorkerID: r.cfg.WorkerID})
}

func (r *Runner) runHeartbeat(ctx context.Context, jobID int64) {
	interval := r.cfg.LeaseDuration / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.queue.Heartbeat(ctx, jobID, r.cfg.WorkerID, r.cfg.LeaseDuration); err != nil {
				r.logger.Error("Heartbeat failed", "job_id", jobID, "error", err)
			}
		}
	}
}

func (r *Runner) runReaper(ctx context.Context) {
	if r.cfg.ReclaimInterval <= 0 {
		return
	}
	ticker := time.NewTicker(r.cfg.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := r.queue.Reclaim(ctx)
			if err != nil {
				r.logger.Error("Failed to reclaim expired leases", "error", err)
			} else if count > 0 {
				leasesReclaimed.Add(float64(count))
				r.logger.Info("Reclaimed expired leases", "count", count)
			}
		}
	}
}

// ReportPoolStats feeds DB pool gauges on a timer until ctx is canceled.
func ReportPoolStats(ctx context.Context, pool *pgxpool.Pool, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := pool.Stat()
			DBPoolConnectionsInUse.Set(float64(stats.AcquiredConns()))
			DBPoolIdleConnections.Set(float64(stats.IdleConns()))
		}
	}
}
