package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// RunPruner is the store-side half of the sweep; the run store implements it.
type RunPruner interface {
	PruneTerminal(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Sweeper deletes finished jobs and terminal runs past their retention age on
// a cron schedule. Safe to run on every worker: the deletes are idempotent.
type Sweeper struct {
	queue    *Service
	runs     RunPruner
	schedule cron.Schedule
	age      time.Duration
	logger   *slog.Logger
}

func NewSweeper(q *Service, runs RunPruner, cronExpr string, age time.Duration, logger *slog.Logger) (*Sweeper, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid retention cron expression %q: %w", cronExpr, err)
	}
	return &Sweeper{queue: q, runs: runs, schedule: schedule, age: age, logger: logger}, nil
}

func (s *Sweeper) Run(ctx context.Context) {
	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	jobs, err := s.queue.PruneFinished(ctx, s.age)
	if err != nil {
		s.logger.Error("Failed to prune finished jobs", "error", err)
	}
	runs, err := s.runs.PruneTerminal(ctx, s.age)
	if err != nil {
		s.logger.Error("Failed to prune terminal runs", "error", err)
	}
	if jobs > 0 || runs > 0 {
		s.logger.Info("Retention sweep complete", "jobs_removed", jobs, "runs_removed", runs)
	}
}
