// Package poller drives a run through the remote platform's asynchronous
// lifecycle, one tick per poll job. Each tick reads the current run and poll
// state, makes at most one remote call, computes at most one phase advance,
// persists it through compare-and-transition and reports whether the chain
// should continue.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"dequery/internal/remote"
	"dequery/internal/run"
	"dequery/internal/store"
)

const (
	stageRunning        = "running"
	stageAwaitingRowset = "awaiting_rowset"
	stageProbing        = "probing"
)

// Config holds the tunable polling policy.
type Config struct {
	PollIntervalBase      time.Duration
	PollIntervalJitterPct int
	FastPathTicks         int
	FastPathInterval      time.Duration

	// NotRunningConfirmations is the number of consecutive "not running"
	// status reads required before the reading is trusted.
	NotRunningConfirmations int

	GlobalTimeout      time.Duration
	RunningTimeout     time.Duration
	RowsetReadyTimeout time.Duration
	RowProbeTimeout    time.Duration
}

// RunStore is the slice of the run record store the poller needs. All
// mutations go through CompareAndTransition; the poller never writes a phase
// unconditionally.
type RunStore interface {
	GetRun(ctx context.Context, runID string) (*run.Run, error)
	GetPollState(ctx context.Context, runID string) (*run.PollState, error)
	CompareAndTransition(ctx context.Context, runID string, expected, next run.Phase, patch run.Patch) error
}

type OutcomeKind int

const (
	// OutcomeContinue schedules another tick after Delay.
	OutcomeContinue OutcomeKind = iota
	// OutcomeCompleted hands the target off to the result materializer.
	OutcomeCompleted
	OutcomeFailed
	OutcomeTimedOut
	// OutcomeStop ends the chain without a transition: the run is already
	// terminal, gone, or another handler won the transition race.
	OutcomeStop
)

type Outcome struct {
	Kind         OutcomeKind
	Delay        time.Duration
	TargetHandle string
	Reason       *run.Error
}

type Poller struct {
	cfg    Config
	store  RunStore
	remote remote.Client
	logger *slog.Logger
	now    func() time.Time
}

func New(cfg Config, runs RunStore, client remote.Client, logger *slog.Logger) *Poller {
	return &Poller{
		cfg:    cfg,
		store:  runs,
		remote: client,
		logger: logger,
		now:    time.Now,
	}
}

// Tick executes one polling step for a run. It is safe under at-least-once
// delivery: a duplicate tick either observes fresh state and performs a
// harmless extra observation, or loses the compare-and-transition race and
// stops.
func (p *Poller) Tick(ctx context.Context, runID string) (Outcome, error) {
	r, err := p.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Outcome{Kind: OutcomeStop}, nil
		}
		return Outcome{}, err
	}
	if r.Phase.Terminal() {
		// Covers cooperative cancellation: a cancel sets the phase
		// directly and the next tick exits without mutation.
		return Outcome{Kind: OutcomeStop}, nil
	}

	ps, err := p.store.GetPollState(ctx, runID)
	if err != nil {
		return Outcome{}, err
	}
	now := p.now()
	if ps == nil {
		ps = &run.PollState{RunID: runID, PollStartedAt: &now}
	}
	if ps.PollStartedAt == nil {
		ps.PollStartedAt = &now
	}
	ps.PollCount++

	// The global ceiling wins over any phase-local progress.
	if now.Sub(*ps.PollStartedAt) > p.cfg.GlobalTimeout {
		return p.finalizeTimeout(ctx, r, stageFor(r.Phase), "global timeout exceeded")
	}

	switch r.Phase {
	case run.PhaseRunning, run.PhaseAwaitingCompletion:
		return p.tickStatus(ctx, r, ps, now)
	case run.PhaseAwaitingRowset:
		return p.tickRowset(ctx, r, ps, now)
	case run.PhaseProbing:
		return p.tickProbe(ctx, r, ps, now)
	case run.PhaseSubmitted:
		// The execute job has not transitioned the run yet; check again
		// shortly rather than advancing anything.
		return Outcome{Kind: OutcomeContinue, Delay: p.interval(ps.PollCount)}, nil
	default:
		return Outcome{Kind: OutcomeStop}, nil
	}
}

// tickStatus reads the raw remote status while execution is (believed to be)
// in progress. A single "not running" reading is not trusted; the remote can
// report a transient, self-correcting status, so the reading must hold for K
// consecutive ticks.
func (p *Poller) tickStatus(ctx context.Context, r *run.Run, ps *run.PollState, now time.Time) (Outcome, error) {
	if p.cfg.RunningTimeout > 0 && now.Sub(*ps.PollStartedAt) > p.cfg.RunningTimeout {
		return p.finalizeTimeout(ctx, r, stageRunning, "remote job did not finish in time")
	}

	status, err := p.remote.GetStatus(ctx, r.JobHandle)
	if err != nil {
		return p.missedTick(ctx, r, ps, err)
	}

	next := r.Phase
	if status.State == remote.StatusRunning {
		ps.NotRunningConfirmations = 0
		ps.NotRunningDetectedAt = nil
		next = run.PhaseRunning
	} else {
		debounce := confirmer{Threshold: p.cfg.NotRunningConfirmations}
		streak, detectedAt, trusted := debounce.observe(ps.NotRunningConfirmations, ps.NotRunningDetectedAt, true, now)
		ps.NotRunningConfirmations = streak
		ps.NotRunningDetectedAt = detectedAt

		if trusted {
			if status.Failed {
				return p.finalizeFailed(ctx, r, run.NewError(run.KindRemoteFailed, status.ErrorDetail))
			}
			next = run.PhaseAwaitingRowset
			ps.RowsetStartedAt = &now
		} else {
			next = run.PhaseAwaitingCompletion
		}
	}

	if err := p.transition(ctx, r, next, run.Patch{PollState: ps}); err != nil {
		return p.loseRace(err)
	}
	return Outcome{Kind: OutcomeContinue, Delay: p.interval(ps.PollCount)}, nil
}

// tickRowset waits for the target result object to report itself queryable.
// One positive reading is enough; the ready flag does not flicker in
// practice, and the phase has its own sub-timeout to fail fast if the
// platform never marks the object ready.
func (p *Poller) tickRowset(ctx context.Context, r *run.Run, ps *run.PollState, now time.Time) (Outcome, error) {
	anchor := ps.RowsetStartedAt
	if anchor == nil {
		anchor = ps.PollStartedAt
	}
	if p.cfg.RowsetReadyTimeout > 0 && now.Sub(*anchor) > p.cfg.RowsetReadyTimeout {
		return p.finalizeTimeout(ctx, r, stageAwaitingRowset, "result object never became ready")
	}

	probe, err := p.remote.ProbeRows(ctx, r.TargetHandle)
	if err != nil {
		return p.missedTick(ctx, r, ps, err)
	}

	ps.RowsetReadyAttempts++
	next := r.Phase
	if probe.Ready {
		ps.RowsetReadyDetectedAt = &now
		ps.RowCountHint = probe.RowCountHint
		ps.ProbeStartedAt = &now
		next = run.PhaseProbing
	}

	if err := p.transition(ctx, r, next, run.Patch{PollState: ps}); err != nil {
		return p.loseRace(err)
	}
	return Outcome{Kind: OutcomeContinue, Delay: p.interval(ps.PollCount)}, nil
}

// tickProbe performs an actual row read against the target. The "ready"
// metadata can be true before the remote read path is consistent, so only a
// successful read of actual rows (or an explicitly-expected-empty result)
// completes the run.
func (p *Poller) tickProbe(ctx context.Context, r *run.Run, ps *run.PollState, now time.Time) (Outcome, error) {
	anchor := ps.ProbeStartedAt
	if anchor == nil {
		anchor = ps.PollStartedAt
	}
	if p.cfg.RowProbeTimeout > 0 && now.Sub(*anchor) > p.cfg.RowProbeTimeout {
		return p.finalizeTimeout(ctx, r, stageProbing, "rows never became retrievable")
	}

	page, err := p.remote.FetchRows(ctx, r.TargetHandle, "")
	if err != nil {
		return p.missedTick(ctx, r, ps, err)
	}

	ps.RowProbeAttempts++
	ps.RowProbeLastCheckedAt = &now

	expectEmpty := ps.RowCountHint == 0
	if len(page.Rows) > 0 || expectEmpty {
		// Persist the final probe counters before handing off; the
		// materializer performs the Probing -> Completed transition once
		// rows are durably stored.
		if err := p.transition(ctx, r, run.PhaseProbing, run.Patch{PollState: ps}); err != nil {
			return p.loseRace(err)
		}
		return Outcome{Kind: OutcomeCompleted, TargetHandle: r.TargetHandle}, nil
	}

	// Ready flag is up but the read came back empty with rows expected:
	// read-your-writes lag. Keep probing.
	if err := p.transition(ctx, r, run.PhaseProbing, run.Patch{PollState: ps}); err != nil {
		return p.loseRace(err)
	}
	return Outcome{Kind: OutcomeContinue, Delay: p.interval(ps.PollCount)}, nil
}

// missedTick handles a transport failure during a tick: it neither advances
// nor fails the phase and no confirmation counter moves. Only the tick count
// is persisted; the global timeout clock keeps running on its own.
func (p *Poller) missedTick(ctx context.Context, r *run.Run, ps *run.PollState, cause error) (Outcome, error) {
	p.logger.Warn("Poll tick missed remote call", "run_id", r.ID, "phase", r.Phase, "error", cause)
	if err := p.transition(ctx, r, r.Phase, run.Patch{PollState: ps}); err != nil {
		return p.loseRace(err)
	}
	return Outcome{Kind: OutcomeContinue, Delay: p.interval(ps.PollCount)}, nil
}

func (p *Poller) finalizeFailed(ctx context.Context, r *run.Run, cause *run.Error) (Outcome, error) {
	now := p.now()
	patch := run.Patch{LastError: cause, CompletedAt: &now}
	if err := p.transition(ctx, r, run.PhaseFailed, patch); err != nil {
		return p.loseRace(err)
	}
	p.logger.Info("Run failed", "run_id", r.ID, "kind", cause.Kind, "detail", cause.Message)
	return Outcome{Kind: OutcomeFailed, Reason: cause}, nil
}

func (p *Poller) finalizeTimeout(ctx context.Context, r *run.Run, stage, detail string) (Outcome, error) {
	now := p.now()
	cause := run.NewStageError(run.KindTimeout, stage, detail)
	patch := run.Patch{LastError: cause, CompletedAt: &now}
	if err := p.transition(ctx, r, run.PhaseTimedOut, patch); err != nil {
		return p.loseRace(err)
	}
	p.logger.Info("Run timed out", "run_id", r.ID, "stage", stage)
	return Outcome{Kind: OutcomeTimedOut, Reason: cause}, nil
}

func (p *Poller) transition(ctx context.Context, r *run.Run, next run.Phase, patch run.Patch) error {
	return p.store.CompareAndTransition(ctx, r.ID, r.Phase, next, patch)
}

// loseRace converts a compare-and-transition conflict into a clean stop:
// some other delivery already applied a transition for this run.
func (p *Poller) loseRace(err error) (Outcome, error) {
	if errors.Is(err, store.ErrPhaseConflict) {
		return Outcome{Kind: OutcomeStop}, nil
	}
	return Outcome{}, err
}

func stageFor(phase run.Phase) string {
	switch phase {
	case run.PhaseAwaitingRowset:
		return stageAwaitingRowset
	case run.PhaseProbing:
		return stageProbing
	default:
		return stageRunning
	}
}
