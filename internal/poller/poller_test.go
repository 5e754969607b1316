package poller

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"dequery/internal/remote"
	"dequery/internal/run"
	"dequery/internal/store"
)

type fakeStore struct {
	runs        map[string]*run.Run
	states      map[string]*run.PollState
	conflictOn  run.Phase
	transitions []run.Phase
}

func newFakeStore(r *run.Run) *fakeStore {
	return &fakeStore{
		runs:   map[string]*run.Run{r.ID: r},
		states: map[string]*run.PollState{},
	}
}

func (f *fakeStore) GetRun(ctx context.Context, runID string) (*run.Run, error) {
	r, ok := f.runs[runID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *r
	return &copied, nil
}

func (f *fakeStore) GetPollState(ctx context.Context, runID string) (*run.PollState, error) {
	ps, ok := f.states[runID]
	if !ok {
		return nil, nil
	}
	copied := *ps
	return &copied, nil
}

func (f *fakeStore) CompareAndTransition(ctx context.Context, runID string, expected, next run.Phase, patch run.Patch) error {
	r, ok := f.runs[runID]
	if !ok || r.Phase != expected {
		return store.ErrPhaseConflict
	}
	if next == f.conflictOn {
		return store.ErrPhaseConflict
	}
	r.Phase = next
	if patch.LastError != nil {
		r.LastError = patch.LastError
	}
	if patch.CompletedAt != nil {
		r.CompletedAt = patch.CompletedAt
	}
	if next.Terminal() {
		delete(f.states, runID)
	} else if patch.PollState != nil {
		copied := *patch.PollState
		f.states[runID] = &copied
	}
	f.transitions = append(f.transitions, next)
	return nil
}

// scriptedRemote replays canned responses in order, one per call.
type scriptedRemote struct {
	statuses []any // *remote.RawStatus or error
	probes   []any // *remote.RowProbe or error
	pages    []any // *remote.RowPage or error
	calls    int
}

func (s *scriptedRemote) Submit(ctx context.Context, query string) (*remote.Submission, error) {
	return nil, errors.New("unexpected Submit")
}

func (s *scriptedRemote) GetStatus(ctx context.Context, jobHandle string) (*remote.RawStatus, error) {
	s.calls++
	if len(s.statuses) == 0 {
		return nil, errors.New("status script exhausted")
	}
	next := s.statuses[0]
	s.statuses = s.statuses[1:]
	if err, ok := next.(error); ok {
		return nil, err
	}
	return next.(*remote.RawStatus), nil
}

func (s *scriptedRemote) ProbeRows(ctx context.Context, targetHandle string) (*remote.RowProbe, error) {
	s.calls++
	if len(s.probes) == 0 {
		return nil, errors.New("probe script exhausted")
	}
	next := s.probes[0]
	s.probes = s.probes[1:]
	if err, ok := next.(error); ok {
		return nil, err
	}
	return next.(*remote.RowProbe), nil
}

func (s *scriptedRemote) FetchRows(ctx context.Context, targetHandle, pageToken string) (*remote.RowPage, error) {
	s.calls++
	if len(s.pages) == 0 {
		return nil, errors.New("page script exhausted")
	}
	next := s.pages[0]
	s.pages = s.pages[1:]
	if err, ok := next.(error); ok {
		return nil, err
	}
	return next.(*remote.RowPage), nil
}

func testConfig() Config {
	return Config{
		PollIntervalBase:        2 * time.Second,
		NotRunningConfirmations: 2,
		GlobalTimeout:           30 * time.Minute,
		RunningTimeout:          25 * time.Minute,
		RowsetReadyTimeout:      5 * time.Minute,
		RowProbeTimeout:         5 * time.Minute,
	}
}

func newTestPoller(cfg Config, st RunStore, client remote.Client) *Poller {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := New(cfg, st, client, logger)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	p.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return p
}

func runningRun() *run.Run {
	return &run.Run{
		ID:           "run-1",
		TenantID:     "t1",
		Phase:        run.PhaseRunning,
		TargetHandle: "de-1",
		JobHandle:    "job-1",
	}
}

func statusRunning() *remote.RawStatus {
	return &remote.RawStatus{State: remote.StatusRunning}
}

func statusNotRunning() *remote.RawStatus {
	return &remote.RawStatus{State: remote.StatusNotRunning}
}

func TestHappyPathCompletesAfterConfirmedCompletion(t *testing.T) {
	st := newFakeStore(runningRun())
	client := &scriptedRemote{
		statuses: []any{statusRunning(), statusRunning(), statusNotRunning(), statusNotRunning()},
		probes:   []any{&remote.RowProbe{Ready: true, RowCountHint: 3}},
		pages:    []any{&remote.RowPage{Rows: rows(3)}},
	}
	p := newTestPoller(testConfig(), st, client)

	ctx := context.Background()
	wantPhases := []run.Phase{
		run.PhaseRunning,
		run.PhaseRunning,
		run.PhaseAwaitingCompletion,
		run.PhaseAwaitingRowset,
		run.PhaseProbing,
	}
	for i, want := range wantPhases {
		outcome, err := p.Tick(ctx, "run-1")
		if err != nil {
			t.Fatalf("tick %d: unexpected error: %v", i, err)
		}
		if outcome.Kind != OutcomeContinue {
			t.Fatalf("tick %d: expected continue, got %v", i, outcome.Kind)
		}
		if got := st.runs["run-1"].Phase; got != want {
			t.Fatalf("tick %d: expected phase %s, got %s", i, want, got)
		}
	}

	outcome, err := p.Tick(ctx, "run-1")
	if err != nil {
		t.Fatalf("final tick: unexpected error: %v", err)
	}
	if outcome.Kind != OutcomeCompleted {
		t.Fatalf("expected completed outcome, got %v", outcome.Kind)
	}
	if outcome.TargetHandle != "de-1" {
		t.Fatalf("expected target handle de-1, got %q", outcome.TargetHandle)
	}
	if got := st.states["run-1"].RowProbeAttempts; got != 1 {
		t.Fatalf("expected exactly 1 row probe attempt, got %d", got)
	}
	// The final transition belongs to the materializer; the poller leaves the
	// run in PROBING.
	if got := st.runs["run-1"].Phase; got != run.PhaseProbing {
		t.Fatalf("expected run still probing, got %s", got)
	}
}

func TestNotRunningFlickerResetsConfirmation(t *testing.T) {
	st := newFakeStore(runningRun())
	client := &scriptedRemote{
		statuses: []any{statusNotRunning(), statusRunning(), statusNotRunning(), statusNotRunning()},
	}
	p := newTestPoller(testConfig(), st, client)
	ctx := context.Background()

	wantStreaks := []int{1, 0, 1}
	for i, want := range wantStreaks {
		if _, err := p.Tick(ctx, "run-1"); err != nil {
			t.Fatalf("tick %d: unexpected error: %v", i, err)
		}
		if got := st.states["run-1"].NotRunningConfirmations; got != want {
			t.Fatalf("tick %d: expected streak %d, got %d", i, want, got)
		}
	}

	if _, err := p.Tick(ctx, "run-1"); err != nil {
		t.Fatalf("confirming tick: unexpected error: %v", err)
	}
	if got := st.runs["run-1"].Phase; got != run.PhaseAwaitingRowset {
		t.Fatalf("expected AWAITING_ROWSET after confirmation, got %s", got)
	}
}

func TestConfirmedRemoteFailure(t *testing.T) {
	st := newFakeStore(runningRun())
	failed := &remote.RawStatus{State: remote.StatusNotRunning, Failed: true, ErrorDetail: "syntax error near SELECT"}
	client := &scriptedRemote{statuses: []any{failed, failed}}
	p := newTestPoller(testConfig(), st, client)
	ctx := context.Background()

	if _, err := p.Tick(ctx, "run-1"); err != nil {
		t.Fatalf("first tick: unexpected error: %v", err)
	}
	// One failed reading alone must not fail the run.
	if got := st.runs["run-1"].Phase; got != run.PhaseAwaitingCompletion {
		t.Fatalf("expected AWAITING_COMPLETION after one reading, got %s", got)
	}

	outcome, err := p.Tick(ctx, "run-1")
	if err != nil {
		t.Fatalf("second tick: unexpected error: %v", err)
	}
	if outcome.Kind != OutcomeFailed {
		t.Fatalf("expected failed outcome, got %v", outcome.Kind)
	}
	r := st.runs["run-1"]
	if r.Phase != run.PhaseFailed {
		t.Fatalf("expected FAILED, got %s", r.Phase)
	}
	if r.LastError == nil || r.LastError.Kind != run.KindRemoteFailed {
		t.Fatalf("expected remote_failed error, got %+v", r.LastError)
	}
	if r.LastError.Message != "syntax error near SELECT" {
		t.Fatalf("expected platform detail preserved verbatim, got %q", r.LastError.Message)
	}
	for _, phase := range st.transitions {
		if phase == run.PhaseAwaitingRowset {
			t.Fatalf("failed run must never pass through AWAITING_ROWSET")
		}
	}
}

func TestRowsetNeverReadyTimesOut(t *testing.T) {
	r := runningRun()
	r.Phase = run.PhaseAwaitingRowset
	st := newFakeStore(r)
	started := time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)
	st.states["run-1"] = &run.PollState{RunID: "run-1", PollStartedAt: &started, RowsetStartedAt: &started}

	client := &scriptedRemote{}
	cfg := testConfig()
	cfg.RowsetReadyTimeout = 5 * time.Minute
	cfg.GlobalTimeout = 24 * time.Hour
	p := newTestPoller(cfg, st, client)

	outcome, err := p.Tick(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Kind != OutcomeTimedOut {
		t.Fatalf("expected timed out outcome, got %v", outcome.Kind)
	}
	got := st.runs["run-1"]
	if got.Phase != run.PhaseTimedOut {
		t.Fatalf("expected TIMED_OUT, got %s", got.Phase)
	}
	if got.LastError == nil || got.LastError.Stage != stageAwaitingRowset {
		t.Fatalf("expected timeout stage %q, got %+v", stageAwaitingRowset, got.LastError)
	}
	if client.calls != 0 {
		t.Fatalf("expected no remote call on an expired phase, got %d", client.calls)
	}
}

func TestGlobalTimeoutWinsOverPhaseProgress(t *testing.T) {
	r := runningRun()
	st := newFakeStore(r)
	started := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	st.states["run-1"] = &run.PollState{RunID: "run-1", PollStartedAt: &started}

	client := &scriptedRemote{statuses: []any{statusNotRunning()}}
	cfg := testConfig()
	cfg.GlobalTimeout = 30 * time.Minute
	p := newTestPoller(cfg, st, client)

	outcome, err := p.Tick(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Kind != OutcomeTimedOut {
		t.Fatalf("expected timed out outcome, got %v", outcome.Kind)
	}
	if client.calls != 0 {
		t.Fatalf("global timeout must be checked before any remote call, got %d calls", client.calls)
	}
	if got := st.runs["run-1"].LastError.Stage; got != stageRunning {
		t.Fatalf("expected stage %q, got %q", stageRunning, got)
	}
}

func TestTransportErrorIsMissedTick(t *testing.T) {
	st := newFakeStore(runningRun())
	transient := &remote.TransientError{Detail: "connection reset"}
	client := &scriptedRemote{statuses: []any{statusNotRunning(), transient, statusNotRunning()}}
	p := newTestPoller(testConfig(), st, client)
	ctx := context.Background()

	if _, err := p.Tick(ctx, "run-1"); err != nil {
		t.Fatalf("first tick: unexpected error: %v", err)
	}
	streakBefore := st.states["run-1"].NotRunningConfirmations

	outcome, err := p.Tick(ctx, "run-1")
	if err != nil {
		t.Fatalf("missed tick must not surface an error, got %v", err)
	}
	if outcome.Kind != OutcomeContinue {
		t.Fatalf("expected continue after missed tick, got %v", outcome.Kind)
	}
	ps := st.states["run-1"]
	if ps.NotRunningConfirmations != streakBefore {
		t.Fatalf("missed tick must not move the streak: had %d, got %d", streakBefore, ps.NotRunningConfirmations)
	}
	if ps.PollCount != 2 {
		t.Fatalf("expected poll count persisted as 2, got %d", ps.PollCount)
	}

	// The next good reading continues the streak and confirms.
	if _, err := p.Tick(ctx, "run-1"); err != nil {
		t.Fatalf("third tick: unexpected error: %v", err)
	}
	if got := st.runs["run-1"].Phase; got != run.PhaseAwaitingRowset {
		t.Fatalf("expected AWAITING_ROWSET, got %s", got)
	}
}

func TestTerminalRunStops(t *testing.T) {
	for _, phase := range []run.Phase{run.PhaseCompleted, run.PhaseFailed, run.PhaseTimedOut, run.PhaseCanceled} {
		r := runningRun()
		r.Phase = phase
		st := newFakeStore(r)
		client := &scriptedRemote{}
		p := newTestPoller(testConfig(), st, client)

		outcome, err := p.Tick(context.Background(), "run-1")
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", phase, err)
		}
		if outcome.Kind != OutcomeStop {
			t.Fatalf("%s: expected stop, got %v", phase, outcome.Kind)
		}
		if client.calls != 0 {
			t.Fatalf("%s: terminal run must not reach the remote", phase)
		}
		if len(st.transitions) != 0 {
			t.Fatalf("%s: terminal run must not transition", phase)
		}
	}
}

func TestMissingRunStops(t *testing.T) {
	st := newFakeStore(runningRun())
	p := newTestPoller(testConfig(), st, &scriptedRemote{})

	outcome, err := p.Tick(context.Background(), "run-gone")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Kind != OutcomeStop {
		t.Fatalf("expected stop for a missing run, got %v", outcome.Kind)
	}
}

func TestLostTransitionRaceStops(t *testing.T) {
	st := newFakeStore(runningRun())
	st.conflictOn = run.PhaseAwaitingRowset
	cfg := testConfig()
	cfg.NotRunningConfirmations = 1
	client := &scriptedRemote{statuses: []any{statusNotRunning()}}
	p := newTestPoller(cfg, st, client)

	outcome, err := p.Tick(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("a lost race must not surface an error, got %v", err)
	}
	if outcome.Kind != OutcomeStop {
		t.Fatalf("expected stop on a lost transition race, got %v", outcome.Kind)
	}
}

func TestProbeKeepsGoingWhileRowsLag(t *testing.T) {
	r := runningRun()
	r.Phase = run.PhaseProbing
	st := newFakeStore(r)
	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st.states["run-1"] = &run.PollState{
		RunID:          "run-1",
		PollStartedAt:  &started,
		ProbeStartedAt: &started,
		RowCountHint:   3,
	}
	client := &scriptedRemote{pages: []any{
		&remote.RowPage{},
		&remote.RowPage{Rows: rows(3)},
	}}
	p := newTestPoller(testConfig(), st, client)
	ctx := context.Background()

	outcome, err := p.Tick(ctx, "run-1")
	if err != nil {
		t.Fatalf("first probe: unexpected error: %v", err)
	}
	if outcome.Kind != OutcomeContinue {
		t.Fatalf("empty read with rows expected must keep probing, got %v", outcome.Kind)
	}
	if got := st.runs["run-1"].Phase; got != run.PhaseProbing {
		t.Fatalf("expected still PROBING, got %s", got)
	}

	outcome, err = p.Tick(ctx, "run-1")
	if err != nil {
		t.Fatalf("second probe: unexpected error: %v", err)
	}
	if outcome.Kind != OutcomeCompleted {
		t.Fatalf("expected completed once rows appear, got %v", outcome.Kind)
	}
	if got := st.states["run-1"].RowProbeAttempts; got != 2 {
		t.Fatalf("expected 2 probe attempts, got %d", got)
	}
}

func TestProbeExpectedEmptyCompletesImmediately(t *testing.T) {
	r := runningRun()
	r.Phase = run.PhaseProbing
	st := newFakeStore(r)
	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st.states["run-1"] = &run.PollState{
		RunID:          "run-1",
		PollStartedAt:  &started,
		ProbeStartedAt: &started,
		RowCountHint:   0,
	}
	client := &scriptedRemote{pages: []any{&remote.RowPage{}}}
	p := newTestPoller(testConfig(), st, client)

	outcome, err := p.Tick(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Kind != OutcomeCompleted {
		t.Fatalf("a query expected to return zero rows must complete, got %v", outcome.Kind)
	}
}

func rows(n int) []json.RawMessage {
	out := make([]json.RawMessage, n)
	for i := range out {
		out[i] = json.RawMessage(`{"id":1}`)
	}
	return out
}
