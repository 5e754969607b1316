package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"dequery/internal/config"
	"dequery/internal/poller"
	"dequery/internal/queue"
	"dequery/internal/run"
	"dequery/internal/store"
)

type fakeQueue struct {
	enqueued  []queue.JobKind
	enqueueAt []time.Time
	completed []int64
	failed    []int64
	failCause string
}

func (f *fakeQueue) Claim(ctx context.Context, workerID string, lease time.Duration) (*queue.Job, error) {
	return nil, queue.ErrNoJobs
}

func (f *fakeQueue) Heartbeat(ctx context.Context, jobID int64, workerID string, lease time.Duration) error {
	return nil
}

func (f *fakeQueue) Complete(ctx context.Context, jobID int64, workerID string) error {
	f.completed = append(f.completed, jobID)
	return nil
}

func (f *fakeQueue) Fail(ctx context.Context, jobID int64, workerID string, cause string, retryAfter time.Time) error {
	f.failed = append(f.failed, jobID)
	f.failCause = cause
	return nil
}

func (f *fakeQueue) Enqueue(ctx context.Context, kind queue.JobKind, runID string, runAfter time.Time) (int64, error) {
	f.enqueued = append(f.enqueued, kind)
	f.enqueueAt = append(f.enqueueAt, runAfter)
	return int64(len(f.enqueued)), nil
}

func (f *fakeQueue) Reclaim(ctx context.Context) (int64, error) {
	return 0, nil
}

type fakeDriver struct {
	err    error
	called int
}

func (f *fakeDriver) HandleExecuteJob(ctx context.Context, runID string) error {
	f.called++
	return f.err
}

type fakePoller struct {
	outcome poller.Outcome
	err     error
}

func (f *fakePoller) Tick(ctx context.Context, runID string) (poller.Outcome, error) {
	return f.outcome, f.err
}

type fakeMaterializer struct {
	called  int
	targets []string
	err     error
}

func (f *fakeMaterializer) Materialize(ctx context.Context, runID, targetHandle string) error {
	f.called++
	f.targets = append(f.targets, targetHandle)
	return f.err
}

type fakeRunReader struct{}

func (fakeRunReader) GetRun(ctx context.Context, runID string) (*run.Run, error) {
	return nil, store.ErrNotFound
}

func testRunnerConfig() *config.Config {
	return &config.Config{
		WorkerID:        "test-worker",
		MaxConcurrency:  2,
		ClaimMinBackoff: time.Millisecond,
		ClaimMaxBackoff: 4 * time.Millisecond,
		LeaseDuration:   time.Minute,
	}
}

func newTestRunner(q JobQueue, d ExecuteHandler, p TickHandler, m ResultMaterializer) *Runner {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(testRunnerConfig(), q, d, p, m, fakeRunReader{}, nil, logger)
}

func pollJob() *queue.Job {
	return &queue.Job{ID: 7, Kind: queue.KindPoll, RunID: "run-1"}
}

func TestPollJobContinueReenqueues(t *testing.T) {
	q := &fakeQueue{}
	p := &fakePoller{outcome: poller.Outcome{Kind: poller.OutcomeContinue, Delay: 2 * time.Second}}
	r := newTestRunner(q, &fakeDriver{}, p, &fakeMaterializer{})

	if err := r.runPollJob(context.Background(), pollJob()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(q.enqueued) != 1 || q.enqueued[0] != queue.KindPoll {
		t.Fatalf("expected one poll job re-enqueued, got %+v", q.enqueued)
	}
	if until := time.Until(q.enqueueAt[0]); until < time.Second || until > 3*time.Second {
		t.Fatalf("expected next poll ~2s out, got %v", until)
	}
}

func TestPollJobCompletedRunsMaterializer(t *testing.T) {
	q := &fakeQueue{}
	m := &fakeMaterializer{}
	p := &fakePoller{outcome: poller.Outcome{Kind: poller.OutcomeCompleted, TargetHandle: "de-1"}}
	r := newTestRunner(q, &fakeDriver{}, p, m)

	if err := r.runPollJob(context.Background(), pollJob()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.called != 1 || m.targets[0] != "de-1" {
		t.Fatalf("expected materializer called with de-1, got %+v", m.targets)
	}
	if len(q.enqueued) != 0 {
		t.Fatalf("completed run must not re-enqueue, got %+v", q.enqueued)
	}
}

func TestPollJobMaterializeFailureSurfaces(t *testing.T) {
	q := &fakeQueue{}
	wantErr := errors.New("db down")
	m := &fakeMaterializer{err: wantErr}
	p := &fakePoller{outcome: poller.Outcome{Kind: poller.OutcomeCompleted, TargetHandle: "de-1"}}
	r := newTestRunner(q, &fakeDriver{}, p, m)

	if err := r.runPollJob(context.Background(), pollJob()); !errors.Is(err, wantErr) {
		t.Fatalf("expected materialize error to surface for retry, got %v", err)
	}
}

func TestPollJobStopEndsChain(t *testing.T) {
	q := &fakeQueue{}
	p := &fakePoller{outcome: poller.Outcome{Kind: poller.OutcomeStop}}
	r := newTestRunner(q, &fakeDriver{}, p, &fakeMaterializer{})

	if err := r.runPollJob(context.Background(), pollJob()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(q.enqueued) != 0 {
		t.Fatalf("stopped chain must not enqueue, got %+v", q.enqueued)
	}
}

func TestRunJobRecordsHandlerFailure(t *testing.T) {
	q := &fakeQueue{}
	d := &fakeDriver{err: errors.New("remote exploded")}
	r := newTestRunner(q, d, &fakePoller{}, &fakeMaterializer{})

	job := &queue.Job{ID: 11, Kind: queue.KindExecute, RunID: "run-1"}
	r.runJob(context.Background(), job)

	if len(q.failed) != 1 || q.failed[0] != 11 {
		t.Fatalf("expected job 11 marked failed, got %+v", q.failed)
	}
	if q.failCause != "remote exploded" {
		t.Fatalf("expected failure cause recorded, got %q", q.failCause)
	}
	if len(q.completed) != 0 {
		t.Fatalf("failed job must not be completed, got %+v", q.completed)
	}
}

func TestRunJobCompletesOnSuccess(t *testing.T) {
	q := &fakeQueue{}
	d := &fakeDriver{}
	r := newTestRunner(q, d, &fakePoller{}, &fakeMaterializer{})

	job := &queue.Job{ID: 12, Kind: queue.KindExecute, RunID: "run-1"}
	r.runJob(context.Background(), job)

	if d.called != 1 {
		t.Fatalf("expected driver called once, got %d", d.called)
	}
	if len(q.completed) != 1 || q.completed[0] != 12 {
		t.Fatalf("expected job 12 completed, got %+v", q.completed)
	}
}

func TestStartDrainsCleanlyOnCancel(t *testing.T) {
	q := &fakeQueue{}
	r := newTestRunner(q, &fakeDriver{}, &fakePoller{}, &fakeMaterializer{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("runner did not drain after cancel")
	}
}
