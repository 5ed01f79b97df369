package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/slotd/internal/dispatch/mocks"
	"github.com/mattjoyce/slotd/internal/queue"
	"github.com/mattjoyce/slotd/internal/storage"
	"github.com/mattjoyce/slotd/internal/supervisor"
)

// fakeRunner stands in for the supervisor. Sessions stay live until the test
// calls finish, which hands back the outcome the supervisor would report.
type fakeRunner struct {
	mu      sync.Mutex
	next    int
	live    map[string]supervisor.Session
	failing map[string]bool // payloads whose spawn fails
	closing bool
	starts  []supervisor.StartRequest
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		live:    make(map[string]supervisor.Session),
		failing: make(map[string]bool),
	}
}

func (f *fakeRunner) Start(_ context.Context, req supervisor.StartRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.starts = append(f.starts, req)
	if f.closing {
		return "", supervisor.ErrShuttingDown
	}
	if _, ok := f.live[req.AgentKey]; ok {
		return "", supervisor.ErrAgentBusy
	}
	if f.failing[req.Payload] {
		return "", &supervisor.SpawnError{AgentKey: req.AgentKey, Err: errors.New("exec: no such file")}
	}
	f.next++
	runID := fmt.Sprintf("R%d", f.next)
	f.live[req.AgentKey] = supervisor.Session{
		RunID:     runID,
		AgentKey:  req.AgentKey,
		JobID:     req.JobID,
		State:     supervisor.StateStarted,
		StartedAt: time.Now().UTC(),
	}
	return runID, nil
}

func (f *fakeRunner) SendMessage(runID, text string) error { return nil }

func (f *fakeRunner) End(context.Context, string) error { return nil }

func (f *fakeRunner) Active(agentKey string) (supervisor.Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.live[agentKey]
	return s, ok
}

func (f *fakeRunner) IsLive(agentKey string) bool {
	_, ok := f.Active(agentKey)
	return ok
}

func (f *fakeRunner) finish(t *testing.T, agentKey string, state supervisor.State) supervisor.Outcome {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.live[agentKey]
	require.True(t, ok, "no live session for %s", agentKey)
	delete(f.live, agentKey)
	return supervisor.Outcome{
		RunID:     s.RunID,
		AgentKey:  agentKey,
		JobID:     s.JobID,
		State:     state,
		Reason:    supervisor.ReasonExit,
		StartedAt: s.StartedAt,
		EndedAt:   time.Now().UTC(),
	}
}

func (f *fakeRunner) startedPayloads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.starts))
	for _, s := range f.starts {
		out = append(out, s.Payload)
	}
	return out
}

type recordingObserver struct {
	mu        sync.Mutex
	decisions []string
	depth     map[string]int
	failures  int
}

func (o *recordingObserver) JobSubmitted(_, decision string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.decisions = append(o.decisions, decision)
}

func (o *recordingObserver) QueueDepthChanged(agentKey string, depth int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.depth == nil {
		o.depth = make(map[string]int)
	}
	o.depth[agentKey] = depth
}

func (o *recordingObserver) SpawnFailed(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures++
}

func newTestDispatcher(t *testing.T, opts Options) (*Dispatcher, *queue.Queue, *fakeRunner) {
	t.Helper()

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	q := queue.New(db)
	r := newFakeRunner()
	return New(q, r, opts), q, r
}

func submit(t *testing.T, d *Dispatcher, agentKey, payload string) *SubmitResult {
	t.Helper()
	res, err := d.Submit(context.Background(), SubmitRequest{AgentKey: agentKey, Payload: payload})
	require.NoError(t, err)
	return res
}

func TestDispatcherScenarios(t *testing.T) {
	ctx := context.Background()
	obs := &recordingObserver{}
	d, q, r := newTestDispatcher(t, Options{Observer: obs})

	// A: idle agent starts immediately.
	res := submit(t, d, "nori", "J1")
	assert.Equal(t, DecisionStarted, res.Decision)
	assert.Equal(t, "R1", res.RunID)
	assert.Nil(t, res.Position)

	// B: busy agent queues at position 0.
	res = submit(t, d, "nori", "J2")
	assert.Equal(t, DecisionQueued, res.Decision)
	require.NotNil(t, res.Position)
	assert.Equal(t, 0, *res.Position)
	assert.Empty(t, res.RunID)

	st, err := d.AgentStatus(ctx, "nori")
	require.NoError(t, err)
	assert.Equal(t, AgentWorking, st.Status)
	assert.Equal(t, 1, st.QueueDepth)
	require.NotNil(t, st.Run)
	assert.Equal(t, "R1", st.Run.RunID)

	// C: R1 completes and J2 starts as R2.
	d.HandleOutcome(r.finish(t, "nori", supervisor.StateCompleted))
	run, ok := r.Active("nori")
	require.True(t, ok)
	assert.Equal(t, "R2", run.RunID)

	d.HandleOutcome(r.finish(t, "nori", supervisor.StateCompleted))
	st, err = d.AgentStatus(ctx, "nori")
	require.NoError(t, err)
	assert.Equal(t, AgentIdle, st.Status)
	assert.Equal(t, 0, st.QueueDepth)
	assert.Nil(t, st.NextJob)
	assert.Nil(t, st.Run)

	runs, err := q.RecentRuns(ctx, "nori", 10)
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	assert.Equal(t, []string{DecisionStarted, DecisionQueued}, obs.decisions)
	assert.Equal(t, 0, obs.depth["nori"])
}

func TestDispatcherSpawnFailureAdvancesPastJob(t *testing.T) {
	ctx := context.Background()
	obs := &recordingObserver{}
	d, q, r := newTestDispatcher(t, Options{Observer: obs})
	r.failing["J2"] = true

	submit(t, d, "nori", "J1")
	submit(t, d, "nori", "J2")
	submit(t, d, "nori", "J3")

	d.HandleOutcome(r.finish(t, "nori", supervisor.StateCompleted))

	run, ok := r.Active("nori")
	require.True(t, ok, "J3 should start without manual intervention")
	started, err := q.Get(ctx, run.JobID)
	require.NoError(t, err)
	assert.Equal(t, "J3", started.Payload)

	failed, err := q.ListFailed(ctx, "nori")
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "J2", failed[0].Payload)
	require.NotNil(t, failed[0].LastError)
	assert.Contains(t, *failed[0].LastError, "no such file")
	assert.Equal(t, 1, obs.failures)
}

func TestDispatcherAdvanceCap(t *testing.T) {
	ctx := context.Background()
	d, q, r := newTestDispatcher(t, Options{MaxAdvanceAttempts: 1})
	r.failing["J2"] = true

	submit(t, d, "nori", "J1")
	submit(t, d, "nori", "J2")
	submit(t, d, "nori", "J3")

	d.HandleOutcome(r.finish(t, "nori", supervisor.StateCompleted))

	assert.False(t, r.IsLive("nori"), "cap reached, agent stays idle")
	jobs, err := q.List(ctx, "nori")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "J3", jobs[0].Payload)
	assert.Equal(t, 0, jobs[0].Position)

	// The next submission to the idle agent with a backlog kicks an advance.
	res := submit(t, d, "nori", "J4")
	assert.Equal(t, DecisionQueued, res.Decision)
	assert.Equal(t, 1, *res.Position)

	run, ok := r.Active("nori")
	require.True(t, ok)
	started, err := q.Get(ctx, run.JobID)
	require.NoError(t, err)
	assert.Equal(t, "J3", started.Payload)
	assert.Equal(t, []string{"J1", "J2", "J3"}, r.startedPayloads())
}

func TestDispatcherDirectStartSpawnFailure(t *testing.T) {
	ctx := context.Background()
	d, q, r := newTestDispatcher(t, Options{})
	r.failing["J1"] = true

	_, err := d.Submit(ctx, SubmitRequest{AgentKey: "nori", Payload: "J1"})
	var spawnErr *supervisor.SpawnError
	require.ErrorAs(t, err, &spawnErr)

	failed, err := q.ListFailed(ctx, "nori")
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "J1", failed[0].Payload)
	assert.False(t, r.IsLive("nori"))
}

func TestDispatcherDirectStartDuringShutdownKeepsJob(t *testing.T) {
	ctx := context.Background()
	d, q, r := newTestDispatcher(t, Options{})
	r.closing = true

	_, err := d.Submit(ctx, SubmitRequest{AgentKey: "nori", Payload: "late"})
	require.ErrorIs(t, err, supervisor.ErrShuttingDown)

	failed, err := q.ListFailed(ctx, "nori")
	require.NoError(t, err)
	assert.Empty(t, failed)

	n, err := q.Recover(ctx, func(string) bool { return false })
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	jobs, err := q.List(ctx, "nori")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "late", jobs[0].Payload)
}

func TestDispatcherShutdownOutcomeKeepsJobForRecover(t *testing.T) {
	ctx := context.Background()
	d, q, r := newTestDispatcher(t, Options{})

	res := submit(t, d, "nori", "long task")
	require.Equal(t, DecisionStarted, res.Decision)
	submit(t, d, "nori", "after")

	d.Stop()
	out := r.finish(t, "nori", supervisor.StateCompleted)
	out.Reason = supervisor.ReasonShutdown
	d.HandleOutcome(out)

	runs, err := q.RecentRuns(ctx, "nori", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, supervisor.ReasonShutdown, runs[0].Reason)

	job, err := q.Get(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusRunning, job.Status)

	// The next process resumes the interrupted job ahead of the backlog.
	r2 := newFakeRunner()
	d2 := New(q, r2, Options{})
	n, err := d2.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	run, ok := r2.Active("nori")
	require.True(t, ok)
	assert.Equal(t, res.JobID, run.JobID)
	assert.Equal(t, []string{"long task"}, r2.startedPayloads())
}

func TestDispatcherAgentsAreIndependent(t *testing.T) {
	d, _, r := newTestDispatcher(t, Options{})

	assert.Equal(t, DecisionStarted, submit(t, d, "nori", "a").Decision)
	assert.Equal(t, DecisionStarted, submit(t, d, "kai", "b").Decision)
	assert.True(t, r.IsLive("nori"))
	assert.True(t, r.IsLive("kai"))
}

func TestDispatcherConcurrentSubmitStartsOne(t *testing.T) {
	ctx := context.Background()
	d, q, _ := newTestDispatcher(t, Options{})

	const n = 8
	results := make(chan *SubmitResult, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := d.Submit(ctx, SubmitRequest{AgentKey: "nori", Payload: fmt.Sprintf("job %d", i)})
			if err == nil {
				results <- res
			}
		}(i)
	}
	wg.Wait()
	close(results)

	var started, queued int
	for res := range results {
		switch res.Decision {
		case DecisionStarted:
			started++
		case DecisionQueued:
			queued++
		}
	}
	assert.Equal(t, 1, started)
	assert.Equal(t, n-1, queued)

	jobs, err := q.List(ctx, "nori")
	require.NoError(t, err)
	for i, j := range jobs {
		assert.Equal(t, i, j.Position)
	}
}

func TestDispatcherRecover(t *testing.T) {
	ctx := context.Background()
	d, q, r := newTestDispatcher(t, Options{})

	// A previous process claimed a job and died.
	orphan, err := q.Claim(ctx, queue.EnqueueRequest{AgentKey: "nori", Payload: "orphan"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, queue.EnqueueRequest{AgentKey: "nori", Payload: "next"})
	require.NoError(t, err)

	n, err := d.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	run, ok := r.Active("nori")
	require.True(t, ok)
	assert.Equal(t, orphan.ID, run.JobID)

	jobs, err := q.List(ctx, "nori")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "next", jobs[0].Payload)
}

func TestDispatcherQueueOperations(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newTestDispatcher(t, Options{})

	submit(t, d, "nori", "running")
	a := submit(t, d, "nori", "a")
	b := submit(t, d, "nori", "b")
	c := submit(t, d, "nori", "c")

	pos, err := d.ReorderQueue(ctx, "nori", c.JobID, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, pos)

	require.NoError(t, d.RemoveFromQueue(ctx, "nori", a.JobID))

	jobs, err := d.ListQueue(ctx, "nori")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, c.JobID, jobs[0].ID)
	assert.Equal(t, b.JobID, jobs[1].ID)

	err = d.RemoveFromQueue(ctx, "nori", "missing")
	assert.ErrorIs(t, err, queue.ErrJobNotFound)

	_, err = d.ReorderQueue(ctx, "nori", b.JobID, -1)
	assert.ErrorIs(t, err, queue.ErrValidation)
}

func TestDispatcherRejectsBadAgentKey(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newTestDispatcher(t, Options{})

	_, err := d.Submit(ctx, SubmitRequest{AgentKey: "../etc", Payload: "x"})
	assert.ErrorIs(t, err, queue.ErrValidation)
	_, err = d.ListQueue(ctx, "")
	assert.ErrorIs(t, err, queue.ErrValidation)
	_, err = d.AgentStatus(ctx, "a b")
	assert.ErrorIs(t, err, queue.ErrValidation)
}

func TestDispatcherStopRecordsButDoesNotAdvance(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockQueue := mocks.NewMockJobQueue(ctrl)
	mockRunner := mocks.NewMockRunner(ctrl)
	d := New(mockQueue, mockRunner, Options{})
	d.Stop()

	out := supervisor.Outcome{RunID: "R1", AgentKey: "nori", JobID: "J1", State: supervisor.StateCompleted, Reason: supervisor.ReasonShutdown}
	mockQueue.EXPECT().RecordInterrupted(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, rec queue.RunRecord) error {
		assert.Equal(t, "R1", rec.RunID)
		assert.Equal(t, "completed", rec.Status)
		assert.Equal(t, supervisor.ReasonShutdown, rec.Reason)
		assert.Nil(t, rec.LastError)
		return nil
	})
	d.HandleOutcome(out)

	_, err := d.Submit(context.Background(), SubmitRequest{AgentKey: "nori", Payload: "late"})
	assert.ErrorIs(t, err, supervisor.ErrShuttingDown)
}

func TestDispatcherAdvanceStopsOnShutdown(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockQueue := mocks.NewMockJobQueue(ctrl)
	mockRunner := mocks.NewMockRunner(ctrl)
	d := New(mockQueue, mockRunner, Options{MaxAdvanceAttempts: 3})

	job := &queue.Job{ID: "J2", AgentKey: "nori", Payload: "p", Status: queue.StatusRunning}
	gomock.InOrder(
		mockQueue.EXPECT().Finish(gomock.Any(), gomock.Any()).Return(nil),
		mockRunner.EXPECT().IsLive("nori").Return(false),
		mockQueue.EXPECT().DequeueNext(gomock.Any(), "nori").Return(job, nil),
		mockRunner.EXPECT().Start(gomock.Any(), supervisor.StartRequest{AgentKey: "nori", JobID: "J2", Payload: "p"}).
			Return("", supervisor.ErrShuttingDown),
		mockQueue.EXPECT().Summary(gomock.Any(), "nori").Return(queue.Summary{AgentKey: "nori"}, nil),
	)
	// No MarkFailed: the job stays running for recovery.

	d.HandleOutcome(supervisor.Outcome{RunID: "R1", AgentKey: "nori", JobID: "J1", State: supervisor.StateCompleted})
}

func TestDispatcherFinishErrorStillAdvances(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockQueue := mocks.NewMockJobQueue(ctrl)
	mockRunner := mocks.NewMockRunner(ctrl)
	d := New(mockQueue, mockRunner, Options{})

	mockQueue.EXPECT().Finish(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, rec queue.RunRecord) error {
		require.NotNil(t, rec.LastError)
		assert.Equal(t, "exit status 3", *rec.LastError)
		return errors.New("disk full")
	})
	mockRunner.EXPECT().IsLive("nori").Return(false)
	mockQueue.EXPECT().Summary(gomock.Any(), "nori").Return(queue.Summary{AgentKey: "nori"}, nil).Times(2)

	d.HandleOutcome(supervisor.Outcome{
		RunID:    "R1",
		AgentKey: "nori",
		JobID:    "J1",
		State:    supervisor.StateFailed,
		Reason:   supervisor.ReasonExit,
		Error:    "exit status 3",
	})
}
