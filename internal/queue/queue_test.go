package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/slotd/internal/storage"
)

func openQueue(t *testing.T) (*Queue, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "state.db")
	db, err := storage.OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), dbPath
}

func enqueueN(t *testing.T, q *Queue, agentKey string, n int) []string {
	t.Helper()

	ids := make([]string, 0, n)
	for i := range n {
		job, err := q.Enqueue(context.Background(), EnqueueRequest{
			AgentKey: agentKey,
			Payload:  fmt.Sprintf("task %d", i),
		})
		if err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		if job.Position != i {
			t.Fatalf("Enqueue %d position = %d, want %d", i, job.Position, i)
		}
		ids = append(ids, job.ID)
	}
	return ids
}

func listIDs(t *testing.T, q *Queue, agentKey string) []string {
	t.Helper()

	jobs, err := q.List(context.Background(), agentKey)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	ids := make([]string, 0, len(jobs))
	for i, j := range jobs {
		if j.Position != i {
			t.Fatalf("job %s at index %d has position %d", j.ID, i, j.Position)
		}
		ids = append(ids, j.ID)
	}
	return ids
}

func TestQueueEnqueueDequeueFIFO(t *testing.T) {
	t.Parallel()

	q, _ := openQueue(t)
	ctx := context.Background()
	ids := enqueueN(t, q, "nori", 3)

	for i, want := range ids {
		j, err := q.DequeueNext(ctx, "nori")
		if err != nil {
			t.Fatalf("DequeueNext %d: %v", i, err)
		}
		if j == nil || j.ID != want || j.Status != StatusRunning || j.StartedAt == nil || j.Position != -1 {
			t.Fatalf("unexpected job %d: %#v", i, j)
		}
		assert.Equal(t, ids[i+1:], listIDs(t, q, "nori"))
	}

	j, err := q.DequeueNext(ctx, "nori")
	if err != nil {
		t.Fatalf("DequeueNext empty: %v", err)
	}
	if j != nil {
		t.Fatalf("expected empty queue, got %#v", j)
	}
}

func TestQueueAgentsAreIndependent(t *testing.T) {
	t.Parallel()

	q, _ := openQueue(t)
	a := enqueueN(t, q, "nori", 2)
	b := enqueueN(t, q, "tove", 3)

	assert.Equal(t, a, listIDs(t, q, "nori"))
	assert.Equal(t, b, listIDs(t, q, "tove"))

	keys, err := q.AgentKeys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"nori", "tove"}, keys)

	depth, err := q.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, depth)
}

func TestQueueEnqueueValidation(t *testing.T) {
	t.Parallel()

	q, _ := openQueue(t)
	_, err := q.Enqueue(context.Background(), EnqueueRequest{AgentKey: "nori"})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = q.Enqueue(context.Background(), EnqueueRequest{Payload: "x"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestQueueRemoveShiftsLaterJobs(t *testing.T) {
	t.Parallel()

	q, _ := openQueue(t)
	ctx := context.Background()
	ids := enqueueN(t, q, "nori", 5)

	require.NoError(t, q.Remove(ctx, "nori", ids[2]))
	assert.Equal(t, []string{ids[0], ids[1], ids[3], ids[4]}, listIDs(t, q, "nori"))

	require.NoError(t, q.Remove(ctx, "nori", ids[0]))
	assert.Equal(t, []string{ids[1], ids[3], ids[4]}, listIDs(t, q, "nori"))

	assert.ErrorIs(t, q.Remove(ctx, "nori", ids[0]), ErrJobNotFound)
	assert.ErrorIs(t, q.Remove(ctx, "tove", ids[1]), ErrJobNotFound)

	// New work still lands at the tail after removals.
	j, err := q.Enqueue(ctx, EnqueueRequest{AgentKey: "nori", Payload: "late"})
	require.NoError(t, err)
	assert.Equal(t, 3, j.Position)
}

func TestQueueRemoveRunningIsRejected(t *testing.T) {
	t.Parallel()

	q, _ := openQueue(t)
	ctx := context.Background()
	job, err := q.Claim(ctx, EnqueueRequest{AgentKey: "nori", Payload: "now"})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, job.Status)

	assert.ErrorIs(t, q.Remove(ctx, "nori", job.ID), ErrValidation)
	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
}

func TestQueueReorderMatchesRemoveThenInsert(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		from   int
		to     int
		wantAt int
	}{
		{name: "to front", from: 3, to: 0, wantAt: 0},
		{name: "to back", from: 0, to: 4, wantAt: 4},
		{name: "middle down", from: 1, to: 3, wantAt: 3},
		{name: "same place", from: 2, to: 2, wantAt: 2},
		{name: "clamped", from: 1, to: 99, wantAt: 4},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			q, _ := openQueue(t)
			ids := enqueueN(t, q, "nori", 5)

			got, err := q.Reorder(context.Background(), "nori", ids[tc.from], tc.to)
			require.NoError(t, err)
			assert.Equal(t, tc.wantAt, got)

			rest := append(append([]string(nil), ids[:tc.from]...), ids[tc.from+1:]...)
			want := append(append(append([]string(nil), rest[:tc.wantAt]...), ids[tc.from]), rest[tc.wantAt:]...)
			assert.Equal(t, want, listIDs(t, q, "nori"))

			// Applying the same move again leaves the same end state.
			_, err = q.Reorder(context.Background(), "nori", ids[tc.from], tc.to)
			require.NoError(t, err)
			assert.Equal(t, want, listIDs(t, q, "nori"))
		})
	}
}

func TestQueueReorderErrors(t *testing.T) {
	t.Parallel()

	q, _ := openQueue(t)
	ctx := context.Background()
	ids := enqueueN(t, q, "nori", 2)

	_, err := q.Reorder(ctx, "nori", ids[0], -1)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, ids, listIDs(t, q, "nori"))

	_, err = q.Reorder(ctx, "nori", "missing", 0)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestQueueSummary(t *testing.T) {
	t.Parallel()

	q, _ := openQueue(t)
	ctx := context.Background()

	s, err := q.Summary(ctx, "nori")
	require.NoError(t, err)
	assert.Equal(t, 0, s.Depth)
	assert.Nil(t, s.NextJob)

	ids := enqueueN(t, q, "nori", 2)
	s, err = q.Summary(ctx, "nori")
	require.NoError(t, err)
	assert.Equal(t, 2, s.Depth)
	require.NotNil(t, s.NextJob)
	assert.Equal(t, ids[0], s.NextJob.ID)
}

func TestQueueMarkFailedAndFinish(t *testing.T) {
	t.Parallel()

	q, _ := openQueue(t)
	ctx := context.Background()
	enqueueN(t, q, "nori", 2)

	first, err := q.DequeueNext(ctx, "nori")
	require.NoError(t, err)
	require.NoError(t, q.MarkFailed(ctx, "nori", first.ID, "spawn: no such file"))

	failed, err := q.ListFailed(ctx, "nori")
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, first.ID, failed[0].ID)
	require.NotNil(t, failed[0].LastError)
	assert.Equal(t, "spawn: no such file", *failed[0].LastError)
	assert.NotNil(t, failed[0].FailedAt)

	assert.ErrorIs(t, q.MarkFailed(ctx, "nori", first.ID, "again"), ErrJobNotFound)

	second, err := q.DequeueNext(ctx, "nori")
	require.NoError(t, err)

	code := 0
	started := time.Now().UTC().Add(-time.Second)
	require.NoError(t, q.Finish(ctx, RunRecord{
		RunID:     "run-1",
		AgentKey:  "nori",
		JobID:     second.ID,
		Status:    "completed",
		Reason:    "exit",
		ExitCode:  &code,
		StartedAt: started,
		EndedAt:   time.Now().UTC(),
		Stderr:    "warning: something",
	}))

	_, err = q.Get(ctx, second.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)

	runs, err := q.RecentRuns(ctx, "nori", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].RunID)
	assert.Equal(t, second.ID, runs[0].JobID)
	require.NotNil(t, runs[0].ExitCode)
	assert.Equal(t, 0, *runs[0].ExitCode)
	assert.Equal(t, "warning: something", runs[0].Stderr)

	// Failed jobs can be cleared through Remove.
	require.NoError(t, q.Remove(ctx, "nori", first.ID))
	failed, err = q.ListFailed(ctx, "nori")
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestQueueRecordInterruptedKeepsJob(t *testing.T) {
	t.Parallel()

	q, _ := openQueue(t)
	ctx := context.Background()
	ids := enqueueN(t, q, "nori", 2)

	inflight, err := q.DequeueNext(ctx, "nori")
	require.NoError(t, err)
	require.NoError(t, q.RecordInterrupted(ctx, RunRecord{
		RunID:     "run-1",
		AgentKey:  "nori",
		JobID:     inflight.ID,
		Status:    "completed",
		Reason:    "shutdown",
		StartedAt: time.Now().UTC().Add(-time.Second),
		EndedAt:   time.Now().UTC(),
	}))

	runs, err := q.RecentRuns(ctx, "nori", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "shutdown", runs[0].Reason)

	job, err := q.Get(ctx, inflight.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, job.Status)

	n, err := q.Recover(ctx, func(string) bool { return false })
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{ids[0], ids[1]}, listIDs(t, q, "nori"))
}

func TestQueueRestartRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "state.db")

	db, err := storage.OpenSQLite(ctx, dbPath)
	require.NoError(t, err)
	q := New(db)

	ids := enqueueN(t, q, "nori", 4)
	inflight, err := q.DequeueNext(ctx, "nori")
	require.NoError(t, err)
	require.Equal(t, ids[0], inflight.ID)
	_, err = q.Reorder(ctx, "nori", ids[3], 0)
	require.NoError(t, err)
	before := listIDs(t, q, "nori")
	require.NoError(t, db.Close())

	db2, err := storage.OpenSQLite(ctx, dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db2.Close() })
	q2 := New(db2)

	assert.Equal(t, before, listIDs(t, q2, "nori"))

	n, err := q2.Recover(ctx, func(string) bool { return false })
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := listIDs(t, q2, "nori")
	assert.Equal(t, append([]string{inflight.ID}, before...), got)

	job, err := q2.Get(ctx, inflight.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, job.Status)
	assert.Nil(t, job.StartedAt)
}

func TestQueueRecoverSkipsLiveAgents(t *testing.T) {
	t.Parallel()

	q, _ := openQueue(t)
	ctx := context.Background()

	live, err := q.Claim(ctx, EnqueueRequest{AgentKey: "nori", Payload: "a"})
	require.NoError(t, err)
	enqueueN(t, q, "tove", 1)
	dead, err := q.DequeueNext(ctx, "tove")
	require.NoError(t, err)

	n, err := q.Recover(ctx, func(agentKey string) bool { return agentKey == "nori" })
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := q.Get(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, []string{dead.ID}, listIDs(t, q, "tove"))
}

func TestQueueConcurrentEnqueueKeepsPositionsDense(t *testing.T) {
	t.Parallel()

	q, _ := openQueue(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := q.Enqueue(ctx, EnqueueRequest{AgentKey: "nori", Payload: fmt.Sprintf("p%d", i)}); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Enqueue: %v", err)
	}

	jobs, err := q.List(ctx, "nori")
	require.NoError(t, err)
	require.Len(t, jobs, n)
	for i, j := range jobs {
		if j.Position != i {
			t.Fatalf("position %d = %d", i, j.Position)
		}
	}
}

func TestQueueRemoveRacingDequeue(t *testing.T) {
	t.Parallel()

	q, _ := openQueue(t)
	ctx := context.Background()
	ids := enqueueN(t, q, "nori", 1)

	var (
		wg        sync.WaitGroup
		removeErr error
		dequeued  *Job
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		removeErr = q.Remove(ctx, "nori", ids[0])
	}()
	go func() {
		defer wg.Done()
		dequeued, _ = q.DequeueNext(ctx, "nori")
	}()
	wg.Wait()

	// Exactly one side wins.
	if dequeued != nil {
		if !errors.Is(removeErr, ErrValidation) {
			t.Fatalf("remove after dequeue: got %v, want validation error", removeErr)
		}
	} else if removeErr != nil {
		t.Fatalf("remove before dequeue: %v", removeErr)
	}
}

func TestQueuePruneHistory(t *testing.T) {
	t.Parallel()

	q, _ := openQueue(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// One failed job from ten days ago, one from an hour ago.
	q.now = func() time.Time { return now.Add(-10 * 24 * time.Hour) }
	old, err := q.Claim(ctx, EnqueueRequest{AgentKey: "nori", Payload: "old"})
	require.NoError(t, err)
	require.NoError(t, q.MarkFailed(ctx, "nori", old.ID, "spawn"))

	q.now = func() time.Time { return now.Add(-time.Hour) }
	recent, err := q.Claim(ctx, EnqueueRequest{AgentKey: "nori", Payload: "recent"})
	require.NoError(t, err)
	require.NoError(t, q.MarkFailed(ctx, "nori", recent.ID, "spawn"))

	for i, ended := range []time.Time{now.Add(-9 * 24 * time.Hour), now.Add(-30 * time.Minute)} {
		job, err := q.Claim(ctx, EnqueueRequest{AgentKey: "nori", Payload: "ran"})
		require.NoError(t, err)
		require.NoError(t, q.Finish(ctx, RunRecord{
			RunID:     fmt.Sprintf("run-%d", i),
			AgentKey:  "nori",
			JobID:     job.ID,
			Status:    "completed",
			Reason:    "exit",
			StartedAt: ended.Add(-time.Minute),
			EndedAt:   ended,
		}))
	}
	queued := enqueueN(t, q, "nori", 1)

	q.now = func() time.Time { return now }
	report, err := q.PruneHistory(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, PruneReport{Runs: 1, FailedJobs: 1}, report)

	failed, err := q.ListFailed(ctx, "nori")
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, recent.ID, failed[0].ID)

	runs, err := q.RecentRuns(ctx, "nori", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].RunID)

	assert.Equal(t, queued, listIDs(t, q, "nori"))

	_, err = q.PruneHistory(ctx, 0)
	assert.ErrorIs(t, err, ErrValidation)
}
