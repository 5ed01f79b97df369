package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/slotd/internal/keylock"
)

const maxStderrBytes = 64 * 1024

const jobColumns = `id, agent_key, payload, project_id, thread_id, position, status, queued_at, started_at, failed_at, last_error`

// Queue persists per-agent job queues in SQLite.
//
// Every mutation for an agent key runs under that key's mutex and inside a
// single transaction, so position assignment, dequeue, removal and reorder
// are linearized per agent while different agents proceed independently.
type Queue struct {
	db    *sql.DB
	locks keylock.Map
	now   func() time.Time
}

func New(db *sql.DB) *Queue {
	return &Queue{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

func validateRequest(req EnqueueRequest) error {
	if strings.TrimSpace(req.AgentKey) == "" {
		return fmt.Errorf("%w: agent key is empty", ErrValidation)
	}
	if strings.TrimSpace(req.Payload) == "" {
		return fmt.Errorf("%w: payload is empty", ErrValidation)
	}
	return nil
}

// Enqueue appends a job to the agent's queue at max(position)+1 and returns it
// with its assigned position.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*Job, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	unlock := q.locks.Lock(req.AgentKey)
	defer unlock()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var maxPos int
	if err := tx.QueryRowContext(ctx, `
SELECT COALESCE(MAX(position), -1)
FROM agent_jobs
WHERE agent_key = ? AND status = ?;
`, req.AgentKey, StatusQueued).Scan(&maxPos); err != nil {
		return nil, fmt.Errorf("read max position: %w", err)
	}

	job := &Job{
		ID:        uuid.NewString(),
		AgentKey:  req.AgentKey,
		Payload:   req.Payload,
		ProjectID: req.ProjectID,
		ThreadID:  req.ThreadID,
		Position:  maxPos + 1,
		Status:    StatusQueued,
		QueuedAt:  q.now(),
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO agent_jobs(id, agent_key, payload, project_id, thread_id, position, status, queued_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?);
`, job.ID, job.AgentKey, job.Payload, job.ProjectID, job.ThreadID, job.Position, job.Status, formatTime(job.QueuedAt)); err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return job, nil
}

// Claim records a job that bypasses the queue and starts right away. The row
// is stored as running so a crash before Finish leaves a recoverable marker.
func (q *Queue) Claim(ctx context.Context, req EnqueueRequest) (*Job, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	unlock := q.locks.Lock(req.AgentKey)
	defer unlock()

	now := q.now()
	job := &Job{
		ID:        uuid.NewString(),
		AgentKey:  req.AgentKey,
		Payload:   req.Payload,
		ProjectID: req.ProjectID,
		ThreadID:  req.ThreadID,
		Position:  -1,
		Status:    StatusRunning,
		QueuedAt:  now,
		StartedAt: &now,
	}
	_, err := q.db.ExecContext(ctx, `
INSERT INTO agent_jobs(id, agent_key, payload, project_id, thread_id, position, status, queued_at, started_at)
VALUES(?, ?, ?, ?, ?, NULL, ?, ?, ?);
`, job.ID, job.AgentKey, job.Payload, job.ProjectID, job.ThreadID, job.Status, formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// DequeueNext takes the lowest-position queued job for agentKey, marks it
// running and closes the gap it leaves. Returns (nil, nil) if the queue is empty.
func (q *Queue) DequeueNext(ctx context.Context, agentKey string) (*Job, error) {
	unlock := q.locks.Lock(agentKey)
	defer unlock()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	order, err := loadOrderTx(ctx, tx, agentKey)
	if err != nil {
		return nil, err
	}
	if len(order) == 0 {
		return nil, nil
	}

	headID := order[0]
	now := q.now()
	if _, err := tx.ExecContext(ctx, `
UPDATE agent_jobs
SET status = ?, position = NULL, started_at = ?
WHERE id = ?;
`, StatusRunning, formatTime(now), headID); err != nil {
		return nil, fmt.Errorf("mark job running: %w", err)
	}
	if err := writeOrderTx(ctx, tx, order[1:]); err != nil {
		return nil, err
	}

	job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM agent_jobs WHERE id = ?;`, headID))
	if err != nil {
		return nil, fmt.Errorf("load dequeued job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return job, nil
}

// Remove deletes a queued or failed job and reindexes the remaining queue.
// Running jobs belong to a session and must be stopped through it.
func (q *Queue) Remove(ctx context.Context, agentKey, jobID string) error {
	unlock := q.locks.Lock(agentKey)
	defer unlock()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status Status
	err = tx.QueryRowContext(ctx, `
SELECT status FROM agent_jobs WHERE id = ? AND agent_key = ?;
`, jobID, agentKey).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if status == StatusRunning {
		return fmt.Errorf("%w: job %s is running; end its session instead", ErrValidation, jobID)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_jobs WHERE id = ?;`, jobID); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if status == StatusQueued {
		order, err := loadOrderTx(ctx, tx, agentKey)
		if err != nil {
			return err
		}
		if err := writeOrderTx(ctx, tx, order); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Reorder moves a queued job to newPosition, clamped to the end of the queue.
// The result is the same as removing the job and inserting it at that index.
// It returns the position the job ended up at.
func (q *Queue) Reorder(ctx context.Context, agentKey, jobID string, newPosition int) (int, error) {
	if newPosition < 0 {
		return 0, fmt.Errorf("%w: position %d is negative", ErrValidation, newPosition)
	}

	unlock := q.locks.Lock(agentKey)
	defer unlock()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	order, err := loadOrderTx(ctx, tx, agentKey)
	if err != nil {
		return 0, err
	}
	idx := indexOf(order, jobID)
	if idx < 0 {
		return 0, ErrJobNotFound
	}

	rest := append(append([]string(nil), order[:idx]...), order[idx+1:]...)
	target := min(newPosition, len(rest))

	reordered := make([]string, 0, len(order))
	reordered = append(reordered, rest[:target]...)
	reordered = append(reordered, jobID)
	reordered = append(reordered, rest[target:]...)

	if err := writeOrderTx(ctx, tx, reordered); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return target, nil
}

// List returns the agent's queued jobs in dequeue order.
func (q *Queue) List(ctx context.Context, agentKey string) ([]*Job, error) {
	return q.query(ctx, `
SELECT `+jobColumns+`
FROM agent_jobs
WHERE agent_key = ? AND status = ?
ORDER BY position ASC;
`, agentKey, StatusQueued)
}

// ListFailed returns jobs that could not be started, newest first.
func (q *Queue) ListFailed(ctx context.Context, agentKey string) ([]*Job, error) {
	return q.query(ctx, `
SELECT `+jobColumns+`
FROM agent_jobs
WHERE agent_key = ? AND status = ?
ORDER BY failed_at DESC, rowid DESC;
`, agentKey, StatusFailed)
}

// Get loads a single job by id.
func (q *Queue) Get(ctx context.Context, jobID string) (*Job, error) {
	job, err := scanJob(q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM agent_jobs WHERE id = ?;`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Summary computes depth and head of the agent's queue.
func (q *Queue) Summary(ctx context.Context, agentKey string) (Summary, error) {
	jobs, err := q.List(ctx, agentKey)
	if err != nil {
		return Summary{}, err
	}
	s := Summary{AgentKey: agentKey, Depth: len(jobs)}
	if len(jobs) > 0 {
		s.NextJob = jobs[0]
	}
	return s, nil
}

// Depth returns the number of queued jobs across all agents.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agent_jobs WHERE status = ?;`, StatusQueued).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// AgentKeys lists agents that have queued work.
func (q *Queue) AgentKeys(ctx context.Context) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT DISTINCT agent_key FROM agent_jobs WHERE status = ? ORDER BY agent_key;
`, StatusQueued)
	if err != nil {
		return nil, fmt.Errorf("list agent keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan agent key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// MarkFailed moves a running job that never got a session to failed.
func (q *Queue) MarkFailed(ctx context.Context, agentKey, jobID, reason string) error {
	unlock := q.locks.Lock(agentKey)
	defer unlock()

	res, err := q.db.ExecContext(ctx, `
UPDATE agent_jobs
SET status = ?, failed_at = ?, last_error = ?, position = NULL
WHERE id = ? AND agent_key = ? AND status = ?;
`, StatusFailed, formatTime(q.now()), reason, jobID, agentKey, StatusRunning)
	if err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Finish drops the running job row and appends its run to run_log.
func (q *Queue) Finish(ctx context.Context, rec RunRecord) error {
	return q.recordRun(ctx, rec, true)
}

// RecordInterrupted appends the run to run_log but leaves its job running,
// so Recover puts it back at the front of the queue on the next start.
func (q *Queue) RecordInterrupted(ctx context.Context, rec RunRecord) error {
	return q.recordRun(ctx, rec, false)
}

func (q *Queue) recordRun(ctx context.Context, rec RunRecord, dropJob bool) error {
	if rec.RunID == "" || rec.JobID == "" {
		return fmt.Errorf("%w: run record needs run and job ids", ErrValidation)
	}

	unlock := q.locks.Lock(rec.AgentKey)
	defer unlock()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if dropJob {
		if _, err := tx.ExecContext(ctx, `
DELETE FROM agent_jobs WHERE id = ? AND status = ?;
`, rec.JobID, StatusRunning); err != nil {
			return fmt.Errorf("delete finished job: %w", err)
		}
	}

	stderr := rec.Stderr
	if len(stderr) > maxStderrBytes {
		stderr = stderr[len(stderr)-maxStderrBytes:]
	}
	var stderrVal any
	if stderr != "" {
		stderrVal = stderr
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO run_log(run_id, agent_key, job_id, status, reason, exit_code, started_at, ended_at, last_error, stderr)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, rec.RunID, rec.AgentKey, rec.JobID, rec.Status, rec.Reason, rec.ExitCode,
		formatTime(rec.StartedAt), formatTime(rec.EndedAt), rec.LastError, stderrVal); err != nil {
		return fmt.Errorf("insert run_log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// RecentRuns returns up to limit finished runs for agentKey, newest first.
func (q *Queue) RecentRuns(ctx context.Context, agentKey string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := q.db.QueryContext(ctx, `
SELECT run_id, agent_key, job_id, status, reason, exit_code, started_at, ended_at, last_error, stderr
FROM run_log
WHERE agent_key = ?
ORDER BY ended_at DESC
LIMIT ?;
`, agentKey, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			rec        RunRecord
			exitCode   sql.NullInt64
			startedAtS string
			endedAtS   string
			lastError  sql.NullString
			stderr     sql.NullString
		)
		if err := rows.Scan(&rec.RunID, &rec.AgentKey, &rec.JobID, &rec.Status, &rec.Reason, &exitCode,
			&startedAtS, &endedAtS, &lastError, &stderr); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if exitCode.Valid {
			c := int(exitCode.Int64)
			rec.ExitCode = &c
		}
		rec.StartedAt = parseTime(startedAtS)
		rec.EndedAt = parseTime(endedAtS)
		if lastError.Valid {
			rec.LastError = &lastError.String
		}
		rec.Stderr = stderr.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PruneHistory deletes run_log rows and failed jobs that ended more than
// olderThan ago. Queued and running jobs are never touched.
func (q *Queue) PruneHistory(ctx context.Context, olderThan time.Duration) (PruneReport, error) {
	if olderThan <= 0 {
		return PruneReport{}, fmt.Errorf("%w: retention must be positive", ErrValidation)
	}
	cutoff := formatTime(q.now().Add(-olderThan))

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return PruneReport{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var report PruneReport
	res, err := tx.ExecContext(ctx, `
DELETE FROM run_log WHERE julianday(ended_at) < julianday(?);
`, cutoff)
	if err != nil {
		return PruneReport{}, fmt.Errorf("prune run_log: %w", err)
	}
	n, _ := res.RowsAffected()
	report.Runs = int(n)

	res, err = tx.ExecContext(ctx, `
DELETE FROM agent_jobs WHERE status = ? AND julianday(failed_at) < julianday(?);
`, StatusFailed, cutoff)
	if err != nil {
		return PruneReport{}, fmt.Errorf("prune failed jobs: %w", err)
	}
	n, _ = res.RowsAffected()
	report.FailedJobs = int(n)

	if err := tx.Commit(); err != nil {
		return PruneReport{}, fmt.Errorf("commit tx: %w", err)
	}
	return report, nil
}

// Recover requeues in-flight jobs left behind by a previous process. Any
// running job whose agent has no live session goes back to the front of its
// queue (oldest start first) with status queued. It returns how many jobs
// were requeued.
func (q *Queue) Recover(ctx context.Context, isLive func(agentKey string) bool) (int, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT id, agent_key
FROM agent_jobs
WHERE status = ?
ORDER BY agent_key, started_at ASC, rowid ASC;
`, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("find in-flight jobs: %w", err)
	}

	inflight := make(map[string][]string)
	var agents []string
	for rows.Next() {
		var id, agentKey string
		if err := rows.Scan(&id, &agentKey); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan in-flight job: %w", err)
		}
		if _, seen := inflight[agentKey]; !seen {
			agents = append(agents, agentKey)
		}
		inflight[agentKey] = append(inflight[agentKey], id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	requeued := 0
	for _, agentKey := range agents {
		if isLive != nil && isLive(agentKey) {
			continue
		}
		n, err := q.requeueFront(ctx, agentKey, inflight[agentKey])
		if err != nil {
			return requeued, err
		}
		requeued += n
	}
	return requeued, nil
}

func (q *Queue) requeueFront(ctx context.Context, agentKey string, ids []string) (int, error) {
	unlock := q.locks.Lock(agentKey)
	defer unlock()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
UPDATE agent_jobs SET status = ?, started_at = NULL WHERE id = ? AND status = ?;
`, StatusQueued, id, StatusRunning); err != nil {
			return 0, fmt.Errorf("requeue job %s: %w", id, err)
		}
	}

	// Rows just flipped to queued have a NULL position; rebuild the order
	// with them first.
	order, err := loadOrderTx(ctx, tx, agentKey)
	if err != nil {
		return 0, err
	}
	front := make([]string, 0, len(order))
	front = append(front, ids...)
	for _, id := range order {
		if indexOf(ids, id) < 0 {
			front = append(front, id)
		}
	}
	if err := writeOrderTx(ctx, tx, front); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return len(ids), nil
}

func (q *Queue) query(ctx context.Context, query string, args ...any) ([]*Job, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// loadOrderTx returns the queued job ids for agentKey in position order.
func loadOrderTx(ctx context.Context, tx *sql.Tx, agentKey string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
SELECT id
FROM agent_jobs
WHERE agent_key = ? AND status = ?
ORDER BY position IS NULL, position ASC, queued_at ASC, rowid ASC;
`, agentKey, StatusQueued)
	if err != nil {
		return nil, fmt.Errorf("load queue order: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan queue order: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// writeOrderTx assigns positions 0..n-1 following ids, touching only rows
// whose position changes.
func writeOrderTx(ctx context.Context, tx *sql.Tx, ids []string) error {
	for pos, id := range ids {
		if _, err := tx.ExecContext(ctx, `
UPDATE agent_jobs SET position = ? WHERE id = ? AND position IS NOT ?;
`, pos, id, pos); err != nil {
			return fmt.Errorf("reindex job %s: %w", id, err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j          Job
		position   sql.NullInt64
		statusS    string
		queuedAtS  string
		startedAtS sql.NullString
		failedAtS  sql.NullString
		lastError  sql.NullString
	)
	if err := row.Scan(&j.ID, &j.AgentKey, &j.Payload, &j.ProjectID, &j.ThreadID, &position, &statusS,
		&queuedAtS, &startedAtS, &failedAtS, &lastError); err != nil {
		return nil, err
	}

	j.Status = Status(statusS)
	j.Position = -1
	if position.Valid {
		j.Position = int(position.Int64)
	}
	j.QueuedAt = parseTime(queuedAtS)
	if startedAtS.Valid {
		t := parseTime(startedAtS.String)
		j.StartedAt = &t
	}
	if failedAtS.Valid {
		t := parseTime(failedAtS.String)
		j.FailedAt = &t
	}
	if lastError.Valid {
		j.LastError = &lastError.String
	}
	return &j, nil
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
