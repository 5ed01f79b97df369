// Package dispatch is the single entry point for agent work. It decides
// whether a submission starts a session right away or waits in the agent's
// queue, and it drains the queue whenever a session ends.
//
// All decisions for one agent key are serialized by a per-key lock, so the
// idle check, the queue write and the spawn never interleave with a
// concurrent submission or a termination callback for the same agent.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/mattjoyce/slotd/internal/config"
	"github.com/mattjoyce/slotd/internal/keylock"
	"github.com/mattjoyce/slotd/internal/log"
	"github.com/mattjoyce/slotd/internal/queue"
	"github.com/mattjoyce/slotd/internal/supervisor"
)

const (
	DecisionStarted = "started"
	DecisionQueued  = "queued"

	AgentIdle    = "idle"
	AgentWorking = "working"
)

type SubmitRequest struct {
	AgentKey  string
	Payload   string
	ProjectID string
	ThreadID  string
}

// SubmitResult reports what happened to a submission. RunID is set for
// started jobs, Position for queued ones.
type SubmitResult struct {
	Decision string `json:"status"`
	JobID    string `json:"jobId"`
	RunID    string `json:"runId,omitempty"`
	Position *int   `json:"position,omitempty"`
}

// AgentStatus is the combined queue and session view of one agent.
type AgentStatus struct {
	AgentKey   string              `json:"agentKey"`
	Status     string              `json:"status"`
	QueueDepth int                 `json:"queueDepth"`
	NextJob    *queue.Job          `json:"nextJob,omitempty"`
	Run        *supervisor.Session `json:"run,omitempty"`
}

type Options struct {
	// MaxAdvanceAttempts caps spawn attempts per advance cycle. Zero means
	// the queue length at the start of the cycle.
	MaxAdvanceAttempts int
	Observer           Observer
}

// Dispatcher glues the job queue to the session runner.
type Dispatcher struct {
	queue    JobQueue
	runner   Runner
	opts     Options
	locks    keylock.Map
	stopping atomic.Bool
	logger   *slog.Logger
}

func New(q JobQueue, r Runner, opts Options) *Dispatcher {
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	return &Dispatcher{
		queue:  q,
		runner: r,
		opts:   opts,
		logger: log.WithComponent("dispatch"),
	}
}

// Submit starts the job immediately when the agent is idle with nothing
// queued, otherwise appends it to the agent's queue. A queued submission to
// an idle agent kicks an advance cycle before returning.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if err := validateAgentKey(req.AgentKey); err != nil {
		return nil, err
	}
	if d.stopping.Load() {
		return nil, supervisor.ErrShuttingDown
	}

	unlock := d.locks.Lock(req.AgentKey)
	defer unlock()

	summary, err := d.queue.Summary(ctx, req.AgentKey)
	if err != nil {
		return nil, fmt.Errorf("read queue: %w", err)
	}

	qreq := queue.EnqueueRequest{
		AgentKey:  req.AgentKey,
		Payload:   req.Payload,
		ProjectID: req.ProjectID,
		ThreadID:  req.ThreadID,
	}
	live := d.runner.IsLive(req.AgentKey)

	if !live && summary.Depth == 0 {
		job, err := d.queue.Claim(ctx, qreq)
		if err != nil {
			return nil, err
		}
		runID, err := d.runner.Start(ctx, startRequest(job))
		if errors.Is(err, supervisor.ErrShuttingDown) {
			// Left running; recovery requeues it on the next start.
			return nil, err
		}
		if err != nil {
			d.failJob(ctx, job, err)
			return nil, err
		}
		d.opts.Observer.JobSubmitted(req.AgentKey, DecisionStarted)
		log.WithRun(req.AgentKey, runID).Info("job started", "job_id", job.ID)
		return &SubmitResult{Decision: DecisionStarted, JobID: job.ID, RunID: runID}, nil
	}

	job, err := d.queue.Enqueue(ctx, qreq)
	if err != nil {
		return nil, err
	}
	pos := job.Position
	d.opts.Observer.JobSubmitted(req.AgentKey, DecisionQueued)
	d.opts.Observer.QueueDepthChanged(req.AgentKey, summary.Depth+1)
	log.WithAgent(req.AgentKey).Info("job queued", "job_id", job.ID, "position", pos)

	if !live {
		d.advanceLocked(ctx, req.AgentKey)
	}
	return &SubmitResult{Decision: DecisionQueued, JobID: job.ID, Position: &pos}, nil
}

// HandleOutcome is the supervisor's termination callback. It records the
// run and runs one advance cycle for the agent. Runs ended by shutdown keep
// their job for Recover.
func (d *Dispatcher) HandleOutcome(o supervisor.Outcome) {
	ctx := context.Background()

	unlock := d.locks.Lock(o.AgentKey)
	defer unlock()

	rec := queue.RunRecord{
		RunID:     o.RunID,
		AgentKey:  o.AgentKey,
		JobID:     o.JobID,
		Status:    string(o.State),
		Reason:    o.Reason,
		ExitCode:  o.ExitCode,
		StartedAt: o.StartedAt,
		EndedAt:   o.EndedAt,
		Stderr:    o.Stderr,
	}
	if o.Error != "" {
		msg := o.Error
		rec.LastError = &msg
	}
	record := d.queue.Finish
	if o.Reason == supervisor.ReasonShutdown {
		// The job was cut short by the daemon, not finished by the agent.
		record = d.queue.RecordInterrupted
	}
	if err := record(ctx, rec); err != nil {
		log.WithRun(o.AgentKey, o.RunID).Error("failed to record finished run", "job_id", o.JobID, "error", err)
	}

	if d.stopping.Load() {
		return
	}
	d.advanceLocked(ctx, o.AgentKey)
}

// advanceLocked starts the next queued job for agentKey, marking jobs whose
// session cannot be spawned as failed and moving on. The caller holds the
// agent's lock.
func (d *Dispatcher) advanceLocked(ctx context.Context, agentKey string) {
	if d.runner.IsLive(agentKey) {
		return
	}
	logger := log.WithAgent(agentKey)

	limit := d.opts.MaxAdvanceAttempts
	if limit <= 0 {
		summary, err := d.queue.Summary(ctx, agentKey)
		if err != nil {
			logger.Error("failed to read queue", "error", err)
			return
		}
		limit = summary.Depth
	}

	if d.advance(ctx, agentKey, limit) {
		d.reportDepth(ctx, agentKey)
		return
	}
	if depth := d.reportDepth(ctx, agentKey); depth > 0 {
		logger.Warn("advance attempts exhausted; remaining jobs stay queued", "attempts", limit, "queue_depth", depth)
	}
}

// advance runs up to limit dequeue and start attempts. It reports whether
// the cycle ended on purpose (a session started, the queue ran dry, or the
// supervisor is shutting down) rather than by hitting the cap.
func (d *Dispatcher) advance(ctx context.Context, agentKey string, limit int) bool {
	logger := log.WithAgent(agentKey)
	for attempt := 1; attempt <= limit; attempt++ {
		job, err := d.queue.DequeueNext(ctx, agentKey)
		if err != nil {
			logger.Error("failed to dequeue", "error", err)
			return true
		}
		if job == nil {
			return true
		}

		runID, err := d.runner.Start(ctx, startRequest(job))
		if err == nil {
			log.WithRun(agentKey, runID).Info("job started from queue", "job_id", job.ID, "attempt", attempt)
			return true
		}
		if errors.Is(err, supervisor.ErrShuttingDown) {
			// Left running; recovery requeues it on the next start.
			return true
		}
		d.failJob(ctx, job, err)
		d.opts.Observer.SpawnFailed(agentKey)
	}
	return false
}

func (d *Dispatcher) failJob(ctx context.Context, job *queue.Job, cause error) {
	logger := log.WithJob(job.ID).With("agent_key", job.AgentKey)
	logger.Warn("failed to start session", "error", cause)
	if err := d.queue.MarkFailed(ctx, job.AgentKey, job.ID, cause.Error()); err != nil {
		logger.Error("failed to mark job failed", "error", err)
	}
}

func (d *Dispatcher) reportDepth(ctx context.Context, agentKey string) int {
	summary, err := d.queue.Summary(ctx, agentKey)
	if err != nil {
		return 0
	}
	d.opts.Observer.QueueDepthChanged(agentKey, summary.Depth)
	return summary.Depth
}

func (d *Dispatcher) ListQueue(ctx context.Context, agentKey string) ([]*queue.Job, error) {
	if err := validateAgentKey(agentKey); err != nil {
		return nil, err
	}
	return d.queue.List(ctx, agentKey)
}

func (d *Dispatcher) RemoveFromQueue(ctx context.Context, agentKey, jobID string) error {
	if err := validateAgentKey(agentKey); err != nil {
		return err
	}
	unlock := d.locks.Lock(agentKey)
	defer unlock()

	if err := d.queue.Remove(ctx, agentKey, jobID); err != nil {
		return err
	}
	d.reportDepth(ctx, agentKey)
	return nil
}

// ReorderQueue moves a queued job and returns its effective position.
func (d *Dispatcher) ReorderQueue(ctx context.Context, agentKey, jobID string, position int) (int, error) {
	if err := validateAgentKey(agentKey); err != nil {
		return 0, err
	}
	unlock := d.locks.Lock(agentKey)
	defer unlock()

	return d.queue.Reorder(ctx, agentKey, jobID, position)
}

func (d *Dispatcher) SendMessage(runID, text string) error {
	return d.runner.SendMessage(runID, text)
}

// EndSession ends a run and blocks until it is terminal. The advance that
// follows runs in the termination callback.
func (d *Dispatcher) EndSession(ctx context.Context, runID string) error {
	return d.runner.End(ctx, runID)
}

func (d *Dispatcher) AgentStatus(ctx context.Context, agentKey string) (*AgentStatus, error) {
	if err := validateAgentKey(agentKey); err != nil {
		return nil, err
	}
	summary, err := d.queue.Summary(ctx, agentKey)
	if err != nil {
		return nil, err
	}
	st := &AgentStatus{
		AgentKey:   agentKey,
		Status:     AgentIdle,
		QueueDepth: summary.Depth,
		NextJob:    summary.NextJob,
	}
	if sess, ok := d.runner.Active(agentKey); ok {
		st.Status = AgentWorking
		st.Run = &sess
	}
	return st, nil
}

// Recover requeues jobs left running by a previous process and starts an
// advance cycle for every agent with a backlog. It returns the number of
// requeued jobs.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	n, err := d.queue.Recover(ctx, d.runner.IsLive)
	if err != nil {
		return 0, fmt.Errorf("recover queue: %w", err)
	}
	keys, err := d.queue.AgentKeys(ctx)
	if err != nil {
		return n, fmt.Errorf("list agents: %w", err)
	}
	for _, key := range keys {
		unlock := d.locks.Lock(key)
		d.advanceLocked(ctx, key)
		unlock()
	}
	if n > 0 {
		d.logger.Info("recovered in-flight jobs", "count", n, "agents", len(keys))
	}
	return n, nil
}

// Stop makes the dispatcher reject new submissions and stop advancing
// queues. Sessions ended afterwards are still recorded.
func (d *Dispatcher) Stop() {
	d.stopping.Store(true)
}

func startRequest(job *queue.Job) supervisor.StartRequest {
	return supervisor.StartRequest{
		AgentKey:  job.AgentKey,
		JobID:     job.ID,
		Payload:   job.Payload,
		ProjectID: job.ProjectID,
		ThreadID:  job.ThreadID,
	}
}

func validateAgentKey(agentKey string) error {
	if !config.ValidAgentKey(agentKey) {
		return fmt.Errorf("%w: invalid agent key %q", queue.ErrValidation, agentKey)
	}
	return nil
}
