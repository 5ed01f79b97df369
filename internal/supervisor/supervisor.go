package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/slotd/internal/config"
	"github.com/mattjoyce/slotd/internal/events"
	"github.com/mattjoyce/slotd/internal/keylock"
	"github.com/mattjoyce/slotd/internal/log"
	"github.com/mattjoyce/slotd/internal/protocol"
	"github.com/mattjoyce/slotd/internal/workspace"
)

const (
	// maxStderrBytes caps the stderr tail kept for the run log.
	maxStderrBytes = 64 * 1024

	// maxLineBytes bounds one stdout record. Tool results can be large.
	maxLineBytes = 1024 * 1024

	recordBuffer   = 64
	recentRunsKept = 1024

	defaultEndGrace = 5 * time.Second
)

// EventSink is the part of the event bus the supervisor writes to.
type EventSink interface {
	Open(runID string) error
	Publish(runID string, t events.Type, payload any) (events.Event, error)
	Close(runID string, payload events.ClosePayload) (events.Event, error)
}

type Options struct {
	// Launch returns the command line for an agent.
	Launch     func(agentKey string) config.LaunchSpec
	Workspaces workspace.Resolver
	Events     EventSink

	// InactivityTimeout ends a session that has seen neither input nor
	// output for this long. Zero disables it.
	InactivityTimeout time.Duration
	// EndGrace is how long End waits after EndSignal before killing.
	EndGrace  time.Duration
	EndSignal syscall.Signal

	// OnTerminal is called exactly once per started session, after the
	// session has been removed from the registry.
	OnTerminal func(Outcome)
	Observer   Observer
}

// Supervisor owns agent subprocesses. It keeps at most one live session per
// agent key in an explicit registry; Start for a key is serialized by a
// per-key lock so the busy check and the spawn cannot interleave.
type Supervisor struct {
	opts   Options
	logger *slog.Logger
	locks  keylock.Map

	mu          sync.Mutex
	byAgent     map[string]*session
	byRun       map[string]*session
	recent      map[string]Session
	recentOrder []string
	closing     bool

	wg sync.WaitGroup
}

type session struct {
	runID    string
	agentKey string
	jobID    string
	dir      string
	logger   *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *tailBuffer

	// writeMu serializes writes to stdin.
	writeMu sync.Mutex

	mu             sync.Mutex
	state          State
	ending         bool
	endReason      string
	ioErr          error
	startedAt      time.Time
	lastActivityAt time.Time
	endedAt        time.Time
	timer          *time.Timer

	done chan struct{}
}

func New(opts Options) (*Supervisor, error) {
	if opts.Launch == nil {
		return nil, fmt.Errorf("supervisor: launch func is required")
	}
	if opts.Workspaces == nil {
		return nil, fmt.Errorf("supervisor: workspace resolver is required")
	}
	if opts.Events == nil {
		return nil, fmt.Errorf("supervisor: event sink is required")
	}
	if opts.EndGrace <= 0 {
		opts.EndGrace = defaultEndGrace
	}
	if opts.EndSignal == 0 {
		opts.EndSignal = syscall.SIGTERM
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	return &Supervisor{
		opts:    opts,
		logger:  log.WithComponent("supervisor"),
		byAgent: make(map[string]*session),
		byRun:   make(map[string]*session),
		recent:  make(map[string]Session),
	}, nil
}

// SetOnTerminal replaces the completion callback. It must be called before
// the first Start.
func (s *Supervisor) SetOnTerminal(fn func(Outcome)) {
	s.opts.OnTerminal = fn
}

// Start spawns a session for req.AgentKey and returns its run id. The job
// payload is written as the first input line. It fails with ErrAgentBusy if
// the agent already has a live session and with *SpawnError if the process
// could not be started.
func (s *Supervisor) Start(ctx context.Context, req StartRequest) (string, error) {
	if strings.TrimSpace(req.AgentKey) == "" {
		return "", fmt.Errorf("agent key is empty")
	}

	unlock := s.locks.Lock(req.AgentKey)
	defer unlock()

	s.mu.Lock()
	closing := s.closing
	_, busy := s.byAgent[req.AgentKey]
	s.mu.Unlock()
	if closing {
		return "", ErrShuttingDown
	}
	if busy {
		return "", ErrAgentBusy
	}

	spawnErr := func(err error) error {
		return &SpawnError{AgentKey: req.AgentKey, Err: err}
	}

	dir, err := s.opts.Workspaces.Resolve(ctx, req.AgentKey, req.ProjectID)
	if err != nil {
		return "", spawnErr(fmt.Errorf("resolve workspace: %w", err))
	}
	input, err := protocol.EncodeUserMessage(req.Payload)
	if err != nil {
		return "", spawnErr(err)
	}

	spec := s.opts.Launch(req.AgentKey)
	if spec.Command == "" {
		return "", spawnErr(fmt.Errorf("no command configured"))
	}
	runID := uuid.NewString()

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = dir
	cmd.Env = buildEnv(spec.Env, req, runID)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", spawnErr(fmt.Errorf("create stdin pipe: %w", err))
	}
	// stdout is our own pipe rather than StdoutPipe so Wait can run while
	// the reader is still draining it.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return "", spawnErr(fmt.Errorf("create stdout pipe: %w", err))
	}
	cmd.Stdout = stdoutW
	stderr := newTailBuffer(maxStderrBytes)
	cmd.Stderr = stderr
	isolate(cmd)

	err = cmd.Start()
	_ = stdoutW.Close()
	if err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return "", spawnErr(fmt.Errorf("start process: %w", err))
	}

	if err := s.opts.Events.Open(runID); err != nil {
		_ = killGroup(cmd.Process)
		_ = cmd.Wait()
		_ = stdout.Close()
		return "", spawnErr(fmt.Errorf("open event log: %w", err))
	}

	now := time.Now().UTC()
	sess := &session{
		runID:          runID,
		agentKey:       req.AgentKey,
		jobID:          req.JobID,
		dir:            dir,
		logger:         log.WithRun(req.AgentKey, runID).With("job_id", req.JobID),
		cmd:            cmd,
		stdin:          stdin,
		stderr:         stderr,
		state:          StateStarted,
		startedAt:      now,
		lastActivityAt: now,
		done:           make(chan struct{}),
	}

	s.mu.Lock()
	s.byAgent[req.AgentKey] = sess
	s.byRun[runID] = sess
	s.mu.Unlock()
	s.opts.Observer.SessionStarted(req.AgentKey)

	sess.logger.Info("session started", "pid", cmd.Process.Pid, "command", spec.Command, "dir", dir)

	if timeout := s.opts.InactivityTimeout; timeout > 0 {
		sess.mu.Lock()
		sess.timer = time.AfterFunc(timeout, func() { s.expire(sess) })
		sess.mu.Unlock()
	}

	records := make(chan protocol.Record, recordBuffer)
	readErr := make(chan error, 1)
	exited := make(chan error, 1)
	go s.read(sess, stdout, records, readErr)
	go func() { exited <- cmd.Wait() }()
	s.wg.Add(1)
	go s.pump(sess, stdout, records, readErr, exited)

	// The payload is written in the background; messages sent meanwhile
	// queue behind it on writeMu.
	sess.writeMu.Lock()
	go s.writeInitial(sess, input)

	return runID, nil
}

// writeInitial delivers the job payload. The caller holds writeMu and it is
// released here.
func (s *Supervisor) writeInitial(sess *session, input []byte) {
	defer sess.writeMu.Unlock()

	_, err := sess.stdin.Write(input)
	if err == nil {
		return
	}

	sess.mu.Lock()
	// Closing stdin to end the session also fails a pending write.
	ending := sess.ending || sess.state.Terminal()
	if !ending && sess.ioErr == nil {
		sess.ioErr = fmt.Errorf("write initial payload: %w", err)
	}
	sess.mu.Unlock()
	if ending {
		return
	}
	sess.logger.Error("failed to write initial payload", "error", err)
	_ = killGroup(sess.cmd.Process)
}

// SendMessage writes text to the session as one input line and resets its
// inactivity timer. Writes are serialized per session.
func (s *Supervisor) SendMessage(runID, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	sess, err := s.lookup(runID)
	if err != nil {
		return err
	}
	data, err := protocol.EncodeUserMessage(text)
	if err != nil {
		return err
	}

	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()

	sess.mu.Lock()
	if sess.state.Terminal() || sess.ending {
		sess.mu.Unlock()
		return ErrSessionEnded
	}
	sess.touchLocked(s.opts.InactivityTimeout)
	sess.mu.Unlock()

	if _, err := sess.stdin.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrSessionEnded, err)
	}
	sess.logger.Debug("message sent", "bytes", len(data))
	return nil
}

// End asks the session to exit: stdin is closed and the end signal is sent;
// after the grace period the process is killed. It returns once the session
// is terminal or ctx is done. Ending an already finished run is a no-op.
func (s *Supervisor) End(ctx context.Context, runID string) error {
	sess, err := s.lookup(runID)
	if errors.Is(err, ErrSessionEnded) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.end(ctx, sess, ReasonEnded)
}

// Active returns the live session for agentKey, if any.
func (s *Supervisor) Active(agentKey string) (Session, bool) {
	s.mu.Lock()
	sess, ok := s.byAgent[agentKey]
	s.mu.Unlock()
	if !ok {
		return Session{}, false
	}
	return sess.snapshot(), true
}

// IsLive reports whether agentKey has a live session.
func (s *Supervisor) IsLive(agentKey string) bool {
	_, ok := s.Active(agentKey)
	return ok
}

// Session returns a snapshot of a live or recently finished run.
func (s *Supervisor) Session(runID string) (Session, error) {
	s.mu.Lock()
	sess, ok := s.byRun[runID]
	ended, wasEnded := s.recent[runID]
	s.mu.Unlock()

	switch {
	case ok:
		return sess.snapshot(), nil
	case wasEnded:
		return ended, nil
	default:
		return Session{}, ErrRunNotFound
	}
}

// WorkingIn reports whether a live session runs in dir.
func (s *Supervisor) WorkingIn(dir string) bool {
	for _, sess := range s.Sessions() {
		if sess.Dir == dir {
			return true
		}
	}
	return false
}

// Sessions returns snapshots of all live sessions ordered by agent key.
func (s *Supervisor) Sessions() []Session {
	s.mu.Lock()
	live := make([]*session, 0, len(s.byAgent))
	for _, sess := range s.byAgent {
		live = append(live, sess)
	}
	s.mu.Unlock()

	out := make([]Session, 0, len(live))
	for _, sess := range live {
		out = append(out, sess.snapshot())
	}
	slices.SortFunc(out, func(a, b Session) int { return strings.Compare(a.AgentKey, b.AgentKey) })
	return out
}

// Shutdown refuses new sessions, ends every live one and waits for their
// goroutines to finish or ctx to expire.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	live := make([]*session, 0, len(s.byAgent))
	for _, sess := range s.byAgent {
		live = append(live, sess)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range live {
		wg.Add(1)
		go func(sess *session) {
			defer wg.Done()
			if err := s.end(ctx, sess, ReasonShutdown); err != nil {
				sess.logger.Warn("session did not end before shutdown deadline", "error", err)
			}
		}(sess)
	}
	wg.Wait()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) lookup(runID string) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.byRun[runID]; ok {
		return sess, nil
	}
	if _, ok := s.recent[runID]; ok {
		return nil, ErrSessionEnded
	}
	return nil, ErrRunNotFound
}

func (s *Supervisor) end(ctx context.Context, sess *session, reason string) error {
	sess.mu.Lock()
	if sess.state.Terminal() {
		sess.mu.Unlock()
		return nil
	}
	first := !sess.ending
	if first {
		sess.ending = true
		sess.endReason = reason
	}
	sess.mu.Unlock()

	if first {
		sess.logger.Info("ending session", "reason", reason, "signal", s.opts.EndSignal.String())
		_ = sess.stdin.Close()
		if err := signalGroup(sess.cmd.Process, s.opts.EndSignal); err != nil && !errors.Is(err, os.ErrProcessDone) {
			sess.logger.Warn("failed to signal agent", "error", err)
		}

		go func() {
			grace := time.NewTimer(s.opts.EndGrace)
			defer grace.Stop()
			select {
			case <-sess.done:
			case <-grace.C:
				sess.logger.Warn("agent did not exit after signal, sending SIGKILL")
				if err := killGroup(sess.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
					sess.logger.Error("failed to send SIGKILL", "error", err)
				}
			}
		}()
	}

	select {
	case <-sess.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// expire runs when the inactivity timer fires.
func (s *Supervisor) expire(sess *session) {
	timeout := s.opts.InactivityTimeout

	sess.mu.Lock()
	if sess.state.Terminal() || sess.ending {
		sess.mu.Unlock()
		return
	}
	// Activity may have landed between the timer firing and taking the lock.
	if idle := time.Since(sess.lastActivityAt); idle < timeout {
		sess.timer.Reset(timeout - idle)
		sess.mu.Unlock()
		return
	}
	sess.mu.Unlock()

	sess.logger.Info("session inactive, ending", "timeout", timeout.String())
	rec := protocol.Record{
		Kind:   protocol.KindStatus,
		Status: protocol.StatusTimeout,
		Text:   fmt.Sprintf("No input for %s; ending session", timeout),
	}
	if _, err := s.opts.Events.Publish(sess.runID, events.TypeToolStatus, rec.Payload()); err != nil {
		sess.logger.Warn("failed to publish timeout status", "error", err)
	}
	_ = s.end(context.Background(), sess, ReasonTimeout)
}

// read is the only consumer of the session's stdout. Malformed and
// oversized lines are skipped.
func (s *Supervisor) read(sess *session, stdout io.Reader, out chan<- protocol.Record, errc chan<- error) {
	defer close(out)

	parser := protocol.NewParser()
	r := bufio.NewReaderSize(stdout, 64*1024)
	var buf []byte

	for {
		line, oversized, err := readLine(r, buf, maxLineBytes)
		buf = line[:0]
		switch {
		case oversized:
			sess.logger.Warn("skipping oversized output line", "limit_bytes", maxLineBytes)
			s.opts.Observer.MalformedLine(sess.agentKey)
		case len(line) > 0:
			recs, perr := parser.ParseLine(line)
			if perr != nil {
				sess.logger.Warn("skipping malformed output line", "error", perr)
				s.opts.Observer.MalformedLine(sess.agentKey)
				break
			}
			for _, rec := range recs {
				out <- rec
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			errc <- err
			return
		}
	}
}

// pump moves parsed records into the event bus until stdout is drained and
// the process has been reaped, then finalizes the session.
func (s *Supervisor) pump(sess *session, stdout *os.File, records <-chan protocol.Record, readErr, exited <-chan error) {
	defer s.wg.Done()

	var (
		waitErr  error
		exitSeen bool
		drain    <-chan time.Time
	)
	for records != nil {
		select {
		case rec, ok := <-records:
			if !ok {
				records = nil
				continue
			}
			s.publish(sess, rec)
		case waitErr = <-exited:
			exitSeen, exited = true, nil
			// Children left in the agent's group would hold stdout open.
			_ = killGroup(sess.cmd.Process)
			drainTimer := time.NewTimer(outputDrainDelay)
			defer drainTimer.Stop()
			drain = drainTimer.C
		case <-drain:
			drain = nil
			sess.logger.Warn("agent stdout still open after exit, closing it")
			_ = stdout.Close()
		}
	}

	if err := <-readErr; err != nil && !errors.Is(err, os.ErrClosed) {
		sess.logger.Error("stdout reader failed", "error", err)
		sess.mu.Lock()
		if sess.ioErr == nil {
			sess.ioErr = fmt.Errorf("read output: %w", err)
		}
		sess.mu.Unlock()
		_ = killGroup(sess.cmd.Process)
	}
	if !exitSeen {
		waitErr = <-exited
	}
	_ = stdout.Close()

	if errors.Is(waitErr, exec.ErrWaitDelay) {
		sess.logger.Warn("agent stderr outlived the process")
		waitErr = nil
	}
	s.finalize(sess, waitErr)
}

func (s *Supervisor) publish(sess *session, rec protocol.Record) {
	sess.mu.Lock()
	if sess.state == StateStarted {
		sess.state = StateActive
	}
	sess.touchLocked(s.opts.InactivityTimeout)
	sess.mu.Unlock()

	t, payload := eventFor(rec)
	if _, err := s.opts.Events.Publish(sess.runID, t, payload); err != nil {
		sess.logger.Warn("failed to publish event", "type", string(t), "error", err)
	}
}

func (s *Supervisor) finalize(sess *session, waitErr error) {
	now := time.Now().UTC()

	var exitCode *int
	if ps := sess.cmd.ProcessState; ps != nil {
		if code := ps.ExitCode(); code >= 0 {
			exitCode = &code
		}
	}

	sess.mu.Lock()
	state := StateCompleted
	reason := sess.endReason
	var errText string
	switch {
	case reason != "":
		// Explicit end, inactivity timeout or shutdown.
	case sess.ioErr != nil:
		state, reason, errText = StateFailed, ReasonIOError, sess.ioErr.Error()
	case waitErr == nil:
		reason = ReasonExit
	default:
		state, reason, errText = StateFailed, ReasonExit, waitErr.Error()
	}
	sess.state = state
	sess.endReason = reason
	sess.endedAt = now
	if sess.timer != nil {
		sess.timer.Stop()
	}
	sess.mu.Unlock()

	_ = sess.stdin.Close()
	snap := sess.snapshot()

	s.mu.Lock()
	if cur, ok := s.byAgent[sess.agentKey]; ok && cur == sess {
		delete(s.byAgent, sess.agentKey)
	}
	delete(s.byRun, sess.runID)
	s.rememberLocked(snap)
	s.mu.Unlock()

	if _, err := s.opts.Events.Close(sess.runID, events.ClosePayload{
		Status:   string(state),
		Reason:   reason,
		Error:    errText,
		ExitCode: exitCode,
	}); err != nil {
		sess.logger.Warn("failed to close event log", "error", err)
	}
	close(sess.done)
	s.opts.Observer.SessionEnded(sess.agentKey, state, reason)

	attrs := []any{"state", string(state), "reason", reason, "duration", now.Sub(sess.startedAt).String()}
	if exitCode != nil {
		attrs = append(attrs, "exit_code", *exitCode)
	}
	if state == StateFailed {
		sess.logger.Warn("session failed", append(attrs, "error", errText)...)
	} else {
		sess.logger.Info("session finished", attrs...)
	}

	if s.opts.OnTerminal != nil {
		s.opts.OnTerminal(Outcome{
			RunID:     sess.runID,
			AgentKey:  sess.agentKey,
			JobID:     sess.jobID,
			State:     state,
			Reason:    reason,
			ExitCode:  exitCode,
			Error:     errText,
			Stderr:    sess.stderr.String(),
			StartedAt: sess.startedAt,
			EndedAt:   now,
		})
	}
}

func (s *Supervisor) rememberLocked(snap Session) {
	s.recent[snap.RunID] = snap
	s.recentOrder = append(s.recentOrder, snap.RunID)
	if len(s.recentOrder) > recentRunsKept {
		evict := s.recentOrder[0]
		s.recentOrder = s.recentOrder[1:]
		delete(s.recent, evict)
	}
}

func (sess *session) touchLocked(timeout time.Duration) {
	sess.lastActivityAt = time.Now().UTC()
	if sess.timer != nil && timeout > 0 {
		sess.timer.Reset(timeout)
	}
}

func (sess *session) snapshot() Session {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	snap := Session{
		RunID:          sess.runID,
		AgentKey:       sess.agentKey,
		JobID:          sess.jobID,
		State:          sess.state,
		Dir:            sess.dir,
		StartedAt:      sess.startedAt,
		LastActivityAt: sess.lastActivityAt,
		Reason:         sess.endReason,
	}
	if sess.cmd.Process != nil {
		snap.PID = sess.cmd.Process.Pid
	}
	if !sess.endedAt.IsZero() {
		ended := sess.endedAt
		snap.EndedAt = &ended
	}
	return snap
}

func eventFor(rec protocol.Record) (events.Type, map[string]any) {
	switch rec.Kind {
	case protocol.KindToken:
		return events.TypeToken, rec.Payload()
	case protocol.KindThinkingStart:
		return events.TypeThinkingStart, rec.Payload()
	case protocol.KindThinkingEnd:
		return events.TypeThinkingEnd, rec.Payload()
	case protocol.KindError:
		return events.TypeError, rec.Payload()
	case protocol.KindStatus:
		p := rec.Payload()
		if _, ok := p["message"]; !ok {
			p["message"] = statusMessage(rec.Status)
		}
		return events.TypeToolStatus, p
	default:
		return events.TypeToolStatus, rec.Payload()
	}
}

func statusMessage(status string) string {
	switch status {
	case protocol.StatusInit:
		return "Session started"
	case protocol.StatusIdle:
		return "Waiting for input"
	default:
		return status
	}
}

func buildEnv(extra map[string]string, req StartRequest, runID string) []string {
	env := os.Environ()
	for _, k := range slices.Sorted(maps.Keys(extra)) {
		env = append(env, k+"="+extra[k])
	}
	return append(env,
		"SLOTD_AGENT_KEY="+req.AgentKey,
		"SLOTD_RUN_ID="+runID,
		"SLOTD_JOB_ID="+req.JobID,
		"SLOTD_PROJECT_ID="+req.ProjectID,
		"SLOTD_THREAD_ID="+req.ThreadID,
	)
}
