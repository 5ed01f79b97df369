package supervisor

import (
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle state of a session.
type State string

const (
	StateStarted   State = "started"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Reasons recorded with a terminal state.
const (
	ReasonExit     = "exit"
	ReasonEnded    = "ended"
	ReasonTimeout  = "inactivity_timeout"
	ReasonIOError  = "io_error"
	ReasonShutdown = "shutdown"
)

var (
	ErrAgentBusy    = errors.New("agent already has a live session")
	ErrRunNotFound  = errors.New("run not found")
	ErrSessionEnded = errors.New("session has ended")
	ErrEmptyMessage = errors.New("message is empty")
	ErrShuttingDown = errors.New("supervisor is shutting down")
)

// SpawnError reports that a session could not be started. Nothing was
// registered for the agent when it is returned.
type SpawnError struct {
	AgentKey string
	Err      error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn agent %q: %v", e.AgentKey, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// StartRequest describes the job a new session runs.
type StartRequest struct {
	AgentKey  string
	JobID     string
	Payload   string
	ProjectID string
	ThreadID  string
}

// Session is a point-in-time snapshot of a run.
type Session struct {
	RunID          string     `json:"runId"`
	AgentKey       string     `json:"agentKey"`
	JobID          string     `json:"jobId"`
	State          State      `json:"state"`
	PID            int        `json:"pid,omitempty"`
	Dir            string     `json:"dir"`
	StartedAt      time.Time  `json:"startedAt"`
	LastActivityAt time.Time  `json:"lastActivityAt"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
	Reason         string     `json:"reason,omitempty"`
}

// Outcome is delivered once per session when it reaches a terminal state.
type Outcome struct {
	RunID     string
	AgentKey  string
	JobID     string
	State     State
	Reason    string
	ExitCode  *int
	Error     string
	Stderr    string
	StartedAt time.Time
	EndedAt   time.Time
}

// Observer receives lifecycle counts for metrics.
type Observer interface {
	SessionStarted(agentKey string)
	SessionEnded(agentKey string, state State, reason string)
	MalformedLine(agentKey string)
}

type nopObserver struct{}

func (nopObserver) SessionStarted(string)              {}
func (nopObserver) SessionEnded(string, State, string) {}
func (nopObserver) MalformedLine(string)               {}
