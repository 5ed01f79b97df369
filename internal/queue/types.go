package queue

import (
	"errors"
	"time"
)

type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusFailed  Status = "failed"
)

// Job is one unit of requested agent work. Position is only meaningful for
// queued jobs and is -1 otherwise.
type Job struct {
	ID        string     `json:"id"`
	AgentKey  string     `json:"agentKey"`
	Payload   string     `json:"payload"`
	ProjectID string     `json:"projectId,omitempty"`
	ThreadID  string     `json:"threadId,omitempty"`
	Position  int        `json:"position"`
	Status    Status     `json:"status"`
	QueuedAt  time.Time  `json:"queuedAt"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	FailedAt  *time.Time `json:"failedAt,omitempty"`
	LastError *string    `json:"lastError,omitempty"`
}

type EnqueueRequest struct {
	AgentKey  string
	Payload   string
	ProjectID string
	ThreadID  string
}

// Summary is the derived per-agent queue view. It is always computed from
// the live rows, never stored.
type Summary struct {
	AgentKey string `json:"agentKey"`
	Depth    int    `json:"depth"`
	NextJob  *Job   `json:"nextJob,omitempty"`
}

// RunRecord is the history row written when a session finishes.
type RunRecord struct {
	RunID     string    `json:"runId"`
	AgentKey  string    `json:"agentKey"`
	JobID     string    `json:"jobId"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason"`
	ExitCode  *int      `json:"exitCode,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt"`
	LastError *string   `json:"lastError,omitempty"`
	Stderr    string    `json:"-"`
}

var (
	ErrJobNotFound = errors.New("job not found")
	// ErrValidation marks requests rejected before any state was touched.
	ErrValidation = errors.New("invalid request")
)

// PruneReport counts rows removed by PruneHistory.
type PruneReport struct {
	Runs       int
	FailedJobs int
}
