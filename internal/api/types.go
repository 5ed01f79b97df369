package api

import "github.com/mattjoyce/slotd/internal/queue"

// SubmitRequest is the JSON body for POST /agents/{agentKey}/jobs
type SubmitRequest struct {
	Payload   string `json:"payload"`
	ProjectID string `json:"projectId,omitempty"`
	ThreadID  string `json:"threadId,omitempty"`
}

// SubmitResponse is returned for both immediate starts (201) and queued
// submissions (202).
type SubmitResponse struct {
	JobID    string `json:"jobId"`
	Started  bool   `json:"started"`
	Queued   bool   `json:"queued"`
	RunID    string `json:"runId,omitempty"`
	Position *int   `json:"position,omitempty"`
}

// QueueResponse is returned by GET /agents/{agentKey}/queue
type QueueResponse struct {
	AgentKey string       `json:"agentKey"`
	Jobs     []*queue.Job `json:"jobs"`
}

// PositionRequest is the JSON body for PUT .../queue/{jobID}/position
type PositionRequest struct {
	Position *int `json:"position"`
}

type PositionResponse struct {
	JobID    string `json:"jobId"`
	Position int    `json:"position"`
}

// MessageRequest is the JSON body for POST /runs/{runID}/messages
type MessageRequest struct {
	Text string `json:"text"`
}

// RunsResponse is returned by GET /agents/{agentKey}/runs
type RunsResponse struct {
	AgentKey string            `json:"agentKey"`
	Runs     []queue.RunRecord `json:"runs"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status         string `json:"status"`
	UptimeSeconds  int64  `json:"uptimeSeconds"`
	QueueDepth     int    `json:"queueDepth"`
	ActiveSessions int    `json:"activeSessions"`
}
