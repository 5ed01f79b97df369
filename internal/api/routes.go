package api

import (
	"net/http"

	"github.com/mattjoyce/slotd/internal/auth"
)

// route is one protected endpoint. The table drives both the router and the
// OpenAPI document.
type route struct {
	method      string
	pattern     string
	operationID string
	summary     string
	scopes      []string
	handler     http.HandlerFunc
	// responses maps status codes to descriptions for the OpenAPI document.
	responses map[string]string
}

func (s *Server) routes() []route {
	jobsRO := []string{auth.ScopeJobsRO, auth.ScopeAll}
	jobsRW := []string{auth.ScopeJobsRW, auth.ScopeAll}
	runsRO := []string{auth.ScopeRunsRO, auth.ScopeAll}
	runsRW := []string{auth.ScopeRunsRW, auth.ScopeAll}
	eventsRO := []string{auth.ScopeEventsRO, auth.ScopeAll}

	return []route{
		{
			method: http.MethodPost, pattern: "/agents/{agentKey}/jobs",
			operationID: "submitOrStart", summary: "Start a job on an idle agent or queue it",
			scopes: jobsRW, handler: s.handleSubmit,
			responses: map[string]string{"201": "Session started", "202": "Job queued", "400": "Invalid request", "502": "Agent process could not be spawned"},
		},
		{
			method: http.MethodGet, pattern: "/agents/{agentKey}/queue",
			operationID: "listQueue", summary: "List queued jobs in order",
			scopes: jobsRO, handler: s.handleListQueue,
			responses: map[string]string{"200": "Queued jobs", "400": "Invalid agent key"},
		},
		{
			method: http.MethodDelete, pattern: "/agents/{agentKey}/queue/{jobID}",
			operationID: "removeFromQueue", summary: "Remove a queued or failed job",
			scopes: jobsRW, handler: s.handleRemoveFromQueue,
			responses: map[string]string{"204": "Removed", "400": "Job is running", "404": "Job not found"},
		},
		{
			method: http.MethodPut, pattern: "/agents/{agentKey}/queue/{jobID}/position",
			operationID: "reorderQueue", summary: "Move a queued job to a new position",
			scopes: jobsRW, handler: s.handleReorder,
			responses: map[string]string{"200": "Effective position", "400": "Invalid position", "404": "Job not found"},
		},
		{
			method: http.MethodGet, pattern: "/agents/{agentKey}/status",
			operationID: "agentStatus", summary: "Agent session and queue summary",
			scopes: jobsRO, handler: s.handleAgentStatus,
			responses: map[string]string{"200": "Agent status", "400": "Invalid agent key"},
		},
		{
			method: http.MethodGet, pattern: "/agents/{agentKey}/failed",
			operationID: "listFailed", summary: "Jobs whose session could not be spawned",
			scopes: jobsRO, handler: s.handleListFailed,
			responses: map[string]string{"200": "Failed jobs", "400": "Invalid agent key"},
		},
		{
			method: http.MethodGet, pattern: "/agents/{agentKey}/runs",
			operationID: "listRuns", summary: "Finished runs, newest first",
			scopes: jobsRO, handler: s.handleListRuns,
			responses: map[string]string{"200": "Run history", "400": "Invalid agent key or limit"},
		},
		{
			method: http.MethodGet, pattern: "/runs",
			operationID: "listSessions", summary: "Live sessions",
			scopes: runsRO, handler: s.handleListSessions,
			responses: map[string]string{"200": "Live sessions"},
		},
		{
			method: http.MethodGet, pattern: "/runs/{runID}",
			operationID: "getRun", summary: "Live or recently ended session",
			scopes: runsRO, handler: s.handleGetRun,
			responses: map[string]string{"200": "Session", "404": "Run not found"},
		},
		{
			method: http.MethodPost, pattern: "/runs/{runID}/messages",
			operationID: "sendMessage", summary: "Send a follow-up message to a live session",
			scopes: runsRW, handler: s.handleSendMessage,
			responses: map[string]string{"202": "Delivered", "400": "Empty message", "404": "Run not found", "409": "Session ended"},
		},
		{
			method: http.MethodPost, pattern: "/runs/{runID}/end",
			operationID: "endSession", summary: "End a session and wait for it to stop",
			scopes: runsRW, handler: s.handleEndSession,
			responses: map[string]string{"200": "Session ended", "404": "Run not found"},
		},
		{
			method: http.MethodGet, pattern: "/runs/{runID}/events",
			operationID: "subscribeEvents", summary: "Stream run events (SSE) with replay from Last-Event-ID",
			scopes: eventsRO, handler: s.handleEvents,
			responses: map[string]string{"200": "text/event-stream", "404": "Run not found"},
		},
	}
}
