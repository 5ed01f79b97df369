package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/slotd/internal/config"
	"github.com/mattjoyce/slotd/internal/dispatch"
	"github.com/mattjoyce/slotd/internal/events"
	"github.com/mattjoyce/slotd/internal/queue"
	"github.com/mattjoyce/slotd/internal/supervisor"
)

const (
	maxBodyBytes     = 1 << 20
	defaultRunsLimit = 20
	maxRunsLimit     = 500
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	depth, err := s.deps.History.Depth(r.Context())
	if err != nil {
		s.logger.Error("failed to compute queue depth", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute queue depth")
		return
	}

	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:         "ok",
		UptimeSeconds:  int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:     depth,
		ActiveSessions: len(s.deps.Sessions.Sessions()),
	})
}

// handleSubmit handles POST /agents/{agentKey}/jobs.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	res, err := s.deps.Dispatcher.Submit(r.Context(), dispatch.SubmitRequest{
		AgentKey:  chi.URLParam(r, "agentKey"),
		Payload:   req.Payload,
		ProjectID: req.ProjectID,
		ThreadID:  req.ThreadID,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	resp := SubmitResponse{JobID: res.JobID}
	status := http.StatusAccepted
	switch res.Decision {
	case dispatch.DecisionStarted:
		resp.Started = true
		resp.RunID = res.RunID
		status = http.StatusCreated
	default:
		resp.Queued = true
		resp.Position = res.Position
	}
	respondJSON(w, status, resp)
}

// handleListQueue handles GET /agents/{agentKey}/queue.
func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	agentKey := chi.URLParam(r, "agentKey")
	jobs, err := s.deps.Dispatcher.ListQueue(r.Context(), agentKey)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*queue.Job{}
	}
	respondJSON(w, http.StatusOK, QueueResponse{AgentKey: agentKey, Jobs: jobs})
}

// handleRemoveFromQueue handles DELETE /agents/{agentKey}/queue/{jobID}.
func (s *Server) handleRemoveFromQueue(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Dispatcher.RemoveFromQueue(r.Context(), chi.URLParam(r, "agentKey"), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleReorder handles PUT /agents/{agentKey}/queue/{jobID}/position.
func (s *Server) handleReorder(w http.ResponseWriter, r *http.Request) {
	var req PositionRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Position == nil {
		s.writeError(w, http.StatusBadRequest, "position is required")
		return
	}

	jobID := chi.URLParam(r, "jobID")
	pos, err := s.deps.Dispatcher.ReorderQueue(r.Context(), chi.URLParam(r, "agentKey"), jobID, *req.Position)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, PositionResponse{JobID: jobID, Position: pos})
}

// handleAgentStatus handles GET /agents/{agentKey}/status.
func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Dispatcher.AgentStatus(r.Context(), chi.URLParam(r, "agentKey"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// handleListFailed handles GET /agents/{agentKey}/failed.
func (s *Server) handleListFailed(w http.ResponseWriter, r *http.Request) {
	agentKey := chi.URLParam(r, "agentKey")
	if !config.ValidAgentKey(agentKey) {
		s.writeError(w, http.StatusBadRequest, "invalid agent key")
		return
	}
	jobs, err := s.deps.History.ListFailed(r.Context(), agentKey)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*queue.Job{}
	}
	respondJSON(w, http.StatusOK, QueueResponse{AgentKey: agentKey, Jobs: jobs})
}

// handleListRuns handles GET /agents/{agentKey}/runs?limit=N.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	agentKey := chi.URLParam(r, "agentKey")
	if !config.ValidAgentKey(agentKey) {
		s.writeError(w, http.StatusBadRequest, "invalid agent key")
		return
	}
	limit := defaultRunsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunsLimit)
	}

	runs, err := s.deps.History.RecentRuns(r.Context(), agentKey, limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if runs == nil {
		runs = []queue.RunRecord{}
	}
	respondJSON(w, http.StatusOK, RunsResponse{AgentKey: agentKey, Runs: runs})
}

// handleListSessions handles GET /runs.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.deps.Sessions.Sessions()
	if sessions == nil {
		sessions = []supervisor.Session{}
	}
	respondJSON(w, http.StatusOK, sessions)
}

// handleGetRun handles GET /runs/{runID}.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Session(chi.URLParam(r, "runID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// handleSendMessage handles POST /runs/{runID}/messages.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := s.deps.Dispatcher.SendMessage(chi.URLParam(r, "runID"), req.Text); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleEndSession handles POST /runs/{runID}/end. It returns once the
// session is terminal.
func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if err := s.deps.Dispatcher.EndSession(r.Context(), runID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	sess, err := s.deps.Sessions.Session(runID)
	if err != nil {
		// Evicted from the recent list already; the end itself succeeded.
		respondJSON(w, http.StatusOK, map[string]string{"runId": runID})
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// decodeBody decodes a bounded JSON body into v and writes a 400 on failure.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// writeDomainError maps package errors onto HTTP status codes.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var spawnErr *supervisor.SpawnError
	switch {
	case errors.Is(err, queue.ErrValidation),
		errors.Is(err, supervisor.ErrEmptyMessage):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, queue.ErrJobNotFound),
		errors.Is(err, supervisor.ErrRunNotFound),
		errors.Is(err, events.ErrRunNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, supervisor.ErrAgentBusy),
		errors.Is(err, supervisor.ErrSessionEnded):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &spawnErr):
		s.writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, supervisor.ErrShuttingDown):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: strings.TrimSpace(message)})
}
