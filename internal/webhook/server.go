package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/slotd/internal/dispatch"
	"github.com/mattjoyce/slotd/internal/queue"
	"github.com/mattjoyce/slotd/internal/supervisor"
)

// Server represents the webhook HTTP server.
type Server struct {
	config    Config
	submitter Submitter
	logger    *slog.Logger
	server    *http.Server

	// endpoints maps URL paths to their configurations.
	endpoints map[string]*EndpointConfig
}

// New creates a new webhook server instance.
func New(config Config, submitter Submitter, logger *slog.Logger) *Server {
	endpoints := make(map[string]*EndpointConfig)
	for i := range config.Endpoints {
		ep := &config.Endpoints[i]
		if ep.MaxBodySize <= 0 {
			ep.MaxBodySize = DefaultMaxBodySize
		}
		endpoints[ep.Path] = ep
	}

	return &Server{
		config:    config,
		submitter: submitter,
		logger:    logger,
		endpoints: endpoints,
	}
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the webhook HTTP server (blocking) and shuts it down when
// ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.setupRoutes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("webhook server starting", "listen", s.config.Listen, "endpoints", len(s.endpoints))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("webhook server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	for path := range s.endpoints {
		r.Post(path, s.handleWebhook)
	}
	return r
}

// loggingMiddleware logs requests without their bodies.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	endpoint, ok := s.endpoints[r.URL.Path]
	if !ok {
		s.respondError(w, http.StatusNotFound, "endpoint not found")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, endpoint.MaxBodySize+1))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to read request body")
		return
	}
	if int64(len(body)) > endpoint.MaxBodySize {
		s.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	signature := r.Header.Get(endpoint.SignatureHeader)
	if signature == "" {
		s.logger.Warn("webhook signature missing", "path", r.URL.Path, "header", endpoint.SignatureHeader)
		s.respondError(w, http.StatusForbidden, "forbidden")
		return
	}
	if err := verifyHMACSignature(body, signature, endpoint.Secret); err != nil {
		s.logger.Warn("webhook signature verification failed", "path", r.URL.Path)
		s.respondError(w, http.StatusForbidden, "forbidden")
		return
	}

	res, err := s.submitter.Submit(r.Context(), dispatch.SubmitRequest{
		AgentKey:  endpoint.AgentKey,
		Payload:   buildPayload(endpoint.Instructions, body),
		ProjectID: endpoint.ProjectID,
	})
	if err != nil {
		s.writeSubmitError(w, endpoint, err)
		return
	}

	s.logger.Info("webhook job submitted",
		"path", r.URL.Path,
		"agent_key", endpoint.AgentKey,
		"job_id", res.JobID,
		"status", res.Decision,
	)

	status := http.StatusAccepted
	if res.Decision == dispatch.DecisionStarted {
		status = http.StatusCreated
	}
	s.respondJSON(w, status, TriggerResponse{
		Status:   res.Decision,
		JobID:    res.JobID,
		RunID:    res.RunID,
		Position: res.Position,
	})
}

// buildPayload joins the endpoint instructions and the raw body.
func buildPayload(instructions string, body []byte) string {
	if instructions == "" {
		return string(body)
	}
	return instructions + "\n\n" + string(body)
}

func (s *Server) writeSubmitError(w http.ResponseWriter, endpoint *EndpointConfig, err error) {
	var spawnErr *supervisor.SpawnError
	switch {
	case errors.Is(err, queue.ErrValidation):
		s.respondError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &spawnErr):
		s.logger.Warn("webhook job failed to start", "agent_key", endpoint.AgentKey, "error", err)
		s.respondError(w, http.StatusBadGateway, "agent could not be started")
	case errors.Is(err, supervisor.ErrShuttingDown):
		s.respondError(w, http.StatusServiceUnavailable, "shutting down")
	default:
		s.logger.Error("failed to submit webhook job", "agent_key", endpoint.AgentKey, "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to submit job")
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, ErrorResponse{Error: message})
}
