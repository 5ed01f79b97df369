package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/slotd/internal/auth"
	"github.com/mattjoyce/slotd/internal/dispatch"
	"github.com/mattjoyce/slotd/internal/events"
	"github.com/mattjoyce/slotd/internal/queue"
	"github.com/mattjoyce/slotd/internal/supervisor"
)

// Dispatcher defines the job and session operations exposed over HTTP.
type Dispatcher interface {
	Submit(ctx context.Context, req dispatch.SubmitRequest) (*dispatch.SubmitResult, error)
	ListQueue(ctx context.Context, agentKey string) ([]*queue.Job, error)
	RemoveFromQueue(ctx context.Context, agentKey, jobID string) error
	ReorderQueue(ctx context.Context, agentKey, jobID string, position int) (int, error)
	AgentStatus(ctx context.Context, agentKey string) (*dispatch.AgentStatus, error)
	SendMessage(runID, text string) error
	EndSession(ctx context.Context, runID string) error
}

// History defines read access to finished and failed work.
type History interface {
	Depth(ctx context.Context) (int, error)
	ListFailed(ctx context.Context, agentKey string) ([]*queue.Job, error)
	RecentRuns(ctx context.Context, agentKey string, limit int) ([]queue.RunRecord, error)
}

// Sessions defines read access to live and recently ended runs.
type Sessions interface {
	Session(runID string) (supervisor.Session, error)
	Sessions() []supervisor.Session
}

// EventSource defines the subscription side of the event bus.
type EventSource interface {
	Subscribe(runID string, afterID int64) (*events.Subscription, error)
}

// Metrics records request metrics and serves the scrape endpoint.
type Metrics interface {
	RecordHTTPRequest(method, route string, status int, duration time.Duration)
	Handler() http.Handler
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the single admin bearer token (full access).
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
	// KeepAlive is the SSE comment interval. Defaults to 15s.
	KeepAlive time.Duration
}

// Deps bundles the collaborators the server reads from and writes to.
type Deps struct {
	Dispatcher Dispatcher
	History    History
	Sessions   Sessions
	Events     EventSource
	Metrics    Metrics
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	deps      Deps
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance
func New(config Config, deps Deps, logger *slog.Logger) *Server {
	if config.KeepAlive <= 0 {
		config.KeepAlive = 15 * time.Second
	}
	return &Server{
		config:    config,
		deps:      deps,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking) and shuts it down when ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: event streams stay open for the life of a run.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler())
	}
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		for _, rt := range s.routes() {
			r.With(s.requireScopes(rt.scopes...)).Method(rt.method, rt.pattern, rt.handler)
		}
	})

	return r
}

// loggingMiddleware logs HTTP requests and records them by route pattern.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		if s.deps.Metrics != nil && route != "/metrics" {
			s.deps.Metrics.RecordHTTPRequest(r.Method, route, ww.Status(), time.Since(start))
		}
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
