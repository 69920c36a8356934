// Package api serves a read-only view of a running pool over HTTP: a health
// check, a progress snapshot, recent runs, and a server-sent event stream of
// worker activity.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/sweep/internal/auth"
	"github.com/mattjoyce/sweep/internal/events"
	"github.com/mattjoyce/sweep/internal/ledger"
	"github.com/mattjoyce/sweep/internal/progress"
	"github.com/mattjoyce/sweep/internal/worker"
)

// ProgressSource is the read side of the progress tracker.
type ProgressSource interface {
	Snapshot() progress.Snapshot
}

// WorkerStates reports the lifecycle state of every pool slot.
type WorkerStates interface {
	States() []worker.State
}

// RunLister lists recorded runs, newest first.
type RunLister interface {
	Runs(ctx context.Context, limit int) ([]ledger.Run, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	RunID  string
	Tool   string
	// Token, when set, is required as a bearer token on everything but /healthz.
	Token  string
}

// Server represents the HTTP status server
type Server struct {
	config    Config
	progress  ProgressSource
	workers   WorkerStates
	runs      RunLister
	events    *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a status server. workers, runs and hub may be nil.
func New(config Config, src ProgressSource, workers WorkerStates, runs RunLister, hub *events.Hub, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		progress:  src,
		workers:   workers,
		runs:      runs,
		events:    hub,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start serves until ctx is cancelled (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.setupRoutes(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("status server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("status server shutting down")
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

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.config.Token))
		r.Get("/progress", s.handleProgress)
		r.Get("/runs", s.handleRuns)
		r.Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
