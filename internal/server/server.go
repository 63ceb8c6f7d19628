// Package server is the HTTP control plane: pipeline start/stop/status,
// schedule management, ranking reads, and health.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gitpulse/gitpulse/internal/config"
	"github.com/gitpulse/gitpulse/internal/github"
	"github.com/gitpulse/gitpulse/internal/jobs"
	"github.com/gitpulse/gitpulse/internal/pipeline"
	"github.com/gitpulse/gitpulse/internal/storage/sqlite"
)

// Server owns the HTTP listener and wires requests into the runner and the
// stores.
type Server struct {
	store  *sqlite.Store
	jobs   *jobs.Store
	runner *pipeline.Runner
	cfg    *config.Config
	log    *slog.Logger

	// rate reports the provider quota on /health when wired.
	rate func() github.RateLimit

	httpServer *http.Server
	listener   net.Listener
	mu         sync.RWMutex
}

func New(store *sqlite.Store, jobStore *jobs.Store, runner *pipeline.Runner, cfg *config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: store, jobs: jobStore, runner: runner, cfg: cfg, log: logger}
}

// WithRateLimitSource wires the provider's quota snapshot into /health.
func (s *Server) WithRateLimitSource(fn func() github.RateLimit) *Server {
	s.rate = fn
	return s
}

// Handler builds the route table. Exposed separately so tests can drive it
// through httptest without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /pipeline/start", s.handlePipelineStart)
	mux.HandleFunc("POST /pipeline/stop", s.handlePipelineStop)
	mux.HandleFunc("POST /pipeline/restart", s.handlePipelineRestart)
	mux.HandleFunc("GET /pipeline/status", s.handlePipelineStatus)
	mux.HandleFunc("GET /pipeline/history", s.handlePipelineHistory)

	mux.HandleFunc("GET /schedules", s.handleScheduleList)
	mux.HandleFunc("POST /schedules", s.handleScheduleCreate)
	mux.HandleFunc("GET /schedules/{id}", s.handleScheduleGet)
	mux.HandleFunc("PATCH /schedules/{id}", s.handleScheduleUpdate)
	mux.HandleFunc("DELETE /schedules/{id}", s.handleScheduleDelete)
	mux.HandleFunc("POST /schedules/{id}/trigger", s.handleScheduleTrigger)

	mux.HandleFunc("GET /rankings", s.handleRankings)
	mux.HandleFunc("GET /rankings/{provider_id}", s.handleRankingFor)

	return mux
}

// Start listens on the configured address and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	listener, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.HTTPAddr, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.log.Info("control plane listening", "addr", listener.Addr().String())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Addr returns the bound address once listening.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.HTTPAddr
}
