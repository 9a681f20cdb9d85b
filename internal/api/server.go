// Package api exposes a small read-only HTTP surface for a running dump.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/jenkins-dump/internal/crawler"
	"github.com/JakeFAU/jenkins-dump/internal/metrics"
	"github.com/JakeFAU/jenkins-dump/internal/middleware"
	"github.com/JakeFAU/jenkins-dump/internal/store"
	"github.com/JakeFAU/jenkins-dump/internal/worker"
)

const shutdownTimeout = 5 * time.Second

// Progress is the live view of whichever phase is running.
type Progress struct {
	Jobs   *crawler.JobProgress `json:"jobs,omitempty"`
	Builds *worker.Status       `json:"builds,omitempty"`
}

// ProgressFunc samples live progress.
type ProgressFunc func() Progress

// Server serves health, metrics, and run status.
type Server struct {
	router chi.Router
	runs   store.RunRepository
	logger *zap.Logger

	mu       sync.RWMutex
	progress ProgressFunc
}

// NewServer constructs a Server with middleware and routes.
func NewServer(runs store.RunRepository, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		runs:   runs,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Metrics)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1/runs", func(r chi.Router) {
		r.Get("/latest", s.getLatestRun)
		r.Get("/{run_id}", s.getRun)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetProgress installs the live progress sampler for the current phase.
func (s *Server) SetProgress(fn ProgressFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = fn
}

// Serve listens on addr until ctx is canceled, then shuts down gracefully.
// The returned channel receives the terminal error once.
func (s *Server) Serve(ctx context.Context, addr string) (net.Addr, <-chan error, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	done := make(chan error, 1)
	go func() {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		done <- err
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("status server shutdown", zap.Error(err))
		}
	}()
	s.logger.Info("status server listening", zap.String("addr", ln.Addr().String()))
	return ln.Addr(), done, nil
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.runs.LatestRun(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type runResponse struct {
	Run      store.Run `json:"run"`
	Progress *Progress `json:"progress,omitempty"`
}

func (s *Server) getLatestRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.LatestRun(r.Context())
	s.respondRun(w, run, err)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.GetRun(r.Context(), chi.URLParam(r, "run_id"))
	s.respondRun(w, run, err)
}

func (s *Server) respondRun(w http.ResponseWriter, run store.Run, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("load run", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	resp := runResponse{Run: run}
	if !run.Status.Terminal() {
		s.mu.RLock()
		fn := s.progress
		s.mu.RUnlock()
		if fn != nil {
			p := fn()
			resp.Progress = &p
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
