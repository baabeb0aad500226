// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api serves the operator HTTP endpoints and mounts the review
// channel's interaction webhook.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/mailki/agent/internal/lifecycle"
	"github.com/mailki/agent/internal/models"
	"github.com/mailki/agent/internal/sync"
)

// Cycles triggers sync work on demand. Implemented by sync.Coordinator.
type Cycles interface {
	RunCycle(ctx context.Context) sync.Report
	ProcessPending(ctx context.Context) sync.Report
	NotifyPending(ctx context.Context) sync.Report
}

// Drafts is the read side of the lifecycle manager.
type Drafts interface {
	Get(ctx context.Context, draftID string) (*models.Draft, error)
	List(ctx context.Context, status models.DraftStatus, limit int) ([]models.Draft, error)
	History(ctx context.Context, draftID string) ([]models.ApprovalAction, error)
}

// Check is a named dependency check for /health.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// Config holds the server's collaborators.
type Config struct {
	Cycles       Cycles
	Drafts       Drafts
	Interactions http.HandlerFunc // optional
	Checks       []Check
}

// Server routes operator requests.
type Server struct {
	cycles Cycles
	drafts Drafts
	checks []Check
	mux    *http.ServeMux
}

// NewServer builds the route table.
func NewServer(cfg Config) *Server {
	s := &Server{
		cycles: cfg.Cycles,
		drafts: cfg.Drafts,
		checks: cfg.Checks,
		mux:    http.NewServeMux(),
	}

	s.mux.HandleFunc("POST /ingest", s.handleCycle(func(ctx context.Context) sync.Report { return s.cycles.RunCycle(ctx) }))
	s.mux.HandleFunc("POST /process", s.handleCycle(func(ctx context.Context) sync.Report { return s.cycles.ProcessPending(ctx) }))
	s.mux.HandleFunc("POST /notify", s.handleCycle(func(ctx context.Context) sync.Report { return s.cycles.NotifyPending(ctx) }))
	s.mux.HandleFunc("GET /drafts", s.handleListDrafts)
	s.mux.HandleFunc("GET /drafts/{id}", s.handleGetDraft)
	s.mux.HandleFunc("GET /drafts/{id}/history", s.handleHistory)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	if cfg.Interactions != nil {
		s.mux.HandleFunc("/slack/interactions", cfg.Interactions)
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleCycle(run func(context.Context) sync.Report) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep := run(r.Context())
		status := http.StatusOK
		if len(rep.Failures) > 0 {
			status = http.StatusMultiStatus
		}
		writeJSON(w, status, rep)
	}
}

func (s *Server) handleListDrafts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	status := models.DraftStatus(q.Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
		return
	}

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	drafts, err := s.drafts.List(r.Context(), status, limit)
	if err != nil {
		slog.Error("list drafts failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list drafts failed")
		return
	}
	if drafts == nil {
		drafts = []models.Draft{}
	}
	writeJSON(w, http.StatusOK, drafts)
}

func (s *Server) handleGetDraft(w http.ResponseWriter, r *http.Request) {
	d, err := s.drafts.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.draftError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	actions, err := s.drafts.History(r.Context(), r.PathValue("id"))
	if err != nil {
		s.draftError(w, err)
		return
	}
	if actions == nil {
		actions = []models.ApprovalAction{}
	}
	writeJSON(w, http.StatusOK, actions)
}

func (s *Server) draftError(w http.ResponseWriter, err error) {
	if errors.Is(err, lifecycle.ErrDraftNotFound) {
		writeError(w, http.StatusNotFound, "draft not found")
		return
	}
	slog.Error("draft lookup failed", "error", err)
	writeError(w, http.StatusInternalServerError, "draft lookup failed")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	for _, c := range s.checks {
		if err := c.Ping(ctx); err != nil {
			slog.Warn("health check failed", "check", c.Name, "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": c.Name + " unhealthy"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Serve binds port and serves handler until ctx is cancelled, then shuts
// down gracefully within grace. The returned channel closes once the port
// is bound; done closes once shutdown has finished.
func Serve(ctx context.Context, port int, handler http.Handler, grace time.Duration) (ready <-chan struct{}, done <-chan struct{}, err error) {
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, nil, fmt.Errorf("bind port %d: %w", port, err)
	}

	readyCh := make(chan struct{})
	doneCh := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", "error", err)
		}
		close(doneCh)
	}()

	go func() {
		slog.Info("http server listening", "port", port)
		close(readyCh)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()

	return readyCh, doneCh, nil
}
