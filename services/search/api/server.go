// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api serves the run status over HTTP: health, per-instance
// progress, per-group counters, stored programs and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/simsearch/services/search/datatypes"
	"github.com/AleutianAI/simsearch/services/search/orchestrator"
	"github.com/AleutianAI/simsearch/services/search/progress"
)

const serviceName = "simsearch"

// Snapshotter returns the live progress state.
type Snapshotter interface {
	Snapshot(ctx context.Context) progress.Snapshot
}

// StatsSource returns per-group counters.
type StatsSource interface {
	Stats() []orchestrator.GroupStats
}

// ProgramReader looks up stored programs.
type ProgramReader interface {
	Get(ctx context.Context, id string) (*datatypes.Program, error)
	Children(ctx context.Context, version int, parentID string) ([]*datatypes.Program, error)
}

// Deps are the data sources behind the routes. Nil sources make their
// routes answer 503.
type Deps struct {
	Progress Snapshotter
	Groups   StatsSource
	Programs ProgramReader
	Metrics  http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Server is the status API.
//
// Thread Safety: Safe for concurrent use. Start and Shutdown are meant to
// be called once each.
type Server struct {
	deps   Deps
	router *gin.Engine
	logger *slog.Logger

	mu      sync.Mutex
	srv     *http.Server
	started time.Time
}

// New builds the router.
func New(deps Deps, opts ...Option) *Server {
	s := &Server{deps: deps, logger: slog.Default(), started: time.Now()}
	for _, opt := range opts {
		opt(s)
	}

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware(serviceName))
	s.registerRoutes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// registerRoutes wires:
//
//	GET /healthz
//	GET /metrics
//	GET /v1/progress
//	GET /v1/progress/:instance
//	GET /v1/groups
//	GET /v1/programs/:id
//	GET /v1/programs/:id/children
func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}

	v1 := s.router.Group("/v1")
	v1.GET("/progress", s.handleProgress)
	v1.GET("/progress/:instance", s.handleInstanceProgress)
	v1.GET("/groups", s.handleGroups)
	v1.GET("/programs/:id", s.handleProgram)
	v1.GET("/programs/:id/children", s.handleChildren)
}

// Start listens on addr and serves in the background.
//
// Outputs:
//   - string: The bound address, useful with port 0.
//   - error: Listen failures.
func (s *Server) Start(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server stopped", slog.String("error", err.Error()))
		}
	}()
	s.logger.Info("status server listening", slog.String("addr", ln.Addr().String()))
	return ln.Addr().String(), nil
}

// Shutdown stops the server gracefully. A server that never started
// returns nil.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleProgress(c *gin.Context) {
	if s.deps.Progress == nil {
		unavailable(c, "progress")
		return
	}
	c.JSON(http.StatusOK, s.deps.Progress.Snapshot(c.Request.Context()))
}

func (s *Server) handleInstanceProgress(c *gin.Context) {
	if s.deps.Progress == nil {
		unavailable(c, "progress")
		return
	}
	id := c.Param("instance")
	fields, ok := s.deps.Progress.Snapshot(c.Request.Context())[id]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no progress for instance %q", id)})
		return
	}
	c.JSON(http.StatusOK, fields)
}

// groupView is the JSON form of orchestrator.GroupStats.
type groupView struct {
	GroupID     int      `json:"group_id"`
	Instances   []string `json:"instances"`
	Iterations  int      `json:"iterations"`
	Failures    int      `json:"failures"`
	Skipped     int      `json:"skipped"`
	Halted      int      `json:"halted"`
	Persisted   int      `json:"persisted"`
	ElapsedMS   int64    `json:"elapsed_ms"`
	Interrupted bool     `json:"interrupted"`
	Error       string   `json:"error,omitempty"`
}

func (s *Server) handleGroups(c *gin.Context) {
	if s.deps.Groups == nil {
		unavailable(c, "groups")
		return
	}
	stats := s.deps.Groups.Stats()
	views := make([]groupView, len(stats))
	for i, st := range stats {
		views[i] = groupView{
			GroupID:     st.GroupID,
			Instances:   st.Instances,
			Iterations:  st.Iterations,
			Failures:    st.Failures,
			Skipped:     st.Skipped,
			Halted:      st.Halted,
			Persisted:   st.Persisted,
			ElapsedMS:   st.Elapsed.Milliseconds(),
			Interrupted: st.Interrupted,
		}
		if st.Err != nil {
			views[i].Error = st.Err.Error()
		}
	}
	c.JSON(http.StatusOK, views)
}

func (s *Server) handleProgram(c *gin.Context) {
	if s.deps.Programs == nil {
		unavailable(c, "programs")
		return
	}
	p, ok := s.lookupProgram(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, p)
}

// handleChildren lists the direct children of a program within its
// version, in insertion order.
func (s *Server) handleChildren(c *gin.Context) {
	if s.deps.Programs == nil {
		unavailable(c, "programs")
		return
	}
	parent, ok := s.lookupProgram(c)
	if !ok {
		return
	}
	children, err := s.deps.Programs.Children(c.Request.Context(), parent.Version, parent.ID)
	if err != nil {
		s.logger.Error("children lookup failed",
			slog.String("id", parent.ID),
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "children lookup failed"})
		return
	}
	if children == nil {
		children = []*datatypes.Program{}
	}
	c.JSON(http.StatusOK, children)
}

// lookupProgram resolves the :id parameter and writes the error response
// when it fails.
func (s *Server) lookupProgram(c *gin.Context) (*datatypes.Program, bool) {
	p, err := s.deps.Programs.Get(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, datatypes.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return nil, false
	case err != nil:
		s.logger.Error("program lookup failed",
			slog.String("id", c.Param("id")),
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "program lookup failed"})
		return nil, false
	}
	return p, true
}

func unavailable(c *gin.Context, what string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": what + " not available"})
}
