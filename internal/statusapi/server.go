// Copyright 2025 Edgeo SCADA
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

// Package statusapi serves read-only gateway status over HTTP.
package statusapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/edgeo-scada/modbus-gateway/internal/registers"
	"github.com/edgeo-scada/modbus-gateway/internal/syslog"
)

// Collector returns a metrics snapshot.
type Collector interface {
	Collect() map[string]interface{}
}

// Sources are the components the API reports on. Nil fields are omitted.
type Sources struct {
	Hostname  string
	Gateway   Collector
	Bus       Collector
	Slave     Collector
	Registers *registers.Store
	Syslog    *syslog.Queue
}

// Server is the status HTTP server.
type Server struct {
	router  *gin.Engine
	server  *http.Server
	src     Sources
	logger  *slog.Logger
	started time.Time
}

// New creates a status server listening on addr.
func New(addr string, src Sources, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		router:  gin.New(),
		src:     src,
		logger:  logger,
		started: time.Now(),
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("status API started", slog.String("addr", ln.Addr().String()))
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status API failed", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("status API stopping")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(s.requestLogger())

	s.router.GET("/health", s.health)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/metrics", s.metrics)
		v1.GET("/registers", s.registers)
		v1.GET("/syslog", s.drainSyslog)
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)))
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"hostname": s.src.Hostname,
		"uptime":   time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) metrics(c *gin.Context) {
	out := gin.H{}
	if s.src.Gateway != nil {
		out["gateway"] = s.src.Gateway.Collect()
	}
	if s.src.Bus != nil {
		out["bus"] = s.src.Bus.Collect()
	}
	if s.src.Slave != nil {
		out["slave"] = s.src.Slave.Collect()
	}
	if q := s.src.Syslog; q != nil {
		out["syslog"] = gin.H{
			"queued":    q.Len(),
			"available": q.Available(),
			"recorded":  q.Recorded(),
			"dropped":   q.Dropped(),
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) registers(c *gin.Context) {
	if s.src.Registers == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "register map not enabled"})
		return
	}
	c.JSON(http.StatusOK, s.src.Registers.Snapshot())
}

type syslogEntry struct {
	Timestamp uint32 `json:"timestamp"`
	Time      string `json:"time"`
	Event     string `json:"event"`
	Code      uint16 `json:"code"`
	Index     uint16 `json:"index"`
}

// drainSyslog removes up to ?max entries from the queue and returns them.
func (s *Server) drainSyslog(c *gin.Context) {
	if s.src.Syslog == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "syslog not enabled"})
		return
	}

	limit := 100
	if v := c.Query("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "max must be a positive integer"})
			return
		}
		limit = n
	}

	drained := s.src.Syslog.Drain(limit)
	entries := make([]syslogEntry, 0, len(drained))
	for _, e := range drained {
		entries = append(entries, syslogEntry{
			Timestamp: e.Timestamp,
			Time:      e.Time().UTC().Format(time.RFC3339),
			Event:     e.Event.String(),
			Code:      uint16(e.Event),
			Index:     e.Index,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"dropped": s.src.Syslog.Dropped(),
	})
}
