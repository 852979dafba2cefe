// Package server exposes the ingestion triggers over HTTP.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bobmcallan/kabuka/internal/app"
	"github.com/bobmcallan/kabuka/internal/common"
	"github.com/bobmcallan/kabuka/internal/interfaces"
)

// Server wraps the HTTP server and the services it calls.
type Server struct {
	processor interfaces.TriggerProcessor
	ingest    interfaces.IngestService
	metrics   http.Handler
	logger    *common.Logger
	startTime time.Time
	server    *http.Server
}

// NewServer creates the HTTP server for an initialized App.
func NewServer(a *app.App) *Server {
	return New(a.Config, a.Dispatcher, a.Ingest, a.Metrics.Handler(), a.Logger)
}

// New creates the HTTP server from its collaborators. metricsHandler may
// be nil, in which case /metrics is not served.
func New(config *common.Config, processor interfaces.TriggerProcessor, ingest interfaces.IngestService, metricsHandler http.Handler, logger *common.Logger) *Server {
	s := &Server{
		processor: processor,
		ingest:    ingest,
		metrics:   metricsHandler,
		logger:    logger,
		startTime: time.Now(),
	}

	// Runs can take minutes; the write timeout covers a full pipeline.
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port),
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// Start starts the HTTP server (blocking).
func (s *Server) Start() error {
	s.logger.Info().
		Str("addr", s.server.Addr).
		Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
