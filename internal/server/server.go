package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/traceflow/traceflow/internal/adapter"
	"github.com/traceflow/traceflow/internal/hub"
	"github.com/traceflow/traceflow/internal/storage"
	"github.com/traceflow/traceflow/internal/timeline"
)

// Server is the traceflow HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a
// Server. Store may be nil when durable logging is disabled; the read
// endpoints then report the storage as unavailable.
type ServerConfig struct {
	Store    storage.Store
	Hub      *hub.Hub
	Builder  *timeline.Builder
	Recorder *adapter.Recorder
	Logger   *slog.Logger

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	StoreKind           string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		Hub:                 cfg.Hub,
		Builder:             cfg.Builder,
		Recorder:            cfg.Recorder,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		StoreKind:           cfg.StoreKind,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	mux := http.NewServeMux()

	// Ingestion.
	mux.HandleFunc("POST /api/events", h.HandleIngest)

	// Trace queries.
	mux.HandleFunc("GET /api/traces", h.HandleRecentTraces)
	mux.HandleFunc("GET /api/traces/{trace_id}", h.HandleGetTrace)
	mux.HandleFunc("GET /api/traces/{trace_id}/timeline", h.HandleGetTimeline)

	// Live stream. Long-lived connection, upgraded to WebSocket.
	mux.HandleFunc("GET /ws", h.HandleStream)

	// Health (no body limit, cheap).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → trace header → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = traceHeaderMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
