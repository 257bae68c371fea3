// =============================================================================
// HTTP API SERVER - REST INTERFACE FOR BUFFERD
// =============================================================================
//
// WHAT IS THIS?
// This module provides a RESTful HTTP API for the write buffer daemon.
// It allows any HTTP client to:
//   - Queue writes (with priority and optional dedup key)
//   - Trigger a full flush to the conductor
//   - Drain pending operations out of the buffer
//   - Resize the admission ceiling at runtime
//   - Query buffer statistics and health
//
// WHY CHI ROUTER?
//
//   Chi is a lightweight, idiomatic Go router that:
//   - Is stdlib net/http compatible
//   - Supports URL parameters
//   - Has middleware support
//   - Zero external dependencies
//
//   COMPARISON:
//   - gorilla/mux: Feature-rich but archived (maintenance mode)
//   - gin: Fast but opinionated, non-stdlib compatible
//   - echo: Full-featured but heavier weight
//   - chi: Perfect balance of features and simplicity
//
// ENDPOINT OVERVIEW:
//
//   WRITES
//   POST   /writes                   Queue one write (202 queued, 429 rejected)
//
//   CONTROL
//   POST   /flush                    Flush everything queued to the conductor
//   POST   /drain                    Drain pending operations (returned as JSON)
//   PUT    /config/max-queue-size    Resize the admission ceiling
//
//   OBSERVABILITY
//   GET    /health                   Health check
//   GET    /stats                    Buffer statistics
//   GET    /metrics                  Prometheus exposition
//
// BACKPRESSURE AT THE EDGE:
// A rejected write is an HTTP 429 with the current backpressure value in the
// body, so producers can implement their own slowdown without a second call.
//
// =============================================================================

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ethosengine/elohim-sub011/internal/buffer"
	"github.com/ethosengine/elohim-sub011/internal/security"
)

// =============================================================================
// API SERVER
// =============================================================================

// Server is the HTTP API server for bufferd.
type Server struct {
	buf        *buffer.Buffer
	flush      buffer.FlushFunc
	metrics    http.Handler
	auth       *security.APIKeyManager
	httpServer *http.Server
	router     *chi.Mux
	logger     *slog.Logger

	// flushMu serializes the /flush and /drain control operations; letting
	// them interleave would make their reported counts meaningless.
	flushMu sync.Mutex
}

// ServerConfig holds API server configuration.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Auth validates API keys when set. Nil disables authentication.
	Auth *security.APIKeyManager
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:        ":8080",
		ReadTimeout: 30 * time.Second,
		// /flush can wait on many slow conductor round-trips
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
}

// NewServer creates a new API server. The flush function is the conductor
// transport; metricsHandler serves /metrics and may be nil.
func NewServer(buf *buffer.Buffer, flush buffer.FlushFunc, metricsHandler http.Handler, config ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	s := &Server{
		buf:     buf,
		flush:   flush,
		metrics: metricsHandler,
		auth:    config.Auth,
		router:  r,
		logger:  logger.With("component", "api"),
	}

	// Set up middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	if s.auth != nil {
		r.Use(s.auth.AuthMiddleware)
	}

	// Register routes
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         config.Addr,
		Handler:      r,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return s
}

// registerRoutes sets up all API endpoints using chi router.
func (s *Server) registerRoutes() {
	// Health & Stats
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/stats", s.handleStats)
	if s.metrics != nil {
		s.router.Get("/metrics", s.metrics.ServeHTTP)
	}

	// Writes
	s.router.With(s.protect(security.PermWriteQueue)).Post("/writes", s.queueWrite)

	// Control
	s.router.With(s.protect(security.PermBufferFlush)).Post("/flush", s.flushAll)
	s.router.With(s.protect(security.PermBufferDrain)).Post("/drain", s.drainAll)
	s.router.With(s.protect(security.PermBufferResize)).Put("/config/max-queue-size", s.setMaxQueueSize)
}

// protect enforces a permission when authentication is configured, and is a
// pass-through otherwise.
func (s *Server) protect(perm security.Permission) func(http.Handler) http.Handler {
	if s.auth == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return s.auth.RequirePermission(perm)
}

// loggingMiddleware logs all HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWrapper{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start).String(),
		)
	})
}

type responseWrapper struct {
	http.ResponseWriter
	status int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// =============================================================================
// SERVER LIFECYCLE
// =============================================================================

// Start begins listening for HTTP requests (non-blocking).
func (s *Server) Start() error {
	s.logger.Info("starting HTTP API server", "addr", s.httpServer.Addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// =============================================================================
// HEALTH & STATS HANDLERS
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"implementation": s.buf.Implementation(),
		"backpressure":   s.buf.Backpressure(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.buf.Stats()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"implementation": s.buf.Implementation(),
		"total_queued":   stats.TotalQueued(),
		"stats":          stats,
	})
}

// =============================================================================
// WRITE HANDLER
// =============================================================================

// WriteRequest is the request body for queuing one write.
type WriteRequest struct {
	OpID     string          `json:"op_id"`
	OpType   string          `json:"op_type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Priority string          `json:"priority,omitempty"`
	DedupKey string          `json:"dedup_key,omitempty"`
}

func (s *Server) queueWrite(w http.ResponseWriter, r *http.Request) {
	var req WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	prio, err := buffer.ParsePriority(req.Priority)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid priority: "+req.Priority)
		return
	}

	queued, err := s.buf.QueueWriteWithDedup(req.OpID, buffer.OpType(req.OpType), req.Payload, prio, req.DedupKey)
	if err != nil {
		switch {
		case errors.Is(err, buffer.ErrEmptyOpID):
			s.errorResponse(w, http.StatusBadRequest, "op_id is required")
		case errors.Is(err, buffer.ErrBufferClosed):
			s.errorResponse(w, http.StatusServiceUnavailable, "buffer is shutting down")
		default:
			s.errorResponse(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	if !queued {
		// Admission ceiling reached. 429 tells producers to back off.
		s.writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error":        "buffer at capacity",
			"queued":       false,
			"backpressure": s.buf.Backpressure(),
		})
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"op_id":        req.OpID,
		"queued":       true,
		"backpressure": s.buf.Backpressure(),
	})
}

// =============================================================================
// CONTROL HANDLERS
// =============================================================================

func (s *Server) flushAll(w http.ResponseWriter, r *http.Request) {
	if s.flush == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "no conductor transport configured")
		return
	}

	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	start := time.Now()
	flushed, err := s.buf.FlushAll(r.Context(), s.flush, nil)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		s.writeJSON(w, status, map[string]interface{}{
			"error":     err.Error(),
			"flushed":   flushed,
			"remaining": s.buf.TotalQueued(),
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"flushed":   flushed,
		"remaining": s.buf.TotalQueued(),
		"duration":  time.Since(start).String(),
	})
}

func (s *Server) drainAll(w http.ResponseWriter, r *http.Request) {
	s.flushMu.Lock()
	drained := s.buf.DrainAll()
	s.flushMu.Unlock()

	s.logger.Info("buffer drained via API", "operations", len(drained))
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"drained":    len(drained),
		"operations": drained,
	})
}

// SetMaxQueueSizeRequest is the request body for resizing the ceiling.
type SetMaxQueueSizeRequest struct {
	MaxQueueSize int `json:"max_queue_size"`
}

func (s *Server) setMaxQueueSize(w http.ResponseWriter, r *http.Request) {
	var req SetMaxQueueSizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.MaxQueueSize < 1 {
		s.errorResponse(w, http.StatusBadRequest, "max_queue_size must be >= 1")
		return
	}

	s.buf.SetMaxQueueSize(req.MaxQueueSize)
	s.logger.Info("admission ceiling resized", "max_queue_size", req.MaxQueueSize)

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"max_queue_size": req.MaxQueueSize,
		"backpressure":   s.buf.Backpressure(),
	})
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"error":  message,
		"status": status,
	})
}
