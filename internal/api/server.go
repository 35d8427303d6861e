// Package api is the HTTP surface of the relay: the direct transport's
// chat endpoints (JSON, SSE and websocket), session inspection, the
// session watch stream, health and metrics.
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

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nugget/lamrelay/internal/buildinfo"
	"github.com/nugget/lamrelay/internal/config"
	"github.com/nugget/lamrelay/internal/connwatch"
	"github.com/nugget/lamrelay/internal/direct"
	"github.com/nugget/lamrelay/internal/fanout"
	"github.com/nugget/lamrelay/internal/llm"
	"github.com/nugget/lamrelay/internal/session"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Chat runs direct calls. *direct.Adapter satisfies it.
type Chat interface {
	Complete(ctx context.Context, c direct.Call) (string, error)
	Stream(ctx context.Context, c direct.Call) (*direct.Stream, error)
	DefaultProject() string
}

// Sessions exposes history to the session routes. *session.Manager
// satisfies it.
type Sessions interface {
	History(key session.Key) (session.Snapshot, bool)
	Delete(key session.Key) bool
}

// Health reports dependency status. *connwatch.Manager satisfies it.
type Health interface {
	Status() []connwatch.Status
	Healthy() bool
}

// Config wires a [Server].
type Config struct {
	Address string
	Port    int
	// Mode is the active transport. In broker mode the chat and session
	// routes are not mounted.
	Mode     string
	Chat     Chat
	Sessions Sessions
	Health   Health
	Watch    *fanout.Hub[session.Key, WatchEvent]
	// Gatherer serves /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
}

// NewServer creates a server. It does not listen until Run.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Mode == "" {
		cfg.Mode = config.TransportDirect
	}
	return &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser clients for games are served from other origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Name identifies the server as the direct transport.
func (s *Server) Name() string { return config.TransportDirect }

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.cfg.Mode == config.TransportDirect {
		mux.HandleFunc("POST /v1/chat", s.handleChat)
		mux.HandleFunc("GET /v1/chat/ws", s.handleChatWS)
		mux.HandleFunc("GET /v1/sessions/{project}/{id}", s.handleSessionGet)
		mux.HandleFunc("DELETE /v1/sessions/{project}/{id}", s.handleSessionDelete)
	}

	mux.HandleFunc("GET /v1/watch/{project}/{id}", s.handleWatch)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        net.JoinHostPort(s.cfg.Address, strconv.Itoa(s.cfg.Port)),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: SSE and websocket responses are long-lived.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	addr := s.cfg.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.cfg.Port, "mode", s.cfg.Mode)

	errCh := make(chan error, 1)
	go func() { errCh <- s.server.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "lamrelay",
		"version": buildinfo.Version,
		"mode":    s.cfg.Mode,
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// healthResponse is the /healthz document.
type healthResponse struct {
	Status        string             `json:"status"`
	Version       string             `json:"version"`
	UptimeSeconds int64              `json:"uptime_seconds"`
	Dependencies  []connwatch.Status `json:"dependencies"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "healthy",
		Version:       buildinfo.Version,
		UptimeSeconds: int64(buildinfo.Uptime().Seconds()),
		Dependencies:  []connwatch.Status{},
	}
	code := http.StatusOK
	if s.cfg.Health != nil {
		resp.Dependencies = s.cfg.Health.Status()
		if !s.cfg.Health.Healthy() {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, resp, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

// statusFor maps a call error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, direct.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, direct.ErrUnknownProject):
		return http.StatusNotFound
	case errors.Is(err, session.ErrEmptyText):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, llm.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
