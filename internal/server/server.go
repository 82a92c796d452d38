// Package server implements the HTTP controller: run commands, history,
// the progress event stream and the agent websocket endpoint.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Config holds HTTP server settings
type Config struct {
	Host                string        `toml:"host"`
	Port                int           `toml:"port"`
	ReadTimeout         time.Duration `toml:"read_timeout"`
	WriteTimeout        time.Duration `toml:"write_timeout"`
	ShutdownTimeout     time.Duration `toml:"shutdown_timeout"`
	MaxRequestBodyBytes int64         `toml:"max_request_body_bytes"`
	SSEKeepalive        time.Duration `toml:"sse_keepalive"`
}

// DefaultConfig listens on localhost only; the controller has no auth.
func DefaultConfig() Config {
	return Config{
		Host:                "127.0.0.1",
		Port:                8787,
		ReadTimeout:         15 * time.Second,
		WriteTimeout:        30 * time.Second,
		ShutdownTimeout:     10 * time.Second,
		MaxRequestBodyBytes: 1 << 20,
		SSEKeepalive:        15 * time.Second,
	}
}

// Validate checks the HTTP configuration
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("http.port must be between 0 and 65535, got %d", c.Port)
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("http.max_request_body_bytes must be positive")
	}
	if c.SSEKeepalive <= 0 {
		return fmt.Errorf("http.sse_keepalive must be positive")
	}
	return nil
}

// Addr is the listen address
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ServerConfig holds all dependencies for creating a Server.
// DB and AgentBridge may be nil.
type ServerConfig struct {
	Controller  Controller
	Broker      *Broker
	DB          Pinger
	AgentBridge http.Handler
	Logger      *slog.Logger
	Version     string
	HTTP        Config
}

// Server is the dropscout HTTP server
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := &Handlers{
		controller:   cfg.Controller,
		broker:       cfg.Broker,
		db:           cfg.DB,
		bridge:       cfg.AgentBridge,
		logger:       cfg.Logger,
		version:      cfg.Version,
		maxBodyBytes: cfg.HTTP.MaxRequestBodyBytes,
		sseKeepalive: cfg.HTTP.SSEKeepalive,
	}
	if h.maxBodyBytes <= 0 {
		h.maxBodyBytes = 1 << 20
	}
	if h.sseKeepalive <= 0 {
		h.sseKeepalive = 15 * time.Second
	}

	mux := http.NewServeMux()

	// Run control
	mux.HandleFunc("POST /v1/runs", h.HandleStartRun)
	mux.HandleFunc("GET /v1/runs", h.HandleListRuns)
	mux.HandleFunc("GET /v1/runs/active", h.HandleActiveRun)
	mux.HandleFunc("DELETE /v1/runs/active", h.HandleCancelRun)
	mux.HandleFunc("GET /v1/runs/{run_id}/results", h.HandleRunResults)

	// Result history
	mux.HandleFunc("GET /v1/history", h.HandleHistory)
	mux.HandleFunc("DELETE /v1/history", h.HandleClearHistory)

	// Progress stream (long-lived)
	mux.HandleFunc("GET /v1/events", h.HandleEvents)

	// Page agent bridge
	if cfg.AgentBridge != nil {
		mux.Handle("GET /v1/agent/connect", cfg.AgentBridge)
	}

	mux.HandleFunc("GET /health", h.HandleHealth)

	// Outermost first: request ID, instrumentation, panic recovery.
	var handler http.Handler = mux
	handler = recoverPanics(cfg.Logger, handler)
	handler = instrument(cfg.Logger, handler)
	handler = withRequestID(handler)

	// Event streams never go idle on their own; their request contexts
	// derive from baseCtx so Shutdown can end them.
	baseCtx, cancelStreams := context.WithCancel(context.Background())
	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return baseCtx },
	}
	httpServer.RegisterOnShutdown(cancelStreams)

	return &Server{
		httpServer: httpServer,
		handler:    handler,
		logger:     cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
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
