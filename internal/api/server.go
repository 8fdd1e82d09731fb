package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/rewired-gh/quantflow/internal/logger"
	"github.com/rewired-gh/quantflow/internal/metrics"
)

type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// ServerOption configures Server.
type ServerOption func(*ServerConfig)

func WithAddr(addr string) ServerOption {
	return func(c *ServerConfig) {
		if addr != "" {
			c.Addr = addr
		}
	}
}

// WithTimeouts sets read, write and shutdown timeouts; zero keeps the default.
func WithTimeouts(read, write, shutdown time.Duration) ServerOption {
	return func(c *ServerConfig) {
		if read > 0 {
			c.ReadTimeout = read
		}
		if write > 0 {
			c.WriteTimeout = write
		}
		if shutdown > 0 {
			c.ShutdownTimeout = shutdown
		}
	}
}

// Server wraps the echo instance serving the query API and /metrics.
type Server struct {
	echo   *echo.Echo
	config *ServerConfig
}

func NewServer(routes Routes, rec *metrics.Recorder, opts ...ServerOption) *Server {
	cfg := &ServerConfig{
		Addr:            ":8080",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = cfg.ReadTimeout
	e.Server.WriteTimeout = cfg.WriteTimeout

	e.Use(Recover())
	e.Use(RequestLogging())
	e.Use(Metrics(rec))

	if routes != nil {
		routes.RegisterRoutes(e)
	}
	e.GET("/metrics", echo.WrapHandler(rec.Handler()))

	return &Server{echo: e, config: cfg}
}

// Start listens on the configured address and serves until Stop. A bind
// failure is returned immediately.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.echo.Listener = ln

	go func() {
		logger.Info("HTTP server listening on %s", ln.Addr())
		if err := s.echo.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error: %v", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the server down within the shutdown timeout.
func (s *Server) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	logger.Info("HTTP server stopped")
	return nil
}

func (s *Server) Echo() *echo.Echo {
	return s.echo
}
