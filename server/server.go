// Package server exposes the request manager over HTTP. Progress is streamed as
// server-sent events.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/sweetpotato0/ai-relay/pkg/logging"
	"github.com/sweetpotato0/ai-relay/provider"
	"github.com/sweetpotato0/ai-relay/runtime"
	"github.com/sweetpotato0/ai-relay/tool"
	"github.com/sweetpotato0/ai-relay/transcript"
)

const (
	maxBodyBytes = 4 << 20
	readTimeout  = 30 * time.Second
	idleTimeout  = 120 * time.Second
)

// Options wires the server's collaborators. Manager is required.
type Options struct {
	Addr            string
	ShutdownTimeout time.Duration
	Manager         *runtime.Manager
	// Settings returns the connection settings for a provider name.
	Settings    func(providerName string) provider.Settings
	Providers   []string
	Tools       *tool.Catalog
	Transcripts transcript.Store
	Logger      *slog.Logger
}

// Server is the relay's HTTP front end.
type Server struct {
	opts Options
	app  *echo.Echo
	hub  *hub
	log  *slog.Logger
}

// New constructs the echo application and registers routes.
func New(opts Options) (*Server, error) {
	if opts.Manager == nil {
		return nil, errors.New("server: manager must not be nil")
	}
	if opts.Settings == nil {
		opts.Settings = func(string) provider.Settings { return provider.Settings{} }
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = logging.WithComponent("server")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Info("http request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
			)
			return nil
		},
	}))
	e.Use(middleware.BodyLimit(fmt.Sprintf("%dM", maxBodyBytes>>20)))

	s := &Server{opts: opts, app: e, hub: newHub(), log: log}
	s.registerRoutes()
	return s, nil
}

// Handler returns the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.app
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.POST("/v1/requests", s.handleSend)
	s.app.DELETE("/v1/requests/:id", s.handleAbort)
	s.app.GET("/v1/events", s.handleEvents)
	s.app.POST("/v1/models", s.handleListModelsAsync)
	s.app.GET("/v1/models/:provider", s.handleListModels)
	s.app.GET("/v1/tools", s.handleTools)
	s.app.GET("/v1/transcripts/:id", s.handleTranscript)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:        s.opts.Addr,
		Handler:     s.app,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
	}
	s.log.Info("starting server", "addr", s.opts.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.hub.close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.log.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}
