// Package server provides the gateway's HTTP server.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"flowgate-hq/flowgate/pkg/config"
	"flowgate-hq/flowgate/pkg/gateway"
	"flowgate-hq/flowgate/pkg/proxy/handlers"
	"flowgate-hq/flowgate/pkg/proxy/middleware"
	"flowgate-hq/flowgate/pkg/telemetry/logging"
	"flowgate-hq/flowgate/pkg/telemetry/metrics"
	"flowgate-hq/flowgate/pkg/usage"
)

// Server is the gateway HTTP server. It owns route registration and the
// middleware chain; the request orchestration lives in pkg/gateway.
type Server struct {
	config       *config.Config
	manager      *gateway.Manager
	tracker      *usage.Tracker
	metrics      *metrics.Metrics
	logger       *logging.Logger
	httpServer   *http.Server
	shutdownChan chan struct{}
	shutdownOnce sync.Once
	mu           sync.RWMutex
	isRunning    bool
}

// Options collects the dependencies the server needs. Tracker and
// Metrics may be nil when the corresponding feature is disabled.
type Options struct {
	Config  *config.Config
	Manager *gateway.Manager
	Tracker *usage.Tracker
	Metrics *metrics.Metrics
	Logger  *logging.Logger
}

// New creates the gateway server.
func New(opts Options) *Server {
	return &Server{
		config:       opts.Config,
		manager:      opts.Manager,
		tracker:      opts.Tracker,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		shutdownChan: make(chan struct{}),
	}
}

// Start starts the HTTP server and blocks until shutdown. Shutdown is
// triggered by context cancellation, SIGINT/SIGTERM, a Shutdown call,
// or a listener error.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.isRunning = true
	s.mu.Unlock()

	s.httpServer = &http.Server{
		Addr:           s.config.Server.ListenAddress,
		Handler:        s.setupRoutes(),
		ReadTimeout:    s.config.Server.ReadTimeout,
		WriteTimeout:   s.config.Server.WriteTimeout,
		IdleTimeout:    s.config.Server.IdleTimeout,
		MaxHeaderBytes: s.config.Server.MaxHeaderBytes,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting gateway server", "address", s.config.Server.ListenAddress)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, initiating shutdown")
		return s.Shutdown(context.Background())
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		return s.Shutdown(context.Background())
	case err := <-errChan:
		return err
	case <-s.shutdownChan:
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully shuts down the server, draining in-flight
// requests up to the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		if !s.isRunning {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		s.logger.Info("initiating graceful shutdown",
			"timeout", s.config.Server.ShutdownTimeout.String())

		shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
		defer cancel()

		if s.httpServer != nil {
			if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
				s.logger.Error("error during server shutdown", "error", err)
				shutdownErr = fmt.Errorf("server shutdown error: %w", err)
			}
		}

		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()

		s.logger.Info("gateway server stopped")
	})

	return shutdownErr
}

// Stop requests shutdown from another goroutine.
func (s *Server) Stop() {
	select {
	case s.shutdownChan <- struct{}{}:
	default:
	}
}

// setupRoutes configures HTTP routes and the middleware chain.
func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()

	chatHandler := handlers.NewChat(s.manager, s.logger)
	modelsHandler := handlers.NewModels(s.manager)
	accountsHandler := handlers.NewAccounts(s.manager)
	usageHandler := handlers.NewUsage(s.tracker)

	// Both the /v1 paths and the bare aliases some OpenAI clients
	// construct from a base_url that already ends in /v1.
	mux.Handle("/v1/chat/completions", chatHandler)
	mux.Handle("/chat/completions", chatHandler)
	mux.Handle("/v1/models", modelsHandler)
	mux.Handle("/models", modelsHandler)
	mux.Handle("/accounts", accountsHandler)
	mux.Handle("/usage", usageHandler)
	mux.Handle("/debug/usage", usageHandler)
	mux.Handle("/healthz", handlers.NewHealth(s.manager))

	if s.metrics != nil && s.config.Telemetry.Metrics.Enabled {
		path := s.config.Telemetry.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, s.metrics.Handler())
	}

	var handler http.Handler = mux
	if s.config.Server.CORS.Enabled {
		handler = middleware.CORS(handler)
	}
	handler = middleware.Logging(s.logger)(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(s.logger)(handler)

	return handler
}

// Handler returns the configured HTTP handler. Exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// IsRunning reports whether Start has been called and has not shut down.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
