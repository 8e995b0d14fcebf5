// Package rest is the HTTP control plane: run status and control,
// Prometheus metrics, and the websocket progress stream.
package rest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ws "github.com/civiclens/capitol-ingest/internal/api/websocket"
	"github.com/civiclens/capitol-ingest/internal/infrastructure/config"
	"github.com/civiclens/capitol-ingest/internal/metrics"
	"github.com/civiclens/capitol-ingest/internal/service/pipeline"
)

var _ RunnerControl = (*pipeline.Runner)(nil)

// Server owns the HTTP listener and the lifecycle of runs launched over
// HTTP.
type Server struct {
	cfg        *config.Config
	httpServer *http.Server
	runner     RunnerControl
	hub        *ws.Hub
	logger     *slog.Logger

	runCtx    context.Context
	runCancel context.CancelFunc
}

// NewServer wires the routes and middleware. The hub may be nil when the
// progress stream is not wanted.
func NewServer(cfg *config.Config, runner RunnerControl, hub *ws.Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		runner:    runner,
		hub:       hub,
		logger:    logger,
		runCtx:    runCtx,
		runCancel: runCancel,
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      s.routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	handler := newHandler(s.runCtx, s.runner, s.logger)

	api := http.NewServeMux()
	api.Handle("GET /health", metrics.InstrumentHTTPHandler("health", http.HandlerFunc(handler.handleHealth)))
	api.Handle("GET /status", metrics.InstrumentHTTPHandler("status", http.HandlerFunc(handler.handleStatus)))
	api.Handle("POST /start", metrics.InstrumentHTTPHandler("start", http.HandlerFunc(handler.handleStart)))
	api.Handle("POST /retry", metrics.InstrumentHTTPHandler("retry", http.HandlerFunc(handler.handleRetry)))
	api.Handle("GET /metrics", metrics.Handler())

	middlewares := []Middleware{
		requestIDMiddleware,
		tracingMiddleware,
		loggingMiddleware(s.logger),
		recoveryMiddleware(s.logger),
		rateLimitMiddleware(newClientRateLimiter(10, 20)),
		timeoutMiddleware(s.writeTimeout()),
	}
	var chained http.Handler = api
	for i := len(middlewares) - 1; i >= 0; i-- {
		chained = middlewares[i](chained)
	}

	// The websocket stream bypasses the chain: upgrades hijack the
	// connection, which the status-capturing writer cannot do, and a
	// progress stream outlives any request timeout.
	root := http.NewServeMux()
	if s.hub != nil {
		root.Handle("GET /ws", s.hub)
	}
	root.Handle("/", chained)
	return root
}

func (s *Server) writeTimeout() time.Duration {
	if s.cfg.Server.WriteTimeout > 0 {
		return s.cfg.Server.WriteTimeout
	}
	return 30 * time.Second
}

// Start serves until the context is cancelled, a shutdown signal arrives,
// or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("control server starting", "addr", s.httpServer.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		s.runCancel()
		return fmt.Errorf("control server failed: %w", err)
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		return s.Shutdown()
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown cancels any in-flight run, disconnects progress observers,
// and drains the listener.
func (s *Server) Shutdown() error {
	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info("control server shutting down")
	s.runCancel()
	if s.hub != nil {
		s.hub.Close()
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("draining control server: %w", err)
	}
	s.logger.Info("control server stopped")
	return nil
}
