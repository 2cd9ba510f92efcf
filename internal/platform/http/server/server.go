// Package server provides HTTP server wiring and lifecycle management.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/vendorflow/vendorflow/internal/api"
	"github.com/vendorflow/vendorflow/internal/platform/cache"
	"github.com/vendorflow/vendorflow/internal/platform/config"
	"github.com/vendorflow/vendorflow/internal/platform/http/auth"
	"github.com/vendorflow/vendorflow/internal/platform/logutil"
	"github.com/vendorflow/vendorflow/internal/platform/metrics"
)

var ErrMissingDeps = errors.New("server: api handler and token verifier are required")

// Deps are the components the router is built from.
type Deps struct {
	API    *api.Handler
	Tokens *auth.Tokens

	// Metrics is optional; without it /metrics is not mounted.
	Metrics *metrics.Metrics

	// Counter backs the rate limit interceptor.
	Counter cache.Counter
}

type namedCloser struct {
	name string
	c    io.Closer
}

// Server wraps the HTTP server and its dependencies.
type Server struct {
	cfg        *config.Config
	httpServer *http.Server
	logger     *slog.Logger
	deps       Deps

	// closers are released in reverse registration order on shutdown.
	closers []namedCloser
}

// New creates a new Server with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, d Deps) (*Server, error) {
	logger = logutil.NoopIfNil(logger)
	if d.API == nil || d.Tokens == nil {
		return nil, ErrMissingDeps
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		deps:   d,
	}

	router, err := s.setupRoutes()
	if err != nil {
		return nil, err
	}

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s, nil
}

// Handler returns the root router.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// OnShutdown registers c to be closed after the listener stops.
func (s *Server) OnShutdown(name string, c io.Closer) {
	s.closers = append(s.closers, namedCloser{name: name, c: c})
}

// Start listens on the configured address. It blocks until the server is
// shut down and then returns http.ErrServerClosed.
func (s *Server) Start() error {
	s.logger.Info("starting server",
		"addr", s.cfg.ListenAddr,
		"public_origin", s.cfg.PublicOrigin,
		"mode", s.cfg.Mode,
	)
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on l.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("starting server", "addr", l.Addr().String(), "mode", s.cfg.Mode)
	return s.httpServer.Serve(l)
}

// Shutdown gracefully stops the server and then closes registered
// resources in reverse order.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	httpErr := s.httpServer.Shutdown(ctx)

	var closeErrs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		nc := s.closers[i]
		if err := nc.c.Close(); err != nil {
			s.logger.Warn("close error", "resource", nc.name, "error", err)
			closeErrs = append(closeErrs, err)
			// Continue closing the rest (best-effort)
		} else {
			s.logger.Debug("resource closed", "resource", nc.name)
		}
	}

	return errors.Join(append([]error{httpErr}, closeErrs...)...)
}
