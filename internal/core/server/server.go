// Package server runs the ops HTTP endpoints (probes and metrics).
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dabom10/Nong-View/internal/core/health"
	middleware "github.com/dabom10/Nong-View/internal/core/middleware"
	"github.com/dabom10/Nong-View/internal/core/observability"
)

const shutdownTimeout = 10 * time.Second

// Router builds the ops handler. A nil scrape handler serves the default
// registry; m may be nil.
func Router(logger *slog.Logger, checks map[string]health.Check, scrape http.Handler, m *observability.Metrics) http.Handler {
	if scrape == nil {
		scrape = promhttp.Handler()
	}
	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Metrics(m))

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(checks))
	r.Method(http.MethodGet, "/metrics", scrape)
	return r
}

// Server is a supervised HTTP listener.
type Server struct {
	addr    string
	handler http.Handler
	logger  *slog.Logger
	ln      net.Listener
}

func New(addr string, handler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{addr: addr, handler: handler, logger: logger}
}

// Listen binds early so callers can learn the address before Serve.
func (s *Server) Listen() (net.Addr, error) {
	if s.ln != nil {
		return s.ln.Addr(), nil
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.ln = ln
	return ln.Addr(), nil
}

// Serve blocks until ctx is done or the listener fails.
func (s *Server) Serve(ctx context.Context) error {
	if _, err := s.Listen(); err != nil {
		return err
	}
	ln := s.ln
	s.ln = nil

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http listen", "addr", ln.Addr().String())
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) String() string { return "ops-http" }
