// Package server runs the gateway HTTP server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"shuttuflix-go/pkg/config"
	"shuttuflix-go/pkg/logging"
	"shuttuflix-go/pkg/middleware"
)

// Server owns the router and the listening http.Server.
type Server struct {
	cfg    *config.Config
	log    *logging.Logger
	router *http.ServeMux
}

// New creates a server. Routes are registered on Router before Run.
func New(cfg *config.Config, log *logging.Logger) *Server {
	return &Server{
		cfg:    cfg,
		log:    log.WithComponent("server"),
		router: http.NewServeMux(),
	}
}

// Router returns the mux handlers register on.
func (s *Server) Router() *http.ServeMux {
	return s.router
}

// Handler returns the router behind the middleware stack. Request ids are
// assigned first so every later layer logs them.
func (s *Server) Handler() http.Handler {
	return middleware.Chain(
		s.router,
		middleware.RequestID,
		middleware.Recovery(s.log),
		middleware.Logging(s.log),
		middleware.CORS,
		middleware.GetOnly,
	)
}

// Run listens on the configured port until ctx is done, then drains
// in-flight requests for up to ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server listening", "addr", ln.Addr().String(), "base_url", s.cfg.BaseURL)
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	s.log.Info("server shutting down", "grace", s.cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		// Long-lived video streams may still be open; cut them.
		s.log.Warn("graceful shutdown incomplete", "error", err)
		srv.Close()
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	s.log.Info("server stopped")
	return nil
}
