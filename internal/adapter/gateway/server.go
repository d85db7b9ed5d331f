package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"agentgate/internal/infra/config"
	"agentgate/internal/infra/middleware"
)

// Server owns the HTTP listener and its graceful lifecycle.
type Server struct {
	cfg     config.ServerConfig
	handler *Handler
	logger  *slog.Logger

	httpSrv *http.Server
}

// NewServer builds the server around an already-wired Handler.
func NewServer(cfg config.ServerConfig, handler *Handler, logger *slog.Logger) *Server {
	return &Server{cfg: cfg, handler: handler, logger: logger}
}

// Routes assembles the mux with the transport middleware applied. Exposed
// separately so tests can drive the full stack through httptest.
func (s *Server) Routes(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/dispatch", s.handler.HandleDispatch)
	mux.HandleFunc("/api/v1/registry", s.handler.HandleRegistry)
	mux.HandleFunc("/api/v1/stats", s.handler.HandleStats)
	mux.HandleFunc("/api/v1/health", s.handler.HandleHealth)
	mux.HandleFunc("/metrics", s.handler.HandleMetrics)
	mux.HandleFunc("/ws", s.handler.HandleWS)

	var h http.Handler = mux
	if s.cfg.RequestsPerMin > 0 {
		h = middleware.RateLimit(ctx, middleware.RateLimitConfig{
			RequestsPerMin: s.cfg.RequestsPerMin,
			BurstSize:      s.cfg.Burst,
			TrustedProxies: s.cfg.TrustedProxies,
		})(h)
	}
	return middleware.SecurityHeaders(h)
}

// Start runs the listener until ctx is cancelled, then drains in-flight
// requests within the configured shutdown timeout. Returns the ListenAndServe
// error for anything other than a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Routes(ctx),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "addr", s.cfg.Addr)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Std())
	defer cancel()

	s.logger.Info("gateway shutting down", "timeout", s.cfg.ShutdownTimeout.Std())
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
