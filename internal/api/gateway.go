package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/studyhub-realtime/internal/auth"
	"github.com/npezzotti/studyhub-realtime/internal/config"
	"github.com/npezzotti/studyhub-realtime/internal/server"
	"github.com/rs/zerolog"
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

type GatewayApp struct {
	log            zerolog.Logger
	hub            *server.Hub
	verifier       *auth.Verifier
	cookieNames    []string
	allowedOrigins []string
	checks         map[string]HealthCheck
	srv            *http.Server
}

// NewGatewayApp mounts the gateway routes on mux. The metrics endpoint is
// registered on the same mux by the stats package.
func NewGatewayApp(mux *http.ServeMux, logger zerolog.Logger, hub *server.Hub, cfg *config.Config, checks map[string]HealthCheck) *GatewayApp {
	s := &GatewayApp{
		log:            logger,
		hub:            hub,
		verifier:       auth.NewVerifier(cfg.SigningKey),
		cookieNames:    cfg.AuthCookieNames,
		allowedOrigins: cfg.AllowedOrigins,
		checks:         checks,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = handlers.CombinedLoggingHandler(logger.With().Str("component", "access").Logger(), h)
	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *GatewayApp) Handler() http.Handler {
	return s.srv.Handler
}

func (s *GatewayApp) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("starting server")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *GatewayApp) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server...")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
