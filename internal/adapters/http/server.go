// Package http wires the transport surface: the WebSocket upgrade path,
// health and metrics endpoints, and the admin routes.
package http

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loomchat/loom/internal/adapters/http/handlers"
	"github.com/loomchat/loom/internal/adapters/http/middleware"
	"github.com/loomchat/loom/internal/adapters/kv"
	"github.com/loomchat/loom/internal/auth"
	"github.com/loomchat/loom/internal/config"
	"github.com/loomchat/loom/internal/ports"
	"github.com/loomchat/loom/internal/presence"
	"github.com/loomchat/loom/internal/ratelimit"
	"github.com/loomchat/loom/internal/registry"
	"github.com/loomchat/loom/internal/session"
)

type Server struct {
	cfg        *config.Config
	router     *chi.Mux
	httpServer *http.Server
}

func NewServer(
	cfg *config.Config,
	deps session.Deps,
	store kv.Store,
	validator *auth.Validator,
	reg *registry.Registry,
	limiter *ratelimit.Limiter,
	pres *presence.Store,
	telemetry ports.TelemetrySink,
) *Server {
	s := &Server{cfg: cfg}

	r := chi.NewRouter()
	r.Use(middleware.Recovery)
	r.Use(middleware.Logger)
	r.Use(middleware.Metrics(telemetry))

	healthHandler := handlers.NewHealthHandler(store)
	r.Get("/healthz", healthHandler.Handle)
	r.Handle("/metrics", promhttp.Handler())

	wsHandler := handlers.NewWSHandler(deps, cfg.Server.AllowedOrigins)
	r.Get("/ws", wsHandler.Handle)

	adminHandler := handlers.NewAdminHandler(validator, reg, limiter, pres)
	r.Route("/admin", func(r chi.Router) {
		r.Use(adminHandler.Authorize)
		r.Get("/connections", adminHandler.ListConnections)
		r.Get("/limits/{userID}", adminHandler.GetLimits)
		r.Post("/limits/reset", adminHandler.ResetLimits)
	})

	s.router = r
	return s
}

func (s *Server) Router() *chi.Mux { return s.router }

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // no write timeout for WebSocket streaming
		IdleTimeout:  120 * time.Second,
	}

	slog.Info("starting http server", "addr", addr, "tls", s.cfg.Server.TLSCert != "")
	if s.cfg.Server.TLSCert != "" {
		return s.httpServer.ListenAndServeTLS(s.cfg.Server.TLSCert, s.cfg.Server.TLSKey)
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	slog.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}
