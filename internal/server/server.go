// Package server exposes the operational HTTP surface: liveness, the position
// ledger, the audit log, manual closes, and manual cycle triggers.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/privatecharterxdevelopment/monadier-sub000/internal/config"
	"github.com/privatecharterxdevelopment/monadier-sub000/internal/server/handler"
	"github.com/privatecharterxdevelopment/monadier-sub000/internal/server/middleware"
)

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health    *handler.HealthHandler
	Positions *handler.PositionHandler
	Ops       *handler.OpsHandler
}

// Server is the operator API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a Server with all routes registered and the auth and logging
// middleware applied.
func New(cfg config.ServerConfig, handlers Handlers, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Liveness stays outside the authed mux; the exact method pattern wins
	// over the /api/ prefix mount.
	authed := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	authed.HandleFunc("GET /api/positions", handlers.Positions.ListOpen)
	authed.HandleFunc("GET /api/positions/history", handlers.Positions.History)
	authed.HandleFunc("GET /api/positions/{id}", handlers.Positions.GetPosition)
	authed.HandleFunc("POST /api/positions/{id}/close", handlers.Positions.ClosePosition)
	authed.HandleFunc("POST /api/positions/close_all", handlers.Positions.CloseAll)

	authed.HandleFunc("POST /api/cycles/{name}/trigger", handlers.Ops.TriggerCycle)
	authed.HandleFunc("GET /api/audit", handlers.Ops.ListAudit)

	mux.Handle("/api/", middleware.Auth(cfg.APIKey)(authed))

	var h http.Handler = mux
	h = middleware.Logging(logger)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      h,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With(slog.String("component", "server")),
	}
}

// Start listens for requests and blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info("server starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
