package server

import (
	"github.com/fulmenhq/gofulmen/signals"
	"go.uber.org/zap"

	"github.com/pacerhq/pacer/internal/observability"
	"github.com/pacerhq/pacer/internal/server/handlers"
)

// Admin signal endpoint limits, per minute.
const (
	adminSignalRate  = 10
	adminSignalBurst = 5
)

func (s *Server) registerRoutes() {
	s.router.Get("/health", handlers.HealthHandler)
	s.router.Get("/health/live", handlers.LivenessHandler)
	s.router.Get("/health/ready", handlers.ReadinessHandler)
	s.router.Get("/health/startup", handlers.StartupHandler)
	s.router.Get("/version", handlers.VersionHandler)
	s.router.Get("/metrics", MetricsHandler)

	if s.node != nil {
		s.router.Handle("/rpc", handlers.NodeHandler(s.node))
		s.router.Get("/v1/node/stats", handlers.NodeStatsHandler(s.node))
	}

	if s.gateway != nil {
		s.router.Post("/v1/call", s.gateway.CallHandler)
		s.router.Get("/v1/limiter", s.gateway.StateHandler)
	}

	if s.adminToken != "" {
		s.registerAdminEndpoint()
	}
}

// registerAdminEndpoint exposes the gofulmen signal handler so operators can
// trigger a reload or shutdown over HTTP.
func (s *Server) registerAdminEndpoint() {
	handler := signals.NewHTTPHandler(signals.HTTPConfig{
		TokenAuth: s.adminToken,
		RateLimit: adminSignalRate,
		RateBurst: adminSignalBurst,
	})
	s.router.Post("/admin/signal", handler.ServeHTTP)

	if logger := observability.ServerLogger; logger != nil {
		logger.Info("Admin signal endpoint enabled",
			zap.String("path", "/admin/signal"),
			zap.Int("rate_per_minute", adminSignalRate),
			zap.Int("burst", adminSignalBurst))
		logger.Warn("Admin endpoint enabled - ensure this server is not exposed to public internet")
	}
}
