package server

import (
	"github.com/fulmenhq/gofulmen/signals"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/keyrelay/keyrelay/internal/observability"
	"github.com/keyrelay/keyrelay/internal/server/handlers"
)

func (s *Server) registerRoutes() {
	health := s.opts.Health
	s.router.Get("/health", health.HealthHandler)
	s.router.Get("/health/live", health.LivenessHandler)
	s.router.Get("/health/ready", health.ReadinessHandler)
	s.router.Get("/health/startup", health.StartupHandler)

	s.router.Get("/version", handlers.VersionHandler)
	s.router.Get("/metrics", MetricsHandler)

	if api := s.opts.API; api != nil {
		s.router.Route("/v1", func(r chi.Router) {
			r.Post("/generate", api.Generate)
			r.Post("/session", api.CreateSession)
			r.Group(func(r chi.Router) {
				r.Use(api.RequireSession)
				r.Get("/credentials", api.ListCredentials)
				r.Put("/credentials/{id}", api.PutCredential)
				r.Delete("/credentials/{id}", api.DeleteCredential)
				r.Post("/credentials/{id}/probe", api.ProbeCredential)
			})
		})
	}

	if s.opts.Pprof {
		s.router.Mount("/debug", chimw.Profiler())
	}

	s.registerAdminEndpoint()
}

func (s *Server) registerAdminEndpoint() {
	logger := observability.ServerLogger
	if s.opts.AdminToken == "" {
		if logger != nil {
			logger.Debug("Admin signal endpoint disabled")
		}
		return
	}

	handler := signals.NewHTTPHandler(signals.HTTPConfig{
		TokenAuth: s.opts.AdminToken,
		RateLimit: 10,
		RateBurst: 5,
	})
	s.router.Post("/admin/signal", handler.ServeHTTP)

	if logger != nil {
		logger.Warn("Admin signal endpoint enabled; keep it off public networks",
			zap.String("path", "/admin/signal"))
	}
}
