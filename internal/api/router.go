package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/signalspot/backend/internal/auth"
	"github.com/signalspot/backend/internal/middleware"
)

// RouterConfig carries the cross-cutting settings the router applies.
type RouterConfig struct {
	AllowedOrigins []string
	RateLimitRPS   float64
	RateLimitBurst int
}

// Router holds all handlers and creates the chi router
type Router struct {
	spotHandler     *SpotHandler
	sparkHandler    *SparkHandler
	locationHandler *LocationHandler
	healthHandler   *HealthHandler
	wsManager       *WebSocketManager
	jwtManager      *auth.JWTManager
	cfg             RouterConfig
	logger          *zap.Logger
}

func NewRouter(
	spotHandler *SpotHandler,
	sparkHandler *SparkHandler,
	locationHandler *LocationHandler,
	healthHandler *HealthHandler,
	wsManager *WebSocketManager,
	jwtManager *auth.JWTManager,
	cfg RouterConfig,
	logger *zap.Logger,
) *Router {
	return &Router{
		spotHandler:     spotHandler,
		sparkHandler:    sparkHandler,
		locationHandler: locationHandler,
		healthHandler:   healthHandler,
		wsManager:       wsManager,
		jwtManager:      jwtManager,
		cfg:             cfg,
		logger:          logger,
	}
}

// Setup configures and returns the chi router
func (rt *Router) Setup() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RecoveryMiddleware(rt.logger))
	r.Use(middleware.LoggingMiddleware(rt.logger))
	r.Use(middleware.CORSMiddleware(rt.cfg.AllowedOrigins))

	// Health endpoints (no auth required)
	r.Route("/health", func(r chi.Router) {
		r.Get("/", rt.healthHandler.Health)
		r.Get("/ready", rt.healthHandler.Ready)
		r.Get("/live", rt.healthHandler.Live)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware(rt.jwtManager))
		r.Get("/ws", rt.wsManager.ServeWS)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(chimiddleware.Compress(5))
		r.Use(middleware.AuthMiddleware(rt.jwtManager))
		r.Use(middleware.RateLimitMiddleware(rt.cfg.RateLimitRPS, rt.cfg.RateLimitBurst))

		r.Route("/spots", func(r chi.Router) {
			r.With(middleware.RequireVerified).Post("/", rt.spotHandler.CreateSpot)
			r.Get("/nearby", rt.spotHandler.Nearby)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", rt.spotHandler.GetSpot)
				r.Patch("/", rt.spotHandler.UpdateContent)
				r.Delete("/", rt.spotHandler.Remove)
				r.Post("/pause", rt.spotHandler.Pause)
				r.Post("/resume", rt.spotHandler.Resume)
				r.Post("/extend", rt.spotHandler.Extend)
				r.Put("/visibility", rt.spotHandler.ChangeVisibility)
				r.Post("/interactions", rt.spotHandler.Interact)
				r.Get("/replies", rt.spotHandler.Replies)
				r.Get("/statistics", rt.spotHandler.Statistics)
			})
		})

		r.Route("/sparks", func(r chi.Router) {
			r.Get("/", rt.sparkHandler.ListSparks)
			r.Get("/{id}", rt.sparkHandler.GetSpark)
			r.Post("/{id}/accept", rt.sparkHandler.Accept)
			r.Post("/{id}/reject", rt.sparkHandler.Reject)
		})

		r.With(middleware.RequireVerified).Post("/location", rt.locationHandler.ReportLocation)

		r.Route("/devices", func(r chi.Router) {
			r.Post("/", rt.locationHandler.RegisterDevice)
			r.Delete("/{token}", rt.locationHandler.RemoveDevice)
		})
	})

	return r
}
