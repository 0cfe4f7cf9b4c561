package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iconidentify/linkgrabba/internal/api/handler"
	mw "github.com/iconidentify/linkgrabba/internal/api/middleware"
)

// NewRouter creates the HTTP router with all routes configured.
func NewRouter(
	healthHandler *handler.HealthHandler,
	messageHandler *handler.MessageHandler,
	apiKey string,
) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.CleanPath) // Normalize paths (e.g., //ready -> /ready)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)
	r.Use(middleware.Timeout(10 * time.Minute))
	r.Use(mw.CORS)

	// Health and metrics (no auth)
	r.Get("/health", healthHandler.Live)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	// API v1 (authenticated)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(mw.APIKeyAuth(apiKey))

		r.Get("/stats", healthHandler.Stats)

		// Synchronous resolve: the response carries the reports.
		r.Post("/resolve", messageHandler.Resolve)

		// Queued messages
		r.Post("/messages", messageHandler.Enqueue)
		r.Get("/jobs/{jobID}", messageHandler.GetJob)

		r.Get("/reports", messageHandler.ListReports)
		r.Get("/artifacts/{platform}/{name}", messageHandler.ServeArtifact)
	})

	return r
}
