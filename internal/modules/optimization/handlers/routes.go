package handlers

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RequestTimeout bounds the request/response endpoints. The websocket stream
// lives as long as its sweep and is not wrapped.
const RequestTimeout = 60 * time.Second

// RegisterRoutes registers all optimization routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/optimization", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(h.requestTimeout))

			r.Post("/statistics", h.HandleStatistics)
			r.Post("/min-variance", h.HandleMinVariance)
			r.Post("/max-sharpe", h.HandleMaxSharpe)
			r.Post("/analyze", h.HandleAnalyze)
			r.Post("/frontier", h.HandleFrontier)
			r.Post("/frontier/chart", h.HandleFrontierChart)
		})

		r.Get("/frontier/stream", h.HandleFrontierStream)
	})
}
