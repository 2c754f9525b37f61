// RoomSync - Real-Time Collaborative Interview Rooms
// Copyright 2026 RoomSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/collabforge/roomsync

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterOptions tunes the global middleware stack.
type RouterOptions struct {
	CORSOrigins     []string
	RateLimitReqs   int
	RateLimitWindow time.Duration
}

// NewRouter assembles the full route tree around h.
func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Route("/api/v1/health", func(r chi.Router) {
		r.Get("/live", h.HealthLive)
		r.Get("/ready", h.HealthReady)
	})

	r.Route("/api/v1/rooms", func(r chi.Router) {
		if opts.RateLimitReqs > 0 {
			r.Use(httprate.LimitByIP(opts.RateLimitReqs, opts.RateLimitWindow))
		}

		r.Route("/{room}", func(r chi.Router) {
			r.Post("/execute", h.Execute)
			r.Post("/preview/start", h.PreviewStart)
			r.Post("/preview/stop", h.PreviewStop)

			r.Route("/{kind}", func(r chi.Router) {
				r.Get("/", h.RoomInfo)
				r.Get("/status", h.RoomStatus)
				r.Post("/reset", h.RoomReset)
				r.Get("/ws", h.WebSocket)
			})
		})
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
