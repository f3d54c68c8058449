/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, picked up by logging.WithContext
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for frontends

ROUTE GROUPS:
  /healthz              Liveness
  /metrics              Prometheus collectors
  /api/results/*        Reconciled grids, today's row, complete deletion
  /api/schedule/*       Schedule queue
  /api/categories/*     Category administration
  /api/overrides/*      Override administration
  /api/admin/*          Scheduler operations and run log
  /api/scenarios/*      Demo scenarios

SECURITY NOTE:
  No authentication middleware. Deploy behind an authenticating proxy.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultAllowedOrigins is used when no origins are configured.
var DefaultAllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = DefaultAllowedOrigins
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/results", func(r chi.Router) {
			r.Get("/today", h.GetToday)
			r.Get("/{year:[0-9]+}/{month:[0-9]+}", h.GetMonth)
			r.Delete("/{date}/{category}", h.DeleteResult)
		})

		r.Route("/schedule", func(r chi.Router) {
			r.Get("/", h.ListSchedule)
			r.Post("/", h.AddSchedule)
			r.Get("/{id}", h.GetSchedule)
			r.Put("/{id}", h.UpdateSchedule)
			r.Delete("/{id}", h.DeleteSchedule)
		})

		r.Route("/categories", func(r chi.Router) {
			r.Get("/", h.ListCategories)
			r.Post("/", h.CreateCategory)
			r.Put("/{key}", h.UpdateCategory)
			r.Delete("/{key}", h.DeleteCategory)
		})

		r.Route("/overrides", func(r chi.Router) {
			r.Get("/", h.ListOverrides)
			r.Put("/{date}/{category}", h.SetOverride)
			r.Delete("/{date}/{category}", h.ClearOverride)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/schedule/run-due", h.RunDue)
			r.Post("/schedule/execute-all", h.ExecuteAll)
			r.Get("/runs", h.ListRuns)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetData)
		})
	})

	return r
}
