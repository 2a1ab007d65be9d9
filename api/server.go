/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/users/*    Balances, mutations, conversions, history
  /api/rules/*    Activity catalog management
  /api/badges/*   Badge hierarchy management
  /api/admin/*    Adjustments, reconciliation, settings

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.
  Admin routes should sit behind a gateway in production.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// User routes
		r.Route("/users", func(r chi.Router) {
			r.Post("/{id}/earn", h.Earn)
			r.Post("/{id}/deduct", h.Deduct)
			r.Post("/{id}/convert", h.Convert)
			r.Get("/{id}/summary", h.GetSummary)
			r.Get("/{id}/transactions", h.GetTransactions)
			r.Get("/{id}/conversions", h.GetConversions)
			r.Get("/{id}/badges", h.GetUserBadges)
		})

		// Rule routes
		r.Route("/rules", func(r chi.Router) {
			r.Get("/", h.ListRules)
			r.Post("/", h.SaveRule)
			r.Post("/{code}/deactivate", h.DeactivateRule)
		})

		// Badge routes
		r.Route("/badges", func(r chi.Router) {
			r.Get("/", h.ListBadges)
			r.Post("/", h.CreateBadge)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/users/{id}/adjustments", h.CreateAdjustment)
			r.Post("/users/{id}/reconcile", h.Reconcile)
			r.Get("/settings", h.GetSettings)
			r.Put("/settings", h.UpdateSettings)
		})
	})

	return r
}
