/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:       Request logging
  2. Recoverer:    Panic recovery (500 instead of crash)
  3. RequestID:    Unique ID per request for tracing
  4. CORS:         Cross-origin requests for the admin console
  5. Authenticate: Bearer token -> Actor

ROUTE GROUPS:
  /api/orders/*   Buyer surface (create, poll, proof, cancel)
  /api/membership Buyer entitlement read
  /api/admin/*    Admin surface, gated by RequireAdmin

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Authentication middleware
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a router with all routes configured.
func NewRouter(h *Handler, auth Authenticator) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Use(Authenticate(auth))

		// Buyer routes
		r.Route("/orders", func(r chi.Router) {
			r.Post("/", h.CreateOrder)
			r.Get("/{id}", h.GetOrderStatus)
			r.Post("/{id}/proof", h.SubmitProof)
			r.Post("/{id}/cancel", h.CancelOrder)
		})
		r.Get("/membership", h.GetMembership)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireAdmin)
			r.Route("/orders", func(r chi.Router) {
				r.Get("/", h.ListOrders)
				r.Get("/{id}", h.GetOrder)
				r.Get("/{id}/audit", h.GetAuditTrail)
				r.Patch("/{id}/decision", h.Decide)
				r.Post("/{id}/refund/settle", h.SettleRefund)
			})
			r.Get("/reports/revenue", h.GetRevenueReport)
		})
	})

	return r
}
