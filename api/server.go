/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for a frontend

ROUTE GROUPS:
  /api/movements/*      Movement ledger
  /api/adjustments      Manual adjustments
  /api/balances/*       Balance tracker
  /api/uom-conversions  UoM reference data
  /api/products         Product reference data
  /api/costing/*        Costing runs
  /api/reports/*        Comparison and drilldown
  /api/scenarios/*      Demo scenarios
  /metrics              Prometheus metrics

SECURITY NOTE:
  No authentication middleware. The tenant header is trusted as sent.

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

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", TenantHeader},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/movements", func(r chi.Router) {
			r.Get("/", h.ListMovements)
			r.Post("/", h.CreateMovement)
		})
		r.Post("/adjustments", h.CreateAdjustment)

		r.Route("/balances", func(r chi.Router) {
			r.Get("/", h.ListBalances)
			r.Post("/rebuild", h.RebuildBalances)
			r.Get("/reconcile", h.ReconcileBalances)
		})

		r.Post("/uom-conversions", h.CreateConversion)
		r.Post("/products", h.CreateProduct)

		r.Route("/costing", func(r chi.Router) {
			r.Post("/runs", h.RunCosting)
		})

		r.Route("/reports", func(r chi.Router) {
			r.Get("/comparison", h.ComparisonReport)
			r.Get("/sku/{productID}", h.SKUDrilldown)
			r.Get("/movements/{id}", h.MovementDrilldown)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetTenant)
		})
	})

	r.Handle("/metrics", promhttp.HandlerFor(h.Registry, promhttp.HandlerOpts{}))

	return r
}
