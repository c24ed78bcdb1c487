/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. accessLog:  One zap line and HTTP metrics per request
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the dashboard frontend
  5. CSRF:       Double-submit token on every state-changing /api call
  6. RateLimit:  Destructive bulk routes only

ROUTE GROUPS:
  /api/catalogue/*            Catalogue items
  /api/inventory/*            Batch and bulk stock updates
  /api/{users,distributors,customers}/*  Points holders and their balances
  /api/points-audit           Points history
  /api/dashboard/*            Stats and reset-all
  /api/redemption-requests/*  Request lifecycle
  /api/scenarios/*            Demo data (only when enabled)
  /metrics, /healthz          Prometheus and liveness

SECURITY NOTE:
  Session authentication is out of scope. The acting user is read from the
  X-Actor header. Bulk destructive routes additionally require the step-up
  password in the body.

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Access log, CSRF, rate limiting
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/azz-ii/points-redemption-system-sub004/engine"
)

// RouterOptions tune the middleware stack.
type RouterOptions struct {
	AllowedOrigins []string
	// BulkRateLimit is a limiter formatted rate, e.g. "10-M". Empty disables it.
	BulkRateLimit string
	CSRF          bool
	// Scenarios mounts the demo scenario loader.
	Scenarios bool
}

var entityKinds = map[string]engine.EntityType{
	"users":        engine.EntityUser,
	"distributors": engine.EntityDistributor,
	"customers":    engine.EntityCustomer,
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) (*chi.Mux, error) {
	bulkLimit := func(next http.Handler) http.Handler { return next }
	if opts.BulkRateLimit != "" {
		mw, err := newRateLimit(opts.BulkRateLimit)
		if err != nil {
			return nil, err
		}
		bulkLimit = mw
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(accessLog)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-CSRFToken", actorHeader},
		AllowCredentials: true,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", h.Health)

	// API routes
	r.Route("/api", func(r chi.Router) {
		if opts.CSRF {
			r.Use(csrfProtect)
		}
		r.Get("/csrf", h.IssueCSRFToken)

		// Catalogue routes
		r.Route("/catalogue", func(r chi.Router) {
			r.Get("/", h.ListCatalogue)
			r.Post("/", h.CreateCatalogueItem)
			r.Get("/{id}", h.GetCatalogueItem)
		})

		// Inventory routes
		r.Route("/inventory", func(r chi.Router) {
			r.Post("/batch_update_stock", h.BatchUpdateStock)
			r.With(bulkLimit).Post("/bulk_update_stock", h.BulkUpdateStock)
		})

		// Points holder routes, one group per entity type
		for path, t := range entityKinds {
			r.Route("/"+path, func(r chi.Router) {
				r.Get("/", h.ListEntities(t))
				r.Post("/", h.CreateEntity(t))
				r.Post("/batch_update_points", h.BatchUpdatePoints(t))
				r.With(bulkLimit).Post("/bulk_update_points", h.BulkUpdatePoints(t))
				r.Get("/{id}", h.GetEntity(t))
				r.Put("/{id}/points", h.SetPoints(t))
			})
		}

		r.Get("/points-audit", h.ListPointsAudit)

		// Dashboard routes
		r.Route("/dashboard", func(r chi.Router) {
			r.Get("/stats", h.DashboardStats)
			r.With(bulkLimit).Post("/reset-all-points", h.ResetAllPoints)
		})

		// Redemption request routes
		r.Route("/redemption-requests", func(r chi.Router) {
			r.Get("/", h.ListRequests)
			r.Post("/", h.CreateRequest)
			r.Post("/process-items", h.ProcessItems)
			r.Get("/{id}", h.GetRequest)
			r.Post("/{id}/decisions", h.DecideRequest)
			r.Post("/{id}/process", h.ProcessRequest)
			r.Post("/{id}/items/{itemID}/process", h.ProcessItem)
			r.Post("/{id}/cancel", h.CancelRequest)
		})

		// Demo scenario routes
		if opts.Scenarios {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Post("/load", h.LoadScenario)
			})
		}
	})

	return r, nil
}
