/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     logrus request logging (middleware.go)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Metrics:    Prometheus request counters, labelled by route pattern
  5. CORS:       Cross-origin requests for frontend
  6. Actor:      X-Actor-ID header into the request context

ROUTE GROUPS:
  /api/retainers/*      Agreements, periods, close, scan
  /api/customers/*      Consumption summary
  /api/time-entries/*   Work logging (drives consumption recompute)
  /api/invoices/*       Draft invoices
  /api/scenarios/*      Demo scenarios
  /healthz              Database ping
  /metrics              Prometheus exposition

SECURITY NOTE:
  No authentication middleware. The actor header is trusted as given.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/warp/retainer-engine/observability"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	AllowedOrigins []string

	// Metrics and MetricsHandler are optional; /metrics is only mounted
	// when MetricsHandler is set.
	Metrics        *observability.Metrics
	MetricsHandler http.Handler
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	if opts.Metrics != nil {
		r.Use(opts.Metrics.HTTPMiddleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", ActorHeader},
		AllowCredentials: true,
	}))
	r.Use(ActorMiddleware)

	r.Get("/healthz", h.Healthz)
	if opts.MetricsHandler != nil {
		r.Handle("/metrics", opts.MetricsHandler)
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Retainer routes
		r.Route("/retainers", func(r chi.Router) {
			r.Get("/", h.ListRetainers)
			r.Post("/", h.CreateRetainer)
			r.Post("/scan", h.ScanReadyToClose)
			r.Get("/{id}", h.GetRetainer)
			r.Put("/{id}", h.UpdateRetainer)
			r.Post("/{id}/pause", h.PauseRetainer)
			r.Post("/{id}/resume", h.ResumeRetainer)
			r.Post("/{id}/terminate", h.TerminateRetainer)
			r.Post("/{id}/close", h.ClosePeriod)
			r.Get("/{id}/periods", h.ListPeriods)
			r.Get("/{id}/periods/{periodId}", h.GetPeriod)
		})

		// Customer routes
		r.Get("/customers/{id}/retainer-summary", h.GetRetainerSummary)

		// Time entry routes
		r.Route("/time-entries", func(r chi.Router) {
			r.Post("/", h.CreateTimeEntry)
			r.Put("/{id}", h.UpdateTimeEntry)
			r.Delete("/{id}", h.DeleteTimeEntry)
		})

		// Invoice routes
		r.Get("/invoices/{id}", h.GetInvoice)

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}
