package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/rushago/billing-reconciler/internal/infra/observability"
	"github.com/rushago/billing-reconciler/internal/service"
)

var tracer = otel.Tracer("handler")

// HealthCheck probes one dependency for /healthz.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Deps are the collaborators the router serves.
type Deps struct {
	Payments    *service.PaymentService
	Reconciler  *service.Reconciler
	Sweeper     *service.PollSweeper
	Tokens      *service.TokenValidator
	WebhookHash string
	Checks      []HealthCheck
	Metrics     *observability.Metrics
	Logger      *zap.Logger
}

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler(d.Checks))
	r.Get("/readyz", readyzHandler())
	r.Handle("/metrics", promhttp.HandlerFor(d.Metrics.Registry, promhttp.HandlerOpts{}))

	r.Route("/v1/payments", func(r chi.Router) {
		// Provider-facing, authenticated by the webhook hash.
		r.Post("/callback", callbackHandler(d.Reconciler, d.WebhookHash, logger))
		// Browser return from hosted checkout; the gateway decides the outcome.
		r.Get("/subscription/redirect", redirectHandler(d.Reconciler, logger))

		r.Group(func(r chi.Router) {
			r.Use(JWTAuthMiddleware(d.Tokens, logger))
			r.Post("/subscription", subscriptionHandler(d.Payments, logger))
			r.Post("/status", statusHandler(d.Reconciler, logger))
			r.Get("/verify/{ref}", verifyHandler(d.Reconciler, logger))

			r.Group(func(r chi.Router) {
				r.Use(RequireAdmin(logger))
				r.Get("/revenue/total", revenueHandler(d.Payments, logger))
				r.Get("/bills", listBillsHandler(d.Payments, logger))
				r.Get("/bills/{id}", getBillHandler(d.Payments, logger))
				r.Delete("/bills/{id}", deleteBillHandler(d.Payments, logger))
			})
		})
	})

	r.Route("/v1/admin", func(r chi.Router) {
		r.Use(JWTAuthMiddleware(d.Tokens, logger))
		r.Use(RequireAdmin(logger))
		r.Get("/reconciliation/stats", statsHandler(d.Metrics))
		r.Post("/reconciliation/sweep", sweepHandler(d.Sweeper, logger))
	})

	return r
}
