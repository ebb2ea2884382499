package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/boddenberg/credit-ledger-go/internal/domain"
	"github.com/boddenberg/credit-ledger-go/internal/infra/notify"
	"github.com/boddenberg/credit-ledger-go/internal/infra/observability"
	"github.com/boddenberg/credit-ledger-go/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("handler")

// RouterConfig carries the HTTP-facing settings.
type RouterConfig struct {
	ServiceSecret  string   // X-Secret-Key for /v1/usage and /v1/admin
	UsageRateLimit string   // limiter format, e.g. "600-M"
	AllowedOrigins []string // CORS and websocket origins
}

// Services bundles the use cases exposed over HTTP. Nil members disable
// their routes.
type Services struct {
	Ledger    *service.LedgerService
	Webhooks  *service.WebhookReconciler
	Scheduler *service.Scheduler
	Tokens    *service.TokenVerifier
	Hub       *notify.Hub
}

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(svc Services, cfg RouterConfig, metrics *observability.Metrics, logger *zap.Logger) (http.Handler, error) {
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", SecretKeyHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler(svc.Ledger, logger))
	r.Get("/readyz", readyzHandler())
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	if svc.Ledger == nil {
		return r, nil
	}

	usageLimit := "600-M"
	if cfg.UsageRateLimit != "" {
		usageLimit = cfg.UsageRateLimit
	}
	rateLimit, err := RateLimitMiddleware(usageLimit, logger)
	if err != nil {
		return nil, err
	}
	serviceAuth := SharedSecretMiddleware(cfg.ServiceSecret, logger)

	// --- API v1 ---
	r.Route("/v1", func(r chi.Router) {

		// =============================================
		// Metered usage from other services
		// POST /v1/usage
		// =============================================
		r.With(serviceAuth, rateLimit).Post("/usage", usageHandler(svc.Ledger, logger))

		// =============================================
		// Payment provider webhooks (signature-authenticated)
		// POST /v1/webhooks/payments
		// =============================================
		if svc.Webhooks != nil {
			r.Post("/webhooks/payments", paymentWebhookHandler(svc.Webhooks, logger))
		}

		// =============================================
		// Account owner (JWT)
		// =============================================
		if svc.Tokens != nil {
			r.Group(func(r chi.Router) {
				r.Use(JWTAuthMiddleware(svc.Tokens, logger))

				r.Get("/account", getAccountHandler(svc.Ledger, logger))
				r.Get("/account/transactions", listTransactionsHandler(svc.Ledger, logger))
				r.Post("/credits/decrease", decreaseHandler(svc.Ledger, logger))
				r.Post("/credits/checkout", startCheckoutHandler(svc.Ledger, logger))
				r.Get("/credits/checkout/success", checkoutSuccessHandler(svc.Ledger, logger))
				r.Put("/billing/auto-replenish", updateAutoReplenishHandler(svc.Ledger, logger))
				r.Get("/billing/history", billingHistoryHandler(svc.Ledger, logger))

				if svc.Hub != nil {
					r.Get("/ws", balanceStreamHandler(svc.Hub, cfg.AllowedOrigins, logger))
				}
			})
		}

		// =============================================
		// Admin (shared secret)
		// =============================================
		r.Group(func(r chi.Router) {
			r.Use(serviceAuth)

			r.Post("/admin/accounts", registerAccountHandler(svc.Ledger, logger))
			r.Post("/admin/refunds", refundHandler(svc.Ledger, logger))
			if svc.Scheduler != nil {
				r.Post("/admin/replenish/sweep", sweepHandler(svc.Scheduler, logger))
			}
			r.Get("/metrics/ledger", ledgerMetricsHandler(metrics))
		})
	})

	return r, nil
}

// ============================================================
// Operational handlers
// ============================================================

func healthzHandler(ledger *service.LedgerService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		now := time.Now().Format(time.RFC3339)

		services := []domain.ServiceHealth{
			{Name: "credit-ledger", Status: "healthy", LastChecked: now},
		}

		if ledger != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()

			start := time.Now()
			err := ledger.Ping(ctx)
			health := domain.ServiceHealth{
				Name:        "account-store",
				Status:      "healthy",
				LatencyMs:   time.Since(start).Milliseconds(),
				LastChecked: now,
			}
			if err != nil {
				logger.Warn("health: account store unreachable", zap.Error(err))
				health.Status = "unhealthy"
				health.Error = err.Error()
			}
			services = append(services, health)
		}

		overall := "healthy"
		status := http.StatusOK
		for _, s := range services {
			if s.Status == "unhealthy" {
				overall = "unhealthy"
				status = http.StatusServiceUnavailable
				break
			}
		}

		writeJSON(w, status, domain.HealthStatus{Status: overall, Services: services})
	}
}

func readyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func ledgerMetricsHandler(metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, metrics.GetLedgerSnapshot())
	}
}
