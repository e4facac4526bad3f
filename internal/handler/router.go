package handler

import (
	"net/http"
	"time"

	"github.com/relaymesh/delivery-core/internal/chaos"
	"github.com/relaymesh/delivery-core/internal/domain"
	"github.com/relaymesh/delivery-core/internal/health"
	"github.com/relaymesh/delivery-core/internal/infra/observability"
	"github.com/relaymesh/delivery-core/internal/optimizer"
	"github.com/relaymesh/delivery-core/internal/registry"
	"github.com/relaymesh/delivery-core/internal/routing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("handler")

// Deps bundles the subsystems the router exposes.
type Deps struct {
	Registry  *registry.Registry
	Monitor   *health.Monitor
	Routing   *routing.Engine
	Chaos     *chaos.Engine
	Injector  *chaos.Injector
	Optimizer *optimizer.Optimizer
	Metrics   *observability.Metrics
	Logger    *zap.Logger

	AdminJWTSecret string
}

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.ZapLoggerMiddleware(d.Logger))
	r.Use(observability.TracingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler(d.Monitor))
	r.Get("/readyz", readyzHandler())
	r.Handle("/metrics", promhttp.Handler())

	// --- API v1 ---
	r.Route("/v1", func(r chi.Router) {

		// Providers & health
		r.Get("/providers", listProvidersHandler(d.Registry, d.Logger))
		r.Get("/providers/health", allHealthHandler(d.Monitor))
		r.Get("/providers/{providerId}/health", providerHealthHandler(d.Monitor, d.Logger))
		r.Post("/providers/{providerId}/attempts", recordAttemptHandler(d.Monitor, d.Logger))
		r.Post("/providers/{providerId}/check", performCheckHandler(d.Monitor, d.Logger))

		// Routing
		r.Post("/routing/decision", routingDecisionHandler(d.Routing, d.Logger))
		r.Post("/routing/load/{providerId}", updateLoadHandler(d.Routing, d.Logger))
		r.Get("/routing/load/{providerId}", getLoadHandler(d.Routing))
		r.Post("/routing/cache/clear", clearCacheHandler(d.Routing))

		// Optimizer
		r.Post("/optimizer/decision", optimizerDecisionHandler(d.Optimizer, d.Logger))
		r.Post("/optimizer/sent", recordSentHandler(d.Optimizer, d.Logger))
		r.Post("/optimizer/engagement", recordEngagementHandler(d.Optimizer, d.Logger))
		r.Get("/optimizer/profiles/{userId}", getProfileHandler(d.Optimizer, d.Logger))
		r.Put("/optimizer/profiles/{userId}", saveProfileHandler(d.Optimizer, d.Logger))

		// Chaos: injection state is readable by the delivery path.
		r.Get("/chaos/injections/{providerId}", injectionStateHandler(d.Injector))
		r.Get("/chaos/resilience", resilienceScoreHandler(d.Chaos, d.Logger))

		// Admin: toggling providers and running chaos experiments degrades
		// real traffic, so these sit behind the admin token.
		r.Group(func(r chi.Router) {
			r.Use(AdminAuthMiddleware(d.AdminJWTSecret, d.Logger))
			r.Post("/providers/{providerId}/enable", setProviderEnabledHandler(d.Registry, d.Logger, true))
			r.Post("/providers/{providerId}/disable", setProviderEnabledHandler(d.Registry, d.Logger, false))
			r.Post("/chaos/experiments", createExperimentHandler(d.Chaos, d.Logger))
			r.Get("/chaos/experiments", listExperimentsHandler(d.Chaos))
			r.Get("/chaos/experiments/{experimentId}", getExperimentHandler(d.Chaos, d.Logger))
			r.Delete("/chaos/experiments/{experimentId}", deleteExperimentHandler(d.Chaos, d.Logger))
			r.Post("/chaos/experiments/{experimentId}/run", runExperimentHandler(d.Chaos, d.Logger))
			r.Post("/chaos/experiments/{experimentId}/enable", setExperimentEnabledHandler(d.Chaos, d.Logger, true))
			r.Post("/chaos/experiments/{experimentId}/disable", setExperimentEnabledHandler(d.Chaos, d.Logger, false))
			r.Get("/chaos/experiments/{experimentId}/results", experimentResultsHandler(d.Chaos, d.Logger))
		})
	})

	return r
}

func healthzHandler(monitor *health.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		now := time.Now().Format(time.RFC3339)

		services := []domain.ServiceHealth{
			{Name: "delivery-core", Status: "healthy", LatencyMs: 0, LastChecked: now},
		}
		for _, snap := range monitor.Snapshots() {
			services = append(services, domain.ServiceHealth{
				Name:        "provider:" + snap.ProviderID,
				Status:      string(snap.Status),
				LatencyMs:   snap.AvgResponseTime.Milliseconds(),
				LastChecked: snap.LastCheckedAt.Format(time.RFC3339),
			})
		}

		overall := "healthy"
		for _, s := range services {
			if s.Status == string(domain.HealthUnhealthy) {
				overall = "degraded"
				break
			}
		}

		writeJSON(w, http.StatusOK, domain.HealthStatus{
			Status:   overall,
			Services: services,
		})
	}
}

func readyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
