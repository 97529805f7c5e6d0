// Package api exposes agent execution, budget status and administration
// over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alecgard/warden/internal/auth"
	"github.com/alecgard/warden/internal/budget"
	"github.com/alecgard/warden/internal/cache"
	"github.com/alecgard/warden/internal/governor"
	"github.com/alecgard/warden/internal/metering"
	"github.com/alecgard/warden/internal/metrics"
	"github.com/alecgard/warden/internal/ratelimit"
)

// RouterDeps holds all dependencies for the API router.
type RouterDeps struct {
	Service    *governor.Service
	Tenants    budget.TenantStore
	Executions metering.Store
	Counters   cache.Store // breaker state
	Keys       auth.KeyStore
	Admin      *auth.AdminVerifier
	Metrics    *metrics.Metrics
	Limiter    *ratelimit.Limiter // nil disables execute throttling

	// Health checks the database. Nil reports healthy.
	Health func(ctx context.Context) error
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(secureHeaders)
	r.Use(slogRequestLogger)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// Handlers.
	exec := newExecuteHandler(deps.Service)
	budgets := newBudgetHandler(deps.Service, deps.Tenants)
	executions := newExecutionsHandler(deps.Executions)
	breakers := newBreakerHandler(deps.Service, deps.Counters)
	keys := newKeysHandler(deps.Keys)

	r.Get("/health", healthHandler(deps.Health))
	r.Get("/.well-known/warden.json", WellKnownHandler)

	if deps.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Metrics.Registry(), promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(ar chi.Router) {
		// Callers present a tenant key or the admin key.
		ar.Group(func(cr chi.Router) {
			cr.Use(auth.CallerMiddleware(deps.Keys, deps.Admin, authMetrics(deps.Metrics)))

			cr.Get("/agents", exec.ListAgents)
			if deps.Limiter != nil {
				cr.With(ratelimit.Middleware(deps.Limiter, rateLimitHook(deps.Metrics))).
					Post("/agents/{agentType}/execute", exec.Execute)
			} else {
				cr.Post("/agents/{agentType}/execute", exec.Execute)
			}
			cr.Get("/budgets/status", budgets.Status)
			if deps.Metrics != nil {
				cr.Get("/metrics/summary", deps.Metrics.Handler())
			}
		})

		// Admin routes (require admin key).
		ar.Route("/admin", func(adm chi.Router) {
			adm.Use(auth.AdminMiddleware(deps.Admin, authMetrics(deps.Metrics)))

			// Tenant budgets.
			adm.Get("/tenants", budgets.ListTenants)
			adm.Get("/tenants/{tenantID}/budget", budgets.GetTenant)
			adm.Put("/tenants/{tenantID}/budget", budgets.SetTenant)
			adm.Delete("/tenants/{tenantID}/budget", budgets.DeleteTenant)
			adm.Get("/tenants/{tenantID}/usage", budgets.TenantUsage)

			// Tenant API keys.
			adm.Post("/tenants/{tenantID}/keys", keys.Create)
			adm.Get("/tenants/{tenantID}/keys", keys.List)
			adm.Delete("/keys/{keyID}", keys.Revoke)

			// Execution history.
			adm.Get("/executions", executions.List)
			adm.Get("/executions/summary", executions.Summary)

			// Circuit breakers.
			adm.Get("/breakers/{agentType}/{model}", breakers.Get)
			adm.Delete("/breakers/{agentType}/{model}", breakers.Reset)
		})
	})

	return r
}

// authMetrics avoids handing a typed nil to the auth middleware.
func authMetrics(m *metrics.Metrics) auth.MetricsRecorder {
	if m == nil {
		return nil
	}
	return m
}

func rateLimitHook(m *metrics.Metrics) func(string) {
	if m == nil {
		return nil
	}
	return m.IncRateLimited
}

func healthHandler(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check == nil {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := check(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":   "degraded",
				"database": "unreachable",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status":   "ok",
			"database": "connected",
		})
	}
}
