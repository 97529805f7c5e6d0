package api

import "net/http"

// wellKnownManifest is the static JSON manifest for /.well-known/warden.json.
const wellKnownManifest = `{
  "name": "Warden",
  "description": "Reliability and budget governance for LLM agent calls",
  "version": "0.1.0",
  "api_base": "/api/v1",
  "tenant_header": "X-Tenant-ID",
  "auth": {
    "type": "bearer",
    "header": "Authorization",
    "tenant_key_prefix": "wdn_"
  },
  "endpoints": {
    "agents": "/api/v1/agents",
    "execute": "/api/v1/agents/{agentType}/execute",
    "budget_status": "/api/v1/budgets/status",
    "metrics": "/metrics",
    "metrics_summary": "/api/v1/metrics/summary"
  },
  "health": "/health"
}`

// WellKnownHandler returns the static Warden well-known manifest.
func WellKnownHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(wellKnownManifest))
}
