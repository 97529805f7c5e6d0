package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/alecgard/warden/internal/auth"
	"github.com/alecgard/warden/internal/budget"
	"github.com/alecgard/warden/internal/governor"
	"github.com/alecgard/warden/internal/provider"
)

// executeHandler runs agent calls.
type executeHandler struct {
	svc *governor.Service
}

func newExecuteHandler(svc *governor.Service) *executeHandler {
	return &executeHandler{svc: svc}
}

// executeRequest is the body of POST /api/v1/agents/{agentType}/execute.
type executeRequest struct {
	TenantID        string             `json:"tenant_id"`
	Model           string             `json:"model"`
	Messages        []provider.Message `json:"messages"`
	MaxTokens       int                `json:"max_tokens"`
	Temperature     *float32           `json:"temperature"`
	EstimatedCost   decimal.Decimal    `json:"estimated_cost"`
	EstimatedTokens int64              `json:"estimated_tokens"`
	Budget          *budget.Override   `json:"budget"`
}

type agentInfo struct {
	Name      string   `json:"name"`
	Model     string   `json:"model"`
	Fallbacks []string `json:"fallback_models"`
	Breaker   bool     `json:"circuit_breaker"`
	Timeout   string   `json:"total_timeout,omitempty"`
}

// ListAgents handles GET /api/v1/agents.
func (h *executeHandler) ListAgents(w http.ResponseWriter, r *http.Request) {
	if h.svc == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "execution service is not configured")
		return
	}
	catalog := h.svc.Catalog()
	out := make([]agentInfo, 0, len(catalog.Names()))
	for _, name := range catalog.Names() {
		a, err := catalog.Lookup(name)
		if err != nil {
			continue
		}
		info := agentInfo{
			Name:      a.Name,
			Model:     a.Model,
			Fallbacks: a.Fallbacks,
			Breaker:   a.Breaker != nil,
		}
		if info.Fallbacks == nil {
			info.Fallbacks = []string{}
		}
		if a.TotalTimeout > 0 {
			info.Timeout = a.TotalTimeout.String()
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": out})
}

// Execute handles POST /api/v1/agents/{agentType}/execute.
func (h *executeHandler) Execute(w http.ResponseWriter, r *http.Request) {
	if h.svc == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "execution service is not configured")
		return
	}

	var req executeRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "messages are required")
		return
	}
	if req.EstimatedCost.IsNegative() || req.EstimatedTokens < 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "estimates must not be negative")
		return
	}
	if err := req.Budget.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	if req.Budget != nil && !auth.IsAdmin(r.Context()) {
		writeError(w, http.StatusForbidden, "forbidden", "budget overrides require the admin key")
		return
	}
	tenantID, ok := callerTenant(r, req.TenantID)
	if !ok {
		writeError(w, http.StatusForbidden, "forbidden", "api key does not belong to tenant "+tenantID)
		return
	}

	res, err := h.svc.Execute(r.Context(), governor.ExecuteInput{
		AgentType: chi.URLParam(r, "agentType"),
		TenantID:  tenantID,
		Model:     req.Model,
		Request: provider.Request{
			Messages:    req.Messages,
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
		},
		EstimatedCost:   req.EstimatedCost,
		EstimatedTokens: req.EstimatedTokens,
		BudgetOverride:  req.Budget,
	})
	if err != nil {
		writeExecError(w, err, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// callerTenant resolves the tenant a request acts for. Tenant keys are bound
// to their tenant; only the admin key may name another. ok is false when a
// tenant key names a tenant it does not belong to.
func callerTenant(r *http.Request, explicit string) (tenantID string, ok bool) {
	bound := auth.TenantFromContext(r.Context())
	explicit = strings.TrimSpace(explicit)
	if explicit == "" {
		return bound, true
	}
	if auth.IsAdmin(r.Context()) || explicit == bound {
		return explicit, true
	}
	return explicit, false
}
