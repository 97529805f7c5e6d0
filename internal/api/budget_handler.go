package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/alecgard/warden/internal/budget"
	"github.com/alecgard/warden/internal/governor"
)

// budgetHandler groups budget status and tenant budget handlers.
type budgetHandler struct {
	svc     *governor.Service
	tenants budget.TenantStore
}

func newBudgetHandler(svc *governor.Service, tenants budget.TenantStore) *budgetHandler {
	return &budgetHandler{svc: svc, tenants: tenants}
}

func (h *budgetHandler) tracker() *budget.Tracker {
	if h.svc == nil {
		return nil
	}
	return h.svc.Tracker()
}

// Status handles GET /api/v1/budgets/status. It reports the caller's usage
// against every configured limit.
func (h *budgetHandler) Status(w http.ResponseWriter, r *http.Request) {
	t := h.tracker()
	if t == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "budgets are not configured")
		return
	}
	agentType := r.URL.Query().Get("agent_type")
	if agentType != "" {
		if _, err := h.svc.Catalog().Lookup(agentType); err != nil {
			writeError(w, http.StatusNotFound, "unknown_agent", err.Error())
			return
		}
	}
	explicit, ok := callerTenant(r, r.URL.Query().Get("tenant_id"))
	if !ok {
		writeError(w, http.StatusForbidden, "forbidden", "api key does not belong to tenant "+explicit)
		return
	}
	tenantID := t.Resolver().ResolveTenantID(r.Context(), explicit)

	res, err := t.Status(r.Context(), tenantID, agentType)
	if err != nil {
		slog.Error("reading budget status", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read budget status")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// TenantUsage handles GET /api/v1/admin/tenants/{tenantID}/usage.
func (h *budgetHandler) TenantUsage(w http.ResponseWriter, r *http.Request) {
	t := h.tracker()
	if t == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "budgets are not configured")
		return
	}
	tenantID := chi.URLParam(r, "tenantID")
	agentType := r.URL.Query().Get("agent_type")

	c, err := t.Usage(r.Context(), tenantID, agentType)
	if err != nil {
		slog.Error("reading usage", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read usage")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id":  tenantID,
		"agent_type": agentType,
		"usage":      c,
	})
}

// ListTenants handles GET /api/v1/admin/tenants.
func (h *budgetHandler) ListTenants(w http.ResponseWriter, r *http.Request) {
	if h.tenants == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "tenant store is not configured")
		return
	}
	list, err := h.tenants.List(r.Context())
	if err != nil {
		slog.Error("listing tenant budgets", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list tenant budgets")
		return
	}
	if list == nil {
		list = []*budget.TenantBudget{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tenants": list})
}

// GetTenant handles GET /api/v1/admin/tenants/{tenantID}/budget.
func (h *budgetHandler) GetTenant(w http.ResponseWriter, r *http.Request) {
	if h.tenants == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "tenant store is not configured")
		return
	}
	tb, err := h.tenants.Get(r.Context(), chi.URLParam(r, "tenantID"))
	if errors.Is(err, budget.ErrTenantNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "tenant budget not found")
		return
	}
	if err != nil {
		slog.Error("reading tenant budget", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read tenant budget")
		return
	}
	writeJSON(w, http.StatusOK, tb)
}

// SetTenant handles PUT /api/v1/admin/tenants/{tenantID}/budget.
func (h *budgetHandler) SetTenant(w http.ResponseWriter, r *http.Request) {
	if h.tenants == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "tenant store is not configured")
		return
	}
	tenantID := strings.TrimSpace(chi.URLParam(r, "tenantID"))
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "tenant id is required")
		return
	}

	var o budget.Override
	if err := readJSON(r, &o); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if err := o.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	tb, err := h.tenants.Set(r.Context(), tenantID, &o)
	if err != nil {
		slog.Error("storing tenant budget", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to store tenant budget")
		return
	}
	slog.Info("tenant budget updated", "tenant_id", tenantID)
	writeJSON(w, http.StatusOK, tb)
}

// DeleteTenant handles DELETE /api/v1/admin/tenants/{tenantID}/budget.
func (h *budgetHandler) DeleteTenant(w http.ResponseWriter, r *http.Request) {
	if h.tenants == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "tenant store is not configured")
		return
	}
	tenantID := chi.URLParam(r, "tenantID")
	err := h.tenants.Delete(r.Context(), tenantID)
	if errors.Is(err, budget.ErrTenantNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "tenant budget not found")
		return
	}
	if err != nil {
		slog.Error("deleting tenant budget", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete tenant budget")
		return
	}
	slog.Info("tenant budget deleted", "tenant_id", tenantID)
	w.WriteHeader(http.StatusNoContent)
}
