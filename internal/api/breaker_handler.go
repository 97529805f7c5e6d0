package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/alecgard/warden/internal/breaker"
	"github.com/alecgard/warden/internal/cache"
	"github.com/alecgard/warden/internal/governor"
)

// breakerHandler inspects and resets circuit breakers.
type breakerHandler struct {
	svc   *governor.Service
	store cache.Store
}

func newBreakerHandler(svc *governor.Service, store cache.Store) *breakerHandler {
	return &breakerHandler{svc: svc, store: store}
}

type breakerResponse struct {
	AgentType string `json:"agent_type"`
	Model     string `json:"model"`
	TenantID  string `json:"tenant_id,omitempty"`
	breaker.Status
}

// lookup resolves the breaker named by the route. It writes the error
// response itself and returns nil when the breaker cannot be served.
func (h *breakerHandler) lookup(w http.ResponseWriter, r *http.Request) *breaker.Breaker {
	if h.svc == nil || h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "circuit breakers are not configured")
		return nil
	}
	b, err := h.svc.Catalog().Breaker(h.store,
		chi.URLParam(r, "agentType"), chi.URLParam(r, "model"), r.URL.Query().Get("tenant_id"))
	switch {
	case errors.Is(err, governor.ErrUnknownAgent), errors.Is(err, governor.ErrNoBreaker):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return nil
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load breaker")
		return nil
	}
	return b
}

// Get handles GET /api/v1/admin/breakers/{agentType}/{model}.
func (h *breakerHandler) Get(w http.ResponseWriter, r *http.Request) {
	b := h.lookup(w, r)
	if b == nil {
		return
	}
	st, err := b.Status(r.Context())
	if err != nil {
		slog.Error("reading breaker status", "breaker", b.Key().String(), "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read breaker status")
		return
	}
	k := b.Key()
	writeJSON(w, http.StatusOK, breakerResponse{
		AgentType: k.AgentType,
		Model:     k.Model,
		TenantID:  k.TenantID,
		Status:    st,
	})
}

// Reset handles DELETE /api/v1/admin/breakers/{agentType}/{model}.
func (h *breakerHandler) Reset(w http.ResponseWriter, r *http.Request) {
	b := h.lookup(w, r)
	if b == nil {
		return
	}
	if err := b.Reset(r.Context()); err != nil {
		slog.Error("resetting breaker", "breaker", b.Key().String(), "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to reset breaker")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
