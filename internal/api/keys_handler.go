package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/alecgard/warden/internal/auth"
)

// keysHandler manages tenant API keys.
type keysHandler struct {
	keys auth.KeyStore
}

func newKeysHandler(keys auth.KeyStore) *keysHandler {
	return &keysHandler{keys: keys}
}

type createKeyRequest struct {
	Name string `json:"name"`
}

// Create handles POST /api/v1/admin/tenants/{tenantID}/keys.
// The plaintext key is in the response and is never shown again.
func (h *keysHandler) Create(w http.ResponseWriter, r *http.Request) {
	if h.keys == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "key store is not configured")
		return
	}
	var req createKeyRequest
	// The body is optional.
	if err := readJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	k, plaintext, err := auth.NewTenantKey(chi.URLParam(r, "tenantID"), req.Name)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := h.keys.CreateKey(r.Context(), k); err != nil {
		slog.Error("creating tenant key", "tenant_id", k.TenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create tenant key")
		return
	}
	slog.Info("tenant key created", "tenant_id", k.TenantID, "key_id", k.ID, "key_prefix", k.Prefix)

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":         k.ID,
		"tenant_id":  k.TenantID,
		"name":       k.Name,
		"key_prefix": k.Prefix,
		"api_key":    plaintext,
		"created_at": k.CreatedAt,
	})
}

// List handles GET /api/v1/admin/tenants/{tenantID}/keys.
func (h *keysHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.keys == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "key store is not configured")
		return
	}
	list, err := h.keys.ListKeys(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		slog.Error("listing tenant keys", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list tenant keys")
		return
	}
	if list == nil {
		list = []*auth.TenantKey{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"keys": list})
}

// Revoke handles DELETE /api/v1/admin/keys/{keyID}.
func (h *keysHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	if h.keys == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "key store is not configured")
		return
	}
	id := chi.URLParam(r, "keyID")
	err := h.keys.DeleteKey(r.Context(), id)
	if errors.Is(err, auth.ErrKeyNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "tenant key not found")
		return
	}
	if err != nil {
		slog.Error("revoking tenant key", "key_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to revoke tenant key")
		return
	}
	slog.Info("tenant key revoked", "key_id", id)
	w.WriteHeader(http.StatusNoContent)
}
