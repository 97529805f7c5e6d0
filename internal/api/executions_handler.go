package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alecgard/warden/internal/metering"
)

// executionsHandler serves execution history.
type executionsHandler struct {
	store metering.Store
}

func newExecutionsHandler(store metering.Store) *executionsHandler {
	return &executionsHandler{store: store}
}

// parseTimeParam parses a date query param in YYYY-MM-DD or RFC3339 format.
func parseTimeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	// Try RFC3339 first.
	t, err := time.Parse(time.RFC3339, s)
	if err == nil {
		return t, nil
	}
	// Fall back to date-only.
	return time.Parse("2006-01-02", s)
}

// buildQuery constructs a metering query from query params.
func buildQuery(r *http.Request) (metering.Query, error) {
	v := r.URL.Query()
	q := metering.Query{
		TenantID:  v.Get("tenant_id"),
		AgentType: v.Get("agent_type"),
		Status:    v.Get("status"),
		Cursor:    v.Get("cursor"),
	}

	from, err := parseTimeParam(v.Get("from"))
	if err != nil {
		return q, err
	}
	q.From = from

	to, err := parseTimeParam(v.Get("to"))
	if err != nil {
		return q, err
	}
	q.To = to

	if l := v.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil {
			return q, err
		}
		q.Limit = n
	}
	return q, nil
}

// List handles GET /api/v1/admin/executions.
func (h *executionsHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "execution history is not configured")
		return
	}
	q, err := buildQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid query parameters")
		return
	}
	if q.Cursor != "" {
		if _, _, err := metering.DecodeCursor(q.Cursor); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid cursor")
			return
		}
	}

	recs, next, err := h.store.List(r.Context(), q)
	if err != nil {
		slog.Error("listing executions", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list executions")
		return
	}
	if recs == nil {
		recs = []metering.ExecutionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"executions":  recs,
		"next_cursor": next,
	})
}

// Summary handles GET /api/v1/admin/executions/summary.
func (h *executionsHandler) Summary(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "execution history is not configured")
		return
	}
	q, err := buildQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid query parameters")
		return
	}

	sum, err := h.store.Summary(r.Context(), q)
	if err != nil {
		slog.Error("summarizing executions", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to summarize executions")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
