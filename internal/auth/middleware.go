package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

type contextKey int

const (
	tenantContextKey contextKey = iota
	adminContextKey
)

// TenantHeader carries the calling tenant on API requests.
const TenantHeader = "X-Tenant-ID"

// MetricsRecorder is an optional interface for recording auth outcomes.
type MetricsRecorder interface {
	IncAuthFailure(authType string)
	IncAuthSuccess(authType string)
}

// ContextWithTenant returns a new context carrying the given tenant.
func ContextWithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantContextKey, tenantID)
}

// TenantFromContext extracts the tenant from the context, or "" if not
// present.
func TenantFromContext(ctx context.Context) string {
	id, _ := ctx.Value(tenantContextKey).(string)
	return id
}

// IsAdmin reports whether the request was authenticated with the admin key.
// Only admin callers may act for other tenants or override budgets.
func IsAdmin(ctx context.Context) bool {
	ok, _ := ctx.Value(adminContextKey).(bool)
	return ok
}

// CallerMiddleware authenticates API callers. A tenant key binds the request
// to its tenant; an X-Tenant-ID header naming another tenant is rejected. The
// admin key is also accepted, and then the tenant comes from the header.
// keys, admin and metrics may be nil.
func CallerMiddleware(keys KeyStore, admin *AdminVerifier, metrics MetricsRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get(TenantHeader))
			token := extractBearerToken(r)
			if token == "" {
				if metrics != nil {
					metrics.IncAuthFailure("tenant_key")
				}
				writeUnauthorized(w, "missing or malformed authorization header")
				return
			}

			if !strings.HasPrefix(token, tenantKeyPrefix) {
				if admin == nil || !admin.Verify(token) {
					if metrics != nil {
						metrics.IncAuthFailure("admin")
					}
					writeUnauthorized(w, "invalid api key")
					return
				}
				if metrics != nil {
					metrics.IncAuthSuccess("admin")
				}
				ctx := context.WithValue(r.Context(), adminContextKey, true)
				if header != "" {
					ctx = ContextWithTenant(ctx, header)
				}
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			var key *TenantKey
			if keys != nil {
				k, err := keys.GetByKeyHash(r.Context(), HashKey(token))
				if err != nil && !errors.Is(err, ErrKeyNotFound) {
					slog.Error("looking up tenant key", "error", err)
				}
				key = k
			}
			if key == nil {
				if metrics != nil {
					metrics.IncAuthFailure("tenant_key")
				}
				writeUnauthorized(w, "invalid api key")
				return
			}
			if header != "" && header != key.TenantID {
				if metrics != nil {
					metrics.IncAuthFailure("tenant_key")
				}
				writeForbidden(w, "api key does not belong to tenant "+header)
				return
			}
			if metrics != nil {
				metrics.IncAuthSuccess("tenant_key")
			}

			next.ServeHTTP(w, r.WithContext(ContextWithTenant(r.Context(), key.TenantID)))
		})
	}
}

// AdminMiddleware rejects requests whose bearer token is not the admin key.
// metrics may be nil.
func AdminMiddleware(v *AdminVerifier, metrics MetricsRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if token == "" {
				if metrics != nil {
					metrics.IncAuthFailure("admin")
				}
				writeUnauthorized(w, "missing or malformed authorization header")
				return
			}
			if v == nil || !v.Verify(token) {
				if metrics != nil {
					metrics.IncAuthFailure("admin")
				}
				writeUnauthorized(w, "invalid admin key")
				return
			}
			if metrics != nil {
				metrics.IncAuthSuccess("admin")
			}

			ctx := context.WithValue(r.Context(), adminContextKey, true)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error: errorBody{
			Code:    "unauthorized",
			Message: message,
		},
	})
}

func writeForbidden(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error: errorBody{
			Code:    "forbidden",
			Message: message,
		},
	})
}
