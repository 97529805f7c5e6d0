package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alecgard/warden/internal/provider"
	"github.com/alecgard/warden/internal/retry"
)

func newServer(t *testing.T, status int, body any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestInvoke_Success(t *testing.T) {
	srv := newServer(t, http.StatusOK, map[string]any{
		"id":    "chatcmpl-1",
		"model": "gpt-4o",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": "hello"},
			"finish_reason": "stop",
		}},
		"usage": map[string]any{"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15},
	})

	inv := New("sk-test", srv.URL, 5*time.Second)
	resp, err := inv.Invoke(context.Background(), "gpt-4o", provider.Request{
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("content = %q, want hello", resp.Content)
	}
	if resp.InputTokens != 12 || resp.OutputTokens != 3 {
		t.Errorf("tokens = %d/%d, want 12/3", resp.InputTokens, resp.OutputTokens)
	}
}

func TestInvoke_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantKind  retry.ErrorKind
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, retry.KindRateLimit, true},
		{"server error", http.StatusServiceUnavailable, retry.KindServer, true},
		{"bad request", http.StatusBadRequest, retry.KindBadRequest, false},
		{"unauthorized", http.StatusUnauthorized, retry.KindAuth, false},
	}

	policy, err := retry.NewPolicy(retry.PolicyConfig{MaxAttempts: 2})
	if err != nil {
		t.Fatal(err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(t, tt.status, map[string]any{
				"error": map[string]any{"message": "upstream said no", "type": "test_error"},
			})
			inv := New("sk-test", srv.URL, 5*time.Second)

			_, err := inv.Invoke(context.Background(), "gpt-4o", provider.Request{})
			var pe *retry.ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("expected ProviderError, got %T: %v", err, err)
			}
			if pe.Kind != tt.wantKind {
				t.Errorf("kind = %s, want %s", pe.Kind, tt.wantKind)
			}
			if pe.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", pe.StatusCode, tt.status)
			}
			if got := policy.IsRetryable(err); got != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestInvoke_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	inv := New("sk-test", url, time.Second)
	_, err := inv.Invoke(context.Background(), "gpt-4o", provider.Request{})
	if retry.Classify(err) != retry.KindNetwork {
		t.Fatalf("expected network kind, got %s (%v)", retry.Classify(err), err)
	}
}

func TestInvoke_ContentFilter(t *testing.T) {
	srv := newServer(t, http.StatusOK, map[string]any{
		"model": "gpt-4o",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": ""},
			"finish_reason": "content_filter",
		}},
	})

	inv := New("sk-test", srv.URL, time.Second)
	_, err := inv.Invoke(context.Background(), "gpt-4o", provider.Request{})
	if retry.Classify(err) != retry.KindContentFilter {
		t.Fatalf("expected content_filter kind, got %v", err)
	}
}
