package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"
)

func mustPolicy(t *testing.T, cfg PolicyConfig) Policy {
	t.Helper()
	p, err := NewPolicy(cfg)
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	return p
}

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		attempt, max int
		want         bool
	}{
		{0, 0, false},
		{0, 1, true},
		{1, 1, false},
		{1, 2, true},
		{2, 2, false},
		{5, 3, false},
	}
	for _, tt := range tests {
		if got := ShouldRetry(tt.attempt, tt.max); got != tt.want {
			t.Errorf("ShouldRetry(%d, %d) = %v, want %v", tt.attempt, tt.max, got, tt.want)
		}
	}
}

func TestDelayFor_Exponential(t *testing.T) {
	p := mustPolicy(t, PolicyConfig{
		MaxAttempts: 5,
		Backoff:     BackoffExponential,
		BaseDelay:   400 * time.Millisecond,
		MaxDelay:    3 * time.Second,
	})

	tests := []struct {
		attempt   int
		preJitter time.Duration
	}{
		{0, 400 * time.Millisecond},
		{1, 800 * time.Millisecond},
		{2, 1600 * time.Millisecond},
		{3, 3 * time.Second}, // 3.2s capped
		{10, 3 * time.Second},
		{200, 3 * time.Second},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt_%d", tt.attempt), func(t *testing.T) {
			low := p.WithRandom(func() float64 { return 0 }).DelayFor(tt.attempt)
			if low != tt.preJitter {
				t.Errorf("zero-jitter delay = %v, want %v", low, tt.preJitter)
			}
			high := p.WithRandom(func() float64 { return 0.999999 }).DelayFor(tt.attempt)
			maxJitter := 200 * time.Millisecond
			if high < tt.preJitter || high > tt.preJitter+maxJitter {
				t.Errorf("max-jitter delay = %v, want within [%v, %v]", high, tt.preJitter, tt.preJitter+maxJitter)
			}
		})
	}
}

func TestDelayFor_Constant(t *testing.T) {
	p := mustPolicy(t, PolicyConfig{
		MaxAttempts: 3,
		Backoff:     BackoffConstant,
		BaseDelay:   time.Second,
		MaxDelay:    time.Second,
	})

	for attempt := 0; attempt < 5; attempt++ {
		for i := 0; i < 50; i++ {
			d := p.DelayFor(attempt)
			if d < time.Second || d > 1500*time.Millisecond {
				t.Fatalf("DelayFor(%d) = %v, want within [1s, 1.5s]", attempt, d)
			}
		}
	}
}

func TestDelayFor_JitterBoundedByPreJitterValue(t *testing.T) {
	p := mustPolicy(t, PolicyConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    time.Second,
	}).WithRandom(func() float64 { return 0.999999 })

	for attempt := 0; attempt < 4; attempt++ {
		d := p.DelayFor(attempt)
		if d > 1500*time.Millisecond {
			t.Errorf("DelayFor(%d) = %v exceeds 150%% of the capped delay", attempt, d)
		}
	}
}

func TestNewPolicy_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  PolicyConfig
	}{
		{"negative attempts", PolicyConfig{MaxAttempts: -1}},
		{"unknown backoff", PolicyConfig{Backoff: "linear"}},
		{"negative delay", PolicyConfig{BaseDelay: -time.Second}},
		{"max below base", PolicyConfig{BaseDelay: 2 * time.Second, MaxDelay: time.Second}},
		{"bad pattern", PolicyConfig{Patterns: []string{"("}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewPolicy(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	p := mustPolicy(t, PolicyConfig{
		MaxAttempts: 2,
		RetryOn:     []string{"ProviderOverloaded", "bad_request"},
		Patterns:    []string{`(?i)capacity`},
	})

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"timeout kind", &ProviderError{Kind: KindTimeout}, true},
		{"network kind", &ProviderError{Kind: KindNetwork}, true},
		{"rate limit kind", &ProviderError{Kind: KindRateLimit, StatusCode: 429}, true},
		{"server kind", &ProviderError{Kind: KindServer, StatusCode: 503}, true},
		{"custom class", &ProviderError{Kind: KindUnknown, Class: "ProviderOverloaded"}, true},
		{"unlisted class", &ProviderError{Kind: KindUnknown, Class: "Weird"}, false},
		{"custom pattern", errors.New("model at capacity"), true},
		{"default pattern", errors.New("upstream said: too many requests"), true},
		{"plain error", errors.New("boom"), false},
		{"deadline exceeded", fmt.Errorf("calling: %w", context.DeadlineExceeded), true},
		{"net op error", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		// Fatal kinds stay fatal even when named in retry_on or matching a pattern.
		{"fatal bad request in retry_on", &ProviderError{Kind: KindBadRequest, StatusCode: 400}, false},
		{"fatal auth with timeout text", &ProviderError{Kind: KindAuth, Message: "token timeout"}, false},
		{"fatal content filter", &ProviderError{Kind: KindContentFilter}, false},
		{"fatal not found", &ProviderError{Kind: KindNotFound, StatusCode: 404}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsRetryable_Predicate(t *testing.T) {
	sentinel := errors.New("custom transient")
	p := mustPolicy(t, PolicyConfig{Predicate: func(err error) bool { return errors.Is(err, sentinel) }})

	if !p.IsRetryable(fmt.Errorf("wrapped: %w", sentinel)) {
		t.Error("predicate should make error retryable")
	}
	if p.IsRetryable(&ProviderError{Kind: KindAuth, Err: sentinel}) {
		t.Error("predicate must not override a fatal kind")
	}
}

func TestKindForStatus(t *testing.T) {
	tests := map[int]ErrorKind{
		400: KindBadRequest,
		401: KindAuth,
		403: KindAuth,
		404: KindNotFound,
		408: KindTimeout,
		422: KindBadRequest,
		429: KindRateLimit,
		500: KindServer,
		503: KindServer,
		302: KindUnknown,
	}
	for status, want := range tests {
		if got := KindForStatus(status); got != want {
			t.Errorf("KindForStatus(%d) = %s, want %s", status, got, want)
		}
	}
}

func TestProviderErrorMessage(t *testing.T) {
	err := &ProviderError{Kind: KindRateLimit, StatusCode: 429, Message: "slow down"}
	if got := err.Error(); got != "provider error (rate_limit, status 429): slow down" {
		t.Errorf("unexpected message %q", got)
	}
	wrapped := &ProviderError{Kind: KindNetwork, Err: errors.New("reset")}
	if !errors.Is(wrapped, wrapped.Err) {
		t.Error("expected Unwrap to expose cause")
	}
}
