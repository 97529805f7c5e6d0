// Package breaker implements per-(agent, model, tenant) circuit breakers on
// top of a shared counter store.
//
// A breaker is closed until Errors failures land inside a window of length
// Within. It then opens for Cooldown and closes again when the open marker
// expires. There is no half-open state: the first call after the cooldown is
// a normal call, and reopening needs a fresh run of failures.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alecgard/warden/internal/alert"
	"github.com/alecgard/warden/internal/cache"
)

// Config is a breaker threshold.
type Config struct {
	Errors   int
	Within   time.Duration
	Cooldown time.Duration
}

// Validate rejects thresholds that could never trip or never close.
func (c Config) Validate() error {
	if c.Errors <= 0 {
		return errors.New("breaker errors must be positive")
	}
	if c.Within <= 0 {
		return errors.New("breaker window must be positive")
	}
	if c.Cooldown <= 0 {
		return errors.New("breaker cooldown must be positive")
	}
	return nil
}

// Key identifies one breaker. An empty TenantID is the shared breaker used
// when multi-tenancy is disabled.
type Key struct {
	AgentType string
	Model     string
	TenantID  string
}

func (k Key) prefix() string {
	parts := []string{"warden", "cb"}
	if k.TenantID != "" {
		parts = append(parts, k.TenantID)
	}
	parts = append(parts, k.AgentType, k.Model)
	return strings.Join(parts, ":")
}

func (k Key) String() string {
	if k.TenantID == "" {
		return k.AgentType + "/" + k.Model
	}
	return k.TenantID + "/" + k.AgentType + "/" + k.Model
}

// CircuitOpenError is returned when a call is short-circuited.
type CircuitOpenError struct {
	Key        Key
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("circuit open for %s, retry after %s", e.Key, e.RetryAfter.Round(time.Millisecond))
	}
	return fmt.Sprintf("circuit open for %s", e.Key)
}

// Status is a point-in-time view of a breaker.
type Status struct {
	Key       Key       `json:"-"`
	Open      bool      `json:"open"`
	Failures  int64     `json:"failures"`
	OpenUntil time.Time `json:"open_until,omitempty"`
}

// Breaker is one circuit breaker. All state lives in the store, so
// breakers built for the same key share state across calls and processes.
type Breaker struct {
	store  cache.Store
	key    Key
	cfg    Config
	alerts alert.Sink
	now    func() time.Time
}

// New creates a breaker for key. A nil alert sink discards alerts.
func New(store cache.Store, key Key, cfg Config, alerts alert.Sink) *Breaker {
	if alerts == nil {
		alerts = alert.Nop{}
	}
	return &Breaker{store: store, key: key, cfg: cfg, alerts: alerts, now: time.Now}
}

func (b *Breaker) Key() Key { return b.key }

func (b *Breaker) failuresKey() string { return b.key.prefix() + ":failures" }
func (b *Breaker) openKey() string     { return b.key.prefix() + ":open" }
func (b *Breaker) untilKey() string    { return b.key.prefix() + ":until" }

// IsOpen reports whether the open marker is present.
func (b *Breaker) IsOpen(ctx context.Context) (bool, error) {
	ok, err := b.store.Exists(ctx, b.openKey())
	if err != nil {
		return false, fmt.Errorf("checking breaker %s: %w", b.key, err)
	}
	return ok, nil
}

// OpenUntil returns when the breaker is expected to close. ok is false when
// the breaker is closed.
func (b *Breaker) OpenUntil(ctx context.Context) (time.Time, bool, error) {
	open, err := b.IsOpen(ctx)
	if err != nil || !open {
		return time.Time{}, false, err
	}
	ms, found, err := b.store.Read(ctx, b.untilKey())
	if err != nil {
		return time.Time{}, true, fmt.Errorf("reading breaker %s: %w", b.key, err)
	}
	if !found {
		return time.Time{}, true, nil
	}
	return time.UnixMilli(ms), true, nil
}

// OpenError returns the short-circuit error for this breaker.
func (b *Breaker) OpenError(ctx context.Context) error {
	until, _, err := b.OpenUntil(ctx)
	if err != nil {
		slog.Warn("reading breaker cooldown", "breaker", b.key.String(), "error", err)
	}
	var retryAfter time.Duration
	if !until.IsZero() {
		retryAfter = until.Sub(b.now())
		if retryAfter < 0 {
			retryAfter = 0
		}
	}
	return &CircuitOpenError{Key: b.key, RetryAfter: retryAfter}
}

// RecordFailure counts a failure and opens the breaker once the threshold is
// reached inside the window. opened is true only for the call that tripped
// it; that call alone emits the breaker_open alert.
func (b *Breaker) RecordFailure(ctx context.Context) (bool, error) {
	n, err := b.store.Increment(ctx, b.failuresKey(), 1, b.cfg.Within)
	if err != nil {
		return false, fmt.Errorf("recording breaker failure %s: %w", b.key, err)
	}
	if n < int64(b.cfg.Errors) {
		return false, nil
	}

	marker, err := b.store.Increment(ctx, b.openKey(), 1, b.cfg.Cooldown)
	if err != nil {
		return false, fmt.Errorf("opening breaker %s: %w", b.key, err)
	}
	if marker != 1 {
		return false, nil
	}

	until := b.now().Add(b.cfg.Cooldown)
	if err := b.store.Write(ctx, b.untilKey(), until.UnixMilli(), b.cfg.Cooldown); err != nil {
		slog.Warn("recording breaker cooldown", "breaker", b.key.String(), "error", err)
	}
	if err := b.store.Delete(ctx, b.failuresKey()); err != nil {
		slog.Warn("clearing breaker failures", "breaker", b.key.String(), "error", err)
	}

	slog.Warn("circuit breaker opened",
		"agent_type", b.key.AgentType,
		"model", b.key.Model,
		"tenant_id", b.key.TenantID,
		"failures", n,
		"cooldown", b.cfg.Cooldown.String(),
	)
	b.alerts.Notify(ctx, alert.New(alert.KindBreakerOpen, map[string]any{
		"agent_type":       b.key.AgentType,
		"model":            b.key.Model,
		"tenant_id":        b.key.TenantID,
		"errors":           b.cfg.Errors,
		"within_seconds":   int(b.cfg.Within.Seconds()),
		"cooldown_seconds": int(b.cfg.Cooldown.Seconds()),
		"open_until":       until.UTC(),
	}))
	return true, nil
}

// RecordSuccess clears the failure count. An open breaker stays open until
// its cooldown ends.
func (b *Breaker) RecordSuccess(ctx context.Context) error {
	if err := b.store.Delete(ctx, b.failuresKey()); err != nil {
		return fmt.Errorf("recording breaker success %s: %w", b.key, err)
	}
	return nil
}

// Status returns the current failure count and open state.
func (b *Breaker) Status(ctx context.Context) (Status, error) {
	st := Status{Key: b.key}
	n, _, err := b.store.Read(ctx, b.failuresKey())
	if err != nil {
		return st, fmt.Errorf("reading breaker %s: %w", b.key, err)
	}
	st.Failures = n
	until, open, err := b.OpenUntil(ctx)
	if err != nil {
		return st, err
	}
	st.Open = open
	st.OpenUntil = until
	return st, nil
}

// Reset closes the breaker immediately and clears its failures.
func (b *Breaker) Reset(ctx context.Context) error {
	for _, k := range []string{b.openKey(), b.untilKey(), b.failuresKey()} {
		if err := b.store.Delete(ctx, k); err != nil {
			return fmt.Errorf("resetting breaker %s: %w", b.key, err)
		}
	}
	slog.Info("circuit breaker reset", "breaker", b.key.String())
	return nil
}
