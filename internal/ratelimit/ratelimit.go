// Package ratelimit throttles execute requests per tenant with token
// buckets. It bounds request rate only; spend is governed by budgets.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Config sets the request allowance. A zero PerWindow disables limiting
// for every key without an override.
type Config struct {
	PerWindow int
	Window    time.Duration
	Overrides map[string]int // per-key PerWindow
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// bucket tracks the token state for a single key.
type bucket struct {
	tokens     float64
	lastRefill time.Time
	rate       int
}

// Limiter is a token-bucket limiter keyed by tenant. Buckets start full and
// refill continuously at rate/window.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	cfg     Config
	now     func() time.Time
}

// New creates a limiter. A non-positive window defaults to one minute.
func New(cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		cfg:     cfg,
		now:     time.Now,
	}
}

func (l *Limiter) rateFor(key string) int {
	if r, ok := l.cfg.Overrides[key]; ok {
		return r
	}
	return l.cfg.PerWindow
}

// refill adds tokens earned since the last refill.
// Must be called with l.mu held.
func (l *Limiter) refill(b *bucket, now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * float64(b.rate) / l.cfg.Window.Seconds()
	if b.tokens > float64(b.rate) {
		b.tokens = float64(b.rate)
	}
	b.lastRefill = now
}

// Allow consumes one token for key when one is available.
func (l *Limiter) Allow(key string) Decision {
	rate := l.rateFor(key)
	if rate <= 0 {
		return Decision{Allowed: true}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(rate), lastRefill: now, rate: rate}
		l.buckets[key] = b
	}
	b.rate = rate
	l.refill(b, now)

	d := Decision{Limit: rate}
	if b.tokens >= 1 {
		b.tokens--
		d.Allowed = true
	}
	d.Remaining = int(b.tokens)

	deficit := float64(rate) - b.tokens
	d.ResetAt = now
	if deficit > 0 {
		perSecond := float64(rate) / l.cfg.Window.Seconds()
		d.ResetAt = now.Add(time.Duration(deficit / perSecond * float64(time.Second)))
	}
	return d
}

// Sweep drops buckets that have refilled completely, since a fresh bucket
// is equivalent. It returns the number removed.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, b := range l.buckets {
		l.refill(b, now)
		if b.tokens >= float64(b.rate) {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Start sweeps idle buckets every window until ctx is cancelled.
func (l *Limiter) Start(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.Window)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Sweep()
		case <-ctx.Done():
			return
		}
	}
}
