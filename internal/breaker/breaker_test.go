package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alecgard/warden/internal/alert"
	"github.com/alecgard/warden/internal/cache"
)

var testEpoch = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

// fakeClock is a controllable time source for deterministic tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingSink struct {
	mu     sync.Mutex
	events []alert.Event
}

func (r *recordingSink) Notify(_ context.Context, ev alert.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) count(kind alert.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func newTestBreaker(clock *fakeClock, cfg Config, sink alert.Sink) (*Breaker, *cache.MemoryStore) {
	store := cache.NewMemoryStore(clock.Now)
	b := New(store, Key{AgentType: "support_bot", Model: "gpt-4o", TenantID: "acme"}, cfg, sink)
	b.now = clock.Now
	return b, store
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(testEpoch)
	sink := &recordingSink{}
	b, _ := newTestBreaker(clock, Config{Errors: 3, Within: 60 * time.Second, Cooldown: 300 * time.Second}, sink)

	for i := 0; i < 2; i++ {
		opened, err := b.RecordFailure(ctx)
		if err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
		if opened {
			t.Fatalf("breaker opened after %d failures", i+1)
		}
	}
	if open, _ := b.IsOpen(ctx); open {
		t.Fatal("breaker should be closed below threshold")
	}

	opened, err := b.RecordFailure(ctx)
	if err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if !opened {
		t.Fatal("third failure should open the breaker")
	}
	if open, _ := b.IsOpen(ctx); !open {
		t.Fatal("breaker should be open")
	}
	if n := sink.count(alert.KindBreakerOpen); n != 1 {
		t.Fatalf("expected one breaker_open alert, got %d", n)
	}

	until, ok, err := b.OpenUntil(ctx)
	if err != nil || !ok {
		t.Fatalf("OpenUntil = %v, %v, %v", until, ok, err)
	}
	if want := clock.Now().Add(300 * time.Second); until.UnixMilli() != want.UnixMilli() {
		t.Errorf("open until %v, want %v", until, want)
	}
}

func TestBreaker_ClosesAfterCooldown(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(testEpoch)
	b, _ := newTestBreaker(clock, Config{Errors: 1, Within: time.Minute, Cooldown: 30 * time.Second}, nil)

	if _, err := b.RecordFailure(ctx); err != nil {
		t.Fatal(err)
	}
	if open, _ := b.IsOpen(ctx); !open {
		t.Fatal("expected open")
	}

	clock.Advance(29 * time.Second)
	if open, _ := b.IsOpen(ctx); !open {
		t.Fatal("expected open before cooldown ends")
	}
	clock.Advance(time.Second)
	if open, _ := b.IsOpen(ctx); open {
		t.Fatal("expected closed after cooldown")
	}
}

func TestBreaker_ReopenNeedsFreshFailures(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(testEpoch)
	sink := &recordingSink{}
	// Window longer than cooldown: stale failures must not reopen the breaker.
	b, _ := newTestBreaker(clock, Config{Errors: 3, Within: 10 * time.Minute, Cooldown: time.Minute}, sink)

	for i := 0; i < 3; i++ {
		_, _ = b.RecordFailure(ctx)
	}
	clock.Advance(time.Minute)
	if open, _ := b.IsOpen(ctx); open {
		t.Fatal("expected closed after cooldown")
	}

	opened, _ := b.RecordFailure(ctx)
	if opened {
		t.Fatal("a single failure after cooldown must not reopen the breaker")
	}
	_, _ = b.RecordFailure(ctx)
	opened, _ = b.RecordFailure(ctx)
	if !opened {
		t.Fatal("three fresh failures should reopen the breaker")
	}
	if n := sink.count(alert.KindBreakerOpen); n != 2 {
		t.Fatalf("expected two breaker_open alerts, got %d", n)
	}
}

func TestBreaker_FailuresOutsideWindowDoNotAccumulate(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(testEpoch)
	b, _ := newTestBreaker(clock, Config{Errors: 2, Within: 10 * time.Second, Cooldown: time.Minute}, nil)

	_, _ = b.RecordFailure(ctx)
	clock.Advance(11 * time.Second)
	opened, _ := b.RecordFailure(ctx)
	if opened {
		t.Fatal("failures in separate windows must not open the breaker")
	}
}

func TestBreaker_SuccessClearsFailures(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(testEpoch)
	b, _ := newTestBreaker(clock, Config{Errors: 2, Within: time.Minute, Cooldown: time.Minute}, nil)

	_, _ = b.RecordFailure(ctx)
	if err := b.RecordSuccess(ctx); err != nil {
		t.Fatal(err)
	}
	opened, _ := b.RecordFailure(ctx)
	if opened {
		t.Fatal("success should have reset the failure count")
	}
}

func TestBreaker_SuccessDoesNotCloseOpenBreaker(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(testEpoch)
	b, _ := newTestBreaker(clock, Config{Errors: 1, Within: time.Minute, Cooldown: time.Minute}, nil)

	_, _ = b.RecordFailure(ctx)
	_ = b.RecordSuccess(ctx)
	if open, _ := b.IsOpen(ctx); !open {
		t.Fatal("success must not close an open breaker")
	}
}

func TestBreaker_ConcurrentFailuresAlertOnce(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(testEpoch)
	sink := &recordingSink{}
	b, _ := newTestBreaker(clock, Config{Errors: 5, Within: time.Minute, Cooldown: time.Minute}, sink)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = b.RecordFailure(ctx)
		}()
	}
	wg.Wait()

	if n := sink.count(alert.KindBreakerOpen); n != 1 {
		t.Fatalf("expected exactly one breaker_open alert, got %d", n)
	}
}

func TestBreaker_StatusAndReset(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(testEpoch)
	b, _ := newTestBreaker(clock, Config{Errors: 2, Within: time.Minute, Cooldown: time.Minute}, nil)

	_, _ = b.RecordFailure(ctx)
	st, err := b.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Open || st.Failures != 1 {
		t.Fatalf("unexpected status %+v", st)
	}

	_, _ = b.RecordFailure(ctx)
	st, _ = b.Status(ctx)
	if !st.Open {
		t.Fatalf("expected open status, got %+v", st)
	}

	if err := b.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	if open, _ := b.IsOpen(ctx); open {
		t.Fatal("expected closed after reset")
	}
}

func TestBreaker_OpenError(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(testEpoch)
	b, _ := newTestBreaker(clock, Config{Errors: 1, Within: time.Minute, Cooldown: time.Minute}, nil)
	_, _ = b.RecordFailure(ctx)
	clock.Advance(20 * time.Second)

	err := b.OpenError(ctx)
	var coe *CircuitOpenError
	if !errors.As(err, &coe) {
		t.Fatalf("expected CircuitOpenError, got %v", err)
	}
	if coe.RetryAfter != 40*time.Second {
		t.Errorf("expected retry after 40s, got %v", coe.RetryAfter)
	}
}

func TestKeyPrefix(t *testing.T) {
	tests := []struct {
		key  Key
		want string
	}{
		{Key{AgentType: "bot", Model: "m"}, "warden:cb:bot:m"},
		{Key{AgentType: "bot", Model: "m", TenantID: "t1"}, "warden:cb:t1:bot:m"},
	}
	for _, tt := range tests {
		if got := tt.key.prefix(); got != tt.want {
			t.Errorf("prefix() = %q, want %q", got, tt.want)
		}
	}
}

func TestBreakersIsolatedByTenant(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStore(nil)
	cfg := Config{Errors: 1, Within: time.Minute, Cooldown: time.Minute}
	a := New(store, Key{AgentType: "bot", Model: "m", TenantID: "a"}, cfg, nil)
	b := New(store, Key{AgentType: "bot", Model: "m", TenantID: "b"}, cfg, nil)

	_, _ = a.RecordFailure(ctx)
	if open, _ := b.IsOpen(ctx); open {
		t.Fatal("tenant b breaker must not share tenant a state")
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{Errors: 1, Within: time.Second, Cooldown: time.Second}).Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	for _, c := range []Config{
		{Errors: 0, Within: time.Second, Cooldown: time.Second},
		{Errors: 1, Within: 0, Cooldown: time.Second},
		{Errors: 1, Within: time.Second, Cooldown: 0},
	} {
		if err := c.Validate(); err == nil {
			t.Errorf("expected error for %+v", c)
		}
	}
}

func TestManager_Disabled(t *testing.T) {
	ctx := context.Background()
	m := NewManager(cache.NewMemoryStore(nil), nil, "bot", "", nil)

	if m.Enabled() {
		t.Fatal("manager without config should be disabled")
	}
	for i := 0; i < 10; i++ {
		if _, err := m.RecordFailure(ctx, "m"); err != nil {
			t.Fatal(err)
		}
	}
	if open, _ := m.IsOpen(ctx, "m"); open {
		t.Fatal("disabled manager must never report open")
	}
	if m.For("m") != nil {
		t.Fatal("disabled manager should not create breakers")
	}
}

func TestManager_CachesBreakersPerModel(t *testing.T) {
	ctx := context.Background()
	cfg := &Config{Errors: 1, Within: time.Minute, Cooldown: time.Minute}
	m := NewManager(cache.NewMemoryStore(nil), cfg, "bot", "acme", nil)

	if m.For("a") != m.For("a") {
		t.Fatal("expected the same breaker for repeated lookups")
	}
	if m.For("a") == m.For("b") {
		t.Fatal("expected distinct breakers per model")
	}

	_, _ = m.RecordFailure(ctx, "a")
	if open, _ := m.IsOpen(ctx, "a"); !open {
		t.Fatal("expected model a open")
	}
	if open, _ := m.IsOpen(ctx, "b"); open {
		t.Fatal("expected model b closed")
	}
}
