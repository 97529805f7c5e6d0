package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alecgard/warden/internal/auth"
)

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

var testEpoch = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

// newTestLimiter creates a Limiter wired to the given fake clock.
func newTestLimiter(cfg Config, clock *fakeClock) *Limiter {
	l := New(cfg)
	l.now = clock.Now
	return l
}

func TestAllowBasic(t *testing.T) {
	l := newTestLimiter(Config{PerWindow: 3, Window: time.Minute}, newFakeClock(testEpoch))

	for i := 0; i < 3; i++ {
		if !l.Allow("acme").Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	d := l.Allow("acme")
	if d.Allowed {
		t.Fatal("4th request should be denied")
	}
	if d.Limit != 3 || d.Remaining != 0 {
		t.Errorf("unexpected decision %+v", d)
	}
}

func TestAllowDifferentKeys(t *testing.T) {
	l := newTestLimiter(Config{PerWindow: 1, Window: time.Minute}, newFakeClock(testEpoch))

	if !l.Allow("a").Allowed {
		t.Fatal("first request for key 'a' should be allowed")
	}
	if l.Allow("a").Allowed {
		t.Fatal("second request for key 'a' should be denied")
	}
	if !l.Allow("b").Allowed {
		t.Fatal("first request for key 'b' should be allowed")
	}
}

func TestTokenRefill(t *testing.T) {
	clock := newFakeClock(testEpoch)
	// 60 tokens per minute = 1 token per second.
	l := newTestLimiter(Config{PerWindow: 60, Window: time.Minute}, clock)

	for i := 0; i < 60; i++ {
		l.Allow("k")
	}
	d := l.Allow("k")
	if d.Allowed {
		t.Fatal("should be denied after exhausting tokens")
	}
	if want := testEpoch.Add(time.Minute); !d.ResetAt.Equal(want) {
		t.Errorf("expected reset at %v, got %v", want, d.ResetAt)
	}

	clock.Advance(time.Second)
	if !l.Allow("k").Allowed {
		t.Fatal("should be allowed after one second of refill")
	}
	if l.Allow("k").Allowed {
		t.Fatal("only one token should have refilled")
	}
}

func TestOverridesAndDisabled(t *testing.T) {
	l := newTestLimiter(Config{Window: time.Minute, Overrides: map[string]int{"acme": 1}}, newFakeClock(testEpoch))

	if !l.Allow("acme").Allowed || l.Allow("acme").Allowed {
		t.Error("expected acme to get exactly one request")
	}
	for i := 0; i < 100; i++ {
		if d := l.Allow("beta"); !d.Allowed || d.Limit != 0 {
			t.Fatalf("expected no limit for beta, got %+v", d)
		}
	}
	if l.Len() != 1 {
		t.Errorf("expected only the limited key to be tracked, got %d", l.Len())
	}
}

func TestSweepDropsFullBuckets(t *testing.T) {
	clock := newFakeClock(testEpoch)
	l := newTestLimiter(Config{PerWindow: 2, Window: time.Minute}, clock)

	l.Allow("a")
	l.Allow("b")
	l.Allow("b")
	clock.Advance(30 * time.Second)

	if n := l.Sweep(); n != 1 {
		t.Errorf("expected 1 bucket swept, got %d", n)
	}
	if l.Len() != 1 {
		t.Errorf("expected b to remain, got %d buckets", l.Len())
	}
}

func TestConcurrentAllow(t *testing.T) {
	l := newTestLimiter(Config{PerWindow: 50, Window: time.Hour}, newFakeClock(testEpoch))

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("acme").Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 50 {
		t.Errorf("expected exactly 50 allowed, got %d", allowed)
	}
}

// --- middleware tests ---

func TestMiddleware(t *testing.T) {
	l := newTestLimiter(Config{PerWindow: 1, Window: time.Minute}, newFakeClock(testEpoch))
	var rejected []string
	limited := Middleware(l, func(key string) { rejected = append(rejected, key) })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tenant := r.Header.Get(auth.TenantHeader); tenant != "" {
			r = r.WithContext(auth.ContextWithTenant(r.Context(), tenant))
		}
		limited.ServeHTTP(w, r)
	})

	send := func(tenant, addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/agents/support/execute", nil)
		req.RemoteAddr = addr
		if tenant != "" {
			req.Header.Set(auth.TenantHeader, tenant)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := send("acme", "10.0.0.1:5000")
	if rec.Code != http.StatusOK || rec.Header().Get("X-RateLimit-Limit") != "1" {
		t.Fatalf("first request: got %d with limit %q", rec.Code, rec.Header().Get("X-RateLimit-Limit"))
	}
	// Same tenant from another address shares the bucket.
	if rec := send("acme", "10.0.0.2:5000"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", rec.Code)
	}
	// No tenant falls back to the client address.
	if rec := send("", "10.0.0.1:5000"); rec.Code != http.StatusOK {
		t.Errorf("expected 200 for an address bucket, got %d", rec.Code)
	}
	if rec := send("", "10.0.0.1:6000"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429 for the same address, got %d", rec.Code)
	}

	if len(rejected) != 2 || rejected[0] != "acme" || rejected[1] != "addr:10.0.0.1" {
		t.Errorf("unexpected rejections %v", rejected)
	}
}
