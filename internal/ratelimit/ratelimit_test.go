package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// fakeClock is a controllable time source for deterministic tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

func newTestLimiter(rate int, window time.Duration) (*Limiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(rate, window)
	l.now = clock.Now
	return l, clock
}

func TestTakeExhaustsAndRefills(t *testing.T) {
	l, clock := newTestLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		if d := l.Take("login|1.2.3.4", 0); !d.Allowed || d.Remaining != 2-i {
			t.Fatalf("request %d: %+v", i+1, d)
		}
	}
	d := l.Take("login|1.2.3.4", 0)
	if d.Allowed {
		t.Fatal("4th request should be denied")
	}
	if !d.ResetAt.After(clock.Now()) {
		t.Fatalf("resetAt %v should be in the future", d.ResetAt)
	}

	// One token every 20 seconds.
	clock.Advance(20 * time.Second)
	if !l.Allow("login|1.2.3.4", 0) {
		t.Fatal("expected a refilled token")
	}
	if l.Allow("login|1.2.3.4", 0) {
		t.Fatal("only one token should have refilled")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(1, time.Minute)
	if !l.Allow("a", 0) || l.Allow("a", 0) {
		t.Fatal("key a should allow exactly one")
	}
	if !l.Allow("b", 0) {
		t.Fatal("key b has its own bucket")
	}
}

func TestRefillIsCapped(t *testing.T) {
	l, clock := newTestLimiter(2, time.Minute)
	l.Allow("k", 0)
	clock.Advance(time.Hour)
	allowed := 0
	for i := 0; i < 5; i++ {
		if l.Allow("k", 0) {
			allowed++
		}
	}
	if allowed != 2 {
		t.Fatalf("expected bucket capped at 2, got %d", allowed)
	}
}

func TestRateOverride(t *testing.T) {
	l, _ := newTestLimiter(10, time.Minute)
	if d := l.Take("k", 2); d.Limit != 2 || d.Remaining != 1 {
		t.Fatalf("unexpected decision %+v", d)
	}
}

func TestConcurrentAccess(t *testing.T) {
	l, _ := newTestLimiter(100, time.Minute)

	var wg sync.WaitGroup
	allowed := make(chan bool, 200)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed <- l.Allow("concurrent", 0)
		}()
	}
	wg.Wait()
	close(allowed)

	count := 0
	for ok := range allowed {
		if ok {
			count++
		}
	}
	if count != 100 {
		t.Fatalf("expected exactly 100 allowed, got %d", count)
	}
}

func TestSweepDropsFullBuckets(t *testing.T) {
	l, clock := newTestLimiter(2, time.Minute)
	l.Allow("idle", 0)
	l.Allow("busy", 0)
	l.Allow("busy", 0)

	clock.Advance(30 * time.Second)
	l.Allow("busy", 0)

	if n := l.Sweep(); n != 1 {
		t.Fatalf("expected 1 bucket swept, got %d", n)
	}
	if l.Len() != 1 {
		t.Fatalf("expected 1 bucket left, got %d", l.Len())
	}
}

func TestMiddleware(t *testing.T) {
	l, _ := newTestLimiter(10, time.Minute)
	var rejected []string
	handler := Middleware(l, "login", 2, func(scope string) { rejected = append(rejected, scope) })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }))

	do := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := do("198.51.100.1:5000"); rec.Code != http.StatusNoContent {
			t.Fatalf("request %d: status %d", i+1, rec.Code)
		}
	}
	rec := do("198.51.100.1:5001")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Limit") != "2" || rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("unexpected headers %v", rec.Header())
	}
	var body map[string]map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil || body["error"]["code"] != "rate_limited" {
		t.Errorf("unexpected body %v, %v", body, err)
	}
	if len(rejected) != 1 || rejected[0] != "login" {
		t.Errorf("onReject calls = %v", rejected)
	}

	if rec := do("198.51.100.2:5000"); rec.Code != http.StatusNoContent {
		t.Fatalf("other client should not be limited, got %d", rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[2001:db8::1]:443"
	if got := ClientIP(req); got != "2001:db8::1" {
		t.Errorf("ClientIP = %q", got)
	}
	req.RemoteAddr = "203.0.113.9"
	if got := ClientIP(req); got != "203.0.113.9" {
		t.Errorf("ClientIP without port = %q", got)
	}
}
