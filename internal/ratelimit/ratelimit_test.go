package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keithlinneman/linnemanlabs-ota/internal/httpmw"
)

func newTestLimiter(t *testing.T, opts ...Option) *Limiter {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	all := append([]Option{WithRate(10, 5), WithTTL(100 * time.Millisecond)}, opts...)
	return New(ctx, all...)
}

func TestAllow_BurstThenReject(t *testing.T) {
	l := newTestLimiter(t, WithRate(1, 5))

	for i := 0; i < 5; i++ {
		if !l.allow("127.0.0.1") {
			t.Fatalf("request %d should be allowed (within burst)", i+1)
		}
	}
	if l.allow("127.0.0.1") {
		t.Fatal("request 6 should be denied")
	}
	if !l.allow("::1") {
		t.Fatal("other key should have its own bucket")
	}
}

func TestAllow_Refill(t *testing.T) {
	l := newTestLimiter(t, WithRate(50, 1))
	if !l.allow("k") {
		t.Fatal("first request denied")
	}
	if l.allow("k") {
		t.Fatal("second immediate request allowed")
	}
	time.Sleep(60 * time.Millisecond)
	if !l.allow("k") {
		t.Fatal("request after refill denied")
	}
}

func TestHooks(t *testing.T) {
	var first, denied atomic.Int32
	l := newTestLimiter(t,
		WithRate(0.001, 1),
		WithOnFirstDenied(func(string) { first.Add(1) }),
		WithOnDenied(func(string) { denied.Add(1) }),
	)

	l.allow("k")
	for i := 0; i < 4; i++ {
		l.allow("k")
	}
	if first.Load() != 1 {
		t.Fatalf("OnFirstDenied = %d, want 1", first.Load())
	}
	if denied.Load() != 4 {
		t.Fatalf("OnDenied = %d, want 4", denied.Load())
	}
}

func TestCleanup_EvictsIdle(t *testing.T) {
	var first atomic.Int32
	l := newTestLimiter(t, WithRate(0.001, 1), WithOnFirstDenied(func(string) { first.Add(1) }))

	l.allow("k")
	l.allow("k")
	time.Sleep(300 * time.Millisecond)

	if n := l.size(); n != 0 {
		t.Fatalf("visitors = %d after ttl, want 0", n)
	}
	// fresh bucket after eviction, and the first-denial hook fires again
	if !l.allow("k") {
		t.Fatal("evicted key should get a fresh bucket")
	}
	l.allow("k")
	if first.Load() != 2 {
		t.Fatalf("OnFirstDenied = %d, want 2", first.Load())
	}
}

func TestMaxVisitors(t *testing.T) {
	var capacity atomic.Int32
	l := newTestLimiter(t,
		WithTTL(time.Hour),
		WithMaxVisitors(2),
		WithOnCapacity(func() { capacity.Add(1) }),
	)

	if !l.allow("a") || !l.allow("b") {
		t.Fatal("keys under the cap denied")
	}
	if l.allow("c") || l.allow("d") {
		t.Fatal("new key allowed at capacity")
	}
	if !l.allow("a") {
		t.Fatal("existing key denied at capacity")
	}
	if capacity.Load() != 1 {
		t.Fatalf("OnCapacity = %d, want 1", capacity.Load())
	}
}

func TestMaxVisitors_ZeroDisablesCap(t *testing.T) {
	l := newTestLimiter(t, WithTTL(time.Hour), WithMaxVisitors(0))
	for i := 0; i < 100; i++ {
		if !l.allow(fmt.Sprintf("k%d", i)) {
			t.Fatalf("key %d denied with no cap", i)
		}
	}
}

func TestMiddleware(t *testing.T) {
	l := newTestLimiter(t, WithRate(0.001, 2))
	var reached atomic.Int32
	h := httpmw.PeerIP(l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached.Add(1)
	})))

	do := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/install", http.NoBody)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	do("127.0.0.1:1000")
	do("127.0.0.1:1001")
	rec := do("127.0.0.1:1002")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After")
	}
	if reached.Load() != 2 {
		t.Fatalf("handler reached %d times, want 2", reached.Load())
	}
	if do("10.1.1.1:1000").Code != http.StatusOK {
		t.Fatal("different peer should be served")
	}
}

func TestWithKeyFunc(t *testing.T) {
	l := newTestLimiter(t, WithRate(0.001, 1), WithKeyFunc(func(r *http.Request) string {
		return r.Header.Get("X-App")
	}))
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	do := func(app string) int {
		req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
		req.Header.Set("X-App", app)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	if do("a") != http.StatusOK || do("a") != http.StatusTooManyRequests || do("b") != http.StatusOK {
		t.Fatal("key func not applied")
	}
}

func TestConcurrentAccess(t *testing.T) {
	l := newTestLimiter(t, WithMaxVisitors(50))
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				l.allow(fmt.Sprintf("k%d", (i*j)%80))
			}
		}(i)
	}
	wg.Wait()
	if n := l.size(); n > 50 {
		t.Fatalf("visitors = %d, exceeds cap", n)
	}
}
