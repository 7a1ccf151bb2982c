package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	limiter "ratelimiter/internal/ratelimit"
	"ratelimiter/internal/storage"
	"ratelimiter/internal/storage/memory"
)

// recordingChecker returns a fixed decision and remembers identifiers
type recordingChecker struct {
	decision limiter.Decision
	seen     []string
}

func (c *recordingChecker) Check(_ context.Context, id string) limiter.Decision {
	c.seen = append(c.seen, id)
	return c.decision
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func newLimiter(t *testing.T, limit int, window time.Duration) *limiter.Limiter {
	t.Helper()
	cfg := storage.Config{Limit: limit, Window: window}
	l := limiter.New(limiter.Config{Limit: limit, Window: window}, nil, memory.NewStore(cfg, memory.WithSweepInterval(0)))
	t.Cleanup(func() { l.Close() })
	return l
}

func TestMiddleware_AllowedRequestGetsHeaders(t *testing.T) {
	checker := &recordingChecker{decision: limiter.Decision{Allowed: true, Limit: 100, WindowSeconds: 60, Count: 1}}
	handler := Middleware(checker, DefaultConfig())(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/ping", nil)
	req.RemoteAddr = "192.0.2.10:51234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get(HeaderLimit); got != "100" {
		t.Errorf("expected %s 100, got %q", HeaderLimit, got)
	}
	if got := rec.Header().Get(HeaderWindow); got != "60" {
		t.Errorf("expected %s 60, got %q", HeaderWindow, got)
	}
	if got := rec.Header().Get(HeaderRetryAfter); got != "" {
		t.Errorf("unexpected Retry-After on allowed response: %q", got)
	}
	if len(checker.seen) != 1 || checker.seen[0] != "192.0.2.10" {
		t.Errorf("expected identifier 192.0.2.10, got %v", checker.seen)
	}
}

func TestMiddleware_DeniedResponse(t *testing.T) {
	checker := &recordingChecker{decision: limiter.Decision{Allowed: false, Limit: 5, WindowSeconds: 60, Count: 6}}
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
	handler := Middleware(checker, DefaultConfig())(next)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/echo", nil))

	if called {
		t.Error("denied request reached the application handler")
	}
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get(HeaderRetryAfter); got != "60" {
		t.Errorf("expected Retry-After 60, got %q", got)
	}
	if got := rec.Header().Get(HeaderLimit); got != "5" {
		t.Errorf("expected %s 5, got %q", HeaderLimit, got)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("expected JSON content type, got %q", got)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body["error"] != "rate_limited" {
		t.Errorf("expected error rate_limited, got %v", body["error"])
	}
	if body["retry_after"] != float64(60) {
		t.Errorf("expected retry_after 60, got %v", body["retry_after"])
	}
}

func TestMiddleware_ExcludedPaths(t *testing.T) {
	l := newLimiter(t, 1, time.Minute)
	handler := Middleware(l, DefaultConfig())(okHandler())

	paths := []string{"/health", "/health/ping", "/live", "/ready", "/metrics"}
	for _, path := range paths {
		for i := 0; i < 3; i++ {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
			if rec.Code != http.StatusOK {
				t.Errorf("%s: expected 200, got %d", path, rec.Code)
			}
			if rec.Header().Get(HeaderLimit) != "" {
				t.Errorf("%s: excluded path got rate limit headers", path)
			}
		}
	}

	if got := l.Stats().TotalRequests; got != 0 {
		t.Errorf("excluded paths touched the limiter %d times", got)
	}

	// Exact match only
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/deep", nil))
	if got := l.Stats().TotalRequests; got != 1 {
		t.Errorf("expected /health/deep to be counted, total=%d", got)
	}
}

func TestMiddleware_EnforcesLimit(t *testing.T) {
	l := newLimiter(t, 5, time.Minute)
	handler := Middleware(l, DefaultConfig())(okHandler())

	var codes []int
	for i := 0; i < 7; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/ping", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	for i, code := range codes {
		want := http.StatusOK
		if i >= 5 {
			want = http.StatusTooManyRequests
		}
		if code != want {
			t.Errorf("request %d: expected %d, got %d", i+1, want, code)
		}
	}

	stats := l.Stats()
	if stats.TotalRequests != 7 || stats.RateLimitedCount != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestMiddleware_IdentifierPrecedence(t *testing.T) {
	l := newLimiter(t, 2, time.Minute)
	handler := Middleware(l, DefaultConfig())(okHandler())

	// Three different transports, same forwarded client
	remotes := []string{"10.0.0.1:1000", "10.0.0.2:2000", "10.0.0.3:3000"}
	var last int
	for _, remote := range remotes {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/ping", nil)
		req.RemoteAddr = remote
		req.Header.Set("X-Forwarded-For", "9.9.9.9, 10.0.0.254")
		req.Header.Set("X-Real-IP", "8.8.8.8")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		last = rec.Code
	}

	if last != http.StatusTooManyRequests {
		t.Errorf("expected the forwarded client to share one budget, got %d", last)
	}

	// A different client behind the same proxy is unaffected
	req := httptest.NewRequest(http.MethodGet, "/api/v1/ping", nil)
	req.RemoteAddr = "10.0.0.1:1000"
	req.Header.Set("X-Forwarded-For", "7.7.7.7")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected other client to be allowed, got %d", rec.Code)
	}
}

func TestMiddleware_CustomKeyFunc(t *testing.T) {
	checker := &recordingChecker{decision: limiter.Decision{Allowed: true, Limit: 1, WindowSeconds: 1}}
	cfg := DefaultConfig()
	cfg.KeyFunc = func(r *http.Request) string { return "fixed" }
	handler := Middleware(checker, cfg)(okHandler())

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if len(checker.seen) != 1 || checker.seen[0] != "fixed" {
		t.Errorf("expected custom key, got %v", checker.seen)
	}
}
