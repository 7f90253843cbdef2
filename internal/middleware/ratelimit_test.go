package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

func newTestLimiter(t *testing.T, opts RateLimiterOptions) *RateLimiter {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	rl := NewRateLimiter(opts)
	t.Cleanup(rl.Close)
	return rl
}

func TestAllowFixedWindow(t *testing.T) {
	rl := newTestLimiter(t, RateLimiterOptions{MaxRequests: 3, Window: time.Minute})
	now := time.Now()

	for i := 0; i < 3; i++ {
		if ok, _, _ := rl.Allow("1.2.3.4", now); !ok {
			t.Fatalf("request %d should pass", i+1)
		}
	}
	ok, retryAfter, remaining := rl.Allow("1.2.3.4", now.Add(30*time.Second))
	if ok {
		t.Fatal("4th request should be limited")
	}
	if retryAfter <= 0 || retryAfter > 60 {
		t.Errorf("retryAfter = %d, want (0, 60]", retryAfter)
	}
	if remaining != 0 {
		t.Errorf("remaining = %d", remaining)
	}

	// A different IP is unaffected.
	if ok, _, _ := rl.Allow("5.6.7.8", now); !ok {
		t.Error("other IP should pass")
	}

	// Window rollover resets the count.
	if ok, _, _ := rl.Allow("1.2.3.4", now.Add(61*time.Second)); !ok {
		t.Error("new window should pass")
	}
}

func TestLimiterMiddleware101stRequest(t *testing.T) {
	rl := newTestLimiter(t, RateLimiterOptions{})
	handler := rl.Middleware()(okHandler())

	var rec *httptest.ResponseRecorder
	for i := 0; i < 101; i++ {
		req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
		req.RemoteAddr = "9.9.9.9:1234"
		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
	}

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("101st request: status = %d, want 429", rec.Code)
	}
	retryAfter, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	if err != nil || retryAfter <= 0 || retryAfter > 60 {
		t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
	policy := rec.Header().Get("RateLimit")
	if !strings.Contains(policy, "limit=100") || !strings.Contains(policy, "remaining=0") {
		t.Errorf("RateLimit header = %q", policy)
	}
	if !strings.Contains(rec.Body.String(), "RATE_LIMITED") {
		t.Errorf("body = %q, want the RATE_LIMITED code", rec.Body.String())
	}
}

func TestLimiterClampsOptions(t *testing.T) {
	rl := newTestLimiter(t, RateLimiterOptions{MaxRequests: -5, Window: time.Millisecond})
	if rl.maxRequests != minRateLimitRequests || rl.window != minRateLimitWindow {
		t.Errorf("low clamp: max=%d window=%v", rl.maxRequests, rl.window)
	}

	rl = newTestLimiter(t, RateLimiterOptions{MaxRequests: 1 << 20, Window: 48 * time.Hour})
	if rl.maxRequests != maxRateLimitRequests || rl.window != maxRateLimitWindow {
		t.Errorf("high clamp: max=%d window=%v", rl.maxRequests, rl.window)
	}
}

func TestClientIPTrustedProxies(t *testing.T) {
	rl := newTestLimiter(t, RateLimiterOptions{TrustedProxies: []string{"10.0.0.1"}})

	// Trusted peer: forwarded headers are honored, X-Real-IP first.
	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.RemoteAddr = "10.0.0.1:55555"
	req.Header.Set("X-Real-IP", "203.0.113.7")
	req.Header.Set("X-Forwarded-For", "198.51.100.2, 10.0.0.1")
	if got := rl.ClientIP(req); got != "203.0.113.7" {
		t.Errorf("trusted X-Real-IP: got %q", got)
	}

	req.Header.Del("X-Real-IP")
	if got := rl.ClientIP(req); got != "198.51.100.2" {
		t.Errorf("trusted XFF first hop: got %q", got)
	}

	// Untrusted peer: headers are ignored.
	req.RemoteAddr = "192.0.2.9:1111"
	req.Header.Set("X-Real-IP", "203.0.113.7")
	if got := rl.ClientIP(req); got != "192.0.2.9" {
		t.Errorf("untrusted peer: got %q", got)
	}
}

func TestClientIPEmptyTrustSetHonorsHeaders(t *testing.T) {
	rl := newTestLimiter(t, RateLimiterOptions{})
	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.RemoteAddr = "192.0.2.9:1111"
	req.Header.Set("X-Real-IP", "203.0.113.7")
	if got := rl.ClientIP(req); got != "203.0.113.7" {
		t.Errorf("empty trust set: got %q", got)
	}
}

func TestCleanupDropsExpiredWindows(t *testing.T) {
	rl := newTestLimiter(t, RateLimiterOptions{Window: time.Minute})
	now := time.Now()
	rl.Allow("1.1.1.1", now)
	rl.Allow("2.2.2.2", now)

	rl.cleanupOnce(now.Add(30 * time.Second))
	if rl.Len() != 2 {
		t.Fatalf("live windows dropped: %d", rl.Len())
	}
	rl.cleanupOnce(now.Add(2 * time.Minute))
	if rl.Len() != 0 {
		t.Fatalf("expired windows kept: %d", rl.Len())
	}
}
