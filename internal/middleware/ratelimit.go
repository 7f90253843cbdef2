package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dunglas/httpsfv"

	"superfetch/internal/model"
)

const (
	DefaultRateLimitRequests = 100
	DefaultRateLimitWindow   = 60 * time.Second

	minRateLimitRequests = 1
	maxRateLimitRequests = 10000
	minRateLimitWindow   = time.Second
	maxRateLimitWindow   = time.Hour

	// Entries idle this long are dropped by the cleanup loop even if the
	// window math would keep them.
	rateLimitIdleEviction = time.Hour

	rateLimitCleanupPeriod = time.Minute
)

type rateWindow struct {
	count    int
	start    time.Time
	lastSeen time.Time
}

// RateLimiter applies a fixed window per client IP. The client IP comes
// from X-Real-IP or the first X-Forwarded-For hop only when the socket
// peer is a trusted proxy; otherwise the socket peer address is used.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*rateWindow

	maxRequests    int
	window         time.Duration
	trustedProxies map[string]struct{}
	trustAll       bool
	logger         *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// RateLimiterOptions configures a RateLimiter. Zero values take defaults;
// out-of-range values are clamped rather than rejected.
type RateLimiterOptions struct {
	MaxRequests    int
	Window         time.Duration
	TrustedProxies []string
	Logger         *slog.Logger
}

// NewRateLimiter creates a limiter and starts its cleanup loop.
func NewRateLimiter(opts RateLimiterOptions) *RateLimiter {
	if opts.MaxRequests == 0 {
		opts.MaxRequests = DefaultRateLimitRequests
	}
	if opts.MaxRequests < minRateLimitRequests {
		opts.MaxRequests = minRateLimitRequests
	}
	if opts.MaxRequests > maxRateLimitRequests {
		opts.MaxRequests = maxRateLimitRequests
	}
	if opts.Window == 0 {
		opts.Window = DefaultRateLimitWindow
	}
	if opts.Window < minRateLimitWindow {
		opts.Window = minRateLimitWindow
	}
	if opts.Window > maxRateLimitWindow {
		opts.Window = maxRateLimitWindow
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	rl := &RateLimiter{
		windows:     make(map[string]*rateWindow),
		maxRequests: opts.MaxRequests,
		window:      opts.Window,
		logger:      opts.Logger,
		done:        make(chan struct{}),
		// An empty trusted set means forwarding headers are honored from
		// any peer, which matches a deployment entirely behind a proxy.
		trustAll: len(opts.TrustedProxies) == 0,
	}
	rl.trustedProxies = make(map[string]struct{}, len(opts.TrustedProxies))
	for _, p := range opts.TrustedProxies {
		if p = strings.TrimSpace(p); p != "" {
			rl.trustedProxies[p] = struct{}{}
		}
	}
	go rl.cleanupLoop()
	return rl
}

// Allow records one request for ip and reports whether it is within the
// window, along with seconds until reset and remaining quota.
func (rl *RateLimiter) Allow(ip string, now time.Time) (ok bool, retryAfter, remaining int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w := rl.windows[ip]
	if w == nil || now.Sub(w.start) >= rl.window {
		rl.windows[ip] = &rateWindow{count: 1, start: now, lastSeen: now}
		return true, 0, rl.maxRequests - 1
	}
	w.lastSeen = now
	reset := int(math.Ceil(rl.window.Seconds() - now.Sub(w.start).Seconds()))
	if w.count >= rl.maxRequests {
		return false, reset, 0
	}
	w.count++
	return true, reset, rl.maxRequests - w.count
}

// ClientIP resolves the address to rate limit on.
func (rl *RateLimiter) ClientIP(r *http.Request) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}
	_, trusted := rl.trustedProxies[peer]
	if !trusted && !rl.trustAll {
		return peer
	}
	if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" {
		return real
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := fwd
		if i := strings.Index(fwd, ","); i >= 0 {
			first = fwd[:i]
		}
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	return peer
}

// Middleware enforces the limit, answering 429 with Retry-After and a
// structured RateLimit header when the window is exhausted.
func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := rl.ClientIP(r)
			ok, retryAfter, remaining := rl.Allow(ip, time.Now())
			if header := rl.policyHeader(remaining, retryAfter); header != "" {
				w.Header().Set("RateLimit", header)
			}
			if !ok {
				apiErr := model.NewRateLimitError(retryAfter)
				w.Header().Set("Retry-After", strconv.Itoa(apiErr.RetryAfter))
				rl.logger.Warn("rate limit exceeded", "ip", ip)
				WriteJSONError(w, apiErr.StatusCode, apiErr.Code, apiErr.Message)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// policyHeader renders the draft RateLimit header as an RFC 8941
// structured dictionary: limit, remaining, and seconds to reset.
func (rl *RateLimiter) policyHeader(remaining, reset int) string {
	dict := httpsfv.NewDictionary()
	dict.Add("limit", httpsfv.NewItem(int64(rl.maxRequests)))
	dict.Add("remaining", httpsfv.NewItem(int64(remaining)))
	dict.Add("reset", httpsfv.NewItem(int64(reset)))
	header, err := httpsfv.Marshal(dict)
	if err != nil {
		return ""
	}
	return header
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rateLimitCleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			rl.cleanupOnce(now)
		case <-rl.done:
			return
		}
	}
}

// cleanupOnce drops expired windows and entries idle for over an hour.
func (rl *RateLimiter) cleanupOnce(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, w := range rl.windows {
		if now.Sub(w.start) >= rl.window || now.Sub(w.lastSeen) >= rateLimitIdleEviction {
			delete(rl.windows, ip)
		}
	}
}

// Close stops the cleanup loop.
func (rl *RateLimiter) Close() {
	rl.closeOnce.Do(func() { close(rl.done) })
}

// Len reports tracked client windows, for the cleanup tests.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.windows)
}
