// Package auth verifies bearer tokens on the MCP endpoint. Two modes:
// static (a configured API key or access-token list) and oauth (RFC 7662
// token introspection against an external authorization server).
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Mode selects the verification strategy.
type Mode string

const (
	ModeStatic Mode = "static"
	ModeOAuth  Mode = "oauth"
)

// Verifier checks a bearer token. Implementations must be safe for
// concurrent use.
type Verifier interface {
	Verify(ctx context.Context, token string) (bool, error)
}

// BearerToken extracts the token from an Authorization header, or "".
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

// StaticVerifier accepts a fixed API key or any of a list of access
// tokens. Comparisons are constant time.
type StaticVerifier struct {
	apiKey string
	tokens []string
}

// NewStaticVerifier builds a verifier from the configured key material.
// With no key and no tokens, every request passes: the server is treated
// as unprotected, which is the default for local use.
func NewStaticVerifier(apiKey string, accessTokens []string) *StaticVerifier {
	tokens := make([]string, 0, len(accessTokens))
	for _, t := range accessTokens {
		if t = strings.TrimSpace(t); t != "" {
			tokens = append(tokens, t)
		}
	}
	return &StaticVerifier{apiKey: strings.TrimSpace(apiKey), tokens: tokens}
}

// Open reports whether the verifier accepts unauthenticated requests.
func (v *StaticVerifier) Open() bool {
	return v.apiKey == "" && len(v.tokens) == 0
}

func (v *StaticVerifier) Verify(_ context.Context, token string) (bool, error) {
	if v.Open() {
		return true, nil
	}
	if token == "" {
		return false, nil
	}
	if v.apiKey != "" && subtle.ConstantTimeCompare([]byte(token), []byte(v.apiKey)) == 1 {
		return true, nil
	}
	for _, t := range v.tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(t)) == 1 {
			return true, nil
		}
	}
	return false, nil
}

// Introspection timeout bounds.
const (
	DefaultIntrospectionTimeout = 5 * time.Second
	minIntrospectionTimeout     = time.Second
	maxIntrospectionTimeout     = 30 * time.Second
)

// introspectionCacheTTL bounds how long a verdict is reused before the
// authorization server is asked again. Keeps token revocation latency low
// while absorbing per-request introspection round trips.
const introspectionCacheTTL = time.Minute

// IntrospectionConfig configures the OAuth verifier.
type IntrospectionConfig struct {
	Endpoint       string
	ClientID       string
	ClientSecret   string
	RequiredScopes []string
	Timeout        time.Duration
	HTTPClient     *http.Client
}

// IntrospectionVerifier validates tokens against an RFC 7662 introspection
// endpoint. Verdicts are cached briefly so a chatty MCP session does not
// introspect on every request.
type IntrospectionVerifier struct {
	endpoint       string
	clientID       string
	clientSecret   string
	requiredScopes []string
	client         *http.Client

	mu      sync.Mutex
	results map[string]cachedVerdict
}

type cachedVerdict struct {
	ok      bool
	expires time.Time
}

// NewIntrospectionVerifier builds the verifier; the timeout is clamped to
// [1s, 30s].
func NewIntrospectionVerifier(cfg IntrospectionConfig) *IntrospectionVerifier {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultIntrospectionTimeout
	}
	if timeout < minIntrospectionTimeout {
		timeout = minIntrospectionTimeout
	}
	if timeout > maxIntrospectionTimeout {
		timeout = maxIntrospectionTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	client.Timeout = timeout
	return &IntrospectionVerifier{
		endpoint:       cfg.Endpoint,
		clientID:       cfg.ClientID,
		clientSecret:   cfg.ClientSecret,
		requiredScopes: cfg.RequiredScopes,
		client:         client,
		results:        make(map[string]cachedVerdict),
	}
}

type introspectionResponse struct {
	Active bool   `json:"active"`
	Scope  string `json:"scope"`
}

func (v *IntrospectionVerifier) Verify(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	if verdict, ok := v.cached(token); ok {
		return verdict, nil
	}

	ok, err := v.introspect(ctx, token)
	if err != nil {
		return false, err
	}
	v.store(token, ok)
	return ok, nil
}

func (v *IntrospectionVerifier) cached(token string) (verdict, ok bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	entry, found := v.results[token]
	if !found || time.Now().After(entry.expires) {
		delete(v.results, token)
		return false, false
	}
	return entry.ok, true
}

func (v *IntrospectionVerifier) store(token string, ok bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	// Drop stale entries opportunistically so the map stays bounded.
	now := time.Now()
	for t, entry := range v.results {
		if now.After(entry.expires) {
			delete(v.results, t)
		}
	}
	v.results[token] = cachedVerdict{ok: ok, expires: now.Add(introspectionCacheTTL)}
}

func (v *IntrospectionVerifier) introspect(ctx context.Context, token string) (bool, error) {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return false, fmt.Errorf("creating introspection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if v.clientID != "" {
		req.SetBasicAuth(v.clientID, v.clientSecret)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("introspecting token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return false, fmt.Errorf("introspection endpoint returned %d", resp.StatusCode)
	}

	var out introspectionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("decoding introspection response: %w", err)
	}
	if !out.Active {
		return false, nil
	}
	return hasScopes(out.Scope, v.requiredScopes), nil
}

// hasScopes checks that every required scope appears in the
// space-separated granted set.
func hasScopes(granted string, required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := map[string]struct{}{}
	for _, s := range strings.Fields(granted) {
		have[s] = struct{}{}
	}
	for _, s := range required {
		if _, ok := have[s]; !ok {
			return false
		}
	}
	return true
}

// Middleware rejects requests the verifier does not accept with 401.
// Verifier errors (an unreachable introspection endpoint) also produce
// 401 rather than letting traffic through.
func Middleware(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, err := v.Verify(r.Context(), BearerToken(r))
			if err != nil || !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="superfetch"`)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{
					"error": "Unauthorized", "code": "UNAUTHORIZED",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
