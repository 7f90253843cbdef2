package middleware

import (
	"net/http"
	"net/url"
	"strings"
)

// loopbackHosts always pass the host and origin checks.
var loopbackHosts = map[string]struct{}{
	"localhost": {},
	"127.0.0.1": {},
	"::1":       {},
}

// Allowlist is the set of hostnames accepted in Host and Origin headers.
// It guards against DNS-rebinding attacks on a locally bound server.
type Allowlist struct {
	hosts    map[string]struct{}
	wildcard bool
}

// NewAllowlist builds the accepted set: loopback, the configured bind host
// (unless it is a wildcard bind), and any extra names. A "*" entry in extra
// disables the check entirely.
func NewAllowlist(configuredHost string, extra []string) *Allowlist {
	a := &Allowlist{hosts: map[string]struct{}{}}
	for h := range loopbackHosts {
		a.hosts[h] = struct{}{}
	}
	configuredHost = strings.ToLower(strings.TrimSpace(configuredHost))
	if configuredHost != "" && configuredHost != "0.0.0.0" && configuredHost != "::" {
		a.hosts[configuredHost] = struct{}{}
	}
	for _, h := range extra {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "*" {
			a.wildcard = true
			continue
		}
		if h != "" {
			a.hosts[h] = struct{}{}
		}
	}
	return a
}

// Allows reports whether hostname (already canonicalized) is accepted.
func (a *Allowlist) Allows(hostname string) bool {
	if a.wildcard {
		return true
	}
	_, ok := a.hosts[hostname]
	return ok
}

// CanonicalHost reduces a Host header value to a bare lowercase hostname:
// first comma-separated value, IPv6 brackets stripped, port stripped. A
// bare IPv6 literal without brackets keeps all its colons.
func CanonicalHost(header string) string {
	host := header
	if i := strings.Index(host, ","); i >= 0 {
		host = host[:i]
	}
	host = strings.TrimSpace(host)

	if strings.HasPrefix(host, "[") {
		// Bracketed IPv6, possibly with port.
		if end := strings.Index(host, "]"); end >= 0 {
			return strings.ToLower(host[1:end])
		}
		return strings.ToLower(strings.TrimPrefix(host, "["))
	}
	// More than one colon means an unbracketed IPv6 literal; a single
	// colon separates host from port.
	if strings.Count(host, ":") == 1 {
		host = host[:strings.Index(host, ":")]
	}
	return strings.ToLower(host)
}

// HostAllowlist rejects requests whose Host header is not in the allowlist
// with 403 HOST_NOT_ALLOWED.
func HostAllowlist(a *Allowlist) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.Allows(CanonicalHost(r.Host)) {
				WriteJSONError(w, http.StatusForbidden, "HOST_NOT_ALLOWED", "Host not allowed")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// OriginAllowlist rejects requests whose Origin hostname is not in the
// allowlist with 403 ORIGIN_NOT_ALLOWED. A missing Origin passes: MCP
// clients are not browsers and usually send none.
func OriginAllowlist(a *Allowlist) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" {
				u, err := url.Parse(origin)
				if err != nil || !a.Allows(strings.ToLower(u.Hostname())) {
					WriteJSONError(w, http.StatusForbidden, "ORIGIN_NOT_ALLOWED", "Origin not allowed")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
