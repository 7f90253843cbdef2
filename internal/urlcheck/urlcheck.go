// Package urlcheck validates outbound URLs and blocks requests that would
// reach private, reserved, or cloud-metadata addresses. All outbound fetches
// must pass through ValidateAndNormalize and, after DNS resolution, through
// the validating Resolver so that rebinding cannot bypass the checks.
package urlcheck

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"

	"superfetch/internal/model"
)

// maxURLLength bounds accepted input before parsing.
const maxURLLength = 2048

// blockedHosts are literal hostnames that are never fetchable, regardless
// of what they resolve to. Includes the usual cloud metadata endpoints.
var blockedHosts = map[string]struct{}{
	"localhost":                {},
	"127.0.0.1":                {},
	"::1":                      {},
	"0.0.0.0":                  {},
	"169.254.169.254":          {},
	"metadata.google.internal": {},
	"metadata.azure.com":       {},
	"100.100.100.200":          {},
	"instance-data":            {},
}

// blockedV4 and blockedV6 are the private/reserved ranges we refuse to touch.
var blockedV4 = mustPrefixes(
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"224.0.0.0/4",
	"240.0.0.0/4",
)

var blockedV6 = mustPrefixes(
	"::/128",
	"::1/128",
	"::ffff:0:0/96",
	"64:ff9b::/96",
	"64:ff9b:1::/48",
	"2001::/32",
	"2002::/16",
	"fc00::/7",
	"fe80::/10",
	"ff00::/8",
)

func mustPrefixes(cidrs ...string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		out = append(out, netip.MustParsePrefix(c))
	}
	return out
}

// IsBlockedIP reports whether addr falls in any blocked range.
// IPv4-mapped IPv6 addresses are unwrapped to their IPv4 form first, so
// ::ffff:10.0.0.1 yields the same verdict as 10.0.0.1.
func IsBlockedIP(addr netip.Addr) bool {
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	table := blockedV6
	if addr.Is4() {
		table = blockedV4
	}
	for _, p := range table {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Normalize parses and normalizes a user-supplied URL without consulting
// the blocklist: trims, bounds length, requires an absolute http(s) URL with
// no credentials, and lowercases the hostname. Returns the serialized URL.
func Normalize(input string) (string, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return "", model.NewURLValidationError("url must not be empty")
	}
	if len(raw) > maxURLLength {
		return "", model.NewURLValidationError(fmt.Sprintf("url exceeds %d characters", maxURLLength))
	}

	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		return "", model.NewURLValidationError("url must be absolute")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", model.NewURLValidationError(fmt.Sprintf("unsupported scheme: %s", u.Scheme))
	}
	if u.User != nil {
		return "", model.NewURLValidationError("credentials in url are not allowed")
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", model.NewURLValidationError("url must have a host")
	}
	u.Host = rebuildHost(host, u.Port())
	return u.String(), nil
}

// ValidateAndNormalize parses and normalizes a user-supplied URL, rejecting
// anything that could reach an internal address. Returns the serialized URL.
func ValidateAndNormalize(input string) (string, error) {
	normalized, err := Normalize(input)
	if err != nil {
		return "", err
	}

	u, _ := url.Parse(normalized)
	host := u.Hostname()

	if _, blocked := blockedHosts[host]; blocked {
		return "", model.NewURLValidationError(fmt.Sprintf("host %s is not allowed", host))
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		if IsBlockedIP(addr) {
			return "", model.NewBlockedError(host)
		}
	}
	if strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return "", model.NewURLValidationError(fmt.Sprintf("host %s is not allowed", host))
	}

	return normalized, nil
}

// rebuildHost reassembles host:port, re-bracketing IPv6 literals.
func rebuildHost(host, port string) string {
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		return host + ":" + port
	}
	return host
}

// IsInternalURL reports whether candidate points at the same host as base.
// Used by the link extractor to classify internal vs external links.
func IsInternalURL(candidate, base *url.URL) bool {
	if candidate == nil || base == nil {
		return false
	}
	return strings.EqualFold(candidate.Hostname(), base.Hostname())
}

// Resolver resolves hostnames and re-validates every returned address
// against the blocklist. The fetcher dials only addresses that pass.
type Resolver struct {
	resolver *net.Resolver
}

// NewResolver creates a validating resolver backed by the system resolver.
func NewResolver() *Resolver {
	return &Resolver{resolver: net.DefaultResolver}
}

// LookupAllowed resolves host and returns only addresses that pass the
// blocklist. Fails with EBLOCKED if every resolved address is blocked,
// ENODATA if resolution returned nothing, EINVAL for unparseable results.
func (r *Resolver) LookupAllowed(ctx context.Context, host string) ([]netip.Addr, error) {
	// IP literals skip DNS but still get checked.
	if addr, err := netip.ParseAddr(host); err == nil {
		if IsBlockedIP(addr) {
			return nil, model.NewBlockedError(host)
		}
		return []netip.Addr{addr}, nil
	}

	addrs, err := r.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, model.NewFetchError(host, 0, fmt.Errorf("dns lookup: %w", err))
	}
	if len(addrs) == 0 {
		return nil, &model.APIError{
			Code:       model.CodeNoData,
			Message:    fmt.Sprintf("no addresses for %s", host),
			StatusCode: 502,
			Err:        model.ErrFetchFailed,
		}
	}

	allowed := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		if !a.IsValid() {
			return nil, &model.APIError{
				Code:       model.CodeInvalid,
				Message:    fmt.Sprintf("invalid address for %s", host),
				StatusCode: 502,
				Err:        model.ErrFetchFailed,
			}
		}
		if !IsBlockedIP(a) {
			allowed = append(allowed, a)
		}
	}
	if len(allowed) == 0 {
		return nil, model.NewBlockedError(host)
	}
	return allowed, nil
}
