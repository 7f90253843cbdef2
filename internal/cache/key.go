package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"superfetch/internal/model"
)

// Cache namespaces. One per tool output family; the set is extensible.
const (
	NamespaceMarkdown = "markdown"
	NamespaceURL      = "url"
	NamespaceLinks    = "links"
)

// ResourceScheme is the URI scheme under which cached artifacts are exposed
// to MCP clients.
const ResourceScheme = "superfetch"

const (
	urlHashLen  = 16
	varyHashLen = 12
)

var hashPattern = regexp.MustCompile(`^[a-f0-9.]{8,64}$`)

// Key identifies one cached artifact: a namespace, a URL hash, and an
// optional vary hash distinguishing request-option variants of the same URL.
type Key struct {
	Namespace string
	URLHash   string // 16 hex chars, optionally followed by ".{12 hex}" vary suffix
}

// NewKey derives a cache key from a normalized URL and an optional vary
// structure. The vary hash is computed over the stable serialization so key
// equality is insensitive to map insertion order.
func NewKey(namespace, normalizedURL string, vary any) (Key, error) {
	sum := sha256.Sum256([]byte(normalizedURL))
	hash := hex.EncodeToString(sum[:])[:urlHashLen]

	if vary != nil {
		stable, err := StableStringify(vary)
		if err != nil {
			return Key{}, fmt.Errorf("serializing vary: %w", err)
		}
		// An empty object contributes nothing to the key.
		if stable != "{}" && stable != "null" {
			vsum := sha256.Sum256([]byte(stable))
			hash += "." + hex.EncodeToString(vsum[:])[:varyHashLen]
		}
	}

	return Key{Namespace: namespace, URLHash: hash}, nil
}

// ParseKey splits a string key on the first colon.
func ParseKey(s string) (Key, error) {
	ns, rest, ok := strings.Cut(s, ":")
	if !ok || ns == "" || rest == "" {
		return Key{}, model.NewValidationError("cacheKey", fmt.Sprintf("malformed key %q", s))
	}
	return Key{Namespace: ns, URLHash: rest}, nil
}

func (k Key) String() string {
	return k.Namespace + ":" + k.URLHash
}

// ResourceURI projects the key onto the MCP resource space.
func (k Key) ResourceURI() string {
	return fmt.Sprintf("%s://cache/%s/%s", ResourceScheme, k.Namespace, k.URLHash)
}

// ValidHash reports whether a hash path segment looks like one of ours.
// Used by the download route and resource reads before touching the cache.
func ValidHash(hash string) bool {
	return hashPattern.MatchString(hash)
}
