package pipeline

import (
	"unicode/utf8"

	"superfetch/internal/cache"
)

// DefaultMaxInlineChars is the largest payload returned inline in a tool
// response before falling back to a cache resource link or truncation.
const DefaultMaxInlineChars = 20000

const truncationMarker = "..."

// MIMEMarkdown and MIMEJSONL are the resource MIME types by format.
const (
	MIMEMarkdown = "text/markdown"
	MIMEJSONL    = "application/jsonl"
)

// Delivery describes how transformed content reaches the client: inline,
// via a cache resource URI, or inline-truncated.
type Delivery struct {
	Content          string `json:"content,omitempty"`
	ResourceURI      string `json:"resourceUri,omitempty"`
	ResourceMimeType string `json:"resourceMimeType,omitempty"`
	Truncated        bool   `json:"truncated,omitempty"`
}

// ApplyInlineLimit decides delivery for content of the given format.
// Content at or under the limit goes inline. Oversized content is handed
// off as a resource link when the cache holds it; otherwise it is truncated
// in place with a marker.
func ApplyInlineLimit(content string, key cache.Key, cacheEnabled bool, format string, limit int) Delivery {
	if limit <= 0 {
		limit = DefaultMaxInlineChars
	}
	if len(content) <= limit {
		return Delivery{Content: content}
	}

	if cacheEnabled && key.URLHash != "" {
		return Delivery{
			ResourceURI:      key.ResourceURI(),
			ResourceMimeType: formatMIME(format),
		}
	}

	cut := limit - len(truncationMarker)
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return Delivery{Content: content[:cut] + truncationMarker, Truncated: true}
}

func formatMIME(format string) string {
	if format == "markdown" {
		return MIMEMarkdown
	}
	return MIMEJSONL
}
