package handler

import (
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	"superfetch/internal/cache"
	"superfetch/internal/model"
)

// maxDownloadNameLen caps the generated filename, extension included.
const maxDownloadNameLen = 200

// handleDownload serves a cached markdown artifact as a file.
// GET /mcp/downloads/{namespace}/{hash}
func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil || !h.cache.IsEnabled() {
		h.writeError(w, &model.APIError{
			Code:       "CACHE_DISABLED",
			Message:    "downloads require the cache to be enabled",
			StatusCode: http.StatusServiceUnavailable,
		})
		return
	}

	namespace := r.PathValue("namespace")
	hash := r.PathValue("hash")
	if namespace != cache.NamespaceMarkdown || !cache.ValidHash(hash) {
		h.writeNotFound(w)
		return
	}

	key := cache.Key{Namespace: namespace, URLHash: hash}
	entry, ok := h.cache.Get(key.String())
	if !ok {
		h.writeNotFound(w)
		return
	}

	body, err := decodeStoredBody(entry.Content)
	if err != nil {
		h.logger.Error("corrupt cache entry on download",
			"key", key.String(), "error", err.Error())
		h.writeError(w, model.NewInternalError(err))
		return
	}

	filename := downloadFileName(entry.URL, entry.Title, hash)
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Cache-Control", fmt.Sprintf("private, max-age=%d", int(h.cache.TTL().Seconds())))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(body)); err != nil {
		h.logger.Debug("download write failed", "error", err.Error())
	}
}

func (h *Handler) writeNotFound(w http.ResponseWriter) {
	h.writeError(w, model.NewNotFoundError("cached artifact"))
}

// downloadFileName derives a safe .md filename, preferring the last URL
// path segment, then the page title, then the hash prefix.
func downloadFileName(rawURL, title, hash string) string {
	name := ""
	if u, err := url.Parse(rawURL); err == nil {
		base := path.Base(u.Path)
		if base != "." && base != "/" {
			name = sanitizeFileName(base)
		}
	}
	if name == "" {
		name = sanitizeFileName(title)
	}
	if name == "" {
		if len(hash) >= 8 {
			name = hash[:8]
		} else {
			name = hash
		}
	}

	name = strings.TrimSuffix(name, ".md")
	const ext = ".md"
	if len(name) > maxDownloadNameLen-len(ext) {
		name = name[:maxDownloadNameLen-len(ext)]
	}
	return name + ext
}

// sanitizeFileName strips characters that are unsafe in filenames or in a
// Content-Disposition header.
func sanitizeFileName(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch {
		case r < 0x20 || r == 0x7f:
			// control characters dropped
		case strings.ContainsRune(`<>:"/\|?*`, r):
			// reserved filename characters dropped
		case r == ' ':
			sb.WriteRune('-')
		default:
			sb.WriteRune(r)
		}
	}
	return strings.Trim(sb.String(), ".-")
}
