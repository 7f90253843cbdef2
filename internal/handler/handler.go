// Package handler provides the HTTP surface and MCP server for superfetch.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"superfetch/internal/auth"
	"superfetch/internal/cache"
	"superfetch/internal/config"
	"superfetch/internal/middleware"
	"superfetch/internal/model"
	"superfetch/internal/pipeline"
	"superfetch/internal/session"
)

// Version is the service version reported by MCP initialize and /health.
const Version = "1.0.0"

// Handler holds dependencies for the HTTP and MCP surfaces.
type Handler struct {
	cfg      *config.Config
	logger   *slog.Logger
	cache    *cache.Cache
	pipeline *pipeline.Pipeline
	sessions  *session.Manager
	verifier  auth.Verifier
	rateLimit func(http.Handler) http.Handler
	version   string
	baseURL   string
	start     time.Time

	cacheUnsub func()
}

// Options configures a Handler. Cache, Sessions, and Verifier may be nil;
// the corresponding features degrade gracefully.
type Options struct {
	Config   *config.Config
	Logger   *slog.Logger
	Cache    *cache.Cache
	Pipeline *pipeline.Pipeline
	Sessions *session.Manager
	Verifier auth.Verifier
	// RateLimit, when set, wraps the /mcp routes only. Health and
	// discovery endpoints are never limited.
	RateLimit func(http.Handler) http.Handler
	Version   string
	// BaseURL is the externally reachable origin used in download links.
	// Defaults to http://{listen addr}.
	BaseURL string
}

// New creates a Handler.
func New(opts Options) *Handler {
	version := opts.Version
	if version == "" {
		version = Version
	}
	baseURL := opts.BaseURL
	if baseURL == "" && opts.Config != nil {
		baseURL = "http://" + opts.Config.ListenAddr()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		cfg:       opts.Config,
		logger:    logger,
		cache:     opts.Cache,
		pipeline:  opts.Pipeline,
		sessions:  opts.Sessions,
		verifier:  opts.Verifier,
		rateLimit: opts.RateLimit,
		version:   version,
		baseURL:   baseURL,
		start:     time.Now(),
	}
}

// Close detaches the handler from cache update notifications. Cache writes
// after Close emit nothing.
func (h *Handler) Close() {
	if h.cacheUnsub != nil {
		h.cacheUnsub()
		h.cacheUnsub = nil
	}
}

// RegisterRoutes registers all HTTP routes with the given ServeMux.
// Uses Go 1.22+ method routing patterns.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// MCP transport - Streamable HTTP endpoint using official MCP SDK.
	// The rate limit covers the /mcp routes only, so health probes never
	// consume a client's window.
	var mcpHandler http.Handler = h.NewMCPHandler()
	var downloads http.Handler = http.HandlerFunc(h.handleDownload)
	if h.rateLimit != nil {
		mcpHandler = h.rateLimit(mcpHandler)
		downloads = h.rateLimit(downloads)
	}
	mux.Handle("/mcp", mcpHandler)

	// Cached artifact downloads
	mux.Handle("GET /mcp/downloads/{namespace}/{hash}", downloads)

	// OAuth discovery
	mux.HandleFunc("GET /.well-known/oauth-protected-resource", h.handleProtectedResource)
	mux.HandleFunc("GET /.well-known/oauth-authorization-server", h.handleAuthorizationServer)

	// Health check
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /healthz", h.handleHealth)
}

// transportFinder resolves the live MCP session for an id so the manager
// holds a handle it can actually close on eviction.
type transportFinder func(id string) session.Transport

// trackSessions maintains the session registry around the MCP transport.
// A request without a session id is a new-session attempt: it must win an
// admission slot, and the slot is promoted only if the transport assigned a
// session id in the response. The found transport is attached before the
// promote so idle sweep, capacity eviction, and Shutdown terminate the real
// session rather than just the bookkeeping. Established sessions are
// touched to keep them off the idle-eviction list; DELETE tears the session
// down.
func (h *Handler) trackSessions(find transportFinder, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.sessions == nil {
			next.ServeHTTP(w, r)
			return
		}

		if id := r.Header.Get("Mcp-Session-Id"); id != "" {
			h.sessions.Touch(id)
			next.ServeHTTP(w, r)
			if r.Method == http.MethodDelete {
				h.sessions.Close(id)
			}
			return
		}

		slot, err := h.sessions.Reserve()
		if err != nil {
			h.writeError(w, err)
			return
		}
		next.ServeHTTP(w, r)
		if id := w.Header().Get("Mcp-Session-Id"); id != "" {
			var t session.Transport
			if find != nil {
				t = find(id)
			}
			if t != nil {
				slot.Attach(t)
			}
			if !slot.Promote(id) {
				// The slot expired while the handshake was in flight; the
				// session must not outlive its admission.
				h.logger.Debug("slot expired before promote, closing session", "sessionId", id)
				if t != nil {
					t.Close()
				}
			}
			return
		}
		slot.Release()
	})
}

// === Response Helpers ===

// writeJSON sends a JSON response with the given status code.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// writeError sends an error response, extracting status/code from APIError
// if present. Uses errors.As() to unwrap error chains.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		apiErr = model.NewInternalError(err)
		h.logger.Error("internal error", slog.String("error", err.Error()))
	}
	if apiErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", apiErr.RetryAfter))
	}
	middleware.WriteJSONError(w, apiErr.StatusCode, apiErr.Code, apiErr.Message)
}

// === Health ===

type workerPoolStats struct {
	QueueDepth    int `json:"queueDepth"`
	ActiveWorkers int `json:"activeWorkers"`
	Capacity      int `json:"capacity"`
}

type healthResponse struct {
	Status  string  `json:"status"`
	Name    string  `json:"name"`
	Version string  `json:"version"`
	Uptime  float64 `json:"uptime"`

	// verbose fields, behind a valid bearer token
	ActiveSessions *int             `json:"activeSessions,omitempty"`
	CacheKeys      *int             `json:"cacheKeys,omitempty"`
	WorkerPool     *workerPoolStats `json:"workerPool,omitempty"`
}

// handleHealth returns liveness plus, for authenticated callers asking
// verbose=true, operational counters.
// GET /health, GET /healthz
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		Name:    "superfetch",
		Version: h.version,
		Uptime:  time.Since(h.start).Seconds(),
	}

	if r.URL.Query().Get("verbose") == "true" && h.verbose(r) {
		if h.sessions != nil {
			n := h.sessions.Count()
			resp.ActiveSessions = &n
		}
		if h.cache != nil {
			n := h.cache.Len()
			resp.CacheKeys = &n
		}
		if h.pipeline != nil && h.pipeline.Pool != nil {
			stats := h.pipeline.Pool.Stats()
			resp.WorkerPool = &workerPoolStats{
				QueueDepth:    stats.QueueDepth,
				ActiveWorkers: stats.ActiveWorkers,
				Capacity:      stats.Capacity,
			}
		}
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// verbose reports whether the request carries a bearer token the verifier
// accepts. Without a verifier the detailed counters stay hidden.
func (h *Handler) verbose(r *http.Request) bool {
	if h.verifier == nil {
		return false
	}
	ok, err := h.verifier.Verify(r.Context(), auth.BearerToken(r))
	return err == nil && ok
}
