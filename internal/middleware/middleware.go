// Package middleware provides the HTTP middleware stack in front of the
// MCP endpoint: allowlists, request context, body validation, rate
// limiting, and the usual logging and panic recovery.
package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
)

type contextKey int

const (
	requestIDKey contextKey = iota
	sessionIDKey
)

// RequestID returns the request ID assigned by RequestContext, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// SessionID returns the MCP session ID attached to the request, or "".
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey).(string)
	return id
}

// RequestContext assigns a request ID and captures the MCP session ID
// header into the request context so downstream logging can correlate.
func RequestContext() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), requestIDKey, uuid.NewString())
			if sid := r.Header.Get("Mcp-Session-Id"); sid != "" {
				ctx = context.WithValue(ctx, sessionIDKey, sid)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Logging returns middleware that logs request details.
// Logs method, path, status, duration, remote address, and request ID.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code
			wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			attrs := []any{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", wrapped.status),
				slog.Duration("duration", time.Since(start)),
				slog.String("remote", r.RemoteAddr),
				slog.String("requestId", RequestID(r.Context())),
			}
			if sid := SessionID(r.Context()); sid != "" {
				attrs = append(attrs, slog.String("sessionId", sid))
			}
			logger.Info("request", attrs...)
		})
	}
}

// Recovery returns middleware that recovers from panics.
// Logs the panic and stack trace, returns 500 Internal Server Error.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered",
						slog.Any("error", err),
						slog.String("path", r.URL.Path),
						slog.String("method", r.Method),
						slog.String("stack", string(debug.Stack())),
					)

					// Avoid writing if headers already sent
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()

			next.ServeHTTP(wrapped(w), r)
		})
	}
}

// Preflight short-circuits OPTIONS with a bare 200. MCP clients are not
// browsers, so no further CORS headers are emitted.
func Preflight() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ValidateJSONBody rejects POST bodies that are not valid JSON with the
// JSON-RPC parse error before the MCP handler sees them. The body is
// re-buffered for the next handler.
func ValidateJSONBody() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || r.Body == nil {
				next.ServeHTTP(w, r)
				return
			}
			body, err := io.ReadAll(r.Body)
			r.Body.Close()
			if err != nil || !json.Valid(body) {
				WriteJSONRPCError(w, http.StatusBadRequest, -32700, "Parse error: Invalid JSON")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			r.ContentLength = int64(len(body))
			next.ServeHTTP(w, r)
		})
	}
}

// RewriteAccept normalizes the Accept header on POST requests to the MCP
// endpoint. The streamable transport requires both application/json and
// text/event-stream; clients that omit one (or send */*) get the header
// rewritten rather than a 406.
func RewriteAccept() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost {
				accept := strings.ToLower(r.Header.Get("Accept"))
				needsRewrite := accept == "" || accept == "*/*" ||
					!strings.Contains(accept, "application/json") ||
					!strings.Contains(accept, "text/event-stream")
				if needsRewrite {
					r.Header.Set("Accept", "application/json, text/event-stream")
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ProtocolVersion defaults a missing MCP-Protocol-Version header to the
// server's current version and rejects versions outside the supported set.
func ProtocolVersion(current string, supported []string) func(http.Handler) http.Handler {
	set := make(map[string]struct{}, len(supported))
	for _, v := range supported {
		set[v] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			version := r.Header.Get("MCP-Protocol-Version")
			if version == "" {
				r.Header.Set("MCP-Protocol-Version", current)
			} else if _, ok := set[version]; !ok {
				WriteJSONRPCError(w, http.StatusBadRequest, -32600, "Unsupported MCP protocol version: "+version)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SessionNotFound reshapes the streamable transport's plain-text 404 for
// an unknown session id on POST into a JSON-RPC invalid-request error.
// Clients of the MCP endpoint expect JSON-RPC bodies, not text.
func SessionNotFound() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(&sessionNotFoundWriter{ResponseWriter: w}, r)
		})
	}
}

type sessionNotFoundWriter struct {
	http.ResponseWriter
	shaped      bool
	wroteHeader bool
}

func (w *sessionNotFoundWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	if status == http.StatusNotFound {
		w.shaped = true
		WriteJSONRPCError(w.ResponseWriter, http.StatusNotFound, -32600, "Session not found")
		return
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *sessionNotFoundWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if w.shaped {
		// Swallow the transport's text body; the JSON-RPC error is out.
		return len(b), nil
	}
	return w.ResponseWriter.Write(b)
}

func (w *sessionNotFoundWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// WriteJSONError writes the plain {error, code} JSON body used by the
// allowlist and rate limit rejections.
func WriteJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message, "code": code})
}

// WriteJSONRPCError writes a JSON-RPC 2.0 error with a null id.
func WriteJSONRPCError(w http.ResponseWriter, status, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"error":   map[string]any{"code": code, "message": message},
		"id":      nil,
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *responseWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
		w.ResponseWriter.WriteHeader(status)
	}
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// Flush lets SSE streams pass through the status-capturing wrapper.
func (w *responseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// wrapped returns a responseWriter, handling the case where w is already wrapped.
func wrapped(w http.ResponseWriter) http.ResponseWriter {
	if _, ok := w.(*responseWriter); ok {
		return w
	}
	return &responseWriter{ResponseWriter: w, status: http.StatusOK}
}

// Chain combines multiple middleware into a single middleware.
// Middleware is applied in order: first middleware wraps the last.
func Chain(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}
