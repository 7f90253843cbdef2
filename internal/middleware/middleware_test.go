package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, nil))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequestContextAssignsIDs(t *testing.T) {
	var gotRequestID, gotSessionID string
	handler := RequestContext()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRequestID = RequestID(r.Context())
		gotSessionID = SessionID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Mcp-Session-Id", "sess-1")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if len(gotRequestID) != 36 {
		t.Errorf("requestId = %q, want a UUID", gotRequestID)
	}
	if gotSessionID != "sess-1" {
		t.Errorf("sessionId = %q", gotSessionID)
	}
}

func TestRecoveryCatchesPanic(t *testing.T) {
	handler := Recovery(discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestPreflightShortCircuitsOptions(t *testing.T) {
	called := false
	handler := Preflight()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/mcp", nil))
	if rec.Code != http.StatusOK || called {
		t.Errorf("OPTIONS not short-circuited: status=%d called=%v", rec.Code, called)
	}

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/mcp", nil))
	if !called {
		t.Error("non-OPTIONS should pass through")
	}
}

func TestValidateJSONBody(t *testing.T) {
	var seen string
	handler := ValidateJSONBody()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := make([]byte, r.ContentLength)
		r.Body.Read(body)
		seen = string(body)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader("{not json")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var rpc struct {
		Error struct {
			Code int `json:"code"`
		} `json:"error"`
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &rpc); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if rpc.Error.Code != -32700 || string(rpc.ID) != "null" {
		t.Errorf("rpc error = %+v id=%s", rpc.Error, rpc.ID)
	}

	good := `{"jsonrpc":"2.0","method":"ping","id":1}`
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(good)))
	if seen != good {
		t.Errorf("body not re-buffered: %q", seen)
	}
}

func TestSessionNotFoundShapesPOST(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "session not found", http.StatusNotFound)
	})
	handler := SessionNotFound()(inner)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader("{}")))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var rpc struct {
		JSONRPC string `json:"jsonrpc"`
		Error   struct {
			Code int `json:"code"`
		} `json:"error"`
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &rpc); err != nil {
		t.Fatalf("response not JSON: %v (body %q)", err, rec.Body.String())
	}
	if rpc.JSONRPC != "2.0" || rpc.Error.Code != -32600 || string(rpc.ID) != "null" {
		t.Errorf("rpc = %+v id=%s", rpc, rpc.ID)
	}

	// Non-POST 404s pass through untouched.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/mcp", nil))
	if !strings.Contains(rec.Body.String(), "session not found") {
		t.Errorf("GET body reshaped: %q", rec.Body.String())
	}
}

func TestSessionNotFoundPassesSuccess(t *testing.T) {
	handler := SessionNotFound()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"jsonrpc":"2.0","result":{},"id":1}`))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader("{}")))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"result"`) {
		t.Errorf("status=%d body=%q", rec.Code, rec.Body.String())
	}
}

func TestLoggingIncludesSessionID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	handler := Chain(RequestContext(), Logging(logger))(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Mcp-Session-Id", "sess-log")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if !strings.Contains(buf.String(), "sessionId=sess-log") {
		t.Errorf("log line missing session id: %q", buf.String())
	}

	buf.Reset()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	if strings.Contains(buf.String(), "sessionId=") {
		t.Errorf("sessionless request logged a session id: %q", buf.String())
	}
}

func TestRewriteAccept(t *testing.T) {
	tests := []struct {
		name   string
		accept string
		want   string
	}{
		{"missing", "", "application/json, text/event-stream"},
		{"wildcard", "*/*", "application/json, text/event-stream"},
		{"json only", "application/json", "application/json, text/event-stream"},
		{"complete", "application/json, text/event-stream", "application/json, text/event-stream"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got string
			handler := RewriteAccept()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = r.Header.Get("Accept")
			}))
			req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
			if tc.accept != "" {
				req.Header.Set("Accept", tc.accept)
			}
			handler.ServeHTTP(httptest.NewRecorder(), req)
			if got != tc.want {
				t.Errorf("Accept = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestProtocolVersion(t *testing.T) {
	const current = "2025-06-18"
	handler := ProtocolVersion(current, []string{current, "2025-03-26"})(okHandler())

	// Missing header defaults.
	var got string
	inner := ProtocolVersion(current, []string{current})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("MCP-Protocol-Version")
	}))
	inner.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/mcp", nil))
	if got != current {
		t.Errorf("defaulted version = %q", got)
	}

	// Supported passes.
	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("MCP-Protocol-Version", "2025-03-26")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("supported version rejected: %d", rec.Code)
	}

	// Unsupported rejected.
	req = httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("MCP-Protocol-Version", "1999-01-01")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unsupported version: status = %d, want 400", rec.Code)
	}
}

func TestCanonicalHost(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"localhost:3000", "localhost"},
		{"Example.COM", "example.com"},
		{"example.com:8080, evil.example", "example.com"},
		{"[::1]:3000", "::1"},
		{"[2001:db8::1]", "2001:db8::1"},
		{"::1", "::1"},
		{"127.0.0.1:3000", "127.0.0.1"},
	}
	for _, tc := range tests {
		if got := CanonicalHost(tc.in); got != tc.want {
			t.Errorf("CanonicalHost(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestHostAllowlist(t *testing.T) {
	handler := HostAllowlist(NewAllowlist("127.0.0.1", []string{"api.example.com"}))(okHandler())

	for _, host := range []string{"localhost:3000", "127.0.0.1", "api.example.com:443", "[::1]:9999"} {
		req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
		req.Host = host
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("host %q rejected with %d", host, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Host = "evil.example"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["code"] != "HOST_NOT_ALLOWED" {
		t.Errorf("code = %q", body["code"])
	}
}

func TestHostAllowlistWildcard(t *testing.T) {
	handler := HostAllowlist(NewAllowlist("127.0.0.1", []string{"*"}))(okHandler())
	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Host = "anything.example"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("wildcard should allow any host, got %d", rec.Code)
	}
}

func TestOriginAllowlist(t *testing.T) {
	handler := OriginAllowlist(NewAllowlist("127.0.0.1", nil))(okHandler())

	// Missing Origin passes.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("missing origin rejected: %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("loopback origin rejected: %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["code"] != "ORIGIN_NOT_ALLOWED" {
		t.Errorf("code = %q", body["code"])
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	tag := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	handler := Chain(tag("first"), tag("second"))(okHandler())
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("order = %v", order)
	}
}
