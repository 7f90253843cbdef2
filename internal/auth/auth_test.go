package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc123", "abc123"},
		{"bearer abc123", "abc123"},
		{"Bearer   spaced  ", "spaced"},
		{"Basic dXNlcg==", ""},
		{"", ""},
		{"Bearer", ""},
	}
	for _, tc := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.header != "" {
			r.Header.Set("Authorization", tc.header)
		}
		if got := BearerToken(r); got != tc.want {
			t.Errorf("BearerToken(%q) = %q, want %q", tc.header, got, tc.want)
		}
	}
}

func TestStaticVerifier(t *testing.T) {
	v := NewStaticVerifier("key-1", []string{"tok-a", " tok-b ", ""})

	for _, good := range []string{"key-1", "tok-a", "tok-b"} {
		if ok, _ := v.Verify(context.Background(), good); !ok {
			t.Errorf("token %q rejected", good)
		}
	}
	for _, bad := range []string{"", "key-2", "tok-c"} {
		if ok, _ := v.Verify(context.Background(), bad); ok {
			t.Errorf("token %q accepted", bad)
		}
	}
}

func TestStaticVerifierOpen(t *testing.T) {
	v := NewStaticVerifier("", nil)
	if !v.Open() {
		t.Fatal("no key material should mean open")
	}
	if ok, _ := v.Verify(context.Background(), ""); !ok {
		t.Error("open verifier must accept everything")
	}
}

func TestIntrospectionVerifier(t *testing.T) {
	var gotToken, gotUser string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotToken = r.PostFormValue("token")
		gotUser, _, _ = r.BasicAuth()
		json.NewEncoder(w).Encode(map[string]any{
			"active": gotToken == "valid",
			"scope":  "mcp:read mcp:write",
		})
	}))
	defer srv.Close()

	v := NewIntrospectionVerifier(IntrospectionConfig{
		Endpoint:       srv.URL,
		ClientID:       "client-1",
		ClientSecret:   "secret",
		RequiredScopes: []string{"mcp:read"},
	})

	ok, err := v.Verify(context.Background(), "valid")
	if err != nil || !ok {
		t.Fatalf("valid token: ok=%v err=%v", ok, err)
	}
	if gotToken != "valid" || gotUser != "client-1" {
		t.Errorf("request: token=%q user=%q", gotToken, gotUser)
	}

	ok, err = v.Verify(context.Background(), "revoked")
	if err != nil || ok {
		t.Errorf("inactive token: ok=%v err=%v", ok, err)
	}
}

func TestIntrospectionVerdictCached(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(map[string]any{"active": true})
	}))
	defer srv.Close()

	v := NewIntrospectionVerifier(IntrospectionConfig{Endpoint: srv.URL})
	for i := 0; i < 3; i++ {
		if ok, err := v.Verify(context.Background(), "tok"); err != nil || !ok {
			t.Fatalf("verify %d: ok=%v err=%v", i, ok, err)
		}
	}
	if calls != 1 {
		t.Errorf("endpoint called %d times, want 1", calls)
	}
}

func TestIntrospectionScopeEnforcement(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"active": true, "scope": "mcp:read"})
	}))
	defer srv.Close()

	v := NewIntrospectionVerifier(IntrospectionConfig{
		Endpoint:       srv.URL,
		RequiredScopes: []string{"mcp:read", "mcp:admin"},
	})
	if ok, err := v.Verify(context.Background(), "tok"); err != nil || ok {
		t.Errorf("missing scope must fail: ok=%v err=%v", ok, err)
	}
}

func TestIntrospectionEndpointFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	v := NewIntrospectionVerifier(IntrospectionConfig{Endpoint: srv.URL})
	if ok, err := v.Verify(context.Background(), "tok"); err == nil || ok {
		t.Errorf("5xx from endpoint: ok=%v err=%v", ok, err)
	}
}

func TestIntrospectionTimeoutClamp(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want time.Duration
	}{
		{0, DefaultIntrospectionTimeout},
		{100 * time.Millisecond, minIntrospectionTimeout},
		{10 * time.Minute, maxIntrospectionTimeout},
		{10 * time.Second, 10 * time.Second},
	}
	for _, tc := range tests {
		v := NewIntrospectionVerifier(IntrospectionConfig{Endpoint: "http://x", Timeout: tc.in})
		if v.client.Timeout != tc.want {
			t.Errorf("timeout %v clamped to %v, want %v", tc.in, v.client.Timeout, tc.want)
		}
	}
}

func TestMiddlewareRejectsAndPasses(t *testing.T) {
	v := NewStaticVerifier("secret", nil)
	called := false
	handler := Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", nil))
	if rec.Code != http.StatusUnauthorized || called {
		t.Fatalf("unauthenticated: status=%d called=%v", rec.Code, called)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("WWW-Authenticate header missing")
	}

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if !called {
		t.Error("valid token should pass")
	}
}
