package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"shelfscan/internal/api"
	"shelfscan/internal/auth"
	"shelfscan/internal/storage"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *api.Handler) {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewStorage returned error: %v", err)
	}
	handler := api.NewHandler(store, auth.NewSessionManager(time.Hour))
	srv, err := New(handler, cfg)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return srv, handler
}

func serveRequest(srv *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func signupVia(t *testing.T, srv *Server, email string) string {
	t.Helper()
	payload, _ := json.Marshal(map[string]string{
		"displayName": "Test " + email,
		"email":       email,
		"password":    "password123",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/signup", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := serveRequest(srv, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("signup: expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	for _, cookie := range rec.Result().Cookies() {
		if cookie.Name == "shelfscan_session" {
			return cookie.Value
		}
	}
	t.Fatalf("signup did not set a session cookie")
	return ""
}

func TestServerHealthEndpointIsPublic(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	rec := serveRequest(srv, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "components") {
		t.Fatalf("unexpected health payload %s", rec.Body.String())
	}
}

func TestServerProtectsAPIRoutes(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	rec := serveRequest(srv, httptest.NewRequest(http.MethodGet, "/api/libraries", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without session, got %d", rec.Code)
	}

	token := signupVia(t, srv, "ada@example.com")
	req := httptest.NewRequest(http.MethodGet, "/api/libraries", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = serveRequest(srv, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with session, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestServerSessionCookieAuthenticates(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	token := signupVia(t, srv, "ada@example.com")

	req := httptest.NewRequest(http.MethodGet, "/api/libraries", nil)
	req.AddCookie(&http.Cookie{Name: "shelfscan_session", Value: token})
	rec := serveRequest(srv, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected cookie auth to work, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestServerLoginThrottle(t *testing.T) {
	srv, _ := newTestServer(t, Config{
		RateLimit: RateLimitConfig{LoginLimit: 2, LoginWindow: time.Hour},
	})

	attempt := func() *httptest.ResponseRecorder {
		payload, _ := json.Marshal(map[string]string{
			"email":    "ada@example.com",
			"password": "wrong-password",
		})
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Forwarded-For", "198.51.100.7")
		return serveRequest(srv, req)
	}

	for i := 0; i < 2; i++ {
		if rec := attempt(); rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i, rec.Code)
		}
	}
	rec := attempt()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after exceeding the limit, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestServerSetsSecurityAndRequestHeaders(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	rec := serveRequest(srv, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected X-Request-Id header")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("expected security headers on every response")
	}
}

func TestServerServesSPA(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	rec := serveRequest(srv, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("Content-Type"), "text/html") {
		t.Fatalf("unexpected content type %q", rec.Header().Get("Content-Type"))
	}

	// Unknown client-side routes fall back to the index document.
	rec = serveRequest(srv, httptest.NewRequest(http.MethodGet, "/libraries/study", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected SPA fallback 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("Content-Type"), "text/html") {
		t.Fatalf("expected index fallback, got %q", rec.Header().Get("Content-Type"))
	}
}

func TestExtractClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.9:1234"
	if got := extractClientIP(req); got != "203.0.113.9" {
		t.Fatalf("expected remote addr host, got %q", got)
	}

	req.Header.Set("X-Real-IP", "198.51.100.7")
	if got := extractClientIP(req); got != "198.51.100.7" {
		t.Fatalf("expected X-Real-IP, got %q", got)
	}

	req.Header.Set("X-Forwarded-For", "192.0.2.1, 198.51.100.7")
	if got := extractClientIP(req); got != "192.0.2.1" {
		t.Fatalf("expected first X-Forwarded-For hop, got %q", got)
	}
}
