package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"shelfscan/internal/auth"
	"shelfscan/internal/models"
	"shelfscan/internal/storage"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewStorage returned error: %v", err)
	}
	return NewHandler(store, auth.NewSessionManager(time.Hour))
}

func createTestAccount(t *testing.T, h *Handler, email string, roles ...string) models.User {
	t.Helper()
	user, err := h.Store.CreateUser(storage.CreateUserParams{
		DisplayName: "Test " + email,
		Email:       email,
		Password:    "password123",
		Roles:       roles,
	})
	if err != nil {
		t.Fatalf("CreateUser(%s) returned error: %v", email, err)
	}
	return user
}

func sessionTokenFor(t *testing.T, h *Handler, user models.User) string {
	t.Helper()
	token, _, err := h.Sessions.Create(user.ID)
	if err != nil {
		t.Fatalf("Create session returned error: %v", err)
	}
	return token
}

func jsonRequest(t *testing.T, method, target string, payload interface{}) *http.Request {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}
	req := httptest.NewRequest(method, target, &body)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func authorize(req *http.Request, token string) *http.Request {
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dest); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
}

func sessionCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, cookie := range rec.Result().Cookies() {
		if cookie.Name == sessionCookieName {
			return cookie
		}
	}
	return nil
}

func TestSignupCreatesAccountAndSession(t *testing.T) {
	h := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.Signup(rec, jsonRequest(t, http.MethodPost, "/api/auth/signup", map[string]string{
		"displayName": "Ada",
		"email":       "ada@example.com",
		"password":    "correct horse",
	}))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	var resp authResponse
	decodeBody(t, rec, &resp)
	if resp.User.Email != "ada@example.com" {
		t.Fatalf("unexpected email %q", resp.User.Email)
	}
	if !resp.User.SelfSignup {
		t.Fatalf("expected selfSignup true")
	}
	if len(resp.User.Roles) != 1 || resp.User.Roles[0] != roleMember {
		t.Fatalf("expected member role, got %v", resp.User.Roles)
	}

	cookie := sessionCookie(rec)
	if cookie == nil {
		t.Fatalf("expected session cookie to be set")
	}
	if !cookie.HttpOnly {
		t.Fatalf("session cookie must be HttpOnly")
	}
	userID, _, ok, err := h.Sessions.Validate(cookie.Value)
	if err != nil || !ok {
		t.Fatalf("cookie token did not validate: ok=%v err=%v", ok, err)
	}
	if userID != resp.User.ID {
		t.Fatalf("session bound to %q, expected %q", userID, resp.User.ID)
	}
}

func TestSignupRejectedWhenDisabled(t *testing.T) {
	h := newTestHandler(t)
	h.AllowSelfSignup = false

	rec := httptest.NewRecorder()
	h.Signup(rec, jsonRequest(t, http.MethodPost, "/api/auth/signup", map[string]string{
		"displayName": "Ada",
		"email":       "ada@example.com",
		"password":    "correct horse",
	}))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestSignupRequiresStrongPassword(t *testing.T) {
	h := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.Signup(rec, jsonRequest(t, http.MethodPost, "/api/auth/signup", map[string]string{
		"displayName": "Ada",
		"email":       "ada@example.com",
		"password":    "short",
	}))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestSignupMethodNotAllowed(t *testing.T) {
	h := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.Signup(rec, httptest.NewRequest(http.MethodGet, "/api/auth/signup", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if allow := rec.Header().Get("Allow"); allow != "POST" {
		t.Fatalf("expected Allow: POST, got %q", allow)
	}
}

func TestLogin(t *testing.T) {
	h := newTestHandler(t)
	createTestAccount(t, h, "ada@example.com")

	rec := httptest.NewRecorder()
	h.Login(rec, jsonRequest(t, http.MethodPost, "/api/auth/login", map[string]string{
		"email":    "ada@example.com",
		"password": "password123",
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if sessionCookie(rec) == nil {
		t.Fatalf("expected session cookie on login")
	}

	rec = httptest.NewRecorder()
	h.Login(rec, jsonRequest(t, http.MethodPost, "/api/auth/login", map[string]string{
		"email":    "ada@example.com",
		"password": "wrong-password",
	}))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad password, got %d", rec.Code)
	}
}

func TestSessionLifecycleEndpoints(t *testing.T) {
	h := newTestHandler(t)
	user := createTestAccount(t, h, "ada@example.com")
	token := sessionTokenFor(t, h, user)

	rec := httptest.NewRecorder()
	h.Session(rec, authorize(httptest.NewRequest(http.MethodGet, "/api/auth/session", nil), token))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var resp authResponse
	decodeBody(t, rec, &resp)
	if resp.User.ID != user.ID {
		t.Fatalf("session resolved to %q, expected %q", resp.User.ID, user.ID)
	}

	rec = httptest.NewRecorder()
	h.Session(rec, authorize(httptest.NewRequest(http.MethodDelete, "/api/auth/session", nil), token))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	cleared := sessionCookie(rec)
	if cleared == nil || cleared.MaxAge != -1 {
		t.Fatalf("expected clearing cookie with MaxAge -1, got %+v", cleared)
	}

	rec = httptest.NewRecorder()
	h.Session(rec, authorize(httptest.NewRequest(http.MethodGet, "/api/auth/session", nil), token))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", rec.Code)
	}
}

func TestSessionMissingToken(t *testing.T) {
	h := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.Session(rec, httptest.NewRequest(http.MethodGet, "/api/auth/session", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.Session(rec, httptest.NewRequest(http.MethodDelete, "/api/auth/session", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestExtractTokenPrefersAuthorizationHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "cookie-token"})
	if got := ExtractToken(req); got != "cookie-token" {
		t.Fatalf("expected cookie token, got %q", got)
	}

	req.Header.Set("Authorization", "Bearer header-token")
	if got := ExtractToken(req); got != "header-token" {
		t.Fatalf("expected header token to win, got %q", got)
	}
}
