package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestUsersRequireAdmin(t *testing.T) {
	h := newTestHandler(t)
	member := createTestAccount(t, h, "member@example.com")
	memberToken := sessionTokenFor(t, h, member)

	rec := httptest.NewRecorder()
	h.Users(rec, httptest.NewRequest(http.MethodGet, "/api/users", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.Users(rec, authorize(httptest.NewRequest(http.MethodGet, "/api/users", nil), memberToken))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for member, got %d", rec.Code)
	}
}

func TestUsersAdminListAndCreate(t *testing.T) {
	h := newTestHandler(t)
	admin := createTestAccount(t, h, "admin@example.com", "admin")
	adminToken := sessionTokenFor(t, h, admin)

	rec := httptest.NewRecorder()
	h.Users(rec, authorize(jsonRequest(t, http.MethodPost, "/api/users", map[string]interface{}{
		"displayName": "Grace",
		"email":       "grace@example.com",
		"roles":       []string{"member"},
		"password":    "password123",
	}), adminToken))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	var created userResponse
	decodeBody(t, rec, &created)
	if created.Email != "grace@example.com" {
		t.Fatalf("unexpected email %q", created.Email)
	}
	if created.SelfSignup {
		t.Fatalf("admin-created account must not be marked self-signup")
	}

	rec = httptest.NewRecorder()
	h.Users(rec, authorize(httptest.NewRequest(http.MethodGet, "/api/users", nil), adminToken))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var listed []userResponse
	decodeBody(t, rec, &listed)
	if len(listed) != 2 {
		t.Fatalf("expected 2 users, got %d", len(listed))
	}
}

func TestUserByIDSelfOrAdmin(t *testing.T) {
	h := newTestHandler(t)
	admin := createTestAccount(t, h, "admin@example.com", "admin")
	member := createTestAccount(t, h, "member@example.com")
	adminToken := sessionTokenFor(t, h, admin)
	memberToken := sessionTokenFor(t, h, member)

	rec := httptest.NewRecorder()
	h.UserByID(rec, authorize(httptest.NewRequest(http.MethodGet, "/api/users/"+member.ID, nil), memberToken))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for self lookup, got %d (%s)", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.UserByID(rec, authorize(httptest.NewRequest(http.MethodGet, "/api/users/"+admin.ID, nil), memberToken))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cross-account lookup, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.UserByID(rec, authorize(httptest.NewRequest(http.MethodGet, "/api/users/"+member.ID, nil), adminToken))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin lookup, got %d", rec.Code)
	}
}

func TestUserByIDAdminUpdateAndDelete(t *testing.T) {
	h := newTestHandler(t)
	admin := createTestAccount(t, h, "admin@example.com", "admin")
	member := createTestAccount(t, h, "member@example.com")
	adminToken := sessionTokenFor(t, h, admin)
	memberToken := sessionTokenFor(t, h, member)

	rec := httptest.NewRecorder()
	h.UserByID(rec, authorize(jsonRequest(t, http.MethodPatch, "/api/users/"+member.ID, map[string]interface{}{
		"displayName": "Renamed",
		"roles":       []string{"member", "admin"},
	}), memberToken))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for member patch, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.UserByID(rec, authorize(jsonRequest(t, http.MethodPatch, "/api/users/"+member.ID, map[string]interface{}{
		"displayName": "Renamed",
	}), adminToken))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var updated userResponse
	decodeBody(t, rec, &updated)
	if updated.DisplayName != "Renamed" {
		t.Fatalf("expected renamed user, got %q", updated.DisplayName)
	}

	rec = httptest.NewRecorder()
	h.UserByID(rec, authorize(jsonRequest(t, http.MethodPatch, "/api/users/"+member.ID, map[string]interface{}{
		"password": "rotated-password",
	}), adminToken))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for password rotation, got %d (%s)", rec.Code, rec.Body.String())
	}
	if _, err := h.Store.AuthenticateUser(member.Email, "rotated-password"); err != nil {
		t.Fatalf("rotated password rejected: %v", err)
	}

	rec = httptest.NewRecorder()
	h.UserByID(rec, authorize(httptest.NewRequest(http.MethodDelete, "/api/users/"+member.ID, nil), adminToken))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if _, exists := h.Store.GetUser(member.ID); exists {
		t.Fatalf("expected user %s to be deleted", member.ID)
	}
}
