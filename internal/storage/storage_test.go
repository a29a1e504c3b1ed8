package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *Storage {
	t.Helper()
	dir := t.TempDir()
	store, err := NewStorage(filepath.Join(dir, "store.json"))
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}
	return store
}

func createTestUser(t *testing.T, store *Storage, email string) string {
	t.Helper()
	user, err := store.CreateUser(CreateUserParams{
		DisplayName: "Test User",
		Email:       email,
		Password:    "password123",
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return user.ID
}

func TestCreateUserNormalizesEmailAndRoles(t *testing.T) {
	store := newTestStore(t)

	user, err := store.CreateUser(CreateUserParams{
		DisplayName: "  Ada  ",
		Email:       "  Ada@Example.COM ",
		Password:    "password123",
		Roles:       []string{"Admin", "admin", " member "},
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if user.Email != "ada@example.com" {
		t.Fatalf("expected normalized email, got %q", user.Email)
	}
	if user.DisplayName != "Ada" {
		t.Fatalf("expected trimmed display name, got %q", user.DisplayName)
	}
	if len(user.Roles) != 2 || user.Roles[0] != "admin" || user.Roles[1] != "member" {
		t.Fatalf("expected deduplicated sorted roles, got %v", user.Roles)
	}
	if user.PasswordHash == "" || strings.Contains(user.PasswordHash, "password123") {
		t.Fatalf("expected hashed password, got %q", user.PasswordHash)
	}
}

func TestCreateUserRejectsDuplicateEmail(t *testing.T) {
	store := newTestStore(t)
	createTestUser(t, store, "dup@example.com")

	if _, err := store.CreateUser(CreateUserParams{
		DisplayName: "Other",
		Email:       "DUP@example.com",
		Password:    "password123",
	}); err == nil {
		t.Fatal("expected duplicate email error")
	}
}

func TestCreateUserValidatesEmail(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.CreateUser(CreateUserParams{
		DisplayName: "Bad",
		Email:       "not-an-email",
		Password:    "password123",
	}); !errors.Is(err, ErrInvalidEmail) {
		t.Fatalf("expected ErrInvalidEmail, got %v", err)
	}
}

func TestSelfSignupDefaultsToMemberRole(t *testing.T) {
	store := newTestStore(t)
	user, err := store.CreateUser(CreateUserParams{
		DisplayName: "Visitor",
		Email:       "visitor@example.com",
		Password:    "password123",
		SelfSignup:  true,
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if len(user.Roles) != 1 || user.Roles[0] != "member" {
		t.Fatalf("expected member role, got %v", user.Roles)
	}
	if !user.SelfSignup {
		t.Fatal("expected SelfSignup to be recorded")
	}
}

func TestSelfSignupRequiresPassword(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.CreateUser(CreateUserParams{
		DisplayName: "Visitor",
		Email:       "visitor@example.com",
		SelfSignup:  true,
	}); err == nil {
		t.Fatal("expected error for self-signup without password")
	}
}

func TestAuthenticateUser(t *testing.T) {
	store := newTestStore(t)
	createTestUser(t, store, "login@example.com")

	user, err := store.AuthenticateUser("Login@Example.com", "password123")
	if err != nil {
		t.Fatalf("AuthenticateUser: %v", err)
	}
	if user.Email != "login@example.com" {
		t.Fatalf("unexpected user %q", user.Email)
	}

	if _, err := store.AuthenticateUser("login@example.com", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := store.AuthenticateUser("missing@example.com", "password123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown email, got %v", err)
	}
}

func TestSetUserPassword(t *testing.T) {
	store := newTestStore(t)
	id := createTestUser(t, store, "rotate@example.com")

	if _, err := store.SetUserPassword(id, "short"); err == nil {
		t.Fatal("expected error for short password")
	}
	if _, err := store.SetUserPassword(id, "newpassword456"); err != nil {
		t.Fatalf("SetUserPassword: %v", err)
	}
	if _, err := store.AuthenticateUser("rotate@example.com", "newpassword456"); err != nil {
		t.Fatalf("AuthenticateUser after rotation: %v", err)
	}
	if _, err := store.AuthenticateUser("rotate@example.com", "password123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected old password to be rejected, got %v", err)
	}
}

func TestUpdateUser(t *testing.T) {
	store := newTestStore(t)
	id := createTestUser(t, store, "update@example.com")
	otherID := createTestUser(t, store, "taken@example.com")

	name := "Renamed"
	email := "renamed@example.com"
	roles := []string{"admin"}
	updated, err := store.UpdateUser(id, UserUpdate{DisplayName: &name, Email: &email, Roles: &roles})
	if err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}
	if updated.DisplayName != "Renamed" || updated.Email != "renamed@example.com" {
		t.Fatalf("unexpected update result: %+v", updated)
	}
	if len(updated.Roles) != 1 || updated.Roles[0] != "admin" {
		t.Fatalf("unexpected roles: %v", updated.Roles)
	}

	conflict := "taken@example.com"
	if _, err := store.UpdateUser(id, UserUpdate{Email: &conflict}); err == nil {
		t.Fatal("expected duplicate email error")
	}
	_ = otherID

	if _, err := store.UpdateUser("missing", UserUpdate{DisplayName: &name}); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestDeleteUserKeepsLibraries(t *testing.T) {
	store := newTestStore(t)
	id := createTestUser(t, store, "owner@example.com")
	if _, err := store.CreateLibrary(CreateLibraryParams{ID: "shelf-1", Name: "Shelf", OwnerID: id}); err != nil {
		t.Fatalf("CreateLibrary: %v", err)
	}

	if err := store.DeleteUser(id); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if _, ok := store.GetUser(id); ok {
		t.Fatal("expected user to be removed")
	}
	if _, ok := store.GetLibrary("shelf-1"); !ok {
		t.Fatal("expected library to survive owner removal")
	}
}

func TestCreateLibraryValidatesID(t *testing.T) {
	store := newTestStore(t)
	owner := createTestUser(t, store, "owner@example.com")

	for _, id := range []string{"", "ab", "-leading", "has space", strings.Repeat("x", 33)} {
		if _, err := store.CreateLibrary(CreateLibraryParams{ID: id, OwnerID: owner}); !errors.Is(err, ErrInvalidLibraryID) {
			t.Fatalf("expected ErrInvalidLibraryID for %q, got %v", id, err)
		}
	}

	library, err := store.CreateLibrary(CreateLibraryParams{ID: "shelf_1", OwnerID: owner})
	if err != nil {
		t.Fatalf("CreateLibrary: %v", err)
	}
	if library.Name != "shelf_1" {
		t.Fatalf("expected name to default to id, got %q", library.Name)
	}
}

func TestCreateLibraryRejectsDuplicateAndUnknownOwner(t *testing.T) {
	store := newTestStore(t)
	owner := createTestUser(t, store, "owner@example.com")

	if _, err := store.CreateLibrary(CreateLibraryParams{ID: "shelf-1", OwnerID: owner}); err != nil {
		t.Fatalf("CreateLibrary: %v", err)
	}
	if _, err := store.CreateLibrary(CreateLibraryParams{ID: "shelf-1", OwnerID: owner}); !errors.Is(err, ErrLibraryExists) {
		t.Fatalf("expected ErrLibraryExists, got %v", err)
	}
	if _, err := store.CreateLibrary(CreateLibraryParams{ID: "shelf-2", OwnerID: "missing"}); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestListLibrariesSortsByFoldedName(t *testing.T) {
	store := newTestStore(t)
	owner := createTestUser(t, store, "owner@example.com")

	for i, name := range []string{"zebra", "Apple", "apple annex"} {
		if _, err := store.CreateLibrary(CreateLibraryParams{
			ID:      fmt.Sprintf("lib-%d", i),
			Name:    name,
			OwnerID: owner,
		}); err != nil {
			t.Fatalf("CreateLibrary %q: %v", name, err)
		}
	}

	libraries := store.ListLibraries()
	if len(libraries) != 3 {
		t.Fatalf("expected 3 libraries, got %d", len(libraries))
	}
	if libraries[0].Name != "Apple" || libraries[1].Name != "apple annex" || libraries[2].Name != "zebra" {
		t.Fatalf("unexpected order: %q, %q, %q", libraries[0].Name, libraries[1].Name, libraries[2].Name)
	}
}

func TestDeleteLibrary(t *testing.T) {
	store := newTestStore(t)
	owner := createTestUser(t, store, "owner@example.com")
	if _, err := store.CreateLibrary(CreateLibraryParams{ID: "shelf-1", OwnerID: owner}); err != nil {
		t.Fatalf("CreateLibrary: %v", err)
	}

	if err := store.DeleteLibrary("shelf-1"); err != nil {
		t.Fatalf("DeleteLibrary: %v", err)
	}
	if _, ok := store.GetLibrary("shelf-1"); ok {
		t.Fatal("expected library to be removed")
	}
	if err := store.DeleteLibrary("shelf-1"); !errors.Is(err, ErrLibraryNotFound) {
		t.Fatalf("expected ErrLibraryNotFound, got %v", err)
	}
}

func TestCreateUserPersistFailure(t *testing.T) {
	store := newTestStore(t)

	store.persistOverride = func(dataset) error {
		return errors.New("persist failed")
	}

	if _, err := store.CreateUser(CreateUserParams{
		DisplayName: "Ada",
		Email:       "ada@example.com",
		Password:    "password123",
	}); err == nil {
		t.Fatal("expected CreateUser error when persist fails")
	}

	store.persistOverride = nil

	if _, ok := store.FindUserByEmail("ada@example.com"); ok {
		t.Fatal("expected user to be rolled back after failed persist")
	}
	if users := store.ListUsers(); len(users) != 0 {
		t.Fatalf("expected empty user list, got %d", len(users))
	}
}

func TestUpdateUserPersistFailure(t *testing.T) {
	store := newTestStore(t)
	id := createTestUser(t, store, "stable@example.com")

	store.persistOverride = func(dataset) error {
		return errors.New("persist failed")
	}

	name := "Renamed"
	email := "renamed@example.com"
	if _, err := store.UpdateUser(id, UserUpdate{DisplayName: &name, Email: &email}); err == nil {
		t.Fatal("expected UpdateUser error when persist fails")
	}

	store.persistOverride = nil

	user, ok := store.GetUser(id)
	if !ok {
		t.Fatalf("user %s not found after failed update", id)
	}
	if user.DisplayName != "Test User" {
		t.Fatalf("expected display name to remain, got %q", user.DisplayName)
	}
	if user.Email != "stable@example.com" {
		t.Fatalf("expected email to remain, got %q", user.Email)
	}
}

func TestDeleteLibraryPersistFailure(t *testing.T) {
	store := newTestStore(t)
	owner := createTestUser(t, store, "owner@example.com")
	if _, err := store.CreateLibrary(CreateLibraryParams{ID: "shelf-1", Name: "Shelf", OwnerID: owner}); err != nil {
		t.Fatalf("CreateLibrary: %v", err)
	}

	store.persistOverride = func(dataset) error {
		return errors.New("persist failed")
	}

	if err := store.DeleteLibrary("shelf-1"); err == nil {
		t.Fatal("expected DeleteLibrary error when persist fails")
	}

	store.persistOverride = nil

	library, ok := store.GetLibrary("shelf-1")
	if !ok {
		t.Fatal("expected library to remain after failed persist")
	}
	if library.Name != "Shelf" {
		t.Fatalf("unexpected library name %q", library.Name)
	}
	if _, err := os.Stat(store.libraryDir("shelf-1")); err != nil {
		t.Fatalf("expected library dir to remain: %v", err)
	}
}

func TestStateSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.json")

	store, err := NewStorage(path)
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	owner := createTestUser(t, store, "owner@example.com")
	if _, err := store.CreateLibrary(CreateLibraryParams{ID: "shelf-1", Name: "Shelf", OwnerID: owner}); err != nil {
		t.Fatalf("CreateLibrary: %v", err)
	}

	reloaded, err := NewStorage(path)
	if err != nil {
		t.Fatalf("NewStorage reload: %v", err)
	}
	if _, ok := reloaded.GetUser(owner); !ok {
		t.Fatal("expected user to survive reload")
	}
	library, ok := reloaded.GetLibrary("shelf-1")
	if !ok {
		t.Fatal("expected library to survive reload")
	}
	if library.Name != "Shelf" {
		t.Fatalf("unexpected library name %q", library.Name)
	}
}
