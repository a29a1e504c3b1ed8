package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"shelfscan/internal/models"

	"golang.org/x/text/cases"
)

const (
	passwordHashSaltLength = 16
	passwordHashKeyLength  = 32
	passwordHashIterations = 120000
)

var (
	libraryIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{2,31}$`)
	emailPattern     = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

var (
	ErrInvalidCredentials       = errors.New("invalid credentials")
	ErrPasswordLoginUnsupported = errors.New("account does not support password login")
	ErrUserNotFound             = errors.New("user not found")
	ErrLibraryNotFound          = errors.New("library not found")
	ErrLibraryExists            = errors.New("library already exists")
	ErrPhotoNotFound            = errors.New("photo not found")
	ErrInvalidLibraryID         = errors.New("library id must start with a letter or digit and contain 3 to 32 letters, digits, hyphens, or underscores")
	ErrInvalidEmail             = errors.New("invalid email address")
)

type dataset struct {
	Users     map[string]models.User    `json:"users"`
	Libraries map[string]models.Library `json:"libraries"`
}

type Storage struct {
	mu        sync.RWMutex
	filePath  string
	mediaRoot string
	data      dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

func newDataset() dataset {
	return dataset{
		Users:     make(map[string]models.User),
		Libraries: make(map[string]models.Library),
	}
}

func (s *Storage) ensureDatasetInitializedLocked() {
	if s.data.Users == nil {
		s.data.Users = make(map[string]models.User)
	}
	if s.data.Libraries == nil {
		s.data.Libraries = make(map[string]models.Library)
	}
}

// CreateUserParams captures the attributes that can be set when creating a user.
type CreateUserParams struct {
	DisplayName string
	Email       string
	Password    string
	Roles       []string
	SelfSignup  bool
}

// CreateLibraryParams captures the attributes required to create a library.
type CreateLibraryParams struct {
	ID      string
	Name    string
	OwnerID string
}

// UserUpdate carries optional mutations for an existing user. Nil fields are
// left untouched.
type UserUpdate struct {
	DisplayName *string
	Email       *string
	Roles       *[]string
}

func normalizeRoles(input []string) []string {
	if len(input) == 0 {
		return nil
	}
	roles := make([]string, 0, len(input))
	seen := make(map[string]struct{})
	for _, role := range input {
		trimmed := strings.TrimSpace(role)
		if trimmed == "" {
			continue
		}
		normalized := strings.ToLower(trimmed)
		if _, exists := seen[normalized]; exists {
			continue
		}
		seen[normalized] = struct{}{}
		roles = append(roles, normalized)
	}
	if len(roles) == 0 {
		return nil
	}
	sort.Strings(roles)
	return roles
}

func NewStorage(path string, opts ...Option) (*Storage, error) {
	store := &Storage{
		filePath:  path,
		mediaRoot: filepath.Join(filepath.Dir(path), "libraries"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(s.mediaRoot, 0o755); err != nil {
		return fmt.Errorf("create media dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}

	s.ensureDatasetInitializedLocked()

	return nil
}

// Ping verifies the backing directory is reachable and writable metadata-wise.
func (s *Storage) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Dir(s.filePath)); err != nil {
		return fmt.Errorf("stat data dir: %w", err)
	}
	return nil
}

func (s *Storage) persist() error {
	return s.persistDataset(s.data)
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		if err := s.persistOverride(data); err != nil {
			return err
		}
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func cloneDataset(src dataset) dataset {
	clone := dataset{}

	if src.Users != nil {
		clone.Users = make(map[string]models.User, len(src.Users))
		for id, user := range src.Users {
			cloned := user
			if user.Roles != nil {
				cloned.Roles = append([]string(nil), user.Roles...)
			}
			clone.Users[id] = cloned
		}
	}

	if src.Libraries != nil {
		clone.Libraries = make(map[string]models.Library, len(src.Libraries))
		for id, library := range src.Libraries {
			clone.Libraries[id] = library
		}
	}

	return clone
}

func (s *Storage) generateID() (string, error) {
	return generateID()
}

func generateID() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

// User operations

// newUserFromParams validates the creation parameters and builds the new user
// record. Email uniqueness is left to the calling driver.
func newUserFromParams(params CreateUserParams) (models.User, error) {
	normalizedEmail := strings.TrimSpace(strings.ToLower(params.Email))
	if normalizedEmail == "" {
		return models.User{}, errors.New("email is required")
	}
	if !emailPattern.MatchString(normalizedEmail) {
		return models.User{}, ErrInvalidEmail
	}

	displayName := strings.TrimSpace(params.DisplayName)
	if displayName == "" {
		return models.User{}, errors.New("displayName is required")
	}

	roles := normalizeRoles(params.Roles)
	if params.SelfSignup {
		if params.Password == "" {
			return models.User{}, errors.New("password is required for self-service signup")
		}
		if len(roles) == 0 {
			roles = []string{"member"}
		}
	}

	id, err := generateID()
	if err != nil {
		return models.User{}, err
	}

	var passwordHash string
	if params.Password != "" {
		hashed, hashErr := hashPassword(params.Password)
		if hashErr != nil {
			return models.User{}, fmt.Errorf("hash password: %w", hashErr)
		}
		passwordHash = hashed
	}

	return models.User{
		ID:           id,
		DisplayName:  displayName,
		Email:        normalizedEmail,
		Roles:        roles,
		PasswordHash: passwordHash,
		SelfSignup:   params.SelfSignup,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

func (s *Storage) CreateUser(params CreateUserParams) (models.User, error) {
	user, err := newUserFromParams(params)
	if err != nil {
		return models.User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.data.Users {
		if existing.Email == user.Email {
			return models.User{}, fmt.Errorf("email %s already in use", user.Email)
		}
	}

	s.data.Users[user.ID] = user
	if err := s.persist(); err != nil {
		delete(s.data.Users, user.ID)
		return models.User{}, err
	}

	return user, nil
}

func (s *Storage) ListUsers() []models.User {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]models.User, 0, len(s.data.Users))
	for _, user := range s.data.Users {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})
	return users
}

func (s *Storage) GetUser(id string) (models.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.data.Users[id]
	return user, ok
}

// FindUserByEmail looks up a user by their normalized email address.
func (s *Storage) FindUserByEmail(email string) (models.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	normalizedEmail := strings.TrimSpace(strings.ToLower(email))
	for _, user := range s.data.Users {
		if user.Email == normalizedEmail {
			return user, true
		}
	}
	return models.User{}, false
}

// UpdateUser mutates user metadata while enforcing uniqueness constraints.
func (s *Storage) UpdateUser(id string, update UserUpdate) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updatedData := cloneDataset(s.data)

	user, ok := updatedData.Users[id]
	if !ok {
		return models.User{}, fmt.Errorf("user %s: %w", id, ErrUserNotFound)
	}

	if update.DisplayName != nil {
		name := strings.TrimSpace(*update.DisplayName)
		if name == "" {
			return models.User{}, errors.New("displayName cannot be empty")
		}
		user.DisplayName = name
	}

	if update.Email != nil {
		email := strings.TrimSpace(strings.ToLower(*update.Email))
		if email == "" {
			return models.User{}, errors.New("email cannot be empty")
		}
		if !emailPattern.MatchString(email) {
			return models.User{}, ErrInvalidEmail
		}
		for existingID, existing := range updatedData.Users {
			if existingID == user.ID {
				continue
			}
			if existing.Email == email {
				return models.User{}, fmt.Errorf("email %s already in use", email)
			}
		}
		user.Email = email
	}

	if update.Roles != nil {
		user.Roles = normalizeRoles(*update.Roles)
	}

	updatedData.Users[id] = user
	if err := s.persistDataset(updatedData); err != nil {
		return models.User{}, err
	}

	s.data = updatedData

	return user, nil
}

// DeleteUser removes the user. Libraries owned by the user survive so their
// photos remain reachable by the rest of the team.
func (s *Storage) DeleteUser(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	updatedData := cloneDataset(s.data)

	if _, ok := updatedData.Users[id]; !ok {
		return fmt.Errorf("user %s: %w", id, ErrUserNotFound)
	}

	delete(updatedData.Users, id)

	if err := s.persistDataset(updatedData); err != nil {
		return err
	}

	s.data = updatedData

	return nil
}

// Library operations

// newLibraryFromParams validates the creation parameters and builds the new
// library record. Uniqueness and owner existence are left to the driver.
func newLibraryFromParams(params CreateLibraryParams) (models.Library, error) {
	id := strings.TrimSpace(params.ID)
	if !libraryIDPattern.MatchString(id) {
		return models.Library{}, ErrInvalidLibraryID
	}

	name := strings.TrimSpace(params.Name)
	if name == "" {
		name = id
	}

	now := time.Now().UTC()
	return models.Library{
		ID:        id,
		Name:      name,
		OwnerID:   strings.TrimSpace(params.OwnerID),
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *Storage) CreateLibrary(params CreateLibraryParams) (models.Library, error) {
	library, err := newLibraryFromParams(params)
	if err != nil {
		return models.Library{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data.Libraries[library.ID]; exists {
		return models.Library{}, fmt.Errorf("library %s: %w", library.ID, ErrLibraryExists)
	}
	if _, ok := s.data.Users[library.OwnerID]; !ok {
		return models.Library{}, fmt.Errorf("owner %s: %w", library.OwnerID, ErrUserNotFound)
	}

	if err := os.MkdirAll(s.libraryDir(library.ID), 0o755); err != nil {
		return models.Library{}, fmt.Errorf("create library dir: %w", err)
	}

	s.data.Libraries[library.ID] = library
	if err := s.persist(); err != nil {
		delete(s.data.Libraries, library.ID)
		return models.Library{}, err
	}

	return library, nil
}

// ListLibraries returns all libraries ordered by case-folded name so that
// "Nonfiction" and "nonfiction shelf" sort next to each other.
func (s *Storage) ListLibraries() []models.Library {
	s.mu.RLock()
	defer s.mu.RUnlock()

	libraries := make([]models.Library, 0, len(s.data.Libraries))
	for _, library := range s.data.Libraries {
		libraries = append(libraries, library)
	}
	sortLibrariesByName(libraries)
	return libraries
}

// sortLibrariesByName orders libraries by case-folded name so "Nonfiction"
// and "nonfiction shelf" sort next to each other, with the id as tiebreaker.
func sortLibrariesByName(libraries []models.Library) {
	// Caser instances are stateful, so build one per call.
	fold := cases.Fold()
	sort.Slice(libraries, func(i, j int) bool {
		left := fold.String(libraries[i].Name)
		right := fold.String(libraries[j].Name)
		if left == right {
			return libraries[i].ID < libraries[j].ID
		}
		return left < right
	})
}

func (s *Storage) GetLibrary(id string) (models.Library, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	library, ok := s.data.Libraries[id]
	return library, ok
}

// DeleteLibrary removes the library entry along with its media directory and
// photo records.
func (s *Storage) DeleteLibrary(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	updatedData := cloneDataset(s.data)

	if _, ok := updatedData.Libraries[id]; !ok {
		return fmt.Errorf("library %s: %w", id, ErrLibraryNotFound)
	}

	delete(updatedData.Libraries, id)

	if err := s.persistDataset(updatedData); err != nil {
		return err
	}

	s.data = updatedData

	if err := os.RemoveAll(s.libraryDir(id)); err != nil {
		return fmt.Errorf("remove library dir: %w", err)
	}

	return nil
}
