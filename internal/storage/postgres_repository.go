package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"shelfscan/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultPostgresTimeout = 5 * time.Second

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
	// mediaMu serializes stored-name selection and media writes so two
	// uploads of the same filename in the same second cannot claim the
	// same on-disk name.
	mediaMu sync.Mutex
}

// NewPostgresRepository opens a Postgres-backed repository and ensures the
// schema exists.
func NewPostgresRepository(dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	repo := &postgresRepository{pool: pool, cfg: cfg}
	if err := os.MkdirAll(cfg.MediaDir, 0o755); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	ctx, cancel := repo.opContext()
	defer cancel()
	if err := repo.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *postgresRepository) opContext() (context.Context, context.CancelFunc) {
	timeout := r.cfg.AcquireTimeout
	if timeout <= 0 {
		timeout = defaultPostgresTimeout
	}
	return context.WithTimeout(context.Background(), timeout)
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("postgres pool not initialised")
	}
	return r.pool.Ping(ctx)
}

func (r *postgresRepository) MediaRoot() string {
	return r.cfg.MediaDir
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// User operations

func (r *postgresRepository) CreateUser(params CreateUserParams) (models.User, error) {
	user, err := newUserFromParams(params)
	if err != nil {
		return models.User{}, err
	}

	ctx, cancel := r.opContext()
	defer cancel()
	roles := user.Roles
	if roles == nil {
		roles = []string{}
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO users (id, display_name, email, roles, password_hash, self_signup, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		user.ID, user.DisplayName, user.Email, roles, user.PasswordHash, user.SelfSignup, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return models.User{}, fmt.Errorf("email %s already in use", user.Email)
		}
		return models.User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (r *postgresRepository) scanUsers(ctx context.Context, query string, args ...any) ([]models.User, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var user models.User
		if err := rows.Scan(&user.ID, &user.DisplayName, &user.Email, &user.Roles, &user.PasswordHash, &user.SelfSignup, &user.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		if len(user.Roles) == 0 {
			user.Roles = nil
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

const selectUserColumns = "SELECT id, display_name, email, roles, password_hash, self_signup, created_at FROM users"

func (r *postgresRepository) ListUsers() []models.User {
	ctx, cancel := r.opContext()
	defer cancel()
	users, err := r.scanUsers(ctx, selectUserColumns+" ORDER BY created_at")
	if err != nil {
		return nil
	}
	return users
}

func (r *postgresRepository) GetUser(id string) (models.User, bool) {
	ctx, cancel := r.opContext()
	defer cancel()
	users, err := r.scanUsers(ctx, selectUserColumns+" WHERE id = $1", id)
	if err != nil || len(users) == 0 {
		return models.User{}, false
	}
	return users[0], true
}

func (r *postgresRepository) FindUserByEmail(email string) (models.User, bool) {
	ctx, cancel := r.opContext()
	defer cancel()
	normalized := strings.TrimSpace(strings.ToLower(email))
	users, err := r.scanUsers(ctx, selectUserColumns+" WHERE email = $1", normalized)
	if err != nil || len(users) == 0 {
		return models.User{}, false
	}
	return users[0], true
}

func (r *postgresRepository) AuthenticateUser(email, password string) (models.User, error) {
	if password == "" {
		return models.User{}, errors.New("password is required")
	}
	user, ok := r.FindUserByEmail(email)
	if !ok {
		return models.User{}, ErrInvalidCredentials
	}
	if user.PasswordHash == "" {
		return models.User{}, ErrPasswordLoginUnsupported
	}
	if err := verifyPassword(user.PasswordHash, password); err != nil {
		return models.User{}, err
	}
	return user, nil
}

func (r *postgresRepository) UpdateUser(id string, update UserUpdate) (models.User, error) {
	user, ok := r.GetUser(id)
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
		if !emailPattern.MatchString(email) {
			return models.User{}, ErrInvalidEmail
		}
		user.Email = email
	}
	if update.Roles != nil {
		user.Roles = normalizeRoles(*update.Roles)
	}

	ctx, cancel := r.opContext()
	defer cancel()
	roles := user.Roles
	if roles == nil {
		roles = []string{}
	}
	_, err := r.pool.Exec(ctx,
		"UPDATE users SET display_name = $2, email = $3, roles = $4 WHERE id = $1",
		user.ID, user.DisplayName, user.Email, roles)
	if err != nil {
		if isUniqueViolation(err) {
			return models.User{}, fmt.Errorf("email %s already in use", user.Email)
		}
		return models.User{}, fmt.Errorf("update user: %w", err)
	}
	return user, nil
}

func (r *postgresRepository) SetUserPassword(id, password string) (models.User, error) {
	if len(password) < 8 {
		return models.User{}, errors.New("password must be at least 8 characters")
	}
	hashed, err := hashPassword(password)
	if err != nil {
		return models.User{}, fmt.Errorf("hash password: %w", err)
	}
	user, ok := r.GetUser(id)
	if !ok {
		return models.User{}, fmt.Errorf("user %s: %w", id, ErrUserNotFound)
	}
	ctx, cancel := r.opContext()
	defer cancel()
	if _, err := r.pool.Exec(ctx, "UPDATE users SET password_hash = $2 WHERE id = $1", id, hashed); err != nil {
		return models.User{}, fmt.Errorf("update password: %w", err)
	}
	user.PasswordHash = hashed
	return user, nil
}

func (r *postgresRepository) DeleteUser(id string) error {
	ctx, cancel := r.opContext()
	defer cancel()
	tag, err := r.pool.Exec(ctx, "DELETE FROM users WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", id, ErrUserNotFound)
	}
	return nil
}

// Library operations

func (r *postgresRepository) CreateLibrary(params CreateLibraryParams) (models.Library, error) {
	library, err := newLibraryFromParams(params)
	if err != nil {
		return models.Library{}, err
	}
	if _, ok := r.GetUser(library.OwnerID); !ok {
		return models.Library{}, fmt.Errorf("owner %s: %w", library.OwnerID, ErrUserNotFound)
	}

	if err := os.MkdirAll(filepath.Join(r.cfg.MediaDir, library.ID), 0o755); err != nil {
		return models.Library{}, fmt.Errorf("create library dir: %w", err)
	}

	ctx, cancel := r.opContext()
	defer cancel()
	_, err = r.pool.Exec(ctx,
		`INSERT INTO libraries (id, name, owner_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		library.ID, library.Name, library.OwnerID, library.CreatedAt, library.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Library{}, fmt.Errorf("library %s: %w", library.ID, ErrLibraryExists)
		}
		return models.Library{}, fmt.Errorf("insert library: %w", err)
	}
	return library, nil
}

func (r *postgresRepository) ListLibraries() []models.Library {
	ctx, cancel := r.opContext()
	defer cancel()
	rows, err := r.pool.Query(ctx,
		`SELECT l.id, l.name, l.owner_id, l.created_at, l.updated_at,
		        (SELECT COUNT(*) FROM photos p WHERE p.library_id = l.id)
		 FROM libraries l`)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var libraries []models.Library
	for rows.Next() {
		var library models.Library
		if err := rows.Scan(&library.ID, &library.Name, &library.OwnerID, &library.CreatedAt, &library.UpdatedAt, &library.PhotoCount); err != nil {
			return nil
		}
		libraries = append(libraries, library)
	}
	if rows.Err() != nil {
		return nil
	}
	sortLibrariesByName(libraries)
	return libraries
}

func (r *postgresRepository) GetLibrary(id string) (models.Library, bool) {
	ctx, cancel := r.opContext()
	defer cancel()
	row := r.pool.QueryRow(ctx,
		`SELECT l.id, l.name, l.owner_id, l.created_at, l.updated_at,
		        (SELECT COUNT(*) FROM photos p WHERE p.library_id = l.id)
		 FROM libraries l WHERE l.id = $1`, id)
	var library models.Library
	if err := row.Scan(&library.ID, &library.Name, &library.OwnerID, &library.CreatedAt, &library.UpdatedAt, &library.PhotoCount); err != nil {
		return models.Library{}, false
	}
	return library, true
}

func (r *postgresRepository) DeleteLibrary(id string) error {
	ctx, cancel := r.opContext()
	defer cancel()
	tag, err := r.pool.Exec(ctx, "DELETE FROM libraries WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete library: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("library %s: %w", id, ErrLibraryNotFound)
	}
	if err := os.RemoveAll(filepath.Join(r.cfg.MediaDir, id)); err != nil {
		return fmt.Errorf("remove library dir: %w", err)
	}
	return nil
}

// Photo operations

func (r *postgresRepository) SavePhoto(params SavePhotoParams, content io.Reader) (models.Photo, error) {
	if _, ok := r.GetLibrary(params.LibraryID); !ok {
		return models.Photo{}, fmt.Errorf("library %s: %w", params.LibraryID, ErrLibraryNotFound)
	}
	if !AllowedPhotoExtension(params.OriginalName) {
		return models.Photo{}, fmt.Errorf("unsupported file type %q", filepath.Ext(params.OriginalName))
	}

	id, err := generateID()
	if err != nil {
		return models.Photo{}, err
	}

	dir := filepath.Join(r.cfg.MediaDir, params.LibraryID)
	now := time.Now().UTC()
	storedName, size, err := r.writeUniqueMediaFile(dir, now, params.OriginalName, content)
	if err != nil {
		return models.Photo{}, err
	}

	analysis := params.Analysis
	if analysis.Status == "" {
		analysis.Status = models.AnalysisStatusPending
	}

	photo := models.Photo{
		ID:           id,
		LibraryID:    params.LibraryID,
		StoredName:   storedName,
		OriginalName: params.OriginalName,
		UploaderID:   params.UploaderID,
		SizeBytes:    size,
		ContentType:  params.ContentType,
		Analysis:     analysis,
		UploadedAt:   now,
		UpdatedAt:    now,
	}

	ctx, cancel := r.opContext()
	defer cancel()
	for attempt := 0; ; attempt++ {
		_, err = r.pool.Exec(ctx,
			`INSERT INTO photos (id, library_id, stored_name, original_name, uploader_id, size_bytes, content_type, capture_date, analysis, uploaded_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			photo.ID, photo.LibraryID, photo.StoredName, photo.OriginalName, photo.UploaderID,
			photo.SizeBytes, photo.ContentType, photo.CaptureDate, photo.Analysis, photo.UploadedAt, photo.UpdatedAt)
		if err == nil {
			break
		}
		// Another replica sharing the media dir can own this stored name
		// in the database; move our file aside and try again.
		if isUniqueViolation(err) && attempt < maxStoredNameAttempts {
			renamed, renameErr := r.renameStoredMedia(dir, photo.StoredName, params.OriginalName)
			if renameErr == nil {
				photo.StoredName = renamed
				continue
			}
		}
		_ = os.Remove(filepath.Join(dir, photo.StoredName))
		return models.Photo{}, fmt.Errorf("insert photo: %w", err)
	}
	if _, err := r.pool.Exec(ctx, "UPDATE libraries SET updated_at = $2 WHERE id = $1", photo.LibraryID, now); err != nil {
		return models.Photo{}, fmt.Errorf("touch library: %w", err)
	}
	return photo, nil
}

const maxStoredNameAttempts = 3

// writeUniqueMediaFile claims a stored name and streams the upload into it
// under mediaMu, so a concurrent upload of the same filename stats the
// finished file and picks a suffixed name instead of overwriting it.
func (r *postgresRepository) writeUniqueMediaFile(dir string, now time.Time, originalName string, content io.Reader) (string, int64, error) {
	r.mediaMu.Lock()
	defer r.mediaMu.Unlock()

	storedName, err := uniqueStoredName(dir, now, originalName)
	if err != nil {
		return "", 0, err
	}
	size, err := writeMediaFile(dir, storedName, content)
	if err != nil {
		return "", 0, err
	}
	return storedName, size, nil
}

// renameStoredMedia moves an already written media file to a fresh unique
// name after a stored-name conflict in the database.
func (r *postgresRepository) renameStoredMedia(dir, currentName, originalName string) (string, error) {
	r.mediaMu.Lock()
	defer r.mediaMu.Unlock()

	fresh, err := uniqueStoredName(dir, time.Now().UTC(), originalName)
	if err != nil {
		return "", err
	}
	if err := os.Rename(filepath.Join(dir, currentName), filepath.Join(dir, fresh)); err != nil {
		return "", fmt.Errorf("rename media file: %w", err)
	}
	return fresh, nil
}

const selectPhotoColumns = "SELECT id, library_id, stored_name, original_name, uploader_id, size_bytes, content_type, capture_date, analysis, uploaded_at, updated_at FROM photos"

func (r *postgresRepository) scanPhotos(ctx context.Context, query string, args ...any) ([]models.Photo, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query photos: %w", err)
	}
	defer rows.Close()

	var photos []models.Photo
	for rows.Next() {
		var photo models.Photo
		if err := rows.Scan(&photo.ID, &photo.LibraryID, &photo.StoredName, &photo.OriginalName, &photo.UploaderID,
			&photo.SizeBytes, &photo.ContentType, &photo.CaptureDate, &photo.Analysis, &photo.UploadedAt, &photo.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan photo: %w", err)
		}
		photos = append(photos, photo)
	}
	return photos, rows.Err()
}

func (r *postgresRepository) ListPhotos(libraryID string) ([]models.Photo, error) {
	if _, ok := r.GetLibrary(libraryID); !ok {
		return nil, fmt.Errorf("library %s: %w", libraryID, ErrLibraryNotFound)
	}
	ctx, cancel := r.opContext()
	defer cancel()
	photos, err := r.scanPhotos(ctx, selectPhotoColumns+" WHERE library_id = $1 ORDER BY uploaded_at DESC, id DESC", libraryID)
	if err != nil {
		return nil, err
	}
	if photos == nil {
		photos = []models.Photo{}
	}
	return photos, nil
}

func (r *postgresRepository) GetPhoto(libraryID, photoID string) (models.Photo, bool) {
	ctx, cancel := r.opContext()
	defer cancel()
	photos, err := r.scanPhotos(ctx, selectPhotoColumns+" WHERE library_id = $1 AND id = $2", libraryID, photoID)
	if err != nil || len(photos) == 0 {
		return models.Photo{}, false
	}
	return photos[0], true
}

func (r *postgresRepository) UpdatePhoto(libraryID, photoID string, update PhotoUpdate) (models.Photo, error) {
	photo, ok := r.GetPhoto(libraryID, photoID)
	if !ok {
		return models.Photo{}, fmt.Errorf("photo %s: %w", photoID, ErrPhotoNotFound)
	}
	if update.AnalysisStatus != nil {
		photo.Analysis.Status = *update.AnalysisStatus
	}
	if update.Analysis != nil {
		photo.Analysis = *update.Analysis
	}
	if update.CaptureDate != nil {
		captured := update.CaptureDate.UTC()
		photo.CaptureDate = &captured
	}
	photo.UpdatedAt = time.Now().UTC()

	ctx, cancel := r.opContext()
	defer cancel()
	_, err := r.pool.Exec(ctx,
		"UPDATE photos SET capture_date = $3, analysis = $4, updated_at = $5 WHERE library_id = $1 AND id = $2",
		libraryID, photoID, photo.CaptureDate, photo.Analysis, photo.UpdatedAt)
	if err != nil {
		return models.Photo{}, fmt.Errorf("update photo: %w", err)
	}
	return photo, nil
}

func (r *postgresRepository) DeletePhoto(libraryID, photoID string) error {
	photo, ok := r.GetPhoto(libraryID, photoID)
	if !ok {
		return fmt.Errorf("photo %s: %w", photoID, ErrPhotoNotFound)
	}
	ctx, cancel := r.opContext()
	defer cancel()
	if _, err := r.pool.Exec(ctx, "DELETE FROM photos WHERE library_id = $1 AND id = $2", libraryID, photoID); err != nil {
		return fmt.Errorf("delete photo: %w", err)
	}
	path := filepath.Join(r.cfg.MediaDir, libraryID, photo.StoredName)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove media file: %w", err)
	}
	return nil
}

func (r *postgresRepository) PendingPhotos() ([]models.Photo, error) {
	ctx, cancel := r.opContext()
	defer cancel()
	return r.scanPhotos(ctx, selectPhotoColumns+" WHERE analysis->>'status' IN ('pending', 'processing') ORDER BY uploaded_at")
}

func (r *postgresRepository) PhotoFilePath(libraryID, storedName string) (string, error) {
	if _, ok := r.GetLibrary(libraryID); !ok {
		return "", fmt.Errorf("library %s: %w", libraryID, ErrLibraryNotFound)
	}
	cleaned := filepath.Base(storedName)
	if cleaned != storedName || storedName == "" {
		return "", fmt.Errorf("photo %s: %w", storedName, ErrPhotoNotFound)
	}
	path := filepath.Join(r.cfg.MediaDir, libraryID, storedName)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("photo %s: %w", storedName, ErrPhotoNotFound)
		}
		return "", fmt.Errorf("stat media file: %w", err)
	}
	return path, nil
}

func rollbackTx(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(ctx)
}
