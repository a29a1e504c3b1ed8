package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"shelfscan/internal/models"

	"github.com/jackc/pgx/v5"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE,
		roles TEXT[] NOT NULL DEFAULT '{}',
		password_hash TEXT NOT NULL DEFAULT '',
		self_signup BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS libraries (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		owner_id TEXT NOT NULL REFERENCES users (id),
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS photos (
		id TEXT PRIMARY KEY,
		library_id TEXT NOT NULL REFERENCES libraries (id) ON DELETE CASCADE,
		stored_name TEXT NOT NULL,
		original_name TEXT NOT NULL,
		uploader_id TEXT NOT NULL,
		size_bytes BIGINT NOT NULL DEFAULT 0,
		content_type TEXT NOT NULL DEFAULT '',
		capture_date TIMESTAMPTZ,
		analysis JSONB NOT NULL DEFAULT '{}'::jsonb,
		uploaded_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (library_id, stored_name)
	)`,
	`CREATE INDEX IF NOT EXISTS photos_library_uploaded_idx ON photos (library_id, uploaded_at DESC)`,
	`CREATE INDEX IF NOT EXISTS photos_analysis_status_idx ON photos ((analysis ->> 'status'))`,
}

func (r *postgresRepository) ensureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (r *postgresRepository) importSnapshot(ctx context.Context, snapshot *Snapshot) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("postgres pool not initialised")
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin snapshot transaction: %w", err)
	}
	defer rollbackTx(ctx, tx)

	if err := importSnapshotUsers(ctx, tx, snapshot.Users); err != nil {
		return err
	}
	if err := importSnapshotLibraries(ctx, tx, snapshot.Libraries); err != nil {
		return err
	}
	if err := importSnapshotPhotos(ctx, tx, snapshot.Photos); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit snapshot import: %w", err)
	}
	return nil
}

func importSnapshotUsers(ctx context.Context, tx pgx.Tx, users map[string]models.User) error {
	if len(users) == 0 {
		return nil
	}
	ids := make([]string, 0, len(users))
	for id := range users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, key := range ids {
		user := users[key]
		id := strings.TrimSpace(user.ID)
		if id == "" {
			id = key
		}
		createdAt := user.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		} else {
			createdAt = createdAt.UTC()
		}
		roles := append([]string(nil), user.Roles...)
		if roles == nil {
			roles = []string{}
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO users (id, display_name, email, roles, password_hash, self_signup, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (id) DO NOTHING`,
			id, strings.TrimSpace(user.DisplayName), strings.TrimSpace(user.Email), roles,
			strings.TrimSpace(user.PasswordHash), user.SelfSignup, createdAt)
		if err != nil {
			return fmt.Errorf("insert user %s: %w", id, err)
		}
	}
	return nil
}

func importSnapshotLibraries(ctx context.Context, tx pgx.Tx, libraries map[string]models.Library) error {
	if len(libraries) == 0 {
		return nil
	}
	ids := make([]string, 0, len(libraries))
	for id := range libraries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, key := range ids {
		library := libraries[key]
		id := strings.TrimSpace(library.ID)
		if id == "" {
			id = key
		}
		createdAt := library.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		} else {
			createdAt = createdAt.UTC()
		}
		updatedAt := library.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = createdAt
		} else {
			updatedAt = updatedAt.UTC()
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO libraries (id, name, owner_id, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5) ON CONFLICT (id) DO NOTHING`,
			id, strings.TrimSpace(library.Name), strings.TrimSpace(library.OwnerID), createdAt, updatedAt)
		if err != nil {
			return fmt.Errorf("insert library %s: %w", id, err)
		}
	}
	return nil
}

func importSnapshotPhotos(ctx context.Context, tx pgx.Tx, photos map[string][]models.Photo) error {
	if len(photos) == 0 {
		return nil
	}
	libraryIDs := make([]string, 0, len(photos))
	for id := range photos {
		libraryIDs = append(libraryIDs, id)
	}
	sort.Strings(libraryIDs)
	for _, libraryID := range libraryIDs {
		for _, photo := range photos[libraryID] {
			uploadedAt := photo.UploadedAt
			if uploadedAt.IsZero() {
				uploadedAt = time.Now().UTC()
			} else {
				uploadedAt = uploadedAt.UTC()
			}
			updatedAt := photo.UpdatedAt
			if updatedAt.IsZero() {
				updatedAt = uploadedAt
			} else {
				updatedAt = updatedAt.UTC()
			}
			analysis := photo.Analysis
			if analysis.Status == "" {
				analysis.Status = models.AnalysisStatusSkipped
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO photos (id, library_id, stored_name, original_name, uploader_id, size_bytes, content_type, capture_date, analysis, uploaded_at, updated_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) ON CONFLICT (id) DO NOTHING`,
				photo.ID, libraryID, photo.StoredName, photo.OriginalName, photo.UploaderID,
				photo.SizeBytes, photo.ContentType, photo.CaptureDate, analysis, uploadedAt, updatedAt)
			if err != nil {
				return fmt.Errorf("insert photo %s: %w", photo.ID, err)
			}
		}
	}
	return nil
}
