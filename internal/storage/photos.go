package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"shelfscan/internal/models"
)

// MaxPhotoSizeBytes caps a single photo upload.
const MaxPhotoSizeBytes = 16 << 20

const storedNameTimeFormat = "20060102T150405Z"

const recordsFileName = "records.json"

var allowedPhotoExtensions = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".webp": {},
	".heic": {},
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// AllowedPhotoExtension reports whether the filename carries one of the
// accepted image extensions.
func AllowedPhotoExtension(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	_, ok := allowedPhotoExtensions[ext]
	return ok
}

// SanitizeFilename strips path components and unsafe characters from an
// uploaded filename. It never returns an empty string.
func SanitizeFilename(filename string) string {
	base := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	cleaned := unsafeFilenameChars.ReplaceAllString(base, "_")
	cleaned = strings.Trim(cleaned, "._")
	if cleaned == "" {
		return "photo"
	}
	return cleaned
}

// SavePhotoParams captures the metadata recorded for an uploaded photo. The
// initial Analysis block is supplied by the caller so uploads can start out as
// pending or skipped depending on whether a vision backend is configured.
type SavePhotoParams struct {
	LibraryID    string
	OriginalName string
	UploaderID   string
	ContentType  string
	Analysis     models.Analysis
}

// PhotoUpdate carries optional mutations for a photo record. Nil fields are
// left untouched; Analysis replaces the whole analysis block.
type PhotoUpdate struct {
	AnalysisStatus *string
	Analysis       *models.Analysis
	CaptureDate    *time.Time
}

func (s *Storage) libraryDir(libraryID string) string {
	return filepath.Join(s.mediaRoot, libraryID)
}

func (s *Storage) recordsPath(libraryID string) string {
	return filepath.Join(s.libraryDir(libraryID), recordsFileName)
}

// MediaRoot exposes the directory holding per-library media folders.
func (s *Storage) MediaRoot() string {
	return s.mediaRoot
}

func (s *Storage) loadRecordsLocked(libraryID string) ([]models.Photo, error) {
	file, err := os.Open(s.recordsPath(libraryID))
	if errors.Is(err, os.ErrNotExist) {
		return []models.Photo{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("open records file: %w", err)
	}
	defer file.Close()

	var photos []models.Photo
	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&photos); err != nil {
		if errors.Is(err, io.EOF) {
			return []models.Photo{}, nil
		}
		return nil, fmt.Errorf("decode records file: %w", err)
	}
	return photos, nil
}

func (s *Storage) persistRecordsLocked(libraryID string, photos []models.Photo) error {
	dir := s.libraryDir(libraryID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create library dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "records-*.json")
	if err != nil {
		return fmt.Errorf("create temp records file: %w", err)
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
	if err := encoder.Encode(photos); err != nil {
		return fmt.Errorf("encode records file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush records file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp records file: %w", err)
	}

	if err := os.Rename(tmpPath, s.recordsPath(libraryID)); err != nil {
		return fmt.Errorf("replace records file: %w", err)
	}
	success = true
	return nil
}

// SavePhoto streams the uploaded content into the library directory and
// prepends a record so listings stay newest first. The media file is removed
// again if the record cannot be persisted.
func (s *Storage) SavePhoto(params SavePhotoParams, content io.Reader) (models.Photo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	library, ok := s.data.Libraries[params.LibraryID]
	if !ok {
		return models.Photo{}, fmt.Errorf("library %s: %w", params.LibraryID, ErrLibraryNotFound)
	}
	if !AllowedPhotoExtension(params.OriginalName) {
		return models.Photo{}, fmt.Errorf("unsupported file type %q", filepath.Ext(params.OriginalName))
	}

	id, err := s.generateID()
	if err != nil {
		return models.Photo{}, err
	}

	now := time.Now().UTC()
	storedName, err := uniqueStoredName(s.libraryDir(params.LibraryID), now, params.OriginalName)
	if err != nil {
		return models.Photo{}, err
	}

	size, err := writeMediaFile(s.libraryDir(params.LibraryID), storedName, content)
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

	records, err := s.loadRecordsLocked(params.LibraryID)
	if err != nil {
		_ = os.Remove(filepath.Join(s.libraryDir(params.LibraryID), storedName))
		return models.Photo{}, err
	}
	updatedRecords := append([]models.Photo{photo}, records...)
	if err := s.persistRecordsLocked(params.LibraryID, updatedRecords); err != nil {
		_ = os.Remove(filepath.Join(s.libraryDir(params.LibraryID), storedName))
		return models.Photo{}, err
	}

	updatedData := cloneDataset(s.data)
	library = updatedData.Libraries[params.LibraryID]
	library.PhotoCount = len(updatedRecords)
	library.UpdatedAt = now
	updatedData.Libraries[params.LibraryID] = library
	if err := s.persistDataset(updatedData); err != nil {
		_ = s.persistRecordsLocked(params.LibraryID, records)
		_ = os.Remove(filepath.Join(s.libraryDir(params.LibraryID), storedName))
		return models.Photo{}, err
	}
	s.data = updatedData

	return photo, nil
}

// uniqueStoredName builds the timestamped on-disk filename, appending a
// counter when two uploads of the same name land in the same second.
func uniqueStoredName(dir string, now time.Time, originalName string) (string, error) {
	sanitized := SanitizeFilename(originalName)
	base := now.Format(storedNameTimeFormat) + "_" + sanitized
	candidate := base
	for attempt := 1; ; attempt++ {
		_, err := os.Stat(filepath.Join(dir, candidate))
		if errors.Is(err, os.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("stat media file: %w", err)
		}
		ext := filepath.Ext(base)
		candidate = fmt.Sprintf("%s-%d%s", strings.TrimSuffix(base, ext), attempt, ext)
	}
}

func writeMediaFile(dir, storedName string, content io.Reader) (int64, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create library dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "photo-*.tmp")
	if err != nil {
		return 0, fmt.Errorf("create temp media file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	size, err := io.Copy(tmpFile, content)
	if err != nil {
		return 0, fmt.Errorf("write media file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return 0, fmt.Errorf("flush media file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return 0, fmt.Errorf("close temp media file: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, storedName)); err != nil {
		return 0, fmt.Errorf("replace media file: %w", err)
	}
	success = true
	return size, nil
}

// ListPhotos returns the library's records, newest first.
func (s *Storage) ListPhotos(libraryID string) ([]models.Photo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.data.Libraries[libraryID]; !ok {
		return nil, fmt.Errorf("library %s: %w", libraryID, ErrLibraryNotFound)
	}
	return s.loadRecordsLocked(libraryID)
}

func (s *Storage) GetPhoto(libraryID, photoID string) (models.Photo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records, err := s.loadRecordsLocked(libraryID)
	if err != nil {
		return models.Photo{}, false
	}
	for _, photo := range records {
		if photo.ID == photoID {
			return photo, true
		}
	}
	return models.Photo{}, false
}

func (s *Storage) UpdatePhoto(libraryID, photoID string, update PhotoUpdate) (models.Photo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Libraries[libraryID]; !ok {
		return models.Photo{}, fmt.Errorf("library %s: %w", libraryID, ErrLibraryNotFound)
	}

	records, err := s.loadRecordsLocked(libraryID)
	if err != nil {
		return models.Photo{}, err
	}

	for idx, photo := range records {
		if photo.ID != photoID {
			continue
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
		records[idx] = photo
		if err := s.persistRecordsLocked(libraryID, records); err != nil {
			return models.Photo{}, err
		}
		return photo, nil
	}

	return models.Photo{}, fmt.Errorf("photo %s: %w", photoID, ErrPhotoNotFound)
}

// DeletePhoto removes the record and its media file.
func (s *Storage) DeletePhoto(libraryID, photoID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Libraries[libraryID]; !ok {
		return fmt.Errorf("library %s: %w", libraryID, ErrLibraryNotFound)
	}

	records, err := s.loadRecordsLocked(libraryID)
	if err != nil {
		return err
	}

	for idx, photo := range records {
		if photo.ID != photoID {
			continue
		}
		remaining := append(append([]models.Photo{}, records[:idx]...), records[idx+1:]...)
		if err := s.persistRecordsLocked(libraryID, remaining); err != nil {
			return err
		}

		updatedData := cloneDataset(s.data)
		library := updatedData.Libraries[libraryID]
		library.PhotoCount = len(remaining)
		library.UpdatedAt = time.Now().UTC()
		updatedData.Libraries[libraryID] = library
		if err := s.persistDataset(updatedData); err != nil {
			return err
		}
		s.data = updatedData

		if err := os.Remove(filepath.Join(s.libraryDir(libraryID), photo.StoredName)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove media file: %w", err)
		}
		return nil
	}

	return fmt.Errorf("photo %s: %w", photoID, ErrPhotoNotFound)
}

// PendingPhotos returns every record still waiting on analysis, oldest first,
// so interrupted work can be resumed after a restart.
func (s *Storage) PendingPhotos() ([]models.Photo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []models.Photo
	for libraryID := range s.data.Libraries {
		records, err := s.loadRecordsLocked(libraryID)
		if err != nil {
			return nil, err
		}
		for _, photo := range records {
			switch photo.Analysis.Status {
			case models.AnalysisStatusPending, models.AnalysisStatusProcessing:
				pending = append(pending, photo)
			}
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].UploadedAt.Before(pending[j].UploadedAt)
	})
	return pending, nil
}

// PhotoFilePath resolves the on-disk location of a stored photo.
func (s *Storage) PhotoFilePath(libraryID, storedName string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.data.Libraries[libraryID]; !ok {
		return "", fmt.Errorf("library %s: %w", libraryID, ErrLibraryNotFound)
	}
	cleaned := filepath.Base(storedName)
	if cleaned != storedName || storedName == "" {
		return "", fmt.Errorf("photo %s: %w", storedName, ErrPhotoNotFound)
	}
	path := filepath.Join(s.libraryDir(libraryID), storedName)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("photo %s: %w", storedName, ErrPhotoNotFound)
		}
		return "", fmt.Errorf("stat media file: %w", err)
	}
	return path, nil
}
