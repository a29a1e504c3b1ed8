package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"shelfscan/internal/models"
)

func newTestLibrary(t *testing.T, store *Storage) string {
	t.Helper()
	owner := createTestUser(t, store, "photos@example.com")
	library, err := store.CreateLibrary(CreateLibraryParams{ID: "shelf-1", Name: "Shelf", OwnerID: owner})
	if err != nil {
		t.Fatalf("CreateLibrary: %v", err)
	}
	return library.ID
}

func savePhoto(t *testing.T, store *Storage, libraryID, name, content string) models.Photo {
	t.Helper()
	photo, err := store.SavePhoto(SavePhotoParams{
		LibraryID:    libraryID,
		OriginalName: name,
		UploaderID:   "uploader",
		ContentType:  "image/jpeg",
	}, strings.NewReader(content))
	if err != nil {
		t.Fatalf("SavePhoto %q: %v", name, err)
	}
	return photo
}

func TestAllowedPhotoExtension(t *testing.T) {
	for _, name := range []string{"a.jpg", "b.JPEG", "c.png", "d.webp", "e.HEIC"} {
		if !AllowedPhotoExtension(name) {
			t.Fatalf("expected %q to be allowed", name)
		}
	}
	for _, name := range []string{"a.gif", "b.pdf", "noext", "c.jpg.exe"} {
		if AllowedPhotoExtension(name) {
			t.Fatalf("expected %q to be rejected", name)
		}
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"shelf photo.jpg":     "shelf_photo.jpg",
		"../../etc/passwd":    "passwd",
		`C:\temp\spine.png`:   "spine.png",
		"..":                  "photo",
		"héllo wörld.jpg":     "h_llo_w_rld.jpg",
		"already_fine-01.png": "already_fine-01.png",
	}
	for input, want := range cases {
		if got := SanitizeFilename(input); got != want {
			t.Fatalf("SanitizeFilename(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestSavePhotoRecordsMetadata(t *testing.T) {
	store := newTestStore(t)
	libraryID := newTestLibrary(t, store)

	photo := savePhoto(t, store, libraryID, "spines.jpg", "fake image bytes")
	if photo.SizeBytes != int64(len("fake image bytes")) {
		t.Fatalf("unexpected size %d", photo.SizeBytes)
	}
	if photo.Analysis.Status != models.AnalysisStatusPending {
		t.Fatalf("expected pending status, got %q", photo.Analysis.Status)
	}
	if !strings.HasSuffix(photo.StoredName, "_spines.jpg") {
		t.Fatalf("expected timestamped stored name, got %q", photo.StoredName)
	}

	path, err := store.PhotoFilePath(libraryID, photo.StoredName)
	if err != nil {
		t.Fatalf("PhotoFilePath: %v", err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read media file: %v", err)
	}
	if string(content) != "fake image bytes" {
		t.Fatalf("unexpected media content %q", content)
	}

	library, _ := store.GetLibrary(libraryID)
	if library.PhotoCount != 1 {
		t.Fatalf("expected photo count 1, got %d", library.PhotoCount)
	}
}

func TestSavePhotoRejectsUnsupportedType(t *testing.T) {
	store := newTestStore(t)
	libraryID := newTestLibrary(t, store)

	if _, err := store.SavePhoto(SavePhotoParams{
		LibraryID:    libraryID,
		OriginalName: "notes.txt",
	}, strings.NewReader("text")); err == nil {
		t.Fatal("expected unsupported type error")
	}
}

func TestSavePhotoUnknownLibrary(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.SavePhoto(SavePhotoParams{
		LibraryID:    "missing",
		OriginalName: "a.jpg",
	}, strings.NewReader("x")); !errors.Is(err, ErrLibraryNotFound) {
		t.Fatalf("expected ErrLibraryNotFound, got %v", err)
	}
}

func TestSavePhotoUnwindsRecordWhenPersistFails(t *testing.T) {
	store := newTestStore(t)
	libraryID := newTestLibrary(t, store)

	store.persistOverride = func(dataset) error {
		return errors.New("persist failed")
	}

	if _, err := store.SavePhoto(SavePhotoParams{
		LibraryID:    libraryID,
		OriginalName: "spines.jpg",
		UploaderID:   "uploader",
		ContentType:  "image/jpeg",
	}, strings.NewReader("fake image bytes")); err == nil {
		t.Fatal("expected SavePhoto error when persist fails")
	}

	store.persistOverride = nil

	photos, err := store.ListPhotos(libraryID)
	if err != nil {
		t.Fatalf("ListPhotos: %v", err)
	}
	if len(photos) != 0 {
		t.Fatalf("expected no records after failed upload, got %d", len(photos))
	}

	entries, err := os.ReadDir(store.libraryDir(libraryID))
	if err != nil {
		t.Fatalf("read library dir: %v", err)
	}
	for _, entry := range entries {
		if entry.Name() != recordsFileName {
			t.Fatalf("expected media file %q to be removed", entry.Name())
		}
	}

	library, _ := store.GetLibrary(libraryID)
	if library.PhotoCount != 0 {
		t.Fatalf("expected photo count 0, got %d", library.PhotoCount)
	}
}

func TestListPhotosNewestFirst(t *testing.T) {
	store := newTestStore(t)
	libraryID := newTestLibrary(t, store)

	first := savePhoto(t, store, libraryID, "first.jpg", "one")
	second := savePhoto(t, store, libraryID, "second.jpg", "two")

	photos, err := store.ListPhotos(libraryID)
	if err != nil {
		t.Fatalf("ListPhotos: %v", err)
	}
	if len(photos) != 2 {
		t.Fatalf("expected 2 photos, got %d", len(photos))
	}
	if photos[0].ID != second.ID || photos[1].ID != first.ID {
		t.Fatal("expected newest photo first")
	}
}

func TestUniqueStoredNameCollision(t *testing.T) {
	store := newTestStore(t)
	libraryID := newTestLibrary(t, store)

	a := savePhoto(t, store, libraryID, "same.jpg", "a")
	b := savePhoto(t, store, libraryID, "same.jpg", "b")
	if a.StoredName == b.StoredName {
		t.Fatalf("expected distinct stored names, both %q", a.StoredName)
	}
}

func TestWriteUniqueMediaFileConcurrentSameSecond(t *testing.T) {
	repo := &postgresRepository{cfg: PostgresConfig{MediaDir: t.TempDir()}}
	dir := filepath.Join(repo.cfg.MediaDir, "shelf-1")
	now := time.Now().UTC()

	const uploads = 8
	names := make([]string, uploads)
	errs := make([]error, uploads)
	var wg sync.WaitGroup
	for i := 0; i < uploads; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			names[idx], _, errs[idx] = repo.writeUniqueMediaFile(dir, now, "same.jpg", strings.NewReader(fmt.Sprintf("payload %d", idx)))
		}(i)
	}
	wg.Wait()

	seen := make(map[string]struct{}, uploads)
	for i := 0; i < uploads; i++ {
		if errs[i] != nil {
			t.Fatalf("writeUniqueMediaFile %d: %v", i, errs[i])
		}
		if _, dup := seen[names[i]]; dup {
			t.Fatalf("stored name %q assigned twice", names[i])
		}
		seen[names[i]] = struct{}{}

		content, err := os.ReadFile(filepath.Join(dir, names[i]))
		if err != nil {
			t.Fatalf("read media file %d: %v", i, err)
		}
		if string(content) != fmt.Sprintf("payload %d", i) {
			t.Fatalf("upload %d bytes were overwritten: %q", i, content)
		}
	}
}

func TestUpdatePhotoAnalysis(t *testing.T) {
	store := newTestStore(t)
	libraryID := newTestLibrary(t, store)
	photo := savePhoto(t, store, libraryID, "spines.jpg", "bytes")

	processing := models.AnalysisStatusProcessing
	updated, err := store.UpdatePhoto(libraryID, photo.ID, PhotoUpdate{AnalysisStatus: &processing})
	if err != nil {
		t.Fatalf("UpdatePhoto status: %v", err)
	}
	if updated.Analysis.Status != models.AnalysisStatusProcessing {
		t.Fatalf("expected processing, got %q", updated.Analysis.Status)
	}

	completed := time.Now().UTC()
	captured := time.Date(2023, 6, 1, 12, 30, 0, 0, time.UTC)
	analysis := models.Analysis{
		Status:      models.AnalysisStatusReady,
		Books:       []models.Book{{Title: "The Go Programming Language", Author: "Donovan & Kernighan"}},
		CompletedAt: &completed,
	}
	updated, err = store.UpdatePhoto(libraryID, photo.ID, PhotoUpdate{Analysis: &analysis, CaptureDate: &captured})
	if err != nil {
		t.Fatalf("UpdatePhoto analysis: %v", err)
	}
	if updated.Analysis.Status != models.AnalysisStatusReady || len(updated.Analysis.Books) != 1 {
		t.Fatalf("unexpected analysis %+v", updated.Analysis)
	}
	if updated.CaptureDate == nil || !updated.CaptureDate.Equal(captured) {
		t.Fatalf("expected capture date %v, got %v", captured, updated.CaptureDate)
	}

	if _, err := store.UpdatePhoto(libraryID, "missing", PhotoUpdate{AnalysisStatus: &processing}); !errors.Is(err, ErrPhotoNotFound) {
		t.Fatalf("expected ErrPhotoNotFound, got %v", err)
	}
}

func TestDeletePhotoRemovesMedia(t *testing.T) {
	store := newTestStore(t)
	libraryID := newTestLibrary(t, store)
	photo := savePhoto(t, store, libraryID, "spines.jpg", "bytes")

	path, err := store.PhotoFilePath(libraryID, photo.StoredName)
	if err != nil {
		t.Fatalf("PhotoFilePath: %v", err)
	}

	if err := store.DeletePhoto(libraryID, photo.ID); err != nil {
		t.Fatalf("DeletePhoto: %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected media file to be removed, stat err %v", err)
	}
	library, _ := store.GetLibrary(libraryID)
	if library.PhotoCount != 0 {
		t.Fatalf("expected photo count 0, got %d", library.PhotoCount)
	}
	if err := store.DeletePhoto(libraryID, photo.ID); !errors.Is(err, ErrPhotoNotFound) {
		t.Fatalf("expected ErrPhotoNotFound, got %v", err)
	}
}

func TestPendingPhotosOldestFirst(t *testing.T) {
	store := newTestStore(t)
	libraryID := newTestLibrary(t, store)

	first := savePhoto(t, store, libraryID, "first.jpg", "one")
	second := savePhoto(t, store, libraryID, "second.jpg", "two")

	// Terminal states drop out of the pending queue.
	skipped := models.Analysis{Status: models.AnalysisStatusSkipped}
	if _, err := store.UpdatePhoto(libraryID, second.ID, PhotoUpdate{Analysis: &skipped}); err != nil {
		t.Fatalf("UpdatePhoto: %v", err)
	}

	pending, err := store.PendingPhotos()
	if err != nil {
		t.Fatalf("PendingPhotos: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending photo, got %d", len(pending))
	}
	if pending[0].ID != first.ID {
		t.Fatalf("expected first photo pending, got %q", pending[0].ID)
	}
}

func TestPhotoFilePathRejectsTraversal(t *testing.T) {
	store := newTestStore(t)
	libraryID := newTestLibrary(t, store)

	if _, err := store.PhotoFilePath(libraryID, "../store.json"); !errors.Is(err, ErrPhotoNotFound) {
		t.Fatalf("expected ErrPhotoNotFound for traversal, got %v", err)
	}
	if _, err := store.PhotoFilePath(libraryID, ""); !errors.Is(err, ErrPhotoNotFound) {
		t.Fatalf("expected ErrPhotoNotFound for empty name, got %v", err)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	store := newTestStore(t)
	libraryID := newTestLibrary(t, store)
	savePhoto(t, store, libraryID, "spines.jpg", "bytes")

	snapshot, err := store.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	counts := snapshot.Counts()
	if counts.Users != 1 || counts.Libraries != 1 || counts.Photos != 1 {
		t.Fatalf("unexpected counts %+v", counts)
	}
}
