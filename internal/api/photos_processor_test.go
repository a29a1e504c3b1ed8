package api

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"shelfscan/internal/models"
	"shelfscan/internal/storage"
	"shelfscan/internal/vision"
)

type stubAnalyzer struct {
	enabled bool
	result  vision.Result
	err     error
}

func (s stubAnalyzer) Enabled() bool { return s.enabled }

func (s stubAnalyzer) AnalyzeImage(context.Context, []byte, string) (vision.Result, error) {
	return s.result, s.err
}

func (s stubAnalyzer) Health(context.Context) error { return nil }

func newProcessorFixture(t *testing.T, analyzer vision.Analyzer) (storage.Repository, models.Photo, *PhotoProcessor) {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewStorage returned error: %v", err)
	}
	user, err := store.CreateUser(storage.CreateUserParams{
		DisplayName: "Owner",
		Email:       "owner@example.com",
		Password:    "password123",
	})
	if err != nil {
		t.Fatalf("CreateUser returned error: %v", err)
	}
	if _, err := store.CreateLibrary(storage.CreateLibraryParams{ID: "study", OwnerID: user.ID}); err != nil {
		t.Fatalf("CreateLibrary returned error: %v", err)
	}
	photo, err := store.SavePhoto(storage.SavePhotoParams{
		LibraryID:    "study",
		OriginalName: "spines.jpg",
		UploaderID:   user.ID,
		Analysis:     models.Analysis{Status: models.AnalysisStatusPending},
	}, bytes.NewReader([]byte("jpeg-bytes")))
	if err != nil {
		t.Fatalf("SavePhoto returned error: %v", err)
	}
	processor := NewPhotoProcessor(PhotoProcessorConfig{
		Store:    store,
		Analyzer: analyzer,
		Workers:  1,
		Timeout:  5 * time.Second,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = processor.Shutdown(ctx)
	})
	return store, photo, processor
}

func waitForAnalysisStatus(t *testing.T, store storage.Repository, libraryID, photoID, want string) models.Photo {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		photo, ok := store.GetPhoto(libraryID, photoID)
		if ok && photo.Analysis.Status == want {
			return photo
		}
		time.Sleep(10 * time.Millisecond)
	}
	photo, _ := store.GetPhoto(libraryID, photoID)
	t.Fatalf("photo never reached status %q, last seen %q", want, photo.Analysis.Status)
	return models.Photo{}
}

func TestProcessorMarksPhotoReady(t *testing.T) {
	store, photo, processor := newProcessorFixture(t, stubAnalyzer{
		enabled: true,
		result: vision.Result{Books: []models.Book{
			{Title: "Dune", Author: "Frank Herbert", Publisher: "Chilton"},
		}},
	})

	processor.Start()
	processor.Enqueue(photo.LibraryID, photo.ID)

	got := waitForAnalysisStatus(t, store, photo.LibraryID, photo.ID, models.AnalysisStatusReady)
	if len(got.Analysis.Books) != 1 || got.Analysis.Books[0].Title != "Dune" {
		t.Fatalf("unexpected analysis books %+v", got.Analysis.Books)
	}
	if got.Analysis.CompletedAt == nil {
		t.Fatalf("expected a completion timestamp")
	}
}

func TestProcessorRecordsFailure(t *testing.T) {
	store, photo, processor := newProcessorFixture(t, stubAnalyzer{
		enabled: true,
		err:     fmt.Errorf("backend returned status 500"),
	})

	processor.Start()
	processor.Enqueue(photo.LibraryID, photo.ID)

	got := waitForAnalysisStatus(t, store, photo.LibraryID, photo.ID, models.AnalysisStatusFailed)
	if got.Analysis.Reason != "backend returned status 500" {
		t.Fatalf("unexpected failure reason %q", got.Analysis.Reason)
	}
}

func TestProcessorSkipsWithoutAnalyzer(t *testing.T) {
	store, photo, processor := newProcessorFixture(t, vision.NoopAnalyzer{})

	processor.Start()
	processor.Enqueue(photo.LibraryID, photo.ID)

	got := waitForAnalysisStatus(t, store, photo.LibraryID, photo.ID, models.AnalysisStatusSkipped)
	if got.Analysis.Reason == "" {
		t.Fatalf("expected a skip reason")
	}
}

func TestProcessorRecoversPendingOnStart(t *testing.T) {
	store, photo, processor := newProcessorFixture(t, stubAnalyzer{enabled: true})

	// No explicit Enqueue: the startup sweep should find the pending record.
	processor.Start()

	waitForAnalysisStatus(t, store, photo.LibraryID, photo.ID, models.AnalysisStatusReady)
}

func TestProcessorShutdownStopsWorkers(t *testing.T) {
	_, _, processor := newProcessorFixture(t, stubAnalyzer{enabled: true})
	processor.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := processor.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}

	// Enqueue after shutdown must not block.
	done := make(chan struct{})
	go func() {
		processor.Enqueue("study", "p1")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Enqueue blocked after shutdown")
	}
}
