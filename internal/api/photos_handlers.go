package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"shelfscan/internal/models"
	"shelfscan/internal/observability/metrics"
	"shelfscan/internal/storage"
)

type bookResponse struct {
	Title     string `json:"title"`
	Author    string `json:"author"`
	Publisher string `json:"publisher"`
}

type analysisResponse struct {
	Status      string         `json:"status"`
	Books       []bookResponse `json:"books,omitempty"`
	Raw         string         `json:"raw,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	CompletedAt *string        `json:"completedAt,omitempty"`
}

type photoResponse struct {
	ID           string           `json:"id"`
	LibraryID    string           `json:"libraryId"`
	StoredName   string           `json:"storedName"`
	OriginalName string           `json:"originalName"`
	UploaderID   string           `json:"uploaderId"`
	SizeBytes    int64            `json:"sizeBytes"`
	ContentType  string           `json:"contentType,omitempty"`
	CaptureDate  *string          `json:"captureDate,omitempty"`
	Analysis     analysisResponse `json:"analysis"`
	UploadedAt   string           `json:"uploadedAt"`
	UpdatedAt    string           `json:"updatedAt"`
}

func newAnalysisResponse(analysis models.Analysis) analysisResponse {
	resp := analysisResponse{
		Status: analysis.Status,
		Raw:    analysis.Raw,
		Reason: analysis.Reason,
	}
	if len(analysis.Books) > 0 {
		books := make([]bookResponse, 0, len(analysis.Books))
		for _, book := range analysis.Books {
			books = append(books, bookResponse(book))
		}
		resp.Books = books
	}
	if analysis.CompletedAt != nil {
		completed := analysis.CompletedAt.Format(time.RFC3339Nano)
		resp.CompletedAt = &completed
	}
	return resp
}

func newPhotoResponse(photo models.Photo) photoResponse {
	resp := photoResponse{
		ID:           photo.ID,
		LibraryID:    photo.LibraryID,
		StoredName:   photo.StoredName,
		OriginalName: photo.OriginalName,
		UploaderID:   photo.UploaderID,
		SizeBytes:    photo.SizeBytes,
		ContentType:  photo.ContentType,
		Analysis:     newAnalysisResponse(photo.Analysis),
		UploadedAt:   photo.UploadedAt.Format(time.RFC3339Nano),
		UpdatedAt:    photo.UpdatedAt.Format(time.RFC3339Nano),
	}
	if photo.CaptureDate != nil {
		captured := photo.CaptureDate.Format(time.RFC3339Nano)
		resp.CaptureDate = &captured
	}
	return resp
}

func (h *Handler) libraryPhotos(w http.ResponseWriter, r *http.Request, library models.Library, rest []string) {
	if len(rest) == 0 || rest[0] == "" {
		switch r.Method {
		case http.MethodGet:
			h.listPhotos(w, r, library)
		case http.MethodPost:
			h.uploadPhoto(w, r, library)
		default:
			w.Header().Set("Allow", "GET, POST")
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		}
		return
	}

	photoID := strings.TrimSpace(rest[0])
	photo, exists := h.Store.GetPhoto(library.ID, photoID)
	if !exists {
		writeError(w, http.StatusNotFound, fmt.Errorf("photo %s not found", photoID))
		return
	}

	if len(rest) > 1 && rest[1] == "media" {
		h.servePhotoMedia(w, r, photo)
		return
	}

	switch r.Method {
	case http.MethodGet:
		if _, ok := h.requireAuthenticatedUser(w, r); !ok {
			return
		}
		writeJSON(w, http.StatusOK, newPhotoResponse(photo))
	case http.MethodDelete:
		if _, ok := h.ensureLibraryAccess(w, r, library); !ok {
			return
		}
		if err := h.Store.DeletePhoto(library.ID, photoID); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "GET, DELETE")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

func (h *Handler) listPhotos(w http.ResponseWriter, r *http.Request, library models.Library) {
	if _, ok := h.requireAuthenticatedUser(w, r); !ok {
		return
	}
	photos, err := h.Store.ListPhotos(library.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	response := make([]photoResponse, 0, len(photos))
	for _, photo := range photos {
		response = append(response, newPhotoResponse(photo))
	}
	writeJSON(w, http.StatusOK, response)
}

// uploadPhoto accepts a multipart form with a single "photo" part, streams it
// into the library directory, and hands the new record to the analysis
// pipeline. The response is 202 because analysis completes asynchronously.
func (h *Handler) uploadPhoto(w http.ResponseWriter, r *http.Request, library models.Library) {
	actor, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, storage.MaxPhotoSizeBytes)
	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid multipart payload"))
		return
	}

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if isBodyTooLarge(err) {
				writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("photo exceeds %d bytes", storage.MaxPhotoSizeBytes))
				return
			}
			writeError(w, http.StatusBadRequest, fmt.Errorf("read multipart data: %w", err))
			return
		}
		if part.FormName() != "photo" {
			_ = part.Close()
			continue
		}

		originalName := part.FileName()
		if strings.TrimSpace(originalName) == "" {
			_ = part.Close()
			writeError(w, http.StatusBadRequest, fmt.Errorf("filename is required"))
			return
		}
		if !storage.AllowedPhotoExtension(originalName) {
			_ = part.Close()
			writeError(w, http.StatusBadRequest, fmt.Errorf("unsupported file type"))
			return
		}

		analysis := models.Analysis{Status: models.AnalysisStatusPending}
		if !h.analyzer().Enabled() {
			analysis = models.Analysis{
				Status: models.AnalysisStatusSkipped,
				Reason: "analysis backend not configured",
			}
		}

		photo, saveErr := h.Store.SavePhoto(storage.SavePhotoParams{
			LibraryID:    library.ID,
			OriginalName: originalName,
			UploaderID:   actor.ID,
			ContentType:  part.Header.Get("Content-Type"),
			Analysis:     analysis,
		}, part)
		_ = part.Close()
		if saveErr != nil {
			if isBodyTooLarge(saveErr) {
				writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("photo exceeds %d bytes", storage.MaxPhotoSizeBytes))
				return
			}
			writeError(w, http.StatusBadRequest, saveErr)
			return
		}

		metrics.PhotoUploaded()
		if photo.Analysis.Status == models.AnalysisStatusPending && h.Processor != nil {
			h.Processor.Enqueue(photo.LibraryID, photo.ID)
		}
		writeJSON(w, http.StatusAccepted, newPhotoResponse(photo))
		return
	}

	writeError(w, http.StatusBadRequest, fmt.Errorf("photo part is required"))
}

func isBodyTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func (h *Handler) servePhotoMedia(w http.ResponseWriter, r *http.Request, photo models.Photo) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if _, ok := h.requireAuthenticatedUser(w, r); !ok {
		return
	}

	path, err := h.Store.PhotoFilePath(photo.LibraryID, photo.StoredName)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("media unavailable"))
		return
	}
	file, err := os.Open(path)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("media unavailable"))
		return
	}
	defer file.Close()
	stat, err := file.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("media stat failed"))
		return
	}

	contentType := strings.TrimSpace(photo.ContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "private, max-age=300")
	http.ServeContent(w, r, photo.OriginalName, stat.ModTime(), file)
}
