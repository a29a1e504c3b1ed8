package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"shelfscan/internal/models"
	"shelfscan/internal/storage"
)

type createLibraryRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type libraryResponse struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	OwnerID    string `json:"ownerId"`
	PhotoCount int    `json:"photoCount"`
	CreatedAt  string `json:"createdAt"`
	UpdatedAt  string `json:"updatedAt"`
}

func newLibraryResponse(library models.Library) libraryResponse {
	return libraryResponse{
		ID:         library.ID,
		Name:       library.Name,
		OwnerID:    library.OwnerID,
		PhotoCount: library.PhotoCount,
		CreatedAt:  library.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:  library.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func (h *Handler) Libraries(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if _, ok := h.requireAuthenticatedUser(w, r); !ok {
			return
		}
		libraries := h.Store.ListLibraries()
		response := make([]libraryResponse, 0, len(libraries))
		for _, library := range libraries {
			response = append(response, newLibraryResponse(library))
		}
		writeJSON(w, http.StatusOK, response)
	case http.MethodPost:
		actor, ok := h.requireAuthenticatedUser(w, r)
		if !ok {
			return
		}
		var req createLibraryRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		library, err := h.Store.CreateLibrary(storage.CreateLibraryParams{
			ID:      req.ID,
			Name:    req.Name,
			OwnerID: actor.ID,
		})
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, storage.ErrLibraryExists) {
				status = http.StatusConflict
			}
			writeError(w, status, err)
			return
		}
		writeJSON(w, http.StatusCreated, newLibraryResponse(library))
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

// LibraryByID dispatches /api/libraries/{id} and the nested photo routes.
func (h *Handler) LibraryByID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/api/libraries/")
	parts := strings.Split(strings.Trim(trimmed, "/"), "/")
	libraryID := strings.TrimSpace(parts[0])
	if libraryID == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("library id missing"))
		return
	}

	library, exists := h.Store.GetLibrary(libraryID)
	if !exists {
		writeError(w, http.StatusNotFound, fmt.Errorf("library %s not found", libraryID))
		return
	}

	if len(parts) > 1 && parts[1] == "photos" {
		h.libraryPhotos(w, r, library, parts[2:])
		return
	}

	switch r.Method {
	case http.MethodGet:
		if _, ok := h.requireAuthenticatedUser(w, r); !ok {
			return
		}
		writeJSON(w, http.StatusOK, newLibraryResponse(library))
	case http.MethodDelete:
		if _, ok := h.ensureLibraryAccess(w, r, library); !ok {
			return
		}
		if err := h.Store.DeleteLibrary(libraryID); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "GET, DELETE")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}
