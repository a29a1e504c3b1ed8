package storage

import (
	"context"
	"io"

	"shelfscan/internal/models"
)

// Repository exposes the datastore operations required by the API handlers
// and the photo analysis pipeline.
type Repository interface {
	Ping(ctx context.Context) error
	MediaRoot() string

	CreateUser(params CreateUserParams) (models.User, error)
	AuthenticateUser(email, password string) (models.User, error)
	ListUsers() []models.User
	GetUser(id string) (models.User, bool)
	FindUserByEmail(email string) (models.User, bool)
	UpdateUser(id string, update UserUpdate) (models.User, error)
	SetUserPassword(id, password string) (models.User, error)
	DeleteUser(id string) error

	CreateLibrary(params CreateLibraryParams) (models.Library, error)
	ListLibraries() []models.Library
	GetLibrary(id string) (models.Library, bool)
	DeleteLibrary(id string) error

	SavePhoto(params SavePhotoParams, content io.Reader) (models.Photo, error)
	ListPhotos(libraryID string) ([]models.Photo, error)
	GetPhoto(libraryID, photoID string) (models.Photo, bool)
	UpdatePhoto(libraryID, photoID string, update PhotoUpdate) (models.Photo, error)
	DeletePhoto(libraryID, photoID string) error
	PendingPhotos() ([]models.Photo, error)
	PhotoFilePath(libraryID, storedName string) (string, error)
}

var _ Repository = (*Storage)(nil)
