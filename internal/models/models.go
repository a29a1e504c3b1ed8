package models

import (
	"strings"
	"time"
)

type User struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"displayName"`
	Email        string    `json:"email"`
	Roles        []string  `json:"roles"`
	PasswordHash string    `json:"passwordHash,omitempty"`
	SelfSignup   bool      `json:"selfSignup"`
	CreatedAt    time.Time `json:"createdAt"`
}

// HasRole reports whether the user has the provided role, ignoring case.
func (u User) HasRole(role string) bool {
	for _, existing := range u.Roles {
		if strings.EqualFold(existing, role) {
			return true
		}
	}
	return false
}

// Library is a named shelf of spine photos backed by a directory on disk.
type Library struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	OwnerID    string    `json:"ownerId"`
	PhotoCount int       `json:"photoCount"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Analysis lifecycle statuses for an uploaded photo.
const (
	AnalysisStatusPending    = "pending"
	AnalysisStatusProcessing = "processing"
	AnalysisStatusReady      = "ready"
	AnalysisStatusFailed     = "failed"
	AnalysisStatusSkipped    = "skipped"
)

// Book holds the text extracted from a single spine in a photo.
type Book struct {
	Title     string `json:"title"`
	Author    string `json:"author"`
	Publisher string `json:"publisher"`
}

// Analysis records the outcome of running a photo through the vision model.
// Exactly one of Books, Raw, or Reason is populated depending on Status.
type Analysis struct {
	Status      string     `json:"status"`
	Books       []Book     `json:"books,omitempty"`
	Raw         string     `json:"raw,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

type Photo struct {
	ID           string     `json:"id"`
	LibraryID    string     `json:"libraryId"`
	StoredName   string     `json:"storedName"`
	OriginalName string     `json:"originalName"`
	UploaderID   string     `json:"uploaderId"`
	SizeBytes    int64      `json:"sizeBytes"`
	ContentType  string     `json:"contentType,omitempty"`
	CaptureDate  *time.Time `json:"captureDate,omitempty"`
	Analysis     Analysis   `json:"analysis"`
	UploadedAt   time.Time  `json:"uploadedAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}
