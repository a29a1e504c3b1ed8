package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"shelfscan/internal/auth"
	"shelfscan/internal/observability/metrics"
	"shelfscan/internal/storage"
	"shelfscan/internal/vision"
)

// Pinger reports backend reachability for health checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	Store               storage.Repository
	Sessions            *auth.SessionManager
	Analyzer            vision.Analyzer
	Processor           *PhotoProcessor
	RateLimiter         Pinger
	SessionCookiePolicy SessionCookiePolicy
	AllowSelfSignup     bool
}

func NewHandler(store storage.Repository, sessions *auth.SessionManager) *Handler {
	if sessions == nil {
		sessions = auth.NewSessionManager(24 * time.Hour)
	}
	return &Handler{
		Store:           store,
		Sessions:        sessions,
		Analyzer:        vision.NoopAnalyzer{},
		AllowSelfSignup: true,
	}
}

func (h *Handler) sessionManager() *auth.SessionManager {
	if h.Sessions == nil {
		h.Sessions = auth.NewSessionManager(24 * time.Hour)
	}
	return h.Sessions
}

func (h *Handler) analyzer() vision.Analyzer {
	if h.Analyzer == nil {
		return vision.NoopAnalyzer{}
	}
	return h.Analyzer
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	components, status, code := h.componentHealth(r.Context())
	for _, component := range components {
		metrics.SetComponentHealth(component.Component, component.Status)
	}
	writeJSON(w, code, map[string]interface{}{
		"status":     status,
		"components": components,
	})
}
