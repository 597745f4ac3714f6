package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rapidtriage/triage/internal/model"
	"github.com/rapidtriage/triage/internal/server/middleware"
	"github.com/rapidtriage/triage/internal/service"
	"github.com/rapidtriage/triage/internal/store"
)

// KeyHandler serves the API key management endpoints.
type KeyHandler struct {
	keys *service.KeyService
}

// NewKeyHandler creates a KeyHandler.
func NewKeyHandler(keys *service.KeyService) *KeyHandler {
	return &KeyHandler{keys: keys}
}

// keyView is the wire representation of an API key. The hash never leaves
// the server; only the display prefix does.
type keyView struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	KeyPrefix    string     `json:"key_prefix"`
	Scopes       []string   `json:"scopes"`
	Tier         string     `json:"tier"`
	RateLimit    int        `json:"rate_limit,omitempty"`
	IsActive     bool       `json:"is_active"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	RequestCount int64      `json:"request_count"`
}

func toKeyView(k model.APIKey) keyView {
	scopes := make([]string, len(k.Scopes))
	for i, s := range k.Scopes {
		scopes[i] = string(s)
	}
	return keyView{
		ID:           k.ID,
		Name:         k.DisplayName,
		KeyPrefix:    k.KeyPrefix,
		Scopes:       scopes,
		Tier:         string(k.Tier),
		RateLimit:    k.RateLimitOverride,
		IsActive:     k.IsActive,
		ExpiresAt:    k.ExpiresAt,
		CreatedAt:    k.CreatedAt,
		LastUsedAt:   k.LastUsedAt,
		RequestCount: k.RequestCount,
	}
}

// Create mints a new API key. The raw secret appears in this response and
// nowhere else, ever.
func (h *KeyHandler) Create(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())

	var req service.IssueKeyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "")
		return
	}

	issued, err := h.keys.Issue(r.Context(), principal, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	view := toKeyView(issued.Key)
	writeJSON(w, http.StatusCreated, struct {
		keyView
		Key string `json:"key"`
	}{view, issued.Secret})
}

// List returns the caller's keys. Hashes and secrets are never included.
func (h *KeyHandler) List(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())

	keys, err := h.keys.List(r.Context(), principal)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	views := make([]keyView, len(keys))
	for i, k := range keys {
		views[i] = toKeyView(k)
	}
	writeJSON(w, http.StatusOK, struct {
		Resource []keyView           `json:"resource"`
		Meta     *model.ResponseMeta `json:"meta"`
	}{views, &model.ResponseMeta{Count: len(views)}})
}

// Revoke deactivates a key by ID.
func (h *KeyHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	keyID := chi.URLParam(r, "keyId")

	if err := h.keys.Revoke(r.Context(), principal, keyID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": keyID, "revoked": true})
}

// writeServiceError maps service-layer errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error(), "")
	case errors.Is(err, service.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error(), model.ReasonInsufficientScope)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "key not found", model.ReasonNotFound)
	default:
		writeError(w, http.StatusServiceUnavailable, "backend unavailable", model.ReasonBackendUnavailable)
	}
}
