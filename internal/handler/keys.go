package handler

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pdfflex/gatekeeper/internal/identity"
	"github.com/pdfflex/gatekeeper/internal/model"
	"github.com/pdfflex/gatekeeper/internal/server/middleware"
	"github.com/pdfflex/gatekeeper/internal/service"
)

// KeyHandler serves a user's key management routes. Every route expects
// middleware.RequireUser to have run.
type KeyHandler struct {
	issuer *service.Issuer
	keys   *service.KeyManager
	logger *slog.Logger
}

// NewKeyHandler creates a new KeyHandler.
func NewKeyHandler(issuer *service.Issuer, keys *service.KeyManager, logger *slog.Logger) *KeyHandler {
	return &KeyHandler{issuer: issuer, keys: keys, logger: logger}
}

func principal(r *http.Request) identity.Principal {
	if p := identity.FromContext(r.Context()); p != nil {
		return *p
	}
	return identity.Principal{}
}

// issueKeyRequest is the expected payload for Issue.
type issueKeyRequest struct {
	Name         string     `json:"name"`
	Description  string     `json:"description"`
	Tier         model.Tier `json:"tier"`
	DailyLimit   *int64     `json:"dailyLimit"`
	MonthlyLimit *int64     `json:"monthlyLimit"`
	ExpiresAt    *string    `json:"expiresAt"`
}

// Issue creates a key and returns its plaintext exactly once.
// POST /api/user/api-keys/generate
// POST /api/user/api-keys
func (h *KeyHandler) Issue(w http.ResponseWriter, r *http.Request) {
	var req issueKeyRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	var expiresAt *time.Time
	if req.ExpiresAt != nil && *req.ExpiresAt != "" {
		t, err := service.ParseExpiry(*req.ExpiresAt)
		if err != nil {
			writeServiceError(w, h.logger, err, "Failed to create API key")
			return
		}
		expiresAt = t
	}

	issued, err := h.issuer.Issue(r.Context(), principal(r), service.IssueRequest{
		Name:         req.Name,
		Description:  req.Description,
		Tier:         req.Tier,
		DailyLimit:   req.DailyLimit,
		MonthlyLimit: req.MonthlyLimit,
		ExpiresAt:    expiresAt,
	}, middleware.ClientIP(r))
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to create API key")
		return
	}
	middleware.Annotate(r.Context(), "key_id", issued.ID)
	writeJSON(w, http.StatusCreated, issued)
}

// List returns the caller's keys without secrets.
// GET /api/user/api-keys
func (h *KeyHandler) List(w http.ResponseWriter, r *http.Request) {
	keys, err := h.keys.List(r.Context(), principal(r).UserID)
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to list API keys")
		return
	}
	if keys == nil {
		keys = []model.APIKey{}
	}
	writeJSON(w, http.StatusOK, model.KeyListResponse{Keys: keys, Total: len(keys)})
}

// Get returns one of the caller's keys.
// GET /api/user/api-keys/{keyId}
func (h *KeyHandler) Get(w http.ResponseWriter, r *http.Request) {
	key, err := h.keys.Get(r.Context(), principal(r).UserID, chi.URLParam(r, "keyId"))
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to get API key")
		return
	}
	writeJSON(w, http.StatusOK, key)
}

// nullableLimit distinguishes an absent limit from an explicit null.
type nullableLimit struct {
	Set   bool
	Value *int64
}

func (n *nullableLimit) UnmarshalJSON(b []byte) error {
	n.Set = true
	if bytes.Equal(b, []byte("null")) {
		n.Value = nil
		return nil
	}
	var v int64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	n.Value = &v
	return nil
}

// updateKeyRequest is the expected payload for Update.
type updateKeyRequest struct {
	Name             *string       `json:"name"`
	Description      *string       `json:"description"`
	Status           *model.Status `json:"status"`
	DailyLimit       nullableLimit `json:"dailyLimit"`
	MonthlyLimit     nullableLimit `json:"monthlyLimit"`
	AllowedEndpoints *[]string     `json:"allowedEndpoints"`
	AllowedOrigins   *[]string     `json:"allowedOrigins"`
}

func (req updateKeyRequest) toUpdate() service.KeyUpdate {
	u := service.KeyUpdate{
		Name:             req.Name,
		Description:      req.Description,
		Status:           req.Status,
		AllowedEndpoints: req.AllowedEndpoints,
		AllowedOrigins:   req.AllowedOrigins,
	}
	if req.DailyLimit.Set {
		u.DailyLimit = req.DailyLimit.Value
		u.ClearDailyLimit = req.DailyLimit.Value == nil
	}
	if req.MonthlyLimit.Set {
		u.MonthlyLimit = req.MonthlyLimit.Value
		u.ClearMonthlyLimit = req.MonthlyLimit.Value == nil
	}
	return u
}

// Update edits one of the caller's keys.
// PATCH /api/user/api-keys/{keyId}
func (h *KeyHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req updateKeyRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	key, err := h.keys.Update(r.Context(), principal(r).UserID, chi.URLParam(r, "keyId"), req.toUpdate())
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to update API key")
		return
	}
	writeJSON(w, http.StatusOK, key)
}

// Revoke permanently disables one of the caller's keys.
// DELETE /api/user/api-keys/{keyId}
func (h *KeyHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	key, err := h.keys.Revoke(r.Context(), principal(r).UserID, chi.URLParam(r, "keyId"))
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to revoke API key")
		return
	}
	writeJSON(w, http.StatusOK, key)
}

// Usage summarizes request counts across the caller's keys.
// GET /api/user/api-keys/usage
func (h *KeyHandler) Usage(w http.ResponseWriter, r *http.Request) {
	sum, err := h.keys.Usage(r.Context(), principal(r).UserID)
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to load API key usage")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
