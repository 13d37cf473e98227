package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/pdfflex/gatekeeper/internal/model"
	"github.com/pdfflex/gatekeeper/internal/server/middleware"
	"github.com/pdfflex/gatekeeper/internal/service"
)

// Headers set on a successful verification.
const (
	HeaderKeyID   = "X-Key-Id"
	HeaderUserID  = "X-User-Id"
	HeaderKeyTier = "X-Key-Tier"
)

// VerifyHandler is the forward-auth endpoint a reverse proxy or an upstream
// route handler calls before serving a request with an API key.
type VerifyHandler struct {
	validator *service.Validator
	usage     *service.UsageRecorder
}

// NewVerifyHandler creates a new VerifyHandler.
func NewVerifyHandler(validator *service.Validator, usage *service.UsageRecorder) *VerifyHandler {
	return &VerifyHandler{validator: validator, usage: usage}
}

// Verify validates the bearer key for the forwarded endpoint and counts the
// request on success. Pass ?record=false (or 0) to check without counting.
// GET|POST /api/v1/auth/verify
func (h *VerifyHandler) Verify(w http.ResponseWriter, r *http.Request) {
	policy := service.BasicPolicy()
	if model.Tier(r.URL.Query().Get("tier")) == model.TierPremium {
		policy = service.PremiumPolicy()
	}
	policy.CheckTierPaths = true

	d, err := h.validator.ValidateRequest(r, forwardedEndpoint(r), policy)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to validate API key")
		return
	}
	if !d.Allowed() {
		middleware.Annotate(r.Context(), "denied", string(d.Reason))
		middleware.WriteDenial(w, d)
		return
	}

	middleware.Annotate(r.Context(), "key_id", d.Key.ID, "user_id", d.Key.UserID)
	w.Header().Set(HeaderKeyID, d.Key.ID)
	w.Header().Set(HeaderUserID, d.Key.UserID)
	w.Header().Set(HeaderKeyTier, string(d.Key.Tier))
	writeJSON(w, http.StatusOK, d.Key)

	if queryBool(r, "record", true) {
		h.usage.Record(context.WithoutCancel(r.Context()), d.Key.ID, middleware.ClientIP(r))
	}
}

// forwardedEndpoint returns the path being accessed upstream, without its
// query string.
func forwardedEndpoint(r *http.Request) string {
	endpoint := r.URL.Query().Get("endpoint")
	if endpoint == "" {
		endpoint = r.Header.Get("X-Forwarded-Uri")
	}
	if endpoint == "" {
		endpoint = r.Header.Get("X-Original-URI")
	}
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		endpoint = endpoint[:i]
	}
	return endpoint
}
