package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pdfflex/gatekeeper/internal/store"
)

// SystemHandler serves health checks and the API description.
type SystemHandler struct {
	store   store.Store
	doc     *openapi3.T
	timeout time.Duration

	once sync.Once
	spec []byte
	err  error
}

// NewSystemHandler creates a new SystemHandler. doc may be nil, in which
// case /openapi.json answers 404.
func NewSystemHandler(st store.Store, doc *openapi3.T) *SystemHandler {
	return &SystemHandler{store: st, doc: doc, timeout: 2 * time.Second}
}

// Healthz reports that the process is serving.
// GET /healthz
func (h *SystemHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz reports whether the credential store answers.
// GET /readyz
func (h *SystemHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Credential store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// OpenAPI serves the API description as JSON.
// GET /openapi.json
func (h *SystemHandler) OpenAPI(w http.ResponseWriter, r *http.Request) {
	if h.doc == nil {
		writeError(w, http.StatusNotFound, "No API description configured")
		return
	}
	h.once.Do(func() {
		h.spec, h.err = json.Marshal(h.doc)
	})
	if h.err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to render API description")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(h.spec)
}
