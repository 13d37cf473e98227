package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-faster/errors"

	"github.com/pdfflex/gatekeeper/internal/model"
	"github.com/pdfflex/gatekeeper/internal/service"
)

// maxBodyBytes caps request bodies. Key management payloads are small.
const maxBodyBytes = 64 << 10

// writeJSON serializes v as JSON and writes it to the response with the given
// HTTP status code. The Content-Type header is set to application/json.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a structured error response using the standard error
// envelope. The optional ctx map provides additional context fields.
func writeError(w http.ResponseWriter, code int, message string, ctx ...map[string]interface{}) {
	var ctxMap map[string]interface{}
	if len(ctx) > 0 {
		ctxMap = ctx[0]
	}
	writeJSON(w, code, model.ErrorResponse{
		Error: model.ErrorDetail{
			Code:    code,
			Message: message,
			Context: ctxMap,
		},
	})
}

// readJSON decodes the request body as JSON into v. The body is closed after
// decoding regardless of success or failure.
func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

// queryBool extracts a boolean query parameter. Returns def if the parameter
// is missing or not one of "true"/"1"/"false"/"0".
func queryBool(r *http.Request, key string, def bool) bool {
	switch r.URL.Query().Get(key) {
	case "true", "1":
		return true
	case "false", "0":
		return false
	}
	return def
}

// writeServiceError maps a service error to a response. Unexpected errors
// are logged and answered with a generic message so store details never
// reach the client.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error, fallback string) {
	var verr *service.ValidationError
	var qerr *service.QuotaError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error(), map[string]interface{}{"field": verr.Field})
	case errors.As(err, &qerr):
		writeError(w, http.StatusTooManyRequests, qerr.Error(), map[string]interface{}{
			"tier":        qerr.Tier,
			"maxKeys":     qerr.Max,
			"currentKeys": qerr.Current,
		})
	case errors.Is(err, service.ErrNotFound), errors.Is(err, service.ErrForbidden):
		// Another user's key answers exactly like a missing one.
		writeError(w, http.StatusNotFound, "API key not found")
	case errors.Is(err, service.ErrTerminalStatus):
		writeError(w, http.StatusConflict, "API key is revoked or expired")
	default:
		logger.Error(fallback, "error", err)
		writeError(w, http.StatusInternalServerError, fallback)
	}
}
