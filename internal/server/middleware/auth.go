package middleware

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"

	"github.com/pdfflex/gatekeeper/internal/identity"
	"github.com/pdfflex/gatekeeper/internal/model"
	"github.com/pdfflex/gatekeeper/internal/service"
)

type contextKeyAuth string

// ValidatedKeyKey is the context key for the key accepted by RequireAPIKey.
const ValidatedKeyKey contextKeyAuth = "validated_key"

// RetryAfterSeconds is sent with quota denials.
const RetryAfterSeconds = 3600

// RequireUser resolves the user behind a key management request. Requests
// without a usable identity get a 401 JSON error.
func RequireUser(resolver identity.Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := resolver.Resolve(r)
			if err != nil || p == nil || p.UserID == "" {
				WriteError(w, http.StatusUnauthorized, "Authentication required", nil)
				return
			}
			Annotate(r.Context(), "user_id", p.UserID)
			next.ServeHTTP(w, r.WithContext(identity.NewContext(r.Context(), p)))
		})
	}
}

// RequireAPIKey guards a route with an API key validated under p. Accepted
// keys are attached to the request context, and the request is counted
// against the key once the wrapped handler answers with a status below 400.
func RequireAPIKey(v *service.Validator, usage *service.UsageRecorder, p service.Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := v.ValidateRequest(r, r.URL.Path, p)
			if err != nil {
				WriteError(w, http.StatusInternalServerError, "Failed to validate API key", nil)
				return
			}
			if !d.Allowed() {
				Annotate(r.Context(), "denied", string(d.Reason))
				WriteDenial(w, d)
				return
			}

			Annotate(r.Context(), "key_id", d.Key.ID, "user_id", d.Key.UserID)
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			ctx := context.WithValue(r.Context(), ValidatedKeyKey, d.Key)
			next.ServeHTTP(ww, r.WithContext(ctx))

			if ww.status < http.StatusBadRequest {
				usage.Record(context.WithoutCancel(r.Context()), d.Key.ID, ClientIP(r))
			}
		})
	}
}

// GetValidatedKey returns the key accepted by RequireAPIKey, or nil.
func GetValidatedKey(ctx context.Context) *service.ValidatedKey {
	if k, ok := ctx.Value(ValidatedKeyKey).(*service.ValidatedKey); ok {
		return k
	}
	return nil
}

// WriteDenial answers a denied validation. Quota denials carry Retry-After
// and the limit, usage and remaining count.
func WriteDenial(w http.ResponseWriter, d service.Decision) {
	var ctx map[string]interface{}
	switch d.Reason {
	case service.ReasonQuotaExceeded, service.ReasonMonthlyQuotaExceeded:
		remaining := d.Limit - d.Used
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds))
		ctx = map[string]interface{}{
			"limit":     d.Limit,
			"used":      d.Used,
			"remaining": remaining,
		}
	}
	WriteError(w, d.Reason.HTTPStatus(), d.Reason.Message(), ctx)
}

// WriteError writes the standard JSON error envelope.
func WriteError(w http.ResponseWriter, status int, message string, ctx map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(model.ErrorResponse{
		Error: model.ErrorDetail{Code: status, Message: message, Context: ctx},
	})
}

// ClientIP returns the caller's address without the port. It expects
// chi's RealIP middleware to have run.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
