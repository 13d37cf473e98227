package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/pdfflex/gatekeeper/internal/identity"
)

// RateLimit returns an HTTP middleware that limits requests per IP address
// to the specified number per minute. Uses a sliding window algorithm.
func RateLimit(requestsPerMinute int) func(http.Handler) http.Handler {
	return httprate.LimitByIP(requestsPerMinute, time.Minute)
}

// Fingerprint maps a presented bearer token to a non-reversible bucket key.
// It reports false for tokens that are not well-formed credentials.
type Fingerprint func(token string) (string, bool)

// RateLimitByCredential limits requests per client IP and, for well-formed
// credentials, additionally per credential fingerprint. Tokens never key a
// bucket in plaintext. It throttles bursts only; the daily and monthly
// quotas live on the key record.
func RateLimitByCredential(requestsPerMinute int, fingerprint Fingerprint) func(http.Handler) http.Handler {
	byIP := httprate.LimitByIP(requestsPerMinute, time.Minute)
	byCredential := httprate.Limit(
		requestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return "cred:" + credentialKey(r, fingerprint), nil
		}),
	)

	return func(next http.Handler) http.Handler {
		limited := byIP(byCredential(next))
		ipOnly := byIP(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if credentialKey(r, fingerprint) == "" {
				ipOnly.ServeHTTP(w, r)
				return
			}
			limited.ServeHTTP(w, r)
		})
	}
}

func credentialKey(r *http.Request, fingerprint Fingerprint) string {
	if fingerprint == nil {
		return ""
	}
	token := identity.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		return ""
	}
	key, ok := fingerprint(token)
	if !ok {
		return ""
	}
	return key
}
