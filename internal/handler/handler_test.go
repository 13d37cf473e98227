package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/pdfflex/gatekeeper/internal/apikey"
	"github.com/pdfflex/gatekeeper/internal/identity"
	"github.com/pdfflex/gatekeeper/internal/model"
	"github.com/pdfflex/gatekeeper/internal/openapi"
	"github.com/pdfflex/gatekeeper/internal/server/middleware"
	"github.com/pdfflex/gatekeeper/internal/service"
	"github.com/pdfflex/gatekeeper/internal/store"
)

const (
	userHeader = "X-User-ID"
	tierHeader = "X-User-Tier"
)

// testEnv holds shared state for handler integration tests.
type testEnv struct {
	store  *store.SQLStore
	issuer *service.Issuer
	router chi.Router
}

// newTestEnv wires the handlers over an in-memory SQLite store. User routes
// trust the X-User-ID header.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.NewMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gen := apikey.NewGenerator("")
	hasher := apikey.NewHasher(nil)
	issuer := service.NewIssuer(st, gen, hasher, service.IssuerConfig{
		FreeTierLimit:    1,
		PremiumTierLimit: 5,
		ExpirationDays:   365,
	}, logger)
	validator := service.NewValidator(st, gen, hasher, apikey.TierRules{PremiumPrefixes: apikey.DefaultPremiumEndpoints}, logger)
	usage := service.NewUsageRecorder(st, logger)

	keys := NewKeyHandler(issuer, service.NewKeyManager(st, logger), logger)
	verify := NewVerifyHandler(validator, usage)
	system := NewSystemHandler(st, openapi.Generate("http://localhost", "test"))

	r := chi.NewRouter()
	r.Get("/healthz", system.Healthz)
	r.Get("/readyz", system.Readyz)
	r.Get("/openapi.json", system.OpenAPI)
	r.Route("/api/user/api-keys", func(r chi.Router) {
		r.Use(middleware.RequireUser(identity.NewHeaderResolver(userHeader, tierHeader)))
		r.Get("/", keys.List)
		r.Post("/", keys.Issue)
		r.Post("/generate", keys.Issue)
		r.Get("/usage", keys.Usage)
		r.Get("/{keyId}", keys.Get)
		r.Patch("/{keyId}", keys.Update)
		r.Delete("/{keyId}", keys.Revoke)
	})
	r.Get("/api/v1/auth/verify", verify.Verify)
	r.Post("/api/v1/auth/verify", verify.Verify)

	return &testEnv{store: st, issuer: issuer, router: r}
}

// do executes a request as userID (empty for anonymous).
func (e *testEnv) do(t *testing.T, method, path, userID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		if s, ok := body.(string); ok {
			rd = bytes.NewBufferString(s)
		} else {
			buf := &bytes.Buffer{}
			require.NoError(t, json.NewEncoder(buf).Encode(body))
			rd = buf
		}
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set(userHeader, userID)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

// verify calls the forward-auth route with key for endpoint.
func (e *testEnv) verify(t *testing.T, key, query string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", "/api/v1/auth/verify"+query, nil)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

// issue creates a key for userID through the HTTP route.
func (e *testEnv) issue(t *testing.T, userID string, body map[string]interface{}) service.IssuedKey {
	t.Helper()
	if body == nil {
		body = map[string]interface{}{}
	}
	if _, ok := body["name"]; !ok {
		body["name"] = "test key"
	}
	rr := e.do(t, "POST", "/api/user/api-keys/generate", userID, body)
	require.Equal(t, 201, rr.Code, rr.Body.String())
	var issued service.IssuedKey
	decodeJSON(t, rr, &issued)
	return issued
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rr.Body).Decode(v), rr.Body.String())
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) model.ErrorDetail {
	t.Helper()
	var resp model.ErrorResponse
	decodeJSON(t, rr, &resp)
	return resp.Error
}
