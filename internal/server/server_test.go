package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdfflex/gatekeeper/internal/apikey"
	"github.com/pdfflex/gatekeeper/internal/identity"
	"github.com/pdfflex/gatekeeper/internal/model"
	"github.com/pdfflex/gatekeeper/internal/service"
	"github.com/pdfflex/gatekeeper/internal/store"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

const testJWTSecret = "test-secret-for-jwt-integration-tests"

// testEnv holds all the shared state for integration tests.
type testEnv struct {
	server *Server
	store  *store.SQLStore
	jwt    *identity.JWTResolver
}

// newTestEnv creates a Server over an in-memory store. Users authenticate
// with HS256 session tokens.
func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()

	st, err := store.NewMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	jwtResolver, err := identity.NewJWTResolver(testJWTSecret, "")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gen := apikey.NewGenerator("")
	hasher := apikey.NewHasher([]byte("pepper"))

	cfg := DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	srv := New(cfg, Deps{
		Store:     st,
		Validator: service.NewValidator(st, gen, hasher, apikey.TierRules{PremiumPrefixes: apikey.DefaultPremiumEndpoints}, logger),
		Usage:     service.NewUsageRecorder(st, logger),
		Issuer: service.NewIssuer(st, gen, hasher, service.IssuerConfig{
			FreeTierLimit:    1,
			PremiumTierLimit: 5,
			ExpirationDays:   365,
		}, logger),
		Keys:     service.NewKeyManager(st, logger),
		Resolver: jwtResolver,
	}, logger)

	return &testEnv{server: srv, store: st, jwt: jwtResolver}
}

// token returns a session token for userID on plan.
func (e *testEnv) token(t *testing.T, userID string, plan model.Tier) string {
	t.Helper()
	tok, err := e.jwt.Issue(userID, plan, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		require.NoError(t, json.NewEncoder(buf).Encode(body))
		rd = buf
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rr := httptest.NewRecorder()
	e.server.ServeHTTP(rr, req)
	return rr
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rr.Body).Decode(v), rr.Body.String())
}

// ---------------------------------------------------------------------------
// Health checks
// ---------------------------------------------------------------------------

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "GET", "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
}

func TestReadyz(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, http.StatusOK, env.do(t, "GET", "/readyz", "", nil).Code)
}

func TestOpenAPISpec(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "GET", "/openapi.json", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var doc map[string]interface{}
	decodeJSON(t, rr, &doc)
	assert.Equal(t, "3.0.3", doc["openapi"])
}

// ---------------------------------------------------------------------------
// Authentication
// ---------------------------------------------------------------------------

func TestKeyRoutes_Unauthenticated(t *testing.T) {
	env := newTestEnv(t)

	for _, tc := range []struct{ method, path string }{
		{"GET", "/api/user/api-keys"},
		{"POST", "/api/user/api-keys/generate"},
		{"GET", "/api/user/api-keys/usage"},
		{"DELETE", "/api/user/api-keys/some-id"},
	} {
		rr := env.do(t, tc.method, tc.path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code, tc.method+" "+tc.path)
	}

	rr := env.do(t, "GET", "/api/user/api-keys", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestKeyRoutes_APIKeyIsNotASession(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "POST", "/api/user/api-keys/generate", env.token(t, "u1", ""), map[string]string{"name": "k"})
	require.Equal(t, http.StatusCreated, rr.Code)
	var issued service.IssuedKey
	decodeJSON(t, rr, &issued)

	assert.Equal(t, http.StatusUnauthorized, env.do(t, "GET", "/api/user/api-keys", issued.Key, nil).Code)
}

// ---------------------------------------------------------------------------
// End-to-end workflow
// ---------------------------------------------------------------------------

func TestFullWorkflow(t *testing.T) {
	env := newTestEnv(t)
	session := env.token(t, "user-42", model.TierFree)

	// Issue.
	rr := env.do(t, "POST", "/api/user/api-keys/generate", session, map[string]interface{}{
		"name":       "Production",
		"dailyLimit": 2,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var issued service.IssuedKey
	decodeJSON(t, rr, &issued)

	// Second free key is refused.
	rr = env.do(t, "POST", "/api/user/api-keys/generate", session, map[string]string{"name": "Another"})
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)

	// Verify until the daily limit.
	for i := 0; i < 2; i++ {
		rr = env.do(t, "GET", "/api/v1/auth/verify?endpoint=/api/v1/pdf/merge", issued.Key, nil)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Equal(t, "user-42", rr.Header().Get("X-User-Id"))
	}
	rr = env.do(t, "GET", "/api/v1/auth/verify", issued.Key, nil)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "3600", rr.Header().Get("Retry-After"))

	// List and usage.
	rr = env.do(t, "GET", "/api/user/api-keys", session, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var list model.KeyListResponse
	decodeJSON(t, rr, &list)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, int64(2), list.Keys[0].RequestCount)
	assert.NotNil(t, list.Keys[0].LastUsedAt)

	// Lift the limit, then revoke.
	rr = env.do(t, "PATCH", "/api/user/api-keys/"+issued.ID, session, map[string]interface{}{"dailyLimit": nil})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, http.StatusOK, env.do(t, "GET", "/api/v1/auth/verify", issued.Key, nil).Code)

	rr = env.do(t, "DELETE", "/api/user/api-keys/"+issued.ID, session, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, "GET", "/api/v1/auth/verify", issued.Key, nil).Code)

	// The slot is free again.
	rr = env.do(t, "POST", "/api/user/api-keys/generate", session, map[string]string{"name": "Replacement"})
	assert.Equal(t, http.StatusCreated, rr.Code)
}

func TestPlanClaimCapsTier(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "POST", "/api/user/api-keys/generate", env.token(t, "u", model.TierFree),
		map[string]string{"name": "k", "tier": "premium"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, "POST", "/api/user/api-keys/generate", env.token(t, "u", model.TierPremium),
		map[string]string{"name": "k", "tier": "premium"})
	assert.Equal(t, http.StatusCreated, rr.Code)
}

// ---------------------------------------------------------------------------
// Guard
// ---------------------------------------------------------------------------

func TestGuard(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "POST", "/api/user/api-keys/generate", env.token(t, "u", ""), map[string]string{"name": "k"})
	require.Equal(t, http.StatusCreated, rr.Code)
	var issued service.IssuedKey
	decodeJSON(t, rr, &issued)

	env.server.Router().With(env.server.Guard(service.BasicPolicy())).
		Post("/api/v1/pdf/merge", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})

	assert.Equal(t, http.StatusNoContent, env.do(t, "POST", "/api/v1/pdf/merge", issued.Key, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, "POST", "/api/v1/pdf/merge", "", nil).Code)

	key, err := env.store.Get(context.Background(), issued.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), key.RequestCount)
}

// ---------------------------------------------------------------------------
// Cross-cutting behavior
// ---------------------------------------------------------------------------

func TestCORSHeaders(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest("OPTIONS", "/api/user/api-keys", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rr := httptest.NewRecorder()
	env.server.ServeHTTP(rr, req)

	assert.NotEmpty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.RateLimit = 2 })
	session := env.token(t, "u", "")

	assert.Equal(t, http.StatusOK, env.do(t, "GET", "/api/user/api-keys", session, nil).Code)
	assert.Equal(t, http.StatusOK, env.do(t, "GET", "/api/user/api-keys", session, nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, env.do(t, "GET", "/api/user/api-keys", session, nil).Code)
}

func TestErrorResponseFormat(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "GET", "/api/v1/auth/verify", "", nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	var resp model.ErrorResponse
	decodeJSON(t, rr, &resp)
	assert.Equal(t, http.StatusUnauthorized, resp.Error.Code)
	assert.Equal(t, "Invalid or missing API key", resp.Error.Message)
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "PUT", "/api/v1/auth/verify", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Host = "127.0.0.1"
		c.Port = 0
		c.ShutdownTimeout = time.Second
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.server.ListenAndServe(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
