package handler

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdfflex/gatekeeper/internal/model"
	"github.com/pdfflex/gatekeeper/internal/service"
)

// ---------------------------------------------------------------------------
// Issue
// ---------------------------------------------------------------------------

func TestIssue_ReturnsKeyOnce(t *testing.T) {
	env := newTestEnv(t)
	issued := env.issue(t, "user-1", map[string]interface{}{"name": "My key"})

	assert.True(t, strings.HasPrefix(issued.Key, "pk_"))
	assert.Len(t, issued.Key, 3+64)
	assert.Equal(t, issued.Key[:11], issued.KeyPrefix)
	assert.Equal(t, model.TierFree, issued.Tier)
	assert.Equal(t, service.OneTimeWarning, issued.Message)

	rr := env.do(t, "GET", "/api/user/api-keys/"+issued.ID, "user-1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, rr.Body.String(), issued.Key)
	assert.NotContains(t, rr.Body.String(), "keyHash")
}

func TestIssue_AliasRoute(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "POST", "/api/user/api-keys/", "user-1", map[string]string{"name": "k"})
	assert.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
}

func TestIssue_Unauthenticated(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "POST", "/api/user/api-keys/generate", "", map[string]string{"name": "k"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestIssue_ValidationErrors(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "POST", "/api/user/api-keys/generate", "user-1", map[string]string{"name": ""})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "name", decodeError(t, rr).Context["field"])

	rr = env.do(t, "POST", "/api/user/api-keys/generate", "user-1", `{"name":`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, "POST", "/api/user/api-keys/generate", "user-1", map[string]interface{}{"name": "k", "dailyLimit": 0})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "dailyLimit", decodeError(t, rr).Context["field"])
}

func TestIssue_ExpiresAtForms(t *testing.T) {
	env := newTestEnv(t)

	issued := env.issue(t, "user-1", map[string]interface{}{"tier": "premium", "expiresAt": "2099-01-01"})
	require.NotNil(t, issued.ExpiresAt)
	assert.Equal(t, "2099-01-01T00:00:00Z", issued.ExpiresAt.Format(time.RFC3339))

	issued = env.issue(t, "user-1", map[string]interface{}{"tier": "premium", "expiresAt": "2099-06-30T12:00:00+02:00"})
	require.NotNil(t, issued.ExpiresAt)
	assert.Equal(t, "2099-06-30T10:00:00Z", issued.ExpiresAt.Format(time.RFC3339))

	for _, bad := range []string{"next tuesday", "01/02/2099", "2099-13-01"} {
		rr := env.do(t, "POST", "/api/user/api-keys/generate", "user-1", map[string]interface{}{"name": "k", "expiresAt": bad})
		require.Equal(t, http.StatusBadRequest, rr.Code, bad)
		detail := decodeError(t, rr)
		assert.Equal(t, "expiresAt", detail.Context["field"], bad)
		assert.Contains(t, detail.Message, "expiresAt", bad)
	}

	rr := env.do(t, "POST", "/api/user/api-keys/generate", "user-1", map[string]interface{}{"name": "k", "tier": "premium", "expiresAt": "2000-01-01"})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "expiresAt", decodeError(t, rr).Context["field"])
}

func TestIssue_FreeTierCeiling(t *testing.T) {
	env := newTestEnv(t)
	env.issue(t, "user-1", nil)

	rr := env.do(t, "POST", "/api/user/api-keys/generate", "user-1", map[string]string{"name": "second"})
	require.Equal(t, http.StatusTooManyRequests, rr.Code)

	detail := decodeError(t, rr)
	assert.Equal(t, "free", detail.Context["tier"])
	assert.Equal(t, float64(1), detail.Context["maxKeys"])
	assert.Equal(t, float64(1), detail.Context["currentKeys"])
}

func TestIssue_PlanHeaderCapsTier(t *testing.T) {
	env := newTestEnv(t)

	req := map[string]string{"name": "k", "tier": "premium"}
	rr := env.do(t, "POST", "/api/user/api-keys/generate", "user-1", req)
	assert.Equal(t, http.StatusCreated, rr.Code, "no plan header means the plan is unknown")

	r := newRequest(t, "POST", "/api/user/api-keys/generate", req)
	r.Header.Set(userHeader, "user-2")
	r.Header.Set(tierHeader, "free")
	rec := serve(env, r)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// ---------------------------------------------------------------------------
// List / Get
// ---------------------------------------------------------------------------

func TestList_OnlyOwnKeys(t *testing.T) {
	env := newTestEnv(t)
	env.issue(t, "user-1", map[string]interface{}{"tier": "premium"})
	env.issue(t, "user-1", map[string]interface{}{"tier": "premium"})
	env.issue(t, "user-2", nil)

	rr := env.do(t, "GET", "/api/user/api-keys/", "user-1", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp model.KeyListResponse
	decodeJSON(t, rr, &resp)
	assert.Equal(t, 2, resp.Total)
	for _, k := range resp.Keys {
		assert.Equal(t, "user-1", k.UserID)
		assert.Empty(t, k.KeyHash)
	}
}

func TestList_Empty(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "GET", "/api/user/api-keys/", "nobody", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"keys":[],"total":0}`, rr.Body.String())
}

func TestGet_OtherUsersKey(t *testing.T) {
	env := newTestEnv(t)
	issued := env.issue(t, "user-1", nil)

	foreign := env.do(t, "GET", "/api/user/api-keys/"+issued.ID, "user-2", nil)
	assert.Equal(t, http.StatusNotFound, foreign.Code)

	missing := env.do(t, "GET", "/api/user/api-keys/does-not-exist", "user-2", nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
	assert.Equal(t, missing.Body.String(), foreign.Body.String(), "a foreign key is indistinguishable from a missing one")
}

func TestForeignKeyRoutesAnswerNotFound(t *testing.T) {
	env := newTestEnv(t)
	issued := env.issue(t, "user-1", nil)
	path := "/api/user/api-keys/" + issued.ID

	requests := []struct {
		method, path string
		body         interface{}
	}{
		{"GET", path, nil},
		{"PATCH", path, map[string]string{"name": "stolen"}},
		{"DELETE", path, nil},
	}
	for _, req := range requests {
		rr := env.do(t, req.method, req.path, "user-2", req.body)
		assert.Equal(t, http.StatusNotFound, rr.Code, req.method+" "+req.path)
		assert.NotContains(t, rr.Body.String(), "another user", req.method+" "+req.path)
	}

	rr := env.do(t, "GET", path, "user-1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var key model.APIKey
	decodeJSON(t, rr, &key)
	assert.Equal(t, "test key", key.Name)
	assert.Equal(t, model.StatusActive, key.Status)
}

// ---------------------------------------------------------------------------
// Update / Revoke
// ---------------------------------------------------------------------------

func TestUpdate_FieldsAndNullLimit(t *testing.T) {
	env := newTestEnv(t)
	issued := env.issue(t, "user-1", map[string]interface{}{"dailyLimit": 50, "monthlyLimit": 500})

	rr := env.do(t, "PATCH", "/api/user/api-keys/"+issued.ID, "user-1",
		`{"name":"renamed","dailyLimit":null,"allowedOrigins":["https://app.example.com"]}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var key model.APIKey
	decodeJSON(t, rr, &key)
	assert.Equal(t, "renamed", key.Name)
	assert.Nil(t, key.DailyLimit)
	require.NotNil(t, key.MonthlyLimit, "omitted limits are unchanged")
	assert.Equal(t, int64(500), *key.MonthlyLimit)
	assert.Equal(t, []string{"https://app.example.com"}, key.AllowedOrigins)
}

func TestUpdate_ToggleAndTerminal(t *testing.T) {
	env := newTestEnv(t)
	issued := env.issue(t, "user-1", nil)
	path := "/api/user/api-keys/" + issued.ID

	rr := env.do(t, "PATCH", path, "user-1", map[string]string{"status": "inactive"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, http.StatusUnauthorized, env.verify(t, issued.Key, "", nil).Code)

	rr = env.do(t, "PATCH", path, "user-1", map[string]string{"status": "revoked"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, "DELETE", path, "user-1", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = env.do(t, "PATCH", path, "user-1", map[string]string{"status": "active"})
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestRevoke(t *testing.T) {
	env := newTestEnv(t)
	issued := env.issue(t, "user-1", nil)
	path := "/api/user/api-keys/" + issued.ID

	assert.Equal(t, http.StatusNotFound, env.do(t, "DELETE", path, "user-2", nil).Code)

	rr := env.do(t, "DELETE", path, "user-1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var key model.APIKey
	decodeJSON(t, rr, &key)
	assert.Equal(t, model.StatusRevoked, key.Status)

	assert.Equal(t, http.StatusOK, env.do(t, "DELETE", path, "user-1", nil).Code, "revoke is idempotent")
	assert.Equal(t, http.StatusUnauthorized, env.verify(t, issued.Key, "", nil).Code)

	// A revoked key frees the free-tier slot.
	env.issue(t, "user-1", nil)
}

// ---------------------------------------------------------------------------
// Usage
// ---------------------------------------------------------------------------

func TestUsage(t *testing.T) {
	env := newTestEnv(t)
	issued := env.issue(t, "user-1", map[string]interface{}{"dailyLimit": 10})

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, env.verify(t, issued.Key, "", nil).Code)
	}

	rr := env.do(t, "GET", "/api/user/api-keys/usage", "user-1", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var sum service.UsageSummary
	decodeJSON(t, rr, &sum)
	assert.Equal(t, int64(3), sum.TotalRequests)
	assert.Equal(t, 1, sum.ActiveKeys)
	require.Len(t, sum.Keys, 1)
	assert.Equal(t, int64(7), sum.Keys[0].RequestsRemaining)
}
