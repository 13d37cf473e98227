package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/pdfflex/gatekeeper/internal/model"
)

func TestKeyDocRoundTrip(t *testing.T) {
	limit := int64(10)
	exp := time.Date(2031, 5, 1, 0, 0, 0, 0, time.UTC)
	k := &model.APIKey{
		ID:         "id-1",
		UserID:     "u",
		KeyHash:    "h",
		Tier:       model.TierPremium,
		Status:     model.StatusActive,
		DailyLimit: &limit,
		ExpiresAt:  &exp,
	}

	raw, err := bson.Marshal(keyDocFromModel(k))
	require.NoError(t, err)

	var doc keyDoc
	require.NoError(t, bson.Unmarshal(raw, &doc))
	got := doc.toModel()

	assert.Equal(t, "id-1", got.ID)
	assert.Equal(t, model.TierPremium, got.Tier)
	require.NotNil(t, got.DailyLimit)
	assert.Equal(t, int64(10), *got.DailyLimit)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, got.ExpiresAt.Equal(exp))
	assert.Equal(t, []string{}, got.AllowedEndpoints)

	var m bson.M
	require.NoError(t, bson.Unmarshal(raw, &m))
	assert.Equal(t, "id-1", m["_id"])
	assert.Equal(t, "h", m["key_hash"])
}

func TestPatchDoc(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	status := model.StatusRevoked
	var none *int64

	set := patchDoc(model.APIKeyPatch{Status: &status, DailyLimit: &none}, now)

	assert.Equal(t, "revoked", set["status"])
	assert.Contains(t, set, "daily_limit")
	assert.Nil(t, set["daily_limit"])
	assert.Equal(t, now, set["updated_at"])
	assert.NotContains(t, set, "name")
}

func TestUsagePipeline(t *testing.T) {
	at := time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)

	p := usagePipeline(at, "")
	require.Len(t, p, 1)
	stage := p[0][0]
	assert.Equal(t, "$set", stage.Key)

	set := stage.Value.(bson.D).Map()
	assert.Equal(t, "2025-03", set["usage_month"])
	assert.NotContains(t, set, "last_used_from_ip")

	set = usagePipeline(at, "9.9.9.9")[0][0].Value.(bson.D).Map()
	assert.Equal(t, "9.9.9.9", set["last_used_from_ip"])
}
