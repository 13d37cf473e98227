package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdfflex/gatekeeper/internal/model"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := NewMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newKey(userID, hash string) *model.APIKey {
	return &model.APIKey{
		UserID:    userID,
		KeyHash:   hash,
		KeyPrefix: "pk_ABCDEF12",
		Name:      "test key",
		Tier:      model.TierFree,
		Status:    model.StatusActive,
	}
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	limit := int64(100)
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	k := newKey("user-1", "hash-1")
	k.DailyLimit = &limit
	k.ExpiresAt = &exp
	k.AllowedEndpoints = []string{"/api/*"}
	k.CreatedFromIP = "10.0.0.1"

	require.NoError(t, s.Create(ctx, k))
	assert.NotEmpty(t, k.ID)
	assert.False(t, k.CreatedAt.IsZero())

	got, err := s.Get(ctx, k.ID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "hash-1", got.KeyHash)
	assert.Equal(t, model.StatusActive, got.Status)
	require.NotNil(t, got.DailyLimit)
	assert.Equal(t, int64(100), *got.DailyLimit)
	assert.Nil(t, got.MonthlyLimit)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, got.ExpiresAt.Equal(exp))
	assert.Equal(t, []string{"/api/*"}, got.AllowedEndpoints)
	assert.Equal(t, []string{}, got.AllowedOrigins)
	assert.Nil(t, got.LastUsedAt)
	assert.Equal(t, "10.0.0.1", got.CreatedFromIP)
}

func TestCreateRequiresHash(t *testing.T) {
	s := newTestStore(t)
	err := s.Create(context.Background(), newKey("u", ""))
	assert.Error(t, err)
}

func TestCreateDuplicateHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, newKey("u", "same")))
	assert.Error(t, s.Create(ctx, newKey("u", "same")), "key_hash must be unique")
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindActiveByHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	active := newKey("u", "active-hash")
	require.NoError(t, s.Create(ctx, active))

	got, err := s.FindActiveByHash(ctx, "active-hash")
	require.NoError(t, err)
	assert.Equal(t, active.ID, got.ID)

	for _, st := range []model.Status{model.StatusInactive, model.StatusRevoked, model.StatusExpired} {
		k := newKey("u", "hash-"+string(st))
		k.Status = st
		require.NoError(t, s.Create(ctx, k))

		_, err := s.FindActiveByHash(ctx, k.KeyHash)
		assert.ErrorIs(t, err, ErrNotFound, "status %s must not be found", st)
	}

	_, err = s.FindActiveByHash(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindActiveByUserExcludesTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, st := range []model.Status{model.StatusActive, model.StatusInactive, model.StatusRevoked, model.StatusExpired} {
		k := newKey("owner", fmt.Sprintf("h%d", i))
		k.Status = st
		require.NoError(t, s.Create(ctx, k))
	}
	require.NoError(t, s.Create(ctx, newKey("someone-else", "other")))

	keys, err := s.FindActiveByUser(ctx, "owner")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
	for _, k := range keys {
		assert.False(t, k.Status.Terminal())
		assert.Equal(t, "owner", k.UserID)
	}

	all, err := s.ListByUser(ctx, "owner")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestListByUserNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		k := newKey("u", fmt.Sprintf("h%d", i))
		k.Name = fmt.Sprintf("key-%d", i)
		k.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, s.Create(ctx, k))
	}

	keys, err := s.ListByUser(ctx, "u")
	require.NoError(t, err)
	require.Len(t, keys, 3)
	assert.Equal(t, "key-2", keys[0].Name)
	assert.Equal(t, "key-0", keys[2].Name)

	empty, err := s.ListByUser(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	k := newKey("u", "h")
	require.NoError(t, s.Create(ctx, k))

	name := "renamed"
	status := model.StatusRevoked
	var limit int64 = 5
	lp := &limit
	origins := []string{"https://app.example.com"}
	updated, err := s.Update(ctx, k.ID, model.APIKeyPatch{
		Name:           &name,
		Status:         &status,
		MonthlyLimit:   &lp,
		AllowedOrigins: &origins,
	})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, model.StatusRevoked, updated.Status)
	require.NotNil(t, updated.MonthlyLimit)
	assert.Equal(t, int64(5), *updated.MonthlyLimit)
	assert.Equal(t, origins, updated.AllowedOrigins)

	var none *int64
	cleared, err := s.Update(ctx, k.ID, model.APIKeyPatch{MonthlyLimit: &none})
	require.NoError(t, err)
	assert.Nil(t, cleared.MonthlyLimit)
}

func TestUpdateNotFound(t *testing.T) {
	s := newTestStore(t)
	name := "x"
	_, err := s.Update(context.Background(), "missing", model.APIKeyPatch{Name: &name})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateIfStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	k := newKey("u", "h")
	require.NoError(t, s.Create(ctx, k))

	revoked, expired, active := model.StatusRevoked, model.StatusExpired, model.StatusActive
	_, err := s.Update(ctx, k.ID, model.APIKeyPatch{Status: &revoked})
	require.NoError(t, err)

	_, err = s.Update(ctx, k.ID, model.APIKeyPatch{Status: &expired, IfStatus: &active})
	assert.ErrorIs(t, err, ErrStatusChanged)

	got, err := s.Get(ctx, k.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRevoked, got.Status)

	_, err = s.Update(ctx, "missing", model.APIKeyPatch{Status: &expired, IfStatus: &active})
	assert.ErrorIs(t, err, ErrNotFound)

	updated, err := s.Update(ctx, k.ID, model.APIKeyPatch{Status: &expired, IfStatus: &revoked})
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, updated.Status)
}

func TestIncrementUsage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	k := newKey("u", "h")
	require.NoError(t, s.Create(ctx, k))

	jan := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.IncrementUsage(ctx, k.ID, jan, "1.2.3.4"))
	require.NoError(t, s.IncrementUsage(ctx, k.ID, jan.Add(time.Minute), ""))

	got, err := s.Get(ctx, k.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.RequestCount)
	assert.Equal(t, int64(2), got.MonthlyCount)
	assert.Equal(t, "2025-01", got.UsageMonth)
	assert.Equal(t, "1.2.3.4", got.LastUsedFromIP, "empty ip keeps the previous address")
	require.NotNil(t, got.LastUsedAt)
	assert.True(t, got.LastUsedAt.Equal(jan.Add(time.Minute)))

	feb := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.IncrementUsage(ctx, k.ID, feb, "5.6.7.8"))

	got, err = s.Get(ctx, k.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.RequestCount)
	assert.Equal(t, int64(1), got.MonthlyCount, "monthly counter restarts in a new month")
	assert.Equal(t, "2025-02", got.UsageMonth)
	assert.Equal(t, "5.6.7.8", got.LastUsedFromIP)
}

func TestIncrementUsageNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.IncrementUsage(context.Background(), "missing", time.Now(), "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIncrementUsageConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	k := newKey("u", "h")
	require.NoError(t, s.Create(ctx, k))

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.IncrementUsage(ctx, k.ID, time.Now(), ""))
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, k.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(n), got.RequestCount)
}

func TestMigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.migrate(context.Background()))
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}
