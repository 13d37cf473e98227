package service

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pdfflex/gatekeeper/internal/apikey"
	"github.com/pdfflex/gatekeeper/internal/identity"
	"github.com/pdfflex/gatekeeper/internal/model"
	"github.com/pdfflex/gatekeeper/internal/store"
)

// stubStore wraps a real store and can inject failures. Embedding the
// interface hides IncrementUsage, so usage goes through read-then-write.
type stubStore struct {
	store.Store
	findErr   error
	updateErr error
	getErr    error
	finds     int
}

func (s *stubStore) FindActiveByHash(ctx context.Context, hash string) (*model.APIKey, error) {
	s.finds++
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.Store.FindActiveByHash(ctx, hash)
}

func (s *stubStore) Update(ctx context.Context, id string, p model.APIKeyPatch) (*model.APIKey, error) {
	if s.updateErr != nil {
		return nil, s.updateErr
	}
	return s.Store.Update(ctx, id, p)
}

func (s *stubStore) Get(ctx context.Context, id string) (*model.APIKey, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.Store.Get(ctx, id)
}

type testEnv struct {
	mem       *store.SQLStore
	stub      *stubStore
	gen       *apikey.Generator
	hasher    *apikey.Hasher
	validator *Validator
	issuer    *Issuer
	usage     *UsageRecorder
	keys      *KeyManager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mem, err := store.NewMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gen := apikey.NewGenerator("")
	hasher := apikey.NewHasher(nil)
	stub := &stubStore{Store: mem}
	rules := apikey.TierRules{PremiumPrefixes: apikey.DefaultPremiumEndpoints}

	return &testEnv{
		mem:       mem,
		stub:      stub,
		gen:       gen,
		hasher:    hasher,
		validator: NewValidator(stub, gen, hasher, rules, logger),
		issuer: NewIssuer(mem, gen, hasher, IssuerConfig{
			FreeTierLimit:    1,
			PremiumTierLimit: 5,
			ExpirationDays:   365,
		}, logger),
		usage: NewUsageRecorder(mem, logger),
		keys:  NewKeyManager(mem, logger),
	}
}

func user(id string) identity.Principal {
	return identity.Principal{UserID: id}
}

func (e *testEnv) issue(t *testing.T, userID string, req IssueRequest) *IssuedKey {
	t.Helper()
	if req.Name == "" {
		req.Name = "test"
	}
	k, err := e.issuer.Issue(context.Background(), user(userID), req, "127.0.0.1")
	require.NoError(t, err)
	return k
}

func (e *testEnv) patch(t *testing.T, id string, p model.APIKeyPatch) {
	t.Helper()
	_, err := e.mem.Update(context.Background(), id, p)
	require.NoError(t, err)
}

func bearer(key string) Credentials {
	return Credentials{Authorization: "Bearer " + key}
}

func i64(v int64) *int64 { return &v }

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
