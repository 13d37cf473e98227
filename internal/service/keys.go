package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"github.com/pdfflex/gatekeeper/internal/apikey"
	"github.com/pdfflex/gatekeeper/internal/model"
	"github.com/pdfflex/gatekeeper/internal/store"
)

// KeyUpdate is a user edit of an existing key. Nil fields are unchanged;
// the Clear flags remove a limit.
type KeyUpdate struct {
	Name              *string
	Description       *string
	Status            *model.Status
	DailyLimit        *int64
	ClearDailyLimit   bool
	MonthlyLimit      *int64
	ClearMonthlyLimit bool
	AllowedEndpoints  *[]string
	AllowedOrigins    *[]string
}

// KeyUsage is the per-key line of a usage summary.
type KeyUsage struct {
	ID                string       `json:"id"`
	Name              string       `json:"name"`
	KeyPrefix         string       `json:"keyPrefix"`
	Tier              model.Tier   `json:"tier"`
	Status            model.Status `json:"status"`
	RequestCount      int64        `json:"requestCount"`
	DailyLimit        *int64       `json:"dailyLimit,omitempty"`
	RequestsRemaining int64        `json:"requestsRemaining"` // -1 when unlimited
	MonthlyCount      int64        `json:"monthlyCount"`
	MonthlyLimit      *int64       `json:"monthlyLimit,omitempty"`
	LastUsedAt        *time.Time   `json:"lastUsedAt,omitempty"`
}

// UsageSummary aggregates a user's key usage.
type UsageSummary struct {
	Keys          []KeyUsage `json:"keys"`
	TotalRequests int64      `json:"totalRequests"`
	ActiveKeys    int        `json:"activeKeys"`
}

// KeyManager lists and edits keys on behalf of their owner.
type KeyManager struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewKeyManager creates a KeyManager.
func NewKeyManager(st store.Store, logger *slog.Logger) *KeyManager {
	return &KeyManager{store: st, logger: logger, now: time.Now}
}

// List returns the user's keys, newest first.
func (m *KeyManager) List(ctx context.Context, userID string) ([]model.APIKey, error) {
	keys, err := m.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "list keys")
	}
	return keys, nil
}

// Get returns one of the user's keys.
func (m *KeyManager) Get(ctx context.Context, userID, id string) (*model.APIKey, error) {
	key, err := m.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get key")
	}
	if userID != "" && key.UserID != userID {
		return nil, ErrForbidden
	}
	return key, nil
}

// Update edits one of the user's keys. Status may only move between active
// and inactive; revoked and expired keys accept no status change.
func (m *KeyManager) Update(ctx context.Context, userID, id string, u KeyUpdate) (*model.APIKey, error) {
	key, err := m.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	patch, err := buildPatch(key, u)
	if err != nil {
		return nil, err
	}
	if patch.Empty() {
		return key, nil
	}

	updated, err := m.store.Update(ctx, id, patch)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "update key")
	}
	m.logger.Info("api key updated", "key_id", id, "user_id", key.UserID)
	return updated, nil
}

func buildPatch(key *model.APIKey, u KeyUpdate) (model.APIKeyPatch, error) {
	var p model.APIKeyPatch

	if u.Name != nil {
		name := strings.TrimSpace(*u.Name)
		if err := validateName(name); err != nil {
			return p, err
		}
		p.Name = &name
	}
	if u.Description != nil {
		if err := validateDescription(*u.Description); err != nil {
			return p, err
		}
		p.Description = u.Description
	}
	if u.Status != nil && *u.Status != key.Status {
		switch {
		case key.Status.Terminal():
			return p, ErrTerminalStatus
		case *u.Status != model.StatusActive && *u.Status != model.StatusInactive:
			return p, invalid("status", "must be active or inactive")
		}
		p.Status = u.Status
	}

	if u.ClearDailyLimit {
		var none *int64
		p.DailyLimit = &none
	} else if u.DailyLimit != nil {
		if err := validateLimit("dailyLimit", u.DailyLimit); err != nil {
			return p, err
		}
		v := u.DailyLimit
		p.DailyLimit = &v
	}
	if u.ClearMonthlyLimit {
		var none *int64
		p.MonthlyLimit = &none
	} else if u.MonthlyLimit != nil {
		if err := validateLimit("monthlyLimit", u.MonthlyLimit); err != nil {
			return p, err
		}
		v := u.MonthlyLimit
		p.MonthlyLimit = &v
	}

	if u.AllowedEndpoints != nil {
		if err := validatePatterns("allowedEndpoints", *u.AllowedEndpoints); err != nil {
			return p, err
		}
		p.AllowedEndpoints = u.AllowedEndpoints
	}
	if u.AllowedOrigins != nil {
		if err := validatePatterns("allowedOrigins", *u.AllowedOrigins); err != nil {
			return p, err
		}
		p.AllowedOrigins = u.AllowedOrigins
	}
	return p, nil
}

// Revoke soft-deletes one of the user's keys. Revoking a revoked key is a
// no-op; an expired key cannot be revoked.
func (m *KeyManager) Revoke(ctx context.Context, userID, id string) (*model.APIKey, error) {
	key, err := m.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	switch key.Status {
	case model.StatusRevoked:
		return key, nil
	case model.StatusExpired:
		return nil, ErrTerminalStatus
	}

	revoked := model.StatusRevoked
	updated, err := m.store.Update(ctx, id, model.APIKeyPatch{Status: &revoked})
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "revoke key")
	}
	m.logger.Info("api key revoked", "key_id", id, "user_id", key.UserID)
	return updated, nil
}

// ForceRevoke revokes a key regardless of owner. It backs operator tooling.
func (m *KeyManager) ForceRevoke(ctx context.Context, id string) (*model.APIKey, error) {
	return m.Revoke(ctx, "", id)
}

// Usage summarizes request counts across the user's keys.
func (m *KeyManager) Usage(ctx context.Context, userID string) (*UsageSummary, error) {
	keys, err := m.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := m.now()

	sum := &UsageSummary{Keys: make([]KeyUsage, 0, len(keys))}
	for _, k := range keys {
		sum.TotalRequests += k.RequestCount
		if k.Status == model.StatusActive {
			sum.ActiveKeys++
		}
		sum.Keys = append(sum.Keys, KeyUsage{
			ID:                k.ID,
			Name:              k.Name,
			KeyPrefix:         k.KeyPrefix,
			Tier:              k.Tier,
			Status:            k.Status,
			RequestCount:      k.RequestCount,
			DailyLimit:        k.DailyLimit,
			RequestsRemaining: apikey.RequestsRemaining(k.RequestCount, k.DailyLimit),
			MonthlyCount:      k.MonthlyUsage(now),
			MonthlyLimit:      k.MonthlyLimit,
			LastUsedAt:        k.LastUsedAt,
		})
	}
	return sum, nil
}
