package service

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-faster/errors"

	"github.com/pdfflex/gatekeeper/internal/apikey"
	"github.com/pdfflex/gatekeeper/internal/identity"
	"github.com/pdfflex/gatekeeper/internal/model"
	"github.com/pdfflex/gatekeeper/internal/store"
)

const (
	maxNameLen        = 100
	maxDescriptionLen = 500

	// OneTimeWarning accompanies every freshly issued plaintext key.
	OneTimeWarning = "Save this key somewhere safe. You won't be able to see it again!"
)

// IssuerConfig holds the issuance limits.
type IssuerConfig struct {
	FreeTierLimit    int
	PremiumTierLimit int
	EnableExpiration bool
	ExpirationDays   int
}

// MaxKeys returns the key ceiling for tier.
func (c IssuerConfig) MaxKeys(tier model.Tier) int {
	if tier == model.TierPremium {
		return c.PremiumTierLimit
	}
	return c.FreeTierLimit
}

// IssueRequest is the caller-supplied metadata of a new key.
type IssueRequest struct {
	Name         string
	Description  string
	Tier         model.Tier
	DailyLimit   *int64
	MonthlyLimit *int64
	ExpiresAt    *time.Time
}

// IssuedKey is returned once per issuance. Key is the only copy of the
// plaintext that will ever exist.
type IssuedKey struct {
	ID        string     `json:"id"`
	Key       string     `json:"key"`
	KeyPrefix string     `json:"keyPrefix"`
	Name      string     `json:"name"`
	Tier      model.Tier `json:"tier"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt"`
	Message   string     `json:"message"`
}

// Issuer creates new keys for users.
type Issuer struct {
	store  store.Store
	gen    *apikey.Generator
	hasher *apikey.Hasher
	cfg    IssuerConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewIssuer creates an Issuer.
func NewIssuer(st store.Store, gen *apikey.Generator, hasher *apikey.Hasher, cfg IssuerConfig, logger *slog.Logger) *Issuer {
	return &Issuer{
		store:  st,
		gen:    gen,
		hasher: hasher,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Issue creates a key for the principal. Invalid metadata yields a
// *ValidationError, a full key allowance a *QuotaError. Any other error is
// a store failure.
func (is *Issuer) Issue(ctx context.Context, owner identity.Principal, req IssueRequest, clientIP string) (*IssuedKey, error) {
	now := is.now().UTC()
	if err := is.validate(owner, &req, now); err != nil {
		return nil, err
	}

	existing, err := is.store.FindActiveByUser(ctx, owner.UserID)
	if err != nil {
		return nil, errors.Wrap(err, "count user keys")
	}
	ceiling := is.cfg.MaxKeys(req.Tier)
	if len(existing) >= ceiling {
		return nil, &QuotaError{Tier: req.Tier, Current: len(existing), Max: ceiling}
	}

	plaintext, err := is.gen.Generate()
	if err != nil {
		return nil, errors.Wrap(err, "generate key")
	}
	if !is.gen.ValidFormat(plaintext) {
		return nil, errors.New("generated key failed format check")
	}

	expiresAt := req.ExpiresAt
	if expiresAt == nil && is.cfg.EnableExpiration {
		t := now.AddDate(0, 0, is.cfg.ExpirationDays)
		expiresAt = &t
	}

	key := &model.APIKey{
		UserID:           owner.UserID,
		KeyHash:          is.hasher.Hash(plaintext),
		KeyPrefix:        is.gen.DisplayPrefix(plaintext),
		Name:             req.Name,
		Description:      req.Description,
		Tier:             req.Tier,
		Status:           model.StatusActive,
		DailyLimit:       req.DailyLimit,
		MonthlyLimit:     req.MonthlyLimit,
		AllowedEndpoints: []string{},
		AllowedOrigins:   []string{},
		CreatedAt:        now,
		ExpiresAt:        expiresAt,
		CreatedFromIP:    clientIP,
	}
	if err := is.store.Create(ctx, key); err != nil {
		return nil, errors.Wrap(err, "store key")
	}

	is.logger.Info("api key issued",
		"key_id", key.ID,
		"user_id", key.UserID,
		"tier", key.Tier,
		"prefix", key.KeyPrefix,
	)

	return &IssuedKey{
		ID:        key.ID,
		Key:       plaintext,
		KeyPrefix: key.KeyPrefix,
		Name:      key.Name,
		Tier:      key.Tier,
		CreatedAt: key.CreatedAt,
		ExpiresAt: key.ExpiresAt,
		Message:   OneTimeWarning,
	}, nil
}

func (is *Issuer) validate(owner identity.Principal, req *IssueRequest, now time.Time) error {
	if owner.UserID == "" {
		return invalid("userId", "is required")
	}

	req.Name = strings.TrimSpace(req.Name)
	if err := validateName(req.Name); err != nil {
		return err
	}
	if err := validateDescription(req.Description); err != nil {
		return err
	}
	if err := validateLimit("dailyLimit", req.DailyLimit); err != nil {
		return err
	}
	if err := validateLimit("monthlyLimit", req.MonthlyLimit); err != nil {
		return err
	}
	if req.ExpiresAt != nil {
		if !req.ExpiresAt.After(now) {
			return invalid("expiresAt", "must be in the future")
		}
		t := req.ExpiresAt.UTC()
		req.ExpiresAt = &t
	}

	if req.Tier == "" {
		req.Tier = model.TierFree
	}
	if !req.Tier.Valid() {
		return invalid("tier", "must be one of free, premium")
	}
	if owner.Plan != "" && req.Tier.Rank() > owner.Plan.Rank() {
		return invalid("tier", "%s keys require a %s plan", req.Tier, req.Tier)
	}
	return nil
}

// expiryLayouts are the accepted expiresAt forms. A bare date means
// midnight UTC.
var expiryLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"}

// ParseExpiry reads an ISO-8601 timestamp or date as sent by clients.
// Anything else is a ValidationError on expiresAt.
func ParseExpiry(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range expiryLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, invalid("expiresAt", "must be an ISO-8601 date or timestamp")
}

func validateName(name string) error {
	if name == "" {
		return invalid("name", "is required")
	}
	if utf8.RuneCountInString(name) > maxNameLen {
		return invalid("name", "must be %d characters or fewer", maxNameLen)
	}
	return nil
}

func validateDescription(desc string) error {
	if utf8.RuneCountInString(desc) > maxDescriptionLen {
		return invalid("description", "must be %d characters or fewer", maxDescriptionLen)
	}
	return nil
}

func validateLimit(field string, v *int64) error {
	if v != nil && *v < 1 {
		return invalid(field, "must be at least 1")
	}
	return nil
}

func validatePatterns(field string, patterns []string) error {
	for _, p := range patterns {
		if strings.TrimSpace(p) == "" {
			return invalid(field, "entries must not be empty")
		}
		if strings.Count(p, "*") > 1 {
			return invalid(field, "entry %q may contain at most one '*'", p)
		}
	}
	return nil
}
