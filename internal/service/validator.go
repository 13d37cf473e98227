// Package service implements the credential workflows: validating a
// presented key, recording its usage, issuing new keys and managing a
// user's existing keys.
package service

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-faster/errors"

	"github.com/pdfflex/gatekeeper/internal/apikey"
	"github.com/pdfflex/gatekeeper/internal/identity"
	"github.com/pdfflex/gatekeeper/internal/model"
	"github.com/pdfflex/gatekeeper/internal/store"
)

// Reason explains a denied validation. The zero value means allowed.
type Reason string

const (
	ReasonNone                 Reason = ""
	ReasonMissingCredential    Reason = "missing-credential"
	ReasonMalformedCredential  Reason = "malformed-credential"
	ReasonNotFoundOrInactive   Reason = "not-found-or-inactive"
	ReasonExpired              Reason = "expired"
	ReasonQuotaExceeded        Reason = "quota-exceeded"
	ReasonMonthlyQuotaExceeded Reason = "monthly-quota-exceeded"
	ReasonEndpointNotAllowed   Reason = "endpoint-not-allowed"
	ReasonOriginNotAllowed     Reason = "origin-not-allowed"
	ReasonInsufficientTier     Reason = "insufficient-tier"
)

// HTTPStatus maps a reason to the status a caller should answer with.
func (r Reason) HTTPStatus() int {
	switch r {
	case ReasonNone:
		return http.StatusOK
	case ReasonMissingCredential, ReasonMalformedCredential, ReasonNotFoundOrInactive, ReasonExpired:
		return http.StatusUnauthorized
	case ReasonQuotaExceeded, ReasonMonthlyQuotaExceeded:
		return http.StatusTooManyRequests
	}
	return http.StatusForbidden
}

// Message is the client-facing text for r. The first three reasons share
// one message so callers cannot tell an unknown key from a malformed one.
func (r Reason) Message() string {
	switch r {
	case ReasonMissingCredential, ReasonMalformedCredential, ReasonNotFoundOrInactive:
		return "Invalid or missing API key"
	case ReasonExpired:
		return "API key has expired"
	case ReasonQuotaExceeded:
		return "Daily request limit exceeded"
	case ReasonMonthlyQuotaExceeded:
		return "Monthly request limit exceeded"
	case ReasonEndpointNotAllowed:
		return "API key is not allowed to access this endpoint"
	case ReasonOriginNotAllowed:
		return "API key is not allowed from this origin"
	case ReasonInsufficientTier:
		return "This endpoint requires a premium API key"
	}
	return ""
}

// Policy parameterizes the checks a call site wants beyond the baseline of
// format, lookup, expiry and daily limit.
type Policy struct {
	// RequiredTier is the minimum key tier. Empty accepts any tier.
	RequiredTier model.Tier
	// CheckEndpoint enables the key's endpoint allow-list when an endpoint
	// is supplied.
	CheckEndpoint bool
	// CheckTierPaths denies keys below premium on premium-only paths.
	CheckTierPaths bool
	// CheckMonthly enforces the monthly limit.
	CheckMonthly bool
}

// BasicPolicy is used by ordinary protected routes.
func BasicPolicy() Policy {
	return Policy{CheckEndpoint: true}
}

// PremiumPolicy is used by premium-only routes.
func PremiumPolicy() Policy {
	return Policy{
		RequiredTier:  model.TierPremium,
		CheckEndpoint: true,
		CheckMonthly:  true,
	}
}

// Credentials is what a caller presented.
type Credentials struct {
	Authorization string // raw Authorization header
	Origin        string // raw Origin header, may be empty
}

// ValidatedKey describes a key that passed validation.
type ValidatedKey struct {
	ID               string     `json:"id"`
	UserID           string     `json:"userId"`
	Tier             model.Tier `json:"tier"`
	KeyPrefix        string     `json:"keyPrefix"`
	RequestCount     int64      `json:"requestCount"`
	DailyLimit       *int64     `json:"dailyLimit,omitempty"`
	MonthlyLimit     *int64     `json:"monthlyLimit,omitempty"`
	MonthlyUsage     int64      `json:"monthlyUsage"`
	AllowedEndpoints []string   `json:"allowedEndpoints"`
}

// Decision is the outcome of a validation. Exactly one of Key and Reason is
// set. Limit and Used are filled for quota denials.
type Decision struct {
	Key    *ValidatedKey
	Reason Reason
	Limit  int64
	Used   int64
}

// Allowed reports whether the key was accepted.
func (d Decision) Allowed() bool {
	return d.Reason == ReasonNone && d.Key != nil
}

func deny(r Reason) Decision { return Decision{Reason: r} }

// Validator runs the validation pipeline against the store.
type Validator struct {
	store  store.Store
	gen    *apikey.Generator
	hasher *apikey.Hasher
	tiers  apikey.TierRules
	logger *slog.Logger
	now    func() time.Time
}

// NewValidator creates a Validator.
func NewValidator(st store.Store, gen *apikey.Generator, hasher *apikey.Hasher, tiers apikey.TierRules, logger *slog.Logger) *Validator {
	return &Validator{
		store:  st,
		gen:    gen,
		hasher: hasher,
		tiers:  tiers,
		logger: logger,
		now:    time.Now,
	}
}

// Fingerprint returns the lookup hash of token when it is a well-formed
// key, for keying per-credential state without holding the plaintext.
func (v *Validator) Fingerprint(token string) (string, bool) {
	if !v.gen.ValidFormat(token) {
		return "", false
	}
	return v.hasher.Hash(token), true
}

// Mask renders a presented token for operator output without revealing it.
func (v *Validator) Mask(token string) string {
	return v.gen.Mask(token)
}

// ValidateRequest validates the credentials carried by r for endpoint.
func (v *Validator) ValidateRequest(r *http.Request, endpoint string, p Policy) (Decision, error) {
	creds := Credentials{
		Authorization: r.Header.Get("Authorization"),
		Origin:        r.Header.Get("Origin"),
	}
	return v.Validate(r.Context(), creds, endpoint, p)
}

// Validate decides whether creds may call endpoint under p. Expected
// denials are returned as a Decision; only store failures return an error.
func (v *Validator) Validate(ctx context.Context, creds Credentials, endpoint string, p Policy) (Decision, error) {
	token := identity.BearerToken(creds.Authorization)
	if token == "" {
		return deny(ReasonMissingCredential), nil
	}
	if !v.gen.ValidFormat(token) {
		return deny(ReasonMalformedCredential), nil
	}

	hash := v.hasher.Hash(token)
	key, err := v.store.FindActiveByHash(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return deny(ReasonNotFoundOrInactive), nil
	}
	if err != nil {
		return Decision{}, errors.Wrap(err, "lookup api key")
	}
	if key.Status != model.StatusActive || !apikey.Equal(key.KeyHash, hash) {
		return deny(ReasonNotFoundOrInactive), nil
	}

	now := v.now()
	if apikey.IsExpired(key.ExpiresAt, now) {
		v.markExpired(ctx, key.ID)
		return deny(ReasonExpired), nil
	}

	if apikey.IsDailyLimitExceeded(key.RequestCount, key.DailyLimit) {
		return Decision{Reason: ReasonQuotaExceeded, Limit: *key.DailyLimit, Used: key.RequestCount}, nil
	}

	if endpoint != "" {
		if p.CheckEndpoint && !apikey.CanAccessEndpoint(key.AllowedEndpoints, endpoint) {
			return deny(ReasonEndpointNotAllowed), nil
		}
		if p.CheckTierPaths && !v.tiers.TierCanAccess(key.Tier, endpoint) {
			return deny(ReasonInsufficientTier), nil
		}
	}
	if creds.Origin != "" && !apikey.OriginAllowed(key.AllowedOrigins, creds.Origin) {
		return deny(ReasonOriginNotAllowed), nil
	}

	if !apikey.TierAllows(key.Tier, p.RequiredTier) {
		return deny(ReasonInsufficientTier), nil
	}
	if p.CheckMonthly && apikey.IsMonthlyLimitExceeded(key, now) {
		return Decision{Reason: ReasonMonthlyQuotaExceeded, Limit: *key.MonthlyLimit, Used: key.MonthlyUsage(now)}, nil
	}

	return Decision{Key: describe(key, now)}, nil
}

// markExpired persists the lazy transition to expired. It only moves an
// active record, so a concurrent revoke wins. The deny does not depend on
// it, so a failure is only logged.
func (v *Validator) markExpired(ctx context.Context, id string) {
	expired, active := model.StatusExpired, model.StatusActive
	_, err := v.store.Update(ctx, id, model.APIKeyPatch{Status: &expired, IfStatus: &active})
	if errors.Is(err, store.ErrStatusChanged) {
		v.logger.Debug("api key changed status before expiry was recorded", "key_id", id)
		return
	}
	if err != nil {
		v.logger.Warn("failed to mark api key expired", "key_id", id, "error", err)
		return
	}
	v.logger.Info("api key expired", "key_id", id)
}

func describe(k *model.APIKey, now time.Time) *ValidatedKey {
	endpoints := k.AllowedEndpoints
	if endpoints == nil {
		endpoints = []string{}
	}
	return &ValidatedKey{
		ID:               k.ID,
		UserID:           k.UserID,
		Tier:             k.Tier,
		KeyPrefix:        k.KeyPrefix,
		RequestCount:     k.RequestCount,
		DailyLimit:       k.DailyLimit,
		MonthlyLimit:     k.MonthlyLimit,
		MonthlyUsage:     k.MonthlyUsage(now),
		AllowedEndpoints: endpoints,
	}
}
