package model

import "time"

// Tier is the service level a key is issued for.
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t == TierFree || t == TierPremium
}

// Rank orders tiers so that a higher rank satisfies any lower requirement.
// Unknown tiers rank below free.
func (t Tier) Rank() int {
	switch t {
	case TierFree:
		return 1
	case TierPremium:
		return 2
	}
	return 0
}

// Status is the lifecycle state of an API key. Only StatusActive
// authenticates; revoked and expired are terminal.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusRevoked  Status = "revoked"
	StatusExpired  Status = "expired"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusRevoked, StatusExpired:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusRevoked || s == StatusExpired
}

// APIKey is the persisted credential record. The plaintext key is never
// stored; KeyHash holds its one-way hash and KeyPrefix a short display form.
type APIKey struct {
	ID          string `json:"id"`
	UserID      string `json:"userId"`
	KeyHash     string `json:"-"`
	KeyPrefix   string `json:"keyPrefix"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Tier        Tier   `json:"tier"`
	Status      Status `json:"status"`

	RequestCount int64  `json:"requestCount"`
	DailyLimit   *int64 `json:"dailyLimit,omitempty"`
	MonthlyLimit *int64 `json:"monthlyLimit,omitempty"`
	MonthlyCount int64  `json:"monthlyCount"`
	UsageMonth   string `json:"usageMonth,omitempty"` // YYYY-MM, UTC

	AllowedEndpoints []string `json:"allowedEndpoints"`
	AllowedOrigins   []string `json:"allowedOrigins"`

	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`

	CreatedFromIP  string `json:"createdFromIp,omitempty"`
	LastUsedFromIP string `json:"lastUsedFromIp,omitempty"`
}

// UsageMonthOf returns the monthly usage window key for t.
func UsageMonthOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// MonthlyUsage returns the number of requests counted in the window that
// contains now. A counter from an earlier month reads as zero.
func (k *APIKey) MonthlyUsage(now time.Time) int64 {
	if k.UsageMonth != UsageMonthOf(now) {
		return 0
	}
	return k.MonthlyCount
}

// APIKeyPatch is a partial update. Nil fields are left unchanged.
type APIKeyPatch struct {
	Name             *string
	Description      *string
	Status           *Status
	DailyLimit       **int64
	MonthlyLimit     **int64
	AllowedEndpoints *[]string
	AllowedOrigins   *[]string
	RequestCount     *int64
	MonthlyCount     *int64
	UsageMonth       *string
	LastUsedAt       *time.Time
	LastUsedFromIP   *string

	// IfStatus makes the update conditional on the stored status. It is a
	// guard, not a change.
	IfStatus *Status
}

// Empty reports whether the patch changes nothing.
func (p APIKeyPatch) Empty() bool {
	return p.Name == nil && p.Description == nil && p.Status == nil &&
		p.DailyLimit == nil && p.MonthlyLimit == nil &&
		p.AllowedEndpoints == nil && p.AllowedOrigins == nil &&
		p.RequestCount == nil && p.MonthlyCount == nil && p.UsageMonth == nil &&
		p.LastUsedAt == nil && p.LastUsedFromIP == nil
}

// Apply copies the set fields of p onto k.
func (p APIKeyPatch) Apply(k *APIKey) {
	if p.Name != nil {
		k.Name = *p.Name
	}
	if p.Description != nil {
		k.Description = *p.Description
	}
	if p.Status != nil {
		k.Status = *p.Status
	}
	if p.DailyLimit != nil {
		k.DailyLimit = *p.DailyLimit
	}
	if p.MonthlyLimit != nil {
		k.MonthlyLimit = *p.MonthlyLimit
	}
	if p.AllowedEndpoints != nil {
		k.AllowedEndpoints = *p.AllowedEndpoints
	}
	if p.AllowedOrigins != nil {
		k.AllowedOrigins = *p.AllowedOrigins
	}
	if p.RequestCount != nil {
		k.RequestCount = *p.RequestCount
	}
	if p.MonthlyCount != nil {
		k.MonthlyCount = *p.MonthlyCount
	}
	if p.UsageMonth != nil {
		k.UsageMonth = *p.UsageMonth
	}
	if p.LastUsedAt != nil {
		t := *p.LastUsedAt
		k.LastUsedAt = &t
	}
	if p.LastUsedFromIP != nil {
		k.LastUsedFromIP = *p.LastUsedFromIP
	}
}
