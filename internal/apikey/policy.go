package apikey

import (
	"strings"
	"time"

	"github.com/pdfflex/gatekeeper/internal/model"
)

// DefaultPremiumEndpoints are the path prefixes reserved for premium keys.
var DefaultPremiumEndpoints = []string{
	"/api/premium/",
	"/api/paid/",
	"/url-to-pdf",
	"/html-to-pdf",
	"/office-conversion",
}

// IsExpired reports whether a key with the given expiry is past it at now.
// A nil expiry never expires.
func IsExpired(expiresAt *time.Time, now time.Time) bool {
	return expiresAt != nil && now.After(*expiresAt)
}

// IsDailyLimitExceeded reports whether count has reached limit. A nil or
// non-positive limit is unlimited. The counter is the key's lifetime
// request count; it is not reset daily.
func IsDailyLimitExceeded(count int64, limit *int64) bool {
	if limit == nil || *limit <= 0 {
		return false
	}
	return count >= *limit
}

// IsMonthlyLimitExceeded reports whether the key's usage in the month
// containing now has reached its monthly limit.
func IsMonthlyLimitExceeded(k *model.APIKey, now time.Time) bool {
	if k.MonthlyLimit == nil || *k.MonthlyLimit <= 0 {
		return false
	}
	return k.MonthlyUsage(now) >= *k.MonthlyLimit
}

// RequestsRemaining returns how many requests are left under limit, or -1
// when unlimited.
func RequestsRemaining(count int64, limit *int64) int64 {
	if limit == nil || *limit <= 0 {
		return -1
	}
	if count >= *limit {
		return 0
	}
	return *limit - count
}

// CanAccessEndpoint reports whether path is permitted by the allow-list.
// An empty list is unrestricted. An entry matches exactly or, when it
// contains a single '*', by prefix and suffix around the wildcard.
func CanAccessEndpoint(allowed []string, path string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, pattern := range allowed {
		if matchPattern(pattern, path) {
			return true
		}
	}
	return false
}

// OriginAllowed applies the same matching rules to a request origin.
func OriginAllowed(allowed []string, origin string) bool {
	return CanAccessEndpoint(allowed, origin)
}

func matchPattern(pattern, s string) bool {
	i := strings.IndexByte(pattern, '*')
	if i < 0 {
		return pattern == s
	}
	if strings.Count(pattern, "*") > 1 {
		return false
	}
	prefix, suffix := pattern[:i], pattern[i+1:]
	return len(s) >= len(prefix)+len(suffix) &&
		strings.HasPrefix(s, prefix) && strings.HasSuffix(s, suffix)
}

// TierAllows reports whether a key of tier have satisfies a requirement of
// tier want. An empty requirement is always satisfied.
func TierAllows(have, want model.Tier) bool {
	if want == "" {
		return true
	}
	return have.Rank() >= want.Rank()
}

// TierRules maps request paths to the minimum tier they need.
type TierRules struct {
	PremiumPrefixes []string
}

// RequiredTier returns the tier path needs: premium when it starts with any
// premium prefix, otherwise free.
func (r TierRules) RequiredTier(path string) model.Tier {
	for _, p := range r.PremiumPrefixes {
		if p != "" && strings.HasPrefix(path, p) {
			return model.TierPremium
		}
	}
	return model.TierFree
}

// TierCanAccess reports whether a key of tier may call path.
func (r TierRules) TierCanAccess(tier model.Tier, path string) bool {
	return TierAllows(tier, r.RequiredTier(path))
}
