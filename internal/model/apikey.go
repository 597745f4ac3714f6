package model

import "time"

// APIKeyPrefix is the literal marker every raw API key starts with. The
// credential parser classifies by this prefix before any store lookup.
const APIKeyPrefix = "rtk_"

// APIKey is a long-lived credential a user mints for themselves. The raw
// key is never stored; only a SHA-256 hash and a short prefix for
// identification are persisted.
type APIKey struct {
	ID                string
	OwnerID           string
	DisplayName       string
	KeyHash           string // SHA-256 hash, never expose
	KeyPrefix         string // "rtk_" + first 8 hex chars, for identification
	Scopes            []Scope
	Tier              Tier
	RateLimitOverride int      // 0 means no override
	IPAllowList       []string // persisted but not enforced; extension point
	IsActive          bool
	ExpiresAt         *time.Time // nil means never expires
	CreatedAt         time.Time
	LastUsedAt        *time.Time
	RequestCount      int64
}

// Expired reports whether the key is expired at the given instant. The
// boundary is treated as expired: a key expiring exactly at now is rejected.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !k.ExpiresAt.After(now)
}
