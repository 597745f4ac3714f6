// Package store defines the persistence contract for the access engine.
// The engine needs three things from a backend: point lookup by key,
// lookup by a secondary unique value (API key hash), and an atomic
// check-then-increment for quota counters.
package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/rapidtriage/triage/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Store is the backing persistent store. Implementations must be safe for
// concurrent use; TryConsume must be atomic (two concurrent calls against
// the same counter must never jointly overshoot the ceiling).
type Store interface {
	// CreateAPIKey inserts a new API key record. CreatedAt is populated on
	// success.
	CreateAPIKey(ctx context.Context, key *model.APIKey) error

	// GetAPIKeyByHash looks up an API key by its SHA-256 secret hash.
	GetAPIKeyByHash(ctx context.Context, hash string) (*model.APIKey, error)

	// GetAPIKey looks up an API key by ID.
	GetAPIKey(ctx context.Context, id string) (*model.APIKey, error)

	// ListAPIKeysByOwner returns all keys minted by one owner, newest first.
	ListAPIKeysByOwner(ctx context.Context, ownerID string) ([]model.APIKey, error)

	// RevokeAPIKey marks a key inactive. The record is kept for audit.
	RevokeAPIKey(ctx context.Context, id string) error

	// TouchAPIKey records a successful verification: bumps request_count
	// and sets last_used_at.
	TouchAPIKey(ctx context.Context, id string) error

	// TryConsume atomically adds amount to the (principal, period) counter
	// unless the result would exceed ceiling. A negative ceiling means
	// unlimited. Returns the counter value after the operation (unchanged
	// when denied) and whether the increment was committed.
	TryConsume(ctx context.Context, principalID, periodID string, amount, ceiling int64) (consumed int64, allowed bool, err error)

	// GetQuotaCounter returns the counter for one principal and period.
	GetQuotaCounter(ctx context.Context, principalID, periodID string) (*model.QuotaCounter, error)

	// PruneQuotaCounters deletes counters for periods strictly before
	// cutoffPeriod, returning the number deleted.
	PruneQuotaCounters(ctx context.Context, cutoffPeriod string) (int64, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// HashSecret returns the hex-encoded SHA-256 hash of a raw credential.
func HashSecret(secret string) string {
	h := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(h[:])
}

// GenerateSecret returns a new raw API key: the fixed marker prefix plus
// 32 random bytes hex encoded.
func GenerateSecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return model.APIKeyPrefix + hex.EncodeToString(raw), nil
}

// SecretPrefix returns the display prefix of a raw key: the marker plus
// the first 8 hex characters.
func SecretPrefix(secret string) string {
	n := len(model.APIKeyPrefix) + 8
	if len(secret) < n {
		return secret
	}
	return secret[:n]
}
