package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/rapidtriage/triage/internal/model"
	"github.com/rapidtriage/triage/internal/store"
)

// APIKeyVerifier authenticates prefixed API keys against the store by
// SHA-256 hash. Lookups may be served from a bounded TTL cache; the cache
// is a performance optimization only, and revocation invalidates it
// immediately.
type APIKeyVerifier struct {
	store  store.Store
	cache  *expirable.LRU[string, *model.APIKey]
	logger *slog.Logger
	now    func() time.Time
}

// NewAPIKeyVerifier creates a verifier. cacheTTL of zero disables caching.
func NewAPIKeyVerifier(s store.Store, cacheSize int, cacheTTL time.Duration, logger *slog.Logger) *APIKeyVerifier {
	v := &APIKeyVerifier{
		store:  s,
		logger: logger,
		now:    time.Now,
	}
	if cacheTTL > 0 && cacheSize > 0 {
		v.cache = expirable.NewLRU[string, *model.APIKey](cacheSize, nil, cacheTTL)
	}
	return v
}

// Verify looks the key up by hash and checks liveness. Activity and
// expiry are checked on every verification, cached or not. The
// bookkeeping write (last used, request count) is fire-and-forget: its
// failure never turns a valid credential into a denial.
func (v *APIKeyVerifier) Verify(ctx context.Context, credential string) (*model.Principal, error) {
	hash := store.HashSecret(credential)

	key, err := v.lookup(ctx, hash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	if !key.IsActive {
		v.Forget(hash)
		return nil, fmt.Errorf("%w: api key %s", ErrRevoked, key.KeyPrefix)
	}
	if key.Expired(v.now()) {
		return nil, fmt.Errorf("%w: api key %s", ErrExpired, key.KeyPrefix)
	}

	go v.touch(key.ID)

	return &model.Principal{
		ID:                key.OwnerID,
		Scheme:            model.SchemeAPIKey,
		Scopes:            model.NewScopeSet(key.Scopes),
		Tier:              key.Tier,
		RateLimitOverride: key.RateLimitOverride,
		KeyID:             key.ID,
	}, nil
}

func (v *APIKeyVerifier) lookup(ctx context.Context, hash string) (*model.APIKey, error) {
	if v.cache != nil {
		if key, ok := v.cache.Get(hash); ok {
			return key, nil
		}
	}
	key, err := v.store.GetAPIKeyByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if v.cache != nil {
		v.cache.Add(hash, key)
	}
	return key, nil
}

// Forget drops a key from the lookup cache. Called on revocation so the
// very next verification sees the store's truth.
func (v *APIKeyVerifier) Forget(hash string) {
	if v.cache != nil {
		v.cache.Remove(hash)
	}
}

// touch records a successful verification in the background, detached
// from the request's cancellation but bounded by its own timeout.
func (v *APIKeyVerifier) touch(keyID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := v.store.TouchAPIKey(ctx, keyID); err != nil {
		v.logger.Debug("api key bookkeeping write failed", "key_id", keyID, "error", err)
	}
}
