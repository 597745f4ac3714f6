package service

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/rapidtriage/triage/internal/config"
	"github.com/rapidtriage/triage/internal/model"
	"github.com/rapidtriage/triage/internal/store"
)

// IssueKeyRequest carries the parameters for minting a new API key.
// Bounds are validated, never clamped: out-of-range values are rejected.
type IssueKeyRequest struct {
	DisplayName   string   `json:"name" validate:"required,max=100"`
	Scopes        []string `json:"scopes" validate:"required,min=1"`
	ExpiresInDays int      `json:"expires_in_days,omitempty"`
	RateLimit     int      `json:"rate_limit,omitempty"`
	IPAllowList   []string `json:"ip_allow_list,omitempty" validate:"omitempty,dive,cidr|ip"`
}

// IssuedKey pairs the persisted record with the raw secret. The secret is
// returned exactly once; it is never retrievable again.
type IssuedKey struct {
	Key    model.APIKey
	Secret string
}

// KeyService owns the API key lifecycle: issue, list, revoke.
type KeyService struct {
	store    store.Store
	limits   config.LimitsConfig
	validate *validator.Validate
	verifier *APIKeyVerifier
	now      func() time.Time
}

// NewKeyService creates a KeyService. verifier may be nil when no lookup
// cache needs invalidating (CLI usage).
func NewKeyService(s store.Store, limits config.LimitsConfig, verifier *APIKeyVerifier) *KeyService {
	return &KeyService{
		store:    s,
		limits:   limits,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		verifier: verifier,
		now:      time.Now,
	}
}

// Issue mints a new API key for the requester. A key can never mint
// another key: requests authenticated by the api-key scheme are refused
// regardless of their scopes, blocking privilege self-amplification.
func (s *KeyService) Issue(ctx context.Context, requester *model.Principal, req IssueKeyRequest) (*IssuedKey, error) {
	if requester.Scheme == model.SchemeAPIKey {
		return nil, fmt.Errorf("%w: api keys cannot mint api keys", ErrForbidden)
	}

	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	scopes, err := model.ParseScopes(req.Scopes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	for _, sc := range scopes {
		if !requester.HasScope(sc) {
			return nil, fmt.Errorf("%w: cannot grant scope %q beyond own grants", ErrValidation, sc)
		}
	}

	if req.ExpiresInDays != 0 &&
		(req.ExpiresInDays < s.limits.MinExpiresInDays || req.ExpiresInDays > s.limits.MaxExpiresInDays) {
		return nil, fmt.Errorf("%w: expires_in_days must be between %d and %d",
			ErrValidation, s.limits.MinExpiresInDays, s.limits.MaxExpiresInDays)
	}
	if req.RateLimit != 0 &&
		(req.RateLimit < s.limits.MinRateLimit || req.RateLimit > s.limits.MaxRateLimit) {
		return nil, fmt.Errorf("%w: rate_limit must be between %d and %d",
			ErrValidation, s.limits.MinRateLimit, s.limits.MaxRateLimit)
	}

	secret, err := store.GenerateSecret()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	key := model.APIKey{
		ID:                uuid.Must(uuid.NewV7()).String(),
		OwnerID:           requester.ID,
		DisplayName:       req.DisplayName,
		KeyHash:           store.HashSecret(secret),
		KeyPrefix:         store.SecretPrefix(secret),
		Scopes:            scopes,
		Tier:              requester.Tier,
		RateLimitOverride: req.RateLimit,
		IPAllowList:       req.IPAllowList,
		IsActive:          true,
	}
	if req.ExpiresInDays != 0 {
		exp := s.now().UTC().AddDate(0, 0, req.ExpiresInDays)
		key.ExpiresAt = &exp
	}

	if err := s.store.CreateAPIKey(ctx, &key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	return &IssuedKey{Key: key, Secret: secret}, nil
}

// List returns the requester's own keys.
func (s *KeyService) List(ctx context.Context, requester *model.Principal) ([]model.APIKey, error) {
	keys, err := s.store.ListAPIKeysByOwner(ctx, requester.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return keys, nil
}

// Revoke deactivates a key. Only the owner or a principal with admin
// scope may revoke; the record is kept for audit. The lookup cache is
// invalidated so the very next verification fails.
func (s *KeyService) Revoke(ctx context.Context, requester *model.Principal, keyID string) error {
	key, err := s.store.GetAPIKey(ctx, keyID)
	if err != nil {
		if err == store.ErrNotFound {
			return err
		}
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	if key.OwnerID != requester.ID && !requester.HasScope(model.ScopeAdmin) {
		return fmt.Errorf("%w: not the key owner", ErrForbidden)
	}

	if err := s.store.RevokeAPIKey(ctx, keyID); err != nil {
		if err == store.ErrNotFound {
			return err
		}
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	if s.verifier != nil {
		s.verifier.Forget(key.KeyHash)
	}
	return nil
}
