package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/rapidtriage/triage/internal/model"
	"github.com/rapidtriage/triage/internal/store"
	"github.com/rapidtriage/triage/internal/store/sqlite"
)

func testStore(t *testing.T) store.Store {
	t.Helper()
	s, err := sqlite.New(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedKey(t *testing.T, s store.Store, mutate func(*model.APIKey)) (model.APIKey, string) {
	t.Helper()
	secret, err := store.GenerateSecret()
	if err != nil {
		t.Fatalf("generate secret: %v", err)
	}
	key := model.APIKey{
		ID:          "key-" + secret[len(secret)-8:],
		OwnerID:     "user-1",
		DisplayName: "ci key",
		KeyHash:     store.HashSecret(secret),
		KeyPrefix:   store.SecretPrefix(secret),
		Scopes:      []model.Scope{model.ScopeRead, model.ScopeScreenshot},
		Tier:        model.TierStandard,
		IsActive:    true,
	}
	if mutate != nil {
		mutate(&key)
	}
	if err := s.CreateAPIKey(context.Background(), &key); err != nil {
		t.Fatalf("create key: %v", err)
	}
	return key, secret
}

func TestAPIKeyVerify(t *testing.T) {
	s := testStore(t)
	key, secret := seedKey(t, s, nil)
	v := NewAPIKeyVerifier(s, 0, 0, testLogger())

	p, err := v.Verify(context.Background(), secret)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if p.ID != key.OwnerID {
		t.Errorf("principal ID = %q, want %q", p.ID, key.OwnerID)
	}
	if p.KeyID != key.ID {
		t.Errorf("key ID = %q, want %q", p.KeyID, key.ID)
	}
	if p.Scheme != model.SchemeAPIKey {
		t.Errorf("scheme = %q", p.Scheme)
	}
	if !p.HasScope(model.ScopeScreenshot) || p.HasScope(model.ScopeWrite) {
		t.Error("scope grant does not match the key")
	}
}

func TestAPIKeyVerifyUnknown(t *testing.T) {
	s := testStore(t)
	v := NewAPIKeyVerifier(s, 0, 0, testLogger())

	_, err := v.Verify(context.Background(), "rtk_0000000000000000000000000000000000000000")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestAPIKeyVerifyRevoked(t *testing.T) {
	s := testStore(t)
	key, secret := seedKey(t, s, nil)
	v := NewAPIKeyVerifier(s, 0, 0, testLogger())

	if err := s.RevokeAPIKey(context.Background(), key.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	_, err := v.Verify(context.Background(), secret)
	if !errors.Is(err, ErrRevoked) {
		t.Fatalf("error = %v, want ErrRevoked", err)
	}
}

func TestAPIKeyVerifyExpiredBoundary(t *testing.T) {
	s := testStore(t)
	expiry := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_, secret := seedKey(t, s, func(k *model.APIKey) {
		k.ExpiresAt = &expiry
	})
	v := NewAPIKeyVerifier(s, 0, 0, testLogger())

	// One second before expiry: valid.
	v.now = func() time.Time { return expiry.Add(-time.Second) }
	if _, err := v.Verify(context.Background(), secret); err != nil {
		t.Fatalf("before expiry: %v", err)
	}

	// At the exact expiry instant: expired.
	v.now = func() time.Time { return expiry }
	if _, err := v.Verify(context.Background(), secret); !errors.Is(err, ErrExpired) {
		t.Fatalf("at expiry: error = %v, want ErrExpired", err)
	}
}

func TestAPIKeyRevocationBeatsCache(t *testing.T) {
	s := testStore(t)
	key, secret := seedKey(t, s, nil)
	v := NewAPIKeyVerifier(s, 128, time.Minute, testLogger())

	// Warm the cache.
	if _, err := v.Verify(context.Background(), secret); err != nil {
		t.Fatalf("warm: %v", err)
	}

	// Revoke through the lifecycle service, which invalidates the cache.
	svc := NewKeyService(s, testLimits(), v)
	admin := &model.Principal{
		ID:     "svc:ops",
		Scheme: model.SchemeServiceToken,
		Scopes: model.NewScopeSet([]model.Scope{model.ScopeAdmin}),
	}
	if err := svc.Revoke(context.Background(), admin, key.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	if _, err := v.Verify(context.Background(), secret); !errors.Is(err, ErrRevoked) {
		t.Fatalf("error = %v, want ErrRevoked immediately after revocation", err)
	}
}
