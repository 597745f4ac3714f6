package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rapidtriage/triage/internal/model"
)

func TestSessionRoundTrip(t *testing.T) {
	v := NewSessionVerifier([]byte("test-signing-secret"))

	token, err := v.Issue("user-42", "dev@rapidtriage.io", model.TierTeam,
		[]model.Scope{model.ScopeRead, model.ScopeLogs}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	p, err := v.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if p.ID != "user-42" {
		t.Errorf("subject = %q, want user-42", p.ID)
	}
	if p.Email != "dev@rapidtriage.io" {
		t.Errorf("email = %q", p.Email)
	}
	if p.Tier != model.TierTeam {
		t.Errorf("tier = %q, want team", p.Tier)
	}
	if p.Scheme != model.SchemeSessionToken {
		t.Errorf("scheme = %q", p.Scheme)
	}
	if !p.HasScope(model.ScopeRead) || !p.HasScope(model.ScopeLogs) {
		t.Error("missing granted scopes")
	}
	if p.HasScope(model.ScopeWrite) {
		t.Error("write scope granted but never issued")
	}
}

func TestSessionExpired(t *testing.T) {
	v := NewSessionVerifier([]byte("test-signing-secret"))

	token, err := v.Issue("user-42", "", model.TierFree, nil, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	// Move the verifier's clock past the expiry.
	v.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	_, err = v.Verify(context.Background(), token)
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("error = %v, want ErrExpired", err)
	}
}

func TestSessionWrongSecret(t *testing.T) {
	issuer := NewSessionVerifier([]byte("secret-a"))
	verifier := NewSessionVerifier([]byte("secret-b"))

	token, err := issuer.Issue("user-42", "", model.TierFree, nil, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	_, err = verifier.Verify(context.Background(), token)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("error = %v, want ErrInvalidSignature", err)
	}
}

func TestSessionGarbage(t *testing.T) {
	v := NewSessionVerifier([]byte("test-signing-secret"))

	for _, cred := range []string{"a.b.c", "....", "eyJhbGciOiJIUzI1NiJ9..x"} {
		if _, err := v.Verify(context.Background(), cred); !errors.Is(err, ErrInvalidSignature) {
			t.Errorf("Verify(%q) error = %v, want ErrInvalidSignature", cred, err)
		}
	}
}

func TestSessionDefaultScopes(t *testing.T) {
	v := NewSessionVerifier([]byte("test-signing-secret"))

	// No explicit scopes in the token: the principal gets the standard
	// user grant set, which never includes admin.
	token, err := v.Issue("user-42", "", model.TierStandard, nil, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	p, err := v.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !p.HasScope(model.ScopeRead) || !p.HasScope(model.ScopeScreenshot) {
		t.Error("default scopes missing")
	}
	if p.HasScope(model.ScopeAdmin) {
		t.Error("admin scope must not be granted by default")
	}
}
