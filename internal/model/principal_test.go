package model

import (
	"testing"
	"time"
)

func TestNewScopeSetAdminImpliesAll(t *testing.T) {
	set := NewScopeSet([]Scope{ScopeAdmin})
	for _, sc := range AllScopes {
		if !set.Has(sc) {
			t.Errorf("admin set missing %q", sc)
		}
	}
}

func TestNewScopeSetPlain(t *testing.T) {
	set := NewScopeSet([]Scope{ScopeRead, ScopeScreenshot})
	if !set.Has(ScopeRead) || !set.Has(ScopeScreenshot) {
		t.Fatal("granted scopes missing")
	}
	if set.Has(ScopeWrite) || set.Has(ScopeAdmin) {
		t.Fatal("ungranted scope present")
	}
}

func TestParseScope(t *testing.T) {
	if _, err := ParseScope("screenshot"); err != nil {
		t.Fatalf("ParseScope: %v", err)
	}
	if _, err := ParseScope("delete-everything"); err == nil {
		t.Fatal("expected error for unknown scope")
	}
}

func TestParseTier(t *testing.T) {
	for _, s := range []string{"free", "standard", "team", "enterprise"} {
		if _, err := ParseTier(s); err != nil {
			t.Errorf("ParseTier(%q): %v", s, err)
		}
	}
	if _, err := ParseTier("platinum"); err == nil {
		t.Fatal("expected error for unknown tier")
	}
}

func TestAPIKeyExpiredBoundary(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	exact := now
	key := &APIKey{ExpiresAt: &exact}
	if !key.Expired(now) {
		t.Fatal("key expiring exactly at now must count as expired")
	}

	later := now.Add(time.Second)
	key = &APIKey{ExpiresAt: &later}
	if key.Expired(now) {
		t.Fatal("key expiring after now must not count as expired")
	}

	key = &APIKey{}
	if key.Expired(now) {
		t.Fatal("key without expiry must never expire")
	}
}
