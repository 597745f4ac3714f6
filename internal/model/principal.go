package model

import "fmt"

// Scheme identifies which credential scheme authenticated a request.
// The scheme is chosen by credential shape alone; trust comes from the
// matching verifier, never from classification.
type Scheme string

const (
	SchemeServiceToken  Scheme = "service_token"
	SchemeAPIKey        Scheme = "api_key"
	SchemeSessionToken  Scheme = "session_token"
	SchemeIdentityToken Scheme = "identity_token"
)

// Scope is a named permission from a closed vocabulary.
type Scope string

const (
	ScopeRead       Scope = "read"
	ScopeWrite      Scope = "write"
	ScopeAdmin      Scope = "admin"
	ScopeScreenshot Scope = "screenshot"
	ScopeLogs       Scope = "logs"
	ScopeAudit      Scope = "audit"
)

// AllScopes lists every valid scope. Order is stable for display.
var AllScopes = []Scope{ScopeRead, ScopeWrite, ScopeAdmin, ScopeScreenshot, ScopeLogs, ScopeAudit}

// ParseScope validates a raw scope string against the closed vocabulary.
func ParseScope(s string) (Scope, error) {
	for _, sc := range AllScopes {
		if string(sc) == s {
			return sc, nil
		}
	}
	return "", fmt.Errorf("unknown scope %q", s)
}

// ParseScopes validates a list of raw scope strings.
func ParseScopes(raw []string) ([]Scope, error) {
	scopes := make([]Scope, 0, len(raw))
	for _, s := range raw {
		sc, err := ParseScope(s)
		if err != nil {
			return nil, err
		}
		scopes = append(scopes, sc)
	}
	return scopes, nil
}

// ScopeSet is the resolved grant set of a principal. The admin-implies-all
// rule is applied once at construction, so Has is a plain lookup.
type ScopeSet map[Scope]bool

// NewScopeSet builds a ScopeSet from a scope list, expanding admin to the
// full vocabulary.
func NewScopeSet(scopes []Scope) ScopeSet {
	set := make(ScopeSet, len(scopes))
	for _, sc := range scopes {
		set[sc] = true
	}
	if set[ScopeAdmin] {
		for _, sc := range AllScopes {
			set[sc] = true
		}
	}
	return set
}

// Has reports whether the set grants the given scope.
func (s ScopeSet) Has(sc Scope) bool {
	return s[sc]
}

// Slice returns the granted scopes in vocabulary order.
func (s ScopeSet) Slice() []Scope {
	out := make([]Scope, 0, len(s))
	for _, sc := range AllScopes {
		if s[sc] {
			out = append(out, sc)
		}
	}
	return out
}

// Tier is a subscription tier. It drives the monthly quota ceiling, which
// is resolved from configuration, not from the tier itself.
type Tier string

const (
	TierFree       Tier = "free"
	TierStandard   Tier = "standard"
	TierTeam       Tier = "team"
	TierEnterprise Tier = "enterprise"
)

// ParseTier validates a raw tier string. Unknown tiers are rejected rather
// than silently downgraded.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierFree, TierStandard, TierTeam, TierEnterprise:
		return Tier(s), nil
	}
	return "", fmt.Errorf("unknown tier %q", s)
}

// Principal is the resolved identity of a caller for one request. It is a
// transient projection of verification output and is never persisted.
type Principal struct {
	ID                string   `json:"id"`
	Email             string   `json:"email,omitempty"`
	Scheme            Scheme   `json:"scheme"`
	Scopes            ScopeSet `json:"-"`
	Tier              Tier     `json:"tier,omitempty"`
	RateLimitOverride int      `json:"rate_limit_override,omitempty"`
	KeyID             string   `json:"key_id,omitempty"`
}

// HasScope reports whether the principal holds the given scope, with admin
// implying all scopes.
func (p *Principal) HasScope(sc Scope) bool {
	return p.Scopes.Has(sc)
}
