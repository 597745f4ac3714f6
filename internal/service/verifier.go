package service

import (
	"context"
	"crypto/subtle"
	"fmt"

	"github.com/rapidtriage/triage/internal/config"
	"github.com/rapidtriage/triage/internal/idp"
	"github.com/rapidtriage/triage/internal/model"
)

// Verifier validates a classified credential and produces a Principal.
// Each scheme has exactly one Verifier; failure is terminal for the
// request.
type Verifier interface {
	Verify(ctx context.Context, credential string) (*model.Principal, error)
}

// defaultUserScopes is the grant set for principals authenticated by a
// session or identity token: everything a regular user may do, short of
// admin.
var defaultUserScopes = []model.Scope{
	model.ScopeRead,
	model.ScopeWrite,
	model.ScopeScreenshot,
	model.ScopeLogs,
	model.ScopeAudit,
}

// ServiceTokenVerifier authenticates trusted internal callers by
// constant-time comparison against configured secrets.
type ServiceTokenVerifier struct {
	tokens []config.ServiceToken
}

// NewServiceTokenVerifier creates a verifier over the configured tokens.
func NewServiceTokenVerifier(tokens []config.ServiceToken) *ServiceTokenVerifier {
	return &ServiceTokenVerifier{tokens: tokens}
}

// Verify matches the credential against every configured token. A match
// yields a fully trusted principal: admin scope, no quota enforcement.
func (v *ServiceTokenVerifier) Verify(_ context.Context, credential string) (*model.Principal, error) {
	for _, st := range v.tokens {
		if st.Token != "" && subtle.ConstantTimeCompare([]byte(credential), []byte(st.Token)) == 1 {
			return &model.Principal{
				ID:     "svc:" + st.Name,
				Scheme: model.SchemeServiceToken,
				Scopes: model.NewScopeSet([]model.Scope{model.ScopeAdmin}),
				Tier:   model.TierEnterprise,
			}, nil
		}
	}
	return nil, fmt.Errorf("%w: service token mismatch", ErrInvalidSignature)
}

// IdentityTokenVerifier delegates to the external identity provider.
type IdentityTokenVerifier struct {
	provider idp.Verifier
}

// NewIdentityTokenVerifier creates a verifier backed by the given provider.
func NewIdentityTokenVerifier(provider idp.Verifier) *IdentityTokenVerifier {
	return &IdentityTokenVerifier{provider: provider}
}

// Verify hands the token to the provider and maps its claims onto a
// Principal. Provider faults surface as infrastructure errors, not
// denials.
func (v *IdentityTokenVerifier) Verify(ctx context.Context, credential string) (*model.Principal, error) {
	identity, err := v.provider.Verify(ctx, credential)
	if err != nil {
		if err == idp.ErrInvalidToken {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	tier := model.TierFree
	if identity.Tier != "" {
		if t, err := model.ParseTier(identity.Tier); err == nil {
			tier = t
		}
	}

	return &model.Principal{
		ID:     identity.SubjectID,
		Email:  identity.Email,
		Scheme: model.SchemeIdentityToken,
		Scopes: model.NewScopeSet(defaultUserScopes),
		Tier:   tier,
	}, nil
}
