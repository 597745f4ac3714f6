package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rapidtriage/triage/internal/model"
)

// SessionVerifier validates and issues the HMAC-signed session tokens the
// dashboard and extension use after login.
type SessionVerifier struct {
	secret []byte
	now    func() time.Time
}

// NewSessionVerifier creates a verifier over the shared signing secret.
func NewSessionVerifier(secret []byte) *SessionVerifier {
	return &SessionVerifier{secret: secret, now: time.Now}
}

type sessionClaims struct {
	Email  string   `json:"email,omitempty"`
	Tier   string   `json:"tier,omitempty"`
	Scopes []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// Verify recomputes the expected signature over the token, checks
// expiration, and extracts the subject into a Principal.
func (v *SessionVerifier) Verify(_ context.Context, credential string) (*model.Principal, error) {
	claims := &sessionClaims{}

	token, err := jwt.ParseWithClaims(credential, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", token.Method.Alg())
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: session token expired", ErrExpired)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !token.Valid {
		return nil, ErrInvalidSignature
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidSignature)
	}

	tier := model.TierFree
	if claims.Tier != "" {
		if t, err := model.ParseTier(claims.Tier); err == nil {
			tier = t
		}
	}

	scopes := defaultUserScopes
	if len(claims.Scopes) > 0 {
		parsed, err := model.ParseScopes(claims.Scopes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		scopes = parsed
	}

	return &model.Principal{
		ID:     claims.Subject,
		Email:  claims.Email,
		Scheme: model.SchemeSessionToken,
		Scopes: model.NewScopeSet(scopes),
		Tier:   tier,
	}, nil
}

// Issue creates a signed session token for the given subject.
func (v *SessionVerifier) Issue(subjectID, email string, tier model.Tier, scopes []model.Scope, ttl time.Duration) (string, error) {
	now := v.now()

	rawScopes := make([]string, len(scopes))
	for i, sc := range scopes {
		rawScopes[i] = string(sc)
	}

	claims := sessionClaims{
		Email:  email,
		Tier:   string(tier),
		Scopes: rawScopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "triage",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
