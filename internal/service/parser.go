package service

import (
	"crypto/subtle"
	"strings"

	"github.com/rapidtriage/triage/internal/config"
	"github.com/rapidtriage/triage/internal/model"
)

// Classifier decides which credential scheme a raw bearer string belongs
// to, by shape alone. Classification only selects a verifier; it grants no
// trust. There is no fallback: once a shape matches, that scheme's
// verifier is the only one consulted.
type Classifier struct {
	serviceTokens  []string
	keyPrefix      string
	sessionMaxLen  int
	identityMinLen int
}

// NewClassifier builds a Classifier from the auth configuration.
func NewClassifier(cfg config.AuthConfig) *Classifier {
	tokens := make([]string, 0, len(cfg.ServiceTokens))
	for _, st := range cfg.ServiceTokens {
		if st.Token != "" {
			tokens = append(tokens, st.Token)
		}
	}
	return &Classifier{
		serviceTokens:  tokens,
		keyPrefix:      model.APIKeyPrefix,
		sessionMaxLen:  cfg.SessionTokenMaxLen,
		identityMinLen: cfg.IdentityTokenMinLen,
	}
}

// Classify strips an optional "Bearer " prefix and matches the credential
// against the scheme shapes in priority order. It is a pure function of
// its input and configuration.
func (c *Classifier) Classify(rawHeader string) (string, model.Scheme, error) {
	cred := strings.TrimSpace(rawHeader)
	if after, ok := strings.CutPrefix(cred, "Bearer "); ok {
		cred = strings.TrimSpace(after)
	}
	if cred == "" {
		return "", "", ErrNoCredential
	}

	// 1. Exact match against a configured static service token.
	for _, tok := range c.serviceTokens {
		if subtle.ConstantTimeCompare([]byte(cred), []byte(tok)) == 1 {
			return cred, model.SchemeServiceToken, nil
		}
	}

	// 2. The fixed API-key marker.
	if strings.HasPrefix(cred, c.keyPrefix) {
		return cred, model.SchemeAPIKey, nil
	}

	// 3. Three dot-delimited segments, short enough to be locally signed.
	if strings.Count(cred, ".") == 2 && len(cred) < c.sessionMaxLen {
		return cred, model.SchemeSessionToken, nil
	}

	// 4. Identity-provider tokens are large.
	if len(cred) > c.identityMinLen {
		return cred, model.SchemeIdentityToken, nil
	}

	return "", "", ErrUnrecognizedFormat
}
