// Package idp integrates the external identity provider that issues the
// large OAuth/OIDC access tokens used by the mobile app. The provider is a
// black box: we hand it a token, it hands back an identity or rejects it.
package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrInvalidToken is returned when the provider rejects the token.
var ErrInvalidToken = errors.New("identity provider rejected token")

// Identity is the provider's view of a verified caller.
type Identity struct {
	SubjectID string `json:"subject_id"`
	Email     string `json:"email"`
	Tier      string `json:"tier,omitempty"`
}

// Verifier validates identity-provider tokens.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// Client calls the provider's HTTP verification entrypoint.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// NewClient creates a Client for the given verification endpoint.
func NewClient(endpoint string) *Client {
	return &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

type verifyRequest struct {
	Token string `json:"token"`
}

// Verify posts the token to the provider. A 200 response carries the
// identity; 401/403 mean the token is invalid; anything else is an
// infrastructure fault.
func (c *Client) Verify(ctx context.Context, token string) (*Identity, error) {
	body, err := json.Marshal(verifyRequest{Token: token})
	if err != nil {
		return nil, fmt.Errorf("marshal verify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call identity provider: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var id Identity
		if err := json.NewDecoder(resp.Body).Decode(&id); err != nil {
			return nil, fmt.Errorf("decode identity: %w", err)
		}
		if id.SubjectID == "" {
			return nil, fmt.Errorf("identity provider returned empty subject")
		}
		return &id, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrInvalidToken
	default:
		return nil, fmt.Errorf("identity provider returned status %d", resp.StatusCode)
	}
}
