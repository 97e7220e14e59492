// Package token mints the short-lived bearer credential that authenticates
// the signaling exchange. One mint happens per connect attempt.
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nexushq/rectoc/pkg/core"
)

// Credential is an ephemeral bearer credential for the realtime endpoint.
type Credential struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Source mints credentials. Implementations must be safe for reuse across
// connect attempts.
type Source interface {
	Mint(ctx context.Context) (Credential, error)
}

// Client mints credentials from the rectoc gateway.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewClient builds a mint client for the gateway token endpoint. apiKey is
// optional; when set it authenticates the mint call itself.
func NewClient(endpoint, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		endpoint:   strings.TrimSpace(endpoint),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: httpClient,
	}
}

// Mint exchanges the gateway credential for an ephemeral client token.
func (c *Client) Mint(ctx context.Context) (Credential, error) {
	if c.endpoint == "" {
		return Credential{}, core.NewInvalidRequestError("token endpoint must not be empty")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, nil)
	if err != nil {
		return Credential{}, core.NewCredentialError("build mint request", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Credential{}, core.NewCredentialError("mint credential", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Credential{}, core.NewCredentialError(fmt.Sprintf("token endpoint returned %d", resp.StatusCode), nil)
	}

	var cred Credential
	if err := json.NewDecoder(resp.Body).Decode(&cred); err != nil {
		return Credential{}, core.NewCredentialError("decode mint response", err)
	}
	if strings.TrimSpace(cred.Token) == "" {
		return Credential{}, core.NewCredentialError("token endpoint returned an empty token", nil)
	}
	return cred, nil
}

// StaticSource returns a Source that always yields the given token. Useful
// for tests and direct-key development setups.
func StaticSource(tok string) Source {
	return staticSource(tok)
}

type staticSource string

func (s staticSource) Mint(ctx context.Context) (Credential, error) {
	if strings.TrimSpace(string(s)) == "" {
		return Credential{}, core.NewCredentialError("static token is empty", nil)
	}
	return Credential{Token: string(s)}, nil
}
