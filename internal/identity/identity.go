// Package identity mints short-lived installation tokens used to push to a
// sandbox session's branch without ever handing the sandbox a user's own
// OAuth token (§4.6 step 3).
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/anthropics/sandboxctl/server/internal/config"
)

const defaultInstallationTokenURL = "https://api.github.com/app/installations/%s/access_tokens"

// Minter signs a GitHub App JWT and exchanges it for a repo-scoped
// installation access token, grounded on the teacher's raw net/http +
// encoding/json outbound-call idiom (internal/oauth/anthropic.go).
type Minter struct {
	appID      string
	privateKey []byte
	client     *http.Client
	tokenURL   string // overridable in tests; defaults to defaultInstallationTokenURL
}

// New constructs a Minter from the process configuration.
func New(cfg *config.Config) *Minter {
	return &Minter{
		appID:      cfg.GitHubAppID,
		privateKey: []byte(cfg.GitHubAppPrivateKey),
		client:     &http.Client{Timeout: 60 * time.Second},
		tokenURL:   defaultInstallationTokenURL,
	}
}

// SetTokenURL overrides the installation-token endpoint for testing.
func (m *Minter) SetTokenURL(url string) {
	m.tokenURL = url
}

// appJWT mints a short-lived RS256 JWT authenticating as the GitHub App
// itself (iat skewed 60 s into the past to tolerate clock drift, exp 10
// minutes out — GitHub's maximum).
func (m *Minter) appJWT() (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(m.privateKey)
	if err != nil {
		return "", fmt.Errorf("parse app private key: %w", err)
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
		Issuer:    m.appID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(key)
}

type installationTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// InstallationToken mints a repo-scoped push token for installationID.
func (m *Minter) InstallationToken(ctx context.Context, installationID string) (string, error) {
	appJWT, err := m.appJWT()
	if err != nil {
		return "", err
	}

	tokenURL := m.tokenURL
	if tokenURL == "" {
		tokenURL = defaultInstallationTokenURL
	}
	url := fmt.Sprintf(tokenURL, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(nil))
	if err != nil {
		return "", fmt.Errorf("build installation token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("installation token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read installation token response: %w", err)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("installation token request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var tr installationTokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("parse installation token response: %w", err)
	}
	return tr.Token, nil
}
