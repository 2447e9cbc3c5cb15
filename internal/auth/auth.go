// Package auth refreshes OAuth credentials and extracts account identity
// from ID token claims.
package auth

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/opencode-codex/codex-proxy-go/internal/config"
	"github.com/opencode-codex/codex-proxy-go/internal/errors"
	"github.com/opencode-codex/codex-proxy-go/internal/utils"
)

// Credentials is the result of a successful token refresh.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	ExpiresInSec int64
	AccountID    string
	Email        string
}

// Authenticator exchanges a refresh token for fresh credentials.
type Authenticator interface {
	Refresh(ctx context.Context, refreshToken string) (*Credentials, error)
}

// OAuthAuthenticator refreshes against the OAuth token endpoint.
type OAuthAuthenticator struct {
	client   *http.Client
	tokenURL string
	clientID string
	log      *utils.Logger
}

// NewOAuthAuthenticator creates an OAuthAuthenticator. A nil client gets a
// 30s-timeout default.
func NewOAuthAuthenticator(client *http.Client) *OAuthAuthenticator {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &OAuthAuthenticator{
		client:   client,
		tokenURL: config.OAuthTokenURL,
		clientID: config.OAuthClientID,
		log:      utils.NewLogger("Auth"),
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

// Refresh exchanges the refresh token. invalid_grant and 4xx responses are
// terminal auth failures; 429 and 5xx are retryable.
func (a *OAuthAuthenticator) Refresh(ctx context.Context, refreshToken string) (*Credentials, error) {
	body, err := json.Marshal(map[string]string{
		"client_id":     a.clientID,
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
	})
	if err != nil {
		return nil, errors.NewAuthError("failed to build refresh request", "", false)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.tokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, errors.NewAuthError("failed to build refresh request", "", false)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.NewTimeoutError("token refresh cancelled")
		}
		return nil, errors.NewNetworkError("token refresh request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.NewNetworkError("failed to read refresh response", err)
	}

	var parsed tokenResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil && resp.StatusCode == http.StatusOK {
		return nil, errors.NewApiError("unparseable token response", resp.StatusCode, resp.Header)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, errors.NewRateLimitError("token endpoint rate limited", retryAfterMs(resp.Header), "")
	case resp.StatusCode >= 500:
		return nil, errors.NewApiError("token endpoint unavailable", resp.StatusCode, resp.Header)
	default:
		retryable := false
		message := fmt.Sprintf("token refresh rejected (%d)", resp.StatusCode)
		if parsed.Error != "" {
			message = fmt.Sprintf("token refresh rejected: %s", parsed.Error)
		}
		a.log.Warn("%s", message)
		return nil, errors.NewAuthError(message, "", retryable)
	}

	if parsed.AccessToken == "" {
		return nil, errors.NewAuthError("token response missing access_token", "", false)
	}

	creds := &Credentials{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
		IDToken:      parsed.IDToken,
		ExpiresInSec: parsed.ExpiresIn,
	}
	if claims, err := ParseIDTokenClaims(parsed.IDToken); err == nil {
		creds.AccountID = claims.AccountID()
		creds.Email = claims.Email
	}
	return creds, nil
}

func retryAfterMs(headers http.Header) int64 {
	if v := headers.Get("Retry-After"); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			return secs * 1000
		}
	}
	return 0
}

// IDTokenClaims is the subset of ID token claims the pool cares about.
type IDTokenClaims struct {
	Email   string `json:"email"`
	Subject string `json:"sub"`
	Auth    struct {
		ChatGPTAccountID string `json:"chatgpt_account_id"`
	} `json:"https://api.openai.com/auth"`
}

// AccountID returns the best account identifier from the claims.
func (c *IDTokenClaims) AccountID() string {
	if c.Auth.ChatGPTAccountID != "" {
		return c.Auth.ChatGPTAccountID
	}
	return c.Subject
}

// AccountIDSource names where the account id came from, for the stored
// accountIdSource field.
func (c *IDTokenClaims) AccountIDSource() string {
	if c.Auth.ChatGPTAccountID != "" {
		return "id_token"
	}
	if c.Subject != "" {
		return "subject"
	}
	return ""
}

// ParseIDTokenClaims decodes the payload of a JWT without verifying the
// signature. Identity extraction only; the upstream verifies tokens.
func ParseIDTokenClaims(idToken string) (*IDTokenClaims, error) {
	parts := strings.Split(idToken, ".")
	if len(parts) != 3 {
		return nil, errors.NewValidationError("malformed ID token", "idToken", "a three-part JWT")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, errors.NewValidationError("undecodable ID token payload", "idToken", "base64url payload")
	}
	var claims IDTokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, errors.NewValidationError("unparseable ID token claims", "idToken", "JSON claims")
	}
	return &claims, nil
}
