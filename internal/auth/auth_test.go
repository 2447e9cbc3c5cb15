package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-codex/codex-proxy-go/internal/errors"
)

func makeIDToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`))
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + ".sig"
}

func newTestAuthenticator(handler http.HandlerFunc) (*OAuthAuthenticator, func()) {
	srv := httptest.NewServer(handler)
	a := NewOAuthAuthenticator(srv.Client())
	a.tokenURL = srv.URL
	return a, srv.Close
}

func TestRefreshSuccess(t *testing.T) {
	idToken := makeIDToken(t, map[string]any{
		"email": "user@example.com",
		"sub":   "sub-123",
		"https://api.openai.com/auth": map[string]any{
			"chatgpt_account_id": "acct-abc",
		},
	})
	a, closeSrv := newTestAuthenticator(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "refresh_token", body["grant_type"])
		assert.Equal(t, "tok-a", body["refresh_token"])
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-1",
			"refresh_token": "tok-rotated",
			"id_token":      idToken,
			"expires_in":    3600,
		})
	})
	defer closeSrv()

	creds, err := a.Refresh(context.Background(), "tok-a")
	require.NoError(t, err)
	assert.Equal(t, "at-1", creds.AccessToken)
	assert.Equal(t, "tok-rotated", creds.RefreshToken)
	assert.Equal(t, int64(3600), creds.ExpiresInSec)
	assert.Equal(t, "acct-abc", creds.AccountID)
	assert.Equal(t, "user@example.com", creds.Email)
}

func TestRefreshInvalidGrant(t *testing.T) {
	a, closeSrv := newTestAuthenticator(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
	})
	defer closeSrv()

	_, err := a.Refresh(context.Background(), "tok-bad")
	require.Error(t, err)
	assert.True(t, errors.IsAuthError(err))
	assert.False(t, errors.IsRetryable(err))
}

func TestRefreshRateLimited(t *testing.T) {
	a, closeSrv := newTestAuthenticator(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	defer closeSrv()

	_, err := a.Refresh(context.Background(), "tok-a")
	require.Error(t, err)
	var rateErr *errors.RateLimitError
	require.ErrorAs(t, err, &rateErr)
	assert.Equal(t, int64(30_000), rateErr.RetryAfterMs)
}

func TestRefreshServerErrorRetryable(t *testing.T) {
	a, closeSrv := newTestAuthenticator(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	defer closeSrv()

	_, err := a.Refresh(context.Background(), "tok-a")
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
}

func TestRefreshMissingAccessToken(t *testing.T) {
	a, closeSrv := newTestAuthenticator(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"expires_in": 3600})
	})
	defer closeSrv()

	_, err := a.Refresh(context.Background(), "tok-a")
	assert.True(t, errors.IsAuthError(err))
}

func TestParseIDTokenClaims(t *testing.T) {
	token := makeIDToken(t, map[string]any{"email": "a@example.com", "sub": "sub-1"})
	claims, err := ParseIDTokenClaims(token)
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", claims.Email)
	assert.Equal(t, "sub-1", claims.AccountID())
	assert.Equal(t, "subject", claims.AccountIDSource())

	_, err = ParseIDTokenClaims("not-a-jwt")
	assert.Error(t, err)
	_, err = ParseIDTokenClaims("a.!!!.c")
	assert.Error(t, err)
}

func TestAccountIDPrefersChatGPTClaim(t *testing.T) {
	token := makeIDToken(t, map[string]any{
		"sub": "sub-1",
		"https://api.openai.com/auth": map[string]any{
			"chatgpt_account_id": "acct-9",
		},
	})
	claims, err := ParseIDTokenClaims(token)
	require.NoError(t, err)
	assert.Equal(t, "acct-9", claims.AccountID())
	assert.Equal(t, "id_token", claims.AccountIDSource())
}
