package account

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/opencode-codex/codex-proxy-go/internal/auth"
	"github.com/opencode-codex/codex-proxy-go/internal/clock"
	"github.com/opencode-codex/codex-proxy-go/internal/config"
	"github.com/opencode-codex/codex-proxy-go/internal/errors"
	"github.com/opencode-codex/codex-proxy-go/internal/metrics"
	"github.com/opencode-codex/codex-proxy-go/internal/storage"
	"github.com/opencode-codex/codex-proxy-go/internal/utils"
)

type cachedToken struct {
	accessToken string
	expiresAtMs int64
}

// CredentialsCache caches access tokens per account and deduplicates
// concurrent refreshes, so a burst of parallel probes triggers at most one
// token exchange per account.
type CredentialsCache struct {
	mu            sync.Mutex
	authenticator auth.Authenticator
	clk           clock.Clock
	ttlMs         int64
	group         singleflight.Group
	tokens        map[string]cachedToken
	log           *utils.Logger

	// OnRotate is called when the upstream rotates the refresh token, so the
	// caller can persist the new one. Optional.
	OnRotate func(accountKey, newRefreshToken string)
}

// NewCredentialsCache creates a CredentialsCache.
func NewCredentialsCache(authenticator auth.Authenticator, clk clock.Clock) *CredentialsCache {
	return &CredentialsCache{
		authenticator: authenticator,
		clk:           clk,
		ttlMs:         config.TokenCacheTTLMs,
		tokens:        make(map[string]cachedToken),
		log:           utils.NewLogger("Credentials"),
	}
}

// AccessToken returns a valid access token for the account, refreshing when
// the cached one is missing or expired.
func (c *CredentialsCache) AccessToken(ctx context.Context, acc *storage.Account) (string, error) {
	key := acc.Key()
	nowMs := c.clk.Now().UnixMilli()

	c.mu.Lock()
	if cached, ok := c.tokens[key]; ok && cached.expiresAtMs > nowMs {
		c.mu.Unlock()
		return cached.accessToken, nil
	}
	c.mu.Unlock()

	token, err, _ := c.group.Do(key, func() (any, error) {
		creds, err := c.authenticator.Refresh(ctx, acc.RefreshToken)
		if err != nil {
			metrics.TokenRefreshes.WithLabelValues("error").Inc()
			return nil, err
		}
		metrics.TokenRefreshes.WithLabelValues("success").Inc()
		ttlMs := c.ttlMs
		if creds.ExpiresInSec > 0 && creds.ExpiresInSec*1000 < ttlMs {
			ttlMs = creds.ExpiresInSec * 1000
		}
		c.mu.Lock()
		c.tokens[key] = cachedToken{
			accessToken: creds.AccessToken,
			expiresAtMs: c.clk.Now().UnixMilli() + ttlMs,
		}
		c.mu.Unlock()

		if creds.RefreshToken != "" && creds.RefreshToken != acc.RefreshToken && c.OnRotate != nil {
			c.log.Info("refresh token rotated for %s", utils.MaskValue(key))
			c.OnRotate(key, creds.RefreshToken)
		}
		return creds.AccessToken, nil
	})
	if err != nil {
		if errors.IsAuthError(err) {
			c.Invalidate(key)
		}
		return "", err
	}
	return token.(string), nil
}

// Invalidate drops the cached token for an account key.
func (c *CredentialsCache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.tokens, key)
	c.mu.Unlock()
}

// InvalidateAll drops every cached token.
func (c *CredentialsCache) InvalidateAll() {
	c.mu.Lock()
	c.tokens = make(map[string]cachedToken)
	c.mu.Unlock()
}
