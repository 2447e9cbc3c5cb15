package account

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-codex/codex-proxy-go/internal/auth"
	"github.com/opencode-codex/codex-proxy-go/internal/clock"
	"github.com/opencode-codex/codex-proxy-go/internal/errors"
	"github.com/opencode-codex/codex-proxy-go/internal/storage"
)

type fakeAuthenticator struct {
	calls atomic.Int64
	creds *auth.Credentials
	err   error
}

func (f *fakeAuthenticator) Refresh(ctx context.Context, refreshToken string) (*auth.Credentials, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.creds, nil
}

func TestCredentialsCacheHit(t *testing.T) {
	fake := &fakeAuthenticator{creds: &auth.Credentials{AccessToken: "at-1", ExpiresInSec: 3600}}
	clk := clock.NewMock(time.UnixMilli(testNowMs))
	cache := NewCredentialsCache(fake, clk)
	acc := &storage.Account{AccountID: "acct-a", RefreshToken: "tok-a"}

	token, err := cache.AccessToken(context.Background(), acc)
	require.NoError(t, err)
	assert.Equal(t, "at-1", token)

	token, err = cache.AccessToken(context.Background(), acc)
	require.NoError(t, err)
	assert.Equal(t, "at-1", token)
	assert.Equal(t, int64(1), fake.calls.Load())
}

func TestCredentialsCacheExpiry(t *testing.T) {
	fake := &fakeAuthenticator{creds: &auth.Credentials{AccessToken: "at-1", ExpiresInSec: 3600}}
	clk := clock.NewMock(time.UnixMilli(testNowMs))
	cache := NewCredentialsCache(fake, clk)
	acc := &storage.Account{AccountID: "acct-a", RefreshToken: "tok-a"}

	_, err := cache.AccessToken(context.Background(), acc)
	require.NoError(t, err)

	// The cache never holds a token past its own TTL.
	clk.Advance(6 * time.Minute)
	_, err = cache.AccessToken(context.Background(), acc)
	require.NoError(t, err)
	assert.Equal(t, int64(2), fake.calls.Load())
}

func TestCredentialsCacheHonorsShortExpiry(t *testing.T) {
	fake := &fakeAuthenticator{creds: &auth.Credentials{AccessToken: "at-1", ExpiresInSec: 60}}
	clk := clock.NewMock(time.UnixMilli(testNowMs))
	cache := NewCredentialsCache(fake, clk)
	acc := &storage.Account{AccountID: "acct-a", RefreshToken: "tok-a"}

	_, err := cache.AccessToken(context.Background(), acc)
	require.NoError(t, err)

	clk.Advance(61 * time.Second)
	_, err = cache.AccessToken(context.Background(), acc)
	require.NoError(t, err)
	assert.Equal(t, int64(2), fake.calls.Load())
}

func TestCredentialsCachePerAccount(t *testing.T) {
	fake := &fakeAuthenticator{creds: &auth.Credentials{AccessToken: "at", ExpiresInSec: 3600}}
	clk := clock.NewMock(time.UnixMilli(testNowMs))
	cache := NewCredentialsCache(fake, clk)

	_, err := cache.AccessToken(context.Background(), &storage.Account{AccountID: "acct-a", RefreshToken: "tok-a"})
	require.NoError(t, err)
	_, err = cache.AccessToken(context.Background(), &storage.Account{AccountID: "acct-b", RefreshToken: "tok-b"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), fake.calls.Load())
}

func TestCredentialsCacheRotationCallback(t *testing.T) {
	fake := &fakeAuthenticator{creds: &auth.Credentials{
		AccessToken: "at-1", RefreshToken: "tok-rotated", ExpiresInSec: 3600,
	}}
	clk := clock.NewMock(time.UnixMilli(testNowMs))
	cache := NewCredentialsCache(fake, clk)

	var rotatedKey, rotatedToken string
	cache.OnRotate = func(accountKey, newRefreshToken string) {
		rotatedKey = accountKey
		rotatedToken = newRefreshToken
	}

	_, err := cache.AccessToken(context.Background(), &storage.Account{AccountID: "acct-a", RefreshToken: "tok-a"})
	require.NoError(t, err)
	assert.Equal(t, "acct-a", rotatedKey)
	assert.Equal(t, "tok-rotated", rotatedToken)
}

func TestCredentialsCacheAuthErrorNotCached(t *testing.T) {
	fake := &fakeAuthenticator{err: errors.NewAuthError("invalid_grant", "acct-a", false)}
	clk := clock.NewMock(time.UnixMilli(testNowMs))
	cache := NewCredentialsCache(fake, clk)
	acc := &storage.Account{AccountID: "acct-a", RefreshToken: "tok-a"}

	_, err := cache.AccessToken(context.Background(), acc)
	require.Error(t, err)
	_, err = cache.AccessToken(context.Background(), acc)
	require.Error(t, err)
	assert.Equal(t, int64(2), fake.calls.Load())
}
