package authlimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-codex/codex-proxy-go/internal/clock"
	"github.com/opencode-codex/codex-proxy-go/internal/config"
	"github.com/opencode-codex/codex-proxy-go/internal/errors"
)

func newLimiter() (*Limiter, *clock.Mock) {
	clk := clock.NewMock(time.UnixMilli(1_700_000_000_000))
	return NewLimiter(config.DefaultConfig().AuthLimit, clk), clk
}

func TestLimiterAllowsUpToMaxAttempts(t *testing.T) {
	limiter, _ := newLimiter()

	for i := 0; i < config.AuthMaxAttempts; i++ {
		require.NoError(t, limiter.Check("user@example.com"))
	}
	err := limiter.Check("user@example.com")
	require.Error(t, err)

	var rateErr *errors.AuthRateLimitError
	require.ErrorAs(t, err, &rateErr)
	assert.Equal(t, "user@example.com", rateErr.Key)
	assert.Equal(t, 0, rateErr.AttemptsRemaining)
	assert.Equal(t, int64(config.AuthWindowMs), rateErr.ResetAfterMs)
}

func TestLimiterKeysAreCaseInsensitive(t *testing.T) {
	limiter, _ := newLimiter()

	for i := 0; i < config.AuthMaxAttempts; i++ {
		require.NoError(t, limiter.Check("USER@Example.com"))
	}
	assert.Error(t, limiter.Check("user@example.com"))
	assert.Error(t, limiter.Check("  User@Example.COM  "))
}

func TestLimiterSlidingWindow(t *testing.T) {
	limiter, clk := newLimiter()

	for i := 0; i < config.AuthMaxAttempts; i++ {
		require.NoError(t, limiter.Check("k"))
		clk.Advance(5 * time.Second)
	}
	// 25s in, all five attempts still inside the 60s window.
	require.Error(t, limiter.Check("k"))
	assert.Equal(t, int64(35_000), limiter.TimeUntilReset("k"))

	// Once the oldest attempt ages out, one slot frees up.
	clk.Advance(36 * time.Second)
	assert.Equal(t, int64(0), limiter.TimeUntilReset("k"))
	require.NoError(t, limiter.Check("k"))
}

func TestLimiterBlockedAttemptNotCounted(t *testing.T) {
	limiter, clk := newLimiter()

	for i := 0; i < config.AuthMaxAttempts; i++ {
		require.NoError(t, limiter.Check("k"))
	}
	for i := 0; i < 10; i++ {
		assert.Error(t, limiter.Check("k"))
	}
	// Hammering while blocked does not extend the window.
	clk.Advance(time.Duration(config.AuthWindowMs+1) * time.Millisecond)
	assert.NoError(t, limiter.Check("k"))
}

func TestLimiterRemainingAndReset(t *testing.T) {
	limiter, _ := newLimiter()

	assert.Equal(t, config.AuthMaxAttempts, limiter.Remaining("k"))
	require.NoError(t, limiter.Check("k"))
	assert.Equal(t, config.AuthMaxAttempts-1, limiter.Remaining("k"))

	limiter.Reset("k")
	assert.Equal(t, config.AuthMaxAttempts, limiter.Remaining("k"))

	require.NoError(t, limiter.Check("a"))
	require.NoError(t, limiter.Check("b"))
	limiter.ResetAll()
	assert.Equal(t, config.AuthMaxAttempts, limiter.Remaining("a"))
	assert.Equal(t, config.AuthMaxAttempts, limiter.Remaining("b"))
}

func TestLimiterCanAttemptDoesNotCount(t *testing.T) {
	limiter, _ := newLimiter()

	for i := 0; i < 10; i++ {
		assert.True(t, limiter.CanAttempt("k"))
	}
	assert.Equal(t, config.AuthMaxAttempts, limiter.Remaining("k"))

	for i := 0; i < config.AuthMaxAttempts; i++ {
		require.NoError(t, limiter.Check("k"))
	}
	assert.False(t, limiter.CanAttempt("k"))
}

func TestLimiterConfigure(t *testing.T) {
	limiter, _ := newLimiter()
	limiter.Configure(config.AuthLimitConfig{MaxAttempts: 2, WindowMs: 1000})

	require.NoError(t, limiter.Check("k"))
	require.NoError(t, limiter.Check("k"))
	assert.Error(t, limiter.Check("k"))
}

func TestLimiterKeysIndependent(t *testing.T) {
	limiter, _ := newLimiter()

	for i := 0; i < config.AuthMaxAttempts; i++ {
		require.NoError(t, limiter.Check("a@example.com"))
	}
	assert.Error(t, limiter.Check("a@example.com"))
	assert.NoError(t, limiter.Check("b@example.com"))
}
