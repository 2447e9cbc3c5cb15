package trackers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/opencode-codex/codex-proxy-go/internal/clock"
	"github.com/opencode-codex/codex-proxy-go/internal/config"
)

func newBucketTracker() (*TokenBucketTracker, *clock.Mock) {
	clk := clock.NewMock(time.UnixMilli(1_700_000_000_000))
	return NewTokenBucketTracker(config.DefaultConfig().TokenBucket, clk), clk
}

func TestBucketStartsFull(t *testing.T) {
	tracker, _ := newBucketTracker()
	assert.Equal(t, config.TokenBucketMaxTokens, tracker.GetTokens(0, testKey))
}

func TestBucketConsumeAndRefill(t *testing.T) {
	tracker, clk := newBucketTracker()

	for i := 0; i < 5; i++ {
		assert.True(t, tracker.Consume(0, testKey))
	}
	assert.Equal(t, config.TokenBucketMaxTokens-5, tracker.GetTokens(0, testKey))

	// Six tokens per minute, continuous.
	clk.Advance(30 * time.Second)
	assert.Equal(t, config.TokenBucketMaxTokens-2, tracker.GetTokens(0, testKey))

	clk.Advance(10 * time.Minute)
	assert.Equal(t, config.TokenBucketMaxTokens, tracker.GetTokens(0, testKey))
}

func TestBucketConsumeFailsWhenEmpty(t *testing.T) {
	tracker, _ := newBucketTracker()
	tracker.Drain(0, testKey, config.TokenBucketMaxTokens)
	assert.Equal(t, 0, tracker.GetTokens(0, testKey))
	assert.False(t, tracker.Consume(0, testKey))
}

func TestBucketPartialDrain(t *testing.T) {
	tracker, _ := newBucketTracker()
	tracker.Drain(0, testKey, 10)
	assert.Equal(t, config.TokenBucketMaxTokens-10, tracker.GetTokens(0, testKey))

	// Draining past zero clamps.
	tracker.Drain(0, testKey, 2*config.TokenBucketMaxTokens)
	assert.Equal(t, 0, tracker.GetTokens(0, testKey))
}

func TestBucketRefundInsideWindow(t *testing.T) {
	tracker, clk := newBucketTracker()

	assert.True(t, tracker.Consume(0, testKey))
	clk.Advance(10 * time.Second)
	assert.True(t, tracker.Refund(0, testKey))
	// Refund plus the refill accrued over 10s tops the bucket back out.
	assert.Equal(t, config.TokenBucketMaxTokens, tracker.GetTokens(0, testKey))
}

func TestBucketRefundExpiresAfterWindow(t *testing.T) {
	tracker, clk := newBucketTracker()

	assert.True(t, tracker.Consume(0, testKey))
	clk.Advance(31 * time.Second)
	assert.False(t, tracker.Refund(0, testKey))
}

func TestBucketRefundWithoutConsumption(t *testing.T) {
	tracker, _ := newBucketTracker()
	assert.False(t, tracker.Refund(0, testKey))
}

func TestBucketIsolatedPerSlotAndQuotaKey(t *testing.T) {
	tracker, _ := newBucketTracker()
	tracker.Drain(0, testKey, config.TokenBucketMaxTokens)
	assert.Equal(t, config.TokenBucketMaxTokens, tracker.GetTokens(1, testKey))
	assert.Equal(t, config.TokenBucketMaxTokens,
		tracker.GetTokens(0, config.QuotaKeyFor(config.ModelFamilyCodex, "codex-mini")))
}
