package trackers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/opencode-codex/codex-proxy-go/internal/clock"
	"github.com/opencode-codex/codex-proxy-go/internal/config"
)

func newBackoffTracker() (*BackoffTracker, *clock.Mock) {
	clk := clock.NewMock(time.UnixMilli(1_700_000_000_000))
	return NewBackoffTracker(config.DefaultConfig().Backoff, clk), clk
}

func TestBackoffDedupAndEscalation(t *testing.T) {
	tracker, clk := newBackoffTracker()

	r := tracker.NextBackoff("acct-a:codex", ReasonUnknown, 0)
	assert.Equal(t, int64(1000), r.DelayMs)
	assert.Equal(t, 1, r.Attempt)
	assert.False(t, r.IsDuplicate)

	// Inside the 2s dedup window: same delay, attempt unchanged.
	clk.Advance(1 * time.Second)
	r = tracker.NextBackoff("acct-a:codex", ReasonUnknown, 0)
	assert.Equal(t, int64(1000), r.DelayMs)
	assert.Equal(t, 1, r.Attempt)
	assert.True(t, r.IsDuplicate)

	// 2.5s after the counted signal: attempt two doubles the delay.
	clk.Advance(1500 * time.Millisecond)
	r = tracker.NextBackoff("acct-a:codex", ReasonUnknown, 0)
	assert.Equal(t, int64(2000), r.DelayMs)
	assert.Equal(t, 2, r.Attempt)
	assert.False(t, r.IsDuplicate)
}

func TestBackoffReasonMultipliers(t *testing.T) {
	tracker, clk := newBackoffTracker()

	assert.Equal(t, int64(3000), tracker.NextBackoff("k", ReasonQuota, 0).DelayMs)
	clk.Advance(3 * time.Second)
	// Attempt two with the quota multiplier: 1000 * 2 * 3.
	assert.Equal(t, int64(6000), tracker.NextBackoff("k", ReasonQuota, 0).DelayMs)

	assert.Equal(t, int64(1500), tracker.NextBackoff("tokens", ReasonTokens, 0).DelayMs)
	assert.Equal(t, int64(500), tracker.NextBackoff("conc", ReasonConcurrent, 0).DelayMs)
}

func TestBackoffUsesRetryAfterHint(t *testing.T) {
	tracker, _ := newBackoffTracker()
	r := tracker.NextBackoff("k", ReasonUnknown, 5000)
	assert.Equal(t, int64(5000), r.DelayMs)
}

func TestBackoffCapped(t *testing.T) {
	tracker, clk := newBackoffTracker()
	for i := 0; i < 12; i++ {
		tracker.NextBackoff("k", ReasonQuota, 0)
		clk.Advance(3 * time.Second)
	}
	r := tracker.NextBackoff("k", ReasonQuota, 0)
	assert.Equal(t, int64(config.MaxBackoffMs), r.DelayMs)
}

func TestBackoffQuietReset(t *testing.T) {
	tracker, clk := newBackoffTracker()

	tracker.NextBackoff("k", ReasonUnknown, 0)
	clk.Advance(3 * time.Second)
	r := tracker.NextBackoff("k", ReasonUnknown, 0)
	assert.Equal(t, 2, r.Attempt)

	// Quiet for longer than the reset interval starts over.
	clk.Advance(121 * time.Second)
	r = tracker.NextBackoff("k", ReasonUnknown, 0)
	assert.Equal(t, 1, r.Attempt)
	assert.Equal(t, int64(1000), r.DelayMs)
}

func TestBackoffKeysIndependent(t *testing.T) {
	tracker, clk := newBackoffTracker()
	tracker.NextBackoff("a", ReasonUnknown, 0)
	clk.Advance(3 * time.Second)
	tracker.NextBackoff("a", ReasonUnknown, 0)
	assert.Equal(t, 1, tracker.NextBackoff("b", ReasonUnknown, 0).Attempt)
	assert.Equal(t, 2, tracker.Attempt("a"))
}

func TestParseRateLimitReason(t *testing.T) {
	cases := map[string]RateLimitReason{
		"You have hit your usage_limit":        ReasonQuota,
		"Quota exceeded for this billing period": ReasonQuota,
		"TPM limit reached":                    ReasonTokens,
		"too many tokens in flight":            ReasonTokens,
		"RPM cap hit":                          ReasonTokens,
		"too many concurrent requests":         ReasonConcurrent,
		"parallel request limit":               ReasonConcurrent,
		"429 slow down":                        ReasonUnknown,
	}
	for message, want := range cases {
		assert.Equal(t, want, ParseRateLimitReason(message), message)
	}
}
