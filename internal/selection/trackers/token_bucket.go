package trackers

import (
	"math"
	"sync"

	"github.com/opencode-codex/codex-proxy-go/internal/clock"
	"github.com/opencode-codex/codex-proxy-go/internal/config"
)

type bucketState struct {
	tokens       float64
	lastRefillMs int64
	// consumedAt holds recent consumption instants, oldest first. Only
	// entries inside the refund window are retained.
	consumedAt []int64
}

// TokenBucketTracker maintains a continuously refilling token bucket per
// account slot and quota key. Recent consumptions can be refunded, so a probe
// that loses the race does not burn quota.
type TokenBucketTracker struct {
	mu      sync.Mutex
	cfg     config.TokenBucketConfig
	clk     clock.Clock
	buckets map[string]*bucketState
}

// NewTokenBucketTracker creates a TokenBucketTracker.
func NewTokenBucketTracker(cfg config.TokenBucketConfig, clk clock.Clock) *TokenBucketTracker {
	return &TokenBucketTracker{
		cfg:     cfg,
		clk:     clk,
		buckets: make(map[string]*bucketState),
	}
}

// bucket returns the refilled bucket, creating a full one on first access.
// Callers hold t.mu.
func (t *TokenBucketTracker) bucket(index int, key config.QuotaKey) *bucketState {
	nowMs := t.clk.Now().UnixMilli()
	k := healthKey(index, key)
	b, ok := t.buckets[k]
	if !ok {
		b = &bucketState{tokens: t.cfg.MaxTokens, lastRefillMs: nowMs}
		t.buckets[k] = b
		return b
	}
	elapsedMin := float64(nowMs-b.lastRefillMs) / 60000.0
	if elapsedMin > 0 {
		b.tokens = math.Min(t.cfg.MaxTokens, b.tokens+elapsedMin*t.cfg.TokensPerMinute)
		b.lastRefillMs = nowMs
	}

	cutoff := nowMs - t.cfg.RefundWindowMs
	keep := 0
	for keep < len(b.consumedAt) && b.consumedAt[keep] <= cutoff {
		keep++
	}
	b.consumedAt = b.consumedAt[keep:]
	return b
}

// GetTokens returns the whole tokens currently available.
func (t *TokenBucketTracker) GetTokens(index int, key config.QuotaKey) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int(math.Floor(t.bucket(index, key).tokens))
}

// Consume takes one token. Returns false when the bucket has less than one
// whole token.
func (t *TokenBucketTracker) Consume(index int, key config.QuotaKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.bucket(index, key)
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	b.consumedAt = append(b.consumedAt, t.clk.Now().UnixMilli())
	return true
}

// Refund returns the most recent consumption, provided it happened inside the
// refund window. Returns false when there is nothing to refund.
func (t *TokenBucketTracker) Refund(index int, key config.QuotaKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.bucket(index, key)
	if len(b.consumedAt) == 0 {
		return false
	}
	b.consumedAt = b.consumedAt[:len(b.consumedAt)-1]
	b.tokens = math.Min(t.cfg.MaxTokens, b.tokens+1)
	return true
}

// Drain subtracts n tokens, clamped at zero. Draining the full capacity is
// how quota-exhaustion signals empty a slot's bucket.
func (t *TokenBucketTracker) Drain(index int, key config.QuotaKey, n float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.bucket(index, key)
	b.tokens = math.Max(0, b.tokens-n)
	if b.tokens == 0 {
		b.consumedAt = nil
	}
}

// ResetAll drops all buckets.
func (t *TokenBucketTracker) ResetAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buckets = make(map[string]*bucketState)
}
