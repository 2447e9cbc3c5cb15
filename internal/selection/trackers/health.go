// Package trackers holds the per-account signal trackers that feed hybrid
// selection: health scores, token buckets, and rate-limit backoff state.
package trackers

import (
	"fmt"
	"sync"

	"github.com/opencode-codex/codex-proxy-go/internal/clock"
	"github.com/opencode-codex/codex-proxy-go/internal/config"
)

type healthState struct {
	score               float64
	consecutiveFailures int
	lastUpdateMs        int64
}

// HealthTracker maintains a health score in [min, max] per account slot and
// quota key. Scores decay on failures and drift back up passively over idle
// time.
type HealthTracker struct {
	mu     sync.Mutex
	cfg    config.HealthScoreConfig
	clk    clock.Clock
	states map[string]*healthState
}

// NewHealthTracker creates a HealthTracker.
func NewHealthTracker(cfg config.HealthScoreConfig, clk clock.Clock) *HealthTracker {
	return &HealthTracker{
		cfg:    cfg,
		clk:    clk,
		states: make(map[string]*healthState),
	}
}

func healthKey(index int, key config.QuotaKey) string {
	return fmt.Sprintf("%d:%s", index, key)
}

// state returns the tracked entry with passive recovery applied, creating a
// fresh full-health entry on first access. Callers hold t.mu.
func (t *HealthTracker) state(index int, key config.QuotaKey) *healthState {
	nowMs := t.clk.Now().UnixMilli()
	k := healthKey(index, key)
	st, ok := t.states[k]
	if !ok {
		st = &healthState{score: t.cfg.MaxScore, lastUpdateMs: nowMs}
		t.states[k] = st
		return st
	}
	hours := float64(nowMs-st.lastUpdateMs) / float64(60*60*1000)
	if hours > 0 && st.score < t.cfg.MaxScore {
		st.score = t.clamp(st.score + hours*t.cfg.PassiveRecoveryHour)
	}
	st.lastUpdateMs = nowMs
	return st
}

func (t *HealthTracker) clamp(score float64) float64 {
	if score > t.cfg.MaxScore {
		return t.cfg.MaxScore
	}
	if score < t.cfg.MinScore {
		return t.cfg.MinScore
	}
	return score
}

// GetScore returns the current score for an account slot and quota key.
func (t *HealthTracker) GetScore(index int, key config.QuotaKey) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state(index, key).score
}

// ConsecutiveFailures returns the current failure streak.
func (t *HealthTracker) ConsecutiveFailures(index int, key config.QuotaKey) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state(index, key).consecutiveFailures
}

// RecordSuccess raises the score and clears the failure streak.
func (t *HealthTracker) RecordSuccess(index int, key config.QuotaKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state(index, key)
	st.score = t.clamp(st.score + t.cfg.SuccessDelta)
	st.consecutiveFailures = 0
}

// RecordRateLimit applies the rate-limit penalty.
func (t *HealthTracker) RecordRateLimit(index int, key config.QuotaKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state(index, key)
	st.score = t.clamp(st.score + t.cfg.RateLimitDelta)
	st.consecutiveFailures++
}

// RecordFailure applies the generic failure penalty.
func (t *HealthTracker) RecordFailure(index int, key config.QuotaKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state(index, key)
	st.score = t.clamp(st.score + t.cfg.FailureDelta)
	st.consecutiveFailures++
}

// ResetAll drops all tracked state.
func (t *HealthTracker) ResetAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states = make(map[string]*healthState)
}
