// Package selection picks the next account to use. It blends three signals
// per account slot and quota key: tracked health, token bucket level, and
// time since last use.
package selection

import (
	"fmt"
	"sort"

	"github.com/opencode-codex/codex-proxy-go/internal/clock"
	"github.com/opencode-codex/codex-proxy-go/internal/config"
	"github.com/opencode-codex/codex-proxy-go/internal/errors"
	"github.com/opencode-codex/codex-proxy-go/internal/selection/breaker"
	"github.com/opencode-codex/codex-proxy-go/internal/selection/trackers"
	"github.com/opencode-codex/codex-proxy-go/internal/storage"
	"github.com/opencode-codex/codex-proxy-go/internal/utils"
)

// Candidate is one scored account slot.
type Candidate struct {
	Index        int                `json:"index"`
	Account      *storage.Account   `json:"-"`
	Score        float64            `json:"score"`
	Health       float64            `json:"health"`
	Tokens       int                `json:"tokens"`
	HoursIdle    float64            `json:"hoursIdle"`
	BreakerState breaker.State      `json:"breakerState"`
	LRUFallback  bool               `json:"lruFallback,omitempty"`
}

// Engine owns the selection trackers and implements hybrid scoring over a
// pool snapshot. The engine never mutates the pool; persisting account state
// changes is the caller's job.
type Engine struct {
	cfg *config.Config
	clk clock.Clock
	log *utils.Logger

	health   *trackers.HealthTracker
	buckets  *trackers.TokenBucketTracker
	backoff  *trackers.BackoffTracker
	breakers *breaker.Registry
}

// NewEngine creates an Engine.
func NewEngine(cfg *config.Config, clk clock.Clock) *Engine {
	return &Engine{
		cfg:      cfg,
		clk:      clk,
		log:      utils.NewLogger("Selection"),
		health:   trackers.NewHealthTracker(cfg.HealthScore, clk),
		buckets:  trackers.NewTokenBucketTracker(cfg.TokenBucket, clk),
		backoff:  trackers.NewBackoffTracker(cfg.Backoff, clk),
		breakers: breaker.NewRegistry(cfg.Breaker, clk),
	}
}

func breakerTarget(index int, key config.QuotaKey) string {
	return fmt.Sprintf("%d:%s", index, key)
}

// usable reports whether the slot can serve the family and model right now:
// not rate-limited, not cooling down, and its breaker would admit a call.
func (e *Engine) usable(acc *storage.Account, index int, family config.ModelFamily, model string, nowMs int64) bool {
	if acc.IsRateLimited(family, model, nowMs) || acc.IsCoolingDown(nowMs) {
		return false
	}
	key := config.QuotaKeyFor(family, model)
	return e.breakers.Get(breakerTarget(index, key)).WouldAllow()
}

func (e *Engine) score(acc *storage.Account, index int, key config.QuotaKey, nowMs int64) Candidate {
	health := e.health.GetScore(index, key)
	tokens := e.buckets.GetTokens(index, key)
	hoursIdle := 0.0
	if acc.LastUsed > 0 && nowMs > acc.LastUsed {
		hoursIdle = float64(nowMs-acc.LastUsed) / float64(60*60*1000)
	}
	w := e.cfg.Weights
	return Candidate{
		Index:        index,
		Account:      acc,
		Score:        health*w.Health + float64(tokens)*w.Tokens + hoursIdle*w.LRU,
		Health:       health,
		Tokens:       tokens,
		HoursIdle:    hoursIdle,
		BreakerState: e.breakers.Get(breakerTarget(index, key)).State(),
	}
}

// TopCandidates returns up to n usable slots ordered best-first. It has no
// side effects: no tokens are consumed and no breaker state moves.
func (e *Engine) TopCandidates(pool *storage.AccountStorage, family config.ModelFamily, model string, n int) []Candidate {
	nowMs := e.clk.Now().UnixMilli()
	key := config.QuotaKeyFor(family, model)

	candidates := make([]Candidate, 0, len(pool.Accounts))
	for i, acc := range pool.Accounts {
		if !e.usable(acc, i, family, model, nowMs) {
			continue
		}
		candidates = append(candidates, e.score(acc, i, key, nowMs))
	}
	sort.SliceStable(candidates, func(a, b int) bool {
		return candidates[a].Score > candidates[b].Score
	})
	if n > 0 && len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

// Select picks the maximum-score usable slot and consumes one token from its
// bucket. Scoring is deterministic: the same pool and tracker state always
// yields the same winner, ties resolved by lower index. When no slot is
// usable at all, Select returns a RateLimitError together with the least
// recently used slot as a non-consuming fallback candidate.
func (e *Engine) Select(pool *storage.AccountStorage, family config.ModelFamily, model string) (*Candidate, error) {
	if len(pool.Accounts) == 0 {
		return nil, errors.NewValidationError("no accounts configured", "accounts", "at least one account")
	}

	key := config.QuotaKeyFor(family, model)
	candidates := e.TopCandidates(pool, family, model, 0)
	if len(candidates) == 0 {
		// Nothing is available. Hand back the least recently used slot as a
		// fallback signal next to the error; deciding whether to refuse the
		// request or use the slot anyway is the caller's call.
		lru := 0
		for i, acc := range pool.Accounts {
			if acc.LastUsed < pool.Accounts[lru].LastUsed {
				lru = i
			}
		}
		fallback := e.score(pool.Accounts[lru], lru, key, e.clk.Now().UnixMilli())
		fallback.LRUFallback = true
		return &fallback, errors.NewRateLimitError(
			fmt.Sprintf("all %d accounts are rate limited or unavailable for %s", len(pool.Accounts), family), 0, "")
	}

	best := candidates[0]
	e.buckets.Consume(best.Index, key)
	e.breakers.Get(breakerTarget(best.Index, key)).CanExecute()
	e.log.Debug("selected slot %d for %s (score=%.1f health=%.0f tokens=%d)",
		best.Index, key, best.Score, best.Health, best.Tokens)
	return &best, nil
}

// ReportSuccess records a successful call for the slot.
func (e *Engine) ReportSuccess(index int, family config.ModelFamily, model string) {
	key := config.QuotaKeyFor(family, model)
	e.health.RecordSuccess(index, key)
	e.breakers.Get(breakerTarget(index, key)).RecordSuccess()
	e.backoff.Reset(breakerTarget(index, key))
}

// ReportFailure records a non-rate-limit failure for the slot.
func (e *Engine) ReportFailure(index int, family config.ModelFamily, model string) {
	key := config.QuotaKeyFor(family, model)
	e.health.RecordFailure(index, key)
	e.breakers.Get(breakerTarget(index, key)).RecordFailure()
}

// ReportRateLimit records an upstream rate-limit signal and returns the
// backoff to honor. The account's reset time is the caller's to persist.
func (e *Engine) ReportRateLimit(index int, family config.ModelFamily, model, message string, retryAfterMs int64) trackers.BackoffResult {
	key := config.QuotaKeyFor(family, model)
	reason := trackers.ParseRateLimitReason(message)
	result := e.backoff.NextBackoff(breakerTarget(index, key), reason, retryAfterMs)
	if !result.IsDuplicate {
		e.health.RecordRateLimit(index, key)
		e.breakers.Get(breakerTarget(index, key)).RecordFailure()
		if reason == trackers.ReasonQuota {
			e.buckets.Drain(index, key, e.cfg.TokenBucket.MaxTokens)
		}
	}
	e.log.Warn("slot %d rate limited for %s (reason=%s attempt=%d delay=%s duplicate=%t)",
		index, key, reason, result.Attempt, utils.FormatDuration(result.DelayMs), result.IsDuplicate)
	return result
}

// Refund returns the token consumed by a probe that lost the race.
func (e *Engine) Refund(index int, family config.ModelFamily, model string) {
	e.buckets.Refund(index, config.QuotaKeyFor(family, model))
}

// ResetAll drops all tracker state, used after pool mutations that reindex
// accounts.
func (e *Engine) ResetAll() {
	e.health.ResetAll()
	e.buckets.ResetAll()
	e.backoff.ResetAll()
	e.breakers.Reset()
}

// Health exposes the health tracker for reporting surfaces.
func (e *Engine) Health() *trackers.HealthTracker { return e.health }

// Buckets exposes the token bucket tracker for reporting surfaces.
func (e *Engine) Buckets() *trackers.TokenBucketTracker { return e.buckets }
