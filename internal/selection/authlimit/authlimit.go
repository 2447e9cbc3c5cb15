// Package authlimit rate limits interactive login attempts per account key.
package authlimit

import (
	"sync"

	"github.com/opencode-codex/codex-proxy-go/internal/clock"
	"github.com/opencode-codex/codex-proxy-go/internal/config"
	"github.com/opencode-codex/codex-proxy-go/internal/errors"
	"github.com/opencode-codex/codex-proxy-go/internal/utils"
)

// Limiter enforces a sliding-window cap on login attempts. Keys are
// case-insensitive, so "User@Example.com" and "user@example.com" share a
// budget.
type Limiter struct {
	mu       sync.Mutex
	cfg      config.AuthLimitConfig
	clk      clock.Clock
	attempts map[string][]int64
}

// NewLimiter creates a Limiter.
func NewLimiter(cfg config.AuthLimitConfig, clk clock.Clock) *Limiter {
	return &Limiter{
		cfg:      cfg,
		clk:      clk,
		attempts: make(map[string][]int64),
	}
}

// prune drops attempts outside the window. Callers hold l.mu.
func (l *Limiter) prune(key string, nowMs int64) []int64 {
	cutoff := nowMs - l.cfg.WindowMs
	times := l.attempts[key]
	keep := 0
	for keep < len(times) && times[keep] <= cutoff {
		keep++
	}
	times = times[keep:]
	if len(times) == 0 {
		delete(l.attempts, key)
	} else {
		l.attempts[key] = times
	}
	return times
}

// Check registers a login attempt for key. When the window budget is
// exhausted it returns an AuthRateLimitError and the attempt is not counted.
func (l *Limiter) Check(key string) error {
	key = utils.NormalizeAccountKey(key)
	l.mu.Lock()
	defer l.mu.Unlock()

	nowMs := l.clk.Now().UnixMilli()
	times := l.prune(key, nowMs)
	if len(times) >= l.cfg.MaxAttempts {
		resetAfter := times[0] + l.cfg.WindowMs - nowMs
		return errors.NewAuthRateLimitError(key, 0, resetAfter)
	}
	l.attempts[key] = append(times, nowMs)
	return nil
}

// CanAttempt reports whether the key has window budget left. Nothing is
// counted; use Check to register an attempt.
func (l *Limiter) CanAttempt(key string) bool {
	return l.Remaining(key) > 0
}

// Configure replaces the window parameters. Existing attempt history is
// evaluated against the new window on the next call.
func (l *Limiter) Configure(cfg config.AuthLimitConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg = cfg
}

// Remaining returns the attempts left in the current window.
func (l *Limiter) Remaining(key string) int {
	key = utils.NormalizeAccountKey(key)
	l.mu.Lock()
	defer l.mu.Unlock()
	used := len(l.prune(key, l.clk.Now().UnixMilli()))
	if used >= l.cfg.MaxAttempts {
		return 0
	}
	return l.cfg.MaxAttempts - used
}

// TimeUntilReset returns how long until the oldest counted attempt leaves the
// window, 0 when the key has a free budget.
func (l *Limiter) TimeUntilReset(key string) int64 {
	key = utils.NormalizeAccountKey(key)
	l.mu.Lock()
	defer l.mu.Unlock()

	nowMs := l.clk.Now().UnixMilli()
	times := l.prune(key, nowMs)
	if len(times) < l.cfg.MaxAttempts {
		return 0
	}
	return times[0] + l.cfg.WindowMs - nowMs
}

// Reset clears the window for one key.
func (l *Limiter) Reset(key string) {
	key = utils.NormalizeAccountKey(key)
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, key)
}

// ResetAll clears all windows.
func (l *Limiter) ResetAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts = make(map[string][]int64)
}
