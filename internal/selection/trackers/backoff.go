package trackers

import (
	"math"
	"strings"
	"sync"

	"github.com/opencode-codex/codex-proxy-go/internal/clock"
	"github.com/opencode-codex/codex-proxy-go/internal/config"
	"github.com/opencode-codex/codex-proxy-go/internal/utils"
)

// RateLimitReason classifies an upstream rate-limit signal. The reason scales
// the backoff: quota exhaustion waits much longer than a concurrency bump.
type RateLimitReason string

const (
	ReasonQuota      RateLimitReason = "quota"
	ReasonTokens     RateLimitReason = "tokens"
	ReasonConcurrent RateLimitReason = "concurrent"
	ReasonUnknown    RateLimitReason = "unknown"
)

// Multiplier returns the backoff scale factor for the reason.
func (r RateLimitReason) Multiplier() float64 {
	switch r {
	case ReasonQuota:
		return 3.0
	case ReasonTokens:
		return 1.5
	case ReasonConcurrent:
		return 0.5
	default:
		return 1.0
	}
}

// ParseRateLimitReason classifies an upstream error message.
func ParseRateLimitReason(message string) RateLimitReason {
	lower := strings.ToLower(message)
	switch {
	case utils.ContainsAny(lower, "quota", "usage_limit"):
		return ReasonQuota
	case utils.ContainsAny(lower, "token", "tpm", "rpm"):
		return ReasonTokens
	case utils.ContainsAny(lower, "concurrent", "parallel"):
		return ReasonConcurrent
	default:
		return ReasonUnknown
	}
}

type backoffState struct {
	attempt      int
	lastSignalMs int64
	lastDelayMs  int64
}

// BackoffResult describes the computed backoff for one rate-limit signal.
type BackoffResult struct {
	DelayMs     int64
	Attempt     int
	IsDuplicate bool
}

// BackoffTracker computes exponential backoff per rate-limit key. Signals
// landing inside the dedup window collapse into one attempt, so a burst of
// parallel probes hitting the same limit does not stack the penalty. State
// quiet for longer than the reset interval starts over at attempt one.
type BackoffTracker struct {
	mu     sync.Mutex
	cfg    config.BackoffConfig
	clk    clock.Clock
	states map[string]*backoffState
}

// NewBackoffTracker creates a BackoffTracker.
func NewBackoffTracker(cfg config.BackoffConfig, clk clock.Clock) *BackoffTracker {
	return &BackoffTracker{
		cfg:    cfg,
		clk:    clk,
		states: make(map[string]*backoffState),
	}
}

// NextBackoff registers a rate-limit signal for key and returns the delay to
// honor. retryAfterMs is the upstream-provided hint, 0 when absent.
func (t *BackoffTracker) NextBackoff(key string, reason RateLimitReason, retryAfterMs int64) BackoffResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	nowMs := t.clk.Now().UnixMilli()
	st, ok := t.states[key]
	if ok && nowMs-st.lastSignalMs <= t.cfg.DedupWindowMs {
		return BackoffResult{DelayMs: st.lastDelayMs, Attempt: st.attempt, IsDuplicate: true}
	}
	if !ok || nowMs-st.lastSignalMs > t.cfg.QuietResetMs {
		st = &backoffState{}
		t.states[key] = st
	}

	st.attempt++
	base := retryAfterMs
	if base <= 0 {
		base = t.cfg.FallbackBaseMs
	}
	delay := int64(float64(base) * math.Pow(2, float64(st.attempt-1)) * reason.Multiplier())
	if delay > t.cfg.MaxBackoffMs {
		delay = t.cfg.MaxBackoffMs
	}

	st.lastSignalMs = nowMs
	st.lastDelayMs = delay
	return BackoffResult{DelayMs: delay, Attempt: st.attempt}
}

// Attempt returns the current attempt count for key without registering a
// signal.
func (t *BackoffTracker) Attempt(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.states[key]; ok {
		return st.attempt
	}
	return 0
}

// Reset clears the state for one key, used after a confirmed success.
func (t *BackoffTracker) Reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, key)
}

// ResetAll clears all backoff state.
func (t *BackoffTracker) ResetAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states = make(map[string]*backoffState)
}
