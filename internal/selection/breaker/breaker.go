// Package breaker implements per-target circuit breakers with a bounded
// registry. A target is typically an account slot and quota key pair.
package breaker

import (
	"fmt"
	"sync"

	"github.com/opencode-codex/codex-proxy-go/internal/clock"
	"github.com/opencode-codex/codex-proxy-go/internal/config"
	"github.com/opencode-codex/codex-proxy-go/internal/errors"
	"github.com/opencode-codex/codex-proxy-go/internal/utils"
)

// State is the breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Breaker is a single circuit breaker. Failures count in a sliding window;
// crossing the threshold opens the circuit, and after the reset timeout a
// limited number of trial calls may pass through.
type Breaker struct {
	mu  sync.Mutex
	cfg config.BreakerConfig
	clk clock.Clock

	state            State
	failureTimesMs   []int64
	openedAtMs       int64
	halfOpenAttempts int
}

// New creates a closed Breaker.
func New(cfg config.BreakerConfig, clk clock.Clock) *Breaker {
	return &Breaker{cfg: cfg, clk: clk, state: StateClosed}
}

// pruneFailures drops failures outside the sliding window. Callers hold b.mu.
func (b *Breaker) pruneFailures(nowMs int64) {
	cutoff := nowMs - b.cfg.FailureWindowMs
	keep := 0
	for keep < len(b.failureTimesMs) && b.failureTimesMs[keep] <= cutoff {
		keep++
	}
	b.failureTimesMs = b.failureTimesMs[keep:]
}

// Check admits a call or returns a CircuitOpenError, performing the open to
// half-open transition when the reset timeout has elapsed. Admission in
// half-open state consumes one trial attempt. The error message distinguishes
// a still-open circuit from an exhausted half-open trial budget.
func (b *Breaker) Check(target string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	nowMs := b.clk.Now().UnixMilli()
	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if nowMs-b.openedAtMs < b.cfg.ResetTimeoutMs {
			return errors.NewCircuitOpenError(
				fmt.Sprintf("circuit open for %s; retry in %dms", target,
					b.cfg.ResetTimeoutMs-(nowMs-b.openedAtMs)), target)
		}
		b.state = StateHalfOpen
		b.halfOpenAttempts = 0
		fallthrough
	default:
		if b.halfOpenAttempts >= b.cfg.HalfOpenMaxAttempts {
			return errors.NewCircuitOpenError(
				fmt.Sprintf("circuit half-open for %s; trial call already in flight", target), target)
		}
		b.halfOpenAttempts++
		return nil
	}
}

// CanExecute reports whether a call may proceed. See Check.
func (b *Breaker) CanExecute() bool {
	return b.Check("") == nil
}

// WouldAllow reports whether a call would be admitted, without mutating
// state. Selection scoring uses this so ranking candidates has no side
// effects.
func (b *Breaker) WouldAllow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	nowMs := b.clk.Now().UnixMilli()
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		return nowMs-b.openedAtMs >= b.cfg.ResetTimeoutMs
	default:
		return b.halfOpenAttempts < b.cfg.HalfOpenMaxAttempts
	}
}

// RecordSuccess closes the circuit from half-open and clears its failure
// history. A success while already closed only prunes failures that have left
// the sliding window.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateClosed {
		b.pruneFailures(b.clk.Now().UnixMilli())
		return
	}
	b.state = StateClosed
	b.failureTimesMs = nil
	b.halfOpenAttempts = 0
}

// RecordFailure registers a failure. In half-open state any failure reopens
// the circuit immediately; in closed state the circuit opens once the
// windowed failure count reaches the threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	nowMs := b.clk.Now().UnixMilli()
	if b.state == StateHalfOpen {
		b.open(nowMs)
		return
	}

	b.failureTimesMs = append(b.failureTimesMs, nowMs)
	b.pruneFailures(nowMs)
	if len(b.failureTimesMs) >= b.cfg.FailureThreshold {
		b.open(nowMs)
	}
}

func (b *Breaker) open(nowMs int64) {
	b.state = StateOpen
	b.openedAtMs = nowMs
	b.failureTimesMs = nil
	b.halfOpenAttempts = 0
}

// Reset forces the breaker closed and clears all bookkeeping.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failureTimesMs = nil
	b.openedAtMs = 0
	b.halfOpenAttempts = 0
}

// State returns the current state, applying no transitions.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Registry hands out breakers per target, evicting the least recently used
// entry past the cap so an unbounded target space cannot grow memory.
type Registry struct {
	mu  sync.Mutex
	cfg config.BreakerConfig
	clk clock.Clock
	lru *utils.LRU[*Breaker]
}

// NewRegistry creates a Registry.
func NewRegistry(cfg config.BreakerConfig, clk clock.Clock) *Registry {
	return &Registry{
		cfg: cfg,
		clk: clk,
		lru: utils.NewLRU[*Breaker](cfg.MaxEntries),
	}
}

// Get returns the breaker for target, creating it on first use.
func (r *Registry) Get(target string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.lru.Get(target); ok {
		return b
	}
	b := New(r.cfg, r.clk)
	r.lru.Put(target, b)
	return b
}

// Len returns the number of tracked targets.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lru.Len()
}

// Reset drops all breakers.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lru.Clear()
}
