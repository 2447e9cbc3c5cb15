// Package account coordinates the persisted pool with the selection engine:
// every mutation loads, changes, and saves the pool under one lock.
package account

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/opencode-codex/codex-proxy-go/internal/clock"
	"github.com/opencode-codex/codex-proxy-go/internal/config"
	"github.com/opencode-codex/codex-proxy-go/internal/errors"
	"github.com/opencode-codex/codex-proxy-go/internal/selection"
	"github.com/opencode-codex/codex-proxy-go/internal/storage"
	"github.com/opencode-codex/codex-proxy-go/internal/utils"
)

// Manager owns pool mutations. Reads return deep copies so callers can not
// corrupt persisted state.
type Manager struct {
	mu     sync.Mutex
	cfg    *config.Config
	store  *storage.Store
	engine *selection.Engine
	clk    clock.Clock
	log    *utils.Logger
}

// NewManager creates a Manager.
func NewManager(cfg *config.Config, store *storage.Store, engine *selection.Engine, clk clock.Clock) *Manager {
	return &Manager{
		cfg:    cfg,
		store:  store,
		engine: engine,
		clk:    clk,
		log:    utils.NewLogger("AccountManager"),
	}
}

// Store exposes the underlying store for export and import commands.
func (m *Manager) Store() *storage.Store { return m.store }

// Engine exposes the selection engine for reporting surfaces.
func (m *Manager) Engine() *selection.Engine { return m.engine }

// List returns the pool with stale rate limits expired.
func (m *Manager) List() (*storage.AccountStorage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked()
}

func (m *Manager) loadLocked() (*storage.AccountStorage, error) {
	pool, err := m.store.Load()
	if err != nil {
		return nil, err
	}
	nowMs := m.clk.Now().UnixMilli()
	for _, acc := range pool.Accounts {
		acc.ExpireStaleRateLimits(nowMs)
	}
	return pool, nil
}

// mutate runs fn over the loaded pool and persists the result when fn
// reports a change.
func (m *Manager) mutate(fn func(pool *storage.AccountStorage) (bool, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pool, err := m.loadLocked()
	if err != nil {
		return err
	}
	changed, err := fn(pool)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return m.store.Save(pool)
}

// Add inserts an account or refreshes an existing one with the same identity.
// Returns the slot index.
func (m *Manager) Add(acc *storage.Account) (int, error) {
	if strings.TrimSpace(acc.RefreshToken) == "" {
		return 0, errors.NewValidationError("account has no refresh token", "refreshToken", "a non-empty token")
	}

	index := -1
	err := m.mutate(func(pool *storage.AccountStorage) (bool, error) {
		nowMs := m.clk.Now().UnixMilli()
		for i, existing := range pool.Accounts {
			if existing.Key() == acc.Key() {
				updated := acc.Clone()
				updated.AddedAt = existing.AddedAt
				if updated.LastUsed == 0 {
					updated.LastUsed = existing.LastUsed
				}
				if updated.AccountLabel == "" {
					updated.AccountLabel = existing.AccountLabel
				}
				pool.Accounts[i] = updated
				index = i
				m.log.Info("refreshed existing account %s at slot %d", updated.DisplayName(), i)
				return true, nil
			}
		}
		if len(pool.Accounts) >= m.cfg.MaxAccounts {
			return false, errors.NewValidationError(
				fmt.Sprintf("the pool already holds %d accounts", m.cfg.MaxAccounts),
				"accounts", "remove an account before adding another")
		}
		added := acc.Clone()
		if added.AddedAt == 0 {
			added.AddedAt = nowMs
		}
		pool.Accounts = append(pool.Accounts, added)
		index = len(pool.Accounts) - 1
		m.log.Info("added account %s at slot %d", added.DisplayName(), index)
		return true, nil
	})
	return index, err
}

// FindIndex resolves an identifier to a slot: a numeric index, or a
// case-insensitive match on account id, email, or label.
func (m *Manager) FindIndex(pool *storage.AccountStorage, identifier string) (int, error) {
	if n, err := strconv.Atoi(strings.TrimSpace(identifier)); err == nil {
		if n < 0 || n >= len(pool.Accounts) {
			return 0, errors.NewValidationError(
				fmt.Sprintf("no account at index %d", n), "account",
				fmt.Sprintf("an index between 0 and %d", len(pool.Accounts)-1))
		}
		return n, nil
	}
	needle := utils.NormalizeAccountKey(identifier)
	for i, acc := range pool.Accounts {
		if utils.NormalizeAccountKey(acc.AccountID) == needle ||
			utils.NormalizeAccountKey(acc.Email) == needle ||
			utils.NormalizeAccountKey(acc.AccountLabel) == needle {
			return i, nil
		}
	}
	return 0, errors.NewValidationError(
		fmt.Sprintf("no account matches %q", identifier), "account",
		"an index, account id, email, or label")
}

// Remove deletes an account. Active indexes compact onto the remaining
// accounts, and all tracker state resets because slots shift.
func (m *Manager) Remove(identifier string) error {
	err := m.mutate(func(pool *storage.AccountStorage) (bool, error) {
		idx, err := m.FindIndex(pool, identifier)
		if err != nil {
			return false, err
		}
		removed := pool.Accounts[idx]
		pool.Accounts = append(pool.Accounts[:idx], pool.Accounts[idx+1:]...)

		adjust := func(active int) int {
			switch {
			case active == idx:
				return 0
			case active > idx:
				return active - 1
			default:
				return active
			}
		}
		pool.ActiveIndex = clampActive(adjust(pool.ActiveIndex), len(pool.Accounts))
		for family, active := range pool.ActiveIndexByFamily {
			pool.ActiveIndexByFamily[family] = clampActive(adjust(active), len(pool.Accounts))
		}
		m.log.Info("removed account %s from slot %d", removed.DisplayName(), idx)
		return true, nil
	})
	if err != nil {
		return err
	}
	m.engine.ResetAll()
	return nil
}

// Rename sets the account label.
func (m *Manager) Rename(identifier, label string) error {
	return m.mutate(func(pool *storage.AccountStorage) (bool, error) {
		idx, err := m.FindIndex(pool, identifier)
		if err != nil {
			return false, err
		}
		pool.Accounts[idx].AccountLabel = strings.TrimSpace(label)
		return true, nil
	})
}

// Switch makes the identified account active for the family, or pool-wide
// when family is empty.
func (m *Manager) Switch(identifier string, family config.ModelFamily, reason storage.SwitchReason) error {
	return m.mutate(func(pool *storage.AccountStorage) (bool, error) {
		idx, err := m.FindIndex(pool, identifier)
		if err != nil {
			return false, err
		}
		m.applySwitch(pool, idx, family, reason)
		return true, nil
	})
}

func (m *Manager) applySwitch(pool *storage.AccountStorage, idx int, family config.ModelFamily, reason storage.SwitchReason) {
	if family == "" || family == config.ModelFamilyUnknown {
		pool.ActiveIndex = idx
		for _, f := range config.KnownModelFamilies {
			pool.ActiveIndexByFamily[f] = idx
		}
	} else {
		pool.ActiveIndexByFamily[family] = idx
	}
	pool.Accounts[idx].LastSwitchReason = reason
	m.log.Info("switched active account to slot %d (%s, reason=%s)", idx, family, reason)
}

// SelectForRequest picks the best slot for a request, stamps it as used, and
// persists the selection so restarts resume from the same account.
func (m *Manager) SelectForRequest(family config.ModelFamily, model string) (*selection.Candidate, error) {
	var picked *selection.Candidate
	err := m.mutate(func(pool *storage.AccountStorage) (bool, error) {
		c, err := m.engine.Select(pool, family, model)
		if err != nil {
			return false, err
		}
		nowMs := m.clk.Now().UnixMilli()
		pool.Accounts[c.Index].LastUsed = nowMs
		reason := storage.SwitchReasonRotation
		if pool.ActiveIndexFor(family) == c.Index {
			reason = pool.Accounts[c.Index].LastSwitchReason
			if reason == "" {
				reason = storage.SwitchReasonInitial
			}
		}
		m.applySwitch(pool, c.Index, family, reason)
		picked = c
		return true, nil
	})
	return picked, err
}

// MarkRateLimited persists a rate-limit reset time for the slot and reports
// the signal to the engine. Returns the backoff to honor.
func (m *Manager) MarkRateLimited(index int, family config.ModelFamily, model, message string, resetAtMs, retryAfterMs int64) (int64, error) {
	result := m.engine.ReportRateLimit(index, family, model, message, retryAfterMs)
	err := m.mutate(func(pool *storage.AccountStorage) (bool, error) {
		if index < 0 || index >= len(pool.Accounts) {
			return false, nil
		}
		acc := pool.Accounts[index]
		if acc.RateLimitResetTimes == nil {
			acc.RateLimitResetTimes = make(map[config.QuotaKey]int64)
		}
		key := config.QuotaKeyFor(family, model)
		if resetAtMs <= 0 {
			resetAtMs = m.clk.Now().UnixMilli() + result.DelayMs
		}
		acc.RateLimitResetTimes[key] = resetAtMs
		acc.LastSwitchReason = storage.SwitchReasonRateLimit
		return true, nil
	})
	return result.DelayMs, err
}

// SetCooldown benches the slot until the given instant.
func (m *Manager) SetCooldown(index int, reason storage.CooldownReason, untilMs int64) error {
	return m.mutate(func(pool *storage.AccountStorage) (bool, error) {
		if index < 0 || index >= len(pool.Accounts) {
			return false, nil
		}
		pool.Accounts[index].CoolingDownUntil = untilMs
		pool.Accounts[index].CooldownReason = reason
		return true, nil
	})
}

// ReportSuccess clears engine penalties for the slot and lifts a cooldown.
func (m *Manager) ReportSuccess(index int, family config.ModelFamily, model string) error {
	m.engine.ReportSuccess(index, family, model)
	return m.mutate(func(pool *storage.AccountStorage) (bool, error) {
		if index < 0 || index >= len(pool.Accounts) {
			return false, nil
		}
		acc := pool.Accounts[index]
		if acc.CoolingDownUntil == 0 && acc.CooldownReason == "" {
			return false, nil
		}
		acc.CoolingDownUntil = 0
		acc.CooldownReason = ""
		return true, nil
	})
}

// AccountHealth is one row of the health report.
type AccountHealth struct {
	Index        int     `json:"index"`
	DisplayName  string  `json:"displayName"`
	Active       bool    `json:"active"`
	Health       float64 `json:"health"`
	Tokens       int     `json:"tokens"`
	RateLimited  bool    `json:"rateLimited"`
	ResetInMs    int64   `json:"resetInMs,omitempty"`
	CoolingDown  bool    `json:"coolingDown"`
	BreakerState string  `json:"breakerState"`
}

// HealthReport summarizes every slot for a family.
func (m *Manager) HealthReport(family config.ModelFamily) ([]AccountHealth, error) {
	pool, err := m.List()
	if err != nil {
		return nil, err
	}
	nowMs := m.clk.Now().UnixMilli()
	key := config.FamilyQuotaKey(family)
	active := pool.ActiveIndexFor(family)

	report := make([]AccountHealth, 0, len(pool.Accounts))
	candidates := m.engine.TopCandidates(pool, family, "", 0)
	states := make(map[int]selection.Candidate, len(candidates))
	for _, c := range candidates {
		states[c.Index] = c
	}
	for i, acc := range pool.Accounts {
		row := AccountHealth{
			Index:       i,
			DisplayName: acc.DisplayName(),
			Active:      i == active,
			Health:      m.engine.Health().GetScore(i, key),
			Tokens:      m.engine.Buckets().GetTokens(i, key),
			RateLimited: acc.IsRateLimited(family, "", nowMs),
			CoolingDown: acc.IsCoolingDown(nowMs),
		}
		if resetAt, ok := acc.RateLimitResetTimes[key]; ok && resetAt > nowMs {
			row.ResetInMs = resetAt - nowMs
		}
		if c, ok := states[i]; ok {
			row.BreakerState = string(c.BreakerState)
		} else {
			row.BreakerState = "unavailable"
		}
		report = append(report, row)
	}
	return report, nil
}

func clampActive(idx, length int) int {
	if length == 0 {
		return 0
	}
	if idx < 0 {
		return 0
	}
	if idx >= length {
		return length - 1
	}
	return idx
}
