// Package storage owns the durable account pool: schema, normalization,
// versioned migration, and the concurrency-safe file store.
package storage

import (
	"strings"

	"github.com/opencode-codex/codex-proxy-go/internal/config"
)

// SwitchReason records why the active account last changed.
type SwitchReason string

const (
	SwitchReasonRateLimit SwitchReason = "rate-limit"
	SwitchReasonInitial   SwitchReason = "initial"
	SwitchReasonRotation  SwitchReason = "rotation"
)

// CooldownReason records why an account is temporarily benched.
type CooldownReason string

const (
	CooldownReasonAuthFailure  CooldownReason = "auth-failure"
	CooldownReasonNetworkError CooldownReason = "network-error"
)

// Account is a usable upstream identity.
type Account struct {
	AccountID       string       `json:"accountId,omitempty"`
	Email           string       `json:"email,omitempty"`
	AccountLabel    string       `json:"accountLabel,omitempty"`
	AccountIDSource string       `json:"accountIdSource,omitempty"`
	RefreshToken    string       `json:"refreshToken"`
	AddedAt         int64        `json:"addedAt"`
	LastUsed        int64        `json:"lastUsed"`
	LastSwitchReason SwitchReason `json:"lastSwitchReason,omitempty"`

	// RateLimitResetTimes maps quota key to the ms-since-epoch reset instant.
	// Entries expire once now >= value.
	RateLimitResetTimes map[config.QuotaKey]int64 `json:"rateLimitResetTimes,omitempty"`

	CoolingDownUntil int64          `json:"coolingDownUntil,omitempty"`
	CooldownReason   CooldownReason `json:"cooldownReason,omitempty"`
}

// Key is the dedup identity: accountId when present, else the refresh token.
func (a *Account) Key() string {
	if id := strings.TrimSpace(a.AccountID); id != "" {
		return a.AccountID
	}
	return a.RefreshToken
}

// DisplayName returns the best human-readable identifier for the account.
func (a *Account) DisplayName() string {
	if a.AccountLabel != "" {
		return a.AccountLabel
	}
	if a.Email != "" {
		return a.Email
	}
	if a.AccountID != "" {
		return a.AccountID
	}
	return "(unnamed account)"
}

// Clone returns a deep copy.
func (a *Account) Clone() *Account {
	dup := *a
	if a.RateLimitResetTimes != nil {
		dup.RateLimitResetTimes = make(map[config.QuotaKey]int64, len(a.RateLimitResetTimes))
		for k, v := range a.RateLimitResetTimes {
			dup.RateLimitResetTimes[k] = v
		}
	}
	return &dup
}

// ExpireStaleRateLimits drops reset entries that have already passed.
func (a *Account) ExpireStaleRateLimits(nowMs int64) {
	for key, resetAt := range a.RateLimitResetTimes {
		if nowMs >= resetAt {
			delete(a.RateLimitResetTimes, key)
		}
	}
}

// IsRateLimited reports whether the account is limited for the family, or for
// the pinned model within the family. A family-level limit covers all of its
// models; a model-level limit does not spill into the family.
func (a *Account) IsRateLimited(family config.ModelFamily, model string, nowMs int64) bool {
	if a.RateLimitResetTimes == nil {
		return false
	}
	if model != "" {
		if resetAt, ok := a.RateLimitResetTimes[config.QuotaKeyFor(family, model)]; ok && resetAt > nowMs {
			return true
		}
	}
	if resetAt, ok := a.RateLimitResetTimes[config.FamilyQuotaKey(family)]; ok && resetAt > nowMs {
		return true
	}
	return false
}

// IsCoolingDown reports whether the account is inside a cooldown window.
func (a *Account) IsCoolingDown(nowMs int64) bool {
	return a.CoolingDownUntil > nowMs
}

// AccountStorage is the v3 on-disk pool schema.
type AccountStorage struct {
	Version             int                          `json:"version"`
	Accounts            []*Account                   `json:"accounts"`
	ActiveIndex         int                          `json:"activeIndex"`
	ActiveIndexByFamily map[config.ModelFamily]int   `json:"activeIndexByFamily,omitempty"`
}

// EmptyStorage returns a fresh empty v3 pool.
func EmptyStorage() *AccountStorage {
	return &AccountStorage{
		Version:             config.StorageSchemaVersion,
		Accounts:            []*Account{},
		ActiveIndex:         0,
		ActiveIndexByFamily: map[config.ModelFamily]int{},
	}
}

// Clone returns a deep copy of the pool.
func (s *AccountStorage) Clone() *AccountStorage {
	dup := &AccountStorage{
		Version:             s.Version,
		Accounts:            make([]*Account, len(s.Accounts)),
		ActiveIndex:         s.ActiveIndex,
		ActiveIndexByFamily: make(map[config.ModelFamily]int, len(s.ActiveIndexByFamily)),
	}
	for i, acc := range s.Accounts {
		dup.Accounts[i] = acc.Clone()
	}
	for family, idx := range s.ActiveIndexByFamily {
		dup.ActiveIndexByFamily[family] = idx
	}
	return dup
}

// ActiveIndexFor returns the active index for a family, falling back to the
// pool-wide active index.
func (s *AccountStorage) ActiveIndexFor(family config.ModelFamily) int {
	if idx, ok := s.ActiveIndexByFamily[family]; ok && idx >= 0 && idx < len(s.Accounts) {
		return idx
	}
	return s.ActiveIndex
}
