package storage

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/opencode-codex/codex-proxy-go/internal/config"
)

// warnPoolTruncated is the warning emitted when the pool exceeds the account
// cap. Import matches on it to refuse oversized merges.
const warnPoolTruncated = "pool truncated to %d accounts"

// NormalizeAccountStorage reduces raw parsed JSON to a valid v3 pool. The
// contract is total: any input either yields a valid pool (ok=true) with
// collected warnings, or nothing (ok=false). Downstream code never inspects
// untyped values.
func NormalizeAccountStorage(raw any, nowMs int64) (*AccountStorage, []string, bool) {
	var warnings []string

	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, nil, false
	}

	version, ok := asInt(obj["version"])
	if !ok || (version != 1 && version != config.StorageSchemaVersion) {
		return nil, nil, false
	}

	rawAccountsAny, ok := obj["accounts"].([]any)
	if !ok {
		return nil, nil, false
	}

	rawAccounts := make([]map[string]any, 0, len(rawAccountsAny))
	for i, entry := range rawAccountsAny {
		m, isObj := entry.(map[string]any)
		if !isObj {
			warnings = append(warnings, fmt.Sprintf("account %d dropped: not an object", i))
			rawAccounts = append(rawAccounts, nil)
			continue
		}
		rawAccounts = append(rawAccounts, m)
	}

	// Capture the active account's key before any filtering so the index can
	// be remapped to the same logical account afterwards.
	rawActiveIndex := 0
	if v, ok := asInt(obj["activeIndex"]); ok {
		rawActiveIndex = v
	}
	rawActiveIndex = clampIndex(rawActiveIndex, len(rawAccounts))
	activeKey := ""
	if rawActiveIndex < len(rawAccounts) && rawAccounts[rawActiveIndex] != nil {
		activeKey = rawAccountKey(rawAccounts[rawActiveIndex])
	}

	if version == 1 {
		rawAccounts = migrateV1Accounts(rawAccounts, nowMs)
	}

	type survivor struct {
		acc      *Account
		rawIndex int
	}

	entries := make([]survivor, 0, len(rawAccounts))
	for i, m := range rawAccounts {
		if m == nil {
			continue
		}
		acc, valid := decodeAccount(m)
		if !valid {
			warnings = append(warnings, fmt.Sprintf("account %d dropped: missing or empty refreshToken", i))
			continue
		}
		entries = append(entries, survivor{acc: acc, rawIndex: i})
	}

	newer := func(a, b survivor) bool {
		if a.acc.LastUsed != b.acc.LastUsed {
			return a.acc.LastUsed > b.acc.LastUsed
		}
		if a.acc.AddedAt != b.acc.AddedAt {
			return a.acc.AddedAt > b.acc.AddedAt
		}
		return a.rawIndex > b.rawIndex
	}

	// Collapse duplicates keeping the newest entry; the survivor occupies the
	// first position its key appeared at.
	dedup := func(in []survivor, keyOf func(*Account) string) []survivor {
		out := make([]survivor, 0, len(in))
		pos := make(map[string]int)
		for _, e := range in {
			k := keyOf(e.acc)
			if k == "" {
				out = append(out, e)
				continue
			}
			if at, seen := pos[k]; seen {
				if newer(e, out[at]) {
					out[at] = e
				}
				continue
			}
			pos[k] = len(out)
			out = append(out, e)
		}
		return out
	}

	entries = dedup(entries, func(a *Account) string { return a.Key() })
	entries = dedup(entries, func(a *Account) string { return strings.TrimSpace(a.Email) })

	if len(entries) > config.MaxAccounts {
		warnings = append(warnings, fmt.Sprintf(warnPoolTruncated, config.MaxAccounts))
		entries = entries[:config.MaxAccounts]
	}

	accounts := make([]*Account, len(entries))
	indexByKey := make(map[string]int, len(entries))
	for i, e := range entries {
		accounts[i] = e.acc
		if _, seen := indexByKey[e.acc.Key()]; !seen {
			indexByKey[e.acc.Key()] = i
		}
	}

	activeIndex := clampIndex(rawActiveIndex, len(accounts))
	if idx, ok := indexByKey[activeKey]; ok && activeKey != "" {
		activeIndex = idx
	}

	byFamily := make(map[config.ModelFamily]int)
	if rawByFamily, ok := obj["activeIndexByFamily"].(map[string]any); ok {
		for familyName, v := range rawByFamily {
			rawIdx, isNum := asInt(v)
			if !isNum {
				continue
			}
			rawIdx = clampIndex(rawIdx, len(rawAccounts))
			mapped := clampIndex(rawIdx, len(accounts))
			if rawIdx < len(rawAccounts) && rawAccounts[rawIdx] != nil {
				if idx, found := indexByKey[rawAccountKey(rawAccounts[rawIdx])]; found {
					mapped = idx
				}
			}
			byFamily[config.ModelFamily(familyName)] = mapped
		}
	}
	for _, family := range config.KnownModelFamilies {
		if _, ok := byFamily[family]; !ok {
			byFamily[family] = activeIndex
		}
	}

	return &AccountStorage{
		Version:             config.StorageSchemaVersion,
		Accounts:            accounts,
		ActiveIndex:         activeIndex,
		ActiveIndexByFamily: byFamily,
	}, warnings, true
}

// ParseAndNormalize parses JSON bytes and normalizes the result.
func ParseAndNormalize(data []byte, nowMs int64) (*AccountStorage, []string, bool) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, []string{"invalid JSON: " + err.Error()}, false
	}
	return NormalizeAccountStorage(raw, nowMs)
}

// migrateV1Accounts replaces each account's scalar rateLimitResetTime with a
// per-family mapping. Still-future values replicate to every known family;
// expired values are discarded. Works on copies.
func migrateV1Accounts(rawAccounts []map[string]any, nowMs int64) []map[string]any {
	out := make([]map[string]any, len(rawAccounts))
	for i, m := range rawAccounts {
		if m == nil {
			continue
		}
		dup := make(map[string]any, len(m))
		for k, v := range m {
			dup[k] = v
		}
		if resetTime, ok := asInt64(dup["rateLimitResetTime"]); ok && resetTime > nowMs {
			resetTimes := make(map[string]any, len(config.KnownModelFamilies))
			for _, family := range config.KnownModelFamilies {
				resetTimes[string(family)] = float64(resetTime)
			}
			dup["rateLimitResetTimes"] = resetTimes
		}
		delete(dup, "rateLimitResetTime")
		out[i] = dup
	}
	return out
}

// decodeAccount narrows a raw account object into an Account. Entries
// without a non-empty trimmed refreshToken are invalid.
func decodeAccount(m map[string]any) (*Account, bool) {
	token, _ := m["refreshToken"].(string)
	if strings.TrimSpace(token) == "" {
		return nil, false
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, false
	}
	var acc Account
	if err := json.Unmarshal(data, &acc); err != nil {
		return nil, false
	}
	return &acc, true
}

// rawAccountKey mirrors Account.Key over a raw object: accountId when
// present and non-empty, else refreshToken.
func rawAccountKey(m map[string]any) string {
	if id, ok := m["accountId"].(string); ok && strings.TrimSpace(id) != "" {
		return id
	}
	token, _ := m["refreshToken"].(string)
	return token
}

func clampIndex(idx, length int) int {
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

func asInt(v any) (int, bool) {
	n, ok := asInt64(v)
	return int(n), ok
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}
