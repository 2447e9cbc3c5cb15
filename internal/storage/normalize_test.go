package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-codex/codex-proxy-go/internal/config"
)

const testNowMs = int64(1_700_000_000_000)

func TestNormalizeDedupKeepsNewestAtFirstPosition(t *testing.T) {
	data := []byte(`{
		"version": 3,
		"accounts": [
			{"accountId": "acct-a", "refreshToken": "tok-a1", "lastUsed": 100, "addedAt": 1},
			{"accountId": "acct-a", "refreshToken": "tok-a2", "lastUsed": 200, "addedAt": 2},
			{"accountId": "acct-b", "refreshToken": "tok-b", "lastUsed": 50, "addedAt": 3}
		],
		"activeIndex": 2
	}`)

	pool, _, ok := ParseAndNormalize(data, testNowMs)
	require.True(t, ok)
	require.Len(t, pool.Accounts, 2)

	// acct-a keeps its first position but carries the newest entry's data.
	assert.Equal(t, "acct-a", pool.Accounts[0].AccountID)
	assert.Equal(t, "tok-a2", pool.Accounts[0].RefreshToken)
	assert.Equal(t, int64(200), pool.Accounts[0].LastUsed)
	assert.Equal(t, "acct-b", pool.Accounts[1].AccountID)

	// activeIndex followed acct-b from raw slot 2 to slot 1.
	assert.Equal(t, 1, pool.ActiveIndex)
}

func TestNormalizeActiveIndexFollowsDedupedActiveAccount(t *testing.T) {
	data := []byte(`{
		"version": 3,
		"accounts": [
			{"accountId": "acct-a", "refreshToken": "tok-a1", "lastUsed": 100},
			{"accountId": "acct-a", "refreshToken": "tok-a2", "lastUsed": 200},
			{"accountId": "acct-b", "refreshToken": "tok-b"}
		],
		"activeIndex": 1
	}`)

	pool, _, ok := ParseAndNormalize(data, testNowMs)
	require.True(t, ok)
	require.Len(t, pool.Accounts, 2)
	assert.Equal(t, 0, pool.ActiveIndex)
	assert.Equal(t, int64(200), pool.Accounts[0].LastUsed)
}

func TestNormalizeMigratesV1ResetTimes(t *testing.T) {
	future := testNowMs + 60_000
	past := testNowMs - 60_000

	pool, _, ok := NormalizeAccountStorage(map[string]any{
		"version": float64(1),
		"accounts": []any{
			map[string]any{"refreshToken": "tok-a", "rateLimitResetTime": float64(future)},
			map[string]any{"refreshToken": "tok-b", "rateLimitResetTime": float64(past)},
		},
		"activeIndex": float64(0),
	}, testNowMs)
	require.True(t, ok)
	require.Len(t, pool.Accounts, 2)
	assert.Equal(t, config.StorageSchemaVersion, pool.Version)

	// Still-future reset replicates to every known family.
	a := pool.Accounts[0]
	require.NotNil(t, a.RateLimitResetTimes)
	for _, family := range config.KnownModelFamilies {
		assert.Equal(t, future, a.RateLimitResetTimes[config.FamilyQuotaKey(family)])
	}

	// Expired reset is discarded.
	assert.Empty(t, pool.Accounts[1].RateLimitResetTimes)
}

func TestNormalizeDropsInvalidEntries(t *testing.T) {
	pool, warnings, ok := NormalizeAccountStorage(map[string]any{
		"version": float64(3),
		"accounts": []any{
			"not an object",
			map[string]any{"refreshToken": "   "},
			map[string]any{"accountId": "acct-a"},
			map[string]any{"refreshToken": "tok-good"},
		},
		"activeIndex": float64(3),
	}, testNowMs)
	require.True(t, ok)
	require.Len(t, pool.Accounts, 1)
	assert.Equal(t, "tok-good", pool.Accounts[0].RefreshToken)
	assert.Equal(t, 0, pool.ActiveIndex)
	assert.Len(t, warnings, 3)
}

func TestNormalizeDedupByEmailNewestWins(t *testing.T) {
	data := []byte(`{
		"version": 3,
		"accounts": [
			{"refreshToken": "tok-old", "email": "user@example.com", "lastUsed": 10},
			{"refreshToken": "tok-new", "email": "user@example.com", "lastUsed": 20},
			{"refreshToken": "tok-other", "email": ""}
		],
		"activeIndex": 0
	}`)

	pool, _, ok := ParseAndNormalize(data, testNowMs)
	require.True(t, ok)
	require.Len(t, pool.Accounts, 2)
	assert.Equal(t, "tok-new", pool.Accounts[0].RefreshToken)
	assert.Equal(t, "tok-other", pool.Accounts[1].RefreshToken)
}

func TestNormalizeRemapsActiveIndexByFamily(t *testing.T) {
	data := []byte(`{
		"version": 3,
		"accounts": [
			{"accountId": "acct-a", "refreshToken": "tok-a1", "lastUsed": 100},
			{"accountId": "acct-a", "refreshToken": "tok-a2", "lastUsed": 200},
			{"accountId": "acct-b", "refreshToken": "tok-b"}
		],
		"activeIndex": 0,
		"activeIndexByFamily": {"codex": 2, "gpt": 1, "custom": 99}
	}`)

	pool, _, ok := ParseAndNormalize(data, testNowMs)
	require.True(t, ok)
	require.Len(t, pool.Accounts, 2)

	assert.Equal(t, 1, pool.ActiveIndexByFamily[config.ModelFamilyCodex])
	assert.Equal(t, 0, pool.ActiveIndexByFamily[config.ModelFamilyGPT])
	// Unknown families survive, clamped into range.
	assert.Equal(t, 1, pool.ActiveIndexByFamily[config.ModelFamily("custom")])
}

func TestNormalizeFillsMissingKnownFamilies(t *testing.T) {
	data := []byte(`{
		"version": 3,
		"accounts": [
			{"refreshToken": "tok-a"},
			{"refreshToken": "tok-b"}
		],
		"activeIndex": 1
	}`)

	pool, _, ok := ParseAndNormalize(data, testNowMs)
	require.True(t, ok)
	for _, family := range config.KnownModelFamilies {
		assert.Equal(t, 1, pool.ActiveIndexByFamily[family])
	}
}

func TestNormalizeRejectsUnknownShapes(t *testing.T) {
	cases := map[string]any{
		"not an object":   []any{},
		"missing version": map[string]any{"accounts": []any{}},
		"bad version":     map[string]any{"version": float64(2), "accounts": []any{}},
		"no accounts":     map[string]any{"version": float64(3)},
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, ok := NormalizeAccountStorage(raw, testNowMs)
			assert.False(t, ok)
		})
	}
}

func TestNormalizeTruncatesOversizedPool(t *testing.T) {
	accounts := make([]any, 0, config.MaxAccounts+3)
	for i := 0; i < config.MaxAccounts+3; i++ {
		accounts = append(accounts, map[string]any{"refreshToken": "tok-" + string(rune('a'+i))})
	}
	pool, warnings, ok := NormalizeAccountStorage(map[string]any{
		"version":     float64(3),
		"accounts":    accounts,
		"activeIndex": float64(0),
	}, testNowMs)
	require.True(t, ok)
	assert.Len(t, pool.Accounts, config.MaxAccounts)
	assert.NotEmpty(t, warnings)
}
