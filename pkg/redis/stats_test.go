package redis

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilSinkIsSafe(t *testing.T) {
	stats := New("", "", 0)
	require.Nil(t, stats)

	ctx := context.Background()
	assert.NoError(t, stats.Ping(ctx))
	stats.RecordSelection(ctx, "codex", 0)
	stats.RecordRateLimit(ctx, "codex", "quota")
	snapshot, err := stats.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snapshot)
	assert.NoError(t, stats.Close())
}
