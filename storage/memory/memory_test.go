package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gousage/pkg/gousage"
	"github.com/mihaimyh/gousage/storage/storagetest"
)

var _ gousage.Storage = (*Storage)(nil)

func TestStorage_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) gousage.Storage { return New() })
}

func TestStorage_RateLimitConfigs(t *testing.T) {
	ctx := context.Background()
	cfg := gousage.RateLimitConfig{ID: "a", Provider: "openai", RequestLimit: 10, ResetStrategy: gousage.ResetDaily}
	s := New(cfg)

	got, err := s.LoadRateLimitConfigs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []gousage.RateLimitConfig{cfg}, got)

	// Returned slice is a copy.
	got[0].RequestLimit = 99
	again, err := s.LoadRateLimitConfigs(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), again[0].RequestLimit)

	s.SetRateLimitConfigs(nil)
	again, err = s.LoadRateLimitConfigs(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestStorage_SnapshotIsCopied(t *testing.T) {
	ctx := context.Background()
	s := New()
	snap := storagetest.Snapshot(time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC), 10)
	require.NoError(t, s.SaveSnapshot(ctx, snap))

	snap.Entries[0].Requests = 999
	got, err := s.LoadLastSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.Entries[0].Requests)
}

func TestStorage_RejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	s := New()
	assert.Error(t, s.SaveSnapshot(ctx, nil))
	assert.Error(t, s.CommitCycle(ctx, nil, nil))
	assert.Error(t, s.UpsertDailyStats(ctx, &gousage.DailyStats{}))
	assert.Error(t, s.UpsertRateLimitStatus(ctx, &gousage.RateLimitStatus{}))
}
