// Package storagetest provides a behavioral test suite shared by every
// gousage.Storage adapter.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gousage/pkg/gousage"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) gousage.Storage

// Run exercises the Storage contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("EmptyReadsReturnNil", func(t *testing.T) { testEmpty(t, newStore(t)) })
	t.Run("SnapshotRoundTrip", func(t *testing.T) { testSnapshot(t, newStore(t)) })
	t.Run("DailyStatsRoundTrip", func(t *testing.T) { testDailyStats(t, newStore(t)) })
	t.Run("ListDailyStatsRange", func(t *testing.T) { testListDailyStats(t, newStore(t)) })
	t.Run("CommitCycle", func(t *testing.T) { testCommitCycle(t, newStore(t)) })
	t.Run("RateLimitStatusRoundTrip", func(t *testing.T) { testStatus(t, newStore(t)) })
}

// Snapshot returns a two-model snapshot at ts.
func Snapshot(ts time.Time, requests int64) *gousage.UsageSnapshot {
	return &gousage.UsageSnapshot{
		Timestamp: ts,
		Entries: []gousage.SnapshotEntry{
			{Provider: "openai", Model: "gpt-4o", Endpoint: "/v1/chat/completions",
				Counters: gousage.Counters{Requests: requests, Tokens: requests * 100, Cost: 0.5}},
			{Provider: "anthropic", Model: "claude-3", Endpoint: "/v1/messages",
				Counters: gousage.Counters{Requests: 7, Tokens: 700, Failures: 1, Cost: 0.25}},
		},
	}
}

// DailyStats returns a record for date with one hour and one model.
func DailyStats(date string, requests int64) *gousage.DailyStats {
	b := gousage.Bucket{Requests: requests, Tokens: requests * 10, Failures: 1, Cost: 1.5}
	d := gousage.NewDailyStats(date)
	d.Totals = b
	d.Breakdown.Hours[14] = &gousage.HourStats{
		Bucket: b,
		Models: map[string]*gousage.ModelStats{"gpt-4o": {Provider: "openai", Bucket: b}},
	}
	d.Breakdown.Models["gpt-4o"] = &gousage.ModelStats{Provider: "openai", Bucket: b}
	d.UpdatedAt = time.Date(2026, 3, 2, 14, 5, 0, 0, time.UTC)
	return d
}

func testEmpty(t *testing.T, s gousage.Storage) {
	ctx := context.Background()

	snap, err := s.LoadLastSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap)

	stats, err := s.LoadDailyStats(ctx, "2026-03-02")
	require.NoError(t, err)
	assert.Nil(t, stats)

	list, err := s.ListDailyStats(ctx, "2026-03-01", "2026-03-31")
	require.NoError(t, err)
	assert.Empty(t, list)

	st, err := s.LoadRateLimitStatus(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, st)
}

func assertSnapshot(t *testing.T, want, got *gousage.UsageSnapshot) {
	t.Helper()
	require.NotNil(t, got)
	assert.True(t, want.Timestamp.Equal(got.Timestamp), "timestamp: want %v got %v", want.Timestamp, got.Timestamp)
	assert.ElementsMatch(t, want.Entries, got.Entries)
}

func testSnapshot(t *testing.T, s gousage.Storage) {
	ctx := context.Background()
	ts := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

	first := Snapshot(ts, 100)
	require.NoError(t, s.SaveSnapshot(ctx, first))
	got, err := s.LoadLastSnapshot(ctx)
	require.NoError(t, err)
	assertSnapshot(t, first, got)

	second := Snapshot(ts.Add(5*time.Minute), 150)
	require.NoError(t, s.SaveSnapshot(ctx, second))
	got, err = s.LoadLastSnapshot(ctx)
	require.NoError(t, err)
	assertSnapshot(t, second, got)
}

func assertDaily(t *testing.T, want, got *gousage.DailyStats) {
	t.Helper()
	require.NotNil(t, got)
	assert.Equal(t, want.Date, got.Date)
	assert.Equal(t, want.Totals, got.Totals)
	assert.Equal(t, want.Breakdown, got.Breakdown)
	assert.True(t, want.UpdatedAt.Equal(got.UpdatedAt))
	assert.NoError(t, got.Validate())
}

func testDailyStats(t *testing.T, s gousage.Storage) {
	ctx := context.Background()

	d := DailyStats("2026-03-02", 40)
	require.NoError(t, s.UpsertDailyStats(ctx, d))
	got, err := s.LoadDailyStats(ctx, "2026-03-02")
	require.NoError(t, err)
	assertDaily(t, d, got)

	// Upsert replaces the record for the same date.
	d2 := DailyStats("2026-03-02", 90)
	require.NoError(t, s.UpsertDailyStats(ctx, d2))
	got, err = s.LoadDailyStats(ctx, "2026-03-02")
	require.NoError(t, err)
	assertDaily(t, d2, got)

	// Mutating the returned value must not leak into the store.
	got.Totals.Requests = 1
	again, err := s.LoadDailyStats(ctx, "2026-03-02")
	require.NoError(t, err)
	assert.Equal(t, int64(90), again.Totals.Requests)
}

func testListDailyStats(t *testing.T, s gousage.Storage) {
	ctx := context.Background()
	for _, date := range []string{"2026-03-03", "2026-02-28", "2026-03-01", "2026-03-05"} {
		require.NoError(t, s.UpsertDailyStats(ctx, DailyStats(date, 1)))
	}

	list, err := s.ListDailyStats(ctx, "2026-03-01", "2026-03-03")
	require.NoError(t, err)
	dates := make([]string, 0, len(list))
	for _, d := range list {
		dates = append(dates, d.Date)
	}
	assert.Equal(t, []string{"2026-03-01", "2026-03-03"}, dates)
}

func testCommitCycle(t *testing.T, s gousage.Storage) {
	ctx := context.Background()
	ts := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

	base := Snapshot(ts, 100)
	require.NoError(t, s.CommitCycle(ctx, nil, base))
	got, err := s.LoadLastSnapshot(ctx)
	require.NoError(t, err)
	assertSnapshot(t, base, got)
	list, err := s.ListDailyStats(ctx, "0000-01-01", "9999-12-31")
	require.NoError(t, err)
	assert.Empty(t, list)

	next := Snapshot(ts.Add(5*time.Minute), 150)
	stats := DailyStats("2026-03-02", 50)
	require.NoError(t, s.CommitCycle(ctx, stats, next))

	got, err = s.LoadLastSnapshot(ctx)
	require.NoError(t, err)
	assertSnapshot(t, next, got)
	d, err := s.LoadDailyStats(ctx, "2026-03-02")
	require.NoError(t, err)
	assertDaily(t, stats, d)
}

func testStatus(t *testing.T, s gousage.Storage) {
	ctx := context.Background()
	start := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	next := start.Add(24 * time.Hour)
	anchor := start.Add(14 * time.Hour)

	st := &gousage.RateLimitStatus{
		ConfigID:          "openai-daily",
		RemainingRequests: 400,
		WindowStart:       start,
		NextReset:         &next,
		LastUpdated:       anchor.Add(time.Hour),
		ResetAnchor:       &anchor,
		AnchorBaseline:    gousage.Bucket{Requests: 3, Tokens: 30},
	}
	require.NoError(t, s.UpsertRateLimitStatus(ctx, st))

	got, err := s.LoadRateLimitStatus(ctx, "openai-daily")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(400), got.RemainingRequests)
	assert.True(t, start.Equal(got.WindowStart))
	require.NotNil(t, got.NextReset)
	assert.True(t, next.Equal(*got.NextReset))
	require.NotNil(t, got.ResetAnchor)
	assert.True(t, anchor.Equal(*got.ResetAnchor))
	assert.Equal(t, st.AnchorBaseline, got.AnchorBaseline)

	// Conflict on config id replaces; nil pointers round-trip as nil.
	st2 := &gousage.RateLimitStatus{ConfigID: "openai-daily", RemainingRequests: 1000, WindowStart: anchor, LastUpdated: anchor}
	require.NoError(t, s.UpsertRateLimitStatus(ctx, st2))
	got, err = s.LoadRateLimitStatus(ctx, "openai-daily")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got.RemainingRequests)
	assert.Nil(t, got.NextReset)
	assert.Nil(t, got.ResetAnchor)
}
