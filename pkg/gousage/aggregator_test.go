package gousage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregator_MergeCreatesRecord(t *testing.T) {
	pricing := NewStaticPricing(map[string]Price{
		"gpt-4o":   {PerToken: 0.001},
		"dall-e-3": {PerRequest: 0.5},
	}, Price{})
	agg := NewAggregator(pricing, 0)

	ts := time.Date(2026, 3, 2, 14, 10, 0, 0, time.UTC)
	out, err := agg.Merge(nil, map[string]Delta{
		"gpt-4o":   {Provider: "openai", Requests: 5, Tokens: 1000, Failures: 1},
		"dall-e-3": {Provider: "openai", Requests: 2},
	}, ts)
	require.NoError(t, err)
	require.NoError(t, out.Validate())

	assert.Equal(t, "2026-03-02", out.Date)
	assert.Equal(t, int64(7), out.Totals.Requests)
	assert.Equal(t, int64(1000), out.Totals.Tokens)
	assert.Equal(t, int64(1), out.Totals.Failures)
	assert.InDelta(t, 2.0, out.Totals.Cost, 1e-9)

	hs := out.Breakdown.Hours[14]
	require.NotNil(t, hs)
	assert.InDelta(t, 1.0, hs.Models["gpt-4o"].Cost, 1e-9)
	assert.InDelta(t, 1.0, hs.Models["dall-e-3"].Cost, 1e-9)
	assert.Equal(t, "openai", out.Breakdown.Models["gpt-4o"].Provider)
	assert.True(t, ts.Equal(out.UpdatedAt))
}

func TestAggregator_MergeIsAdditiveAndPure(t *testing.T) {
	agg := NewAggregator(NewStaticPricing(map[string]Price{"m": {PerToken: 0.01}}, Price{}), 0)
	first := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	day, err := agg.Merge(nil, map[string]Delta{"m": {Requests: 1, Tokens: 100}}, first)
	require.NoError(t, err)
	snapshot := day.Clone()

	day2, err := agg.Merge(day, map[string]Delta{"m": {Requests: 2, Tokens: 50}}, first.Add(2*time.Hour))
	require.NoError(t, err)
	require.NoError(t, day2.Validate())

	assert.Equal(t, snapshot, day, "input record must not be mutated")
	assert.Equal(t, int64(3), day2.Totals.Requests)
	assert.InDelta(t, 1.5, day2.Totals.Cost, 1e-9)
	assert.Equal(t, int64(1), day2.Breakdown.Hours[9].Requests)
	assert.Equal(t, int64(2), day2.Breakdown.Hours[11].Requests)
	assert.Equal(t, int64(3), day2.Breakdown.Models["m"].Requests)
}

func TestAggregator_TimezoneBucketing(t *testing.T) {
	agg := NewAggregator(nil, -5)
	ts := time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)

	out, err := agg.Merge(nil, map[string]Delta{"m": {Requests: 1}}, ts)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01", out.Date)
	assert.Contains(t, out.Breakdown.Hours, 22)
	assert.Equal(t, time.UTC, out.UpdatedAt.Location())
}

func TestAggregator_MergeRejectsOtherDate(t *testing.T) {
	agg := NewAggregator(nil, 0)
	_, err := agg.Merge(NewDailyStats("2026-03-01"), map[string]Delta{"m": {Requests: 1}}, t0)
	assert.Error(t, err)
}

func TestAggregator_CostFallsBackToUpstream(t *testing.T) {
	agg := NewAggregator(NewStaticPricing(map[string]Price{"known": {PerToken: 0.001}}, Price{}), 0)

	assert.InDelta(t, 0.75, agg.Cost("unknown", Delta{Tokens: 10, Cost: 0.75}), 1e-9)
	assert.InDelta(t, 0.01, agg.Cost("known", Delta{Tokens: 10, Cost: 0.75}), 1e-9)
}
