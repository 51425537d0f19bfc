package gousage

import (
	"context"
	"fmt"
	"time"
)

// Aggregator folds per-model deltas into local-date, local-hour buckets.
type Aggregator struct {
	pricing PricingResolver
	loc     *time.Location
}

// NewAggregator creates an aggregator bucketing in a fixed UTC offset.
func NewAggregator(pricing PricingResolver, timezoneOffsetHours float64) *Aggregator {
	if pricing == nil {
		pricing = PricingFunc(func(string) Price { return Price{} })
	}
	return &Aggregator{pricing: pricing, loc: LocalZone(timezoneOffsetHours)}
}

// Location returns the bucketing zone.
func (a *Aggregator) Location() *time.Location {
	return a.loc
}

// DateHour returns the local date key and hour for a UTC poll timestamp.
func (a *Aggregator) DateHour(ts time.Time) (string, int) {
	return LocalDateHour(ts, a.loc)
}

// Cost prices a delta with the pricing in effect now. When the resolver
// knows nothing about the model the upstream-reported cost is kept.
func (a *Aggregator) Cost(model string, d Delta) float64 {
	price := a.pricing.PriceOf(model)
	if price == (Price{}) {
		return d.Cost
	}
	return price.Cost(d.Requests, d.Tokens)
}

// Merge returns a copy of stats with deltas added at model, hour and day
// level. stats may be nil, in which case a fresh record for ts's local date
// is created. It is an error to merge into the record of a different date.
func (a *Aggregator) Merge(stats *DailyStats, deltas map[string]Delta, ts time.Time) (*DailyStats, error) {
	date, hour := a.DateHour(ts)
	var out *DailyStats
	if stats == nil {
		out = NewDailyStats(date)
	} else {
		if stats.Date != date {
			return nil, fmt.Errorf("merge into %s: poll falls on %s", stats.Date, date)
		}
		out = stats.Clone()
	}

	hs, ok := out.Breakdown.Hours[hour]
	if !ok {
		hs = &HourStats{Models: make(map[string]*ModelStats)}
		out.Breakdown.Hours[hour] = hs
	}

	for model, d := range deltas {
		b := Bucket{
			Requests: d.Requests,
			Tokens:   d.Tokens,
			Failures: d.Failures,
			Cost:     a.Cost(model, d),
		}

		ms, ok := out.Breakdown.Models[model]
		if !ok {
			ms = &ModelStats{}
			out.Breakdown.Models[model] = ms
		}
		if d.Provider != "" {
			ms.Provider = d.Provider
		}
		ms.Add(b)

		hm, ok := hs.Models[model]
		if !ok {
			hm = &ModelStats{}
			hs.Models[model] = hm
		}
		if d.Provider != "" {
			hm.Provider = d.Provider
		}
		hm.Add(b)

		hs.Add(b)
		out.Totals.Add(b)
	}
	out.UpdatedAt = ts.UTC()
	return out, nil
}

// ApplyDeltas loads the record for ts's local date, merges deltas and
// upserts it. The collector uses Merge with CommitCycle instead so the
// baseline advances atomically with the stats.
func (a *Aggregator) ApplyDeltas(ctx context.Context, store Storage, deltas map[string]Delta, ts time.Time) error {
	if len(deltas) == 0 {
		return nil
	}
	date, _ := a.DateHour(ts)
	current, err := store.LoadDailyStats(ctx, date)
	if err != nil {
		return fmt.Errorf("load daily stats %s: %w", date, err)
	}
	merged, err := a.Merge(current, deltas, ts)
	if err != nil {
		return err
	}
	if err := store.UpsertDailyStats(ctx, merged); err != nil {
		return fmt.Errorf("upsert daily stats %s: %w", date, err)
	}
	return nil
}
