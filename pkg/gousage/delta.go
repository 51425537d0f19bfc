package gousage

import "sort"

// DefaultFalseStartThreshold is the implied cost above which a first-seen
// model is skipped for its first interval.
const DefaultFalseStartThreshold = 10.0

// DeltaCalculator turns two consecutive cumulative snapshots into
// per-model incremental usage.
type DeltaCalculator struct {
	pricing   PricingResolver
	threshold float64
	logger    Logger
	metrics   Metrics
}

// NewDeltaCalculator creates a calculator. A non-positive threshold selects
// DefaultFalseStartThreshold; nil logger/metrics select the no-op versions.
func NewDeltaCalculator(pricing PricingResolver, threshold float64, logger Logger, metrics Metrics) *DeltaCalculator {
	if threshold <= 0 {
		threshold = DefaultFalseStartThreshold
	}
	logger = OrNoop(logger)
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	if pricing == nil {
		pricing = PricingFunc(func(string) Price { return Price{} })
	}
	return &DeltaCalculator{pricing: pricing, threshold: threshold, logger: logger, metrics: metrics}
}

// ComputeDeltas is a convenience wrapper without logging or metrics.
func ComputeDeltas(previous, current *UsageSnapshot, pricing PricingResolver, threshold float64) *DeltaResult {
	return NewDeltaCalculator(pricing, threshold, nil, nil).Compute(previous, current)
}

// Compute returns the deltas of current against previous.
//
// With no previous snapshot nothing is emitted. A model absent from
// previous contributes its full cumulative value unless the implied cost
// exceeds the threshold, in which case it is skipped. A model whose
// counters decreased is treated as restarted and contributes its current
// cumulative value. Zero deltas are omitted.
func (c *DeltaCalculator) Compute(previous, current *UsageSnapshot) *DeltaResult {
	res := &DeltaResult{
		Deltas:  make(map[string]Delta),
		Skipped: make(map[string]struct{}),
	}
	if previous == nil || current == nil {
		return res
	}

	prevTotals := previous.ModelTotals()
	curTotals := current.ModelTotals()
	providers := current.ModelProviders()

	models := make([]string, 0, len(curTotals))
	for m := range curTotals {
		models = append(models, m)
	}
	sort.Strings(models)

	for _, model := range models {
		cur := curTotals[model]
		prev, seen := prevTotals[model]

		var d Counters
		switch {
		case !seen:
			d = cur
			cost := c.impliedCost(model, d)
			if cost > c.threshold {
				res.Skipped[model] = struct{}{}
				c.metrics.RecordFalseStart(model)
				c.logger.Warn("false start detected, skipping first interval",
					Field{"model", model},
					Field{"cost", cost},
					Field{"threshold", c.threshold},
				)
				continue
			}
		case cur.decreasedFrom(prev):
			d = cur
			res.Restarts = append(res.Restarts, model)
			c.metrics.RecordRestart(model)
			c.logger.Warn("upstream restart detected",
				Field{"model", model},
				Field{"oldRequests", prev.Requests},
				Field{"newRequests", cur.Requests},
				Field{"oldTokens", prev.Tokens},
				Field{"newTokens", cur.Tokens},
				Field{"oldCost", prev.Cost},
				Field{"newCost", cur.Cost},
			)
		default:
			d = cur.Sub(prev)
		}

		if d == (Counters{}) {
			continue
		}
		res.Deltas[model] = Delta{
			Provider: providers[model],
			Requests: d.Requests,
			Tokens:   d.Tokens,
			Failures: d.Failures,
			Cost:     d.Cost,
		}
	}
	return res
}

// impliedCost prefers the upstream-reported cost and falls back to pricing.
func (c *DeltaCalculator) impliedCost(model string, d Counters) float64 {
	if d.Cost > 0 {
		return d.Cost
	}
	return c.pricing.PriceOf(model).Cost(d.Requests, d.Tokens)
}
