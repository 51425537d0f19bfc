package gousage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Collector runs poll cycles: fetch, reconcile against the stored baseline,
// aggregate and commit. Only one cycle runs at a time.
type Collector struct {
	source  Source
	store   Storage
	engine  *Engine
	calc    *DeltaCalculator
	agg     *Aggregator
	config  Config
	logger  Logger
	metrics Metrics

	cycleMu sync.Mutex
}

// NewCollector creates a collector and the Engine evaluated after each cycle.
func NewCollector(source Source, store Storage, config *Config) (*Collector, error) {
	if source == nil {
		return nil, errors.New("source is required")
	}
	if store == nil {
		return nil, errors.New("storage is required")
	}
	cfg := Config{}
	if config != nil {
		cfg = *config
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.ApplyDefaults()

	return &Collector{
		source: source,
		store:  store,
		engine: NewEngine(store, EngineConfig{
			TimezoneOffsetHours: cfg.TimezoneOffsetHours,
			Concurrency:         cfg.EvaluateConcurrency,
			Now:                 cfg.Now,
			Logger:              cfg.Logger,
			Metrics:             cfg.Metrics,
		}),
		calc:    NewDeltaCalculator(cfg.Pricing, cfg.FalseStartCostThreshold, cfg.Logger, cfg.Metrics),
		agg:     NewAggregator(cfg.Pricing, cfg.TimezoneOffsetHours),
		config:  cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}, nil
}

// Engine returns the rate-limit engine sharing this collector's store.
func (c *Collector) Engine() *Engine {
	return c.engine
}

// RunCycle runs one poll cycle, waiting for any in-flight cycle to finish.
func (c *Collector) RunCycle(ctx context.Context) (*CycleReport, error) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()
	return c.runCycle(ctx)
}

// TriggerPoll runs an immediate cycle, or returns ErrCycleInProgress if one
// is already running.
func (c *Collector) TriggerPoll(ctx context.Context) (*CycleReport, error) {
	if !c.cycleMu.TryLock() {
		return nil, ErrCycleInProgress
	}
	defer c.cycleMu.Unlock()
	return c.runCycle(ctx)
}

// Run executes a cycle and a rate-limit evaluation immediately and then on
// every PollInterval tick until ctx is done.
func (c *Collector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	c.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Collector) tick(ctx context.Context) {
	// Cycle failures are logged inside runCycle; quotas still advance with time.
	_, _ = c.RunCycle(ctx)
	if _, err := c.engine.EvaluateAll(ctx); err != nil {
		c.logger.Error("rate limit evaluation incomplete", Field{"error", err})
	}
}

func (c *Collector) runCycle(ctx context.Context) (*CycleReport, error) {
	started := time.Now()
	outcome := "ok"
	defer func() {
		c.metrics.RecordCycle(outcome, time.Since(started))
	}()

	res, err := c.source.Fetch(ctx)
	if err != nil {
		if errors.Is(err, ErrMalformedSnapshot) {
			outcome = "malformed"
			c.logger.Warn("unusable upstream snapshot, skipping cycle", Field{"error", err})
			return nil, err
		}
		outcome = "upstream_error"
		c.logger.Warn("upstream fetch failed, skipping cycle", Field{"error", err})
		if errors.Is(err, ErrUpstreamUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	if res == nil || res.Snapshot == nil {
		outcome = "malformed"
		c.logger.Warn("upstream returned no snapshot, skipping cycle")
		return nil, fmt.Errorf("%w: empty response", ErrMalformedSnapshot)
	}
	if err := res.Snapshot.Validate(); err != nil {
		outcome = "malformed"
		c.logger.Warn("invalid upstream snapshot, skipping cycle", Field{"error", err})
		return nil, fmt.Errorf("%w: %w", ErrMalformedSnapshot, err)
	}
	snap := res.Snapshot.Clone()
	snap.Timestamp = snap.Timestamp.UTC()

	prev, err := timed(c.metrics, "load_last_snapshot", func() (*UsageSnapshot, error) {
		return c.store.LoadLastSnapshot(ctx)
	})
	if err != nil {
		outcome = "storage_error"
		c.logger.Error("failed to load baseline snapshot", Field{"error", err})
		return nil, fmt.Errorf("load baseline: %w", err)
	}
	if prev != nil && !snap.Timestamp.After(prev.Timestamp) {
		outcome = "stale"
		c.logger.Warn("rejecting stale snapshot",
			Field{"timestamp", snap.Timestamp},
			Field{"baseline", prev.Timestamp},
		)
		return nil, fmt.Errorf("%w: %s is not after baseline %s", ErrStaleSnapshot,
			snap.Timestamp.Format(time.RFC3339), prev.Timestamp.Format(time.RFC3339))
	}

	malformed := dedupe(res.Malformed)
	if len(malformed) > 0 {
		c.logger.Warn("skipping malformed models this cycle", Field{"models", malformed})
		snap = carryForward(prev, snap, malformed)
	}

	date, hour := c.agg.DateHour(snap.Timestamp)
	report := &CycleReport{
		Timestamp: snap.Timestamp,
		Date:      date,
		Hour:      hour,
		Malformed: malformed,
	}

	if prev == nil {
		if err := c.commit(ctx, nil, snap); err != nil {
			outcome = "storage_error"
			return nil, err
		}
		outcome = "bootstrap"
		report.Bootstrap = true
		c.logger.Info("baseline snapshot recorded", Field{"timestamp", snap.Timestamp}, Field{"entries", len(snap.Entries)})
		return report, nil
	}

	dr := c.calc.Compute(prev, snap)
	report.Skipped = dr.SkippedModels()
	report.Restarts = dr.Restarts

	var stats *DailyStats
	if len(dr.Deltas) > 0 {
		current, err := timed(c.metrics, "load_daily_stats", func() (*DailyStats, error) {
			return c.store.LoadDailyStats(ctx, date)
		})
		if err != nil {
			outcome = "storage_error"
			c.logger.Error("failed to load daily stats", Field{"date", date}, Field{"error", err})
			return nil, fmt.Errorf("load daily stats %s: %w", date, err)
		}
		stats, err = c.agg.Merge(current, dr.Deltas, snap.Timestamp)
		if err != nil {
			outcome = "storage_error"
			return nil, err
		}
	}

	if err := c.commit(ctx, stats, snap); err != nil {
		outcome = "storage_error"
		return nil, err
	}

	for model, d := range dr.Deltas {
		report.Models = append(report.Models, model)
		c.metrics.RecordDelta(model, d.Requests, d.Tokens, c.agg.Cost(model, d))
	}
	sort.Strings(report.Models)
	c.logger.Debug("poll cycle committed",
		Field{"date", date},
		Field{"hour", hour},
		Field{"models", len(report.Models)},
		Field{"skipped", len(report.Skipped)},
		Field{"restarts", len(report.Restarts)},
	)
	return report, nil
}

func (c *Collector) commit(ctx context.Context, stats *DailyStats, snap *UsageSnapshot) error {
	_, err := timed(c.metrics, "commit_cycle", func() (struct{}, error) {
		return struct{}{}, c.store.CommitCycle(ctx, stats, snap)
	})
	if err != nil {
		c.logger.Error("failed to commit poll cycle, baseline not advanced",
			Field{"timestamp", snap.Timestamp},
			Field{"error", err},
		)
		return fmt.Errorf("commit cycle: %w", err)
	}
	return nil
}

func timed[T any](m Metrics, op string, fn func() (T, error)) (T, error) {
	start := time.Now()
	v, err := fn()
	m.RecordStorageOperation(op, time.Since(start), err)
	return v, err
}

// carryForward replaces the entries of malformed models with their baseline
// entries so they contribute no delta and keep their comparison point.
func carryForward(prev, snap *UsageSnapshot, malformed []string) *UsageSnapshot {
	skip := make(map[string]struct{}, len(malformed))
	for _, m := range malformed {
		skip[m] = struct{}{}
	}
	out := &UsageSnapshot{Timestamp: snap.Timestamp}
	for _, e := range snap.Entries {
		if _, ok := skip[e.Model]; !ok {
			out.Entries = append(out.Entries, e)
		}
	}
	if prev != nil {
		for _, e := range prev.Entries {
			if _, ok := skip[e.Model]; ok {
				out.Entries = append(out.Entries, e)
			}
		}
	}
	return out
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok || s == "" {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
