package gousage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// EngineConfig holds configuration for the rate-limit engine
type EngineConfig struct {
	// TimezoneOffsetHours positions daily/weekly boundaries and hour buckets
	TimezoneOffsetHours float64

	// Concurrency bounds parallel evaluations in EvaluateAll (default 8)
	Concurrency int

	// Now overrides the clock (default time.Now().UTC())
	Now Clock

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Metrics is used for observability (default: NoopMetrics)
	Metrics Metrics
}

// Engine maintains RateLimitStatus for every configured quota.
type Engine struct {
	store   Storage
	loc     *time.Location
	now     Clock
	conc    int
	logger  Logger
	metrics Metrics

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine creates a rate-limit engine over store.
func NewEngine(store Storage, cfg EngineConfig) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.Now == nil {
		cfg.Now = utcNow
	}
	cfg.Logger = OrNoop(cfg.Logger)
	if cfg.Metrics == nil {
		cfg.Metrics = &NoopMetrics{}
	}
	return &Engine{
		store:   store,
		loc:     LocalZone(cfg.TimezoneOffsetHours),
		now:     cfg.Now,
		conc:    cfg.Concurrency,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (e *Engine) lockFor(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	return l
}

// Configs loads and validates all configs. Invalid ones are logged and dropped.
func (e *Engine) Configs(ctx context.Context) ([]RateLimitConfig, error) {
	all, err := e.store.LoadRateLimitConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rate limit configs: %w", err)
	}
	valid := make([]RateLimitConfig, 0, len(all))
	for i := range all {
		if err := all[i].Validate(); err != nil {
			e.logger.Warn("excluding invalid rate limit config",
				Field{"configId", all[i].ID},
				Field{"error", err},
			)
			continue
		}
		valid = append(valid, all[i])
	}
	return valid, nil
}

// EvaluateAll evaluates every valid config concurrently at the engine clock.
// All configs are attempted; the first error is returned.
func (e *Engine) EvaluateAll(ctx context.Context) ([]*RateLimitStatus, error) {
	cfgs, err := e.Configs(ctx)
	if err != nil {
		return nil, err
	}
	now := e.now()
	out := make([]*RateLimitStatus, len(cfgs))

	var g errgroup.Group
	g.SetLimit(e.conc)
	for i := range cfgs {
		cfg := cfgs[i]
		g.Go(func() error {
			st, err := e.Evaluate(ctx, cfg, now)
			if err != nil {
				e.logger.Error("rate limit evaluation failed",
					Field{"configId", cfg.ID},
					Field{"error", err},
				)
				return err
			}
			out[i] = st
			return nil
		})
	}
	return out, g.Wait()
}

// Evaluate advances one config's status to now and persists it.
func (e *Engine) Evaluate(ctx context.Context, cfg RateLimitConfig, now time.Time) (*RateLimitStatus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := e.lockFor(cfg.ID)
	l.Lock()
	defer l.Unlock()

	prev, err := e.store.LoadRateLimitStatus(ctx, cfg.ID)
	if err != nil {
		return nil, fmt.Errorf("load status %s: %w", cfg.ID, err)
	}
	next, err := e.transition(ctx, &cfg, prev, now.UTC())
	if err != nil {
		return nil, err
	}
	if err := e.store.UpsertRateLimitStatus(ctx, next); err != nil {
		return nil, fmt.Errorf("upsert status %s: %w", cfg.ID, err)
	}
	e.metrics.RecordRemaining(cfg.ID, percentRemaining(&cfg, next)/100)
	return next, nil
}

// transition is the single state-transition function for natural and
// anchored windows. Whichever start is more recent wins.
func (e *Engine) transition(ctx context.Context, cfg *RateLimitConfig, prev *RateLimitStatus, now time.Time) (*RateLimitStatus, error) {
	natStart, natNext := naturalWindow(cfg, now, e.loc)

	st := prev.Clone()
	if st == nil {
		st = &RateLimitStatus{ConfigID: cfg.ID, WindowStart: natStart, NextReset: &natNext}
	}
	st.ConfigID = cfg.ID
	st.LastUpdated = now

	if a := st.ResetAnchor; a != nil && a.After(natStart) && !a.After(now) {
		next := nextBoundaryAfter(cfg, *a, e.loc)
		st.WindowStart = *a
		st.NextReset = &next
		return st, e.consume(ctx, cfg, st, *a, now, st.AnchorBaseline)
	}

	dueAt := st.NextReset
	if dueAt == nil && st.ResetAnchor != nil {
		t := nextBoundaryAfter(cfg, *st.ResetAnchor, e.loc)
		dueAt = &t
	}
	if dueAt != nil && !now.Before(*dueAt) {
		e.logger.Info("rate limit window rolled over",
			Field{"configId", cfg.ID},
			Field{"previousReset", *dueAt},
			Field{"nextReset", natNext},
		)
		e.metrics.RecordRollover(cfg.ID)
		st.WindowStart = natStart
		st.NextReset = &natNext
		st.ResetAnchor = nil
		st.AnchorBaseline = Bucket{}
		return st, e.consume(ctx, cfg, st, natStart, now, Bucket{})
	}

	st.ResetAnchor = nil
	st.AnchorBaseline = Bucket{}
	st.WindowStart = natStart
	st.NextReset = &natNext
	return st, e.consume(ctx, cfg, st, natStart, now, Bucket{})
}

// consume sets remaining_* from usage observed in [start, now].
func (e *Engine) consume(ctx context.Context, cfg *RateLimitConfig, st *RateLimitStatus, start, now time.Time, baseline Bucket) error {
	used, err := e.UsageSince(ctx, cfg, start, now)
	if err != nil {
		return err
	}
	st.RemainingRequests = clamp(cfg.RequestLimit-(used.Requests-baseline.Requests), cfg.RequestLimit)
	st.RemainingTokens = clamp(cfg.TokenLimit-(used.Tokens-baseline.Tokens), cfg.TokenLimit)
	return nil
}

func clamp(v, limit int64) int64 {
	if v < 0 {
		return 0
	}
	if v > limit {
		return limit
	}
	return v
}

// UsageSince sums the hour buckets overlapping [start, now] that match the
// config's provider and model pattern.
func (e *Engine) UsageSince(ctx context.Context, cfg *RateLimitConfig, start, now time.Time) (Bucket, error) {
	var total Bucket
	if now.Before(start) {
		return total, nil
	}
	from, _ := LocalDateHour(start, e.loc)
	to, _ := LocalDateHour(now, e.loc)
	days, err := e.store.ListDailyStats(ctx, from, to)
	if err != nil {
		return total, fmt.Errorf("list daily stats %s..%s: %w", from, to, err)
	}
	for _, d := range days {
		day, err := time.ParseInLocation(DateLayout, d.Date, e.loc)
		if err != nil {
			continue
		}
		for h, hs := range d.Breakdown.Hours {
			hourStart := day.Add(time.Duration(h) * time.Hour)
			hourEnd := hourStart.Add(time.Hour)
			if hourStart.After(now) || !hourEnd.After(start) {
				continue
			}
			for model, ms := range hs.Models {
				if matchesConfig(cfg, ms.Provider, model) {
					total.Add(ms.Bucket)
				}
			}
		}
	}
	return total, nil
}

// hourUsage returns the matching usage of the single hour bucket containing t.
func (e *Engine) hourUsage(ctx context.Context, cfg *RateLimitConfig, t time.Time) (Bucket, error) {
	date, hour := LocalDateHour(t, e.loc)
	d, err := e.store.LoadDailyStats(ctx, date)
	if err != nil || d == nil {
		return Bucket{}, err
	}
	var b Bucket
	if hs, ok := d.Breakdown.Hours[hour]; ok {
		for model, ms := range hs.Models {
			if matchesConfig(cfg, ms.Provider, model) {
				b.Add(ms.Bucket)
			}
		}
	}
	return b, nil
}

func matchesConfig(cfg *RateLimitConfig, provider, model string) bool {
	if !strings.EqualFold(cfg.Provider, provider) {
		return false
	}
	if cfg.ModelPattern == "" {
		return true
	}
	ok, err := path.Match(strings.ToLower(cfg.ModelPattern), strings.ToLower(model))
	return err == nil && ok
}

// ResetProvider manually resets every config of provider (case-insensitive).
// A status that is already freshly reset and not yet re-evaluated is left as is.
func (e *Engine) ResetProvider(ctx context.Context, provider string, now time.Time) ([]*RateLimitStatus, error) {
	cfgs, err := e.Configs(ctx)
	if err != nil {
		return nil, err
	}
	now = now.UTC()
	var out []*RateLimitStatus
	for i := range cfgs {
		cfg := &cfgs[i]
		if !strings.EqualFold(cfg.Provider, provider) {
			continue
		}
		st, err := e.resetOne(ctx, cfg, now)
		if err != nil {
			return out, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (e *Engine) resetOne(ctx context.Context, cfg *RateLimitConfig, now time.Time) (*RateLimitStatus, error) {
	l := e.lockFor(cfg.ID)
	l.Lock()
	defer l.Unlock()

	prev, err := e.store.LoadRateLimitStatus(ctx, cfg.ID)
	if err != nil {
		return nil, fmt.Errorf("load status %s: %w", cfg.ID, err)
	}
	if freshlyReset(cfg, prev) {
		return prev, nil
	}

	baseline, err := e.hourUsage(ctx, cfg, now)
	if err != nil {
		return nil, fmt.Errorf("anchor baseline %s: %w", cfg.ID, err)
	}
	anchor := now
	st := &RateLimitStatus{
		ConfigID:          cfg.ID,
		RemainingRequests: cfg.RequestLimit,
		RemainingTokens:   cfg.TokenLimit,
		WindowStart:       now,
		LastUpdated:       now,
		ResetAnchor:       &anchor,
		AnchorBaseline:    baseline,
	}
	if err := e.store.UpsertRateLimitStatus(ctx, st); err != nil {
		return nil, fmt.Errorf("upsert status %s: %w", cfg.ID, err)
	}
	e.metrics.RecordManualReset(cfg.ID)
	e.logger.Info("rate limit manually reset",
		Field{"configId", cfg.ID},
		Field{"provider", cfg.Provider},
		Field{"anchor", now},
	)
	return st, nil
}

func freshlyReset(cfg *RateLimitConfig, st *RateLimitStatus) bool {
	return st != nil &&
		st.ResetAnchor != nil &&
		st.NextReset == nil &&
		st.RemainingRequests == cfg.RequestLimit &&
		st.RemainingTokens == cfg.TokenLimit
}

// Statuses joins every valid config with its stored status. Configs never
// evaluated report a full window.
func (e *Engine) Statuses(ctx context.Context) ([]RateLimitView, error) {
	cfgs, err := e.Configs(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]RateLimitView, 0, len(cfgs))
	for i := range cfgs {
		cfg := cfgs[i]
		st, err := e.store.LoadRateLimitStatus(ctx, cfg.ID)
		if err != nil {
			return nil, fmt.Errorf("load status %s: %w", cfg.ID, err)
		}
		if st == nil {
			st = &RateLimitStatus{
				ConfigID:          cfg.ID,
				RemainingRequests: cfg.RequestLimit,
				RemainingTokens:   cfg.TokenLimit,
			}
		}
		views = append(views, RateLimitView{
			Config:           cfg,
			Status:           *st,
			PercentRemaining: percentRemaining(&cfg, st),
			Unlimited:        cfg.Unlimited(),
		})
	}
	return views, nil
}

// Status returns the joined view of a single config.
func (e *Engine) Status(ctx context.Context, configID string) (*RateLimitView, error) {
	views, err := e.Statuses(ctx)
	if err != nil {
		return nil, err
	}
	for i := range views {
		if views[i].Config.ID == configID {
			return &views[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrRateLimitConfigNotFound, configID)
}

// DailyStats returns the stored records with from <= date <= to.
func (e *Engine) DailyStats(ctx context.Context, from, to string) ([]*DailyStats, error) {
	for _, d := range []string{from, to} {
		if _, err := time.Parse(DateLayout, d); err != nil {
			return nil, fmt.Errorf("invalid date %q: %w", d, err)
		}
	}
	if to < from {
		return nil, errors.New("invalid date range: to is before from")
	}
	return e.store.ListDailyStats(ctx, from, to)
}

func percentRemaining(cfg *RateLimitConfig, st *RateLimitStatus) float64 {
	switch {
	case cfg.TokenLimit > 0:
		return float64(st.RemainingTokens) / float64(cfg.TokenLimit) * 100
	case cfg.RequestLimit > 0:
		return float64(st.RemainingRequests) / float64(cfg.RequestLimit) * 100
	default:
		return 100
	}
}
