package gousage

import (
	"fmt"
	"path"
	"sort"
	"time"
)

// DateLayout is the layout of DailyStats.Date keys (local calendar date).
const DateLayout = "2006-01-02"

// ResetStrategy defines how a rate-limit window is reset
type ResetStrategy string

const (
	// ResetDaily resets at local midnight
	ResetDaily ResetStrategy = "daily"
	// ResetWeekly resets at Monday local midnight
	ResetWeekly ResetStrategy = "weekly"
	// ResetRolling slides continuously over the trailing WindowMinutes
	ResetRolling ResetStrategy = "rolling"
)

// Valid reports whether s is a known strategy
func (s ResetStrategy) Valid() bool {
	switch s {
	case ResetDaily, ResetWeekly, ResetRolling:
		return true
	}
	return false
}

// Counters holds cumulative or incremental usage values.
type Counters struct {
	Requests int64   `json:"requests"`
	Tokens   int64   `json:"tokens"`
	Failures int64   `json:"failures"`
	Cost     float64 `json:"cost"`
}

// Add returns the elementwise sum of c and o.
func (c Counters) Add(o Counters) Counters {
	return Counters{
		Requests: c.Requests + o.Requests,
		Tokens:   c.Tokens + o.Tokens,
		Failures: c.Failures + o.Failures,
		Cost:     c.Cost + o.Cost,
	}
}

// Sub returns the elementwise difference c - o.
func (c Counters) Sub(o Counters) Counters {
	return Counters{
		Requests: c.Requests - o.Requests,
		Tokens:   c.Tokens - o.Tokens,
		Failures: c.Failures - o.Failures,
		Cost:     c.Cost - o.Cost,
	}
}

// decreasedFrom reports whether any counter in c is lower than in prev.
func (c Counters) decreasedFrom(prev Counters) bool {
	return c.Requests < prev.Requests ||
		c.Tokens < prev.Tokens ||
		c.Failures < prev.Failures ||
		c.Cost < prev.Cost
}

// SnapshotEntry is one (model, endpoint) row of cumulative counters.
type SnapshotEntry struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model"`
	Endpoint string `json:"endpoint,omitempty"`
	Counters
}

// UsageSnapshot holds cumulative counters since upstream process start,
// captured at Timestamp (UTC). Snapshots are immutable once persisted.
type UsageSnapshot struct {
	Timestamp time.Time       `json:"timestamp"`
	Entries   []SnapshotEntry `json:"entries"`
}

// ModelTotals sums the entries of each model across its endpoints.
func (s *UsageSnapshot) ModelTotals() map[string]Counters {
	totals := make(map[string]Counters)
	if s == nil {
		return totals
	}
	for _, e := range s.Entries {
		totals[e.Model] = totals[e.Model].Add(e.Counters)
	}
	return totals
}

// ModelProviders returns the first non-empty provider reported for each model.
func (s *UsageSnapshot) ModelProviders() map[string]string {
	providers := make(map[string]string)
	if s == nil {
		return providers
	}
	for _, e := range s.Entries {
		if _, ok := providers[e.Model]; !ok || providers[e.Model] == "" {
			providers[e.Model] = e.Provider
		}
	}
	return providers
}

// Validate checks the snapshot for a timestamp and well-formed entries.
func (s *UsageSnapshot) Validate() error {
	if s == nil {
		return ErrInvalidSnapshot
	}
	if s.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidSnapshot)
	}
	for i, e := range s.Entries {
		if e.Model == "" {
			return fmt.Errorf("%w: entry %d has no model", ErrInvalidSnapshot, i)
		}
		if e.Requests < 0 || e.Tokens < 0 || e.Failures < 0 || e.Cost < 0 {
			return fmt.Errorf("%w: entry %d (%s) has negative counters", ErrInvalidSnapshot, i, e.Model)
		}
	}
	return nil
}

// Clone returns a deep copy of the snapshot.
func (s *UsageSnapshot) Clone() *UsageSnapshot {
	if s == nil {
		return nil
	}
	c := &UsageSnapshot{Timestamp: s.Timestamp, Entries: make([]SnapshotEntry, len(s.Entries))}
	copy(c.Entries, s.Entries)
	return c
}

// Delta is the incremental usage of one model over one poll interval.
type Delta struct {
	Provider string
	Requests int64
	Tokens   int64
	Failures int64
	Cost     float64
}

// DeltaResult is the output of ComputeDeltas.
type DeltaResult struct {
	Deltas   map[string]Delta
	Skipped  map[string]struct{}
	Restarts []string
}

// SkippedModels returns the skipped model names sorted.
func (r *DeltaResult) SkippedModels() []string {
	out := make([]string, 0, len(r.Skipped))
	for m := range r.Skipped {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Bucket is a leaf of aggregated statistics.
type Bucket struct {
	Requests int64   `json:"requests"`
	Tokens   int64   `json:"tokens"`
	Failures int64   `json:"failures"`
	Cost     float64 `json:"cost"`
}

// Add accumulates o into b.
func (b *Bucket) Add(o Bucket) {
	b.Requests += o.Requests
	b.Tokens += o.Tokens
	b.Failures += o.Failures
	b.Cost += o.Cost
}

// ModelStats is a per-model leaf, tagged with the provider that served it.
type ModelStats struct {
	Provider string `json:"provider,omitempty"`
	Bucket
}

// HourStats holds one local hour of a day, with per-model sub-entries.
type HourStats struct {
	Bucket
	Models map[string]*ModelStats `json:"models"`
}

// Breakdown is the nested per-hour and per-model structure of DailyStats.
type Breakdown struct {
	Hours  map[int]*HourStats     `json:"hours"`
	Models map[string]*ModelStats `json:"models"`
}

// DailyStats is the aggregated usage of one local calendar date.
type DailyStats struct {
	Date      string    `json:"date"`
	Totals    Bucket    `json:"totals"`
	Breakdown Breakdown `json:"breakdown"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewDailyStats returns an empty record for date.
func NewDailyStats(date string) *DailyStats {
	return &DailyStats{
		Date: date,
		Breakdown: Breakdown{
			Hours:  make(map[int]*HourStats),
			Models: make(map[string]*ModelStats),
		},
	}
}

// Clone returns a deep copy of the record.
func (d *DailyStats) Clone() *DailyStats {
	if d == nil {
		return nil
	}
	c := NewDailyStats(d.Date)
	c.Totals = d.Totals
	c.UpdatedAt = d.UpdatedAt
	for h, hs := range d.Breakdown.Hours {
		nh := &HourStats{Bucket: hs.Bucket, Models: make(map[string]*ModelStats, len(hs.Models))}
		for m, ms := range hs.Models {
			cp := *ms
			nh.Models[m] = &cp
		}
		c.Breakdown.Hours[h] = nh
	}
	for m, ms := range d.Breakdown.Models {
		cp := *ms
		c.Breakdown.Models[m] = &cp
	}
	return c
}

// Validate checks that totals equal the sum of the breakdown leaves.
func (d *DailyStats) Validate() error {
	if _, err := time.Parse(DateLayout, d.Date); err != nil {
		return fmt.Errorf("invalid date %q: %w", d.Date, err)
	}
	var byHour, byModel Bucket
	for h, hs := range d.Breakdown.Hours {
		if h < 0 || h > 23 {
			return fmt.Errorf("invalid hour %d in %s", h, d.Date)
		}
		var leaves Bucket
		for _, ms := range hs.Models {
			leaves.Add(ms.Bucket)
		}
		if !leaves.approxEqual(hs.Bucket) {
			return fmt.Errorf("hour %d of %s does not match its model entries", h, d.Date)
		}
		byHour.Add(hs.Bucket)
	}
	for _, ms := range d.Breakdown.Models {
		byModel.Add(ms.Bucket)
	}
	if !byHour.approxEqual(d.Totals) || !byModel.approxEqual(d.Totals) {
		return fmt.Errorf("totals of %s do not match breakdown", d.Date)
	}
	return nil
}

func (b Bucket) approxEqual(o Bucket) bool {
	const eps = 1e-6
	diff := b.Cost - o.Cost
	if diff < 0 {
		diff = -diff
	}
	return b.Requests == o.Requests && b.Tokens == o.Tokens && b.Failures == o.Failures && diff < eps
}

// RateLimitConfig is a quota definition. At most one of TokenLimit and
// RequestLimit is set; zero means unset and both unset means unlimited.
type RateLimitConfig struct {
	ID            string        `json:"id" yaml:"id"`
	Provider      string        `json:"provider" yaml:"provider"`
	ModelPattern  string        `json:"model_pattern,omitempty" yaml:"model_pattern"`
	TokenLimit    int64         `json:"token_limit,omitempty" yaml:"token_limit"`
	RequestLimit  int64         `json:"request_limit,omitempty" yaml:"request_limit"`
	ResetStrategy ResetStrategy `json:"reset_strategy" yaml:"reset_strategy"`
	WindowMinutes int           `json:"window_minutes,omitempty" yaml:"window_minutes"`
}

// Validate rejects inconsistent configurations.
func (c *RateLimitConfig) Validate() error {
	switch {
	case c.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidRateLimitConfig)
	case c.Provider == "":
		return fmt.Errorf("%w: %s: provider is required", ErrInvalidRateLimitConfig, c.ID)
	case c.TokenLimit < 0 || c.RequestLimit < 0:
		return fmt.Errorf("%w: %s: limits must not be negative", ErrInvalidRateLimitConfig, c.ID)
	case c.TokenLimit > 0 && c.RequestLimit > 0:
		return fmt.Errorf("%w: %s: token_limit and request_limit are mutually exclusive", ErrInvalidRateLimitConfig, c.ID)
	case !c.ResetStrategy.Valid():
		return fmt.Errorf("%w: %s: unknown reset strategy %q", ErrInvalidRateLimitConfig, c.ID, c.ResetStrategy)
	case c.ResetStrategy == ResetRolling && c.WindowMinutes <= 0:
		return fmt.Errorf("%w: %s: rolling strategy requires window_minutes", ErrInvalidRateLimitConfig, c.ID)
	case c.WindowMinutes < 0:
		return fmt.Errorf("%w: %s: window_minutes must not be negative", ErrInvalidRateLimitConfig, c.ID)
	}
	if c.ModelPattern != "" {
		if _, err := path.Match(c.ModelPattern, ""); err != nil {
			return fmt.Errorf("%w: %s: bad model pattern: %v", ErrInvalidRateLimitConfig, c.ID, err)
		}
	}
	return nil
}

// Unlimited reports whether neither limit is set.
func (c *RateLimitConfig) Unlimited() bool {
	return c.TokenLimit == 0 && c.RequestLimit == 0
}

// RateLimitStatus is the live state of one RateLimitConfig.
type RateLimitStatus struct {
	ConfigID          string     `json:"config_id"`
	RemainingRequests int64      `json:"remaining_requests"`
	RemainingTokens   int64      `json:"remaining_tokens"`
	WindowStart       time.Time  `json:"window_start"`
	NextReset         *time.Time `json:"next_reset,omitempty"`
	LastUpdated       time.Time  `json:"last_updated"`
	ResetAnchor       *time.Time `json:"reset_anchor,omitempty"`

	// AnchorBaseline is the usage already recorded in the anchor's hour
	// bucket when the manual reset happened.
	AnchorBaseline Bucket `json:"anchor_baseline"`
}

// Clone returns a deep copy of the status.
func (s *RateLimitStatus) Clone() *RateLimitStatus {
	if s == nil {
		return nil
	}
	c := *s
	if s.NextReset != nil {
		t := *s.NextReset
		c.NextReset = &t
	}
	if s.ResetAnchor != nil {
		t := *s.ResetAnchor
		c.ResetAnchor = &t
	}
	return &c
}

// RateLimitView joins a config with its current status.
type RateLimitView struct {
	Config           RateLimitConfig
	Status           RateLimitStatus
	PercentRemaining float64
	Unlimited        bool
}

// CycleReport describes the outcome of one successful poll cycle.
type CycleReport struct {
	Timestamp time.Time
	Date      string
	Hour      int
	Bootstrap bool
	Models    []string
	Skipped   []string
	Restarts  []string
	Malformed []string
}
