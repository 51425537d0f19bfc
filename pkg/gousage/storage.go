package gousage

import "context"

// Storage defines the interface for usage and quota persistence.
// All methods use concrete types from this package to avoid import cycles.
type Storage interface {
	// LoadLastSnapshot returns the persisted baseline snapshot
	// Returns nil (if no baseline yet) or error
	LoadLastSnapshot(ctx context.Context) (*UsageSnapshot, error)

	// SaveSnapshot replaces the persisted baseline
	SaveSnapshot(ctx context.Context, snap *UsageSnapshot) error

	// LoadDailyStats retrieves the stats record for a local date (YYYY-MM-DD)
	// Returns nil if no record found (not an error)
	LoadDailyStats(ctx context.Context, date string) (*DailyStats, error)

	// ListDailyStats returns records with from <= date <= to in ascending date order
	ListDailyStats(ctx context.Context, from, to string) ([]*DailyStats, error)

	// UpsertDailyStats stores a stats record keyed by its date
	UpsertDailyStats(ctx context.Context, stats *DailyStats) error

	// CommitCycle atomically stores the stats record (may be nil) and the new baseline.
	// Either both writes become visible or neither does.
	CommitCycle(ctx context.Context, stats *DailyStats, snap *UsageSnapshot) error

	// LoadRateLimitConfigs returns all configured quotas
	LoadRateLimitConfigs(ctx context.Context) ([]RateLimitConfig, error)

	// LoadRateLimitStatus retrieves the status for a config
	// Returns nil if no status yet (not an error)
	LoadRateLimitStatus(ctx context.Context, configID string) (*RateLimitStatus, error)

	// UpsertRateLimitStatus stores the status keyed by ConfigID
	UpsertRateLimitStatus(ctx context.Context, status *RateLimitStatus) error
}

// FetchResult is what a Source returns for one poll.
type FetchResult struct {
	Snapshot *UsageSnapshot

	// Malformed lists models whose entries were dropped because required
	// fields were missing. Their baseline is carried forward unchanged.
	Malformed []string
}

// Source fetches the current cumulative counters from the upstream service.
type Source interface {
	Fetch(ctx context.Context) (*FetchResult, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context) (*FetchResult, error)

// Fetch calls f(ctx).
func (f SourceFunc) Fetch(ctx context.Context) (*FetchResult, error) {
	return f(ctx)
}
