// Package postgres provides a PostgreSQL implementation of the gousage.Storage interface.
// CommitCycle runs in a single transaction so the baseline only advances with its stats.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/gousage/pkg/gousage"
)

const schema = `
CREATE TABLE IF NOT EXISTS usage_snapshot (
	id SMALLINT PRIMARY KEY CHECK (id = 1),
	taken_at TIMESTAMPTZ NOT NULL,
	entries JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS daily_stats (
	date TEXT PRIMARY KEY,
	requests BIGINT NOT NULL DEFAULT 0,
	tokens BIGINT NOT NULL DEFAULT 0,
	failures BIGINT NOT NULL DEFAULT 0,
	cost DOUBLE PRECISION NOT NULL DEFAULT 0,
	breakdown JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS rate_limit_configs (
	id TEXT PRIMARY KEY,
	provider TEXT NOT NULL,
	model_pattern TEXT NOT NULL DEFAULT '',
	token_limit BIGINT NOT NULL DEFAULT 0,
	request_limit BIGINT NOT NULL DEFAULT 0,
	reset_strategy TEXT NOT NULL,
	window_minutes INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS rate_limit_status (
	config_id TEXT PRIMARY KEY,
	remaining_requests BIGINT NOT NULL DEFAULT 0,
	remaining_tokens BIGINT NOT NULL DEFAULT 0,
	window_start TIMESTAMPTZ NOT NULL,
	next_reset TIMESTAMPTZ,
	last_updated TIMESTAMPTZ NOT NULL,
	reset_anchor TIMESTAMPTZ,
	anchor_baseline JSONB NOT NULL DEFAULT '{}'
);
`

// Storage implements gousage.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background retention goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Migrate creates the schema on startup
	Migrate bool

	// Retention configuration. Daily stats older than RetentionDays are
	// deleted every CleanupInterval; zero RetentionDays keeps everything.
	CleanupEnabled  bool
	CleanupInterval time.Duration
	RetentionDays   int

	// Logger reports cleanup failures (default: NoopLogger)
	Logger gousage.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		Migrate:         true,
		CleanupEnabled:  false,
		CleanupInterval: 24 * time.Hour,
		RetentionDays:   400,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	config.Logger = gousage.OrNoop(config.Logger)

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if config.Migrate {
		if _, err := pool.Exec(ctx, schema); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}
	if config.CleanupEnabled && config.RetentionDays > 0 && config.CleanupInterval > 0 {
		go s.startCleanup(cleanupCtx)
	}
	return s, nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// LoadLastSnapshot implements gousage.Storage
func (s *Storage) LoadLastSnapshot(ctx context.Context) (*gousage.UsageSnapshot, error) {
	var (
		snap    gousage.UsageSnapshot
		entries []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT taken_at, entries FROM usage_snapshot WHERE id = 1`).Scan(&snap.Timestamp, &entries)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil // No baseline yet is not an error
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	if err := json.Unmarshal(entries, &snap.Entries); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	snap.Timestamp = snap.Timestamp.UTC()
	return &snap, nil
}

// SaveSnapshot implements gousage.Storage
func (s *Storage) SaveSnapshot(ctx context.Context, snap *gousage.UsageSnapshot) error {
	return saveSnapshot(ctx, s.pool, snap)
}

func saveSnapshot(ctx context.Context, db execer, snap *gousage.UsageSnapshot) error {
	if snap == nil {
		return fmt.Errorf("invalid snapshot")
	}
	entries, err := json.Marshal(snap.Entries)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	_, err = db.Exec(ctx,
		`INSERT INTO usage_snapshot (id, taken_at, entries) VALUES (1, $1, $2)
			ON CONFLICT (id) DO UPDATE SET
				taken_at = EXCLUDED.taken_at,
				entries = EXCLUDED.entries`,
		snap.Timestamp.UTC(), entries)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// scannable abstracts pgx.Row and pgx.Rows
type scannable interface {
	Scan(dest ...any) error
}

func scanDaily(row scannable) (*gousage.DailyStats, error) {
	var (
		stats     gousage.DailyStats
		breakdown []byte
	)
	err := row.Scan(&stats.Date, &stats.Totals.Requests, &stats.Totals.Tokens,
		&stats.Totals.Failures, &stats.Totals.Cost, &breakdown, &stats.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(breakdown, &stats.Breakdown); err != nil {
		return nil, fmt.Errorf("failed to decode breakdown: %w", err)
	}
	stats.UpdatedAt = stats.UpdatedAt.UTC()
	return &stats, nil
}

// LoadDailyStats implements gousage.Storage
func (s *Storage) LoadDailyStats(ctx context.Context, date string) (*gousage.DailyStats, error) {
	stats, err := scanDaily(s.pool.QueryRow(ctx,
		`SELECT date, requests, tokens, failures, cost, breakdown, updated_at
			FROM daily_stats WHERE date = $1`, date))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil // No stats yet is not an error
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load daily stats: %w", err)
	}
	return stats, nil
}

// ListDailyStats implements gousage.Storage
func (s *Storage) ListDailyStats(ctx context.Context, from, to string) ([]*gousage.DailyStats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT date, requests, tokens, failures, cost, breakdown, updated_at
			FROM daily_stats WHERE date >= $1 AND date <= $2 ORDER BY date`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list daily stats: %w", err)
	}
	defer rows.Close()

	var out []*gousage.DailyStats
	for rows.Next() {
		stats, err := scanDaily(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan daily stats: %w", err)
		}
		out = append(out, stats)
	}
	return out, rows.Err()
}

// UpsertDailyStats implements gousage.Storage
func (s *Storage) UpsertDailyStats(ctx context.Context, stats *gousage.DailyStats) error {
	return upsertDaily(ctx, s.pool, stats)
}

func upsertDaily(ctx context.Context, db execer, stats *gousage.DailyStats) error {
	if stats == nil || stats.Date == "" {
		return fmt.Errorf("invalid daily stats")
	}
	breakdown, err := json.Marshal(stats.Breakdown)
	if err != nil {
		return fmt.Errorf("failed to encode breakdown: %w", err)
	}
	_, err = db.Exec(ctx,
		`INSERT INTO daily_stats (date, requests, tokens, failures, cost, breakdown, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (date) DO UPDATE SET
				requests = EXCLUDED.requests,
				tokens = EXCLUDED.tokens,
				failures = EXCLUDED.failures,
				cost = EXCLUDED.cost,
				breakdown = EXCLUDED.breakdown,
				updated_at = EXCLUDED.updated_at`,
		stats.Date, stats.Totals.Requests, stats.Totals.Tokens, stats.Totals.Failures,
		stats.Totals.Cost, breakdown, stats.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert daily stats: %w", err)
	}
	return nil
}

// CommitCycle implements gousage.Storage with a single transaction
func (s *Storage) CommitCycle(ctx context.Context, stats *gousage.DailyStats, snap *gousage.UsageSnapshot) error {
	if snap == nil {
		return fmt.Errorf("invalid snapshot")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	if stats != nil {
		if err := upsertDaily(ctx, tx, stats); err != nil {
			return err
		}
	}
	if err := saveSnapshot(ctx, tx, snap); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit cycle: %w", err)
	}
	return nil
}

// UpsertRateLimitConfig stores a quota definition keyed by its ID
func (s *Storage) UpsertRateLimitConfig(ctx context.Context, cfg gousage.RateLimitConfig) error {
	if cfg.ID == "" {
		return fmt.Errorf("rate limit config id is required")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rate_limit_configs
				(id, provider, model_pattern, token_limit, request_limit, reset_strategy, window_minutes)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				provider = EXCLUDED.provider,
				model_pattern = EXCLUDED.model_pattern,
				token_limit = EXCLUDED.token_limit,
				request_limit = EXCLUDED.request_limit,
				reset_strategy = EXCLUDED.reset_strategy,
				window_minutes = EXCLUDED.window_minutes`,
		cfg.ID, cfg.Provider, cfg.ModelPattern, cfg.TokenLimit, cfg.RequestLimit,
		string(cfg.ResetStrategy), cfg.WindowMinutes)
	if err != nil {
		return fmt.Errorf("failed to upsert rate limit config: %w", err)
	}
	return nil
}

// LoadRateLimitConfigs implements gousage.Storage
func (s *Storage) LoadRateLimitConfigs(ctx context.Context) ([]gousage.RateLimitConfig, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, provider, model_pattern, token_limit, request_limit, reset_strategy, window_minutes
			FROM rate_limit_configs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load rate limit configs: %w", err)
	}
	defer rows.Close()

	var out []gousage.RateLimitConfig
	for rows.Next() {
		var (
			cfg      gousage.RateLimitConfig
			strategy string
		)
		if err := rows.Scan(&cfg.ID, &cfg.Provider, &cfg.ModelPattern, &cfg.TokenLimit,
			&cfg.RequestLimit, &strategy, &cfg.WindowMinutes); err != nil {
			return nil, fmt.Errorf("failed to scan rate limit config: %w", err)
		}
		cfg.ResetStrategy = gousage.ResetStrategy(strategy)
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// LoadRateLimitStatus implements gousage.Storage
func (s *Storage) LoadRateLimitStatus(ctx context.Context, configID string) (*gousage.RateLimitStatus, error) {
	var (
		st       gousage.RateLimitStatus
		baseline []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT config_id, remaining_requests, remaining_tokens, window_start, next_reset,
				last_updated, reset_anchor, anchor_baseline
			FROM rate_limit_status WHERE config_id = $1`, configID).Scan(
		&st.ConfigID, &st.RemainingRequests, &st.RemainingTokens, &st.WindowStart, &st.NextReset,
		&st.LastUpdated, &st.ResetAnchor, &baseline)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil // No status yet is not an error
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load rate limit status: %w", err)
	}
	if err := json.Unmarshal(baseline, &st.AnchorBaseline); err != nil {
		return nil, fmt.Errorf("failed to decode anchor baseline: %w", err)
	}
	st.WindowStart = st.WindowStart.UTC()
	st.LastUpdated = st.LastUpdated.UTC()
	st.NextReset = utcPtr(st.NextReset)
	st.ResetAnchor = utcPtr(st.ResetAnchor)
	return &st, nil
}

// UpsertRateLimitStatus implements gousage.Storage
func (s *Storage) UpsertRateLimitStatus(ctx context.Context, st *gousage.RateLimitStatus) error {
	if st == nil || st.ConfigID == "" {
		return fmt.Errorf("invalid rate limit status")
	}
	baseline, err := json.Marshal(st.AnchorBaseline)
	if err != nil {
		return fmt.Errorf("failed to encode anchor baseline: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO rate_limit_status
				(config_id, remaining_requests, remaining_tokens, window_start, next_reset,
				 last_updated, reset_anchor, anchor_baseline)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (config_id) DO UPDATE SET
				remaining_requests = EXCLUDED.remaining_requests,
				remaining_tokens = EXCLUDED.remaining_tokens,
				window_start = EXCLUDED.window_start,
				next_reset = EXCLUDED.next_reset,
				last_updated = EXCLUDED.last_updated,
				reset_anchor = EXCLUDED.reset_anchor,
				anchor_baseline = EXCLUDED.anchor_baseline`,
		st.ConfigID, st.RemainingRequests, st.RemainingTokens, st.WindowStart.UTC(), utcPtr(st.NextReset),
		st.LastUpdated.UTC(), utcPtr(st.ResetAnchor), baseline)
	if err != nil {
		return fmt.Errorf("failed to upsert rate limit status: %w", err)
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// startCleanup runs periodic retention of daily stats
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Cleanup(ctx); err != nil {
				s.config.Logger.Error("daily stats cleanup failed", gousage.Field{Key: "error", Value: err})
			}
		}
	}
}

// Cleanup deletes daily stats older than the retention period and returns
// the number of records removed.
func (s *Storage) Cleanup(ctx context.Context) (int64, error) {
	if s.config.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -s.config.RetentionDays).Format(gousage.DateLayout)
	tag, err := s.pool.Exec(ctx, `DELETE FROM daily_stats WHERE date < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup daily stats: %w", err)
	}
	return tag.RowsAffected(), nil
}
