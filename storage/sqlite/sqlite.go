// Package sqlite provides a SQLite implementation of the gousage.Storage interface
// for single-process deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// registers the "sqlite" driver
	_ "modernc.org/sqlite"

	"github.com/mihaimyh/gousage/pkg/gousage"
)

const timeLayout = time.RFC3339Nano

const schema = `
CREATE TABLE IF NOT EXISTS usage_snapshot (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	taken_at TEXT NOT NULL,
	entries TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS daily_stats (
	date TEXT PRIMARY KEY,
	requests INTEGER NOT NULL DEFAULT 0,
	tokens INTEGER NOT NULL DEFAULT 0,
	failures INTEGER NOT NULL DEFAULT 0,
	cost REAL NOT NULL DEFAULT 0,
	breakdown TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS rate_limit_configs (
	id TEXT PRIMARY KEY,
	provider TEXT NOT NULL,
	model_pattern TEXT NOT NULL DEFAULT '',
	token_limit INTEGER NOT NULL DEFAULT 0,
	request_limit INTEGER NOT NULL DEFAULT 0,
	reset_strategy TEXT NOT NULL,
	window_minutes INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS rate_limit_status (
	config_id TEXT PRIMARY KEY,
	remaining_requests INTEGER NOT NULL DEFAULT 0,
	remaining_tokens INTEGER NOT NULL DEFAULT 0,
	window_start TEXT NOT NULL,
	next_reset TEXT,
	last_updated TEXT NOT NULL,
	reset_anchor TEXT,
	anchor_baseline TEXT NOT NULL DEFAULT '{}'
);
`

// Storage implements gousage.Storage on a SQLite database file.
type Storage struct {
	db   *sql.DB
	path string
}

// New opens (creating if needed) the database at path and bootstraps the schema.
func New(ctx context.Context, path string) (*Storage, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to execute %s: %w", p, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Storage{db: db, path: path}, nil
}

// Close closes the database.
func (s *Storage) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Storage) Path() string {
	return s.path
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// LoadLastSnapshot implements gousage.Storage
func (s *Storage) LoadLastSnapshot(ctx context.Context) (*gousage.UsageSnapshot, error) {
	var takenAt, entries string
	err := s.db.QueryRowContext(ctx,
		`SELECT taken_at, entries FROM usage_snapshot WHERE id = 1`).Scan(&takenAt, &entries)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // No baseline yet is not an error
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	snap := &gousage.UsageSnapshot{}
	if snap.Timestamp, err = time.Parse(timeLayout, takenAt); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot time: %w", err)
	}
	if err := json.Unmarshal([]byte(entries), &snap.Entries); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return snap, nil
}

// SaveSnapshot implements gousage.Storage
func (s *Storage) SaveSnapshot(ctx context.Context, snap *gousage.UsageSnapshot) error {
	return saveSnapshot(ctx, s.db, snap)
}

func saveSnapshot(ctx context.Context, db execer, snap *gousage.UsageSnapshot) error {
	if snap == nil {
		return fmt.Errorf("invalid snapshot")
	}
	entries, err := json.Marshal(snap.Entries)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO usage_snapshot (id, taken_at, entries) VALUES (1, ?, ?)
			ON CONFLICT (id) DO UPDATE SET taken_at = excluded.taken_at, entries = excluded.entries`,
		snap.Timestamp.UTC().Format(timeLayout), string(entries))
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// LoadDailyStats implements gousage.Storage
func (s *Storage) LoadDailyStats(ctx context.Context, date string) (*gousage.DailyStats, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT date, requests, tokens, failures, cost, breakdown, updated_at
			FROM daily_stats WHERE date = ?`, date)
	stats, err := scanDaily(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // No stats yet is not an error
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load daily stats: %w", err)
	}
	return stats, nil
}

// ListDailyStats implements gousage.Storage
func (s *Storage) ListDailyStats(ctx context.Context, from, to string) ([]*gousage.DailyStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date, requests, tokens, failures, cost, breakdown, updated_at
			FROM daily_stats WHERE date >= ? AND date <= ? ORDER BY date`, from, to)
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

type scanner interface {
	Scan(dest ...any) error
}

func scanDaily(row scanner) (*gousage.DailyStats, error) {
	var (
		stats     gousage.DailyStats
		breakdown string
		updatedAt string
	)
	err := row.Scan(&stats.Date, &stats.Totals.Requests, &stats.Totals.Tokens,
		&stats.Totals.Failures, &stats.Totals.Cost, &breakdown, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(breakdown), &stats.Breakdown); err != nil {
		return nil, fmt.Errorf("failed to decode breakdown: %w", err)
	}
	if stats.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return &stats, nil
}

// UpsertDailyStats implements gousage.Storage
func (s *Storage) UpsertDailyStats(ctx context.Context, stats *gousage.DailyStats) error {
	return upsertDaily(ctx, s.db, stats)
}

func upsertDaily(ctx context.Context, db execer, stats *gousage.DailyStats) error {
	if stats == nil || stats.Date == "" {
		return fmt.Errorf("invalid daily stats")
	}
	breakdown, err := json.Marshal(stats.Breakdown)
	if err != nil {
		return fmt.Errorf("failed to encode breakdown: %w", err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO daily_stats (date, requests, tokens, failures, cost, breakdown, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (date) DO UPDATE SET
				requests = excluded.requests,
				tokens = excluded.tokens,
				failures = excluded.failures,
				cost = excluded.cost,
				breakdown = excluded.breakdown,
				updated_at = excluded.updated_at`,
		stats.Date, stats.Totals.Requests, stats.Totals.Tokens, stats.Totals.Failures,
		stats.Totals.Cost, string(breakdown), stats.UpdatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to upsert daily stats: %w", err)
	}
	return nil
}

// CommitCycle implements gousage.Storage in a single transaction
func (s *Storage) CommitCycle(ctx context.Context, stats *gousage.DailyStats, snap *gousage.UsageSnapshot) error {
	if snap == nil {
		return fmt.Errorf("invalid snapshot")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if stats != nil {
		if err := upsertDaily(ctx, tx, stats); err != nil {
			return err
		}
	}
	if err := saveSnapshot(ctx, tx, snap); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cycle: %w", err)
	}
	return nil
}

// UpsertRateLimitConfig stores a quota definition keyed by its ID.
func (s *Storage) UpsertRateLimitConfig(ctx context.Context, cfg gousage.RateLimitConfig) error {
	if cfg.ID == "" {
		return fmt.Errorf("rate limit config id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rate_limit_configs
				(id, provider, model_pattern, token_limit, request_limit, reset_strategy, window_minutes)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				provider = excluded.provider,
				model_pattern = excluded.model_pattern,
				token_limit = excluded.token_limit,
				request_limit = excluded.request_limit,
				reset_strategy = excluded.reset_strategy,
				window_minutes = excluded.window_minutes`,
		cfg.ID, cfg.Provider, cfg.ModelPattern, cfg.TokenLimit, cfg.RequestLimit,
		string(cfg.ResetStrategy), cfg.WindowMinutes)
	if err != nil {
		return fmt.Errorf("failed to upsert rate limit config: %w", err)
	}
	return nil
}

// LoadRateLimitConfigs implements gousage.Storage
func (s *Storage) LoadRateLimitConfigs(ctx context.Context) ([]gousage.RateLimitConfig, error) {
	rows, err := s.db.QueryContext(ctx,
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
		st                     gousage.RateLimitStatus
		windowStart, updated   string
		nextReset, resetAnchor sql.NullString
		baseline               string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT config_id, remaining_requests, remaining_tokens, window_start, next_reset,
				last_updated, reset_anchor, anchor_baseline
			FROM rate_limit_status WHERE config_id = ?`, configID).Scan(
		&st.ConfigID, &st.RemainingRequests, &st.RemainingTokens, &windowStart, &nextReset,
		&updated, &resetAnchor, &baseline)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // No status yet is not an error
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load rate limit status: %w", err)
	}

	if st.WindowStart, err = time.Parse(timeLayout, windowStart); err != nil {
		return nil, fmt.Errorf("failed to parse window_start: %w", err)
	}
	if st.LastUpdated, err = time.Parse(timeLayout, updated); err != nil {
		return nil, fmt.Errorf("failed to parse last_updated: %w", err)
	}
	if st.NextReset, err = parseNullTime(nextReset); err != nil {
		return nil, fmt.Errorf("failed to parse next_reset: %w", err)
	}
	if st.ResetAnchor, err = parseNullTime(resetAnchor); err != nil {
		return nil, fmt.Errorf("failed to parse reset_anchor: %w", err)
	}
	if err := json.Unmarshal([]byte(baseline), &st.AnchorBaseline); err != nil {
		return nil, fmt.Errorf("failed to decode anchor baseline: %w", err)
	}
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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rate_limit_status
				(config_id, remaining_requests, remaining_tokens, window_start, next_reset,
				 last_updated, reset_anchor, anchor_baseline)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (config_id) DO UPDATE SET
				remaining_requests = excluded.remaining_requests,
				remaining_tokens = excluded.remaining_tokens,
				window_start = excluded.window_start,
				next_reset = excluded.next_reset,
				last_updated = excluded.last_updated,
				reset_anchor = excluded.reset_anchor,
				anchor_baseline = excluded.anchor_baseline`,
		st.ConfigID, st.RemainingRequests, st.RemainingTokens,
		st.WindowStart.UTC().Format(timeLayout), nullTime(st.NextReset),
		st.LastUpdated.UTC().Format(timeLayout), nullTime(st.ResetAnchor), string(baseline))
	if err != nil {
		return fmt.Errorf("failed to upsert rate limit status: %w", err)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
