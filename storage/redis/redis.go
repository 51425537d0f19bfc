// Package redis provides a Redis implementation of the gousage.Storage interface.
// Records are stored as JSON strings; CommitCycle uses MULTI/EXEC so the
// baseline and the day's stats are written together.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gousage/pkg/gousage"
)

// Storage implements gousage.Storage using Redis
type Storage struct {
	client redis.UniversalClient
	config Config
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "{gousage}:").
	// CommitCycle writes several keys in one MULTI/EXEC, so on Redis Cluster
	// the prefix must carry a hash tag to keep them in one slot.
	KeyPrefix string

	// DailyStatsTTL is the TTL for daily stats keys (0 = no expiration)
	DailyStatsTTL time.Duration
}

// DefaultKeyPrefix is hash-tagged so every key maps to the same cluster slot.
const DefaultKeyPrefix = "{gousage}:"

// hasHashTag reports whether prefix contains a non-empty {tag}.
func hasHashTag(prefix string) bool {
	open := strings.IndexByte(prefix, '{')
	if open < 0 {
		return false
	}
	end := strings.IndexByte(prefix[open+1:], '}')
	return end > 0
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:     DefaultKeyPrefix,
		DailyStatsTTL: 0, // Stats don't expire
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultKeyPrefix
	}
	if _, cluster := client.(*redis.ClusterClient); cluster && !hasHashTag(config.KeyPrefix) {
		return nil, fmt.Errorf("redis cluster requires a hash-tagged key prefix such as %q, got %q", DefaultKeyPrefix, config.KeyPrefix)
	}
	return &Storage{client: client, config: config}, nil
}

func (s *Storage) snapshotKey() string {
	return s.config.KeyPrefix + "snapshot"
}

func (s *Storage) dailyKey(date string) string {
	return s.config.KeyPrefix + "daily:" + date
}

// dailyIndexKey is a sorted set of dates (all score 0) for lexical range scans.
func (s *Storage) dailyIndexKey() string {
	return s.config.KeyPrefix + "daily:index"
}

func (s *Storage) configsKey() string {
	return s.config.KeyPrefix + "ratelimit:configs"
}

func (s *Storage) statusKey(configID string) string {
	return s.config.KeyPrefix + "ratelimit:status:" + configID
}

func getJSON[T any](ctx context.Context, c redis.Cmdable, key string) (*T, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return &v, nil
}

// LoadLastSnapshot implements gousage.Storage
func (s *Storage) LoadLastSnapshot(ctx context.Context) (*gousage.UsageSnapshot, error) {
	snap, err := getJSON[gousage.UsageSnapshot](ctx, s.client, s.snapshotKey())
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return snap, nil
}

// SaveSnapshot implements gousage.Storage
func (s *Storage) SaveSnapshot(ctx context.Context, snap *gousage.UsageSnapshot) error {
	if snap == nil {
		return fmt.Errorf("invalid snapshot")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.snapshotKey(), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// LoadDailyStats implements gousage.Storage
func (s *Storage) LoadDailyStats(ctx context.Context, date string) (*gousage.DailyStats, error) {
	stats, err := getJSON[gousage.DailyStats](ctx, s.client, s.dailyKey(date))
	if err != nil {
		return nil, fmt.Errorf("failed to load daily stats: %w", err)
	}
	return stats, nil
}

// ListDailyStats implements gousage.Storage
func (s *Storage) ListDailyStats(ctx context.Context, from, to string) ([]*gousage.DailyStats, error) {
	dates, err := s.client.ZRangeByLex(ctx, s.dailyIndexKey(), &redis.ZRangeBy{
		Min: "[" + from,
		Max: "[" + to,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list daily stats: %w", err)
	}
	if len(dates) == 0 {
		return nil, nil
	}

	keys := make([]string, len(dates))
	for i, d := range dates {
		keys[i] = s.dailyKey(d)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load daily stats: %w", err)
	}

	out := make([]*gousage.DailyStats, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue // expired between the index scan and MGET
		}
		var stats gousage.DailyStats
		if err := json.Unmarshal([]byte(raw), &stats); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", keys[i], err)
		}
		out = append(out, &stats)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

// UpsertDailyStats implements gousage.Storage
func (s *Storage) UpsertDailyStats(ctx context.Context, stats *gousage.DailyStats) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return s.queueDaily(ctx, pipe, stats)
	})
	if err != nil {
		return fmt.Errorf("failed to upsert daily stats: %w", err)
	}
	return nil
}

func (s *Storage) queueDaily(ctx context.Context, pipe redis.Pipeliner, stats *gousage.DailyStats) error {
	if stats == nil || stats.Date == "" {
		return fmt.Errorf("invalid daily stats")
	}
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to marshal daily stats: %w", err)
	}
	pipe.Set(ctx, s.dailyKey(stats.Date), data, s.config.DailyStatsTTL)
	pipe.ZAdd(ctx, s.dailyIndexKey(), redis.Z{Score: 0, Member: stats.Date})
	return nil
}

// CommitCycle implements gousage.Storage with a MULTI/EXEC transaction
func (s *Storage) CommitCycle(ctx context.Context, stats *gousage.DailyStats, snap *gousage.UsageSnapshot) error {
	if snap == nil {
		return fmt.Errorf("invalid snapshot")
	}
	snapData, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if stats != nil {
			if err := s.queueDaily(ctx, pipe, stats); err != nil {
				return err
			}
		}
		pipe.Set(ctx, s.snapshotKey(), snapData, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to commit cycle: %w", err)
	}
	return nil
}

// UpsertRateLimitConfig stores a quota definition keyed by its ID
func (s *Storage) UpsertRateLimitConfig(ctx context.Context, cfg gousage.RateLimitConfig) error {
	if cfg.ID == "" {
		return fmt.Errorf("rate limit config id is required")
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal rate limit config: %w", err)
	}
	if err := s.client.HSet(ctx, s.configsKey(), cfg.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to upsert rate limit config: %w", err)
	}
	return nil
}

// LoadRateLimitConfigs implements gousage.Storage
func (s *Storage) LoadRateLimitConfigs(ctx context.Context) ([]gousage.RateLimitConfig, error) {
	all, err := s.client.HGetAll(ctx, s.configsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load rate limit configs: %w", err)
	}
	out := make([]gousage.RateLimitConfig, 0, len(all))
	for id, raw := range all {
		var cfg gousage.RateLimitConfig
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			return nil, fmt.Errorf("failed to decode rate limit config %s: %w", id, err)
		}
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// LoadRateLimitStatus implements gousage.Storage
func (s *Storage) LoadRateLimitStatus(ctx context.Context, configID string) (*gousage.RateLimitStatus, error) {
	st, err := getJSON[gousage.RateLimitStatus](ctx, s.client, s.statusKey(configID))
	if err != nil {
		return nil, fmt.Errorf("failed to load rate limit status: %w", err)
	}
	return st, nil
}

// UpsertRateLimitStatus implements gousage.Storage
func (s *Storage) UpsertRateLimitStatus(ctx context.Context, st *gousage.RateLimitStatus) error {
	if st == nil || st.ConfigID == "" {
		return fmt.Errorf("invalid rate limit status")
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal rate limit status: %w", err)
	}
	if err := s.client.Set(ctx, s.statusKey(st.ConfigID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to upsert rate limit status: %w", err)
	}
	return nil
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
