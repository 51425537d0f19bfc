// Package memory provides an in-memory implementation of the gousage.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mihaimyh/gousage/pkg/gousage"
)

// Storage implements gousage.Storage using in-memory maps
type Storage struct {
	mu       sync.RWMutex
	snapshot *gousage.UsageSnapshot
	daily    map[string]*gousage.DailyStats
	configs  []gousage.RateLimitConfig
	statuses map[string]*gousage.RateLimitStatus
}

// New creates a new in-memory storage adapter seeded with rate-limit configs
func New(configs ...gousage.RateLimitConfig) *Storage {
	s := &Storage{
		daily:    make(map[string]*gousage.DailyStats),
		statuses: make(map[string]*gousage.RateLimitStatus),
	}
	s.SetRateLimitConfigs(configs)
	return s
}

// SetRateLimitConfigs replaces the configured quotas. Configs are stored
// as given; validation happens when the engine loads them.
func (s *Storage) SetRateLimitConfigs(configs []gousage.RateLimitConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs = append([]gousage.RateLimitConfig(nil), configs...)
}

// LoadLastSnapshot implements gousage.Storage
func (s *Storage) LoadLastSnapshot(_ context.Context) (*gousage.UsageSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot.Clone(), nil
}

// SaveSnapshot implements gousage.Storage
func (s *Storage) SaveSnapshot(_ context.Context, snap *gousage.UsageSnapshot) error {
	if snap == nil {
		return fmt.Errorf("invalid snapshot")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = snap.Clone()
	return nil
}

// LoadDailyStats implements gousage.Storage
func (s *Storage) LoadDailyStats(_ context.Context, date string) (*gousage.DailyStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats, ok := s.daily[date]
	if !ok {
		return nil, nil // No stats yet is not an error
	}
	return stats.Clone(), nil
}

// ListDailyStats implements gousage.Storage
func (s *Storage) ListDailyStats(_ context.Context, from, to string) ([]*gousage.DailyStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*gousage.DailyStats
	for date, stats := range s.daily {
		if date >= from && date <= to {
			out = append(out, stats.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

// UpsertDailyStats implements gousage.Storage
func (s *Storage) UpsertDailyStats(_ context.Context, stats *gousage.DailyStats) error {
	if stats == nil || stats.Date == "" {
		return fmt.Errorf("invalid daily stats")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.daily[stats.Date] = stats.Clone()
	return nil
}

// CommitCycle implements gousage.Storage. Both writes happen under one lock.
func (s *Storage) CommitCycle(_ context.Context, stats *gousage.DailyStats, snap *gousage.UsageSnapshot) error {
	if snap == nil {
		return fmt.Errorf("invalid snapshot")
	}
	if stats != nil && stats.Date == "" {
		return fmt.Errorf("invalid daily stats")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if stats != nil {
		s.daily[stats.Date] = stats.Clone()
	}
	s.snapshot = snap.Clone()
	return nil
}

// LoadRateLimitConfigs implements gousage.Storage
func (s *Storage) LoadRateLimitConfigs(_ context.Context) ([]gousage.RateLimitConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]gousage.RateLimitConfig(nil), s.configs...), nil
}

// LoadRateLimitStatus implements gousage.Storage
func (s *Storage) LoadRateLimitStatus(_ context.Context, configID string) (*gousage.RateLimitStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statuses[configID].Clone(), nil
}

// UpsertRateLimitStatus implements gousage.Storage
func (s *Storage) UpsertRateLimitStatus(_ context.Context, status *gousage.RateLimitStatus) error {
	if status == nil || status.ConfigID == "" {
		return fmt.Errorf("invalid rate limit status")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[status.ConfigID] = status.Clone()
	return nil
}
