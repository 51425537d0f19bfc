package gousage

import (
	"context"
	"errors"
	"fmt"
)

// CircuitBreakerStorage wraps a Storage implementation with circuit breaker protection.
// An open circuit is reported as ErrStoreUnavailable so callers need only one check.
type CircuitBreakerStorage struct {
	storage Storage
	cb      CircuitBreaker
}

// NewCircuitBreakerStorage creates a new storage wrapper with circuit breaker.
func NewCircuitBreakerStorage(storage Storage, cb CircuitBreaker) *CircuitBreakerStorage {
	return &CircuitBreakerStorage{
		storage: storage,
		cb:      cb,
	}
}

func (s *CircuitBreakerStorage) wrap(err error) error {
	if errors.Is(err, ErrCircuitOpen) {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return err
}

func (s *CircuitBreakerStorage) LoadLastSnapshot(ctx context.Context) (*UsageSnapshot, error) {
	snap, err := executeValue(ctx, s.cb, func() (*UsageSnapshot, error) {
		return s.storage.LoadLastSnapshot(ctx)
	})
	return snap, s.wrap(err)
}

func (s *CircuitBreakerStorage) SaveSnapshot(ctx context.Context, snap *UsageSnapshot) error {
	return s.wrap(s.cb.Execute(ctx, func() error {
		return s.storage.SaveSnapshot(ctx, snap)
	}))
}

func (s *CircuitBreakerStorage) LoadDailyStats(ctx context.Context, date string) (*DailyStats, error) {
	stats, err := executeValue(ctx, s.cb, func() (*DailyStats, error) {
		return s.storage.LoadDailyStats(ctx, date)
	})
	return stats, s.wrap(err)
}

func (s *CircuitBreakerStorage) ListDailyStats(ctx context.Context, from, to string) ([]*DailyStats, error) {
	list, err := executeValue(ctx, s.cb, func() ([]*DailyStats, error) {
		return s.storage.ListDailyStats(ctx, from, to)
	})
	return list, s.wrap(err)
}

func (s *CircuitBreakerStorage) UpsertDailyStats(ctx context.Context, stats *DailyStats) error {
	return s.wrap(s.cb.Execute(ctx, func() error {
		return s.storage.UpsertDailyStats(ctx, stats)
	}))
}

func (s *CircuitBreakerStorage) CommitCycle(ctx context.Context, stats *DailyStats, snap *UsageSnapshot) error {
	return s.wrap(s.cb.Execute(ctx, func() error {
		return s.storage.CommitCycle(ctx, stats, snap)
	}))
}

func (s *CircuitBreakerStorage) LoadRateLimitConfigs(ctx context.Context) ([]RateLimitConfig, error) {
	cfgs, err := executeValue(ctx, s.cb, func() ([]RateLimitConfig, error) {
		return s.storage.LoadRateLimitConfigs(ctx)
	})
	return cfgs, s.wrap(err)
}

func (s *CircuitBreakerStorage) LoadRateLimitStatus(ctx context.Context, configID string) (*RateLimitStatus, error) {
	st, err := executeValue(ctx, s.cb, func() (*RateLimitStatus, error) {
		return s.storage.LoadRateLimitStatus(ctx, configID)
	})
	return st, s.wrap(err)
}

func (s *CircuitBreakerStorage) UpsertRateLimitStatus(ctx context.Context, status *RateLimitStatus) error {
	return s.wrap(s.cb.Execute(ctx, func() error {
		return s.storage.UpsertRateLimitStatus(ctx, status)
	}))
}
