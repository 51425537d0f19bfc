// Package tiered provides a Hot/Cold tiered storage adapter that pairs a fast
// store (Hot) with a durable source of truth (Cold).
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mihaimyh/gousage/pkg/gousage"
)

// Config configures the tiered storage behavior
type Config struct {
	// Hot is the L1 storage (e.g., Redis, Memory) serving reads
	Hot gousage.Storage

	// Cold is the L2 persistence storage (e.g., Postgres, Firestore) as the source of truth
	Cold gousage.Storage

	// AsyncStatusSync writes rate-limit statuses to Hot synchronously and to
	// Cold from a background worker. If false, status writes are write-through.
	AsyncStatusSync bool

	// SyncBufferSize is the size of the buffered channel for async operations.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when a Hot or async Cold write fails.
	AsyncErrorHandler func(error)
}

// Storage implements a Hot/Cold tiered storage architecture:
//   - Read-Through: snapshot, daily stats and status reads (Hot → Cold → populate Hot)
//   - Cold-Only: range listings and rate-limit configs
//   - Write-Through: snapshot, daily stats and CommitCycle (Cold → Hot)
//   - Hot-Primary/Async: rate-limit statuses when AsyncStatusSync is set
type Storage struct {
	hot  gousage.Storage
	cold gousage.Storage
	conf Config

	// hotStale is set when a write-through reached Cold but not Hot, and on
	// startup since an earlier process may have left Hot behind. Cycle state
	// is read from Cold until a Hot commit succeeds.
	hotStale atomic.Bool

	syncQueue chan func() error
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	s.hotStale.Store(true)

	if config.AsyncStatusSync {
		s.startWorker()
	}

	return s, nil
}

// Close gracefully shuts down the async worker (if enabled).
func (s *Storage) Close() error {
	if s.conf.AsyncStatusSync {
		select {
		case <-s.shutdown:
			// Already closed
		default:
			close(s.shutdown)
			s.wg.Wait()
		}
	}
	return nil
}

// startWorker runs the background synchronization loop.
// Jobs run sequentially so a config's statuses reach Cold in order.
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				if err := job(); err != nil {
					s.report(fmt.Errorf("tiered sync failed: %w", err))
				}
			case <-s.shutdown:
				// Drain queue on shutdown (best effort)
				for {
					select {
					case job := <-s.syncQueue:
						_ = job() //nolint:errcheck // Best effort during shutdown
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Storage) report(err error) {
	if s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(err)
	}
}

// hotWrite records the outcome of a best-effort Hot write made after Cold succeeded.
func (s *Storage) hotWrite(op string, err error) {
	if err != nil {
		s.hotStale.Store(true)
		s.report(fmt.Errorf("tiered storage: hot %s failed: %w", op, err))
	}
}

// --- Strategy: Read-Through (Hot → Cold → Populate Hot) ---

// LoadLastSnapshot implements gousage.Storage with read-through strategy.
func (s *Storage) LoadLastSnapshot(ctx context.Context) (*gousage.UsageSnapshot, error) {
	if !s.hotStale.Load() {
		snap, err := s.hot.LoadLastSnapshot(ctx)
		if err == nil && snap != nil {
			return snap, nil
		}
	}

	snap, err := s.cold.LoadLastSnapshot(ctx)
	if err != nil || snap == nil {
		return snap, err
	}
	_ = s.hot.SaveSnapshot(ctx, snap) //nolint:errcheck // Cache fill - errors are non-critical
	return snap, nil
}

// LoadDailyStats implements gousage.Storage with read-through strategy.
func (s *Storage) LoadDailyStats(ctx context.Context, date string) (*gousage.DailyStats, error) {
	if !s.hotStale.Load() {
		stats, err := s.hot.LoadDailyStats(ctx, date)
		if err == nil && stats != nil {
			return stats, nil
		}
	}

	stats, err := s.cold.LoadDailyStats(ctx, date)
	if err != nil || stats == nil {
		return stats, err
	}
	_ = s.hot.UpsertDailyStats(ctx, stats) //nolint:errcheck // Cache fill - errors are non-critical
	return stats, nil
}

// LoadRateLimitStatus implements gousage.Storage with read-through strategy.
// Hot is checked first because async status writes reach Cold later.
func (s *Storage) LoadRateLimitStatus(ctx context.Context, configID string) (*gousage.RateLimitStatus, error) {
	st, err := s.hot.LoadRateLimitStatus(ctx, configID)
	if err == nil && st != nil {
		return st, nil
	}

	st, err = s.cold.LoadRateLimitStatus(ctx, configID)
	if err != nil || st == nil {
		return st, err
	}
	_ = s.hot.UpsertRateLimitStatus(ctx, st) //nolint:errcheck // Cache fill - errors are non-critical
	return st, nil
}

// --- Strategy: Cold-Only ---

// ListDailyStats implements gousage.Storage. Hot may hold only the days that
// were read recently, so ranges always come from Cold.
func (s *Storage) ListDailyStats(ctx context.Context, from, to string) ([]*gousage.DailyStats, error) {
	return s.cold.ListDailyStats(ctx, from, to)
}

// LoadRateLimitConfigs implements gousage.Storage.
func (s *Storage) LoadRateLimitConfigs(ctx context.Context) ([]gousage.RateLimitConfig, error) {
	return s.cold.LoadRateLimitConfigs(ctx)
}

// --- Strategy: Write-Through (Cold → Hot) ---

// SaveSnapshot implements gousage.Storage with write-through strategy.
func (s *Storage) SaveSnapshot(ctx context.Context, snap *gousage.UsageSnapshot) error {
	if err := s.cold.SaveSnapshot(ctx, snap); err != nil {
		return err
	}
	s.hotWrite("save snapshot", s.hot.SaveSnapshot(ctx, snap))
	return nil
}

// UpsertDailyStats implements gousage.Storage with write-through strategy.
func (s *Storage) UpsertDailyStats(ctx context.Context, stats *gousage.DailyStats) error {
	if err := s.cold.UpsertDailyStats(ctx, stats); err != nil {
		return err
	}
	s.hotWrite("upsert daily stats", s.hot.UpsertDailyStats(ctx, stats))
	return nil
}

// CommitCycle implements gousage.Storage with write-through strategy.
// Atomicity is provided by Cold; a successful Hot commit clears staleness.
func (s *Storage) CommitCycle(ctx context.Context, stats *gousage.DailyStats, snap *gousage.UsageSnapshot) error {
	if err := s.cold.CommitCycle(ctx, stats, snap); err != nil {
		return err
	}
	if err := s.hot.CommitCycle(ctx, stats, snap); err != nil {
		s.hotWrite("commit cycle", err)
		return nil
	}
	// Hot may still hold older versions of past days. Ranges read Cold.
	s.hotStale.Store(false)
	return nil
}

// --- Strategy: Hot-Primary / Async ---

// UpsertRateLimitStatus implements gousage.Storage. With AsyncStatusSync the
// Hot write is authoritative and Cold is updated in the background.
func (s *Storage) UpsertRateLimitStatus(ctx context.Context, st *gousage.RateLimitStatus) error {
	if !s.conf.AsyncStatusSync {
		if err := s.cold.UpsertRateLimitStatus(ctx, st); err != nil {
			return err
		}
		if err := s.hot.UpsertRateLimitStatus(ctx, st); err != nil {
			s.report(fmt.Errorf("tiered storage: hot upsert status failed: %w", err))
		}
		return nil
	}

	if err := s.hot.UpsertRateLimitStatus(ctx, st); err != nil {
		return err
	}

	clone := st.Clone()
	select {
	case s.syncQueue <- func() error {
		// Background context ensures completion even if the caller cancels
		return s.cold.UpsertRateLimitStatus(context.Background(), clone)
	}:
	default:
		s.report(errors.New("tiered storage: sync queue full, dropping cold write"))
	}
	return nil
}
