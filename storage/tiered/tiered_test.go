package tiered

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gousage/pkg/gousage"
	"github.com/mihaimyh/gousage/storage/memory"
	"github.com/mihaimyh/gousage/storage/storagetest"
)

var errDown = errors.New("store down")

// switchableStorage fails every write while down is set
type switchableStorage struct {
	*memory.Storage
	mu   sync.Mutex
	down bool
}

func (s *switchableStorage) setDown(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = v
}

func (s *switchableStorage) isDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.down
}

func (s *switchableStorage) SaveSnapshot(ctx context.Context, snap *gousage.UsageSnapshot) error {
	if s.isDown() {
		return errDown
	}
	return s.Storage.SaveSnapshot(ctx, snap)
}

func (s *switchableStorage) CommitCycle(ctx context.Context, stats *gousage.DailyStats, snap *gousage.UsageSnapshot) error {
	if s.isDown() {
		return errDown
	}
	return s.Storage.CommitCycle(ctx, stats, snap)
}

func (s *switchableStorage) UpsertRateLimitStatus(ctx context.Context, st *gousage.RateLimitStatus) error {
	if s.isDown() {
		return errDown
	}
	return s.Storage.UpsertRateLimitStatus(ctx, st)
}

var ts = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

func TestNew(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		storage, err := New(Config{Hot: memory.New(), Cold: memory.New()})
		assert.NoError(t, err)
		assert.NotNil(t, storage)
		assert.NoError(t, storage.Close())
	})

	t.Run("nil hot storage", func(t *testing.T) {
		storage, err := New(Config{Cold: memory.New()})
		assert.Error(t, err)
		assert.Nil(t, storage)
		assert.Contains(t, err.Error(), "hot and cold storage are required")
	})

	t.Run("nil cold storage", func(t *testing.T) {
		storage, err := New(Config{Hot: memory.New()})
		assert.Error(t, err)
		assert.Nil(t, storage)
	})

	t.Run("default sync buffer size", func(t *testing.T) {
		storage, err := New(Config{Hot: memory.New(), Cold: memory.New(), AsyncStatusSync: true})
		require.NoError(t, err)
		defer storage.Close()
		assert.Equal(t, 1000, cap(storage.syncQueue))
	})
}

func TestStorage_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) gousage.Storage {
		s, err := New(Config{Hot: memory.New(), Cold: memory.New()})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestStorage_LoadLastSnapshot_ReadThrough(t *testing.T) {
	hot, cold := memory.New(), memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold})
	defer storage.Close()
	ctx := context.Background()

	require.NoError(t, cold.SaveSnapshot(ctx, storagetest.Snapshot(ts, 10)))

	snap, err := storage.LoadLastSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap)

	// Hot was populated
	cached, err := hot.LoadLastSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.True(t, ts.Equal(cached.Timestamp))
}

func TestStorage_LoadDailyStats_ReadThrough(t *testing.T) {
	hot, cold := memory.New(), memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold})
	defer storage.Close()
	ctx := context.Background()

	require.NoError(t, cold.UpsertDailyStats(ctx, storagetest.DailyStats("2026-03-02", 4)))

	stats, err := storage.LoadDailyStats(ctx, "2026-03-02")
	require.NoError(t, err)
	require.NotNil(t, stats)

	cached, err := hot.LoadDailyStats(ctx, "2026-03-02")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, int64(4), cached.Totals.Requests)

	missing, err := storage.LoadDailyStats(ctx, "2026-03-03")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStorage_CommitCycle_WriteThrough(t *testing.T) {
	hot, cold := memory.New(), memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold})
	defer storage.Close()
	ctx := context.Background()

	require.NoError(t, storage.CommitCycle(ctx, storagetest.DailyStats("2026-03-02", 3), storagetest.Snapshot(ts, 10)))

	for _, s := range []*memory.Storage{hot, cold} {
		snap, err := s.LoadLastSnapshot(ctx)
		require.NoError(t, err)
		require.NotNil(t, snap)
		stats, err := s.LoadDailyStats(ctx, "2026-03-02")
		require.NoError(t, err)
		require.NotNil(t, stats)
	}
}

func TestStorage_WriteThrough_ColdFailure(t *testing.T) {
	hot := memory.New()
	cold := &switchableStorage{Storage: memory.New(), down: true}
	storage, _ := New(Config{Hot: hot, Cold: cold})
	defer storage.Close()
	ctx := context.Background()

	err := storage.CommitCycle(ctx, nil, storagetest.Snapshot(ts, 10))
	assert.ErrorIs(t, err, errDown)

	// Hot must not get ahead of the source of truth
	snap, err := hot.LoadLastSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestStorage_HotFailureFallsBackToCold(t *testing.T) {
	hot := &switchableStorage{Storage: memory.New()}
	cold := memory.New()
	var reported []error
	storage, _ := New(Config{Hot: hot, Cold: cold, AsyncErrorHandler: func(err error) {
		reported = append(reported, err)
	}})
	defer storage.Close()
	ctx := context.Background()

	require.NoError(t, storage.CommitCycle(ctx, nil, storagetest.Snapshot(ts, 10)))

	hot.setDown(true)
	require.NoError(t, storage.CommitCycle(ctx, nil, storagetest.Snapshot(ts.Add(5*time.Minute), 20)))
	require.Len(t, reported, 1)

	// Hot still holds the old baseline; reads must come from Cold
	snap, err := storage.LoadLastSnapshot(ctx)
	require.NoError(t, err)
	assert.True(t, ts.Add(5*time.Minute).Equal(snap.Timestamp))

	hot.setDown(false)
	require.NoError(t, storage.CommitCycle(ctx, nil, storagetest.Snapshot(ts.Add(10*time.Minute), 30)))
	assert.False(t, storage.hotStale.Load())
	snap, err = hot.LoadLastSnapshot(ctx)
	require.NoError(t, err)
	assert.True(t, ts.Add(10*time.Minute).Equal(snap.Timestamp))
}

func TestStorage_RestartAfterHotFailure(t *testing.T) {
	hot := &switchableStorage{Storage: memory.New()}
	cold := memory.New()
	ctx := context.Background()

	var next *gousage.UsageSnapshot
	source := gousage.SourceFunc(func(_ context.Context) (*gousage.FetchResult, error) {
		return &gousage.FetchResult{Snapshot: next}, nil
	})
	runCycle := func(storage *Storage, snap *gousage.UsageSnapshot) {
		t.Helper()
		next = snap
		collector, err := gousage.NewCollector(source, storage, &gousage.Config{})
		require.NoError(t, err)
		_, err = collector.RunCycle(ctx)
		require.NoError(t, err)
	}

	first, err := New(Config{Hot: hot, Cold: cold})
	require.NoError(t, err)
	runCycle(first, storagetest.Snapshot(ts, 100))

	hot.setDown(true)
	runCycle(first, storagetest.Snapshot(ts.Add(5*time.Minute), 150))
	require.NoError(t, first.Close())
	hot.setDown(false)

	// A new process over the same tiers must not trust Hot's old baseline
	second, err := New(Config{Hot: hot, Cold: cold})
	require.NoError(t, err)
	defer second.Close()
	assert.True(t, second.hotStale.Load())
	runCycle(second, storagetest.Snapshot(ts.Add(10*time.Minute), 170))

	stats, err := cold.LoadDailyStats(ctx, "2026-03-02")
	require.NoError(t, err)
	require.NotNil(t, stats)
	assert.Equal(t, int64(70), stats.Totals.Requests)
	assert.False(t, second.hotStale.Load())

	cached, err := hot.LoadDailyStats(ctx, "2026-03-02")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, int64(70), cached.Totals.Requests)
}

func TestStorage_ColdOnlyReads(t *testing.T) {
	hot, cold := memory.New(), memory.New(gousage.RateLimitConfig{ID: "a", Provider: "openai", ResetStrategy: gousage.ResetDaily})
	storage, _ := New(Config{Hot: hot, Cold: cold})
	defer storage.Close()
	ctx := context.Background()

	require.NoError(t, hot.UpsertDailyStats(ctx, storagetest.DailyStats("2026-03-01", 1)))
	require.NoError(t, cold.UpsertDailyStats(ctx, storagetest.DailyStats("2026-03-02", 2)))

	list, err := storage.ListDailyStats(ctx, "2026-03-01", "2026-03-31")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "2026-03-02", list[0].Date)

	cfgs, err := storage.LoadRateLimitConfigs(ctx)
	require.NoError(t, err)
	require.Len(t, cfgs, 1)
}

func TestStorage_UpsertRateLimitStatus_Sync(t *testing.T) {
	hot, cold := memory.New(), memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold})
	defer storage.Close()
	ctx := context.Background()

	st := &gousage.RateLimitStatus{ConfigID: "a", RemainingRequests: 5, WindowStart: ts, LastUpdated: ts}
	require.NoError(t, storage.UpsertRateLimitStatus(ctx, st))

	for _, s := range []*memory.Storage{hot, cold} {
		got, err := s.LoadRateLimitStatus(ctx, "a")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, int64(5), got.RemainingRequests)
	}
}

func TestStorage_UpsertRateLimitStatus_Async(t *testing.T) {
	hot, cold := memory.New(), memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold, AsyncStatusSync: true})
	ctx := context.Background()

	st := &gousage.RateLimitStatus{ConfigID: "a", RemainingRequests: 5, WindowStart: ts, LastUpdated: ts}
	require.NoError(t, storage.UpsertRateLimitStatus(ctx, st))

	// Hot is immediate
	got, err := storage.LoadRateLimitStatus(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.RemainingRequests)

	// Mutating the caller's value must not leak into the queued write
	st.RemainingRequests = 1

	// Close drains the queue
	require.NoError(t, storage.Close())
	require.NoError(t, storage.Close())

	got, err = cold.LoadRateLimitStatus(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(5), got.RemainingRequests)
}

func TestStorage_UpsertRateLimitStatus_AsyncHotFailure(t *testing.T) {
	hot := &switchableStorage{Storage: memory.New(), down: true}
	cold := memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold, AsyncStatusSync: true})
	defer storage.Close()

	err := storage.UpsertRateLimitStatus(context.Background(),
		&gousage.RateLimitStatus{ConfigID: "a", WindowStart: ts, LastUpdated: ts})
	assert.ErrorIs(t, err, errDown)
}

func TestStorage_LoadRateLimitStatus_ReadThrough(t *testing.T) {
	hot, cold := memory.New(), memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold})
	defer storage.Close()
	ctx := context.Background()

	require.NoError(t, cold.UpsertRateLimitStatus(ctx,
		&gousage.RateLimitStatus{ConfigID: "a", RemainingTokens: 9, WindowStart: ts, LastUpdated: ts}))

	got, err := storage.LoadRateLimitStatus(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(9), got.RemainingTokens)

	cached, err := hot.LoadRateLimitStatus(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, cached)
}
