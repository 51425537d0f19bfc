// Package firestore provides a Firestore implementation of the gousage.Storage interface.
package firestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/gousage/pkg/gousage"
)

const snapshotDocID = "latest"

// Storage implements gousage.Storage using Google Cloud Firestore
type Storage struct {
	client              *firestore.Client
	snapshotsCollection string
	dailyCollection     string
	configsCollection   string
	statusCollection    string
}

// Config holds Firestore storage configuration
type Config struct {
	// SnapshotsCollection holds the single baseline document
	// Default: "usage_snapshots"
	SnapshotsCollection string

	// DailyCollection holds one document per local date
	// Default: "usage_daily"
	DailyCollection string

	// ConfigsCollection holds rate-limit configs keyed by ID
	// Default: "rate_limit_configs"
	ConfigsCollection string

	// StatusCollection holds rate-limit statuses keyed by config ID
	// Default: "rate_limit_status"
	StatusCollection string
}

// PrefixedConfig returns a Config whose collections share prefix.
func PrefixedConfig(prefix string) Config {
	return Config{
		SnapshotsCollection: prefix + "_snapshots",
		DailyCollection:     prefix + "_daily",
		ConfigsCollection:   prefix + "_rate_limit_configs",
		StatusCollection:    prefix + "_rate_limit_status",
	}
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	// Set defaults
	if config.SnapshotsCollection == "" {
		config.SnapshotsCollection = "usage_snapshots"
	}
	if config.DailyCollection == "" {
		config.DailyCollection = "usage_daily"
	}
	if config.ConfigsCollection == "" {
		config.ConfigsCollection = "rate_limit_configs"
	}
	if config.StatusCollection == "" {
		config.StatusCollection = "rate_limit_status"
	}

	return &Storage{
		client:              client,
		snapshotsCollection: config.SnapshotsCollection,
		dailyCollection:     config.DailyCollection,
		configsCollection:   config.ConfigsCollection,
		statusCollection:    config.StatusCollection,
	}, nil
}

type snapshotDoc struct {
	Timestamp time.Time `firestore:"timestamp"`
	Entries   string    `firestore:"entries"`
}

type dailyDoc struct {
	Date      string    `firestore:"date"`
	Requests  int64     `firestore:"requests"`
	Tokens    int64     `firestore:"tokens"`
	Failures  int64     `firestore:"failures"`
	Cost      float64   `firestore:"cost"`
	Breakdown string    `firestore:"breakdown"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

type configDoc struct {
	Provider      string `firestore:"provider"`
	ModelPattern  string `firestore:"modelPattern"`
	TokenLimit    int64  `firestore:"tokenLimit"`
	RequestLimit  int64  `firestore:"requestLimit"`
	ResetStrategy string `firestore:"resetStrategy"`
	WindowMinutes int64  `firestore:"windowMinutes"`
}

type statusDoc struct {
	RemainingRequests int64      `firestore:"remainingRequests"`
	RemainingTokens   int64      `firestore:"remainingTokens"`
	WindowStart       time.Time  `firestore:"windowStart"`
	NextReset         *time.Time `firestore:"nextReset"`
	LastUpdated       time.Time  `firestore:"lastUpdated"`
	ResetAnchor       *time.Time `firestore:"resetAnchor"`
	AnchorBaseline    string     `firestore:"anchorBaseline"`
}

func (s *Storage) snapshotRef() *firestore.DocumentRef {
	return s.client.Collection(s.snapshotsCollection).Doc(snapshotDocID)
}

func (s *Storage) dailyRef(date string) *firestore.DocumentRef {
	return s.client.Collection(s.dailyCollection).Doc(date)
}

// getDoc loads ref into out. It reports false when the document does not exist.
func getDoc(ctx context.Context, ref *firestore.DocumentRef, out any) (bool, error) {
	snap, err := ref.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, err
	}
	if !snap.Exists() {
		return false, nil
	}
	return true, snap.DataTo(out)
}

// LoadLastSnapshot implements gousage.Storage
func (s *Storage) LoadLastSnapshot(ctx context.Context) (*gousage.UsageSnapshot, error) {
	var doc snapshotDoc
	ok, err := getDoc(ctx, s.snapshotRef(), &doc)
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	if !ok {
		return nil, nil // No baseline yet is not an error
	}
	snap := &gousage.UsageSnapshot{Timestamp: doc.Timestamp.UTC()}
	if err := json.Unmarshal([]byte(doc.Entries), &snap.Entries); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return snap, nil
}

func encodeSnapshot(snap *gousage.UsageSnapshot) (*snapshotDoc, error) {
	if snap == nil {
		return nil, fmt.Errorf("invalid snapshot")
	}
	entries, err := json.Marshal(snap.Entries)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return &snapshotDoc{Timestamp: snap.Timestamp.UTC(), Entries: string(entries)}, nil
}

// SaveSnapshot implements gousage.Storage
func (s *Storage) SaveSnapshot(ctx context.Context, snap *gousage.UsageSnapshot) error {
	doc, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	if _, err := s.snapshotRef().Set(ctx, doc); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func encodeDaily(stats *gousage.DailyStats) (*dailyDoc, error) {
	if stats == nil || stats.Date == "" {
		return nil, fmt.Errorf("invalid daily stats")
	}
	breakdown, err := json.Marshal(stats.Breakdown)
	if err != nil {
		return nil, fmt.Errorf("failed to encode breakdown: %w", err)
	}
	return &dailyDoc{
		Date:      stats.Date,
		Requests:  stats.Totals.Requests,
		Tokens:    stats.Totals.Tokens,
		Failures:  stats.Totals.Failures,
		Cost:      stats.Totals.Cost,
		Breakdown: string(breakdown),
		UpdatedAt: stats.UpdatedAt.UTC(),
	}, nil
}

func (d *dailyDoc) decode() (*gousage.DailyStats, error) {
	stats := &gousage.DailyStats{
		Date: d.Date,
		Totals: gousage.Bucket{
			Requests: d.Requests,
			Tokens:   d.Tokens,
			Failures: d.Failures,
			Cost:     d.Cost,
		},
		UpdatedAt: d.UpdatedAt.UTC(),
	}
	if err := json.Unmarshal([]byte(d.Breakdown), &stats.Breakdown); err != nil {
		return nil, fmt.Errorf("failed to decode breakdown for %s: %w", d.Date, err)
	}
	return stats, nil
}

// LoadDailyStats implements gousage.Storage
func (s *Storage) LoadDailyStats(ctx context.Context, date string) (*gousage.DailyStats, error) {
	var doc dailyDoc
	ok, err := getDoc(ctx, s.dailyRef(date), &doc)
	if err != nil {
		return nil, fmt.Errorf("failed to get daily stats: %w", err)
	}
	if !ok {
		return nil, nil // No stats yet is not an error
	}
	return doc.decode()
}

// ListDailyStats implements gousage.Storage
func (s *Storage) ListDailyStats(ctx context.Context, from, to string) ([]*gousage.DailyStats, error) {
	iter := s.client.Collection(s.dailyCollection).
		Where("date", ">=", from).
		Where("date", "<=", to).
		OrderBy("date", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var out []*gousage.DailyStats
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list daily stats: %w", err)
		}
		var doc dailyDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode daily stats: %w", err)
		}
		stats, err := doc.decode()
		if err != nil {
			return nil, err
		}
		out = append(out, stats)
	}
	return out, nil
}

// UpsertDailyStats implements gousage.Storage
func (s *Storage) UpsertDailyStats(ctx context.Context, stats *gousage.DailyStats) error {
	doc, err := encodeDaily(stats)
	if err != nil {
		return err
	}
	if _, err := s.dailyRef(stats.Date).Set(ctx, doc); err != nil {
		return fmt.Errorf("failed to upsert daily stats: %w", err)
	}
	return nil
}

// CommitCycle implements gousage.Storage inside a Firestore transaction
func (s *Storage) CommitCycle(ctx context.Context, stats *gousage.DailyStats, snap *gousage.UsageSnapshot) error {
	snapDoc, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	var daily *dailyDoc
	if stats != nil {
		if daily, err = encodeDaily(stats); err != nil {
			return err
		}
	}

	err = s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		if daily != nil {
			if err := tx.Set(s.dailyRef(daily.Date), daily); err != nil {
				return err
			}
		}
		return tx.Set(s.snapshotRef(), snapDoc)
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
	doc := configDoc{
		Provider:      cfg.Provider,
		ModelPattern:  cfg.ModelPattern,
		TokenLimit:    cfg.TokenLimit,
		RequestLimit:  cfg.RequestLimit,
		ResetStrategy: string(cfg.ResetStrategy),
		WindowMinutes: int64(cfg.WindowMinutes),
	}
	if _, err := s.client.Collection(s.configsCollection).Doc(cfg.ID).Set(ctx, doc); err != nil {
		return fmt.Errorf("failed to upsert rate limit config: %w", err)
	}
	return nil
}

// LoadRateLimitConfigs implements gousage.Storage
func (s *Storage) LoadRateLimitConfigs(ctx context.Context) ([]gousage.RateLimitConfig, error) {
	snaps, err := s.client.Collection(s.configsCollection).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to load rate limit configs: %w", err)
	}
	out := make([]gousage.RateLimitConfig, 0, len(snaps))
	for _, snap := range snaps {
		var doc configDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode rate limit config %s: %w", snap.Ref.ID, err)
		}
		out = append(out, gousage.RateLimitConfig{
			ID:            snap.Ref.ID,
			Provider:      doc.Provider,
			ModelPattern:  doc.ModelPattern,
			TokenLimit:    doc.TokenLimit,
			RequestLimit:  doc.RequestLimit,
			ResetStrategy: gousage.ResetStrategy(doc.ResetStrategy),
			WindowMinutes: int(doc.WindowMinutes),
		})
	}
	return out, nil
}

// LoadRateLimitStatus implements gousage.Storage
func (s *Storage) LoadRateLimitStatus(ctx context.Context, configID string) (*gousage.RateLimitStatus, error) {
	var doc statusDoc
	ok, err := getDoc(ctx, s.client.Collection(s.statusCollection).Doc(configID), &doc)
	if err != nil {
		return nil, fmt.Errorf("failed to get rate limit status: %w", err)
	}
	if !ok {
		return nil, nil // No status yet is not an error
	}

	st := &gousage.RateLimitStatus{
		ConfigID:          configID,
		RemainingRequests: doc.RemainingRequests,
		RemainingTokens:   doc.RemainingTokens,
		WindowStart:       doc.WindowStart.UTC(),
		NextReset:         utcPtr(doc.NextReset),
		LastUpdated:       doc.LastUpdated.UTC(),
		ResetAnchor:       utcPtr(doc.ResetAnchor),
	}
	if doc.AnchorBaseline != "" {
		if err := json.Unmarshal([]byte(doc.AnchorBaseline), &st.AnchorBaseline); err != nil {
			return nil, fmt.Errorf("failed to decode anchor baseline: %w", err)
		}
	}
	return st, nil
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
	doc := statusDoc{
		RemainingRequests: st.RemainingRequests,
		RemainingTokens:   st.RemainingTokens,
		WindowStart:       st.WindowStart.UTC(),
		NextReset:         utcPtr(st.NextReset),
		LastUpdated:       st.LastUpdated.UTC(),
		ResetAnchor:       utcPtr(st.ResetAnchor),
		AnchorBaseline:    string(baseline),
	}
	if _, err := s.client.Collection(s.statusCollection).Doc(st.ConfigID).Set(ctx, doc); err != nil {
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
