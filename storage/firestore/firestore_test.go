package firestore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gousage/pkg/gousage"
	"github.com/mihaimyh/gousage/storage/storagetest"
)

const testProjectID = "test-project"

// setupFirestoreClient connects to the emulator named by FIRESTORE_EMULATOR_HOST
func setupFirestoreClient(t *testing.T) *firestore.Client {
	t.Helper()
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	client, err := firestore.NewClient(context.Background(), testProjectID)
	if err != nil {
		t.Fatalf("Failed to create Firestore client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// setupTestStorage returns a store over collections unique to this test
func setupTestStorage(t *testing.T) *Storage {
	t.Helper()
	client := setupFirestoreClient(t)
	s, err := New(client, PrefixedConfig(fmt.Sprintf("test_%d", time.Now().UnixNano())))
	require.NoError(t, err)
	return s
}

func TestNew(t *testing.T) {
	_, err := New(nil, Config{})
	assert.Error(t, err)
}

func TestPrefixedConfig(t *testing.T) {
	cfg := PrefixedConfig("gousage")
	assert.Equal(t, "gousage_snapshots", cfg.SnapshotsCollection)
	assert.Equal(t, "gousage_daily", cfg.DailyCollection)
	assert.Equal(t, "gousage_rate_limit_configs", cfg.ConfigsCollection)
	assert.Equal(t, "gousage_rate_limit_status", cfg.StatusCollection)
}

func TestStorage_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) gousage.Storage {
		return setupTestStorage(t)
	})
}

func TestStorage_RateLimitConfigs(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	cfg := gousage.RateLimitConfig{ID: "claude-5h", Provider: "anthropic", ModelPattern: "claude-*",
		RequestLimit: 50, ResetStrategy: gousage.ResetRolling, WindowMinutes: 300}
	require.NoError(t, s.UpsertRateLimitConfig(ctx, cfg))

	got, err := s.LoadRateLimitConfigs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []gousage.RateLimitConfig{cfg}, got)
}
