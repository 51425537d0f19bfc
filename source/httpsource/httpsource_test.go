package httpsource

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gousage/pkg/gousage"
)

const usageBody = `{
  "timestamp": "2026-03-04T10:05:00Z",
  "by_api": {
    "openai-key": {
      "provider": "openai",
      "models": {
        "gpt-4o": {"total_requests": 120, "total_tokens": 45000, "failure_count": 2},
        "gpt-4o-mini": {"total_requests": 10, "total_tokens": 900, "cost": 0.02}
      }
    },
    "shared": {
      "models": {
        "claude-sonnet": {"total_requests": 7, "total_tokens": 3100}
      }
    }
  }
}`

type stateMetrics struct {
	gousage.NoopMetrics
	mu     sync.Mutex
	states []string
}

func (m *stateMetrics) RecordCircuitBreakerStateChange(state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = append(m.states, state)
}

func serve(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func fastConfig(url string) Config {
	return Config{
		URL:        url,
		Provider:   "anthropic",
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	}
}

func TestFetch_DecodesUsage(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(usageBody))
	})
	cfg := fastConfig(srv.URL)
	cfg.APIKey = "secret"
	src, err := New(cfg)
	require.NoError(t, err)

	res, err := src.Fetch(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res.Snapshot)
	assert.Empty(t, res.Malformed)
	assert.Equal(t, time.Date(2026, 3, 4, 10, 5, 0, 0, time.UTC), res.Snapshot.Timestamp)
	require.Len(t, res.Snapshot.Entries, 3)

	totals := res.Snapshot.ModelTotals()
	assert.Equal(t, gousage.Counters{Requests: 120, Tokens: 45000, Failures: 2}, totals["gpt-4o"])
	assert.InDelta(t, 0.02, totals["gpt-4o-mini"].Cost, 1e-9)

	providers := res.Snapshot.ModelProviders()
	assert.Equal(t, "openai", providers["gpt-4o"])
	assert.Equal(t, "anthropic", providers["claude-sonnet"])
	require.NoError(t, res.Snapshot.Validate())
}

func TestFetch_ProviderMapAndClock(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"by_api": {"k1": {"models": {"m": {"total_requests": 1, "total_tokens": 2}}}}}`))
	})
	now := time.Date(2026, 3, 4, 8, 0, 0, 0, time.UTC)
	cfg := fastConfig(srv.URL)
	cfg.Providers = map[string]string{"k1": "gemini"}
	cfg.Now = func() time.Time { return now }
	src, err := New(cfg)
	require.NoError(t, err)

	res, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, now, res.Snapshot.Timestamp)
	require.Len(t, res.Snapshot.Entries, 1)
	assert.Equal(t, "gemini", res.Snapshot.Entries[0].Provider)
	assert.Equal(t, "k1", res.Snapshot.Entries[0].Endpoint)
}

func TestFetch_MalformedEntriesReported(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"by_api": {"k": {"models": {
			"good": {"total_requests": 3, "total_tokens": 30},
			"no-tokens": {"total_requests": 3},
			"negative": {"total_requests": -1, "total_tokens": 5}
		}}}}`))
	})
	src, err := New(fastConfig(srv.URL))
	require.NoError(t, err)

	res, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"negative", "no-tokens"}, res.Malformed)
	require.Len(t, res.Snapshot.Entries, 1)
	assert.Equal(t, "good", res.Snapshot.Entries[0].Model)
}

func TestFetch_UnusableBody(t *testing.T) {
	for name, body := range map[string]string{
		"not json":   `<html>oops</html>`,
		"no by_api":  `{"total_requests": 4}`,
		"wrong type": `{"by_api": []}`,
	} {
		t.Run(name, func(t *testing.T) {
			srv := serve(t, func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(body))
			})
			src, err := New(fastConfig(srv.URL))
			require.NoError(t, err)

			_, err = src.Fetch(context.Background())
			assert.ErrorIs(t, err, gousage.ErrMalformedSnapshot)
		})
	}
}

func TestFetch_RetriesTransientFailures(t *testing.T) {
	var hits atomic.Int32
	srv := serve(t, func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(usageBody))
	})
	src, err := New(fastConfig(srv.URL))
	require.NoError(t, err)

	res, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Snapshot.Entries, 3)
	assert.Equal(t, int32(3), hits.Load())
}

func TestFetch_ClientErrorNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := serve(t, func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})
	src, err := New(fastConfig(srv.URL))
	require.NoError(t, err)

	_, err = src.Fetch(context.Background())
	require.ErrorIs(t, err, gousage.ErrUpstreamUnavailable)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.Code)
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetch_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	var hits atomic.Int32
	srv := serve(t, func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})
	metrics := &stateMetrics{}
	cfg := fastConfig(srv.URL)
	cfg.MaxRetries = 1
	cfg.Breaker = BreakerConfig{FailureThreshold: 2, Timeout: time.Minute}
	cfg.Metrics = metrics
	src, err := New(cfg)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = src.Fetch(context.Background())
		require.ErrorIs(t, err, gousage.ErrUpstreamUnavailable)
	}
	assert.Equal(t, gobreaker.StateOpen, src.State())
	assert.Equal(t, int32(4), hits.Load())

	_, err = src.Fetch(context.Background())
	assert.ErrorIs(t, err, gousage.ErrUpstreamUnavailable)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(4), hits.Load())

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, []string{"open"}, metrics.states)
}

func TestFetch_ContextCanceled(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	src, err := New(fastConfig(srv.URL))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = src.Fetch(ctx)
	assert.ErrorIs(t, err, gousage.ErrUpstreamUnavailable)
	assert.Equal(t, gobreaker.StateClosed, src.State())
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{URL: "http://localhost", MaxRetries: -1})
	assert.Error(t, err)
}

func TestRetryable(t *testing.T) {
	assert.False(t, retryable(nil))
	assert.False(t, retryable(context.Canceled))
	assert.True(t, retryable(context.DeadlineExceeded))
	assert.True(t, retryable(&StatusError{Code: http.StatusTooManyRequests}))
	assert.True(t, retryable(&StatusError{Code: http.StatusInternalServerError}))
	assert.False(t, retryable(&StatusError{Code: http.StatusNotFound}))
}
