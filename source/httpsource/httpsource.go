// Package httpsource implements gousage.Source over an HTTP/JSON usage
// endpoint that reports cumulative counters per API key and model.
package httpsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/sony/gobreaker"

	"github.com/mihaimyh/gousage/pkg/gousage"
)

const maxBodyBytes = 16 << 20

// BreakerConfig configures the upstream circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failed fetches that opens the breaker (default 5)
	FailureThreshold uint32
	// Timeout is how long the breaker stays open (default 60s)
	Timeout time.Duration
}

// Config holds configuration for the HTTP source
type Config struct {
	// URL of the usage endpoint (required)
	URL string

	// APIKey is sent as a bearer token when set
	APIKey string

	// Provider tags entries whose API group carries no provider
	Provider string

	// Providers maps API group names to providers
	Providers map[string]string

	// Timeout bounds a single HTTP attempt (default 10s)
	Timeout time.Duration

	// MaxRetries is the number of retries after the first attempt (default 3)
	MaxRetries int

	// BaseDelay and MaxDelay bound the exponential backoff (default 500ms, 10s)
	BaseDelay time.Duration
	MaxDelay  time.Duration

	Breaker BreakerConfig

	// Client overrides the HTTP client
	Client *http.Client

	// Now stamps responses that carry no timestamp (default time.Now().UTC())
	Now gousage.Clock

	Logger  gousage.Logger
	Metrics gousage.Metrics
}

// Source fetches usage snapshots over HTTP with retry and a circuit breaker.
type Source struct {
	cfg     Config
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	exec    failsafe.Executor[[]byte]
}

// StatusError reports a non-success HTTP response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// New creates an HTTP source.
func New(cfg Config) (*Source, error) {
	if cfg.URL == "" {
		return nil, errors.New("url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must not be negative, got %d", cfg.MaxRetries)
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = 10 * time.Second
		if cfg.MaxDelay < cfg.BaseDelay {
			cfg.MaxDelay = cfg.BaseDelay
		}
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.Timeout <= 0 {
		cfg.Breaker.Timeout = 60 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	cfg.Logger = gousage.OrNoop(cfg.Logger)
	if cfg.Metrics == nil {
		cfg.Metrics = &gousage.NoopMetrics{}
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}

	s := &Source{cfg: cfg, client: client}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "usage-source",
		Timeout: cfg.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Breaker.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			cfg.Logger.Warn("upstream circuit breaker state changed",
				gousage.Field{Key: "breaker", Value: name},
				gousage.Field{Key: "from", Value: from.String()},
				gousage.Field{Key: "to", Value: to.String()},
			)
			cfg.Metrics.RecordCircuitBreakerStateChange(to.String())
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	rp := retrypolicy.NewBuilder[[]byte]().
		HandleIf(func(_ []byte, err error) bool { return retryable(err) }).
		WithMaxRetries(cfg.MaxRetries).
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		ReturnLastFailure().
		Build()
	s.exec = failsafe.With(rp)
	return s, nil
}

// State returns the upstream breaker state.
func (s *Source) State() gobreaker.State {
	return s.breaker.State()
}

// Fetch implements gousage.Source.
func (s *Source) Fetch(ctx context.Context) (*gousage.FetchResult, error) {
	out, err := s.breaker.Execute(func() (interface{}, error) {
		return s.exec.WithContext(ctx).Get(func() ([]byte, error) {
			return s.get(ctx)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", gousage.ErrUpstreamUnavailable, err)
	}
	return s.decode(out.([]byte))
}

func (s *Source) get(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode}
	}
	return body, nil
}

func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF)
}

type usageResponse struct {
	Timestamp *time.Time          `json:"timestamp,omitempty"`
	ByAPI     map[string]apiStats `json:"by_api"`
}

type apiStats struct {
	Provider string                `json:"provider,omitempty"`
	Models   map[string]modelStats `json:"models"`
}

type modelStats struct {
	Provider      string   `json:"provider,omitempty"`
	TotalRequests *int64   `json:"total_requests"`
	TotalTokens   *int64   `json:"total_tokens"`
	FailureCount  int64    `json:"failure_count,omitempty"`
	Cost          *float64 `json:"cost,omitempty"`
}

func (m modelStats) valid() bool {
	if m.TotalRequests == nil || m.TotalTokens == nil {
		return false
	}
	if *m.TotalRequests < 0 || *m.TotalTokens < 0 || m.FailureCount < 0 {
		return false
	}
	return m.Cost == nil || *m.Cost >= 0
}

func (s *Source) decode(body []byte) (*gousage.FetchResult, error) {
	var resp usageResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", gousage.ErrMalformedSnapshot, err)
	}
	if resp.ByAPI == nil {
		return nil, fmt.Errorf("%w: missing by_api", gousage.ErrMalformedSnapshot)
	}

	ts := s.cfg.Now()
	if resp.Timestamp != nil && !resp.Timestamp.IsZero() {
		ts = resp.Timestamp.UTC()
	}
	snap := &gousage.UsageSnapshot{Timestamp: ts}
	malformed := make(map[string]struct{})

	apis := make([]string, 0, len(resp.ByAPI))
	for api := range resp.ByAPI {
		apis = append(apis, api)
	}
	sort.Strings(apis)

	for _, api := range apis {
		group := resp.ByAPI[api]
		models := make([]string, 0, len(group.Models))
		for m := range group.Models {
			models = append(models, m)
		}
		sort.Strings(models)

		for _, model := range models {
			ms := group.Models[model]
			if model == "" {
				continue
			}
			if !ms.valid() {
				malformed[model] = struct{}{}
				continue
			}
			e := gousage.SnapshotEntry{
				Provider: s.providerFor(api, group, ms),
				Model:    model,
				Endpoint: api,
				Counters: gousage.Counters{
					Requests: *ms.TotalRequests,
					Tokens:   *ms.TotalTokens,
					Failures: ms.FailureCount,
				},
			}
			if ms.Cost != nil {
				e.Cost = *ms.Cost
			}
			snap.Entries = append(snap.Entries, e)
		}
	}

	res := &gousage.FetchResult{Snapshot: snap}
	for m := range malformed {
		res.Malformed = append(res.Malformed, m)
	}
	sort.Strings(res.Malformed)
	if len(res.Malformed) > 0 {
		s.cfg.Logger.Warn("dropping malformed usage entries", gousage.Field{Key: "models", Value: res.Malformed})
	}
	return res, nil
}

func (s *Source) providerFor(api string, group apiStats, ms modelStats) string {
	switch {
	case ms.Provider != "":
		return ms.Provider
	case group.Provider != "":
		return group.Provider
	}
	if p, ok := s.cfg.Providers[api]; ok {
		return p
	}
	return s.cfg.Provider
}
