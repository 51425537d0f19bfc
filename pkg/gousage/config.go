package gousage

import (
	"fmt"
	"time"
)

const (
	// DefaultPollInterval is the collector tick period
	DefaultPollInterval = 300 * time.Second
)

// Config holds configuration shared by the Collector and its Engine
type Config struct {
	// PollInterval is how often Run executes a cycle (default 300s)
	PollInterval time.Duration

	// TimezoneOffsetHours is the local offset from UTC used for date/hour
	// bucketing and daily/weekly boundaries (default 0)
	TimezoneOffsetHours float64

	// FalseStartCostThreshold is the implied cost above which a first-seen
	// model is skipped for one interval (default 10)
	FalseStartCostThreshold float64

	// Pricing resolves model prices (default: every model costs nothing,
	// upstream-reported cost is kept)
	Pricing PricingResolver

	// EvaluateConcurrency bounds parallel rate-limit evaluations (default 8)
	EvaluateConcurrency int

	// Now overrides the clock (default time.Now().UTC())
	Now Clock

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Metrics is used for observability (default: NoopMetrics)
	Metrics Metrics
}

// ApplyDefaults fills zero values with defaults.
func (c *Config) ApplyDefaults() {
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.FalseStartCostThreshold == 0 {
		c.FalseStartCostThreshold = DefaultFalseStartThreshold
	}
	if c.Pricing == nil {
		c.Pricing = PricingFunc(func(string) Price { return Price{} })
	}
	if c.EvaluateConcurrency == 0 {
		c.EvaluateConcurrency = 8
	}
	if c.Now == nil {
		c.Now = utcNow
	}
	c.Logger = OrNoop(c.Logger)
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.PollInterval < 0 {
		return fmt.Errorf("poll interval must not be negative, got %v", c.PollInterval)
	}
	if c.FalseStartCostThreshold < 0 {
		return fmt.Errorf("false start cost threshold must not be negative, got %v", c.FalseStartCostThreshold)
	}
	if c.TimezoneOffsetHours < -12 || c.TimezoneOffsetHours > 14 {
		return fmt.Errorf("timezone offset must be within [-12, 14] hours, got %v", c.TimezoneOffsetHours)
	}
	if c.EvaluateConcurrency < 0 {
		return fmt.Errorf("evaluate concurrency must not be negative, got %d", c.EvaluateConcurrency)
	}
	return nil
}
