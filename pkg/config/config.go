// Package config loads gousage settings from a YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mihaimyh/gousage/pkg/gousage"
	"github.com/mihaimyh/gousage/source/httpsource"
)

// Storage drivers
const (
	DriverMemory    = "memory"
	DriverPostgres  = "postgres"
	DriverSQLite    = "sqlite"
	DriverRedis     = "redis"
	DriverFirestore = "firestore"
)

// Config is the top-level configuration file.
type Config struct {
	Poll       PollConfig                `yaml:"poll"`
	Pricing    PricingConfig             `yaml:"pricing"`
	RateLimits []gousage.RateLimitConfig `yaml:"rate_limits"`
	Source     SourceConfig              `yaml:"source"`
	Storage    StorageConfig             `yaml:"storage"`
	Logging    LoggingConfig             `yaml:"logging"`
}

// PollConfig holds collector settings.
type PollConfig struct {
	Interval                time.Duration `yaml:"interval"`
	TimezoneOffsetHours     float64       `yaml:"timezone_offset_hours"`
	FalseStartCostThreshold float64       `yaml:"false_start_cost_threshold"`
	EvaluateConcurrency     int           `yaml:"evaluate_concurrency"`
}

// PricingConfig maps model names (or prefixes) to prices.
type PricingConfig struct {
	Default gousage.Price            `yaml:"default"`
	Models  map[string]gousage.Price `yaml:"models"`
}

// SourceConfig holds upstream settings.
type SourceConfig struct {
	URL        string            `yaml:"url"`
	APIKey     string            `yaml:"api_key"`
	Provider   string            `yaml:"provider"`
	Providers  map[string]string `yaml:"providers"`
	Timeout    time.Duration     `yaml:"timeout"`
	MaxRetries int               `yaml:"max_retries"`
}

// StorageConfig selects and configures the store.
type StorageConfig struct {
	Driver    string          `yaml:"driver"` // memory, postgres, sqlite, redis, firestore (default: memory)
	Postgres  PostgresConfig  `yaml:"postgres"`
	SQLite    SQLiteConfig    `yaml:"sqlite"`
	Redis     RedisConfig     `yaml:"redis"`
	Firestore FirestoreConfig `yaml:"firestore"`
}

// PostgresConfig holds Postgres settings.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// SQLiteConfig holds SQLite settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig holds Redis settings.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// FirestoreConfig holds Firestore settings.
type FirestoreConfig struct {
	ProjectID        string `yaml:"project_id"`
	CollectionPrefix string `yaml:"collection_prefix"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: info)
}

// Load reads configuration from a YAML file. A .env file next to it, if
// present, is loaded into the environment before ${VAR} expansion.
func Load(path string) (Config, error) {
	envPath := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return Config{}, fmt.Errorf("failed to load %s: %w", envPath, err)
		}
	}

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a YAML document.
func Parse(data []byte) (Config, error) {
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.Poll.Interval <= 0 {
		c.Poll.Interval = gousage.DefaultPollInterval
	}
	if c.Poll.FalseStartCostThreshold <= 0 {
		c.Poll.FalseStartCostThreshold = gousage.DefaultFalseStartThreshold
	}
	if c.Poll.EvaluateConcurrency <= 0 {
		c.Poll.EvaluateConcurrency = 8
	}
	if c.Source.Timeout <= 0 {
		c.Source.Timeout = 10 * time.Second
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverMemory
	}
	if c.Storage.SQLite.Path == "" {
		c.Storage.SQLite.Path = "gousage.db"
	}
	if c.Storage.Redis.Addr == "" {
		c.Storage.Redis.Addr = "localhost:6379"
	}
	if c.Storage.Redis.KeyPrefix == "" {
		c.Storage.Redis.KeyPrefix = "{gousage}:"
	}
	if c.Storage.Firestore.CollectionPrefix == "" {
		c.Storage.Firestore.CollectionPrefix = "gousage"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if tz := c.Poll.TimezoneOffsetHours; tz < -12 || tz > 14 {
		return fmt.Errorf("poll.timezone_offset_hours must be within [-12, 14], got %v", tz)
	}
	if c.Source.MaxRetries < 0 {
		return fmt.Errorf("source.max_retries must not be negative, got %d", c.Source.MaxRetries)
	}
	for name, p := range c.Pricing.Models {
		if p.PerToken < 0 || p.PerRequest < 0 {
			return fmt.Errorf("pricing.models.%s must not be negative", name)
		}
	}
	if c.Pricing.Default.PerToken < 0 || c.Pricing.Default.PerRequest < 0 {
		return fmt.Errorf("pricing.default must not be negative")
	}

	seen := make(map[string]struct{}, len(c.RateLimits))
	for i := range c.RateLimits {
		rl := &c.RateLimits[i]
		if err := rl.Validate(); err != nil {
			return fmt.Errorf("rate_limits[%d]: %w", i, err)
		}
		if _, dup := seen[rl.ID]; dup {
			return fmt.Errorf("rate_limits[%d]: duplicate id %q", i, rl.ID)
		}
		seen[rl.ID] = struct{}{}
	}

	switch c.Storage.Driver {
	case DriverMemory, DriverSQLite, DriverRedis:
		// ok
	case DriverPostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required")
		}
	case DriverFirestore:
		if c.Storage.Firestore.ProjectID == "" {
			return fmt.Errorf("storage.firestore.project_id is required")
		}
	default:
		return fmt.Errorf("storage.driver must be one of memory, postgres, sqlite, redis, firestore, got %q", c.Storage.Driver)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// ok
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	return nil
}

// PricingResolver builds the static pricing table.
func (c *Config) PricingResolver() *gousage.StaticPricing {
	return gousage.NewStaticPricing(c.Pricing.Models, c.Pricing.Default)
}

// Core returns the collector configuration. Logger and Metrics are left
// for the caller to set.
func (c *Config) Core() *gousage.Config {
	return &gousage.Config{
		PollInterval:            c.Poll.Interval,
		TimezoneOffsetHours:     c.Poll.TimezoneOffsetHours,
		FalseStartCostThreshold: c.Poll.FalseStartCostThreshold,
		Pricing:                 c.PricingResolver(),
		EvaluateConcurrency:     c.Poll.EvaluateConcurrency,
	}
}

// HTTPSource returns the upstream source configuration.
func (c *Config) HTTPSource() httpsource.Config {
	return httpsource.Config{
		URL:        c.Source.URL,
		APIKey:     c.Source.APIKey,
		Provider:   c.Source.Provider,
		Providers:  c.Source.Providers,
		Timeout:    c.Source.Timeout,
		MaxRetries: c.Source.MaxRetries,
	}
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1])
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
