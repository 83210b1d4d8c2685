// Package config provides environment-based configuration for FieldSync.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for the sync engine.
type Config struct {
	// Directory holding the local SQLite store.
	DataDir string `env:"FIELDSYNC_DATA_DIR" envDefault:"./data"`

	// Remote authority the engine synchronizes against.
	RemoteBaseURL string `env:"REMOTE_BASE_URL"`

	// Sync worker schedule and limits.
	SyncIntervalSeconds int `env:"SYNC_INTERVAL_SECONDS" envDefault:"30"`
	BatchSize           int `env:"BATCH_SIZE" envDefault:"50"`
	MaxRetries          int `env:"MAX_RETRIES" envDefault:"3"`
	MaxBackoffSeconds   int `env:"MAX_BACKOFF_SECONDS" envDefault:"300"`

	// Read-through cache.
	CacheDefaultTTLHours int `env:"CACHE_DEFAULT_TTL_HOURS" envDefault:"24"`

	// How long synced operations are retained before garbage collection.
	SyncedRetentionHours int `env:"SYNCED_RETENTION_HOURS" envDefault:"24"`

	// Connectivity monitor.
	ConnectivityProbeIntervalSeconds int    `env:"CONNECTIVITY_PROBE_INTERVAL_SECONDS" envDefault:"10"`
	ConnectivityProbeURL             string `env:"CONNECTIVITY_PROBE_URL"`

	// Timeout for individual remote calls, including the best-effort
	// immediate sync after a local write.
	RemoteTimeoutSeconds int `env:"REMOTE_TIMEOUT_SECONDS" envDefault:"15"`

	// Logging.
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads configuration from the environment, with an optional .env file
// for local development.
func Load() (*Config, error) {
	// A missing .env file is not an error; env vars may be set directly.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.SyncIntervalSeconds <= 0 {
		return fmt.Errorf("SYNC_INTERVAL_SECONDS must be positive, got %d", c.SyncIntervalSeconds)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("MAX_RETRIES must be at least 1, got %d", c.MaxRetries)
	}
	if c.MaxBackoffSeconds < 1 {
		return fmt.Errorf("MAX_BACKOFF_SECONDS must be at least 1, got %d", c.MaxBackoffSeconds)
	}
	if c.ConnectivityProbeIntervalSeconds <= 0 {
		return fmt.Errorf("CONNECTIVITY_PROBE_INTERVAL_SECONDS must be positive, got %d", c.ConnectivityProbeIntervalSeconds)
	}
	return nil
}

// SyncInterval returns the sync loop interval as a duration.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSeconds) * time.Second
}

// MaxBackoff returns the retry backoff cap as a duration.
func (c *Config) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffSeconds) * time.Second
}

// CacheTTL returns the default cache entry lifetime as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheDefaultTTLHours) * time.Hour
}

// SyncedRetention returns the grace period before synced operations are
// garbage collected.
func (c *Config) SyncedRetention() time.Duration {
	return time.Duration(c.SyncedRetentionHours) * time.Hour
}

// ProbeInterval returns the connectivity probe interval as a duration.
func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.ConnectivityProbeIntervalSeconds) * time.Second
}

// RemoteTimeout returns the per-call remote timeout as a duration.
func (c *Config) RemoteTimeout() time.Duration {
	return time.Duration(c.RemoteTimeoutSeconds) * time.Second
}
