// Package alertfeed implements the client core of the alert delivery
// and escalation feed: a live subscription with polling fallback, an
// idempotent ordered event queue, optimistic mutations with rollback,
// and activity-aware escalation countdowns.
//
// # Session lifecycle
//
//  1. Load configuration
//  2. Open a Session for one scope
//  3. Feed it activity and lifecycle signals
//  4. Read alert state through the cache, act through the Session
//  5. Close to tear down the scope
package alertfeed

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete feed configuration.
type Config struct {
	Authority    AuthorityConfig    `yaml:"authority"`
	ScopeID      string             `yaml:"scope_id"`
	Reconnect    ReconnectConfig    `yaml:"reconnect"`
	Heartbeat    HeartbeatConfig    `yaml:"heartbeat"`
	Polling      PollingConfig      `yaml:"polling"`
	Activity     ActivityConfig     `yaml:"activity"`
	Dedup        DedupConfig        `yaml:"dedup"`
	Capabilities CapabilitiesConfig `yaml:"capabilities"`
	Cache        CacheConfig        `yaml:"cache"`

	// ShowNotifications is a pass-through flag for the embedding UI:
	// whether user-facing toasts should accompany events. The core only
	// carries it.
	ShowNotifications bool `yaml:"show_notifications"`
}

// AuthorityConfig defines how to reach the alert authority.
type AuthorityConfig struct {
	URL   string `yaml:"url"`   // e.g., https://alerts.example.org
	Token string `yaml:"token"` // Bearer token

	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"`
}

// ReconnectConfig defines the backoff policy after transport failures.
type ReconnectConfig struct {
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	MaxRetries int           `yaml:"max_retries"`
}

// HeartbeatConfig defines liveness probing of the subscription socket.
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// PollingConfig defines the fallback pull cadence.
type PollingConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`

	// MetricsInterval paces the aggregate metrics stream; zero disables
	// it.
	MetricsInterval time.Duration `yaml:"metrics_interval"`
}

// ActivityConfig defines inactivity detection.
type ActivityConfig struct {
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
}

// DedupConfig bounds the event queue's seen-id set.
type DedupConfig struct {
	Retention  time.Duration `yaml:"retention"`
	MaxEntries int           `yaml:"max_entries"`
}

// CapabilitiesConfig describes the embedding platform.
type CapabilitiesConfig struct {
	PersistentBackgroundSocket bool `yaml:"persistent_background_socket"`
}

// CacheConfig selects the snapshot cache backend. An empty RedisURL
// keeps snapshots in process memory.
type CacheConfig struct {
	RedisURL string `yaml:"redis_url,omitempty"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Authority: AuthorityConfig{
			RequestTimeout: 15 * time.Second,
		},
		Reconnect: ReconnectConfig{
			BaseDelay:  1 * time.Second,
			MaxDelay:   30 * time.Second,
			MaxRetries: 5,
		},
		Heartbeat: HeartbeatConfig{
			Interval: 25 * time.Second,
			Timeout:  60 * time.Second,
		},
		Polling: PollingConfig{
			Enabled:         true,
			Interval:        5 * time.Second,
			MetricsInterval: 30 * time.Second,
		},
		Activity: ActivityConfig{
			InactivityTimeout: 45 * time.Second,
		},
		Dedup: DedupConfig{
			Retention:  10 * time.Minute,
			MaxEntries: 4096,
		},
		ShowNotifications: true,
	}
}

// LoadConfig loads configuration from a YAML file on top of defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// Validate checks that required configuration is present and sane.
func (c *Config) Validate() error {
	if c.Authority.URL == "" {
		return fmt.Errorf("authority.url is required")
	}
	if c.ScopeID == "" {
		return fmt.Errorf("scope_id is required")
	}
	if c.Reconnect.MaxRetries <= 0 {
		return fmt.Errorf("reconnect.max_retries must be positive")
	}
	if c.Polling.Enabled && c.Polling.Interval <= 0 {
		return fmt.Errorf("polling.interval must be positive when polling is enabled")
	}
	if c.Heartbeat.Timeout <= c.Heartbeat.Interval {
		return fmt.Errorf("heartbeat.timeout must exceed heartbeat.interval")
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides.
// Environment variables use the ALERTFEED_ prefix:
// - ALERTFEED_AUTHORITY_URL
// - ALERTFEED_AUTHORITY_TOKEN
// - ALERTFEED_SCOPE_ID
// - ALERTFEED_CACHE_REDIS_URL
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("ALERTFEED_AUTHORITY_URL"); v != "" {
		c.Authority.URL = v
	}
	if v := os.Getenv("ALERTFEED_AUTHORITY_TOKEN"); v != "" {
		c.Authority.Token = v
	}
	if v := os.Getenv("ALERTFEED_SCOPE_ID"); v != "" {
		c.ScopeID = v
	}
	if v := os.Getenv("ALERTFEED_CACHE_REDIS_URL"); v != "" {
		c.Cache.RedisURL = v
	}
}
