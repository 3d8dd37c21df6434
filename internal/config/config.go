package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/elonfeng/bulkfeed/pkg/source"
)

// Config is the root configuration.
type Config struct {
	Graph    GraphConfig     `yaml:"graph"`
	Bulk     BulkConfig      `yaml:"bulk"`
	Sources  []source.Source `yaml:"sources"`
	Lookup   LookupConfig    `yaml:"lookup"`
	Database DatabaseConfig  `yaml:"database"`
	Schedule ScheduleConfig  `yaml:"schedule"`
	Alerts   AlertsConfig    `yaml:"alerts"`
	Server   ServerConfig    `yaml:"server"`
	Log      LogConfig       `yaml:"log"`
}

// GraphConfig configures the remote paging API.
type GraphConfig struct {
	AccessToken string   `yaml:"access_token"`
	BaseURL     string   `yaml:"base_url"`
	Version     string   `yaml:"version"`
	Timeout     string   `yaml:"timeout"`
	Fields      []string `yaml:"fields"`
}

// ParseTimeout returns the request timeout as time.Duration.
func (g GraphConfig) ParseTimeout() time.Duration {
	return parseDuration(g.Timeout, 30*time.Second)
}

// BulkConfig configures bulk runs.
type BulkConfig struct {
	BatchSize        int    `yaml:"batch_size"`
	MaxItems         int    `yaml:"max_items"`
	IncludeComments  bool   `yaml:"include_comments"`
	RequestInterval  string `yaml:"request_interval"`
	SourceDelay      string `yaml:"source_delay"`
	RateLimitBackoff string `yaml:"rate_limit_backoff"`
	TransientBackoff string `yaml:"transient_backoff"`
	MaxBackoff       string `yaml:"max_backoff"`
	MaxRetries       int    `yaml:"max_retries"`
}

// ParseRequestInterval returns the minimum spacing between page requests.
func (b BulkConfig) ParseRequestInterval() time.Duration {
	return parseDuration(b.RequestInterval, 500*time.Millisecond)
}

// ParseSourceDelay returns the pause between sources.
func (b BulkConfig) ParseSourceDelay() time.Duration {
	return parseDuration(b.SourceDelay, time.Second)
}

// ParseRateLimitBackoff returns the wait after a rate limit response.
func (b BulkConfig) ParseRateLimitBackoff() time.Duration {
	return parseDuration(b.RateLimitBackoff, 30*time.Second)
}

// ParseTransientBackoff returns the first wait after a transient failure.
func (b BulkConfig) ParseTransientBackoff() time.Duration {
	return parseDuration(b.TransientBackoff, 2*time.Second)
}

// ParseMaxBackoff returns the upper bound of transient backoff.
func (b BulkConfig) ParseMaxBackoff() time.Duration {
	return parseDuration(b.MaxBackoff, time.Minute)
}

// LookupConfig configures file indexing and key resolution.
type LookupConfig struct {
	ChunkSize       int    `yaml:"chunk_size"`
	YieldInterval   string `yaml:"yield_interval"`
	SearchLimit     int    `yaml:"search_limit"`
	RemoteSearchURL string `yaml:"remote_search_url"`
	RemoteTimeout   string `yaml:"remote_timeout"`
}

// ParseYieldInterval returns the pause after each ingested chunk.
func (l LookupConfig) ParseYieldInterval() time.Duration {
	return parseDuration(l.YieldInterval, 0)
}

// ParseRemoteTimeout returns the remote search request timeout.
func (l LookupConfig) ParseRemoteTimeout() time.Duration {
	return parseDuration(l.RemoteTimeout, 15*time.Second)
}

// DatabaseConfig configures storage. Posts and runs always go to SQLite;
// contacts go to MongoDB when MongoURI is set.
type DatabaseConfig struct {
	Path          string `yaml:"path"`
	MongoURI      string `yaml:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database"`
}

// ScheduleConfig configures periodic rolling-window loads.
type ScheduleConfig struct {
	Interval string `yaml:"interval"`
	Lookback string `yaml:"lookback"`
	Persist  bool   `yaml:"persist"`
}

// ParseInterval returns the load interval as time.Duration.
func (s ScheduleConfig) ParseInterval() time.Duration {
	return parseDuration(s.Interval, time.Hour)
}

// ParseLookback returns how far back each scheduled window reaches.
func (s ScheduleConfig) ParseLookback() time.Duration {
	return parseDuration(s.Lookback, 24*time.Hour)
}

// AlertsConfig configures alert destinations.
type AlertsConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// SlackConfig for Slack webhook alerts.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// DiscordConfig for Discord webhook alerts.
type DiscordConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// WebhookConfig for generic webhook alerts.
type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Secret  string `yaml:"secret"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LogConfig configures logging. An empty File logs to stderr.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Graph: GraphConfig{
			BaseURL: "https://graph.facebook.com",
			Version: "v19.0",
			Timeout: "30s",
		},
		Bulk: BulkConfig{
			BatchSize:        100,
			MaxItems:         1000,
			IncludeComments:  true,
			RequestInterval:  "500ms",
			SourceDelay:      "1s",
			RateLimitBackoff: "30s",
			TransientBackoff: "2s",
			MaxBackoff:       "1m",
			MaxRetries:       3,
		},
		Lookup: LookupConfig{
			ChunkSize:     1 << 20,
			SearchLimit:   50,
			RemoteTimeout: "15s",
		},
		Database: DatabaseConfig{
			Path:          "./bulkfeed.db",
			MongoDatabase: "bulkfeed",
		},
		Schedule: ScheduleConfig{
			Interval: "1h",
			Lookback: "24h",
			Persist:  true,
		},
		Server: ServerConfig{Port: 8080},
		Log:    LogConfig{Level: "info"},
	}
}

// Load reads configuration from a YAML file and applies env var overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configured sources.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		if s.ID == "" {
			return fmt.Errorf("sources[%d]: missing id", i)
		}
		if !s.Kind.Valid() {
			return fmt.Errorf("source %s: unknown kind %q", s.ID, s.Kind)
		}
		if seen[s.ID] {
			return fmt.Errorf("source %s: duplicate id", s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

// applyEnvOverrides overrides config values with environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BULKFEED_ACCESS_TOKEN"); v != "" {
		cfg.Graph.AccessToken = v
	}
	if v := os.Getenv("BULKFEED_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("BULKFEED_MONGO_URI"); v != "" {
		cfg.Database.MongoURI = v
	}
	if v := os.Getenv("BULKFEED_REMOTE_SEARCH_URL"); v != "" {
		cfg.Lookup.RemoteSearchURL = v
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Slack.WebhookURL = v
		cfg.Alerts.Slack.Enabled = true
	}
	if v := os.Getenv("DISCORD_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Discord.WebhookURL = v
		cfg.Alerts.Discord.Enabled = true
	}
	if v := os.Getenv("BULKFEED_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
