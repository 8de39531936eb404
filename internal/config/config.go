// Package config loads process configuration from YAML and environment
// variables. The feed-adapter registry lives in internal/adapter.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level process configuration, loaded from a YAML file
// with environment variables overriding individual fields where noted.
type Config struct {
	DatabaseURL string `yaml:"database_url"`
	QueueURL    string `yaml:"queue_url"`
	APIPort     int    `yaml:"api_port"`
	ActiveFeed  string `yaml:"active_feed"`

	Feeds map[string]FeedConfig `yaml:"feeds"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Heatmap   HeatmapConfig   `yaml:"heatmap"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Cache     CacheConfig     `yaml:"cache"`
}

// FeedConfig describes one registered feed: which adapter implements it,
// and feed-specific tuning.
type FeedConfig struct {
	Adapter      string `yaml:"adapter"`
	BaseURL      string `yaml:"base_url"`
	MaxPageSize  int    `yaml:"max_page_size"`
	SafetyBuffer string `yaml:"safety_buffer"`
	FullRunStart string `yaml:"full_run_start"`
	MaxWorkers   int    `yaml:"max_workers"`
	MinWorkers   int    `yaml:"min_records_per_worker"`
}

// RateLimitConfig holds the rate limiter's defaults, overridable per deployment.
type RateLimitConfig struct {
	N         int `yaml:"n"`
	WindowMS  int `yaml:"window_ms"`
	MaxWaitMS int `yaml:"max_wait_ms"`
	BaseDelay int `yaml:"base_delay_ms"`
	JitterMS  int `yaml:"jitter_ms"`
}

// HeatmapConfig holds the heatmap partitioner's defaults.
type HeatmapConfig struct {
	DenseZoneThreshold  float64 `yaml:"dense_zone_threshold"`
	DenseZoneStep       float64 `yaml:"dense_zone_step"`
	InitialStep         float64 `yaml:"initial_step"`
	TargetPerChunk      int     `yaml:"target_per_chunk"`
	MaxRefinements      int     `yaml:"max_refinements"`
	MaxScanWorkers      int     `yaml:"max_scan_workers"`
	MaxWorkers          int     `yaml:"max_workers"`
	MinRecordsPerWorker int     `yaml:"min_records_per_worker"`
	PriceMax            float64 `yaml:"price_max"`
}

// MonitorConfig holds the stall/retry monitor's defaults.
type MonitorConfig struct {
	IntervalSeconds    int `yaml:"interval_seconds"`
	StallMinutes       int `yaml:"stall_minutes"`
	MaxRetries         int `yaml:"max_retries"`
	BaseBackoffSeconds int `yaml:"base_backoff_seconds"`
}

// CacheConfig holds the response cache's defaults.
type CacheConfig struct {
	MaxEntries  int `yaml:"max_entries"`
	TTLSeconds  int `yaml:"ttl_seconds"`
	PollSeconds int `yaml:"poll_seconds"`
}

// Defaults returns a Config pre-populated with sane baseline values,
// hardcoded here before env overrides are applied.
func Defaults() Config {
	return Config{
		APIPort: 8080,
		RateLimit: RateLimitConfig{
			N: 2, WindowMS: 1000, MaxWaitMS: 30000, BaseDelay: 100, JitterMS: 50,
		},
		Heatmap: HeatmapConfig{
			DenseZoneThreshold: 20000, DenseZoneStep: 100, InitialStep: 500,
			TargetPerChunk: 500, MaxRefinements: 6, MaxScanWorkers: 8,
			MaxWorkers: 64, MinRecordsPerWorker: 10, PriceMax: 1000000,
		},
		Monitor: MonitorConfig{
			IntervalSeconds: 60, StallMinutes: 15, MaxRetries: 5, BaseBackoffSeconds: 30,
		},
		Cache: CacheConfig{
			MaxEntries: 2048, TTLSeconds: 300, PollSeconds: 60,
		},
	}
}

// Load reads a YAML config file and layers it over Defaults().
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides mirrors main.go's convention of letting a handful of
// env vars win over the checked-in config for deployment-time tuning.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("QUEUE_URL"); v != "" {
		cfg.QueueURL = v
	}
	if v := os.Getenv("ACTIVE_FEED"); v != "" {
		cfg.ActiveFeed = v
	}
	if v := os.Getenv("API_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.APIPort = p
		}
	}
}

// SafetyBufferDuration parses a FeedConfig's safety buffer string, defaulting
// to 15 minutes when unset or unparsable.
func (f FeedConfig) SafetyBufferDuration() time.Duration {
	if f.SafetyBuffer == "" {
		return 15 * time.Minute
	}
	d, err := time.ParseDuration(f.SafetyBuffer)
	if err != nil {
		return 15 * time.Minute
	}
	return d
}
