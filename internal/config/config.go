package config

import (
	"context"
	"time"
	_ "time/tzdata" // timezone lookups without a system zoneinfo

	"github.com/kubilitics/orderwatch/internal/analytics/timeseries"
)

// Package config provides configuration management for orderwatch.
//
// Responsibilities:
//   - Load configuration from YAML files and environment variables
//   - Validate configuration on startup and on reload
//   - Support configuration reloading for the HTTP server
//   - Establish reasonable defaults
//
// Configuration Sources (priority order, high to low):
//   1. CLI flags (applied by the caller after Load)
//   2. Environment variables (ORDERWATCH_* prefix, e.g. ORDERWATCH_ZSCORE_THRESHOLD)
//   3. YAML config file
//   4. Built-in defaults (lowest priority)
//
// Main Configuration Sections:
//
//   1. Engine
//      - window_size: aggregation window ("1h", "5min", "1d", Go durations)
//      - timezone: IANA zone for hour/weekday features (default UTC)
//      - max_buckets: limit on windows x origins after zero-fill (default 1000000)
//
//   2. ZScore
//      - threshold: flag when z < -threshold (default 2.5)
//
//   3. Outlier
//      - contamination: share of buckets flagged (default 0.01)
//      - seed, num_trees, sample_size: isolation forest parameters
//      - mode: "normalized" | "per_origin" | "joint"
//
//   4. Forecast
//      - origins: origins to forecast, "*" for all (default [site])
//      - min_periods: full weeks of history required (default 2)
//      - interval_width: two-sided prediction interval (default 0.999)
//      - alpha, beta, gamma, omega: smoothing weights
//
//   5. Logging, Audit, Database, Server, Metrics
//
// Config struct contains all configuration fields
type Config struct {
	// Engine configuration
	Engine struct {
		WindowSize string `yaml:"window_size"`
		Timezone   string `yaml:"timezone"`
		MaxBuckets int    `yaml:"max_buckets"` // 0 disables the limit
	} `yaml:"engine"`

	// Z-score detector configuration
	ZScore struct {
		Threshold float64 `yaml:"threshold"`
	} `yaml:"zscore"`

	// Outlier detector configuration
	Outlier struct {
		Contamination float64 `yaml:"contamination"`
		Seed          int64   `yaml:"seed"`
		Mode          string  `yaml:"mode"`
		NumTrees      int     `yaml:"num_trees"`
		SampleSize    int     `yaml:"sample_size"`
	} `yaml:"outlier"`

	// Forecast detector configuration
	Forecast struct {
		Origins       []string `yaml:"origins"`
		MinPeriods    int      `yaml:"min_periods"`
		IntervalWidth float64  `yaml:"interval_width"`
		Alpha         float64  `yaml:"alpha"`
		Beta          float64  `yaml:"beta"`
		Gamma         float64  `yaml:"gamma"`
		Omega         float64  `yaml:"omega"`
	} `yaml:"forecast"`

	// Logging configuration
	Logging struct {
		Level      string `yaml:"level"`
		Format     string `yaml:"format"`
		Path       string `yaml:"path"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"logging"`

	// Audit configuration
	Audit struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"audit"`

	// Database configuration
	Database struct {
		Enabled    bool   `yaml:"enabled"`
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"database"`

	// Server configuration
	Server struct {
		Host         string `yaml:"host"`
		Port         int    `yaml:"port"`
		ReadTimeout  int    `yaml:"read_timeout"`  // seconds
		WriteTimeout int    `yaml:"write_timeout"` // seconds
		MaxBodyMB    int    `yaml:"max_body_mb"`
		RateLimit    int    `yaml:"rate_limit"` // detect requests per minute per client, 0 disables
	} `yaml:"server"`

	// Metrics configuration
	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`
}

// Window parses Engine.WindowSize.
func (c *Config) Window() (time.Duration, error) {
	return timeseries.ParseWindow(c.Engine.WindowSize)
}

// Location loads Engine.Timezone; empty means UTC.
func (c *Config) Location() (*time.Location, error) {
	if c.Engine.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Engine.Timezone)
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches the config file and delivers every configuration read from
	// it, valid or not.
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources.
	Reload(ctx context.Context) error
}

// NewConfigManager creates a new configuration manager. An empty configPath
// uses defaults and environment variables only.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}
