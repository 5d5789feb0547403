package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment variable override.
const EnvPrefix = "ORDERWATCH"

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	viper      *viper.Viper
	watchChan  chan Config
	watchOnce  sync.Once

	mu     sync.RWMutex
	config *Config
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	m.viper = viper.New()

	if m.configPath != "" {
		m.viper.SetConfigFile(m.configPath)
		m.viper.SetConfigType("yaml")
	}

	// ORDERWATCH_OUTLIER_CONTAMINATION overrides outlier.contamination
	m.viper.SetEnvPrefix(EnvPrefix)
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()

	if m.configPath != "" {
		if err := m.viper.ReadInConfig(); err != nil {
			// A missing file falls back to defaults + env vars
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	cfg := m.unmarshalConfig()
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	return joinValidationErrors(m.Get(ctx).Validate())
}

// Watch watches for configuration changes and delivers every configuration
// read from the file. Only valid ones become current; consumers call
// ValidationErr to reject the rest. Without a config file the returned channel
// never fires.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	if m.configPath == "" || m.viper == nil {
		return m.watchChan
	}
	m.watchOnce.Do(func() {
		m.viper.OnConfigChange(func(e fsnotify.Event) {
			cfg := m.unmarshalConfig()
			if cfg.ValidationErr() == nil {
				m.mu.Lock()
				m.config = cfg
				m.mu.Unlock()
			}

			select {
			case m.watchChan <- *cfg:
			default:
				// Channel full, skip this update
			}
		})
		m.viper.WatchConfig()
	})
	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if m.viper == nil {
		return m.Load(ctx)
	}
	if m.configPath != "" {
		if err := m.viper.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	cfg := m.unmarshalConfig()
	if err := joinValidationErrors(cfg.Validate()); err != nil {
		return err
	}
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	defaults := DefaultConfig()

	// Engine defaults
	m.viper.SetDefault("engine.window_size", defaults.Engine.WindowSize)
	m.viper.SetDefault("engine.timezone", defaults.Engine.Timezone)
	m.viper.SetDefault("engine.max_buckets", defaults.Engine.MaxBuckets)

	// Z-score defaults
	m.viper.SetDefault("zscore.threshold", defaults.ZScore.Threshold)

	// Outlier defaults
	m.viper.SetDefault("outlier.contamination", defaults.Outlier.Contamination)
	m.viper.SetDefault("outlier.seed", defaults.Outlier.Seed)
	m.viper.SetDefault("outlier.mode", defaults.Outlier.Mode)
	m.viper.SetDefault("outlier.num_trees", defaults.Outlier.NumTrees)
	m.viper.SetDefault("outlier.sample_size", defaults.Outlier.SampleSize)

	// Forecast defaults
	m.viper.SetDefault("forecast.origins", defaults.Forecast.Origins)
	m.viper.SetDefault("forecast.min_periods", defaults.Forecast.MinPeriods)
	m.viper.SetDefault("forecast.interval_width", defaults.Forecast.IntervalWidth)
	m.viper.SetDefault("forecast.alpha", defaults.Forecast.Alpha)
	m.viper.SetDefault("forecast.beta", defaults.Forecast.Beta)
	m.viper.SetDefault("forecast.gamma", defaults.Forecast.Gamma)
	m.viper.SetDefault("forecast.omega", defaults.Forecast.Omega)

	// Logging defaults
	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)
	m.viper.SetDefault("logging.path", defaults.Logging.Path)
	m.viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	m.viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	m.viper.SetDefault("logging.max_age_days", defaults.Logging.MaxAgeDays)
	m.viper.SetDefault("logging.compress", defaults.Logging.Compress)

	// Audit defaults
	m.viper.SetDefault("audit.enabled", defaults.Audit.Enabled)
	m.viper.SetDefault("audit.path", defaults.Audit.Path)

	// Database defaults
	m.viper.SetDefault("database.enabled", defaults.Database.Enabled)
	m.viper.SetDefault("database.sqlite_path", defaults.Database.SQLitePath)

	// Server defaults
	m.viper.SetDefault("server.host", defaults.Server.Host)
	m.viper.SetDefault("server.port", defaults.Server.Port)
	m.viper.SetDefault("server.read_timeout", defaults.Server.ReadTimeout)
	m.viper.SetDefault("server.write_timeout", defaults.Server.WriteTimeout)
	m.viper.SetDefault("server.max_body_mb", defaults.Server.MaxBodyMB)
	m.viper.SetDefault("server.rate_limit", defaults.Server.RateLimit)

	// Metrics defaults
	m.viper.SetDefault("metrics.enabled", defaults.Metrics.Enabled)
}

// unmarshalConfig reads the merged viper state into a new Config.
func (m *viperConfigManager) unmarshalConfig() *Config {
	cfg := &Config{}

	// Engine
	cfg.Engine.WindowSize = m.viper.GetString("engine.window_size")
	cfg.Engine.Timezone = m.viper.GetString("engine.timezone")
	cfg.Engine.MaxBuckets = m.viper.GetInt("engine.max_buckets")

	// Z-score
	cfg.ZScore.Threshold = m.viper.GetFloat64("zscore.threshold")

	// Outlier
	cfg.Outlier.Contamination = m.viper.GetFloat64("outlier.contamination")
	cfg.Outlier.Seed = m.viper.GetInt64("outlier.seed")
	cfg.Outlier.Mode = m.viper.GetString("outlier.mode")
	cfg.Outlier.NumTrees = m.viper.GetInt("outlier.num_trees")
	cfg.Outlier.SampleSize = m.viper.GetInt("outlier.sample_size")

	// Forecast
	cfg.Forecast.Origins = splitList(m.viper.GetStringSlice("forecast.origins"))
	if cfg.Forecast.Origins == nil && m.viper.IsSet("forecast.origins") {
		// An explicit empty list turns forecasting off.
		cfg.Forecast.Origins = []string{}
	}
	cfg.Forecast.MinPeriods = m.viper.GetInt("forecast.min_periods")
	cfg.Forecast.IntervalWidth = m.viper.GetFloat64("forecast.interval_width")
	cfg.Forecast.Alpha = m.viper.GetFloat64("forecast.alpha")
	cfg.Forecast.Beta = m.viper.GetFloat64("forecast.beta")
	cfg.Forecast.Gamma = m.viper.GetFloat64("forecast.gamma")
	cfg.Forecast.Omega = m.viper.GetFloat64("forecast.omega")

	// Logging
	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")
	cfg.Logging.Path = m.viper.GetString("logging.path")
	cfg.Logging.MaxSizeMB = m.viper.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = m.viper.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = m.viper.GetInt("logging.max_age_days")
	cfg.Logging.Compress = m.viper.GetBool("logging.compress")

	// Audit
	cfg.Audit.Enabled = m.viper.GetBool("audit.enabled")
	cfg.Audit.Path = m.viper.GetString("audit.path")

	// Database
	cfg.Database.Enabled = m.viper.GetBool("database.enabled")
	cfg.Database.SQLitePath = m.viper.GetString("database.sqlite_path")

	// Server
	cfg.Server.Host = m.viper.GetString("server.host")
	cfg.Server.Port = m.viper.GetInt("server.port")
	cfg.Server.ReadTimeout = m.viper.GetInt("server.read_timeout")
	cfg.Server.WriteTimeout = m.viper.GetInt("server.write_timeout")
	cfg.Server.MaxBodyMB = m.viper.GetInt("server.max_body_mb")
	cfg.Server.RateLimit = m.viper.GetInt("server.rate_limit")

	// Metrics
	cfg.Metrics.Enabled = m.viper.GetBool("metrics.enabled")

	return cfg
}

// splitList accepts both YAML lists and comma-separated environment values.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func joinValidationErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	var errMsgs []string
	for _, err := range errs {
		errMsgs = append(errMsgs, err.Error())
	}
	return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
}
