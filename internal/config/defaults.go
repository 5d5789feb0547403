package config

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Engine defaults
	cfg.Engine.WindowSize = "1h"
	cfg.Engine.Timezone = "UTC"
	cfg.Engine.MaxBuckets = 1_000_000

	// Z-score defaults
	cfg.ZScore.Threshold = 2.5

	// Outlier defaults
	cfg.Outlier.Contamination = 0.01
	cfg.Outlier.Seed = 42
	cfg.Outlier.Mode = "normalized"
	cfg.Outlier.NumTrees = 100
	cfg.Outlier.SampleSize = 256

	// Forecast defaults
	cfg.Forecast.Origins = []string{"site"}
	cfg.Forecast.MinPeriods = 2 // weeks
	cfg.Forecast.IntervalWidth = 0.999
	cfg.Forecast.Alpha = 0.1
	cfg.Forecast.Beta = 0
	cfg.Forecast.Gamma = 0.1
	cfg.Forecast.Omega = 0.1

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.Path = "" // stderr
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 10
	cfg.Logging.MaxAgeDays = 30
	cfg.Logging.Compress = true

	// Audit defaults
	cfg.Audit.Enabled = false
	cfg.Audit.Path = "logs/audit.log"

	// Database defaults
	cfg.Database.Enabled = false
	cfg.Database.SQLitePath = "orderwatch.db"

	// Server defaults
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 8090
	cfg.Server.ReadTimeout = 30
	cfg.Server.WriteTimeout = 120
	cfg.Server.MaxBodyMB = 32
	cfg.Server.RateLimit = 60

	// Metrics defaults
	cfg.Metrics.Enabled = true

	return cfg
}
