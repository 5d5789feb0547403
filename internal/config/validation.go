package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/kubilitics/orderwatch/internal/analytics/ml"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// ValidationErr joins the errors of Validate into one, or returns nil.
func (c *Config) ValidationErr() error {
	return joinValidationErrors(c.Validate())
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error

	// Validate engine configuration
	if _, err := c.Window(); err != nil {
		errs = append(errs, &ValidationError{
			Field:   "engine.window_size",
			Message: err.Error(),
		})
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, &ValidationError{
			Field:   "engine.timezone",
			Message: fmt.Sprintf("unknown timezone '%s': %v", c.Engine.Timezone, err),
		})
	}

	if c.Engine.MaxBuckets < 0 {
		errs = append(errs, &ValidationError{
			Field:   "engine.max_buckets",
			Message: fmt.Sprintf("max_buckets must not be negative, got %d", c.Engine.MaxBuckets),
		})
	}

	// Validate z-score configuration
	if !(c.ZScore.Threshold > 0) || math.IsInf(c.ZScore.Threshold, 0) {
		errs = append(errs, &ValidationError{
			Field:   "zscore.threshold",
			Message: fmt.Sprintf("threshold must be a positive number, got %v", c.ZScore.Threshold),
		})
	}

	// Validate outlier configuration
	if !(c.Outlier.Contamination > 0 && c.Outlier.Contamination <= 0.5) {
		errs = append(errs, &ValidationError{
			Field:   "outlier.contamination",
			Message: fmt.Sprintf("contamination must be in (0, 0.5], got %v", c.Outlier.Contamination),
		})
	}
	if _, err := ml.ParseMode(c.Outlier.Mode); err != nil {
		errs = append(errs, &ValidationError{
			Field:   "outlier.mode",
			Message: fmt.Sprintf("invalid mode '%s', must be one of: normalized, per_origin, joint", c.Outlier.Mode),
		})
	}
	if c.Outlier.NumTrees < 1 {
		errs = append(errs, &ValidationError{
			Field:   "outlier.num_trees",
			Message: fmt.Sprintf("num_trees must be at least 1, got %d", c.Outlier.NumTrees),
		})
	}
	if c.Outlier.SampleSize < 2 {
		errs = append(errs, &ValidationError{
			Field:   "outlier.sample_size",
			Message: fmt.Sprintf("sample_size must be at least 2, got %d", c.Outlier.SampleSize),
		})
	}

	// Validate forecast configuration
	if c.Forecast.MinPeriods < 1 {
		errs = append(errs, &ValidationError{
			Field:   "forecast.min_periods",
			Message: fmt.Sprintf("min_periods must be at least 1 week, got %d", c.Forecast.MinPeriods),
		})
	}
	if !(c.Forecast.IntervalWidth > 0 && c.Forecast.IntervalWidth < 1) {
		errs = append(errs, &ValidationError{
			Field:   "forecast.interval_width",
			Message: fmt.Sprintf("interval_width must be in (0, 1), got %v", c.Forecast.IntervalWidth),
		})
	}
	weights := []struct {
		name  string
		value float64
	}{
		{"alpha", c.Forecast.Alpha},
		{"beta", c.Forecast.Beta},
		{"gamma", c.Forecast.Gamma},
		{"omega", c.Forecast.Omega},
	}
	for _, w := range weights {
		if !(w.value >= 0 && w.value <= 1) {
			errs = append(errs, &ValidationError{
				Field:   "forecast." + w.name,
				Message: fmt.Sprintf("%s must be within [0, 1], got %v", w.name, w.value),
			})
		}
	}
	if window, err := c.Window(); err == nil && window > 0 && (24*time.Hour)%window != 0 {
		errs = append(errs, &ValidationError{
			Field:   "engine.window_size",
			Message: fmt.Sprintf("window %s must divide 24h for forecasting", window),
		})
	}

	// Validate logging configuration
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level),
		})
	}

	validLogFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validLogFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format '%s', must be one of: json, console", c.Logging.Format),
		})
	}

	// Validate audit configuration
	if c.Audit.Enabled && c.Audit.Path == "" {
		errs = append(errs, &ValidationError{
			Field:   "audit.path",
			Message: "path is required when audit is enabled",
		})
	}

	// Validate database configuration
	if c.Database.Enabled && c.Database.SQLitePath == "" {
		errs = append(errs, &ValidationError{
			Field:   "database.sqlite_path",
			Message: "sqlite_path is required when the database is enabled",
		})
	}

	// Validate server configuration
	// Port 0 binds an ephemeral port.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 0 and 65535, got %d", c.Server.Port),
		})
	}
	if c.Server.ReadTimeout < 1 || c.Server.WriteTimeout < 1 {
		errs = append(errs, &ValidationError{
			Field:   "server.timeouts",
			Message: fmt.Sprintf("timeouts must be at least 1 second, got read=%d write=%d", c.Server.ReadTimeout, c.Server.WriteTimeout),
		})
	}
	if c.Server.MaxBodyMB < 1 {
		errs = append(errs, &ValidationError{
			Field:   "server.max_body_mb",
			Message: fmt.Sprintf("max_body_mb must be at least 1, got %d", c.Server.MaxBodyMB),
		})
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, &ValidationError{
			Field:   "server.rate_limit",
			Message: fmt.Sprintf("rate_limit cannot be negative, got %d", c.Server.RateLimit),
		})
	}

	return errs
}
