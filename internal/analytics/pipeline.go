package analytics

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kubilitics/orderwatch/internal/analytics/anomaly"
	"github.com/kubilitics/orderwatch/internal/analytics/forecast"
	"github.com/kubilitics/orderwatch/internal/analytics/ml"
	"github.com/kubilitics/orderwatch/internal/analytics/timeseries"
	"github.com/kubilitics/orderwatch/internal/audit"
	"github.com/kubilitics/orderwatch/internal/config"
	"github.com/kubilitics/orderwatch/internal/metrics"
)

// ErrWindowMismatch is returned when a pre-filled aggregator uses a different
// window than the engine.
var ErrWindowMismatch = errors.New("aggregator window does not match engine window")

// DefaultMaxBuckets bounds the zero-filled series of a single run.
const DefaultMaxBuckets = 1_000_000

// EngineConfig holds the parameters of every detector.
type EngineConfig struct {
	Window   time.Duration
	Location *time.Location

	// MaxBuckets caps (windows x origins) after zero-fill; 0 disables the cap.
	MaxBuckets int

	ZScoreThreshold float64

	Outlier struct {
		Contamination float64
		Seed          int64
		Mode          ml.Mode
		NumTrees      int
		SampleSize    int
	}

	Forecast struct {
		Origins       []string
		MinPeriods    int
		IntervalWidth float64
		Params        forecast.Params
	}
}

// DefaultEngineConfig returns defaults for an hourly window.
func DefaultEngineConfig() EngineConfig {
	var cfg EngineConfig
	cfg.Window = time.Hour
	cfg.Location = time.UTC
	cfg.MaxBuckets = DefaultMaxBuckets
	cfg.ZScoreThreshold = anomaly.DefaultThreshold
	cfg.Outlier.Contamination = ml.DefaultContamination
	cfg.Outlier.Seed = ml.DefaultSeed
	cfg.Outlier.Mode = ml.ModeNormalized
	cfg.Outlier.NumTrees = ml.DefaultNumTrees
	cfg.Outlier.SampleSize = ml.DefaultSampleSize
	cfg.Forecast.Origins = forecast.DefaultOrigins
	cfg.Forecast.MinPeriods = forecast.DefaultMinPeriods
	cfg.Forecast.IntervalWidth = forecast.DefaultIntervalWidth
	cfg.Forecast.Params = forecast.DefaultParams()
	return cfg
}

// EngineConfigFrom maps loaded configuration onto engine parameters.
func EngineConfigFrom(c *config.Config) (EngineConfig, error) {
	cfg := DefaultEngineConfig()

	window, err := c.Window()
	if err != nil {
		return cfg, err
	}
	loc, err := c.Location()
	if err != nil {
		return cfg, fmt.Errorf("timezone %q: %w", c.Engine.Timezone, err)
	}
	mode, err := ml.ParseMode(c.Outlier.Mode)
	if err != nil {
		return cfg, err
	}

	cfg.Window = window
	cfg.Location = loc
	cfg.MaxBuckets = c.Engine.MaxBuckets
	cfg.ZScoreThreshold = c.ZScore.Threshold
	cfg.Outlier.Contamination = c.Outlier.Contamination
	cfg.Outlier.Seed = c.Outlier.Seed
	cfg.Outlier.Mode = mode
	cfg.Outlier.NumTrees = c.Outlier.NumTrees
	cfg.Outlier.SampleSize = c.Outlier.SampleSize
	cfg.Forecast.Origins = slices.Clone(c.Forecast.Origins)
	cfg.Forecast.MinPeriods = c.Forecast.MinPeriods
	cfg.Forecast.IntervalWidth = c.Forecast.IntervalWidth
	cfg.Forecast.Params = forecast.Params{
		Alpha: c.Forecast.Alpha,
		Beta:  c.Forecast.Beta,
		Gamma: c.Forecast.Gamma,
		Omega: c.Forecast.Omega,
	}
	return cfg, nil
}

// Engine aggregates observations, runs the three detectors in parallel and
// assembles their outputs into a Report. An Engine holds no state between
// runs and is safe for concurrent use.
type Engine struct {
	cfg     EngineConfig
	logger  *zap.Logger
	auditor audit.Logger
	now     func() time.Time
}

// NewEngine validates cfg and builds an engine. logger and auditor may be nil.
func NewEngine(cfg EngineConfig, logger *zap.Logger, auditor audit.Logger) (*Engine, error) {
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("%w: %s", timeseries.ErrInvalidWindowSize, cfg.Window)
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if auditor == nil {
		auditor = audit.NewNop()
	}
	return &Engine{cfg: cfg, logger: logger, auditor: auditor, now: time.Now}, nil
}

// Config returns the engine parameters.
func (e *Engine) Config() EngineConfig {
	return e.cfg
}

// Run aggregates observations and scores the resulting buckets. Invalid input
// (a negative count or a timeline longer than MaxBuckets) aborts the run;
// detector failures do not.
func (e *Engine) Run(ctx context.Context, observations []timeseries.Observation) (*Report, error) {
	return e.run(ctx, len(observations), func() ([]timeseries.Bucket, error) {
		agg, err := timeseries.NewAggregator(e.cfg.Window)
		if err != nil {
			return nil, err
		}
		for _, obs := range observations {
			if err := agg.Add(obs); err != nil {
				return nil, err
			}
		}
		return agg.LimitedBuckets(e.cfg.MaxBuckets)
	})
}

// RunAggregated scores the buckets of an aggregator that was filled by a
// streaming reader.
func (e *Engine) RunAggregated(ctx context.Context, agg *timeseries.Aggregator) (*Report, error) {
	if agg.Window() != e.cfg.Window {
		return nil, fmt.Errorf("%w: %s != %s", ErrWindowMismatch, agg.Window(), e.cfg.Window)
	}
	return e.run(ctx, agg.Observations(), func() ([]timeseries.Bucket, error) {
		return agg.LimitedBuckets(e.cfg.MaxBuckets)
	})
}

func (e *Engine) run(ctx context.Context, observations int, aggregate func() ([]timeseries.Bucket, error)) (*Report, error) {
	runID := audit.GetCorrelationID(ctx)
	if runID == "" {
		runID = uuid.NewString()
		ctx = audit.WithCorrelationID(ctx, runID)
	}
	start := e.now()
	logger := e.logger.With(zap.String("run_id", runID))
	_ = e.auditor.LogRunStarted(ctx, runID, observations)

	report, err := e.execute(ctx, runID, logger, aggregate)
	if err != nil {
		metrics.RunsTotal.WithLabelValues("failed").Inc()
		logger.Error("run failed", zap.Error(err))
		_ = e.auditor.LogRunFailed(ctx, runID, err)
		return nil, err
	}

	elapsed := e.now().Sub(start)
	metrics.RunsTotal.WithLabelValues("completed").Inc()
	metrics.RunDuration.Observe(elapsed.Seconds())
	metrics.BucketsScored.Add(float64(report.Summary.Buckets))
	logger.Info("run completed",
		zap.Int("observations", observations),
		zap.Int("buckets", report.Summary.Buckets),
		zap.Int("flagged", report.Summary.FlaggedAny),
		zap.Duration("duration", elapsed),
	)
	_ = e.auditor.LogRunCompleted(ctx, runID, report.Summary.Buckets, report.Summary.FlaggedAny, elapsed)
	return report, nil
}

// detectorOutputs collects what the parallel detectors produced.
type detectorOutputs struct {
	mu sync.Mutex

	zscore   anomaly.ZScoreOutcome
	outliers map[timeseries.Key]ml.OutlierResult
	forecast forecast.ForecastOutcome
	errs     map[string]error
}

func (o *detectorOutputs) fail(detector string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errs[detector] = err
}

func (e *Engine) execute(ctx context.Context, runID string, logger *zap.Logger, aggregate func() ([]timeseries.Bucket, error)) (*Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buckets, err := aggregate()
	if err != nil {
		return nil, fmt.Errorf("aggregation failed: %w", err)
	}
	logger.Debug("observations aggregated", zap.Int("buckets", len(buckets)), zap.Duration("window", e.cfg.Window))

	out := &detectorOutputs{errs: make(map[string]error)}

	// Detectors share only the read-only bucket slice; each writes its own field.
	var g errgroup.Group
	g.Go(func() error {
		e.timed(logger, DetectorZScore, func() error {
			d := anomaly.NewZScoreDetector(e.cfg.ZScoreThreshold, e.cfg.Location, logger)
			out.zscore = d.Detect(buckets)
			return nil
		}, out)
		return nil
	})
	g.Go(func() error {
		e.timed(logger, DetectorOutlier, func() error {
			d := ml.NewOutlierDetector()
			d.Contamination = e.cfg.Outlier.Contamination
			d.Seed = e.cfg.Outlier.Seed
			d.Mode = e.cfg.Outlier.Mode
			d.NumTrees = e.cfg.Outlier.NumTrees
			d.SampleSize = e.cfg.Outlier.SampleSize
			d.Location = e.cfg.Location
			d.Logger = logger
			results, err := d.Detect(buckets)
			out.outliers = results
			return err
		}, out)
		return nil
	})
	g.Go(func() error {
		e.timed(logger, DetectorForecast, func() error {
			d := forecast.NewForecastDetector(e.cfg.Window)
			if e.cfg.Forecast.Origins != nil {
				d.Origins = e.cfg.Forecast.Origins
			}
			d.MinPeriods = e.cfg.Forecast.MinPeriods
			d.IntervalWidth = e.cfg.Forecast.IntervalWidth
			d.Params = e.cfg.Forecast.Params
			d.Logger = logger
			outcome, err := d.Detect(buckets)
			out.forecast = outcome
			return err
		}, out)
		return nil
	})
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	scored := Assemble(buckets, out.zscore.Results, out.outliers, out.forecast.Results)
	report := &Report{
		RunID:            runID,
		GeneratedAt:      e.now().UTC(),
		Window:           formatWindow(e.cfg.Window),
		Buckets:          scored,
		Summary:          Summarize(scored),
		UndefinedCohorts: len(out.zscore.UndefinedCohorts),
	}

	if len(out.forecast.Skipped) > 0 {
		report.SkippedForecasts = make(map[string]string, len(out.forecast.Skipped))
		for origin, reason := range out.forecast.Skipped {
			report.SkippedForecasts[origin] = reason.Error()
		}
	}
	if len(out.errs) > 0 {
		report.DetectorErrors = make(map[string]string, len(out.errs))
		for name, err := range out.errs {
			report.DetectorErrors[name] = err.Error()
		}
	}

	e.recordDataQuality(ctx, runID, out)
	recordFlags(scored)
	return report, nil
}

// timed runs one detector, recording its duration and isolating its error.
func (e *Engine) timed(logger *zap.Logger, name string, fn func() error, out *detectorOutputs) {
	start := time.Now()
	err := fn()
	elapsed := time.Since(start)
	metrics.DetectorDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	if err != nil {
		metrics.DetectorErrors.WithLabelValues(name).Inc()
		logger.Error("detector failed", zap.String("detector", name), zap.Error(err))
		out.fail(name, err)
		return
	}
	logger.Debug("detector finished", zap.String("detector", name), zap.Duration("duration", elapsed))
}

func (e *Engine) recordDataQuality(ctx context.Context, runID string, out *detectorOutputs) {
	if n := len(out.zscore.UndefinedCohorts); n > 0 {
		metrics.UndefinedCohorts.Add(float64(n))
		cohorts := make([]string, n)
		for i, k := range out.zscore.UndefinedCohorts {
			cohorts[i] = k.String()
		}
		_ = e.auditor.LogUndefinedBaselines(ctx, runID, cohorts)
	}

	skipped := make(map[string]string, len(out.forecast.Skipped))
	for origin, reason := range out.forecast.Skipped {
		skipped[origin] = reason.Error()
	}
	for _, origin := range sortedKeys(skipped) {
		metrics.ForecastSkipped.WithLabelValues(origin).Inc()
		_ = e.auditor.LogForecastSkipped(ctx, runID, origin, out.forecast.Skipped[origin])
	}

	errs := make(map[string]string, len(out.errs))
	for name, err := range out.errs {
		errs[name] = err.Error()
	}
	for _, name := range sortedKeys(errs) {
		_ = e.auditor.LogDetectorFailed(ctx, runID, name, out.errs[name])
	}
}

func recordFlags(scored []ScoredBucket) {
	for _, s := range scored {
		if s.IsAnomalousZScore {
			metrics.AnomaliesFlagged.WithLabelValues(DetectorZScore, s.Origin).Inc()
		}
		if s.IsAnomalousOutlier {
			metrics.AnomaliesFlagged.WithLabelValues(DetectorOutlier, s.Origin).Inc()
		}
		if s.IsAnomalousForecast != nil && *s.IsAnomalousForecast {
			metrics.AnomaliesFlagged.WithLabelValues(DetectorForecast, s.Origin).Inc()
		}
	}
}

// formatWindow renders whole minutes as "5min" and whole hours or days compactly.
func formatWindow(d time.Duration) string {
	switch {
	case d%(24*time.Hour) == 0:
		return strconv.FormatInt(int64(d/(24*time.Hour)), 10) + "d"
	case d%time.Hour == 0:
		return strconv.FormatInt(int64(d/time.Hour), 10) + "h"
	case d%time.Minute == 0:
		return strconv.FormatInt(int64(d/time.Minute), 10) + "min"
	default:
		return d.String()
	}
}
