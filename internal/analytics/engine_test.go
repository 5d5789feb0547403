package analytics

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/orderwatch/internal/analytics/anomaly"
	"github.com/kubilitics/orderwatch/internal/analytics/forecast"
	"github.com/kubilitics/orderwatch/internal/analytics/ml"
	"github.com/kubilitics/orderwatch/internal/analytics/timeseries"
	"github.com/kubilitics/orderwatch/internal/audit"
	"github.com/kubilitics/orderwatch/internal/config"
	"github.com/kubilitics/orderwatch/internal/fixture"
)

var monday = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func weekendLift(t time.Time) float64 {
	if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return 1.3
	}
	return 1.0
}

// siteWeeks returns hourly "site" observations with a 30% weekend lift.
func siteWeeks(t *testing.T, weeks int, noise bool, seed int64) []timeseries.Observation {
	t.Helper()
	cfg := fixture.DefaultConfig(monday, monday.AddDate(0, 0, 7*weeks))
	cfg.Origins = []fixture.Origin{{Name: "site", Base: 100}}
	cfg.Seasonality = weekendLift
	cfg.Noise = noise
	cfg.DropRate = 0
	obs, _, err := fixture.Generate(cfg, rand.New(rand.NewSource(seed)))
	require.NoError(t, err)
	return obs
}

// dropAt scales the observation at ts to 20% of its count.
func dropAt(t *testing.T, obs []timeseries.Observation, ts time.Time) {
	t.Helper()
	for i := range obs {
		if obs[i].Timestamp.Equal(ts) {
			obs[i].Count = obs[i].Count / 5
			return
		}
	}
	t.Fatalf("no observation at %s", ts)
}

func findBucket(t *testing.T, report *Report, origin string, ts time.Time) ScoredBucket {
	t.Helper()
	for _, b := range report.Buckets {
		if b.Origin == origin && b.WindowStart.Equal(ts) {
			return b
		}
	}
	t.Fatalf("no bucket %s at %s", origin, ts)
	return ScoredBucket{}
}

func newEngine(t *testing.T, cfg EngineConfig, auditor audit.Logger) *Engine {
	t.Helper()
	e, err := NewEngine(cfg, nil, auditor)
	require.NoError(t, err)
	return e
}

func TestEngine_EndToEndDropIsCaught(t *testing.T) {
	for _, at := range []time.Time{
		monday.AddDate(0, 0, 17).Add(14 * time.Hour), // Thursday of week 3
		monday.AddDate(0, 0, 26).Add(3 * time.Hour),  // Saturday of week 4
		monday.AddDate(0, 0, 2).Add(10 * time.Hour),  // Wednesday of week 1
	} {
		t.Run(at.Format(time.RFC3339), func(t *testing.T) {
			obs := siteWeeks(t, 4, false, 1)
			dropAt(t, obs, at)

			report, err := newEngine(t, DefaultEngineConfig(), nil).Run(context.Background(), obs)
			require.NoError(t, err)
			require.Len(t, report.Buckets, 4*168)

			dropped := findBucket(t, report, "site", at)
			assert.True(t, dropped.IsAnomalousZScore || (dropped.IsAnomalousForecast != nil && *dropped.IsAnomalousForecast),
				"drop at %s not caught: %+v", at, dropped)
			assert.LessOrEqual(t, report.Summary.FlaggedAny, int(0.02*float64(len(report.Buckets))))
			assert.Equal(t, 1, report.Summary.FlaggedForecast)
			assert.Equal(t, 7, report.Summary.FlaggedOutlier)
			assert.Empty(t, report.DetectorErrors)
			assert.Empty(t, report.SkippedForecasts)
		})
	}
}

func TestEngine_EndToEndWithNoise(t *testing.T) {
	at := monday.AddDate(0, 0, 19).Add(20 * time.Hour)
	for seed := int64(1); seed <= 20; seed++ {
		obs := siteWeeks(t, 4, true, seed)
		dropAt(t, obs, at)

		report, err := newEngine(t, DefaultEngineConfig(), nil).Run(context.Background(), obs)
		require.NoError(t, err)

		dropped := findBucket(t, report, "site", at)
		assert.True(t, dropped.IsAnomalousZScore || (dropped.IsAnomalousForecast != nil && *dropped.IsAnomalousForecast),
			"seed %d: drop not caught", seed)
		assert.LessOrEqual(t, report.Summary.FlagRate(), 0.02,
			"seed %d: %d of %d buckets flagged (zscore %d, outlier %d, forecast %d)", seed,
			report.Summary.FlaggedAny, report.Summary.Buckets, report.Summary.FlaggedZScore,
			report.Summary.FlaggedOutlier, report.Summary.FlaggedForecast)
	}
}

func TestEngine_ZScoreCatchesDropWithLongHistory(t *testing.T) {
	// Twenty weeks alternating 90/110 give every cohort a tight spread.
	var obs []timeseries.Observation
	for ts := monday; ts.Before(monday.AddDate(0, 0, 140)); ts = ts.Add(time.Hour) {
		week := int(ts.Sub(monday) / (7 * 24 * time.Hour))
		count := int64(90)
		if week%2 == 1 {
			count = 110
		}
		obs = append(obs, timeseries.Observation{Timestamp: ts, Origin: "manual", Count: count})
	}
	at := monday.AddDate(0, 0, 130).Add(12 * time.Hour)
	dropAt(t, obs, at)

	report, err := newEngine(t, DefaultEngineConfig(), nil).Run(context.Background(), obs)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Summary.FlaggedZScore)

	dropped := findBucket(t, report, "manual", at)
	require.NotNil(t, dropped.ZScore)
	assert.True(t, dropped.IsAnomalousZScore)
	assert.Less(t, *dropped.ZScore, -2.5)
	// "manual" is not forecast by default.
	assert.Nil(t, dropped.IsAnomalousForecast)
	assert.Nil(t, dropped.ForecastYhat)
}

func TestEngine_InsufficientHistoryDegrades(t *testing.T) {
	obs := siteWeeks(t, 1, false, 1)

	report, err := newEngine(t, DefaultEngineConfig(), nil).Run(context.Background(), obs)
	require.NoError(t, err)
	require.Len(t, report.Buckets, 168)

	assert.Contains(t, report.SkippedForecasts, "site")
	assert.Contains(t, report.SkippedForecasts["site"], "insufficient history")
	for _, b := range report.Buckets {
		assert.Nil(t, b.ForecastYhat)
		assert.Nil(t, b.ForecastLower)
		assert.Nil(t, b.IsAnomalousForecast)
		assert.NotNil(t, b.OutlierScore)
	}
	// One sample per cohort: every z-score is undefined.
	assert.Equal(t, 168, report.UndefinedCohorts)
	assert.Equal(t, 0, report.Summary.FlaggedZScore)
}

func TestEngine_DetectorFailuresAreIsolated(t *testing.T) {
	obs := siteWeeks(t, 3, false, 1)

	t.Run("outlier", func(t *testing.T) {
		cfg := DefaultEngineConfig()
		cfg.Outlier.Contamination = 0.9
		report, err := newEngine(t, cfg, nil).Run(context.Background(), obs)
		require.NoError(t, err)

		assert.Contains(t, report.DetectorErrors, DetectorOutlier)
		assert.NotContains(t, report.DetectorErrors, DetectorForecast)
		for _, b := range report.Buckets {
			assert.Nil(t, b.OutlierScore)
			assert.False(t, b.IsAnomalousOutlier)
			assert.NotNil(t, b.IsAnomalousForecast)
		}
	})

	t.Run("forecast", func(t *testing.T) {
		cfg := DefaultEngineConfig()
		cfg.Forecast.IntervalWidth = 1.5
		report, err := newEngine(t, cfg, nil).Run(context.Background(), obs)
		require.NoError(t, err)

		assert.Contains(t, report.DetectorErrors, DetectorForecast)
		assert.Equal(t, 0, report.Summary.FlaggedForecast)
		for _, b := range report.Buckets {
			assert.Nil(t, b.IsAnomalousForecast)
			assert.NotNil(t, b.OutlierScore)
		}
	})

	t.Run("unsupported window", func(t *testing.T) {
		cfg := DefaultEngineConfig()
		cfg.Window = 7 * time.Hour
		report, err := newEngine(t, cfg, nil).Run(context.Background(), obs)
		require.NoError(t, err)
		assert.Contains(t, report.DetectorErrors[DetectorForecast], "divide 24h")
		assert.Equal(t, "7h", report.Window)
	})
}

func TestEngine_InvalidInput(t *testing.T) {
	_, err := NewEngine(EngineConfig{}, nil, nil)
	assert.ErrorIs(t, err, timeseries.ErrInvalidWindowSize)

	obs := []timeseries.Observation{
		{Timestamp: monday, Origin: "site", Count: 5},
		{Timestamp: monday.Add(time.Hour), Origin: "site", Count: -2},
	}
	report, err := newEngine(t, DefaultEngineConfig(), nil).Run(context.Background(), obs)
	assert.ErrorIs(t, err, timeseries.ErrNegativeCount)
	assert.Nil(t, report)
}

func TestEngine_TooManyBuckets(t *testing.T) {
	obs := []timeseries.Observation{
		{Timestamp: time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC), Origin: "site", Count: 1},
		{Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), Origin: "manual", Count: 1},
	}
	cfg := DefaultEngineConfig()
	cfg.Window = time.Minute
	e := newEngine(t, cfg, nil)

	report, err := e.Run(context.Background(), obs)
	assert.ErrorIs(t, err, timeseries.ErrTooManyBuckets)
	assert.Nil(t, report)

	agg, err := timeseries.NewAggregator(time.Minute)
	require.NoError(t, err)
	for _, o := range obs {
		require.NoError(t, agg.Add(o))
	}
	_, err = e.RunAggregated(context.Background(), agg)
	assert.ErrorIs(t, err, timeseries.ErrTooManyBuckets)

	cfg.MaxBuckets = 100
	cfg.Window = time.Hour
	_, err = newEngine(t, cfg, nil).Run(context.Background(), siteWeeks(t, 1, false, 1))
	assert.ErrorIs(t, err, timeseries.ErrTooManyBuckets)
}

func TestEngine_ForecastDisabled(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.Forecast.Origins = []string{}
	report, err := newEngine(t, cfg, nil).Run(context.Background(), siteWeeks(t, 3, false, 1))
	require.NoError(t, err)

	assert.Empty(t, report.SkippedForecasts)
	assert.Empty(t, report.DetectorErrors)
	assert.Zero(t, report.Summary.FlaggedForecast)
	for _, b := range report.Buckets {
		assert.Nil(t, b.IsAnomalousForecast)
	}
}

func TestEngine_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newEngine(t, DefaultEngineConfig(), nil).Run(ctx, siteWeeks(t, 1, false, 1))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEngine_RunAggregated(t *testing.T) {
	obs := siteWeeks(t, 2, false, 1)
	agg, err := timeseries.NewAggregator(time.Hour)
	require.NoError(t, err)
	for _, o := range obs {
		require.NoError(t, agg.Add(o))
	}

	e := newEngine(t, DefaultEngineConfig(), nil)
	streamed, err := e.RunAggregated(context.Background(), agg)
	require.NoError(t, err)
	direct, err := e.Run(context.Background(), obs)
	require.NoError(t, err)
	assert.Equal(t, direct.Buckets, streamed.Buckets)
	assert.NotEqual(t, direct.RunID, streamed.RunID)

	other, err := timeseries.NewAggregator(5 * time.Minute)
	require.NoError(t, err)
	_, err = e.RunAggregated(context.Background(), other)
	assert.ErrorIs(t, err, ErrWindowMismatch)
}

func TestEngine_RunIDFromContext(t *testing.T) {
	ctx := audit.WithCorrelationID(context.Background(), "run-fixed")
	report, err := newEngine(t, DefaultEngineConfig(), nil).Run(ctx, siteWeeks(t, 1, false, 1))
	require.NoError(t, err)
	assert.Equal(t, "run-fixed", report.RunID)
	assert.Equal(t, "1h", report.Window)
}

// recordingAuditor keeps the event types it receives.
type recordingAuditor struct {
	audit.Logger
	mu     sync.Mutex
	events []audit.EventType
}

func (r *recordingAuditor) add(t audit.EventType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, t)
	return nil
}

func (r *recordingAuditor) LogRunStarted(context.Context, string, int) error {
	return r.add(audit.EventRunStarted)
}

func (r *recordingAuditor) LogRunCompleted(context.Context, string, int, int, time.Duration) error {
	return r.add(audit.EventRunCompleted)
}

func (r *recordingAuditor) LogRunFailed(context.Context, string, error) error {
	return r.add(audit.EventRunFailed)
}

func (r *recordingAuditor) LogUndefinedBaselines(context.Context, string, []string) error {
	return r.add(audit.EventUndefinedBaseline)
}

func (r *recordingAuditor) LogForecastSkipped(context.Context, string, string, error) error {
	return r.add(audit.EventInsufficientHistory)
}

func (r *recordingAuditor) LogDetectorFailed(context.Context, string, string, error) error {
	return r.add(audit.EventDetectorFailed)
}

func TestEngine_AuditEvents(t *testing.T) {
	rec := &recordingAuditor{Logger: audit.NewNop()}
	e := newEngine(t, DefaultEngineConfig(), rec)

	_, err := e.Run(context.Background(), siteWeeks(t, 1, false, 1))
	require.NoError(t, err)
	assert.Equal(t, []audit.EventType{
		audit.EventRunStarted,
		audit.EventUndefinedBaseline,
		audit.EventInsufficientHistory,
		audit.EventRunCompleted,
	}, rec.events)

	rec.events = nil
	_, err = e.Run(context.Background(), []timeseries.Observation{{Timestamp: monday, Origin: "site", Count: -1}})
	require.Error(t, err)
	assert.Equal(t, []audit.EventType{audit.EventRunStarted, audit.EventRunFailed}, rec.events)
}

func TestAssemble(t *testing.T) {
	buckets := []timeseries.Bucket{
		{WindowStart: monday, Origin: "manual", CountSum: 3},
		{WindowStart: monday, Origin: "site", CountSum: 10},
		{WindowStart: monday.Add(time.Hour), Origin: "site", CountSum: 2},
	}
	zscores := map[timeseries.Key]anomaly.ZScoreResult{
		buckets[1].Key(): {Z: 0.3, Defined: true},
		buckets[2].Key(): {Z: -3.1, Defined: true, Anomalous: true},
		buckets[0].Key(): {},
	}
	outliers := map[timeseries.Key]ml.OutlierResult{
		buckets[2].Key(): {Score: 0.71, Anomalous: true},
	}
	forecasts := map[timeseries.Key]forecast.ForecastResult{
		buckets[1].Key(): {Yhat: 9, Lower: 6, Upper: 12},
		buckets[2].Key(): {Yhat: 9, Lower: 6, Upper: 12, Anomalous: true},
	}

	scored := Assemble(buckets, zscores, outliers, forecasts)
	require.Len(t, scored, 3)

	manual := scored[0]
	assert.Equal(t, buckets[0], manual.Bucket)
	assert.Nil(t, manual.ZScore)
	assert.Nil(t, manual.OutlierScore)
	assert.Nil(t, manual.ForecastYhat)
	assert.Nil(t, manual.IsAnomalousForecast)
	assert.False(t, manual.Anomalous())

	require.NotNil(t, scored[1].ZScore)
	assert.Equal(t, 0.3, *scored[1].ZScore)
	require.NotNil(t, scored[1].IsAnomalousForecast)
	assert.False(t, *scored[1].IsAnomalousForecast)
	assert.False(t, scored[1].Anomalous())

	drop := scored[2]
	assert.True(t, drop.IsAnomalousZScore)
	assert.True(t, drop.IsAnomalousOutlier)
	assert.Equal(t, 0.71, *drop.OutlierScore)
	assert.Equal(t, 6.0, *drop.ForecastLower)
	assert.True(t, *drop.IsAnomalousForecast)
	assert.True(t, drop.Anomalous())

	sum := Summarize(scored)
	assert.Equal(t, Summary{
		Buckets:         3,
		Origins:         2,
		FlaggedZScore:   1,
		FlaggedOutlier:  1,
		FlaggedForecast: 1,
		FlaggedAny:      1,
		FlaggedByOrigin: map[string]int{"site": 1},
	}, sum)
	assert.InDelta(t, 1.0/3, sum.FlagRate(), 1e-12)

	assert.Len(t, Assemble(buckets, nil, nil, nil), 3)
}

func TestEngineConfigFrom(t *testing.T) {
	c := config.DefaultConfig()
	c.Engine.WindowSize = "5min"
	c.Outlier.Mode = "joint"
	c.Forecast.Origins = []string{"*"}
	c.Forecast.Gamma = 0.2

	cfg, err := EngineConfigFrom(c)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.Window)
	assert.Equal(t, ml.ModeJoint, cfg.Outlier.Mode)
	assert.Equal(t, []string{forecast.AllOrigins}, cfg.Forecast.Origins)
	assert.Equal(t, 0.2, cfg.Forecast.Params.Gamma)
	assert.Equal(t, 2.5, cfg.ZScoreThreshold)

	assert.Equal(t, 1_000_000, cfg.MaxBuckets)

	c.Forecast.Origins = []string{}
	cfg, err = EngineConfigFrom(c)
	require.NoError(t, err)
	assert.NotNil(t, cfg.Forecast.Origins)
	assert.Empty(t, cfg.Forecast.Origins)

	c.Outlier.Mode = "global"
	_, err = EngineConfigFrom(c)
	assert.ErrorIs(t, err, ml.ErrUnknownMode)
}

func TestFormatWindow(t *testing.T) {
	assert.Equal(t, "5min", formatWindow(5*time.Minute))
	assert.Equal(t, "1h", formatWindow(time.Hour))
	assert.Equal(t, "1d", formatWindow(24*time.Hour))
	assert.Equal(t, "90s", formatWindow(90*time.Second))
}
