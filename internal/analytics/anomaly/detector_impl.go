package anomaly

import (
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/kubilitics/orderwatch/internal/analytics/timeseries"
)

// ZScoreDetector flags buckets whose count falls well below their cohort mean.
type ZScoreDetector struct {
	Threshold float64
	Location  *time.Location
	Logger    *zap.Logger
}

// NewZScoreDetector creates a detector with the given threshold (DefaultThreshold when <= 0).
func NewZScoreDetector(threshold float64, loc *time.Location, logger *zap.Logger) *ZScoreDetector {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZScoreDetector{Threshold: threshold, Location: loc, Logger: logger}
}

// EstimateBaselines computes the sample mean and standard deviation of every cohort.
func EstimateBaselines(buckets []timeseries.Bucket, loc *time.Location) map[CohortKey]Baseline {
	samples := make(map[CohortKey][]float64)
	for _, b := range buckets {
		key := cohortOf(b, loc)
		samples[key] = append(samples[key], b.Value())
	}

	baselines := make(map[CohortKey]Baseline, len(samples))
	for key, values := range samples {
		baselines[key] = computeBaseline(key, values)
	}
	return baselines
}

// Detect scores every bucket against its cohort baseline.
func (d *ZScoreDetector) Detect(buckets []timeseries.Bucket) ZScoreOutcome {
	baselines := EstimateBaselines(buckets, d.Location)
	results := make(map[timeseries.Key]ZScoreResult, len(buckets))

	for _, b := range buckets {
		base, ok := baselines[cohortOf(b, d.Location)]
		if !ok || !base.SpreadDefined {
			results[b.Key()] = ZScoreResult{}
			continue
		}
		z := (b.Value() - base.Mean) / base.Std
		res := ZScoreResult{Z: z, Defined: true, Anomalous: z < -d.Threshold}
		if res.Anomalous {
			res.Severity = zToSeverity(math.Abs(z), d.Threshold)
		}
		results[b.Key()] = res
	}

	var undefined []CohortKey
	for key, base := range baselines {
		if base.SpreadDefined {
			continue
		}
		undefined = append(undefined, key)
		d.Logger.Debug("cohort baseline undefined", zap.Error(base.Err()))
	}
	sort.Slice(undefined, func(i, j int) bool {
		a, b := undefined[i], undefined[j]
		if a.Origin != b.Origin {
			return a.Origin < b.Origin
		}
		if a.Weekday != b.Weekday {
			return a.Weekday < b.Weekday
		}
		return a.Hour < b.Hour
	})
	if len(undefined) > 0 {
		d.Logger.Warn("z-score skipped degenerate cohorts",
			zap.Int("undefined_cohorts", len(undefined)),
			zap.Int("total_cohorts", len(baselines)),
		)
	}

	return ZScoreOutcome{Results: results, UndefinedCohorts: undefined}
}

func cohortOf(b timeseries.Bucket, loc *time.Location) CohortKey {
	cal := timeseries.CalendarOf(b.WindowStart, loc)
	return CohortKey{Origin: b.Origin, Hour: cal.Hour, Weekday: cal.Weekday}
}

func computeBaseline(key CohortKey, values []float64) Baseline {
	base := Baseline{Key: key, Count: len(values)}
	if len(values) == 0 {
		return base
	}
	if len(values) == 1 {
		base.Mean = values[0]
		return base
	}
	base.Mean, base.Std = stat.MeanStdDev(values, nil)
	base.SpreadDefined = base.Std > 0 && !math.IsNaN(base.Std) && !math.IsInf(base.Std, 0)
	return base
}

// zToSeverity grades |z| relative to the threshold.
func zToSeverity(z, threshold float64) Severity {
	ratio := z / threshold
	if ratio > 2.5 {
		return SeverityCritical
	} else if ratio > 1.75 {
		return SeverityHigh
	} else if ratio > 1.25 {
		return SeverityMedium
	}
	return SeverityLow
}
