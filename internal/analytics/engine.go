package analytics

import (
	"sort"
	"time"

	"github.com/kubilitics/orderwatch/internal/analytics/anomaly"
	"github.com/kubilitics/orderwatch/internal/analytics/forecast"
	"github.com/kubilitics/orderwatch/internal/analytics/ml"
	"github.com/kubilitics/orderwatch/internal/analytics/timeseries"
)

// Package analytics runs the order-count anomaly engine and assembles its report.
//
// Detectors:
//   1. Stratified z-score: count versus the (origin, hour, weekday) cohort baseline
//   2. Isolation forest: multivariate outliers over count and calendar features
//   3. Forecast residual: count below the lower bound of a seasonal forecast
//
// All three flag drops only, except the isolation forest which flags any
// isolated bucket. Their outputs are joined per (window start, origin).
//
// Integration Points:
//   - Dataset readers: observations in
//   - Report writers, report store, HTTP API: reports out

// Detector names used in reports, logs and metrics.
const (
	DetectorZScore   = "zscore"
	DetectorOutlier  = "outlier"
	DetectorForecast = "forecast"
)

// ScoredBucket is an aggregated bucket annotated with every detector's output.
// Nil pointers are undefined values.
type ScoredBucket struct {
	timeseries.Bucket

	ZScore            *float64 `json:"z_score,omitempty"`
	IsAnomalousZScore bool     `json:"is_anomalous_zscore"`

	OutlierScore       *float64 `json:"outlier_score,omitempty"`
	IsAnomalousOutlier bool     `json:"is_anomalous_outlier"`

	ForecastYhat        *float64 `json:"forecast_yhat,omitempty"`
	ForecastLower       *float64 `json:"forecast_lower,omitempty"`
	ForecastUpper       *float64 `json:"forecast_upper,omitempty"`
	IsAnomalousForecast *bool    `json:"is_anomalous_forecast,omitempty"`
}

// Anomalous reports whether any detector flagged the bucket.
func (s ScoredBucket) Anomalous() bool {
	return s.IsAnomalousZScore || s.IsAnomalousOutlier || (s.IsAnomalousForecast != nil && *s.IsAnomalousForecast)
}

// Summary counts buckets and flags per detector.
type Summary struct {
	Buckets         int            `json:"buckets"`
	Origins         int            `json:"origins"`
	FlaggedZScore   int            `json:"flagged_zscore"`
	FlaggedOutlier  int            `json:"flagged_outlier"`
	FlaggedForecast int            `json:"flagged_forecast"`
	FlaggedAny      int            `json:"flagged_any"`
	FlaggedByOrigin map[string]int `json:"flagged_by_origin,omitempty"`
}

// Report is the result of one engine run.
type Report struct {
	RunID            string            `json:"run_id"`
	GeneratedAt      time.Time         `json:"generated_at"`
	Window           string            `json:"window"`
	Buckets          []ScoredBucket    `json:"buckets"`
	Summary          Summary           `json:"summary"`
	SkippedForecasts map[string]string `json:"skipped_forecasts,omitempty"`
	UndefinedCohorts int               `json:"undefined_cohorts"`
	DetectorErrors   map[string]string `json:"detector_errors,omitempty"`
}

// Anomalies returns the buckets flagged by at least one detector.
func (r *Report) Anomalies() []ScoredBucket {
	var out []ScoredBucket
	for _, b := range r.Buckets {
		if b.Anomalous() {
			out = append(out, b)
		}
	}
	return out
}

// Assemble joins detector outputs onto buckets by (origin, window start). Every
// bucket is kept; a bucket a detector did not score keeps that detector's
// fields undefined and its flag false. Any of the maps may be nil.
func Assemble(
	buckets []timeseries.Bucket,
	zscores map[timeseries.Key]anomaly.ZScoreResult,
	outliers map[timeseries.Key]ml.OutlierResult,
	forecasts map[timeseries.Key]forecast.ForecastResult,
) []ScoredBucket {
	scored := make([]ScoredBucket, len(buckets))
	for i, b := range buckets {
		key := b.Key()
		s := ScoredBucket{Bucket: b}

		if z, ok := zscores[key]; ok && z.Defined {
			s.ZScore = float64Ptr(z.Z)
			s.IsAnomalousZScore = z.Anomalous
		}
		if o, ok := outliers[key]; ok {
			s.OutlierScore = float64Ptr(o.Score)
			s.IsAnomalousOutlier = o.Anomalous
		}
		if f, ok := forecasts[key]; ok {
			s.ForecastYhat = float64Ptr(f.Yhat)
			s.ForecastLower = float64Ptr(f.Lower)
			s.ForecastUpper = float64Ptr(f.Upper)
			flag := f.Anomalous
			s.IsAnomalousForecast = &flag
		}
		scored[i] = s
	}
	return scored
}

// Summarize counts flags over scored buckets.
func Summarize(scored []ScoredBucket) Summary {
	sum := Summary{Buckets: len(scored), FlaggedByOrigin: make(map[string]int)}
	origins := make(map[string]struct{})
	for _, s := range scored {
		origins[s.Origin] = struct{}{}
		if s.IsAnomalousZScore {
			sum.FlaggedZScore++
		}
		if s.IsAnomalousOutlier {
			sum.FlaggedOutlier++
		}
		if s.IsAnomalousForecast != nil && *s.IsAnomalousForecast {
			sum.FlaggedForecast++
		}
		if s.Anomalous() {
			sum.FlaggedAny++
			sum.FlaggedByOrigin[s.Origin]++
		}
	}
	sum.Origins = len(origins)
	return sum
}

// FlagRate returns FlaggedAny as a fraction of all buckets.
func (s Summary) FlagRate() float64 {
	if s.Buckets == 0 {
		return 0
	}
	return float64(s.FlaggedAny) / float64(s.Buckets)
}

func float64Ptr(v float64) *float64 { return &v }

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
