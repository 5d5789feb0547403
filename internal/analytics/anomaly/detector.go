package anomaly

import (
	"errors"
	"fmt"

	"github.com/kubilitics/orderwatch/internal/analytics/timeseries"
)

// Package anomaly provides the stratified z-score detector for order counts.
//
// Responsibilities:
//   - Estimate a baseline (mean, sample stddev) per cohort (origin, hour, weekday)
//   - Score each bucket against its own cohort: z = (count - mean) / stddev
//   - Flag sudden drops only (z < -threshold)
//   - Report degenerate cohorts as data quality, never as errors
//
// Philosophy: Classical Statistics
//   - Fully interpretable: a flag always traces back to one cohort mean/stddev
//   - Deterministic and reproducible
//   - The baseline is computed from the same batch it scores
//
// Cohort sizes: with hourly windows over N weeks every cohort holds N samples,
// so z is bounded by (N-1)/sqrt(N). A 2.5 threshold needs at least 9 weeks of
// history before the detector can flag anything; shorter batches rely on the
// forecast detector.

// DefaultThreshold is the z-score below which a bucket is flagged.
const DefaultThreshold = 2.5

// ErrUndefinedBaseline marks a cohort whose spread cannot be estimated.
var ErrUndefinedBaseline = errors.New("undefined baseline")

// Severity grades how far past the threshold a z-score lies.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// CohortKey stratifies buckets by origin and calendar slot.
type CohortKey struct {
	Origin  string `json:"origin"`
	Hour    int    `json:"hour"`
	Weekday int    `json:"weekday"`
}

func (k CohortKey) String() string {
	return fmt.Sprintf("%s/h%02d/d%d", k.Origin, k.Hour, k.Weekday)
}

// Baseline is the sample mean and standard deviation of one cohort.
type Baseline struct {
	Key           CohortKey `json:"key"`
	Mean          float64   `json:"mean"`
	Std           float64   `json:"std"`
	Count         int       `json:"count"`
	SpreadDefined bool      `json:"spread_defined"`
}

// Err explains why the baseline cannot produce a z-score, or returns nil.
func (b Baseline) Err() error {
	if b.SpreadDefined {
		return nil
	}
	if b.Count < 2 {
		return fmt.Errorf("%w: cohort %s has %d sample(s)", ErrUndefinedBaseline, b.Key, b.Count)
	}
	return fmt.Errorf("%w: cohort %s has zero spread over %d samples", ErrUndefinedBaseline, b.Key, b.Count)
}

// ZScoreResult is the per-bucket output of the detector.
type ZScoreResult struct {
	Z         float64  `json:"z"`
	Defined   bool     `json:"defined"`
	Anomalous bool     `json:"anomalous"`
	Severity  Severity `json:"severity,omitempty"`
}

// ZScoreOutcome bundles per-bucket results with data-quality findings.
type ZScoreOutcome struct {
	Results          map[timeseries.Key]ZScoreResult
	UndefinedCohorts []CohortKey
}
