package ml

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/kubilitics/orderwatch/internal/analytics/timeseries"
)

// OutlierResult is the per-bucket output of the outlier detector.
type OutlierResult struct {
	Score     float64  `json:"score"`
	Anomalous bool     `json:"anomalous"`
	Severity  Severity `json:"severity,omitempty"`
}

// OutlierDetector flags the most isolated buckets in the joint space of
// count, hour, weekday and day of month.
type OutlierDetector struct {
	Contamination float64
	Seed          int64
	Mode          Mode
	NumTrees      int
	SampleSize    int
	Location      *time.Location
	Logger        *zap.Logger
}

// NewOutlierDetector returns a detector with default parameters.
func NewOutlierDetector() *OutlierDetector {
	return &OutlierDetector{
		Contamination: DefaultContamination,
		Seed:          DefaultSeed,
		Mode:          ModeNormalized,
		NumTrees:      DefaultNumTrees,
		SampleSize:    DefaultSampleSize,
		Location:      time.UTC,
		Logger:        zap.NewNop(),
	}
}

// Detect scores every bucket and flags ceil(contamination * n) of each fitted population.
func (d *OutlierDetector) Detect(buckets []timeseries.Bucket) (map[timeseries.Key]OutlierResult, error) {
	if d.Contamination <= 0 || d.Contamination > 0.5 || math.IsNaN(d.Contamination) {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidContamination, d.Contamination)
	}
	mode, err := ParseMode(string(d.Mode))
	if err != nil {
		return nil, err
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	results := make(map[timeseries.Key]OutlierResult, len(buckets))
	if len(buckets) == 0 {
		return results, nil
	}

	switch mode {
	case ModePerOrigin:
		series := timeseries.GroupByOrigin(buckets)
		for i, origin := range timeseries.Origins(buckets) {
			group := series[origin]
			flagged, err := d.fitAndFlag(group, d.features(group, nil), d.Seed+int64(i), results)
			if err != nil {
				return nil, fmt.Errorf("origin %s: %w", origin, err)
			}
			logger.Debug("outlier forest fitted",
				zap.String("origin", origin),
				zap.Int("buckets", len(group)),
				zap.Int("flagged", flagged),
			)
		}
	case ModeNormalized:
		flagged, err := d.fitAndFlag(buckets, d.features(buckets, relativeCounts(buckets)), d.Seed, results)
		if err != nil {
			return nil, err
		}
		logger.Debug("outlier forest fitted", zap.String("mode", string(mode)), zap.Int("flagged", flagged))
	case ModeJoint:
		flagged, err := d.fitAndFlag(buckets, d.features(buckets, nil), d.Seed, results)
		if err != nil {
			return nil, err
		}
		logger.Debug("outlier forest fitted", zap.String("mode", string(mode)), zap.Int("flagged", flagged))
	}

	return results, nil
}

// fitAndFlag trains one forest on points, scores every bucket and flags the top
// ceil(contamination * n). Returns the number flagged.
func (d *OutlierDetector) fitAndFlag(buckets []timeseries.Bucket, points []DataPoint, seed int64, out map[timeseries.Key]OutlierResult) (int, error) {
	forest := NewIsolationForest(d.NumTrees, d.SampleSize, 0, rand.New(rand.NewSource(seed)))
	if err := forest.Fit(points); err != nil {
		return 0, fmt.Errorf("fit isolation forest: %w", err)
	}

	scored := forest.BatchPredict(points)
	for i, b := range buckets {
		out[b.Key()] = OutlierResult{Score: scored[i].Score}
	}

	k := flagCount(d.Contamination, len(points))
	for _, i := range TopK(scored, k) {
		out[buckets[i].Key()] = OutlierResult{
			Score:     scored[i].Score,
			Anomalous: true,
			Severity:  scored[i].Severity,
		}
	}
	return k, nil
}

// features builds {count, hour, weekday, day} vectors. counts overrides the raw
// bucket counts when non-nil.
func (d *OutlierDetector) features(buckets []timeseries.Bucket, counts []float64) []DataPoint {
	points := make([]DataPoint, len(buckets))
	for i, b := range buckets {
		cal := timeseries.CalendarOf(b.WindowStart, d.Location)
		count := b.Value()
		if counts != nil {
			count = counts[i]
		}
		points[i] = DataPoint{
			Features:  []float64{count, float64(cal.Hour), float64(cal.Weekday), float64(cal.Day)},
			Label:     b.Origin,
			Timestamp: b.WindowStart,
		}
	}
	return points
}

// flagCount returns ceil(contamination * n), tolerant of float rounding.
func flagCount(contamination float64, n int) int {
	k := int(math.Ceil(contamination*float64(n) - 1e-9))
	if k > n {
		k = n
	}
	return k
}

// relativeCounts rescales each bucket count by the median count of its own
// origin (the mean when the median is zero), so every origin clusters around 1.
func relativeCounts(buckets []timeseries.Bucket) []float64 {
	byOrigin := make(map[string][]float64)
	for _, b := range buckets {
		byOrigin[b.Origin] = append(byOrigin[b.Origin], b.Value())
	}

	scales := make(map[string]float64, len(byOrigin))
	for origin, values := range byOrigin {
		scale := median(values)
		if scale == 0 {
			scale = stat.Mean(values, nil)
		}
		if scale == 0 {
			scale = 1
		}
		scales[origin] = scale
	}

	out := make([]float64, len(buckets))
	for i, b := range buckets {
		out[i] = b.Value() / scales[b.Origin]
	}
	return out
}

func median(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	return stat.Quantile(0.5, stat.Empirical, sorted, nil)
}
