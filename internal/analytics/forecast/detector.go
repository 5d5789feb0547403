package forecast

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/kubilitics/orderwatch/internal/analytics/timeseries"
)

// AllOrigins selects every origin with enough history.
const AllOrigins = "*"

// Defaults for the forecast detector.
const (
	DefaultMinPeriods    = 2
	DefaultIntervalWidth = 0.999
)

// DefaultOrigins is the origin set forecast when Origins is nil. A non-nil
// empty Origins forecasts nothing.
var DefaultOrigins = []string{"site"}

// ForecastResult is the per-bucket output of the forecast detector.
type ForecastResult struct {
	Yhat      float64 `json:"yhat"`
	Lower     float64 `json:"yhat_lower"`
	Upper     float64 `json:"yhat_upper"`
	Anomalous bool    `json:"anomalous"`
}

// ForecastOutcome holds results for forecast origins and the reason every
// other requested origin was skipped.
type ForecastOutcome struct {
	Results map[timeseries.Key]ForecastResult
	Skipped map[string]error
}

// ForecastDetector flags buckets whose count falls below the lower bound of
// the model's prediction interval.
type ForecastDetector struct {
	Origins       []string
	MinPeriods    int
	IntervalWidth float64
	Window        time.Duration
	Params        Params
	Logger        *zap.Logger
}

// NewForecastDetector returns a detector with default parameters for window.
func NewForecastDetector(window time.Duration) *ForecastDetector {
	return &ForecastDetector{
		Origins:       DefaultOrigins,
		MinPeriods:    DefaultMinPeriods,
		IntervalWidth: DefaultIntervalWidth,
		Window:        window,
		Params:        DefaultParams(),
		Logger:        zap.NewNop(),
	}
}

// Quantile returns the two-sided standard normal multiplier for width.
func Quantile(width float64) float64 {
	return distuv.UnitNormal.Quantile(1 - (1-width)/2)
}

// Detect fits one model per selected origin. Configuration errors are returned;
// per-origin failures land in ForecastOutcome.Skipped.
func (d *ForecastDetector) Detect(buckets []timeseries.Bucket) (ForecastOutcome, error) {
	out := ForecastOutcome{
		Results: make(map[timeseries.Key]ForecastResult),
		Skipped: make(map[string]error),
	}
	if d.IntervalWidth <= 0 || d.IntervalWidth >= 1 {
		return out, fmt.Errorf("interval width must be in (0, 1), got %v", d.IntervalWidth)
	}
	if d.MinPeriods < 1 {
		return out, fmt.Errorf("min periods must be at least 1, got %d", d.MinPeriods)
	}
	model, err := NewModel(d.Window, d.Params)
	if err != nil {
		return out, err
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	z := Quantile(d.IntervalWidth)
	series := timeseries.GroupByOrigin(buckets)
	required := d.MinPeriods * model.WeeklyPeriod

	for _, origin := range d.selectOrigins(buckets) {
		group := series[origin]
		if len(group) < required {
			out.Skipped[origin] = fmt.Errorf("%w: origin %q has %d buckets, need %d (%d weeks)",
				ErrInsufficientHistory, origin, len(group), required, d.MinPeriods)
			logger.Info("forecast skipped", zap.String("origin", origin), zap.Error(out.Skipped[origin]))
			continue
		}

		values := make([]float64, len(group))
		for i, b := range group {
			values[i] = b.Value()
		}
		fit, err := model.Fit(values)
		if err != nil {
			out.Skipped[origin] = fmt.Errorf("origin %q: %w", origin, err)
			logger.Warn("forecast fit failed", zap.String("origin", origin), zap.Error(err))
			continue
		}

		lower, upper := fit.Bounds(z)
		flagged := 0
		for i, b := range group {
			res := ForecastResult{
				Yhat:      fit.Fitted[i],
				Lower:     lower[i],
				Upper:     upper[i],
				Anomalous: values[i] < lower[i],
			}
			if res.Anomalous {
				flagged++
			}
			out.Results[b.Key()] = res
		}
		logger.Debug("forecast fitted",
			zap.String("origin", origin),
			zap.Int("buckets", len(group)),
			zap.Float64("std_error", fit.StdError),
			zap.Int("flagged", flagged),
		)
	}

	return out, nil
}

// selectOrigins resolves the configured origin set against the batch. Requested
// origins absent from the batch are still returned so they are reported as skipped.
func (d *ForecastDetector) selectOrigins(buckets []timeseries.Bucket) []string {
	requested := d.Origins
	if requested == nil {
		requested = DefaultOrigins
	}
	for _, o := range requested {
		if o == AllOrigins {
			return timeseries.Origins(buckets)
		}
	}
	seen := make(map[string]bool, len(requested))
	origins := make([]string, 0, len(requested))
	for _, o := range requested {
		if !seen[o] {
			seen[o] = true
			origins = append(origins, o)
		}
	}
	return origins
}
