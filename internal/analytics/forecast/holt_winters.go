package forecast

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

var (
	// ErrInsufficientHistory is returned when a series is too short to fit.
	ErrInsufficientHistory = errors.New("insufficient history")

	// ErrUnsupportedWindow is returned when the window does not divide a day.
	ErrUnsupportedWindow = errors.New("window must divide 24h evenly")

	// ErrInvalidParams is returned for smoothing parameters outside [0, 1].
	ErrInvalidParams = errors.New("smoothing parameters must be within [0, 1]")
)

// Params holds the smoothing weights of the model.
type Params struct {
	Alpha float64 // level
	Beta  float64 // trend; 0 disables the trend term
	Gamma float64 // daily seasonality
	Omega float64 // weekly seasonality
}

// DefaultParams returns slow, stable smoothing suitable for hourly order counts.
func DefaultParams() Params {
	return Params{Alpha: 0.1, Beta: 0, Gamma: 0.1, Omega: 0.1}
}

// Validate checks every weight lies in [0, 1].
func (p Params) Validate() error {
	weights := []struct {
		name  string
		value float64
	}{{"alpha", p.Alpha}, {"beta", p.Beta}, {"gamma", p.Gamma}, {"omega", p.Omega}}
	for _, w := range weights {
		if w.value < 0 || w.value > 1 || math.IsNaN(w.value) {
			return fmt.Errorf("%w: %s=%v", ErrInvalidParams, w.name, w.value)
		}
	}
	return nil
}

// Model is an additive Holt-Winters model with a daily and a weekly seasonal
// component:
//
//	yhat(t) = l(t-1) + b(t-1) + d(t mod Pd) + w(t mod Pw)
//
// where the weekly index w holds what the daily index d does not explain.
type Model struct {
	Params       Params
	DailyPeriod  int
	WeeklyPeriod int
}

// NewModel derives the seasonal periods from the bucket window.
func NewModel(window time.Duration, params Params) (*Model, error) {
	if window <= 0 || (24*time.Hour)%window != 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedWindow, window)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	daily := int((24 * time.Hour) / window)
	return &Model{Params: params, DailyPeriod: daily, WeeklyPeriod: 7 * daily}, nil
}

// Fit is the in-sample result of fitting the model to a series.
type Fit struct {
	// Fitted[t] is the one-step-ahead prediction made before observing t.
	Fitted    []float64
	Residuals []float64
	StdError  float64
	Level     float64
	Trend     float64
}

// Bounds returns Fitted ∓ z·StdError.
func (f *Fit) Bounds(z float64) (lower, upper []float64) {
	lower = make([]float64, len(f.Fitted))
	upper = make([]float64, len(f.Fitted))
	margin := z * f.StdError
	for i, v := range f.Fitted {
		lower[i] = v - margin
		upper[i] = v + margin
	}
	return lower, upper
}

// Fit initializes the state from every complete week of the series and then
// runs the smoothing recursion over it.
func (m *Model) Fit(series []float64) (*Fit, error) {
	pd, pw := m.DailyPeriod, m.WeeklyPeriod
	if len(series) < pw {
		return nil, fmt.Errorf("%w: %d points, need at least %d", ErrInsufficientHistory, len(series), pw)
	}

	level, daily, weekly := m.initialState(series)
	trend := 0.0
	p := m.Params
	gamma := p.Gamma
	if pd < 2 {
		// A one-slot daily cycle would only shadow the level.
		gamma = 0
	}

	n := len(series)
	fitted := make([]float64, n)
	residuals := make([]float64, n)
	for t, y := range series {
		i, k := t%pd, t%pw
		yhat := level + trend + daily[i] + weekly[k]
		fitted[t] = yhat
		residuals[t] = y - yhat

		prev := level
		level = p.Alpha*(y-daily[i]-weekly[k]) + (1-p.Alpha)*(level+trend)
		trend = p.Beta*(level-prev) + (1-p.Beta)*trend
		d := gamma*(y-level-weekly[k]) + (1-gamma)*daily[i]
		w := p.Omega*(y-level-daily[i]) + (1-p.Omega)*weekly[k]
		daily[i], weekly[k] = d, w
	}

	return &Fit{
		Fitted:    fitted,
		Residuals: residuals,
		StdError:  residualStdError(series, residuals),
		Level:     level,
		Trend:     trend,
	}, nil
}

// initialState sets the level to the median of all complete weeks, the daily
// indices to the median deviation per slot of the day and the weekly indices
// to the remaining deviation per slot of the week (see center). A single
// extreme bucket does not leak into the same slot of every other week.
func (m *Model) initialState(series []float64) (level float64, daily, weekly []float64) {
	pd, pw := m.DailyPeriod, m.WeeklyPeriod
	span := series[:(len(series)/pw)*pw]
	level = median(span)

	daily = make([]float64, pd)
	if pd > 1 {
		for i, slot := range slots(span, pd) {
			daily[i] = median(slot) - level
		}
	}

	weekly = make([]float64, pw)
	for k, slot := range slots(span, pw) {
		weekly[k] = center(slot, level+daily[k%pd]) - level - daily[k%pd]
	}
	return level, daily, weekly
}

// center is the median of slot once it holds three or more samples. Below that
// a median cannot reject an extreme value, so the sample nearest ref is used.
func center(slot []float64, ref float64) float64 {
	if len(slot) >= 3 {
		return median(slot)
	}
	best := slot[0]
	for _, v := range slot[1:] {
		if math.Abs(v-ref) < math.Abs(best-ref) {
			best = v
		}
	}
	return best
}

// slots groups span by position modulo period.
func slots(span []float64, period int) [][]float64 {
	out := make([][]float64, period)
	for t, y := range span {
		out[t%period] = append(out[t%period], y)
	}
	return out
}

// median averages the middle pair for even lengths. values is not modified.
func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// residualStdError is the sample standard deviation of the residuals, floored
// relative to the series magnitude so a noise-free series does not turn
// rounding error into flags.
func residualStdError(series, residuals []float64) float64 {
	sd := 0.0
	if len(residuals) > 1 {
		sd = stat.StdDev(residuals, nil)
	}
	absMean := 0.0
	for _, y := range series {
		absMean += math.Abs(y)
	}
	absMean /= float64(len(series))

	floor := 1e-6 * (1 + absMean)
	if math.IsNaN(sd) || sd < floor {
		return floor
	}
	return sd
}
