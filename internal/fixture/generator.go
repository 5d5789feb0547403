// Package fixture generates synthetic order-count observations with daily,
// weekly and monthly seasonality and optionally injected drops.
package fixture

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/kubilitics/orderwatch/internal/analytics/timeseries"
)

// Origin is an order source and its base hourly volume.
type Origin struct {
	Name string  `json:"name" yaml:"name"`
	Base float64 `json:"base" yaml:"base"`
}

// DefaultOrigins mirrors the volumes of the production order sources.
var DefaultOrigins = []Origin{
	{Name: "site", Base: 100},
	{Name: "marketplace", Base: 80},
	{Name: "manual", Base: 30},
}

// Config controls a generation run. The range is [Start, End).
type Config struct {
	Start    time.Time
	End      time.Time
	Step     time.Duration
	Origins  []Origin
	Location *time.Location

	// Seasonality returns the factor applied to every base volume at a local
	// time. Nil uses Multiplier.
	Seasonality func(time.Time) float64

	// Noise draws each count from a Poisson distribution around the expected
	// value. When false counts are the rounded expected value.
	Noise bool

	// DropRate is the per-observation probability of a drop. A dropped count
	// is scaled by a factor drawn uniformly from [DropMin, DropMax).
	DropRate float64
	DropMin  float64
	DropMax  float64
}

// DefaultConfig returns hourly, noisy data for the default origins with a
// 0.2% drop rate.
func DefaultConfig(start, end time.Time) Config {
	return Config{
		Start:    start,
		End:      end,
		Step:     time.Hour,
		Origins:  DefaultOrigins,
		Location: time.UTC,
		Noise:    true,
		DropRate: 0.002,
		DropMin:  0.1,
		DropMax:  0.4,
	}
}

// Drop records an injected anomaly.
type Drop struct {
	Timestamp time.Time `json:"timestamp"`
	Origin    string    `json:"origin"`
	Before    int64     `json:"before"`
	After     int64     `json:"after"`
}

var errInvalidConfig = errors.New("invalid fixture config")

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	switch {
	case !c.End.After(c.Start):
		return fmt.Errorf("%w: end %s is not after start %s", errInvalidConfig, c.End, c.Start)
	case c.Step <= 0:
		return fmt.Errorf("%w: step must be positive", errInvalidConfig)
	case len(c.Origins) == 0:
		return fmt.Errorf("%w: no origins", errInvalidConfig)
	case c.DropRate < 0 || c.DropRate > 1:
		return fmt.Errorf("%w: drop rate %v outside [0, 1]", errInvalidConfig, c.DropRate)
	case c.DropRate > 0 && (c.DropMin < 0 || c.DropMax > 1 || c.DropMin >= c.DropMax):
		return fmt.Errorf("%w: drop factor range [%v, %v)", errInvalidConfig, c.DropMin, c.DropMax)
	}
	for _, o := range c.Origins {
		if o.Name == "" || o.Base < 0 {
			return fmt.Errorf("%w: origin %q base %v", errInvalidConfig, o.Name, o.Base)
		}
	}
	return nil
}

// Generate produces one observation per origin per step, ordered by time and
// then by the configured origin order. All randomness comes from r.
func Generate(cfg Config, r *rand.Rand) ([]timeseries.Observation, []Drop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	seasonality := cfg.Seasonality
	if seasonality == nil {
		seasonality = Multiplier
	}

	steps := int(cfg.End.Sub(cfg.Start) / cfg.Step)
	obs := make([]timeseries.Observation, 0, steps*len(cfg.Origins))
	var drops []Drop

	for ts := cfg.Start; ts.Before(cfg.End); ts = ts.Add(cfg.Step) {
		mult := seasonality(ts.In(loc))
		for _, o := range cfg.Origins {
			lambda := o.Base * mult
			count := int64(math.Round(lambda))
			if cfg.Noise {
				count = poisson(r, lambda)
			}
			if cfg.DropRate > 0 && r.Float64() < cfg.DropRate {
				factor := cfg.DropMin + r.Float64()*(cfg.DropMax-cfg.DropMin)
				dropped := int64(float64(count) * factor)
				drops = append(drops, Drop{Timestamp: ts, Origin: o.Name, Before: count, After: dropped})
				count = dropped
			}
			obs = append(obs, timeseries.Observation{Timestamp: ts, Origin: o.Name, Count: count})
		}
	}
	return obs, drops, nil
}

// Multiplier is the seasonal factor applied to an origin's base volume at t:
// 1.2 during business hours (09:00-17:59), 1.3 on weekends and 1.5 on the 1st,
// 15th and 30th of the month. Factors compound.
func Multiplier(t time.Time) float64 {
	m := 1.0
	if h := t.Hour(); h >= 9 && h < 18 {
		m *= 1.2
	}
	if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
		m *= 1.3
	}
	switch t.Day() {
	case 1, 15, 30:
		m *= 1.5
	}
	return m
}

// poisson uses Knuth's method for small means and a rounded normal
// approximation above 30.
func poisson(r *rand.Rand, lambda float64) int64 {
	if lambda <= 0 {
		return 0
	}
	if lambda >= 30 {
		v := math.Round(lambda + math.Sqrt(lambda)*r.NormFloat64())
		if v < 0 {
			return 0
		}
		return int64(v)
	}
	limit := math.Exp(-lambda)
	k := int64(0)
	p := r.Float64()
	for p > limit {
		k++
		p *= r.Float64()
	}
	return k
}
