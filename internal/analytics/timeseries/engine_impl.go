package timeseries

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Aggregator folds observations into per-origin window buckets.
type Aggregator struct {
	window  time.Duration
	sums    map[Key]int64
	origins map[string]struct{}
	first   time.Time
	last    time.Time
	seen    bool
	added   int
}

// NewAggregator creates an Aggregator for the given window width.
func NewAggregator(window time.Duration) (*Aggregator, error) {
	if window <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidWindowSize, window)
	}
	return &Aggregator{
		window:  window,
		sums:    make(map[Key]int64),
		origins: make(map[string]struct{}),
	}, nil
}

// Window returns the aggregation window width.
func (a *Aggregator) Window() time.Duration {
	return a.window
}

// Add folds a single observation into its bucket.
func (a *Aggregator) Add(obs Observation) error {
	if obs.Count < 0 {
		return fmt.Errorf("%w: origin %q at %s has count %d",
			ErrNegativeCount, obs.Origin, obs.Timestamp.Format(time.RFC3339), obs.Count)
	}

	start := obs.Timestamp.Truncate(a.window)
	key := Key{Origin: obs.Origin, Start: start.UnixNano()}
	a.sums[key] += obs.Count
	a.origins[obs.Origin] = struct{}{}

	if !a.seen || start.Before(a.first) {
		a.first = start
	}
	if !a.seen || start.After(a.last) {
		a.last = start
	}
	a.seen = true
	a.added++
	return nil
}

// Len returns the number of observed (window, origin) pairs.
func (a *Aggregator) Len() int {
	return len(a.sums)
}

// Observations returns how many observations were folded in.
func (a *Aggregator) Observations() int {
	return a.added
}

// BucketCount returns how many buckets Buckets would materialize, saturating
// at math.MaxInt64.
func (a *Aggregator) BucketCount() int64 {
	if !a.seen {
		return 0
	}
	steps := int64(a.last.Sub(a.first)/a.window) + 1
	origins := int64(len(a.origins))
	if steps > math.MaxInt64/origins {
		return math.MaxInt64
	}
	return steps * origins
}

// LimitedBuckets is Buckets with an upper bound on the zero-filled series.
// It fails with ErrTooManyBuckets before allocating anything. A limit <= 0
// disables the check.
func (a *Aggregator) LimitedBuckets(limit int) ([]Bucket, error) {
	if n := a.BucketCount(); limit > 0 && n > int64(limit) {
		return nil, fmt.Errorf("%w: %d observations span %d buckets, limit is %d",
			ErrTooManyBuckets, a.added, n, limit)
	}
	return a.Buckets(), nil
}

// Buckets materializes the contiguous, zero-filled series for every origin,
// ordered by window start and then origin.
func (a *Aggregator) Buckets() []Bucket {
	if !a.seen {
		return []Bucket{}
	}

	origins := make([]string, 0, len(a.origins))
	for o := range a.origins {
		origins = append(origins, o)
	}
	sort.Strings(origins)

	steps := int(a.last.Sub(a.first)/a.window) + 1
	loc := a.first.Location()
	buckets := make([]Bucket, 0, steps*len(origins))
	for i := 0; i < steps; i++ {
		start := a.first.Add(time.Duration(i) * a.window).In(loc)
		for _, origin := range origins {
			buckets = append(buckets, Bucket{
				WindowStart: start,
				Origin:      origin,
				CountSum:    a.sums[Key{Origin: origin, Start: start.UnixNano()}],
			})
		}
	}
	return buckets
}

// Aggregate is a convenience wrapper that folds a slice of observations.
func Aggregate(observations []Observation, window time.Duration) ([]Bucket, error) {
	agg, err := NewAggregator(window)
	if err != nil {
		return nil, err
	}
	for _, obs := range observations {
		if err := agg.Add(obs); err != nil {
			return nil, err
		}
	}
	return agg.Buckets(), nil
}

// GroupByOrigin splits buckets into per-origin series, each ordered by time.
func GroupByOrigin(buckets []Bucket) map[string][]Bucket {
	series := make(map[string][]Bucket)
	for _, b := range buckets {
		series[b.Origin] = append(series[b.Origin], b)
	}
	for _, s := range series {
		sort.SliceStable(s, func(i, j int) bool {
			return s[i].WindowStart.Before(s[j].WindowStart)
		})
	}
	return series
}

// Origins returns the sorted distinct origins present in buckets.
func Origins(buckets []Bucket) []string {
	set := make(map[string]struct{})
	for _, b := range buckets {
		set[b.Origin] = struct{}{}
	}
	origins := make([]string, 0, len(set))
	for o := range set {
		origins = append(origins, o)
	}
	sort.Strings(origins)
	return origins
}

// ParseWindow parses a window width such as "1h", "15m", "5min" or "1d".
func ParseWindow(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "1m", "1min", "t":
		return time.Minute, nil
	case "5m", "5min":
		return 5 * time.Minute, nil
	case "15m", "15min":
		return 15 * time.Minute, nil
	case "1h", "h":
		return time.Hour, nil
	case "1d", "d", "24h":
		return 24 * time.Hour, nil
	}
	if n, ok := strings.CutSuffix(s, "min"); ok {
		v, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidWindowSize, s)
		}
		return time.Duration(v) * time.Minute, nil
	}
	if n, ok := strings.CutSuffix(s, "d"); ok {
		v, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidWindowSize, s)
		}
		return time.Duration(v) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidWindowSize, s)
	}
	return d, nil
}
