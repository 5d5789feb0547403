package timeseries

import (
	"errors"
	"time"
)

// Package timeseries turns raw order observations into fixed-width count buckets.
//
// Responsibilities:
//   - Fold timestamped observations into left-closed windows [start, start+window)
//   - Keep one bucket per (window start, origin)
//   - Zero-fill every origin over the shared timeline of the whole batch
//   - Derive calendar features (hour, weekday, day of month) for a bucket
//
// The Aggregator is incremental: readers stream rows into Add and memory grows
// with the number of distinct (window, origin) pairs, not with the number of rows.
//
// Integration Points:
//   - Dataset readers: stream observations from CSV / JSON
//   - Anomaly, ML and Forecast detectors: read-only consumers of []Bucket
//   - Report assembler: joins detector output on Bucket.Key()

var (
	// ErrInvalidWindowSize is returned when the aggregation window is not positive.
	ErrInvalidWindowSize = errors.New("invalid window size")

	// ErrNegativeCount is returned for observations carrying a negative count.
	ErrNegativeCount = errors.New("negative observation count")

	// ErrTooManyBuckets is returned when zero-filling would exceed the bucket limit.
	ErrTooManyBuckets = errors.New("too many buckets")
)

// Observation is a single raw order event (or pre-summed count) for an origin.
type Observation struct {
	Timestamp time.Time `json:"timestamp"`
	Origin    string    `json:"origin"`
	Count     int64     `json:"count"`
}

// Bucket is the summed count of one origin over one window.
type Bucket struct {
	WindowStart time.Time `json:"window_start"`
	Origin      string    `json:"origin"`
	CountSum    int64     `json:"count_sum"`
}

// Key identifies a bucket across detector outputs.
type Key struct {
	Origin string
	Start  int64 // unix nanoseconds of the window start
}

// Key returns the join key of the bucket.
func (b Bucket) Key() Key {
	return Key{Origin: b.Origin, Start: b.WindowStart.UnixNano()}
}

// Value returns the bucket count as a float for numeric consumers.
func (b Bucket) Value() float64 {
	return float64(b.CountSum)
}
