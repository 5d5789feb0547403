package db

import (
	"context"
	"errors"
	"time"

	"github.com/kubilitics/orderwatch/internal/analytics"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence interface for assembled reports. Detector state is
// never stored; a report is written once and read back unchanged.
type Store interface {
	RunStore
	AnomalyStore

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// ─── Runs ─────────────────────────────────────────────────────────────────────

// RunRecord is the summary row of one stored report.
type RunRecord struct {
	ID               string            `json:"id"`
	Window           string            `json:"window"`
	GeneratedAt      time.Time         `json:"generated_at"`
	Buckets          int               `json:"buckets"`
	Origins          int               `json:"origins"`
	FlaggedZScore    int               `json:"flagged_zscore"`
	FlaggedOutlier   int               `json:"flagged_outlier"`
	FlaggedForecast  int               `json:"flagged_forecast"`
	FlaggedAny       int               `json:"flagged_any"`
	UndefinedCohorts int               `json:"undefined_cohorts"`
	SkippedForecasts map[string]string `json:"skipped_forecasts,omitempty"`
	DetectorErrors   map[string]string `json:"detector_errors,omitempty"`
}

// RunQuery filters run listings. Zero values mean no filter; Limit 0 uses 50.
type RunQuery struct {
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

// RunStore persists reports.
type RunStore interface {
	// SaveReport stores a report and all of its scored buckets atomically.
	SaveReport(ctx context.Context, report *analytics.Report) error

	// GetRun returns the summary of a stored report.
	GetRun(ctx context.Context, id string) (*RunRecord, error)

	// GetReport rebuilds a stored report with every bucket.
	GetReport(ctx context.Context, id string) (*analytics.Report, error)

	// ListRuns returns run summaries, newest first.
	ListRuns(ctx context.Context, q RunQuery) ([]*RunRecord, error)

	// DeleteRun removes a report and its buckets.
	DeleteRun(ctx context.Context, id string) error
}

// ─── Anomalies ────────────────────────────────────────────────────────────────

// AnomalyRecord is a flagged bucket of a stored report.
type AnomalyRecord struct {
	RunID       string    `json:"run_id"`
	WindowStart time.Time `json:"window_start"`
	Origin      string    `json:"origin"`
	CountSum    int64     `json:"count_sum"`
	Detectors   []string  `json:"detectors"`
}

// AnomalyQuery filters flagged buckets. Detector is one of the analytics
// detector names; empty matches a flag from any detector.
type AnomalyQuery struct {
	RunID    string
	Origin   string
	Detector string
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}

// AnomalyStore queries flagged buckets across stored reports.
type AnomalyStore interface {
	// QueryAnomalies returns flagged buckets ordered by window start.
	QueryAnomalies(ctx context.Context, q AnomalyQuery) ([]*AnomalyRecord, error)

	// AnomalySummary counts flagged buckets of a run per origin.
	AnomalySummary(ctx context.Context, runID string) (map[string]int, error)
}
