package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Detector engine metrics for production monitoring
var (
	// Run metrics
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orderwatch_runs_total",
			Help: "Total number of detection runs",
		},
		[]string{"status"}, // status: completed/failed
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orderwatch_run_duration_seconds",
			Help:    "Detection run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		},
	)

	BucketsScored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orderwatch_buckets_scored_total",
			Help: "Total number of aggregated buckets scored",
		},
	)

	// Detector metrics
	DetectorDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orderwatch_detector_duration_seconds",
			Help:    "Detector execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
		[]string{"detector"},
	)

	DetectorErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orderwatch_detector_errors_total",
			Help: "Total number of detector failures isolated from a run",
		},
		[]string{"detector"},
	)

	AnomaliesFlagged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orderwatch_anomalies_flagged_total",
			Help: "Total number of buckets flagged anomalous",
		},
		[]string{"detector", "origin"},
	)

	// Data quality metrics
	UndefinedCohorts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orderwatch_undefined_cohorts_total",
			Help: "Total number of cohorts without a usable baseline spread",
		},
	)

	ForecastSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orderwatch_forecast_skipped_total",
			Help: "Total number of origins skipped by the forecast detector",
		},
		[]string{"origin"},
	)

	// Store metrics
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orderwatch_store_operations_total",
			Help: "Total number of report store operations",
		},
		[]string{"operation", "status"},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orderwatch_http_requests_total",
			Help: "Total number of HTTP API requests",
		},
		[]string{"route", "code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orderwatch_http_request_duration_seconds",
			Help:    "HTTP API request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
		[]string{"route"},
	)

	ReportCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orderwatch_report_cache_lookups_total",
			Help: "Total number of stored-report cache lookups",
		},
		[]string{"result"}, // hit/miss
	)

	ConfigReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orderwatch_config_reloads_total",
			Help: "Total number of configuration reload attempts",
		},
		[]string{"status"},
	)
)
