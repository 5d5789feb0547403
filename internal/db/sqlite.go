package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/kubilitics/orderwatch/internal/analytics"
	"github.com/kubilitics/orderwatch/internal/metrics"
)

// Timestamps are stored as unix nanoseconds so they sort numerically.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS runs (
    id                TEXT PRIMARY KEY,
    window_size       TEXT NOT NULL,
    generated_at      INTEGER NOT NULL,
    buckets           INTEGER NOT NULL DEFAULT 0,
    origins           INTEGER NOT NULL DEFAULT 0,
    flagged_zscore    INTEGER NOT NULL DEFAULT 0,
    flagged_outlier   INTEGER NOT NULL DEFAULT 0,
    flagged_forecast  INTEGER NOT NULL DEFAULT 0,
    flagged_any       INTEGER NOT NULL DEFAULT 0,
    undefined_cohorts INTEGER NOT NULL DEFAULT 0,
    skipped_forecasts TEXT NOT NULL DEFAULT '{}',
    detector_errors   TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_runs_generated_at ON runs(generated_at DESC);

CREATE TABLE IF NOT EXISTS scored_buckets (
    run_id                TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    window_start          INTEGER NOT NULL,
    origin                TEXT NOT NULL,
    count_sum             INTEGER NOT NULL,
    z_score               REAL,
    is_anomalous_zscore   BOOLEAN NOT NULL DEFAULT 0,
    outlier_score         REAL,
    is_anomalous_outlier  BOOLEAN NOT NULL DEFAULT 0,
    forecast_yhat         REAL,
    forecast_lower        REAL,
    forecast_upper        REAL,
    is_anomalous_forecast BOOLEAN,
    PRIMARY KEY (run_id, window_start, origin)
);
`,
	},
	// Migration 2: flagged bucket lookups
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_scored_buckets_origin ON scored_buckets(origin, window_start);
CREATE INDEX IF NOT EXISTS idx_scored_buckets_flagged ON scored_buckets(run_id)
    WHERE is_anomalous_zscore = 1 OR is_anomalous_outlier = 1 OR is_anomalous_forecast = 1;
`,
	},
}

const defaultListLimit = 50

// sqliteStore is the SQLite-backed implementation of Store.
type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// runs all pending schema migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	if path == ":memory:" {
		// Every connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrency and performance.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	// Enable foreign-key constraints.
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &sqliteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqliteStore) migrate() error {
	// Ensure schema_versions table exists before reading from it.
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}

		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}

		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// observe counts a store operation by outcome. A miss is not a failure.
func observe(operation string, err error) {
	status := "success"
	if err != nil && !errors.Is(err, ErrNotFound) {
		status = "error"
	}
	metrics.StoreOperations.WithLabelValues(operation, status).Inc()
}

// ─── Runs ─────────────────────────────────────────────────────────────────────

func (s *sqliteStore) SaveReport(ctx context.Context, report *analytics.Report) (err error) {
	defer func() { observe("save_report", err) }()

	skipped, err := encodeMap(report.SkippedForecasts)
	if err != nil {
		return err
	}
	detectorErrs, err := encodeMap(report.DetectorErrors)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	sum := report.Summary
	_, err = tx.ExecContext(ctx, `
        INSERT INTO runs(id, window_size, generated_at, buckets, origins, flagged_zscore, flagged_outlier,
                         flagged_forecast, flagged_any, undefined_cohorts, skipped_forecasts, detector_errors)
        VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
    `,
		report.RunID, report.Window, report.GeneratedAt.UnixNano(),
		sum.Buckets, sum.Origins, sum.FlaggedZScore, sum.FlaggedOutlier,
		sum.FlaggedForecast, sum.FlaggedAny, report.UndefinedCohorts, skipped, detectorErrs,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO scored_buckets(run_id, window_start, origin, count_sum, z_score, is_anomalous_zscore,
                                   outlier_score, is_anomalous_outlier, forecast_yhat, forecast_lower,
                                   forecast_upper, is_anomalous_forecast)
        VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
    `)
	if err != nil {
		return fmt.Errorf("prepare bucket insert: %w", err)
	}
	defer stmt.Close()

	for _, b := range report.Buckets {
		_, err := stmt.ExecContext(ctx,
			report.RunID, b.WindowStart.UnixNano(), b.Origin, b.CountSum,
			floatArg(b.ZScore), b.IsAnomalousZScore,
			floatArg(b.OutlierScore), b.IsAnomalousOutlier,
			floatArg(b.ForecastYhat), floatArg(b.ForecastLower), floatArg(b.ForecastUpper),
			boolArg(b.IsAnomalousForecast),
		)
		if err != nil {
			return fmt.Errorf("insert bucket %s/%s: %w", b.Origin, b.WindowStart.Format(time.RFC3339), err)
		}
	}

	return tx.Commit()
}

const runColumns = `id, window_size, generated_at, buckets, origins, flagged_zscore, flagged_outlier,
    flagged_forecast, flagged_any, undefined_cohorts, skipped_forecasts, detector_errors`

func (s *sqliteStore) GetRun(ctx context.Context, id string) (rec *RunRecord, err error) {
	defer func() { observe("get_run", err) }()

	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id)
	rec, err = scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %q: %w", id, ErrNotFound)
	}
	return rec, err
}

func (s *sqliteStore) GetReport(ctx context.Context, id string) (report *analytics.Report, err error) {
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	defer func() { observe("get_report", err) }()

	rows, err := s.db.QueryContext(ctx, `
        SELECT window_start, origin, count_sum, z_score, is_anomalous_zscore, outlier_score,
               is_anomalous_outlier, forecast_yhat, forecast_lower, forecast_upper, is_anomalous_forecast
        FROM scored_buckets WHERE run_id=? ORDER BY window_start ASC, origin ASC
    `, id)
	if err != nil {
		return nil, fmt.Errorf("query buckets: %w", err)
	}
	defer rows.Close()

	buckets := make([]analytics.ScoredBucket, 0, run.Buckets)
	for rows.Next() {
		var (
			b                          analytics.ScoredBucket
			start                      int64
			z, score, yhat, low, upper sql.NullFloat64
			forecastFlag               sql.NullBool
		)
		if err := rows.Scan(&start, &b.Origin, &b.CountSum, &z, &b.IsAnomalousZScore, &score,
			&b.IsAnomalousOutlier, &yhat, &low, &upper, &forecastFlag); err != nil {
			return nil, err
		}
		b.WindowStart = time.Unix(0, start).UTC()
		b.ZScore = nullFloat(z)
		b.OutlierScore = nullFloat(score)
		b.ForecastYhat = nullFloat(yhat)
		b.ForecastLower = nullFloat(low)
		b.ForecastUpper = nullFloat(upper)
		if forecastFlag.Valid {
			v := forecastFlag.Bool
			b.IsAnomalousForecast = &v
		}
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &analytics.Report{
		RunID:            run.ID,
		GeneratedAt:      run.GeneratedAt,
		Window:           run.Window,
		Buckets:          buckets,
		Summary:          analytics.Summarize(buckets),
		SkippedForecasts: run.SkippedForecasts,
		UndefinedCohorts: run.UndefinedCohorts,
		DetectorErrors:   run.DetectorErrors,
	}, nil
}

func (s *sqliteStore) ListRuns(ctx context.Context, q RunQuery) (runs []*RunRecord, err error) {
	defer func() { observe("list_runs", err) }()

	var (
		where []string
		args  []any
	)
	if !q.From.IsZero() {
		where = append(where, "generated_at >= ?")
		args = append(args, q.From.UnixNano())
	}
	if !q.To.IsZero() {
		where = append(where, "generated_at < ?")
		args = append(args, q.To.UnixNano())
	}
	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY generated_at DESC, id ASC LIMIT ? OFFSET ?"
	args = append(args, limitOrDefault(q.Limit), q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, rec)
	}
	return runs, rows.Err()
}

func (s *sqliteStore) DeleteRun(ctx context.Context, id string) (err error) {
	defer func() { observe("delete_run", err) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Buckets go first: foreign_keys is a per-connection pragma.
	if _, err := tx.ExecContext(ctx, `DELETE FROM scored_buckets WHERE run_id=?`, id); err != nil {
		return fmt.Errorf("delete buckets: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %q: %w", id, ErrNotFound)
	}
	return tx.Commit()
}

// ─── Anomalies ────────────────────────────────────────────────────────────────

var detectorColumns = map[string]string{
	analytics.DetectorZScore:   "is_anomalous_zscore",
	analytics.DetectorOutlier:  "is_anomalous_outlier",
	analytics.DetectorForecast: "is_anomalous_forecast",
}

const anyFlag = "(is_anomalous_zscore = 1 OR is_anomalous_outlier = 1 OR is_anomalous_forecast = 1)"

func (s *sqliteStore) QueryAnomalies(ctx context.Context, q AnomalyQuery) (out []*AnomalyRecord, err error) {
	defer func() { observe("query_anomalies", err) }()

	where := []string{anyFlag}
	var args []any
	if q.Detector != "" {
		col, ok := detectorColumns[q.Detector]
		if !ok {
			return nil, fmt.Errorf("unknown detector %q", q.Detector)
		}
		where[0] = col + " = 1"
	}
	if q.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, q.RunID)
	}
	if q.Origin != "" {
		where = append(where, "origin = ?")
		args = append(args, q.Origin)
	}
	if !q.From.IsZero() {
		where = append(where, "window_start >= ?")
		args = append(args, q.From.UnixNano())
	}
	if !q.To.IsZero() {
		where = append(where, "window_start < ?")
		args = append(args, q.To.UnixNano())
	}
	args = append(args, limitOrDefault(q.Limit), q.Offset)

	rows, err := s.db.QueryContext(ctx, `
        SELECT run_id, window_start, origin, count_sum,
               is_anomalous_zscore, is_anomalous_outlier, COALESCE(is_anomalous_forecast, 0)
        FROM scored_buckets WHERE `+strings.Join(where, " AND ")+`
        ORDER BY window_start ASC, origin ASC, run_id ASC LIMIT ? OFFSET ?
    `, args...)
	if err != nil {
		return nil, fmt.Errorf("query anomalies: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec                       AnomalyRecord
			start                     int64
			zFlag, outFlag, fcastFlag bool
		)
		if err := rows.Scan(&rec.RunID, &start, &rec.Origin, &rec.CountSum, &zFlag, &outFlag, &fcastFlag); err != nil {
			return nil, err
		}
		rec.WindowStart = time.Unix(0, start).UTC()
		if zFlag {
			rec.Detectors = append(rec.Detectors, analytics.DetectorZScore)
		}
		if outFlag {
			rec.Detectors = append(rec.Detectors, analytics.DetectorOutlier)
		}
		if fcastFlag {
			rec.Detectors = append(rec.Detectors, analytics.DetectorForecast)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AnomalySummary(ctx context.Context, runID string) (summary map[string]int, err error) {
	defer func() { observe("anomaly_summary", err) }()

	rows, err := s.db.QueryContext(ctx, `
        SELECT origin, COUNT(*) FROM scored_buckets
        WHERE run_id = ? AND `+anyFlag+`
        GROUP BY origin
    `, runID)
	if err != nil {
		return nil, fmt.Errorf("anomaly summary: %w", err)
	}
	defer rows.Close()

	summary = make(map[string]int)
	for rows.Next() {
		var origin string
		var n int
		if err := rows.Scan(&origin, &n); err != nil {
			return nil, err
		}
		summary[origin] = n
	}
	return summary, rows.Err()
}

// ─── helpers ──────────────────────────────────────────────────────────────────

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*RunRecord, error) {
	var (
		rec                   RunRecord
		generatedAt           int64
		skipped, detectorErrs string
	)
	err := row.Scan(&rec.ID, &rec.Window, &generatedAt, &rec.Buckets, &rec.Origins,
		&rec.FlaggedZScore, &rec.FlaggedOutlier, &rec.FlaggedForecast, &rec.FlaggedAny,
		&rec.UndefinedCohorts, &skipped, &detectorErrs)
	if err != nil {
		return nil, err
	}
	rec.GeneratedAt = time.Unix(0, generatedAt).UTC()
	if rec.SkippedForecasts, err = decodeMap(skipped); err != nil {
		return nil, fmt.Errorf("run %q skipped_forecasts: %w", rec.ID, err)
	}
	if rec.DetectorErrors, err = decodeMap(detectorErrs); err != nil {
		return nil, fmt.Errorf("run %q detector_errors: %w", rec.ID, err)
	}
	return &rec, nil
}

func encodeMap(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode map: %w", err)
	}
	return string(b), nil
}

// decodeMap returns nil for an empty object so stored reports compare equal
// to the ones that were saved.
func decodeMap(s string) (map[string]string, error) {
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func floatArg(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolArg(v *bool) any {
	if v == nil {
		return nil
	}
	return *v
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}
