package dataset

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/kubilitics/orderwatch/internal/analytics"
	"github.com/kubilitics/orderwatch/internal/analytics/timeseries"
)

// ReportColumns is the header of a report CSV.
var ReportColumns = []string{
	"window_start",
	"origin",
	"count_sum",
	"z_score",
	"is_anomalous_zscore",
	"outlier_score",
	"is_anomalous_outlier",
	"forecast_yhat",
	"forecast_lower",
	"is_anomalous_forecast",
}

// WriteReport encodes report in format.
func WriteReport(w io.Writer, format Format, report *analytics.Report) error {
	switch format {
	case FormatCSV:
		return WriteReportCSV(w, report)
	case FormatJSON:
		return WriteReportJSON(w, report)
	}
	return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}

// WriteReportFile creates path and writes the report to it.
func WriteReportFile(path string, format Format, report *analytics.Report) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return WriteReport(f, format, report)
}

// WriteReportCSV writes one row per scored bucket. Undefined values are
// written as empty cells.
func WriteReportCSV(w io.Writer, report *analytics.Report) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ReportColumns); err != nil {
		return err
	}
	for _, b := range report.Buckets {
		row := []string{
			b.WindowStart.UTC().Format(time.RFC3339),
			b.Origin,
			strconv.FormatInt(b.CountSum, 10),
			formatFloat(b.ZScore),
			strconv.FormatBool(b.IsAnomalousZScore),
			formatFloat(b.OutlierScore),
			strconv.FormatBool(b.IsAnomalousOutlier),
			formatFloat(b.ForecastYhat),
			formatFloat(b.ForecastLower),
			formatBool(b.IsAnomalousForecast),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteReportJSON writes the report as an indented JSON object.
func WriteReportJSON(w io.Writer, report *analytics.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// WriteObservations encodes observations in format, e.g. generated fixtures.
func WriteObservations(w io.Writer, format Format, observations []timeseries.Observation) error {
	switch format {
	case FormatCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write([]string{"timestamp", "origin", "count"}); err != nil {
			return err
		}
		for _, o := range observations {
			row := []string{o.Timestamp.Format(time.RFC3339), o.Origin, strconv.FormatInt(o.Count, 10)}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	case FormatJSON:
		if observations == nil {
			observations = []timeseries.Observation{}
		}
		return json.NewEncoder(w).Encode(observations)
	}
	return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}

// WriteObservationsFile creates path and writes observations to it.
func WriteObservationsFile(path string, format Format, observations []timeseries.Observation) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return WriteObservations(f, format, observations)
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func formatBool(v *bool) string {
	if v == nil {
		return ""
	}
	return strconv.FormatBool(*v)
}
