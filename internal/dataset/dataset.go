package dataset

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/kubilitics/orderwatch/internal/analytics/timeseries"
)

// Package dataset reads order observations from files and writes reports.
//
// Input formats:
//   - CSV with a header row naming timestamp, origin and count columns
//   - JSON array of {"timestamp", "origin", "count"} objects
//
// Rows are streamed into a Sink (normally a *timeseries.Aggregator) so a file
// is never held in memory as raw events.
//
// Output formats:
//   - Report CSV: one row per scored bucket, empty cells for undefined values
//   - Report JSON: the full report object
//   - Observation CSV / JSON: synthetic fixture data

// Format is a file encoding.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

var (
	// ErrUnknownFormat is returned for formats other than csv and json.
	ErrUnknownFormat = errors.New("unknown format")

	// ErrMissingColumn is returned when a CSV header lacks a required column.
	ErrMissingColumn = errors.New("missing column")

	// ErrInvalidRow is returned for rows that cannot be parsed.
	ErrInvalidRow = errors.New("invalid row")
)

// ParseFormat accepts "csv" or "json" in any case.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatJSON:
		return f, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// FormatFromPath infers the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if ext == "" {
		return "", fmt.Errorf("%w: %q has no extension", ErrUnknownFormat, path)
	}
	return ParseFormat(ext)
}

// Sink receives parsed observations.
type Sink interface {
	Add(timeseries.Observation) error
}

// SliceSink collects observations in memory.
type SliceSink struct {
	Observations []timeseries.Observation
}

func (s *SliceSink) Add(o timeseries.Observation) error {
	s.Observations = append(s.Observations, o)
	return nil
}

// Column aliases accepted in CSV headers, matched case-insensitively.
var (
	timestampColumns = []string{"timestamp", "data", "ds", "ped_data_hora"}
	originColumns    = []string{"origin", "origem", "ped_origem"}
	countColumns     = []string{"count", "quantidade", "y"}
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseTimestamp parses RFC3339 or a zone-less layout. Zone-less values are
// interpreted in loc.
func ParseTimestamp(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
