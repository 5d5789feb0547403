package dataset

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kubilitics/orderwatch/internal/analytics/timeseries"
)

// ReadFile opens path and streams its rows into sink. An empty format is
// inferred from the extension. Returns the number of rows read.
func ReadFile(path string, format Format, loc *time.Location, sink Sink) (int, error) {
	if format == "" {
		f, err := FormatFromPath(path)
		if err != nil {
			return 0, err
		}
		format = f
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open input: %w", err)
	}
	defer f.Close()
	return Read(f, format, loc, sink)
}

// Read streams observations encoded in format into sink.
func Read(r io.Reader, format Format, loc *time.Location, sink Sink) (int, error) {
	switch format {
	case FormatCSV:
		return ReadCSV(r, loc, sink)
	case FormatJSON:
		return ReadJSON(r, loc, sink)
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}

// ReadCSV reads a CSV file with a header row. Extra columns are ignored.
func ReadCSV(r io.Reader, loc *time.Location, sink Sink) (int, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("%w: empty input", ErrMissingColumn)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read header: %w", err)
	}
	ts, origin, count, err := resolveColumns(header)
	if err != nil {
		return 0, err
	}
	// Records of different width are tolerated as long as the columns exist.
	cr.FieldsPerRecord = -1
	need := max(ts, origin, count)

	rows := 0
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return rows, fmt.Errorf("%w: %w", ErrInvalidRow, err)
		}
		line, _ := cr.FieldPos(0)
		if len(record) <= need {
			return rows, fmt.Errorf("%w: line %d has %d fields", ErrInvalidRow, line, len(record))
		}
		obs, err := parseRow(record[ts], record[origin], record[count], loc)
		if err != nil {
			return rows, fmt.Errorf("%w: line %d: %v", ErrInvalidRow, line, err)
		}
		if err := sink.Add(obs); err != nil {
			return rows, fmt.Errorf("line %d: %w", line, err)
		}
		rows++
	}
}

func resolveColumns(header []string) (ts, origin, count int, err error) {
	index := make(map[string]int, len(header))
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if _, dup := index[name]; !dup {
			index[name] = i
		}
	}
	find := func(aliases []string) (int, error) {
		for _, a := range aliases {
			if i, ok := index[a]; ok {
				return i, nil
			}
		}
		return 0, fmt.Errorf("%w: one of %s", ErrMissingColumn, strings.Join(aliases, "|"))
	}
	if ts, err = find(timestampColumns); err != nil {
		return
	}
	if origin, err = find(originColumns); err != nil {
		return
	}
	count, err = find(countColumns)
	return
}

func parseRow(ts, origin, count string, loc *time.Location) (timeseries.Observation, error) {
	t, err := ParseTimestamp(ts, loc)
	if err != nil {
		return timeseries.Observation{}, err
	}
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return timeseries.Observation{}, errors.New("empty origin")
	}
	n, err := parseCount(count)
	if err != nil {
		return timeseries.Observation{}, err
	}
	return timeseries.Observation{Timestamp: t, Origin: origin, Count: n}, nil
}

// parseCount accepts integers and integral floats such as "12.0".
func parseCount(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("count %q is not a number", s)
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("count %q is not a whole number", s)
	}
	return int64(f), nil
}

// jsonObservation mirrors timeseries.Observation with a textual timestamp so
// zone-less values can be resolved against the configured location.
type jsonObservation struct {
	Timestamp string      `json:"timestamp"`
	Origin    string      `json:"origin"`
	Count     json.Number `json:"count"`
}

// ReadJSON decodes a JSON array of observations element by element.
func ReadJSON(r io.Reader, loc *time.Location, sink Sink) (int, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidRow, err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return 0, fmt.Errorf("%w: expected a JSON array", ErrInvalidRow)
	}

	rows := 0
	for dec.More() {
		var raw jsonObservation
		if err := dec.Decode(&raw); err != nil {
			return rows, fmt.Errorf("%w: element %d: %w", ErrInvalidRow, rows, err)
		}
		obs, err := parseRow(raw.Timestamp, raw.Origin, raw.Count.String(), loc)
		if err != nil {
			return rows, fmt.Errorf("%w: element %d: %v", ErrInvalidRow, rows, err)
		}
		if err := sink.Add(obs); err != nil {
			return rows, fmt.Errorf("element %d: %w", rows, err)
		}
		rows++
	}
	if _, err := dec.Token(); err != nil {
		return rows, fmt.Errorf("%w: %w", ErrInvalidRow, err)
	}
	return rows, nil
}
