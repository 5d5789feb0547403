package ml

import (
	"errors"
	"fmt"
)

// Severity represents the severity level of an anomaly detected by IsolationForest.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Mode selects how buckets of different origins share a forest.
type Mode string

const (
	// ModeNormalized fits one forest with counts scaled by their origin median.
	ModeNormalized Mode = "normalized"
	// ModePerOrigin fits one forest per origin on raw features.
	ModePerOrigin Mode = "per_origin"
	// ModeJoint fits one forest over raw counts of every origin.
	ModeJoint Mode = "joint"
)

// Defaults for the outlier detector.
const (
	DefaultContamination = 0.01
	DefaultSeed          = 42
	DefaultNumTrees      = 100
	DefaultSampleSize    = 256
)

var (
	// ErrInvalidContamination is returned for a contamination outside (0, 0.5].
	ErrInvalidContamination = errors.New("contamination must be in (0, 0.5]")

	// ErrUnknownMode is returned for an unsupported outlier mode.
	ErrUnknownMode = errors.New("unknown outlier mode")

	// ErrInvalidFeatures is returned by Fit when points disagree on dimension
	// or carry a non-finite feature.
	ErrInvalidFeatures = errors.New("invalid feature vectors")
)

// ParseMode validates a mode name; the empty string selects ModeNormalized.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return ModeNormalized, nil
	case ModeNormalized, ModePerOrigin, ModeJoint:
		return Mode(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}
