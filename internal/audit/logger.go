package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger defines the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *Event) error

	// Run lifecycle events
	LogRunStarted(ctx context.Context, runID string, observations int) error
	LogRunCompleted(ctx context.Context, runID string, buckets, flagged int, duration time.Duration) error
	LogRunFailed(ctx context.Context, runID string, err error) error

	// Data quality events
	LogUndefinedBaselines(ctx context.Context, runID string, cohorts []string) error
	LogForecastSkipped(ctx context.Context, runID, origin string, reason error) error
	LogDetectorFailed(ctx context.Context, runID, detector string, err error) error

	// LogConfigReload logs a configuration reload attempt
	LogConfigReload(ctx context.Context, path string, err error) error

	// Sync flushes buffered log entries
	Sync() error

	// Close closes the audit logger
	Close() error
}

// Config represents audit logger configuration
type Config struct {
	// Path is the path to the audit log file
	Path string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old log files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool

	// FlushInterval is how often buffered events are written
	FlushInterval time.Duration
}

// DefaultConfig returns default audit logger configuration
func DefaultConfig() *Config {
	return &Config{
		Path:          "logs/audit.log",
		MaxSize:       100, // megabytes
		MaxBackups:    10,
		MaxAge:        30, // days
		Compress:      true,
		FlushInterval: time.Second,
	}
}

const bufferSize = 100

// auditLogger implements the Logger interface
type auditLogger struct {
	auditLogger *zap.Logger
	errLogger   *zap.Logger
	config      *Config
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
	closeOnce   sync.Once
}

// NewLogger creates a new audit logger writing JSON lines to a rotated file.
// errLogger receives failures of the audit pipeline itself and may be nil.
func NewLogger(config *Config, errLogger *zap.Logger) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Path == "" {
		return nil, fmt.Errorf("audit log path is required")
	}
	if errLogger == nil {
		errLogger = zap.NewNop()
	}
	interval := config.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "message",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
	}

	rotator := &lumberjack.Logger{
		Filename:   config.Path,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}

	// Audit logs are always INFO level, append-only
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(rotator),
		zapcore.InfoLevel,
	)

	logger := &auditLogger{
		auditLogger: zap.New(core),
		errLogger:   errLogger,
		config:      config,
		buffer:      make([]*Event, 0, bufferSize),
		flushTicker: time.NewTicker(interval),
		stopCh:      make(chan struct{}),
	}

	go logger.autoFlush()

	return logger, nil
}

// Log logs an audit event
func (l *auditLogger) Log(ctx context.Context, event *Event) error {
	if event.CorrelationID == "" {
		event.CorrelationID = GetCorrelationID(ctx)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.buffer = append(l.buffer, event)
	if len(l.buffer) >= bufferSize {
		return l.flushLocked()
	}
	return nil
}

// flushLocked flushes the buffer (caller must hold lock)
func (l *auditLogger) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}

	for _, event := range l.buffer {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			l.errLogger.Error("failed to marshal audit event",
				zap.Error(err),
				zap.String("event_type", string(event.EventType)),
			)
			continue
		}

		l.auditLogger.Info(string(eventJSON),
			zap.String("correlation_id", event.CorrelationID),
			zap.String("event_type", string(event.EventType)),
			zap.String("result", string(event.Result)),
		)
	}

	l.buffer = l.buffer[:0]
	return nil
}

// autoFlush periodically flushes the buffer
func (l *auditLogger) autoFlush() {
	for {
		select {
		case <-l.flushTicker.C:
			l.mu.Lock()
			_ = l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// LogRunStarted logs when a detection run starts
func (l *auditLogger) LogRunStarted(ctx context.Context, runID string, observations int) error {
	event := NewEvent(EventRunStarted).
		WithCorrelationID(runID).
		WithResult(ResultSuccess).
		WithMetadata("observations", observations).
		WithDescription(fmt.Sprintf("Run %s started", runID))

	return l.Log(ctx, event)
}

// LogRunCompleted logs when a detection run completes
func (l *auditLogger) LogRunCompleted(ctx context.Context, runID string, buckets, flagged int, duration time.Duration) error {
	event := NewEvent(EventRunCompleted).
		WithCorrelationID(runID).
		WithResult(ResultSuccess).
		WithDuration(duration).
		WithMetadata("buckets", buckets).
		WithMetadata("flagged", flagged).
		WithDescription(fmt.Sprintf("Run %s completed: %d of %d buckets flagged", runID, flagged, buckets))

	return l.Log(ctx, event)
}

// LogRunFailed logs when a detection run fails
func (l *auditLogger) LogRunFailed(ctx context.Context, runID string, err error) error {
	event := NewEvent(EventRunFailed).
		WithCorrelationID(runID).
		WithError(err, "run_error").
		WithDescription(fmt.Sprintf("Run %s failed", runID))

	return l.Log(ctx, event)
}

// LogUndefinedBaselines logs cohorts whose z-score could not be computed
func (l *auditLogger) LogUndefinedBaselines(ctx context.Context, runID string, cohorts []string) error {
	event := NewEvent(EventUndefinedBaseline).
		WithCorrelationID(runID).
		WithResult(ResultDegraded).
		WithMetadata("count", len(cohorts)).
		WithMetadata("cohorts", cohorts).
		WithDescription(fmt.Sprintf("%d cohort(s) without a usable baseline", len(cohorts)))

	return l.Log(ctx, event)
}

// LogForecastSkipped logs an origin the forecast detector could not fit
func (l *auditLogger) LogForecastSkipped(ctx context.Context, runID, origin string, reason error) error {
	event := NewEvent(EventInsufficientHistory).
		WithCorrelationID(runID).
		WithSubject(origin, "origin").
		WithResult(ResultDegraded).
		WithDescription(fmt.Sprintf("Forecast not applicable for %s", origin))
	if reason != nil {
		event.Error = reason.Error()
		event.ErrorCode = "insufficient_history"
	}

	return l.Log(ctx, event)
}

// LogDetectorFailed logs a detector error isolated from the run
func (l *auditLogger) LogDetectorFailed(ctx context.Context, runID, detector string, err error) error {
	event := NewEvent(EventDetectorFailed).
		WithCorrelationID(runID).
		WithSubject(detector, "detector").
		WithError(err, "detector_error").
		WithDescription(fmt.Sprintf("Detector %s failed", detector))

	return l.Log(ctx, event)
}

// LogConfigReload logs a configuration reload attempt
func (l *auditLogger) LogConfigReload(ctx context.Context, path string, err error) error {
	event := NewEvent(EventConfigReload).
		WithSubject(path, "file").
		WithResult(ResultSuccess).
		WithError(err, "config_invalid")

	return l.Log(ctx, event)
}

// Sync flushes buffered log entries
func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}
	if err := l.auditLogger.Sync(); err != nil && !isIgnorableSyncError(err) {
		return err
	}
	return nil
}

// Close closes the audit logger
func (l *auditLogger) Close() error {
	l.closeOnce.Do(func() {
		close(l.stopCh)
		l.flushTicker.Stop()
	})
	return l.Sync()
}

// isIgnorableSyncError reports fsync errors on descriptors that do not support it.
func isIgnorableSyncError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "invalid argument") || strings.Contains(msg, "inappropriate ioctl")
}

type correlationKey struct{}

// GetCorrelationID extracts correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

// WithCorrelationID adds correlation ID to context
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// GenerateCorrelationID generates a new correlation ID
func GenerateCorrelationID() string {
	return uuid.NewString()
}
