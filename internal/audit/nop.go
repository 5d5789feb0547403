package audit

import (
	"context"
	"time"
)

// NewNop returns a Logger that discards every event.
func NewNop() Logger { return nopLogger{} }

type nopLogger struct{}

func (nopLogger) Log(context.Context, *Event) error { return nil }
func (nopLogger) LogRunStarted(context.Context, string, int) error { return nil }
func (nopLogger) LogRunCompleted(context.Context, string, int, int, time.Duration) error { return nil }
func (nopLogger) LogRunFailed(context.Context, string, error) error { return nil }
func (nopLogger) LogUndefinedBaselines(context.Context, string, []string) error { return nil }
func (nopLogger) LogForecastSkipped(context.Context, string, string, error) error { return nil }
func (nopLogger) LogDetectorFailed(context.Context, string, string, error) error { return nil }
func (nopLogger) LogConfigReload(context.Context, string, error) error { return nil }
func (nopLogger) Sync() error { return nil }
func (nopLogger) Close() error { return nil }
