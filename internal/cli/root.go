// Package cli implements the orderwatch command tree.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kubilitics/orderwatch/internal/analytics"
	"github.com/kubilitics/orderwatch/internal/audit"
	"github.com/kubilitics/orderwatch/internal/config"
	"github.com/kubilitics/orderwatch/internal/db"
	"github.com/kubilitics/orderwatch/internal/logging"
)

type app struct {
	configPath string
	logLevel   string

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

// NewRootCommand builds the command tree on the process's standard streams.
func NewRootCommand() *cobra.Command {
	return newRootCommand(os.Stdin, os.Stdout, os.Stderr)
}

// NewRootCommandWithIO builds the command tree on the given streams.
func NewRootCommandWithIO(in io.Reader, out, errOut io.Writer) *cobra.Command {
	return newRootCommand(in, out, errOut)
}

func newRootCommand(in io.Reader, out, errOut io.Writer) *cobra.Command {
	a := &app{stdin: in, stdout: out, stderr: errOut}

	cmd := &cobra.Command{
		Use:           "orderwatch",
		Short:         "Detect drops in order volume per origin",
		Long:          "orderwatch aggregates order events into windows and flags anomalous buckets with a cohort z-score, an isolation forest and a seasonal forecast.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)

	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to a YAML config file (ORDERWATCH_* variables override it)")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override logging.level")

	cmd.AddCommand(
		newDetectCmd(a),
		newGenerateCmd(a),
		newServeCmd(a),
		newRunsCmd(a),
	)
	return cmd
}

// loadConfig loads and validates the configuration. The manager is returned
// for commands that watch the file.
func (a *app) loadConfig(ctx context.Context) (*config.Config, config.ConfigManager, error) {
	mgr, err := config.NewConfigManager(a.configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := mgr.Load(ctx); err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := mgr.Validate(ctx); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg := mgr.Get(ctx)
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	return cfg, mgr, nil
}

// newLogger writes to the configured path, or to the command's stderr.
func (a *app) newLogger(cfg *config.Config) (*zap.Logger, error) {
	lc := logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Path:       cfg.Logging.Path,
		MaxSize:    cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	}
	if lc.Path != "" {
		return logging.New(lc)
	}
	return logging.NewWithWriter(lc, a.stderr)
}

// newAuditor returns a nop logger unless audit.enabled is set.
func (a *app) newAuditor(cfg *config.Config, logger *zap.Logger) (audit.Logger, error) {
	if !cfg.Audit.Enabled {
		return audit.NewNop(), nil
	}
	ac := audit.DefaultConfig()
	ac.Path = cfg.Audit.Path
	return audit.NewLogger(ac, logger)
}

func (a *app) openStore(cfg *config.Config) (db.Store, error) {
	store, err := db.NewSQLiteStore(cfg.Database.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.Database.SQLitePath, err)
	}
	return store, nil
}

// runtime bundles what every engine-driven command needs.
type runtime struct {
	cfg     *config.Config
	mgr     config.ConfigManager
	logger  *zap.Logger
	auditor audit.Logger
}

func (a *app) setup(ctx context.Context) (*runtime, error) {
	cfg, mgr, err := a.loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	logger, err := a.newLogger(cfg)
	if err != nil {
		return nil, err
	}
	auditor, err := a.newAuditor(cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("audit logger: %w", err)
	}
	source := a.configPath
	if source == "" {
		source = "defaults"
	}
	_ = auditor.Log(ctx, audit.NewEvent(audit.EventConfigLoaded).
		WithDescription("configuration loaded").
		WithMetadata("source", source).
		WithResult(audit.ResultSuccess))
	return &runtime{cfg: cfg, mgr: mgr, logger: logger, auditor: auditor}, nil
}

func (r *runtime) engine() (*analytics.Engine, error) {
	engineCfg, err := analytics.EngineConfigFrom(r.cfg)
	if err != nil {
		return nil, err
	}
	return analytics.NewEngine(engineCfg, r.logger, r.auditor)
}

func (r *runtime) close() {
	_ = r.auditor.Close()
	_ = r.logger.Sync()
}
