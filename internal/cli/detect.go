package cli

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kubilitics/orderwatch/internal/analytics"
	"github.com/kubilitics/orderwatch/internal/analytics/timeseries"
	"github.com/kubilitics/orderwatch/internal/dataset"
)

// errNoObservations is returned when the input holds a header or an empty array only.
var errNoObservations = errors.New("no observations in input")

type detectOptions struct {
	input         string
	format        string
	output        string
	outputFormat  string
	store         bool
	anomaliesOnly bool
	printConfig   bool
}

func newDetectCmd(a *app) *cobra.Command {
	var o detectOptions
	cmd := &cobra.Command{
		Use:   "detect --input FILE",
		Short: "Score an order-count file and write the report",
		Long: `Aggregate the observations of a CSV or JSON file into windows, run the
z-score, isolation forest and forecast detectors, and write one row per
(window, origin) with every detector's output.

Examples:

  orderwatch detect --input orders.csv
  orderwatch detect --input orders.json --output report.csv --store
  cat orders.csv | orderwatch detect --input - --format csv --anomalies-only`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runDetect(cmd, o)
		},
	}
	cmd.Flags().StringVarP(&o.input, "input", "i", "", `observations file, "-" for stdin`)
	cmd.Flags().StringVarP(&o.format, "format", "f", "", "input format: csv|json (default: from the file extension, json for stdin)")
	cmd.Flags().StringVarP(&o.output, "output", "o", "-", `report file, "-" for stdout`)
	cmd.Flags().StringVar(&o.outputFormat, "output-format", "", "report format: csv|json (default: from the output extension, json for stdout)")
	cmd.Flags().BoolVar(&o.store, "store", false, "persist the report to database.sqlite_path")
	cmd.Flags().BoolVar(&o.anomaliesOnly, "anomalies-only", false, "write flagged buckets only")
	cmd.Flags().BoolVar(&o.printConfig, "print-config", false, "print the effective configuration as YAML and exit")
	return cmd
}

func (a *app) runDetect(cmd *cobra.Command, o detectOptions) error {
	ctx := cmd.Context()
	rt, err := a.setup(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	if o.printConfig {
		enc := yaml.NewEncoder(a.stdout)
		enc.SetIndent(2)
		if err := enc.Encode(rt.cfg); err != nil {
			return err
		}
		return enc.Close()
	}
	if o.input == "" {
		return fmt.Errorf("--input is required")
	}

	inFormat, err := resolveFormat(o.format, o.input)
	if err != nil {
		return fmt.Errorf("input: %w", err)
	}
	outFormat, err := resolveFormat(o.outputFormat, o.output)
	if err != nil {
		return fmt.Errorf("output: %w", err)
	}

	engine, err := rt.engine()
	if err != nil {
		return err
	}
	engineCfg := engine.Config()
	agg, err := timeseries.NewAggregator(engineCfg.Window)
	if err != nil {
		return err
	}

	var rows int
	if o.input == "-" {
		rows, err = dataset.Read(a.stdin, inFormat, engineCfg.Location, agg)
	} else {
		rows, err = dataset.ReadFile(o.input, inFormat, engineCfg.Location, agg)
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", o.input, err)
	}
	if rows == 0 {
		return errNoObservations
	}
	rt.logger.Info("observations loaded",
		zap.String("input", o.input),
		zap.Int("rows", rows),
		zap.Int("buckets", agg.Len()),
	)

	report, err := engine.RunAggregated(ctx, agg)
	if err != nil {
		return err
	}

	if o.store {
		store, err := a.openStore(rt.cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.SaveReport(ctx, report); err != nil {
			return fmt.Errorf("store report: %w", err)
		}
	}

	written := report
	if o.anomaliesOnly {
		filtered := *report
		filtered.Buckets = report.Anomalies()
		written = &filtered
	}
	if o.output == "-" {
		err = dataset.WriteReport(a.stdout, outFormat, written)
	} else {
		err = dataset.WriteReportFile(o.output, outFormat, written)
	}
	if err != nil {
		return fmt.Errorf("write report: %w", err)
	}

	printSummary(a.stderr, report, o.store)
	return nil
}

// resolveFormat prefers an explicit flag, then the path extension. Standard
// streams default to JSON.
func resolveFormat(flag, path string) (dataset.Format, error) {
	if flag != "" {
		return dataset.ParseFormat(flag)
	}
	if path == "-" || path == "" {
		return dataset.FormatJSON, nil
	}
	return dataset.FormatFromPath(path)
}

func printSummary(w io.Writer, report *analytics.Report, stored bool) {
	s := report.Summary
	fmt.Fprintf(w, "run %s: %d buckets across %d origins, %d flagged (%.2f%%)\n",
		report.RunID, s.Buckets, s.Origins, s.FlaggedAny, 100*s.FlagRate())
	fmt.Fprintf(w, "  zscore %d  outlier %d  forecast %d  undefined cohorts %d\n",
		s.FlaggedZScore, s.FlaggedOutlier, s.FlaggedForecast, report.UndefinedCohorts)

	printSorted(w, "forecast skipped", report.SkippedForecasts)
	printSorted(w, "detector failed", report.DetectorErrors)
	if stored {
		fmt.Fprintf(w, "  stored as %s\n", report.RunID)
	}
}

func printSorted(w io.Writer, label string, m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s %s: %s\n", label, k, m[k])
	}
}
