package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kubilitics/orderwatch/internal/db"
)

type runsOptions struct {
	limit  int
	offset int
	json   bool
}

func newRunsCmd(a *app) *cobra.Command {
	var o runsOptions
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List stored runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runRuns(cmd, o)
		},
	}
	cmd.Flags().IntVar(&o.limit, "limit", 20, "maximum runs to list")
	cmd.Flags().IntVar(&o.offset, "offset", 0, "runs to skip")
	cmd.Flags().BoolVar(&o.json, "json", false, "print JSON instead of a table")
	cmd.AddCommand(newRunsDeleteCmd(a))
	return cmd
}

func newRunsDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete RUN_ID",
		Short: "Delete a stored run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openExistingStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.DeleteRun(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "deleted %s\n", args[0])
			return nil
		},
	}
}

// openExistingStore refuses to create an empty database for read commands.
func (a *app) openExistingStore(cmd *cobra.Command) (db.Store, error) {
	cfg, _, err := a.loadConfig(cmd.Context())
	if err != nil {
		return nil, err
	}
	if cfg.Database.SQLitePath != ":memory:" {
		if _, err := os.Stat(cfg.Database.SQLitePath); err != nil {
			return nil, fmt.Errorf("no store at %s: %w", cfg.Database.SQLitePath, err)
		}
	}
	return a.openStore(cfg)
}

func (a *app) runRuns(cmd *cobra.Command, o runsOptions) error {
	if o.limit <= 0 {
		return fmt.Errorf("--limit must be positive")
	}
	store, err := a.openExistingStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(cmd.Context(), db.RunQuery{Limit: o.limit, Offset: o.offset})
	if err != nil {
		return err
	}

	if o.json {
		if runs == nil {
			runs = []*db.RunRecord{}
		}
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}

	tw := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tGENERATED\tWINDOW\tBUCKETS\tFLAGGED\tZSCORE\tOUTLIER\tFORECAST")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
			r.ID, r.GeneratedAt.UTC().Format(time.RFC3339), r.Window, r.Buckets,
			r.FlaggedAny, r.FlaggedZScore, r.FlaggedOutlier, r.FlaggedForecast)
	}
	return tw.Flush()
}
