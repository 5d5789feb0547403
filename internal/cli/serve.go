package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kubilitics/orderwatch/internal/db"
	"github.com/kubilitics/orderwatch/internal/server"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Serve POST /api/v1/detect and, when database.enabled is set, the stored
run routes. Changes to the config file are applied to the engine without a
restart; server settings need one.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.runServe(ctx)
		},
	}
}

// runServe blocks until ctx is cancelled, then shuts the server down.
func (a *app) runServe(ctx context.Context) error {
	rt, err := a.setup(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	var store db.Store
	if rt.cfg.Database.Enabled {
		if store, err = a.openStore(rt.cfg); err != nil {
			return err
		}
		defer store.Close()
	}

	srv, err := server.NewServer(rt.cfg, store, rt.logger, rt.auditor)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go srv.WatchConfig(watchCtx, rt.mgr.Watch(watchCtx), a.configPath)

	<-ctx.Done()
	rt.logger.Info("received shutdown signal")
	return srv.Stop()
}
