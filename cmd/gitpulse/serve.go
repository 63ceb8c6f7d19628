package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gitpulse/gitpulse/internal/scheduler"
	"github.com/gitpulse/gitpulse/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane and the schedule evaluator",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, ctx)
		if err != nil {
			return err
		}
		defer a.close()

		// A previous process may have died mid-run and left the singleton
		// taken; release it before anything tries to start.
		repaired, err := a.jobs.RepairDanglingRuns(ctx)
		if err != nil {
			return err
		}
		if repaired > 0 {
			logger.Warn("repaired runs left dangling by a previous process", "count", repaired)
		}

		sched := scheduler.New(a.jobs, a.runner, cfg.Location(), logger)
		srv := server.New(a.store, a.jobs, a.runner, cfg, logger).
			WithRateLimitSource(a.provider.RateLimit)

		g, groupCtx := errgroup.WithContext(ctx)
		g.Go(func() error { return srv.Start(groupCtx) })
		g.Go(func() error { return sched.Run(groupCtx) })

		err = g.Wait()
		a.runner.Shutdown()
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		logger.Info("shutdown complete")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
