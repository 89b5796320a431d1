package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"uniops/internal/app"
)

var shutdownTimeout time.Duration

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the scheduler daemon",
	Long: `Start the scheduler in the foreground.

The daemon reconciles every declared job with its persisted config, then
runs until SIGINT or SIGTERM. In-flight runs get the shutdown timeout to finish.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := app.New(ctx, cfgPath)
		if err != nil {
			return err
		}
		if err := a.Start(ctx); err != nil {
			_ = a.Stop(context.Background(), app.StopFatalError)
			return err
		}

		reason := app.StopSignal
		select {
		case <-ctx.Done():
		case <-a.Done():
			reason = app.StopFatalError
		}

		stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stopCancel()
		if err := a.Stop(stopCtx, reason); err != nil {
			return err
		}
		if reason == app.StopFatalError {
			return fmt.Errorf("daemon stopped: %w", a.Err())
		}
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a config file without starting anything",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := app.LoadConfig(cmd.Context(), cfgPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d declared jobs, storage %q)\n", cfgPath, len(cfg.Jobs), cfg.Storage.Driver)
		return nil
	},
}

func init() {
	runCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 15*time.Second, "bound on graceful shutdown")
}
