// gitpulse ingests public merge activity from a code-hosting provider,
// normalizes it into SQLite, enriches it from the provider API, and ranks
// contributors.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gitpulse/gitpulse/internal/config"
	"github.com/gitpulse/gitpulse/internal/telemetry"
)

// Version and Build are stamped by the linker.
var (
	Version = "dev"
	Build   = "unknown"
)

// usageError distinguishes bad invocations (exit 2) from runtime failures
// (exit 1).
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usageErrorf(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

var (
	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "gitpulse",
	Short:         "gitpulse - contributor activity ingestion pipeline",
	Long:          "Ingests recently merged pull requests from the provider's public feed,\nnormalizes them into SQLite, enriches entities from the API, and ranks contributors.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		logger = cfg.NewLogger()
		slog.SetDefault(logger)
		if err := telemetry.Init(cmd.Context(), "gitpulse", Version); err != nil {
			logger.Warn("telemetry init failed", "error", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		telemetry.Shutdown(cmd.Context())
	},
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

// signalContext cancels on SIGINT/SIGTERM so every command shuts down
// gracefully.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func main() {
	ctx, cancel := signalContext()
	defer cancel()

	rootCmd.SetContext(ctx)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ue *usageError
		if errors.As(err, &ue) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
