package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gitpulse/gitpulse/internal/storage/sqlite"
	"github.com/gitpulse/gitpulse/internal/storage/sqlite/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Opening the store applies the schema and any pending migrations.
		store, err := sqlite.New(cmd.Context(), cfg.DBPath)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		defer func() { _ = store.Close() }()

		applied, err := migrations.Applied(store.DB())
		if err != nil {
			return err
		}
		fmt.Printf("database %s is up to date (%d migrations applied)\n", cfg.DBPath, len(applied))
		for _, name := range applied {
			fmt.Printf("  %s\n", name)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("gitpulse version %s (%s)\n", Version, Build)
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}
