package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-ar-invoices/internal/config"
	"github.com/pesio-ai/be-ar-invoices/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := database.Migrate(cfg.Database.DSN()); err != nil {
			return err
		}
		log.Info().Str("database", cfg.Database.Database).Msg("Migrations applied")
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back migrations",
	Example: `  # Roll back the last migration
  arctl migrate down --steps 1`,
	RunE: func(cmd *cobra.Command, args []string) error {
		steps, _ := cmd.Flags().GetInt("steps")
		if steps <= 0 {
			return fmt.Errorf("steps must be positive")
		}
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := database.MigrateDown(cfg.Database.DSN(), steps); err != nil {
			return err
		}
		log.Info().Int("steps", steps).Msg("Migrations rolled back")
		return nil
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		v, dirty, err := database.MigrationVersion(cfg.Database.DSN())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", v, dirty)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd)

	migrateDownCmd.Flags().Int("steps", 1, "Number of migrations to roll back")
}
