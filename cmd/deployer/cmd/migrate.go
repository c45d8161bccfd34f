package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bchip17/co/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate <up|down>",
	Short: "Apply or roll back the Postgres registry schema",
	Long: `Apply pending registry schema migrations, or roll back the most recent ones.
Runs with the postgres registry backend apply pending migrations on their
own; this command is for upgrades and rollbacks done ahead of a run.

Examples:
  deployer migrate up
  deployer migrate down --steps 1`,
	Args: cobra.ExactArgs(1),
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().Int("steps", 1, "number of migrations to roll back")
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Registry.Backend != "postgres" {
		return fmt.Errorf("migrate needs the postgres registry backend, not %q", cfg.Registry.Backend)
	}

	switch args[0] {
	case "up":
		if err := database.RunMigrations(cfg.Database); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Registry schema is up to date")
	case "down":
		steps, _ := cmd.Flags().GetInt("steps")
		if steps < 1 {
			return errors.New("--steps must be at least 1")
		}
		if err := database.MigrateDown(cfg.Database, steps); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Rolled back %d migration(s)\n", steps)
	default:
		return fmt.Errorf("unknown direction %q (up, down)", args[0])
	}
	return nil
}
