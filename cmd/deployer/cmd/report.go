package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/bchip17/co/internal/orchestrator"
)

var reportCmd = &cobra.Command{
	Use:   "report <file>",
	Short: "Print a saved run report",
	Long: `Print a run report written with --report. The exit code is the one the
reported run ended with.

Examples:
  deployer report deployments/run.json
  deployer report deployments/run.json --json`,
	Args: cobra.ExactArgs(1),
	RunE: runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)
}

func runReport(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	report, err := orchestrator.ReadReport(f)
	if err != nil {
		return err
	}
	exitCode = report.ExitCode()

	if jsonOut {
		return printJSON(cmd.OutOrStdout(), report)
	}
	printReport(cmd.OutOrStdout(), report)
	return nil
}
