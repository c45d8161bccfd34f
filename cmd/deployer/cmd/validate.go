package cmd

import (
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the deployed wiring",
	Long: `Read the wiring of every configured resource back from the chain and compare
it with the descriptor set. Nothing is sent to the chain; resources without
mismatches are marked verified.

Examples:
  deployer validate
  deployer validate --mode extend --json`,
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().StringP("descriptor", "d", "", "descriptor set file (default: generated from config)")
	validateCmd.Flags().String("mode", "bootstrap", "run mode whose set is validated (bootstrap, extend)")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	mode, err := parseMode(cmd)
	if err != nil {
		return err
	}

	e, err := setup(ctx, true)
	if err != nil {
		return err
	}
	defer e.close()

	path, _ := cmd.Flags().GetString("descriptor")
	set, err := descriptorSet(e.cfg, mode, path)
	if err != nil {
		return err
	}

	report, err := e.orchestrator().Validate(ctx, set)
	if report == nil {
		return err
	}
	exitCode = report.ExitCode()

	if jsonOut {
		if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
			return perr
		}
		return err
	}
	printReport(cmd.OutOrStdout(), report)
	return err
}
