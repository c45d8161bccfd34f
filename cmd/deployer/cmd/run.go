package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/bchip17/co/internal/orchestrator"
)

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Deploy and wire every contract",
	Long: `Deploy Router, Trading, Oracle, Treasury, the BCP pool and a pool with pool
and BCP rewards per configured currency, wire them and list the configured
products. The wiring is validated at the end.

Without --descriptor the set is generated from the topology section of the
config file.

Examples:
  deployer bootstrap --config avalanche.yaml
  deployer bootstrap --descriptor deployments/custom.yaml --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDeployment(cmd, orchestrator.ModeBootstrap)
	},
}

var extendCmd = &cobra.Command{
	Use:   "extend",
	Short: "Attach new pools and rewards to a running router",
	Long: `Deploy the extension pools and their rewards, register them on the router
bound to the "router" external slot and link them to it.

When the router slot is not configured, the router recorded in the registry
is used.

Examples:
  DEPLOYER_EXTERNALS_ROUTER=0x... deployer extend`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDeployment(cmd, orchestrator.ModeExtend)
	},
}

func init() {
	for _, cmd := range []*cobra.Command{bootstrapCmd, extendCmd} {
		cmd.Flags().StringP("descriptor", "d", "", "descriptor set file (default: generated from config)")
		cmd.Flags().String("report", "", "also write the run report to this file")
		rootCmd.AddCommand(cmd)
	}
}

func runDeployment(cmd *cobra.Command, mode orchestrator.Mode) error {
	ctx := cmd.Context()

	e, err := setup(ctx, true)
	if err != nil {
		return err
	}
	defer e.close()
	e.serveMetrics(ctx)

	path, _ := cmd.Flags().GetString("descriptor")
	set, err := descriptorSet(e.cfg, mode, path)
	if err != nil {
		return err
	}

	o := e.orchestrator()
	var report *orchestrator.RunReport
	if mode == orchestrator.ModeExtend {
		report, err = o.Extend(ctx, set)
	} else {
		report, err = o.Bootstrap(ctx, set)
	}
	if report == nil {
		return err
	}
	exitCode = report.ExitCode()

	if reportPath, _ := cmd.Flags().GetString("report"); reportPath != "" {
		if werr := writeReport(reportPath, report); werr != nil {
			e.logger.Warn("failed to write report",
				slog.String("path", reportPath),
				slog.String("error", werr.Error()),
			)
		}
	}

	if jsonOut {
		if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
			return perr
		}
		return err
	}
	printReport(cmd.OutOrStdout(), report)
	return err
}

func writeReport(path string, report *orchestrator.RunReport) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := report.WriteJSON(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func printReport(w io.Writer, r *orchestrator.RunReport) {
	fmt.Fprintf(w, "Run %s (%s) on network %s: %s\n", r.RunID, r.Mode, r.Network, r.Outcome)
	fmt.Fprintf(w, "Started %s, took %s\n\n",
		r.StartedAt.Format(time.RFC3339), r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))

	if len(r.Entries) > 0 {
		printEntries(w, r.Entries)
		fmt.Fprintln(w)
	}

	if len(r.Mismatches) > 0 {
		fmt.Fprintln(w, "Wiring mismatches:")
		for _, m := range r.Mismatches {
			fmt.Fprintf(w, "  %s\n", m)
		}
		fmt.Fprintln(w)
	}

	if r.Error != nil {
		where := ""
		if r.Error.Step != nil {
			where = fmt.Sprintf(" at step %d (%s)", *r.Error.Step, r.Error.Name)
		}
		fmt.Fprintf(w, "Aborted%s [%s]: %s\n", where, r.Error.Kind, r.Error.Message)
	}
}
