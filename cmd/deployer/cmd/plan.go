package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bchip17/co/internal/descriptor"
	"github.com/bchip17/co/internal/orchestrator"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print the execution plan",
	Long: `Resolve the descriptor set into its execution plan without touching the chain.

With --dry-run the registry is consulted and every call the next run would
make is listed, with unresolved addresses shown as <name>.

Examples:
  deployer plan
  deployer plan --format dot | dot -Tsvg > plan.svg
  deployer plan --mode extend --dry-run`,
	RunE: runPlan,
}

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Print the generated descriptor set as YAML",
	Long: `Print the descriptor set generated from the topology configuration. The output
can be edited and passed back with --descriptor.

Examples:
  deployer render > deployments/bootstrap.yaml
  deployer render --mode extend`,
	RunE: runRender,
}

func init() {
	planCmd.Flags().StringP("descriptor", "d", "", "descriptor set file (default: generated from config)")
	planCmd.Flags().String("mode", "bootstrap", "run mode (bootstrap, extend)")
	planCmd.Flags().String("format", "text", "output format (text, dot, mermaid)")
	planCmd.Flags().Bool("dry-run", false, "list the calls the next run would make")

	renderCmd.Flags().String("mode", "bootstrap", "run mode (bootstrap, extend)")

	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(renderCmd)
}

func parseMode(cmd *cobra.Command) (orchestrator.Mode, error) {
	mode, _ := cmd.Flags().GetString("mode")
	switch m := orchestrator.Mode(mode); m {
	case orchestrator.ModeBootstrap, orchestrator.ModeExtend:
		return m, nil
	default:
		return "", fmt.Errorf("unknown mode %q", mode)
	}
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	mode, err := parseMode(cmd)
	if err != nil {
		return err
	}

	e, err := setup(ctx, false)
	if err != nil {
		return err
	}
	defer e.close()

	path, _ := cmd.Flags().GetString("descriptor")
	set, err := descriptorSet(e.cfg, mode, path)
	if err != nil {
		return err
	}
	// Dry runs and planning never reach the chain.
	o := e.orchestrator()

	if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
		calls, err := o.DryRun(ctx, mode, set)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(cmd.OutOrStdout(), calls)
		}
		for _, c := range calls {
			fmt.Println(c)
		}
		return nil
	}

	plan, err := o.Plan(ctx, mode, set)
	if err != nil {
		return err
	}

	format, _ := cmd.Flags().GetString("format")
	switch format {
	case "dot":
		fmt.Print(plan.DOT())
	case "mermaid":
		fmt.Print(plan.Mermaid())
	case "text":
		if jsonOut {
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"order": plan.Order(),
				"steps": plan.Steps(),
			})
		}
		for i, layer := range plan.Layers() {
			fmt.Printf("layer %d\n", i)
			for _, s := range layer {
				fmt.Printf("  %s\n", s)
			}
		}
		if existing := plan.Existing(); len(existing) > 0 {
			fmt.Printf("\nexisting: %v\n", existing)
		}
	default:
		return fmt.Errorf("unknown format %q", format)
	}
	return nil
}

func runRender(cmd *cobra.Command, args []string) error {
	mode, err := parseMode(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	set, err := descriptorSet(cfg, mode, "")
	if err != nil {
		return err
	}
	return descriptor.Encode(cmd.OutOrStdout(), set)
}
