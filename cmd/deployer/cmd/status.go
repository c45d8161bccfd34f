package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/bchip17/co/internal/registry"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the registry",
	Long: `List every resource recorded in the registry with its address and status.

Examples:
  deployer status
  deployer status --json`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	e, err := setup(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer e.close()

	entries, err := e.reg.All(cmd.Context())
	if err != nil {
		return err
	}

	// Only registries pinned to a chain know their network.
	var network string
	if b, ok := e.reg.(registry.NetworkBinder); ok {
		if network, err = b.BoundNetwork(cmd.Context()); err != nil {
			return err
		}
	}

	w := cmd.OutOrStdout()
	if jsonOut {
		return printJSON(w, map[string]any{
			"network": network,
			"entries": entries,
			"count":   len(entries),
		})
	}

	if network != "" {
		fmt.Fprintf(w, "Network %s\n\n", network)
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, "Registry is empty")
		return nil
	}
	printEntries(w, entries)
	return nil
}

func printEntries(out io.Writer, entries []registry.Entry) {
	w := newTable(out)
	printTableHeader(w, "NAME", "KIND", "STATUS", "ADDRESS", "UPDATED")
	for _, e := range entries {
		addr := e.Address
		if addr == "" && e.PredictedAddress != "" {
			addr = e.PredictedAddress + " (predicted)"
		}
		status := string(e.Status)
		if e.Status == registry.StatusCreated && e.ActionsDone > 0 {
			status = fmt.Sprintf("%s (%d actions)", status, e.ActionsDone)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.Name, e.Kind, status, addr, e.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	_ = w.Flush()
}
