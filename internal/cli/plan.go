package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// newPlanCommand creates the "plan" subcommand that prints the dependency-ordered batches.
func newPlanCommand(opts *Options) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the dependency-ordered execution plan for the topology",
		RunE: func(cmd *cobra.Command, _ []string) error {
			topo, plan, err := loadTopologyAndPlan(cmd, opts)
			if err != nil {
				return err
			}

			switch strings.ToLower(output) {
			case "json":
				payload, err := json.MarshalIndent(map[string]any{
					"topology_hash": topo.Hash(),
					"batches":       plan.Batches,
				}, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(os.Stdout, string(payload))
			default:
				for bi, batch := range plan.Batches {
					fmt.Fprintf(os.Stdout, "batch %d: %s\n", bi, strings.Join(batch, ", "))
				}
			}
			return nil
		},
	}

	addVarFlags(cmd)
	cmd.Flags().StringVar(&output, "output", "plain", "Output format: plain|json")

	return cmd
}
