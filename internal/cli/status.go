package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/stackdrift/stackctl/internal/driver"
	"github.com/stackdrift/stackctl/internal/driver/docker"
	"github.com/stackdrift/stackctl/internal/state"
)

// serviceStatus is one row of the status report.
type serviceStatus struct {
	ID       string `json:"id"`
	Recorded string `json:"recorded"`
	Running  bool   `json:"running"`
	Healthy  bool   `json:"healthy"`
	Drift    string `json:"drift,omitempty"`
}

// newStatusCommand creates the "status" subcommand that compares the last
// apply record against the live runtime state.
func newStatusCommand(opts *Options) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show last-applied state versus observed runtime state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := LoggerFromContext(cmd.Context())

			topo, plan, err := loadTopologyAndPlan(cmd, opts)
			if err != nil {
				return err
			}

			settings, err := resolveSettings(opts)
			if err != nil {
				return err
			}
			store, err := state.NewStore(settings.StatePath, logger)
			if err != nil {
				return err
			}
			rec, err := store.Load()
			if err != nil {
				return err
			}
			if rec == nil {
				logger.Info("no apply record found", "state", settings.StatePath)
				return nil
			}

			drv, err := docker.New(topo.Project, logger)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			var rows []serviceStatus
			for _, id := range plan.Services() {
				rows = append(rows, observeService(ctx, drv, topo.Services[id].Hash(), id, rec))
			}

			switch strings.ToLower(output) {
			case "json":
				payload, err := json.MarshalIndent(rows, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(os.Stdout, string(payload))
				return nil
			default:
				return writeStatusTable(rows)
			}
		},
	}

	addVarFlags(cmd)
	cmd.Flags().StringVar(&output, "output", "plain", "Output format: plain|json")

	return cmd
}

// observeService builds the status row for one service from the record and a
// live inspect call.
func observeService(ctx context.Context, drv driver.Driver, specHash, id string, rec *state.ApplyRecord) serviceStatus {
	row := serviceStatus{ID: id, Recorded: "absent"}

	outcome, ok := rec.Outcome(id)
	if !ok {
		row.Drift = "not applied"
		return row
	}
	row.Recorded = string(outcome.Status)

	if outcome.SpecHash != specHash {
		row.Drift = "spec changed"
	}
	if outcome.Handle == "" {
		return row
	}

	obs, err := drv.Inspect(ctx, driver.Handle(outcome.Handle))
	if err != nil {
		if driver.IsNotFound(err) {
			row.Drift = "workload gone"
		} else {
			row.Drift = fmt.Sprintf("inspect failed: %v", err)
		}
		return row
	}

	row.Running = obs.Running
	row.Healthy = obs.Healthy
	if row.Drift == "" && converged(outcome.Status) && (!obs.Running || !obs.Healthy) {
		row.Drift = "not running"
	}
	return row
}

func converged(st state.Status) bool {
	return st == state.StatusConverged || st == state.StatusUnchanged
}

// writeStatusTable renders the status rows to stdout.
func writeStatusTable(rows []serviceStatus) error {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVICE\tRECORDED\tRUNNING\tHEALTHY\tDRIFT")
	for _, row := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%t\t%s\n", row.ID, row.Recorded, row.Running, row.Healthy, row.Drift)
	}
	return tw.Flush()
}
