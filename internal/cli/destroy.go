package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/stackdrift/stackctl/internal/driver/docker"
	"github.com/stackdrift/stackctl/internal/reconcile"
	"github.com/stackdrift/stackctl/internal/state"
)

// newDestroyCommand creates the "destroy" subcommand that stops recorded
// services in reverse dependency order.
func newDestroyCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Stop services of the stack in reverse dependency order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := LoggerFromContext(cmd.Context())

			yes, _ := cmd.Flags().GetBool("yes")
			if !yes {
				return fmt.Errorf("refusing to destroy without --yes")
			}

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

			drv, err := docker.New(topo.Project, logger)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()

			rec := reconcile.New(drv, store, nil, logger, reconcile.Options{})
			logger.Info("destroying stack", "spec", opts.SpecPath, "services", len(topo.Services))
			if err := rec.Destroy(ctx, topo, plan); err != nil {
				return err
			}
			logger.Info("stack destroyed")
			return nil
		},
	}

	addVarFlags(cmd)
	cmd.Flags().Bool("yes", false, "Do not prompt for confirmation")

	return cmd
}
