package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/stackdrift/stackctl/internal/driver/docker"
	"github.com/stackdrift/stackctl/internal/planner"
	"github.com/stackdrift/stackctl/internal/reconcile"
	"github.com/stackdrift/stackctl/internal/report"
	"github.com/stackdrift/stackctl/internal/state"
)

// newApplyCommand creates the "apply" subcommand that converges the stack
// against the declared topology.
func newApplyCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Reconcile running containers against the declared topology",
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
			if cmd.Flags().Changed("abort-on-failure") {
				settings.AbortOnFailure, _ = cmd.Flags().GetBool("abort-on-failure")
			}

			store, err := state.NewStore(settings.StatePath, logger)
			if err != nil {
				return err
			}

			dryRun, _ := cmd.Flags().GetBool("dry-run")
			if dryRun {
				prev, err := store.Load()
				if err != nil {
					return err
				}
				return writeDryRun(os.Stdout, plan, reconcile.PlannedActions(topo, prev))
			}

			drv, err := docker.New(topo.Project, logger)
			if err != nil {
				return err
			}

			reporter := report.NewReporter(0)
			done := consumeEvents(logger, reporter)

			rec := reconcile.New(drv, store, reporter, logger, reconcile.Options{
				MaxAttempts:    settings.MaxAttempts,
				BackoffBase:    settings.BackoffBase,
				AbortOnFailure: settings.AbortOnFailure,
			})

			ctx, cancel := context.WithTimeout(cmd.Context(), settings.ApplyTimeout)
			defer cancel()

			logger.Info("applying stack", "spec", opts.SpecPath, "services", len(topo.Services), "batches", len(plan.Batches))
			record, applyErr := rec.Apply(ctx, topo, plan)
			<-done

			if record != nil {
				if err := report.WriteOutcomeTable(os.Stdout, record); err != nil {
					return err
				}
			}
			if applyErr != nil {
				return applyErr
			}

			if n := failedCount(record); n > 0 {
				return &ExitError{Code: ExitFailed, Err: fmt.Errorf("%d of %d services failed", n, len(record.Services))}
			}
			logger.Info("stack converged", "services", len(record.Services))
			return nil
		},
	}

	addVarFlags(cmd)
	cmd.Flags().Bool("dry-run", false, "Show planned actions without touching the runtime")
	cmd.Flags().Bool("abort-on-failure", false, "Stop the plan after the first failed batch")

	return cmd
}

// consumeEvents logs progress events in the background until the reporter closes.
func consumeEvents(logger *slog.Logger, reporter *report.Reporter) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range reporter.Events() {
			switch ev.Kind {
			case report.EventServiceStarted:
				logger.Info("service started", "service", ev.Service, "batch", ev.Batch)
			case report.EventServiceUnchanged:
				logger.Info("service unchanged", "service", ev.Service, "batch", ev.Batch)
			case report.EventServiceFailed:
				logger.Error("service failed", "service", ev.Service, "batch", ev.Batch, "error", ev.Error)
			case report.EventBatchComplete:
				logger.Info("batch complete", "batch", ev.Batch)
			case report.EventCycleComplete:
				logger.Debug("apply cycle complete")
			}
		}
	}()
	return done
}

// writeDryRun prints planned batches and the intended per-service action.
func writeDryRun(w io.Writer, plan *planner.ExecutionPlan, actions map[string]reconcile.Action) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BATCH\tSERVICE\tACTION")
	for bi, batch := range plan.Batches {
		for _, id := range batch {
			fmt.Fprintf(tw, "%d\t%s\t%s\n", bi, id, actions[id])
		}
	}
	return tw.Flush()
}

// failedCount counts failed services in a record.
func failedCount(rec *state.ApplyRecord) int {
	n := 0
	for _, svc := range rec.Services {
		if svc.Status == state.StatusFailed {
			n++
		}
	}
	return n
}
