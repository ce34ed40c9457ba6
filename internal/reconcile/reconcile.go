// Package reconcile drives the runtime toward the desired topology, batch by
// batch, and records the outcome of every apply cycle.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/stackdrift/stackctl/internal/config"
	"github.com/stackdrift/stackctl/internal/driver"
	"github.com/stackdrift/stackctl/internal/planner"
	"github.com/stackdrift/stackctl/internal/report"
	"github.com/stackdrift/stackctl/internal/state"
)

// Options tunes retry and failure behavior of the reconciler.
type Options struct {
	// MaxAttempts bounds driver start attempts per service, including the first.
	MaxAttempts int
	// BackoffBase is the initial interval of the exponential retry backoff.
	BackoffBase time.Duration
	// AbortOnFailure stops the plan after the first batch containing a failed
	// service; the default converges independent branches best-effort.
	AbortOnFailure bool
}

// Reconciler compares desired against observed state per service and issues
// create/update/stop actions through the runtime driver.
type Reconciler struct {
	driver   driver.Driver
	store    *state.Store
	reporter *report.Reporter
	logger   *slog.Logger
	opts     Options
}

// New constructs a Reconciler. The reporter may be nil when no consumer exists.
func New(drv driver.Driver, store *state.Store, reporter *report.Reporter, logger *slog.Logger, opts Options) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 500 * time.Millisecond
	}
	return &Reconciler{
		driver:   drv,
		store:    store,
		reporter: reporter,
		logger:   logger,
		opts:     opts,
	}
}

// Apply executes the plan against the topology. Batches run strictly in
// order; services within a batch are reconciled concurrently. A service whose
// previous apply record matches the current spec hash and whose workload is
// still running-healthy is skipped without any start or stop call. The apply
// record is written exactly once, after all batches resolve, and is returned
// together with any cancellation error.
func (r *Reconciler) Apply(ctx context.Context, topo *config.Topology, plan *planner.ExecutionPlan) (*state.ApplyRecord, error) {
	prev, err := r.store.Load()
	if err != nil {
		return nil, err
	}

	// Each service owns exactly one pre-allocated outcome slot; the goroutine
	// reconciling a service is the only writer of its slot.
	outcomes := make(map[string]*state.ServiceOutcome, len(topo.Services))
	for _, id := range plan.Services() {
		outcomes[id] = &state.ServiceOutcome{
			ID:       id,
			Status:   state.StatusSkipped,
			SpecHash: topo.Services[id].Hash(),
		}
	}

	aborted := false
	for bi, batch := range plan.Batches {
		if ctx.Err() != nil || aborted {
			break
		}

		var group errgroup.Group
		for _, id := range batch {
			spec := topo.Services[id]
			out := outcomes[id]

			if dep, ok := failedDependency(spec, outcomes); ok {
				out.Status = state.StatusFailed
				out.Error = fmt.Sprintf("dependency %q failed", dep)
				r.publish(report.Event{Kind: report.EventServiceFailed, Service: id, Batch: bi, Error: out.Error})
				r.logger.Warn("service not started, dependency failed", "service", id, "dependency", dep)
				continue
			}

			group.Go(func() error {
				r.reconcileService(ctx, bi, spec, prev, out)
				return nil
			})
		}
		_ = group.Wait()

		r.publish(report.Event{Kind: report.EventBatchComplete, Batch: bi})

		if r.opts.AbortOnFailure && batchFailed(batch, outcomes) {
			r.logger.Warn("aborting remaining batches after failure", "batch", bi)
			aborted = true
		}
	}

	rec := &state.ApplyRecord{
		RunID:        uuid.NewString(),
		TopologyHash: topo.Hash(),
		AppliedAt:    time.Now().UTC(),
	}
	for _, id := range plan.Services() {
		rec.Services = append(rec.Services, *outcomes[id])
	}

	saveErr := r.store.Save(rec)

	r.publish(report.Event{Kind: report.EventCycleComplete})
	if r.reporter != nil {
		r.reporter.Close()
	}

	if saveErr != nil {
		return rec, saveErr
	}
	if err := ctx.Err(); err != nil {
		return rec, fmt.Errorf("apply cancelled: %w", err)
	}
	return rec, nil
}

// reconcileService brings a single service to its desired state, retrying
// transient driver errors with bounded exponential backoff.
func (r *Reconciler) reconcileService(ctx context.Context, batch int, spec config.ServiceSpec, prev *state.ApplyRecord, out *state.ServiceOutcome) {
	if prevOut, ok := convergentOutcome(prev, spec.ID, out.SpecHash); ok {
		obs, err := r.driver.Inspect(ctx, driver.Handle(prevOut.Handle))
		if err == nil && obs.Running && obs.Healthy {
			out.Status = state.StatusUnchanged
			out.Handle = prevOut.Handle
			r.publish(report.Event{Kind: report.EventServiceUnchanged, Service: spec.ID, Batch: batch})
			r.logger.Debug("service already convergent", "service", spec.ID)
			return
		}
		r.logger.Info("observed drift, re-applying service", "service", spec.ID, "handle", prevOut.Handle)
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = r.opts.BackoffBase

	attempts := 0
	handle, err := backoff.Retry(ctx, func() (driver.Handle, error) {
		attempts++
		h, startErr := r.driver.Start(ctx, spec)
		if startErr != nil {
			if !driver.IsTransient(startErr) {
				return "", backoff.Permanent(startErr)
			}
			r.logger.Warn("start failed, will retry", "service", spec.ID, "attempt", attempts, "error", startErr)
		}
		return h, startErr
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(uint(r.opts.MaxAttempts)))

	out.Attempts = attempts
	if err != nil {
		out.Status = state.StatusFailed
		out.Error = err.Error()
		r.publish(report.Event{Kind: report.EventServiceFailed, Service: spec.ID, Batch: batch, Error: out.Error})
		r.logger.Error("service failed", "service", spec.ID, "attempts", attempts, "error", err)
		return
	}

	out.Status = state.StatusConverged
	out.Handle = string(handle)
	r.publish(report.Event{Kind: report.EventServiceStarted, Service: spec.ID, Batch: batch})
	r.logger.Info("service running", "service", spec.ID, "handle", string(handle))
}

// Destroy stops every recorded service in reverse dependency order and clears
// the persisted state.
func (r *Reconciler) Destroy(ctx context.Context, topo *config.Topology, plan *planner.ExecutionPlan) error {
	prev, err := r.store.Load()
	if err != nil {
		return err
	}
	if prev == nil {
		r.logger.Info("no apply record found, nothing to destroy")
		return nil
	}

	for _, batch := range plan.Reversed() {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("destroy cancelled: %w", err)
		}

		var group errgroup.Group
		for _, id := range batch {
			outcome, ok := prev.Outcome(id)
			if !ok || outcome.Handle == "" {
				r.logger.Debug("no handle recorded for service, skipping", "service", id)
				continue
			}
			group.Go(func() error {
				if err := r.driver.Stop(ctx, driver.Handle(outcome.Handle)); err != nil {
					if driver.IsNotFound(err) {
						r.logger.Debug("workload already gone", "service", id)
						return nil
					}
					return fmt.Errorf("stop %q: %w", id, err)
				}
				r.logger.Info("service stopped", "service", id)
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			return err
		}
	}

	return r.store.Clear()
}

// Action describes the driver call an apply cycle would issue for a service.
type Action string

const (
	// ActionCreate means the service has no convergent record and will be started.
	ActionCreate Action = "create"
	// ActionUpdate means the spec changed since the last apply and the
	// workload will be replaced.
	ActionUpdate Action = "update"
	// ActionNone means the service is already convergent per the last record.
	ActionNone Action = "none"
)

// PlannedActions computes, from the last apply record alone, the action an
// apply would take per service. Used by dry-run; issues no driver calls.
func PlannedActions(topo *config.Topology, prev *state.ApplyRecord) map[string]Action {
	actions := make(map[string]Action, len(topo.Services))
	for id, spec := range topo.Services {
		switch _, ok := convergentOutcome(prev, id, spec.Hash()); {
		case ok:
			actions[id] = ActionNone
		case hasRecordedHandle(prev, id):
			actions[id] = ActionUpdate
		default:
			actions[id] = ActionCreate
		}
	}
	return actions
}

// convergentOutcome returns the previous outcome for id when it matches the
// current spec hash and ended convergent with a live handle.
func convergentOutcome(prev *state.ApplyRecord, id, specHash string) (state.ServiceOutcome, bool) {
	outcome, ok := prev.Outcome(id)
	if !ok {
		return state.ServiceOutcome{}, false
	}
	if outcome.SpecHash != specHash || outcome.Handle == "" {
		return state.ServiceOutcome{}, false
	}
	if outcome.Status != state.StatusConverged && outcome.Status != state.StatusUnchanged {
		return state.ServiceOutcome{}, false
	}
	return outcome, true
}

// hasRecordedHandle reports whether the previous record holds a workload
// handle for the service, regardless of spec hash.
func hasRecordedHandle(prev *state.ApplyRecord, id string) bool {
	outcome, ok := prev.Outcome(id)
	return ok && outcome.Handle != ""
}

// failedDependency returns the first dependency of spec that failed in the
// current cycle.
func failedDependency(spec config.ServiceSpec, outcomes map[string]*state.ServiceOutcome) (string, bool) {
	for _, dep := range spec.DependsOn {
		if out, ok := outcomes[dep]; ok && out.Status == state.StatusFailed {
			return dep, true
		}
	}
	return "", false
}

// batchFailed reports whether any service of the batch ended failed.
func batchFailed(batch []string, outcomes map[string]*state.ServiceOutcome) bool {
	for _, id := range batch {
		if outcomes[id].Status == state.StatusFailed {
			return true
		}
	}
	return false
}

func (r *Reconciler) publish(ev report.Event) {
	if r.reporter == nil {
		return
	}
	r.reporter.Publish(ev)
}
