package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackdrift/stackctl/internal/config"
	"github.com/stackdrift/stackctl/internal/driver"
	"github.com/stackdrift/stackctl/internal/planner"
	"github.com/stackdrift/stackctl/internal/report"
	"github.com/stackdrift/stackctl/internal/state"
)

// threeTier returns the canonical db <- api <- frontend topology.
func threeTier() *config.Topology {
	return buildTopology(
		config.ServiceSpec{ID: "db", Image: "postgres:16"},
		config.ServiceSpec{ID: "api", Image: "webapp/api:v1", DependsOn: []string{"db"}},
		config.ServiceSpec{ID: "frontend", Image: "webapp/frontend:v1", DependsOn: []string{"api"}},
	)
}

func buildTopology(specs ...config.ServiceSpec) *config.Topology {
	topo := &config.Topology{Services: make(map[string]config.ServiceSpec)}
	for _, spec := range specs {
		topo.Services[spec.ID] = spec
		topo.Order = append(topo.Order, spec.ID)
	}
	return topo
}

func mustPlan(t *testing.T, topo *config.Topology) *planner.ExecutionPlan {
	t.Helper()
	plan, err := planner.Plan(topo)
	require.NoError(t, err)
	return plan
}

func newTestReconciler(t *testing.T, fake *driver.Fake, opts Options) (*Reconciler, *state.Store) {
	t.Helper()
	store, err := state.NewStore(filepath.Join(t.TempDir(), "state.json"), nil)
	require.NoError(t, err)
	if opts.BackoffBase == 0 {
		opts.BackoffBase = time.Millisecond
	}
	return New(fake, store, nil, nil, opts), store
}

func outcomeByID(t *testing.T, rec *state.ApplyRecord, id string) state.ServiceOutcome {
	t.Helper()
	outcome, ok := rec.Outcome(id)
	require.True(t, ok, "no outcome for %q", id)
	return outcome
}

func TestApplyConvergesInDependencyOrder(t *testing.T) {
	fake := driver.NewFake()
	rec, _ := newTestReconciler(t, fake, Options{MaxAttempts: 3})

	topo := threeTier()
	record, err := rec.Apply(context.Background(), topo, mustPlan(t, topo))
	require.NoError(t, err)

	for _, id := range []string{"db", "api", "frontend"} {
		outcome := outcomeByID(t, record, id)
		assert.Equal(t, state.StatusConverged, outcome.Status, id)
		assert.Equal(t, string(driver.FakeHandle(id)), outcome.Handle)
		assert.Equal(t, 1, outcome.Attempts)
	}
	assert.Equal(t, []string{"db", "api", "frontend"}, fake.StartOrder())
	assert.Equal(t, topo.Hash(), record.TopologyHash)
	assert.NotEmpty(t, record.RunID)
}

func TestApplyIsIdempotent(t *testing.T) {
	fake := driver.NewFake()
	rec, _ := newTestReconciler(t, fake, Options{MaxAttempts: 3})

	topo := threeTier()
	plan := mustPlan(t, topo)

	_, err := rec.Apply(context.Background(), topo, plan)
	require.NoError(t, err)
	require.Equal(t, 3, fake.TotalStartCalls())

	record, err := rec.Apply(context.Background(), topo, plan)
	require.NoError(t, err)

	assert.Equal(t, 3, fake.TotalStartCalls(), "second apply must issue zero start calls")
	assert.Zero(t, fake.TotalStopCalls(), "second apply must issue zero stop calls")
	for _, id := range []string{"db", "api", "frontend"} {
		assert.Equal(t, state.StatusUnchanged, outcomeByID(t, record, id).Status, id)
	}
}

func TestApplyRetriesTransientErrors(t *testing.T) {
	fake := driver.NewFake()
	fake.FailStart("db",
		&driver.TransientError{Op: "start", Err: errors.New("engine busy")},
		&driver.TransientError{Op: "start", Err: errors.New("engine busy")},
	)
	rec, _ := newTestReconciler(t, fake, Options{MaxAttempts: 4})

	topo := threeTier()
	record, err := rec.Apply(context.Background(), topo, mustPlan(t, topo))
	require.NoError(t, err)

	outcome := outcomeByID(t, record, "db")
	assert.Equal(t, state.StatusConverged, outcome.Status)
	assert.Equal(t, 3, outcome.Attempts)
}

func TestApplyPermanentErrorIsNotRetried(t *testing.T) {
	fake := driver.NewFake()
	fake.FailStart("db", errors.New("image not found"))
	rec, _ := newTestReconciler(t, fake, Options{MaxAttempts: 5})

	topo := threeTier()
	record, err := rec.Apply(context.Background(), topo, mustPlan(t, topo))
	require.NoError(t, err)

	outcome := outcomeByID(t, record, "db")
	assert.Equal(t, state.StatusFailed, outcome.Status)
	assert.Equal(t, 1, outcome.Attempts, "non-transient errors must not be retried")
	assert.Contains(t, outcome.Error, "image not found")
}

func TestFailFastPropagation(t *testing.T) {
	transient := func() error {
		return &driver.TransientError{Op: "start", Err: errors.New("engine unavailable")}
	}
	fake := driver.NewFake()
	fake.FailStart("db", transient(), transient(), transient())
	rec, _ := newTestReconciler(t, fake, Options{MaxAttempts: 3})

	topo := threeTier()
	record, err := rec.Apply(context.Background(), topo, mustPlan(t, topo))
	require.NoError(t, err)

	db := outcomeByID(t, record, "db")
	assert.Equal(t, state.StatusFailed, db.Status)
	assert.Equal(t, 3, db.Attempts)

	api := outcomeByID(t, record, "api")
	assert.Equal(t, state.StatusFailed, api.Status)
	assert.Contains(t, api.Error, `dependency "db" failed`)
	assert.Zero(t, fake.StartCalls("api"), "dependent must never be started")

	frontend := outcomeByID(t, record, "frontend")
	assert.Equal(t, state.StatusFailed, frontend.Status)
	assert.Zero(t, fake.StartCalls("frontend"))
}

func TestIndependentBranchesStillConverge(t *testing.T) {
	fake := driver.NewFake()
	fake.FailStart("db", errors.New("image not found"))
	rec, _ := newTestReconciler(t, fake, Options{MaxAttempts: 2})

	topo := buildTopology(
		config.ServiceSpec{ID: "db", Image: "postgres:16"},
		config.ServiceSpec{ID: "cache", Image: "redis:7"},
		config.ServiceSpec{ID: "api", Image: "webapp/api:v1", DependsOn: []string{"db"}},
		config.ServiceSpec{ID: "worker", Image: "webapp/worker:v1", DependsOn: []string{"cache"}},
	)
	record, err := rec.Apply(context.Background(), topo, mustPlan(t, topo))
	require.NoError(t, err)

	assert.Equal(t, state.StatusFailed, outcomeByID(t, record, "db").Status)
	assert.Equal(t, state.StatusFailed, outcomeByID(t, record, "api").Status)
	assert.Equal(t, state.StatusConverged, outcomeByID(t, record, "cache").Status)
	assert.Equal(t, state.StatusConverged, outcomeByID(t, record, "worker").Status)
}

func TestAbortOnFailureSkipsLaterBatches(t *testing.T) {
	fake := driver.NewFake()
	fake.FailStart("db", errors.New("image not found"))
	rec, _ := newTestReconciler(t, fake, Options{MaxAttempts: 1, AbortOnFailure: true})

	topo := buildTopology(
		config.ServiceSpec{ID: "db", Image: "postgres:16"},
		config.ServiceSpec{ID: "cache", Image: "redis:7"},
		config.ServiceSpec{ID: "worker", Image: "webapp/worker:v1", DependsOn: []string{"cache"}},
	)
	record, err := rec.Apply(context.Background(), topo, mustPlan(t, topo))
	require.NoError(t, err)

	// cache shares the first batch with db and still converges.
	assert.Equal(t, state.StatusConverged, outcomeByID(t, record, "cache").Status)
	// worker's batch never starts.
	assert.Equal(t, state.StatusSkipped, outcomeByID(t, record, "worker").Status)
	assert.Zero(t, fake.StartCalls("worker"))
}

func TestImageChangeUpdatesOnlyChangedService(t *testing.T) {
	fake := driver.NewFake()
	rec, _ := newTestReconciler(t, fake, Options{MaxAttempts: 3})

	topo := threeTier()
	plan := mustPlan(t, topo)
	_, err := rec.Apply(context.Background(), topo, plan)
	require.NoError(t, err)

	api := topo.Services["api"]
	api.Image = "webapp/api:v2"
	topo.Services["api"] = api

	record, err := rec.Apply(context.Background(), topo, plan)
	require.NoError(t, err)

	assert.Equal(t, 2, fake.StartCalls("api"), "exactly one update call for api")
	assert.Equal(t, 1, fake.StartCalls("db"))
	assert.Equal(t, 1, fake.StartCalls("frontend"))
	assert.Equal(t, state.StatusConverged, outcomeByID(t, record, "api").Status)
	assert.Equal(t, state.StatusUnchanged, outcomeByID(t, record, "db").Status)
	assert.Equal(t, state.StatusUnchanged, outcomeByID(t, record, "frontend").Status)
}

func TestDriftForcesReapply(t *testing.T) {
	fake := driver.NewFake()
	rec, _ := newTestReconciler(t, fake, Options{MaxAttempts: 3})

	topo := threeTier()
	plan := mustPlan(t, topo)
	_, err := rec.Apply(context.Background(), topo, plan)
	require.NoError(t, err)

	// The db container dies out-of-band between cycles.
	fake.Forget(driver.FakeHandle("db"))

	record, err := rec.Apply(context.Background(), topo, plan)
	require.NoError(t, err)

	assert.Equal(t, 2, fake.StartCalls("db"), "drifted service must be restarted")
	assert.Equal(t, 1, fake.StartCalls("api"))
	assert.Equal(t, state.StatusConverged, outcomeByID(t, record, "db").Status)
	assert.Equal(t, state.StatusUnchanged, outcomeByID(t, record, "api").Status)
}

func TestApplyWritesRecordOnCorruptState(t *testing.T) {
	fake := driver.NewFake()
	rec, store := newTestReconciler(t, fake, Options{MaxAttempts: 3})

	topo := threeTier()
	plan := mustPlan(t, topo)
	_, err := rec.Apply(context.Background(), topo, plan)
	require.NoError(t, err)

	loaded, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Len(t, loaded.Services, 3)
}

func TestApplyEmitsFiniteEventStream(t *testing.T) {
	fake := driver.NewFake()
	store, err := state.NewStore(filepath.Join(t.TempDir(), "state.json"), nil)
	require.NoError(t, err)

	reporter := report.NewReporter(64)
	rec := New(fake, store, reporter, nil, Options{MaxAttempts: 1, BackoffBase: time.Millisecond})

	topo := threeTier()
	_, err = rec.Apply(context.Background(), topo, mustPlan(t, topo))
	require.NoError(t, err)

	var kinds []report.EventKind
	for ev := range reporter.Events() {
		kinds = append(kinds, ev.Kind)
	}

	// One started event per service, one completion per batch, one cycle end.
	assert.Len(t, kinds, 7)
	assert.Equal(t, report.EventCycleComplete, kinds[len(kinds)-1])
}

func TestCancelledContextStopsBetweenBatches(t *testing.T) {
	fake := driver.NewFake()
	rec, _ := newTestReconciler(t, fake, Options{MaxAttempts: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	topo := threeTier()
	record, err := rec.Apply(ctx, topo, mustPlan(t, topo))
	require.Error(t, err)
	require.NotNil(t, record, "record is still written on cancellation")

	for _, id := range []string{"db", "api", "frontend"} {
		assert.Equal(t, state.StatusSkipped, outcomeByID(t, record, id).Status)
	}
	assert.Zero(t, fake.TotalStartCalls())
}

func TestDestroyStopsRecordedServices(t *testing.T) {
	fake := driver.NewFake()
	rec, store := newTestReconciler(t, fake, Options{MaxAttempts: 1})

	topo := threeTier()
	plan := mustPlan(t, topo)
	_, err := rec.Apply(context.Background(), topo, plan)
	require.NoError(t, err)

	require.NoError(t, rec.Destroy(context.Background(), topo, plan))
	assert.Equal(t, 3, fake.TotalStopCalls())

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, loaded, "destroy clears the apply record")
}

func TestPlannedActions(t *testing.T) {
	topo := threeTier()

	// No record: everything is a create.
	actions := PlannedActions(topo, nil)
	for id := range topo.Services {
		assert.Equal(t, ActionCreate, actions[id], id)
	}

	prev := &state.ApplyRecord{Services: []state.ServiceOutcome{
		{ID: "db", Status: state.StatusConverged, SpecHash: topo.Services["db"].Hash(), Handle: "c-db"},
		{ID: "api", Status: state.StatusConverged, SpecHash: "stale-hash", Handle: "c-api"},
		{ID: "frontend", Status: state.StatusFailed, SpecHash: topo.Services["frontend"].Hash()},
	}}

	actions = PlannedActions(topo, prev)
	assert.Equal(t, ActionNone, actions["db"])
	assert.Equal(t, ActionUpdate, actions["api"])
	assert.Equal(t, ActionCreate, actions["frontend"])
}
