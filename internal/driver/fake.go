package driver

import (
	"context"
	"sync"
	"time"

	"github.com/stackdrift/stackctl/internal/config"
)

var _ Driver = (*Fake)(nil)

// Fake is an in-memory Driver used in tests. It can simulate latency and
// scripted per-service failures, and counts every call it receives.
type Fake struct {
	mu sync.Mutex

	// Latency is applied before every operation when non-zero.
	Latency time.Duration

	startFailures map[string][]error
	workloads     map[Handle]Observation

	startCalls   map[string]int
	startOrder   []string
	stopCalls    map[Handle]int
	inspectCalls map[Handle]int
}

// NewFake constructs an empty fake driver.
func NewFake() *Fake {
	return &Fake{
		startFailures: make(map[string][]error),
		workloads:     make(map[Handle]Observation),
		startCalls:    make(map[string]int),
		stopCalls:     make(map[Handle]int),
		inspectCalls:  make(map[Handle]int),
	}
}

// FailStart queues errors to be returned by successive Start calls for the
// given service, in order, before Start succeeds again.
func (f *Fake) FailStart(id string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startFailures[id] = append(f.startFailures[id], errs...)
}

// SetObservation overrides the stored observation for a handle, simulating
// external drift such as a container dying between apply cycles.
func (f *Fake) SetObservation(handle Handle, obs Observation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workloads[handle] = obs
}

// Forget drops a workload entirely, simulating out-of-band removal.
func (f *Fake) Forget(handle Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.workloads, handle)
}

// StartCalls returns how many times Start was invoked for the service.
func (f *Fake) StartCalls(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startCalls[id]
}

// StartOrder returns service identifiers in the order Start was invoked.
func (f *Fake) StartOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.startOrder...)
}

// TotalStartCalls returns the number of Start invocations across all services.
func (f *Fake) TotalStartCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.startCalls {
		total += n
	}
	return total
}

// TotalStopCalls returns the number of Stop invocations across all handles.
func (f *Fake) TotalStopCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.stopCalls {
		total += n
	}
	return total
}

// Start records the call, pops a scripted failure when one is queued, and
// otherwise registers the workload as running and healthy.
func (f *Fake) Start(ctx context.Context, spec config.ServiceSpec) (Handle, error) {
	f.sleep(ctx)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls[spec.ID]++
	f.startOrder = append(f.startOrder, spec.ID)

	if queue := f.startFailures[spec.ID]; len(queue) > 0 {
		err := queue[0]
		f.startFailures[spec.ID] = queue[1:]
		return "", err
	}

	handle := FakeHandle(spec.ID)
	f.workloads[handle] = Observation{
		Running:  true,
		Healthy:  true,
		SpecHash: spec.Hash(),
		Status:   "running",
	}
	return handle, nil
}

// Stop records the call and marks the workload as stopped.
func (f *Fake) Stop(ctx context.Context, handle Handle) error {
	f.sleep(ctx)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls[handle]++

	obs, ok := f.workloads[handle]
	if !ok {
		return &NotFoundError{Handle: handle}
	}
	obs.Running = false
	obs.Healthy = false
	obs.Status = "exited"
	f.workloads[handle] = obs
	return nil
}

// Inspect records the call and returns the stored observation.
func (f *Fake) Inspect(ctx context.Context, handle Handle) (Observation, error) {
	f.sleep(ctx)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inspectCalls[handle]++

	obs, ok := f.workloads[handle]
	if !ok {
		return Observation{}, &NotFoundError{Handle: handle}
	}
	return obs, nil
}

func (f *Fake) sleep(ctx context.Context) {
	if f.Latency <= 0 {
		return
	}
	select {
	case <-time.After(f.Latency):
	case <-ctx.Done():
	}
}

// FakeHandle returns the deterministic handle the fake assigns to a service.
func FakeHandle(id string) Handle {
	return Handle("fake-" + id)
}
