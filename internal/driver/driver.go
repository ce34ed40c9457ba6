// Package driver defines the runtime boundary the reconciler calls through.
// Implementations adapt a concrete container runtime; the reconciler never
// assumes which one is behind the interface.
package driver

import (
	"context"
	"errors"
	"fmt"

	"github.com/stackdrift/stackctl/internal/config"
)

// Handle identifies a running workload inside the runtime (e.g. a container ID).
type Handle string

// Observation is the runtime's view of a single workload.
type Observation struct {
	// Running reports whether the workload is currently running.
	Running bool
	// Healthy reports whether the workload passes its health check; workloads
	// without a health check count as healthy while running.
	Healthy bool
	// SpecHash is the spec content hash recorded on the workload at start time.
	SpecHash string
	// Status is the runtime's raw status string, for operator display.
	Status string
}

// Driver abstracts over start/stop/inspect operations of a container runtime.
//
// Start must be best-effort idempotent: starting a service that is already
// running with an identical spec returns the existing handle rather than an
// error. Start on a changed spec replaces the workload.
type Driver interface {
	Start(ctx context.Context, spec config.ServiceSpec) (Handle, error)
	Stop(ctx context.Context, handle Handle) error
	Inspect(ctx context.Context, handle Handle) (Observation, error)
}

// TransientError wraps a driver failure that is worth retrying, such as a
// timeout or temporary runtime unavailability.
type TransientError struct {
	// Op names the driver operation that failed.
	Op string
	// Err is the underlying cause.
	Err error
}

func (e *TransientError) Error() string {
	if e == nil {
		return "transient driver error"
	}
	return fmt.Sprintf("transient driver error during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable driver failure.
func IsTransient(err error) bool {
	var target *TransientError
	return errors.As(err, &target)
}

// NotFoundError indicates that a handle no longer resolves to a workload.
type NotFoundError struct {
	// Handle is the stale workload handle.
	Handle Handle
}

func (e *NotFoundError) Error() string {
	if e == nil {
		return "workload not found"
	}
	return fmt.Sprintf("workload %q not found", string(e.Handle))
}

// IsNotFound reports whether err indicates a missing workload.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}
