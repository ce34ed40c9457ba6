// Package report streams apply-cycle progress events to the operator surface
// and renders the final per-service outcome table.
package report

import (
	"fmt"
	"io"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/stackdrift/stackctl/internal/state"
)

// EventKind classifies a progress event.
type EventKind string

const (
	// EventServiceStarted is emitted after a service is created or updated.
	EventServiceStarted EventKind = "service-started"
	// EventServiceUnchanged is emitted when a service is already convergent.
	EventServiceUnchanged EventKind = "service-unchanged"
	// EventServiceFailed is emitted when a service fails terminally.
	EventServiceFailed EventKind = "service-failed"
	// EventBatchComplete is emitted after every service in a batch resolved.
	EventBatchComplete EventKind = "batch-complete"
	// EventCycleComplete is the final event of an apply cycle.
	EventCycleComplete EventKind = "cycle-complete"
)

// Event is a single progress notification from the reconciler.
type Event struct {
	// Kind classifies the event.
	Kind EventKind
	// Service is the related service identifier, when applicable.
	Service string
	// Batch is the zero-based batch index the event belongs to.
	Batch int
	// Error holds the failure message for service-failed events.
	Error string
	// Time is when the event was produced.
	Time time.Time
}

// Reporter carries events from the reconciler to a consumer. The sequence is
// finite: Close is called exactly once when the apply cycle ends.
type Reporter struct {
	events    chan Event
	closeOnce sync.Once
}

// NewReporter constructs a Reporter with the given channel buffer size.
func NewReporter(buffer int) *Reporter {
	if buffer <= 0 {
		buffer = 64
	}
	return &Reporter{events: make(chan Event, buffer)}
}

// Publish delivers an event to the consumer, stamping the time when unset.
func (r *Reporter) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	r.events <- ev
}

// Events returns the consumer side of the event stream.
func (r *Reporter) Events() <-chan Event {
	return r.events
}

// Close ends the event stream. Safe to call more than once.
func (r *Reporter) Close() {
	r.closeOnce.Do(func() { close(r.events) })
}

// WriteOutcomeTable renders the per-service outcome table for an apply record.
func WriteOutcomeTable(w io.Writer, rec *state.ApplyRecord) error {
	if rec == nil {
		return fmt.Errorf("apply record is nil")
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVICE\tSTATUS\tATTEMPTS\tERROR")
	for _, svc := range rec.Services {
		attempts := ""
		if svc.Attempts > 0 {
			attempts = fmt.Sprintf("%d", svc.Attempts)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", svc.ID, svc.Status, attempts, svc.Error)
	}
	return tw.Flush()
}
