package lifecycle

import (
	"context"
	"sync"

	"pkt.systems/pcfd/internal/pcq"
)

// Recorder is a Publisher that captures events in memory. Used by engine
// and handler tests to assert publish ordering and counts.
type Recorder struct {
	mu     sync.Mutex
	events []RecordedEvent

	// FailNext, when non-nil, is returned by the next publish call and
	// then cleared. Telemetry recording never fails.
	FailNext error
}

// RecordedEvent is one captured publish call.
type RecordedEvent struct {
	Event     string
	CommandID pcq.CommandID
	Details   CompletionDetails
}

// Events returns a copy of the captured events in publish order.
func (r *Recorder) Events() []RecordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RecordedEvent(nil), r.events...)
}

// CountOf returns how many events with the given name were published.
func (r *Recorder) CountOf(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Event == event {
			n++
		}
	}
	return n
}

func (r *Recorder) record(event string, cmd *pcq.Command, details CompletionDetails) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailNext != nil {
		err := r.FailNext
		r.FailNext = nil
		return err
	}
	r.events = append(r.events, RecordedEvent{Event: event, CommandID: cmd.ID, Details: details})
	return nil
}

func (r *Recorder) PublishPending(_ context.Context, cmd *pcq.Command) error {
	return r.record("pending", cmd, CompletionDetails{})
}

func (r *Recorder) PublishCompleted(_ context.Context, cmd *pcq.Command, details CompletionDetails) error {
	return r.record("completed", cmd, details)
}

func (r *Recorder) PublishFailed(_ context.Context, cmd *pcq.Command) error {
	return r.record("failed", cmd, CompletionDetails{})
}

func (r *Recorder) PublishSoftDeleted(_ context.Context, cmd *pcq.Command) error {
	return r.record("soft_deleted", cmd, CompletionDetails{})
}

func (r *Recorder) PublishVerificationFailed(_ context.Context, cmd *pcq.Command) error {
	return r.record("verification_failed", cmd, CompletionDetails{})
}

func (r *Recorder) PublishUnexpected(_ context.Context, cmd *pcq.Command) error {
	return r.record("unexpected", cmd, CompletionDetails{})
}

func (r *Recorder) PublishUnexpectedVerificationFailure(_ context.Context, cmd *pcq.Command) error {
	return r.record("unexpected_verification_failure", cmd, CompletionDetails{})
}

func (r *Recorder) RecordExportFileSizes(_ context.Context, cmd *pcq.Command, files []FileSizeDetail) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, RecordedEvent{Event: "export_file_sizes", CommandID: cmd.ID})
}
