// Package history exports workload and row lifecycle events to analytics
// sinks. Sinks are selected by DSN in the factory subpackage.
package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventWorkloadSkipped     EventType = "workload_skipped"
	EventWorkloadStarted     EventType = "workload_started"
	EventRowFinished         EventType = "row_finished"
	EventWorkloadFinished    EventType = "workload_finished"
	EventWorkloadInterrupted EventType = "workload_interrupted"
)

// Event is one lifecycle event. Row fields are empty for workload events.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Session    string    `json:"session"`
	Experiment int       `json:"experiment"`
	Workload   int       `json:"workload"`
	Identity   string    `json:"identity,omitempty"`
	RunID      string    `json:"run_id,omitempty"`
	Status     string    `json:"status,omitempty"`
	ExitCode   int       `json:"exit_code"`
	DurationMS int64     `json:"duration_ms"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Recorder stamps events with the session id and fans them out to sinks.
// Sink failures are logged and never returned. A nil Recorder drops events.
type Recorder struct {
	session string
	sinks   []Sink
}

func NewRecorder(session string, sinks ...Sink) *Recorder {
	return &Recorder{session: session, sinks: sinks}
}

func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil {
		return
	}
	e.Session = r.session
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	for _, s := range r.sinks {
		if err := s.Send(ctx, e); err != nil {
			slog.Warn("History sink failed", "event", e.Type, "error", err)
		}
	}
}

// Close closes every sink that holds resources.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
