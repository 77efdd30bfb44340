package history

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// EventType defines the kind of event.
type EventType string

const (
	EventRun EventType = "run"
)

// Run summarizes one job execution for export. Captured output is not
// exported; it stays in the job's output area.
type Run struct {
	ID        string        `json:"id"`
	Command   string        `json:"command"`
	Slug      string        `json:"slug"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	ExitCode  int           `json:"exit_code"`
	Outcome   string        `json:"outcome"`
	TimedOut  bool          `json:"timed_out"`
	Err       string        `json:"error,omitempty"`
}

// Event represents a run event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Run        Run       `json:"run"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Fanout forwards every event to all sinks. A failing sink does not stop
// delivery to the others; Send reports every failure, labelled by sink type,
// and leaves logging to the caller.
type Fanout struct {
	Sinks []Sink
}

func (f *Fanout) Send(ctx context.Context, e Event) error {
	var err error
	for _, s := range f.Sinks {
		if serr := s.Send(ctx, e); serr != nil {
			err = multierr.Append(err, fmt.Errorf("%T: %w", s, serr))
		}
	}
	return err
}

// Close closes every sink that implements io.Closer.
func (f *Fanout) Close() error {
	var err error
	for _, s := range f.Sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			err = multierr.Append(err, c.Close())
		}
	}
	return err
}
