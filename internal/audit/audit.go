// Package audit records security-relevant order events.
//
// Sinks are fire-and-forget: Log never returns an error and must not block
// the caller for long. A failing sink only loses the event.
package audit

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type Event struct {
	Action     string
	Resource   string
	ResourceID string
	UserID     string
	Metadata   map[string]any
	Severity   Severity
}

type Sink interface {
	Log(ctx context.Context, event Event)
}

// LogSink writes audit events to the structured logger
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink() *LogSink {
	return &LogSink{
		logger: log.With().Str("component", "audit").Logger(),
	}
}

func (s *LogSink) Log(ctx context.Context, event Event) {
	var e *zerolog.Event
	switch event.Severity {
	case SeverityHigh, SeverityCritical:
		e = s.logger.Warn()
	default:
		e = s.logger.Info()
	}

	e.Str("action", event.Action).
		Str("resource", event.Resource).
		Str("resource_id", event.ResourceID).
		Str("user_id", event.UserID).
		Str("severity", string(event.Severity)).
		Interface("metadata", event.Metadata).
		Msg("audit event")
}

// Recorder keeps events in memory. Tests use it to assert on audit trails.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Log(ctx context.Context, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of everything logged so far
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Find returns the logged events with the given action
func (r *Recorder) Find(action string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}
