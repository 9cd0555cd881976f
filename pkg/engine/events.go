package engine

import (
	"encoding/json"
	"log/slog"

	"github.com/sanonone/graphsync/pkg/reconcile"
	"github.com/sanonone/graphsync/pkg/sequencer"
)

// SlowServerMessage is the status shown when a response is dropped.
const SlowServerMessage = "Server is slow in responding..."

// EventKind classifies what the session reports to the UI layer.
type EventKind int

const (
	// EventApplied: a parse response was reconciled into the canvas.
	EventApplied EventKind = iota
	// EventTextApplied: the text view was set from a response.
	EventTextApplied
	// EventPersisted: the server acknowledged a graph edit.
	EventPersisted
	// EventStale: a response was dropped because a newer request exists or
	// the selection guard held.
	EventStale
	// EventCommunicationFailure: the server could not be reached.
	EventCommunicationFailure
	// EventProcessingFailure: the server answered with an error document or
	// with a response that does not decode.
	EventProcessingFailure
	// EventReconcileFailed: the response could not be applied; the canvas
	// is unchanged.
	EventReconcileFailed
)

func (k EventKind) String() string {
	switch k {
	case EventApplied:
		return "applied"
	case EventTextApplied:
		return "text_applied"
	case EventPersisted:
		return "persisted"
	case EventStale:
		return "stale"
	case EventCommunicationFailure:
		return "communication_failure"
	case EventProcessingFailure:
		return "processing_failure"
	case EventReconcileFailed:
		return "reconcile_failed"
	default:
		return "unknown"
	}
}

// Event is one notification to the UI layer. Fields not meaningful for
// Kind are zero.
type Event struct {
	Kind     EventKind
	Channel  sequencer.Channel
	Sequence uint64

	// Text is the text view content for EventTextApplied.
	Text string
	// Message is a human-readable status or error message.
	Message string
	Err     error

	// Parse response extras.
	Suggestions          *string
	SuggestionsAvailable bool
	Highlight            json.RawMessage
	LanguageWarnings     string

	Plan     reconcile.Plan
	Revision string
}

// Reporter receives session events. Report runs on the session worker and
// must not call back into the session synchronously.
type Reporter interface {
	Report(Event)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(Event)

func (f ReporterFunc) Report(e Event) { f(e) }

// LogReporter logs every event.
type LogReporter struct {
	Logger *slog.Logger
}

func (r LogReporter) Report(e Event) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"event", e.Kind.String(), "channel", e.Channel.String(), "sequence", e.Sequence}
	switch e.Kind {
	case EventCommunicationFailure, EventProcessingFailure, EventReconcileFailed:
		logger.Warn(e.Message, append(attrs, "error", e.Err)...)
	case EventStale:
		logger.Info(e.Message, attrs...)
	case EventApplied:
		logger.Info("Diagram updated", append(attrs, "ops", len(e.Plan.Ops), "warnings", e.LanguageWarnings)...)
	case EventPersisted:
		logger.Info("Diagram saved", append(attrs, "revision", e.Revision)...)
	default:
		logger.Debug("Session event", attrs...)
	}
}
