// Package sequencer tags outgoing edit requests and decides whether a response
// that arrives later is still worth applying.
//
// Requests are never cancelled on the wire. Every request gets the next
// sequence number and becomes the current one; when its response arrives it is
// applied only if no newer request was submitted in the meantime. Text edits
// and graph edits share the same counter, so a text edit supersedes a pending
// graph save and vice versa.
package sequencer

import (
	"log/slog"
	"sync"

	"github.com/sanonone/graphsync/pkg/metrics"
)

// Channel names the request stream a request belongs to.
type Channel int

const (
	// ChannelText carries raw text edits to be parsed.
	ChannelText Channel = iota
	// ChannelGraph carries graphs edited on the canvas to be persisted.
	ChannelGraph
)

func (c Channel) String() string {
	switch c {
	case ChannelText:
		return "text"
	case ChannelGraph:
		return "graph"
	default:
		return "unknown"
	}
}

// Handle identifies one submitted request.
type Handle struct {
	Sequence uint64
	Channel  Channel
	Text     string
}

// Verdict is the outcome of admitting a response.
type Verdict int

const (
	// Apply means the response belongs to the current request.
	Apply Verdict = iota
	// Stale means a newer request superseded this one.
	Stale
	// Suppressed means the response is current but the guard holds.
	// It is dropped, not queued.
	Suppressed
)

func (v Verdict) String() string {
	switch v {
	case Apply:
		return "apply"
	case Stale:
		return "stale"
	case Suppressed:
		return "suppressed"
	default:
		return "unknown"
	}
}

// Guard reports whether responses must currently be held back, e.g. while
// several items are selected on the canvas.
type Guard func() bool

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithGuard installs the suppression guard.
func WithGuard(g Guard) Option {
	return func(s *Sequencer) { s.guard = g }
}

// WithLogger sets the logger used for discard diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sequencer) { s.logger = l }
}

// Sequencer hands out sequence numbers and tracks the current request.
type Sequencer struct {
	mu       sync.Mutex
	last     uint64
	lastText string
	guard    Guard
	logger   *slog.Logger
}

// New creates a sequencer with no request submitted yet.
func New(opts ...Option) *Sequencer {
	s := &Sequencer{logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit records a new current request and returns its handle.
func (s *Sequencer) Submit(ch Channel, text string) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.last++
	s.lastText = text
	metrics.RequestsSubmitted.WithLabelValues(ch.String()).Inc()
	return Handle{Sequence: s.last, Channel: ch, Text: text}
}

// IsRelevant reports whether h is still the current request.
func (s *Sequencer) IsRelevant(h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return h.Sequence == s.last
}

// Admit decides what to do with the response to h.
func (s *Sequencer) Admit(h Handle) Verdict {
	if !s.IsRelevant(h) {
		s.discard(h, Stale)
		return Stale
	}
	if s.guard != nil && s.guard() {
		s.discard(h, Suppressed)
		return Suppressed
	}
	return Apply
}

func (s *Sequencer) discard(h Handle, v Verdict) {
	metrics.ResponsesDiscarded.WithLabelValues(h.Channel.String(), v.String()).Inc()
	s.logger.Debug("Discarding response",
		"sequence", h.Sequence,
		"channel", h.Channel.String(),
		"reason", v.String(),
	)
}

// LastSent returns the sequence and payload of the current request.
func (s *Sequencer) LastSent() (uint64, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.lastText
}
