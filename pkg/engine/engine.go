// Package engine provides the editor session: the piece that keeps a live
// canvas mirrored with the graph the server derives from the user's text,
// and pushes direct canvas edits back to the server.
//
// A Session owns one canvas, one request sequencer, one transaction
// coordinator, one reconciler and one persister. Every piece of work (a text
// edit, a canvas edit, a response arriving) runs as a task on a single worker
// goroutine, so tasks never interleave. Network calls run on their own
// goroutines and post their result back as a task.
//
// Basic usage:
//
//	opts := engine.DefaultOptions(client.New("http://localhost:8080"))
//	s, err := engine.Open(opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close()
//	s.SubmitText("component a")
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sanonone/graphsync/pkg/canvas"
	"github.com/sanonone/graphsync/pkg/client"
	"github.com/sanonone/graphsync/pkg/metrics"
	"github.com/sanonone/graphsync/pkg/model"
	"github.com/sanonone/graphsync/pkg/persist"
	"github.com/sanonone/graphsync/pkg/reconcile"
	"github.com/sanonone/graphsync/pkg/sequencer"
	"github.com/sanonone/graphsync/pkg/txn"
)

// ErrClosed is returned by every method of a closed session.
var ErrClosed = errors.New("engine: session closed")

// Options configures a Session.
type Options struct {
	// Transport reaches the server. Required.
	Transport client.Transport

	// Canvas is the canvas to mirror into. Defaults to a new canvas.Memory.
	Canvas canvas.Canvas

	// Reporter receives session events. Defaults to a LogReporter.
	Reporter Reporter

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// RequestTimeout bounds each network call. 0 means no bound beyond the
	// transport's own.
	RequestTimeout time.Duration

	// QueueSize is the capacity of the task queue.
	QueueSize int

	// SuppressOnMultiSelect drops current responses while more than one
	// part is selected on the canvas, so a reconciliation never yanks a
	// multi-part drag from under the user.
	SuppressOnMultiSelect bool
}

// DefaultOptions returns options suitable for an interactive session.
//
// Defaults:
//   - Canvas: in-memory
//   - RequestTimeout: 10s
//   - QueueSize: 64
//   - SuppressOnMultiSelect: true
func DefaultOptions(t client.Transport) Options {
	return Options{
		Transport:             t,
		RequestTimeout:        10 * time.Second,
		QueueSize:             64,
		SuppressOnMultiSelect: true,
	}
}

// SyncState is the per-session synchronization state.
type SyncState struct {
	LastSentSequence uint64
	LastSentText     string
	TransactionOpen  bool
}

// Session is one editor session.
type Session struct {
	// ID identifies the session in logs.
	ID string

	opts      Options
	logger    *slog.Logger
	reporter  Reporter
	transport client.Transport

	canvas    canvas.Canvas
	seq       *sequencer.Sequencer
	coord     *txn.Coordinator
	reconcile *reconcile.Reconciler
	persister *persist.Persister

	// text is the content of the text view. Worker-owned.
	text string

	tasks     chan func()
	ctx       context.Context
	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Open starts a session and its worker.
func Open(opts Options) (*Session, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("engine: a transport is required")
	}
	if opts.Canvas == nil {
		opts.Canvas = canvas.NewMemory(canvas.WithCanvasLogger(loggerOrDefault(opts.Logger)))
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}

	id := uuid.NewString()
	logger := loggerOrDefault(opts.Logger).With("session", id)

	reporter := opts.Reporter
	if reporter == nil {
		reporter = LogReporter{Logger: logger}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:        id,
		opts:      opts,
		logger:    logger,
		reporter:  reporter,
		transport: opts.Transport,
		canvas:    opts.Canvas,
		tasks:     make(chan func(), opts.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
		closed:    make(chan struct{}),
	}

	seqOpts := []sequencer.Option{sequencer.WithLogger(logger)}
	if opts.SuppressOnMultiSelect {
		seqOpts = append(seqOpts, sequencer.WithGuard(func() bool {
			return s.canvas.SelectionCount() > 1
		}))
	}
	s.seq = sequencer.New(seqOpts...)
	s.coord = txn.New(s.canvas, txn.WithLogger(logger))
	s.reconcile = reconcile.New(s.coord, reconcile.WithLogger(logger))
	s.persister = persist.New(s.canvas, s.coord, s.sendGraph, persist.WithLogger(logger))

	s.wg.Add(1)
	go s.worker()

	logger.Debug("Session opened")
	return s, nil
}

func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

// Close stops the worker, abandons in-flight requests and closes the
// transport. Responses still in flight are dropped.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
		s.wg.Wait()
		s.persister.Close()
		err = s.transport.Close()
		s.logger.Debug("Session closed")
	})
	return err
}

// Canvas returns the mirrored canvas.
func (s *Session) Canvas() canvas.Canvas {
	return s.canvas
}

// --- Task loop ---

func (s *Session) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.closed:
			return
		case task := <-s.tasks:
			task()
		}
	}
}

// post queues a task without waiting for it.
func (s *Session) post(task func()) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	select {
	case s.tasks <- task:
		return nil
	case <-s.closed:
		return ErrClosed
	}
}

// run queues a task and waits until it ran.
func (s *Session) run(task func()) error {
	done := make(chan struct{})
	if err := s.post(func() {
		defer close(done)
		task()
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-s.closed:
		return ErrClosed
	}
}

// request runs call on its own goroutine and posts handle back to the worker.
func (s *Session) request(call func(ctx context.Context) func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx := s.ctx
		if s.opts.RequestTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.opts.RequestTimeout)
			defer cancel()
		}
		handle := call(ctx)
		if err := s.post(handle); err != nil {
			s.logger.Debug("Dropping response of closed session")
		}
	}()
}

// --- Public operations ---

// SubmitText records text as the new content of the text view and sends it
// to the server for parsing. It returns once the request is sequenced; the
// outcome is reported asynchronously.
func (s *Session) SubmitText(text string) (sequencer.Handle, error) {
	var h sequencer.Handle
	err := s.run(func() {
		s.text = text
		h = s.seq.Submit(sequencer.ChannelText, text)
		s.request(func(ctx context.Context) func() {
			resp, err := s.transport.Parse(ctx, text)
			return func() { s.handleParse(h, resp, err) }
		})
	})
	return h, err
}

// Edit runs fn as a user transaction. When fn succeeds the transaction is
// committed and the resulting graph is sent to the server.
func (s *Session) Edit(label string, fn func(m canvas.Mutator) error) error {
	var err error
	if runErr := s.run(func() {
		err = s.coord.Run(label, canvas.OriginUser, fn)
	}); runErr != nil {
		return runErr
	}
	return err
}

// DeleteNode removes a node together with every link touching it, in one
// user transaction.
func (s *Session) DeleteNode(key model.Key) error {
	var err error
	if runErr := s.run(func() {
		g := s.canvas.Graph()
		if _, ok := g.Nodes[key]; !ok {
			err = fmt.Errorf("%w: %s", canvas.ErrNodeNotFound, key)
			return
		}
		err = s.coord.Run("delete component "+key.String(), canvas.OriginUser, func(m canvas.Mutator) error {
			for _, lk := range g.LinkKeys() {
				l := g.Links[lk]
				if l.From != key && l.To != key {
					continue
				}
				if err := m.RemoveLink(lk); err != nil {
					return err
				}
			}
			return m.RemoveNode(key)
		})
	}); runErr != nil {
		return runErr
	}
	return err
}

// Load shows a previously persisted diagram without sending anything back.
func (s *Session) Load(rev model.Revision) error {
	var err error
	if runErr := s.run(func() {
		_, err = s.reconcile.Sync(rev.Graph, "load "+rev.ID)
		if err == nil {
			s.text = rev.Text
		}
	}); runErr != nil {
		return runErr
	}
	return err
}

// State returns a snapshot of the synchronization state.
func (s *Session) State() (SyncState, error) {
	var st SyncState
	err := s.run(func() {
		st.LastSentSequence, st.LastSentText = s.seq.LastSent()
		st.TransactionOpen = s.coord.Open()
	})
	return st, err
}

// Text returns the content of the text view.
func (s *Session) Text() (string, error) {
	var text string
	err := s.run(func() { text = s.text })
	return text, err
}

// Graph returns a consistent copy of the canvas graph.
func (s *Session) Graph() (model.Graph, error) {
	var g model.Graph
	var err error
	if runErr := s.run(func() {
		err = s.coord.Read(func(cur model.Graph) error {
			g = cur
			return nil
		})
	}); runErr != nil {
		return model.Graph{}, runErr
	}
	return g, err
}

// --- Worker-side handlers ---

// sendGraph is the persister's sender. It runs on the worker inside the
// commit of a user transaction.
func (s *Session) sendGraph(tx canvas.Transaction, doc model.Document) {
	data, err := json.Marshal(doc)
	if err != nil {
		s.logger.Error("Cannot serialize graph", "transaction", tx.Label, "error", err)
		return
	}
	h := s.seq.Submit(sequencer.ChannelGraph, string(data))
	s.request(func(ctx context.Context) func() {
		resp, err := s.transport.Persist(ctx, doc)
		return func() { s.handlePersist(h, resp, err) }
	})
}

// admit filters the response to h. It reports and returns false when the
// response must be dropped.
func (s *Session) admit(h sequencer.Handle, err error) bool {
	verdict := s.seq.Admit(h)
	if verdict == sequencer.Stale {
		s.report(Event{Kind: EventStale, Channel: h.Channel, Sequence: h.Sequence, Message: SlowServerMessage})
		return false
	}
	if err != nil {
		s.reportFailure(h, err)
		return false
	}
	if verdict == sequencer.Suppressed {
		s.report(Event{Kind: EventStale, Channel: h.Channel, Sequence: h.Sequence, Message: SlowServerMessage})
		return false
	}
	return true
}

func (s *Session) handleParse(h sequencer.Handle, resp *model.ParseResponse, err error) {
	if !s.admit(h, err) {
		return
	}

	plan, err := s.reconcile.Sync(resp.Diagram.Document(), fmt.Sprintf("parse #%d", h.Sequence))
	if err != nil {
		s.report(Event{Kind: EventReconcileFailed, Channel: h.Channel, Sequence: h.Sequence, Err: err,
			Message: "Cannot apply the diagram: " + err.Error()})
		return
	}

	s.report(Event{
		Kind:                 EventApplied,
		Channel:              h.Channel,
		Sequence:             h.Sequence,
		Plan:                 plan,
		Suggestions:          resp.StringWithSuggestions,
		SuggestionsAvailable: resp.SuggestionsAvailable(),
		Highlight:            resp.Highlight,
		LanguageWarnings:     resp.LanguageWarnings,
	})
	s.text = h.Text
	s.report(Event{Kind: EventTextApplied, Channel: h.Channel, Sequence: h.Sequence, Text: h.Text, Highlight: resp.Highlight})
}

func (s *Session) handlePersist(h sequencer.Handle, resp *model.PersistResponse, err error) {
	if !s.admit(h, err) {
		return
	}
	metrics.PersistSends.WithLabelValues("acknowledged").Inc()
	s.report(Event{Kind: EventPersisted, Channel: h.Channel, Sequence: h.Sequence, Revision: resp.Revision})
	if resp.Text != "" {
		s.text = resp.Text
		s.report(Event{Kind: EventTextApplied, Channel: h.Channel, Sequence: h.Sequence, Text: resp.Text})
	}
}

// reportFailure classifies a transport error. A response that does not
// decode is the server's fault, the same as an error document.
func (s *Session) reportFailure(h sequencer.Handle, err error) {
	ev := Event{Channel: h.Channel, Sequence: h.Sequence, Err: err}

	var pe *client.ProcessingError
	var ve *model.ValidationError
	switch {
	case errors.As(err, &pe):
		ev.Kind = EventProcessingFailure
		ev.Message = pe.Message
	case errors.As(err, &ve):
		ev.Kind = EventProcessingFailure
		ev.Message = "Malformed server response: " + ve.Error()
	default:
		ev.Kind = EventCommunicationFailure
		ev.Message = "Cannot reach the server"
	}
	if h.Channel == sequencer.ChannelGraph {
		metrics.PersistSends.WithLabelValues(ev.Kind.String()).Inc()
	}
	s.report(ev)
}

func (s *Session) report(e Event) {
	s.reporter.Report(e)
}
