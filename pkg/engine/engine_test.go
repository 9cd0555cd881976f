package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanonone/graphsync/pkg/canvas"
	"github.com/sanonone/graphsync/pkg/client"
	"github.com/sanonone/graphsync/pkg/model"
	"github.com/sanonone/graphsync/pkg/sequencer"
)

// --- Fake transport: every call blocks until the test answers it. ---

type parseReply struct {
	resp *model.ParseResponse
	err  error
}

type persistReply struct {
	resp *model.PersistResponse
	err  error
}

type call struct {
	op      string
	text    string
	doc     model.Document
	parse   chan parseReply
	persist chan persistReply
}

func (c *call) answerParse(resp *model.ParseResponse, err error) {
	c.parse <- parseReply{resp: resp, err: err}
}

func (c *call) answerPersist(resp *model.PersistResponse, err error) {
	c.persist <- persistReply{resp: resp, err: err}
}

type fakeTransport struct {
	calls chan *call
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{calls: make(chan *call, 16)}
}

func (f *fakeTransport) Parse(ctx context.Context, text string) (*model.ParseResponse, error) {
	c := &call{op: "parse", text: text, parse: make(chan parseReply, 1)}
	f.calls <- c
	select {
	case r := <-c.parse:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, &client.CommunicationError{Op: "parse", Err: ctx.Err()}
	}
}

func (f *fakeTransport) Persist(ctx context.Context, doc model.Document) (*model.PersistResponse, error) {
	c := &call{op: "persist", doc: doc, persist: make(chan persistReply, 1)}
	f.calls <- c
	select {
	case r := <-c.persist:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, &client.CommunicationError{Op: "persist", Err: ctx.Err()}
	}
}

func (f *fakeTransport) Close() error { return nil }

// --- Helpers ---

type harness struct {
	t         *testing.T
	session   *Session
	canvas    *canvas.Memory
	transport *fakeTransport
	events    chan Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		canvas:    canvas.NewMemory(),
		transport: newFakeTransport(),
		events:    make(chan Event, 64),
	}
	opts := DefaultOptions(h.transport)
	opts.Canvas = h.canvas
	opts.Reporter = ReporterFunc(func(e Event) { h.events <- e })
	opts.RequestTimeout = 5 * time.Second

	s, err := Open(opts)
	require.NoError(t, err)
	h.session = s
	t.Cleanup(func() { s.Close() })
	return h
}

func (h *harness) nextCall(op string) *call {
	h.t.Helper()
	select {
	case c := <-h.transport.calls:
		require.Equal(h.t, op, c.op)
		return c
	case <-time.After(2 * time.Second):
		h.t.Fatalf("no %s call", op)
		return nil
	}
}

func (h *harness) noCall() {
	h.t.Helper()
	select {
	case c := <-h.transport.calls:
		h.t.Fatalf("unexpected %s call", c.op)
	case <-time.After(50 * time.Millisecond):
	}
}

func (h *harness) nextEvent(kind EventKind) Event {
	h.t.Helper()
	select {
	case e := <-h.events:
		require.Equal(h.t, kind, e.Kind, "event %+v", e)
		return e
	case <-time.After(2 * time.Second):
		h.t.Fatalf("no %s event", kind)
		return Event{}
	}
}

func (h *harness) graph() model.Graph {
	h.t.Helper()
	g, err := h.session.Graph()
	require.NoError(h.t, err)
	return g
}

func component(key, loc string) model.Node {
	return model.Node{
		Key:        model.StringKey(key),
		Name:       key,
		Loc:        loc,
		LeftPorts:  []model.Port{{PortID: "in", Unit: "m"}},
		RightPorts: []model.Port{{PortID: "out", Unit: "m"}},
	}
}

func parsed(text string, nodes ...model.Node) *model.ParseResponse {
	return &model.ParseResponse{
		Request: model.ParseRequest{Text: text},
		Diagram: &model.Diagram{Nodes: nodes, Links: []model.Link{}},
	}
}

// --- Tests ---

func TestTextEditIsReconciledAndNotEchoed(t *testing.T) {
	h := newHarness(t)

	handle, err := h.session.SubmitText("component a")
	require.NoError(t, err)
	assert.Equal(t, sequencer.ChannelText, handle.Channel)

	suggestion := "component a at 0 0"
	resp := parsed("component a", component("a", "0 0"))
	resp.StringWithSuggestions = &suggestion
	resp.LanguageWarnings = "a is unconnected"
	h.nextCall("parse").answerParse(resp, nil)

	applied := h.nextEvent(EventApplied)
	assert.Equal(t, 1, len(applied.Plan.Ops))
	assert.True(t, applied.SuggestionsAvailable)
	assert.Equal(t, "a is unconnected", applied.LanguageWarnings)
	assert.Equal(t, "component a", h.nextEvent(EventTextApplied).Text)

	assert.Contains(t, h.graph().Nodes, model.StringKey("a"))
	// Reconciliation must not trigger a save.
	h.noCall()

	st, err := h.session.State()
	require.NoError(t, err)
	assert.Equal(t, handle.Sequence, st.LastSentSequence)
	assert.Equal(t, "component a", st.LastSentText)
	assert.False(t, st.TransactionOpen)
}

func TestOutOfOrderResponses(t *testing.T) {
	h := newHarness(t)

	_, err := h.session.SubmitText("T1")
	require.NoError(t, err)
	first := h.nextCall("parse")
	_, err = h.session.SubmitText("T2")
	require.NoError(t, err)
	second := h.nextCall("parse")

	second.answerParse(parsed("T2", component("b", "")), nil)
	h.nextEvent(EventApplied)
	h.nextEvent(EventTextApplied)

	first.answerParse(parsed("T1", component("a", "")), nil)
	stale := h.nextEvent(EventStale)
	assert.Equal(t, SlowServerMessage, stale.Message)
	assert.Equal(t, sequencer.ChannelText, stale.Channel)

	g := h.graph()
	assert.Contains(t, g.Nodes, model.StringKey("b"))
	assert.NotContains(t, g.Nodes, model.StringKey("a"))
	text, err := h.session.Text()
	require.NoError(t, err)
	assert.Equal(t, "T2", text)
}

func TestUserEditIsPersisted(t *testing.T) {
	h := newHarness(t)

	err := h.session.Edit("add component", func(m canvas.Mutator) error {
		return m.AddNode(component("x", "10 10"))
	})
	require.NoError(t, err)

	c := h.nextCall("persist")
	require.Len(t, c.doc.Nodes, 1)
	assert.Equal(t, model.StringKey("x"), c.doc.Nodes[0].Key)

	st, err := h.session.State()
	require.NoError(t, err)
	want, err := json.Marshal(c.doc)
	require.NoError(t, err)
	assert.JSONEq(t, string(want), st.LastSentText)

	c.answerPersist(&model.PersistResponse{Text: "component x", Revision: "rev-1"}, nil)
	assert.Equal(t, "rev-1", h.nextEvent(EventPersisted).Revision)
	assert.Equal(t, "component x", h.nextEvent(EventTextApplied).Text)
}

func TestFailedEditIsNotPersisted(t *testing.T) {
	h := newHarness(t)

	err := h.session.Edit("bad link", func(m canvas.Mutator) error {
		return m.AddLink(model.Link{Key: model.StringKey("l"), From: model.StringKey("nope"), To: model.StringKey("nope")})
	})
	var dangling *model.DanglingReferenceError
	require.True(t, errors.As(err, &dangling))
	h.noCall()
}

func TestTextEditSupersedesPendingSave(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.session.Edit("add", func(m canvas.Mutator) error {
		return m.AddNode(component("x", ""))
	}))
	save := h.nextCall("persist")

	_, err := h.session.SubmitText("component y")
	require.NoError(t, err)
	parse := h.nextCall("parse")

	save.answerPersist(&model.PersistResponse{Text: "component x"}, nil)
	assert.Equal(t, sequencer.ChannelGraph, h.nextEvent(EventStale).Channel)

	parse.answerParse(parsed("component y", component("y", "")), nil)
	h.nextEvent(EventApplied)
	h.nextEvent(EventTextApplied)

	g := h.graph()
	assert.Contains(t, g.Nodes, model.StringKey("y"))
	assert.NotContains(t, g.Nodes, model.StringKey("x"))
}

func TestFailuresLeaveCanvasUntouched(t *testing.T) {
	h := newHarness(t)
	_, err := h.session.SubmitText("component a")
	require.NoError(t, err)
	h.nextCall("parse").answerParse(parsed("component a", component("a", "1 1")), nil)
	h.nextEvent(EventApplied)
	h.nextEvent(EventTextApplied)
	before := h.graph().Document()

	_, err = h.session.SubmitText("component a;;")
	require.NoError(t, err)
	h.nextCall("parse").answerParse(nil, &client.ProcessingError{Op: "parse", Message: "syntax error at line 1"})
	assert.Equal(t, "syntax error at line 1", h.nextEvent(EventProcessingFailure).Message)

	_, err = h.session.SubmitText("component a")
	require.NoError(t, err)
	h.nextCall("parse").answerParse(nil, &client.CommunicationError{Op: "parse", Err: errors.New("connection refused")})
	h.nextEvent(EventCommunicationFailure)

	_, err = h.session.SubmitText("component f; component f")
	require.NoError(t, err)
	h.nextCall("parse").answerParse(parsed("component f; component f", component("f", "-200 100"), component("f", "-200 -100")), nil)
	failed := h.nextEvent(EventReconcileFailed)
	var dup *model.DuplicateKeyError
	assert.True(t, errors.As(failed.Err, &dup))

	assert.Equal(t, before, h.graph().Document())
	assert.Equal(t, 1, h.canvas.Commits())
}

func TestMalformedResponseIsAServerFailure(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.Edit("add component", func(m canvas.Mutator) error {
		return m.AddNode(component("x", "10 10"))
	}))

	bad := &model.ValidationError{Document: "persist response", Err: errors.New("unexpected end of JSON input")}
	h.nextCall("persist").answerPersist(nil, bad)
	failed := h.nextEvent(EventProcessingFailure)
	assert.Equal(t, sequencer.ChannelGraph, failed.Channel)
	assert.Contains(t, failed.Message, "Malformed server response")
	assert.ErrorIs(t, failed.Err, bad)

	_, err := h.session.SubmitText("component y")
	require.NoError(t, err)
	h.nextCall("parse").answerParse(nil, &model.ValidationError{Document: "parse response", Err: errors.New("neither gojs nor error present")})
	h.nextEvent(EventProcessingFailure)
	assert.Len(t, h.graph().Nodes, 1)
}

func TestResponsesSuppressedDuringMultiSelection(t *testing.T) {
	h := newHarness(t)
	_, err := h.session.SubmitText("a b")
	require.NoError(t, err)
	h.nextCall("parse").answerParse(parsed("a b", component("a", ""), component("b", "")), nil)
	h.nextEvent(EventApplied)
	h.nextEvent(EventTextApplied)

	h.canvas.Select(model.StringKey("a"), model.StringKey("b"))
	_, err = h.session.SubmitText("a")
	require.NoError(t, err)
	h.nextCall("parse").answerParse(parsed("a", component("a", "")), nil)
	assert.Equal(t, SlowServerMessage, h.nextEvent(EventStale).Message)
	assert.Len(t, h.graph().Nodes, 2)
}

func TestDeleteNode(t *testing.T) {
	h := newHarness(t)
	_, err := h.session.SubmitText("a -> b")
	require.NoError(t, err)
	resp := parsed("a -> b", component("a", ""), component("b", ""))
	resp.Diagram.Links = []model.Link{{Key: model.IntKey(-1), From: model.StringKey("a"), FromPort: "out", To: model.StringKey("b"), ToPort: "in"}}
	h.nextCall("parse").answerParse(resp, nil)
	h.nextEvent(EventApplied)
	h.nextEvent(EventTextApplied)

	require.NoError(t, h.session.DeleteNode(model.StringKey("a")))
	c := h.nextCall("persist")
	assert.Len(t, c.doc.Nodes, 1)
	assert.Empty(t, c.doc.Links)
	h.noCall()

	assert.ErrorIs(t, h.session.DeleteNode(model.StringKey("a")), canvas.ErrNodeNotFound)
}

func TestLoadDoesNotPersist(t *testing.T) {
	h := newHarness(t)
	err := h.session.Load(model.Revision{
		ID:    "r1",
		Text:  "component a",
		Graph: model.Document{Nodes: []model.Node{component("a", "")}},
	})
	require.NoError(t, err)
	h.noCall()

	text, err := h.session.Text()
	require.NoError(t, err)
	assert.Equal(t, "component a", text)
}

func TestClosedSession(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.Close())
	require.NoError(t, h.session.Close())

	_, err := h.session.SubmitText("x")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, h.session.Edit("x", func(canvas.Mutator) error { return nil }), ErrClosed)
}

func TestOpenRequiresTransport(t *testing.T) {
	_, err := Open(Options{})
	assert.Error(t, err)
}
