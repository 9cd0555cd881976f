package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanonone/graphsync/internal/config"
	"github.com/sanonone/graphsync/pkg/canvas"
	"github.com/sanonone/graphsync/pkg/client"
	"github.com/sanonone/graphsync/pkg/engine"
	"github.com/sanonone/graphsync/pkg/model"
	"github.com/sanonone/graphsync/pkg/persistence"
)

const driveText = `component a at 0 0
  out x [m]
component b at 100 0
  in y [m]
connect a.x -> b.y
`

func newTestServer(t *testing.T, token string) (*httptest.Server, persistence.Store) {
	t.Helper()
	cfg := config.DefaultConfig().Server
	cfg.AuthToken = token
	store := persistence.NewMemoryStore()
	s, err := NewServer(cfg, store)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

func postJSON(t *testing.T, url string, body any) (int, []byte) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func TestHealthzAndAuth(t *testing.T) {
	ts, _ := newTestServer(t, "test-secret-token")

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/graph")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/graph", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer test-secret-token")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "authorized, but nothing saved yet")
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, "")
	postJSON(t, ts.URL+"/ajax_parse", model.ParseRequest{Text: driveText})

	// The request is counted after its response has been written.
	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		return err == nil && strings.Contains(string(body), "graphsync_http_requests_total")
	}, 2*time.Second, 20*time.Millisecond)
}

func TestParseEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, "")

	status, body := postJSON(t, ts.URL+"/ajax_parse", model.ParseRequest{Text: "component a   at 0 0\n  out x [m]\n"})
	require.Equal(t, http.StatusOK, status)
	resp, err := model.DecodeParseResponse(body)
	require.NoError(t, err)
	require.NotNil(t, resp.Diagram)
	require.Len(t, resp.Diagram.Nodes, 1)
	assert.Equal(t, "0 0", resp.Diagram.Nodes[0].Loc)
	require.NotNil(t, resp.StringWithSuggestions)
	assert.Equal(t, "component a at 0 0\n  out x [m]\n", *resp.StringWithSuggestions)
	assert.True(t, resp.SuggestionsAvailable())
	assert.Equal(t, "port a.x is not connected", resp.LanguageWarnings)
	assert.NotEmpty(t, resp.Highlight)
}

func TestParseEndpointReportsErrorsInBand(t *testing.T) {
	ts, _ := newTestServer(t, "")

	status, body := postJSON(t, ts.URL+"/ajax_parse", model.ParseRequest{Text: "connect a.x -> b.y\n"})
	require.Equal(t, http.StatusOK, status)
	resp, err := model.DecodeParseResponse(body)
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Error)
	assert.Nil(t, resp.Diagram)

	resp2, err := http.Post(ts.URL+"/ajax_parse", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestSaveAndHistory(t *testing.T) {
	ts, _ := newTestServer(t, "")
	c := client.New(ts.URL)
	ctx := context.Background()

	parsed, err := c.Parse(ctx, driveText)
	require.NoError(t, err)
	doc := parsed.Diagram.Document()

	first, err := c.Persist(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, driveText, first.Text)
	assert.NotEmpty(t, first.Revision)

	doc.Nodes[0].Loc = "50 50"
	second, err := c.Persist(ctx, doc)
	require.NoError(t, err)
	assert.Contains(t, second.Text, "component a at 50 50\n")

	latest, err := c.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.Revision, latest.ID)
	assert.Equal(t, "50 50", latest.Graph.Nodes[0].Loc)

	resp, err := http.Get(ts.URL + "/graph/history?limit=5")
	require.NoError(t, err)
	defer resp.Body.Close()
	var history struct {
		Revisions []model.Revision `json:"revisions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&history))
	require.Len(t, history.Revisions, 2)
	assert.Equal(t, second.Revision, history.Revisions[0].ID)

	resp, err = http.Get(ts.URL + "/graph/" + first.Revision)
	require.NoError(t, err)
	defer resp.Body.Close()
	var rev model.Revision
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rev))
	assert.Equal(t, driveText, rev.Text)

	resp, err = http.Get(ts.URL + "/graph/history?limit=-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSaveRejectsInvalidGraph(t *testing.T) {
	ts, store := newTestServer(t, "")
	c := client.New(ts.URL)

	doc := model.Document{
		Nodes: []model.Node{{Key: model.StringKey("a"), Name: "a", LeftPorts: []model.Port{}, RightPorts: []model.Port{}}},
		Links: []model.Link{{Key: model.IntKey(-1), From: model.StringKey("a"), To: model.StringKey("ghost")}},
	}
	_, err := c.Persist(context.Background(), doc)
	var perr *client.ProcessingError
	require.ErrorAs(t, err, &perr)

	_, err = store.Latest(context.Background(), "default")
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestWebSocketRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t, "ws-token")
	ctx := context.Background()

	_, err := client.DialWS(ctx, client.WSURL(ts.URL))
	require.Error(t, err, "handshake without token is rejected")

	ws, err := client.DialWS(ctx, client.WSURL(ts.URL), client.WithWSAuthToken("ws-token"))
	require.NoError(t, err)
	defer ws.Close()

	parsed, err := ws.Parse(ctx, driveText)
	require.NoError(t, err)
	require.NotNil(t, parsed.Diagram)
	assert.Len(t, parsed.Diagram.Links, 1)

	_, err = ws.Parse(ctx, "component\n")
	var perr *client.ProcessingError
	assert.ErrorAs(t, err, &perr)

	saved, err := ws.Persist(ctx, parsed.Diagram.Document())
	require.NoError(t, err)
	assert.Equal(t, driveText, saved.Text)
}

// TestSessionAgainstServer drives an editor session through the real HTTP
// client: a text edit is mirrored on the canvas without being saved back, and
// a canvas edit is saved and its canonical text returned to the session.
func TestSessionAgainstServer(t *testing.T) {
	ts, store := newTestServer(t, "")

	events := make(chan engine.Event, 32)
	opts := engine.DefaultOptions(client.New(ts.URL))
	opts.Reporter = engine.ReporterFunc(func(e engine.Event) { events <- e })
	sess, err := engine.Open(opts)
	require.NoError(t, err)
	defer sess.Close()

	waitFor := func(kind engine.EventKind) engine.Event {
		t.Helper()
		timeout := time.After(5 * time.Second)
		for {
			select {
			case e := <-events:
				if e.Kind == kind {
					return e
				}
				require.NotEqual(t, engine.EventCommunicationFailure, e.Kind, "%v", e.Err)
				require.NotEqual(t, engine.EventProcessingFailure, e.Kind, e.Message)
			case <-timeout:
				t.Fatalf("no %s event", kind)
				return engine.Event{}
			}
		}
	}

	_, err = sess.SubmitText(driveText)
	require.NoError(t, err)
	waitFor(engine.EventApplied)
	assert.Equal(t, driveText, waitFor(engine.EventTextApplied).Text)

	g, err := sess.Graph()
	require.NoError(t, err)
	assert.Len(t, g.Nodes, 2)
	assert.Len(t, g.Links, 1)

	_, err = store.Latest(context.Background(), "default")
	assert.ErrorIs(t, err, persistence.ErrNotFound, "reconciliation is not saved back")

	loc := "50 50"
	require.NoError(t, sess.Edit("move a", func(m canvas.Mutator) error {
		return m.UpdateNode(model.StringKey("a"), canvas.NodePatch{Loc: &loc})
	}))
	persisted := waitFor(engine.EventPersisted)
	assert.NotEmpty(t, persisted.Revision)

	text := waitFor(engine.EventTextApplied).Text
	assert.Contains(t, text, "component a at 50 50\n")

	latest, err := store.Latest(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, persisted.Revision, latest.ID)
	assert.Equal(t, text, latest.Text)
}
