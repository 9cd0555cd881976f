package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sanonone/graphsync/pkg/model"
)

// WSPath is the WebSocket endpoint of the server.
const WSPath = "/ws"

// ErrConnectionClosed is returned for requests pending when the socket closed.
var ErrConnectionClosed = errors.New("websocket connection closed")

// WSURL turns an http(s) base URL into the ws(s) URL of the WebSocket endpoint.
func WSURL(baseURL string) string {
	u := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	if !strings.HasSuffix(u, WSPath) {
		u += WSPath
	}
	return u
}

// WSClient multiplexes parse and persist requests over one WebSocket. Every
// request frame carries a fresh id and the reply with the same id completes
// it, whatever order replies arrive in.
type WSClient struct {
	conn         *websocket.Conn
	logger       *slog.Logger
	writeTimeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan model.Frame
	readErr error

	closed    chan struct{}
	closeOnce sync.Once
}

type wsSettings struct {
	authToken    string
	logger       *slog.Logger
	writeTimeout time.Duration
	dialer       *websocket.Dialer
}

// WSOption configures DialWS.
type WSOption func(*wsSettings)

// WithWSAuthToken sends the token as a bearer Authorization header on the handshake.
func WithWSAuthToken(token string) WSOption {
	return func(s *wsSettings) { s.authToken = token }
}

// WithWSLogger sets the logger.
func WithWSLogger(l *slog.Logger) WSOption {
	return func(s *wsSettings) { s.logger = l }
}

// WithWSWriteTimeout bounds each frame write.
func WithWSWriteTimeout(d time.Duration) WSOption {
	return func(s *wsSettings) { s.writeTimeout = d }
}

// DialWS connects to url (ws:// or wss://).
func DialWS(ctx context.Context, url string, opts ...WSOption) (*WSClient, error) {
	s := wsSettings{
		logger:       slog.Default(),
		writeTimeout: 10 * time.Second,
		dialer:       websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(&s)
	}

	header := http.Header{}
	if s.authToken != "" {
		header.Set("Authorization", "Bearer "+s.authToken)
	}
	conn, resp, err := s.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, &CommunicationError{Op: "dial", Err: &APIError{StatusCode: resp.StatusCode, Message: err.Error()}}
		}
		return nil, &CommunicationError{Op: "dial", Err: err}
	}

	c := &WSClient{
		conn:         conn,
		logger:       s.logger,
		writeTimeout: s.writeTimeout,
		pending:      make(map[string]chan model.Frame),
		closed:       make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *WSClient) readLoop() {
	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var f model.Frame
		if err := json.Unmarshal(message, &f); err != nil {
			c.logger.Warn("Dropping malformed frame", "error", err)
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.mu.Unlock()

		if !ok {
			c.logger.Debug("Dropping reply for unknown request", "id", f.ID)
			continue
		}
		ch <- f
	}
}

func (c *WSClient) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.readErr = err
		c.mu.Unlock()
		close(c.closed)
		c.conn.Close()
	})
}

func (c *WSClient) roundTrip(ctx context.Context, op, frameOp string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON payload: %w", err)
	}
	f := model.Frame{ID: uuid.NewString(), Op: frameOp, Body: body}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal frame: %w", err)
	}

	reply := make(chan model.Frame, 1)
	c.mu.Lock()
	if c.readErr != nil {
		c.mu.Unlock()
		return nil, &CommunicationError{Op: op, Err: ErrConnectionClosed}
	}
	c.pending[f.ID] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return nil, &CommunicationError{Op: op, Err: err}
	}

	select {
	case r := <-reply:
		if r.Error != "" {
			return nil, &CommunicationError{Op: op, Err: errors.New(r.Error)}
		}
		return r.Body, nil
	case <-ctx.Done():
		return nil, &CommunicationError{Op: op, Err: ctx.Err()}
	case <-c.closed:
		return nil, &CommunicationError{Op: op, Err: ErrConnectionClosed}
	}
}

// Parse asks the server to parse text.
func (c *WSClient) Parse(ctx context.Context, text string) (*model.ParseResponse, error) {
	body, err := c.roundTrip(ctx, "parse", model.OpParse, model.ParseRequest{Text: text})
	if err != nil {
		return nil, err
	}
	return decodeParse(body)
}

// Persist sends a graph edited on the canvas.
func (c *WSClient) Persist(ctx context.Context, doc model.Document) (*model.PersistResponse, error) {
	body, err := c.roundTrip(ctx, "persist", model.OpSave, model.PersistRequest{Graph: doc})
	if err != nil {
		return nil, err
	}
	return decodePersist(body)
}

// Close sends a close frame and tears the connection down. Pending requests
// fail with ErrConnectionClosed.
func (c *WSClient) Close() error {
	select {
	case <-c.closed:
		return nil
	default:
	}
	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	err := c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	c.shutdown(ErrConnectionClosed)
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return err
	}
	return nil
}

var _ Transport = (*WSClient)(nil)
