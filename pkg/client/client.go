// Package client provides the transports the editor engine uses to reach a
// graphsync server.
//
// Two implementations are available:
//   - Client, plain JSON over HTTP (POST /ajax_parse, POST /save, GET /graph).
//   - WSClient, the same documents multiplexed over one WebSocket, where
//     responses may arrive in any order.
//
// Both classify failures the same way: a CommunicationError when the server
// could not be reached or answered with a non-2xx status, a ProcessingError
// when the server answered with an {"error": ...} document.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sanonone/graphsync/pkg/model"
)

// Transport sends edit requests to the server.
type Transport interface {
	Parse(ctx context.Context, text string) (*model.ParseResponse, error)
	Persist(ctx context.Context, doc model.Document) (*model.PersistResponse, error)
	Close() error
}

// --- Custom Errors ---

// APIError represents an error returned by the server with status >= 400.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

// CommunicationError means no usable answer came back: connection failure,
// timeout, non-2xx status or an unreadable body.
type CommunicationError struct {
	Op  string
	Err error
}

func (e *CommunicationError) Error() string {
	return fmt.Sprintf("%s: communication error: %v", e.Op, e.Err)
}

func (e *CommunicationError) Unwrap() error {
	return e.Err
}

// ProcessingError carries the message of an {"error": ...} response.
type ProcessingError struct {
	Op      string
	Message string
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("%s: server error: %s", e.Op, e.Message)
}

// --- Client ---

const (
	DefaultParsePath = "/ajax_parse"
	DefaultSavePath  = "/save"
	GraphPath        = "/graph"
)

// Client is the HTTP transport.
type Client struct {
	baseURL    string
	httpClient *http.Client
	authToken  string
	parsePath  string
	savePath   string
}

// Option configures a Client.
type Option func(*Client)

// WithAuthToken sends the token as a bearer Authorization header.
func WithAuthToken(token string) Option {
	return func(c *Client) { c.authToken = token }
}

// WithTimeout bounds every request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithPaths overrides the parse and save endpoints.
func WithPaths(parse, save string) Option {
	return func(c *Client) {
		if parse != "" {
			c.parsePath = parse
		}
		if save != "" {
			c.savePath = save
		}
	}
}

// New creates a client for the server at baseURL (e.g. "http://localhost:8080").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		parsePath:  DefaultParsePath,
		savePath:   DefaultSavePath,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// jsonRequest executes one request and returns the body of a 2xx response.
// Every failure is a *CommunicationError.
func (c *Client) jsonRequest(ctx context.Context, op, method, endpoint string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal JSON payload: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &CommunicationError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &CommunicationError{Op: op, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	if resp.StatusCode >= 400 {
		var errResp map[string]string
		if json.Unmarshal(respBody, &errResp) == nil {
			return nil, &CommunicationError{Op: op, Err: &APIError{StatusCode: resp.StatusCode, Message: errResp["error"]}}
		}
		return nil, &CommunicationError{Op: op, Err: &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}}
	}

	return respBody, nil
}

// Parse asks the server to parse text. A response that fails validation is
// returned as a *model.ValidationError.
func (c *Client) Parse(ctx context.Context, text string) (*model.ParseResponse, error) {
	body, err := c.jsonRequest(ctx, "parse", http.MethodPost, c.parsePath, model.ParseRequest{Text: text})
	if err != nil {
		return nil, err
	}
	return decodeParse(body)
}

// Persist sends a graph edited on the canvas.
func (c *Client) Persist(ctx context.Context, doc model.Document) (*model.PersistResponse, error) {
	body, err := c.jsonRequest(ctx, "persist", http.MethodPost, c.savePath, model.PersistRequest{Graph: doc})
	if err != nil {
		return nil, err
	}
	return decodePersist(body)
}

// Latest fetches the most recently persisted revision.
func (c *Client) Latest(ctx context.Context) (*model.Revision, error) {
	body, err := c.jsonRequest(ctx, "latest", http.MethodGet, GraphPath, nil)
	if err != nil {
		return nil, err
	}
	var rev model.Revision
	if err := json.Unmarshal(body, &rev); err != nil {
		return nil, &CommunicationError{Op: "latest", Err: fmt.Errorf("failed to decode revision: %w", err)}
	}
	return &rev, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func decodeParse(body []byte) (*model.ParseResponse, error) {
	resp, err := model.DecodeParseResponse(body)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, &ProcessingError{Op: "parse", Message: resp.Error}
	}
	return resp, nil
}

func decodePersist(body []byte) (*model.PersistResponse, error) {
	var resp model.PersistResponse
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, &model.ValidationError{Document: "persist response", Err: err}
		}
	}
	if resp.Error != "" {
		return nil, &ProcessingError{Op: "persist", Message: resp.Error}
	}
	return &resp, nil
}

var _ Transport = (*Client)(nil)
