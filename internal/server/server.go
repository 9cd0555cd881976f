// Package server is the reference parse/persist server: it parses diagram
// text for editor sessions and stores the graphs they save.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sanonone/graphsync/internal/config"
	"github.com/sanonone/graphsync/pkg/diagramtext"
	"github.com/sanonone/graphsync/pkg/model"
	"github.com/sanonone/graphsync/pkg/persistence"
)

// Parser turns diagram text into a graph and a graph back into canonical
// text.
type Parser interface {
	Parse(text string) (*diagramtext.Result, error)
	Format(doc model.Document) (string, error)
}

// TextParser is the Parser for the diagramtext language.
type TextParser struct{}

func (TextParser) Parse(text string) (*diagramtext.Result, error) { return diagramtext.Parse(text) }

func (TextParser) Format(doc model.Document) (string, error) { return diagramtext.Format(doc) }

// Server holds the HTTP interface and the revision store behind it.
type Server struct {
	store     persistence.Store
	parser    Parser
	logger    *slog.Logger
	diagram   string
	authToken string
	parsePath string
	savePath  string

	upgrader   websocket.Upgrader
	httpServer *http.Server

	connsMu sync.Mutex
	conns   map[*websocket.Conn]struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithParser replaces the diagramtext parser.
func WithParser(p Parser) Option {
	return func(s *Server) { s.parser = p }
}

// WithLogger sets the logger used for requests and WebSocket sessions.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer builds the server from its configuration. The store is not
// closed by the server.
func NewServer(cfg config.ServerConfig, store persistence.Store, opts ...Option) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("a revision store is required")
	}
	s := &Server{
		store:     store,
		parser:    TextParser{},
		logger:    slog.Default(),
		diagram:   cfg.Diagram,
		authToken: cfg.AuthToken,
		parsePath: cfg.ParsePath,
		savePath:  cfg.SavePath,
		conns:     make(map[*websocket.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.diagram == "" {
		s.diagram = "default"
	}
	if s.parsePath == "" {
		s.parsePath = "/ajax_parse"
	}
	if s.savePath == "" {
		s.savePath = "/save"
	}

	mux := http.NewServeMux()
	s.registerHTTPHandlers(mux)

	// Recovery -> Logging -> Auth -> Mux
	var handler http.Handler = mux
	handler = s.authMiddleware(handler)
	handler = s.LoggingMiddleware(handler)
	handler = s.RecoveryMiddleware(handler)

	rootMux := http.NewServeMux()
	rootMux.HandleFunc("GET /healthz", s.handleHealthz)
	rootMux.Handle("GET /metrics", promhttp.Handler())
	rootMux.Handle("/", handler)
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           rootMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer.RegisterOnShutdown(s.closeConns)

	return s, nil
}

// Handler returns the root handler, for embedding or httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Addr is the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Run listens and serves until Shutdown.
func (s *Server) Run() error {
	s.logger.Info("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server startup failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests, closes open WebSocket connections and
// waits up to five seconds for in-flight requests.
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown of HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}
}

func (s *Server) closeConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}
