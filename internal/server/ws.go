package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sanonone/graphsync/pkg/model"
)

const wsWriteTimeout = 10 * time.Second

// handleWS upgrades to a WebSocket carrying parse and save frames. Each frame
// is handled on its own goroutine, so replies may arrive out of order; the
// client matches them by id.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(maxBodyBytes)

	s.connsMu.Lock()
	s.conns[conn] = struct{}{}
	s.connsMu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	var (
		wg      sync.WaitGroup
		writeMu sync.Mutex
	)
	defer func() {
		cancel()
		wg.Wait()
		s.connsMu.Lock()
		delete(s.conns, conn)
		s.connsMu.Unlock()
		conn.Close()
	}()

	reply := func(f model.Frame) {
		data, err := json.Marshal(f)
		if err != nil {
			s.logger.Error("Failed to marshal reply frame", "id", f.ID, "error", err)
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.logger.Debug("Failed to write reply frame", "id", f.ID, "error", err)
		}
	}

	s.logger.Info("WebSocket session opened", "ip", r.RemoteAddr)
	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("WebSocket read failed", "ip", r.RemoteAddr, "error", err)
			}
			s.logger.Info("WebSocket session closed", "ip", r.RemoteAddr)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var f model.Frame
		if err := json.Unmarshal(message, &f); err != nil || f.ID == "" {
			s.logger.Warn("Dropping malformed frame", "ip", r.RemoteAddr)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			reply(s.handleFrame(ctx, f))
		}()
	}
}

func (s *Server) handleFrame(ctx context.Context, f model.Frame) model.Frame {
	out := model.Frame{ID: f.ID}
	var (
		payload any
		err     error
	)
	switch f.Op {
	case model.OpParse:
		var req model.ParseRequest
		if err = json.Unmarshal(f.Body, &req); err != nil {
			out.Error = "invalid parse request: " + err.Error()
			return out
		}
		payload = s.parse(req)
	case model.OpSave:
		payload, err = s.save(ctx, f.Body)
		if err != nil {
			s.logger.Error("Failed to store revision", "diagram", s.diagram, "error", err)
			out.Error = "failed to store revision"
			return out
		}
	default:
		out.Error = "unknown op " + f.Op
		return out
	}

	out.Body, err = json.Marshal(payload)
	if err != nil {
		out.Error = "failed to encode reply"
	}
	return out
}
