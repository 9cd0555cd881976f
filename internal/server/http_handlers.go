package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/sanonone/graphsync/pkg/diagramtext"
	"github.com/sanonone/graphsync/pkg/model"
	"github.com/sanonone/graphsync/pkg/persistence"
)

// maxBodyBytes bounds request bodies and WebSocket frames.
const maxBodyBytes = 4 << 20

func (s *Server) registerHTTPHandlers(mux *http.ServeMux) {
	mux.HandleFunc("POST "+s.parsePath, s.handleParse)
	mux.HandleFunc("POST "+s.savePath, s.handleSave)
	mux.HandleFunc("GET /graph", s.handleLatest)
	mux.HandleFunc("GET /graph/history", s.handleHistory)
	mux.HandleFunc("GET /graph/{id}", s.handleRevision)
	mux.HandleFunc("GET /ws", s.handleWS)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeHTTPResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleParse(w http.ResponseWriter, r *http.Request) {
	var req model.ParseRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeHTTPError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, s.parse(req))
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeHTTPError(w, http.StatusBadRequest, "failed to read body: "+err.Error())
		return
	}
	resp, err := s.save(r.Context(), body)
	if err != nil {
		s.logger.Error("Failed to store revision", "diagram", s.diagram, "error", err)
		s.writeHTTPError(w, http.StatusInternalServerError, "failed to store revision")
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, resp)
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	rev, err := s.store.Latest(r.Context(), s.diagram)
	s.writeRevision(w, rev, err)
}

func (s *Server) handleRevision(w http.ResponseWriter, r *http.Request) {
	rev, err := s.store.Get(r.Context(), s.diagram, r.PathValue("id"))
	s.writeRevision(w, rev, err)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeHTTPError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	revs, err := s.store.History(r.Context(), s.diagram, limit)
	if err != nil {
		s.logger.Error("Failed to read revision history", "diagram", s.diagram, "error", err)
		s.writeHTTPError(w, http.StatusInternalServerError, "failed to read revision history")
		return
	}
	s.writeHTTPResponse(w, http.StatusOK, map[string]any{"revisions": revs})
}

func (s *Server) writeRevision(w http.ResponseWriter, rev model.Revision, err error) {
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		s.writeHTTPError(w, http.StatusNotFound, "no such revision")
	case err != nil:
		s.logger.Error("Failed to read revision", "diagram", s.diagram, "error", err)
		s.writeHTTPError(w, http.StatusInternalServerError, "failed to read revision")
	default:
		s.writeHTTPResponse(w, http.StatusOK, rev)
	}
}

// parse answers a parse request. Problems with the text are reported in the
// response, never as an HTTP failure.
func (s *Server) parse(req model.ParseRequest) *model.ParseResponse {
	resp := &model.ParseResponse{Request: req}

	res, err := s.parser.Parse(req.Text)
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	g, err := res.Document.Graph()
	if err == nil {
		err = g.CheckIntegrity()
	}
	if err != nil {
		resp.Error = err.Error()
		return resp
	}

	doc := res.Document
	resp.Diagram = &model.Diagram{Nodes: doc.Nodes, Links: doc.Links}
	if text, err := s.parser.Format(doc); err == nil {
		resp.StringWithSuggestions = &text
	} else {
		s.logger.Debug("No canonical text for parsed document", "error", err)
	}
	if len(res.Highlight) > 0 {
		if hl, err := json.Marshal(res.Highlight); err == nil {
			resp.Highlight = hl
		}
	}
	resp.LanguageWarnings = strings.Join(res.Warnings, "\n")
	return resp
}

// save stores the graph carried by a persist request. Invalid graphs are
// rejected in the response; the returned error is a store failure.
func (s *Server) save(ctx context.Context, body []byte) (*model.PersistResponse, error) {
	req, err := model.DecodePersistRequest(body)
	if err != nil {
		return &model.PersistResponse{Error: err.Error()}, nil
	}
	g, err := req.Graph.Graph()
	if err == nil {
		err = g.CheckIntegrity()
	}
	if err != nil {
		return &model.PersistResponse{Error: err.Error()}, nil
	}

	doc := g.Document()
	text, err := s.parser.Format(diagramtext.TextOrder(doc))
	if err != nil {
		return &model.PersistResponse{Error: "graph cannot be written as text: " + err.Error()}, nil
	}

	rev, err := s.store.Append(ctx, s.diagram, text, doc)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Revision stored", "diagram", s.diagram, "revision", rev.ID,
		"nodes", len(doc.Nodes), "links", len(doc.Links))
	return &model.PersistResponse{Text: text, Revision: rev.ID}, nil
}

func (s *Server) writeHTTPResponse(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeHTTPError(w http.ResponseWriter, statusCode int, message string) {
	s.writeHTTPResponse(w, statusCode, map[string]string{"error": message})
}
