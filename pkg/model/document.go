package model

import (
	"encoding/json"
	"fmt"
)

// Document is the canonical serialized graph exchanged for persistence.
// Field names (key, from, fromPort, to, toPort) are fixed: the reconciler
// diffs by key, so they must survive every round-trip unchanged.
type Document struct {
	Nodes []Node `json:"nodeDataArray"`
	Links []Link `json:"linkDataArray"`
}

// Graph indexes the document by key. Duplicate node, link or per-side port
// keys are rejected with a DuplicateKeyError; nothing is returned partially.
func (d Document) Graph() (Graph, error) {
	g := Graph{
		Nodes: make(map[Key]Node, len(d.Nodes)),
		Links: make(map[Key]Link, len(d.Links)),
	}
	for i, n := range d.Nodes {
		if n.Key.IsZero() {
			return Graph{}, &ValidationError{Document: "graph", Err: fmt.Errorf("node %d has no key", i)}
		}
		if _, dup := g.Nodes[n.Key]; dup {
			return Graph{}, &DuplicateKeyError{Kind: "node", Key: n.Key.String()}
		}
		if err := checkPorts(n, SideLeft); err != nil {
			return Graph{}, err
		}
		if err := checkPorts(n, SideRight); err != nil {
			return Graph{}, err
		}
		g.Nodes[n.Key] = n.Clone()
	}
	for i, l := range d.Links {
		if l.Key.IsZero() {
			return Graph{}, &ValidationError{Document: "graph", Err: fmt.Errorf("link %d has no key", i)}
		}
		if _, dup := g.Links[l.Key]; dup {
			return Graph{}, &DuplicateKeyError{Kind: "link", Key: l.Key.String()}
		}
		g.Links[l.Key] = l
	}
	return g, nil
}

func checkPorts(n Node, side Side) error {
	seen := make(map[string]struct{}, len(n.Ports(side)))
	for _, p := range n.Ports(side) {
		if _, dup := seen[p.PortID]; dup {
			return &DuplicateKeyError{Kind: "port", Key: p.PortID, Owner: n.Key, Side: side}
		}
		seen[p.PortID] = struct{}{}
	}
	return nil
}

// --- Wire documents ---

// ParseRequest asks the server to parse diagram text.
type ParseRequest struct {
	Text string `json:"text"`
}

// Diagram is the graph section of a parse response.
type Diagram struct {
	Nodes []Node `json:"nodes"`
	Links []Link `json:"links"`
}

// Document converts the parse-response graph to the canonical document.
func (d Diagram) Document() Document {
	return Document{Nodes: d.Nodes, Links: d.Links}
}

// ParseResponse is the server answer to a ParseRequest. Exactly one of
// Diagram and Error is set.
type ParseResponse struct {
	Request               ParseRequest    `json:"request"`
	Diagram               *Diagram        `json:"gojs,omitempty"`
	StringWithSuggestions *string         `json:"string_with_suggestions,omitempty"`
	Highlight             json.RawMessage `json:"highlight,omitempty"`
	LanguageWarnings      string          `json:"language_warnings,omitempty"`
	Error                 string          `json:"error,omitempty"`
}

// SuggestionsAvailable reports whether the server proposed a rewrite of the
// request text.
func (r *ParseResponse) SuggestionsAvailable() bool {
	return r.StringWithSuggestions != nil && *r.StringWithSuggestions != r.Request.Text
}

// PersistRequest carries a graph edited on the canvas.
type PersistRequest struct {
	Graph Document `json:"graph"`
}

// PersistResponse is {} on success or {error}. Text and Revision are set by
// servers that regenerate canonical text from the saved graph.
type PersistResponse struct {
	Error    string `json:"error,omitempty"`
	Text     string `json:"text,omitempty"`
	Revision string `json:"revision,omitempty"`
}

// Revision is one persisted version of a diagram.
type Revision struct {
	ID    string   `json:"revision"`
	Text  string   `json:"text"`
	Graph Document `json:"graph"`
}

// Frame operations.
const (
	OpParse = "parse"
	OpSave  = "save"
)

// Frame is one WebSocket message. Requests carry Op and the ParseRequest or
// PersistRequest body; replies echo ID and carry the response body, or Error
// when the frame itself could not be handled.
type Frame struct {
	ID    string          `json:"id"`
	Op    string          `json:"op,omitempty"`
	Body  json.RawMessage `json:"body,omitempty"`
	Error string          `json:"error,omitempty"`
}
