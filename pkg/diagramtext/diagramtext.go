// Package diagramtext implements the reference diagram language understood
// by the graphsync server.
//
// The language is line oriented:
//
//	# a comment
//	component motor "Electric motor" at 0 0
//	  in power [W] "electric power"
//	  out torque [N*m]
//	component load category f_template group plant
//	  in torque [N*m]
//	connect motor.torque -> load.torque
//	connect motor.torque -> load.torque as shaft category mechanical
//
// A component line declares a node; the indented in/out lines that follow
// declare its left and right ports. Connect lines declare links. A link
// without "as" gets the key -1, -2, ... by position, the way the canvas
// numbers links it creates.
//
// Format writes the canonical text of a document so that Parse(Format(d))
// yields d again.
package diagramtext

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/sanonone/graphsync/pkg/model"
)

// SyntaxError reports the first problem found in the text.
type SyntaxError struct {
	Line int
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

// Line kinds reported by Highlight.
const (
	KindBlank     = "blank"
	KindComment   = "comment"
	KindComponent = "component"
	KindPort      = "port"
	KindConnect   = "connect"
	KindError     = "error"
)

// HighlightLine classifies one input line.
type HighlightLine struct {
	Line int    `json:"line"`
	Kind string `json:"kind"`
}

// Result is the outcome of parsing.
type Result struct {
	Document  model.Document
	Warnings  []string
	Highlight []HighlightLine
}

type parser struct {
	res     Result
	current *model.Node
	nodes   map[model.Key]int
	links   map[model.Key]bool
	auto    int64
	used    map[string]bool
}

// Parse parses text into a document. Port arrays are never nil in the result.
func Parse(text string) (*Result, error) {
	p := &parser{
		nodes: make(map[model.Key]int),
		links: make(map[model.Key]bool),
		used:  make(map[string]bool),
	}
	p.res.Document = model.Document{Nodes: []model.Node{}, Links: []model.Link{}}

	for i, raw := range strings.Split(text, "\n") {
		line := i + 1
		kind, err := p.line(line, raw)
		if err != nil {
			return nil, err
		}
		p.res.Highlight = append(p.res.Highlight, HighlightLine{Line: line, Kind: kind})
	}
	p.flush()
	p.warnUnused()
	return &p.res, nil
}

// Highlight classifies every line without failing: lines that do not parse
// are reported as KindError.
func Highlight(text string) []HighlightLine {
	p := &parser{
		nodes: make(map[model.Key]int),
		links: make(map[model.Key]bool),
		used:  make(map[string]bool),
	}
	var out []HighlightLine
	for i, raw := range strings.Split(text, "\n") {
		kind, err := p.line(i+1, raw)
		if err != nil {
			kind = KindError
		}
		out = append(out, HighlightLine{Line: i + 1, Kind: kind})
	}
	return out
}

func (p *parser) line(line int, raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	switch {
	case trimmed == "":
		return KindBlank, nil
	case strings.HasPrefix(trimmed, "#"):
		return KindComment, nil
	}

	toks, err := tokenize(trimmed)
	if err != nil {
		return "", &SyntaxError{Line: line, Msg: err.Error()}
	}

	switch toks[0].text {
	case "component":
		return KindComponent, p.component(line, toks[1:])
	case "in", "out":
		if !startsIndented(raw) {
			return "", &SyntaxError{Line: line, Msg: "port declarations must be indented under a component"}
		}
		return KindPort, p.port(line, toks[0].text, toks[1:])
	case "connect":
		p.flush()
		return KindConnect, p.connect(line, toks[1:])
	default:
		return "", &SyntaxError{Line: line, Msg: fmt.Sprintf("unexpected %q", toks[0].text)}
	}
}

func startsIndented(raw string) bool {
	return raw != "" && unicode.IsSpace(rune(raw[0]))
}

func (p *parser) flush() {
	if p.current == nil {
		return
	}
	p.res.Document.Nodes = append(p.res.Document.Nodes, *p.current)
	p.current = nil
}

func (p *parser) component(line int, toks []token) error {
	p.flush()
	if len(toks) == 0 {
		return &SyntaxError{Line: line, Msg: "component needs a key"}
	}
	key := toks[0].key()
	if _, dup := p.nodes[key]; dup {
		return &SyntaxError{Line: line, Msg: fmt.Sprintf("component %s declared twice", toks[0].text)}
	}

	n := model.Node{Key: key, Name: key.String(), LeftPorts: []model.Port{}, RightPorts: []model.Port{}}
	rest := toks[1:]
	if len(rest) > 0 && rest[0].quoted {
		n.Name = rest[0].text
		rest = rest[1:]
	}
	for len(rest) > 0 {
		switch {
		case rest[0].is("at") && len(rest) >= 3:
			x, errX := strconv.ParseFloat(rest[1].text, 64)
			y, errY := strconv.ParseFloat(rest[2].text, 64)
			if errX != nil || errY != nil {
				return &SyntaxError{Line: line, Msg: fmt.Sprintf("invalid position %s %s", rest[1].text, rest[2].text)}
			}
			n.Loc = model.Point{X: x, Y: y}.String()
			rest = rest[3:]
		case rest[0].is("category") && len(rest) >= 2:
			n.Category = rest[1].text
			rest = rest[2:]
		case rest[0].is("group") && len(rest) >= 2:
			g := rest[1].key()
			n.Group = &g
			rest = rest[2:]
		default:
			return &SyntaxError{Line: line, Msg: fmt.Sprintf("unexpected %q in component", rest[0].text)}
		}
	}

	p.nodes[key] = len(p.res.Document.Nodes)
	p.current = &n
	return nil
}

func (p *parser) port(line int, dir string, toks []token) error {
	if p.current == nil {
		return &SyntaxError{Line: line, Msg: "port declared outside of a component"}
	}
	if len(toks) == 0 || toks[0].quoted || toks[0].unit {
		return &SyntaxError{Line: line, Msg: "port needs an id"}
	}
	port := model.Port{PortID: toks[0].text}
	for _, t := range toks[1:] {
		switch {
		case t.unit && port.Unit == "":
			port.Unit = t.text
		case t.quoted && port.Label == "":
			port.Label = t.text
		default:
			return &SyntaxError{Line: line, Msg: fmt.Sprintf("unexpected %q in port", t.text)}
		}
	}

	side := model.SideLeft
	if dir == "out" {
		side = model.SideRight
	}
	if _, dup := p.current.Port(side, port.PortID); dup {
		return &SyntaxError{Line: line, Msg: fmt.Sprintf("port %s declared twice on %s", port.PortID, p.current.Key)}
	}
	if side == model.SideLeft {
		p.current.LeftPorts = append(p.current.LeftPorts, port)
	} else {
		p.current.RightPorts = append(p.current.RightPorts, port)
	}
	return nil
}

func (p *parser) connect(line int, toks []token) error {
	if len(toks) < 3 || !toks[1].is("->") {
		return &SyntaxError{Line: line, Msg: "expected connect FROM.PORT -> TO.PORT"}
	}
	from, fromPort, err := p.endpoint(toks[0], model.SideRight)
	if err != nil {
		return &SyntaxError{Line: line, Msg: err.Error()}
	}
	to, toPort, err := p.endpoint(toks[2], model.SideLeft)
	if err != nil {
		return &SyntaxError{Line: line, Msg: err.Error()}
	}

	p.auto--
	l := model.Link{Key: model.IntKey(p.auto), From: from, FromPort: fromPort, To: to, ToPort: toPort}
	rest := toks[3:]
	for len(rest) > 0 {
		switch {
		case rest[0].is("as") && len(rest) >= 2:
			l.Key = rest[1].key()
			rest = rest[2:]
		case rest[0].is("category") && len(rest) >= 2:
			l.Category = rest[1].text
			rest = rest[2:]
		default:
			return &SyntaxError{Line: line, Msg: fmt.Sprintf("unexpected %q in connect", rest[0].text)}
		}
	}
	if p.links[l.Key] {
		return &SyntaxError{Line: line, Msg: fmt.Sprintf("link %s declared twice", l.Key)}
	}
	p.links[l.Key] = true

	fromNode := p.res.Document.Nodes[p.nodes[from]]
	toNode := p.res.Document.Nodes[p.nodes[to]]
	fp, _ := fromNode.Port(model.SideRight, fromPort)
	tp, _ := toNode.Port(model.SideLeft, toPort)
	if fp.Unit != tp.Unit {
		p.res.Warnings = append(p.res.Warnings, fmt.Sprintf("line %d: connecting [%s] to [%s]", line, fp.Unit, tp.Unit))
	}

	p.res.Document.Links = append(p.res.Document.Links, l)
	return nil
}

// endpoint resolves "node.port" against the components declared so far.
func (p *parser) endpoint(t token, side model.Side) (model.Key, string, error) {
	i := strings.LastIndex(t.text, ".")
	if i <= 0 || i == len(t.text)-1 || t.quoted {
		return model.Key{}, "", fmt.Errorf("invalid endpoint %q, expected NODE.PORT", t.text)
	}
	key := token{text: t.text[:i]}.key()
	portID := t.text[i+1:]
	idx, ok := p.nodes[key]
	if !ok {
		return model.Key{}, "", fmt.Errorf("unknown component %s", t.text[:i])
	}
	if _, ok := p.res.Document.Nodes[idx].Port(side, portID); !ok {
		dir := "output"
		if side == model.SideLeft {
			dir = "input"
		}
		return model.Key{}, "", fmt.Errorf("component %s has no %s port %s", key, dir, portID)
	}
	p.used[key.String()+"\x00"+string(side)+"\x00"+portID] = true
	return key, portID, nil
}

func (p *parser) warnUnused() {
	for _, n := range p.res.Document.Nodes {
		for _, side := range []model.Side{model.SideLeft, model.SideRight} {
			for _, port := range n.Ports(side) {
				if !p.used[n.Key.String()+"\x00"+string(side)+"\x00"+port.PortID] {
					p.res.Warnings = append(p.res.Warnings, fmt.Sprintf("port %s.%s is not connected", n.Key, port.PortID))
				}
			}
		}
	}
}

// --- Tokens ---

type token struct {
	text   string
	quoted bool
	unit   bool
}

func (t token) is(word string) bool {
	return !t.quoted && !t.unit && t.text == word
}

// key turns the token into a node or link key: bare integers are numeric
// keys, everything else (including quoted integers) is a string key.
func (t token) key() model.Key {
	if !t.quoted {
		if i, err := strconv.ParseInt(t.text, 10, 64); err == nil {
			return model.IntKey(i)
		}
	}
	return model.StringKey(t.text)
}

func tokenize(s string) ([]token, error) {
	var toks []token
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '#':
			return toks, nil
		case c == '"':
			j := i + 1
			var b strings.Builder
			for ; j < len(s) && s[j] != '"'; j++ {
				if s[j] == '\\' && j+1 < len(s) {
					j++
				}
				b.WriteByte(s[j])
			}
			if j >= len(s) {
				return nil, fmt.Errorf("unterminated string")
			}
			toks = append(toks, token{text: b.String(), quoted: true})
			i = j + 1
		case c == '[':
			j := strings.IndexByte(s[i:], ']')
			if j < 0 {
				return nil, fmt.Errorf("unterminated unit")
			}
			toks = append(toks, token{text: s[i+1 : i+j], unit: true})
			i += j + 1
		default:
			j := i
			for j < len(s) && s[j] != ' ' && s[j] != '\t' && s[j] != '"' && s[j] != '[' {
				j++
			}
			toks = append(toks, token{text: s[i:j]})
			i = j
		}
	}
	return toks, nil
}
