package model

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// Side tells on which side of a node a port is drawn.
type Side string

const (
	SideLeft  Side = "left"
	SideRight Side = "right"
)

// DefaultCategory is the category of plain component nodes and links.
const DefaultCategory = ""

// Port is a typed connection point on one side of a Node.
type Port struct {
	PortID string `json:"portId"`
	Label  string `json:"port_label,omitempty"`
	Unit   string `json:"unit,omitempty"`
}

// Node is a diagram component.
type Node struct {
	Key      Key    `json:"key"`
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`

	// Loc is the opaque canvas position ("x y"). Empty means the payload does
	// not carry a position and the canvas keeps whatever it has.
	Loc string `json:"loc,omitempty"`

	LeftPorts  []Port `json:"leftArray"`
	RightPorts []Port `json:"rightArray"`

	Group *Key `json:"group,omitempty"`
}

// Ports returns the ports drawn on the given side.
func (n Node) Ports(side Side) []Port {
	if side == SideLeft {
		return n.LeftPorts
	}
	return n.RightPorts
}

// Port looks a port up by id on the given side.
func (n Node) Port(side Side, portID string) (Port, bool) {
	for _, p := range n.Ports(side) {
		if p.PortID == portID {
			return p, true
		}
	}
	return Port{}, false
}

// Clone returns a deep copy of the node.
func (n Node) Clone() Node {
	c := n
	c.LeftPorts = clonePorts(n.LeftPorts)
	c.RightPorts = clonePorts(n.RightPorts)
	if n.Group != nil {
		g := *n.Group
		c.Group = &g
	}
	return c
}

func clonePorts(ports []Port) []Port {
	if ports == nil {
		return []Port{}
	}
	return slices.Clone(ports)
}

// Link is a typed edge between a right-side port and a left-side port.
type Link struct {
	Key      Key    `json:"key"`
	From     Key    `json:"from"`
	FromPort string `json:"fromPort"`
	To       Key    `json:"to"`
	ToPort   string `json:"toPort"`
	Category string `json:"category,omitempty"`
}

// Graph is one diagram snapshot: nodes and links by key.
type Graph struct {
	Nodes map[Key]Node
	Links map[Key]Link
}

// NewGraph returns an empty graph.
func NewGraph() Graph {
	return Graph{
		Nodes: make(map[Key]Node),
		Links: make(map[Key]Link),
	}
}

// Clone returns a deep copy of the graph.
func (g Graph) Clone() Graph {
	c := Graph{
		Nodes: make(map[Key]Node, len(g.Nodes)),
		Links: maps.Clone(g.Links),
	}
	if c.Links == nil {
		c.Links = make(map[Key]Link)
	}
	for k, n := range g.Nodes {
		c.Nodes[k] = n.Clone()
	}
	return c
}

// NodeKeys returns node keys in canonical order.
func (g Graph) NodeKeys() []Key {
	return slices.SortedFunc(maps.Keys(g.Nodes), CompareKeys)
}

// LinkKeys returns link keys in canonical order.
func (g Graph) LinkKeys() []Key {
	return slices.SortedFunc(maps.Keys(g.Links), CompareKeys)
}

// Document returns the canonical serialized form of the graph, with nodes
// and links sorted by key and port arrays never null.
func (g Graph) Document() Document {
	doc := Document{
		Nodes: make([]Node, 0, len(g.Nodes)),
		Links: make([]Link, 0, len(g.Links)),
	}
	for _, k := range g.NodeKeys() {
		doc.Nodes = append(doc.Nodes, g.Nodes[k].Clone())
	}
	for _, k := range g.LinkKeys() {
		doc.Links = append(doc.Links, g.Links[k])
	}
	return doc
}

// CheckIntegrity verifies that every link references nodes of the graph.
func (g Graph) CheckIntegrity() error {
	for _, k := range g.LinkKeys() {
		l := g.Links[k]
		if _, ok := g.Nodes[l.From]; !ok {
			return &DanglingReferenceError{Link: k, Endpoint: "from", Node: l.From}
		}
		if _, ok := g.Nodes[l.To]; !ok {
			return &DanglingReferenceError{Link: k, Endpoint: "to", Node: l.To}
		}
	}
	return nil
}

// Point is a parsed canvas location.
type Point struct {
	X, Y float64
}

// ParseLoc parses the "x y" location format used on the wire.
func ParseLoc(loc string) (Point, error) {
	fields := strings.Fields(loc)
	if len(fields) != 2 {
		return Point{}, fmt.Errorf("invalid location %q: want \"x y\"", loc)
	}
	x, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return Point{}, fmt.Errorf("invalid location %q: %w", loc, err)
	}
	y, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return Point{}, fmt.Errorf("invalid location %q: %w", loc, err)
	}
	return Point{X: x, Y: y}, nil
}

// String formats the point in the wire location format.
func (p Point) String() string {
	return strconv.FormatFloat(p.X, 'f', -1, 64) + " " + strconv.FormatFloat(p.Y, 'f', -1, 64)
}
