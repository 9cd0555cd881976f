// Package reconcile morphs the graph held by the canvas into a desired graph
// with a minimal set of keyed operations, without replacing the identity of
// nodes and links that survive the update.
//
// A Plan is computed from the canvas graph and the desired document and
// validated as a whole before anything is applied: duplicate keys and
// dangling link endpoints reject the entire update. Operations are ordered so
// that no intermediate state has a link pointing at a missing node:
//
//  1. remove obsolete links
//  2. remove obsolete nodes
//  3. add new nodes
//  4. add new links
//  5. update retained nodes
//  6. update retained links
package reconcile

import (
	"fmt"
	"slices"

	"github.com/sanonone/graphsync/pkg/canvas"
	"github.com/sanonone/graphsync/pkg/model"
)

// OpKind is the kind of a reconciliation operation. The numeric order is
// the application order.
type OpKind int

const (
	OpRemoveLink OpKind = iota
	OpRemoveNode
	OpAddNode
	OpAddLink
	OpUpdateNode
	OpUpdateLink
)

func (k OpKind) String() string {
	switch k {
	case OpRemoveLink:
		return "remove_link"
	case OpRemoveNode:
		return "remove_node"
	case OpAddNode:
		return "add_node"
	case OpAddLink:
		return "add_link"
	case OpUpdateNode:
		return "update_node"
	case OpUpdateLink:
		return "update_link"
	default:
		return "unknown"
	}
}

// Op is one canvas mutation.
type Op struct {
	Kind OpKind
	Key  model.Key

	Node      model.Node      // OpAddNode
	Link      model.Link      // OpAddLink
	NodePatch canvas.NodePatch // OpUpdateNode
	LinkPatch canvas.LinkPatch // OpUpdateLink
}

func (o Op) String() string {
	switch o.Kind {
	case OpUpdateNode:
		return fmt.Sprintf("%s %s %v", o.Kind, o.Key, o.NodePatch.Fields())
	case OpUpdateLink:
		return fmt.Sprintf("%s %s %v", o.Kind, o.Key, o.LinkPatch.Fields())
	default:
		return fmt.Sprintf("%s %s", o.Kind, o.Key)
	}
}

// Plan is an ordered list of operations.
type Plan struct {
	Ops []Op
}

// Empty reports whether the plan changes nothing.
func (p Plan) Empty() bool {
	return len(p.Ops) == 0
}

// Count returns how many operations of kind k the plan holds.
func (p Plan) Count(k OpKind) int {
	n := 0
	for _, op := range p.Ops {
		if op.Kind == k {
			n++
		}
	}
	return n
}

// Diff computes the plan turning current into desired.
//
// A node absent from desired but still referenced by a desired link is kept:
// removing it would leave that link dangling. A retained link whose current
// endpoint is a removed node is re-created (removed first, added after the
// new nodes) rather than updated in place, for the same reason. A node whose
// category changes keeps its identity and is updated in place.
func Diff(current model.Graph, desired model.Document) (Plan, error) {
	want, err := desired.Graph()
	if err != nil {
		return Plan{}, err
	}

	pinned := make(map[model.Key]bool)
	for _, k := range want.LinkKeys() {
		l := want.Links[k]
		for _, end := range []struct {
			name string
			key  model.Key
		}{{"from", l.From}, {"to", l.To}} {
			if _, ok := want.Nodes[end.key]; ok {
				continue
			}
			if _, ok := current.Nodes[end.key]; ok {
				pinned[end.key] = true
				continue
			}
			return Plan{}, &model.DanglingReferenceError{Link: k, Endpoint: end.name, Node: end.key}
		}
	}

	removedNodes := make(map[model.Key]bool)
	for _, k := range current.NodeKeys() {
		if _, ok := want.Nodes[k]; !ok && !pinned[k] {
			removedNodes[k] = true
		}
	}

	var (
		removeLinks, addLinks, updateLinks []Op
		removeNodes, addNodes, updateNodes []Op
	)

	for _, k := range current.LinkKeys() {
		cur := current.Links[k]
		next, ok := want.Links[k]
		switch {
		case !ok:
			removeLinks = append(removeLinks, Op{Kind: OpRemoveLink, Key: k})
		case removedNodes[cur.From] || removedNodes[cur.To]:
			removeLinks = append(removeLinks, Op{Kind: OpRemoveLink, Key: k})
			addLinks = append(addLinks, Op{Kind: OpAddLink, Key: k, Link: next})
		default:
			if p := diffLink(cur, next); !p.Empty() {
				updateLinks = append(updateLinks, Op{Kind: OpUpdateLink, Key: k, LinkPatch: p})
			}
		}
	}
	for _, k := range want.LinkKeys() {
		if _, ok := current.Links[k]; !ok {
			addLinks = append(addLinks, Op{Kind: OpAddLink, Key: k, Link: want.Links[k]})
		}
	}

	for _, k := range current.NodeKeys() {
		if removedNodes[k] {
			removeNodes = append(removeNodes, Op{Kind: OpRemoveNode, Key: k})
			continue
		}
		next, ok := want.Nodes[k]
		if !ok {
			continue // pinned
		}
		if p := diffNode(current.Nodes[k], next); !p.Empty() {
			updateNodes = append(updateNodes, Op{Kind: OpUpdateNode, Key: k, NodePatch: p})
		}
	}
	for _, k := range want.NodeKeys() {
		if _, ok := current.Nodes[k]; !ok {
			addNodes = append(addNodes, Op{Kind: OpAddNode, Key: k, Node: want.Nodes[k]})
		}
	}

	sortOps(addLinks)

	var plan Plan
	plan.Ops = slices.Concat(removeLinks, removeNodes, addNodes, addLinks, updateNodes, updateLinks)
	return plan, nil
}

func sortOps(ops []Op) {
	slices.SortFunc(ops, func(a, b Op) int { return model.CompareKeys(a.Key, b.Key) })
}

// diffNode returns the payload fields of next that differ from cur. A missing
// location or port array is left alone; a missing group clears it.
func diffNode(cur, next model.Node) canvas.NodePatch {
	var p canvas.NodePatch
	if next.Name != cur.Name {
		p.Name = &next.Name
	}
	if next.Category != cur.Category {
		p.Category = &next.Category
	}
	if next.Loc != "" && next.Loc != cur.Loc {
		p.Loc = &next.Loc
	}
	if next.LeftPorts != nil && !slices.Equal(next.LeftPorts, cur.LeftPorts) {
		ports := slices.Clone(next.LeftPorts)
		p.LeftPorts = &ports
	}
	if next.RightPorts != nil && !slices.Equal(next.RightPorts, cur.RightPorts) {
		ports := slices.Clone(next.RightPorts)
		p.RightPorts = &ports
	}
	if !equalGroup(cur.Group, next.Group) {
		p.SetGroup = true
		if next.Group != nil {
			g := *next.Group
			p.Group = &g
		}
	}
	return p
}

func equalGroup(a, b *model.Key) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func diffLink(cur, next model.Link) canvas.LinkPatch {
	var p canvas.LinkPatch
	if next.From != cur.From {
		p.From = &next.From
	}
	if next.FromPort != cur.FromPort {
		p.FromPort = &next.FromPort
	}
	if next.To != cur.To {
		p.To = &next.To
	}
	if next.ToPort != cur.ToPort {
		p.ToPort = &next.ToPort
	}
	if next.Category != cur.Category {
		p.Category = &next.Category
	}
	return p
}
