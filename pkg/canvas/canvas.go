// Package canvas defines the graphical canvas collaborator the editor engine
// talks to, and provides Memory, an in-memory canvas used for headless sessions
// and tests.
//
// A canvas holds one live graph plus state the payload never carries
// (selection, arbitrary per-part extras). Every mutation happens inside a
// transaction; committing a transaction notifies subscribers exactly once,
// rolling back notifies nobody.
package canvas

import (
	"errors"
	"fmt"

	"github.com/sanonone/graphsync/pkg/model"
)

// Origin tags who opened a transaction.
type Origin int

const (
	// OriginUser marks direct manipulation of the canvas.
	OriginUser Origin = iota
	// OriginReconcile marks transactions applying a server-derived graph.
	OriginReconcile
)

func (o Origin) String() string {
	switch o {
	case OriginUser:
		return "user"
	case OriginReconcile:
		return "reconcile"
	default:
		return "unknown"
	}
}

// Transaction describes one unit of canvas mutation.
type Transaction struct {
	ID     string
	Label  string
	Origin Origin
}

var (
	ErrNotInTransaction   = errors.New("canvas: mutation outside of a transaction")
	ErrTransactionOpen    = errors.New("canvas: a transaction is already open")
	ErrTransactionUnknown = errors.New("canvas: transaction is not the open one")
	ErrNodeExists         = errors.New("canvas: node already exists")
	ErrNodeNotFound       = errors.New("canvas: node not found")
	ErrNodeInUse          = errors.New("canvas: node still has links")
	ErrLinkExists         = errors.New("canvas: link already exists")
	ErrLinkNotFound       = errors.New("canvas: link not found")
)

// Mutator is the mutation surface available inside an open transaction.
type Mutator interface {
	AddNode(n model.Node) error
	RemoveNode(key model.Key) error
	UpdateNode(key model.Key, p NodePatch) error
	AddLink(l model.Link) error
	RemoveLink(key model.Key) error
	UpdateLink(key model.Key, p LinkPatch) error
}

// Canvas is the graphical canvas collaborator.
type Canvas interface {
	Mutator

	// Graph returns a copy of the payload currently shown.
	Graph() model.Graph
	// SelectionCount returns how many parts are selected.
	SelectionCount() int

	StartTransaction(tx Transaction) error
	CommitTransaction(tx Transaction) error
	RollbackTransaction(tx Transaction) error

	// OnTransactionFinished subscribes fn to commit notifications and returns
	// a function removing the subscription.
	OnTransactionFinished(fn func(Transaction)) (cancel func())
}

// NodePatch lists the payload fields of a node that change. Nil fields are
// left alone.
type NodePatch struct {
	Name       *string
	Category   *string
	Loc        *string
	LeftPorts  *[]model.Port
	RightPorts *[]model.Port

	// SetGroup replaces the group membership with Group (nil clears it).
	SetGroup bool
	Group    *model.Key
}

// Empty reports whether the patch changes nothing.
func (p NodePatch) Empty() bool {
	return p.Name == nil && p.Category == nil && p.Loc == nil &&
		p.LeftPorts == nil && p.RightPorts == nil && !p.SetGroup
}

// Fields names the fields the patch touches, for logging.
func (p NodePatch) Fields() []string {
	var f []string
	if p.Name != nil {
		f = append(f, "name")
	}
	if p.Category != nil {
		f = append(f, "category")
	}
	if p.Loc != nil {
		f = append(f, "loc")
	}
	if p.LeftPorts != nil {
		f = append(f, "leftArray")
	}
	if p.RightPorts != nil {
		f = append(f, "rightArray")
	}
	if p.SetGroup {
		f = append(f, "group")
	}
	return f
}

// Apply returns n with the patch applied.
func (p NodePatch) Apply(n model.Node) model.Node {
	n = n.Clone()
	if p.Name != nil {
		n.Name = *p.Name
	}
	if p.Category != nil {
		n.Category = *p.Category
	}
	if p.Loc != nil {
		n.Loc = *p.Loc
	}
	if p.LeftPorts != nil {
		n.LeftPorts = append([]model.Port{}, (*p.LeftPorts)...)
	}
	if p.RightPorts != nil {
		n.RightPorts = append([]model.Port{}, (*p.RightPorts)...)
	}
	if p.SetGroup {
		n.Group = nil
		if p.Group != nil {
			g := *p.Group
			n.Group = &g
		}
	}
	return n
}

// LinkPatch lists the payload fields of a link that change.
type LinkPatch struct {
	From     *model.Key
	FromPort *string
	To       *model.Key
	ToPort   *string
	Category *string
}

// Empty reports whether the patch changes nothing.
func (p LinkPatch) Empty() bool {
	return p.From == nil && p.FromPort == nil && p.To == nil && p.ToPort == nil && p.Category == nil
}

// Fields names the fields the patch touches, for logging.
func (p LinkPatch) Fields() []string {
	var f []string
	if p.From != nil {
		f = append(f, "from")
	}
	if p.FromPort != nil {
		f = append(f, "fromPort")
	}
	if p.To != nil {
		f = append(f, "to")
	}
	if p.ToPort != nil {
		f = append(f, "toPort")
	}
	if p.Category != nil {
		f = append(f, "category")
	}
	return f
}

// Apply returns l with the patch applied.
func (p LinkPatch) Apply(l model.Link) model.Link {
	if p.From != nil {
		l.From = *p.From
	}
	if p.FromPort != nil {
		l.FromPort = *p.FromPort
	}
	if p.To != nil {
		l.To = *p.To
	}
	if p.ToPort != nil {
		l.ToPort = *p.ToPort
	}
	if p.Category != nil {
		l.Category = *p.Category
	}
	return l
}

// LinkValidator decides whether a user may connect two ports.
type LinkValidator func(from model.Node, fromPort model.Port, to model.Node, toPort model.Port) error

// IncompatiblePortsError is returned by SameUnit.
type IncompatiblePortsError struct {
	FromUnit, ToUnit string
}

func (e *IncompatiblePortsError) Error() string {
	return fmt.Sprintf("canvas: cannot connect a port in [%s] to a port in [%s]", e.FromUnit, e.ToUnit)
}

// SameUnit only allows links between ports carrying the same unit.
func SameUnit(_ model.Node, fromPort model.Port, _ model.Node, toPort model.Port) error {
	if fromPort.Unit != toPort.Unit {
		return &IncompatiblePortsError{FromUnit: fromPort.Unit, ToUnit: toPort.Unit}
	}
	return nil
}
