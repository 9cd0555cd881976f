package canvas

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tidwall/btree"

	"github.com/sanonone/graphsync/pkg/model"
)

// LocalState is canvas-owned state of a part that no payload carries.
type LocalState struct {
	Selected bool
	Extra    map[string]any
}

func (s LocalState) clone() LocalState {
	c := LocalState{Selected: s.Selected}
	if s.Extra != nil {
		c.Extra = make(map[string]any, len(s.Extra))
		for k, v := range s.Extra {
			c.Extra[k] = v
		}
	}
	return c
}

type nodeEntry struct {
	data  model.Node
	local LocalState
}

type linkEntry struct {
	data  model.Link
	local LocalState
}

func nodeLess(a, b nodeEntry) bool { return model.CompareKeys(a.data.Key, b.data.Key) < 0 }
func linkLess(a, b linkEntry) bool { return model.CompareKeys(a.data.Key, b.data.Key) < 0 }

// MemoryOption configures a Memory canvas.
type MemoryOption func(*Memory)

// WithLinkValidator sets the port-compatibility rule applied to links created
// or rewired by user transactions. Reconciliation is not checked: the server
// is authoritative.
func WithLinkValidator(v LinkValidator) MemoryOption {
	return func(m *Memory) { m.validator = v }
}

// WithMutationHook registers fn to run after every successful mutation.
// fn must not call back into the canvas mutators.
func WithMutationHook(fn func(op string, key model.Key)) MemoryOption {
	return func(m *Memory) { m.hook = fn }
}

// WithCanvasLogger sets the logger.
func WithCanvasLogger(l *slog.Logger) MemoryOption {
	return func(m *Memory) { m.logger = l }
}

// Memory is an in-memory canvas. Parts are kept in ordered B-trees so
// iteration is deterministic, and a transaction's starting state is kept as
// a copy-on-write clone for rollback.
//
// Referential integrity is enforced eagerly: a link can only be added while
// both endpoints exist and a node can only be removed once no link uses it.
type Memory struct {
	mu    sync.RWMutex
	nodes *btree.BTreeG[nodeEntry]
	links *btree.BTreeG[linkEntry]

	open        *Transaction
	savedNodes  *btree.BTreeG[nodeEntry]
	savedLinks  *btree.BTreeG[linkEntry]
	listeners   map[int]func(Transaction)
	nextListen  int
	validator   LinkValidator
	hook        func(op string, key model.Key)
	logger      *slog.Logger
	commitCount int
}

// NewMemory returns an empty canvas.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		nodes:     btree.NewBTreeG[nodeEntry](nodeLess),
		links:     btree.NewBTreeG[linkEntry](linkLess),
		listeners: make(map[int]func(Transaction)),
		validator: SameUnit,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// --- Reads ---

// Graph returns a copy of the payload currently shown.
func (m *Memory) Graph() model.Graph {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g := model.NewGraph()
	m.nodes.Scan(func(e nodeEntry) bool {
		g.Nodes[e.data.Key] = e.data.Clone()
		return true
	})
	m.links.Scan(func(e linkEntry) bool {
		g.Links[e.data.Key] = e.data
		return true
	})
	return g
}

// SelectionCount returns how many nodes and links are selected.
func (m *Memory) SelectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	m.nodes.Scan(func(e nodeEntry) bool {
		if e.local.Selected {
			n++
		}
		return true
	})
	m.links.Scan(func(e linkEntry) bool {
		if e.local.Selected {
			n++
		}
		return true
	})
	return n
}

// NodeState returns the canvas-local state of a node.
func (m *Memory) NodeState(key model.Key) (LocalState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.nodes.Get(nodeEntry{data: model.Node{Key: key}})
	if !ok {
		return LocalState{}, false
	}
	return e.local.clone(), true
}

// LinkState returns the canvas-local state of a link.
func (m *Memory) LinkState(key model.Key) (LocalState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.links.Get(linkEntry{data: model.Link{Key: key}})
	if !ok {
		return LocalState{}, false
	}
	return e.local.clone(), true
}

// Commits returns how many transactions were committed so far.
func (m *Memory) Commits() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.commitCount
}

// --- Canvas-local interaction (not transactional, not payload) ---

// Select replaces the selection with the given node keys.
func (m *Memory) Select(keys ...model.Key) {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[model.Key]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}
	var changed []nodeEntry
	m.nodes.Scan(func(e nodeEntry) bool {
		if e.local.Selected != want[e.data.Key] {
			e.local = e.local.clone()
			e.local.Selected = want[e.data.Key]
			changed = append(changed, e)
		}
		return true
	})
	for _, e := range changed {
		m.nodes.Set(e)
	}
	var changedLinks []linkEntry
	m.links.Scan(func(e linkEntry) bool {
		if e.local.Selected {
			e.local = e.local.clone()
			e.local.Selected = false
			changedLinks = append(changedLinks, e)
		}
		return true
	})
	for _, e := range changedLinks {
		m.links.Set(e)
	}
}

// SetNodeExtra stores a canvas-local value on a node.
func (m *Memory) SetNodeExtra(key model.Key, name string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.nodes.Get(nodeEntry{data: model.Node{Key: key}})
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, key)
	}
	e.local = e.local.clone()
	if e.local.Extra == nil {
		e.local.Extra = make(map[string]any)
	}
	e.local.Extra[name] = value
	m.nodes.Set(e)
	return nil
}

// --- Transactions ---

// StartTransaction opens tx. Only one transaction may be open.
func (m *Memory) StartTransaction(tx Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.open != nil {
		return fmt.Errorf("%w: %q", ErrTransactionOpen, m.open.Label)
	}
	m.open = &tx
	m.savedNodes = m.nodes.Copy()
	m.savedLinks = m.links.Copy()
	return nil
}

// CommitTransaction closes tx and notifies subscribers once.
func (m *Memory) CommitTransaction(tx Transaction) error {
	m.mu.Lock()
	if err := m.checkOpen(tx); err != nil {
		m.mu.Unlock()
		return err
	}
	m.open = nil
	m.savedNodes, m.savedLinks = nil, nil
	m.commitCount++
	listeners := make([]func(Transaction), 0, len(m.listeners))
	for i := 0; i < m.nextListen; i++ {
		if fn, ok := m.listeners[i]; ok {
			listeners = append(listeners, fn)
		}
	}
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(tx)
	}
	return nil
}

// RollbackTransaction restores the state tx started from. Nobody is notified.
func (m *Memory) RollbackTransaction(tx Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOpen(tx); err != nil {
		return err
	}
	m.nodes, m.links = m.savedNodes, m.savedLinks
	m.savedNodes, m.savedLinks = nil, nil
	m.open = nil
	return nil
}

func (m *Memory) checkOpen(tx Transaction) error {
	if m.open == nil {
		return ErrNotInTransaction
	}
	if m.open.ID != tx.ID {
		return fmt.Errorf("%w: open %q, got %q", ErrTransactionUnknown, m.open.Label, tx.Label)
	}
	return nil
}

// OnTransactionFinished subscribes fn to commit notifications.
func (m *Memory) OnTransactionFinished(fn func(Transaction)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextListen
	m.nextListen++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// --- Mutations ---

func (m *Memory) mutating() error {
	if m.open == nil {
		return ErrNotInTransaction
	}
	return nil
}

func (m *Memory) notify(op string, key model.Key) {
	if m.hook != nil {
		m.hook(op, key)
	}
}

// AddNode adds a node with empty local state.
func (m *Memory) AddNode(n model.Node) error {
	m.mu.Lock()
	if err := m.mutating(); err != nil {
		m.mu.Unlock()
		return err
	}
	lookup := nodeEntry{data: model.Node{Key: n.Key}}
	if _, ok := m.nodes.Get(lookup); ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNodeExists, n.Key)
	}
	m.nodes.Set(nodeEntry{data: n.Clone()})
	m.mu.Unlock()

	m.notify("add_node", n.Key)
	return nil
}

// RemoveNode removes a node that no link references.
func (m *Memory) RemoveNode(key model.Key) error {
	m.mu.Lock()
	if err := m.mutating(); err != nil {
		m.mu.Unlock()
		return err
	}
	if _, ok := m.nodes.Get(nodeEntry{data: model.Node{Key: key}}); !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNodeNotFound, key)
	}
	var user model.Key
	m.links.Scan(func(e linkEntry) bool {
		if e.data.From == key || e.data.To == key {
			user = e.data.Key
			return false
		}
		return true
	})
	if !user.IsZero() {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is used by link %s", ErrNodeInUse, key, user)
	}
	m.nodes.Delete(nodeEntry{data: model.Node{Key: key}})
	m.mu.Unlock()

	m.notify("remove_node", key)
	return nil
}

// UpdateNode applies p to the node's payload, keeping its local state.
func (m *Memory) UpdateNode(key model.Key, p NodePatch) error {
	m.mu.Lock()
	if err := m.mutating(); err != nil {
		m.mu.Unlock()
		return err
	}
	e, ok := m.nodes.Get(nodeEntry{data: model.Node{Key: key}})
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNodeNotFound, key)
	}
	e.data = p.Apply(e.data)
	m.nodes.Set(e)
	m.mu.Unlock()

	m.notify("update_node", key)
	return nil
}

// AddLink adds a link whose endpoints both exist.
func (m *Memory) AddLink(l model.Link) error {
	m.mu.Lock()
	if err := m.mutating(); err != nil {
		m.mu.Unlock()
		return err
	}
	if _, ok := m.links.Get(linkEntry{data: model.Link{Key: l.Key}}); ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrLinkExists, l.Key)
	}
	if err := m.checkEndpoints(l); err != nil {
		m.mu.Unlock()
		return err
	}
	m.links.Set(linkEntry{data: l})
	m.mu.Unlock()

	m.notify("add_link", l.Key)
	return nil
}

// RemoveLink removes a link.
func (m *Memory) RemoveLink(key model.Key) error {
	m.mu.Lock()
	if err := m.mutating(); err != nil {
		m.mu.Unlock()
		return err
	}
	if _, ok := m.links.Delete(linkEntry{data: model.Link{Key: key}}); !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrLinkNotFound, key)
	}
	m.mu.Unlock()

	m.notify("remove_link", key)
	return nil
}

// UpdateLink applies p to the link's payload, keeping its local state.
func (m *Memory) UpdateLink(key model.Key, p LinkPatch) error {
	m.mu.Lock()
	if err := m.mutating(); err != nil {
		m.mu.Unlock()
		return err
	}
	e, ok := m.links.Get(linkEntry{data: model.Link{Key: key}})
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrLinkNotFound, key)
	}
	updated := p.Apply(e.data)
	if err := m.checkEndpoints(updated); err != nil {
		m.mu.Unlock()
		return err
	}
	e.data = updated
	m.links.Set(e)
	m.mu.Unlock()

	m.notify("update_link", key)
	return nil
}

// checkEndpoints must be called with mu held.
func (m *Memory) checkEndpoints(l model.Link) error {
	from, ok := m.nodes.Get(nodeEntry{data: model.Node{Key: l.From}})
	if !ok {
		return &model.DanglingReferenceError{Link: l.Key, Endpoint: "from", Node: l.From}
	}
	to, ok := m.nodes.Get(nodeEntry{data: model.Node{Key: l.To}})
	if !ok {
		return &model.DanglingReferenceError{Link: l.Key, Endpoint: "to", Node: l.To}
	}
	if m.open.Origin != OriginUser || m.validator == nil {
		return nil
	}
	fromPort, ok := from.data.Port(model.SideRight, l.FromPort)
	if !ok {
		return fmt.Errorf("canvas: node %s has no output port %q", l.From, l.FromPort)
	}
	toPort, ok := to.data.Port(model.SideLeft, l.ToPort)
	if !ok {
		return fmt.Errorf("canvas: node %s has no input port %q", l.To, l.ToPort)
	}
	if err := m.validator(from.data, fromPort, to.data, toPort); err != nil {
		m.logger.Debug("Rejected link", "link", l.Key.String(), "error", err)
		return err
	}
	return nil
}

var _ Canvas = (*Memory)(nil)
