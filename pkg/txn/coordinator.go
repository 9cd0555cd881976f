// Package txn wraps canvas mutation in atomic, non-reentrant transactions.
//
// The coordinator is a small state machine, Idle -> InTransaction -> Idle.
// Opening a transaction while one is open is a programming error and fails
// with ErrNestedTransaction. Commit makes the canvas emit exactly one
// transaction-finished notification; Abort rolls back silently.
package txn

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/sanonone/graphsync/pkg/canvas"
	"github.com/sanonone/graphsync/pkg/metrics"
	"github.com/sanonone/graphsync/pkg/model"
)

// State of the coordinator.
type State int

const (
	Idle State = iota
	InTransaction
	Reading
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case InTransaction:
		return "in_transaction"
	case Reading:
		return "reading"
	default:
		return "unknown"
	}
}

var (
	// ErrNestedTransaction is returned by Begin and Read while another
	// transaction or read is in progress.
	ErrNestedTransaction = errors.New("txn: nested transaction")
	// ErrNoTransaction is returned when mutating through a finished Tx.
	ErrNoTransaction = errors.New("txn: no open transaction")
	// ErrForeignTransaction is returned when committing a Tx that is not the open one.
	ErrForeignTransaction = errors.New("txn: transaction is not the open one")
)

// Coordinator serializes transactions against one canvas.
type Coordinator struct {
	canvas canvas.Canvas
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	current *Tx
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// New returns an idle coordinator for c.
func New(c canvas.Canvas, opts ...Option) *Coordinator {
	co := &Coordinator{canvas: c, logger: slog.Default()}
	for _, opt := range opts {
		opt(co)
	}
	return co
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open reports whether a transaction is open.
func (c *Coordinator) Open() bool {
	return c.State() == InTransaction
}

// Begin opens a transaction tagged with origin.
func (c *Coordinator) Begin(label string, origin canvas.Origin) (*Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Idle {
		open := ""
		if c.current != nil {
			open = c.current.info.Label
		}
		return nil, fmt.Errorf("%w: %q requested while %s (%q)", ErrNestedTransaction, label, c.state, open)
	}

	info := canvas.Transaction{ID: uuid.NewString(), Label: label, Origin: origin}
	if err := c.canvas.StartTransaction(info); err != nil {
		return nil, fmt.Errorf("start transaction %q: %w", label, err)
	}
	tx := &Tx{c: c, info: info}
	c.state = InTransaction
	c.current = tx
	return tx, nil
}

// Commit closes tx. The coordinator is Idle again before the canvas
// notifies subscribers, so listeners may Read or Begin.
//
// If the canvas refuses the commit, the transaction is rolled back. Should
// the rollback fail as well, tx stays open so the caller can Abort it.
func (c *Coordinator) Commit(tx *Tx) error {
	if err := c.finish(tx); err != nil {
		return err
	}
	if err := c.canvas.CommitTransaction(tx.info); err != nil {
		metrics.Transactions.WithLabelValues(tx.info.Origin.String(), "failed").Inc()
		err = fmt.Errorf("commit transaction %q: %w", tx.info.Label, err)
		if rbErr := c.canvas.RollbackTransaction(tx.info); rbErr != nil {
			c.reopen(tx)
			return errors.Join(err, fmt.Errorf("rollback transaction %q: %w", tx.info.Label, rbErr))
		}
		return err
	}
	metrics.Transactions.WithLabelValues(tx.info.Origin.String(), "committed").Inc()
	return nil
}

// Abort closes tx without notification, undoing whatever it mutated. If the
// canvas refuses the rollback, tx stays open.
func (c *Coordinator) Abort(tx *Tx) error {
	if err := c.finish(tx); err != nil {
		return err
	}
	if err := c.canvas.RollbackTransaction(tx.info); err != nil {
		c.reopen(tx)
		return fmt.Errorf("rollback transaction %q: %w", tx.info.Label, err)
	}
	metrics.Transactions.WithLabelValues(tx.info.Origin.String(), "aborted").Inc()
	return nil
}

func (c *Coordinator) finish(tx *Tx) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if tx == nil || tx.done {
		return ErrNoTransaction
	}
	if c.current != tx {
		return ErrForeignTransaction
	}
	tx.done = true
	c.current = nil
	c.state = Idle
	return nil
}

// reopen undoes finish after the canvas kept tx open.
func (c *Coordinator) reopen(tx *Tx) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx.done = false
	c.current = tx
	c.state = InTransaction
	c.logger.Warn("Canvas transaction still open", "label", tx.info.Label, "id", tx.info.ID)
}

// Run executes fn inside a transaction: committed if fn succeeds, aborted
// otherwise.
func (c *Coordinator) Run(label string, origin canvas.Origin, fn func(m canvas.Mutator) error) error {
	tx, err := c.Begin(label, origin)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if abortErr := c.Abort(tx); abortErr != nil {
			c.logger.Error("Abort failed", "label", label, "error", abortErr)
		}
		return err
	}
	return c.Commit(tx)
}

// Read hands fn a consistent copy of the canvas graph. It fails while a
// transaction is open and blocks Begin for its duration.
func (c *Coordinator) Read(fn func(g model.Graph) error) error {
	c.mu.Lock()
	if c.state != Idle {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: read requested while %s", ErrNestedTransaction, state)
	}
	c.state = Reading
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.state = Idle
		c.mu.Unlock()
	}()
	return fn(c.canvas.Graph())
}

// Tx is an open transaction. It implements canvas.Mutator; every method fails
// with ErrNoTransaction once the transaction was committed or aborted.
type Tx struct {
	c    *Coordinator
	info canvas.Transaction
	done bool
}

// Info returns the canvas transaction descriptor.
func (t *Tx) Info() canvas.Transaction {
	return t.info
}

// Active reports whether the transaction is still open.
func (t *Tx) Active() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	return !t.done
}

// Graph returns a copy of the canvas graph as seen inside the transaction.
func (t *Tx) Graph() (model.Graph, error) {
	if !t.Active() {
		return model.Graph{}, ErrNoTransaction
	}
	return t.c.canvas.Graph(), nil
}

func (t *Tx) mutator() (canvas.Mutator, error) {
	if !t.Active() {
		return nil, ErrNoTransaction
	}
	return t.c.canvas, nil
}

func (t *Tx) AddNode(n model.Node) error {
	m, err := t.mutator()
	if err != nil {
		return err
	}
	return m.AddNode(n)
}

func (t *Tx) RemoveNode(key model.Key) error {
	m, err := t.mutator()
	if err != nil {
		return err
	}
	return m.RemoveNode(key)
}

func (t *Tx) UpdateNode(key model.Key, p canvas.NodePatch) error {
	m, err := t.mutator()
	if err != nil {
		return err
	}
	return m.UpdateNode(key, p)
}

func (t *Tx) AddLink(l model.Link) error {
	m, err := t.mutator()
	if err != nil {
		return err
	}
	return m.AddLink(l)
}

func (t *Tx) RemoveLink(key model.Key) error {
	m, err := t.mutator()
	if err != nil {
		return err
	}
	return m.RemoveLink(key)
}

func (t *Tx) UpdateLink(key model.Key, p canvas.LinkPatch) error {
	m, err := t.mutator()
	if err != nil {
		return err
	}
	return m.UpdateLink(key, p)
}

var _ canvas.Mutator = (*Tx)(nil)
