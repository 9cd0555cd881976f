package reconcile

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/sanonone/graphsync/pkg/canvas"
	"github.com/sanonone/graphsync/pkg/metrics"
	"github.com/sanonone/graphsync/pkg/model"
	"github.com/sanonone/graphsync/pkg/txn"
)

// Reconciler applies desired graphs to a canvas through a coordinator.
type Reconciler struct {
	coord  *txn.Coordinator
	logger *slog.Logger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// New returns a reconciler mutating the canvas behind coord.
func New(coord *txn.Coordinator, opts ...Option) *Reconciler {
	r := &Reconciler{coord: coord, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Apply runs the plan against an open transaction. It must be called
// between Begin and Commit; the first failing operation stops it and the
// caller is expected to abort the transaction.
func Apply(tx *txn.Tx, p Plan) error {
	if tx == nil || !tx.Active() {
		return txn.ErrNoTransaction
	}
	for _, op := range p.Ops {
		if err := applyOp(tx, op); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		metrics.ReconcileOperations.WithLabelValues(op.Kind.String()).Inc()
	}
	return nil
}

func applyOp(m canvas.Mutator, op Op) error {
	switch op.Kind {
	case OpRemoveLink:
		return m.RemoveLink(op.Key)
	case OpRemoveNode:
		return m.RemoveNode(op.Key)
	case OpAddNode:
		return m.AddNode(op.Node)
	case OpAddLink:
		return m.AddLink(op.Link)
	case OpUpdateNode:
		return m.UpdateNode(op.Key, op.NodePatch)
	case OpUpdateLink:
		return m.UpdateLink(op.Key, op.LinkPatch)
	default:
		return fmt.Errorf("unknown operation kind %d", op.Kind)
	}
}

// Sync makes the canvas show desired. The whole update runs in a single
// reconcile-origin transaction: on any error the transaction is aborted and
// the canvas is exactly as before. A plan with no operations is closed
// without a transaction-finished notification.
func (r *Reconciler) Sync(desired model.Document, label string) (Plan, error) {
	tx, err := r.coord.Begin(label, canvas.OriginReconcile)
	if err != nil {
		return Plan{}, err
	}

	current, err := tx.Graph()
	if err != nil {
		r.abort(tx)
		return Plan{}, err
	}

	plan, err := Diff(current, desired)
	if err != nil {
		r.abort(tx)
		metrics.ReconcileFailures.WithLabelValues(failureReason(err)).Inc()
		r.logger.Warn("Rejected desired graph", "label", label, "error", err)
		return Plan{}, err
	}

	if plan.Empty() {
		r.abort(tx)
		return plan, nil
	}

	if err := Apply(tx, plan); err != nil {
		r.abort(tx)
		metrics.ReconcileFailures.WithLabelValues(failureReason(err)).Inc()
		r.logger.Error("Reconciliation failed, rolled back", "label", label, "error", err)
		return Plan{}, err
	}

	if err := r.coord.Commit(tx); err != nil {
		return Plan{}, err
	}

	r.logger.Debug("Reconciled canvas",
		"label", label,
		"ops", len(plan.Ops),
		"added_nodes", plan.Count(OpAddNode),
		"removed_nodes", plan.Count(OpRemoveNode),
		"updated_nodes", plan.Count(OpUpdateNode),
		"added_links", plan.Count(OpAddLink),
		"removed_links", plan.Count(OpRemoveLink),
		"updated_links", plan.Count(OpUpdateLink),
	)
	return plan, nil
}

func (r *Reconciler) abort(tx *txn.Tx) {
	if err := r.coord.Abort(tx); err != nil {
		r.logger.Error("Abort failed", "label", tx.Info().Label, "error", err)
	}
}

func failureReason(err error) string {
	var dup *model.DuplicateKeyError
	var dangling *model.DanglingReferenceError
	var invalid *model.ValidationError
	switch {
	case errors.As(err, &dup):
		return "duplicate_key"
	case errors.As(err, &dangling):
		return "dangling_reference"
	case errors.As(err, &invalid):
		return "invalid"
	default:
		return "canvas"
	}
}
