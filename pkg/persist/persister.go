// Package persist pushes graphs edited directly on the canvas back to the
// server.
//
// The Persister listens for finished canvas transactions. Transactions
// opened by reconciliation are ignored: their content came from the server,
// and sending it back would start an edit loop.
package persist

import (
	"log/slog"
	"sync"

	"github.com/sanonone/graphsync/pkg/canvas"
	"github.com/sanonone/graphsync/pkg/metrics"
	"github.com/sanonone/graphsync/pkg/model"
	"github.com/sanonone/graphsync/pkg/txn"
)

// Sender hands a canonical document to the transport. It must not block:
// the outcome is reported asynchronously by whoever implements it.
type Sender func(tx canvas.Transaction, doc model.Document)

// Persister serializes the canvas after user transactions.
type Persister struct {
	coord  *txn.Coordinator
	send   Sender
	logger *slog.Logger

	mu     sync.Mutex
	cancel func()
}

// Option configures a Persister.
type Option func(*Persister)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Persister) { p.logger = l }
}

// New subscribes a persister to c. Graphs are read through coord so a read
// never overlaps an open transaction.
func New(c canvas.Canvas, coord *txn.Coordinator, send Sender, opts ...Option) *Persister {
	p := &Persister{coord: coord, send: send, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	p.cancel = c.OnTransactionFinished(p.transactionFinished)
	return p
}

// Close unsubscribes the persister. It is safe to call more than once.
func (p *Persister) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

func (p *Persister) transactionFinished(tx canvas.Transaction) {
	if tx.Origin == canvas.OriginReconcile {
		metrics.PersistSends.WithLabelValues("skipped").Inc()
		return
	}

	var doc model.Document
	err := p.coord.Read(func(g model.Graph) error {
		doc = g.Document()
		return nil
	})
	if err != nil {
		metrics.PersistSends.WithLabelValues("read_failed").Inc()
		p.logger.Error("Cannot read graph for persistence", "transaction", tx.Label, "error", err)
		return
	}

	p.logger.Debug("Persisting graph",
		"transaction", tx.Label,
		"nodes", len(doc.Nodes),
		"links", len(doc.Links),
	)
	metrics.PersistSends.WithLabelValues("sent").Inc()
	p.send(tx, doc)
}
