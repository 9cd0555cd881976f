package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Global metric variables, registered on the default registry by promauto.
// Editor-side metrics are labelled by channel ("text" or "graph") where it
// makes sense; server-side ones follow the HTTP middleware.

var (
	// HttpRequestsTotal counts requests served, labelled by method, path and status code.
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphsync_http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "path", "status"},
	)

	// HttpRequestDuration measures server response time. Parsing is the slow
	// path, saves are usually sub-millisecond.
	HttpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "graphsync_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5},
		},
		[]string{"method", "path"},
	)

	// RequestsSubmitted counts sequenced edit requests.
	RequestsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphsync_requests_submitted_total",
			Help: "Total number of sequenced edit requests",
		},
		[]string{"channel"},
	)

	// ResponsesDiscarded counts responses dropped on arrival.
	// reason is "stale" or "suppressed".
	ResponsesDiscarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphsync_responses_discarded_total",
			Help: "Total number of responses discarded because they were stale or suppressed",
		},
		[]string{"channel", "reason"},
	)

	// ReconcileOperations counts operations applied to the canvas, by kind.
	ReconcileOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphsync_reconcile_operations_total",
			Help: "Total number of reconciliation operations applied to the canvas",
		},
		[]string{"op"},
	)

	// ReconcileFailures counts reconciliations rejected before mutation.
	ReconcileFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphsync_reconcile_failures_total",
			Help: "Total number of reconciliations rejected by validation",
		},
		[]string{"reason"},
	)

	// Transactions counts finished canvas transactions by origin and outcome.
	Transactions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphsync_transactions_total",
			Help: "Total number of canvas transactions",
		},
		[]string{"origin", "outcome"},
	)

	// PersistSends counts persistence sends by outcome.
	PersistSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphsync_persist_total",
			Help: "Total number of persistence sends",
		},
		[]string{"outcome"},
	)

	// StoredRevisions tracks how many revisions the server store holds per diagram.
	StoredRevisions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "graphsync_stored_revisions",
			Help: "Number of stored diagram revisions",
		},
		[]string{"diagram"},
	)
)
