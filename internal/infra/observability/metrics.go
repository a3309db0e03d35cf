// Package observability holds the Prometheus metrics for the ledger, the
// proof pipeline and the stores. Metrics register on the default registry
// and are served at /metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Ledger Metrics ─────────────────────────────────────────────────────────

// LedgerAppends counts durably appended entries by action.
var LedgerAppends = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "proofwork",
	Subsystem: "ledger",
	Name:      "appends_total",
	Help:      "Total ledger entries appended, by action.",
}, []string{"action"})

// LedgerAppendConflicts counts stale-tail and duplicate-hash retries.
var LedgerAppendConflicts = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "proofwork",
	Subsystem: "ledger",
	Name:      "append_conflicts_total",
	Help:      "Total append attempts retried after a conflicting write.",
})

// LedgerAppendSeconds tracks the latency of a full record() round trip.
var LedgerAppendSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "proofwork",
	Subsystem: "ledger",
	Name:      "append_seconds",
	Help:      "Latency of appending one ledger entry, including retries.",
	Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
})

// LedgerViolations counts chain violations found by verification.
var LedgerViolations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "proofwork",
	Subsystem: "ledger",
	Name:      "violations_total",
	Help:      "Total chain violations reported by verification, by kind.",
}, []string{"kind"})

// LedgerCheckpoints counts Merkle checkpoints written.
var LedgerCheckpoints = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "proofwork",
	Subsystem: "ledger",
	Name:      "checkpoints_total",
	Help:      "Total Merkle checkpoints written.",
})

// ─── Proof Metrics ──────────────────────────────────────────────────────────

// ProofUploads counts evaluated uploads by gate verdict.
var ProofUploads = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "proofwork",
	Subsystem: "proof",
	Name:      "uploads_total",
	Help:      "Total proof uploads, by integrity verdict.",
}, []string{"verdict"})

// ProofUploadBytes tracks accepted upload sizes.
var ProofUploadBytes = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "proofwork",
	Subsystem: "proof",
	Name:      "upload_bytes",
	Help:      "Size of uploaded proof files in bytes.",
	Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
})

// TasksFlagged counts tasks moved to flagged.
var TasksFlagged = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "proofwork",
	Subsystem: "tasks",
	Name:      "flagged_total",
	Help:      "Total tasks flagged after evidence replacement.",
})

// TasksCompleted counts tasks rolled up to completed.
var TasksCompleted = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "proofwork",
	Subsystem: "tasks",
	Name:      "completed_total",
	Help:      "Total tasks completed.",
})

// ─── Store Metrics ──────────────────────────────────────────────────────────

// StoreRetries counts transient storage failures retried with backoff.
var StoreRetries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "proofwork",
	Subsystem: "store",
	Name:      "retries_total",
	Help:      "Total transient storage failures retried, by driver.",
}, []string{"driver"})
