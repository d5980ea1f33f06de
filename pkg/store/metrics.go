package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters shared by both store implementations and the reconciler. They
// register on the default registry served at /metrics.
var (
	EventsAppended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessiondb_events_appended_total",
		Help: "Events durably appended to the log.",
	})
	RevConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessiondb_state_rev_conflicts_total",
		Help: "Optimistic-concurrency conflicts on projection writes.",
	})
	ReconcileRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessiondb_reconcile_runs_total",
		Help: "Reconciliation passes executed.",
	})
	ReconcileRepairs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessiondb_reconcile_repairs_total",
		Help: "Stale projections repaired by the reconciler.",
	})
)
