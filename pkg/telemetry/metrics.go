package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Workflow ───────────────────────────────────────────────────────────────

	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chartflow",
		Subsystem: "workflow",
		Name:      "transitions_total",
		Help:      "Successful task status changes, labelled by the status entered.",
	}, []string{"to"})

	OperationErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chartflow",
		Subsystem: "workflow",
		Name:      "operation_errors_total",
		Help:      "Rejected or failed workflow operations, labelled by operation and error kind.",
	}, []string{"operation", "kind"})

	HoldsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chartflow",
		Subsystem: "workflow",
		Name:      "holds_total",
		Help:      "Holds placed, labelled Hold or Rehold.",
	}, []string{"label"})

	HoldResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chartflow",
		Subsystem: "workflow",
		Name:      "hold_resolutions_total",
		Help:      "Holds resolved, labelled by outcome.",
	}, []string{"outcome"})

	// ─── Assignment ─────────────────────────────────────────────────────────────

	AssignmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chartflow",
		Subsystem: "assignment",
		Name:      "assignments_total",
		Help:      "Tasks assigned, labelled by the ledger scope charged.",
	}, []string{"scope"})

	CapacityRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chartflow",
		Subsystem: "assignment",
		Name:      "capacity_rejections_total",
		Help:      "Assignments refused for lack of capacity.",
	}, []string{"kind"})

	BulkAssignSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "chartflow",
		Subsystem: "assignment",
		Name:      "bulk_assign_size",
		Help:      "Number of tasks placed per successful bulk assignment.",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 250},
	})

	SwapsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chartflow",
		Subsystem: "assignment",
		Name:      "swaps_total",
		Help:      "Task pairs swapped, labelled single or bulk.",
	}, []string{"mode"})

	// ─── Quality ────────────────────────────────────────────────────────────────

	QAOverallPercentage = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "chartflow",
		Subsystem: "quality",
		Name:      "overall_percentage",
		Help:      "Overall QA percentage each time a task is rescored.",
		Buckets:   []float64{50, 70, 80, 85, 90, 95, 98, 100},
	})

	// ─── Events ─────────────────────────────────────────────────────────────────

	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chartflow",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Task events published, labelled by event type.",
	}, []string{"type"})

	EventPublishFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chartflow",
		Subsystem: "events",
		Name:      "publish_failures_total",
		Help:      "Task events that could not be published.",
	})

	AuditEventsPersistedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chartflow",
		Subsystem: "auditor",
		Name:      "events_persisted_total",
		Help:      "Task events written to the audit trail.",
	}, []string{"type"})

	AuditEventsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chartflow",
		Subsystem: "auditor",
		Name:      "events_dropped_total",
		Help:      "Task events the auditor gave up on after retries or as non-retryable.",
	})

	// ─── Reconciler ─────────────────────────────────────────────────────────────

	ReconcileRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chartflow",
		Subsystem: "reconciler",
		Name:      "runs_total",
		Help:      "Ledger reconciliation runs, labelled by result.",
	}, []string{"result"})

	LedgerDriftTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chartflow",
		Subsystem: "reconciler",
		Name:      "drift_corrections_total",
		Help:      "Ledger entries whose usage disagreed with the task table.",
	}, []string{"scope"})
)
