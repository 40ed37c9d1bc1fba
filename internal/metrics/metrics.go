package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine counters, labeled by outcome so dashboards can split success from
// state conflicts.
var (
	TasksCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskhive_tasks_created_total",
			Help: "Total tasks created, by result",
		},
		[]string{"result"},
	)

	SubOrderClaims = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskhive_suborder_claims_total",
			Help: "Total sub-order claim attempts, by result",
		},
		[]string{"result"},
	)

	Settlements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskhive_settlements_total",
			Help: "Total settlement saga runs, by action and result",
		},
		[]string{"action", "result"},
	)

	WithdrawalsReviewed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskhive_withdrawals_reviewed_total",
			Help: "Total withdrawal review decisions, by decision",
		},
		[]string{"decision"},
	)

	LedgerOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskhive_ledger_op_duration_seconds",
			Help:    "Duration of wallet ledger operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)
