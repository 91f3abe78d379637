package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LedgerAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deltaledger_ledger_appends_total",
		Help: "Ledger events appended, labelled by entity and action.",
	}, []string{"entity", "action"})

	LedgerAppendFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deltaledger_ledger_append_failures_total",
		Help: "Live writes whose ledger append failed, labelled by entity and action.",
	}, []string{"entity", "action"})

	DeltaQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deltaledger_delta_queries_total",
		Help: "Delta queries served, labelled by mode and outcome.",
	}, []string{"mode", "outcome"})

	DeltaDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "deltaledger_delta_duration_ms",
		Help:    "Delta reconstruction latency in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	})

	OutboxDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deltaledger_outbox_dispatched_total",
		Help: "Outbox notifications delivered.",
	})

	OutboxFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deltaledger_outbox_failed_total",
		Help: "Outbox delivery attempts that failed.",
	})

	OutboxDead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deltaledger_outbox_dead_total",
		Help: "Outbox notifications given up on after max attempts.",
	})
)
