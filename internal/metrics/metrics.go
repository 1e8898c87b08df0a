// Package metrics declares the Prometheus instruments shared by the evaluation cycle.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TicksIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fuelalerts_ticks_ingested_total",
		Help: "Price ticks newly written to the tick store.",
	})
	RowsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fuelalerts_rows_rejected_total",
		Help: "Feed rows dropped during ingestion.",
	}, []string{"kind"})
	Candidates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fuelalerts_candidates_total",
		Help: "Series whose change ratio exceeded the threshold.",
	})
	AlertsAdmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fuelalerts_alerts_admitted_total",
		Help: "Candidates admitted by the deduplicator.",
	})
	Bundles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fuelalerts_bundles_total",
		Help: "Per-subscriber bundles built.",
	})
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fuelalerts_notifications_total",
		Help: "Notification outcomes by result.",
	}, []string{"result"})
	CycleFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fuelalerts_cycle_failures_total",
		Help: "Evaluation cycles aborted, by stage.",
	}, []string{"stage"})
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fuelalerts_cycle_duration_seconds",
		Help:    "Duration of a full evaluation cycle.",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})
)
