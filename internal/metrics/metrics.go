// Package metrics provides Prometheus metrics for the control plane.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// Reconciliation loop metrics.
	ReconcilePasses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "wgfleet",
		Subsystem: "reconcile",
		Name:      "passes_total",
		Help:      "Total number of traffic reconciliation passes.",
	})
	ReconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "wgfleet",
		Subsystem: "reconcile",
		Name:      "duration_seconds",
		Help:      "Duration of a full traffic reconciliation pass.",
		Buckets:   prometheus.DefBuckets,
	})
	ActiveClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "wgfleet",
		Subsystem: "fleet",
		Name:      "active_clients",
		Help:      "Number of active clients observed in the last poll cycle.",
	})

	// Fleet transport metrics.
	SourceQueryErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wgfleet",
		Subsystem: "fleet",
		Name:      "source_query_errors_total",
		Help:      "Status query failures per fleet member.",
	}, []string{"server"})

	// Enforcement metrics.
	Deactivations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wgfleet",
		Subsystem: "enforce",
		Name:      "deactivations_total",
		Help:      "Completed peer deactivations by reason.",
	}, []string{"reason"}) // "expired", "quota", "manual"
	DeactivationFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "wgfleet",
		Subsystem: "enforce",
		Name:      "deactivation_failures_total",
		Help:      "Deactivation attempts whose peer-removal command failed.",
	})

	// Peer lifecycle command metrics.
	PeerCommandFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wgfleet",
		Subsystem: "peers",
		Name:      "command_failures_total",
		Help:      "Failed peer add/remove commands.",
	}, []string{"op"}) // "add" or "remove"
)

func init() {
	prometheus.MustRegister(
		ReconcilePasses,
		ReconcileDuration,
		ActiveClients,

		SourceQueryErrors,

		Deactivations,
		DeactivationFailures,

		PeerCommandFailures,
	)
}
