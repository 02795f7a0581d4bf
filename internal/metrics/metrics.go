// Package metrics exposes the Consensus Engine's operational counters
// and gauges to Prometheus, wired from the Consensus Engine's own
// FinalizationSink/Transport call sites rather than from inside the
// engine itself, keeping the engine free of metrics-library imports.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every counter/gauge a running participant exports.
type Metrics struct {
	CurrentEpoch      prometheus.Gauge
	NotarizedTotal    prometheus.Counter
	FinalizedTotal    prometheus.Counter
	QuorumReached     prometheus.Counter
	VotesRecorded     prometheus.Counter
	RecoveryQueries   prometheus.Counter
	MempoolSize       prometheus.Gauge
}

// New constructs and registers a Metrics bundle against reg. nodeID
// is attached as a constant label so a shared Prometheus instance can
// scrape multiple participants (e.g. in a local multi-node test
// harness) without metric collisions.
func New(reg prometheus.Registerer, nodeID string) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}

	m := &Metrics{
		CurrentEpoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "streamlet",
			Name:        "current_epoch",
			Help:        "Epoch this participant is currently executing.",
			ConstLabels: labels,
		}),
		NotarizedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "streamlet",
			Name:        "blocks_notarized_total",
			Help:        "Number of blocks this participant has notarized.",
			ConstLabels: labels,
		}),
		FinalizedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "streamlet",
			Name:        "blocks_finalized_total",
			Help:        "Number of blocks this participant has finalized.",
			ConstLabels: labels,
		}),
		QuorumReached: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "streamlet",
			Name:        "quorum_reached_total",
			Help:        "Number of times a strict-majority vote quorum was reached.",
			ConstLabels: labels,
		}),
		VotesRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "streamlet",
			Name:        "votes_recorded_total",
			Help:        "Number of distinct votes recorded by the vote tracker.",
			ConstLabels: labels,
		}),
		RecoveryQueries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "streamlet",
			Name:        "recovery_queries_total",
			Help:        "Number of QUERY_MISSING_BLOCKS broadcasts issued.",
			ConstLabels: labels,
		}),
		MempoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "streamlet",
			Name:        "mempool_size",
			Help:        "Number of transactions currently buffered in the mempool.",
			ConstLabels: labels,
		}),
	}

	reg.MustRegister(
		m.CurrentEpoch,
		m.NotarizedTotal,
		m.FinalizedTotal,
		m.QuorumReached,
		m.VotesRecorded,
		m.RecoveryQueries,
		m.MempoolSize,
	)
	return m
}
