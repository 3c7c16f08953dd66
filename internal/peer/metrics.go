package peer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics below are promauto-registered gauges/histograms at package
// init, scoped to peer-table concerns.
var (
	MetricPeerCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "omx_peer_table_entries",
			Help: "Number of entries currently held in the peer table",
		},
	)

	MetricPeerTableFull = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "omx_peer_table_full",
			Help: "1 if the peer table has hit its configured capacity",
		},
	)

	MetricHostQueryPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "omx_host_query_pending",
			Help: "Number of peers awaiting a HOST_REPLY",
		},
	)

	MetricHostQueryResolveDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "omx_host_query_resolve_duration_seconds",
			Help:    "Time between a peer becoming unresolved and its hostname arriving",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~51s
		},
	)
)
