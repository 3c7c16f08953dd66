package pull

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label names for the metrics below: iface-scoped label sets reused
// across a related family of metrics.
const (
	LabelIface  = "iface"
	LabelStatus = "status"
)

var (
	metricHandlesInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "omx_pull_handles_in_flight",
			Help: "Current number of open pull handles per interface.",
		},
		[]string{LabelIface},
	)

	metricHandlesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omx_pull_handles_completed_total",
			Help: "Completed pull handles by terminal status.",
		},
		[]string{LabelIface, LabelStatus},
	)

	metricRetransmits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omx_pull_retransmits_total",
			Help: "PULL_REQUEST frames (re)transmitted by the retransmit timer, excluding the initial request.",
		},
		[]string{LabelIface},
	)

	metricRepliesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omx_pull_replies_received_total",
			Help: "PULL_REPLY frames applied to a handle, including duplicates.",
		},
		[]string{LabelIface},
	)

	metricRepliesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omx_pull_replies_sent_total",
			Help: "PULL_REPLY frames emitted by the target side.",
		},
		[]string{LabelIface},
	)

	metricSchedulerQueueLen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "omx_pull_scheduler_queue_len",
			Help: "Current number of pending retransmit ticks in the scheduler queue.",
		},
		[]string{LabelIface},
	)
)
