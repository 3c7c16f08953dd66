// Package metrics exports the per-NIC counters ("GET_COUNTERS") as
// Prometheus gauges. It deliberately does not live inside internal/iface:
// the registry only tracks raw counter values (Interface.GetCounters),
// keeping that package importable without pulling in client_golang.
//
// The periodic snapshot loop polls on a ticker rather than hooking a
// Prometheus Collector interface directly, since the source of truth
// (iface.Registry.Iter) is a plain mutex-guarded walk, not something that
// benefits from on-demand Collect() pull semantics.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/open-mx/omx/internal/iface"
)

const (
	LabelIface = "iface"
)

var (
	metricRxPackets = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "omx_iface_rx_packets",
			Help: "Frames received on this interface",
		},
		[]string{LabelIface},
	)
	metricTxPackets = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "omx_iface_tx_packets",
			Help: "Frames transmitted on this interface",
		},
		[]string{LabelIface},
	)
	metricRxDropped = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "omx_iface_rx_dropped",
			Help: "Received frames dropped (malformed or unhandled, excluding bad type)",
		},
		[]string{LabelIface},
	)
	metricRxBadType = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "omx_iface_rx_bad_type",
			Help: "Received frames carrying an unrecognized packet type",
		},
		[]string{LabelIface},
	)
	metricIfacesAttached = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "omx_ifaces_attached",
			Help: "Number of interfaces currently attached",
		},
	)
)

// SyncInterval is how often Run snapshots the registry.
const SyncInterval = 5 * time.Second

// Sync snapshots every attached interface's counters into the package's
// gauges once. Exported standalone (not just via Run) so tests and a
// manual /debug endpoint can force a snapshot without waiting for a tick.
func Sync(reg *iface.Registry) {
	metricIfacesAttached.Set(float64(reg.Count()))
	reg.Iter(func(ifc *iface.Interface) bool {
		c := ifc.GetCounters()
		label := prometheus.Labels{LabelIface: ifc.Netdev}
		metricRxPackets.With(label).Set(float64(c.RxPackets))
		metricTxPackets.With(label).Set(float64(c.TxPackets))
		metricRxDropped.With(label).Set(float64(c.RxDropped))
		metricRxBadType.With(label).Set(float64(c.RxBadType))
		return true
	})
}

// Run ticks Sync every SyncInterval until ctx is canceled, the direct
// analog of internal/peer's QueryLoop broadcast ticker.
func Run(ctx context.Context, reg *iface.Registry) {
	ticker := time.NewTicker(SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			Sync(reg)
		}
	}
}
