// Package metrics registers the Prometheus instrumentation exposed on
// the admin HTTP listener: route outcomes and latency, ring size,
// quarantine activity, and live connection count. Purely observational;
// nothing in here ever feeds back into a routing decision.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every registered collector. Construct once per process
// via New and thread the pointer through the components that observe.
type Metrics struct {
	RoutesTotal      *prometheus.CounterVec
	RouteDuration    prometheus.Histogram
	RingSize         prometheus.Gauge
	OfflineBackends  prometheus.Gauge
	ScalerTicks      *prometheus.CounterVec
	QuarantineTicks  *prometheus.CounterVec
	ActiveConns      prometheus.Gauge
	RejectedConns    *prometheus.CounterVec
}

// New registers every collector with the default registry and returns
// the handle. Calling New twice in the same process panics, matching
// promauto's own behavior. That is intentional: a process has one set
// of metrics.
func New() *Metrics {
	return &Metrics{
		RoutesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ringhashd",
			Name:      "routes_total",
			Help:      "Total routed requests, partitioned by outcome.",
		}, []string{"outcome"}),

		RouteDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ringhashd",
			Name:      "route_duration_seconds",
			Help:      "Time to resolve and forward a routed request, including any failover attempts.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),

		RingSize: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "ringhashd",
			Name:      "ring_positions",
			Help:      "Number of positions currently eligible to serve.",
		}),

		OfflineBackends: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "ringhashd",
			Name:      "ring_offline_positions",
			Help:      "Number of positions currently quarantined.",
		}),

		ScalerTicks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ringhashd",
			Name:      "scaler_ticks_total",
			Help:      "Scaler control-loop ticks, partitioned by whether they mutated the ring.",
		}, []string{"result"}),

		QuarantineTicks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ringhashd",
			Name:      "quarantine_ticks_total",
			Help:      "Quarantine control-loop ticks, partitioned by whether they mutated the ring.",
		}, []string{"result"}),

		ActiveConns: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "ringhashd",
			Name:      "active_connections",
			Help:      "Number of currently open client connections.",
		}),

		RejectedConns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ringhashd",
			Name:      "rejected_connections_total",
			Help:      "Connections rejected before handling, partitioned by reason.",
		}, []string{"reason"}),
	}
}

// ObserveRing snapshots ring size gauges. Called at the end of every
// quarantine tick and of every scaler tick that saw traffic (ticks with
// no backends or no requests return before it), rather than on every
// read, since the gate is already held by the caller at that point.
func (m *Metrics) ObserveRing(positions, offline int) {
	m.RingSize.Set(float64(positions))
	m.OfflineBackends.Set(float64(offline))
}
