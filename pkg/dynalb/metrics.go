package dynalb

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// metricKindClient labels connections serving SDK request traffic.
	metricKindClient = "client"

	// metricKindDiscovery labels the scheduler's dedicated probe connection.
	metricKindDiscovery = "discovery"
)

// Metrics holds the balancer's Prometheus instruments. Every LoadBalancer
// instance registers into its own Registerer so independent instances never
// share state.
type Metrics struct {
	ConnectionsOpened *prometheus.CounterVec
	ConnectionsClosed *prometheus.CounterVec
	OpenConnections   *prometheus.GaugeVec
	RefreshesTotal    *prometheus.CounterVec
	LiveNodes         prometheus.Gauge
}

// NewMetrics creates and registers the balancer metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsOpened: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dynalb_connections_opened_total",
				Help: "Total number of node connections established",
			},
			[]string{"kind"},
		),

		ConnectionsClosed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dynalb_connections_closed_total",
				Help: "Total number of node connections closed",
			},
			[]string{"kind"},
		),

		OpenConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dynalb_open_connections",
				Help: "Number of currently open node connections",
			},
			[]string{"kind"},
		),

		RefreshesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dynalb_topology_refreshes_total",
				Help: "Total number of topology refresh attempts",
			},
			[]string{"status"},
		),

		LiveNodes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dynalb_live_nodes",
				Help: "Number of nodes in the current registry snapshot",
			},
		),
	}
}
