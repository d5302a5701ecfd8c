// Package metrics exposes simulator, device and insights metrics to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ecopulse/internal/telemetry"
)

const namespace = "ecopulse"

type Metrics struct {
	registry *prometheus.Registry

	TotalPower      prometheus.Gauge
	TotalLoss       prometheus.Gauge
	ActiveNodes     prometheus.Gauge
	Nodes           prometheus.Gauge
	NodePower       *prometheus.GaugeVec
	TicksTotal      prometheus.Counter
	DeviceRequests  *prometheus.CounterVec
	InsightRequests *prometheus.CounterVec
}

// New creates the metric set on a fresh registry that also carries the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		TotalPower: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "total_power_watts",
			Help:      "Sum of current power across all nodes",
		}),
		TotalLoss: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "total_loss_watts",
			Help:      "Sum of current power loss across all nodes",
		}),
		ActiveNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "active_nodes",
			Help:      "Number of nodes switched on",
		}),
		Nodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "nodes",
			Help:      "Number of registered nodes",
		}),
		NodePower: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "telemetry",
				Name:      "node_power_watts",
				Help:      "Current power per node",
			},
			[]string{"id", "name", "kind"},
		),
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "simulator",
			Name:      "ticks_total",
			Help:      "Total number of simulation ticks applied",
		}),
		DeviceRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "device",
				Name:      "requests_total",
				Help:      "Device relay commands and probes by outcome",
			},
			[]string{"kind", "outcome"}, // kind: relay, probe
		),
		InsightRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "insights",
				Name:      "requests_total",
				Help:      "Text generation requests by prompt and status",
			},
			[]string{"prompt", "status"}, // status: success, empty, error
		),
	}

	reg.MustRegister(
		m.TotalPower,
		m.TotalLoss,
		m.ActiveNodes,
		m.Nodes,
		m.NodePower,
		m.TicksTotal,
		m.DeviceRequests,
		m.InsightRequests,
	)

	return m
}

// ObserveSnapshot updates the telemetry gauges from a node snapshot.
func (m *Metrics) ObserveSnapshot(nodes []telemetry.Node, agg telemetry.AggregateMetrics) {
	m.TotalPower.Set(agg.TotalPower)
	m.TotalLoss.Set(agg.TotalLoss)
	m.ActiveNodes.Set(float64(agg.ActiveCount))
	m.Nodes.Set(float64(agg.NodeCount))

	// Removed nodes must not linger as stale series.
	m.NodePower.Reset()
	for _, n := range nodes {
		m.NodePower.WithLabelValues(n.ID, n.Name, string(n.Kind)).Set(n.CurrentPower)
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
