package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SimulatorMetrics contains Prometheus metrics for the meter simulator.
type SimulatorMetrics struct {
	ReadingsPublished  *prometheus.CounterVec
	PublishFailures    *prometheus.CounterVec
	SimulatedDevices   prometheus.Gauge
	LeakEpisodesActive prometheus.Gauge
}

// NewSimulatorMetrics creates and registers simulator metrics.
func NewSimulatorMetrics(namespace string) *SimulatorMetrics {
	m := &SimulatorMetrics{
		ReadingsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "readings_published_total",
				Help:      "Total number of readings published, by message type",
			},
			[]string{"type"}, // type: reading, announcement
		),
		PublishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "publish_failures_total",
				Help:      "Total number of failed publishes, by message type and reason",
			},
			[]string{"type", "reason"},
		),
		SimulatedDevices: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "devices",
				Help:      "Number of simulated meters",
			},
		),
		LeakEpisodesActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "leak_episodes_active",
				Help:      "Number of meters currently simulating a leak",
			},
		),
	}

	MustRegister(
		m.ReadingsPublished,
		m.PublishFailures,
		m.SimulatedDevices,
		m.LeakEpisodesActive,
	)

	return m
}
