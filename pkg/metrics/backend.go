package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// BackendMetrics contains Prometheus metrics for the backend service.
type BackendMetrics struct {
	ReadingsIngested    *prometheus.CounterVec
	ReadingsRejected    *prometheus.CounterVec
	IngestDuration      *prometheus.HistogramVec
	AlertsOpened        *prometheus.CounterVec
	AlertsClosed        *prometheus.CounterVec
	OpenAlerts          *prometheus.GaugeVec
	BillLinesCreated    prometheus.Counter
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ConsumerMessages    *prometheus.CounterVec
	OfflineSweeps       prometheus.Counter
	TrackedDevices      prometheus.Gauge
}

// NewBackendMetrics creates and registers backend service metrics.
func NewBackendMetrics(namespace string) *BackendMetrics {
	m := &BackendMetrics{
		ReadingsIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "readings_total",
				Help:      "Total number of readings accepted, by source",
			},
			[]string{"source"}, // source: amqp, http
		),
		ReadingsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "readings_rejected_total",
				Help:      "Total number of readings rejected, by reason",
			},
			[]string{"source", "reason"}, // reason: stale, non_monotonic, unknown_device, invalid
		),
		IngestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "duration_seconds",
				Help:      "Duration of reading evaluation and persistence",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"source"},
		),
		AlertsOpened: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "alerts",
				Name:      "opened_total",
				Help:      "Total number of alerts opened, by kind",
			},
			[]string{"kind"},
		),
		AlertsClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "alerts",
				Name:      "closed_total",
				Help:      "Total number of alerts closed, by kind",
			},
			[]string{"kind"},
		),
		OpenAlerts: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "alerts",
				Name:      "open",
				Help:      "Number of currently open alerts, by kind",
			},
			[]string{"kind"},
		),
		BillLinesCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "billing",
				Name:      "lines_total",
				Help:      "Total number of bill lines created",
			},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"route", "method", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		ConsumerMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "consumer",
				Name:      "messages_total",
				Help:      "Total number of messages consumed",
			},
			[]string{"queue", "status"}, // status: success, rejected, error
		),
		OfflineSweeps: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sweep",
				Name:      "runs_total",
				Help:      "Total number of offline sweep runs",
			},
		),
		TrackedDevices: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "evaluator",
				Name:      "devices",
				Help:      "Number of devices tracked by the evaluator",
			},
		),
	}

	MustRegister(
		m.ReadingsIngested,
		m.ReadingsRejected,
		m.IngestDuration,
		m.AlertsOpened,
		m.AlertsClosed,
		m.OpenAlerts,
		m.BillLinesCreated,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ConsumerMessages,
		m.OfflineSweeps,
		m.TrackedDevices,
	)

	return m
}
