package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus instruments the engine updates at runtime.
type Metrics struct {
	registry *prometheus.Registry

	EnvelopesCollected *prometheus.CounterVec
	EnvelopesDelivered *prometheus.CounterVec
	EnvelopesRetried   *prometheus.CounterVec
	EnvelopesTerminal  *prometheus.CounterVec
	CollectFailures    *prometheus.CounterVec
	CollectsByStrategy *prometheus.CounterVec
	QueueRejections    prometheus.Counter

	QueueDepth    prometheus.Gauge
	ActiveWorkers prometheus.Gauge
	HealthScore   prometheus.Gauge

	DeliveryDuration *prometheus.HistogramVec
	CollectDuration  *prometheus.HistogramVec
}

// NewMetrics creates and registers the engine instruments on a fresh
// registry. The registry is exposed through the HTTP API.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		EnvelopesCollected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conduit",
			Name:      "envelopes_collected_total",
			Help:      "Envelopes emitted by source connectors.",
		}, []string{"source"}),

		EnvelopesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conduit",
			Name:      "envelopes_delivered_total",
			Help:      "Envelopes successfully written to a storage backend.",
		}, []string{"source", "backend"}),

		EnvelopesRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conduit",
			Name:      "envelopes_retried_total",
			Help:      "Delivery attempts that failed retryably and were requeued.",
		}, []string{"source"}),

		EnvelopesTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conduit",
			Name:      "envelopes_terminal_total",
			Help:      "Envelopes abandoned after a terminal failure.",
		}, []string{"source", "reason"}),

		CollectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conduit",
			Name:      "collect_failures_total",
			Help:      "Failed Collect calls per source.",
		}, []string{"source"}),

		CollectsByStrategy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conduit",
			Name:      "collects_by_strategy_total",
			Help:      "Successful Collect calls by the strategy that served them.",
		}, []string{"source", "strategy"}),

		QueueRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "conduit",
			Name:      "queue_rejections_total",
			Help:      "Envelopes rejected by the dispatcher at capacity.",
		}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "conduit",
			Name:      "queue_depth",
			Help:      "Current dispatcher queue depth.",
		}),

		ActiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "conduit",
			Name:      "active_workers",
			Help:      "Workers currently delivering an envelope.",
		}),

		HealthScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "conduit",
			Name:      "health_score",
			Help:      "Composite engine health score, 0-100.",
		}),

		DeliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "conduit",
			Name:      "delivery_duration_seconds",
			Help:      "Wall time of one delivery attempt.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),

		CollectDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "conduit",
			Name:      "collect_duration_seconds",
			Help:      "Wall time of one Collect call.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),
	}

	m.registry.MustRegister(
		m.EnvelopesCollected,
		m.EnvelopesDelivered,
		m.EnvelopesRetried,
		m.EnvelopesTerminal,
		m.CollectFailures,
		m.CollectsByStrategy,
		m.QueueRejections,
		m.QueueDepth,
		m.ActiveWorkers,
		m.HealthScore,
		m.DeliveryDuration,
		m.CollectDuration,
	)

	return m
}

// Registry returns the registry backing the instruments.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
