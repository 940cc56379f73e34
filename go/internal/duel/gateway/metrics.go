package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector defines the interface for collecting connection metrics
type MetricsCollector interface {
	SetConnectionStatus(status Status)
	RecordReconnectScheduled(attempt int, delay time.Duration)
	SetQueueLength(n int)
	RecordFlushed(success bool)
	RecordEventReceived(eventType string)
	RecordEventDropped(eventType, reason string)
}

// NoOpMetricsCollector is a no-op implementation for when metrics aren't needed
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) SetConnectionStatus(Status)                   {}
func (NoOpMetricsCollector) RecordReconnectScheduled(int, time.Duration) {}
func (NoOpMetricsCollector) SetQueueLength(int)                          {}
func (NoOpMetricsCollector) RecordFlushed(bool)                          {}
func (NoOpMetricsCollector) RecordEventReceived(string)                  {}
func (NoOpMetricsCollector) RecordEventDropped(string, string)           {}

// PrometheusMetrics implements MetricsCollector using Prometheus
type PrometheusMetrics struct {
	connectionStatus *prometheus.GaugeVec
	reconnects       prometheus.Counter
	reconnectDelay   prometheus.Histogram
	queueLength      prometheus.Gauge
	flushed          *prometheus.CounterVec
	eventsReceived   *prometheus.CounterVec
	eventsDropped    *prometheus.CounterVec
}

// NewPrometheusMetrics registers the client collectors on reg
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)
	return &PrometheusMetrics{
		connectionStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "duel",
				Subsystem: "client",
				Name:      "connection_status",
				Help:      "1 for the current connection status, 0 otherwise",
			},
			[]string{"status"},
		),
		reconnects: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "duel",
				Subsystem: "client",
				Name:      "reconnects_scheduled_total",
				Help:      "Reconnect attempts scheduled after a disconnect or dial failure",
			},
		),
		reconnectDelay: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "duel",
				Subsystem: "client",
				Name:      "reconnect_delay_seconds",
				Help:      "Backoff delay before each reconnect attempt",
				Buckets:   []float64{1, 2, 4, 8, 16, 30},
			},
		),
		queueLength: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "duel",
				Subsystem: "client",
				Name:      "offline_queue_length",
				Help:      "Submissions waiting in the offline queue",
			},
		),
		flushed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "duel",
				Subsystem: "client",
				Name:      "offline_submissions_flushed_total",
				Help:      "Queued submissions replayed after reconnecting",
			},
			[]string{"status"},
		),
		eventsReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "duel",
				Subsystem: "client",
				Name:      "events_received_total",
				Help:      "Server events received",
			},
			[]string{"event"},
		),
		eventsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "duel",
				Subsystem: "client",
				Name:      "events_dropped_total",
				Help:      "Server events dropped before reaching match state",
			},
			[]string{"event", "reason"},
		),
	}
}

func (m *PrometheusMetrics) SetConnectionStatus(status Status) {
	for _, s := range []Status{StatusDisconnected, StatusConnecting, StatusConnected} {
		v := 0.0
		if s == status {
			v = 1
		}
		m.connectionStatus.WithLabelValues(string(s)).Set(v)
	}
}

func (m *PrometheusMetrics) RecordReconnectScheduled(_ int, delay time.Duration) {
	m.reconnects.Inc()
	m.reconnectDelay.Observe(delay.Seconds())
}

func (m *PrometheusMetrics) SetQueueLength(n int) {
	m.queueLength.Set(float64(n))
}

func (m *PrometheusMetrics) RecordFlushed(success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.flushed.WithLabelValues(status).Inc()
}

func (m *PrometheusMetrics) RecordEventReceived(eventType string) {
	m.eventsReceived.WithLabelValues(eventType).Inc()
}

func (m *PrometheusMetrics) RecordEventDropped(eventType, reason string) {
	m.eventsDropped.WithLabelValues(eventType, reason).Inc()
}
