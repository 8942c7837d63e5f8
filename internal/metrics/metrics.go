// Package metrics exposes broker counters and gauges through Prometheus.
// The daemon serves the registry over promhttp when METRICS_ADDR is set;
// every Record helper is a no-op until Init runs, so tests and embedded use
// need no setup.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the prometheus collectors for the broker.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	messagesTotal   *prometheus.CounterVec
	journalErrors   *prometheus.CounterVec
	redeliveries    prometheus.Counter
	connectionsOpen prometheus.Gauge
	queueDepth      *prometheus.GaugeVec
	inflightCount   *prometheus.GaugeVec
}

var m *Metrics

// Init initializes the metrics subsystem with its own registry.
func Init(namespace string) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m = &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests dispatched, by protocol type and status",
		}, []string{"type", "status"}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messages accepted, fetched and acknowledged",
		}, []string{"event"}),
		journalErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journal_errors_total",
			Help:      "Journal statement failures, by journal",
		}, []string{"journal"}),
		redeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redeliveries_total",
			Help:      "Aged in-flight messages re-injected into their queue",
		}),
		connectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_open",
			Help:      "Currently open client connections",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Pending messages per queue",
		}, []string{"queue"}),
		inflightCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_count",
			Help:      "Unacknowledged deliveries per queue",
		}, []string{"queue"}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.messagesTotal,
		m.journalErrors,
		m.redeliveries,
		m.connectionsOpen,
		m.queueDepth,
		m.inflightCount,
	)
}

// Handler returns the promhttp handler for the registry, or nil before Init.
func Handler() http.Handler {
	if m == nil {
		return nil
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest counts one dispatched request.
func RecordRequest(typeName, status string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(typeName, status).Inc()
}

// RecordMessage counts a message lifecycle event: "sent", "fetched",
// "acked", "dropped".
func RecordMessage(event string) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(event).Inc()
}

// RecordJournalError counts a failed journal statement.
func RecordJournalError(journal string) {
	if m == nil {
		return
	}
	m.journalErrors.WithLabelValues(journal).Inc()
}

// RecordRedelivery counts one re-injected message.
func RecordRedelivery() {
	if m == nil {
		return
	}
	m.redeliveries.Inc()
}

// ConnOpened increments the open connection gauge.
func ConnOpened() {
	if m == nil {
		return
	}
	m.connectionsOpen.Inc()
}

// ConnClosed decrements the open connection gauge.
func ConnClosed() {
	if m == nil {
		return
	}
	m.connectionsOpen.Dec()
}

// SetQueueGauges updates the per-queue depth and in-flight gauges.
func SetQueueGauges(queue string, depth, inflight int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(queue).Set(float64(depth))
	m.inflightCount.WithLabelValues(queue).Set(float64(inflight))
}

// DropQueueGauges removes a deleted queue's gauges.
func DropQueueGauges(queue string) {
	if m == nil {
		return
	}
	m.queueDepth.DeleteLabelValues(queue)
	m.inflightCount.DeleteLabelValues(queue)
}
