// Package metrics exposes Prometheus instrumentation for the sync core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "peyk"

type Metrics struct {
	gatherer prometheus.Gatherer

	connections       prometheus.Gauge
	messagesAppended  prometheus.Counter
	sendsDropped      prometheus.Counter
	lastWillExecuted  prometheus.Counter
	lastWillCancelled prometheus.Counter
	lastWillFailed    prometheus.Counter
	notifications     prometheus.Counter
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := NewWithRegisterer(reg)
	m.gatherer = reg
	return m
}

func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open client connections.",
		}),
		messagesAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_appended_total",
			Help:      "Messages appended to conversation timelines.",
		}),
		sendsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_dropped_total",
			Help:      "Sends silently dropped by the per-sender rate limiter.",
		}),
		lastWillExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lastwill_executed_total",
			Help:      "Last-will write sets executed on connection teardown.",
		}),
		lastWillCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lastwill_cancelled_total",
			Help:      "Last-will write sets cancelled by an explicit commit.",
		}),
		lastWillFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lastwill_failed_total",
			Help:      "Last-will write sets whose execution returned an error.",
		}),
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Message notifications emitted to subscribers.",
		}),
	}
	reg.MustRegister(
		m.connections,
		m.messagesAppended,
		m.sendsDropped,
		m.lastWillExecuted,
		m.lastWillCancelled,
		m.lastWillFailed,
		m.notifications,
	)
	return m
}

// Handler serves the registry created by New. Metrics built with
// NewWithRegisterer fall back to the default gatherer.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) MessageAppended() {
	if m != nil {
		m.messagesAppended.Inc()
	}
}

func (m *Metrics) SendDropped() {
	if m != nil {
		m.sendsDropped.Inc()
	}
}

func (m *Metrics) LastWillExecuted() {
	if m != nil {
		m.lastWillExecuted.Inc()
	}
}

func (m *Metrics) LastWillCancelled() {
	if m != nil {
		m.lastWillCancelled.Inc()
	}
}

func (m *Metrics) LastWillFailed() {
	if m != nil {
		m.lastWillFailed.Inc()
	}
}

func (m *Metrics) NotificationSent() {
	if m != nil {
		m.notifications.Inc()
	}
}
