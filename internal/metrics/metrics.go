// Package metrics exposes Prometheus counters for the sync engine. Every
// method is safe on a nil *Metrics so components can run without metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatsync"

// Reconciliation paths.
const (
	PathID      = "id"
	PathLocalID = "local_id"
	PathClient  = "client_id"
	PathContent = "content"
	PathAppend  = "append"
)

// Send failure reasons.
const (
	ReasonSend   = "send"
	ReasonUpload = "upload"
)

// Metrics holds the engine collectors.
type Metrics struct {
	registry      *prometheus.Registry
	reconciled    *prometheus.CounterVec
	sendFailures  *prometheus.CounterVec
	staleResults  *prometheus.CounterVec
	channelEvents *prometheus.CounterVec
	unread        prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciled_total",
			Help:      "Confirmed messages merged into the timeline, by match path.",
		}, []string{"path"}),
		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Sends that ended in the error state, by failing step.",
		}, []string{"reason"}),
		staleResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_results_total",
			Help:      "Async results discarded because the identity or conversation changed.",
		}, []string{"component"}),
		channelEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_events_total",
			Help:      "Channel events received, by event name.",
		}, []string{"event"}),
		unread: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unread_total",
			Help:      "Unread messages across conversations of the active identity.",
		}),
	}
	m.registry.MustRegister(
		m.reconciled,
		m.sendFailures,
		m.staleResults,
		m.channelEvents,
		m.unread,
		collectors.NewGoCollector(),
	)
	return m
}

// Reconciled counts one confirmed message merged via path.
func (m *Metrics) Reconciled(path string) {
	if m == nil {
		return
	}
	m.reconciled.WithLabelValues(path).Inc()
}

// SendFailed counts one send that ended in error.
func (m *Metrics) SendFailed(reason string) {
	if m == nil {
		return
	}
	m.sendFailures.WithLabelValues(reason).Inc()
}

// StaleResult counts one discarded async result.
func (m *Metrics) StaleResult(component string) {
	if m == nil {
		return
	}
	m.staleResults.WithLabelValues(component).Inc()
}

// ChannelEvent counts one received channel event.
func (m *Metrics) ChannelEvent(name string) {
	if m == nil {
		return
	}
	m.channelEvents.WithLabelValues(name).Inc()
}

// SetUnread records the active identity's unread total.
func (m *Metrics) SetUnread(n int) {
	if m == nil {
		return
	}
	m.unread.Set(float64(n))
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
