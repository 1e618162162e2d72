// Package metrics exposes Prometheus collectors for the realtime fan-out service.
//
// Collectors are registered on a private registry so that each server instance
// (and each test) owns its own counters. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "heritage"

// Delivery outcomes recorded per connection.
const (
	OutcomeDelivered = "delivered"
	OutcomeDeferred  = "deferred"
	OutcomeFault     = "fault"
)

// Client event results.
const (
	ResultAccepted = "accepted"
	ResultRejected = "rejected"
	ResultLimited  = "rate_limited"
)

// Metrics groups the service collectors.
type Metrics struct {
	registry *prometheus.Registry

	onlinePrincipals prometheus.Gauge
	connections      prometheus.Gauge
	authFailures     *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	clientEvents     *prometheus.CounterVec
	notifications    *prometheus.CounterVec
}

// New constructs Metrics with process and Go runtime collectors attached.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		onlinePrincipals: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "online_principals",
			Help:      "Principals with at least one live connection",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "connections",
			Help:      "Live websocket connections",
		}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "auth_failures_total",
			Help:      "Websocket handshakes rejected during authentication",
		}, []string{"reason"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "deliveries_total",
			Help:      "Per-connection delivery attempts by event and outcome",
		}, []string{"event", "outcome"}),
		clientEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "client_events_total",
			Help:      "Inbound client events by event name and result",
		}, []string{"event", "result"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "created_total",
			Help:      "Notifications created by type",
		}, []string{"type"}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.onlinePrincipals,
		m.connections,
		m.authFailures,
		m.deliveries,
		m.clientEvents,
		m.notifications,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// SetPresence records the current number of online principals and connections.
func (m *Metrics) SetPresence(principals, connections int) {
	if m == nil {
		return
	}
	m.onlinePrincipals.Set(float64(principals))
	m.connections.Set(float64(connections))
}

// AuthFailed counts a rejected handshake.
func (m *Metrics) AuthFailed(reason string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(reason).Inc()
}

// Delivered counts per-connection delivery outcomes for one event.
func (m *Metrics) Delivered(event string, delivered, deferred, faults int) {
	if m == nil {
		return
	}
	if delivered > 0 {
		m.deliveries.WithLabelValues(event, OutcomeDelivered).Add(float64(delivered))
	}
	if deferred > 0 {
		m.deliveries.WithLabelValues(event, OutcomeDeferred).Add(float64(deferred))
	}
	if faults > 0 {
		m.deliveries.WithLabelValues(event, OutcomeFault).Add(float64(faults))
	}
}

// ClientEvent counts an inbound client event.
func (m *Metrics) ClientEvent(event, result string) {
	if m == nil {
		return
	}
	m.clientEvents.WithLabelValues(event, result).Inc()
}

// NotificationCreated counts a persisted notification.
func (m *Metrics) NotificationCreated(notificationType string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(notificationType).Inc()
}
