// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// ConnectionsActive tracks open client connections across transports.
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_connections_active",
			Help: "Number of open client connections",
		},
	)

	// OnlineUsers tracks users with at least one active connection.
	OnlineUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_online_users",
			Help: "Number of users currently online",
		},
	)

	// MessagesTotal tracks messages accepted by the pipeline.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_total",
			Help: "Total chat messages persisted and delivered",
		},
		[]string{"type"},
	)

	// EventsDelivered tracks events fanned out to connections.
	EventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_delivered_total",
			Help: "Total events delivered to client connections",
		},
		[]string{"event"},
	)

	// SendFailures tracks send_message failures by pipeline stage.
	SendFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_send_failures_total",
			Help: "Total send_message failures by stage",
		},
		[]string{"stage"},
	)

	// DispatchDuration tracks inbound event handler duration.
	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_dispatch_duration_seconds",
			Help:    "Inbound event handler duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"event"},
	)

	// PollingSessionsActive tracks live long-polling sessions.
	PollingSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_polling_sessions_active",
			Help: "Number of live long-polling sessions",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}
