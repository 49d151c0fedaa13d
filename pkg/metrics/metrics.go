// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsReceived counts push frames dispatched to subscribers.
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_events_received_total",
			Help: "Push events dispatched to subscribers",
		},
		[]string{"event"},
	)

	// EventsDropped counts push frames discarded before dispatch.
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_events_dropped_total",
			Help: "Push events dropped before dispatch",
		},
		[]string{"event", "reason"},
	)

	// FramesSent counts frames written to the push connection.
	FramesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_frames_sent_total",
			Help: "Frames written to the push connection",
		},
		[]string{"event", "status"},
	)

	// Reconnects tracks reconnect attempts by outcome.
	Reconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_reconnects_total",
			Help: "Push connection reconnect outcomes",
		},
		[]string{"outcome"},
	)

	// ConnectionUp is 1 while the push connection is established.
	ConnectionUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_connection_up",
			Help: "Whether the push connection is established",
		},
	)

	// RequestDuration tracks HTTP API call duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsync_request_duration_seconds",
			Help:    "HTTP API request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation", "status"},
	)

	// RelaySessions tracks sessions connected to the development relay.
	RelaySessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_relay_sessions",
			Help: "Sessions connected to the relay",
		},
	)
)

// RecordRequest records metrics for an HTTP API call.
func RecordRequest(operation, status string, duration float64) {
	RequestDuration.WithLabelValues(operation, status).Observe(duration)
}

// RecordDrop records a dropped push event.
func RecordDrop(event, reason string) {
	EventsDropped.WithLabelValues(event, reason).Inc()
}
