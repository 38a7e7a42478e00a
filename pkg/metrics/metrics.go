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
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// GenerationDuration tracks generation stream duration by outcome.
	GenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "generation_duration_seconds",
			Help:    "Generation stream duration",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"model", "outcome"},
	)

	// GenerationsTotal tracks generation requests by mode and outcome.
	GenerationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generations_total",
			Help: "Total generation requests",
		},
		[]string{"mode", "outcome"},
	)

	// TokensStreamed tracks streamed tokens by model.
	TokensStreamed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generation_tokens_total",
			Help: "Total tokens streamed to clients",
		},
		[]string{"model"},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// BusSubscribersActive tracks live change-bus subscribers.
	BusSubscribersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bus_subscribers_active",
			Help: "Number of active change bus subscribers",
		},
	)

	// BusSubscribersDropped tracks subscribers disconnected for falling
	// behind.
	BusSubscribersDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bus_subscribers_dropped_total",
			Help: "Subscribers disconnected after overflowing their queue",
		},
	)

	// BusEventsPublished tracks published change events.
	BusEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_events_published_total",
			Help: "Total change events published",
		},
		[]string{"resource_type", "event_type"},
	)

	// ConversationsActive tracks conversations held by the tree store.
	ConversationsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "conversations_active",
			Help: "Number of conversations in the tree store",
		},
	)

	// MessagesTotal tracks messages appended by role.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages appended",
		},
		[]string{"role"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordGeneration records metrics for a finished generation stream.
func RecordGeneration(model, mode, outcome string, duration float64, tokens int) {
	GenerationDuration.WithLabelValues(model, outcome).Observe(duration)
	GenerationsTotal.WithLabelValues(mode, outcome).Inc()
	TokensStreamed.WithLabelValues(model).Add(float64(tokens))
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
