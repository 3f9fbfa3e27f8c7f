package connector

import "github.com/prometheus/client_golang/prometheus"

var (
	pendingOperations = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tdbridge_pending_operations",
		Help: "Requests currently waiting for a correlated response.",
	})
	queuedEnvelopes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tdbridge_queued_envelopes",
		Help: "Incoming messages held back until their dependencies resolve.",
	})
	activeBackfills = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tdbridge_active_backfills",
		Help: "Conversations currently being backfilled.",
	})

	correlationMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tdbridge_correlation_misses_total",
		Help: "Responses dropped because no operation was registered for their id.",
	})
	dependencyTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tdbridge_dependency_timeouts_total",
		Help: "Reply fetches resolved by timeout instead of a response.",
	})
	deliveredMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tdbridge_delivered_messages_total",
		Help: "Messages handed to the host framework.",
	}, []string{"mode"})
	backfillPages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tdbridge_backfill_pages_total",
		Help: "History pages consumed by backfill.",
	})
	backendErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tdbridge_backend_errors_total",
		Help: "Error responses, by the operation that received them.",
	}, []string{"operation"})
)

// RegisterMetrics adds the bridge collectors to the default registry.
func RegisterMetrics() {
	prometheus.MustRegister(
		pendingOperations, queuedEnvelopes, activeBackfills,
		correlationMisses, dependencyTimeouts,
		deliveredMessages, backfillPages, backendErrors,
	)
}
