package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// singleton instance
	instance *Metrics
	once     sync.Once
)

// Metrics holds Prometheus metrics for the relay
type Metrics struct {
	// Bus metrics
	BusPublishedTotal    *prometheus.CounterVec
	BusDeliveredTotal    prometheus.Counter
	BusDroppedTotal      prometheus.Counter
	BusSubscribersActive prometheus.Gauge

	// Correlation metrics
	CorrelationPending       prometheus.Gauge
	CorrelationExchangeTotal *prometheus.CounterVec

	// Agent command metrics
	AgentRequestsTotal   *prometheus.CounterVec
	AgentRequestDuration prometheus.Histogram
	BulkTargetsTotal     *prometheus.CounterVec

	// Dispatch metrics
	DispatchMutationsTotal     *prometheus.CounterVec
	DispatchEvaluatedTotal     prometheus.Counter
	DispatchJobsEnqueuedTotal  *prometheus.CounterVec
	DispatchBroadcastsTotal    prometheus.Counter
	DispatchPolicyDeniedTotal  *prometheus.CounterVec

	// Queue metrics
	QueueDepth            prometheus.Gauge
	QueueDeliveriesTotal  *prometheus.CounterVec
	QueueDeliveryDuration prometheus.Histogram

	// Socket gateway metrics
	SocketConnectionsActive prometheus.Gauge
	SocketMessagesTotal     *prometheus.CounterVec

	// API metrics
	APIRequestsTotal   *prometheus.CounterVec
	APIRequestDuration *prometheus.HistogramVec
	APIErrorsTotal     *prometheus.CounterVec
}

// GetMetrics returns the metrics singleton
func GetMetrics() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics initializes and registers all metrics
func newMetrics() *Metrics {
	m := &Metrics{}

	// Bus metrics
	m.BusPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_bus_published_total",
			Help: "Total number of messages published on the bus",
		},
		[]string{"kind"},
	)

	m.BusDeliveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_bus_delivered_total",
			Help: "Total number of message deliveries to subscribers",
		},
	)

	m.BusDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_bus_dropped_total",
			Help: "Total number of deliveries dropped due to full subscriber buffers",
		},
	)

	m.BusSubscribersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_bus_subscribers_active",
			Help: "Number of active bus subscribers",
		},
	)

	// Correlation metrics
	m.CorrelationPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_correlation_pending",
			Help: "Number of in-flight correlated exchanges",
		},
	)

	m.CorrelationExchangeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_correlation_exchanges_total",
			Help: "Total number of correlated exchanges by terminal outcome",
		},
		[]string{"outcome"},
	)

	// Agent command metrics
	m.AgentRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_agent_requests_total",
			Help: "Total number of agent command requests",
		},
		[]string{"type", "outcome"},
	)

	m.AgentRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_agent_request_duration_seconds",
			Help:    "Duration of awaited agent exchanges in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16), // from 1ms to ~32s
		},
	)

	m.BulkTargetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_bulk_targets_total",
			Help: "Total number of bulk fan-out targets by per-target outcome",
		},
		[]string{"outcome"},
	)

	// Dispatch metrics
	m.DispatchMutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_dispatch_mutations_total",
			Help: "Total number of resource mutations processed by the dispatcher",
		},
		[]string{"outcome"},
	)

	m.DispatchEvaluatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_dispatch_subscriptions_evaluated_total",
			Help: "Total number of subscription evaluations",
		},
	)

	m.DispatchJobsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_dispatch_jobs_enqueued_total",
			Help: "Total number of subscription jobs enqueued",
		},
		[]string{"channel_type"},
	)

	m.DispatchBroadcastsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_dispatch_broadcasts_total",
			Help: "Total number of broadcast batches published",
		},
	)

	m.DispatchPolicyDeniedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_dispatch_policy_denied_total",
			Help: "Total number of access-policy denials during dispatch",
		},
		[]string{"channel_type"},
	)

	// Queue metrics
	m.QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_queue_depth",
			Help: "Number of subscription jobs waiting in the durable queue",
		},
	)

	m.QueueDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_queue_deliveries_total",
			Help: "Total number of job delivery attempts by result",
		},
		[]string{"result"},
	)

	m.QueueDeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_queue_delivery_duration_seconds",
			Help:    "Duration of webhook deliveries in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	// Socket gateway metrics
	m.SocketConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_socket_connections_active",
			Help: "Number of active socket gateway connections",
		},
	)

	m.SocketMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_socket_messages_total",
			Help: "Total number of socket messages by protocol and direction",
		},
		[]string{"protocol", "direction"},
	)

	// API metrics
	m.APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "path", "status"},
	)

	m.APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // from 1ms to ~16s
		},
		[]string{"method", "path"},
	)

	m.APIErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_api_errors_total",
			Help: "Total number of API errors",
		},
		[]string{"method", "path", "error_kind"},
	)

	return m
}
