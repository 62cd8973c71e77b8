// Package metrics defines the Prometheus collectors for the router.
// All collectors are registered on the default registry via promauto and
// exposed through promhttp in cmd/relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "relay"

// Pool metrics
var (
	PoolMessagesSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "messages_submitted_total",
		Help:      "Messages accepted into a pool's group queues",
	}, []string{"pool"})

	PoolMessagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "messages_processed_total",
		Help:      "Messages that reached a terminal result, by outcome",
	}, []string{"pool", "result"})

	PoolRateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "rate_limit_rejections_total",
		Help:      "Messages nacked because a rate limiter denied a permit",
	}, []string{"pool"})

	PoolCascadeNacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "cascade_nacks_total",
		Help:      "Messages nacked without mediation because an earlier message in the same batch and group failed",
	}, []string{"pool"})

	PoolProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "processing_duration_seconds",
		Help:      "Wall time of one mediation including retries",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
	}, []string{"pool"})

	// PoolActiveWorkers is always derived from semaphore state
	// (concurrency minus available permits), never counted independently.
	PoolActiveWorkers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "active_workers",
		Help:      "In-flight mediations, derived from semaphore occupancy",
	}, []string{"pool"})

	PoolAvailablePermits = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "available_permits",
		Help:      "Free semaphore permits",
	}, []string{"pool"})

	PoolQueuedMessages = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "queued_messages",
		Help:      "Messages waiting in group queues",
	}, []string{"pool"})

	PoolMessageGroups = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "message_groups",
		Help:      "Group queues currently alive",
	}, []string{"pool"})
)

// Mediator metrics
var (
	MediatorRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "mediator",
		Name:      "http_requests_total",
		Help:      "Outbound mediation attempts by status class",
	}, []string{"status"})

	MediatorDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "mediator",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of a single outbound HTTP attempt",
		Buckets:   prometheus.DefBuckets,
	})

	MediatorRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "mediator",
		Name:      "retries_total",
		Help:      "Connection-error retries performed",
	})

	MediatorBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "mediator",
		Name:      "circuit_breaker_state",
		Help:      "Breaker state: 0 closed, 1 open, 2 half-open",
	}, []string{"breaker"})

	MediatorBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "mediator",
		Name:      "circuit_breaker_trips_total",
		Help:      "Transitions into the open state",
	}, []string{"breaker"})
)

// Manager metrics
var (
	PipelineSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "manager",
		Name:      "pipeline_size",
		Help:      "Messages currently in flight (routed, not yet acked or nacked)",
	})

	CallbackRegistrySize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "manager",
		Name:      "callback_registry_size",
		Help:      "Callbacks held for in-flight messages",
	})

	DuplicatesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "manager",
		Name:      "duplicates_dropped_total",
		Help:      "Redeliveries dropped because the id was already in flight",
	})

	RoutingRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "manager",
		Name:      "routing_rejections_total",
		Help:      "Messages the manager could not place, by reason",
	}, []string{"reason"})

	ConfigSyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "manager",
		Name:      "config_syncs_total",
		Help:      "Configuration sync attempts by result",
	}, []string{"result"})
)

// Consumer metrics
var (
	ConsumerMessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "consumer",
		Name:      "messages_received_total",
		Help:      "Messages delivered by the broker",
	}, []string{"queue"})

	ConsumerParseFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "consumer",
		Name:      "parse_failures_total",
		Help:      "Broker messages dropped because the body was not a valid pointer",
	}, []string{"queue"})

	ConsumerPollErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "consumer",
		Name:      "poll_errors_total",
		Help:      "Broker poll failures",
	}, []string{"queue"})
)

// Breaker state gauge values.
const (
	BreakerClosed   = 0
	BreakerOpen     = 1
	BreakerHalfOpen = 2
)

// UnregisterPool removes every labeled series for a pool that has been
// drained and removed during a configuration sync.
func UnregisterPool(poolCode string) {
	labels := prometheus.Labels{"pool": poolCode}
	PoolMessagesSubmitted.Delete(labels)
	PoolRateLimitRejections.Delete(labels)
	PoolCascadeNacks.Delete(labels)
	PoolProcessingDuration.Delete(labels)
	PoolActiveWorkers.Delete(labels)
	PoolAvailablePermits.Delete(labels)
	PoolQueuedMessages.Delete(labels)
	PoolMessageGroups.Delete(labels)
	PoolMessagesProcessed.DeletePartialMatch(labels)
}
