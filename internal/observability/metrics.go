package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce          sync.Once
	messagesRelayedTotal  *prometheus.CounterVec
	deliveryFailuresTotal prometheus.Counter
	forwardsTotal         *prometheus.CounterVec
	replayFailuresTotal   prometheus.Counter
	threadsTotal          *prometheus.CounterVec
	commandsTotal         *prometheus.CounterVec
	gatewayEventsTotal    *prometheus.CounterVec
	apiRequestsTotal      *prometheus.CounterVec
	apiLatencySeconds     *prometheus.HistogramVec
)

// RegisterMetrics initialises the Prometheus collectors used by the relay.
func RegisterMetrics() {
	registerOnce.Do(func() {
		messagesRelayedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modmail_messages_relayed_total",
			Help: "Total number of messages relayed between users and staff.",
		}, []string{"direction", "variant"})

		deliveryFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modmail_delivery_failures_total",
			Help: "Total number of replies that could not be delivered to a user.",
		})

		forwardsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modmail_forwards_total",
			Help: "Total number of thread forwards by outcome.",
		}, []string{"outcome"})

		replayFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modmail_replay_failures_total",
			Help: "Total number of history messages that failed to replay during a forward.",
		})

		threadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modmail_threads_total",
			Help: "Thread lifecycle transitions.",
		}, []string{"event"})

		commandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modmail_commands_total",
			Help: "Staff commands dispatched by command and outcome.",
		}, []string{"command", "outcome"})

		gatewayEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modmail_gateway_events_total",
			Help: "Inbound gateway events by type and outcome.",
		}, []string{"type", "outcome"})

		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modmail_api_requests_total",
			Help: "Total number of read-only API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "modmail_api_latency_seconds",
			Help:    "Latency distribution for read-only API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		prometheus.MustRegister(
			messagesRelayedTotal,
			deliveryFailuresTotal,
			forwardsTotal,
			replayFailuresTotal,
			threadsTotal,
			commandsTotal,
			gatewayEventsTotal,
			apiRequestsTotal,
			apiLatencySeconds,
		)
	})
}

// MessagesRelayed counts relayed messages by direction (received, sent, internal) and variant.
func MessagesRelayed() *prometheus.CounterVec {
	RegisterMetrics()
	return messagesRelayedTotal
}

// DeliveryFailures counts replies that the user could not receive.
func DeliveryFailures() prometheus.Counter {
	RegisterMetrics()
	return deliveryFailuresTotal
}

// Forwards counts forwards by outcome.
func Forwards() *prometheus.CounterVec {
	RegisterMetrics()
	return forwardsTotal
}

// ReplayFailures counts history messages skipped during a forward.
func ReplayFailures() prometheus.Counter {
	RegisterMetrics()
	return replayFailuresTotal
}

// Threads counts opened and closed threads.
func Threads() *prometheus.CounterVec {
	RegisterMetrics()
	return threadsTotal
}

// Commands counts dispatched staff commands.
func Commands() *prometheus.CounterVec {
	RegisterMetrics()
	return commandsTotal
}

// GatewayEvents counts inbound gateway events.
func GatewayEvents() *prometheus.CounterVec {
	RegisterMetrics()
	return gatewayEventsTotal
}

// APIRequests exposes the counter for read-only API requests.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the latency histogram for read-only API requests.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}
