package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry metrics (§4.3)
	RegistryServicesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "svcmesh_registry_services_total",
			Help: "Total number of distinct (name, version) service records",
		},
	)

	RegistryNodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "svcmesh_registry_nodes_total",
			Help: "Total number of registered nodes by service name",
		},
		[]string{"service"},
	)

	RegistryWatchEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "svcmesh_registry_watch_events_total",
			Help: "Total number of registry watch events emitted by action",
		},
		[]string{"action"},
	)

	// Connection pool metrics (§4.4)
	PoolUtilizationPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "svcmesh_pool_utilization_percent",
			Help: "Open connections (checked out or idle) as a percentage of pool max size, by address",
		},
		[]string{"address"},
	)

	PoolPressurePercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "svcmesh_pool_pressure_percent",
			Help: "Acquire timeouts as a percentage of successful acquires, by address",
		},
		[]string{"address"},
	)

	PoolHealthSuccessPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "svcmesh_pool_health_success_percent",
			Help: "Percentage of idle-connection health probes that passed, by address",
		},
		[]string{"address"},
	)

	// Circuit breaker metrics (§4.5)
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "svcmesh_breaker_state",
			Help: "Circuit breaker state by service (0=closed, 1=half_open, 2=open)",
		},
		[]string{"service"},
	)

	BreakerTripsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "svcmesh_breaker_trips_total",
			Help: "Total number of times a breaker opened, by service",
		},
		[]string{"service"},
	)

	// Client metrics (§4.6)
	ClientRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "svcmesh_client_requests_total",
			Help: "Total client RPC calls (retries included in one call) by target service and outcome",
		},
		[]string{"service", "outcome"},
	)

	ClientRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "svcmesh_client_request_duration_seconds",
			Help:    "Client RPC duration in seconds, including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	// Broker / pub-sub metrics (§4.9)
	BrokerMessagesPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "svcmesh_broker_messages_published_total",
			Help: "Total number of events published by topic",
		},
		[]string{"topic"},
	)

	BrokerMessagesDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "svcmesh_broker_messages_delivered_total",
			Help: "Total number of events delivered to subscribers by topic",
		},
		[]string{"topic"},
	)

	// Service dispatch metrics (§4.7)
	ServiceRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "svcmesh_service_requests_total",
			Help: "Total inbound RPCs dispatched by endpoint and status",
		},
		[]string{"endpoint", "status"},
	)

	ServiceRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "svcmesh_service_request_duration_seconds",
			Help:    "Inbound RPC dispatch duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// Gateway metrics (§4.10)
	GatewayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total gateway requests by route and status",
		},
		[]string{"route", "status"},
	)

	GatewayCacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_cache_hits_total",
			Help: "Total gateway response cache hits by route",
		},
		[]string{"route"},
	)

	GatewayCacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_cache_misses_total",
			Help: "Total gateway response cache misses by route",
		},
		[]string{"route"},
	)

	GatewayResponseTime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_response_time_seconds",
			Help:    "Gateway end-to-end response time in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(
		RegistryServicesTotal,
		RegistryNodesTotal,
		RegistryWatchEventsTotal,
		PoolUtilizationPercent,
		PoolPressurePercent,
		PoolHealthSuccessPercent,
		BreakerState,
		BreakerTripsTotal,
		ClientRequestsTotal,
		ClientRequestDuration,
		BrokerMessagesPublished,
		BrokerMessagesDelivered,
		ServiceRequestsTotal,
		ServiceRequestDuration,
		GatewayRequestsTotal,
		GatewayCacheHitsTotal,
		GatewayCacheMissesTotal,
		GatewayResponseTime,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
