package codecks

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector provides Prometheus metrics for the call lifecycle and
// the reliability layers. All methods are no-ops on a nil collector.
type MetricsCollector struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight prometheus.Gauge

	callsTotal   *prometheus.CounterVec
	pendingCalls prometheus.Gauge
	queueWait    prometheus.Histogram

	retriesTotal *prometheus.CounterVec
	errorsTotal  *prometheus.CounterVec

	credentialRefresh *prometheus.CounterVec

	circuitBreakerState prometheus.Gauge
	rateLimiterTokens   prometheus.Gauge

	registry prometheus.Registerer
}

// NewMetricsCollector creates a metrics collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using supplied registerer.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	factory := promauto.With(registry)
	return &MetricsCollector{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codecks_requests_total",
				Help: "Total number of HTTP requests sent to the Codecks API",
			},
			[]string{"operation", "status_code"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "codecks_request_duration_seconds",
				Help:    "Duration of single HTTP round trips in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		requestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "codecks_requests_in_flight",
				Help: "Number of HTTP requests currently in flight",
			},
		),
		callsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codecks_calls_total",
				Help: "Logical calls by terminal state",
			},
			[]string{"operation", "state"},
		),
		pendingCalls: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "codecks_pending_calls",
				Help: "Calls registered and not yet resolved",
			},
		),
		queueWait: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "codecks_queue_wait_seconds",
				Help:    "Time spent waiting for an in-flight slot",
				Buckets: prometheus.DefBuckets,
			},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codecks_retries_total",
				Help: "Total number of retry attempts",
			},
			[]string{"operation", "reason"},
		),
		errorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codecks_errors_total",
				Help: "Errors surfaced to callers by kind",
			},
			[]string{"operation", "kind"},
		),
		credentialRefresh: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codecks_credential_refresh_total",
				Help: "Credential refresh attempts by result",
			},
			[]string{"result"},
		),
		circuitBreakerState: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "codecks_circuit_breaker_state",
				Help: "Current state of circuit breaker (0=closed, 1=open, 2=half-open)",
			},
		),
		rateLimiterTokens: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "codecks_rate_limiter_tokens",
				Help: "Current number of available rate limiter tokens",
			},
		),
		registry: registry,
	}
}

// RecordRequest records one round trip.
func (mc *MetricsCollector) RecordRequest(operation string, statusCode int, duration time.Duration) {
	if mc == nil {
		return
	}
	mc.requestsTotal.WithLabelValues(operation, strconv.Itoa(statusCode)).Inc()
	mc.requestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordRequestStart increments the in-flight gauge.
func (mc *MetricsCollector) RecordRequestStart() {
	if mc == nil {
		return
	}
	mc.requestsInFlight.Inc()
}

// RecordRequestEnd decrements the in-flight gauge.
func (mc *MetricsCollector) RecordRequestEnd() {
	if mc == nil {
		return
	}
	mc.requestsInFlight.Dec()
}

// RecordQueueWait observes time spent queued for an in-flight slot.
func (mc *MetricsCollector) RecordQueueWait(d time.Duration) {
	if mc == nil {
		return
	}
	mc.queueWait.Observe(d.Seconds())
}

// RecordCall counts a logical call reaching a terminal state.
func (mc *MetricsCollector) RecordCall(operation string, state CallState) {
	if mc == nil {
		return
	}
	mc.callsTotal.WithLabelValues(operation, state.String()).Inc()
}

// RecordPendingCalls sets the pending-call gauge.
func (mc *MetricsCollector) RecordPendingCalls(n int) {
	if mc == nil {
		return
	}
	mc.pendingCalls.Set(float64(n))
}

// RecordRetry counts a retry caused by reason.
func (mc *MetricsCollector) RecordRetry(operation string, reason ErrorKind) {
	if mc == nil {
		return
	}
	mc.retriesTotal.WithLabelValues(operation, string(reason)).Inc()
}

// RecordError counts an error surfaced to a caller.
func (mc *MetricsCollector) RecordError(operation string, kind ErrorKind) {
	if mc == nil {
		return
	}
	mc.errorsTotal.WithLabelValues(operation, string(kind)).Inc()
}

// RecordCredentialRefresh counts refresh attempts.
func (mc *MetricsCollector) RecordCredentialRefresh(ok bool) {
	if mc == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	mc.credentialRefresh.WithLabelValues(result).Inc()
}

// RecordCircuitBreakerState sets gauge to breaker state.
func (mc *MetricsCollector) RecordCircuitBreakerState(state CircuitState) {
	if mc == nil {
		return
	}
	mc.circuitBreakerState.Set(float64(state))
}

// RecordRateLimiterTokens sets available token gauge.
func (mc *MetricsCollector) RecordRateLimiterTokens(tokens int) {
	if mc == nil {
		return
	}
	mc.rateLimiterTokens.Set(float64(tokens))
}

// Registerer exposes the registerer the collector was built on.
func (mc *MetricsCollector) Registerer() prometheus.Registerer {
	return mc.registry
}
