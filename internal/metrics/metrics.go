// Package metrics is the single registration point for every metric
// the gateway emits (C10). Every emitter goes through a typed helper
// here so label cardinality stays bounded: path is always the matched
// route prefix, never the raw request URI.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "axon",
		Name:      "requests_total",
		Help:      "Total HTTP requests processed by the gateway.",
	}, []string{"path", "method", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "axon",
		Name:      "request_duration_seconds",
		Help:      "Histogram of HTTP request latencies.",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"path", "method"})

	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "axon",
		Name:      "active_connections",
		Help:      "Number of currently active client connections.",
	})

	activeRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "axon",
		Name:      "active_requests",
		Help:      "Number of requests currently being handled.",
	})

	backendHealthStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "axon",
		Name:      "backend_health_status",
		Help:      "1 if the backend is tracked healthy, 0 otherwise.",
	}, []string{"backend"})

	rateLimitDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "axon",
		Name:      "rate_limit_denied_total",
		Help:      "Total requests denied by a rate limiter.",
	}, []string{"path"})

	wsConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "axon",
		Name:      "ws_connections_active",
		Help:      "Number of currently open WebSocket tunnels.",
	})

	wsFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "axon",
		Name:      "ws_frames_total",
		Help:      "Total WebSocket frames forwarded.",
	}, []string{"direction", "opcode"})

	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "axon",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per backend: 0 closed, 1 half-open, 2 open.",
	}, []string{"backend"})
)

func ObserveRequest(path, method string, status int, seconds float64) {
	requestsTotal.WithLabelValues(path, method, strconv.Itoa(status)).Inc()
	requestDuration.WithLabelValues(path, method).Observe(seconds)
}

func ConnectionOpened() { activeConnections.Inc() }
func ConnectionClosed() { activeConnections.Dec() }

func RequestStarted() { activeRequests.Inc() }
func RequestFinished() { activeRequests.Dec() }

func SetBackendHealth(backend string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	backendHealthStatus.WithLabelValues(backend).Set(v)
}

func RateLimitDenied(path string) {
	rateLimitDenied.WithLabelValues(path).Inc()
}

func WSConnectionOpened() { wsConnectionsActive.Inc() }
func WSConnectionClosed() { wsConnectionsActive.Dec() }

func WSFrame(direction, opcode string) {
	wsFramesTotal.WithLabelValues(direction, opcode).Inc()
}

// SetCircuitBreakerState records a breaker's state as an integer so it
// can be graphed and alerted on the same way backend health is.
func SetCircuitBreakerState(backend string, numericState float64) {
	circuitBreakerState.WithLabelValues(backend).Set(numericState)
}
