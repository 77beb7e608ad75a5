package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveRequestIncrementsCounterAndHistogram(t *testing.T) {
	before := testutil.ToFloat64(requestsTotal.WithLabelValues("/api", "GET", "200"))
	ObserveRequest("/api", "GET", 200, 0.05)
	after := testutil.ToFloat64(requestsTotal.WithLabelValues("/api", "GET", "200"))
	assert.Equal(t, before+1, after)
}

func TestSetBackendHealthReflectsState(t *testing.T) {
	SetBackendHealth("http://backend-metrics-test", true)
	assert.Equal(t, float64(1), testutil.ToFloat64(backendHealthStatus.WithLabelValues("http://backend-metrics-test")))

	SetBackendHealth("http://backend-metrics-test", false)
	assert.Equal(t, float64(0), testutil.ToFloat64(backendHealthStatus.WithLabelValues("http://backend-metrics-test")))
}

func TestRateLimitDeniedIncrementsCounter(t *testing.T) {
	before := testutil.ToFloat64(rateLimitDenied.WithLabelValues("/limited"))
	RateLimitDenied("/limited")
	after := testutil.ToFloat64(rateLimitDenied.WithLabelValues("/limited"))
	assert.Equal(t, before+1, after)
}

func TestActiveRequestsGaugeTracksStartFinish(t *testing.T) {
	before := testutil.ToFloat64(activeRequests)
	RequestStarted()
	assert.Equal(t, before+1, testutil.ToFloat64(activeRequests))
	RequestFinished()
	assert.Equal(t, before, testutil.ToFloat64(activeRequests))
}

func TestWSConnectionGaugeTracksOpenClose(t *testing.T) {
	before := testutil.ToFloat64(wsConnectionsActive)
	WSConnectionOpened()
	assert.Equal(t, before+1, testutil.ToFloat64(wsConnectionsActive))
	WSConnectionClosed()
	assert.Equal(t, before, testutil.ToFloat64(wsConnectionsActive))
}

func TestWSFrameIncrementsLabeledCounter(t *testing.T) {
	before := testutil.ToFloat64(wsFramesTotal.WithLabelValues("up", "text"))
	WSFrame("up", "text")
	after := testutil.ToFloat64(wsFramesTotal.WithLabelValues("up", "text"))
	assert.Equal(t, before+1, after)
}
