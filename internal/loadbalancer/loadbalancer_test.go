package loadbalancer

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/axonproxy/axon/internal/health"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// waitUnhealthy polls until the tracker reports url as unhealthy or the
// deadline passes, since health transitions apply asynchronously on the
// tracker's single applier goroutine.
func waitUnhealthy(t *testing.T, tr *health.Tracker, url string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if !tr.IsHealthy(url) {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("backend %s never went unhealthy", url)
}

func TestRoundRobinCyclesEvenly(t *testing.T) {
	b := New("round_robin", []string{"http://a", "http://b", "http://c"}, false, nil)

	var picks []string
	for i := 0; i < 6; i++ {
		target, err := b.Next(httptest.NewRequest(http.MethodGet, "/", nil))
		require.NoError(t, err)
		picks = append(picks, target)
	}
	assert.Equal(t, []string{"http://a", "http://b", "http://c", "http://a", "http://b", "http://c"}, picks)
}

func TestNextNoTargetsErrors(t *testing.T) {
	b := New("round_robin", nil, false, nil)
	_, err := b.Next(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.ErrorIs(t, err, ErrNoTargets)
}

func TestNextSkipsUnhealthyTargets(t *testing.T) {
	tr := health.NewTracker(1, 1, nil)
	defer tr.Stop()
	tr.Activate([]string{"http://a", "http://b"})
	tr.ApplyResult("http://a", false)
	waitUnhealthy(t, tr, "http://a")

	b := New("round_robin", []string{"http://a", "http://b"}, false, tr)
	for i := 0; i < 4; i++ {
		target, err := b.Next(httptest.NewRequest(http.MethodGet, "/", nil))
		require.NoError(t, err)
		assert.Equal(t, "http://b", target)
	}
}

func TestNextStrictModeErrorsWhenAllUnhealthy(t *testing.T) {
	tr := health.NewTracker(1, 1, nil)
	defer tr.Stop()
	tr.Activate([]string{"http://a"})
	tr.ApplyResult("http://a", false)
	waitUnhealthy(t, tr, "http://a")

	b := New("round_robin", []string{"http://a"}, true, tr)
	_, err := b.Next(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.ErrorIs(t, err, ErrAllUnhealthy)
}

func TestNextBestEffortFallsBackWhenAllUnhealthy(t *testing.T) {
	tr := health.NewTracker(1, 1, nil)
	defer tr.Stop()
	tr.Activate([]string{"http://a"})
	tr.ApplyResult("http://a", false)
	waitUnhealthy(t, tr, "http://a")

	b := New("round_robin", []string{"http://a"}, false, tr)
	target, err := b.Next(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, "http://a", target)
}

func TestLeastConnPrefersFewerInFlight(t *testing.T) {
	b := New("least_conn", []string{"http://a", "http://b"}, false, nil)
	release := b.Acquire("http://a")
	defer release()

	target, err := b.Next(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, "http://b", target)
}

func TestIPHashIsSticky(t *testing.T) {
	b := New("ip_hash", []string{"http://a", "http://b", "http://c"}, false, nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.7")

	first, err := b.Next(req)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := b.Next(req)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestWeightedFavorsHigherWeight(t *testing.T) {
	b := New("weighted", []string{"http://a@3", "http://b@1"}, false, nil)

	counts := map[string]int{}
	for i := 0; i < 8; i++ {
		target, err := b.Next(httptest.NewRequest(http.MethodGet, "/", nil))
		require.NoError(t, err)
		counts[target]++
	}
	assert.Equal(t, 6, counts["http://a@3"])
	assert.Equal(t, 2, counts["http://b@1"])
}

func TestAcquireReleaseTracksInFlight(t *testing.T) {
	b := New("least_conn", []string{"http://a"}, false, nil)
	release := b.Acquire("http://a")
	assert.EqualValues(t, 1, b.inflightOf("http://a"))
	release()
	assert.EqualValues(t, 0, b.inflightOf("http://a"))
}
