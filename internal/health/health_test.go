package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// waitForTransitions blocks until the tracker's applier reports n state
// transitions, by round-tripping through a channel fed from
// OnTransition. Avoids sleeping arbitrary amounts in a test that
// exercises a background goroutine.
func waitForTransitions(t *testing.T, tr *Tracker, n int, timeout time.Duration) []State {
	t.Helper()
	seen := make(chan State, n)
	tr.OnTransition(func(url string, from, to State) {
		seen <- to
	})

	var got []State
	deadline := time.After(timeout)
	for len(got) < n {
		select {
		case s := <-seen:
			got = append(got, s)
		case <-deadline:
			t.Fatalf("timed out waiting for %d transitions, got %d", n, len(got))
		}
	}
	return got
}

func TestTrackerStartsHealthyFailOpen(t *testing.T) {
	tr := NewTracker(3, 2, nil)
	defer tr.Stop()

	assert.True(t, tr.IsHealthy("http://unknown-backend"))

	tr.Activate([]string{"http://a"})
	assert.True(t, tr.IsHealthy("http://a"))
}

func TestTrackerTripsAfterConsecutiveFailures(t *testing.T) {
	tr := NewTracker(3, 2, nil)
	defer tr.Stop()
	tr.Activate([]string{"http://a"})

	tr.ApplyResult("http://a", false)
	tr.ApplyResult("http://a", false)
	tr.ApplyResult("http://a", false)

	transitions := waitForTransitions(t, tr, 1, time.Second)
	assert.Equal(t, Unhealthy, transitions[0])
	assert.False(t, tr.IsHealthy("http://a"))
}

func TestTrackerSingleFailureDoesNotTrip(t *testing.T) {
	tr := NewTracker(3, 2, nil)
	defer tr.Stop()
	tr.Activate([]string{"http://a"})

	tr.ApplyResult("http://a", false)
	tr.ApplyResult("http://a", true)

	// Flush through the applier with a cheap no-op round trip: a
	// successful result on a still-healthy backend never transitions,
	// so instead assert the state directly after letting the channel
	// drain via a zero-transition wait window.
	time.Sleep(20 * time.Millisecond)
	assert.True(t, tr.IsHealthy("http://a"))
}

func TestTrackerRecoversAfterConsecutiveSuccesses(t *testing.T) {
	tr := NewTracker(1, 2, nil)
	defer tr.Stop()
	tr.Activate([]string{"http://a"})

	tr.ApplyResult("http://a", false)
	firstTransitions := waitForTransitions(t, tr, 1, time.Second)
	require.Equal(t, Unhealthy, firstTransitions[0])

	tr.ApplyResult("http://a", true)
	tr.ApplyResult("http://a", true)
	secondTransitions := waitForTransitions(t, tr, 1, time.Second)
	assert.Equal(t, Healthy, secondTransitions[0])
	assert.True(t, tr.IsHealthy("http://a"))
}

func TestTrackerActivateRemovesStaleBackends(t *testing.T) {
	tr := NewTracker(3, 2, nil)
	defer tr.Stop()
	tr.Activate([]string{"http://a", "http://b"})

	snap := tr.Snapshot()
	assert.Len(t, snap, 2)

	tr.Activate([]string{"http://a"})
	snap = tr.Snapshot()
	assert.Len(t, snap, 1)
	assert.Contains(t, snap, "http://a")
}

func TestTrackerApplyResultAfterRemovalIsIgnored(t *testing.T) {
	tr := NewTracker(1, 1, nil)
	defer tr.Stop()
	tr.Activate([]string{"http://a"})
	tr.Activate([]string{}) // removes http://a

	tr.ApplyResult("http://a", false)
	time.Sleep(20 * time.Millisecond)

	assert.True(t, tr.IsHealthy("http://a")) // unknown now → fail-open true
}
