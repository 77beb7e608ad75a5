package health

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProberMarksHealthyOnSuccessfulProbe(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	tr := NewTracker(3, 2, nil)
	defer tr.Stop()
	tr.Activate([]string{backend.URL})

	p := NewProber(tr, 10*time.Millisecond, time.Second, "/health", nil, nil)
	defer p.Stop()
	p.SetTargets([]string{backend.URL})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !tr.IsHealthy(backend.URL) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.True(t, tr.IsHealthy(backend.URL))
}

func TestProberUsesPerBackendPathOverride(t *testing.T) {
	var seenPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	tr := NewTracker(1, 1, nil)
	defer tr.Stop()
	tr.Activate([]string{backend.URL})

	p := NewProber(tr, 10*time.Millisecond, time.Second, "/health", map[string]string{backend.URL: "/custom-health"}, nil)
	defer p.Stop()
	p.SetTargets([]string{backend.URL})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && seenPath == "" {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, "/custom-health", seenPath)
}

func TestProberMarksUnhealthyOnNonSuccessStatus(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	tr := NewTracker(1, 2, nil)
	defer tr.Stop()
	tr.Activate([]string{backend.URL})

	p := NewProber(tr, 10*time.Millisecond, time.Second, "/health", nil, nil)
	defer p.Stop()
	p.SetTargets([]string{backend.URL})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && tr.IsHealthy(backend.URL) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.False(t, tr.IsHealthy(backend.URL))
}

func TestProberStopCancelsProbing(t *testing.T) {
	var hits int
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	tr := NewTracker(1, 1, nil)
	defer tr.Stop()
	tr.Activate([]string{backend.URL})

	p := NewProber(tr, 5*time.Millisecond, time.Second, "/health", nil, nil)
	p.SetTargets([]string{backend.URL})
	time.Sleep(30 * time.Millisecond)
	p.Stop()

	seenAtStop := hits
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, seenAtStop, hits)
}
