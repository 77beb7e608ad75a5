package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCounterAcquireReleaseTracksValue(t *testing.T) {
	var c Counter
	assert.EqualValues(t, 0, c.Value())

	release := c.Acquire()
	assert.EqualValues(t, 1, c.Value())
	release()
	assert.EqualValues(t, 0, c.Value())
}

func TestCounterTracksMultipleOutstandingAcquires(t *testing.T) {
	var c Counter
	releases := make([]func(), 10)
	for i := range releases {
		releases[i] = c.Acquire()
	}
	assert.EqualValues(t, 10, c.Value())
	for _, release := range releases {
		release()
	}
	assert.EqualValues(t, 0, c.Value())
}

func TestShutdownTokenTriggerIsIdempotent(t *testing.T) {
	tok := NewShutdownToken()
	select {
	case <-tok.Done():
		t.Fatal("Done() should not be closed before Trigger")
	default:
	}

	tok.Trigger()
	tok.Trigger() // second call must not panic

	select {
	case <-tok.Done():
	default:
		t.Fatal("Done() should be closed after Trigger")
	}
}

func TestDrainBarrierReturnsTrueWhenCounterReachesZero(t *testing.T) {
	var c Counter
	release := c.Acquire()
	go func() {
		time.Sleep(10 * time.Millisecond)
		release()
	}()

	ok := DrainBarrier(&c, time.Second)
	assert.True(t, ok)
}

func TestDrainBarrierReturnsFalseWhenGraceExpires(t *testing.T) {
	var c Counter
	release := c.Acquire()
	defer release()

	ok := DrainBarrier(&c, 20*time.Millisecond)
	assert.False(t, ok)
}
