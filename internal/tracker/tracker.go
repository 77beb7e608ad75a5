// Package tracker implements the RAII-style connection/request counters
// (C9) and the shutdown broadcast they pair with for graceful drain.
package tracker

import (
	"sync"
	"sync/atomic"
	"time"
)

// Counter is an acquire/release gauge. Acquire increments on entry;
// the returned release func decrements on scope exit. The gateway uses
// it for its in-flight request count; active connections are not
// counted with it.
type Counter struct {
	n atomic.Int64
}

// Acquire increments the counter and returns a release func that must
// be called exactly once, typically via defer.
func (c *Counter) Acquire() func() {
	c.n.Add(1)
	return func() { c.n.Add(-1) }
}

func (c *Counter) Value() int64 { return c.n.Load() }

// ShutdownToken is a one-shot broadcast: readers wait on Done(), the
// writer signals exactly once via Trigger(). Paired with a Counter to
// let the gateway drain in-flight requests before it stops accepting.
type ShutdownToken struct {
	once sync.Once
	ch   chan struct{}
}

func NewShutdownToken() *ShutdownToken {
	return &ShutdownToken{ch: make(chan struct{})}
}

// Trigger broadcasts shutdown. Safe to call more than once; only the
// first call closes the channel.
func (s *ShutdownToken) Trigger() {
	s.once.Do(func() { close(s.ch) })
}

// Done returns a channel that's closed once Trigger has been called.
func (s *ShutdownToken) Done() <-chan struct{} { return s.ch }

// DrainBarrier waits until counter reaches zero or grace elapses,
// whichever comes first. Returns true if it drained cleanly.
func DrainBarrier(counter *Counter, grace time.Duration) bool {
	deadline := time.Now().Add(grace)
	const pollInterval = 20 * time.Millisecond
	for time.Now().Before(deadline) {
		if counter.Value() == 0 {
			return true
		}
		time.Sleep(pollInterval)
	}
	return counter.Value() == 0
}
