// Package circuitbreaker implements a three-state circuit breaker
// (closed → open → half-open → closed) scoped to one backend URL.
// It sits in front of internal/proxy's forwarding path: a tripped
// breaker fails a request before it ever reaches the transport.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/axonproxy/axon/internal/metrics"
)

// ErrCircuitOpen is returned when the circuit is open and fast-failing.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed   state = iota // normal; requests go through
	stateOpen                  // tripped; all requests fail fast
	stateHalfOpen              // probing; a capped number of requests go through
)

func (s state) String() string {
	switch s {
	case stateClosed:
		return "closed"
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// numeric mirrors the state ordering metrics.SetCircuitBreakerState
// expects: 0 closed, 1 half-open, 2 open.
func (s state) numeric() float64 {
	switch s {
	case stateHalfOpen:
		return 1
	case stateOpen:
		return 2
	default:
		return 0
	}
}

// Config is the subset of route-level circuit breaker settings this
// package needs; the config package's CircuitBreakerConfig is decoded
// into one of these at route-build time.
type Config struct {
	FailureThreshold    int // percentage of the rolling window, 0-100
	MinRequests         int
	OpenDurationSeconds int
	HalfOpenRequests    int

	// ConsecutiveFailureTrip, if non-zero, trips the breaker the moment
	// this many requests in a row fail, independent of MinRequests or
	// the rolling window. It exists for the case a backend goes fully
	// dark before the window has accumulated enough samples to judge a
	// failure rate — e.g. the first N requests against a freshly
	// deployed backend that immediately starts refusing connections.
	ConsecutiveFailureTrip int
}

const bucketWidth = time.Second
const rollingWindow = 10 * time.Second
const numBuckets = int(rollingWindow / bucketWidth)

// bucket aggregates outcomes for one bucketWidth-wide slice of time,
// identified by its Unix-second timestamp. Using fixed-width buckets
// instead of one entry per request keeps Allow/Record O(1) regardless
// of request volume, at the cost of up to bucketWidth of smear on the
// window boundary.
type bucket struct {
	second   int64
	total    int
	failures int
}

// Breaker is a single circuit breaker for one upstream backend.
type Breaker struct {
	mu      sync.Mutex
	cfg     Config
	backend string
	log     *zap.SugaredLogger

	state  state
	openAt time.Time

	buckets             [numBuckets]bucket
	consecutiveFailures int

	// Counters for the half-open probe window.
	halfOpenTotal    int
	halfOpenFailures int
}

// New creates a Breaker for backend from cfg. Returns nil (a no-op
// breaker — every method is safe to call on a nil receiver) if cfg is
// nil, matching routes that never configured a circuit breaker at all.
func New(backend string, cfg *Config, log *zap.SugaredLogger) *Breaker {
	if cfg == nil {
		return nil
	}
	c := *cfg
	if c.MinRequests == 0 {
		c.MinRequests = 20
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 50
	}
	if c.OpenDurationSeconds == 0 {
		c.OpenDurationSeconds = 30
	}
	if c.HalfOpenRequests == 0 {
		c.HalfOpenRequests = 5
	}
	return &Breaker{cfg: c, backend: backend, log: log}
}

// Allow returns nil if a request should proceed, ErrCircuitOpen otherwise.
func (b *Breaker) Allow() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return nil
	case stateOpen:
		if time.Since(b.openAt) > time.Duration(b.cfg.OpenDurationSeconds)*time.Second {
			b.transitionTo(stateHalfOpen)
			b.halfOpenTotal++
			return nil
		}
		return ErrCircuitOpen
	case stateHalfOpen:
		if b.halfOpenTotal < b.cfg.HalfOpenRequests {
			b.halfOpenTotal++
			return nil
		}
		return ErrCircuitOpen
	}
	return nil
}

// RecordSuccess must be called when an upstream request succeeds.
func (b *Breaker) RecordSuccess() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		b.consecutiveFailures = 0
		b.record(true)
	case stateHalfOpen:
		if b.halfOpenTotal-b.halfOpenFailures >= b.cfg.HalfOpenRequests {
			b.transitionTo(stateClosed)
		}
	}
}

// RecordFailure must be called when an upstream request fails.
func (b *Breaker) RecordFailure() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		b.record(false)
		b.consecutiveFailures++
		if b.cfg.ConsecutiveFailureTrip > 0 && b.consecutiveFailures >= b.cfg.ConsecutiveFailureTrip {
			b.transitionTo(stateOpen)
			return
		}
		b.maybeTrip()
	case stateHalfOpen:
		b.halfOpenFailures++
		b.transitionTo(stateOpen)
	}
}

// State returns a human-readable state string.
func (b *Breaker) State() string {
	if b == nil {
		return "disabled"
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.String()
}

// currentBucket returns the bucket for "now", resetting it in place if
// the slot has rolled over from a second outside the window.
func (b *Breaker) currentBucket(now time.Time) *bucket {
	sec := now.Unix()
	slot := &b.buckets[sec%int64(numBuckets)]
	if slot.second != sec {
		slot.second = sec
		slot.total = 0
		slot.failures = 0
	}
	return slot
}

func (b *Breaker) record(success bool) {
	slot := b.currentBucket(time.Now())
	slot.total++
	if !success {
		slot.failures++
	}
}

func (b *Breaker) maybeTrip() {
	cutoff := time.Now().Add(-rollingWindow).Unix()
	total, failures := 0, 0
	for i := range b.buckets {
		if b.buckets[i].second > cutoff {
			total += b.buckets[i].total
			failures += b.buckets[i].failures
		}
	}
	if total < b.cfg.MinRequests {
		return
	}
	if pct := failures * 100 / total; pct >= b.cfg.FailureThreshold {
		b.transitionTo(stateOpen)
	}
}

func (b *Breaker) transitionTo(s state) {
	from := b.state
	b.state = s
	switch s {
	case stateOpen:
		b.openAt = time.Now()
	case stateHalfOpen:
		b.halfOpenTotal = 0
		b.halfOpenFailures = 0
	case stateClosed:
		b.buckets = [numBuckets]bucket{}
		b.consecutiveFailures = 0
	}
	if b.backend != "" {
		metrics.SetCircuitBreakerState(b.backend, s.numeric())
	}
	if from != s && b.log != nil {
		b.log.Infow("circuit breaker transition",
			"backend", b.backend, "from", from.String(), "to", s.String())
	}
}
