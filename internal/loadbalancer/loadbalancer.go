// Package loadbalancer implements the load balancer (C5): strategy-
// driven target selection restricted to the healthy subset tracked by
// C3. All strategies are goroutine-safe and pure with respect to
// external effects except for their internal counters.
package loadbalancer

import (
	"errors"
	"math/rand/v2"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/axonproxy/axon/internal/health"
)

// ErrNoTargets is returned when a route's target list is empty — a
// configuration error that should have been caught by validation, but
// is still handled defensively here per spec ("fatal request error").
var ErrNoTargets = errors.New("load balancer: no targets configured")

// ErrAllUnhealthy is returned only when strict mode is enabled and
// every configured target is currently unhealthy.
var ErrAllUnhealthy = errors.New("load balancer: all backends unhealthy")

// Balancer selects the next backend URL for a request among a fixed,
// route-scoped target list, filtered to the set the health tracker
// currently considers healthy.
type Balancer struct {
	targets  []string
	strategy string
	strict   bool // Open Question (a): strict 503 instead of best-effort fallback
	tracker  *health.Tracker

	rrCounter atomic.Uint64

	mu       sync.Mutex // guards inflight and weighted's `current` field
	inflight map[string]*int64
	current  map[string]int
}

// New builds a Balancer for one route. strategy is one of round_robin
// (default), random, least_conn, weighted, ip_hash. strict switches the
// degenerate-all-unhealthy behaviour from "fall back to the full list"
// to "return ErrAllUnhealthy".
func New(strategy string, targets []string, strict bool, tracker *health.Tracker) *Balancer {
	b := &Balancer{
		targets:  append([]string(nil), targets...),
		strategy: strategy,
		strict:   strict,
		tracker:  tracker,
		inflight: make(map[string]*int64, len(targets)),
		current:  make(map[string]int, len(targets)),
	}
	for _, t := range targets {
		var v int64
		b.inflight[t] = &v
	}
	return b
}

// Targets returns the route's full configured target list, in order.
func (b *Balancer) Targets() []string { return b.targets }

// Acquire marks target as having one more in-flight request; the
// returned func must be called exactly once to release it. Used by
// least_conn and by the connection gauge.
func (b *Balancer) Acquire(target string) func() {
	b.mu.Lock()
	ctr, ok := b.inflight[target]
	b.mu.Unlock()
	if !ok {
		return func() {}
	}
	atomic.AddInt64(ctr, 1)
	return func() { atomic.AddInt64(ctr, -1) }
}

func (b *Balancer) inflightOf(target string) int64 {
	b.mu.Lock()
	ctr, ok := b.inflight[target]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(ctr)
}

// Next picks a target per the configured strategy, restricted to the
// healthy subset. If that subset is empty, the default policy falls
// back to the full target list (best-effort over strict starvation);
// in strict mode it returns ErrAllUnhealthy instead.
func (b *Balancer) Next(r *http.Request) (string, error) {
	if len(b.targets) == 0 {
		return "", ErrNoTargets
	}

	pool := b.healthyPool()
	if len(pool) == 0 {
		if b.strict {
			return "", ErrAllUnhealthy
		}
		pool = b.targets
	}

	switch b.strategy {
	case "random":
		return pool[rand.IntN(len(pool))], nil
	case "least_conn":
		return b.leastConn(pool), nil
	case "weighted":
		return b.weighted(pool), nil
	case "ip_hash":
		return b.ipHash(pool, clientIP(r)), nil
	default: // round_robin
		idx := b.rrCounter.Add(1) - 1
		return pool[idx%uint64(len(pool))], nil
	}
}

func (b *Balancer) healthyPool() []string {
	if b.tracker == nil {
		return b.targets
	}
	out := make([]string, 0, len(b.targets))
	for _, t := range b.targets {
		if b.tracker.IsHealthy(t) {
			out = append(out, t)
		}
	}
	return out
}

func (b *Balancer) leastConn(pool []string) string {
	best := pool[0]
	bestN := b.inflightOf(best)
	for _, t := range pool[1:] {
		if n := b.inflightOf(t); n < bestN {
			best, bestN = t, n
		}
	}
	return best
}

// weighted implements smooth weighted round-robin, the same algorithm
// nginx uses: every pick increments each candidate's running counter by
// its weight, picks the highest, then discounts it by the pool total.
// Weight is derived from the target's position-independent static
// config (axon treats every target in `targets` as weight 1 unless the
// route carries explicit per-target weights via `target@weight`
// suffix notation, which weightOf parses on every pick).
func (b *Balancer) weighted(pool []string) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := 0
	best := ""
	bestCurrent := -1 << 62
	for _, t := range pool {
		w := weightOf(t)
		c := b.current[t] + w
		b.current[t] = c
		total += w
		if c > bestCurrent {
			best, bestCurrent = t, c
		}
	}
	if best != "" {
		b.current[best] -= total
	}
	return best
}

func (b *Balancer) ipHash(pool []string, ip string) string {
	h := fnv1a(ip)
	return pool[h%uint32(len(pool))]
}

// weightOf extracts an optional "@N" weight suffix baked into a target
// URL by the config layer (default weight 1). Kept intentionally
// simple: targets themselves are plain URLs everywhere else in the
// gateway, so the suffix is parsed only here and never leaks out.
func weightOf(target string) int {
	for i := len(target) - 1; i >= 0; i-- {
		if target[i] == '@' {
			n := 0
			for _, c := range target[i+1:] {
				if c < '0' || c > '9' {
					return 1
				}
				n = n*10 + int(c-'0')
			}
			if n > 0 {
				return n
			}
			return 1
		}
	}
	return 1
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}

// fnv1a is a small, allocation-free 32-bit hash used for ip_hash
// sticky selection.
func fnv1a(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}
