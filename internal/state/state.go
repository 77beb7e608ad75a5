// Package state holds the shared, atomically-replaceable routing state
// (C2 in the design). A RoutingSnapshot bundles the route table, the
// limiter registry, and the health tracker handle that were valid at
// one point in time; the gateway swaps the whole bundle atomically on
// every successful config reload, and in-flight requests keep using
// whichever snapshot they started with.
package state

import (
	"sync/atomic"

	"github.com/axonproxy/axon/internal/circuitbreaker"
	"github.com/axonproxy/axon/internal/health"
	"github.com/axonproxy/axon/internal/loadbalancer"
	"github.com/axonproxy/axon/internal/ratelimiter"
	"github.com/axonproxy/axon/internal/router"
)

// RouteRuntime bundles the stateful, per-route runtime objects that
// don't belong in router.Entry itself: a load balancer instance (for
// LoadBalanceAction routes) and one circuit breaker per backend URL
// the route can dispatch to. Built once when a snapshot is compiled,
// keyed by the *router.Entry pointer it belongs to (entries are never
// mutated after construction, so the pointer is a stable key for the
// snapshot's lifetime).
type RouteRuntime struct {
	Balancer *loadbalancer.Balancer
	Breakers map[string]*circuitbreaker.Breaker
}

// RoutingSnapshot is the immutable bundle handed to every request.
type RoutingSnapshot struct {
	Routes   *router.Table
	Limiters *ratelimiter.Registry
	Health   *health.Tracker
	Runtimes map[*router.Entry]*RouteRuntime
}

// Registry holds the single atomic handle to the current snapshot.
// Publish performs a torn-read-free pointer swap; no lock is ever held
// across I/O here.
type Registry struct {
	ptr atomic.Pointer[RoutingSnapshot]
}

func NewRegistry(initial *RoutingSnapshot) *Registry {
	r := &Registry{}
	r.ptr.Store(initial)
	return r
}

// Current returns a reference to whatever snapshot is live right now.
// A handler should call this exactly once per request and use the
// returned value for the rest of that request's lifetime.
func (r *Registry) Current() *RoutingSnapshot {
	return r.ptr.Load()
}

// Publish atomically swaps in a new snapshot. Requests that already
// hold an older snapshot (via Current) complete under it.
func (r *Registry) Publish(s *RoutingSnapshot) {
	r.ptr.Store(s)
}
