// Package gateway is the C11 orchestrator: it compiles a config.Config
// into a state.RoutingSnapshot, owns the backend health tracker and
// prober, serves the admin endpoints, and drives graceful shutdown.
// Everything else in the module is wired together here.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/axonproxy/axon/internal/circuitbreaker"
	"github.com/axonproxy/axon/internal/config"
	"github.com/axonproxy/axon/internal/health"
	"github.com/axonproxy/axon/internal/loadbalancer"
	"github.com/axonproxy/axon/internal/metrics"
	"github.com/axonproxy/axon/internal/proxy"
	"github.com/axonproxy/axon/internal/ratelimiter"
	"github.com/axonproxy/axon/internal/router"
	"github.com/axonproxy/axon/internal/state"
	"github.com/axonproxy/axon/internal/tracker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Gateway binds every internal package into one running proxy: it owns
// the live RoutingSnapshot, the active health tracker/prober pair, and
// the in-flight request counter that gates graceful shutdown.
type Gateway struct {
	log      *zap.SugaredLogger
	registry *state.Registry
	handler  *proxy.Handler

	health *health.Tracker
	prober *health.Prober

	inflight *tracker.Counter
	shutdown *tracker.ShutdownToken

	shutdownGrace time.Duration
}

// New compiles cfg into an initial snapshot and returns a ready-to-run
// Gateway.
func New(cfg *config.Config, log *zap.SugaredLogger) (*Gateway, error) {
	g := &Gateway{
		log:           log,
		inflight:      &tracker.Counter{},
		shutdown:      tracker.NewShutdownToken(),
		shutdownGrace: time.Duration(cfg.ShutdownGraceSecs) * time.Second,
	}

	snap, ht, prober, err := g.compile(cfg)
	if err != nil {
		return nil, err
	}
	g.registry = state.NewRegistry(snap)
	g.handler = proxy.NewHandler(g.registry, log)
	g.health = ht
	g.prober = prober
	return g, nil
}

// Handler returns the http.Handler to mount behind the ambient
// middleware chain (recovery/request-id/logging) on the main listener.
func (g *Gateway) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		release := g.inflight.Acquire()
		defer release()
		g.handler.ServeHTTP(w, r)
	})
}

// Reload compiles cfg into a new snapshot and publishes it atomically.
// Requests already in flight finish against the snapshot they started
// with; the old health tracker/prober are stopped only after the swap.
func (g *Gateway) Reload(cfg *config.Config) error {
	snap, ht, prober, err := g.compile(cfg)
	if err != nil {
		return err
	}

	oldHealth, oldProber := g.health, g.prober
	g.registry.Publish(snap)
	g.health, g.prober = ht, prober

	if oldProber != nil {
		oldProber.Stop()
	}
	if oldHealth != nil {
		oldHealth.Stop()
	}
	return nil
}

// compile builds every runtime object a RoutingSnapshot needs from a
// validated config: the route table, the rate limiter registry, the
// health tracker + prober pair, and one RouteRuntime (balancer +
// circuit breakers) per route entry.
func (g *Gateway) compile(cfg *config.Config) (*state.RoutingSnapshot, *health.Tracker, *health.Prober, error) {
	ht := health.NewTracker(cfg.HealthCheck.UnhealthyThreshold, cfg.HealthCheck.HealthyThreshold, g.log)
	ht.OnTransition(func(url string, _, to health.State) {
		metrics.SetBackendHealth(url, to == health.Healthy)
	})

	limiters := ratelimiter.NewRegistry()

	entries := make([]router.Entry, 0, len(cfg.NormalizedRoutes()))
	for _, nr := range cfg.NormalizedRoutes() {
		entry, err := buildEntry(nr)
		if err != nil {
			return nil, nil, nil, err
		}

		if nr.Raw.RateLimit != nil {
			rlCfg := ratelimiter.Config{
				Algorithm:     nr.Raw.RateLimit.Algorithm,
				KeyBy:         nr.Raw.RateLimit.By,
				HeaderName:    nr.Raw.RateLimit.HeaderName,
				Quota:         nr.Raw.RateLimit.Requests,
				Period:        nr.RatePeriod,
				Burst:         nr.Raw.RateLimit.BurstSize,
				RejectStatus:  nr.Raw.RateLimit.StatusCode,
				RejectMessage: nr.Raw.RateLimit.Message,
				RedisURL:      nr.Raw.RateLimit.RedisURL,
			}
			if _, err := limiters.Register(entry.LimiterID, rlCfg); err != nil {
				return nil, nil, nil, fmt.Errorf("route %q: %w", nr.PathPrefix, err)
			}
		}

		entries = append(entries, entry)
	}

	table := router.NewTable(entries)

	allBackends := make([]string, 0, len(entries))
	runtimes := make(map[*router.Entry]*state.RouteRuntime, len(entries))
	tableEntries := table.Entries()
	for i := range tableEntries {
		e := &tableEntries[i]
		allBackends = append(allBackends, e.TargetURLs()...)

		var cbCfg *circuitbreaker.Config
		if raw := routeConfigFor(cfg, e); raw != nil && raw.CircuitBreaker != nil {
			cbCfg = &circuitbreaker.Config{
				FailureThreshold:       raw.CircuitBreaker.FailureThreshold,
				MinRequests:            raw.CircuitBreaker.MinRequests,
				OpenDurationSeconds:    raw.CircuitBreaker.OpenDurationSeconds,
				HalfOpenRequests:       raw.CircuitBreaker.HalfOpenRequests,
				ConsecutiveFailureTrip: raw.CircuitBreaker.ConsecutiveFailureTrip,
			}
		}

		breakers := make(map[string]*circuitbreaker.Breaker, len(e.TargetURLs()))
		for _, url := range e.TargetURLs() {
			breakers[url] = circuitbreaker.New(url, cbCfg, g.log)
		}
		rt := &state.RouteRuntime{Breakers: breakers}

		if lb, ok := e.Action.(router.LoadBalanceAction); ok {
			rt.Balancer = loadbalancer.New(lb.Strategy, lb.Targets, lb.StrictUnhealthy, ht)
		}
		runtimes[e] = rt
	}
	ht.Activate(dedupe(allBackends))

	var prober *health.Prober
	if cfg.HealthCheck.Enabled {
		prober = health.NewProber(ht,
			time.Duration(cfg.HealthCheck.IntervalSecs)*time.Second,
			time.Duration(cfg.HealthCheck.TimeoutSecs)*time.Second,
			cfg.HealthCheck.Path,
			cfg.BackendHealthPaths,
			g.log,
		)
		prober.SetTargets(dedupe(allBackends))
	}

	return &state.RoutingSnapshot{
		Routes:   table,
		Limiters: limiters,
		Health:   ht,
		Runtimes: runtimes,
	}, ht, prober, nil
}

// routeConfigFor finds the RouteConfig that produced e. Compile holds
// onto cfg only long enough to build entries, so this is a small
// linear scan rather than plumbing an extra lookup table through
// buildEntry.
func routeConfigFor(cfg *config.Config, e *router.Entry) *config.RouteConfig {
	for _, nr := range cfg.NormalizedRoutes() {
		if nr.PathPrefix == e.PathPrefix && nr.Host == e.Host {
			return &nr.Raw
		}
	}
	return nil
}

func buildEntry(nr config.NormalizedRoute) (router.Entry, error) {
	entry := router.Entry{
		PathPrefix:      nr.PathPrefix,
		Host:            nr.Host,
		PathRewrite:     nr.PathRewriteRe,
		RewriteTemplate: nr.Raw.RewriteTo,
		RequestHeaders:  router.HeaderOps(nr.Raw.RequestHeaders),
		ResponseHeaders: router.HeaderOps(nr.Raw.ResponseHeaders),
	}
	if nr.Raw.RateLimit != nil {
		entry.LimiterID = nr.PathPrefix
	}

	switch nr.Raw.Type {
	case "proxy":
		entry.Action = router.ProxyAction{TargetURL: nr.Raw.TargetURL}
	case "load_balance":
		entry.Action = router.LoadBalanceAction{
			Targets:         nr.Raw.Targets,
			Strategy:        nr.Raw.Strategy,
			StrictUnhealthy: nr.Raw.StrictUnhealthy,
		}
	case "redirect":
		entry.Action = router.RedirectAction{Target: nr.Raw.Target, Status: nr.Raw.Status}
	case "static":
		entry.Action = router.StaticAction{RootDir: nr.Raw.RootDir}
	case "websocket":
		entry.Action = router.WebSocketAction{
			TargetURL:     nr.Raw.TargetURL,
			MaxMsgBytes:   nr.Raw.MaxMsgBytes,
			MaxFrameBytes: nr.Raw.MaxFrameBytes,
			Subprotocols:  nr.Raw.Subprotocols,
			IdleTimeout:   nr.IdleTimeout,
		}
	default:
		return router.Entry{}, fmt.Errorf("route %q: unknown type %q", nr.PathPrefix, nr.Raw.Type)
	}
	return entry, nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Admin endpoints
// ---------------------------------------------------------------------------

// RegisterAdminHandlers mounts /metrics, /healthz, /readyz, and
// /backends on mux. These are meant to be served on a separate
// listener (config.AdminConfig.Addr) so they're never reachable
// through the proxy's own routing table or its rate limiters.
func (g *Gateway) RegisterAdminHandlers(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/readyz", g.readyzHandler)
	mux.HandleFunc("/backends", g.backendsHandler)
}

func (g *Gateway) readyzHandler(w http.ResponseWriter, _ *http.Request) {
	snap := g.registry.Current()
	for _, healthy := range snap.Health.Snapshot() {
		if healthy {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ready"}`))
			return
		}
	}
	// No backends activated at all (e.g. redirect/static-only config) is
	// still ready; only an activated-but-fully-unhealthy set is not.
	if len(snap.Health.Snapshot()) == 0 {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte(`{"status":"not_ready","reason":"no healthy backends"}`))
}

type backendStatus struct {
	URL            string `json:"url"`
	Healthy        bool   `json:"healthy"`
	CircuitBreaker string `json:"circuit_breaker"`
}

type routeStatus struct {
	Prefix   string          `json:"route"`
	Backends []backendStatus `json:"backends"`
}

func (g *Gateway) backendsHandler(w http.ResponseWriter, _ *http.Request) {
	snap := g.registry.Current()
	healthSnap := snap.Health.Snapshot()

	out := make([]routeStatus, 0, len(snap.Routes.Entries()))
	for i := range snap.Routes.Entries() {
		e := &snap.Routes.Entries()[i]
		rt := snap.Runtimes[e]
		rs := routeStatus{Prefix: e.PathPrefix}
		for _, url := range e.TargetURLs() {
			cbState := "disabled"
			if rt != nil {
				if cb, ok := rt.Breakers[url]; ok {
					cbState = cb.State()
				}
			}
			rs.Backends = append(rs.Backends, backendStatus{
				URL:            url,
				Healthy:        healthSnap[url],
				CircuitBreaker: cbState,
			})
		}
		out = append(out, rs)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// ---------------------------------------------------------------------------
// Graceful shutdown
// ---------------------------------------------------------------------------

// Shutdown signals the shutdown token and blocks until every in-flight
// request drains or the config's shutdown grace period elapses,
// whichever comes first.
func (g *Gateway) Shutdown(ctx context.Context) {
	g.shutdown.Trigger()
	grace := g.shutdownGrace
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < grace {
			grace = remaining
		}
	}
	if drained := tracker.DrainBarrier(g.inflight, grace); !drained {
		g.log.Warnw("shutdown grace period elapsed with requests still in flight", "remaining", g.inflight.Value())
	}
	if g.prober != nil {
		g.prober.Stop()
	}
	if g.health != nil {
		g.health.Stop()
	}
}

// ShutdownSignal returns the channel that closes once Shutdown has
// been triggered, letting the admin/main servers start their own
// http.Server.Shutdown in lockstep.
func (g *Gateway) ShutdownSignal() <-chan struct{} {
	return g.shutdown.Done()
}
