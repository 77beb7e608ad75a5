// Package proxy implements the C8 request execution engine: given a
// matched router.Entry and the RoutingSnapshot it came from, it applies
// rate limiting and header transforms, then dispatches to the action's
// concrete forwarding logic (direct proxy, load-balanced proxy,
// redirect, static file serving, or WebSocket tunnel).
package proxy

import (
	"bufio"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/axonproxy/axon/internal/circuitbreaker"
	"github.com/axonproxy/axon/internal/metrics"
	"github.com/axonproxy/axon/internal/router"
	"github.com/axonproxy/axon/internal/state"
	"github.com/axonproxy/axon/internal/wsproxy"
	"go.uber.org/zap"
)

// statusWriter captures the response status for metrics without
// interfering with a WebSocket action's need to hijack the connection.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if sw.wroteHeader {
		return
	}
	sw.wroteHeader = true
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.wroteHeader {
		sw.WriteHeader(http.StatusOK)
	}
	return sw.ResponseWriter.Write(b)
}

func (sw *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return h.Hijack()
}

// Handler is the top-level http.Handler the gateway orchestrator mounts
// on its listener. It holds no per-route state of its own — everything
// route-scoped lives in the RoutingSnapshot it reads fresh on every
// request — so it is safe to keep a single long-lived Handler across
// any number of config reloads.
type Handler struct {
	registry  *state.Registry
	log       *zap.SugaredLogger
	transport *http.Transport
}

// NewHandler builds a Handler backed by registry. A single shared
// http.Transport is reused across every route and every backend for
// the Handler's whole lifetime: net/http.Transport already pools
// connections per scheme+host internally, so one Transport gives every
// backend its own idle-connection pool without building a fresh
// Transport (and losing existing connections) on each request the way
// a naive implementation might.
func NewHandler(registry *state.Registry, log *zap.SugaredLogger) *Handler {
	return &Handler{
		registry: registry,
		log:      log,
		transport: &http.Transport{
			Proxy: nil,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			MaxIdleConns:          1000,
			MaxIdleConnsPerHost:   100,
			IdleConnTimeout:       90 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}
}

// ServeHTTP matches the request against the current snapshot's route
// table and dispatches to the matched action. A request that started
// under one snapshot always finishes under it, even if a reload
// publishes a new one mid-flight.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snap := h.registry.Current()

	entry, ok := snap.Routes.Match(r.URL.Path, r.Host)
	if !ok {
		http.Error(w, "no route matched", http.StatusNotFound)
		return
	}

	if !h.admit(w, r, entry, snap) {
		return
	}

	applyHeaderOps(r.Header, entry.RequestHeaders)
	path := entry.Rewrite(r.URL.Path)

	rt := snap.Runtimes[entry]

	if _, isWS := entry.Action.(router.WebSocketAction); isWS {
		a := entry.Action.(router.WebSocketAction)
		wsproxy.Serve(w, r, wsproxy.Options{
			TargetURL:     a.TargetURL,
			Path:          path,
			MaxMsgBytes:   a.MaxMsgBytes,
			MaxFrameBytes: a.MaxFrameBytes,
			Subprotocols:  a.Subprotocols,
			IdleTimeout:   a.IdleTimeout,
		}, h.log)
		return
	}

	metrics.RequestStarted()
	defer metrics.RequestFinished()
	start := time.Now()
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	defer func() {
		metrics.ObserveRequest(entry.PathPrefix, r.Method, sw.status, time.Since(start).Seconds())
	}()

	switch a := entry.Action.(type) {
	case router.ProxyAction:
		h.serveSingleBackend(sw, r, entry, rt, path, a.TargetURL)
	case router.LoadBalanceAction:
		h.serveLoadBalanced(sw, r, entry, rt, path, a)
	case router.RedirectAction:
		serveRedirect(sw, r, entry, a)
	case router.StaticAction:
		serveStatic(sw, r, entry, a)
	default:
		http.Error(sw, "unconfigured route", http.StatusInternalServerError)
	}
}

// admit applies the route's rate limiter, if any. Returns false if the
// request was rejected (a response has already been written).
func (h *Handler) admit(w http.ResponseWriter, r *http.Request, entry *router.Entry, snap *state.RoutingSnapshot) bool {
	if entry.LimiterID == "" {
		return true
	}
	lim, ok := snap.Limiters.Get(entry.LimiterID)
	if !ok {
		return true
	}
	res := lim.Allow(r)
	if res.Allowed {
		return true
	}
	metrics.RateLimitDenied(entry.PathPrefix)
	w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())+1))
	http.Error(w, "too many requests", http.StatusTooManyRequests)
	return false
}

// ---------------------------------------------------------------------------
// proxy / load_balance
// ---------------------------------------------------------------------------

func (h *Handler) serveSingleBackend(w http.ResponseWriter, r *http.Request, entry *router.Entry, rt *state.RouteRuntime, path, targetURL string) {
	var cb *circuitbreaker.Breaker
	if rt != nil {
		cb = rt.Breakers[targetURL]
	}
	h.forward(w, r, entry, path, targetURL, cb, nil)
}

func (h *Handler) serveLoadBalanced(w http.ResponseWriter, r *http.Request, entry *router.Entry, rt *state.RouteRuntime, path string, a router.LoadBalanceAction) {
	if rt == nil || rt.Balancer == nil {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	target, err := rt.Balancer.Next(r)
	if err != nil {
		h.log.Warnw("no backend available", "route", entry.PathPrefix, "err", err)
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	release := rt.Balancer.Acquire(target)
	defer release()

	var cb *circuitbreaker.Breaker
	if rt.Breakers != nil {
		cb = rt.Breakers[target]
	}
	h.forward(w, r, entry, path, target, cb, &target)
}

// forward runs one request through httputil.ReverseProxy against
// targetURL, honoring the route's circuit breaker (if any) and its
// response-header transforms. selectedBackend, when non-nil, is echoed
// back via X-Gateway-Backend so a client debugging a load-balanced
// route can see which target actually served it.
func (h *Handler) forward(w http.ResponseWriter, r *http.Request, entry *router.Entry, path, targetURL string, cb *circuitbreaker.Breaker, selectedBackend *string) {
	if err := cb.Allow(); err != nil {
		http.Error(w, "service unavailable — circuit open", http.StatusServiceUnavailable)
		return
	}

	target, err := url.Parse(targetURL)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	rp := &httputil.ReverseProxy{
		Transport: h.transport,
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			req.Host = target.Host
			req.URL.Path = path

			if clientIP, _, splitErr := net.SplitHostPort(req.RemoteAddr); splitErr == nil {
				if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
					clientIP = prior + ", " + clientIP
				}
				req.Header.Set("X-Forwarded-For", clientIP)
			}
			req.Header.Set("X-Forwarded-Host", req.Host)
			req.Header.Set("X-Forwarded-Proto", requestScheme(req))
		},
		ModifyResponse: func(resp *http.Response) error {
			if resp.StatusCode >= 500 {
				cb.RecordFailure()
			} else {
				cb.RecordSuccess()
			}
			if selectedBackend != nil {
				resp.Header.Set("X-Gateway-Backend", *selectedBackend)
			}
			applyHeaderOps(resp.Header, entry.ResponseHeaders)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			h.log.Errorw("upstream error", "backend", targetURL, "path", r.URL.Path, "err", err)
			cb.RecordFailure()
			http.Error(w, "bad gateway", http.StatusBadGateway)
		},
	}
	rp.ServeHTTP(w, r)
}

func requestScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// ---------------------------------------------------------------------------
// redirect
// ---------------------------------------------------------------------------

func serveRedirect(w http.ResponseWriter, r *http.Request, entry *router.Entry, a router.RedirectAction) {
	applyHeaderOps(w.Header(), entry.ResponseHeaders)
	http.Redirect(w, r, a.Target, a.Status)
}

// ---------------------------------------------------------------------------
// static
// ---------------------------------------------------------------------------

func serveStatic(w http.ResponseWriter, r *http.Request, entry *router.Entry, a router.StaticAction) {
	applyHeaderOps(w.Header(), entry.ResponseHeaders)
	rest := strings.TrimPrefix(r.URL.Path, entry.PathPrefix)
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	// A path whose ".." segments climb above the root (e.g.
	// /../../etc/passwd) is refused with 403 before it reaches
	// http.FileServer, which then serves the cleaned path from the root.
	full := filepath.Join(a.RootDir, filepath.FromSlash(rest))
	if rel, err := filepath.Rel(a.RootDir, full); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	r2 := new(http.Request)
	*r2 = *r
	r2.URL = new(url.URL)
	*r2.URL = *r.URL
	r2.URL.Path = rest
	http.FileServer(http.Dir(a.RootDir)).ServeHTTP(w, r2)
}

// ---------------------------------------------------------------------------
// header transforms
// ---------------------------------------------------------------------------

func applyHeaderOps(h http.Header, ops router.HeaderOps) {
	for _, name := range ops.Remove {
		h.Del(name)
	}
	for name, value := range ops.Add {
		h.Set(name, value)
	}
}

