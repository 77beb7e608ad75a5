// Package ratelimiter implements the multi-keyed, multi-algorithm
// admission controller (C6): token bucket, fixed window, and sliding
// window, keyed by route, client IP, or an arbitrary request header.
// Keyed state lives in a sharded concurrent map with bounded memory —
// an idle sweeper evicts entries nobody has touched recently without
// ever blocking an admission decision.
package ratelimiter

import (
	"fmt"
	"net/http"
	"sync"
	"time"
)

const numShards = 32

// Algorithm names recognised in route config.
const (
	TokenBucket   = "token_bucket"
	FixedWindow   = "fixed_window"
	SlidingWindow = "sliding_window"
)

// Key extractor kinds.
const (
	ByRoute  = "route"
	ByIP     = "ip"
	ByHeader = "header"
)

// Config describes one limiter's behaviour, corresponding 1:1 to
// spec §3's Limiter type.
type Config struct {
	ID            string // limiter_id; axon uses the owning route's prefix
	Algorithm     string
	KeyBy         string
	HeaderName    string
	Quota         int
	Period        time.Duration
	Burst         int
	RejectStatus  int
	RejectMessage string
	RedisURL      string
}

// Limiter is a single configured rate limiter with its own keyed,
// bounded state.
type Limiter struct {
	cfg    Config
	keyFn  func(r *http.Request) (string, bool) // ok=false ⇒ unconditional deny (missing header)
	shards [numShards]*shard

	redis *redisLimiter // non-nil only when cfg.RedisURL is set

	done chan struct{}
}

type shard struct {
	mu   sync.Mutex
	keys map[string]*keyState
}

// keyState holds whichever fields the configured algorithm needs, plus
// the last-seen timestamp the sweeper uses for eviction.
type keyState struct {
	lastSeen time.Time

	// token bucket
	tokens   float64
	lastFill time.Time

	// fixed window
	windowStart time.Time
	count       int

	// sliding window
	currStart time.Time
	currCount int
	prevCount int
}

// New builds a Limiter from Config and starts its idle sweeper.
func New(cfg Config) (*Limiter, error) {
	if cfg.Quota <= 0 {
		return nil, fmt.Errorf("ratelimiter %q: quota must be > 0", cfg.ID)
	}
	if cfg.Period <= 0 {
		return nil, fmt.Errorf("ratelimiter %q: period must be > 0", cfg.ID)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.Quota
	}
	if cfg.RejectStatus == 0 {
		cfg.RejectStatus = http.StatusTooManyRequests
	}

	l := &Limiter{cfg: cfg, done: make(chan struct{})}
	l.keyFn = buildKeyFn(cfg.KeyBy, cfg.HeaderName)
	for i := range l.shards {
		l.shards[i] = &shard{keys: make(map[string]*keyState)}
	}

	if cfg.RedisURL != "" {
		rl, err := newRedisLimiter(cfg)
		if err != nil {
			return nil, err
		}
		l.redis = rl
	}

	go l.sweepLoop()
	return l, nil
}

func (l *Limiter) Close() { close(l.done) }

// Result is the outcome of one admission check.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Allow decides whether r should be admitted.
func (l *Limiter) Allow(r *http.Request) Result {
	key, ok := l.keyFn(r)
	if !ok {
		// Header-keyed limiter with an absent header denies
		// unconditionally — spec contract, not a bug.
		return Result{Allowed: false, RetryAfter: l.cfg.Period}
	}

	if l.redis != nil {
		return l.redis.allow(r.Context(), key)
	}

	st := l.getOrCreate(key)
	now := time.Now()

	st.mu.Lock()
	defer st.mu.Unlock()
	st.lastSeen = now

	switch l.cfg.Algorithm {
	case FixedWindow:
		return l.allowFixedWindow(st, now)
	case SlidingWindow:
		return l.allowSlidingWindow(st, now)
	default:
		return l.allowTokenBucket(st, now)
	}
}

// allowTokenBucket: capacity = burst, continuous refill at quota/period
// tokens per second. Mirrors the refill math golang.org/x/time/rate
// uses internally (tokens = min(burst, tokens + elapsed*rate)), kept
// as a direct implementation here because the HTTP layer needs to read
// back the remaining-wait duration for Retry-After, which x/time/rate
// does not expose.
func (l *Limiter) allowTokenBucket(st *keyState, now time.Time) Result {
	if st.lastFill.IsZero() {
		st.tokens = float64(l.cfg.Burst)
		st.lastFill = now
	}
	ratePerSec := float64(l.cfg.Quota) / l.cfg.Period.Seconds()
	elapsed := now.Sub(st.lastFill).Seconds()
	st.tokens = minF(float64(l.cfg.Burst), st.tokens+elapsed*ratePerSec)
	st.lastFill = now

	if st.tokens < 1 {
		wait := time.Duration((1 - st.tokens) / ratePerSec * float64(time.Second))
		return Result{Allowed: false, RetryAfter: wait}
	}
	st.tokens--
	return Result{Allowed: true}
}

// allowFixedWindow: counter reset at the start of each period-aligned
// interval; deny once the counter reaches quota.
func (l *Limiter) allowFixedWindow(st *keyState, now time.Time) Result {
	if st.windowStart.IsZero() || now.Sub(st.windowStart) >= l.cfg.Period {
		st.windowStart = now
		st.count = 0
	}
	if st.count >= l.cfg.Quota {
		retryAfter := l.cfg.Period - now.Sub(st.windowStart)
		return Result{Allowed: false, RetryAfter: retryAfter}
	}
	st.count++
	return Result{Allowed: true}
}

// allowSlidingWindow: weighted combination of the current-window count
// and the previous window's count scaled by the elapsed fraction of
// the current window.
func (l *Limiter) allowSlidingWindow(st *keyState, now time.Time) Result {
	if st.currStart.IsZero() {
		st.currStart = now
	}
	elapsed := now.Sub(st.currStart)
	if elapsed >= l.cfg.Period {
		windows := int64(elapsed / l.cfg.Period)
		if windows == 1 {
			st.prevCount = st.currCount
		} else {
			st.prevCount = 0
		}
		st.currCount = 0
		st.currStart = st.currStart.Add(time.Duration(windows) * l.cfg.Period)
		elapsed = now.Sub(st.currStart)
	}

	fractionElapsed := elapsed.Seconds() / l.cfg.Period.Seconds()
	weighted := float64(st.prevCount)*(1-fractionElapsed) + float64(st.currCount)

	if weighted >= float64(l.cfg.Quota) {
		return Result{Allowed: false, RetryAfter: l.cfg.Period - elapsed}
	}
	st.currCount++
	return Result{Allowed: true}
}

func (l *Limiter) getOrCreate(key string) *keyState {
	sh := l.shards[shardIndex(key)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st, ok := sh.keys[key]
	if !ok {
		st = &keyState{}
		sh.keys[key] = st
	}
	return st
}

// sweepLoop evicts keys untouched for max(10*period, 5min). It takes
// only one shard's lock at a time, never the whole limiter, so the
// sweep never blocks an admission decision for more than one shard's
// width.
func (l *Limiter) sweepLoop() {
	interval := l.cfg.Period / 2
	if interval < 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	maxIdle := 10 * l.cfg.Period
	if maxIdle < 5*time.Minute {
		maxIdle = 5 * time.Minute
	}

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-maxIdle)
			for _, sh := range l.shards {
				sh.mu.Lock()
				for k, st := range sh.keys {
					if st.lastSeen.Before(cutoff) {
						delete(sh.keys, k)
					}
				}
				sh.mu.Unlock()
			}
		}
	}
}

func shardIndex(key string) uint32 {
	return fnv1a(key) % numShards
}

func fnv1a(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// ---------------------------------------------------------------------------
// Key extraction
// ---------------------------------------------------------------------------

func buildKeyFn(keyBy, headerName string) func(r *http.Request) (string, bool) {
	switch keyBy {
	case ByHeader:
		return func(r *http.Request) (string, bool) {
			v := r.Header.Get(headerName)
			if v == "" {
				return "", false
			}
			return "hdr:" + v, true
		}
	case ByRoute:
		return func(_ *http.Request) (string, bool) { return "route", true }
	default: // ip
		return func(r *http.Request) (string, bool) {
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				return "ip:" + xff, true
			}
			return "ip:" + r.RemoteAddr, true
		}
	}
}

// ---------------------------------------------------------------------------
// Registry — container of limiters, keyed by limiter_id (route prefix)
// ---------------------------------------------------------------------------

// Registry is the C6 LimiterRegistry: limiter_id -> Limiter, owned by
// the current RoutingSnapshot.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
}

func NewRegistry() *Registry {
	return &Registry{limiters: make(map[string]*Limiter)}
}

// Register builds and stores a Limiter under id, replacing any prior
// limiter with the same id (the old one is closed to stop its sweeper).
func (reg *Registry) Register(id string, cfg Config) (*Limiter, error) {
	cfg.ID = id
	l, err := New(cfg)
	if err != nil {
		return nil, err
	}
	reg.mu.Lock()
	old := reg.limiters[id]
	reg.limiters[id] = l
	reg.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return l, nil
}

func (reg *Registry) Get(id string) (*Limiter, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	l, ok := reg.limiters[id]
	return l, ok
}

// Close stops every limiter's sweeper goroutine.
func (reg *Registry) Close() {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	for _, l := range reg.limiters {
		l.Close()
	}
}
