package health

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Prober is the active health checker (C4). It schedules one probe per
// distinct backend URL every interval, skips a tick if the previous
// probe for that backend hasn't finished yet, and publishes every
// result to a Tracker.
type Prober struct {
	mu           sync.RWMutex
	targets      []string
	defaultPath  string
	perBackend   map[string]string // backend URL -> health path override
	interval     time.Duration
	timeout      time.Duration
	client       *http.Client
	tracker      *Tracker
	log          *zap.SugaredLogger
	inFlight     sync.Map // backend URL -> *int32 (0/1 CAS guard)
	cancel       context.CancelFunc
}

// NewProber builds and starts a Prober against tracker.
func NewProber(tracker *Tracker, interval, timeout time.Duration, defaultPath string, perBackend map[string]string, log *zap.SugaredLogger) *Prober {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Prober{
		defaultPath: defaultPath,
		perBackend:  perBackend,
		interval:    interval,
		timeout:     timeout,
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		tracker: tracker,
		log:     log,
		cancel:  cancel,
	}
	go p.run(ctx)
	return p
}

// SetTargets replaces the set of backend URLs this prober probes. Safe
// to call concurrently with a running probe loop.
func (p *Prober) SetTargets(targets []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.targets = append([]string(nil), targets...)
}

func (p *Prober) Stop() { p.cancel() }

func (p *Prober) run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Prober) tick(ctx context.Context) {
	p.mu.RLock()
	targets := p.targets
	p.mu.RUnlock()

	for _, url := range targets {
		guardV, _ := p.inFlight.LoadOrStore(url, new(int32))
		guard := guardV.(*int32)
		if !atomic.CompareAndSwapInt32(guard, 0, 1) {
			continue // previous probe for this backend is still running
		}
		go func(url string) {
			defer atomic.StoreInt32(guard, 0)
			p.probeOne(ctx, url)
		}(url)
	}
}

func (p *Prober) probeOne(ctx context.Context, url string) {
	path := p.defaultPath
	if override, ok := p.perBackend[url]; ok && override != "" {
		path = override
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url+path, nil)
	if err != nil {
		p.tracker.ApplyResult(url, false)
		return
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.tracker.ApplyResult(url, false)
		return
	}
	resp.Body.Close()

	// success iff 2xx/3xx within timeout; anything else is a failure.
	success := resp.StatusCode < 400
	p.tracker.ApplyResult(url, success)
}
