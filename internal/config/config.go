// Package config holds the typed configuration model for the gateway,
// loads it through viper (YAML/JSON/TOML plus AXON_ env overrides), and
// validates it before it is ever handed to the gateway orchestrator.
package config

import (
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Top-level config structs
// ---------------------------------------------------------------------------

type Config struct {
	ListenAddr         string                 `mapstructure:"listen_addr" yaml:"listen_addr"`
	Protocols          ProtocolsConfig        `mapstructure:"protocols" yaml:"protocols"`
	TLS                *TLSConfig             `mapstructure:"tls" yaml:"tls,omitempty"`
	HealthCheck        HealthCheckConfig      `mapstructure:"health_check" yaml:"health_check"`
	Admin              AdminConfig            `mapstructure:"admin" yaml:"admin"`
	Logging            LoggingConfig          `mapstructure:"logging" yaml:"logging"`
	ShutdownGraceSecs  int                    `mapstructure:"shutdown_grace_seconds" yaml:"shutdown_grace_seconds"`
	Routes             map[string]RouteConfig `mapstructure:"routes" yaml:"routes"`
	BackendHealthPaths map[string]string      `mapstructure:"backend_health_paths" yaml:"backend_health_paths,omitempty"`

	// normalizedRoutes is built by Validate() from Routes (map) into an
	// order-stable slice; consumers should use this, not Routes directly.
	normalizedRoutes []NormalizedRoute
}

// NormalizedRoutes returns the validated, order-stable route list.
// Validate must be called first.
func (c *Config) NormalizedRoutes() []NormalizedRoute { return c.normalizedRoutes }

type ProtocolsConfig struct {
	HTTP2Enabled              bool   `mapstructure:"http2_enabled" yaml:"http2_enabled"`
	WebSocketEnabled          bool   `mapstructure:"websocket_enabled" yaml:"websocket_enabled"`
	HTTP2MaxFrameSize         int    `mapstructure:"http2_max_frame_size" yaml:"http2_max_frame_size"`
	HTTP2MaxConcurrentStreams uint32 `mapstructure:"http2_max_concurrent_streams" yaml:"http2_max_concurrent_streams"`
}

type TLSConfig struct {
	CertPath string `mapstructure:"cert_path" yaml:"cert_path"`
	KeyPath  string `mapstructure:"key_path" yaml:"key_path"`
}

type HealthCheckConfig struct {
	Enabled            bool   `mapstructure:"enabled" yaml:"enabled"`
	Path               string `mapstructure:"path" yaml:"path"`
	IntervalSecs       int    `mapstructure:"interval_secs" yaml:"interval_secs"`
	TimeoutSecs        int    `mapstructure:"timeout_secs" yaml:"timeout_secs"`
	UnhealthyThreshold int    `mapstructure:"unhealthy_threshold" yaml:"unhealthy_threshold"`
	HealthyThreshold   int    `mapstructure:"healthy_threshold" yaml:"healthy_threshold"`
}

type AdminConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug|info|warn|error
	Format string `mapstructure:"format" yaml:"format"` // auto|console|json
}

// RouteConfig is the as-parsed, per-prefix route document. Type-specific
// fields are all optional at the struct level; Validate enforces which
// ones are required for a given Type.
type RouteConfig struct {
	Type string `mapstructure:"type" yaml:"type"`
	Host string `mapstructure:"host" yaml:"host,omitempty"`

	// proxy / load_balance / websocket
	TargetURL       string   `mapstructure:"target_url" yaml:"target_url,omitempty"`
	Targets         []string `mapstructure:"targets" yaml:"targets,omitempty"`
	Strategy        string   `mapstructure:"strategy" yaml:"strategy,omitempty"`
	StrictUnhealthy bool     `mapstructure:"strict_unhealthy" yaml:"strict_unhealthy,omitempty"`
	PathRewrite     string   `mapstructure:"path_rewrite" yaml:"path_rewrite,omitempty"`
	RewriteTo       string   `mapstructure:"rewrite_to" yaml:"rewrite_to,omitempty"`

	// redirect
	Status int    `mapstructure:"status" yaml:"status,omitempty"`
	Target string `mapstructure:"target" yaml:"target,omitempty"`

	// static
	RootDir string `mapstructure:"root_dir" yaml:"root_dir,omitempty"`

	// websocket
	MaxMsgBytes     int64    `mapstructure:"max_msg_bytes" yaml:"max_msg_bytes,omitempty"`
	MaxFrameBytes   int64    `mapstructure:"max_frame_bytes" yaml:"max_frame_bytes,omitempty"`
	Subprotocols    []string `mapstructure:"subprotocols" yaml:"subprotocols,omitempty"`
	IdleTimeoutSecs int      `mapstructure:"idle_timeout_secs" yaml:"idle_timeout_secs,omitempty"`

	// shared
	RateLimit       *RateLimitConfig      `mapstructure:"rate_limit" yaml:"rate_limit,omitempty"`
	CircuitBreaker  *CircuitBreakerConfig `mapstructure:"circuit_breaker" yaml:"circuit_breaker,omitempty"`
	RequestHeaders  HeaderOps             `mapstructure:"request_headers" yaml:"request_headers,omitempty"`
	ResponseHeaders HeaderOps             `mapstructure:"response_headers" yaml:"response_headers,omitempty"`
}

// HeaderOps describes header add/remove transforms applied by C8.
type HeaderOps struct {
	Add    map[string]string `mapstructure:"add" yaml:"add,omitempty"`
	Remove []string          `mapstructure:"remove" yaml:"remove,omitempty"`
}

type RateLimitConfig struct {
	By         string `mapstructure:"by" yaml:"by"` // route | ip | header
	HeaderName string `mapstructure:"header_name" yaml:"header_name,omitempty"`
	Algorithm  string `mapstructure:"algorithm" yaml:"algorithm"` // token_bucket | sliding_window | fixed_window
	Requests   int    `mapstructure:"requests" yaml:"requests"`
	Period     string `mapstructure:"period" yaml:"period"` // humantime, e.g. "1m"
	BurstSize  int    `mapstructure:"burst_size" yaml:"burst_size,omitempty"`
	StatusCode int    `mapstructure:"status_code" yaml:"status_code,omitempty"`
	Message    string `mapstructure:"message" yaml:"message,omitempty"`
	RedisURL   string `mapstructure:"redis_url" yaml:"redis_url,omitempty"`
}

type CircuitBreakerConfig struct {
	FailureThreshold       int `mapstructure:"failure_threshold" yaml:"failure_threshold,omitempty"`
	MinRequests            int `mapstructure:"min_requests" yaml:"min_requests,omitempty"`
	OpenDurationSeconds    int `mapstructure:"open_duration_seconds" yaml:"open_duration_seconds,omitempty"`
	HalfOpenRequests       int `mapstructure:"half_open_requests" yaml:"half_open_requests,omitempty"`
	ConsecutiveFailureTrip int `mapstructure:"consecutive_failure_trip" yaml:"consecutive_failure_trip,omitempty"`
}

// NormalizedRoute is a RouteConfig that has passed validation and carries
// pre-compiled derivatives (regex, parsed durations) so the gateway never
// repeats that work per request.
type NormalizedRoute struct {
	PathPrefix    string
	Host          string
	Raw           RouteConfig
	PathRewriteRe *regexp.Regexp
	RatePeriod    time.Duration
	IdleTimeout   time.Duration
}

// ---------------------------------------------------------------------------
// Loader + file watcher
// ---------------------------------------------------------------------------

// Watcher emits new, already-validated configs when the file changes on
// disk. An invalid reload is logged and dropped; the channel never
// delivers an invalid Config.
type Watcher struct {
	updates chan *Config
	v       *viper.Viper
	log     *zap.SugaredLogger
}

func (w *Watcher) Updates() <-chan *Config { return w.updates }

func (w *Watcher) Close() {}

// Load reads and validates the config file once, without watching.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return decodeAndValidate(v)
}

// LoadAndWatch reads the config file, starts watching it for changes, and
// returns the initial config plus a Watcher whose channel delivers
// reloads. Debounced 200ms to coalesce rapid saves, matching the
// hot-reload bound in spec scenario 7 (≤ debounce + 1s).
func LoadAndWatch(path string, log *zap.SugaredLogger) (*Config, *Watcher, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := decodeAndValidate(v)
	if err != nil {
		return nil, nil, err
	}

	w := &Watcher{
		updates: make(chan *Config, 1),
		v:       v,
		log:     log,
	}

	var debounce *time.Timer
	v.OnConfigChange(func(_ fsnotify.Event) {
		if debounce != nil {
			debounce.Stop()
		}
		debounce = time.AfterFunc(200*time.Millisecond, func() {
			newCfg, err := decodeAndValidate(v)
			if err != nil {
				log.Warnw("config reload failed, keeping previous config", "err", err)
				return
			}
			select {
			case w.updates <- newCfg:
			default:
				// drop if nobody is consuming fast enough; the next reload supersedes
			}
		})
	})
	v.WatchConfig()

	return cfg, w, nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("AXON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()
	return v
}

func decodeAndValidate(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.Admin.Addr == "" {
		cfg.Admin.Addr = ":9090"
	}
	if cfg.ShutdownGraceSecs == 0 {
		cfg.ShutdownGraceSecs = 30
	}
	if cfg.HealthCheck.Path == "" {
		cfg.HealthCheck.Path = "/health"
	}
	if cfg.HealthCheck.IntervalSecs == 0 {
		cfg.HealthCheck.IntervalSecs = 10
	}
	if cfg.HealthCheck.TimeoutSecs == 0 {
		cfg.HealthCheck.TimeoutSecs = 3
	}
	if cfg.HealthCheck.UnhealthyThreshold == 0 {
		cfg.HealthCheck.UnhealthyThreshold = 3
	}
	if cfg.HealthCheck.HealthyThreshold == 0 {
		cfg.HealthCheck.HealthyThreshold = 2
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "auto"
	}
	if cfg.Protocols.HTTP2MaxFrameSize == 0 {
		cfg.Protocols.HTTP2MaxFrameSize = 16384
	}
	if cfg.Protocols.HTTP2MaxConcurrentStreams == 0 {
		cfg.Protocols.HTTP2MaxConcurrentStreams = 250
	}
}

// ---------------------------------------------------------------------------
// Validation — all errors collected, not first-fail
// ---------------------------------------------------------------------------

var validAlgorithms = map[string]bool{"token_bucket": true, "sliding_window": true, "fixed_window": true}
var validKeyBy = map[string]bool{"route": true, "ip": true, "header": true}
var validRedirectStatus = map[int]bool{301: true, 302: true, 307: true, 308: true}

// Validate checks the document and, on success, populates
// Config.normalizedRoutes. On failure it returns an aggregated error
// built with multierr, collecting every problem rather than stopping at
// the first one.
func Validate(cfg *Config) error {
	var errs error

	if _, _, err := net.SplitHostPort(cfg.ListenAddr); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("listen_addr %q: %w", cfg.ListenAddr, err))
	}

	if cfg.HealthCheck.IntervalSecs <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("health_check.interval_secs must be > 0"))
	}
	if cfg.HealthCheck.TimeoutSecs <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("health_check.timeout_secs must be > 0"))
	}
	if cfg.HealthCheck.UnhealthyThreshold < 1 {
		errs = multierr.Append(errs, fmt.Errorf("health_check.unhealthy_threshold must be >= 1"))
	}
	if cfg.HealthCheck.HealthyThreshold < 1 {
		errs = multierr.Append(errs, fmt.Errorf("health_check.healthy_threshold must be >= 1"))
	}

	seen := make(map[string]bool)
	normalized := make([]NormalizedRoute, 0, len(cfg.Routes))
	for prefix, rc := range cfg.Routes {
		nr, err := validateRoute(prefix, rc)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		key := nr.PathPrefix + "\x00" + nr.Host
		if seen[key] {
			errs = multierr.Append(errs, fmt.Errorf("duplicate route for prefix %q host %q", nr.PathPrefix, nr.Host))
			continue
		}
		seen[key] = true
		normalized = append(normalized, nr)
	}

	if errs != nil {
		return errs
	}

	// Longest prefix first gives the route table a stable, readable
	// order; router.Table.Match still compares prefix lengths itself.
	sortRoutesByPrefixLenDesc(normalized)
	cfg.normalizedRoutes = normalized
	return nil
}

func validateRoute(prefix string, rc RouteConfig) (NormalizedRoute, error) {
	var errs error
	nr := NormalizedRoute{PathPrefix: prefix, Host: rc.Host, Raw: rc}

	if prefix == "" || prefix[0] != '/' {
		errs = multierr.Append(errs, fmt.Errorf("route %q: path_prefix must start with /", prefix))
	}

	switch rc.Type {
	case "proxy":
		if rc.TargetURL == "" {
			errs = multierr.Append(errs, fmt.Errorf("route %q: proxy requires target_url", prefix))
		}
	case "load_balance":
		if len(rc.Targets) == 0 {
			errs = multierr.Append(errs, fmt.Errorf("route %q: load_balance requires >=1 targets", prefix))
		}
	case "redirect":
		if rc.Status == 0 {
			rc.Status = 302
			nr.Raw.Status = rc.Status
		}
		if !validRedirectStatus[rc.Status] {
			errs = multierr.Append(errs, fmt.Errorf("route %q: redirect status %d not in {301,302,307,308}", prefix, rc.Status))
		}
		if rc.Target == "" {
			errs = multierr.Append(errs, fmt.Errorf("route %q: redirect requires target", prefix))
		}
	case "static":
		if rc.RootDir == "" {
			errs = multierr.Append(errs, fmt.Errorf("route %q: static requires root_dir", prefix))
		}
	case "websocket":
		if rc.TargetURL == "" {
			errs = multierr.Append(errs, fmt.Errorf("route %q: websocket requires target_url", prefix))
		}
		if rc.MaxFrameBytes > 0 && rc.MaxMsgBytes > 0 && rc.MaxFrameBytes > rc.MaxMsgBytes {
			errs = multierr.Append(errs, fmt.Errorf("route %q: max_frame_bytes must be <= max_msg_bytes", prefix))
		}
	default:
		errs = multierr.Append(errs, fmt.Errorf("route %q: unknown type %q", prefix, rc.Type))
	}

	if rc.PathRewrite != "" {
		re, err := regexp.Compile(rc.PathRewrite)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("route %q: invalid path_rewrite regex: %w", prefix, err))
		} else {
			nr.PathRewriteRe = re
		}
	}

	if rc.RateLimit != nil {
		rl := rc.RateLimit
		if rl.Requests <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("route %q: rate_limit.requests must be > 0", prefix))
		}
		period, err := time.ParseDuration(rl.Period)
		if err != nil || period <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("route %q: rate_limit.period %q invalid", prefix, rl.Period))
		} else {
			nr.RatePeriod = period
		}
		if rl.Algorithm == "" {
			rl.Algorithm = "token_bucket"
		}
		if !validAlgorithms[rl.Algorithm] {
			errs = multierr.Append(errs, fmt.Errorf("route %q: rate_limit.algorithm %q invalid", prefix, rl.Algorithm))
		}
		if rl.By == "" {
			rl.By = "ip"
		}
		if !validKeyBy[rl.By] {
			errs = multierr.Append(errs, fmt.Errorf("route %q: rate_limit.by %q invalid", prefix, rl.By))
		}
		if rl.By == "header" && rl.HeaderName == "" {
			errs = multierr.Append(errs, fmt.Errorf("route %q: rate_limit.by=header requires header_name", prefix))
		}
		if rl.StatusCode == 0 {
			rl.StatusCode = 429
		}
		if rl.Message == "" {
			rl.Message = "too many requests"
		}
		if rl.BurstSize == 0 {
			rl.BurstSize = rl.Requests
		}
		nr.Raw.RateLimit = rl
	}

	if rc.Type == "websocket" {
		nr.IdleTimeout = time.Duration(rc.IdleTimeoutSecs) * time.Second
	}

	if errs != nil {
		return NormalizedRoute{}, errs
	}
	return nr, nil
}

func sortRoutesByPrefixLenDesc(routes []NormalizedRoute) {
	for i := 1; i < len(routes); i++ {
		for j := i; j > 0 && len(routes[j].PathPrefix) > len(routes[j-1].PathPrefix); j-- {
			routes[j], routes[j-1] = routes[j-1], routes[j]
		}
	}
}

// Marshal renders the normalized config back to YAML, used by `axon
// validate` to echo the effective (defaulted) document.
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
