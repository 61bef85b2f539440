package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Cache     CacheConfig     `yaml:"cache"`
	CORS      CORSConfig      `yaml:"cors"`
	Breaker   BreakerConfig   `yaml:"circuit_breaker"`
	Services  []ServiceConfig `yaml:"services"`
	Routes    []RouteConfig   `yaml:"routes"`
}

type ServerConfig struct {
	Addr                     string   `yaml:"addr"`
	TrustedProxies           []string `yaml:"trusted_proxies"`
	MaxHeaderBytes           int      `yaml:"max_header_bytes"`
	MaxBodyBytes             int64    `yaml:"max_body_bytes"`
	ReadTimeoutSeconds       int      `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds      int      `yaml:"write_timeout_seconds"`
	IdleTimeoutSeconds       int      `yaml:"idle_timeout_seconds"`
	ReadHeaderTimeoutSeconds int      `yaml:"read_header_timeout_seconds"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type UpstreamConfig struct {
	DialTimeoutSeconds           int `yaml:"dial_timeout_seconds"`
	TLSHandshakeTimeoutSeconds   int `yaml:"tls_handshake_timeout_seconds"`
	ResponseHeaderTimeoutSeconds int `yaml:"response_header_timeout_seconds"`
	IdleConnTimeoutSeconds       int `yaml:"idle_conn_timeout_seconds"`
	MaxIdleConns                 int `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost          int `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost              int `yaml:"max_conns_per_host"`
}

type AuthConfig struct {
	// UserService is the logical name of the service that validates bearer
	// tokens via GET /api/profile.
	UserService string `yaml:"user_service"`
}

type RateLimitConfig struct {
	Enabled     bool            `yaml:"enabled"`
	WindowMs    int             `yaml:"window_ms"`
	MaxRequests int             `yaml:"max_requests"`
	Tiers       []RateLimitTier `yaml:"tiers"`
	Memory      MemoryRLConfig  `yaml:"memory"`
}

type RateLimitTier struct {
	Prefix      string `yaml:"prefix"` // e.g. "auth", "games*"
	MaxRequests int    `yaml:"max_requests"`
	WindowMs    int    `yaml:"window_ms"`
}

type MemoryRLConfig struct {
	TTLSeconds     int `yaml:"ttl_seconds"`
	CleanupSeconds int `yaml:"cleanup_seconds"`
}

type CacheConfig struct {
	Enabled        bool  `yaml:"enabled"`
	TTLMs          int   `yaml:"ttl_ms"`
	MaxObjectBytes int64 `yaml:"max_object_bytes"`
	MemoryMaxItems int   `yaml:"memory_max_items"`
}

type CORSConfig struct {
	Origin      string `yaml:"origin"`
	Methods     string `yaml:"methods"`
	Headers     string `yaml:"headers"`
	Credentials bool   `yaml:"credentials"`
}

type BreakerConfig struct {
	FailureThreshold   int `yaml:"failure_threshold"`
	ResetTimeoutMs     int `yaml:"reset_timeout_ms"`
	MonitoringPeriodMs int `yaml:"monitoring_period_ms"`
}

type ServiceConfig struct {
	Name        string         `yaml:"name"`
	BaseURL     string         `yaml:"base_url"`
	TimeoutMs   int            `yaml:"timeout_ms"`
	Retries     *int           `yaml:"retries"`
	HealthPath  string         `yaml:"health_path"`
	MaxInFlight int            `yaml:"max_in_flight"`
	Cache       bool           `yaml:"cache"`
	Breaker     *BreakerConfig `yaml:"circuit_breaker"`
}

type RouteConfig struct {
	Prefix  string `yaml:"prefix"`  // second path segment under /api
	Service string `yaml:"service"` // logical service name
	Auth    string `yaml:"auth"`    // "", "none", "optional", "required"
}

// Load reads the yaml file at path, applies environment overrides, fills
// defaults and validates. Invalid config aborts boot at the caller.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envStr(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %v", key, err)
	}
	*dst = n
	return nil
}

func envBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok {
		b, err := strconv.ParseBool(v)
		if err == nil {
			*dst = b
		}
	}
}

func applyEnv(cfg *Config) {
	if port, ok := os.LookupEnv("PORT"); ok && port != "" {
		cfg.Server.Addr = ":" + port
	}
	envStr("REDIS_ADDR", &cfg.Redis.Addr)
	envStr("REDIS_PASSWORD", &cfg.Redis.Password)
	_ = envInt("REDIS_DB", &cfg.Redis.DB)
	envStr("REDIS_KEY_PREFIX", &cfg.Redis.KeyPrefix)

	envBool("RATE_LIMIT_ENABLED", &cfg.RateLimit.Enabled)
	_ = envInt("RATE_LIMIT_WINDOW_MS", &cfg.RateLimit.WindowMs)
	_ = envInt("RATE_LIMIT_MAX_REQUESTS", &cfg.RateLimit.MaxRequests)

	envBool("CACHE_ENABLED", &cfg.Cache.Enabled)
	_ = envInt("CACHE_TTL_MS", &cfg.Cache.TTLMs)

	envStr("CORS_ORIGIN", &cfg.CORS.Origin)
	envStr("CORS_METHODS", &cfg.CORS.Methods)
	envStr("CORS_HEADERS", &cfg.CORS.Headers)
	envBool("CORS_CREDENTIALS", &cfg.CORS.Credentials)

	var defTimeout, defRetries int
	_ = envInt("SERVICE_DEFAULT_TIMEOUT_MS", &defTimeout)
	_ = envInt("SERVICE_DEFAULT_RETRIES", &defRetries)

	for i := range cfg.Services {
		s := &cfg.Services[i]
		envStr("SERVICE_"+envName(s.Name)+"_BASE_URL", &s.BaseURL)
		if defTimeout > 0 && s.TimeoutMs == 0 {
			s.TimeoutMs = defTimeout
		}
		if defRetries > 0 && s.Retries == nil {
			r := defRetries
			s.Retries = &r
		}
	}
}

// envName maps "user-service" to "USER_SERVICE".
func envName(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.MaxHeaderBytes == 0 {
		cfg.Server.MaxHeaderBytes = 1 << 20 // 1 MiB
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20 // 1 MiB
	}
	if cfg.Server.ReadHeaderTimeoutSeconds == 0 {
		cfg.Server.ReadHeaderTimeoutSeconds = 5
	}
	if cfg.Server.ReadTimeoutSeconds == 0 {
		cfg.Server.ReadTimeoutSeconds = 15
	}
	if cfg.Server.WriteTimeoutSeconds == 0 {
		cfg.Server.WriteTimeoutSeconds = 60
	}
	if cfg.Server.IdleTimeoutSeconds == 0 {
		cfg.Server.IdleTimeoutSeconds = 60
	}

	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "apigw:"
	}

	if cfg.Upstream.DialTimeoutSeconds == 0 {
		cfg.Upstream.DialTimeoutSeconds = 3
	}
	if cfg.Upstream.TLSHandshakeTimeoutSeconds == 0 {
		cfg.Upstream.TLSHandshakeTimeoutSeconds = 5
	}
	if cfg.Upstream.ResponseHeaderTimeoutSeconds == 0 {
		cfg.Upstream.ResponseHeaderTimeoutSeconds = 15
	}
	if cfg.Upstream.IdleConnTimeoutSeconds == 0 {
		cfg.Upstream.IdleConnTimeoutSeconds = 90
	}
	if cfg.Upstream.MaxIdleConns == 0 {
		cfg.Upstream.MaxIdleConns = 256
	}
	if cfg.Upstream.MaxIdleConnsPerHost == 0 {
		cfg.Upstream.MaxIdleConnsPerHost = 64
	}
	if cfg.Upstream.MaxConnsPerHost == 0 {
		cfg.Upstream.MaxConnsPerHost = 256
	}

	if cfg.Auth.UserService == "" {
		cfg.Auth.UserService = "user-service"
	}

	if cfg.RateLimit.WindowMs == 0 {
		cfg.RateLimit.WindowMs = 60_000
	}
	if cfg.RateLimit.MaxRequests == 0 {
		cfg.RateLimit.MaxRequests = 100
	}
	if len(cfg.RateLimit.Tiers) == 0 {
		cfg.RateLimit.Tiers = []RateLimitTier{
			{Prefix: "auth", MaxRequests: 10, WindowMs: 60_000},
			{Prefix: "payments", MaxRequests: 20, WindowMs: 60_000},
			{Prefix: "downloads", MaxRequests: 50, WindowMs: 60_000},
			{Prefix: "users", MaxRequests: 60, WindowMs: 60_000},
			{Prefix: "games*", MaxRequests: 200, WindowMs: 60_000},
		}
	}
	if cfg.RateLimit.Memory.TTLSeconds == 0 {
		cfg.RateLimit.Memory.TTLSeconds = 300
	}
	if cfg.RateLimit.Memory.CleanupSeconds == 0 {
		cfg.RateLimit.Memory.CleanupSeconds = 60
	}

	if cfg.Cache.TTLMs == 0 {
		cfg.Cache.TTLMs = 60_000
	}
	if cfg.Cache.MaxObjectBytes == 0 {
		cfg.Cache.MaxObjectBytes = 1 << 20 // 1 MiB
	}
	if cfg.Cache.MemoryMaxItems == 0 {
		cfg.Cache.MemoryMaxItems = 10_000
	}

	if cfg.CORS.Methods == "" {
		cfg.CORS.Methods = "GET,HEAD,POST,PUT,PATCH,DELETE,OPTIONS"
	}
	if cfg.CORS.Headers == "" {
		cfg.CORS.Headers = "Authorization,Content-Type,X-Request-Id"
	}

	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.ResetTimeoutMs == 0 {
		cfg.Breaker.ResetTimeoutMs = 30_000
	}
	if cfg.Breaker.MonitoringPeriodMs == 0 {
		cfg.Breaker.MonitoringPeriodMs = 60_000
	}

	for i := range cfg.Services {
		s := &cfg.Services[i]
		if s.TimeoutMs == 0 {
			s.TimeoutMs = 30_000
		}
		if s.Retries == nil {
			r := 2
			s.Retries = &r
		}
		if s.HealthPath == "" {
			s.HealthPath = "/health"
		}
	}
}

func Validate(cfg *Config) error {
	if cfg.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if len(cfg.Services) == 0 {
		return errors.New("at least one service is required")
	}

	seen := map[string]struct{}{}
	for i, s := range cfg.Services {
		idx := fmt.Sprintf("services[%d]", i)
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return fmt.Errorf("%s.name is required", idx)
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("duplicate service name: %q", name)
		}
		seen[name] = struct{}{}

		if s.BaseURL == "" {
			return fmt.Errorf("%s.base_url is required", idx)
		}
		u, err := url.Parse(s.BaseURL)
		if err != nil || !u.IsAbs() {
			return fmt.Errorf("%s.base_url must be an absolute url", idx)
		}
		if s.TimeoutMs < 100 {
			return fmt.Errorf("%s.timeout_ms must be >= 100", idx)
		}
		if s.Retries != nil && *s.Retries < 0 {
			return fmt.Errorf("%s.retries cannot be negative", idx)
		}
		if !strings.HasPrefix(s.HealthPath, "/") {
			return fmt.Errorf("%s.health_path must start with '/'", idx)
		}
		if s.MaxInFlight < 0 {
			return fmt.Errorf("%s.max_in_flight cannot be negative", idx)
		}
		if b := s.Breaker; b != nil {
			if b.FailureThreshold < 1 {
				return fmt.Errorf("%s.circuit_breaker.failure_threshold must be >= 1", idx)
			}
			if b.ResetTimeoutMs < 1000 {
				return fmt.Errorf("%s.circuit_breaker.reset_timeout_ms must be >= 1000", idx)
			}
			if b.MonitoringPeriodMs < 1000 {
				return fmt.Errorf("%s.circuit_breaker.monitoring_period_ms must be >= 1000", idx)
			}
		}
	}

	if len(cfg.Routes) == 0 {
		return errors.New("at least one route is required")
	}
	seenPrefix := map[string]struct{}{}
	for i, r := range cfg.Routes {
		idx := fmt.Sprintf("routes[%d]", i)
		if r.Prefix == "" || strings.Contains(r.Prefix, "/") {
			return fmt.Errorf("%s.prefix must be a single path segment", idx)
		}
		if _, ok := seenPrefix[r.Prefix]; ok {
			return fmt.Errorf("duplicate route prefix: %q", r.Prefix)
		}
		seenPrefix[r.Prefix] = struct{}{}
		if _, ok := seen[r.Service]; !ok {
			return fmt.Errorf("%s.service %q is not a configured service", idx, r.Service)
		}
		switch r.Auth {
		case "", "none", "optional", "required":
		default:
			return fmt.Errorf("%s.auth must be none, optional or required", idx)
		}
	}

	if _, ok := seen[cfg.Auth.UserService]; !ok {
		return fmt.Errorf("auth.user_service %q is not a configured service", cfg.Auth.UserService)
	}

	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.WindowMs <= 0 {
			return errors.New("rate_limit.window_ms must be > 0")
		}
		if cfg.RateLimit.MaxRequests <= 0 {
			return errors.New("rate_limit.max_requests must be > 0")
		}
		for i, t := range cfg.RateLimit.Tiers {
			if t.Prefix == "" {
				return fmt.Errorf("rate_limit.tiers[%d].prefix is required", i)
			}
			if t.MaxRequests <= 0 || t.WindowMs <= 0 {
				return fmt.Errorf("rate_limit.tiers[%d] max_requests and window_ms must be > 0", i)
			}
		}
	}

	if cfg.Cache.Enabled && cfg.Cache.TTLMs <= 0 {
		return errors.New("cache.ttl_ms must be > 0")
	}

	if cfg.Breaker.FailureThreshold < 1 {
		return errors.New("circuit_breaker.failure_threshold must be >= 1")
	}
	if cfg.Breaker.ResetTimeoutMs < 1000 {
		return errors.New("circuit_breaker.reset_timeout_ms must be >= 1000")
	}
	if cfg.Breaker.MonitoringPeriodMs < 1000 {
		return errors.New("circuit_breaker.monitoring_period_ms must be >= 1000")
	}
	return nil
}

func (s ServiceConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}
