// Package gateway wires the request pipeline: rate limit, auth, route,
// cache, forward, normalize. cmd/gateway and the integration tests build
// the same handler through New.
package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gameforge/api-gateway/internal/auth"
	"github.com/gameforge/api-gateway/internal/breaker"
	"github.com/gameforge/api-gateway/internal/cache"
	"github.com/gameforge/api-gateway/internal/config"
	"github.com/gameforge/api-gateway/internal/gwerr"
	"github.com/gameforge/api-gateway/internal/httpx"
	"github.com/gameforge/api-gateway/internal/mw"
	"github.com/gameforge/api-gateway/internal/netx"
	"github.com/gameforge/api-gateway/internal/proxy"
	"github.com/gameforge/api-gateway/internal/ratelimit"
	"github.com/gameforge/api-gateway/internal/registry"
)

type Options struct {
	Cfg        *config.Config
	Log        *slog.Logger
	Registry   *registry.Registry
	Router     *proxy.Router
	Forwarder  *proxy.Forwarder
	Limiter    ratelimit.Limiter
	CacheStore cache.Store // nil disables response caching
	Validator  auth.Validator
	Metrics    *mw.Metrics
	PromReg    *prometheus.Registry
	Trusted    *netx.CIDRSet
	StorePing  registry.StorePinger
	Prober     *registry.Prober
	AdminKey   string
}

type Gateway struct {
	opts      Options
	cacheTTL  time.Duration
	maxObject int64
	namespace string
	startedAt time.Time
}

func New(o Options) *Gateway {
	return &Gateway{
		opts:      o,
		cacheTTL:  time.Duration(o.Cfg.Cache.TTLMs) * time.Millisecond,
		maxObject: o.Cfg.Cache.MaxObjectBytes,
		namespace: o.Cfg.Redis.KeyPrefix,
		startedAt: time.Now(),
	}
}

// Handler builds the complete gateway mux: operational endpoints, guarded
// admin endpoints and the /api proxy pipeline.
func (g *Gateway) Handler() http.Handler {
	o := g.opts
	mux := http.NewServeMux()

	// Operational endpoints still carry the correlation and security
	// headers every response gets.
	wrapOps := func(name string, h http.Handler) http.Handler {
		h = mw.Instrument(o.Metrics, h)
		h = mw.WithService(h, name)
		h = mw.SecurityHeaders(h)
		h = mw.RequestID(h)
		return h
	}
	mux.Handle("/metrics", wrapOps("metrics", promhttp.HandlerFor(o.PromReg, promhttp.HandlerOpts{})))
	mux.Handle("/health", wrapOps("health", registry.HealthHandler()))
	mux.Handle("/health/services", wrapOps("health", registry.ServicesHandler(o.Registry, o.Prober)))
	mux.Handle("/health/readiness", wrapOps("health", registry.ReadinessHandler(o.StorePing)))

	wrapAdmin := func(name string, h http.Handler) http.Handler {
		h = mw.RequireAdminKey(o.AdminKey, h)
		h = mw.AccessLog(o.Log, h)
		h = mw.Instrument(o.Metrics, h)
		h = mw.WithService(h, name)
		h = mw.SecurityHeaders(h)
		h = mw.RequestID(h)
		return h
	}
	mux.Handle("/-/status", wrapAdmin("admin_status", http.HandlerFunc(g.adminStatus)))
	mux.Handle("/-/routes", wrapAdmin("admin_routes", http.HandlerFunc(g.adminRoutes)))
	mux.Handle("/-/limits", wrapAdmin("admin_limits", http.HandlerFunc(g.adminLimits)))

	policies := ratelimit.NewPolicyTable(ratelimit.Policy{
		Limit:  o.Cfg.RateLimit.MaxRequests,
		Window: time.Duration(o.Cfg.RateLimit.WindowMs) * time.Millisecond,
	})
	for _, t := range o.Cfg.RateLimit.Tiers {
		policies.Add(t.Prefix, ratelimit.Policy{
			Limit:  t.MaxRequests,
			Window: time.Duration(t.WindowMs) * time.Millisecond,
		})
	}
	rl := mw.RateLimit{
		Limiter:   o.Limiter,
		Policies:  policies,
		Resolver:  mw.IPResolver{Trusted: o.Trusted},
		Metrics:   o.Metrics,
		Log:       o.Log,
		Namespace: g.namespace,
		Enabled:   o.Cfg.RateLimit.Enabled,
	}

	// Pipeline, innermost first: auth/route/cache/forward live in
	// handleProxy; admission and the entry layer wrap it.
	var h http.Handler = http.HandlerFunc(g.handleProxy)
	h = rl.Middleware(h)
	h = mw.MaxBodyBytes(o.Cfg.Server.MaxBodyBytes, h)
	h = mw.AccessLog(o.Log, h)
	h = mw.Instrument(o.Metrics, h)
	h = mw.Recover(o.Log, h)
	h = mw.CORS(o.Cfg.CORS, h)
	h = mw.SecurityHeaders(h)
	h = mw.RequestID(h)
	mux.Handle("/", h)

	return mux
}

// handleProxy runs the inner stages in strict order: auth, route, cache
// lookup, forward, cache store. Every failure goes through gwerr.Write.
func (g *Gateway) handleProxy(w http.ResponseWriter, r *http.Request) {
	o := g.opts

	t, found := o.Router.Resolve(r.Method, r.URL.Path)
	pol := proxy.DefaultPolicy(r.Method)
	if found {
		pol = t.Auth
		mw.SetService(r.Context(), t.Service.Name)
	}

	user, err := auth.Check(r.Context(), r.Header.Get("Authorization"), pol, o.Validator)
	if err != nil {
		gwerr.Write(w, r, gwerr.New(gwerr.KindUnauthorized, "invalid or missing credentials"))
		return
	}

	if !found {
		gwerr.Write(w, r, gwerr.New(gwerr.KindRouteNotFound, "no service for this path"))
		return
	}

	useCache := o.CacheStore != nil && o.Cfg.Cache.Enabled &&
		t.Service.Cache && r.Method == http.MethodGet
	xcache := ""
	cacheKey := ""
	if useCache {
		fp := cache.Fingerprint(r.Method, r.URL.Path, r.URL.Query(), r.Header.Get("Authorization"))
		cacheKey = cache.Key(g.namespace, fp)

		e, hit, cerr := o.CacheStore.Get(r.Context(), cacheKey)
		switch {
		case cerr != nil:
			o.Log.Warn("cache read failed; skipping cache",
				slog.String("rid", httpx.RequestID(r.Context())),
				slog.String("error", cerr.Error()))
			o.Metrics.CacheResults.WithLabelValues("error").Inc()
			xcache = "ERROR"
			useCache = false
		case hit:
			o.Metrics.CacheResults.WithLabelValues("hit").Inc()
			g.writeCached(w, e)
			return
		default:
			o.Metrics.CacheResults.WithLabelValues("miss").Inc()
			xcache = "MISS"
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), t.Service.Timeout)
	defer cancel()

	resp, gerr := o.Forwarder.Forward(ctx, r, t, user)
	g.recordBreakerState(t.Service.Name)
	if gerr != nil {
		gwerr.Write(w, r, gerr)
		return
	}
	defer resp.Body.Close()

	if useCache && cache.Cacheable(resp.StatusCode) {
		g.writeAndStore(w, r, resp, cacheKey, xcache)
		return
	}

	proxy.CopyResponseHeaders(w.Header(), resp.Header)
	if xcache != "" {
		w.Header().Set("X-Cache", xcache)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func (g *Gateway) writeCached(w http.ResponseWriter, e *cache.Entry) {
	for k, vv := range e.Header {
		w.Header()[k] = vv
	}
	w.Header().Set("X-Cache", "HIT")
	w.WriteHeader(e.Status)
	_, _ = w.Write(e.Body)
}

// writeAndStore buffers a cacheable 2xx, stores it, then replays it to the
// client. Oversized bodies are streamed through without caching.
func (g *Gateway) writeAndStore(w http.ResponseWriter, r *http.Request, resp *http.Response, key, xcache string) {
	o := g.opts

	stored := http.Header{}
	proxy.CopyResponseHeaders(stored, resp.Header)

	body, err := io.ReadAll(io.LimitReader(resp.Body, g.maxObject+1))
	tooBig := err == nil && int64(len(body)) > g.maxObject

	if err == nil && !tooBig {
		e := &cache.Entry{
			Status:   resp.StatusCode,
			Header:   stored,
			Body:     body,
			StoredAt: time.Now().UTC(),
		}
		// WithoutCancel: a client that drops right after the upstream
		// answered should not abort the store.
		if serr := o.CacheStore.Set(context.WithoutCancel(r.Context()), key, e, g.cacheTTL); serr != nil {
			o.Log.Warn("cache write failed",
				slog.String("rid", httpx.RequestID(r.Context())),
				slog.String("error", serr.Error()))
			o.Metrics.CacheResults.WithLabelValues("error").Inc()
			xcache = "ERROR"
		}
	}

	proxy.CopyResponseHeaders(w.Header(), resp.Header)
	w.Header().Set("X-Cache", xcache)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)
	if err != nil || tooBig {
		_, _ = io.Copy(w, resp.Body)
	}
}

func (g *Gateway) recordBreakerState(service string) {
	b := g.opts.Forwarder.Breakers().Get(service)
	if b == nil {
		return
	}
	var v float64
	switch b.State() {
	case breaker.HalfOpen:
		v = 1
	case breaker.Open:
		v = 2
	}
	g.opts.Metrics.BreakerState.WithLabelValues(service).Set(v)
}

func (g *Gateway) adminStatus(w http.ResponseWriter, _ *http.Request) {
	info, _ := debug.ReadBuildInfo()
	goVer := ""
	if info != nil {
		goVer = info.GoVersion
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"time_utc":            time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds":      int(time.Since(g.startedAt).Seconds()),
		"listen_addr":         g.opts.Cfg.Server.Addr,
		"go_version":          goVer,
		"services_configured": len(g.opts.Cfg.Services),
		"routes_configured":   len(g.opts.Cfg.Routes),
		"rate_limit_enabled":  g.opts.Cfg.RateLimit.Enabled,
		"cache_enabled":       g.opts.Cfg.Cache.Enabled,
	})
}

func (g *Gateway) adminRoutes(w http.ResponseWriter, _ *http.Request) {
	type outRoute struct {
		Prefix  string `json:"prefix"`
		Service string `json:"service"`
		Auth    string `json:"auth"`
		Cache   bool   `json:"cache"`
	}
	out := make([]outRoute, 0, len(g.opts.Cfg.Routes))
	for _, rc := range g.opts.Cfg.Routes {
		authPol := rc.Auth
		if authPol == "" {
			authPol = "by-method"
		}
		cached := false
		if svc, ok := g.opts.Registry.Lookup(rc.Service); ok {
			cached = svc.Cache
		}
		out = append(out, outRoute{
			Prefix:  rc.Prefix,
			Service: rc.Service,
			Auth:    authPol,
			Cache:   cached,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (g *Gateway) adminLimits(w http.ResponseWriter, _ *http.Request) {
	breakers := g.opts.Forwarder.Breakers().Snapshot()
	rows := make([]map[string]any, 0, len(g.opts.Cfg.Services))
	for _, svc := range g.opts.Registry.List() {
		row := map[string]any{"service": svc.Name}
		if st, ok := breakers[svc.Name]; ok {
			row["circuit_breaker"] = st
		}
		if sem := g.opts.Forwarder.Semaphore(svc.Name); sem.Enabled() {
			row["concurrency"] = map[string]any{
				"max_in_flight": sem.Cap(),
				"in_flight":     sem.InUse(),
			}
		}
		rows = append(rows, row)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rows)
}
