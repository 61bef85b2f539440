package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/gameforge/api-gateway/internal/auth"
	"github.com/gameforge/api-gateway/internal/cache"
	"github.com/gameforge/api-gateway/internal/config"
	"github.com/gameforge/api-gateway/internal/gateway"
	"github.com/gameforge/api-gateway/internal/logging"
	"github.com/gameforge/api-gateway/internal/mw"
	"github.com/gameforge/api-gateway/internal/netx"
	"github.com/gameforge/api-gateway/internal/proxy"
	"github.com/gameforge/api-gateway/internal/ratelimit"
	"github.com/gameforge/api-gateway/internal/registry"
)

func main() {
	var configPath string
	var validateOnly bool
	flag.StringVar(&configPath, "config", "./config/config.example.yaml", "path to yaml config")
	flag.BoolVar(&validateOnly, "validate-config", false, "validate config and exit")
	flag.Parse()

	log := logging.New()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if validateOnly {
		log.Info("config ok")
		return
	}

	trusted, err := netx.ParseCIDRSet(cfg.Server.TrustedProxies)
	if err != nil {
		log.Error("invalid trusted_proxies", slog.String("error", err.Error()))
		os.Exit(1)
	}

	reg, err := registry.New(cfg)
	if err != nil {
		log.Error("failed to build service registry", slog.String("error", err.Error()))
		os.Exit(1)
	}

	rtr, err := proxy.NewRouter(reg, cfg.Routes)
	if err != nil {
		log.Error("failed to build router", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// ---- Shared store. Redis backs both the rate limiter and the
	// response cache; when it is unreachable the gateway degrades to the
	// in-process fallbacks rather than refusing to boot.
	var limiter ratelimit.Limiter
	var cacheStore cache.Store
	var storePing registry.StorePinger

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err = rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			log.Warn("redis unreachable; using in-process fallbacks", slog.String("error", err.Error()))
			rdb = nil
		}
	}

	if rdb != nil {
		limiter = ratelimit.NewRedisLimiter(rdb)
		cacheStore = cache.NewRedisStore(rdb)
		storePing = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	} else {
		limiter = ratelimit.NewMemoryLimiter(
			time.Duration(cfg.RateLimit.Memory.TTLSeconds)*time.Second,
			time.Duration(cfg.RateLimit.Memory.CleanupSeconds)*time.Second,
		)
		ms, err := cache.NewMemoryStore(cfg.Cache.MemoryMaxItems, time.Duration(cfg.Cache.TTLMs)*time.Millisecond)
		if err != nil {
			log.Error("failed to build memory cache", slog.String("error", err.Error()))
			os.Exit(1)
		}
		cacheStore = ms
	}
	defer limiter.Close()
	defer cacheStore.Close()

	// ---- Upstream transport, forwarder, auth
	transport := proxy.NewTransport(cfg.Upstream)
	fwd := proxy.NewForwarder(transport, reg.List(), log)

	userSvc, _ := reg.Lookup(cfg.Auth.UserService)
	validator := auth.NewClient(transport, userSvc.BaseURL.String(), userSvc.Timeout)

	// ---- Metrics
	promReg := prometheus.NewRegistry()
	metrics := mw.NewMetrics(promReg)

	gw := gateway.New(gateway.Options{
		Cfg:        cfg,
		Log:        log,
		Registry:   reg,
		Router:     rtr,
		Forwarder:  fwd,
		Limiter:    limiter,
		CacheStore: cacheStore,
		Validator:  validator,
		Metrics:    metrics,
		PromReg:    promReg,
		Trusted:    trusted,
		StorePing:  storePing,
		Prober:     registry.NewProber(transport, 3*time.Second),
		AdminKey:   os.Getenv("APIGW_ADMIN_KEY"),
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeoutSeconds) * time.Second,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	go func() {
		log.Info("apigw listening", slog.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("error", err.Error()))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	log.Info("shutdown complete")
}
