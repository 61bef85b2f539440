package mw

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gameforge/api-gateway/internal/httpx"
)

type Metrics struct {
	Requests     *prometheus.CounterVec
	Latency      *prometheus.HistogramVec
	CacheResults *prometheus.CounterVec
	RateLimited  *prometheus.CounterVec
	BreakerState *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apigw_http_requests_total",
			Help: "Total HTTP requests processed by the gateway",
		}, []string{"service", "method", "code"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "apigw_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"service", "method"}),
		CacheResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apigw_cache_results_total",
			Help: "Response cache outcomes",
		}, []string{"result"}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apigw_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}, []string{"prefix"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "apigw_circuit_breaker_state",
			Help: "Circuit breaker state per service (0 closed, 1 half-open, 2 open)",
		}, []string{"service"}),
	}
	reg.MustRegister(m.Requests, m.Latency, m.CacheResults, m.RateLimited, m.BreakerState)
	return m
}

// routeInfo is a mutable holder installed by Instrument so the pipeline,
// which resolves the service after the outer middleware ran, can still
// label metrics and logs.
type routeInfo struct {
	service string
}

type routeInfoKeyType struct{}

var routeInfoKey routeInfoKeyType

func SetService(ctx context.Context, name string) {
	if ri, ok := ctx.Value(routeInfoKey).(*routeInfo); ok {
		ri.service = name
	}
}

func ServiceName(ctx context.Context) string {
	if ri, ok := ctx.Value(routeInfoKey).(*routeInfo); ok && ri.service != "" {
		return ri.service
	}
	return "unknown"
}

// WithService names the service for handlers mounted outside the proxy
// pipeline (health, metrics, admin).
func WithService(next http.Handler, name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ri := &routeInfo{service: name}
		ctx := context.WithValue(r.Context(), routeInfoKey, ri)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func Instrument(m *Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if _, ok := ctx.Value(routeInfoKey).(*routeInfo); !ok {
			ctx = context.WithValue(ctx, routeInfoKey, &routeInfo{})
			r = r.WithContext(ctx)
		}

		sw := &httpx.StatusWriter{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(sw, r)

		service := ServiceName(ctx)
		code := sw.Status
		if code == 0 {
			code = http.StatusOK
		}
		m.Requests.WithLabelValues(service, r.Method, strconv.Itoa(code)).Inc()
		m.Latency.WithLabelValues(service, r.Method).Observe(time.Since(start).Seconds())
	})
}
