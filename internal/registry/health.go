package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ProbeReport is the result of a single upstream health probe.
type ProbeReport struct {
	Service      string    `json:"service"`
	Status       string    `json:"status"` // "healthy" | "unhealthy"
	ResponseTime string    `json:"responseTime"`
	LastCheck    time.Time `json:"lastCheck"`
	Error        string    `json:"error,omitempty"`
}

// Prober performs bounded GETs against service health endpoints.
type Prober struct {
	Client  *http.Client
	Timeout time.Duration
}

func NewProber(transport http.RoundTripper, timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Prober{
		Client:  &http.Client{Transport: transport},
		Timeout: timeout,
	}
}

func (p *Prober) Probe(ctx context.Context, svc *Service) ProbeReport {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	target := strings.TrimRight(svc.BaseURL.String(), "/") + svc.HealthPath
	rep := ProbeReport{Service: svc.Name, LastCheck: time.Now().UTC()}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		rep.Status = "unhealthy"
		rep.Error = err.Error()
		return rep
	}
	resp, err := p.Client.Do(req)
	rep.ResponseTime = time.Since(start).String()
	if err != nil {
		rep.Status = "unhealthy"
		rep.Error = err.Error()
		return rep
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		rep.Status = "healthy"
	} else {
		rep.Status = "unhealthy"
		rep.Error = resp.Status
	}
	return rep
}

// StorePinger reports whether the shared store is reachable. Used by the
// readiness endpoint; a nil pinger means no shared store is configured.
type StorePinger func(ctx context.Context) error

// HealthHandler serves the gateway liveness endpoint.
func HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "ok",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})
}

// ServicesHandler probes every registered service in parallel and returns
// the combined report. The gateway's own status stays "ok" even when
// upstreams are down; per-service status carries the detail.
func ServicesHandler(reg *Registry, p *Prober) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		services := reg.List()
		reports := make([]ProbeReport, len(services))

		var wg sync.WaitGroup
		for i, svc := range services {
			wg.Add(1)
			go func(i int, svc *Service) {
				defer wg.Done()
				reports[i] = p.Probe(r.Context(), svc)
			}(i, svc)
		}
		wg.Wait()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":   "ok",
			"services": reports,
		})
	})
}

// ReadinessHandler reports whether the gateway can serve traffic: config is
// loaded (implied by running) and the shared store answers a ping.
func ReadinessHandler(ping StorePinger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		out := map[string]any{"status": "ok"}
		code := http.StatusOK

		if ping != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ping(ctx); err != nil {
				out["status"] = "degraded"
				out["store"] = "unreachable"
				code = http.StatusServiceUnavailable
			} else {
				out["store"] = "ok"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(out)
	})
}
