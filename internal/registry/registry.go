// Package registry holds the read-only table of upstream service
// descriptors built from configuration at startup.
package registry

import (
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/gameforge/api-gateway/internal/config"
)

// BreakerParams are the circuit-breaker settings for one service.
type BreakerParams struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	MonitoringPeriod time.Duration
}

// Service describes one upstream. Immutable after startup.
type Service struct {
	Name        string
	BaseURL     *url.URL
	Timeout     time.Duration
	Retries     int
	HealthPath  string
	MaxInFlight int
	Cache       bool
	Breaker     BreakerParams
}

type Registry struct {
	byName map[string]*Service
	names  []string
}

// New builds the registry from validated config. Per-service breaker
// settings override the global defaults.
func New(cfg *config.Config) (*Registry, error) {
	reg := &Registry{byName: make(map[string]*Service, len(cfg.Services))}
	for _, sc := range cfg.Services {
		u, err := url.Parse(sc.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("service %s: invalid base_url: %w", sc.Name, err)
		}
		bp := BreakerParams{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			ResetTimeout:     time.Duration(cfg.Breaker.ResetTimeoutMs) * time.Millisecond,
			MonitoringPeriod: time.Duration(cfg.Breaker.MonitoringPeriodMs) * time.Millisecond,
		}
		if sc.Breaker != nil {
			bp = BreakerParams{
				FailureThreshold: sc.Breaker.FailureThreshold,
				ResetTimeout:     time.Duration(sc.Breaker.ResetTimeoutMs) * time.Millisecond,
				MonitoringPeriod: time.Duration(sc.Breaker.MonitoringPeriodMs) * time.Millisecond,
			}
		}
		svc := &Service{
			Name:        sc.Name,
			BaseURL:     u,
			Timeout:     sc.Timeout(),
			Retries:     *sc.Retries,
			HealthPath:  sc.HealthPath,
			MaxInFlight: sc.MaxInFlight,
			Cache:       sc.Cache,
			Breaker:     bp,
		}
		reg.byName[svc.Name] = svc
		reg.names = append(reg.names, svc.Name)
	}
	sort.Strings(reg.names)
	return reg, nil
}

func (r *Registry) Lookup(name string) (*Service, bool) {
	s, ok := r.byName[name]
	return s, ok
}

func (r *Registry) List() []*Service {
	out := make([]*Service, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, r.byName[n])
	}
	return out
}
