package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const minimalYAML = `
services:
  - name: user-service
    base_url: "http://127.0.0.1:9005"
routes:
  - prefix: users
    service: user-service
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Fatalf("addr default: %q", cfg.Server.Addr)
	}
	if cfg.Redis.KeyPrefix != "apigw:" {
		t.Fatalf("key prefix default: %q", cfg.Redis.KeyPrefix)
	}
	if cfg.Auth.UserService != "user-service" {
		t.Fatalf("user service default: %q", cfg.Auth.UserService)
	}

	svc := cfg.Services[0]
	if svc.TimeoutMs != 30_000 {
		t.Fatalf("timeout default: %d", svc.TimeoutMs)
	}
	if svc.Retries == nil || *svc.Retries != 2 {
		t.Fatalf("retries default: %v", svc.Retries)
	}
	if svc.HealthPath != "/health" {
		t.Fatalf("health path default: %q", svc.HealthPath)
	}

	if len(cfg.RateLimit.Tiers) == 0 {
		t.Fatal("default tier table missing")
	}
	if cfg.Breaker.FailureThreshold != 5 || cfg.Breaker.ResetTimeoutMs != 30_000 {
		t.Fatalf("breaker defaults: %+v", cfg.Breaker)
	}
}

func TestLoadZeroRetriesSurvivesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
services:
  - name: user-service
    base_url: "http://127.0.0.1:9005"
  - name: payment-service
    base_url: "http://127.0.0.1:9002"
    retries: 0
routes:
  - prefix: users
    service: user-service
`))
	if err != nil {
		t.Fatal(err)
	}
	var pay *ServiceConfig
	for i := range cfg.Services {
		if cfg.Services[i].Name == "payment-service" {
			pay = &cfg.Services[i]
		}
	}
	if pay == nil || pay.Retries == nil {
		t.Fatal("payment-service missing")
	}
	// An explicit 0 is a choice, not an absence.
	if *pay.Retries != 0 {
		t.Fatalf("retries: %d", *pay.Retries)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("REDIS_ADDR", "redis.internal:6379")
	t.Setenv("RATE_LIMIT_MAX_REQUESTS", "7")
	t.Setenv("SERVICE_USER_SERVICE_BASE_URL", "http://users.internal:8080")

	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":9999" {
		t.Fatalf("PORT override: %q", cfg.Server.Addr)
	}
	if cfg.Redis.Addr != "redis.internal:6379" {
		t.Fatalf("REDIS_ADDR override: %q", cfg.Redis.Addr)
	}
	if cfg.RateLimit.MaxRequests != 7 {
		t.Fatalf("RATE_LIMIT_MAX_REQUESTS override: %d", cfg.RateLimit.MaxRequests)
	}
	if cfg.Services[0].BaseURL != "http://users.internal:8080" {
		t.Fatalf("service base url override: %q", cfg.Services[0].BaseURL)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			"no services",
			"routes:\n  - prefix: users\n    service: user-service\n",
			"at least one service",
		},
		{
			"relative base url",
			"services:\n  - name: a\n    base_url: \"/nope\"\nroutes:\n  - prefix: x\n    service: a\n",
			"absolute url",
		},
		{
			"timeout too small",
			"services:\n  - name: user-service\n    base_url: \"http://h:1\"\n    timeout_ms: 50\nroutes:\n  - prefix: users\n    service: user-service\n",
			"timeout_ms",
		},
		{
			"duplicate service",
			"services:\n  - name: a\n    base_url: \"http://h:1\"\n  - name: a\n    base_url: \"http://h:2\"\nroutes:\n  - prefix: x\n    service: a\n",
			"duplicate service",
		},
		{
			"route to unknown service",
			"services:\n  - name: user-service\n    base_url: \"http://h:1\"\nroutes:\n  - prefix: x\n    service: ghost\n",
			"not a configured service",
		},
		{
			"multi-segment prefix",
			"services:\n  - name: user-service\n    base_url: \"http://h:1\"\nroutes:\n  - prefix: a/b\n    service: user-service\n",
			"single path segment",
		},
		{
			"duplicate prefix",
			"services:\n  - name: user-service\n    base_url: \"http://h:1\"\nroutes:\n  - prefix: x\n    service: user-service\n  - prefix: x\n    service: user-service\n",
			"duplicate route prefix",
		},
		{
			"bad auth value",
			"services:\n  - name: user-service\n    base_url: \"http://h:1\"\nroutes:\n  - prefix: x\n    service: user-service\n    auth: sometimes\n",
			"auth must be",
		},
		{
			"user service not configured",
			"auth:\n  user_service: ghost\nservices:\n  - name: a\n    base_url: \"http://h:1\"\nroutes:\n  - prefix: x\n    service: a\n",
			"auth.user_service",
		},
		{
			"breaker reset too small",
			"circuit_breaker:\n  reset_timeout_ms: 10\nservices:\n  - name: user-service\n    base_url: \"http://h:1\"\nroutes:\n  - prefix: x\n    service: user-service\n",
			"reset_timeout_ms",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, c.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), c.want) {
				t.Fatalf("error %q does not mention %q", err, c.want)
			}
		})
	}
}

func TestLoadExampleConfig(t *testing.T) {
	cfg, err := Load("../../config/config.example.yaml")
	if err != nil {
		t.Fatalf("shipped example config must load: %v", err)
	}
	if len(cfg.Services) == 0 || len(cfg.Routes) == 0 {
		t.Fatal("example config is empty")
	}
}
