package proxy

import (
	"net"
	"net/http"
	"time"

	"github.com/gameforge/api-gateway/internal/config"
)

// NewTransport builds the shared upstream transport. Connection pools are
// keep-alive and bounded so a slow upstream cannot exhaust ephemeral
// ports.
func NewTransport(cfg config.UpstreamConfig) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   time.Duration(cfg.DialTimeoutSeconds) * time.Second,
		KeepAlive: 30 * time.Second,
	}

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       time.Duration(cfg.IdleConnTimeoutSeconds) * time.Second,
		TLSHandshakeTimeout:   time.Duration(cfg.TLSHandshakeTimeoutSeconds) * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.ResponseHeaderTimeoutSeconds) * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
