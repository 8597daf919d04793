// Package httputil builds pooled HTTP clients for provider APIs.
package httputil

import (
	"net"
	"net/http"
	"time"
)

// ClientConfig holds HTTP client configuration.
type ClientConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration

	DialTimeout         time.Duration
	TLSHandshakeTimeout time.Duration
	// ResponseTimeout bounds the whole request, body included.
	ResponseTimeout time.Duration
	KeepAlive       time.Duration
}

// DefaultClientConfig returns general-purpose settings.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     100,
		IdleConnTimeout:     90 * time.Second,
		DialTimeout:         10 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ResponseTimeout:     30 * time.Second,
		KeepAlive:           30 * time.Second,
	}
}

// GraphClientConfig keeps fewer connections per host; Microsoft Graph
// throttles per mailbox well before connection counts matter.
func GraphClientConfig(timeout time.Duration) *ClientConfig {
	cfg := DefaultClientConfig()
	cfg.MaxIdleConns = 50
	cfg.MaxConnsPerHost = 50
	if timeout > 0 {
		cfg.ResponseTimeout = timeout
	}
	return cfg
}

// NewClient creates a client with its own pooled transport.
func NewClient(cfg *ClientConfig) *http.Client {
	if cfg == nil {
		cfg = DefaultClientConfig()
	}

	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: cfg.KeepAlive,
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseTimeout,
		ForceAttemptHTTP2:     true,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.ResponseTimeout,
	}
}
