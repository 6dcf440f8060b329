package proxy

import (
	"net"
	"net/http"
	"time"
)

// TransportConfig carries the pool/timeout knobs named in spec.md §3's
// Settings record.
type TransportConfig struct {
	ConnectTimeout    time.Duration
	MaxConnectionPool int
	MaxKeepaliveConns int
	KeepaliveExpiry   time.Duration
}

// NewTransport builds the single shared *http.Transport the proxy engine
// reuses for the process lifetime (spec.md §4.4: "constructed once at
// startup ... closed during shutdown").
func NewTransport(cfg TransportConfig) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          cfg.MaxConnectionPool,
		MaxIdleConnsPerHost:   cfg.MaxKeepaliveConns,
		IdleConnTimeout:       cfg.KeepaliveExpiry,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// NewClient wraps transport with the total request_timeout from the
// Settings record.
func NewClient(transport *http.Transport, requestTimeout time.Duration) *http.Client {
	return &http.Client{
		Transport: transport,
		Timeout:   requestTimeout,
	}
}
