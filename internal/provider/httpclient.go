package provider

import (
	"net"
	"net/http"
	"time"
)

const (
	defaultGatewayTimeout = 120 * time.Second

	// Concurrent runs usually target a single backend host, so the per-host
	// idle pool is as large as the total one.
	gatewayIdleConns = 16
)

// SharedHTTPClient returns the client every gateway built by a Factory uses.
// Concurrent chat runs reuse its keep-alive connections to the backend.
//
// With stream:false Ollama sends no headers until generation finishes, so
// the response-header wait equals the whole gateway timeout.
func SharedHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultGatewayTimeout
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          gatewayIdleConns,
			MaxIdleConnsPerHost:   gatewayIdleConns,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: timeout,
		},
	}
}
