// Package vendorhttp implements the distributor contract against vendors
// exposing the plain JSON-over-HTTP circulation API.
package vendorhttp

import (
	"net"
	"net/http"
	"time"
)

// DefaultTimeout is the default HTTP client timeout for vendor calls.
const DefaultTimeout = 30 * time.Second

// newHTTPClient builds the tuned HTTP client used for all vendor traffic.
func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
