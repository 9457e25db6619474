package exchange

import (
	"net/http"
	"time"
)

// newHTTPClient returns an HTTP client tuned for long-lived bulk transfers
// against the exchange CDN and API hosts.
func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			ResponseHeaderTimeout: timeout,
			TLSHandshakeTimeout:   10 * time.Second,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConnsPerHost:   8,
		},
		Timeout: timeout,
	}
}
