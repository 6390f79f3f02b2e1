package clients

import (
	"net"
	"net/http"
	"time"
)

// DefaultTransport returns the HTTP transport used for sitemap
// fetches. Connection counts are kept modest: the auditor talks to one
// origin at a time and should not look like a flood to it.
//
// Proxy settings come from the process environment (HTTP_PROXY,
// HTTPS_PROXY, NO_PROXY), which is how embedded deployments point the
// auditor through a corporate proxy.
func DefaultTransport() *http.Transport {
	return &http.Transport{
		Proxy:             http.ProxyFromEnvironment,
		ForceAttemptHTTP2: true,

		MaxConnsPerHost:     16,
		MaxIdleConnsPerHost: 4,
		MaxIdleConns:        32,
		IdleConnTimeout:     90 * time.Second,

		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,

		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 20 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
