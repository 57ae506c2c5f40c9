package httputil

import (
	"net/http"
	"time"
)

const (
	DefaultTimeout = 30 * time.Second
	UserAgent      = "floodwatch/1.0 (+https://github.com/lox/floodwatch)"
)

// NewClient returns an HTTP client with standard timeout configuration that
// identifies itself to upstream providers.
func NewClient() *http.Client {
	return &http.Client{
		Timeout:   DefaultTimeout,
		Transport: userAgentTransport{base: http.DefaultTransport},
	}
}

type userAgentTransport struct {
	base http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", UserAgent)
	}
	return t.base.RoundTrip(req)
}

// RetryableStatus reports whether a provider response is worth retrying:
// rate limiting and server-side failures.
func RetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
