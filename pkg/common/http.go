package common

import (
	_ "embed"
	"net/http"
	"strings"
	"time"
)

//go:embed VERSION
var version string

// Timeouts for the two classes of upstreams we talk to. External cloud APIs
// (tariff markets, forecast services) get a generous budget; local-network
// APIs (inverter, sensor hubs, evcc) must answer quickly or are treated as
// unreachable.
const (
	ExternalAPITimeout = 30 * time.Second
	LocalAPITimeout    = 10 * time.Second
)

type userAgentTransport struct {
	transport http.RoundTripper
	userAgent string
}

// RoundTrip implements http.RoundTripper.
func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Clone the request to avoid modifying the original request's headers
	// which might be shared or reused
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	return t.transport.RoundTrip(req)
}

// HTTPClient returns a default http client with a default user-agent set
func HTTPClient(timeout time.Duration) *http.Client {
	v := strings.TrimSpace(version)
	userAgent := "batcontrol/" + v

	return &http.Client{
		Transport: &userAgentTransport{
			transport: http.DefaultTransport,
			userAgent: userAgent,
		},
		Timeout: timeout,
	}
}

// Version returns the build version baked into the binary.
func Version() string {
	return strings.TrimSpace(version)
}
