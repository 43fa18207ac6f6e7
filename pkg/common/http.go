package common

import (
	_ "embed"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

//go:embed VERSION
var version string

// maxRedirects is how many same-host redirects a client follows.
const maxRedirects = 3

// ErrCrossHostRedirect is returned when a response redirects to another
// host. Credentials travel in the query string, so such a redirect would
// hand them to a third party.
var ErrCrossHostRedirect = errors.New("refusing redirect to a different host")

// Version returns the release version embedded at build time.
func Version() string {
	return strings.TrimSpace(version)
}

// UserAgent is sent by every client built here and by the storage clients.
func UserAgent() string {
	return "SolarEdgePoller/" + Version()
}

type headerTransport struct {
	next   http.RoundTripper
	header http.Header
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// the caller's request may be reused
	req = req.Clone(req.Context())
	for k, v := range t.header {
		req.Header[k] = v
	}
	return t.next.RoundTrip(req)
}

// sameHostRedirect only allows redirects that stay on the original scheme and
// host.
func sameHostRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	orig := via[0].URL
	if req.URL.Host != orig.Host || req.URL.Scheme != orig.Scheme {
		return fmt.Errorf("%w: %s", ErrCrossHostRedirect, req.URL.Host)
	}
	return nil
}

// HTTPClient returns the client used for the monitoring API. It stamps the
// User-Agent and never follows a redirect off the original host.
func HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &headerTransport{
			next:   http.DefaultTransport,
			header: http.Header{"User-Agent": {UserAgent()}},
		},
		CheckRedirect: sameHostRedirect,
		Timeout:       timeout,
	}
}
