package solaredge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/solaredge/pkg/common"
	"github.com/raterudder/solaredge/pkg/log"
)

const (
	defaultBaseURL       = "https://monitoringapi.solaredge.com"
	currentPowerFlowPath = "currentPowerFlow.json"

	// bodies larger than this are not a power flow response
	maxBodyBytes = 1 << 20
)

// Client fetches the currentPowerFlow resource from the SolarEdge monitoring
// API. It performs a single attempt per call and never retries.
type Client struct {
	client  *http.Client
	baseURL string
}

// Configured sets up a Client from flags.
func Configured() *Client {
	baseURL := lflag.String("solaredge-base-url", defaultBaseURL, "Base URL of the SolarEdge monitoring API")
	timeout := lflag.Duration("solaredge-timeout", 10*time.Second, "HTTP timeout for the SolarEdge monitoring API")

	c := &Client{}
	lflag.Do(func() {
		c.baseURL = *baseURL
		c.client = common.HTTPClient(*timeout)
	})
	return c
}

// New returns a Client against baseURL using client for transport.
func New(client *http.Client, baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		client:  client,
		baseURL: baseURL,
	}
}

// RedactKey returns a prefix of the api key that is safe to log.
func RedactKey(apiKey string) string {
	if apiKey == "" {
		return "not set"
	}
	if len(apiKey) <= 4 {
		return "..."
	}
	return apiKey[:4] + "..."
}

func (c *Client) newGetRequest(ctx context.Context, siteID, apiKey string) (*http.Request, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, "site", siteID, currentPowerFlowPath)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("api_key", apiKey)
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// Fetch issues one GET for the site's current power flow and returns the raw
// JSON body. Failures are returned as *FetchError. The caller is responsible
// for making sure siteID and apiKey are not empty.
func (c *Client) Fetch(ctx context.Context, siteID, apiKey string) (json.RawMessage, error) {
	req, err := c.newGetRequest(ctx, siteID, apiKey)
	if err != nil {
		return nil, &FetchError{Kind: FetchTransport, Err: stripURL(err)}
	}

	log.Ctx(ctx).DebugContext(
		ctx,
		"fetching solaredge power flow",
		slog.String("siteID", siteID),
		slog.String("apiKey", RedactKey(apiKey)),
	)

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		// url.Error includes the full URL, which includes the api key
		return nil, &FetchError{Kind: FetchTransport, Err: stripURL(err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &FetchError{Kind: FetchTransport, StatusCode: resp.StatusCode, Err: stripURL(err)}
	}

	log.Ctx(ctx).DebugContext(
		ctx,
		"solaredge response",
		slog.Int("status", resp.StatusCode),
		slog.Int("bytes", len(body)),
		slog.Duration("took", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{Kind: FetchHTTPStatus, StatusCode: resp.StatusCode, RawBody: body}
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, &FetchError{Kind: FetchEmptyBody, StatusCode: resp.StatusCode, RawBody: body}
	}

	return json.RawMessage(trimmed), nil
}

// stripURL removes the request URL from url.Error so the api key never ends
// up in an error message.
func stripURL(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return fmt.Errorf("%s: %w", uerr.Op, uerr.Err)
	}
	return err
}
