package netmon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// maxProbeBody caps how much of a probe response is read. Expected
// bodies are tiny; a portal's login page can be anything.
const maxProbeBody = 4096

// HTTPProber probes endpoints with plain HTTP requests. Redirects are
// never followed: a captive portal announces itself with a redirect to
// its login page, and following it would make the portal look healthy.
type HTTPProber struct {
	client *http.Client
}

var _ Prober = (*HTTPProber)(nil)

// NewHTTPProber returns a prober backed by the given client, with
// redirect following disabled. A nil client gets http.DefaultTransport.
func NewHTTPProber(client *http.Client) *HTTPProber {
	c := http.Client{}
	if client != nil {
		c = *client
	}
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &HTTPProber{client: &c}
}

// Check issues a GET against the endpoint and compares what came back
// with what the endpoint promises.
// PRE: ep.URL is an absolute URL
// POST: never returns an error; failures and timeouts come back as
// unreachable
func (p *HTTPProber) Check(ctx context.Context, ep Endpoint) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.URL, nil)
	if err != nil {
		return Result{}
	}
	setNoCache(req)

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return Result{}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
	latency := time.Since(start)
	if err != nil {
		return Result{Reachable: true, Latency: latency}
	}

	expected := resp.StatusCode == ep.WantStatus &&
		strings.TrimSpace(string(body)) == ep.WantBody
	return Result{Reachable: true, Expected: expected, Latency: latency}
}

// Latency measures the round trip of a HEAD request to the endpoint.
// POST: a deadline overrun maps to ErrProbeTimeout, any other transport
// failure to ErrProbeFailed
func (p *HTTPProber) Latency(ctx context.Context, ep Endpoint) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, ep.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}
	setNoCache(req)

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return 0, fmt.Errorf("%w: %s", ErrProbeTimeout, ep.URL)
		}
		return 0, fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}
	resp.Body.Close()
	return time.Since(start), nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// setNoCache keeps intermediaries from answering probes out of a cache,
// which would hide both outages and portals.
func setNoCache(req *http.Request) {
	req.Header.Set("Cache-Control", "no-cache, no-store")
	req.Header.Set("Pragma", "no-cache")
}
