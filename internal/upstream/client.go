package upstream

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"streamproxy/internal/metrics"
)

const (
	maxAttempts = 5

	// Per-attempt bound on receiving response headers. Body reads are never
	// time-bounded: segment downloads routinely outlive any sane timeout and
	// are cancelled through the request context instead.
	defaultTimeout = 30 * time.Second

	// Default address reported via X-Forwarded-For/Client-IP when the
	// caller supplies no ip override.
	defaultForwardIP = "202.108.22.5"
)

// Rotating User-Agent pool. Several CDNs serve 403 to unknown agents, so
// each fetch picks one of these at random.
var userAgents = []string{
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:120.0) Gecko/20100101 Firefox/120.0",
}

// ErrInvalidURL marks a request URL that is not an absolute http(s) URL.
// It is reported before any network attempt and never retried.
var ErrInvalidURL = errors.New("invalid upstream url")

// Request describes one upstream fetch. ForwardedHeaders carries the inbound
// Cookie/Range values; Referer and ForwardIP are the optional query
// overrides.
type Request struct {
	URL              string
	ForwardedHeaders http.Header
	Referer          string
	ForwardIP        string
}

type Config struct {
	// Timeout bounds time-to-headers of each attempt, not the body read.
	Timeout   time.Duration
	ForwardIP string
	Transport http.RoundTripper
}

// Client fetches upstream resources with retry, exponential backoff and
// anti-blocking request headers. An HTTP error status is a valid result, not
// a failure: Fetch errors only when no response was obtained at all.
type Client struct {
	http      *http.Client
	forwardIP string

	// sleep and pick are injectable for tests.
	sleep func(ctx context.Context, d time.Duration) error
	pick  func(n int) int
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	if t, ok := transport.(*http.Transport); ok {
		t = t.Clone()
		t.ResponseHeaderTimeout = timeout
		transport = t
	}
	forwardIP := strings.TrimSpace(cfg.ForwardIP)
	if forwardIP == "" {
		forwardIP = defaultForwardIP
	}
	return &Client{
		http: &http.Client{
			Transport: otelhttp.NewTransport(transport),
		},
		forwardIP: forwardIP,
		sleep:     sleepCtx,
		pick:      rand.Intn,
	}
}

// Fetch performs up to 5 GET attempts against req.URL. Transport errors and
// HTTP 503 consume another attempt after an exponential backoff
// (0, 100, 200, 400, 800ms); every other status terminates the loop and is
// returned as-is. The caller owns the response body.
func (c *Client) Fetch(ctx context.Context, req Request) (*http.Response, error) {
	target, err := url.Parse(strings.TrimSpace(req.URL))
	if err != nil || !target.IsAbs() || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, req.URL)
	}

	var (
		resp    *http.Response
		lastErr error
	)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(1<<(attempt-2)) * 100 * time.Millisecond
			if err := c.sleep(ctx, backoff); err != nil {
				break
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
		if err != nil {
			return nil, err
		}
		c.setHeaders(httpReq, req, target)

		metrics.UpstreamAttemptsTotal.Inc()
		resp, err = c.http.Do(httpReq)
		if err != nil {
			lastErr = err
			resp = nil
			if ctx.Err() != nil {
				break
			}
			if attempt < maxAttempts {
				metrics.UpstreamRetriesTotal.WithLabelValues("transport").Inc()
			}
			continue
		}

		if resp.StatusCode == http.StatusServiceUnavailable && attempt < maxAttempts {
			lastErr = fmt.Errorf("upstream returned 503 on attempt %d", attempt)
			resp.Body.Close()
			resp = nil
			metrics.UpstreamRetriesTotal.WithLabelValues("503").Inc()
			continue
		}

		// Any other status, 4xx and 5xx included, is a definitive answer.
		break
	}

	if resp == nil {
		metrics.UpstreamFailuresTotal.Inc()
		if lastErr == nil {
			lastErr = ctx.Err()
		}
		return nil, fmt.Errorf("fetch failed after %d attempts: %w", maxAttempts, lastErr)
	}
	return resp, nil
}

// setHeaders applies the forwarded header subset first, then the
// anti-blocking set on top — the overrides win on conflict.
func (c *Client) setHeaders(httpReq *http.Request, req Request, target *url.URL) {
	for name, values := range req.ForwardedHeaders {
		for _, value := range values {
			httpReq.Header.Set(name, value)
		}
	}

	upstreamOrigin := target.Scheme + "://" + target.Host

	referer := strings.TrimSpace(req.Referer)
	if referer == "" {
		referer = upstreamOrigin
	}
	forwardIP := strings.TrimSpace(req.ForwardIP)
	if forwardIP == "" {
		forwardIP = c.forwardIP
	}

	httpReq.Header.Set("User-Agent", userAgents[c.pick(len(userAgents))])
	httpReq.Header.Set("Accept", "*/*")
	httpReq.Header.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")
	httpReq.Header.Set("Connection", "keep-alive")
	httpReq.Header.Set("X-Forwarded-For", forwardIP)
	httpReq.Header.Set("Client-IP", forwardIP)
	httpReq.Header.Set("Referer", referer)
	httpReq.Header.Set("Origin", upstreamOrigin)
	httpReq.Header.Set("Sec-Fetch-Dest", "empty")
	httpReq.Header.Set("Sec-Fetch-Mode", "cors")
	httpReq.Header.Set("Sec-Fetch-Site", "cross-site")
	// Accept-Encoding stays unset so the transport negotiates gzip and
	// decompresses transparently before sniffing.
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
