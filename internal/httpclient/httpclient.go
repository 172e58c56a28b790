// Package httpclient implements the Rate-limited HTTP Client: a single
// shared client with configurable timeouts, a baseline browser-like
// user agent, and a retry-once-with-enriched-headers policy for a
// configurable list of anti-bot hosts. Grounded on the gap left by the
// teacher's bare http.Get (internal/fetch/fetch.go) and on the
// browser-header idiom in original_source's fetcher tools.
package httpclient

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/liuyongshun/msgtool/internal/core"
)

// Client is the shared outbound HTTP client used by every source
// adapter, the LLM classifier, and the translator.
type Client struct {
	http       *http.Client
	userAgent  string
	antiBot    map[string]bool
	limiters   map[string]*rate.Limiter
	limitersMu sync.Mutex
	ratePerSec float64
}

// Option configures a Client.
type Option func(*Client)

// WithAntiBotHosts marks hosts that should retry once with an enriched
// header set on HTTP 403.
func WithAntiBotHosts(hosts ...string) Option {
	return func(c *Client) {
		for _, h := range hosts {
			c.antiBot[h] = true
		}
	}
}

// WithPerHostRate sets the token-bucket rate (requests/sec) applied per
// host. Default is unlimited.
func WithPerHostRate(perSecond float64) Option {
	return func(c *Client) { c.ratePerSec = perSecond }
}

// New builds a Client with the given total timeout and user agent.
// Connect timeout is bounded to 10s via the transport's DialContext,
// total timeout via http.Client.Timeout, per §4.C.
func New(totalTimeout time.Duration, userAgent string, opts ...Option) *Client {
	if totalTimeout <= 0 {
		totalTimeout = 60 * time.Second
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
	}
	c := &Client{
		http:      &http.Client{Timeout: totalTimeout, Transport: transport},
		userAgent: userAgent,
		antiBot:   make(map[string]bool),
		limiters:  make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) limiterFor(host string) *rate.Limiter {
	if c.ratePerSec <= 0 {
		return nil
	}
	c.limitersMu.Lock()
	defer c.limitersMu.Unlock()
	l, ok := c.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(c.ratePerSec), 1)
		c.limiters[host] = l
	}
	return l
}

// Get performs an HTTP GET against targetURL with query params merged
// in and extra headers applied. On HTTP 403 from a configured anti-bot
// host, it retries once with an enriched browser header set. The
// response body is fully read, gzip-decoded if needed, and returned.
func (c *Client) Get(ctx context.Context, targetURL string, headers map[string]string, params url.Values) ([]byte, int, error) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return nil, 0, &core.TransportError{Kind: "invalid-url", Err: err}
	}
	if len(params) > 0 {
		q := u.Query()
		for k, vals := range params {
			for _, v := range vals {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	if l := c.limiterFor(u.Host); l != nil {
		if err := l.Wait(ctx); err != nil {
			return nil, 0, &core.TransportError{Kind: "rate-limiter", Err: err}
		}
	}

	body, status, err := c.do(ctx, u.String(), headers, false)
	if err != nil {
		return nil, status, err
	}
	if status == http.StatusForbidden && c.antiBot[u.Host] {
		return c.do(ctx, u.String(), headers, true)
	}
	return body, status, nil
}

func (c *Client) do(ctx context.Context, fullURL string, headers map[string]string, enriched bool) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, 0, &core.TransportError{Kind: "build-request", Err: err}
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept-Encoding", "gzip")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if enriched {
		req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		req.Header.Set("Sec-Fetch-Dest", "document")
		req.Header.Set("Sec-Fetch-Mode", "navigate")
		req.Header.Set("Sec-Fetch-Site", "none")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, &core.TransportError{Kind: "do-request", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	var reader io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, resp.StatusCode, &core.TransportError{Status: resp.StatusCode, Kind: "gzip", Err: err}
		}
		defer func() { _ = gz.Close() }()
		reader = gz
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, resp.StatusCode, &core.TransportError{Status: resp.StatusCode, Kind: "read-body", Err: err}
	}
	return data, resp.StatusCode, nil
}

// PostJSON issues an HTTP POST with a JSON body and bearer token,
// returning the raw response body and status. Used by the LLM
// Classifier and Translator for the chat-completion wire contract.
func (c *Client) PostJSON(ctx context.Context, targetURL string, bearerToken string, body []byte) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(body))
	if err != nil {
		return nil, 0, &core.TransportError{Kind: "build-request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+bearerToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, &core.TransportError{Kind: "do-request", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, &core.TransportError{Status: resp.StatusCode, Kind: "read-body", Err: err}
	}
	if resp.StatusCode >= 400 {
		return data, resp.StatusCode, &core.TransportError{Status: resp.StatusCode, Kind: "http-error", Err: fmt.Errorf("%s", string(data))}
	}
	return data, resp.StatusCode, nil
}
