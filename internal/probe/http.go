// Package probe implements the liveness checks run against catalogued
// resources: HTTP checks for subscription links and an offline sing-box
// configuration check for proxy URIs.
package probe

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/resource-catalog/internal/catalog"
)

const defaultTimeout = 10 * time.Second

// maxBody caps how much of a subscription body is read to measure it.
const maxBody = 32 << 20

// HTTPConfig controls HTTPChecker.
type HTTPConfig struct {
	Timeout   time.Duration
	UserAgent string
}

// HTTPChecker probes subscription links over HTTP.
type HTTPChecker struct {
	client    *http.Client
	timeout   time.Duration
	userAgent string
	logger    *zap.Logger
}

var (
	_ catalog.AccessChecker = (*HTTPChecker)(nil)
	_ catalog.Prober        = (*HTTPChecker)(nil)
)

// NewHTTPChecker builds a checker. A nil client gets a pooled transport.
func NewHTTPChecker(cfg HTTPConfig, client *http.Client, logger *zap.Logger) *HTTPChecker {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if client == nil {
		client = &http.Client{Transport: newHTTPTransport()}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPChecker{client: client, timeout: timeout, userAgent: cfg.UserAgent, logger: logger}
}

// Accessible sends a HEAD request and reports whether the answer is below
// 400. Servers that refuse HEAD get a GET instead.
func (c *HTTPChecker) Accessible(ctx context.Context, url string) bool {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	status, err := c.status(ctx, http.MethodHead, url)
	if err == nil && (status == http.StatusMethodNotAllowed || status == http.StatusNotImplemented) {
		status, err = c.status(ctx, http.MethodGet, url)
	}
	if err != nil {
		c.logger.Debug("subscription not reachable", zap.String("url", url), zap.Error(err))
		return false
	}
	return status < http.StatusBadRequest
}

func (c *HTTPChecker) status(ctx context.Context, method, url string) (int, error) {
	resp, err := c.do(ctx, method, url)
	if err != nil {
		return 0, err
	}
	c.drain(resp)
	return resp.StatusCode, nil
}

// Probe downloads the subscription and reports success for status < 400,
// capturing status code, body length and content type.
func (c *HTTPChecker) Probe(ctx context.Context, res catalog.Resource) catalog.ProbeResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var out catalog.ProbeResult
	resp, err := c.do(ctx, http.MethodGet, res.URL)
	if err != nil {
		out.Error = fmt.Sprintf("subscription request failed: %v", err)
		out.Elapsed = time.Since(start)
		return out
	}
	n, readErr := io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
	if cerr := resp.Body.Close(); cerr != nil {
		c.logger.Debug("close probe response", zap.Error(cerr))
	}
	out.StatusCode = resp.StatusCode
	out.Elapsed = time.Since(start)
	switch {
	case resp.StatusCode >= http.StatusBadRequest:
		out.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
	case readErr != nil:
		out.Error = fmt.Sprintf("read subscription body: %v", readErr)
	default:
		out.Success = true
		out.ContentLength = int(n)
		out.ContentType = resp.Header.Get("Content-Type")
	}
	return out
}

func (c *HTTPChecker) do(ctx context.Context, method, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *HTTPChecker) drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if err := resp.Body.Close(); err != nil {
		c.logger.Debug("close response", zap.Error(err))
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
