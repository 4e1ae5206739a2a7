package crawl

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
)

// FetcherConfig controls collector behavior.
type FetcherConfig struct {
	UserAgent string
	Timeout   time.Duration
	// MaxBodySize caps the bytes read per page; zero keeps colly's default.
	MaxBodySize int
}

// Page is one fetched source document. StatusCode is set for every answer
// the server gave, including error statuses.
type Page struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// CollyFetcher fetches source pages with a Colly collector. It never follows
// links; every source is a single document.
type CollyFetcher struct {
	cfg  FetcherConfig
	base *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// NewCollyFetcher builds a CollyFetcher. A nil transport gets a pooled one.
func NewCollyFetcher(cfg FetcherConfig, transport http.RoundTripper) *CollyFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	c.AllowURLRevisit = true
	if cfg.MaxBodySize > 0 {
		c.MaxBodySize = cfg.MaxBodySize
	}
	if transport == nil {
		transport = newHTTPTransport()
	}
	c.WithTransport(transport)
	return &CollyFetcher{cfg: cfg, base: c}
}

// Fetch performs one GET. A non-nil error means no HTTP answer arrived;
// error statuses come back as a Page.
func (f *CollyFetcher) Fetch(ctx context.Context, url string) (Page, error) {
	var (
		page     Page
		fetchErr error
	)
	start := time.Now()
	collector := f.base.Clone()
	collector.Context = ctx
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)
	f.configureHooks(collector, start, &page, &fetchErr)

	finished, err := runCollector(ctx, collector, url, &fetchErr)
	if !finished {
		return Page{}, err
	}
	if page.StatusCode != 0 {
		return page, nil
	}
	if err != nil {
		return Page{}, err
	}
	return Page{}, errNoResponse
}

func (f *CollyFetcher) configureHooks(hooks collectorHooks, start time.Time, page *Page, fetchErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		*page = Page{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		// Colly reports non-2xx answers here along with the response.
		if r != nil && r.StatusCode != 0 {
			*page = Page{
				URL:        r.Request.URL.String(),
				StatusCode: r.StatusCode,
				Duration:   time.Since(start),
			}
		}
		*fetchErr = err
	})
}

// runCollector reports finished=false when ctx ended before the visit
// returned; the callbacks may still be running then.
func runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) (bool, error) {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return false, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return true, fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return true, fmt.Errorf("colly visit failed: %w", err)
		}
		return true, nil
	}
}

// errNoResponse is returned when the collector finished without calling back.
var errNoResponse = errors.New("no response received")

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
