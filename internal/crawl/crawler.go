// Package crawl is the thin front-end that feeds the catalog: it fetches
// source pages that are due, classifies their text and hands every candidate
// to the store. It does not follow links.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/resource-catalog/internal/catalog"
	"github.com/JakeFAU/resource-catalog/internal/classifier"
	"github.com/JakeFAU/resource-catalog/internal/clock/system"
	"github.com/JakeFAU/resource-catalog/internal/metrics"
)

// Store is the slice of the catalog the front-end writes to.
type Store interface {
	SourcesDueForCrawl(ctx context.Context, interval time.Duration) ([]catalog.Source, error)
	MarkSourceDeleted(ctx context.Context, url string) error
	RecordSourceOutcome(ctx context.Context, url string, success bool) error
	RecordSourceStatusCode(ctx context.Context, url string, code int) error
	SaveResource(ctx context.Context, item catalog.Item, sourceURL string) (catalog.Placement, error)
}

// Fetcher retrieves one source document.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

// Outcome classifies what happened to one source.
type Outcome string

// Source outcomes.
const (
	OutcomeOK      Outcome = "ok"
	OutcomeFailed  Outcome = "failed"
	OutcomeDeleted Outcome = "deleted"
)

// IngestStats counts where the candidates of one document ended up.
type IngestStats struct {
	Candidates int `json:"candidates"`
	Resources  int `json:"resources"`
	Pending    int `json:"pending"`
	Existing   int `json:"existing"`
	Errors     int `json:"errors"`
}

func (s *IngestStats) add(o IngestStats) {
	s.Candidates += o.Candidates
	s.Resources += o.Resources
	s.Pending += o.Pending
	s.Existing += o.Existing
	s.Errors += o.Errors
}

// Summary reports one CrawlDue pass.
type Summary struct {
	Sources int         `json:"sources"`
	OK      int         `json:"ok"`
	Failed  int         `json:"failed"`
	Deleted int         `json:"deleted"`
	Ingest  IngestStats `json:"ingest"`
}

// Crawler drives fetch, classify and save for catalog sources.
type Crawler struct {
	store   Store
	fetcher Fetcher
	clock   catalog.Clock
	logger  *zap.Logger
}

// New builds a Crawler. fetcher may be nil when only Ingest is used.
func New(store Store, fetcher Fetcher, clock catalog.Clock, logger *zap.Logger) *Crawler {
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Crawler{store: store, fetcher: fetcher, clock: clock, logger: logger}
}

// CrawlDue crawls every active source not crawled within interval. Sources
// are handled one after another; a failing source never stops the pass.
func (c *Crawler) CrawlDue(ctx context.Context, interval time.Duration) (Summary, error) {
	sources, err := c.store.SourcesDueForCrawl(ctx, interval)
	if err != nil {
		return Summary{}, fmt.Errorf("list due sources: %w", err)
	}
	sum := Summary{Sources: len(sources)}
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		outcome, stats, err := c.CrawlSource(ctx, src.URL)
		if err != nil {
			c.logger.Warn("crawl source failed", zap.String("url", src.URL), zap.Error(err))
		}
		switch outcome {
		case OutcomeOK:
			sum.OK++
		case OutcomeDeleted:
			sum.Deleted++
		default:
			sum.Failed++
		}
		sum.Ingest.add(stats)
	}
	c.logger.Info("crawl pass finished",
		zap.Int("sources", sum.Sources),
		zap.Int("ok", sum.OK),
		zap.Int("failed", sum.Failed),
		zap.Int("deleted", sum.Deleted),
		zap.Int("new_resources", sum.Ingest.Resources),
		zap.Int("new_pending", sum.Ingest.Pending),
	)
	return sum, nil
}

// CrawlSource fetches one source and records the outcome. A 404 soft-deletes
// the source; other error statuses and transport failures count as failures.
// A page that yields nothing is still a success.
func (c *Crawler) CrawlSource(ctx context.Context, url string) (Outcome, IngestStats, error) {
	if c.fetcher == nil {
		return OutcomeFailed, IngestStats{}, errors.New("crawl: no fetcher configured")
	}
	site := metrics.SanitizeSite(url)
	page, fetchErr := c.fetcher.Fetch(ctx, url)
	if page.StatusCode != 0 {
		if err := c.store.RecordSourceStatusCode(ctx, url, page.StatusCode); err != nil {
			c.logger.Warn("record source status failed", zap.String("url", url), zap.Error(err))
		}
	}

	switch {
	case page.StatusCode == http.StatusNotFound:
		metrics.ObserveCrawl(site, "deleted", 0)
		if err := c.store.MarkSourceDeleted(ctx, url); err != nil {
			return OutcomeDeleted, IngestStats{}, fmt.Errorf("mark source deleted: %w", err)
		}
		c.logger.Info("source gone, marked deleted", zap.String("url", url))
		return OutcomeDeleted, IngestStats{}, nil
	case fetchErr != nil || page.StatusCode >= http.StatusBadRequest:
		metrics.ObserveCrawl(site, "failed", len(page.Body))
		if err := c.store.RecordSourceOutcome(ctx, url, false); err != nil {
			return OutcomeFailed, IngestStats{}, fmt.Errorf("record source failure: %w", err)
		}
		if fetchErr != nil {
			return OutcomeFailed, IngestStats{}, fetchErr
		}
		return OutcomeFailed, IngestStats{}, fmt.Errorf("HTTP %d", page.StatusCode)
	}

	metrics.ObserveCrawl(site, "ok", len(page.Body))
	stats := c.Ingest(ctx, url, string(page.Body))
	if err := c.store.RecordSourceOutcome(ctx, url, true); err != nil {
		return OutcomeOK, stats, fmt.Errorf("record source success: %w", err)
	}
	c.logger.Debug("source crawled",
		zap.String("url", url),
		zap.Int("candidates", stats.Candidates),
		zap.Int("new_resources", stats.Resources),
		zap.Duration("elapsed", page.Duration),
	)
	return OutcomeOK, stats, nil
}

// Ingest classifies text and saves every candidate under sourceURL. Save
// failures are logged and counted; the rest of the document still lands.
func (c *Crawler) Ingest(ctx context.Context, sourceURL, text string) IngestStats {
	var stats IngestStats
	now := c.clock.Now()
	for cand := range classifier.Classify(text) {
		stats.Candidates++
		item := catalog.Item{URL: cand.URL, Protocol: cand.Protocol, Source: sourceURL, CrawlTime: now}
		placement, err := c.store.SaveResource(ctx, item, sourceURL)
		if err != nil {
			stats.Errors++
			c.logger.Warn("save resource failed", zap.String("protocol", string(cand.Protocol)), zap.Error(err))
			continue
		}
		metrics.ObserveSave(string(cand.Protocol), string(placement))
		switch placement {
		case catalog.PlacementResource:
			stats.Resources++
		case catalog.PlacementPending:
			stats.Pending++
		default:
			stats.Existing++
		}
	}
	return stats
}
