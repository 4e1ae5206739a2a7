package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/resource-catalog/internal/catalog"
	"github.com/JakeFAU/resource-catalog/internal/clock/system"
	"github.com/JakeFAU/resource-catalog/internal/metrics"
	"github.com/JakeFAU/resource-catalog/internal/retry"
)

// Config controls the catalog store connection pool.
type Config struct {
	DSN            string
	PoolCapacity   int
	ConnectTimeout time.Duration
}

// Options carries the collaborators of a CatalogStore.
type Options struct {
	// Checker runs the subscription accessibility probe. Nil treats every
	// subscription as unreachable, parking it in pending_subscriptions.
	Checker catalog.AccessChecker
	Clock   catalog.Clock
	Retry   retry.Policy
	Logger  *zap.Logger
}

// CatalogStore persists the catalog in Postgres.
type CatalogStore struct {
	pool    *Pool
	checker catalog.AccessChecker
	clock   catalog.Clock
	retry   retry.Policy
	logger  *zap.Logger
}

var _ catalog.Store = (*CatalogStore)(nil)

// DefaultRetryPolicy retries transient storage errors three times with
// exponential backoff between 500ms and 10s.
func DefaultRetryPolicy() retry.Policy {
	return retry.NewExponentialPolicy(3, 500*time.Millisecond, 10*time.Second, IsTransient)
}

// Open dials Postgres, migrates the schema and returns a ready store. Any
// error here should stop the process.
func Open(ctx context.Context, cfg Config, opts Options) (*CatalogStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	dial, err := PgxDialer(cfg.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.ConnectTimeout > 0 {
		base := dial
		dial = func(ctx context.Context) (Conn, error) {
			dctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
			defer cancel()
			return base(dctx)
		}
	}
	pool, err := NewPool(cfg.PoolCapacity, dial, opts.Logger)
	if err != nil {
		return nil, err
	}
	store, err := NewCatalogStore(pool, opts)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		if cerr := pool.Close(ctx); cerr != nil {
			store.logger.Warn("close pool after failed migration", zap.Error(cerr))
		}
		return nil, err
	}
	return store, nil
}

// NewCatalogStore wraps an existing pool (tests inject pgxmock dialers).
func NewCatalogStore(pool *Pool, opts Options) (*CatalogStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	s := &CatalogStore{
		pool:    pool,
		checker: opts.Checker,
		clock:   opts.Clock,
		retry:   opts.Retry,
		logger:  opts.Logger,
	}
	if s.clock == nil {
		s.clock = system.New()
	}
	if s.retry == nil {
		s.retry = DefaultRetryPolicy()
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s, nil
}

// Pool exposes the underlying connection pool.
func (s *CatalogStore) Pool() *Pool {
	return s.pool
}

// Migrate runs the additive schema migration on a pooled connection.
func (s *CatalogStore) Migrate(ctx context.Context) error {
	return s.withConn(ctx, "migrate", func(ctx context.Context, conn Conn) error {
		return Migrate(ctx, conn, s.logger)
	})
}

// Close releases every idle connection.
func (s *CatalogStore) Close(ctx context.Context) error {
	return s.pool.Close(ctx)
}

// Ping checks that a connection can run a trivial query.
func (s *CatalogStore) Ping(ctx context.Context) error {
	return s.withConn(ctx, "ping", func(ctx context.Context, conn Conn) error {
		var one int
		if err := conn.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
			return err
		}
		return nil
	})
}

// AddSource registers a seed URL. Malformed URLs are ignored.
func (s *CatalogStore) AddSource(ctx context.Context, url string) error {
	url = strings.TrimSpace(url)
	if !catalog.ValidSourceURL(url) {
		s.logger.Debug("ignoring malformed source url", zap.String("url", url))
		return nil
	}
	return s.withConn(ctx, "add source", func(ctx context.Context, conn Conn) error {
		_, err := conn.Exec(ctx,
			`INSERT INTO sources (url, added_at, status) VALUES ($1, $2, 'active') ON CONFLICT (url) DO NOTHING`,
			url, s.clock.Now())
		return err
	})
}

// SourcesDueForCrawl returns active sources never crawled or last crawled
// before now minus interval.
func (s *CatalogStore) SourcesDueForCrawl(ctx context.Context, interval time.Duration) ([]catalog.Source, error) {
	threshold := s.clock.Now().Add(-interval)
	var out []catalog.Source
	err := s.withConn(ctx, "sources due for crawl", func(ctx context.Context, conn Conn) error {
		rows, err := conn.Query(ctx, `SELECT id, url, added_at, last_crawl_time, status, success_count, fail_count,
	last_status_code, last_checked
FROM sources
WHERE status = 'active' AND (last_crawl_time IS NULL OR last_crawl_time < $1)
ORDER BY id`, threshold)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var src catalog.Source
			var status string
			if err := rows.Scan(
				&src.ID,
				&src.URL,
				&src.AddedAt,
				&src.LastCrawlTime,
				&status,
				&src.SuccessCount,
				&src.FailCount,
				&src.LastStatusCode,
				&src.LastChecked,
			); err != nil {
				return err
			}
			src.Status = catalog.SourceStatus(status)
			out = append(out, src)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkSourceDeleted soft-deletes a source after a terminal not-found answer.
func (s *CatalogStore) MarkSourceDeleted(ctx context.Context, url string) error {
	return s.withConn(ctx, "mark source deleted", func(ctx context.Context, conn Conn) error {
		_, err := conn.Exec(ctx, `UPDATE sources SET status = 'deleted' WHERE url = $1`, url)
		return err
	})
}

// RecordSourceOutcome updates crawl counters. Success resets fail_count.
func (s *CatalogStore) RecordSourceOutcome(ctx context.Context, url string, success bool) error {
	return s.withConn(ctx, "record source outcome", func(ctx context.Context, conn Conn) error {
		var err error
		if success {
			_, err = conn.Exec(ctx, `UPDATE sources
SET success_count = success_count + 1, fail_count = 0, last_crawl_time = $1
WHERE url = $2`, s.clock.Now(), url)
		} else {
			_, err = conn.Exec(ctx, `UPDATE sources SET fail_count = fail_count + 1 WHERE url = $1`, url)
		}
		return err
	})
}

// RecordSourceStatusCode stamps the last HTTP status observed for a source.
func (s *CatalogStore) RecordSourceStatusCode(ctx context.Context, url string, code int) error {
	return s.withConn(ctx, "record source status", func(ctx context.Context, conn Conn) error {
		_, err := conn.Exec(ctx,
			`UPDATE sources SET last_status_code = $1, last_checked = $2 WHERE url = $3`,
			code, s.clock.Now(), url)
		return err
	})
}

// SaveResource deduplicates and stores one classified item. A url already in
// resources or pending_subscriptions is a successful no-op. Subscription links
// are probed first and parked as pending when unreachable. All writes happen
// in one transaction holding an advisory lock on the url, so concurrent saves
// of the same url serialize and it lands in at most one table.
func (s *CatalogStore) SaveResource(ctx context.Context, item catalog.Item, sourceURL string) (catalog.Placement, error) {
	if strings.TrimSpace(item.URL) == "" {
		return "", fmt.Errorf("save resource: url is required")
	}
	crawlTime := item.CrawlTime
	if crawlTime.IsZero() {
		crawlTime = s.clock.Now()
	}
	origin := sourceURL
	if origin == "" {
		origin = item.Source
	}
	var placement catalog.Placement
	err := s.withTx(ctx, "save resource", func(ctx context.Context, tx pgx.Tx) error {
		if err := lockURL(ctx, tx, item.URL); err != nil {
			return err
		}
		exists, err := urlExists(ctx, tx, "resources", item.URL)
		if err != nil {
			return err
		}
		if !exists {
			exists, err = urlExists(ctx, tx, "pending_subscriptions", item.URL)
			if err != nil {
				return err
			}
		}
		if exists {
			placement = catalog.PlacementExisting
			return nil
		}
		sourceID, err := s.ensureSource(ctx, tx, origin)
		if err != nil {
			return err
		}
		if item.Protocol.IsSubscription() && !s.accessible(ctx, item.URL) {
			_, err = tx.Exec(ctx, `INSERT INTO pending_subscriptions
	(url, protocol, source, source_id, crawl_time, last_attempt_time, attempt_count, status)
VALUES ($1, $2, $3, $4, $5, $6, 1, 'pending')
ON CONFLICT DO NOTHING`,
				item.URL, string(item.Protocol), origin, sourceID, crawlTime, s.clock.Now())
			if err != nil {
				return fmt.Errorf("insert pending subscription: %w", err)
			}
			placement = catalog.PlacementPending
			return nil
		}
		_, err = tx.Exec(ctx, `INSERT INTO resources (url, protocol, source, source_id, crawl_time, status)
VALUES ($1, $2, $3, $4, $5, 'pending')
ON CONFLICT DO NOTHING`,
			item.URL, string(item.Protocol), origin, sourceID, crawlTime)
		if err != nil {
			return fmt.Errorf("insert resource: %w", err)
		}
		placement = catalog.PlacementResource
		return nil
	})
	if err != nil {
		return "", err
	}
	return placement, nil
}

// PromotePendingSubscriptions re-probes every pending subscription. Reachable
// ones move to resources; the rest get their attempt counters bumped. Each row
// commits on its own.
func (s *CatalogStore) PromotePendingSubscriptions(ctx context.Context) (catalog.PromotionStats, error) {
	var pending []catalog.PendingSubscription
	err := s.withConn(ctx, "list pending subscriptions", func(ctx context.Context, conn Conn) error {
		rows, err := conn.Query(ctx, `SELECT id, url, protocol, COALESCE(source, ''), crawl_time, attempt_count
FROM pending_subscriptions
WHERE status = 'pending'
ORDER BY id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		pending = pending[:0]
		for rows.Next() {
			var p catalog.PendingSubscription
			var protocol string
			if err := rows.Scan(&p.ID, &p.URL, &protocol, &p.Source, &p.CrawlTime, &p.AttemptCount); err != nil {
				return err
			}
			p.Protocol = catalog.Protocol(protocol)
			p.Status = catalog.PendingWaiting
			pending = append(pending, p)
		}
		return rows.Err()
	})
	if err != nil {
		return catalog.PromotionStats{}, err
	}

	stats := catalog.PromotionStats{Checked: len(pending)}
	for _, p := range pending {
		if ctx.Err() != nil {
			return stats, fmt.Errorf("promote pending subscriptions: %w", ctx.Err())
		}
		if s.accessible(ctx, p.URL) {
			if err := s.promote(ctx, p); err != nil {
				s.logger.Warn("promote pending subscription failed", zap.String("url", p.URL), zap.Error(err))
				stats.Failed++
				continue
			}
			stats.Promoted++
			continue
		}
		if err := s.bumpAttempt(ctx, p.ID); err != nil {
			s.logger.Warn("bump pending attempt failed", zap.String("url", p.URL), zap.Error(err))
		}
		stats.Failed++
	}
	metrics.ObservePromotion(stats.Promoted, stats.Failed)
	return stats, nil
}

func (s *CatalogStore) promote(ctx context.Context, p catalog.PendingSubscription) error {
	return s.withTx(ctx, "promote pending subscription", func(ctx context.Context, tx pgx.Tx) error {
		if err := lockURL(ctx, tx, p.URL); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `INSERT INTO resources (url, protocol, source, source_id, crawl_time, status)
SELECT url, protocol, source, source_id, crawl_time, 'pending' FROM pending_subscriptions WHERE id = $1
ON CONFLICT DO NOTHING`, p.ID); err != nil {
			return fmt.Errorf("insert resource: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM pending_subscriptions WHERE id = $1`, p.ID); err != nil {
			return fmt.Errorf("delete pending row: %w", err)
		}
		return nil
	})
}

func (s *CatalogStore) bumpAttempt(ctx context.Context, id int64) error {
	return s.withConn(ctx, "bump pending attempt", func(ctx context.Context, conn Conn) error {
		_, err := conn.Exec(ctx, `UPDATE pending_subscriptions
SET attempt_count = attempt_count + 1, last_attempt_time = $1
WHERE id = $2`, s.clock.Now(), id)
		return err
	})
}

// ListResources returns a snapshot of every catalogued resource.
func (s *CatalogStore) ListResources(ctx context.Context) ([]catalog.Resource, error) {
	var out []catalog.Resource
	err := s.withConn(ctx, "list resources", func(ctx context.Context, conn Conn) error {
		rows, err := conn.Query(ctx, `SELECT id, url, protocol, COALESCE(source, ''), source_id, crawl_time, status,
	last_checked, COALESCE(server_region, ''), singbox_verified, location_verified
FROM resources
ORDER BY id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var r catalog.Resource
			var protocol, status string
			if err := rows.Scan(
				&r.ID,
				&r.URL,
				&protocol,
				&r.Source,
				&r.SourceID,
				&r.CrawlTime,
				&status,
				&r.LastChecked,
				&r.ServerRegion,
				&r.SingboxVerified,
				&r.LocationVerified,
			); err != nil {
				return err
			}
			r.Protocol = catalog.Protocol(protocol)
			r.Status = catalog.ResourceStatus(status)
			out = append(out, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateVerification writes a probe outcome back. An empty region leaves the
// stored region untouched, and so do empty provider flags.
func (s *CatalogStore) UpdateVerification(ctx context.Context, v catalog.Verification) error {
	checkedAt := v.CheckedAt
	if checkedAt.IsZero() {
		checkedAt = s.clock.Now()
	}
	return s.withConn(ctx, "update verification", func(ctx context.Context, conn Conn) error {
		_, err := conn.Exec(ctx, `UPDATE resources
SET status = $1,
	last_checked = $2,
	server_region = COALESCE(NULLIF($3, ''), server_region),
	singbox_verified = $4,
	location_verified = location_verified OR $5,
	geo_providers = COALESCE($6::jsonb, geo_providers)
WHERE url = $7`,
			string(v.Status), checkedAt, v.Region, v.SingboxVerified, v.LocationVerified, geoProviders(v.GeoProviders), v.URL)
		return err
	})
}

// geoProviders returns nil for an empty map so the column keeps its value.
func geoProviders(flags map[string]bool) any {
	if len(flags) == 0 {
		return nil
	}
	return flags
}

// CountRows reports the size of each table.
func (s *CatalogStore) CountRows(ctx context.Context) (catalog.RowCounts, error) {
	var counts catalog.RowCounts
	err := s.withConn(ctx, "count rows", func(ctx context.Context, conn Conn) error {
		return conn.QueryRow(ctx, `SELECT
	(SELECT count(*) FROM sources),
	(SELECT count(*) FROM resources),
	(SELECT count(*) FROM pending_subscriptions)`).Scan(&counts.Sources, &counts.Resources, &counts.Pending)
	})
	if err != nil {
		return catalog.RowCounts{}, err
	}
	return counts, nil
}

func (s *CatalogStore) accessible(ctx context.Context, url string) bool {
	if s.checker == nil {
		return false
	}
	return s.checker.Accessible(ctx, url)
}

// ensureSource inserts the source if needed and returns its id. Malformed or
// empty source URLs yield a nil id.
func (s *CatalogStore) ensureSource(ctx context.Context, tx pgx.Tx, sourceURL string) (*int64, error) {
	if !catalog.ValidSourceURL(sourceURL) {
		return nil, nil
	}
	var id int64
	err := tx.QueryRow(ctx, `WITH ins AS (
	INSERT INTO sources (url, added_at, status) VALUES ($1, $2, 'active')
	ON CONFLICT (url) DO NOTHING
	RETURNING id
)
SELECT id FROM ins
UNION ALL
SELECT id FROM sources WHERE url = $1
LIMIT 1`, sourceURL, s.clock.Now()).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("ensure source: %w", err)
	}
	return &id, nil
}

// lockURL takes a transaction-scoped advisory lock keyed by the url hash.
func lockURL(ctx context.Context, tx pgx.Tx, url string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, url); err != nil {
		return fmt.Errorf("lock url: %w", err)
	}
	return nil
}

func urlExists(ctx context.Context, tx pgx.Tx, table, url string) (bool, error) {
	var exists bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE url = $1)`, table)
	if err := tx.QueryRow(ctx, query, url).Scan(&exists); err != nil {
		return false, fmt.Errorf("lookup %s: %w", table, err)
	}
	return exists, nil
}

func (s *CatalogStore) withConn(ctx context.Context, op string, fn func(context.Context, Conn) error) error {
	return retry.Do(ctx, s.retry, func(ctx context.Context) error {
		conn, err := s.pool.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		err = fn(ctx, conn)
		if isBroken(err) {
			s.pool.Discard(ctx, conn)
		} else {
			s.pool.Release(ctx, conn)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		return nil
	})
}

func (s *CatalogStore) withTx(ctx context.Context, op string, fn func(context.Context, pgx.Tx) error) error {
	return s.withConn(ctx, op, func(ctx context.Context, conn Conn) error {
		tx, err := conn.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		if err := fn(ctx, tx); err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				s.logger.Warn("rollback failed", zap.String("op", op), zap.Error(rbErr))
			}
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
}
