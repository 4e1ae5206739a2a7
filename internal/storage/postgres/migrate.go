package postgres

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

type column struct {
	name string
	ddl  string
}

type tableSpec struct {
	name    string
	create  string
	columns []column
}

// Column order matters: later columns may reference tables created earlier.
var schema = []tableSpec{
	{
		name: "sources",
		create: `CREATE TABLE IF NOT EXISTS sources (
	id BIGSERIAL PRIMARY KEY,
	url TEXT NOT NULL UNIQUE
)`,
		columns: []column{
			{"added_at", "TIMESTAMPTZ NOT NULL DEFAULT now()"},
			{"last_crawl_time", "TIMESTAMPTZ"},
			{"status", "TEXT NOT NULL DEFAULT 'active'"},
			{"success_count", "INTEGER NOT NULL DEFAULT 0"},
			{"fail_count", "INTEGER NOT NULL DEFAULT 0"},
			{"last_status_code", "INTEGER"},
			{"last_checked", "TIMESTAMPTZ"},
		},
	},
	{
		name: "resources",
		create: `CREATE TABLE IF NOT EXISTS resources (
	id BIGSERIAL PRIMARY KEY,
	url TEXT NOT NULL
)`,
		columns: []column{
			{"protocol", "TEXT NOT NULL DEFAULT ''"},
			{"source", "TEXT"},
			{"source_id", "BIGINT REFERENCES sources(id)"},
			{"crawl_time", "TIMESTAMPTZ NOT NULL DEFAULT now()"},
			{"status", "TEXT NOT NULL DEFAULT 'pending'"},
			{"last_checked", "TIMESTAMPTZ"},
			{"server_region", "TEXT"},
			{"singbox_verified", "BOOLEAN NOT NULL DEFAULT false"},
			{"location_verified", "BOOLEAN NOT NULL DEFAULT false"},
			{"geo_providers", "JSONB"},
		},
	},
	{
		name: "pending_subscriptions",
		create: `CREATE TABLE IF NOT EXISTS pending_subscriptions (
	id BIGSERIAL PRIMARY KEY,
	url TEXT NOT NULL UNIQUE
)`,
		columns: []column{
			{"protocol", "TEXT NOT NULL DEFAULT ''"},
			{"source", "TEXT"},
			{"source_id", "BIGINT REFERENCES sources(id)"},
			{"crawl_time", "TIMESTAMPTZ NOT NULL DEFAULT now()"},
			{"last_attempt_time", "TIMESTAMPTZ"},
			{"attempt_count", "INTEGER NOT NULL DEFAULT 0"},
			{"status", "TEXT NOT NULL DEFAULT 'pending'"},
		},
	},
}

var indexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_sources_status_crawl ON sources (status, last_crawl_time)`,
	`CREATE INDEX IF NOT EXISTS idx_resources_source_id ON resources (source_id)`,
	`CREATE INDEX IF NOT EXISTS idx_resources_status ON resources (status)`,
	`CREATE INDEX IF NOT EXISTS idx_pending_status ON pending_subscriptions (status)`,
}

const uniqueResourceURL = `CREATE UNIQUE INDEX IF NOT EXISTS idx_resources_url ON resources (url)`

const existingColumns = `SELECT column_name FROM information_schema.columns
WHERE table_schema = current_schema() AND table_name = $1`

const backfillSourceIDs = `UPDATE resources r SET source_id = s.id
FROM sources s
WHERE r.source_id IS NULL AND r.source IS NOT NULL AND r.source = s.url`

// Migrate brings the schema up to date. It only ever adds tables, columns
// and indexes and is safe to run on every start.
func Migrate(ctx context.Context, conn Conn, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, table := range schema {
		if _, err := conn.Exec(ctx, table.create); err != nil {
			return fmt.Errorf("create table %s: %w", table.name, err)
		}
		have, err := columnsOf(ctx, conn, table.name)
		if err != nil {
			return err
		}
		for _, col := range table.columns {
			if have[col.name] {
				continue
			}
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table.name, col.name, col.ddl)
			if _, err := conn.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("add column %s.%s: %w", table.name, col.name, err)
			}
			logger.Info("added column", zap.String("table", table.name), zap.String("column", col.name))
		}
	}
	for _, stmt := range indexes {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	// Legacy catalogs may hold duplicate urls; the constraint is best effort.
	if _, err := conn.Exec(ctx, uniqueResourceURL); err != nil {
		logger.Warn("unique index on resources.url not created", zap.Error(err))
	}
	tag, err := conn.Exec(ctx, backfillSourceIDs)
	if err != nil {
		return fmt.Errorf("backfill resource source ids: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		logger.Info("linked resources to sources", zap.Int64("rows", n))
	}
	return nil
}

func columnsOf(ctx context.Context, conn Conn, table string) (map[string]bool, error) {
	rows, err := conn.Query(ctx, existingColumns, table)
	if err != nil {
		return nil, fmt.Errorf("inspect columns of %s: %w", table, err)
	}
	defer rows.Close()
	have := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan column name: %w", err)
		}
		have[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns of %s: %w", table, err)
	}
	return have, nil
}
