// Package postgres implements the catalog store on top of pgx connections.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("connection pool is closed")

// Conn is the subset of *pgx.Conn used by the store.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close(ctx context.Context) error
}

// Dialer opens a brand-new connection.
type Dialer func(ctx context.Context) (Conn, error)

// PoolStats counts pool activity since construction.
type PoolStats struct {
	Dials          int64
	Reuses         int64
	OverflowCloses int64
	Discards       int64
	Idle           int
}

// Pool is a caching free list of connections.
//
// Capacity bounds only how many idle connections are kept. Acquire never
// blocks: with an empty free list it dials a new connection immediately, so
// concurrent callers can hold more than capacity connections at once. Release
// closes any connection that does not fit back into the free list. There is no
// backpressure on the database; callers that need an admission limit must
// bound their own concurrency.
type Pool struct {
	free   chan Conn
	dial   Dialer
	logger *zap.Logger
	closed atomic.Bool

	dials          atomic.Int64
	reuses         atomic.Int64
	overflowCloses atomic.Int64
	discards       atomic.Int64
}

// NewPool builds a pool that caches up to capacity idle connections.
func NewPool(capacity int, dial Dialer, logger *zap.Logger) (*Pool, error) {
	if dial == nil {
		return nil, fmt.Errorf("dialer is required")
	}
	if capacity < 1 {
		return nil, fmt.Errorf("pool capacity must be >= 1, got %d", capacity)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		free:   make(chan Conn, capacity),
		dial:   dial,
		logger: logger,
	}, nil
}

// Acquire returns a cached connection or dials a new one.
func (p *Pool) Acquire(ctx context.Context) (Conn, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	select {
	case conn := <-p.free:
		p.reuses.Add(1)
		return conn, nil
	default:
	}
	conn, err := p.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial connection: %w", err)
	}
	p.dials.Add(1)
	return conn, nil
}

// Release hands a healthy connection back. It is closed when the free list is
// full or the pool is closed.
func (p *Pool) Release(ctx context.Context, conn Conn) {
	if conn == nil {
		return
	}
	if !p.closed.Load() {
		select {
		case p.free <- conn:
			return
		default:
		}
	}
	p.overflowCloses.Add(1)
	p.closeConn(ctx, conn)
}

// Discard closes a connection that should not be reused.
func (p *Pool) Discard(ctx context.Context, conn Conn) {
	if conn == nil {
		return
	}
	p.discards.Add(1)
	p.closeConn(ctx, conn)
}

// Close closes every idle connection. Connections still held by callers are
// closed when they are released.
func (p *Pool) Close(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	for {
		select {
		case conn := <-p.free:
			if err := conn.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		default:
			if len(errs) > 0 {
				return fmt.Errorf("close pooled connections: %w", errors.Join(errs...))
			}
			return nil
		}
	}
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Dials:          p.dials.Load(),
		Reuses:         p.reuses.Load(),
		OverflowCloses: p.overflowCloses.Load(),
		Discards:       p.discards.Load(),
		Idle:           len(p.free),
	}
}

func (p *Pool) closeConn(ctx context.Context, conn Conn) {
	if err := conn.Close(ctx); err != nil {
		p.logger.Debug("close connection failed", zap.Error(err))
	}
}

// PgxDialer dials connections with pgx.Connect.
func PgxDialer(dsn string) (Dialer, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	return func(ctx context.Context) (Conn, error) {
		conn, err := pgx.ConnectConfig(ctx, cfg.Copy())
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return conn, nil
	}, nil
}
