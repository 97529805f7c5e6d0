// Package postgres implements the budget and metering stores on PostgreSQL
// through a pgx connection pool. The schema lives in migrations/ and is
// applied with `warden migrate`.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alecgard/warden/internal/metrics"
)

// Connect opens a pool and verifies it with a ping.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// PoolStats reports pool statistics for the metrics registry.
func PoolStats(pool *pgxpool.Pool) metrics.DBStatsFunc {
	return func() metrics.DBStats {
		st := pool.Stat()
		return metrics.DBStats{
			Open:  st.TotalConns(),
			Idle:  st.IdleConns(),
			InUse: st.AcquiredConns(),
			Waits: st.EmptyAcquireCount(),
		}
	}
}

// parseDecimal converts NUMERIC columns selected as text.
func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parsing numeric %q: %w", s, err)
	}
	return d, nil
}
