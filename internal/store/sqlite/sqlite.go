// Package sqlite implements the budget and metering stores on an embedded
// SQLite database for single-node deployments. Money is stored as integer
// nano-units so that usage increments stay exact inside SQL.
package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/alecgard/warden/internal/metrics"
)

const schema = `
CREATE TABLE IF NOT EXISTS tenant_budgets (
	tenant_id  TEXT PRIMARY KEY,
	override   TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tenant_api_keys (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	name       TEXT NOT NULL DEFAULT '',
	key_prefix TEXT NOT NULL,
	key_hash   TEXT NOT NULL UNIQUE,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tenant_api_keys_tenant ON tenant_api_keys (tenant_id, created_at);

CREATE TABLE IF NOT EXISTS budget_usage (
	tenant_id          TEXT NOT NULL,
	agent_type         TEXT NOT NULL DEFAULT '',
	daily_cost         INTEGER NOT NULL DEFAULT 0,
	monthly_cost       INTEGER NOT NULL DEFAULT 0,
	daily_tokens       INTEGER NOT NULL DEFAULT 0,
	monthly_tokens     INTEGER NOT NULL DEFAULT 0,
	daily_executions   INTEGER NOT NULL DEFAULT 0,
	monthly_executions INTEGER NOT NULL DEFAULT 0,
	daily_reset_date   INTEGER NOT NULL,
	monthly_reset_date INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, agent_type)
);

CREATE TABLE IF NOT EXISTS executions (
	id             TEXT PRIMARY KEY,
	tenant_id      TEXT NOT NULL DEFAULT '',
	agent_type     TEXT NOT NULL,
	status         TEXT NOT NULL,
	chosen_model   TEXT NOT NULL DEFAULT '',
	error_kind     TEXT NOT NULL DEFAULT '',
	error_message  TEXT NOT NULL DEFAULT '',
	input_tokens   INTEGER NOT NULL DEFAULT 0,
	output_tokens  INTEGER NOT NULL DEFAULT 0,
	total_cost     INTEGER NOT NULL DEFAULT 0,
	attempt_count  INTEGER NOT NULL DEFAULT 0,
	short_circuits INTEGER NOT NULL DEFAULT 0,
	attempts       TEXT NOT NULL DEFAULT '[]',
	duration_ms    INTEGER NOT NULL DEFAULT 0,
	created_at     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_executions_created ON executions (created_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_executions_tenant_created ON executions (tenant_id, created_at DESC);
`

// Open opens or creates the database at path and ensures the schema.
func Open(path string) (*sql.DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time; the upserts rely on it.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite db: %w", err)
	}
	return db, nil
}

// PoolStats reports database/sql pool statistics for the metrics
// registry.
func PoolStats(db *sql.DB) metrics.DBStatsFunc {
	return func() metrics.DBStats {
		st := db.Stats()
		return metrics.DBStats{
			Open:  int32(st.OpenConnections),
			Idle:  int32(st.Idle),
			InUse: int32(st.InUse),
			Waits: st.WaitCount,
		}
	}
}

const nanoExp = 9

func toNanos(d decimal.Decimal) int64 {
	return d.Shift(nanoExp).Round(0).IntPart()
}

func fromNanos(n int64) decimal.Decimal {
	return decimal.New(n, -nanoExp)
}
