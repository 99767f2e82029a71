package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaStatements are applied in order. Each is safe to re-run.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS candles (
		instrument   TEXT    NOT NULL,
		timeframe_ms BIGINT  NOT NULL,
		bucket_start BIGINT  NOT NULL,
		open         NUMERIC NOT NULL,
		high         NUMERIC NOT NULL,
		low          NUMERIC NOT NULL,
		close        NUMERIC NOT NULL,
		volume       BIGINT  NOT NULL,
		PRIMARY KEY (instrument, timeframe_ms, bucket_start)
	)`,
	`CREATE TABLE IF NOT EXISTS trades (
		id             UUID PRIMARY KEY,
		account_id     TEXT    NOT NULL,
		instrument     TEXT    NOT NULL,
		direction      TEXT    NOT NULL,
		stake          NUMERIC NOT NULL,
		entry_price    NUMERIC NOT NULL,
		payout_percent NUMERIC NOT NULL,
		opened_at      BIGINT  NOT NULL,
		expires_at     BIGINT  NOT NULL,
		status         TEXT    NOT NULL,
		exit_price     NUMERIC,
		payout         NUMERIC,
		settled_at     BIGINT,
		audit          BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS trades_open_idx ON trades (expires_at) WHERE status = 'OPEN'`,
}

// hypertableStatement converts candles into a hypertable when the
// timescaledb extension is present. Plain PostgreSQL skips it.
const hypertableStatement = `DO $$
BEGIN
	IF EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'timescaledb') THEN
		PERFORM create_hypertable('candles', 'bucket_start',
			chunk_time_interval => 86400000, if_not_exists => TRUE, migrate_data => TRUE);
	END IF;
END $$`

// EnsureSchema creates the candles and trades tables if missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	if _, err := pool.Exec(ctx, hypertableStatement); err != nil {
		return fmt.Errorf("create hypertable: %w", err)
	}
	return nil
}
