package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/glebarez/go-sqlite"
	"github.com/jmoiron/sqlx"

	"github.com/rickgao/binary-engine/internal/model"
)

var sqlitePragmas = []string{
	"PRAGMA journal_mode=WAL;",
	"PRAGMA synchronous=NORMAL;",
	"PRAGMA busy_timeout=5000;",
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS candles (
	instrument   TEXT    NOT NULL,
	timeframe_ms INTEGER NOT NULL,
	bucket_start INTEGER NOT NULL,
	open         TEXT    NOT NULL,
	high         TEXT    NOT NULL,
	low          TEXT    NOT NULL,
	close        TEXT    NOT NULL,
	volume       INTEGER NOT NULL,
	PRIMARY KEY (instrument, timeframe_ms, bucket_start)
)`

type sqliteCandle struct {
	BucketStart int64  `db:"bucket_start"`
	Open        string `db:"open"`
	High        string `db:"high"`
	Low         string `db:"low"`
	Close       string `db:"close"`
	Volume      int64  `db:"volume"`
}

// SQLite stores candles in a single-node database file.
type SQLite struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// OpenSQLite opens (and creates if needed) the database at path.
func OpenSQLite(path string, logger *slog.Logger) (*SQLite, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range sqlitePragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create candles table: %w", err)
	}

	return &SQLite{db: db, logger: logger.With("component", "sqlite_candles")}, nil
}

// InsertCandles implements Durable in one transaction.
func (s *SQLite) InsertCandles(ctx context.Context, candles []model.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	for _, c := range candles {
		if err := ValidateCandle(c); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin candle insert: %w", err)
	}
	defer tx.Rollback()

	var existing []model.Candle
	for _, c := range candles {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO candles (instrument, timeframe_ms, bucket_start, open, high, low, close, volume)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (instrument, timeframe_ms, bucket_start) DO NOTHING
		`, c.Instrument, c.Timeframe.Millis(), c.BucketStart,
			c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(), c.Volume)
		if err != nil {
			return fmt.Errorf("insert candle: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			existing = append(existing, c)
		}
	}

	var conflicts []model.Candle
	for _, c := range existing {
		var row sqliteCandle
		err := tx.GetContext(ctx, &row, `
			SELECT bucket_start, open, high, low, close, volume FROM candles
			WHERE instrument = ? AND timeframe_ms = ? AND bucket_start = ?
		`, c.Instrument, c.Timeframe.Millis(), c.BucketStart)
		if err != nil {
			return fmt.Errorf("read existing candle: %w", err)
		}
		stored, err := row.candle(c.Instrument, c.Timeframe)
		if err != nil {
			return err
		}
		if !stored.SameContent(c) {
			conflicts = append(conflicts, c)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit candle insert: %w", err)
	}
	return conflictError(conflicts)
}

// QueryCandles implements Durable.
func (s *SQLite) QueryCandles(ctx context.Context, instrument string, tf model.Timeframe, r Range) ([]model.Candle, error) {
	var rows []sqliteCandle
	err := s.db.SelectContext(ctx, &rows, `
		SELECT bucket_start, open, high, low, close, volume FROM candles
		WHERE instrument = ? AND timeframe_ms = ? AND bucket_start >= ? AND bucket_start < ?
		ORDER BY bucket_start
	`, instrument, tf.Millis(), r.From, r.To)
	if err != nil {
		return nil, fmt.Errorf("query candles: %w", err)
	}

	out := make([]model.Candle, 0, len(rows))
	for _, row := range rows {
		c, err := row.candle(instrument, tf)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// LatestCandle implements Durable.
func (s *SQLite) LatestCandle(ctx context.Context, instrument string, tf model.Timeframe) (model.Candle, bool, error) {
	var rows []sqliteCandle
	err := s.db.SelectContext(ctx, &rows, `
		SELECT bucket_start, open, high, low, close, volume FROM candles
		WHERE instrument = ? AND timeframe_ms = ?
		ORDER BY bucket_start DESC LIMIT 1
	`, instrument, tf.Millis())
	if err != nil {
		return model.Candle{}, false, fmt.Errorf("query latest candle: %w", err)
	}
	if len(rows) == 0 {
		return model.Candle{}, false, nil
	}
	c, err := rows[0].candle(instrument, tf)
	if err != nil {
		return model.Candle{}, false, err
	}
	return c, true, nil
}

// Close implements Durable.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (r sqliteCandle) candle(instrument string, tf model.Timeframe) (model.Candle, error) {
	return candleFromText(instrument, tf, r.BucketStart, [4]string{r.Open, r.High, r.Low, r.Close}, r.Volume)
}
