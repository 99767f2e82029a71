package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/rickgao/binary-engine/internal/model"
)

const insertCandleSQL = `
	INSERT INTO candles (instrument, timeframe_ms, bucket_start, open, high, low, close, volume)
	VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7::numeric, $8)
	ON CONFLICT (instrument, timeframe_ms, bucket_start) DO NOTHING
`

const selectCandlesSQL = `
	SELECT bucket_start, open::text, high::text, low::text, close::text, volume
	FROM candles
	WHERE instrument = $1 AND timeframe_ms = $2 AND bucket_start >= $3 AND bucket_start < $4
	ORDER BY bucket_start
`

const selectLatestCandleSQL = `
	SELECT bucket_start, open::text, high::text, low::text, close::text, volume
	FROM candles
	WHERE instrument = $1 AND timeframe_ms = $2
	ORDER BY bucket_start DESC
	LIMIT 1
`

// Timescale stores candles in the candles table created by database.EnsureSchema.
type Timescale struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewTimescale creates a backend on an existing pool. The pool is owned by the caller.
func NewTimescale(pool *pgxpool.Pool, logger *slog.Logger) *Timescale {
	if logger == nil {
		logger = slog.Default()
	}
	return &Timescale{pool: pool, logger: logger.With("component", "timescale_candles")}
}

// InsertCandles implements Durable using pgx.Batch with ON CONFLICT DO NOTHING.
// Rows that hit an existing key are re-read and compared.
func (t *Timescale) InsertCandles(ctx context.Context, candles []model.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, c := range candles {
		if err := ValidateCandle(c); err != nil {
			return err
		}
		batch.Queue(insertCandleSQL,
			c.Instrument, c.Timeframe.Millis(), c.BucketStart,
			c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(), c.Volume,
		)
	}

	var existing []model.Candle
	results := t.pool.SendBatch(ctx, batch)
	for _, c := range candles {
		ct, err := results.Exec()
		if err != nil {
			results.Close()
			return fmt.Errorf("insert candles: %w", err)
		}
		if ct.RowsAffected() == 0 {
			existing = append(existing, c)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("insert candles: %w", err)
	}

	var conflicts []model.Candle
	for _, c := range existing {
		stored, err := t.QueryCandles(ctx, c.Instrument, c.Timeframe, Range{From: c.BucketStart, To: c.BucketEnd()})
		if err != nil {
			return err
		}
		if len(stored) != 1 || !stored[0].SameContent(c) {
			conflicts = append(conflicts, c)
		}
	}
	if len(existing) > 0 {
		t.logger.Debug("candle insert hit existing rows",
			"existing", len(existing),
			"conflicts", len(conflicts),
		)
	}
	return conflictError(conflicts)
}

// QueryCandles implements Durable.
func (t *Timescale) QueryCandles(ctx context.Context, instrument string, tf model.Timeframe, r Range) ([]model.Candle, error) {
	rows, err := t.pool.Query(ctx, selectCandlesSQL, instrument, tf.Millis(), r.From, r.To)
	if err != nil {
		return nil, fmt.Errorf("query candles: %w", err)
	}
	defer rows.Close()

	var out []model.Candle
	for rows.Next() {
		var (
			start      int64
			o, h, l, c string
			volume     int64
		)
		if err := rows.Scan(&start, &o, &h, &l, &c, &volume); err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		candle, err := candleFromText(instrument, tf, start, [4]string{o, h, l, c}, volume)
		if err != nil {
			return nil, err
		}
		out = append(out, candle)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read candles: %w", err)
	}
	return out, nil
}

// LatestCandle implements Durable.
func (t *Timescale) LatestCandle(ctx context.Context, instrument string, tf model.Timeframe) (model.Candle, bool, error) {
	var (
		start      int64
		o, h, l, c string
		volume     int64
	)
	err := t.pool.QueryRow(ctx, selectLatestCandleSQL, instrument, tf.Millis()).Scan(&start, &o, &h, &l, &c, &volume)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Candle{}, false, nil
	}
	if err != nil {
		return model.Candle{}, false, fmt.Errorf("query latest candle: %w", err)
	}
	candle, err := candleFromText(instrument, tf, start, [4]string{o, h, l, c}, volume)
	if err != nil {
		return model.Candle{}, false, err
	}
	return candle, true, nil
}

// Close implements Durable. The pool is closed by its owner.
func (t *Timescale) Close() error { return nil }

// candleFromText builds a candle from OHLC prices rendered as text.
func candleFromText(instrument string, tf model.Timeframe, start int64, ohlc [4]string, volume int64) (model.Candle, error) {
	var prices [4]decimal.Decimal
	for i, s := range ohlc {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return model.Candle{}, fmt.Errorf("parse candle price %q: %w", s, err)
		}
		prices[i] = d
	}
	return model.Candle{
		Instrument:  instrument,
		Timeframe:   tf,
		BucketStart: start,
		Open:        prices[0],
		High:        prices[1],
		Low:         prices[2],
		Close:       prices[3],
		Volume:      volume,
		Closed:      true,
	}, nil
}
