package writer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/rickgao/binary-engine/internal/backoff"
	"github.com/rickgao/binary-engine/internal/model"
	"github.com/rickgao/binary-engine/internal/router"
)

const upsertTradeSQL = `
	INSERT INTO trades (id, account_id, instrument, direction, stake, entry_price, payout_percent,
		opened_at, expires_at, status, exit_price, payout, settled_at, audit)
	VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8, $9, $10,
		$11::numeric, $12::numeric, $13, $14)
	ON CONFLICT (id) DO UPDATE SET
		status = EXCLUDED.status,
		exit_price = EXCLUDED.exit_price,
		payout = EXCLUDED.payout,
		settled_at = EXCLUDED.settled_at,
		audit = EXCLUDED.audit
	WHERE trades.status = 'OPEN'
`

// tradeRow is a trade as bound to the trades table. Decimals are passed as text.
type tradeRow struct {
	ID            uuid.UUID
	AccountID     string
	Instrument    string
	Direction     string
	Stake         string
	EntryPrice    string
	PayoutPercent string
	OpenedAt      int64
	ExpiresAt     int64
	Status        string
	ExitPrice     *string
	Payout        *string
	SettledAt     *int64
	Audit         bool
}

// TradeWriter consumes trade snapshots and upserts them into the trades table.
// A settled row is never moved back to OPEN.
type TradeWriter struct {
	cfg    WriterConfig
	logger *slog.Logger

	// Trade snapshots from the settlement engine
	input *router.GrowableBuffer[model.Trade]

	// Database
	db *pgxpool.Pool

	// Batching
	batch       []tradeRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker
	attempt     int
	nextAttempt time.Time

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	metrics WriterMetrics
}

// NewTradeWriter creates a new TradeWriter.
func NewTradeWriter(
	cfg WriterConfig,
	input *router.GrowableBuffer[model.Trade],
	db *pgxpool.Pool,
	logger *slog.Logger,
) *TradeWriter {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &TradeWriter{
		cfg:    cfg,
		input:  input,
		db:     db,
		logger: logger.With("component", "trade_writer"),
		batch:  make([]tradeRow, 0, cfg.BatchSize),
	}
}

// RecordTrade queues a trade snapshot for persistence.
func (w *TradeWriter) RecordTrade(t model.Trade) {
	w.input.Send(t)
}

// Start begins consuming trades and writing to the database.
func (w *TradeWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	// Consumer goroutine
	w.wg.Add(1)
	go w.consumeLoop()

	// Flush ticker goroutine
	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("trade writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop gracefully shuts down the writer.
func (w *TradeWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping trade writer")

	if w.cancel != nil {
		w.cancel()
	}

	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	// Wait for goroutines
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("trade writer stopped")
	case <-ctx.Done():
		w.logger.Warn("trade writer stop timed out")
	}

	// Final flush, ignoring any retry delay
	for _, t := range w.input.DrainTo(0) {
		w.handleTrade(t)
	}
	w.batchMu.Lock()
	w.nextAttempt = time.Time{}
	w.batchMu.Unlock()
	w.flushCtx(ctx)

	return nil
}

// Stats returns current metrics.
func (w *TradeWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// consumeLoop reads from the input buffer and accumulates batches.
func (w *TradeWriter) consumeLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
			t, ok := w.input.TryReceive()
			if !ok {
				// Buffer empty, wait a bit before trying again
				select {
				case <-w.ctx.Done():
					return
				case <-time.After(10 * time.Millisecond):
					continue
				}
			}

			w.handleTrade(t)
		}
	}
}

// flushLoop periodically flushes the batch.
func (w *TradeWriter) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flush()
		}
	}
}

// handleTrade transforms and adds a trade to the batch.
func (w *TradeWriter) handleTrade(t model.Trade) {
	row := w.transform(t)

	w.batchMu.Lock()
	w.batch = append(w.batch, row)
	shouldFlush := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		w.flush()
	}
}

// transform converts a trade to a tradeRow.
func (w *TradeWriter) transform(t model.Trade) tradeRow {
	row := tradeRow{
		ID:            t.ID,
		AccountID:     t.AccountID,
		Instrument:    t.Instrument,
		Direction:     string(t.Direction),
		Stake:         t.Stake.String(),
		EntryPrice:    t.EntryPrice.String(),
		PayoutPercent: t.PayoutPercent.String(),
		OpenedAt:      t.OpenedAt,
		ExpiresAt:     t.ExpiresAt,
		Status:        string(t.Status),
		Audit:         t.Audit,
	}
	if t.ExitPrice != nil {
		s := t.ExitPrice.String()
		row.ExitPrice = &s
	}
	if t.Payout != nil {
		s := t.Payout.String()
		row.Payout = &s
	}
	if t.Status.Terminal() {
		settledAt := t.SettledAt
		row.SettledAt = &settledAt
	}
	return row
}

func (w *TradeWriter) flush() {
	w.flushCtx(w.ctx)
}

// flushCtx writes the current batch to the database. A failed batch goes
// back to the front of the queue and waits out a backoff delay.
func (w *TradeWriter) flushCtx(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 || w.db == nil || time.Now().Before(w.nextAttempt) {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]tradeRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	conflicts, err := w.batchUpsert(ctx, batch)
	if err != nil {
		w.batchMu.Lock()
		w.batch = append(batch, w.batch...)
		delay := backoff.Calculate(w.cfg.RetryBase, w.cfg.RetryMax, w.attempt)
		w.attempt++
		w.nextAttempt = time.Now().Add(delay)
		w.metrics.Errors++
		w.metrics.Retries++
		w.batchMu.Unlock()

		w.logger.Error("trade batch upsert failed", "error", err, "count", len(batch), "retry_in", delay)
		return
	}

	w.batchMu.Lock()
	w.attempt = 0
	w.nextAttempt = time.Time{}
	w.metrics.Inserts += int64(len(batch) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed trades",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchUpsert writes rows with pgx.Batch. A row that would revive a settled
// trade affects nothing and is counted as a conflict.
func (w *TradeWriter) batchUpsert(ctx context.Context, rows []tradeRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(upsertTradeSQL,
			r.ID, r.AccountID, r.Instrument, r.Direction, r.Stake, r.EntryPrice, r.PayoutPercent,
			r.OpenedAt, r.ExpiresAt, r.Status, r.ExitPrice, r.Payout, r.SettledAt, r.Audit,
		)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}

// LoadOpenTrades returns every trade still OPEN in the trades table.
func LoadOpenTrades(ctx context.Context, db *pgxpool.Pool) ([]model.Trade, error) {
	rows, err := db.Query(ctx, `
		SELECT id, account_id, instrument, direction, stake::text, entry_price::text,
			payout_percent::text, opened_at, expires_at
		FROM trades
		WHERE status = 'OPEN'
		ORDER BY expires_at
	`)
	if err != nil {
		return nil, fmt.Errorf("query open trades: %w", err)
	}
	defer rows.Close()

	var out []model.Trade
	for rows.Next() {
		var (
			t                         model.Trade
			direction                 string
			stake, entry, payoutRatio string
		)
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Instrument, &direction,
			&stake, &entry, &payoutRatio, &t.OpenedAt, &t.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan open trade: %w", err)
		}
		t.Direction = model.Direction(direction)
		t.Status = model.StatusOpen
		if t.Stake, err = decimal.NewFromString(stake); err != nil {
			return nil, fmt.Errorf("trade %s stake: %w", t.ID, err)
		}
		if t.EntryPrice, err = decimal.NewFromString(entry); err != nil {
			return nil, fmt.Errorf("trade %s entry price: %w", t.ID, err)
		}
		if t.PayoutPercent, err = decimal.NewFromString(payoutRatio); err != nil {
			return nil, fmt.Errorf("trade %s payout percent: %w", t.ID, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read open trades: %w", err)
	}
	return out, nil
}
