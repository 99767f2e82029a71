package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/binary-engine/internal/backoff"
	"github.com/rickgao/binary-engine/internal/metrics"
	"github.com/rickgao/binary-engine/internal/model"
	"github.com/rickgao/binary-engine/internal/router"
	"github.com/rickgao/binary-engine/internal/storage"
)

// CandleWriter persists closed candles to a durable store.
//
// A failed batch is kept and retried with capped exponential backoff while
// new candles keep queueing in the input buffer. The first failure marks
// storage degraded; the first successful flush clears it.
type CandleWriter struct {
	cfg     WriterConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	input *router.GrowableBuffer[model.Candle]
	store storage.Durable

	batch       []model.Candle
	attempt     int
	nextAttempt time.Time

	degraded   atomic.Bool
	onDegraded func(degraded bool)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	statsMu sync.Mutex
	stats   WriterMetrics
}

// NewCandleWriter creates a writer draining input into store.
func NewCandleWriter(
	cfg WriterConfig,
	input *router.GrowableBuffer[model.Candle],
	store storage.Durable,
	m *metrics.Metrics,
	logger *slog.Logger,
) *CandleWriter {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &CandleWriter{
		cfg:     cfg,
		logger:  logger.With("component", "candle_writer"),
		metrics: metrics.OrDiscard(m),
		input:   input,
		store:   store,
		batch:   make([]model.Candle, 0, cfg.BatchSize),
	}
}

// OnDegraded registers a hook called whenever the degraded flag flips.
// Must be called before Start.
func (w *CandleWriter) OnDegraded(fn func(degraded bool)) {
	w.onDegraded = fn
}

// CandleUpdated implements candle.Sink. In-progress candles are not stored.
func (w *CandleWriter) CandleUpdated(model.Candle) {}

// CandleClosed implements candle.Sink by queueing the candle.
func (w *CandleWriter) CandleClosed(c model.Candle) {
	w.input.Send(c)
}

// Degraded reports whether the last flush failed.
func (w *CandleWriter) Degraded() bool {
	return w.degraded.Load()
}

// Start begins consuming candles.
func (w *CandleWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.run()

	w.logger.Info("candle writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop ends the loop and makes one last flush of everything queued.
func (w *CandleWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping candle writer")

	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("candle writer stop timed out")
		return ctx.Err()
	}

	w.batch = append(w.batch, w.input.DrainTo(0)...)
	if len(w.batch) > 0 {
		if err := w.write(ctx); err != nil {
			w.logger.Error("final candle flush failed", "error", err, "count", len(w.batch))
			return err
		}
	}
	w.logger.Info("candle writer stopped")
	return nil
}

// Stats returns current metrics.
func (w *CandleWriter) Stats() WriterMetrics {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	return w.stats
}

func (w *CandleWriter) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		if room := w.cfg.BatchSize - len(w.batch); room > 0 {
			w.batch = append(w.batch, w.input.DrainTo(room)...)
		}
		if len(w.batch) >= w.cfg.BatchSize {
			w.flush()
		}

		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flush()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// flush writes the batch unless a retry delay is pending.
func (w *CandleWriter) flush() {
	if len(w.batch) == 0 || time.Now().Before(w.nextAttempt) {
		return
	}
	if err := w.write(w.ctx); err != nil && w.ctx.Err() == nil {
		delay := backoff.Calculate(w.cfg.RetryBase, w.cfg.RetryMax, w.attempt)
		w.attempt++
		w.nextAttempt = time.Now().Add(delay)

		w.statsMu.Lock()
		w.stats.Retries++
		w.statsMu.Unlock()

		w.logger.Warn("candle flush failed, retrying",
			"error", err,
			"count", len(w.batch),
			"attempt", w.attempt,
			"retry_in", delay,
		)
	}
}

// write sends the batch once. The batch is cleared unless the failure is
// one a retry can fix.
func (w *CandleWriter) write(ctx context.Context) error {
	w.dropInvalid()
	if len(w.batch) == 0 {
		w.reset()
		return nil
	}

	start := time.Now()
	err := w.store.InsertCandles(ctx, w.batch)
	w.metrics.WriterFlushSeconds.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		w.record(len(w.batch), 0)
		w.reset()
		w.setDegraded(false, nil)
		return nil

	case errors.Is(err, model.ErrCandleConflict), errors.Is(err, model.ErrValidation):
		// Storage answered; retrying cannot change the outcome.
		w.logger.Error("candle batch rejected", "error", err, "count", len(w.batch))
		w.record(0, 1)
		w.reset()
		w.setDegraded(false, nil)
		return nil

	default:
		w.metrics.WriterErrors.Inc()
		w.statsMu.Lock()
		w.stats.Errors++
		w.statsMu.Unlock()
		w.setDegraded(true, err)
		return err
	}
}

// dropInvalid removes candles no backend would accept so the rest of the
// batch is still written.
func (w *CandleWriter) dropInvalid() {
	kept := w.batch[:0]
	for _, c := range w.batch {
		if err := storage.ValidateCandle(c); err != nil {
			w.logger.Error("invalid candle dropped",
				"instrument", c.Instrument,
				"timeframe", c.Timeframe.String(),
				"bucket_start", c.BucketStart,
				"error", err,
			)
			w.statsMu.Lock()
			w.stats.Rejected++
			w.statsMu.Unlock()
			continue
		}
		kept = append(kept, c)
	}
	clear(w.batch[len(kept):])
	w.batch = kept
}

func (w *CandleWriter) record(inserts, conflicts int) {
	w.metrics.WriterBatches.Inc()
	w.statsMu.Lock()
	w.stats.Inserts += int64(inserts)
	w.stats.Conflicts += int64(conflicts)
	w.stats.Flushes++
	w.statsMu.Unlock()
}

func (w *CandleWriter) reset() {
	w.batch = w.batch[:0]
	w.attempt = 0
	w.nextAttempt = time.Time{}
}

func (w *CandleWriter) setDegraded(degraded bool, cause error) {
	if w.degraded.Swap(degraded) == degraded {
		return
	}
	if degraded {
		w.metrics.StorageDegraded.Set(1)
		w.logger.Error("candle storage degraded",
			"error", fmt.Errorf("%w: %w", model.ErrStorageDegraded, cause),
			"pending", len(w.batch)+w.input.Len(),
		)
	} else {
		w.metrics.StorageDegraded.Set(0)
		w.logger.Info("candle storage recovered")
	}
	if w.onDegraded != nil {
		w.onDegraded(degraded)
	}
}
