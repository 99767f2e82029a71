package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/rickgao/binary-engine/internal/feed"
	"github.com/rickgao/binary-engine/internal/metrics"
	"github.com/rickgao/binary-engine/internal/model"
)

// Config holds output buffer sizes.
type Config struct {
	CandleBufferSize     int
	SettlementBufferSize int
	PriceBufferSize      int
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		CandleBufferSize:     5000,
		SettlementBufferSize: 1000,
		PriceBufferSize:      1000,
	}
}

// Buffers provides access to output buffers for consumers.
type Buffers struct {
	Candle     *GrowableBuffer[model.PriceTick] // candle aggregator
	Settlement *GrowableBuffer[model.PriceTick] // settlement engine expiry checks
	Price      *GrowableBuffer[model.PriceTick] // hub price:update
}

// Stats contains runtime statistics.
type Stats struct {
	MessagesReceived int64
	TicksRouted      int64
	Duplicates       int64
	ParseErrors      int64
	Ignored          int64
	CandleBuffer     BufferStats
	SettlementBuffer BufferStats
	PriceBuffer      BufferStats
}

// TickRecorder stores routed ticks for price lookups.
type TickRecorder interface {
	Record(tick model.PriceTick)
}

// FeedObserver tracks per-instrument feed liveness.
type FeedObserver interface {
	ObserveTick(symbol string)
}

// Router normalizes raw feed messages and fans ticks out to consumers.
type Router struct {
	cfg        Config
	normalizer *feed.Normalizer
	book       TickRecorder
	liveness   FeedObserver
	metrics    *metrics.Metrics
	logger     *slog.Logger

	input <-chan feed.RawMessage

	candleBuf     *GrowableBuffer[model.PriceTick]
	settlementBuf *GrowableBuffer[model.PriceTick]
	priceBuf      *GrowableBuffer[model.PriceTick]

	// Previous tick per instrument, for duplicate detection.
	// Only touched by the route goroutine.
	last map[string]model.PriceTick

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.RWMutex
	received    int64
	routed      int64
	duplicates  int64
	parseErrors int64
	ignored     int64
}

// NewRouter creates a router. book and liveness may be nil.
func NewRouter(cfg Config, input <-chan feed.RawMessage, normalizer *feed.Normalizer,
	book TickRecorder, liveness FeedObserver, m *metrics.Metrics, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}

	return &Router{
		cfg:           cfg,
		normalizer:    normalizer,
		book:          book,
		liveness:      liveness,
		metrics:       metrics.OrDiscard(m),
		logger:        logger.With("component", "router"),
		input:         input,
		candleBuf:     NewGrowableBuffer[model.PriceTick](cfg.CandleBufferSize),
		settlementBuf: NewGrowableBuffer[model.PriceTick](cfg.SettlementBufferSize),
		priceBuf:      NewGrowableBuffer[model.PriceTick](cfg.PriceBufferSize),
		last:          make(map[string]model.PriceTick),
	}
}

// Start begins routing messages.
func (r *Router) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.routeLoop()

	r.logger.Info("router started",
		"format", r.normalizer.Format(),
		"candle_buffer", r.cfg.CandleBufferSize,
		"settlement_buffer", r.cfg.SettlementBufferSize,
		"price_buffer", r.cfg.PriceBufferSize,
	)
	return nil
}

// Stop shuts down the router and closes the output buffers so consumers
// drain and exit.
func (r *Router) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("router stopped")
	case <-ctx.Done():
		r.logger.Warn("router stop timed out")
	}

	r.candleBuf.Close()
	r.settlementBuf.Close()
	r.priceBuf.Close()
	return nil
}

// Buffers returns output buffers for consumers.
func (r *Router) Buffers() Buffers {
	return Buffers{
		Candle:     r.candleBuf,
		Settlement: r.settlementBuf,
		Price:      r.priceBuf,
	}
}

// Stats returns current statistics.
func (r *Router) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Stats{
		MessagesReceived: r.received,
		TicksRouted:      r.routed,
		Duplicates:       r.duplicates,
		ParseErrors:      r.parseErrors,
		Ignored:          r.ignored,
		CandleBuffer:     r.candleBuf.Stats(),
		SettlementBuffer: r.settlementBuf.Stats(),
		PriceBuffer:      r.priceBuf.Stats(),
	}
}

func (r *Router) routeLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case raw, ok := <-r.input:
			if !ok {
				r.logger.Info("input channel closed")
				return
			}
			r.route(raw)
		}
	}
}

// route normalizes one message and hands the tick to every consumer.
// The book is updated before the settlement buffer sees the tick.
func (r *Router) route(raw feed.RawMessage) {
	r.count(&r.received)

	tick, err := r.normalizer.Normalize(raw.Data, raw.ReceivedAt)
	if err != nil {
		if errors.Is(err, feed.ErrNotPrice) {
			r.count(&r.ignored)
			return
		}
		r.logger.Warn("failed to normalize message", "error", err)
		r.count(&r.parseErrors)
		r.metrics.TickParseErrors.Inc()
		return
	}

	if prev, ok := r.last[tick.Instrument]; ok &&
		prev.Timestamp == tick.Timestamp && prev.Price.Equal(tick.Price) {
		r.count(&r.duplicates)
		r.metrics.TickDuplicates.Inc()
		return
	}
	r.last[tick.Instrument] = tick

	if r.book != nil {
		r.book.Record(tick)
	}
	if r.liveness != nil {
		r.liveness.ObserveTick(tick.Instrument)
	}

	sent := r.candleBuf.Send(tick)
	sent = r.settlementBuf.Send(tick) && sent
	sent = r.priceBuf.Send(tick) && sent
	if sent {
		r.count(&r.routed)
		r.metrics.TicksRouted.Inc()
	}
}

func (r *Router) count(field *int64) {
	r.mu.Lock()
	*field++
	r.mu.Unlock()
}
