package candle

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rickgao/binary-engine/internal/metrics"
	"github.com/rickgao/binary-engine/internal/model"
	"github.com/rickgao/binary-engine/internal/router"
)

// Sink receives aggregator output. Implementations must not block.
type Sink interface {
	CandleUpdated(c model.Candle)
	CandleClosed(c model.Candle)
}

// GapSink is an optional Sink extension. A sink implementing it receives
// the flat candles of a filled gap in one call instead of one CandleClosed
// per bucket.
type GapSink interface {
	GapFilled(filled []model.Candle)
}

// Sinks fans output to several sinks in order.
type Sinks []Sink

// CandleUpdated implements Sink.
func (s Sinks) CandleUpdated(c model.Candle) {
	for _, sink := range s {
		sink.CandleUpdated(c)
	}
}

// CandleClosed implements Sink.
func (s Sinks) CandleClosed(c model.Candle) {
	for _, sink := range s {
		sink.CandleClosed(c)
	}
}

// GapFilled implements GapSink.
func (s Sinks) GapFilled(filled []model.Candle) {
	for _, sink := range s {
		emitFilled(sink, filled)
	}
}

func emitFilled(sink Sink, filled []model.Candle) {
	if g, ok := sink.(GapSink); ok {
		g.GapFilled(filled)
		return
	}
	for _, c := range filled {
		sink.CandleClosed(c)
	}
}

// Config holds aggregation settings.
type Config struct {
	Timeframes     []model.Timeframe
	Tolerance      time.Duration // out-of-order window after a bucket ends
	UpdateInterval time.Duration // minimum spacing of candle updates per series
	MaxFill        int           // flat candles synthesized per gap, 0 disables filling
	AdvanceEvery   time.Duration // wall-clock close check, 0 disables
	ClockSkew      time.Duration // Advance treats the wall clock as this far ahead of the feed
}

// Stats contains runtime statistics.
type Stats struct {
	Ticks       int64
	LateDropped int64
	Closed      int64
	Filled      int64
}

// bucket is one open candle plus the tick-time span that built it.
type bucket struct {
	c       model.Candle
	firstTS int64
	lastTS  int64
}

type series struct {
	tf         model.Timeframe
	open       []*bucket // ascending by BucketStart
	lastClosed *model.Candle
	limiter    *rate.Limiter
}

type instrumentState struct {
	watermark int64
	series    []*series
}

// Aggregator folds ticks into candles.
type Aggregator struct {
	cfg     Config
	input   *router.GrowableBuffer[model.PriceTick]
	sink    Sink
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu          sync.Mutex
	instruments map[string]*instrumentState
	clock       int64 // wall-clock watermark from Advance, ms
	stats       Stats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAggregator creates an aggregator reading from input.
func NewAggregator(cfg Config, input *router.GrowableBuffer[model.PriceTick], sink Sink, m *metrics.Metrics, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = 250 * time.Millisecond
	}
	tfs := append([]model.Timeframe(nil), cfg.Timeframes...)
	sort.Slice(tfs, func(i, j int) bool { return tfs[i] < tfs[j] })
	cfg.Timeframes = tfs

	return &Aggregator{
		cfg:         cfg,
		input:       input,
		sink:        sink,
		metrics:     metrics.OrDiscard(m),
		logger:      logger.With("component", "candle_aggregator"),
		instruments: make(map[string]*instrumentState),
	}
}

// Start consumes the input buffer until it is closed or ctx ends.
func (a *Aggregator) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.consume()
	}()

	if a.cfg.AdvanceEvery > 0 {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.clockLoop()
		}()
	}

	a.logger.Info("candle aggregator started",
		"timeframes", len(a.cfg.Timeframes),
		"tolerance", a.cfg.Tolerance,
	)
	return nil
}

// Stop waits for the consumer to drain. The input buffer must be closed
// first (the router does this on Stop) or the wait ends at ctx.
func (a *Aggregator) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.logger.Info("candle aggregator stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Aggregator) consume() {
	for {
		batch := a.input.ReceiveBatch(256)
		if batch == nil {
			return
		}
		for _, tick := range batch {
			a.Process(tick)
		}
	}
}

func (a *Aggregator) clockLoop() {
	ticker := time.NewTicker(a.cfg.AdvanceEvery)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case now := <-ticker.C:
			a.Advance(now)
		}
	}
}

// Stats returns current statistics.
func (a *Aggregator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Current returns the newest open candle of a series.
func (a *Aggregator) Current(instrument string, tf model.Timeframe) (model.Candle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.instruments[instrument]
	if !ok {
		return model.Candle{}, false
	}
	for _, s := range st.series {
		if s.tf == tf && len(s.open) > 0 {
			return s.open[len(s.open)-1].c, true
		}
	}
	return model.Candle{}, false
}

// Prime seeds a series with its last stored candle so the first close after
// a restart fills the buckets missed while the engine was down. A candle no
// newer than the series' last close, or for an unconfigured timeframe, is
// ignored.
func (a *Aggregator) Prime(c model.Candle) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.state(c.Instrument)
	for _, s := range st.series {
		if s.tf != c.Timeframe {
			continue
		}
		if s.lastClosed != nil && s.lastClosed.BucketStart >= c.BucketStart {
			return
		}
		c.Closed = true
		s.lastClosed = &c
		return
	}
}

// Process folds one tick into every timeframe.
func (a *Aggregator) Process(tick model.PriceTick) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stats.Ticks++
	st := a.state(tick.Instrument)
	if tick.Timestamp > st.watermark {
		st.watermark = tick.Timestamp
	}
	wm := max(st.watermark, a.clock)

	for _, s := range st.series {
		a.finalize(tick.Instrument, s, wm)

		start := s.tf.Floor(tick.Timestamp)
		if a.isLate(s, start, wm) {
			a.stats.LateDropped++
			a.metrics.LateTicksDropped.Inc()
			a.logger.Debug("late tick dropped",
				"instrument", tick.Instrument,
				"timeframe", s.tf.String(),
				"ts", tick.Timestamp,
				"watermark", wm,
			)
			continue
		}
		a.fold(tick, s, start)

		// The tick itself may have closed its predecessor.
		a.finalize(tick.Instrument, s, wm)
	}
}

// Advance closes every bucket whose window plus tolerance has passed at
// now minus ClockSkew.
func (a *Aggregator) Advance(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ms := now.Add(-a.cfg.ClockSkew).UnixMilli()
	if ms > a.clock {
		a.clock = ms
	}
	for instrument, st := range a.instruments {
		wm := max(st.watermark, a.clock)
		for _, s := range st.series {
			a.finalize(instrument, s, wm)
		}
	}
}

func (a *Aggregator) state(instrument string) *instrumentState {
	st, ok := a.instruments[instrument]
	if ok {
		return st
	}
	st = &instrumentState{series: make([]*series, len(a.cfg.Timeframes))}
	for i, tf := range a.cfg.Timeframes {
		st.series[i] = &series{
			tf:      tf,
			limiter: rate.NewLimiter(rate.Every(a.cfg.UpdateInterval), 1),
		}
	}
	a.instruments[instrument] = st
	return st
}

// isLate reports whether a tick for bucket start can no longer be accepted.
func (a *Aggregator) isLate(s *series, start, wm int64) bool {
	if s.lastClosed != nil && start <= s.lastClosed.BucketStart {
		return true
	}
	return start+s.tf.Millis()+a.cfg.Tolerance.Milliseconds() <= wm
}

func (a *Aggregator) fold(tick model.PriceTick, s *series, start int64) {
	i := sort.Search(len(s.open), func(i int) bool { return s.open[i].c.BucketStart >= start })
	if i < len(s.open) && s.open[i].c.BucketStart == start {
		b := s.open[i]
		c := &b.c
		if tick.Price.GreaterThan(c.High) {
			c.High = tick.Price
		}
		if tick.Price.LessThan(c.Low) {
			c.Low = tick.Price
		}
		if tick.Timestamp >= b.lastTS {
			c.Close = tick.Price
			b.lastTS = tick.Timestamp
		}
		if tick.Timestamp < b.firstTS {
			c.Open = tick.Price
			b.firstTS = tick.Timestamp
		}
		c.Volume++
		if s.limiter.AllowN(time.UnixMilli(tick.Timestamp), 1) {
			a.sink.CandleUpdated(*c)
		}
		return
	}

	b := &bucket{
		c: model.Candle{
			Instrument:  tick.Instrument,
			Timeframe:   s.tf,
			BucketStart: start,
			Open:        tick.Price,
			High:        tick.Price,
			Low:         tick.Price,
			Close:       tick.Price,
			Volume:      1,
		},
		firstTS: tick.Timestamp,
		lastTS:  tick.Timestamp,
	}
	s.open = append(s.open, nil)
	copy(s.open[i+1:], s.open[i:])
	s.open[i] = b

	// A new bucket is always published; it also spends the limiter token.
	s.limiter.AllowN(time.UnixMilli(tick.Timestamp), 1)
	a.sink.CandleUpdated(b.c)
}

// finalize closes open buckets from the oldest while their window plus
// tolerance is behind wm.
func (a *Aggregator) finalize(instrument string, s *series, wm int64) {
	tol := a.cfg.Tolerance.Milliseconds()
	width := s.tf.Millis()

	for len(s.open) > 0 {
		b := s.open[0]
		if b.c.BucketStart+width+tol > wm {
			return
		}
		s.open[0] = nil
		s.open = s.open[1:]

		a.fill(instrument, s, b.c.BucketStart)

		closed := b.c
		closed.Closed = true
		a.emitClosed(s, closed)
	}
}

// fill emits flat candles between the last closed bucket and next,
// keeping at most MaxFill of them nearest to next.
func (a *Aggregator) fill(instrument string, s *series, next int64) {
	if s.lastClosed == nil || a.cfg.MaxFill <= 0 {
		return
	}
	width := s.tf.Millis()
	from := s.lastClosed.BucketStart + width
	if from >= next {
		return
	}

	missing := (next - from) / width
	if missing > int64(a.cfg.MaxFill) {
		a.logger.Warn("gap exceeds max fill, older buckets left empty",
			"instrument", instrument,
			"timeframe", s.tf.String(),
			"missing", missing,
			"max_fill", a.cfg.MaxFill,
		)
		from = next - int64(a.cfg.MaxFill)*width
	}

	price := s.lastClosed.Close
	filled := make([]model.Candle, 0, (next-from)/width)
	for start := from; start < next; start += width {
		filled = append(filled, model.Candle{
			Instrument:  instrument,
			Timeframe:   s.tf,
			BucketStart: start,
			Open:        price,
			High:        price,
			Low:         price,
			Close:       price,
			Closed:      true,
		})
	}

	n := len(filled)
	last := filled[n-1]
	s.lastClosed = &last
	a.stats.Filled += int64(n)
	a.stats.Closed += int64(n)
	a.metrics.CandlesFilled.Add(float64(n))
	a.metrics.CandlesClosed.WithLabelValues(s.tf.String()).Add(float64(n))
	emitFilled(a.sink, filled)
}

func (a *Aggregator) emitClosed(s *series, c model.Candle) {
	s.lastClosed = &c
	a.stats.Closed++
	a.metrics.CandlesClosed.WithLabelValues(s.tf.String()).Inc()
	a.sink.CandleClosed(c)
}
