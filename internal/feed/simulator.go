package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/binary-engine/internal/metrics"
)

// SimulatorConfig configures the random-walk source.
type SimulatorConfig struct {
	Interval    time.Duration
	Seed        int64
	StartPrices map[string]decimal.Decimal // missing symbols start at 1
	Volatility  float64                    // max relative move per step, default 0.0005
	Places      int32                      // decimal places, default 5
	BufferSize  int
}

// Simulator emits canonical price messages for every active instrument.
type Simulator struct {
	cfg         SimulatorConfig
	instruments Instruments
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time

	messages chan RawMessage
	rng      *rand.Rand
	prices   map[string]decimal.Decimal

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSimulator creates a simulator. Its output uses FormatCanonical.
func NewSimulator(cfg SimulatorConfig, instruments Instruments, m *metrics.Metrics, logger *slog.Logger) *Simulator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 250 * time.Millisecond
	}
	if cfg.Volatility <= 0 {
		cfg.Volatility = 0.0005
	}
	if cfg.Places <= 0 {
		cfg.Places = 5
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10000
	}
	seed := uint64(cfg.Seed)
	if cfg.Seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	return &Simulator{
		cfg:         cfg,
		instruments: instruments,
		metrics:     metrics.OrDiscard(m),
		logger:      logger.With("component", "simulator"),
		now:         time.Now,
		messages:    make(chan RawMessage, cfg.BufferSize),
		rng:         rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		prices:      make(map[string]decimal.Decimal),
	}
}

// Messages returns the raw message channel.
func (s *Simulator) Messages() <-chan RawMessage {
	return s.messages
}

// Start begins emitting ticks every Interval.
func (s *Simulator) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run()
	}()

	s.logger.Info("simulator started", "interval", s.cfg.Interval, "seed", s.cfg.Seed)
	return nil
}

// Stop halts the simulator.
func (s *Simulator) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("simulator stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Simulator) run() {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.emit(s.now())
		}
	}
}

// emit produces one tick per active instrument stamped at now.
func (s *Simulator) emit(now time.Time) {
	for _, inst := range s.instruments.ActiveInstruments() {
		price := s.step(inst.Symbol)
		data, err := json.Marshal(canonicalMsg{
			Instrument: inst.Symbol,
			Price:      price,
			Timestamp:  now.UnixMilli(),
		})
		if err != nil {
			s.logger.Error("encode simulated tick", "error", err)
			continue
		}

		select {
		case s.messages <- RawMessage{Data: data, ReceivedAt: now}:
		default:
			s.metrics.FeedDropped.Inc()
		}
	}
}

// step advances the random walk for symbol. Prices stay positive.
func (s *Simulator) step(symbol string) decimal.Decimal {
	price, ok := s.prices[symbol]
	if !ok {
		price, ok = s.cfg.StartPrices[symbol]
		if !ok || !price.IsPositive() {
			price = decimal.NewFromInt(1)
		}
	}

	move := (s.rng.Float64()*2 - 1) * s.cfg.Volatility
	next := price.Mul(decimal.NewFromFloat(1 + move)).Round(s.cfg.Places)
	if !next.IsPositive() {
		next = price
	}
	s.prices[symbol] = next
	return next
}
