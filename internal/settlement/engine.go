package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rickgao/binary-engine/internal/account"
	"github.com/rickgao/binary-engine/internal/metrics"
	"github.com/rickgao/binary-engine/internal/model"
	"github.com/rickgao/binary-engine/internal/router"
)

// PriceSource answers price lookups against recent tick history.
type PriceSource interface {
	Latest(instrument string) (model.PriceTick, bool)
	AtOrAfter(instrument string, ts int64) (model.PriceTick, bool)
	Before(instrument string, ts int64) (model.PriceTick, bool)
}

// Instruments reports which instruments can be traded.
type Instruments interface {
	Instrument(symbol string) (model.Instrument, bool)
	HasActiveFeed(symbol string) bool
}

// Accounts applies stake debits and payout credits.
type Accounts interface {
	Debit(accountID string, amount decimal.Decimal, reason string, tradeID uuid.UUID) (model.AccountSnapshot, error)
	Credit(accountID string, amount decimal.Decimal, reason string, tradeID uuid.UUID) (model.AccountSnapshot, error)
}

// Publisher receives trade lifecycle events.
type Publisher interface {
	TradeOpened(t model.Trade)
	TradeClosed(t model.Trade)
}

// Recorder persists trade snapshots. RecordTrade must not block.
type Recorder interface {
	RecordTrade(t model.Trade)
}

// Config holds validation bounds and settlement timing.
type Config struct {
	MinExpiration  time.Duration
	MaxExpiration  time.Duration
	ExpirationStep time.Duration
	MinStake       decimal.Decimal
	MaxStake       decimal.Decimal
	FeedGapGrace   time.Duration
	SweepInterval  time.Duration
	BatchInterval  time.Duration
}

// DefaultConfig returns the standard 5s-300s, 5s-step expiration bounds.
func DefaultConfig() Config {
	return Config{
		MinExpiration:  5 * time.Second,
		MaxExpiration:  300 * time.Second,
		ExpirationStep: 5 * time.Second,
		MinStake:       decimal.NewFromInt(1),
		MaxStake:       decimal.NewFromInt(10000),
		FeedGapGrace:   2 * time.Second,
		SweepInterval:  30 * time.Second,
		BatchInterval:  100 * time.Millisecond,
	}
}

// Deps are the collaborators of an Engine. Publisher, Recorder and Input
// are optional.
type Deps struct {
	Ledger      *Ledger
	Instruments Instruments
	Accounts    Accounts
	Publisher   Publisher
	Recorder    Recorder
	Input       *router.GrowableBuffer[model.PriceTick]
}

// OpenRequest is a request to open a trade.
type OpenRequest struct {
	AccountID         string          `json:"accountId"`
	Instrument        string          `json:"instrument"`
	Direction         model.Direction `json:"direction"`
	Stake             decimal.Decimal `json:"stake"`
	ExpirationSeconds int             `json:"expirationSeconds"`
}

// Engine validates, opens and settles trades.
type Engine struct {
	cfg     Config
	deps    Deps
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	pricesMu sync.RWMutex
	prices   PriceSource

	mu       sync.Mutex
	timers   expiryHeap
	awaiting map[string]map[uuid.UUID]int64 // instrument -> trade -> expiresAt
	wake     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates an engine that is not ready until Attach is called.
func NewEngine(cfg Config, deps Deps, m *metrics.Metrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultConfig()
	if cfg.ExpirationStep <= 0 {
		cfg.ExpirationStep = d.ExpirationStep
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = d.SweepInterval
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = d.BatchInterval
	}
	if deps.Ledger == nil {
		deps.Ledger = NewLedger()
	}
	return &Engine{
		cfg:      cfg,
		deps:     deps,
		metrics:  metrics.OrDiscard(m),
		logger:   logger.With("component", "settlement"),
		now:      time.Now,
		awaiting: make(map[string]map[uuid.UUID]int64),
		wake:     make(chan struct{}, 1),
		ctx:      context.Background(),
	}
}

// Attach supplies the price source and makes the engine ready.
func (e *Engine) Attach(p PriceSource) error {
	if p == nil {
		return errors.New("attach: nil price source")
	}
	e.pricesMu.Lock()
	e.prices = p
	e.pricesMu.Unlock()
	return nil
}

// Ready reports whether a price source is attached.
func (e *Engine) Ready() bool {
	return e.priceSource() != nil
}

func (e *Engine) priceSource() PriceSource {
	e.pricesMu.RLock()
	defer e.pricesMu.RUnlock()
	return e.prices
}

// Ledger returns the trade book.
func (e *Engine) Ledger() *Ledger {
	return e.deps.Ledger
}

// Start runs the expiry timer, the tick consumer and the reconciliation sweep.
func (e *Engine) Start(ctx context.Context) error {
	if !e.Ready() {
		return fmt.Errorf("start settlement: %w", model.ErrNotReady)
	}
	e.ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(2)
	go e.timerLoop()
	go e.sweepLoop()

	if e.deps.Input != nil {
		e.wg.Add(1)
		go e.tickLoop()
	}

	e.logger.Info("settlement engine started",
		"open_trades", e.deps.Ledger.OpenCount(),
		"batch_interval", e.cfg.BatchInterval,
		"sweep_interval", e.cfg.SweepInterval,
	)
	return nil
}

// Stop ends the loops. A settlement already in progress completes.
func (e *Engine) Stop(ctx context.Context) error {
	if e.cancel != nil {
		e.cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("settlement engine stopped", "open_trades", e.deps.Ledger.OpenCount())
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OpenTrade validates a request, debits the stake and schedules settlement.
func (e *Engine) OpenTrade(ctx context.Context, req OpenRequest) (model.Trade, error) {
	prices := e.priceSource()
	if prices == nil {
		return model.Trade{}, fmt.Errorf("open trade: %w", model.ErrNotReady)
	}
	if err := e.validate(req); err != nil {
		return model.Trade{}, err
	}

	inst, ok := e.deps.Instruments.Instrument(req.Instrument)
	if !ok || !e.deps.Instruments.HasActiveFeed(req.Instrument) {
		return model.Trade{}, &model.ValidationError{
			Field:  "instrument",
			Reason: fmt.Sprintf("no active price feed for %q", req.Instrument),
			Err:    model.ErrUnknownInstrument,
		}
	}
	tick, ok := prices.Latest(req.Instrument)
	if !ok {
		return model.Trade{}, &model.ValidationError{
			Field:  "instrument",
			Reason: fmt.Sprintf("no price for %q", req.Instrument),
			Err:    model.ErrUnknownInstrument,
		}
	}

	openedAt := e.now().UnixMilli()
	t := model.Trade{
		ID:            uuid.New(),
		AccountID:     req.AccountID,
		Instrument:    req.Instrument,
		Direction:     req.Direction,
		Stake:         req.Stake,
		EntryPrice:    tick.Price,
		PayoutPercent: inst.PayoutPercent,
		OpenedAt:      openedAt,
		ExpiresAt:     openedAt + int64(req.ExpirationSeconds)*1000,
		Status:        model.StatusOpen,
	}

	if _, err := e.deps.Accounts.Debit(t.AccountID, t.Stake, account.ReasonStake, t.ID); err != nil {
		return model.Trade{}, fmt.Errorf("debit stake: %w", err)
	}
	if err := e.deps.Ledger.Insert(t); err != nil {
		if _, cerr := e.deps.Accounts.Credit(t.AccountID, t.Stake, account.ReasonAdjust, t.ID); cerr != nil {
			e.logger.ErrorContext(ctx, "stake refund failed", "trade_id", t.ID, "error", cerr)
		}
		return model.Trade{}, err
	}
	e.schedule(expiry{at: t.ExpiresAt, id: t.ID})

	e.metrics.TradesOpened.Inc()
	e.metrics.TradesOpen.Set(float64(e.deps.Ledger.OpenCount()))
	if e.deps.Publisher != nil {
		e.deps.Publisher.TradeOpened(t)
	}
	if e.deps.Recorder != nil {
		e.deps.Recorder.RecordTrade(t)
	}

	e.logger.InfoContext(ctx, "trade opened",
		"trade_id", t.ID,
		"account_id", t.AccountID,
		"instrument", t.Instrument,
		"direction", t.Direction,
		"stake", t.Stake.String(),
		"entry_price", t.EntryPrice.String(),
		"expires_at", t.ExpiresAt,
	)
	return t, nil
}

func (e *Engine) validate(req OpenRequest) error {
	if req.AccountID == "" {
		return &model.ValidationError{Field: "accountId", Reason: "required"}
	}
	if !req.Direction.Valid() {
		return &model.ValidationError{
			Field:  "direction",
			Reason: fmt.Sprintf("must be CALL or PUT, got %q", req.Direction),
			Err:    model.ErrInvalidDirection,
		}
	}
	if !req.Stake.IsPositive() ||
		(e.cfg.MinStake.IsPositive() && req.Stake.LessThan(e.cfg.MinStake)) ||
		(e.cfg.MaxStake.IsPositive() && req.Stake.GreaterThan(e.cfg.MaxStake)) {
		return &model.ValidationError{
			Field:  "stake",
			Reason: fmt.Sprintf("must be between %s and %s", e.cfg.MinStake, e.cfg.MaxStake),
			Err:    model.ErrInvalidStake,
		}
	}
	d := time.Duration(req.ExpirationSeconds) * time.Second
	if d < e.cfg.MinExpiration || d > e.cfg.MaxExpiration || d%e.cfg.ExpirationStep != 0 || d <= 0 {
		return &model.ValidationError{
			Field: "expirationSeconds",
			Reason: fmt.Sprintf("must be %d-%d seconds in steps of %d",
				int(e.cfg.MinExpiration.Seconds()), int(e.cfg.MaxExpiration.Seconds()), int(e.cfg.ExpirationStep.Seconds())),
			Err: model.ErrInvalidExpiration,
		}
	}
	return nil
}

// Get returns one trade.
func (e *Engine) Get(id uuid.UUID) (model.Trade, error) {
	return e.deps.Ledger.Get(id)
}

// List returns an account's trades newest first.
func (e *Engine) List(accountID string, status model.TradeStatus, p Page) []model.Trade {
	return e.deps.Ledger.List(accountID, status, p)
}

// Restore re-schedules trades loaded from persistence.
func (e *Engine) Restore(trades []model.Trade) int {
	n := 0
	for _, t := range trades {
		if t.Status != model.StatusOpen {
			continue
		}
		if err := e.deps.Ledger.Insert(t); err != nil {
			e.logger.Warn("skipping restored trade", "trade_id", t.ID, "error", err)
			continue
		}
		e.schedule(expiry{at: t.ExpiresAt, id: t.ID})
		n++
	}
	e.metrics.TradesOpen.Set(float64(e.deps.Ledger.OpenCount()))
	if n > 0 {
		e.logger.Info("restored open trades", "count", n)
	}
	return n
}

func (e *Engine) schedule(x expiry) {
	e.mu.Lock()
	e.timers.push(x)
	e.mu.Unlock()
	e.poke()
}

func (e *Engine) poke() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) timerLoop() {
	defer e.wg.Done()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		timer.Reset(e.nextWait())
		select {
		case <-e.ctx.Done():
			return
		case <-e.wake:
		case <-timer.C:
			e.fireDue(e.now().UnixMilli())
		}
	}
}

// nextWait returns the delay until the batch window holding the earliest
// timer closes.
func (e *Engine) nextWait() time.Duration {
	e.mu.Lock()
	at, ok := e.timers.next()
	e.mu.Unlock()
	if !ok {
		return time.Hour
	}
	batch := e.cfg.BatchInterval.Milliseconds()
	if batch > 0 {
		if rem := at % batch; rem != 0 {
			at += batch - rem
		}
	}
	wait := time.Duration(at-e.now().UnixMilli()) * time.Millisecond
	if wait < 0 {
		return 0
	}
	return wait
}

// fireDue evaluates every timer entry due at now.
func (e *Engine) fireDue(now int64) {
	e.mu.Lock()
	due := e.timers.popDue(now)
	e.mu.Unlock()

	for _, x := range due {
		e.evaluate(x)
	}
}

func (e *Engine) sweepLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.sweep(e.now().UnixMilli())
		}
	}
}

// sweep settles every OPEN trade whose grace deadline has passed.
func (e *Engine) sweep(now int64) int {
	grace := e.cfg.FeedGapGrace.Milliseconds()
	n := 0
	for _, t := range e.deps.Ledger.Open() {
		if t.ExpiresAt+grace > now {
			break
		}
		e.evaluate(expiry{at: t.ExpiresAt + grace, id: t.ID, final: true})
		n++
	}
	if n > 0 {
		e.logger.Warn("reconciliation sweep found overdue trades", "count", n)
	}
	return n
}

func (e *Engine) tickLoop() {
	defer e.wg.Done()

	for e.ctx.Err() == nil {
		ticks := e.deps.Input.DrainTo(256)
		if len(ticks) == 0 {
			select {
			case <-e.ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
				continue
			}
		}
		for _, tick := range ticks {
			e.onTick(tick)
		}
	}
}

// onTick settles trades waiting for an exit price on this instrument.
func (e *Engine) onTick(tick model.PriceTick) {
	e.mu.Lock()
	pending := e.awaiting[tick.Instrument]
	var ready []uuid.UUID
	for id, expiresAt := range pending {
		if expiresAt <= tick.Timestamp {
			ready = append(ready, id)
			delete(pending, id)
		}
	}
	if len(pending) == 0 {
		delete(e.awaiting, tick.Instrument)
	}
	e.mu.Unlock()

	for _, id := range ready {
		t, err := e.deps.Ledger.Get(id)
		if err != nil || t.Status != model.StatusOpen {
			continue
		}
		exit := tick
		if p := e.priceSource(); p != nil {
			if first, ok := p.AtOrAfter(t.Instrument, t.ExpiresAt); ok {
				exit = first
			}
		}
		e.settle(t, exit.Price, false)
	}
}

// evaluate settles a due trade on its exit tick. Without one, a first
// entry parks the trade until a tick or the grace deadline arrives; a
// final entry settles it on a fallback price.
func (e *Engine) evaluate(x expiry) {
	t, err := e.deps.Ledger.Get(x.id)
	if err != nil || t.Status != model.StatusOpen {
		return
	}
	if e.now().UnixMilli() < t.ExpiresAt {
		e.mu.Lock()
		e.timers.push(x)
		e.mu.Unlock()
		return
	}
	prices := e.priceSource()
	if prices == nil {
		return
	}

	if exit, ok := prices.AtOrAfter(t.Instrument, t.ExpiresAt); ok {
		e.settle(t, exit.Price, false)
		return
	}

	if !x.final {
		e.mu.Lock()
		pending, ok := e.awaiting[t.Instrument]
		if !ok {
			pending = make(map[uuid.UUID]int64)
			e.awaiting[t.Instrument] = pending
		}
		pending[t.ID] = t.ExpiresAt
		e.timers.push(expiry{at: t.ExpiresAt + e.cfg.FeedGapGrace.Milliseconds(), id: t.ID, final: true})
		e.mu.Unlock()
		return
	}

	price := t.EntryPrice
	source := "entry"
	if before, ok := prices.Before(t.Instrument, t.ExpiresAt); ok {
		price = before.Price
		source = "last_before_expiry"
	}
	e.metrics.FeedGaps.Inc()
	e.logger.Warn("settling on fallback price",
		"error", fmt.Errorf("%w: trade %s", model.ErrFeedGap, t.ID),
		"instrument", t.Instrument,
		"expires_at", t.ExpiresAt,
		"price", price.String(),
		"price_source", source,
	)
	e.settle(t, price, true)
}

// settle commits an outcome. Once started it runs to completion regardless
// of engine shutdown.
func (e *Engine) settle(t model.Trade, exit decimal.Decimal, audit bool) {
	ctx := context.WithoutCancel(e.ctx)

	status, payout := Evaluate(t, exit)
	settled, err := e.deps.Ledger.Settle(t.ID, Outcome{
		Status:    status,
		ExitPrice: exit,
		Payout:    payout,
		SettledAt: max(e.now().UnixMilli(), t.ExpiresAt),
		Audit:     audit,
	})
	if errors.Is(err, model.ErrSettlementConflict) {
		e.metrics.SettleConflicts.Inc()
		e.logger.DebugContext(ctx, "settlement already applied", "trade_id", t.ID)
		return
	}
	if err != nil {
		e.logger.ErrorContext(ctx, "settle trade failed", "trade_id", t.ID, "error", err)
		return
	}
	e.forget(t)

	if status == model.StatusWin {
		if _, err := e.deps.Accounts.Credit(t.AccountID, payout, account.ReasonPayout, t.ID); err != nil {
			e.logger.ErrorContext(ctx, "payout credit failed",
				"trade_id", t.ID,
				"account_id", t.AccountID,
				"payout", payout.String(),
				"error", err,
			)
		}
	}

	e.metrics.TradesSettled.WithLabelValues(string(status)).Inc()
	e.metrics.TradesOpen.Set(float64(e.deps.Ledger.OpenCount()))
	if e.deps.Publisher != nil {
		e.deps.Publisher.TradeClosed(settled)
	}
	if e.deps.Recorder != nil {
		e.deps.Recorder.RecordTrade(settled)
	}

	e.logger.InfoContext(ctx, "trade settled",
		"trade_id", t.ID,
		"account_id", t.AccountID,
		"status", status,
		"entry_price", t.EntryPrice.String(),
		"exit_price", exit.String(),
		"payout", payout.String(),
		"audit", audit,
	)
}

func (e *Engine) forget(t model.Trade) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if pending, ok := e.awaiting[t.Instrument]; ok {
		delete(pending, t.ID)
		if len(pending) == 0 {
			delete(e.awaiting, t.Instrument)
		}
	}
}
