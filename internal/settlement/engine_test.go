package settlement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/binary-engine/internal/account"
	"github.com/rickgao/binary-engine/internal/market"
	"github.com/rickgao/binary-engine/internal/model"
	"github.com/rickgao/binary-engine/internal/router"
)

const base int64 = 1_700_000_000_000

type fakeClock struct {
	mu  sync.Mutex
	now int64
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.UnixMilli(c.now)
}

func (c *fakeClock) set(ms int64) {
	c.mu.Lock()
	c.now = ms
	c.mu.Unlock()
}

type fakeInstruments struct {
	instruments map[string]model.Instrument
	live        map[string]bool
}

func (f *fakeInstruments) Instrument(symbol string) (model.Instrument, bool) {
	inst, ok := f.instruments[symbol]
	return inst, ok
}

func (f *fakeInstruments) HasActiveFeed(symbol string) bool {
	return f.live[symbol]
}

type recordingPublisher struct {
	mu       sync.Mutex
	opened   []model.Trade
	closed   []model.Trade
	recorded []model.Trade
}

func (p *recordingPublisher) TradeOpened(t model.Trade) {
	p.mu.Lock()
	p.opened = append(p.opened, t)
	p.mu.Unlock()
}

func (p *recordingPublisher) TradeClosed(t model.Trade) {
	p.mu.Lock()
	p.closed = append(p.closed, t)
	p.mu.Unlock()
}

func (p *recordingPublisher) RecordTrade(t model.Trade) {
	p.mu.Lock()
	p.recorded = append(p.recorded, t)
	p.mu.Unlock()
}

func (p *recordingPublisher) closedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.closed)
}

type harness struct {
	engine   *Engine
	book     *market.Book
	accounts *account.Service
	pub      *recordingPublisher
	clock    *fakeClock
}

func newHarness(t *testing.T, balance int64, input *router.GrowableBuffer[model.PriceTick]) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	accounts := account.NewService(account.Config{Currency: "USD"}, logger)
	if _, err := accounts.Open("acct", model.AccountDemo, "USD", decimal.NewFromInt(balance)); err != nil {
		t.Fatalf("Open account failed: %v", err)
	}

	instruments := &fakeInstruments{
		instruments: map[string]model.Instrument{
			"EURUSD": {Symbol: "EURUSD", PayoutPercent: decimal.NewFromInt(80), Active: true},
			"GBPUSD": {Symbol: "GBPUSD", PayoutPercent: decimal.NewFromInt(75), Active: true},
			"USDJPY": {Symbol: "USDJPY", PayoutPercent: decimal.NewFromInt(70), Active: true},
		},
		live: map[string]bool{"EURUSD": true, "GBPUSD": true},
	}

	pub := &recordingPublisher{}
	clock := &fakeClock{now: base}
	e := NewEngine(DefaultConfig(), Deps{
		Instruments: instruments,
		Accounts:    accounts,
		Publisher:   pub,
		Recorder:    pub,
		Input:       input,
	}, nil, logger)
	e.now = clock.Now

	book := market.NewBook(time.Hour)
	book.Record(priceAt("EURUSD", base-100, "1.2000"))
	book.Record(priceAt("GBPUSD", base-100, "1.0500"))
	if err := e.Attach(book); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	return &harness{engine: e, book: book, accounts: accounts, pub: pub, clock: clock}
}

func priceAt(instrument string, ts int64, price string) model.PriceTick {
	return model.PriceTick{Instrument: instrument, Price: decimal.RequireFromString(price), Timestamp: ts}
}

func call(stake int64, seconds int) OpenRequest {
	return OpenRequest{
		AccountID:         "acct",
		Instrument:        "EURUSD",
		Direction:         model.DirectionCall,
		Stake:             decimal.NewFromInt(stake),
		ExpirationSeconds: seconds,
	}
}

func (h *harness) balance(t *testing.T) decimal.Decimal {
	t.Helper()
	snap, err := h.accounts.Snapshot("acct")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	return snap.Balance
}

func (h *harness) mustGet(t *testing.T, tr model.Trade) model.Trade {
	t.Helper()
	got, err := h.engine.Get(tr.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	return got
}

func TestEngine_NotReadyBeforeAttach(t *testing.T) {
	e := NewEngine(DefaultConfig(), Deps{}, nil, nil)

	if _, err := e.OpenTrade(context.Background(), call(100, 5)); !errors.Is(err, model.ErrNotReady) {
		t.Errorf("OpenTrade error = %v, want ErrNotReady", err)
	}
	if err := e.Start(context.Background()); !errors.Is(err, model.ErrNotReady) {
		t.Errorf("Start error = %v, want ErrNotReady", err)
	}
	if e.Ready() {
		t.Error("Ready should be false before Attach")
	}
	if err := e.Attach(nil); err == nil {
		t.Error("Attach(nil) should fail")
	}
}

func TestEngine_OpenTradeValidation(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*OpenRequest)
		want error
	}{
		{"bad direction", func(r *OpenRequest) { r.Direction = "UP" }, model.ErrInvalidDirection},
		{"zero stake", func(r *OpenRequest) { r.Stake = decimal.Zero }, model.ErrInvalidStake},
		{"negative stake", func(r *OpenRequest) { r.Stake = decimal.NewFromInt(-5) }, model.ErrInvalidStake},
		{"stake above max", func(r *OpenRequest) { r.Stake = decimal.NewFromInt(10001) }, model.ErrInvalidStake},
		{"expiration too short", func(r *OpenRequest) { r.ExpirationSeconds = 3 }, model.ErrInvalidExpiration},
		{"expiration too long", func(r *OpenRequest) { r.ExpirationSeconds = 305 }, model.ErrInvalidExpiration},
		{"expiration off step", func(r *OpenRequest) { r.ExpirationSeconds = 7 }, model.ErrInvalidExpiration},
		{"unknown instrument", func(r *OpenRequest) { r.Instrument = "XAUUSD" }, model.ErrUnknownInstrument},
		{"stale feed", func(r *OpenRequest) { r.Instrument = "USDJPY" }, model.ErrUnknownInstrument},
		{"insufficient balance", func(r *OpenRequest) { r.Stake = decimal.NewFromInt(5000) }, model.ErrInsufficientBalance},
		{"unknown account", func(r *OpenRequest) { r.AccountID = "ghost" }, model.ErrAccountNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 1000, nil)
			req := call(100, 5)
			tt.mod(&req)

			_, err := h.engine.OpenTrade(context.Background(), req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
			if !h.balance(t).Equal(decimal.NewFromInt(1000)) {
				t.Errorf("balance changed to %s", h.balance(t))
			}
			if n := h.engine.Ledger().OpenCount(); n != 0 {
				t.Errorf("OpenCount = %d, want 0", n)
			}
		})
	}
}

func TestEngine_ValidationErrorsAreTyped(t *testing.T) {
	h := newHarness(t, 1000, nil)
	req := call(100, 7)

	_, err := h.engine.OpenTrade(context.Background(), req)
	var verr *model.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error %v is not a ValidationError", err)
	}
	if verr.Field != "expirationSeconds" {
		t.Errorf("Field = %q, want expirationSeconds", verr.Field)
	}
	if !errors.Is(err, model.ErrValidation) {
		t.Error("ValidationError should match ErrValidation")
	}
}

func TestEngine_CallWins(t *testing.T) {
	h := newHarness(t, 1000, nil)

	tr, err := h.engine.OpenTrade(context.Background(), call(100, 5))
	if err != nil {
		t.Fatalf("OpenTrade failed: %v", err)
	}
	if !tr.EntryPrice.Equal(decimal.RequireFromString("1.2")) || tr.ExpiresAt != base+5000 || tr.Status != model.StatusOpen {
		t.Fatalf("opened trade = %+v", tr)
	}
	if !h.balance(t).Equal(decimal.NewFromInt(900)) {
		t.Errorf("balance after open = %s, want 900", h.balance(t))
	}

	h.book.Record(priceAt("EURUSD", base+5000, "1.2010"))
	h.clock.set(base + 5000)
	h.engine.fireDue(base + 5000)

	got := h.mustGet(t, tr)
	if got.Status != model.StatusWin {
		t.Fatalf("Status = %s, want WIN", got.Status)
	}
	if !got.Payout.Equal(decimal.NewFromInt(180)) || !got.ExitPrice.Equal(decimal.RequireFromString("1.201")) {
		t.Errorf("payout %s exit %s, want 180 and 1.2010", got.Payout, got.ExitPrice)
	}
	if got.SettledAt < got.ExpiresAt {
		t.Errorf("SettledAt %d before ExpiresAt %d", got.SettledAt, got.ExpiresAt)
	}
	if !h.balance(t).Equal(decimal.NewFromInt(1080)) {
		t.Errorf("balance = %s, want 1080", h.balance(t))
	}
	if len(h.pub.opened) != 1 || len(h.pub.closed) != 1 || len(h.pub.recorded) != 2 {
		t.Errorf("events: opened %d closed %d recorded %d", len(h.pub.opened), len(h.pub.closed), len(h.pub.recorded))
	}
	if err := h.accounts.Verify("acct"); err != nil {
		t.Error(err)
	}
}

func TestEngine_PutTieLoses(t *testing.T) {
	h := newHarness(t, 1000, nil)
	req := OpenRequest{
		AccountID:         "acct",
		Instrument:        "GBPUSD",
		Direction:         model.DirectionPut,
		Stake:             decimal.NewFromInt(50),
		ExpirationSeconds: 5,
	}

	tr, err := h.engine.OpenTrade(context.Background(), req)
	if err != nil {
		t.Fatalf("OpenTrade failed: %v", err)
	}

	h.book.Record(priceAt("GBPUSD", base+5200, "1.0500"))
	h.clock.set(base + 5200)
	h.engine.fireDue(base + 5200)

	got := h.mustGet(t, tr)
	if got.Status != model.StatusLoss || !got.Payout.IsZero() {
		t.Errorf("trade = %s payout %s, want LOSS 0", got.Status, got.Payout)
	}
	if !h.balance(t).Equal(decimal.NewFromInt(950)) {
		t.Errorf("balance = %s, want 950", h.balance(t))
	}
}

func TestEngine_NeverSettlesBeforeExpiry(t *testing.T) {
	h := newHarness(t, 1000, nil)
	tr, _ := h.engine.OpenTrade(context.Background(), call(100, 5))

	// A tick stamped past expiry arrives while the local clock lags.
	h.book.Record(priceAt("EURUSD", base+6000, "1.3"))
	h.clock.set(base + 4999)
	h.engine.fireDue(base + 5000)
	h.engine.sweep(base + 4999)

	if got := h.mustGet(t, tr); got.Status != model.StatusOpen {
		t.Fatalf("trade settled early: %s", got.Status)
	}
}

func TestEngine_WaitsForExitTick(t *testing.T) {
	h := newHarness(t, 1000, nil)
	tr, _ := h.engine.OpenTrade(context.Background(), call(100, 5))

	h.clock.set(base + 5000)
	h.engine.fireDue(base + 5000)
	if got := h.mustGet(t, tr); got.Status != model.StatusOpen {
		t.Fatalf("settled without an exit tick: %s", got.Status)
	}

	// A tick from before expiry does not settle.
	h.engine.onTick(priceAt("EURUSD", base+4000, "1.5"))
	if got := h.mustGet(t, tr); got.Status != model.StatusOpen {
		t.Fatalf("settled on a pre-expiry tick: %s", got.Status)
	}

	exit := priceAt("EURUSD", base+5300, "1.1990")
	h.book.Record(exit)
	h.clock.set(base + 5300)
	h.engine.onTick(exit)

	got := h.mustGet(t, tr)
	if got.Status != model.StatusLoss || !got.ExitPrice.Equal(exit.Price) || got.Audit {
		t.Errorf("trade = %+v", got)
	}

	// The grace deadline entry left in the heap is a no-op.
	h.clock.set(base + 8000)
	h.engine.fireDue(base + 8000)
	if h.pub.closedCount() != 1 {
		t.Errorf("closed events = %d, want 1", h.pub.closedCount())
	}
}

func TestEngine_FeedGapUsesLastPriceBeforeExpiry(t *testing.T) {
	h := newHarness(t, 1000, nil)
	tr, _ := h.engine.OpenTrade(context.Background(), call(100, 5))
	h.book.Record(priceAt("EURUSD", base+3000, "1.2050"))

	h.clock.set(base + 5000)
	h.engine.fireDue(base + 5000)
	h.clock.set(base + 7000)
	h.engine.fireDue(base + 7000)

	got := h.mustGet(t, tr)
	if got.Status != model.StatusWin || !got.Audit {
		t.Fatalf("trade = %s audit %v, want WIN with audit", got.Status, got.Audit)
	}
	if !got.ExitPrice.Equal(decimal.RequireFromString("1.205")) {
		t.Errorf("ExitPrice = %s, want 1.2050", got.ExitPrice)
	}
}

func TestEngine_FeedGapFallsBackToEntry(t *testing.T) {
	h := newHarness(t, 1000, nil)
	tr, _ := h.engine.OpenTrade(context.Background(), call(100, 5))

	// An empty book knows no price at all.
	h.engine.Attach(market.NewBook(time.Hour))
	h.clock.set(base + 7000)
	h.engine.sweep(base + 7000)

	got := h.mustGet(t, tr)
	if got.Status != model.StatusLoss || !got.Audit || !got.ExitPrice.Equal(tr.EntryPrice) {
		t.Errorf("trade = %+v", got)
	}
}

func TestEngine_SettlesOnce(t *testing.T) {
	h := newHarness(t, 1000, nil)
	tr, _ := h.engine.OpenTrade(context.Background(), call(100, 5))

	h.book.Record(priceAt("EURUSD", base+5000, "1.3"))
	h.clock.set(base + 10_000)
	h.engine.fireDue(base + 10_000)
	h.engine.sweep(base + 10_000)
	h.engine.evaluate(expiry{at: tr.ExpiresAt, id: tr.ID, final: true})
	h.engine.settle(h.mustGet(t, tr), decimal.NewFromInt(2), false)

	if !h.balance(t).Equal(decimal.NewFromInt(1080)) {
		t.Errorf("balance = %s, want 1080", h.balance(t))
	}
	if h.pub.closedCount() != 1 {
		t.Errorf("closed events = %d, want 1", h.pub.closedCount())
	}

	_, entries, _ := h.accounts.Journal("acct")
	payouts := 0
	for _, e := range entries {
		if e.Reason == account.ReasonPayout {
			payouts++
		}
	}
	if payouts != 1 {
		t.Errorf("payout entries = %d, want 1", payouts)
	}
}

func TestEngine_ConcurrentSettlementPaths(t *testing.T) {
	h := newHarness(t, 100_000, nil)

	const n = 50
	for i := 0; i < n; i++ {
		req := call(10, 5)
		if i%2 == 1 {
			req.Direction = model.DirectionPut
		}
		if _, err := h.engine.OpenTrade(context.Background(), req); err != nil {
			t.Fatalf("OpenTrade %d failed: %v", i, err)
		}
	}

	exit := priceAt("EURUSD", base+5000, "1.2500")
	h.book.Record(exit)
	h.clock.set(base + 10_000)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			h.engine.fireDue(base + 10_000)
		}()
		go func() {
			defer wg.Done()
			h.engine.sweep(base + 10_000)
		}()
		go func() {
			defer wg.Done()
			h.engine.onTick(exit)
		}()
	}
	wg.Wait()

	if h.pub.closedCount() != n {
		t.Errorf("closed events = %d, want %d", h.pub.closedCount(), n)
	}
	// 25 CALL wins pay 18 each; 25 PUT losses pay nothing.
	if want := decimal.NewFromInt(100_000 - n*10 + 25*18); !h.balance(t).Equal(want) {
		t.Errorf("balance = %s, want %s", h.balance(t), want)
	}
	if err := h.accounts.Verify("acct"); err != nil {
		t.Error(err)
	}
	if open := h.engine.Ledger().OpenCount(); open != 0 {
		t.Errorf("OpenCount = %d, want 0", open)
	}
}

func TestEngine_RestoreReschedules(t *testing.T) {
	h := newHarness(t, 1000, nil)
	tr := openTrade("acct", base+5000)
	settled := openTrade("acct", base+5000)
	settled.Status = model.StatusLoss

	if n := h.engine.Restore([]model.Trade{tr, settled, tr}); n != 1 {
		t.Fatalf("Restore = %d, want 1", n)
	}

	h.book.Record(priceAt("EURUSD", base+5000, "1.0"))
	h.clock.set(base + 5000)
	h.engine.fireDue(base + 5000)

	if got := h.mustGet(t, tr); got.Status != model.StatusLoss {
		t.Errorf("restored trade status = %s, want LOSS", got.Status)
	}
}

func TestEngine_StartStopSettlesOnTimer(t *testing.T) {
	input := router.NewGrowableBuffer[model.PriceTick](16)
	h := newHarness(t, 1000, input)
	h.engine.cfg.BatchInterval = 10 * time.Millisecond

	ctx := context.Background()
	if err := h.engine.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	tr, err := h.engine.OpenTrade(ctx, call(100, 5))
	if err != nil {
		t.Fatalf("OpenTrade failed: %v", err)
	}

	h.clock.set(base + 5000)
	h.engine.poke()

	// The timer parks the trade; the tick consumer settles it.
	exit := priceAt("EURUSD", base+5100, "1.2100")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.engine.mu.Lock()
		parked := len(h.engine.awaiting["EURUSD"]) > 0
		h.engine.mu.Unlock()
		if parked {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.book.Record(exit)
	h.clock.set(base + 5100)
	input.Send(exit)

	for h.pub.closedCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := h.engine.Stop(stopCtx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}

	got := h.mustGet(t, tr)
	if got.Status != model.StatusWin || !got.ExitPrice.Equal(exit.Price) {
		t.Errorf("trade = %s exit %v, want WIN at 1.2100", got.Status, got.ExitPrice)
	}
}
