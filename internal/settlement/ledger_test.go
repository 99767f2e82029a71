package settlement

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rickgao/binary-engine/internal/model"
)

func openTrade(account string, expiresAt int64) model.Trade {
	return model.Trade{
		ID:            uuid.New(),
		AccountID:     account,
		Instrument:    "EURUSD",
		Direction:     model.DirectionCall,
		Stake:         decimal.NewFromInt(10),
		EntryPrice:    decimal.RequireFromString("1.1"),
		PayoutPercent: decimal.NewFromInt(80),
		OpenedAt:      expiresAt - 5000,
		ExpiresAt:     expiresAt,
		Status:        model.StatusOpen,
	}
}

func TestLedger_InsertGet(t *testing.T) {
	l := NewLedger()
	tr := openTrade("a", 10_000)

	if err := l.Insert(tr); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := l.Insert(tr); err == nil {
		t.Error("duplicate Insert should fail")
	}

	got, err := l.Get(tr.ID)
	if err != nil || got.ID != tr.ID {
		t.Errorf("Get = (%+v, %v)", got, err)
	}
	if _, err := l.Get(uuid.New()); !errors.Is(err, model.ErrTradeNotFound) {
		t.Errorf("Get unknown error = %v, want ErrTradeNotFound", err)
	}
	if l.OpenCount() != 1 {
		t.Errorf("OpenCount = %d, want 1", l.OpenCount())
	}
}

func TestLedger_SettleOnce(t *testing.T) {
	l := NewLedger()
	tr := openTrade("a", 10_000)
	l.Insert(tr)

	win := Outcome{Status: model.StatusWin, ExitPrice: decimal.RequireFromString("1.2"), Payout: decimal.NewFromInt(18), SettledAt: 10_000}
	settled, err := l.Settle(tr.ID, win)
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if settled.Status != model.StatusWin || !settled.Payout.Equal(decimal.NewFromInt(18)) {
		t.Errorf("settled = %+v", settled)
	}

	loss := Outcome{Status: model.StatusLoss, ExitPrice: decimal.RequireFromString("1.0"), SettledAt: 10_001}
	again, err := l.Settle(tr.ID, loss)
	if !errors.Is(err, model.ErrSettlementConflict) {
		t.Fatalf("second Settle error = %v, want ErrSettlementConflict", err)
	}
	if again.Status != model.StatusWin {
		t.Errorf("second Settle changed status to %s", again.Status)
	}
	if l.OpenCount() != 0 {
		t.Errorf("OpenCount = %d, want 0", l.OpenCount())
	}

	if _, err := l.Settle(tr.ID, Outcome{Status: model.StatusOpen}); err == nil {
		t.Error("Settle to OPEN should fail")
	}
}

func TestLedger_ConcurrentSettleHasOneWinner(t *testing.T) {
	l := NewLedger()
	tr := openTrade("a", 10_000)
	l.Insert(tr)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Settle(tr.ID, Outcome{Status: model.StatusLoss, SettledAt: 10_000}); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("%d settlements succeeded, want 1", wins.Load())
	}
}

func TestLedger_ListNewestFirst(t *testing.T) {
	l := NewLedger()
	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		tr := openTrade("a", int64(10_000+i))
		ids = append(ids, tr.ID)
		l.Insert(tr)
	}
	l.Insert(openTrade("b", 10_000))
	l.Settle(ids[1], Outcome{Status: model.StatusLoss, SettledAt: 10_001})

	all := l.List("a", "", Page{})
	if len(all) != 5 || all[0].ID != ids[4] || all[4].ID != ids[0] {
		t.Fatalf("List order wrong: %d trades", len(all))
	}

	page := l.List("a", "", Page{Offset: 1, Limit: 2})
	if len(page) != 2 || page[0].ID != ids[3] || page[1].ID != ids[2] {
		t.Errorf("paged List = %v", page)
	}

	open := l.List("a", model.StatusOpen, Page{})
	if len(open) != 4 {
		t.Errorf("open trades = %d, want 4", len(open))
	}
	closed := l.List("a", model.StatusLoss, Page{})
	if len(closed) != 1 || closed[0].ID != ids[1] {
		t.Errorf("LOSS trades = %v", closed)
	}

	if got := l.List("nobody", "", Page{}); len(got) != 0 {
		t.Errorf("unknown account listed %d trades", len(got))
	}
}

func TestLedger_OpenSortedByExpiry(t *testing.T) {
	l := NewLedger()
	for _, exp := range []int64{30_000, 10_000, 20_000} {
		l.Insert(openTrade("a", exp))
	}

	open := l.Open()
	if len(open) != 3 {
		t.Fatalf("Open = %d trades, want 3", len(open))
	}
	for i := 1; i < len(open); i++ {
		if open[i-1].ExpiresAt > open[i].ExpiresAt {
			t.Errorf("Open not sorted: %d before %d", open[i-1].ExpiresAt, open[i].ExpiresAt)
		}
	}
}

func TestEvaluate(t *testing.T) {
	entry := decimal.RequireFromString("1.2000")
	tests := []struct {
		name      string
		direction model.Direction
		exit      string
		want      model.TradeStatus
		payout    string
	}{
		{"call up", model.DirectionCall, "1.2010", model.StatusWin, "180"},
		{"call down", model.DirectionCall, "1.1990", model.StatusLoss, "0"},
		{"call tie", model.DirectionCall, "1.2000", model.StatusLoss, "0"},
		{"put down", model.DirectionPut, "1.1990", model.StatusWin, "180"},
		{"put up", model.DirectionPut, "1.2010", model.StatusLoss, "0"},
		{"put tie", model.DirectionPut, "1.2", model.StatusLoss, "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := model.Trade{
				Direction:     tt.direction,
				Stake:         decimal.NewFromInt(100),
				EntryPrice:    entry,
				PayoutPercent: decimal.NewFromInt(80),
			}
			status, payout := Evaluate(tr, decimal.RequireFromString(tt.exit))
			if status != tt.want {
				t.Errorf("status = %s, want %s", status, tt.want)
			}
			if !payout.Equal(decimal.RequireFromString(tt.payout)) {
				t.Errorf("payout = %s, want %s", payout, tt.payout)
			}
		})
	}
}

func TestExpiryHeap(t *testing.T) {
	var h expiryHeap
	for _, at := range []int64{50, 10, 30, 20, 40} {
		h.push(expiry{at: at, id: uuid.New()})
	}

	if at, ok := h.next(); !ok || at != 10 {
		t.Errorf("next = (%d, %v), want 10", at, ok)
	}

	due := h.popDue(30)
	if len(due) != 3 || due[0].at != 10 || due[1].at != 20 || due[2].at != 30 {
		t.Errorf("popDue(30) = %+v", due)
	}
	if h.Len() != 2 {
		t.Errorf("Len = %d, want 2", h.Len())
	}
	if got := h.popDue(5); len(got) != 0 {
		t.Errorf("popDue(5) = %+v, want none", got)
	}
}
