package account

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rickgao/binary-engine/internal/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestService() *Service {
	return NewService(Config{
		Currency:     "USD",
		DemoBalance:  d("10000"),
		ResetCeiling: d("1000"),
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestService_OpenAndSnapshot(t *testing.T) {
	s := newTestService()

	snap, err := s.Open("acct-1", model.AccountDemo, "", d("500"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if snap.Currency != "USD" || snap.Type != model.AccountDemo || !snap.Balance.Equal(d("500")) {
		t.Errorf("snapshot = %+v", snap)
	}

	if _, err := s.Open("acct-1", model.AccountDemo, "", d("1")); !errors.Is(err, model.ErrAccountExists) {
		t.Errorf("second Open error = %v, want ErrAccountExists", err)
	}
	if _, err := s.Snapshot("missing"); !errors.Is(err, model.ErrAccountNotFound) {
		t.Errorf("Snapshot error = %v, want ErrAccountNotFound", err)
	}
}

func TestService_OpenValidation(t *testing.T) {
	s := newTestService()

	tests := []struct {
		name    string
		id      string
		typ     model.AccountType
		balance string
	}{
		{"empty id", "", model.AccountDemo, "1"},
		{"bad type", "a", model.AccountType("GOLD"), "1"},
		{"negative", "a", model.AccountReal, "-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Open(tt.id, tt.typ, "", d(tt.balance))
			if !errors.Is(err, model.ErrValidation) {
				t.Errorf("error = %v, want ErrValidation", err)
			}
		})
	}
}

func TestService_DebitCredit(t *testing.T) {
	s := newTestService()
	if _, err := s.Open("acct", model.AccountReal, "EUR", d("100")); err != nil {
		t.Fatal(err)
	}
	trade := uuid.New()

	snap, err := s.Debit("acct", d("100"), ReasonStake, trade)
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if !snap.Balance.IsZero() {
		t.Errorf("balance = %s, want 0", snap.Balance)
	}

	if _, err := s.Debit("acct", d("0.01"), ReasonStake, trade); !errors.Is(err, model.ErrInsufficientBalance) {
		t.Errorf("overdraw error = %v, want ErrInsufficientBalance", err)
	}

	snap, err = s.Credit("acct", d("180"), ReasonPayout, trade)
	if err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if !snap.Balance.Equal(d("180")) {
		t.Errorf("balance = %s, want 180", snap.Balance)
	}

	for _, amount := range []string{"0", "-5"} {
		if _, err := s.Debit("acct", d(amount), ReasonStake, trade); !errors.Is(err, model.ErrValidation) {
			t.Errorf("Debit(%s) error = %v, want ErrValidation", amount, err)
		}
		if _, err := s.Credit("acct", d(amount), ReasonPayout, trade); !errors.Is(err, model.ErrValidation) {
			t.Errorf("Credit(%s) error = %v, want ErrValidation", amount, err)
		}
	}

	if _, err := s.Credit("missing", d("1"), ReasonPayout, trade); !errors.Is(err, model.ErrAccountNotFound) {
		t.Errorf("Credit(missing) error = %v, want ErrAccountNotFound", err)
	}

	base, entries, err := s.Journal("acct")
	if err != nil {
		t.Fatal(err)
	}
	if !base.Equal(d("100")) || len(entries) != 2 {
		t.Fatalf("journal = base %s, %d entries; want base 100, 2 entries", base, len(entries))
	}
	if entries[0].Reason != ReasonStake || !entries[0].Delta.Equal(d("-100")) || entries[0].TradeID != trade {
		t.Errorf("entries[0] = %+v", entries[0])
	}
	if !entries[1].BalanceAfter.Equal(d("180")) {
		t.Errorf("entries[1].BalanceAfter = %s, want 180", entries[1].BalanceAfter)
	}
	if err := s.Verify("acct"); err != nil {
		t.Error(err)
	}
}

func TestService_ResetDemo(t *testing.T) {
	s := newTestService()
	if _, err := s.Open("demo", model.AccountDemo, "", d("5000")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Open("real", model.AccountReal, "", d("10")); err != nil {
		t.Fatal(err)
	}

	if _, err := s.ResetDemo("demo"); !errors.Is(err, model.ErrResetNotAllowed) {
		t.Errorf("reset above ceiling error = %v, want ErrResetNotAllowed", err)
	}
	if _, err := s.ResetDemo("real"); !errors.Is(err, model.ErrResetNotAllowed) {
		t.Errorf("reset of REAL account error = %v, want ErrResetNotAllowed", err)
	}
	if _, err := s.ResetDemo("missing"); !errors.Is(err, model.ErrAccountNotFound) {
		t.Errorf("reset of missing account error = %v, want ErrAccountNotFound", err)
	}

	if _, err := s.Debit("demo", d("4200"), ReasonStake, uuid.New()); err != nil {
		t.Fatal(err)
	}
	snap, err := s.ResetDemo("demo")
	if err != nil {
		t.Fatalf("ResetDemo: %v", err)
	}
	if !snap.Balance.Equal(d("10000")) {
		t.Errorf("balance = %s, want 10000", snap.Balance)
	}

	_, entries, _ := s.Journal("demo")
	last := entries[len(entries)-1]
	if last.Reason != ReasonReset || !last.Delta.Equal(d("9200")) {
		t.Errorf("reset entry = %+v, want +9200 reset", last)
	}
	if err := s.Verify("demo"); err != nil {
		t.Error(err)
	}
}

func TestService_ChangesAnnounced(t *testing.T) {
	s := newTestService()
	if _, err := s.Open("acct", model.AccountDemo, "", d("100")); err != nil {
		t.Fatal(err)
	}
	trade := uuid.New()
	if _, err := s.Debit("acct", d("40"), ReasonStake, trade); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-s.Changes():
		if c.Snapshot.AccountID != "acct" || !c.Snapshot.Balance.Equal(d("60")) || !c.Delta.Equal(d("-40")) || c.TradeID != trade {
			t.Errorf("change = %+v", c)
		}
	default:
		t.Fatal("no balance change announced")
	}

	// A failed mutation announces nothing.
	if _, err := s.Debit("acct", d("1000"), ReasonStake, trade); err == nil {
		t.Fatal("expected insufficient balance")
	}
	select {
	case c := <-s.Changes():
		t.Errorf("unexpected change %+v", c)
	default:
	}
}

func TestService_ChangesDropOldest(t *testing.T) {
	s := newTestService()
	if _, err := s.Open("acct", model.AccountDemo, "", d("0")); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < ChangeBufferSize+10; i++ {
		if _, err := s.Credit("acct", d("1"), ReasonAdjust, uuid.Nil); err != nil {
			t.Fatal(err)
		}
	}

	if got := len(s.Changes()); got != ChangeBufferSize {
		t.Fatalf("len = %d, want %d", got, ChangeBufferSize)
	}
	var last BalanceChange
	for len(s.Changes()) > 0 {
		last = <-s.Changes()
	}
	if !last.Snapshot.Balance.Equal(decimal.NewFromInt(ChangeBufferSize + 10)) {
		t.Errorf("newest change balance = %s, want %d", last.Snapshot.Balance, ChangeBufferSize+10)
	}
}

func TestService_JournalLimitKeepsInvariant(t *testing.T) {
	s := newTestService()
	if _, err := s.Open("acct", model.AccountReal, "", d("10")); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < JournalLimit+50; i++ {
		if _, err := s.Credit("acct", d("0.5"), ReasonAdjust, uuid.Nil); err != nil {
			t.Fatal(err)
		}
	}

	_, entries, _ := s.Journal("acct")
	if len(entries) != JournalLimit {
		t.Errorf("retained %d entries, want %d", len(entries), JournalLimit)
	}
	if err := s.Verify("acct"); err != nil {
		t.Error(err)
	}
}

// Concurrent stakes and payouts on one account never lose an update and
// never take the balance below zero.
func TestService_ConcurrentDebitCredit(t *testing.T) {
	s := newTestService()
	if _, err := s.Open("acct", model.AccountDemo, "", d("1000")); err != nil {
		t.Fatal(err)
	}
	for len(s.Changes()) > 0 {
		<-s.Changes()
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		debited  = decimal.Zero
		credited = decimal.Zero
	)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if _, err := s.Debit("acct", d("7"), ReasonStake, uuid.Nil); err == nil {
					mu.Lock()
					debited = debited.Add(d("7"))
					mu.Unlock()
				} else if !errors.Is(err, model.ErrInsufficientBalance) {
					t.Errorf("Debit: %v", err)
				}
				if i%3 == 0 {
					if _, err := s.Credit("acct", d("5"), ReasonPayout, uuid.Nil); err != nil {
						t.Errorf("Credit: %v", err)
					}
					mu.Lock()
					credited = credited.Add(d("5"))
					mu.Unlock()
				}
				if snap, err := s.Snapshot("acct"); err == nil && snap.Balance.IsNegative() {
					t.Errorf("negative balance %s", snap.Balance)
				}
			}
		}()
	}
	wg.Wait()

	snap, err := s.Snapshot("acct")
	if err != nil {
		t.Fatal(err)
	}
	want := d("1000").Sub(debited).Add(credited)
	if !snap.Balance.Equal(want) {
		t.Errorf("balance = %s, want %s", snap.Balance, want)
	}
	if err := s.Verify("acct"); err != nil {
		t.Error(err)
	}
}
