package settlement

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rickgao/binary-engine/internal/model"
)

// Page selects a window of a newest-first listing.
type Page struct {
	Offset int
	Limit  int
}

// Outcome is the terminal state applied by Settle.
type Outcome struct {
	Status    model.TradeStatus
	ExitPrice decimal.Decimal
	Payout    decimal.Decimal
	SettledAt int64
	Audit     bool
}

// Ledger is the trade book. Settle is the only status transition.
type Ledger struct {
	mu        sync.RWMutex
	trades    map[uuid.UUID]*model.Trade
	byAccount map[string][]uuid.UUID // in insertion order
	open      int
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		trades:    make(map[uuid.UUID]*model.Trade),
		byAccount: make(map[string][]uuid.UUID),
	}
}

// Insert adds a new trade.
func (l *Ledger) Insert(t model.Trade) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.trades[t.ID]; exists {
		return fmt.Errorf("trade %s already exists", t.ID)
	}
	stored := t
	l.trades[t.ID] = &stored
	l.byAccount[t.AccountID] = append(l.byAccount[t.AccountID], t.ID)
	if t.Status == model.StatusOpen {
		l.open++
	}
	return nil
}

// Get returns a copy of one trade.
func (l *Ledger) Get(id uuid.UUID) (model.Trade, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	t, ok := l.trades[id]
	if !ok {
		return model.Trade{}, fmt.Errorf("%w: %s", model.ErrTradeNotFound, id)
	}
	return *t, nil
}

// List returns an account's trades newest first. An empty status matches
// every trade; a non-positive limit returns everything after offset.
func (l *Ledger) List(accountID string, status model.TradeStatus, p Page) []model.Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := l.byAccount[accountID]
	var out []model.Trade
	skipped := 0
	for i := len(ids) - 1; i >= 0; i-- {
		t := l.trades[ids[i]]
		if status != "" && t.Status != status {
			continue
		}
		if skipped < p.Offset {
			skipped++
			continue
		}
		out = append(out, *t)
		if p.Limit > 0 && len(out) == p.Limit {
			break
		}
	}
	return out
}

// Settle moves an OPEN trade to its outcome. A trade already terminal is
// left unchanged and model.ErrSettlementConflict is returned.
func (l *Ledger) Settle(id uuid.UUID, o Outcome) (model.Trade, error) {
	if !o.Status.Terminal() {
		return model.Trade{}, fmt.Errorf("settle %s: status %s is not terminal", id, o.Status)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.trades[id]
	if !ok {
		return model.Trade{}, fmt.Errorf("%w: %s", model.ErrTradeNotFound, id)
	}
	if t.Status != model.StatusOpen {
		return *t, fmt.Errorf("%w: %s is %s", model.ErrSettlementConflict, id, t.Status)
	}

	exit, payout := o.ExitPrice, o.Payout
	t.Status = o.Status
	t.ExitPrice = &exit
	t.Payout = &payout
	t.SettledAt = o.SettledAt
	t.Audit = o.Audit
	l.open--
	return *t, nil
}

// Open returns every OPEN trade ordered by expiration.
func (l *Ledger) Open() []model.Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]model.Trade, 0, l.open)
	for _, t := range l.trades {
		if t.Status == model.StatusOpen {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt < out[j].ExpiresAt })
	return out
}

// OpenCount returns the number of OPEN trades.
func (l *Ledger) OpenCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.open
}
