package account

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rickgao/binary-engine/internal/model"
)

const (
	numShards = 64

	// JournalLimit is the number of entries retained per account. Older
	// entries are folded into the journal base.
	JournalLimit = 4096

	// ChangeBufferSize is the capacity of the balance change channel.
	ChangeBufferSize = 1024
)

// Journal reasons.
const (
	ReasonStake  = "stake"
	ReasonPayout = "payout"
	ReasonReset  = "reset"
	ReasonAdjust = "adjust"
)

// JournalEntry records one balance mutation.
type JournalEntry struct {
	Seq          int64           `json:"seq"`
	Delta        decimal.Decimal `json:"delta"`
	Reason       string          `json:"reason"`
	TradeID      uuid.UUID       `json:"tradeId"`
	BalanceAfter decimal.Decimal `json:"balanceAfter"`
	At           int64           `json:"at"` // ms since epoch
}

// BalanceChange announces a committed mutation.
type BalanceChange struct {
	Snapshot model.AccountSnapshot
	Delta    decimal.Decimal
	Reason   string
	TradeID  uuid.UUID
}

// Config holds service settings.
type Config struct {
	Currency     string
	DemoBalance  decimal.Decimal
	ResetCeiling decimal.Decimal
}

// account is the state of one account.
// Fields must not be touched without the parent shard's lock.
type account struct {
	id       string
	typ      model.AccountType
	currency string
	balance  decimal.Decimal
	base     decimal.Decimal // balance before the oldest retained journal entry
	journal  []JournalEntry
	seq      int64
}

func (a *account) snapshot() model.AccountSnapshot {
	return model.AccountSnapshot{
		AccountID: a.id,
		Balance:   a.balance,
		Currency:  a.currency,
		Type:      a.typ,
	}
}

type shard struct {
	mu       sync.Mutex
	accounts map[string]*account
}

// Service applies atomic balance deltas. Safe for concurrent use.
type Service struct {
	cfg     Config
	shards  [numShards]shard
	changes chan BalanceChange
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates an empty service.
func NewService(cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	s := &Service{
		cfg:     cfg,
		changes: make(chan BalanceChange, ChangeBufferSize),
		logger:  logger.With("component", "accounts"),
		now:     time.Now,
	}
	for i := range s.shards {
		s.shards[i].accounts = make(map[string]*account)
	}
	return s
}

func (s *Service) shardOf(accountID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(accountID))
	return &s.shards[h.Sum32()%numShards]
}

// Changes returns the balance change channel.
func (s *Service) Changes() <-chan BalanceChange {
	return s.changes
}

// Open creates an account. An empty currency uses the configured default.
func (s *Service) Open(accountID string, typ model.AccountType, currency string, balance decimal.Decimal) (model.AccountSnapshot, error) {
	if accountID == "" {
		return model.AccountSnapshot{}, &model.ValidationError{Field: "accountId", Reason: "required"}
	}
	if typ != model.AccountDemo && typ != model.AccountReal {
		return model.AccountSnapshot{}, &model.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown account type %q", typ)}
	}
	if balance.IsNegative() {
		return model.AccountSnapshot{}, &model.ValidationError{Field: "balance", Reason: "must not be negative"}
	}
	if currency == "" {
		currency = s.cfg.Currency
	}

	sh := s.shardOf(accountID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, exists := sh.accounts[accountID]; exists {
		return model.AccountSnapshot{}, fmt.Errorf("%w: %s", model.ErrAccountExists, accountID)
	}
	a := &account{
		id:       accountID,
		typ:      typ,
		currency: currency,
		balance:  balance,
		base:     balance,
	}
	sh.accounts[accountID] = a

	s.logger.Info("account opened",
		"account_id", accountID,
		"type", typ,
		"balance", balance.String(),
	)
	return a.snapshot(), nil
}

// Debit removes amount from the balance. It fails with
// model.ErrInsufficientBalance rather than going negative.
func (s *Service) Debit(accountID string, amount decimal.Decimal, reason string, tradeID uuid.UUID) (model.AccountSnapshot, error) {
	if !amount.IsPositive() {
		return model.AccountSnapshot{}, &model.ValidationError{Field: "amount", Reason: "must be positive", Err: model.ErrInvalidStake}
	}
	return s.apply(accountID, amount.Neg(), reason, tradeID)
}

// Credit adds amount to the balance.
func (s *Service) Credit(accountID string, amount decimal.Decimal, reason string, tradeID uuid.UUID) (model.AccountSnapshot, error) {
	if !amount.IsPositive() {
		return model.AccountSnapshot{}, &model.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	return s.apply(accountID, amount, reason, tradeID)
}

func (s *Service) apply(accountID string, delta decimal.Decimal, reason string, tradeID uuid.UUID) (model.AccountSnapshot, error) {
	sh := s.shardOf(accountID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	a, ok := sh.accounts[accountID]
	if !ok {
		return model.AccountSnapshot{}, fmt.Errorf("%w: %s", model.ErrAccountNotFound, accountID)
	}
	next := a.balance.Add(delta)
	if next.IsNegative() {
		return model.AccountSnapshot{}, fmt.Errorf("%w: need %s, available %s",
			model.ErrInsufficientBalance, delta.Neg().String(), a.balance.String())
	}
	return s.commitLocked(a, next, delta, reason, tradeID), nil
}

// commitLocked sets the balance, journals the delta and announces it.
func (s *Service) commitLocked(a *account, next, delta decimal.Decimal, reason string, tradeID uuid.UUID) model.AccountSnapshot {
	a.balance = next
	a.seq++
	a.journal = append(a.journal, JournalEntry{
		Seq:          a.seq,
		Delta:        delta,
		Reason:       reason,
		TradeID:      tradeID,
		BalanceAfter: next,
		At:           s.now().UnixMilli(),
	})
	if over := len(a.journal) - JournalLimit; over > 0 {
		for _, e := range a.journal[:over] {
			a.base = a.base.Add(e.Delta)
		}
		a.journal = append([]JournalEntry(nil), a.journal[over:]...)
	}

	snap := a.snapshot()
	s.notify(BalanceChange{Snapshot: snap, Delta: delta, Reason: reason, TradeID: tradeID})
	return snap
}

// notify sends without blocking, dropping the oldest change when full.
func (s *Service) notify(change BalanceChange) {
	select {
	case s.changes <- change:
		return
	default:
	}
	select {
	case <-s.changes:
	default:
	}
	select {
	case s.changes <- change:
	default:
		s.logger.Warn("balance change dropped", "account_id", change.Snapshot.AccountID)
	}
}

// Snapshot returns the latest committed balance.
func (s *Service) Snapshot(accountID string) (model.AccountSnapshot, error) {
	sh := s.shardOf(accountID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	a, ok := sh.accounts[accountID]
	if !ok {
		return model.AccountSnapshot{}, fmt.Errorf("%w: %s", model.ErrAccountNotFound, accountID)
	}
	return a.snapshot(), nil
}

// ResetDemo restores a DEMO account to the demo balance. It is only
// allowed while the balance is below the reset ceiling.
func (s *Service) ResetDemo(accountID string) (model.AccountSnapshot, error) {
	sh := s.shardOf(accountID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	a, ok := sh.accounts[accountID]
	if !ok {
		return model.AccountSnapshot{}, fmt.Errorf("%w: %s", model.ErrAccountNotFound, accountID)
	}
	if a.typ != model.AccountDemo {
		return model.AccountSnapshot{}, fmt.Errorf("%w: %s is a %s account", model.ErrResetNotAllowed, accountID, a.typ)
	}
	if !a.balance.LessThan(s.cfg.ResetCeiling) {
		return model.AccountSnapshot{}, fmt.Errorf("%w: balance %s is not below %s",
			model.ErrResetNotAllowed, a.balance.String(), s.cfg.ResetCeiling.String())
	}

	delta := s.cfg.DemoBalance.Sub(a.balance)
	snap := s.commitLocked(a, s.cfg.DemoBalance, delta, ReasonReset, uuid.Nil)
	s.logger.Info("demo balance reset", "account_id", accountID, "balance", snap.Balance.String())
	return snap, nil
}

// Journal returns a copy of the retained journal and its base balance.
func (s *Service) Journal(accountID string) (base decimal.Decimal, entries []JournalEntry, err error) {
	sh := s.shardOf(accountID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	a, ok := sh.accounts[accountID]
	if !ok {
		return decimal.Zero, nil, fmt.Errorf("%w: %s", model.ErrAccountNotFound, accountID)
	}
	return a.base, append([]JournalEntry(nil), a.journal...), nil
}

// Verify checks the journal invariant of one account.
func (s *Service) Verify(accountID string) error {
	sh := s.shardOf(accountID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	a, ok := sh.accounts[accountID]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrAccountNotFound, accountID)
	}
	sum := a.base
	for _, e := range a.journal {
		sum = sum.Add(e.Delta)
	}
	if !sum.Equal(a.balance) {
		return fmt.Errorf("account %s journal sums to %s, balance is %s", accountID, sum.String(), a.balance.String())
	}
	return nil
}
