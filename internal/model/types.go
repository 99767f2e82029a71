package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// -----------------------------------------------------------------------------
// Market Data Types
// -----------------------------------------------------------------------------

// PriceTick is one timestamped price observation for an instrument.
type PriceTick struct {
	Instrument string          `json:"instrument"`
	Price      decimal.Decimal `json:"price"`
	Timestamp  int64           `json:"timestamp"` // ms since epoch
}

// Instrument is a tradeable asset as described by the external catalog.
type Instrument struct {
	Symbol        string          `json:"symbol"`
	PayoutPercent decimal.Decimal `json:"payoutPercent"`
	Active        bool            `json:"active"`
}

// Timeframe is a candle bucket width.
type Timeframe time.Duration

// Common timeframes.
const (
	Timeframe5s  = Timeframe(5 * time.Second)
	Timeframe1m  = Timeframe(time.Minute)
	Timeframe5m  = Timeframe(5 * time.Minute)
	Timeframe15m = Timeframe(15 * time.Minute)
	Timeframe1h  = Timeframe(time.Hour)
)

// Millis returns the bucket width in milliseconds.
func (tf Timeframe) Millis() int64 {
	return time.Duration(tf).Milliseconds()
}

// Floor returns the start of the bucket containing ts.
func (tf Timeframe) Floor(ts int64) int64 {
	w := tf.Millis()
	if w <= 0 {
		return ts
	}
	b := ts - ts%w
	if ts < 0 && ts%w != 0 {
		b -= w
	}
	return b
}

// Valid reports whether tf is a positive whole number of seconds.
func (tf Timeframe) Valid() bool {
	d := time.Duration(tf)
	return d >= time.Second && d%time.Second == 0
}

// String renders the timeframe compactly ("5s", "1m", "4h").
func (tf Timeframe) String() string {
	d := time.Duration(tf)
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d >= time.Minute && d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	default:
		return fmt.Sprintf("%ds", d/time.Second)
	}
}

// ParseTimeframe parses "5s", "1m", "1h" and any other time.ParseDuration input.
func ParseTimeframe(s string) (Timeframe, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parse timeframe %q: %w", s, err)
	}
	tf := Timeframe(d)
	if !tf.Valid() {
		return 0, fmt.Errorf("timeframe %q must be a whole number of seconds", s)
	}
	return tf, nil
}

// MarshalText implements encoding.TextMarshaler.
func (tf Timeframe) MarshalText() ([]byte, error) {
	return []byte(tf.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (tf *Timeframe) UnmarshalText(b []byte) error {
	parsed, err := ParseTimeframe(string(b))
	if err != nil {
		return err
	}
	*tf = parsed
	return nil
}

// Candle is an OHLCV aggregate of ticks over one timeframe bucket.
type Candle struct {
	Instrument  string          `json:"instrument"`
	Timeframe   Timeframe       `json:"timeframe"`
	BucketStart int64           `json:"bucketStart"` // ms since epoch
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Close       decimal.Decimal `json:"close"`
	Volume      int64           `json:"volume"` // tick count
	Closed      bool            `json:"closed"`
}

// BucketEnd returns the exclusive end of the candle window.
func (c Candle) BucketEnd() int64 {
	return c.BucketStart + c.Timeframe.Millis()
}

// SameContent reports whether two candles carry identical data.
// Decimal values are compared numerically.
func (c Candle) SameContent(o Candle) bool {
	return c.Instrument == o.Instrument &&
		c.Timeframe == o.Timeframe &&
		c.BucketStart == o.BucketStart &&
		c.Open.Equal(o.Open) &&
		c.High.Equal(o.High) &&
		c.Low.Equal(o.Low) &&
		c.Close.Equal(o.Close) &&
		c.Volume == o.Volume
}

// -----------------------------------------------------------------------------
// Trading Types
// -----------------------------------------------------------------------------

// Direction is the side of a binary option trade.
type Direction string

const (
	DirectionCall Direction = "CALL"
	DirectionPut  Direction = "PUT"
)

// Valid reports whether d is CALL or PUT.
func (d Direction) Valid() bool {
	return d == DirectionCall || d == DirectionPut
}

// TradeStatus is the settlement state of a trade.
type TradeStatus string

const (
	StatusOpen TradeStatus = "OPEN"
	StatusWin  TradeStatus = "WIN"
	StatusLoss TradeStatus = "LOSS"
)

// Terminal reports whether the status is a settled state.
func (s TradeStatus) Terminal() bool {
	return s == StatusWin || s == StatusLoss
}

// Trade is a stake on price direction over a fixed expiration.
type Trade struct {
	ID            uuid.UUID        `json:"id"`
	AccountID     string           `json:"accountId"`
	Instrument    string           `json:"instrument"`
	Direction     Direction        `json:"direction"`
	Stake         decimal.Decimal  `json:"stake"`
	EntryPrice    decimal.Decimal  `json:"entryPrice"`
	PayoutPercent decimal.Decimal  `json:"payoutPercent"`
	OpenedAt      int64            `json:"openedAt"`  // ms since epoch
	ExpiresAt     int64            `json:"expiresAt"` // ms since epoch, fixed at creation
	Status        TradeStatus      `json:"status"`
	ExitPrice     *decimal.Decimal `json:"exitPrice,omitempty"`
	Payout        *decimal.Decimal `json:"payout,omitempty"`
	SettledAt     int64            `json:"settledAt,omitempty"`
	Audit         bool             `json:"audit,omitempty"` // settled on a feed-gap fallback price
}

// AccountType distinguishes practice from real-money accounts.
type AccountType string

const (
	AccountDemo AccountType = "DEMO"
	AccountReal AccountType = "REAL"
)

// AccountSnapshot is a point-in-time view of an account balance.
type AccountSnapshot struct {
	AccountID string          `json:"accountId"`
	Balance   decimal.Decimal `json:"balance"`
	Currency  string          `json:"currency"`
	Type      AccountType     `json:"type"`
}
