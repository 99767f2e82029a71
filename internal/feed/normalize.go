package feed

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/binary-engine/internal/model"
)

// Format identifies an upstream wire format.
type Format string

const (
	// FormatCanonical is {"instrument","price","timestamp"}.
	FormatCanonical Format = "canonical"
	// FormatAsset is {"type":"price","asset","price","ts"}.
	FormatAsset Format = "asset"
	// FormatBinance is the Binance trade stream {"e":"trade","s","p","T"}.
	FormatBinance Format = "binance"
)

// ParseFormat validates a configured format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatCanonical, FormatAsset, FormatBinance:
		return f, nil
	default:
		return "", fmt.Errorf("unknown feed format %q", s)
	}
}

// Normalizer decodes upstream messages and encodes subscribe commands
// for one wire format.
type Normalizer struct {
	format Format
	nextID atomic.Int64
}

// NewNormalizer creates a normalizer for format.
func NewNormalizer(format Format) *Normalizer {
	return &Normalizer{format: format}
}

// Format returns the wire format.
func (n *Normalizer) Format() Format {
	return n.format
}

type canonicalMsg struct {
	Instrument string          `json:"instrument"`
	Price      decimal.Decimal `json:"price"`
	Timestamp  int64           `json:"timestamp"`
}

type assetMsg struct {
	Type  string          `json:"type"`
	Asset string          `json:"asset"`
	Price decimal.Decimal `json:"price"`
	TS    int64           `json:"ts"`
}

// binanceMsg declares the upper and lower case pairs (e/E, t/T, m/M)
// explicitly so encoding/json's case-insensitive matching cannot cross them.
type binanceMsg struct {
	Event     string          `json:"e"`
	EventTime int64           `json:"E"`
	Symbol    string          `json:"s"`
	TradeID   int64           `json:"t"`
	Price     decimal.Decimal `json:"p"`
	Time      int64           `json:"T"`
	Maker     bool            `json:"m"`
	Ignore    bool            `json:"M"`
}

// Normalize decodes one message. A zero upstream timestamp is replaced by
// receivedAt. Control and non-price messages return ErrNotPrice; anything
// unusable returns an error wrapping ErrParse.
func (n *Normalizer) Normalize(data []byte, receivedAt time.Time) (model.PriceTick, error) {
	var tick model.PriceTick

	switch n.format {
	case FormatAsset:
		var m assetMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return tick, fmt.Errorf("%w: %v", ErrParse, err)
		}
		if m.Type != "price" {
			return tick, ErrNotPrice
		}
		tick = model.PriceTick{Instrument: m.Asset, Price: m.Price, Timestamp: m.TS}

	case FormatBinance:
		var m binanceMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return tick, fmt.Errorf("%w: %v", ErrParse, err)
		}
		if m.Event != "trade" {
			return tick, ErrNotPrice
		}
		tick = model.PriceTick{Instrument: m.Symbol, Price: m.Price, Timestamp: m.Time}

	default:
		var m canonicalMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return tick, fmt.Errorf("%w: %v", ErrParse, err)
		}
		if m.Instrument == "" && m.Price.IsZero() {
			// Acks such as {"type":"subscribed"} carry neither field.
			return tick, ErrNotPrice
		}
		tick = model.PriceTick{Instrument: m.Instrument, Price: m.Price, Timestamp: m.Timestamp}
	}

	if tick.Instrument == "" {
		return model.PriceTick{}, fmt.Errorf("%w: missing instrument", ErrParse)
	}
	if !tick.Price.IsPositive() {
		return model.PriceTick{}, fmt.Errorf("%w: non-positive price %s for %s", ErrParse, tick.Price, tick.Instrument)
	}
	if tick.Timestamp <= 0 {
		tick.Timestamp = receivedAt.UnixMilli()
	}
	return tick, nil
}

type subscribeCmd struct {
	Type        string   `json:"type"`
	Instruments []string `json:"instruments"`
}

type binanceCmd struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// Subscribe encodes a subscribe command for symbols.
func (n *Normalizer) Subscribe(symbols []string) ([]byte, error) {
	return n.command(true, symbols)
}

// Unsubscribe encodes an unsubscribe command for symbols.
func (n *Normalizer) Unsubscribe(symbols []string) ([]byte, error) {
	return n.command(false, symbols)
}

func (n *Normalizer) command(subscribe bool, symbols []string) ([]byte, error) {
	if n.format == FormatBinance {
		method := "UNSUBSCRIBE"
		if subscribe {
			method = "SUBSCRIBE"
		}
		params := make([]string, len(symbols))
		for i, s := range symbols {
			params[i] = strings.ToLower(s) + "@trade"
		}
		return json.Marshal(binanceCmd{Method: method, Params: params, ID: n.nextID.Add(1)})
	}

	typ := "unsubscribe"
	if subscribe {
		typ = "subscribe"
	}
	return json.Marshal(subscribeCmd{Type: typ, Instruments: symbols})
}
