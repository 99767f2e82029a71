package hub

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/rickgao/binary-engine/internal/model"
)

// Outbound frame types.
const (
	TypePriceUpdate   = "price:update"
	TypeCandleUpdate  = "candle:update"
	TypeCandleClose   = "candle:close"
	TypeTradeOpen     = "trade:open"
	TypeTradeClose    = "trade:close"
	TypeBalanceUpdate = "balance:update"
	TypeServerTime    = "server:time"
	TypeSubscribed    = "subscribed"
	TypePong          = "pong"
	TypeError         = "error"
)

// Inbound frame types.
const (
	TypeSubscribe = "subscribe"
	TypePing      = "ping"
)

// Frame is the JSON envelope of every outbound message.
type Frame struct {
	Type       string `json:"type"`
	Instrument string `json:"instrument,omitempty"`
	Data       any    `json:"data,omitempty"`
}

// Inbound is a client message.
type Inbound struct {
	Type       string `json:"type"`
	Instrument string `json:"instrument,omitempty"`
}

// PriceData is the payload of price:update.
type PriceData struct {
	Asset     string          `json:"asset"`
	Price     decimal.Decimal `json:"price"`
	Timestamp int64           `json:"timestamp"`
}

// CandleData is the payload of candle:update and candle:close.
type CandleData struct {
	Timeframe model.Timeframe `json:"timeframe"`
	Candle    model.Candle    `json:"candle"`
}

// TimeData is the payload of server:time.
type TimeData struct {
	Timestamp int64 `json:"timestamp"`
}

// ErrorData is the payload of error frames.
type ErrorData struct {
	Message string `json:"message"`
}

func encode(f Frame) ([]byte, error) {
	return json.Marshal(f)
}
