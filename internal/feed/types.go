package feed

import (
	"context"
	"errors"
	"time"

	"github.com/rickgao/binary-engine/internal/market"
	"github.com/rickgao/binary-engine/internal/model"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no pong)")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrParse           = errors.New("malformed price message")
	ErrNotPrice        = errors.New("not a price message")
)

// RawMessage is a message from a Source to the router.
type RawMessage struct {
	Data       []byte    // Raw message bytes
	ReceivedAt time.Time // Local timestamp when the message was read
}

// Source produces raw price messages.
type Source interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Messages() <-chan RawMessage
}

// Instruments is the registry view a Source subscribes from.
type Instruments interface {
	ActiveInstruments() []model.Instrument
	Changes() <-chan market.InstrumentChange
}

// ClientConfig configures the upstream WebSocket client.
type ClientConfig struct {
	URL                string        // WebSocket URL of the upstream feed
	APIKey             string        // sent as a bearer token when set
	UserAgent          string        // User-Agent header on the handshake
	Format             Format        // wire format of upstream messages
	PingInterval       time.Duration // interval between client pings
	PingTimeout        time.Duration // max time without a pong before the connection is stale
	WriteTimeout       time.Duration // write deadline for sends
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	BufferSize         int // message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Format:             FormatCanonical,
		PingInterval:       15 * time.Second,
		PingTimeout:        60 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReconnectBaseDelay: time.Second,
		ReconnectMaxDelay:  60 * time.Second,
		BufferSize:         10000,
	}
}
