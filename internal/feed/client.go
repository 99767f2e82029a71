package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rickgao/binary-engine/internal/backoff"
	"github.com/rickgao/binary-engine/internal/market"
	"github.com/rickgao/binary-engine/internal/metrics"
)

// Client is a Source backed by the upstream WebSocket feed.
type Client struct {
	cfg         ClientConfig
	instruments Instruments
	normalizer  *Normalizer
	metrics     *metrics.Metrics
	logger      *slog.Logger

	messages chan RawMessage

	mu         sync.Mutex
	conn       *conn
	subscribed map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient creates a feed client. Instruments drives subscriptions.
func NewClient(cfg ClientConfig, instruments Instruments, m *metrics.Metrics, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultClientConfig()
	if cfg.Format == "" {
		cfg.Format = def.Format
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = def.PingTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = def.ReconnectBaseDelay
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = def.ReconnectMaxDelay
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}

	return &Client{
		cfg:         cfg,
		instruments: instruments,
		normalizer:  NewNormalizer(cfg.Format),
		metrics:     metrics.OrDiscard(m),
		logger:      logger.With("component", "feed"),
		messages:    make(chan RawMessage, cfg.BufferSize),
		subscribed:  make(map[string]struct{}),
	}
}

// Messages returns the raw message channel.
func (c *Client) Messages() <-chan RawMessage {
	return c.messages
}

// Start connects and subscribes to every active instrument.
func (c *Client) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	for _, inst := range c.instruments.ActiveInstruments() {
		c.subscribed[inst.Symbol] = struct{}{}
	}

	cn, err := c.dial(c.ctx)
	if err != nil {
		c.cancel()
		return fmt.Errorf("connect feed: %w", err)
	}
	c.setConn(cn)
	c.resubscribe(cn)

	c.wg.Add(2)
	go c.supervise()
	go c.handleChanges()

	c.logger.Info("feed client started",
		"url", c.cfg.URL,
		"format", c.cfg.Format,
		"instruments", len(c.subscribed),
	)
	return nil
}

// Stop closes the connection and waits for background goroutines.
func (c *Client) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	if cn := c.current(); cn != nil {
		cn.close()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.metrics.FeedConnected.Set(0)
		c.logger.Info("feed client stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsConnected reports whether the upstream connection is up.
func (c *Client) IsConnected() bool {
	cn := c.current()
	return cn != nil && cn.isConnected()
}

func (c *Client) dial(ctx context.Context) (*conn, error) {
	cn := newConn(c.cfg, c.messages, c.metrics.FeedDropped.Inc, c.logger)
	if err := cn.connect(ctx); err != nil {
		return nil, err
	}
	c.metrics.FeedConnected.Set(1)
	return cn, nil
}

func (c *Client) current() *conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) setConn(cn *conn) {
	c.mu.Lock()
	c.conn = cn
	c.mu.Unlock()
}

// supervise waits for connection failures and reconnects.
func (c *Client) supervise() {
	defer c.wg.Done()

	for {
		cn := c.current()
		select {
		case <-c.ctx.Done():
			return
		case err := <-cn.errors:
			c.metrics.FeedConnected.Set(0)
			c.logger.Warn("feed connection error", "error", err)
			if !c.reconnect() {
				return
			}
		}
	}
}

// reconnect retries with capped exponential backoff until connected or
// the client stops. Returns false when stopped.
func (c *Client) reconnect() bool {
	c.current().close()

	for attempt := 0; ; attempt++ {
		wait := backoff.Calculate(c.cfg.ReconnectBaseDelay, c.cfg.ReconnectMaxDelay, attempt)
		select {
		case <-c.ctx.Done():
			return false
		case <-time.After(wait):
		}

		c.metrics.FeedReconnects.Inc()
		c.logger.Info("attempting feed reconnection", "attempt", attempt+1)

		cn, err := c.dial(c.ctx)
		if err != nil {
			c.logger.Warn("feed reconnection failed", "attempt", attempt+1, "error", err)
			continue
		}

		c.setConn(cn)
		c.resubscribe(cn)
		c.logger.Info("feed reconnected", "attempt", attempt+1)
		return true
	}
}

// resubscribe sends one subscribe command for the whole subscription set.
func (c *Client) resubscribe(cn *conn) {
	c.mu.Lock()
	symbols := make([]string, 0, len(c.subscribed))
	for s := range c.subscribed {
		symbols = append(symbols, s)
	}
	c.mu.Unlock()

	if len(symbols) == 0 {
		return
	}
	sort.Strings(symbols)
	c.sendCommand(cn, true, symbols)
}

// handleChanges applies registry changes to the subscription set.
func (c *Client) handleChanges() {
	defer c.wg.Done()

	changes := c.instruments.Changes()
	for {
		select {
		case <-c.ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			c.applyChange(change)
		}
	}
}

func (c *Client) applyChange(change market.InstrumentChange) {
	subscribe := change.Instrument.Active

	c.mu.Lock()
	_, had := c.subscribed[change.Symbol]
	if subscribe == had {
		c.mu.Unlock()
		return
	}
	if subscribe {
		c.subscribed[change.Symbol] = struct{}{}
	} else {
		delete(c.subscribed, change.Symbol)
	}
	cn := c.conn
	c.mu.Unlock()

	// A disconnected conn is resubscribed wholesale on reconnect.
	if cn != nil && cn.isConnected() {
		c.sendCommand(cn, subscribe, []string{change.Symbol})
	}
}

func (c *Client) sendCommand(cn *conn, subscribe bool, symbols []string) {
	var data []byte
	var err error
	if subscribe {
		data, err = c.normalizer.Subscribe(symbols)
	} else {
		data, err = c.normalizer.Unsubscribe(symbols)
	}
	if err != nil {
		c.logger.Error("encode feed command", "error", err)
		return
	}
	if err := cn.send(data); err != nil {
		c.logger.Warn("send feed command failed",
			"subscribe", subscribe,
			"instruments", len(symbols),
			"error", err,
		)
		return
	}
	c.logger.Debug("feed command sent", "subscribe", subscribe, "instruments", symbols)
}
