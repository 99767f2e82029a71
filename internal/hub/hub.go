package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/binary-engine/internal/account"
	"github.com/rickgao/binary-engine/internal/metrics"
	"github.com/rickgao/binary-engine/internal/model"
	"github.com/rickgao/binary-engine/internal/router"
)

// ErrClosed is returned for commands sent after Stop.
var ErrClosed = errors.New("hub closed")

// commandBufferSize is the capacity of the hub command queue.
const commandBufferSize = 4096

// Config holds hub and websocket settings.
type Config struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	SendBuffer     int
	ClockInterval  time.Duration
	AllowedOrigins []string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PingInterval:  25 * time.Second,
		PongWait:      60 * time.Second,
		WriteWait:     10 * time.Second,
		SendBuffer:    256,
		ClockInterval: time.Second,
	}
}

// Sources feed the hub from other components. Both are optional.
type Sources struct {
	Prices   *router.GrowableBuffer[model.PriceTick]
	Balances <-chan account.BalanceChange
}

// Stats holds hub counters.
type Stats struct {
	Connections int64
	Evictions   uint64
	Published   uint64
}

// Client is one registered viewer. Its send queue is closed by the hub
// when the client is unregistered or evicted.
type Client struct {
	id      uuid.UUID
	account string
	send    chan []byte

	instrument string // owned by the hub goroutine
}

// ID returns the connection ID.
func (c *Client) ID() uuid.UUID { return c.id }

// Account returns the account the connection belongs to.
func (c *Client) Account() string { return c.account }

// Send returns the outbound frame queue.
func (c *Client) Send() <-chan []byte { return c.send }

type op int

const (
	opRegister op = iota
	opUnregister
	opSubscribe
	opInstrument
	opAccount
	opClient
)

type command struct {
	op      op
	client  *Client
	key     string // instrument or account
	kind    string // frame type, for metrics
	payload []byte
}

// Hub routes frames to registered clients.
type Hub struct {
	cfg     Config
	src     Sources
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	cmds     chan command
	stopped  chan struct{}
	stopOnce sync.Once

	// Owned by run.
	clients      map[*Client]struct{}
	byInstrument map[string]map[*Client]struct{}
	byAccount    map[string]map[*Client]struct{}

	connections atomic.Int64
	evictions   atomic.Uint64
	published   atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a hub.
func New(cfg Config, src Sources, m *metrics.Metrics, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = d.PingInterval
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = d.PongWait
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = d.WriteWait
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = d.SendBuffer
	}
	if cfg.ClockInterval <= 0 {
		cfg.ClockInterval = d.ClockInterval
	}
	return &Hub{
		cfg:          cfg,
		src:          src,
		metrics:      metrics.OrDiscard(m),
		logger:       logger.With("component", "hub"),
		now:          time.Now,
		cmds:         make(chan command, commandBufferSize),
		stopped:      make(chan struct{}),
		clients:      make(map[*Client]struct{}),
		byInstrument: make(map[string]map[*Client]struct{}),
		byAccount:    make(map[string]map[*Client]struct{}),
	}
}

// Start runs the hub goroutine and the source pumps.
func (h *Hub) Start(ctx context.Context) error {
	h.ctx, h.cancel = context.WithCancel(ctx)

	h.wg.Add(1)
	go h.run()

	if h.src.Prices != nil {
		h.wg.Add(1)
		go h.pumpPrices()
	}
	if h.src.Balances != nil {
		h.wg.Add(1)
		go h.pumpBalances()
	}

	h.logger.Info("hub started", "clock_interval", h.cfg.ClockInterval, "send_buffer", h.cfg.SendBuffer)
	return nil
}

// Stop disconnects every client and waits for the hub goroutines.
func (h *Hub) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() { close(h.stopped) })
	if h.cancel != nil {
		h.cancel()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub stopped", "evictions", h.evictions.Load(), "published", h.published.Load())
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns current counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Connections: h.connections.Load(),
		Evictions:   h.evictions.Load(),
		Published:   h.published.Load(),
	}
}

// NewClient creates an unregistered client for an account. An empty
// account receives no account-scoped events.
func (h *Hub) NewClient(accountID string) *Client {
	return &Client{
		id:      uuid.New(),
		account: accountID,
		send:    make(chan []byte, h.cfg.SendBuffer),
	}
}

// Register adds a client.
func (h *Hub) Register(c *Client) error {
	return h.submit(command{op: opRegister, client: c})
}

// Unregister removes a client and closes its send queue.
func (h *Hub) Unregister(c *Client) error {
	return h.submit(command{op: opUnregister, client: c})
}

// Subscribe replaces the client's instrument filter. An empty instrument
// clears it. The client receives a "subscribed" ack after the swap.
func (h *Hub) Subscribe(c *Client, instrument string) error {
	return h.submit(command{op: opSubscribe, client: c, key: instrument})
}

// PriceUpdated publishes a routed tick.
func (h *Hub) PriceUpdated(tick model.PriceTick) {
	h.publish(opInstrument, tick.Instrument, Frame{
		Type:       TypePriceUpdate,
		Instrument: tick.Instrument,
		Data:       PriceData{Asset: tick.Instrument, Price: tick.Price, Timestamp: tick.Timestamp},
	})
}

// CandleUpdated publishes an in-progress candle.
func (h *Hub) CandleUpdated(c model.Candle) {
	h.publish(opInstrument, c.Instrument, Frame{
		Type:       TypeCandleUpdate,
		Instrument: c.Instrument,
		Data:       CandleData{Timeframe: c.Timeframe, Candle: c},
	})
}

// CandleClosed publishes a finalized candle.
func (h *Hub) CandleClosed(c model.Candle) {
	h.publish(opInstrument, c.Instrument, Frame{
		Type:       TypeCandleClose,
		Instrument: c.Instrument,
		Data:       CandleData{Timeframe: c.Timeframe, Candle: c},
	})
}

// GapFilled publishes only the newest flat candle of a filled gap.
// Viewers reload older history over REST.
func (h *Hub) GapFilled(filled []model.Candle) {
	if len(filled) == 0 {
		return
	}
	h.CandleClosed(filled[len(filled)-1])
}

// TradeOpened publishes a new trade to its account.
func (h *Hub) TradeOpened(t model.Trade) {
	h.publish(opAccount, t.AccountID, Frame{Type: TypeTradeOpen, Data: t})
}

// TradeClosed publishes a settled trade to its account.
func (h *Hub) TradeClosed(t model.Trade) {
	h.publish(opAccount, t.AccountID, Frame{Type: TypeTradeClose, Data: t})
}

// BalanceChanged publishes a balance mutation to its account.
func (h *Hub) BalanceChanged(change account.BalanceChange) {
	h.publish(opAccount, change.Snapshot.AccountID, Frame{Type: TypeBalanceUpdate, Data: change.Snapshot})
}

func (h *Hub) reply(c *Client, f Frame) {
	payload, err := encode(f)
	if err != nil {
		h.logger.Error("encode frame failed", "type", f.Type, "error", err)
		return
	}
	h.submit(command{op: opClient, client: c, kind: f.Type, payload: payload})
}

func (h *Hub) publish(route op, key string, f Frame) {
	payload, err := encode(f)
	if err != nil {
		h.logger.Error("encode frame failed", "type", f.Type, "error", err)
		return
	}
	h.submit(command{op: route, key: key, kind: f.Type, payload: payload})
}

func (h *Hub) submit(cmd command) error {
	select {
	case <-h.stopped:
		return ErrClosed
	default:
	}
	select {
	case h.cmds <- cmd:
		return nil
	case <-h.stopped:
		return ErrClosed
	}
}

func (h *Hub) run() {
	defer h.wg.Done()

	clock := time.NewTicker(h.cfg.ClockInterval)
	defer clock.Stop()

	for {
		select {
		case <-h.ctx.Done():
			h.closeAll()
			return
		case cmd := <-h.cmds:
			h.handle(cmd)
		case <-clock.C:
			h.broadcastTime()
		}
	}
}

func (h *Hub) handle(cmd command) {
	switch cmd.op {
	case opRegister:
		h.add(cmd.client)
	case opUnregister:
		h.remove(cmd.client, false)
	case opSubscribe:
		h.swap(cmd.client, cmd.key)
	case opInstrument:
		h.deliver(cmd.kind, h.byInstrument[cmd.key], cmd.payload)
	case opAccount:
		h.deliver(cmd.kind, h.byAccount[cmd.key], cmd.payload)
	case opClient:
		if _, ok := h.clients[cmd.client]; ok {
			h.enqueue(cmd.client, cmd.payload)
		}
	}
}

func (h *Hub) add(c *Client) {
	if _, ok := h.clients[c]; ok {
		return
	}
	h.clients[c] = struct{}{}
	if c.account != "" {
		addTo(h.byAccount, c.account, c)
	}
	h.metrics.HubConnections.Set(float64(h.connections.Add(1)))
	h.logger.Debug("client registered", "connection_id", c.id, "account_id", c.account)
}

func (h *Hub) remove(c *Client, evicted bool) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	removeFrom(h.byAccount, c.account, c)
	removeFrom(h.byInstrument, c.instrument, c)
	close(c.send)
	h.metrics.HubConnections.Set(float64(h.connections.Add(-1)))

	if evicted {
		h.evictions.Add(1)
		h.metrics.HubEvictions.Inc()
		h.logger.Warn("disconnected slow client",
			"connection_id", c.id,
			"account_id", c.account,
			"instrument", c.instrument,
			"send_buffer", cap(c.send),
		)
		return
	}
	h.logger.Debug("client unregistered", "connection_id", c.id)
}

func (h *Hub) swap(c *Client, instrument string) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	removeFrom(h.byInstrument, c.instrument, c)
	c.instrument = instrument
	if instrument != "" {
		addTo(h.byInstrument, instrument, c)
	}

	ack, err := encode(Frame{Type: TypeSubscribed, Instrument: instrument})
	if err != nil {
		return
	}
	h.enqueue(c, ack)
}

func (h *Hub) deliver(kind string, set map[*Client]struct{}, payload []byte) {
	for c := range set {
		h.enqueue(c, payload)
	}
	h.published.Add(1)
	h.metrics.HubEvents.WithLabelValues(kind).Inc()
}

// enqueue queues a frame or evicts the client when its queue is full.
func (h *Hub) enqueue(c *Client, payload []byte) {
	select {
	case c.send <- payload:
	default:
		h.remove(c, true)
	}
}

func (h *Hub) broadcastTime() {
	payload, err := encode(Frame{Type: TypeServerTime, Data: TimeData{Timestamp: h.now().UnixMilli()}})
	if err != nil {
		return
	}
	h.deliver(TypeServerTime, h.clients, payload)
}

func (h *Hub) closeAll() {
	for c := range h.clients {
		h.remove(c, false)
	}
}

func (h *Hub) pumpPrices() {
	defer h.wg.Done()

	for h.ctx.Err() == nil {
		ticks := h.src.Prices.DrainTo(256)
		if len(ticks) == 0 {
			select {
			case <-h.ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
				continue
			}
		}
		for _, tick := range ticks {
			h.PriceUpdated(tick)
		}
	}
}

func (h *Hub) pumpBalances() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return
		case change, ok := <-h.src.Balances:
			if !ok {
				return
			}
			h.BalanceChanged(change)
		}
	}
}

func addTo(index map[string]map[*Client]struct{}, key string, c *Client) {
	set, ok := index[key]
	if !ok {
		set = make(map[*Client]struct{})
		index[key] = set
	}
	set[c] = struct{}{}
}

func removeFrom(index map[string]map[*Client]struct{}, key string, c *Client) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(index, key)
	}
}
