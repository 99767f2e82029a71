package market

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/binary-engine/internal/model"
)

// ChangeBufferSize is the capacity of the InstrumentChange channel.
const ChangeBufferSize = 1000

// Change event types.
const (
	EventCreated     = "created"
	EventActivated   = "activated"
	EventDeactivated = "deactivated"
	EventUpdated     = "updated"
)

// Catalog lists instruments from the external catalog.
type Catalog interface {
	ListInstruments(ctx context.Context) ([]model.Instrument, error)
}

// InstrumentChange represents an instrument state transition.
type InstrumentChange struct {
	Symbol     string
	EventType  string // created, activated, deactivated, updated
	Instrument model.Instrument
}

// Config holds Registry configuration.
type Config struct {
	ReconcileInterval time.Duration
	StaleAfter        time.Duration // feed inactive after this long without a tick
}

// Registry caches the instrument catalog and feed liveness.
type Registry struct {
	cfg     Config
	catalog Catalog
	logger  *slog.Logger
	now     func() time.Time

	state *registryState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry creates a new instrument registry.
func NewRegistry(cfg Config, catalog Catalog, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 5 * time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Second
	}

	return &Registry{
		cfg:     cfg,
		catalog: catalog,
		logger:  logger.With("component", "market_registry"),
		now:     time.Now,
		state:   newState(),
	}
}

// Start performs a blocking initial sync, then reconciles in the background.
func (r *Registry) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	if err := r.sync(r.ctx); err != nil {
		r.cancel()
		return err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.reconciliationLoop(r.ctx)
	}()

	r.logger.Info("market registry started",
		"active_instruments", r.state.activeCount(),
	)
	return nil
}

// Stop gracefully shuts down.
func (r *Registry) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("market registry stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveInstruments returns all active instruments sorted by symbol.
func (r *Registry) ActiveInstruments() []model.Instrument {
	return r.state.getActive()
}

// Instrument returns an instrument by symbol.
func (r *Registry) Instrument(symbol string) (model.Instrument, bool) {
	return r.state.get(symbol)
}

// Changes returns the channel of instrument changes.
// The feed client uses it to know when to subscribe.
func (r *Registry) Changes() <-chan InstrumentChange {
	return r.state.changes
}

// ObserveTick records that a tick for symbol arrived now.
func (r *Registry) ObserveTick(symbol string) {
	r.state.markTick(symbol, r.now())
}

// HasActiveFeed reports whether symbol is active and ticked within StaleAfter.
func (r *Registry) HasActiveFeed(symbol string) bool {
	last, ok := r.state.lastTick(symbol)
	if !ok {
		return false
	}
	if _, active := r.state.get(symbol); !active {
		return false
	}
	return r.now().Sub(last) <= r.cfg.StaleAfter
}
