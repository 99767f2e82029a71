package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/binary-engine/internal/account"
	"github.com/rickgao/binary-engine/internal/candle"
	"github.com/rickgao/binary-engine/internal/catalog"
	"github.com/rickgao/binary-engine/internal/config"
	"github.com/rickgao/binary-engine/internal/database"
	"github.com/rickgao/binary-engine/internal/feed"
	"github.com/rickgao/binary-engine/internal/hub"
	"github.com/rickgao/binary-engine/internal/market"
	"github.com/rickgao/binary-engine/internal/metrics"
	"github.com/rickgao/binary-engine/internal/model"
	"github.com/rickgao/binary-engine/internal/router"
	"github.com/rickgao/binary-engine/internal/server"
	"github.com/rickgao/binary-engine/internal/settlement"
	"github.com/rickgao/binary-engine/internal/storage"
	"github.com/rickgao/binary-engine/internal/version"
	"github.com/rickgao/binary-engine/internal/writer"
)

// component is anything with the Start/Stop lifecycle.
type component interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type stage struct {
	name string
	c    component
}

// App owns every component of an engine instance.
type App struct {
	cfg     *config.EngineConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	pool    *pgxpool.Pool // nil unless the timescale driver is selected
	durable storage.Durable
	store   *storage.Cached

	registry     *market.Registry
	book         *market.Book
	accounts     *account.Service
	source       feed.Source
	router       *router.Router
	aggregator   *candle.Aggregator
	candleWriter *writer.CandleWriter
	tradeWriter  *writer.TradeWriter // nil unless trades are persisted
	settlement   *settlement.Engine
	hub          *hub.Hub
	server       *server.Server

	started map[string]bool
}

// New opens storage and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfg *config.EngineConfig, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
		started: make(map[string]bool),
	}

	if err := a.openStorage(ctx); err != nil {
		return nil, err
	}
	if err := a.build(); err != nil {
		a.closeStorage()
		return nil, err
	}
	return a, nil
}

func (a *App) openStorage(ctx context.Context) error {
	db := a.cfg.Database
	switch db.Driver {
	case "timescale":
		pool, err := database.Connect(ctx, db.Timescale)
		if err != nil {
			return fmt.Errorf("connect timescale: %w", err)
		}
		if err := database.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return fmt.Errorf("ensure schema: %w", err)
		}
		a.pool = pool
		a.durable = storage.NewTimescale(pool, a.logger)
	case "sqlite":
		s, err := storage.OpenSQLite(db.SQLite.Path, a.logger)
		if err != nil {
			return err
		}
		a.durable = s
	case "mongo":
		m, err := storage.OpenMongo(ctx, db.Mongo.URI, db.Mongo.Database, db.Mongo.Collection, a.logger)
		if err != nil {
			return err
		}
		a.durable = m
	default:
		a.durable = storage.NewMemory()
	}

	cached, err := storage.NewCached(a.durable, a.cfg.Candles.CacheSeries, a.cfg.Candles.CacheDepth, a.logger)
	if err != nil {
		a.closeStorage()
		return fmt.Errorf("candle cache: %w", err)
	}
	a.store = cached

	a.logger.Info("storage opened", "driver", db.Driver)
	return nil
}

func (a *App) build() error {
	cfg := a.cfg

	a.registry = market.NewRegistry(market.Config{
		ReconcileInterval: cfg.Catalog.ReconcileInterval,
		StaleAfter:        cfg.Feed.StaleAfter,
	}, a.catalog(), a.logger)
	a.book = market.NewBook(cfg.Feed.HistoryRetention)

	accounts, err := a.openAccounts()
	if err != nil {
		return err
	}
	a.accounts = accounts

	format, err := feed.ParseFormat(cfg.Feed.Format)
	if err != nil {
		return err
	}
	source, err := a.feedSource(format)
	if err != nil {
		return err
	}
	a.source = source
	if cfg.Feed.Mode == "simulated" {
		format = feed.FormatCanonical
	}

	a.router = router.NewRouter(router.Config{
		CandleBufferSize:     cfg.Writers.BufferSize,
		SettlementBufferSize: router.DefaultConfig().SettlementBufferSize,
		PriceBufferSize:      router.DefaultConfig().PriceBufferSize,
	}, a.source.Messages(), feed.NewNormalizer(format), a.book, a.registry, a.metrics, a.logger)
	buffers := a.router.Buffers()

	a.hub = hub.New(hub.Config{
		PingInterval:   cfg.Hub.PingInterval,
		PongWait:       cfg.Hub.PongWait,
		WriteWait:      cfg.Hub.WriteWait,
		SendBuffer:     cfg.Hub.SendBuffer,
		ClockInterval:  cfg.Hub.ClockInterval,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, hub.Sources{
		Prices:   buffers.Price,
		Balances: a.accounts.Changes(),
	}, a.metrics, a.logger)

	writerCfg := a.writerConfig()
	a.candleWriter = writer.NewCandleWriter(writerCfg,
		router.NewGrowableBuffer[model.Candle](cfg.Writers.BufferSize), a.durable, a.metrics, a.logger)

	timeframes := make([]model.Timeframe, 0, len(cfg.Candles.Timeframes))
	for _, d := range cfg.Candles.Timeframes {
		timeframes = append(timeframes, model.Timeframe(d))
	}
	a.aggregator = candle.NewAggregator(candle.Config{
		Timeframes:     timeframes,
		Tolerance:      cfg.Candles.Tolerance,
		ClockSkew:      cfg.Candles.ClockSkew,
		UpdateInterval: cfg.Candles.UpdateInterval,
		MaxFill:        cfg.Candles.MaxFill,
		AdvanceEvery:   time.Second,
	}, buffers.Candle, candle.Sinks{a.store, a.candleWriter, a.hub}, a.metrics, a.logger)

	settleCfg, err := settlementConfig(cfg.Settlement)
	if err != nil {
		return err
	}
	deps := settlement.Deps{
		Instruments: a.registry,
		Accounts:    a.accounts,
		Publisher:   a.hub,
		Input:       buffers.Settlement,
	}
	if cfg.Settlement.PersistTrades && a.pool != nil {
		a.tradeWriter = writer.NewTradeWriter(writerCfg,
			router.NewGrowableBuffer[model.Trade](cfg.Writers.BufferSize), a.pool, a.logger)
		deps.Recorder = a.tradeWriter
	}
	a.settlement = settlement.NewEngine(settleCfg, deps, a.metrics, a.logger)
	if err := a.settlement.Attach(a.book); err != nil {
		return err
	}

	a.server = server.New(server.Config{
		Port:           cfg.Server.Port,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MetricsPath:    cfg.Metrics.Path,
	}, server.Deps{
		Trades:      a.settlement,
		Accounts:    a.accounts,
		Candles:     a.store,
		Instruments: a.registry,
		Live:        a.aggregator,
		WS:          http.HandlerFunc(a.hub.ServeWS),
		Metrics:     a.metrics.Handler(),
	}, a.logger)

	return nil
}

func (a *App) catalog() market.Catalog {
	c := a.cfg.Catalog
	if c.URL == "" {
		return catalog.NewStatic(c.Instruments)
	}
	return catalog.NewClient(c.URL, c.APIKey,
		catalog.WithTimeout(c.Timeout),
		catalog.WithRetries(c.MaxRetries, time.Second),
		catalog.WithLogger(a.logger),
		catalog.WithUserAgent("binary-engine/"+version.Version),
	)
}

func (a *App) openAccounts() (*account.Service, error) {
	c := a.cfg.Accounts
	demo, err := decimal.NewFromString(c.DemoBalance)
	if err != nil {
		return nil, fmt.Errorf("accounts.demo_balance: %w", err)
	}
	ceiling, err := decimal.NewFromString(c.ResetCeiling)
	if err != nil {
		return nil, fmt.Errorf("accounts.reset_ceiling: %w", err)
	}

	svc := account.NewService(account.Config{
		Currency:     c.Currency,
		DemoBalance:  demo,
		ResetCeiling: ceiling,
	}, a.logger)

	for _, seed := range c.Seed {
		balance, err := decimal.NewFromString(seed.Balance)
		if err != nil {
			return nil, fmt.Errorf("accounts.seed %s: %w", seed.ID, err)
		}
		if _, err := svc.Open(seed.ID, model.AccountType(seed.Type), "", balance); err != nil {
			return nil, fmt.Errorf("accounts.seed %s: %w", seed.ID, err)
		}
	}
	return svc, nil
}

func (a *App) feedSource(format feed.Format) (feed.Source, error) {
	f := a.cfg.Feed
	if f.Mode == "simulated" {
		prices := make(map[string]decimal.Decimal)
		for _, ic := range a.cfg.Catalog.Instruments {
			if ic.StartPrice == "" {
				continue
			}
			p, err := decimal.NewFromString(ic.StartPrice)
			if err != nil {
				return nil, fmt.Errorf("catalog.instruments %s start_price: %w", ic.Symbol, err)
			}
			prices[ic.Symbol] = p
		}
		return feed.NewSimulator(feed.SimulatorConfig{
			Interval:    f.SimulateInterval,
			Seed:        f.SimulateSeed,
			StartPrices: prices,
			BufferSize:  f.BufferSize,
		}, a.registry, a.metrics, a.logger), nil
	}

	return feed.NewClient(feed.ClientConfig{
		URL:                f.URL,
		APIKey:             f.APIKey,
		UserAgent:          "binary-engine/" + version.Version,
		Format:             format,
		PingInterval:       f.PingInterval,
		PingTimeout:        f.PingTimeout,
		ReconnectBaseDelay: f.ReconnectBaseDelay,
		ReconnectMaxDelay:  f.ReconnectMaxDelay,
		BufferSize:         f.BufferSize,
	}, a.registry, a.metrics, a.logger), nil
}

func (a *App) writerConfig() writer.WriterConfig {
	w := a.cfg.Writers
	return writer.WriterConfig{
		BatchSize:     w.BatchSize,
		FlushInterval: w.FlushInterval,
		RetryBase:     w.RetryBase,
		RetryMax:      w.RetryMax,
	}
}

func settlementConfig(c config.SettlementConfig) (settlement.Config, error) {
	minStake, err := decimal.NewFromString(c.MinStake)
	if err != nil {
		return settlement.Config{}, fmt.Errorf("settlement.min_stake: %w", err)
	}
	maxStake, err := decimal.NewFromString(c.MaxStake)
	if err != nil {
		return settlement.Config{}, fmt.Errorf("settlement.max_stake: %w", err)
	}
	return settlement.Config{
		MinExpiration:  c.MinExpiration,
		MaxExpiration:  c.MaxExpiration,
		ExpirationStep: c.ExpirationStep,
		MinStake:       minStake,
		MaxStake:       maxStake,
		FeedGapGrace:   c.FeedGapGrace,
		SweepInterval:  c.SweepInterval,
		BatchInterval:  c.BatchInterval,
	}, nil
}

// Start brings components up in dependency order. If one fails, the ones
// already running are stopped before the error is returned.
func (a *App) Start(ctx context.Context) error {
	a.logger.Info("starting engine",
		"instance_id", a.cfg.Instance.ID,
		"version", version.Version,
		"feed_mode", a.cfg.Feed.Mode,
		"driver", a.cfg.Database.Driver,
	)

	for _, st := range a.startOrder() {
		var prep func(context.Context) error
		switch st.name {
		case "aggregator":
			prep = a.primeCandles
		case "settlement":
			prep = a.restoreTrades
		}
		if prep != nil {
			if err := prep(ctx); err != nil {
				a.abort()
				return err
			}
		}
		if err := st.c.Start(ctx); err != nil {
			a.logger.Error("component failed to start", "component", st.name, "error", err)
			a.abort()
			return fmt.Errorf("start %s: %w", st.name, err)
		}
		a.started[st.name] = true
	}

	a.logger.Info("engine running",
		"port", a.cfg.Server.Port,
		"instruments", len(a.registry.ActiveInstruments()),
	)
	return nil
}

func (a *App) abort() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Stop(ctx); err != nil {
		a.logger.Warn("cleanup after failed start", "error", err)
	}
}

// primeCandles hands the aggregator the newest stored candle of every
// series so downtime is bridged with flat candles.
func (a *App) primeCandles(ctx context.Context) error {
	primed := 0
	for _, inst := range a.registry.ActiveInstruments() {
		for _, d := range a.cfg.Candles.Timeframes {
			tf := model.Timeframe(d)
			c, ok, err := a.durable.LatestCandle(ctx, inst.Symbol, tf)
			if err != nil {
				return fmt.Errorf("load last %s/%s candle: %w", inst.Symbol, tf, err)
			}
			if !ok {
				continue
			}
			a.aggregator.Prime(c)
			primed++
		}
	}
	if primed > 0 {
		a.logger.Info("candle series primed from storage", "series", primed)
	}
	return nil
}

func (a *App) restoreTrades(ctx context.Context) error {
	if a.tradeWriter == nil {
		return nil
	}
	trades, err := writer.LoadOpenTrades(ctx, a.pool)
	if err != nil {
		return fmt.Errorf("load open trades: %w", err)
	}
	if n := a.settlement.Restore(trades); n > 0 {
		a.logger.Info("restored open trades", "count", n)
	}
	return nil
}

func (a *App) startOrder() []stage {
	order := []stage{
		{"registry", a.registry},
		{"feed", a.source},
		{"router", a.router},
		{"aggregator", a.aggregator},
		{"candle_writer", a.candleWriter},
	}
	if a.tradeWriter != nil {
		order = append(order, stage{"trade_writer", a.tradeWriter})
	}
	return append(order,
		stage{"settlement", a.settlement},
		stage{"hub", a.hub},
		stage{"server", a.server},
	)
}

// stopOrder groups components into phases. Components in one phase have
// no buffer between them and stop concurrently.
func (a *App) stopOrder() [][]stage {
	phases := [][]stage{
		{{"server", a.server}},
		{{"hub", a.hub}},
		{{"feed", a.source}},
		{{"router", a.router}},
		{{"aggregator", a.aggregator}},
		{{"candle_writer", a.candleWriter}, {"settlement", a.settlement}},
	}
	if a.tradeWriter != nil {
		phases = append(phases, []stage{{"trade_writer", a.tradeWriter}})
	}
	return append(phases, []stage{{"registry", a.registry}})
}

// Stop shuts down every started component and closes storage. It keeps
// going after a failure and returns every error joined.
func (a *App) Stop(ctx context.Context) error {
	a.logger.Info("shutting down engine")

	var errs []error
	for _, phase := range a.stopOrder() {
		g, gctx := errgroup.WithContext(ctx)
		for _, st := range phase {
			if !a.started[st.name] {
				continue
			}
			g.Go(func() error {
				if err := st.c.Stop(gctx); err != nil {
					a.logger.Warn("component failed to stop", "component", st.name, "error", err)
					return fmt.Errorf("stop %s: %w", st.name, err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			errs = append(errs, err)
		}
		for _, st := range phase {
			delete(a.started, st.name)
		}
	}

	if err := a.closeStorage(); err != nil {
		errs = append(errs, err)
	}

	a.logger.Info("engine stopped")
	return errors.Join(errs...)
}

func (a *App) closeStorage() error {
	var err error
	if a.durable != nil {
		err = a.durable.Close()
		a.durable = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
	return err
}

// Run starts the engine, blocks until ctx ends and then stops it within
// shutdownTimeout. Components run detached from ctx so that cancellation
// does not cut short the ordered drain in Stop.
func (a *App) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	if err := a.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return a.Stop(stopCtx)
}

// Addr returns the HTTP listener address once started.
func (a *App) Addr() string {
	return a.server.Addr()
}

// Accounts exposes the balance service.
func (a *App) Accounts() *account.Service {
	return a.accounts
}

// Settlement exposes the trade engine.
func (a *App) Settlement() *settlement.Engine {
	return a.settlement
}
