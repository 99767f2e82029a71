package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Validate checks that all required fields are set and values are valid.
func (c *EngineConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	if err := c.Feed.validate(); err != nil {
		return err
	}

	if c.Catalog.URL == "" && len(c.Catalog.Instruments) == 0 {
		return errors.New("catalog.url or catalog.instruments is required")
	}
	for i, inst := range c.Catalog.Instruments {
		if inst.Symbol == "" {
			return fmt.Errorf("catalog.instruments[%d].symbol is required", i)
		}
		if inst.PayoutPercent <= 0 {
			return fmt.Errorf("catalog.instruments[%d].payout_percent must be > 0", i)
		}
	}

	switch c.Database.Driver {
	case "timescale":
		if err := c.Database.Timescale.validate("database.timescale"); err != nil {
			return err
		}
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return errors.New("database.sqlite.path is required")
		}
	case "mongo":
		if c.Database.Mongo.URI == "" {
			return errors.New("database.mongo.uri is required")
		}
	case "memory":
	default:
		return fmt.Errorf("database.driver must be one of timescale, sqlite, mongo, memory, got %q", c.Database.Driver)
	}

	for i, tf := range c.Candles.Timeframes {
		if tf < time.Second || tf%time.Second != 0 {
			return fmt.Errorf("candles.timeframes[%d] must be a whole number of seconds, got %v", i, tf)
		}
	}
	if c.Candles.Tolerance < 0 {
		return errors.New("candles.tolerance must be >= 0")
	}
	if c.Candles.ClockSkew < 0 {
		return errors.New("candles.clock_skew must be >= 0")
	}
	if c.Candles.CacheDepth < 1 {
		return errors.New("candles.cache_depth must be >= 1")
	}

	if c.Writers.BatchSize < 1 {
		return errors.New("writers.batch_size must be >= 1")
	}
	if c.Writers.BufferSize < 1 {
		return errors.New("writers.buffer_size must be >= 1")
	}

	if err := c.Settlement.validate(); err != nil {
		return err
	}
	if c.Settlement.PersistTrades && c.Database.Driver != "timescale" {
		return errors.New("settlement.persist_trades requires database.driver timescale")
	}

	if err := c.Accounts.validate(); err != nil {
		return err
	}

	if c.Hub.PongWait <= c.Hub.PingInterval {
		return fmt.Errorf("hub.pong_wait (%v) must exceed hub.ping_interval (%v)", c.Hub.PongWait, c.Hub.PingInterval)
	}
	if c.Hub.SendBuffer < 1 {
		return errors.New("hub.send_buffer must be >= 1")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	return nil
}

func (f *FeedConfig) validate() error {
	switch f.Mode {
	case "websocket":
		if f.URL == "" {
			return errors.New("feed.url is required in websocket mode")
		}
	case "simulated":
	default:
		return fmt.Errorf("feed.mode must be websocket or simulated, got %q", f.Mode)
	}
	switch f.Format {
	case "canonical", "asset", "binance":
	default:
		return fmt.Errorf("feed.format must be canonical, asset or binance, got %q", f.Format)
	}
	if f.ReconnectBaseDelay > f.ReconnectMaxDelay {
		return errors.New("feed.reconnect_base_delay cannot exceed feed.reconnect_max_delay")
	}
	return nil
}

func (s *SettlementConfig) validate() error {
	if s.ExpirationStep <= 0 {
		return errors.New("settlement.expiration_step must be > 0")
	}
	if s.MinExpiration <= 0 || s.MinExpiration > s.MaxExpiration {
		return fmt.Errorf("settlement.min_expiration (%v) must be > 0 and <= max_expiration (%v)", s.MinExpiration, s.MaxExpiration)
	}
	minStake, err := decimal.NewFromString(s.MinStake)
	if err != nil {
		return fmt.Errorf("settlement.min_stake: %w", err)
	}
	maxStake, err := decimal.NewFromString(s.MaxStake)
	if err != nil {
		return fmt.Errorf("settlement.max_stake: %w", err)
	}
	if !minStake.IsPositive() || minStake.GreaterThan(maxStake) {
		return fmt.Errorf("settlement.min_stake (%s) must be > 0 and <= max_stake (%s)", minStake, maxStake)
	}
	return nil
}

func (a *AccountsConfig) validate() error {
	for _, field := range []struct{ name, value string }{
		{"accounts.demo_balance", a.DemoBalance},
		{"accounts.reset_ceiling", a.ResetCeiling},
	} {
		if _, err := decimal.NewFromString(field.value); err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
	}
	for i, acc := range a.Seed {
		if acc.ID == "" {
			return fmt.Errorf("accounts.seed[%d].id is required", i)
		}
		if acc.Type != "DEMO" && acc.Type != "REAL" {
			return fmt.Errorf("accounts.seed[%d].type must be DEMO or REAL, got %q", i, acc.Type)
		}
		if _, err := decimal.NewFromString(acc.Balance); err != nil {
			return fmt.Errorf("accounts.seed[%d].balance: %w", i, err)
		}
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
