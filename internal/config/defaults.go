package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultFeedMode           = "simulated"
	DefaultFeedFormat         = "canonical"
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 60 * time.Second
	DefaultPingInterval       = 15 * time.Second
	DefaultPingTimeout        = 60 * time.Second
	DefaultFeedBufferSize     = 10000
	DefaultSimulateInterval   = 250 * time.Millisecond
	DefaultStaleAfter         = 30 * time.Second
	DefaultHistoryRetention   = 10 * time.Minute
	DefaultCatalogTimeout     = 10 * time.Second
	DefaultCatalogRetries     = 3
	DefaultReconcileInterval  = 5 * time.Minute
	DefaultDriver             = "memory"
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultMaxConns           = 10
	DefaultMinConns           = 2
	DefaultSQLitePath         = "data/candles.db"
	DefaultMongoDatabase      = "engine"
	DefaultMongoCollection    = "candles"
	DefaultTolerance          = 2 * time.Second
	DefaultClockSkew          = 2 * time.Second
	DefaultUpdateInterval     = 250 * time.Millisecond
	DefaultMaxFill            = 10000
	DefaultCacheSeries        = 1024
	DefaultCacheDepth         = 500
	DefaultBatchSize          = 500
	DefaultFlushInterval      = 1 * time.Second
	DefaultBufferSize         = 10000
	DefaultRetryBase          = 1 * time.Second
	DefaultRetryMax           = 60 * time.Second
	DefaultMinExpiration      = 5 * time.Second
	DefaultMaxExpiration      = 300 * time.Second
	DefaultExpirationStep     = 5 * time.Second
	DefaultMinStake           = "1"
	DefaultMaxStake           = "10000"
	DefaultFeedGapGrace       = 2 * time.Second
	DefaultSweepInterval      = 30 * time.Second
	DefaultBatchInterval      = 100 * time.Millisecond
	DefaultCurrency           = "USD"
	DefaultDemoBalance        = "10000"
	DefaultResetCeiling       = "1000"
	DefaultHubPingInterval    = 25 * time.Second
	DefaultHubPongWait        = 60 * time.Second
	DefaultHubWriteWait       = 10 * time.Second
	DefaultHubSendBuffer      = 256
	DefaultClockInterval      = 1 * time.Second
	DefaultServerPort         = 8080
	DefaultMetricsPath        = "/metrics"
)

// DefaultTimeframes are aggregated when candles.timeframes is empty.
var DefaultTimeframes = []time.Duration{
	5 * time.Second,
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
}

// ApplyDefaults fills every unset optional field.
func (c *EngineConfig) ApplyDefaults() {
	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}

	// Feed defaults
	if c.Feed.Mode == "" {
		c.Feed.Mode = DefaultFeedMode
	}
	if c.Feed.Format == "" {
		c.Feed.Format = DefaultFeedFormat
	}
	if c.Feed.ReconnectBaseDelay == 0 {
		c.Feed.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Feed.ReconnectMaxDelay == 0 {
		c.Feed.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Feed.PingInterval == 0 {
		c.Feed.PingInterval = DefaultPingInterval
	}
	if c.Feed.PingTimeout == 0 {
		c.Feed.PingTimeout = DefaultPingTimeout
	}
	if c.Feed.BufferSize == 0 {
		c.Feed.BufferSize = DefaultFeedBufferSize
	}
	if c.Feed.SimulateInterval == 0 {
		c.Feed.SimulateInterval = DefaultSimulateInterval
	}
	if c.Feed.StaleAfter == 0 {
		c.Feed.StaleAfter = DefaultStaleAfter
	}
	if c.Feed.HistoryRetention == 0 {
		c.Feed.HistoryRetention = DefaultHistoryRetention
	}

	// Catalog defaults
	if c.Catalog.Timeout == 0 {
		c.Catalog.Timeout = DefaultCatalogTimeout
	}
	if c.Catalog.MaxRetries == 0 {
		c.Catalog.MaxRetries = DefaultCatalogRetries
	}
	if c.Catalog.ReconcileInterval == 0 {
		c.Catalog.ReconcileInterval = DefaultReconcileInterval
	}

	// Database defaults
	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDriver
	}
	applyDBDefaults(&c.Database.Timescale)
	if c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultSQLitePath
	}
	if c.Database.Mongo.Database == "" {
		c.Database.Mongo.Database = DefaultMongoDatabase
	}
	if c.Database.Mongo.Collection == "" {
		c.Database.Mongo.Collection = DefaultMongoCollection
	}

	// Candles defaults
	if len(c.Candles.Timeframes) == 0 {
		c.Candles.Timeframes = append([]time.Duration(nil), DefaultTimeframes...)
	}
	if c.Candles.Tolerance == 0 {
		c.Candles.Tolerance = DefaultTolerance
	}
	if c.Candles.ClockSkew == 0 {
		c.Candles.ClockSkew = DefaultClockSkew
	}
	if c.Candles.UpdateInterval == 0 {
		c.Candles.UpdateInterval = DefaultUpdateInterval
	}
	if c.Candles.MaxFill == 0 {
		c.Candles.MaxFill = DefaultMaxFill
	}
	if c.Candles.CacheSeries == 0 {
		c.Candles.CacheSeries = DefaultCacheSeries
	}
	if c.Candles.CacheDepth == 0 {
		c.Candles.CacheDepth = DefaultCacheDepth
	}

	// Writers defaults
	if c.Writers.BatchSize == 0 {
		c.Writers.BatchSize = DefaultBatchSize
	}
	if c.Writers.FlushInterval == 0 {
		c.Writers.FlushInterval = DefaultFlushInterval
	}
	if c.Writers.BufferSize == 0 {
		c.Writers.BufferSize = DefaultBufferSize
	}
	if c.Writers.RetryBase == 0 {
		c.Writers.RetryBase = DefaultRetryBase
	}
	if c.Writers.RetryMax == 0 {
		c.Writers.RetryMax = DefaultRetryMax
	}

	// Settlement defaults
	if c.Settlement.MinExpiration == 0 {
		c.Settlement.MinExpiration = DefaultMinExpiration
	}
	if c.Settlement.MaxExpiration == 0 {
		c.Settlement.MaxExpiration = DefaultMaxExpiration
	}
	if c.Settlement.ExpirationStep == 0 {
		c.Settlement.ExpirationStep = DefaultExpirationStep
	}
	if c.Settlement.MinStake == "" {
		c.Settlement.MinStake = DefaultMinStake
	}
	if c.Settlement.MaxStake == "" {
		c.Settlement.MaxStake = DefaultMaxStake
	}
	if c.Settlement.FeedGapGrace == 0 {
		c.Settlement.FeedGapGrace = DefaultFeedGapGrace
	}
	if c.Settlement.SweepInterval == 0 {
		c.Settlement.SweepInterval = DefaultSweepInterval
	}
	if c.Settlement.BatchInterval == 0 {
		c.Settlement.BatchInterval = DefaultBatchInterval
	}

	// Accounts defaults
	if c.Accounts.Currency == "" {
		c.Accounts.Currency = DefaultCurrency
	}
	if c.Accounts.DemoBalance == "" {
		c.Accounts.DemoBalance = DefaultDemoBalance
	}
	if c.Accounts.ResetCeiling == "" {
		c.Accounts.ResetCeiling = DefaultResetCeiling
	}
	for i := range c.Accounts.Seed {
		if c.Accounts.Seed[i].Type == "" {
			c.Accounts.Seed[i].Type = "DEMO"
		}
		if c.Accounts.Seed[i].Balance == "" {
			c.Accounts.Seed[i].Balance = c.Accounts.DemoBalance
		}
	}

	// Hub defaults
	if c.Hub.PingInterval == 0 {
		c.Hub.PingInterval = DefaultHubPingInterval
	}
	if c.Hub.PongWait == 0 {
		c.Hub.PongWait = DefaultHubPongWait
	}
	if c.Hub.WriteWait == 0 {
		c.Hub.WriteWait = DefaultHubWriteWait
	}
	if c.Hub.SendBuffer == 0 {
		c.Hub.SendBuffer = DefaultHubSendBuffer
	}
	if c.Hub.ClockInterval == 0 {
		c.Hub.ClockInterval = DefaultClockInterval
	}

	// Server and metrics defaults
	if c.Server.Port == 0 {
		c.Server.Port = DefaultServerPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
