package config

import "time"

// EngineConfig is the root configuration for an engine instance.
type EngineConfig struct {
	Instance   InstanceConfig   `yaml:"instance"`
	Log        LogConfig        `yaml:"log"`
	Feed       FeedConfig       `yaml:"feed"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Database   DatabaseConfig   `yaml:"database"`
	Candles    CandlesConfig    `yaml:"candles"`
	Writers    WritersConfig    `yaml:"writers"`
	Settlement SettlementConfig `yaml:"settlement"`
	Accounts   AccountsConfig   `yaml:"accounts"`
	Hub        HubConfig        `yaml:"hub"`
	Server     ServerConfig     `yaml:"server"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// InstanceConfig identifies this engine.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// FeedConfig holds the upstream price feed settings.
type FeedConfig struct {
	Mode               string        `yaml:"mode"`   // "websocket" or "simulated"
	URL                string        `yaml:"url"`    // upstream WebSocket URL
	Format             string        `yaml:"format"` // canonical, asset, binance
	APIKey             string        `yaml:"api_key"`
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	PingTimeout        time.Duration `yaml:"ping_timeout"`
	BufferSize         int           `yaml:"buffer_size"`
	SimulateInterval   time.Duration `yaml:"simulate_interval"`
	SimulateSeed       int64         `yaml:"simulate_seed"`
	StaleAfter         time.Duration `yaml:"stale_after"` // feed considered inactive after this long without ticks
	HistoryRetention   time.Duration `yaml:"history_retention"`
}

// CatalogConfig holds the instrument catalog settings.
// When URL is empty the static Instruments list is served.
type CatalogConfig struct {
	URL               string             `yaml:"url"`
	APIKey            string             `yaml:"api_key"`
	Timeout           time.Duration      `yaml:"timeout"`
	MaxRetries        int                `yaml:"max_retries"`
	ReconcileInterval time.Duration      `yaml:"reconcile_interval"`
	Instruments       []InstrumentConfig `yaml:"instruments"`
}

// InstrumentConfig is a statically configured instrument.
type InstrumentConfig struct {
	Symbol        string  `yaml:"symbol"`
	PayoutPercent float64 `yaml:"payout_percent"`
	StartPrice    string  `yaml:"start_price"` // simulator seed price
}

// DatabaseConfig selects and configures durable candle storage.
type DatabaseConfig struct {
	Driver    string       `yaml:"driver"` // timescale, sqlite, mongo, memory
	Timescale DBConfig     `yaml:"timescale"`
	SQLite    SQLiteConfig `yaml:"sqlite"`
	Mongo     MongoConfig  `yaml:"mongo"`
}

// DBConfig holds a single PostgreSQL/TimescaleDB connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// SQLiteConfig holds the single-node SQLite store path.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// MongoConfig holds the MongoDB candle store settings.
type MongoConfig struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

// CandlesConfig holds aggregation and cache settings.
type CandlesConfig struct {
	Timeframes     []time.Duration `yaml:"timeframes"`
	Tolerance      time.Duration   `yaml:"tolerance"`       // out-of-order window
	ClockSkew      time.Duration   `yaml:"clock_skew"`      // how far feed timestamps may trail the wall clock
	UpdateInterval time.Duration   `yaml:"update_interval"` // candle:update rate bound
	MaxFill        int             `yaml:"max_fill"`        // flat candles synthesized per gap
	CacheSeries    int             `yaml:"cache_series"`
	CacheDepth     int             `yaml:"cache_depth"`
}

// WritersConfig holds batch writer settings.
type WritersConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
	RetryBase     time.Duration `yaml:"retry_base"`
	RetryMax      time.Duration `yaml:"retry_max"`
}

// SettlementConfig holds trade validation and settlement timing.
type SettlementConfig struct {
	MinExpiration  time.Duration `yaml:"min_expiration"`
	MaxExpiration  time.Duration `yaml:"max_expiration"`
	ExpirationStep time.Duration `yaml:"expiration_step"`
	MinStake       string        `yaml:"min_stake"`
	MaxStake       string        `yaml:"max_stake"`
	FeedGapGrace   time.Duration `yaml:"feed_gap_grace"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	BatchInterval  time.Duration `yaml:"batch_interval"`
	PersistTrades  bool          `yaml:"persist_trades"` // requires the timescale driver
}

// AccountsConfig holds balance service settings.
type AccountsConfig struct {
	Currency     string          `yaml:"currency"`
	DemoBalance  string          `yaml:"demo_balance"`
	ResetCeiling string          `yaml:"reset_ceiling"`
	Seed         []AccountConfig `yaml:"seed"`
}

// AccountConfig is an account created at startup.
type AccountConfig struct {
	ID      string `yaml:"id"`
	Type    string `yaml:"type"` // DEMO or REAL
	Balance string `yaml:"balance"`
}

// HubConfig holds realtime fan-out settings.
type HubConfig struct {
	PingInterval  time.Duration `yaml:"ping_interval"`
	PongWait      time.Duration `yaml:"pong_wait"`
	WriteWait     time.Duration `yaml:"write_wait"`
	SendBuffer    int           `yaml:"send_buffer"`
	ClockInterval time.Duration `yaml:"clock_interval"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Path string `yaml:"path"`
}
