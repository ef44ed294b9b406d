package config

import "time"

// ExchangeConfig is the root configuration for an exchange instance.
type ExchangeConfig struct {
	Instance InstanceConfig `yaml:"instance"`
	Log      LogConfig      `yaml:"log"`
	HTTP     HTTPConfig     `yaml:"http"`
	Database DatabaseConfig `yaml:"database"`
	Market   MarketConfig   `yaml:"market"`
	Reaper   ReaperConfig   `yaml:"reaper"`
	Writers  WritersConfig  `yaml:"writers"`
	Feed     FeedConfig     `yaml:"feed"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tokens   []TokenSeed    `yaml:"tokens"`
}

// InstanceConfig identifies this exchange process.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// HTTPConfig holds the API server settings.
type HTTPConfig struct {
	Addr         string          `yaml:"addr"`
	ReadTimeout  time.Duration   `yaml:"read_timeout"`
	WriteTimeout time.Duration   `yaml:"write_timeout"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
	// PaymentToken authenticates the payment collaborator on deposits,
	// withdrawals and purchase confirmation. Empty disables those routes.
	PaymentToken string `yaml:"payment_token"`
}

// RateLimitConfig limits order placement per holder.
type RateLimitConfig struct {
	OrdersPerMinute float64 `yaml:"orders_per_minute"`
	Burst           int     `yaml:"burst"`
}

// DatabaseConfig selects the store backend.
type DatabaseConfig struct {
	Driver   string   `yaml:"driver"` // memory or postgres
	Postgres DBConfig `yaml:"postgres"`
}

// DBConfig holds a single database connection.
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

// MarketConfig holds ledger, matching and settlement settings.
type MarketConfig struct {
	PlatformHolderID string        `yaml:"platform_holder_id"`
	PurchaseTTL      time.Duration `yaml:"purchase_ttl"`
	CASMaxAttempts   int           `yaml:"cas_max_attempts"`
	WorkerQueueSize  int           `yaml:"worker_queue_size"`
}

// ReaperConfig holds expiry sweep settings.
type ReaperConfig struct {
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
}

// WritersConfig holds audit writer settings.
type WritersConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// FeedConfig holds websocket trade feed settings.
type FeedConfig struct {
	PingInterval time.Duration `yaml:"ping_interval"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	SendBuffer   int           `yaml:"send_buffer"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// TokenSeed is a token registered at startup when it does not exist yet.
type TokenSeed struct {
	ID               string `yaml:"id"`
	Symbol           string `yaml:"symbol"`
	IssuerID         string `yaml:"issuer_id"`
	PricingModel     string `yaml:"pricing_model"`
	BasePriceSats    int64  `yaml:"base_price_sats"`
	DecayFactor      int64  `yaml:"decay_factor"`
	MaxSupply        int64  `yaml:"max_supply"`
	IssuerShareBps   int    `yaml:"issuer_share_bps"`
	PlatformShareBps int    `yaml:"platform_share_bps"`
}
