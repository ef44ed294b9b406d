package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
	DefaultHTTPAddr         = ":8080"
	DefaultReadTimeout      = 10 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultOrdersPerMinute  = 600
	DefaultRateBurst        = 50
	DefaultDriver           = DriverMemory
	DefaultDBPort           = 5432
	DefaultDBSSLMode        = "prefer"
	DefaultMaxConns         = 10
	DefaultMinConns         = 2
	DefaultPlatformHolderID = "platform"
	DefaultPurchaseTTL      = 30 * time.Minute
	DefaultCASMaxAttempts   = 16
	DefaultWorkerQueueSize  = 1024
	DefaultReaperInterval   = time.Minute
	DefaultReaperBatchSize  = 500
	DefaultBatchSize        = 500
	DefaultFlushInterval    = 1 * time.Second
	DefaultBufferSize       = 10000
	DefaultFeedPingInterval = 15 * time.Second
	DefaultFeedWriteTimeout = 5 * time.Second
	DefaultFeedSendBuffer   = 256
	DefaultMetricsPort      = 9090
	DefaultMetricsPath      = "/metrics"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

func (c *ExchangeConfig) applyDefaults() {
	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}

	// HTTP defaults
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = DefaultHTTPAddr
	}
	if c.HTTP.ReadTimeout == 0 {
		c.HTTP.ReadTimeout = DefaultReadTimeout
	}
	if c.HTTP.WriteTimeout == 0 {
		c.HTTP.WriteTimeout = DefaultWriteTimeout
	}
	if c.HTTP.RateLimit.OrdersPerMinute == 0 {
		c.HTTP.RateLimit.OrdersPerMinute = DefaultOrdersPerMinute
	}
	if c.HTTP.RateLimit.Burst == 0 {
		c.HTTP.RateLimit.Burst = DefaultRateBurst
	}

	// Database defaults
	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDriver
	}
	applyDBDefaults(&c.Database.Postgres)

	// Market defaults
	if c.Market.PlatformHolderID == "" {
		c.Market.PlatformHolderID = DefaultPlatformHolderID
	}
	if c.Market.PurchaseTTL == 0 {
		c.Market.PurchaseTTL = DefaultPurchaseTTL
	}
	if c.Market.CASMaxAttempts == 0 {
		c.Market.CASMaxAttempts = DefaultCASMaxAttempts
	}
	if c.Market.WorkerQueueSize == 0 {
		c.Market.WorkerQueueSize = DefaultWorkerQueueSize
	}

	// Reaper defaults
	if c.Reaper.Interval == 0 {
		c.Reaper.Interval = DefaultReaperInterval
	}
	if c.Reaper.BatchSize == 0 {
		c.Reaper.BatchSize = DefaultReaperBatchSize
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

	// Feed defaults
	if c.Feed.PingInterval == 0 {
		c.Feed.PingInterval = DefaultFeedPingInterval
	}
	if c.Feed.WriteTimeout == 0 {
		c.Feed.WriteTimeout = DefaultFeedWriteTimeout
	}
	if c.Feed.SendBuffer == 0 {
		c.Feed.SendBuffer = DefaultFeedSendBuffer
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
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
