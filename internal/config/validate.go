package config

import (
	"errors"
	"fmt"
	"time"
)

// Validate checks that all required fields are set and values are valid.
func (c *ExchangeConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}
	if c.HTTP.RateLimit.OrdersPerMinute < 0 {
		return errors.New("http.rate_limit.orders_per_minute must be >= 0")
	}
	if c.HTTP.RateLimit.Burst < 1 {
		return errors.New("http.rate_limit.burst must be >= 1")
	}

	switch c.Database.Driver {
	case DriverMemory:
	case DriverPostgres:
		if err := c.Database.Postgres.validate("database.postgres"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("database.driver must be %s or %s, got %q", DriverMemory, DriverPostgres, c.Database.Driver)
	}

	if c.Market.PlatformHolderID == "" {
		return errors.New("market.platform_holder_id is required")
	}
	if c.Market.PurchaseTTL < time.Second {
		return errors.New("market.purchase_ttl must be >= 1s")
	}
	if c.Market.CASMaxAttempts < 1 {
		return errors.New("market.cas_max_attempts must be >= 1")
	}
	if c.Market.WorkerQueueSize < 1 {
		return errors.New("market.worker_queue_size must be >= 1")
	}

	if c.Reaper.Interval <= 0 {
		return errors.New("reaper.interval must be > 0")
	}
	if c.Reaper.BatchSize < 1 {
		return errors.New("reaper.batch_size must be >= 1")
	}

	if c.Writers.BatchSize < 1 {
		return errors.New("writers.batch_size must be >= 1")
	}
	if c.Writers.BufferSize < 1 {
		return errors.New("writers.buffer_size must be >= 1")
	}

	if c.Feed.SendBuffer < 1 {
		return errors.New("feed.send_buffer must be >= 1")
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	seen := make(map[string]bool, len(c.Tokens))
	for i, tok := range c.Tokens {
		if err := tok.validate(fmt.Sprintf("tokens[%d]", i)); err != nil {
			return err
		}
		if seen[tok.ID] {
			return fmt.Errorf("tokens[%d].id %q is duplicated", i, tok.ID)
		}
		seen[tok.ID] = true
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

func (t *TokenSeed) validate(prefix string) error {
	if t.ID == "" {
		return fmt.Errorf("%s.id is required", prefix)
	}
	if t.IssuerID == "" {
		return fmt.Errorf("%s.issuer_id is required", prefix)
	}
	switch t.PricingModel {
	case "sqrt_decay", "fixed", "linear":
	default:
		return fmt.Errorf("%s.pricing_model must be sqrt_decay, fixed or linear, got %q", prefix, t.PricingModel)
	}
	if t.BasePriceSats < 1 {
		return fmt.Errorf("%s.base_price_sats must be >= 1", prefix)
	}
	if t.MaxSupply < 0 {
		return fmt.Errorf("%s.max_supply must be >= 0", prefix)
	}
	if t.IssuerShareBps < 0 || t.PlatformShareBps < 0 || t.IssuerShareBps+t.PlatformShareBps != 10000 {
		return fmt.Errorf("%s share bps must be non-negative and sum to 10000, got %d+%d",
			prefix, t.IssuerShareBps, t.PlatformShareBps)
	}
	return nil
}
