package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/tokenmarket/internal/config"
	"github.com/rickgao/tokenmarket/internal/database"
)

// Backend is an opened Store plus the pool behind it, if any.
type Backend struct {
	Store
	pool *pgxpool.Pool
}

// Open builds the store selected by cfg.Driver. Postgres stores are
// migrated to the latest schema before use.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Driver {
	case config.DriverMemory, "":
		logger.Warn("using in-memory store, state is lost on exit")
		return &Backend{Store: NewMemory()}, nil

	case config.DriverPostgres:
		logger.Info("connecting to database",
			"host", cfg.Postgres.Host,
			"port", cfg.Postgres.Port,
			"database", cfg.Postgres.Name,
		)
		pool, err := database.Connect(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		n, err := database.Migrate(pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info("database ready", "migrations_applied", n)
		return &Backend{Store: NewPostgres(pool), pool: pool}, nil

	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// Ping checks database connectivity. The memory store is always reachable.
func (b *Backend) Ping(ctx context.Context) error {
	if b.pool == nil {
		return nil
	}
	return b.pool.Ping(ctx)
}

// Close releases the pool.
func (b *Backend) Close() {
	if b.pool != nil {
		b.pool.Close()
	}
}
