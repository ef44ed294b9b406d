package reaper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/tokenmarket/internal/cas"
	"github.com/rickgao/tokenmarket/internal/errs"
	"github.com/rickgao/tokenmarket/internal/metrics"
	"github.com/rickgao/tokenmarket/internal/model"
)

// Store is the persistence the reaper needs.
type Store interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetPurchase(ctx context.Context, id string) (model.Purchase, error)
	SwapPurchase(ctx context.Context, cur, next model.Purchase) (bool, error)
	ListExpiredPurchases(ctx context.Context, now int64, limit int) ([]model.Purchase, error)
	InsertEvents(ctx context.Context, events []model.Event) (int, error)
}

// Config holds reaper configuration.
type Config struct {
	Interval    time.Duration // Sweep interval (default: 1m)
	BatchSize   int           // Purchases fetched per query (default: 500)
	Concurrency int           // Parallel transitions per batch (default: 8)
	MaxAttempts int           // CAS attempts per purchase
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    time.Minute,
		BatchSize:   500,
		Concurrency: 8,
		MaxAttempts: cas.DefaultMaxAttempts,
	}
}

// errNotPending marks a purchase that left pending before the swap.
var errNotPending = errors.New("purchase no longer pending")

// Reaper expires stale pending purchases.
type Reaper struct {
	cfg     Config
	store   Store
	metrics *metrics.Metrics
	logger  *slog.Logger

	now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Reaper. m may be nil.
func New(cfg Config, store Store, m *metrics.Metrics, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	return &Reaper{
		cfg:     cfg,
		store:   store,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Start begins the sweep loop.
func (r *Reaper) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.run()

	r.logger.Info("expiry reaper started",
		"interval", r.cfg.Interval,
		"batch_size", r.cfg.BatchSize,
	)
	return nil
}

// Stop gracefully shuts down the reaper.
func (r *Reaper) Stop(ctx context.Context) error {
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
		r.logger.Info("expiry reaper stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the main sweep loop.
func (r *Reaper) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	// Sweep immediately on start.
	r.tick()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

func (r *Reaper) tick() {
	if _, err := r.Sweep(r.ctx, r.now()); err != nil && r.ctx.Err() == nil {
		r.logger.Error("expiry sweep failed", "error", err)
	}
}

// Sweep expires every pending purchase with expires_at < now and returns how
// many it moved. Running it again with the same now expires nothing more.
func (r *Reaper) Sweep(ctx context.Context, now time.Time) (int, error) {
	start := time.Now()
	cutoff := now.UnixMicro()

	var expired, skipped atomic.Int64
	var err error
	for {
		var batch []model.Purchase
		batch, err = r.store.ListExpiredPurchases(ctx, cutoff, r.cfg.BatchSize)
		if err != nil || len(batch) == 0 {
			break
		}

		before := expired.Load()
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.cfg.Concurrency)
		for _, p := range batch {
			p := p
			g.Go(func() error {
				ok, err := r.expire(gctx, p.ID, cutoff)
				if err != nil {
					return err
				}
				if ok {
					expired.Add(1)
				} else {
					skipped.Add(1)
				}
				return nil
			})
		}
		if err = g.Wait(); err != nil {
			break
		}

		// A short batch was the last one; a batch that expired nothing would
		// be returned again.
		if len(batch) < r.cfg.BatchSize || expired.Load() == before {
			break
		}
	}

	n := int(expired.Load())
	r.metrics.ReaperSweep(n, err)
	if err != nil {
		return n, err
	}

	if n > 0 || skipped.Load() > 0 {
		r.logger.Info("expiry sweep complete",
			"expired", n,
			"skipped", skipped.Load(),
			"duration", time.Since(start),
		)
	} else {
		r.logger.Debug("expiry sweep complete", "expired", 0, "duration", time.Since(start))
	}
	return n, nil
}

// expire moves one purchase pending → expired. It reports false when the
// purchase was confirmed, cancelled or already expired in the meantime.
func (r *Reaper) expire(ctx context.Context, id string, cutoff int64) (bool, error) {
	const op = "reaper.expire"

	err := r.store.RunInTx(ctx, func(ctx context.Context) error {
		p, err := cas.Apply(ctx, r.cfg.MaxAttempts, cas.Transition[model.Purchase]{
			Op: op,
			Load: func(ctx context.Context) (model.Purchase, error) {
				return r.store.GetPurchase(ctx, id)
			},
			Mutate: func(p model.Purchase) (model.Purchase, error) {
				if p.Status != model.PurchasePending || p.ExpiresAt >= cutoff {
					return p, errNotPending
				}
				p.Status = model.PurchaseExpired
				p.UpdatedAt = model.NowMicros()
				return p, nil
			},
			Swap: r.store.SwapPurchase,
		})
		if err != nil {
			return err
		}

		ev := model.NewEvent(model.EventPurchaseExpired, p.ID, p.HolderID, p.TokenID, p)
		_, err = r.store.InsertEvents(ctx, []model.Event{ev})
		return err
	})

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errNotPending):
		return false, nil
	case errors.Is(err, errs.ErrConflict):
		r.logger.Warn("purchase kept changing during expiry", "purchase_id", id, "error", err)
		return false, nil
	default:
		return false, err
	}
}
