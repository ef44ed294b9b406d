// Package matching runs a price-time priority order book per token.
//
// Each token's book is owned by one worker goroutine fed by a bounded command
// channel, so placements, cancellations and snapshots on the same token are
// applied one at a time in arrival order. Every match is settled through the
// settlement package before the next one is considered.
package matching

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/tokenmarket/internal/errs"
	"github.com/rickgao/tokenmarket/internal/metrics"
	"github.com/rickgao/tokenmarket/internal/model"
	"github.com/rickgao/tokenmarket/internal/settlement"
)

// Store is the persistence the engine needs.
type Store interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
	InsertOrder(ctx context.Context, o model.Order) error
	GetOrder(ctx context.Context, id string) (model.Order, error)
	SwapOrder(ctx context.Context, cur, next model.Order) (bool, error)
	ListOpenOrders(ctx context.Context, tokenID string) ([]model.Order, error)
	ListHolderOrders(ctx context.Context, holderID string) ([]model.Order, error)
	MaxOrderSeq(ctx context.Context) (int64, error)
}

// Ledger locks and releases order reservations.
type Ledger interface {
	Lock(ctx context.Context, holder, asset string, amount int64) (model.Balance, error)
	Unlock(ctx context.Context, holder, asset string, amount int64) (model.Balance, error)
}

// Settler settles one match.
type Settler interface {
	Secondary(ctx context.Context, m settlement.Match) (settlement.SecondaryResult, error)
}

// Tokens resolves registered tokens.
type Tokens interface {
	Exists(ctx context.Context, id string) (bool, error)
	List() []model.Token
}

// Publisher receives audit events.
type Publisher interface {
	Publish(e model.Event)
}

// Config holds matching engine configuration.
type Config struct {
	QueueSize   int
	MaxAttempts int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:   1024,
		MaxAttempts: 16,
	}
}

// Engine routes commands to per-token workers.
type Engine struct {
	cfg     Config
	store   Store
	ledger  Ledger
	settler Settler
	tokens  Tokens
	pub     Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger

	seq atomic.Int64
	now func() time.Time

	mu      sync.Mutex
	workers map[string]*worker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a matching engine. pub and m may be nil.
func New(cfg Config, store Store, ledger Ledger, settler Settler, tokens Tokens, pub Publisher, m *metrics.Metrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	return &Engine{
		cfg:     cfg,
		store:   store,
		ledger:  ledger,
		settler: settler,
		tokens:  tokens,
		pub:     pub,
		metrics: m,
		logger:  logger,
		now:     time.Now,
		workers: make(map[string]*worker),
	}
}

// Start restores the order sequence and rebuilds every known token's book
// from the open orders in the store.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)

	maxSeq, err := e.store.MaxOrderSeq(ctx)
	if err != nil {
		e.cancel()
		return err
	}
	e.seq.Store(maxSeq)

	resting := 0
	for _, tok := range e.tokens.List() {
		w, err := e.worker(ctx, tok.ID)
		if err != nil {
			e.cancel()
			return err
		}
		resting += w.restored
	}

	e.logger.Info("matching engine started",
		"tokens", len(e.workers),
		"resting_orders", resting,
		"next_seq", maxSeq+1,
	)
	return nil
}

// Stop gracefully shuts down all workers.
func (e *Engine) Stop(ctx context.Context) error {
	if e.cancel != nil {
		e.cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("matching engine stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// worker returns the token's worker, starting it and loading its book on first use.
func (e *Engine) worker(ctx context.Context, tokenID string) (*worker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if w, ok := e.workers[tokenID]; ok {
		return w, nil
	}
	if e.ctx == nil || e.ctx.Err() != nil {
		return nil, errs.Conflict("matching.worker", "engine is not running")
	}

	w := newWorker(e, tokenID)
	if err := w.rebuild(ctx); err != nil {
		return nil, err
	}
	e.workers[tokenID] = w

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		w.run(e.ctx)
	}()
	return w, nil
}

// submit hands cmd to the token's worker and waits for its reply.
func (e *Engine) submit(ctx context.Context, tokenID string, cmd command) (reply, error) {
	ok, err := e.tokens.Exists(ctx, tokenID)
	if err != nil {
		return reply{}, err
	}
	if !ok {
		return reply{}, errs.NotFound("matching.submit", "token", tokenID)
	}

	w, err := e.worker(ctx, tokenID)
	if err != nil {
		return reply{}, err
	}

	cmd.ctx = ctx
	cmd.reply = make(chan reply, 1)

	select {
	case w.cmds <- cmd:
	case <-ctx.Done():
		return reply{}, ctx.Err()
	case <-w.done:
		return reply{}, errs.Conflict("matching.submit", "worker for token %s stopped", tokenID)
	}

	// Once queued the command runs to completion even if ctx is cancelled.
	select {
	case r := <-cmd.reply:
		return r, r.err
	case <-w.done:
		return reply{}, errs.Conflict("matching.submit", "worker for token %s stopped", tokenID)
	}
}

func (e *Engine) publish(ev model.Event) {
	if e.pub != nil {
		e.pub.Publish(ev)
	}
}
