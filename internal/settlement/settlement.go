// Package settlement moves funds for primary token sales and secondary
// market fills. Every settlement is one store transaction: either every
// balance, order, fill and supply change lands or none does.
package settlement

import (
	"context"
	"log/slog"
	"math/bits"
	"time"

	"github.com/rickgao/tokenmarket/internal/metrics"
	"github.com/rickgao/tokenmarket/internal/model"
	"github.com/rickgao/tokenmarket/internal/pricing"
	"github.com/rickgao/tokenmarket/internal/registry"
)

// Store is the persistence settlement needs.
type Store interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error

	GetOrder(ctx context.Context, id string) (model.Order, error)
	SwapOrder(ctx context.Context, cur, next model.Order) (bool, error)
	InsertFill(ctx context.Context, f model.Fill) error

	InsertPurchase(ctx context.Context, p model.Purchase) error
	GetPurchase(ctx context.Context, id string) (model.Purchase, error)
	SwapPurchase(ctx context.Context, cur, next model.Purchase) (bool, error)
}

// Ledger is the subset of ledger operations settlement performs.
type Ledger interface {
	Deposit(ctx context.Context, holder, asset string, amount int64) (model.Balance, error)
	Unlock(ctx context.Context, holder, asset string, amount int64) (model.Balance, error)
	Transfer(ctx context.Context, from, to, asset string, amount int64, bucket model.Bucket) error
}

// Registry is the subset of the token registry settlement reads and advances.
type Registry interface {
	Get(ctx context.Context, id string) (model.Token, error)
	Calculator(ctx context.Context, id string) (*pricing.Calculator, error)
	Quote(ctx context.Context, tokenID string, amount int64) (registry.PriceQuote, error)
	AdvanceSupply(ctx context.Context, tokenID string, from, by int64) (int64, error)
	Refresh(ctx context.Context, id string) (model.Token, error)
}

// Publisher receives audit events and fills once their transaction commits.
type Publisher interface {
	Publish(e model.Event)
	PublishFill(f model.Fill)
}

// Config holds settlement configuration.
type Config struct {
	PlatformHolderID string
	PurchaseTTL      time.Duration
	MaxAttempts      int
}

// Settler performs primary and secondary settlement.
type Settler struct {
	cfg      Config
	store    Store
	ledger   Ledger
	registry Registry
	pub      Publisher
	metrics  *metrics.Metrics
	logger   *slog.Logger

	now func() time.Time
}

// New creates a Settler. pub and m may be nil.
func New(cfg Config, store Store, ledger Ledger, reg Registry, pub Publisher, m *metrics.Metrics, logger *slog.Logger) *Settler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Settler{
		cfg:      cfg,
		store:    store,
		ledger:   ledger,
		registry: reg,
		pub:      pub,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// Split divides proceeds between issuer and platform. The issuer receives
// floor(proceeds × issuerBps / 10000) and the platform the remainder, so the
// two always sum to proceeds.
func Split(proceeds int64, issuerBps int) (issuer, platform int64) {
	if proceeds <= 0 || issuerBps <= 0 {
		return 0, proceeds
	}
	if issuerBps >= model.BpsDenominator {
		return proceeds, 0
	}
	hi, lo := bits.Mul64(uint64(proceeds), uint64(issuerBps))
	q, _ := bits.Div64(hi, lo, model.BpsDenominator)
	issuer = int64(q)
	return issuer, proceeds - issuer
}

func (s *Settler) publish(e model.Event) {
	if s.pub != nil {
		s.pub.Publish(e)
	}
}

func (s *Settler) nowMicros() int64 {
	return s.now().UnixMicro()
}
