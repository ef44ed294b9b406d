// Package registry owns token registration, the bonding curve for each token
// and its supply_sold counter.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/tokenmarket/internal/errs"
	"github.com/rickgao/tokenmarket/internal/model"
	"github.com/rickgao/tokenmarket/internal/pricing"
)

// Store is the persistence the registry needs.
type Store interface {
	InsertToken(ctx context.Context, t model.Token) error
	GetToken(ctx context.Context, id string) (model.Token, error)
	ListTokens(ctx context.Context) ([]model.Token, error)
	SwapSupplySold(ctx context.Context, tokenID string, cur, next int64) (bool, error)
}

// Publisher receives audit events.
type Publisher interface {
	Publish(e model.Event)
}

// Config holds Token Registry configuration.
type Config struct {
	ReconcileInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ReconcileInterval: time.Minute,
	}
}

// TokenSpec is a registration request.
type TokenSpec struct {
	ID               string             `json:"id,omitempty"`
	Symbol           string             `json:"symbol"`
	IssuerID         string             `json:"issuer_id"`
	PricingModel     model.PricingModel `json:"pricing_model"`
	BasePriceSats    int64              `json:"base_price_sats"`
	DecayFactor      int64              `json:"decay_factor,omitempty"`
	MaxSupply        int64              `json:"max_supply,omitempty"`
	IssuerShareBps   int                `json:"issuer_share_bps"`
	PlatformShareBps int                `json:"platform_share_bps"`
}

// PriceQuote is a quote against the token's current supply.
type PriceQuote struct {
	SupplySold   int64         `json:"supplySold"`
	CurrentPrice int64         `json:"currentPrice"`
	Quote        pricing.Quote `json:"quote"`
}

// Registry caches registered tokens and their calculators. The store stays
// the source of truth for supply_sold.
type Registry struct {
	cfg    Config
	store  Store
	pub    Publisher
	logger *slog.Logger

	state *registryState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Token Registry. pub may be nil.
func New(cfg Config, store Store, pub Publisher, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		cfg:    cfg,
		store:  store,
		pub:    pub,
		logger: logger,
		state:  newState(),
	}
}

// Start loads all tokens and begins periodic reconciliation with the store.
func (r *Registry) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	// Initial sync (blocking).
	if err := r.initialSync(r.ctx); err != nil {
		r.cancel()
		return err
	}

	if r.cfg.ReconcileInterval > 0 {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.reconciliationLoop(r.ctx)
		}()
	}

	r.logger.Info("token registry started", "tokens", r.state.count())
	return nil
}

// Stop gracefully shuts down.
func (r *Registry) Stop(ctx context.Context) error {
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
		r.logger.Info("token registry stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Register validates spec and stores a new token with supply_sold = 0.
func (r *Registry) Register(ctx context.Context, spec TokenSpec) (model.Token, error) {
	const op = "registry.Register"

	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	if err := validateSpec(op, spec); err != nil {
		return model.Token{}, err
	}

	tok := model.Token{
		ID:               spec.ID,
		Symbol:           spec.Symbol,
		IssuerID:         spec.IssuerID,
		PricingModel:     spec.PricingModel,
		BasePriceSats:    spec.BasePriceSats,
		DecayFactor:      spec.DecayFactor,
		MaxSupply:        spec.MaxSupply,
		IssuerShareBps:   spec.IssuerShareBps,
		PlatformShareBps: spec.PlatformShareBps,
		CreatedAt:        model.NowMicros(),
	}
	calc, err := pricing.ForToken(tok)
	if err != nil {
		return model.Token{}, err
	}

	if err := r.store.InsertToken(ctx, tok); err != nil {
		return model.Token{}, err
	}
	r.state.upsert(tok, calc)

	r.logger.Info("token registered",
		"token_id", tok.ID,
		"symbol", tok.Symbol,
		"pricing_model", tok.PricingModel,
		"base_price_sats", tok.BasePriceSats,
	)
	if r.pub != nil {
		r.pub.Publish(model.NewEvent(model.EventTokenRegistered, tok.ID, tok.IssuerID, tok.ID, tok))
	}
	return tok, nil
}

// Ensure registers spec unless a token with its id already exists.
// It reports whether a new token was created.
func (r *Registry) Ensure(ctx context.Context, spec TokenSpec) (model.Token, bool, error) {
	if spec.ID != "" {
		tok, err := r.Get(ctx, spec.ID)
		if err == nil {
			return tok, false, nil
		}
		if !errors.Is(err, errs.ErrNotFound) {
			return model.Token{}, false, err
		}
	}
	tok, err := r.Register(ctx, spec)
	if err != nil {
		return model.Token{}, false, err
	}
	return tok, true, nil
}

// Get returns a token with its current supply_sold.
func (r *Registry) Get(ctx context.Context, id string) (model.Token, error) {
	tok, err := r.store.GetToken(ctx, id)
	if err != nil {
		return model.Token{}, err
	}
	if _, ok := r.state.calculator(id); !ok {
		if err := r.cache(tok); err != nil {
			return model.Token{}, err
		}
	} else {
		r.state.setSupply(id, tok.SupplySold)
	}
	return tok, nil
}

// Exists reports whether a token is registered, consulting the cache first.
func (r *Registry) Exists(ctx context.Context, id string) (bool, error) {
	if _, ok := r.state.calculator(id); ok {
		return true, nil
	}
	_, err := r.Get(ctx, id)
	if errors.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// List returns the cached tokens ordered by id.
func (r *Registry) List() []model.Token {
	return r.state.list()
}

// Calculator returns the pricing calculator for a token.
func (r *Registry) Calculator(ctx context.Context, id string) (*pricing.Calculator, error) {
	if calc, ok := r.state.calculator(id); ok {
		return calc, nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return nil, err
	}
	calc, _ := r.state.calculator(id)
	return calc, nil
}

// Quote prices amount units against the token's current supply_sold.
func (r *Registry) Quote(ctx context.Context, tokenID string, amount int64) (PriceQuote, error) {
	tok, err := r.Get(ctx, tokenID)
	if err != nil {
		return PriceQuote{}, err
	}
	calc, err := r.Calculator(ctx, tokenID)
	if err != nil {
		return PriceQuote{}, err
	}

	spot, err := calc.SpotPrice(tok.SupplySold)
	if err != nil {
		return PriceQuote{}, err
	}
	q, err := calc.Quote(tok.SupplySold, amount)
	if err != nil {
		return PriceQuote{}, err
	}
	return PriceQuote{SupplySold: tok.SupplySold, CurrentPrice: spot, Quote: q}, nil
}

// Refresh reloads a token's supply_sold from the store into the cache. Call
// it once the transaction that advanced supply has committed.
func (r *Registry) Refresh(ctx context.Context, id string) (model.Token, error) {
	return r.Get(ctx, id)
}

// AdvanceSupply moves supply_sold from `from` to from+by. It fails with a
// retryable Conflict when supply moved since the caller read it, and with a
// Conflict when the treasury cannot cover by units. The cache is left alone
// because the caller's transaction may still roll back; see Refresh.
func (r *Registry) AdvanceSupply(ctx context.Context, tokenID string, from, by int64) (int64, error) {
	const op = "registry.AdvanceSupply"
	if by <= 0 {
		return 0, errs.Validation(op, "amount must be positive, got %d", by)
	}

	tok, err := r.store.GetToken(ctx, tokenID)
	if err != nil {
		return 0, err
	}
	if tok.MaxSupply > 0 && from+by > tok.MaxSupply {
		return 0, errs.Conflict(op, "token %s has %d units left in treasury, requested %d", tokenID, tok.MaxSupply-from, by)
	}

	ok, err := r.store.SwapSupplySold(ctx, tokenID, from, from+by)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errs.Conflict(op, "supply_sold of token %s moved from %d", tokenID, from)
	}
	return from + by, nil
}

func (r *Registry) cache(tok model.Token) error {
	calc, err := pricing.ForToken(tok)
	if err != nil {
		return errs.Invariant("registry.cache", "stored token %s has invalid curve: %v", tok.ID, err)
	}
	r.state.upsert(tok, calc)
	return nil
}

func validateSpec(op string, spec TokenSpec) error {
	if spec.IssuerID == "" {
		return errs.Validation(op, "issuer_id is required")
	}
	if !spec.PricingModel.Valid() {
		return errs.Validation(op, "unknown pricing model %q", spec.PricingModel)
	}
	if spec.BasePriceSats <= 0 {
		return errs.Validation(op, "base_price_sats must be > 0, got %d", spec.BasePriceSats)
	}
	if spec.DecayFactor < 0 {
		return errs.Validation(op, "decay_factor must be >= 0, got %d", spec.DecayFactor)
	}
	if spec.MaxSupply < 0 {
		return errs.Validation(op, "max_supply must be > 0 when set, got %d", spec.MaxSupply)
	}
	if spec.IssuerShareBps < 0 || spec.PlatformShareBps < 0 {
		return errs.Validation(op, "share bps must be non-negative, got %d/%d", spec.IssuerShareBps, spec.PlatformShareBps)
	}
	if spec.IssuerShareBps+spec.PlatformShareBps != model.BpsDenominator {
		return errs.Validation(op, "issuer_share_bps + platform_share_bps must equal %d, got %d",
			model.BpsDenominator, spec.IssuerShareBps+spec.PlatformShareBps)
	}
	return nil
}
