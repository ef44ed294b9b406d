package settlement

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/rickgao/tokenmarket/internal/cas"
	"github.com/rickgao/tokenmarket/internal/errs"
	"github.com/rickgao/tokenmarket/internal/model"
	"github.com/rickgao/tokenmarket/internal/registry"
)

// PrimaryResult is the outcome of a completed primary sale.
type PrimaryResult struct {
	Purchase     model.Purchase `json:"purchase"`
	IssuerSats   int64          `json:"issuer_sats"`
	PlatformSats int64          `json:"platform_sats"`
	SupplySold   int64          `json:"supply_sold"`
}

// CreatePurchase records a pending purchase at the current quote. No funds
// are locked; payment is collected externally before ConfirmPurchase.
func (s *Settler) CreatePurchase(ctx context.Context, holder, tokenID string, amount int64) (model.Purchase, registry.PriceQuote, error) {
	const op = "settlement.CreatePurchase"
	if holder == "" {
		return model.Purchase{}, registry.PriceQuote{}, errs.Validation(op, "holder is required")
	}
	if amount <= 0 {
		return model.Purchase{}, registry.PriceQuote{}, errs.Validation(op, "amount must be positive, got %d", amount)
	}

	q, err := s.registry.Quote(ctx, tokenID, amount)
	if err != nil {
		return model.Purchase{}, registry.PriceQuote{}, err
	}
	tok, err := s.registry.Get(ctx, tokenID)
	if err != nil {
		return model.Purchase{}, registry.PriceQuote{}, err
	}
	if left := tok.TreasuryBalance(); left >= 0 && amount > left {
		return model.Purchase{}, registry.PriceQuote{}, errs.Conflict(op, "token %s has %d units left in treasury, requested %d", tokenID, left, amount)
	}

	now := s.now()
	p := model.Purchase{
		ID:        uuid.NewString(),
		TokenID:   tokenID,
		HolderID:  holder,
		Amount:    amount,
		Status:    model.PurchasePending,
		ExpiresAt: now.Add(s.cfg.PurchaseTTL).UnixMicro(),
		CreatedAt: now.UnixMicro(),
		UpdatedAt: now.UnixMicro(),
	}
	if err := s.store.InsertPurchase(ctx, p); err != nil {
		return model.Purchase{}, registry.PriceQuote{}, err
	}

	s.metrics.Purchase(string(model.PurchasePending))
	s.publish(model.NewEvent(model.EventPurchaseCreated, p.ID, holder, tokenID, p))
	return p, q, nil
}

// ConfirmPurchase marks a pending purchase confirmed once the external
// payment collaborator has collected funds.
func (s *Settler) ConfirmPurchase(ctx context.Context, id string) (model.Purchase, error) {
	const op = "settlement.ConfirmPurchase"
	now := s.nowMicros()
	p, err := s.transitionPurchase(ctx, op, id, "", func(p model.Purchase) (model.Purchase, error) {
		if p.Status != model.PurchasePending {
			return p, errs.Conflict(op, "purchase %s is %s, not pending", p.ID, p.Status)
		}
		if p.ExpiresAt < now {
			return p, errs.Conflict(op, "purchase %s expired", p.ID)
		}
		p.Status = model.PurchaseConfirmed
		p.UpdatedAt = now
		return p, nil
	})
	if err != nil {
		return model.Purchase{}, err
	}

	s.metrics.Purchase(string(model.PurchaseConfirmed))
	s.publish(model.NewEvent(model.EventPurchaseConfirmed, p.ID, p.HolderID, p.TokenID, p))
	return p, nil
}

// CancelPurchase cancels a pending or confirmed purchase owned by holder.
func (s *Settler) CancelPurchase(ctx context.Context, id, holder string) (model.Purchase, error) {
	const op = "settlement.CancelPurchase"
	now := s.nowMicros()
	p, err := s.transitionPurchase(ctx, op, id, holder, func(p model.Purchase) (model.Purchase, error) {
		if p.Status != model.PurchasePending && p.Status != model.PurchaseConfirmed {
			return p, errs.Conflict(op, "purchase %s is %s", p.ID, p.Status)
		}
		p.Status = model.PurchaseCancelled
		p.UpdatedAt = now
		return p, nil
	})
	if err != nil {
		return model.Purchase{}, err
	}

	s.metrics.Purchase(string(model.PurchaseCancelled))
	s.publish(model.NewEvent(model.EventPurchaseCancelled, p.ID, p.HolderID, p.TokenID, p))
	return p, nil
}

// Purchase returns a purchase. A non-empty holder must own it.
func (s *Settler) Purchase(ctx context.Context, id, holder string) (model.Purchase, error) {
	p, err := s.store.GetPurchase(ctx, id)
	if err != nil {
		return model.Purchase{}, err
	}
	if holder != "" && p.HolderID != holder {
		return model.Purchase{}, errs.NotFound("settlement.Purchase", "purchase", id)
	}
	return p, nil
}

// Primary settles a confirmed purchase: it quotes at the current supply,
// charges the buyer, splits proceeds between issuer and platform, credits
// the buyer's tokens, advances supply_sold and completes the purchase.
// A concurrent primary sale of the same token is retried.
func (s *Settler) Primary(ctx context.Context, purchaseID string) (PrimaryResult, error) {
	attempts := s.cfg.MaxAttempts
	if attempts <= 0 {
		attempts = cas.DefaultMaxAttempts
	}

	var (
		res   PrimaryResult
		raced bool
		err   error
	)
	for i := 0; i < attempts; i++ {
		res, raced, err = s.primaryOnce(ctx, purchaseID)
		if err == nil || !raced || ctx.Err() != nil {
			break
		}
		s.logger.Debug("retrying primary settlement", "purchase_id", purchaseID, "attempt", i+1, "error", err)
	}
	if err != nil {
		s.metrics.Purchase("failed")
		return PrimaryResult{}, err
	}

	p := res.Purchase
	if _, err := s.registry.Refresh(ctx, p.TokenID); err != nil {
		s.logger.Warn("token cache refresh failed", "token_id", p.TokenID, "error", err)
	}
	s.logger.Info("primary settlement complete",
		"purchase_id", p.ID,
		"token_id", p.TokenID,
		"holder_id", p.HolderID,
		"amount", p.Amount,
		"total_sats", p.TotalSats,
	)
	s.metrics.Purchase(string(model.PurchaseCompleted))
	s.publish(model.NewEvent(model.EventPurchaseCompleted, p.ID, p.HolderID, p.TokenID, res))
	return res, nil
}

// primaryOnce runs one settlement transaction. raced reports that it lost a
// race on supply_sold and may succeed when re-run.
func (s *Settler) primaryOnce(ctx context.Context, purchaseID string) (res PrimaryResult, raced bool, err error) {
	const op = "settlement.Primary"

	err = s.store.RunInTx(ctx, func(ctx context.Context) error {
		p, err := s.store.GetPurchase(ctx, purchaseID)
		if err != nil {
			return err
		}
		if p.Status != model.PurchaseConfirmed {
			return errs.Conflict(op, "purchase %s is %s, not confirmed", p.ID, p.Status)
		}

		tok, err := s.registry.Get(ctx, p.TokenID)
		if err != nil {
			return err
		}
		calc, err := s.registry.Calculator(ctx, p.TokenID)
		if err != nil {
			return err
		}
		q, err := calc.Quote(tok.SupplySold, p.Amount)
		if err != nil {
			return err
		}

		if left := tok.TreasuryBalance(); left >= 0 && p.Amount > left {
			return errs.Conflict(op, "token %s has %d units left in treasury, requested %d", tok.ID, left, p.Amount)
		}
		supply, err := s.registry.AdvanceSupply(ctx, p.TokenID, tok.SupplySold, p.Amount)
		if err != nil {
			raced = errors.Is(err, errs.ErrConflict)
			return err
		}

		issuerSats, platformSats := Split(q.TotalSats, tok.IssuerShareBps)
		if issuerSats > 0 {
			if err := s.ledger.Transfer(ctx, p.HolderID, tok.IssuerID, model.AssetSats, issuerSats, model.BucketAvailable); err != nil {
				return err
			}
		}
		if platformSats > 0 {
			if err := s.ledger.Transfer(ctx, p.HolderID, s.cfg.PlatformHolderID, model.AssetSats, platformSats, model.BucketAvailable); err != nil {
				return err
			}
		}
		if _, err := s.ledger.Deposit(ctx, p.HolderID, p.TokenID, p.Amount); err != nil {
			return err
		}

		next := p
		next.Status = model.PurchaseCompleted
		next.TotalSats = q.TotalSats
		next.UpdatedAt = s.nowMicros()
		ok, err := s.store.SwapPurchase(ctx, p, next)
		if err != nil {
			return err
		}
		if !ok {
			return errs.Conflict(op, "purchase %s changed during settlement", p.ID)
		}

		res = PrimaryResult{
			Purchase:     next,
			IssuerSats:   issuerSats,
			PlatformSats: platformSats,
			SupplySold:   supply,
		}
		return nil
	})
	return res, raced, err
}

func (s *Settler) transitionPurchase(ctx context.Context, op, id, holder string, mutate func(model.Purchase) (model.Purchase, error)) (model.Purchase, error) {
	return cas.Apply(ctx, s.cfg.MaxAttempts, cas.Transition[model.Purchase]{
		Op: op,
		Load: func(ctx context.Context) (model.Purchase, error) {
			p, err := s.store.GetPurchase(ctx, id)
			if err != nil {
				return p, err
			}
			if holder != "" && p.HolderID != holder {
				return p, errs.NotFound(op, "purchase", id)
			}
			return p, nil
		},
		Mutate: mutate,
		Swap:   s.store.SwapPurchase,
	})
}
