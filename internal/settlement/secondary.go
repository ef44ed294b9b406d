package settlement

import (
	"context"

	"github.com/google/uuid"

	"github.com/rickgao/tokenmarket/internal/cas"
	"github.com/rickgao/tokenmarket/internal/errs"
	"github.com/rickgao/tokenmarket/internal/model"
)

// Match is one execution discovered by the matching engine.
type Match struct {
	Buy       model.Order
	Sell      model.Order
	Quantity  int64
	PriceSats int64 // maker price
	TakerSide model.Side
}

// SecondaryResult holds the fill and both orders as stored after settlement.
type SecondaryResult struct {
	Fill model.Fill
	Buy  model.Order
	Sell model.Order
}

// Secondary settles one match: sats move from the buyer's locked bucket to
// the seller, tokens from the seller's locked bucket to the buyer, both
// orders advance and the fill is recorded, all in one transaction.
//
// A taker buy executing below its limit has the difference between its
// reservation and the execution cost unlocked in the same transaction.
func (s *Settler) Secondary(ctx context.Context, m Match) (SecondaryResult, error) {
	const op = "settlement.Secondary"
	if err := validateMatch(op, m); err != nil {
		return SecondaryResult{}, err
	}

	now := s.nowMicros()
	res := SecondaryResult{
		Fill: model.Fill{
			ID:          uuid.NewString(),
			TokenID:     m.Buy.TokenID,
			BuyOrderID:  m.Buy.ID,
			SellOrderID: m.Sell.ID,
			BuyerID:     m.Buy.HolderID,
			SellerID:    m.Sell.HolderID,
			PriceSats:   m.PriceSats,
			Quantity:    m.Quantity,
			TakerSide:   m.TakerSide,
			ExecutedAt:  now,
		},
	}

	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		notional := res.Fill.Notional()
		if err := s.ledger.Transfer(ctx, m.Buy.HolderID, m.Sell.HolderID, model.AssetSats, notional, model.BucketLocked); err != nil {
			return err
		}
		if err := s.ledger.Transfer(ctx, m.Sell.HolderID, m.Buy.HolderID, m.Sell.TokenID, m.Quantity, model.BucketLocked); err != nil {
			return err
		}
		if m.TakerSide == model.SideBuy && m.Buy.PriceSats > m.PriceSats {
			improvement := m.Quantity * (m.Buy.PriceSats - m.PriceSats)
			if _, err := s.ledger.Unlock(ctx, m.Buy.HolderID, model.AssetSats, improvement); err != nil {
				return err
			}
		}

		var err error
		if res.Buy, err = s.fillOrder(ctx, op, m.Buy.ID, m.Quantity, now); err != nil {
			return err
		}
		if res.Sell, err = s.fillOrder(ctx, op, m.Sell.ID, m.Quantity, now); err != nil {
			return err
		}
		return s.store.InsertFill(ctx, res.Fill)
	})
	if err != nil {
		return SecondaryResult{}, err
	}

	s.metrics.Fill(m.Quantity)
	if s.pub != nil {
		s.pub.PublishFill(res.Fill)
	}
	return res, nil
}

// fillOrder advances one order's filled_amount by qty.
func (s *Settler) fillOrder(ctx context.Context, op, id string, qty, now int64) (model.Order, error) {
	o, err := cas.Apply(ctx, s.cfg.MaxAttempts, cas.Transition[model.Order]{
		Op: op,
		Load: func(ctx context.Context) (model.Order, error) {
			return s.store.GetOrder(ctx, id)
		},
		Mutate: func(o model.Order) (model.Order, error) {
			if o.Status.Terminal() {
				return o, errs.Conflict(op, "order %s is %s", o.ID, o.Status)
			}
			if o.Remaining() < qty {
				return o, errs.Invariant(op, "order %s has %d remaining, fill of %d", o.ID, o.Remaining(), qty)
			}
			o.FilledAmount += qty
			if o.FilledAmount == o.Amount {
				o.Status = model.OrderFilled
			} else {
				o.Status = model.OrderPartial
			}
			o.UpdatedAt = now
			return o, nil
		},
		Swap: s.store.SwapOrder,
	})
	if err != nil {
		return model.Order{}, err
	}
	o.Version++
	return o, nil
}

func validateMatch(op string, m Match) error {
	switch {
	case m.Quantity <= 0:
		return errs.Validation(op, "quantity must be positive, got %d", m.Quantity)
	case m.PriceSats <= 0:
		return errs.Validation(op, "price must be positive, got %d", m.PriceSats)
	case m.Buy.Side != model.SideBuy || m.Sell.Side != model.SideSell:
		return errs.Invariant(op, "match sides are %s/%s", m.Buy.Side, m.Sell.Side)
	case m.Buy.TokenID != m.Sell.TokenID:
		return errs.Invariant(op, "match crosses tokens %s and %s", m.Buy.TokenID, m.Sell.TokenID)
	case m.Buy.PriceSats < m.PriceSats || m.Sell.PriceSats > m.PriceSats:
		return errs.Invariant(op, "execution price %d outside limits buy %d sell %d", m.PriceSats, m.Buy.PriceSats, m.Sell.PriceSats)
	}
	return nil
}
