package matching

import (
	"context"
	"errors"
	"math"

	"github.com/google/uuid"

	"github.com/rickgao/tokenmarket/internal/cas"
	"github.com/rickgao/tokenmarket/internal/errs"
	"github.com/rickgao/tokenmarket/internal/model"
	"github.com/rickgao/tokenmarket/internal/settlement"
)

// PlaceRequest is a limit order submission.
type PlaceRequest struct {
	HolderID  string     `json:"-"`
	TokenID   string     `json:"token_id"`
	Side      model.Side `json:"side"`
	Amount    int64      `json:"amount"`
	PriceSats int64      `json:"price_sats"`
}

// PlaceResult is the order as stored after matching plus the fills it produced.
type PlaceResult struct {
	Order model.Order  `json:"order"`
	Fills []model.Fill `json:"fills"`
}

// CancelResult is the cancelled order and the amounts returned to available.
type CancelResult struct {
	Order    model.Order      `json:"order"`
	Unlocked map[string]int64 `json:"unlocked"`
}

type cancelRequest struct {
	holderID string
	orderID  string
}

// Place validates and locks the order's reservation, matches it against the
// book at maker prices and rests any remainder.
func (e *Engine) Place(ctx context.Context, req PlaceRequest) (PlaceResult, error) {
	if err := validatePlace(req); err != nil {
		e.metrics.OrderPlaced(string(req.Side), string(errs.KindValidation))
		return PlaceResult{}, err
	}

	r, err := e.submit(ctx, req.TokenID, command{kind: cmdPlace, place: req})
	outcome := "accepted"
	if err != nil {
		outcome = string(errs.KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
	}
	e.metrics.OrderPlaced(string(req.Side), outcome)
	return r.placed, err
}

// Cancel cancels an open or partial order owned by holder and unlocks its
// remaining reservation. Orders of other holders are reported as not found.
func (e *Engine) Cancel(ctx context.Context, holder, orderID string) (CancelResult, error) {
	o, err := e.Order(ctx, orderID, holder)
	if err != nil {
		return CancelResult{}, err
	}
	r, err := e.submit(ctx, o.TokenID, command{
		kind:   cmdCancel,
		cancel: cancelRequest{holderID: holder, orderID: orderID},
	})
	if err != nil {
		return CancelResult{}, err
	}
	e.metrics.OrderCancelled()
	return r.cancelled, nil
}

// Depth returns up to levels aggregated price levels per side.
func (e *Engine) Depth(ctx context.Context, tokenID string, levels int) (Depth, error) {
	r, err := e.submit(ctx, tokenID, command{kind: cmdDepth, levels: levels})
	if err != nil {
		return Depth{}, err
	}
	return r.depth, nil
}

// Order returns an order. A non-empty holder must own it.
func (e *Engine) Order(ctx context.Context, id, holder string) (model.Order, error) {
	o, err := e.store.GetOrder(ctx, id)
	if err != nil {
		return model.Order{}, err
	}
	if holder != "" && o.HolderID != holder {
		return model.Order{}, errs.NotFound("matching.Order", "order", id)
	}
	return o, nil
}

// Orders returns every order of a holder.
func (e *Engine) Orders(ctx context.Context, holder string) ([]model.Order, error) {
	return e.store.ListHolderOrders(ctx, holder)
}

func validatePlace(req PlaceRequest) error {
	const op = "matching.Place"
	switch {
	case req.HolderID == "":
		return errs.Validation(op, "holder is required")
	case req.TokenID == "":
		return errs.Validation(op, "token_id is required")
	case !req.Side.Valid():
		return errs.Validation(op, "side must be buy or sell, got %q", req.Side)
	case req.Amount <= 0:
		return errs.Validation(op, "amount must be positive, got %d", req.Amount)
	case req.PriceSats <= 0:
		return errs.Validation(op, "price_sats must be positive, got %d", req.PriceSats)
	case req.Side == model.SideBuy && req.PriceSats > math.MaxInt64/req.Amount:
		return errs.Validation(op, "amount × price_sats overflows")
	}
	return nil
}

// place runs on the token's worker.
func (w *worker) place(ctx context.Context, req PlaceRequest) (PlaceResult, error) {
	e := w.engine
	now := e.now().UnixMicro()
	taker := model.Order{
		ID:        uuid.NewString(),
		HolderID:  req.HolderID,
		TokenID:   req.TokenID,
		Side:      req.Side,
		Amount:    req.Amount,
		PriceSats: req.PriceSats,
		Status:    model.OrderOpen,
		CreatedAt: now,
		Seq:       e.seq.Add(1),
		UpdatedAt: now,
		Version:   1,
	}

	err := e.store.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := e.ledger.Lock(ctx, taker.HolderID, taker.ReservationAsset(), taker.Reservation(taker.Amount)); err != nil {
			return err
		}
		return e.store.InsertOrder(ctx, taker)
	})
	if err != nil {
		return PlaceResult{}, err
	}
	e.publish(model.NewEvent(model.EventOrderPlaced, taker.ID, taker.HolderID, taker.TokenID, taker))

	res := PlaceResult{Fills: []model.Fill{}}
	for taker.Remaining() > 0 {
		maker, ok := w.book.best(taker)
		if !ok {
			break
		}

		m := settlement.Match{
			Quantity:  min(taker.Remaining(), maker.Remaining()),
			PriceSats: maker.PriceSats,
			TakerSide: taker.Side,
		}
		if taker.Side == model.SideBuy {
			m.Buy, m.Sell = taker, maker
		} else {
			m.Buy, m.Sell = maker, taker
		}

		sr, err := e.settler.Secondary(ctx, m)
		if err != nil {
			e.logger.Error("settlement failed during matching",
				"token_id", w.tokenID,
				"taker_id", taker.ID,
				"maker_id", maker.ID,
				"error", err,
			)
			if rerr := w.rebuild(ctx); rerr != nil {
				e.logger.Error("rebuild book failed", "token_id", w.tokenID, "error", rerr)
			}
			return PlaceResult{}, err
		}
		res.Fills = append(res.Fills, sr.Fill)

		if taker.Side == model.SideBuy {
			taker, maker = sr.Buy, sr.Sell
		} else {
			taker, maker = sr.Sell, sr.Buy
		}
		if maker.Status == model.OrderFilled {
			w.book.remove(maker.Side, maker.ID)
		} else {
			w.book.replace(maker)
		}
	}

	if taker.Remaining() > 0 {
		w.book.add(taker)
	}
	res.Order = taker

	e.logger.Debug("order placed",
		"order_id", taker.ID,
		"token_id", taker.TokenID,
		"side", taker.Side,
		"amount", taker.Amount,
		"price_sats", taker.PriceSats,
		"filled", taker.FilledAmount,
		"fills", len(res.Fills),
	)
	return res, nil
}

// cancelOrder runs on the token's worker.
func (w *worker) cancelOrder(ctx context.Context, req cancelRequest) (CancelResult, error) {
	const op = "matching.Cancel"
	e := w.engine
	now := e.now().UnixMicro()

	var (
		res     CancelResult
		release int64
	)
	err := e.store.RunInTx(ctx, func(ctx context.Context) error {
		o, err := cas.Apply(ctx, e.cfg.MaxAttempts, cas.Transition[model.Order]{
			Op: op,
			Load: func(ctx context.Context) (model.Order, error) {
				o, err := e.store.GetOrder(ctx, req.orderID)
				if err != nil {
					return o, err
				}
				if o.HolderID != req.holderID {
					return o, errs.NotFound(op, "order", req.orderID)
				}
				return o, nil
			},
			Mutate: func(o model.Order) (model.Order, error) {
				if o.Status.Terminal() {
					return o, errs.Conflict(op, "order %s is already %s", o.ID, o.Status)
				}
				o.Status = model.OrderCancelled
				o.UpdatedAt = now
				return o, nil
			},
			Swap: e.store.SwapOrder,
		})
		if err != nil {
			return err
		}
		o.Version++

		release = o.Reservation(o.Remaining())
		if release > 0 {
			if _, err := e.ledger.Unlock(ctx, o.HolderID, o.ReservationAsset(), release); err != nil {
				return err
			}
		}
		res = CancelResult{
			Order:    o,
			Unlocked: map[string]int64{o.ReservationAsset(): release},
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, errs.ErrConflict) && !errors.Is(err, errs.ErrNotFound) {
			e.logger.Error("cancel failed", "order_id", req.orderID, "error", err)
		}
		return CancelResult{}, err
	}

	w.book.remove(res.Order.Side, res.Order.ID)
	e.publish(model.NewEvent(model.EventOrderCancelled, res.Order.ID, res.Order.HolderID, res.Order.TokenID, res))

	e.logger.Debug("order cancelled",
		"order_id", res.Order.ID,
		"token_id", res.Order.TokenID,
		"unlocked", release,
	)
	return res, nil
}
