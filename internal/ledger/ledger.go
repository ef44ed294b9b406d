// Package ledger holds per-holder, per-asset balances split into available
// and locked buckets.
//
// Every mutation is a compare-and-swap on the balance row's version, so a
// single holder+asset pair is linearizable even across processes. Calls made
// with a context carrying a store transaction join that transaction.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"math"

	"github.com/rickgao/tokenmarket/internal/cas"
	"github.com/rickgao/tokenmarket/internal/errs"
	"github.com/rickgao/tokenmarket/internal/model"
)

// Store is the persistence the ledger needs.
type Store interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetBalance(ctx context.Context, key model.BalanceKey) (model.Balance, error)
	SwapBalance(ctx context.Context, cur, next model.Balance) (bool, error)
	ListBalances(ctx context.Context, holderID string) ([]model.Balance, error)
}

// Ledger applies balance operations against a Store.
type Ledger struct {
	store       Store
	maxAttempts int
	logger      *slog.Logger
}

// New creates a Ledger. maxAttempts bounds CAS retries; zero uses cas.DefaultMaxAttempts.
func New(store Store, maxAttempts int, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:       store,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// Deposit credits available. The row is created on first deposit.
func (l *Ledger) Deposit(ctx context.Context, holder, asset string, amount int64) (model.Balance, error) {
	const op = "ledger.Deposit"
	if err := checkArgs(op, holder, asset, amount); err != nil {
		return model.Balance{}, err
	}
	return l.apply(ctx, op, model.BalanceKey{HolderID: holder, Asset: asset}, func(b model.Balance) (model.Balance, error) {
		if !hasRoom(b, amount) {
			return b, errs.Validation(op, "deposit of %d overflows %s balance of holder %s", amount, asset, holder)
		}
		b.Available += amount
		return b, nil
	})
}

// Withdraw debits available to reflect an external payout.
func (l *Ledger) Withdraw(ctx context.Context, holder, asset string, amount int64) (model.Balance, error) {
	const op = "ledger.Withdraw"
	if err := checkArgs(op, holder, asset, amount); err != nil {
		return model.Balance{}, err
	}
	return l.apply(ctx, op, model.BalanceKey{HolderID: holder, Asset: asset}, func(b model.Balance) (model.Balance, error) {
		if b.Available < amount {
			return b, errs.InsufficientFunds(op, holder, asset, amount, b.Available)
		}
		b.Available -= amount
		return b, nil
	})
}

// Lock moves amount from available to locked.
func (l *Ledger) Lock(ctx context.Context, holder, asset string, amount int64) (model.Balance, error) {
	const op = "ledger.Lock"
	if err := checkArgs(op, holder, asset, amount); err != nil {
		return model.Balance{}, err
	}
	return l.apply(ctx, op, model.BalanceKey{HolderID: holder, Asset: asset}, func(b model.Balance) (model.Balance, error) {
		if b.Available < amount {
			return b, errs.InsufficientFunds(op, holder, asset, amount, b.Available)
		}
		b.Available -= amount
		b.Locked += amount
		return b, nil
	})
}

// Unlock moves amount from locked back to available.
//
// The caller guarantees locked >= amount. A shortfall means the caller's
// bookkeeping is wrong, so Unlock panics with an invariant error. Store
// failures are returned.
func (l *Ledger) Unlock(ctx context.Context, holder, asset string, amount int64) (model.Balance, error) {
	const op = "ledger.Unlock"
	if err := checkArgs(op, holder, asset, amount); err != nil {
		return model.Balance{}, err
	}
	b, err := l.apply(ctx, op, model.BalanceKey{HolderID: holder, Asset: asset}, func(b model.Balance) (model.Balance, error) {
		if b.Locked < amount {
			return b, errs.Invariant(op, "holder %s has %d %s locked, unlock of %d", holder, b.Locked, asset, amount)
		}
		b.Locked -= amount
		b.Available += amount
		return b, nil
	})
	if errors.Is(err, errs.ErrInvariant) {
		l.logger.Error("ledger invariant violated", "op", op, "holder_id", holder, "asset", asset, "amount", amount, "error", err)
		panic(err)
	}
	return b, err
}

// Transfer debits amount from the given bucket of from and credits the
// available bucket of to, in one transaction.
//
// A short available bucket is InsufficientFunds; a short locked bucket is an
// invariant violation.
func (l *Ledger) Transfer(ctx context.Context, from, to, asset string, amount int64, bucket model.Bucket) error {
	const op = "ledger.Transfer"
	if err := checkArgs(op, from, asset, amount); err != nil {
		return err
	}
	if to == "" {
		return errs.Validation(op, "recipient is required")
	}
	if bucket != model.BucketAvailable && bucket != model.BucketLocked {
		return errs.Validation(op, "unknown bucket %q", bucket)
	}

	return l.store.RunInTx(ctx, func(ctx context.Context) error {
		_, err := l.apply(ctx, op, model.BalanceKey{HolderID: from, Asset: asset}, func(b model.Balance) (model.Balance, error) {
			switch bucket {
			case model.BucketLocked:
				if b.Locked < amount {
					return b, errs.Invariant(op, "holder %s has %d %s locked, transfer of %d", from, b.Locked, asset, amount)
				}
				b.Locked -= amount
			default:
				if b.Available < amount {
					return b, errs.InsufficientFunds(op, from, asset, amount, b.Available)
				}
				b.Available -= amount
			}
			return b, nil
		})
		if err != nil {
			return err
		}

		_, err = l.apply(ctx, op, model.BalanceKey{HolderID: to, Asset: asset}, func(b model.Balance) (model.Balance, error) {
			if !hasRoom(b, amount) {
				return b, errs.Invariant(op, "transfer of %d overflows %s balance of holder %s", amount, asset, to)
			}
			b.Available += amount
			return b, nil
		})
		return err
	})
}

// Balance returns one balance, zero when the holder never held the asset.
func (l *Ledger) Balance(ctx context.Context, holder, asset string) (model.Balance, error) {
	return l.store.GetBalance(ctx, model.BalanceKey{HolderID: holder, Asset: asset})
}

// Balances returns every balance row of a holder.
func (l *Ledger) Balances(ctx context.Context, holder string) ([]model.Balance, error) {
	return l.store.ListBalances(ctx, holder)
}

// apply returns the balance as stored, including the version the swap wrote.
func (l *Ledger) apply(ctx context.Context, op string, key model.BalanceKey, mutate func(model.Balance) (model.Balance, error)) (model.Balance, error) {
	b, err := cas.Apply(ctx, l.maxAttempts, cas.Transition[model.Balance]{
		Op: op,
		Load: func(ctx context.Context) (model.Balance, error) {
			return l.store.GetBalance(ctx, key)
		},
		Mutate: mutate,
		Swap:   l.store.SwapBalance,
	})
	if err != nil {
		return b, err
	}
	b.Version++
	return b, nil
}

// hasRoom reports whether amount can be credited without the balance total
// overflowing. Lock and Unlock keep the total constant, so checking credits
// is enough to keep both buckets in range.
func hasRoom(b model.Balance, amount int64) bool {
	return b.Available+b.Locked <= math.MaxInt64-amount
}

func checkArgs(op, holder, asset string, amount int64) error {
	if holder == "" {
		return errs.Validation(op, "holder is required")
	}
	if asset == "" {
		return errs.Validation(op, "asset is required")
	}
	if amount <= 0 {
		return errs.Validation(op, "amount must be positive, got %d", amount)
	}
	return nil
}
