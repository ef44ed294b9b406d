// Package cas provides the compare-and-swap retry primitive every state
// transition in the ledger, matching engine, settlement and reaper goes through.
//
// A transition is three functions: Load reads the current value, Mutate
// derives the next value (or rejects the transition), and Swap writes next
// only if the stored value still equals current. A lost race re-reads and
// re-applies Mutate, so Mutate must be a pure function of its input.
package cas

import (
	"context"

	"github.com/rickgao/tokenmarket/internal/errs"
)

// DefaultMaxAttempts bounds retries when a caller passes zero.
const DefaultMaxAttempts = 16

// Transition describes one read-modify-write on a value of type T.
type Transition[T any] struct {
	Op     string
	Load   func(ctx context.Context) (T, error)
	Mutate func(cur T) (T, error)
	Swap   func(ctx context.Context, cur, next T) (bool, error)
}

// Apply runs t until Swap succeeds and returns the stored value.
// Errors from Load, Mutate or Swap are returned as-is. When every attempt
// loses the race, Apply returns a retryable Conflict.
func Apply[T any](ctx context.Context, maxAttempts int, t Transition[T]) (T, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	var zero T
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		cur, err := t.Load(ctx)
		if err != nil {
			return zero, err
		}

		next, err := t.Mutate(cur)
		if err != nil {
			return zero, err
		}

		ok, err := t.Swap(ctx, cur, next)
		if err != nil {
			return zero, err
		}
		if ok {
			return next, nil
		}
	}

	return zero, errs.Conflict(t.Op, "lost compare-and-swap race %d times", maxAttempts)
}
