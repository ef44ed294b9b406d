package cas

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rickgao/tokenmarket/internal/errs"
)

// cell is a versioned integer with a CAS write.
type cell struct {
	mu      sync.Mutex
	value   int
	version int
}

type snapshot struct{ value, version int }

func (c *cell) load(context.Context) (snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return snapshot{c.value, c.version}, nil
}

func (c *cell) swap(_ context.Context, cur, next snapshot) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.version != cur.version {
		return false, nil
	}
	c.value = next.value
	c.version++
	return true, nil
}

func increment(cur snapshot) (snapshot, error) {
	return snapshot{value: cur.value + 1, version: cur.version}, nil
}

func TestApply_ConcurrentIncrements(t *testing.T) {
	c := &cell{}
	const workers = 50

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Apply(context.Background(), 1000, Transition[snapshot]{
				Op:     "test.increment",
				Load:   c.load,
				Mutate: increment,
				Swap:   c.swap,
			})
			if err != nil {
				t.Errorf("Apply failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if c.value != workers {
		t.Errorf("value = %d, want %d", c.value, workers)
	}
}

func TestApply_MutateErrorNotRetried(t *testing.T) {
	calls := 0
	rejected := errors.New("rejected")

	_, err := Apply(context.Background(), 5, Transition[int]{
		Op:   "test.reject",
		Load: func(context.Context) (int, error) { calls++; return 0, nil },
		Mutate: func(int) (int, error) {
			return 0, rejected
		},
		Swap: func(context.Context, int, int) (bool, error) { return true, nil },
	})

	if !errors.Is(err, rejected) {
		t.Errorf("err = %v, want %v", err, rejected)
	}
	if calls != 1 {
		t.Errorf("Load calls = %d, want 1", calls)
	}
}

func TestApply_ExhaustedIsConflict(t *testing.T) {
	swaps := 0
	_, err := Apply(context.Background(), 3, Transition[int]{
		Op:     "test.lose",
		Load:   func(context.Context) (int, error) { return 0, nil },
		Mutate: func(v int) (int, error) { return v + 1, nil },
		Swap: func(context.Context, int, int) (bool, error) {
			swaps++
			return false, nil
		},
	})

	if !errors.Is(err, errs.ErrConflict) {
		t.Errorf("err = %v, want conflict", err)
	}
	if swaps != 3 {
		t.Errorf("swaps = %d, want 3", swaps)
	}
}

func TestApply_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Apply(ctx, 3, Transition[int]{
		Load:   func(context.Context) (int, error) { return 0, nil },
		Mutate: func(v int) (int, error) { return v, nil },
		Swap:   func(context.Context, int, int) (bool, error) { return true, nil },
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
