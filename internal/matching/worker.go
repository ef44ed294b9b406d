package matching

import (
	"context"
	"fmt"

	"github.com/rickgao/tokenmarket/internal/errs"
)

type commandKind int

const (
	cmdPlace commandKind = iota
	cmdCancel
	cmdDepth
)

type command struct {
	kind   commandKind
	ctx    context.Context
	place  PlaceRequest
	cancel cancelRequest
	levels int
	reply  chan reply
}

type reply struct {
	placed    PlaceResult
	cancelled CancelResult
	depth     Depth
	err       error
}

// worker owns one token's book.
type worker struct {
	engine   *Engine
	tokenID  string
	book     *book
	cmds     chan command
	done     chan struct{}
	restored int
}

func newWorker(e *Engine, tokenID string) *worker {
	return &worker{
		engine:  e,
		tokenID: tokenID,
		book:    newBook(tokenID),
		cmds:    make(chan command, e.cfg.QueueSize),
		done:    make(chan struct{}),
	}
}

func (w *worker) run(ctx context.Context) {
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-w.cmds:
			cmd.reply <- w.handle(cmd)
		}
	}
}

// handle executes one command. A panic inside it is a bookkeeping bug: it is
// logged, reported to the caller as an invariant violation, and the book is
// reloaded from the store.
func (w *worker) handle(cmd command) (r reply) {
	// Store work is detached from the caller so a cancelled request cannot
	// abandon a placement between two settlements.
	ctx := context.WithoutCancel(cmd.ctx)

	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		err, ok := rec.(error)
		if !ok {
			err = fmt.Errorf("%v", rec)
		}
		w.engine.logger.Error("matching worker recovered from panic",
			"token_id", w.tokenID,
			"error", err,
		)
		r = reply{err: errs.Invariant("matching.worker", "token %s: %v", w.tokenID, err)}
		if rerr := w.rebuild(ctx); rerr != nil {
			w.engine.logger.Error("rebuild book after panic failed", "token_id", w.tokenID, "error", rerr)
		}
	}()

	switch cmd.kind {
	case cmdPlace:
		res, err := w.place(ctx, cmd.place)
		return reply{placed: res, err: err}
	case cmdCancel:
		res, err := w.cancelOrder(ctx, cmd.cancel)
		return reply{cancelled: res, err: err}
	case cmdDepth:
		return reply{depth: w.book.depth(cmd.levels)}
	default:
		return reply{err: errs.Invariant("matching.worker", "unknown command %d", cmd.kind)}
	}
}

// rebuild replaces the in-memory book with the open orders in the store.
func (w *worker) rebuild(ctx context.Context) error {
	orders, err := w.engine.store.ListOpenOrders(ctx, w.tokenID)
	if err != nil {
		return fmt.Errorf("load open orders for %s: %w", w.tokenID, err)
	}
	b := newBook(w.tokenID)
	for _, o := range orders {
		b.add(o)
	}
	w.book = b
	w.restored = b.len()
	return nil
}
