package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/rickgao/tokenmarket/internal/errs"
	"github.com/rickgao/tokenmarket/internal/model"
)

// Memory is an in-process Store. A transaction holds the store lock for its
// whole duration and keeps an undo journal that is replayed on rollback.
type Memory struct {
	mu sync.Mutex

	balances  map[model.BalanceKey]model.Balance
	tokens    map[string]model.Token
	orders    map[string]model.Order
	fills     []model.Fill
	purchases map[string]model.Purchase
	events    map[string]model.Event
	eventLog  []string
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		balances:  make(map[model.BalanceKey]model.Balance),
		tokens:    make(map[string]model.Token),
		orders:    make(map[string]model.Order),
		purchases: make(map[string]model.Purchase),
		events:    make(map[string]model.Event),
	}
}

type memTxKey struct{}

// memTx is the undo journal of an open transaction.
type memTx struct {
	store *Memory
	undo  []func()
}

func (tx *memTx) record(fn func()) {
	if tx != nil {
		tx.undo = append(tx.undo, fn)
	}
}

func (tx *memTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

// acquire locks the store unless ctx already carries this store's transaction.
func (s *Memory) acquire(ctx context.Context) (*memTx, func()) {
	if tx, ok := ctx.Value(memTxKey{}).(*memTx); ok && tx.store == s {
		return tx, func() {}
	}
	s.mu.Lock()
	return nil, s.mu.Unlock
}

// RunInTx implements Store.
func (s *Memory) RunInTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if tx, ok := ctx.Value(memTxKey{}).(*memTx); ok && tx.store == s {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{store: s}
	defer func() {
		if r := recover(); r != nil {
			tx.rollback()
			panic(r)
		}
		if err != nil {
			tx.rollback()
		}
	}()

	return fn(context.WithValue(ctx, memTxKey{}, tx))
}

// -----------------------------------------------------------------------------
// Balances
// -----------------------------------------------------------------------------

// GetBalance implements Store.
func (s *Memory) GetBalance(ctx context.Context, key model.BalanceKey) (model.Balance, error) {
	_, release := s.acquire(ctx)
	defer release()

	if b, ok := s.balances[key]; ok {
		return b, nil
	}
	return model.Balance{HolderID: key.HolderID, Asset: key.Asset}, nil
}

// SwapBalance implements Store.
func (s *Memory) SwapBalance(ctx context.Context, cur, next model.Balance) (bool, error) {
	tx, release := s.acquire(ctx)
	defer release()

	key := cur.Key()
	stored, exists := s.balances[key]
	if cur.Version == 0 {
		if exists {
			return false, nil
		}
	} else if !exists || stored.Version != cur.Version {
		return false, nil
	}

	next.HolderID, next.Asset = key.HolderID, key.Asset
	next.Version = cur.Version + 1
	s.balances[key] = next

	tx.record(func() {
		if exists {
			s.balances[key] = stored
		} else {
			delete(s.balances, key)
		}
	})
	return true, nil
}

// ListBalances implements Store.
func (s *Memory) ListBalances(ctx context.Context, holderID string) ([]model.Balance, error) {
	_, release := s.acquire(ctx)
	defer release()

	var out []model.Balance
	for k, b := range s.balances {
		if k.HolderID == holderID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

// -----------------------------------------------------------------------------
// Tokens
// -----------------------------------------------------------------------------

// InsertToken implements Store.
func (s *Memory) InsertToken(ctx context.Context, t model.Token) error {
	tx, release := s.acquire(ctx)
	defer release()

	if _, ok := s.tokens[t.ID]; ok {
		return errs.Conflict("storage.insert_token", "token %q already registered", t.ID)
	}
	s.tokens[t.ID] = t
	tx.record(func() { delete(s.tokens, t.ID) })
	return nil
}

// GetToken implements Store.
func (s *Memory) GetToken(ctx context.Context, id string) (model.Token, error) {
	_, release := s.acquire(ctx)
	defer release()

	t, ok := s.tokens[id]
	if !ok {
		return model.Token{}, errs.NotFound("storage.get_token", "token", id)
	}
	return t, nil
}

// ListTokens implements Store.
func (s *Memory) ListTokens(ctx context.Context) ([]model.Token, error) {
	_, release := s.acquire(ctx)
	defer release()

	out := make([]model.Token, 0, len(s.tokens))
	for _, t := range s.tokens {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SwapSupplySold implements Store.
func (s *Memory) SwapSupplySold(ctx context.Context, tokenID string, cur, next int64) (bool, error) {
	tx, release := s.acquire(ctx)
	defer release()

	t, ok := s.tokens[tokenID]
	if !ok {
		return false, errs.NotFound("storage.swap_supply", "token", tokenID)
	}
	if t.SupplySold != cur {
		return false, nil
	}
	prev := t
	t.SupplySold = next
	s.tokens[tokenID] = t
	tx.record(func() { s.tokens[tokenID] = prev })
	return true, nil
}

// -----------------------------------------------------------------------------
// Orders and fills
// -----------------------------------------------------------------------------

// InsertOrder implements Store.
func (s *Memory) InsertOrder(ctx context.Context, o model.Order) error {
	tx, release := s.acquire(ctx)
	defer release()

	if _, ok := s.orders[o.ID]; ok {
		return errs.Conflict("storage.insert_order", "order %q already exists", o.ID)
	}
	if o.Version == 0 {
		o.Version = 1
	}
	s.orders[o.ID] = o
	tx.record(func() { delete(s.orders, o.ID) })
	return nil
}

// GetOrder implements Store.
func (s *Memory) GetOrder(ctx context.Context, id string) (model.Order, error) {
	_, release := s.acquire(ctx)
	defer release()

	o, ok := s.orders[id]
	if !ok {
		return model.Order{}, errs.NotFound("storage.get_order", "order", id)
	}
	return o, nil
}

// SwapOrder implements Store.
func (s *Memory) SwapOrder(ctx context.Context, cur, next model.Order) (bool, error) {
	tx, release := s.acquire(ctx)
	defer release()

	stored, ok := s.orders[cur.ID]
	if !ok {
		return false, errs.NotFound("storage.swap_order", "order", cur.ID)
	}
	if stored.Version != cur.Version {
		return false, nil
	}
	next.ID = cur.ID
	next.Version = cur.Version + 1
	s.orders[cur.ID] = next
	tx.record(func() { s.orders[cur.ID] = stored })
	return true, nil
}

// ListOpenOrders implements Store.
func (s *Memory) ListOpenOrders(ctx context.Context, tokenID string) ([]model.Order, error) {
	_, release := s.acquire(ctx)
	defer release()

	var out []model.Order
	for _, o := range s.orders {
		if o.TokenID == tokenID && !o.Status.Terminal() {
			out = append(out, o)
		}
	}
	sortOrders(out)
	return out, nil
}

// ListHolderOrders implements Store.
func (s *Memory) ListHolderOrders(ctx context.Context, holderID string) ([]model.Order, error) {
	_, release := s.acquire(ctx)
	defer release()

	var out []model.Order
	for _, o := range s.orders {
		if o.HolderID == holderID {
			out = append(out, o)
		}
	}
	sortOrders(out)
	return out, nil
}

// MaxOrderSeq implements Store.
func (s *Memory) MaxOrderSeq(ctx context.Context) (int64, error) {
	_, release := s.acquire(ctx)
	defer release()

	var max int64
	for _, o := range s.orders {
		if o.Seq > max {
			max = o.Seq
		}
	}
	return max, nil
}

func sortOrders(orders []model.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt != orders[j].CreatedAt {
			return orders[i].CreatedAt < orders[j].CreatedAt
		}
		return orders[i].Seq < orders[j].Seq
	})
}

// InsertFill implements Store.
func (s *Memory) InsertFill(ctx context.Context, f model.Fill) error {
	tx, release := s.acquire(ctx)
	defer release()

	s.fills = append(s.fills, f)
	n := len(s.fills) - 1
	tx.record(func() { s.fills = s.fills[:n] })
	return nil
}

// ListFills implements Store.
func (s *Memory) ListFills(ctx context.Context, tokenID string, limit int) ([]model.Fill, error) {
	_, release := s.acquire(ctx)
	defer release()

	var out []model.Fill
	for i := len(s.fills) - 1; i >= 0; i-- {
		if s.fills[i].TokenID != tokenID {
			continue
		}
		out = append(out, s.fills[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Purchases
// -----------------------------------------------------------------------------

// InsertPurchase implements Store.
func (s *Memory) InsertPurchase(ctx context.Context, p model.Purchase) error {
	tx, release := s.acquire(ctx)
	defer release()

	if _, ok := s.purchases[p.ID]; ok {
		return errs.Conflict("storage.insert_purchase", "purchase %q already exists", p.ID)
	}
	s.purchases[p.ID] = p
	tx.record(func() { delete(s.purchases, p.ID) })
	return nil
}

// GetPurchase implements Store.
func (s *Memory) GetPurchase(ctx context.Context, id string) (model.Purchase, error) {
	_, release := s.acquire(ctx)
	defer release()

	p, ok := s.purchases[id]
	if !ok {
		return model.Purchase{}, errs.NotFound("storage.get_purchase", "purchase", id)
	}
	return p, nil
}

// SwapPurchase implements Store.
func (s *Memory) SwapPurchase(ctx context.Context, cur, next model.Purchase) (bool, error) {
	tx, release := s.acquire(ctx)
	defer release()

	stored, ok := s.purchases[cur.ID]
	if !ok {
		return false, errs.NotFound("storage.swap_purchase", "purchase", cur.ID)
	}
	if stored.Status != cur.Status {
		return false, nil
	}
	next.ID = cur.ID
	s.purchases[cur.ID] = next
	tx.record(func() { s.purchases[cur.ID] = stored })
	return true, nil
}

// ListExpiredPurchases implements Store.
func (s *Memory) ListExpiredPurchases(ctx context.Context, now int64, limit int) ([]model.Purchase, error) {
	_, release := s.acquire(ctx)
	defer release()

	var out []model.Purchase
	for _, p := range s.purchases {
		if p.Status == model.PurchasePending && p.ExpiresAt < now {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt < out[j].ExpiresAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Audit events
// -----------------------------------------------------------------------------

// InsertEvents implements Store.
func (s *Memory) InsertEvents(ctx context.Context, events []model.Event) (int, error) {
	tx, release := s.acquire(ctx)
	defer release()

	conflicts := 0
	for _, e := range events {
		if _, ok := s.events[e.ID]; ok {
			conflicts++
			continue
		}
		s.events[e.ID] = e
		s.eventLog = append(s.eventLog, e.ID)

		id, n := e.ID, len(s.eventLog)-1
		tx.record(func() {
			delete(s.events, id)
			s.eventLog = s.eventLog[:n]
		})
	}
	return conflicts, nil
}

// ListEvents implements Store. An empty subjectID returns every event.
func (s *Memory) ListEvents(ctx context.Context, subjectID string) ([]model.Event, error) {
	_, release := s.acquire(ctx)
	defer release()

	var out []model.Event
	for _, id := range s.eventLog {
		e := s.events[id]
		if subjectID == "" || e.SubjectID == subjectID {
			out = append(out, e)
		}
	}
	return out, nil
}

var _ Store = (*Memory)(nil)
