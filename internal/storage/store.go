package storage

import (
	"context"

	"github.com/rickgao/tokenmarket/internal/model"
)

// Store is the full persistence contract. Consumers depend on the narrower
// interfaces declared in their own packages.
type Store interface {
	// RunInTx runs fn so that all writes made through ctx commit or roll back together.
	// Nested calls join the outer transaction.
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error

	// GetBalance returns the row for key, or a zero Balance with Version 0 when absent.
	GetBalance(ctx context.Context, key model.BalanceKey) (model.Balance, error)
	// SwapBalance stores next if the row still has cur.Version. A zero cur.Version creates the row.
	SwapBalance(ctx context.Context, cur, next model.Balance) (bool, error)
	ListBalances(ctx context.Context, holderID string) ([]model.Balance, error)

	InsertToken(ctx context.Context, t model.Token) error
	GetToken(ctx context.Context, id string) (model.Token, error)
	ListTokens(ctx context.Context) ([]model.Token, error)
	// SwapSupplySold advances supply_sold from cur to next if it still equals cur.
	SwapSupplySold(ctx context.Context, tokenID string, cur, next int64) (bool, error)

	InsertOrder(ctx context.Context, o model.Order) error
	GetOrder(ctx context.Context, id string) (model.Order, error)
	// SwapOrder stores next if the order still has cur.Version.
	SwapOrder(ctx context.Context, cur, next model.Order) (bool, error)
	// ListOpenOrders returns open and partial orders for a token in (created_at, seq) order.
	ListOpenOrders(ctx context.Context, tokenID string) ([]model.Order, error)
	ListHolderOrders(ctx context.Context, holderID string) ([]model.Order, error)
	MaxOrderSeq(ctx context.Context) (int64, error)

	InsertFill(ctx context.Context, f model.Fill) error
	// ListFills returns the newest fills for a token, newest first.
	ListFills(ctx context.Context, tokenID string, limit int) ([]model.Fill, error)

	InsertPurchase(ctx context.Context, p model.Purchase) error
	GetPurchase(ctx context.Context, id string) (model.Purchase, error)
	// SwapPurchase stores next if the purchase still has cur.Status.
	SwapPurchase(ctx context.Context, cur, next model.Purchase) (bool, error)
	// ListExpiredPurchases returns pending purchases with expires_at < now.
	ListExpiredPurchases(ctx context.Context, now int64, limit int) ([]model.Purchase, error)

	// InsertEvents appends audit events, skipping ids already stored.
	InsertEvents(ctx context.Context, events []model.Event) (conflicts int, err error)
	ListEvents(ctx context.Context, subjectID string) ([]model.Event, error)
}
