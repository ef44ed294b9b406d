package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/tokenmarket/internal/errs"
	"github.com/rickgao/tokenmarket/internal/model"
)

// uniqueViolation is the Postgres SQLSTATE for duplicate keys.
const uniqueViolation = "23505"

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type pgTxKey struct{}

// Postgres is a Store backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an open pool. Schema migrations are applied by the database package.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// q returns the transaction carried by ctx, or the pool.
func (s *Postgres) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(pgTxKey{}).(pgx.Tx); ok {
		return tx
	}
	return s.pool
}

// RunInTx implements Store.
func (s *Postgres) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(pgTxKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(context.WithValue(ctx, pgTxKey{}, tx))
	})
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// -----------------------------------------------------------------------------
// Balances
// -----------------------------------------------------------------------------

// GetBalance implements Store.
func (s *Postgres) GetBalance(ctx context.Context, key model.BalanceKey) (model.Balance, error) {
	b := model.Balance{HolderID: key.HolderID, Asset: key.Asset}
	err := s.q(ctx).QueryRow(ctx, `
		SELECT available, locked, version FROM balances
		WHERE holder_id = $1 AND asset = $2
	`, key.HolderID, key.Asset).Scan(&b.Available, &b.Locked, &b.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return b, nil
	}
	if err != nil {
		return model.Balance{}, fmt.Errorf("select balance: %w", err)
	}
	return b, nil
}

// SwapBalance implements Store.
func (s *Postgres) SwapBalance(ctx context.Context, cur, next model.Balance) (bool, error) {
	var (
		ct  pgconn.CommandTag
		err error
	)
	if cur.Version == 0 {
		ct, err = s.q(ctx).Exec(ctx, `
			INSERT INTO balances (holder_id, asset, available, locked, version)
			VALUES ($1, $2, $3, $4, 1)
			ON CONFLICT (holder_id, asset) DO NOTHING
		`, cur.HolderID, cur.Asset, next.Available, next.Locked)
	} else {
		ct, err = s.q(ctx).Exec(ctx, `
			UPDATE balances SET available = $3, locked = $4, version = version + 1
			WHERE holder_id = $1 AND asset = $2 AND version = $5
		`, cur.HolderID, cur.Asset, next.Available, next.Locked, cur.Version)
	}
	if err != nil {
		return false, fmt.Errorf("swap balance: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// ListBalances implements Store.
func (s *Postgres) ListBalances(ctx context.Context, holderID string) ([]model.Balance, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT holder_id, asset, available, locked, version FROM balances
		WHERE holder_id = $1 ORDER BY asset
	`, holderID)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Balance, error) {
		var b model.Balance
		err := row.Scan(&b.HolderID, &b.Asset, &b.Available, &b.Locked, &b.Version)
		return b, err
	})
}

// -----------------------------------------------------------------------------
// Tokens
// -----------------------------------------------------------------------------

const tokenColumns = `id, symbol, issuer_id, pricing_model, base_price_sats, decay_factor,
	max_supply, supply_sold, issuer_share_bps, platform_share_bps, created_at`

func scanToken(row pgx.Row) (model.Token, error) {
	var t model.Token
	err := row.Scan(&t.ID, &t.Symbol, &t.IssuerID, &t.PricingModel, &t.BasePriceSats, &t.DecayFactor,
		&t.MaxSupply, &t.SupplySold, &t.IssuerShareBps, &t.PlatformShareBps, &t.CreatedAt)
	return t, err
}

// InsertToken implements Store.
func (s *Postgres) InsertToken(ctx context.Context, t model.Token) error {
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO tokens (`+tokenColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, t.ID, t.Symbol, t.IssuerID, t.PricingModel, t.BasePriceSats, t.DecayFactor,
		t.MaxSupply, t.SupplySold, t.IssuerShareBps, t.PlatformShareBps, t.CreatedAt)
	if isUniqueViolation(err) {
		return errs.Conflict("storage.insert_token", "token %q already registered", t.ID)
	}
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

// GetToken implements Store.
func (s *Postgres) GetToken(ctx context.Context, id string) (model.Token, error) {
	t, err := scanToken(s.q(ctx).QueryRow(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Token{}, errs.NotFound("storage.get_token", "token", id)
	}
	if err != nil {
		return model.Token{}, fmt.Errorf("select token: %w", err)
	}
	return t, nil
}

// ListTokens implements Store.
func (s *Postgres) ListTokens(ctx context.Context) ([]model.Token, error) {
	rows, err := s.q(ctx).Query(ctx, `SELECT `+tokenColumns+` FROM tokens ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Token, error) {
		return scanToken(row)
	})
}

// SwapSupplySold implements Store.
func (s *Postgres) SwapSupplySold(ctx context.Context, tokenID string, cur, next int64) (bool, error) {
	ct, err := s.q(ctx).Exec(ctx, `
		UPDATE tokens SET supply_sold = $3 WHERE id = $1 AND supply_sold = $2
	`, tokenID, cur, next)
	if err != nil {
		return false, fmt.Errorf("swap supply_sold: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// -----------------------------------------------------------------------------
// Orders and fills
// -----------------------------------------------------------------------------

const orderColumns = `id, holder_id, token_id, side, amount, filled_amount, price_sats,
	status, created_at, seq, updated_at, version`

func scanOrder(row pgx.Row) (model.Order, error) {
	var o model.Order
	err := row.Scan(&o.ID, &o.HolderID, &o.TokenID, &o.Side, &o.Amount, &o.FilledAmount, &o.PriceSats,
		&o.Status, &o.CreatedAt, &o.Seq, &o.UpdatedAt, &o.Version)
	return o, err
}

func collectOrders(rows pgx.Rows) ([]model.Order, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Order, error) {
		return scanOrder(row)
	})
}

// InsertOrder implements Store.
func (s *Postgres) InsertOrder(ctx context.Context, o model.Order) error {
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1)
	`, o.ID, o.HolderID, o.TokenID, o.Side, o.Amount, o.FilledAmount, o.PriceSats,
		o.Status, o.CreatedAt, o.Seq, o.UpdatedAt)
	if isUniqueViolation(err) {
		return errs.Conflict("storage.insert_order", "order %q already exists", o.ID)
	}
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// GetOrder implements Store.
func (s *Postgres) GetOrder(ctx context.Context, id string) (model.Order, error) {
	o, err := scanOrder(s.q(ctx).QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Order{}, errs.NotFound("storage.get_order", "order", id)
	}
	if err != nil {
		return model.Order{}, fmt.Errorf("select order: %w", err)
	}
	return o, nil
}

// SwapOrder implements Store.
func (s *Postgres) SwapOrder(ctx context.Context, cur, next model.Order) (bool, error) {
	ct, err := s.q(ctx).Exec(ctx, `
		UPDATE orders SET filled_amount = $2, status = $3, updated_at = $4, version = version + 1
		WHERE id = $1 AND version = $5
	`, cur.ID, next.FilledAmount, next.Status, next.UpdatedAt, cur.Version)
	if err != nil {
		return false, fmt.Errorf("swap order: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// ListOpenOrders implements Store.
func (s *Postgres) ListOpenOrders(ctx context.Context, tokenID string) ([]model.Order, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE token_id = $1 AND status IN ('open', 'partial')
		ORDER BY created_at, seq
	`, tokenID)
	if err != nil {
		return nil, fmt.Errorf("list open orders: %w", err)
	}
	return collectOrders(rows)
}

// ListHolderOrders implements Store.
func (s *Postgres) ListHolderOrders(ctx context.Context, holderID string) ([]model.Order, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE holder_id = $1 ORDER BY created_at, seq
	`, holderID)
	if err != nil {
		return nil, fmt.Errorf("list holder orders: %w", err)
	}
	return collectOrders(rows)
}

// MaxOrderSeq implements Store.
func (s *Postgres) MaxOrderSeq(ctx context.Context) (int64, error) {
	var max int64
	if err := s.q(ctx).QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM orders`).Scan(&max); err != nil {
		return 0, fmt.Errorf("select max seq: %w", err)
	}
	return max, nil
}

// InsertFill implements Store.
func (s *Postgres) InsertFill(ctx context.Context, f model.Fill) error {
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO fills (id, token_id, buy_order_id, sell_order_id, buyer_id, seller_id,
			price_sats, quantity, taker_side, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, f.ID, f.TokenID, f.BuyOrderID, f.SellOrderID, f.BuyerID, f.SellerID,
		f.PriceSats, f.Quantity, f.TakerSide, f.ExecutedAt)
	if err != nil {
		return fmt.Errorf("insert fill: %w", err)
	}
	return nil
}

// ListFills implements Store.
func (s *Postgres) ListFills(ctx context.Context, tokenID string, limit int) ([]model.Fill, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.q(ctx).Query(ctx, `
		SELECT id, token_id, buy_order_id, sell_order_id, buyer_id, seller_id,
			price_sats, quantity, taker_side, executed_at
		FROM fills WHERE token_id = $1
		ORDER BY executed_at DESC, id LIMIT $2
	`, tokenID, limit)
	if err != nil {
		return nil, fmt.Errorf("list fills: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Fill, error) {
		var f model.Fill
		err := row.Scan(&f.ID, &f.TokenID, &f.BuyOrderID, &f.SellOrderID, &f.BuyerID, &f.SellerID,
			&f.PriceSats, &f.Quantity, &f.TakerSide, &f.ExecutedAt)
		return f, err
	})
}

// -----------------------------------------------------------------------------
// Purchases
// -----------------------------------------------------------------------------

const purchaseColumns = `id, token_id, holder_id, amount, status, total_sats, expires_at, created_at, updated_at`

func scanPurchase(row pgx.Row) (model.Purchase, error) {
	var p model.Purchase
	err := row.Scan(&p.ID, &p.TokenID, &p.HolderID, &p.Amount, &p.Status, &p.TotalSats,
		&p.ExpiresAt, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// InsertPurchase implements Store.
func (s *Postgres) InsertPurchase(ctx context.Context, p model.Purchase) error {
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO purchases (`+purchaseColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, p.ID, p.TokenID, p.HolderID, p.Amount, p.Status, p.TotalSats, p.ExpiresAt, p.CreatedAt, p.UpdatedAt)
	if isUniqueViolation(err) {
		return errs.Conflict("storage.insert_purchase", "purchase %q already exists", p.ID)
	}
	if err != nil {
		return fmt.Errorf("insert purchase: %w", err)
	}
	return nil
}

// GetPurchase implements Store.
func (s *Postgres) GetPurchase(ctx context.Context, id string) (model.Purchase, error) {
	p, err := scanPurchase(s.q(ctx).QueryRow(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Purchase{}, errs.NotFound("storage.get_purchase", "purchase", id)
	}
	if err != nil {
		return model.Purchase{}, fmt.Errorf("select purchase: %w", err)
	}
	return p, nil
}

// SwapPurchase implements Store.
func (s *Postgres) SwapPurchase(ctx context.Context, cur, next model.Purchase) (bool, error) {
	ct, err := s.q(ctx).Exec(ctx, `
		UPDATE purchases SET status = $2, total_sats = $3, updated_at = $4
		WHERE id = $1 AND status = $5
	`, cur.ID, next.Status, next.TotalSats, next.UpdatedAt, cur.Status)
	if err != nil {
		return false, fmt.Errorf("swap purchase: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// ListExpiredPurchases implements Store.
func (s *Postgres) ListExpiredPurchases(ctx context.Context, now int64, limit int) ([]model.Purchase, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.q(ctx).Query(ctx, `
		SELECT `+purchaseColumns+` FROM purchases
		WHERE status = 'pending' AND expires_at < $1
		ORDER BY expires_at LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired purchases: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Purchase, error) {
		return scanPurchase(row)
	})
}

// -----------------------------------------------------------------------------
// Audit events
// -----------------------------------------------------------------------------

// InsertEvents implements Store using one pgx.Batch with ON CONFLICT DO NOTHING.
func (s *Postgres) InsertEvents(ctx context.Context, events []model.Event) (conflicts int, err error) {
	if len(events) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, e := range events {
		var payload []byte
		if len(e.Payload) > 0 {
			payload = e.Payload
		}
		batch.Queue(`
			INSERT INTO audit_events (id, kind, subject_id, holder_id, token_id, payload, at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING
		`, e.ID, e.Kind, e.SubjectID, e.HolderID, e.TokenID, payload, e.At)
	}

	results := s.q(ctx).SendBatch(ctx, batch)
	defer results.Close()

	for range events {
		ct, err := results.Exec()
		if err != nil {
			return 0, fmt.Errorf("insert audit event: %w", err)
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}
	return conflicts, nil
}

// ListEvents implements Store. An empty subjectID returns every event.
func (s *Postgres) ListEvents(ctx context.Context, subjectID string) ([]model.Event, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT id, kind, subject_id, holder_id, token_id, payload, at FROM audit_events
		WHERE $1 = '' OR subject_id = $1
		ORDER BY at, id
	`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Event, error) {
		var (
			e       model.Event
			payload []byte
		)
		err := row.Scan(&e.ID, &e.Kind, &e.SubjectID, &e.HolderID, &e.TokenID, &payload, &e.At)
		e.Payload = payload
		return e, err
	})
}

var _ Store = (*Postgres)(nil)
