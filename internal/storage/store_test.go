package storage

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/tokenmarket/internal/config"
	"github.com/rickgao/tokenmarket/internal/database"
	"github.com/rickgao/tokenmarket/internal/errs"
	"github.com/rickgao/tokenmarket/internal/model"
)

// testStores returns every store available in this environment. Postgres
// runs only when TOKENMARKET_TEST_DATABASE_URL is set.
func testStores(t *testing.T) map[string]Store {
	t.Helper()
	stores := map[string]Store{"memory": NewMemory()}

	url := os.Getenv("TOKENMARKET_TEST_DATABASE_URL")
	if url == "" {
		return stores
	}
	pool, err := pgxpool.New(context.Background(), url)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := database.Migrate(pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	stores["postgres"] = NewPostgres(pool)
	return stores
}

// id returns a unique key so tests can share one database.
func id(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

func newToken() model.Token {
	return model.Token{
		ID: id("tok"), IssuerID: "issuer", PricingModel: model.PricingFixed,
		BasePriceSats: 1, IssuerShareBps: 5000, PlatformShareBps: 5000,
	}
}

func mustInsertToken(t *testing.T, s Store) string {
	t.Helper()
	tok := newToken()
	if err := s.InsertToken(context.Background(), tok); err != nil {
		t.Fatalf("InsertToken: %v", err)
	}
	return tok.ID
}

func TestBalanceSwap(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := model.BalanceKey{HolderID: id("h"), Asset: model.AssetSats}

			cur, err := s.GetBalance(ctx, key)
			if err != nil {
				t.Fatalf("GetBalance: %v", err)
			}
			if cur.Version != 0 || cur.Available != 0 {
				t.Fatalf("absent balance = %+v, want zero", cur)
			}

			next := cur
			next.Available = 100
			ok, err := s.SwapBalance(ctx, cur, next)
			if err != nil || !ok {
				t.Fatalf("create SwapBalance = %v, %v, want true", ok, err)
			}

			// Stale creator loses.
			ok, err = s.SwapBalance(ctx, cur, next)
			if err != nil || ok {
				t.Errorf("second create = %v, %v, want false", ok, err)
			}

			got, _ := s.GetBalance(ctx, key)
			if got.Available != 100 || got.Version != 1 {
				t.Errorf("balance = %+v, want 100 at version 1", got)
			}

			upd := got
			upd.Available, upd.Locked = 60, 40
			if ok, _ := s.SwapBalance(ctx, got, upd); !ok {
				t.Fatal("update SwapBalance = false, want true")
			}
			if ok, _ := s.SwapBalance(ctx, got, upd); ok {
				t.Error("stale update SwapBalance = true, want false")
			}

			list, err := s.ListBalances(ctx, key.HolderID)
			if err != nil {
				t.Fatalf("ListBalances: %v", err)
			}
			if len(list) != 1 || list[0].Locked != 40 || list[0].Version != 2 {
				t.Errorf("ListBalances = %+v, want one row locked 40 version 2", list)
			}
		})
	}
}

func TestTxRollback(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := model.BalanceKey{HolderID: id("h"), Asset: model.AssetSats}
			tok := newToken()
			boom := errors.New("boom")

			err := s.RunInTx(ctx, func(ctx context.Context) error {
				if err := s.InsertToken(ctx, tok); err != nil {
					return err
				}
				b, _ := s.GetBalance(ctx, key)
				next := b
				next.Available = 5
				if ok, err := s.SwapBalance(ctx, b, next); !ok || err != nil {
					t.Fatalf("SwapBalance in tx = %v, %v", ok, err)
				}
				return boom
			})
			if !errors.Is(err, boom) {
				t.Fatalf("RunInTx error = %v, want boom", err)
			}

			if _, err := s.GetToken(ctx, tok.ID); !errors.Is(err, errs.ErrNotFound) {
				t.Errorf("GetToken after rollback = %v, want NotFound", err)
			}
			if b, _ := s.GetBalance(ctx, key); b.Version != 0 {
				t.Errorf("balance after rollback = %+v, want absent", b)
			}
		})
	}
}

func TestTokenSupplySwap(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tok := newToken()
			if err := s.InsertToken(ctx, tok); err != nil {
				t.Fatalf("InsertToken: %v", err)
			}
			if err := s.InsertToken(ctx, tok); !errors.Is(err, errs.ErrConflict) {
				t.Errorf("duplicate InsertToken = %v, want Conflict", err)
			}

			if ok, _ := s.SwapSupplySold(ctx, tok.ID, 0, 10); !ok {
				t.Fatal("SwapSupplySold(0->10) = false")
			}
			if ok, _ := s.SwapSupplySold(ctx, tok.ID, 0, 5); ok {
				t.Error("stale SwapSupplySold(0->5) = true")
			}
			got, _ := s.GetToken(ctx, tok.ID)
			if got.SupplySold != 10 {
				t.Errorf("SupplySold = %d, want 10", got.SupplySold)
			}
		})
	}
}

func TestOrdersAndFills(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tokenID, holder := mustInsertToken(t, s), id("h")
			base, _ := s.MaxOrderSeq(ctx)

			mk := func(seq, created int64) model.Order {
				return model.Order{
					ID: id("o"), HolderID: holder, TokenID: tokenID, Side: model.SideBuy,
					PriceSats: 10, Amount: 5, Status: model.OrderOpen,
					Seq: base + seq, CreatedAt: created, UpdatedAt: created,
				}
			}
			a, b, c := mk(1, 200), mk(2, 100), mk(3, 100)
			for _, o := range []model.Order{a, b, c} {
				if err := s.InsertOrder(ctx, o); err != nil {
					t.Fatalf("InsertOrder: %v", err)
				}
			}

			open, err := s.ListOpenOrders(ctx, tokenID)
			if err != nil {
				t.Fatalf("ListOpenOrders: %v", err)
			}
			if len(open) != 3 || open[0].ID != b.ID || open[1].ID != c.ID || open[2].ID != a.ID {
				t.Fatalf("ListOpenOrders order wrong: %+v", open)
			}

			stored, _ := s.GetOrder(ctx, b.ID)
			filled := stored
			filled.FilledAmount, filled.Status = 5, model.OrderFilled
			if ok, _ := s.SwapOrder(ctx, stored, filled); !ok {
				t.Fatal("SwapOrder = false")
			}
			if ok, _ := s.SwapOrder(ctx, stored, filled); ok {
				t.Error("stale SwapOrder = true")
			}

			open, _ = s.ListOpenOrders(ctx, tokenID)
			if len(open) != 2 {
				t.Errorf("open after fill = %d, want 2", len(open))
			}
			mine, _ := s.ListHolderOrders(ctx, holder)
			if len(mine) != 3 {
				t.Errorf("ListHolderOrders = %d, want 3", len(mine))
			}
			if top, _ := s.MaxOrderSeq(ctx); top < base+3 {
				t.Errorf("MaxOrderSeq = %d, want >= %d", top, base+3)
			}

			for i := int64(1); i <= 3; i++ {
				f := model.Fill{ID: id("f"), TokenID: tokenID, BuyOrderID: b.ID, SellOrderID: a.ID, BuyerID: holder, SellerID: holder, PriceSats: 10, Quantity: i, TakerSide: model.SideBuy, ExecutedAt: i}
				if err := s.InsertFill(ctx, f); err != nil {
					t.Fatalf("InsertFill: %v", err)
				}
			}
			fills, _ := s.ListFills(ctx, tokenID, 2)
			if len(fills) != 2 || fills[0].Quantity != 3 || fills[1].Quantity != 2 {
				t.Errorf("ListFills = %+v, want newest two", fills)
			}
		})
	}
}

func TestPurchases(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tokenID := mustInsertToken(t, s)
			mk := func(expires int64) model.Purchase {
				return model.Purchase{ID: id("p"), TokenID: tokenID, HolderID: "h", Amount: 1, Status: model.PurchasePending, ExpiresAt: expires, CreatedAt: 1, UpdatedAt: 1}
			}
			old, edge, fresh := mk(100), mk(500), mk(900)
			for _, p := range []model.Purchase{old, edge, fresh} {
				if err := s.InsertPurchase(ctx, p); err != nil {
					t.Fatalf("InsertPurchase: %v", err)
				}
			}

			expired, err := s.ListExpiredPurchases(ctx, 500, 0)
			if err != nil {
				t.Fatalf("ListExpiredPurchases: %v", err)
			}
			found := map[string]bool{}
			for _, p := range expired {
				found[p.ID] = true
			}
			if !found[old.ID] {
				t.Error("purchase expiring before now not listed")
			}
			if found[edge.ID] || found[fresh.ID] {
				t.Error("purchase expiring at or after now listed")
			}

			next := old
			next.Status = model.PurchaseExpired
			if ok, _ := s.SwapPurchase(ctx, old, next); !ok {
				t.Fatal("SwapPurchase = false")
			}
			if ok, _ := s.SwapPurchase(ctx, old, next); ok {
				t.Error("stale SwapPurchase = true")
			}
			if _, err := s.GetPurchase(ctx, id("missing")); !errors.Is(err, errs.ErrNotFound) {
				t.Errorf("GetPurchase(missing) = %v, want NotFound", err)
			}
		})
	}
}

func TestEvents(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			subject := id("subj")
			e1 := model.NewEvent(model.EventDeposit, subject, "h", "", map[string]int{"amount": 1})
			e2 := model.NewEvent(model.EventWithdrawal, subject, "h", "", nil)

			conflicts, err := s.InsertEvents(ctx, []model.Event{e1, e2})
			if err != nil || conflicts != 0 {
				t.Fatalf("InsertEvents = %d, %v, want 0 conflicts", conflicts, err)
			}
			conflicts, err = s.InsertEvents(ctx, []model.Event{e1})
			if err != nil || conflicts != 1 {
				t.Errorf("replayed InsertEvents = %d, %v, want 1 conflict", conflicts, err)
			}

			got, err := s.ListEvents(ctx, subject)
			if err != nil {
				t.Fatalf("ListEvents: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("ListEvents returned %d events, want 2", len(got))
			}
			seen := map[string]bool{got[0].ID: true, got[1].ID: true}
			if !seen[e1.ID] || !seen[e2.ID] {
				t.Errorf("ListEvents = %+v, want e1 and e2", got)
			}
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), config.DatabaseConfig{Driver: "sqlite"}, nil); err == nil {
		t.Error("Open(sqlite) succeeded, want error")
	}
	b, err := Open(context.Background(), config.DatabaseConfig{Driver: config.DriverMemory}, nil)
	if err != nil {
		t.Fatalf("Open(memory): %v", err)
	}
	defer b.Close()
	if err := b.Ping(context.Background()); err != nil {
		t.Errorf("Ping = %v, want nil", err)
	}
}
