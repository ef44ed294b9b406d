package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/tokenmarket/internal/errs"
	"github.com/rickgao/tokenmarket/internal/ledger"
	"github.com/rickgao/tokenmarket/internal/model"
	"github.com/rickgao/tokenmarket/internal/registry"
	"github.com/rickgao/tokenmarket/internal/storage"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.Event
	fills  []model.Fill
}

func (p *recordingPublisher) Publish(e model.Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *recordingPublisher) PublishFill(f model.Fill) {
	p.mu.Lock()
	p.fills = append(p.fills, f)
	p.mu.Unlock()
}

type fixture struct {
	store  *storage.Memory
	ledger *ledger.Ledger
	reg    *registry.Registry
	pub    *recordingPublisher
	s      *Settler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemory()
	l := ledger.New(store, 0, nil)
	reg := registry.New(registry.Config{}, store, nil, nil)
	pub := &recordingPublisher{}
	s := New(Config{PlatformHolderID: "platform", PurchaseTTL: time.Minute}, store, l, reg, pub, nil, nil)
	return &fixture{store: store, ledger: l, reg: reg, pub: pub, s: s}
}

func (f *fixture) registerFixed(t *testing.T, id string, price, maxSupply int64) {
	t.Helper()
	_, err := f.reg.Register(context.Background(), registry.TokenSpec{
		ID:               id,
		IssuerID:         "issuer",
		PricingModel:     model.PricingFixed,
		BasePriceSats:    price,
		MaxSupply:        maxSupply,
		IssuerShareBps:   7000,
		PlatformShareBps: 3000,
	})
	if err != nil {
		t.Fatalf("Register(%s) failed: %v", id, err)
	}
}

func (f *fixture) balance(t *testing.T, holder, asset string) model.Balance {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), holder, asset)
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	return b
}

func cachedSupply(f *fixture, tokenID string) int64 {
	for _, tok := range f.reg.List() {
		if tok.ID == tokenID {
			return tok.SupplySold
		}
	}
	return -1
}

func TestSplit(t *testing.T) {
	tests := []struct {
		proceeds     int64
		issuerBps    int
		wantIssuer   int64
		wantPlatform int64
	}{
		{100000, 7000, 70000, 30000},
		{100001, 7000, 70000, 30001},
		{3, 5000, 1, 2},
		{0, 7000, 0, 0},
		{999, 10000, 999, 0},
		{999, 0, 0, 999},
		{9_000_000_000_000_000, 3333, 2_999_700_000_000_000, 6_000_300_000_000_000},
	}

	for _, tt := range tests {
		issuer, platform := Split(tt.proceeds, tt.issuerBps)
		if issuer != tt.wantIssuer || platform != tt.wantPlatform {
			t.Errorf("Split(%d, %d) = %d/%d, want %d/%d",
				tt.proceeds, tt.issuerBps, issuer, platform, tt.wantIssuer, tt.wantPlatform)
		}
		if issuer+platform != tt.proceeds {
			t.Errorf("Split(%d, %d) sums to %d", tt.proceeds, tt.issuerBps, issuer+platform)
		}
	}
}

func TestPrimaryLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerFixed(t, "tok", 1000, 0)
	if _, err := f.ledger.Deposit(ctx, "buyer", model.AssetSats, 150000); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}

	p, q, err := f.s.CreatePurchase(ctx, "buyer", "tok", 100)
	if err != nil {
		t.Fatalf("CreatePurchase failed: %v", err)
	}
	if q.Quote.TotalSats != 100000 {
		t.Errorf("quote total = %d, want 100000", q.Quote.TotalSats)
	}
	if p.Status != model.PurchasePending {
		t.Errorf("Status = %s, want pending", p.Status)
	}

	// Settlement requires confirmation.
	if _, err := f.s.Primary(ctx, p.ID); !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("Primary on pending error = %v, want conflict", err)
	}

	if _, err := f.s.ConfirmPurchase(ctx, p.ID); err != nil {
		t.Fatalf("ConfirmPurchase failed: %v", err)
	}
	res, err := f.s.Primary(ctx, p.ID)
	if err != nil {
		t.Fatalf("Primary failed: %v", err)
	}

	if res.IssuerSats != 70000 || res.PlatformSats != 30000 {
		t.Errorf("split = %d/%d, want 70000/30000", res.IssuerSats, res.PlatformSats)
	}
	if res.Purchase.Status != model.PurchaseCompleted || res.Purchase.TotalSats != 100000 {
		t.Errorf("purchase = %+v, want completed with total 100000", res.Purchase)
	}
	if res.SupplySold != 100 {
		t.Errorf("SupplySold = %d, want 100", res.SupplySold)
	}
	if got := cachedSupply(f, "tok"); got != 100 {
		t.Errorf("cached SupplySold = %d, want 100", got)
	}

	if got := f.balance(t, "buyer", model.AssetSats).Available; got != 50000 {
		t.Errorf("buyer sats = %d, want 50000", got)
	}
	if got := f.balance(t, "buyer", "tok").Available; got != 100 {
		t.Errorf("buyer tokens = %d, want 100", got)
	}
	if got := f.balance(t, "issuer", model.AssetSats).Available; got != 70000 {
		t.Errorf("issuer sats = %d, want 70000", got)
	}
	if got := f.balance(t, "platform", model.AssetSats).Available; got != 30000 {
		t.Errorf("platform sats = %d, want 30000", got)
	}

	// Completed purchases cannot settle twice.
	if _, err := f.s.Primary(ctx, p.ID); !errors.Is(err, errs.ErrConflict) {
		t.Errorf("second Primary error = %v, want conflict", err)
	}

	kinds := map[model.EventKind]bool{}
	for _, e := range f.pub.events {
		kinds[e.Kind] = true
	}
	for _, k := range []model.EventKind{model.EventPurchaseCreated, model.EventPurchaseConfirmed, model.EventPurchaseCompleted} {
		if !kinds[k] {
			t.Errorf("missing %s event", k)
		}
	}
}

func TestPrimaryInsufficientFundsRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerFixed(t, "tok", 1000, 0)
	if _, err := f.ledger.Deposit(ctx, "buyer", model.AssetSats, 80000); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}

	p, _, err := f.s.CreatePurchase(ctx, "buyer", "tok", 100)
	if err != nil {
		t.Fatalf("CreatePurchase failed: %v", err)
	}
	if _, err := f.s.ConfirmPurchase(ctx, p.ID); err != nil {
		t.Fatalf("ConfirmPurchase failed: %v", err)
	}

	// Issuer share (70000) fits, platform share does not.
	if _, err := f.s.Primary(ctx, p.ID); !errors.Is(err, errs.ErrInsufficientFunds) {
		t.Fatalf("Primary error = %v, want insufficient funds", err)
	}

	// The cache is checked before any Get reloads it from the store.
	if got := cachedSupply(f, "tok"); got != 0 {
		t.Errorf("cached SupplySold = %d, want 0 after rollback", got)
	}

	tok, err := f.reg.Get(ctx, "tok")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if tok.SupplySold != 0 {
		t.Errorf("SupplySold = %d, want 0 after rollback", tok.SupplySold)
	}
	if got := f.balance(t, "buyer", model.AssetSats).Available; got != 80000 {
		t.Errorf("buyer sats = %d, want 80000 after rollback", got)
	}
	if got := f.balance(t, "issuer", model.AssetSats).Available; got != 0 {
		t.Errorf("issuer sats = %d, want 0 after rollback", got)
	}
	if got := f.balance(t, "buyer", "tok").Available; got != 0 {
		t.Errorf("buyer tokens = %d, want 0 after rollback", got)
	}

	stored, err := f.s.Purchase(ctx, p.ID, "buyer")
	if err != nil {
		t.Fatalf("Purchase failed: %v", err)
	}
	if stored.Status != model.PurchaseConfirmed {
		t.Errorf("Status = %s, want confirmed", stored.Status)
	}
}

func TestPrimaryTreasuryExhausted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerFixed(t, "tok", 10, 100)
	if _, err := f.ledger.Deposit(ctx, "buyer", model.AssetSats, 10_000); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}

	if _, _, err := f.s.CreatePurchase(ctx, "buyer", "tok", 101); !errors.Is(err, errs.ErrConflict) {
		t.Errorf("CreatePurchase(101) error = %v, want conflict", err)
	}

	first, _, err := f.s.CreatePurchase(ctx, "buyer", "tok", 60)
	if err != nil {
		t.Fatalf("CreatePurchase failed: %v", err)
	}
	second, _, err := f.s.CreatePurchase(ctx, "buyer", "tok", 60)
	if err != nil {
		t.Fatalf("CreatePurchase failed: %v", err)
	}
	for _, p := range []model.Purchase{first, second} {
		if _, err := f.s.ConfirmPurchase(ctx, p.ID); err != nil {
			t.Fatalf("ConfirmPurchase failed: %v", err)
		}
	}

	if _, err := f.s.Primary(ctx, first.ID); err != nil {
		t.Fatalf("Primary(first) failed: %v", err)
	}
	if _, err := f.s.Primary(ctx, second.ID); !errors.Is(err, errs.ErrConflict) {
		t.Errorf("Primary(second) error = %v, want conflict", err)
	}
}

func TestConcurrentPrimarySales(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerFixed(t, "tok", 10, 0)

	const buyers = 8
	ids := make([]string, buyers)
	for i := range ids {
		holder := uuid.NewString()
		if _, err := f.ledger.Deposit(ctx, holder, model.AssetSats, 1000); err != nil {
			t.Fatalf("Deposit failed: %v", err)
		}
		p, _, err := f.s.CreatePurchase(ctx, holder, "tok", 5)
		if err != nil {
			t.Fatalf("CreatePurchase failed: %v", err)
		}
		if _, err := f.s.ConfirmPurchase(ctx, p.ID); err != nil {
			t.Fatalf("ConfirmPurchase failed: %v", err)
		}
		ids[i] = p.ID
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := f.s.Primary(ctx, id); err != nil {
				t.Errorf("Primary(%s) failed: %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	tok, err := f.reg.Get(ctx, "tok")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if tok.SupplySold != buyers*5 {
		t.Errorf("SupplySold = %d, want %d", tok.SupplySold, buyers*5)
	}
}

func TestPurchaseTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerFixed(t, "tok", 10, 0)

	p, _, err := f.s.CreatePurchase(ctx, "buyer", "tok", 1)
	if err != nil {
		t.Fatalf("CreatePurchase failed: %v", err)
	}

	if _, err := f.s.CancelPurchase(ctx, p.ID, "someone-else"); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("CancelPurchase by other holder error = %v, want not found", err)
	}
	if _, err := f.s.Purchase(ctx, p.ID, "someone-else"); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("Purchase by other holder error = %v, want not found", err)
	}

	cancelled, err := f.s.CancelPurchase(ctx, p.ID, "buyer")
	if err != nil {
		t.Fatalf("CancelPurchase failed: %v", err)
	}
	if cancelled.Status != model.PurchaseCancelled {
		t.Errorf("Status = %s, want cancelled", cancelled.Status)
	}
	if _, err := f.s.ConfirmPurchase(ctx, p.ID); !errors.Is(err, errs.ErrConflict) {
		t.Errorf("ConfirmPurchase after cancel error = %v, want conflict", err)
	}
	if _, err := f.s.CancelPurchase(ctx, p.ID, "buyer"); !errors.Is(err, errs.ErrConflict) {
		t.Errorf("second CancelPurchase error = %v, want conflict", err)
	}
}

func TestConfirmExpiredPurchase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerFixed(t, "tok", 10, 0)

	p, _, err := f.s.CreatePurchase(ctx, "buyer", "tok", 1)
	if err != nil {
		t.Fatalf("CreatePurchase failed: %v", err)
	}

	f.s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := f.s.ConfirmPurchase(ctx, p.ID); !errors.Is(err, errs.ErrConflict) {
		t.Errorf("ConfirmPurchase after expiry error = %v, want conflict", err)
	}
}

func placeResting(t *testing.T, f *fixture, o model.Order) model.Order {
	t.Helper()
	ctx := context.Background()
	if _, err := f.ledger.Lock(ctx, o.HolderID, o.ReservationAsset(), o.Reservation(o.Amount)); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	o.Status = model.OrderOpen
	if err := f.store.InsertOrder(ctx, o); err != nil {
		t.Fatalf("InsertOrder failed: %v", err)
	}
	o.Version = 1
	return o
}

func TestSecondaryMakerPriceAndImprovement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerFixed(t, "tok", 10, 0)

	if _, err := f.ledger.Deposit(ctx, "seller", "tok", 10); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if _, err := f.ledger.Deposit(ctx, "buyer", model.AssetSats, 6000); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}

	sell := placeResting(t, f, model.Order{ID: "s1", HolderID: "seller", TokenID: "tok", Side: model.SideSell, Amount: 10, PriceSats: 500})
	buy := placeResting(t, f, model.Order{ID: "b1", HolderID: "buyer", TokenID: "tok", Side: model.SideBuy, Amount: 10, PriceSats: 600})

	res, err := f.s.Secondary(ctx, Match{Buy: buy, Sell: sell, Quantity: 10, PriceSats: 500, TakerSide: model.SideBuy})
	if err != nil {
		t.Fatalf("Secondary failed: %v", err)
	}

	if res.Fill.PriceSats != 500 || res.Fill.Quantity != 10 {
		t.Errorf("fill = %+v, want 10 @ 500", res.Fill)
	}
	if res.Buy.Status != model.OrderFilled || res.Sell.Status != model.OrderFilled {
		t.Errorf("statuses = %s/%s, want filled/filled", res.Buy.Status, res.Sell.Status)
	}

	if b := f.balance(t, "buyer", model.AssetSats); b.Available != 1000 || b.Locked != 0 {
		t.Errorf("buyer sats = %+v, want available 1000 locked 0", b)
	}
	if b := f.balance(t, "buyer", "tok"); b.Available != 10 {
		t.Errorf("buyer tokens = %+v, want 10", b)
	}
	if b := f.balance(t, "seller", model.AssetSats); b.Available != 5000 {
		t.Errorf("seller sats = %+v, want 5000", b)
	}
	if b := f.balance(t, "seller", "tok"); b.Available != 0 || b.Locked != 0 {
		t.Errorf("seller tokens = %+v, want zero", b)
	}

	fills, err := f.store.ListFills(ctx, "tok", 10)
	if err != nil {
		t.Fatalf("ListFills failed: %v", err)
	}
	if len(fills) != 1 {
		t.Errorf("len(fills) = %d, want 1", len(fills))
	}
	if len(f.pub.fills) != 1 {
		t.Errorf("published fills = %d, want 1", len(f.pub.fills))
	}
}

func TestSecondaryPartialFill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerFixed(t, "tok", 10, 0)

	if _, err := f.ledger.Deposit(ctx, "seller", "tok", 10); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if _, err := f.ledger.Deposit(ctx, "buyer", model.AssetSats, 2000); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}

	buy := placeResting(t, f, model.Order{ID: "b1", HolderID: "buyer", TokenID: "tok", Side: model.SideBuy, Amount: 4, PriceSats: 500})
	sell := placeResting(t, f, model.Order{ID: "s1", HolderID: "seller", TokenID: "tok", Side: model.SideSell, Amount: 10, PriceSats: 450})

	// Taker sell executes at the resting buy's price.
	res, err := f.s.Secondary(ctx, Match{Buy: buy, Sell: sell, Quantity: 4, PriceSats: 500, TakerSide: model.SideSell})
	if err != nil {
		t.Fatalf("Secondary failed: %v", err)
	}
	if res.Buy.Status != model.OrderFilled {
		t.Errorf("buy status = %s, want filled", res.Buy.Status)
	}
	if res.Sell.Status != model.OrderPartial || res.Sell.FilledAmount != 4 {
		t.Errorf("sell = %+v, want partial with 4 filled", res.Sell)
	}
	if b := f.balance(t, "seller", "tok"); b.Locked != 6 {
		t.Errorf("seller locked tokens = %d, want 6", b.Locked)
	}
	if b := f.balance(t, "seller", model.AssetSats); b.Available != 2000 {
		t.Errorf("seller sats = %d, want 2000", b.Available)
	}
}

func TestSecondaryRejectsBadMatch(t *testing.T) {
	f := newFixture(t)
	buy := model.Order{ID: "b", TokenID: "tok", Side: model.SideBuy, PriceSats: 400}
	sell := model.Order{ID: "s", TokenID: "tok", Side: model.SideSell, PriceSats: 500}

	_, err := f.s.Secondary(context.Background(), Match{Buy: buy, Sell: sell, Quantity: 1, PriceSats: 500})
	if !errors.Is(err, errs.ErrInvariant) {
		t.Errorf("Secondary error = %v, want invariant", err)
	}
	_, err = f.s.Secondary(context.Background(), Match{Buy: buy, Sell: sell, Quantity: 0, PriceSats: 500})
	if !errors.Is(err, errs.ErrValidation) {
		t.Errorf("Secondary error = %v, want validation", err)
	}
}
