package model

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
)

func TestOrderReservation(t *testing.T) {
	tests := []struct {
		name      string
		order     Order
		qty       int64
		wantAsset string
		wantLock  int64
	}{
		{"buy locks sats", Order{TokenID: "tok", Side: SideBuy, PriceSats: 600}, 10, AssetSats, 6000},
		{"sell locks tokens", Order{TokenID: "tok", Side: SideSell, PriceSats: 600}, 10, "tok", 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.order.ReservationAsset(); got != tt.wantAsset {
				t.Errorf("ReservationAsset() = %q, want %q", got, tt.wantAsset)
			}
			if got := tt.order.Reservation(tt.qty); got != tt.wantLock {
				t.Errorf("Reservation(%d) = %d, want %d", tt.qty, got, tt.wantLock)
			}
		})
	}
}

func TestOrderRemaining(t *testing.T) {
	o := Order{Amount: 10, FilledAmount: 4}
	if got := o.Remaining(); got != 6 {
		t.Errorf("Remaining() = %d, want 6", got)
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	tests := []struct {
		status OrderStatus
		want   bool
	}{
		{OrderOpen, false},
		{OrderPartial, false},
		{OrderFilled, true},
		{OrderCancelled, true},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestEnumsValid(t *testing.T) {
	for _, s := range []Side{SideBuy, SideSell} {
		if !s.Valid() {
			t.Errorf("Side(%q).Valid() = false, want true", s)
		}
	}
	if Side("hold").Valid() {
		t.Error(`Side("hold").Valid() = true, want false`)
	}

	for _, m := range []PricingModel{PricingSqrtDecay, PricingFixed, PricingLinear} {
		if !m.Valid() {
			t.Errorf("PricingModel(%q).Valid() = false, want true", m)
		}
	}
	if PricingModel("exponential").Valid() {
		t.Error(`PricingModel("exponential").Valid() = true, want false`)
	}
}

func TestTreasuryBalance(t *testing.T) {
	if got := (Token{MaxSupply: 0, SupplySold: 50}).TreasuryBalance(); got != -1 {
		t.Errorf("unbounded TreasuryBalance() = %d, want -1", got)
	}
	if got := (Token{MaxSupply: 100, SupplySold: 30}).TreasuryBalance(); got != 70 {
		t.Errorf("TreasuryBalance() = %d, want 70", got)
	}
}

func TestBalanceTotal(t *testing.T) {
	b := Balance{HolderID: "h", Asset: AssetSats, Available: 7, Locked: 5}
	if got := b.Total(); got != 12 {
		t.Errorf("Total() = %d, want 12", got)
	}
	if got := b.Key(); got != (BalanceKey{HolderID: "h", Asset: AssetSats}) {
		t.Errorf("Key() = %+v", got)
	}
}

func TestFillNotional(t *testing.T) {
	f := Fill{PriceSats: 500, Quantity: 10}
	if got := f.Notional(); got != 5000 {
		t.Errorf("Notional() = %d, want 5000", got)
	}
}

func TestNewEvent(t *testing.T) {
	e := NewEvent(EventFill, "fill-1", "buyer", "tok", map[string]int64{"quantity": 3})

	if _, err := uuid.Parse(e.ID); err != nil {
		t.Errorf("ID %q is not a uuid: %v", e.ID, err)
	}
	if e.Kind != EventFill || e.SubjectID != "fill-1" || e.TokenID != "tok" {
		t.Errorf("event = %+v", e)
	}
	if e.At <= 0 {
		t.Errorf("At = %d, want > 0", e.At)
	}

	var payload map[string]int64
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["quantity"] != 3 {
		t.Errorf("payload quantity = %d, want 3", payload["quantity"])
	}

	if empty := NewEvent(EventDeposit, "x", "", "", nil); empty.Payload != nil {
		t.Errorf("nil payload = %s, want nil", empty.Payload)
	}
}
