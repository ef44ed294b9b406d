package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AssetSats is the asset key for satoshi balances. Every other asset key is a token id.
const AssetSats = "sats"

// BpsDenominator is 100% expressed in basis points.
const BpsDenominator = 10_000

// NowMicros returns the current time in microseconds since epoch.
func NowMicros() int64 {
	return time.Now().UnixMicro()
}

// -----------------------------------------------------------------------------
// Tokens
// -----------------------------------------------------------------------------

// PricingModel selects the bonding curve used for primary issuance.
type PricingModel string

const (
	PricingSqrtDecay PricingModel = "sqrt_decay"
	PricingFixed     PricingModel = "fixed"
	PricingLinear    PricingModel = "linear"
)

// Valid reports whether m is a known pricing model.
func (m PricingModel) Valid() bool {
	switch m {
	case PricingSqrtDecay, PricingFixed, PricingLinear:
		return true
	}
	return false
}

// Token is a registered token and its treasury counter.
type Token struct {
	ID               string       `json:"id"`
	Symbol           string       `json:"symbol"`
	IssuerID         string       `json:"issuer_id"`
	PricingModel     PricingModel `json:"pricing_model"`
	BasePriceSats    int64        `json:"base_price_sats"`
	DecayFactor      int64        `json:"decay_factor"`         // linear: micro-sats of price drop per unit sold
	MaxSupply        int64        `json:"max_supply,omitempty"` // 0 = unbounded
	SupplySold       int64        `json:"supply_sold"`
	IssuerShareBps   int          `json:"issuer_share_bps"`
	PlatformShareBps int          `json:"platform_share_bps"`
	CreatedAt        int64        `json:"created_at"`
}

// TreasuryBalance returns the units left to sell, or -1 when supply is unbounded.
func (t Token) TreasuryBalance() int64 {
	if t.MaxSupply == 0 {
		return -1
	}
	return t.MaxSupply - t.SupplySold
}

// -----------------------------------------------------------------------------
// Ledger
// -----------------------------------------------------------------------------

// BalanceKey identifies one ledger row.
type BalanceKey struct {
	HolderID string
	Asset    string
}

// Balance is a holder's position in one asset. Version is the CAS token;
// a zero version means the row does not exist yet.
type Balance struct {
	HolderID  string `json:"holder_id"`
	Asset     string `json:"asset"`
	Available int64  `json:"available"`
	Locked    int64  `json:"locked"`
	Version   int64  `json:"-"`
}

// Key returns the row key.
func (b Balance) Key() BalanceKey {
	return BalanceKey{HolderID: b.HolderID, Asset: b.Asset}
}

// Total returns available + locked.
func (b Balance) Total() int64 {
	return b.Available + b.Locked
}

// Bucket selects the sub-balance a transfer debits.
type Bucket string

const (
	BucketAvailable Bucket = "available"
	BucketLocked    Bucket = "locked"
)

// -----------------------------------------------------------------------------
// Orders
// -----------------------------------------------------------------------------

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is buy or sell.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderStatus is the order lifecycle state: open -> partial -> filled, or open|partial -> cancelled.
type OrderStatus string

const (
	OrderOpen      OrderStatus = "open"
	OrderPartial   OrderStatus = "partial"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled
}

// Order is a limit order on a token's secondary book.
type Order struct {
	ID           string      `json:"id"`
	HolderID     string      `json:"holder_id"`
	TokenID      string      `json:"token_id"`
	Side         Side        `json:"side"`
	Amount       int64       `json:"amount"`
	FilledAmount int64       `json:"filled_amount"`
	PriceSats    int64       `json:"price_sats"`
	Status       OrderStatus `json:"status"`
	CreatedAt    int64       `json:"created_at"`
	Seq          int64       `json:"seq"`
	UpdatedAt    int64       `json:"updated_at"`
	Version      int64       `json:"-"`
}

// Remaining returns the unfilled quantity.
func (o Order) Remaining() int64 {
	return o.Amount - o.FilledAmount
}

// ReservationAsset returns the asset an order locks: sats for buys, the token for sells.
func (o Order) ReservationAsset() string {
	if o.Side == SideBuy {
		return AssetSats
	}
	return o.TokenID
}

// Reservation returns the amount locked for qty units of this order.
func (o Order) Reservation(qty int64) int64 {
	if o.Side == SideBuy {
		return qty * o.PriceSats
	}
	return qty
}

// Fill is one immutable match between a buy and a sell order.
type Fill struct {
	ID          string `json:"id"`
	TokenID     string `json:"token_id"`
	BuyOrderID  string `json:"buy_order_id"`
	SellOrderID string `json:"sell_order_id"`
	BuyerID     string `json:"buyer_id"`
	SellerID    string `json:"seller_id"`
	PriceSats   int64  `json:"price_sats"`
	Quantity    int64  `json:"quantity"`
	TakerSide   Side   `json:"taker_side"`
	ExecutedAt  int64  `json:"executed_at"`
}

// Notional returns price × quantity.
func (f Fill) Notional() int64 {
	return f.PriceSats * f.Quantity
}

// -----------------------------------------------------------------------------
// Primary purchases
// -----------------------------------------------------------------------------

// PurchaseStatus is the primary purchase lifecycle state.
type PurchaseStatus string

const (
	PurchasePending   PurchaseStatus = "pending"
	PurchaseConfirmed PurchaseStatus = "confirmed"
	PurchaseCompleted PurchaseStatus = "completed"
	PurchaseCancelled PurchaseStatus = "cancelled"
	PurchaseExpired   PurchaseStatus = "expired"
)

// Purchase is a pending primary-market purchase reserved at quote acceptance.
type Purchase struct {
	ID        string         `json:"id"`
	TokenID   string         `json:"token_id"`
	HolderID  string         `json:"holder_id"`
	Amount    int64          `json:"amount"`
	Status    PurchaseStatus `json:"status"`
	TotalSats int64          `json:"total_sats,omitempty"`
	ExpiresAt int64          `json:"expires_at"`
	CreatedAt int64          `json:"created_at"`
	UpdatedAt int64          `json:"updated_at"`
}

// -----------------------------------------------------------------------------
// Audit
// -----------------------------------------------------------------------------

// EventKind names an audit record type.
type EventKind string

const (
	EventDeposit           EventKind = "deposit"
	EventWithdrawal        EventKind = "withdrawal"
	EventOrderPlaced       EventKind = "order.placed"
	EventOrderCancelled    EventKind = "order.cancelled"
	EventFill              EventKind = "fill"
	EventTokenRegistered   EventKind = "token.registered"
	EventPurchaseCreated   EventKind = "purchase.created"
	EventPurchaseConfirmed EventKind = "purchase.confirmed"
	EventPurchaseCompleted EventKind = "purchase.completed"
	EventPurchaseCancelled EventKind = "purchase.cancelled"
	EventPurchaseExpired   EventKind = "purchase.expired"
)

// Event is an append-only audit record.
type Event struct {
	ID        string          `json:"id"`
	Kind      EventKind       `json:"kind"`
	SubjectID string          `json:"subject_id"`
	HolderID  string          `json:"holder_id,omitempty"`
	TokenID   string          `json:"token_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	At        int64           `json:"at"`
}

// NewEvent builds an audit event with a fresh id. A payload that fails to
// marshal is recorded as null.
func NewEvent(kind EventKind, subjectID, holderID, tokenID string, payload any) Event {
	raw, err := json.Marshal(payload)
	if err != nil || payload == nil {
		raw = nil
	}
	return Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		SubjectID: subjectID,
		HolderID:  holderID,
		TokenID:   tokenID,
		Payload:   raw,
		At:        NowMicros(),
	}
}
