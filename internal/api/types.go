package api

import "github.com/rickgao/tokenmarket/internal/model"

// Quote is the cost of buying Amount units from the curve.
type Quote struct {
	Amount    int64 `json:"amount"`
	AvgPrice  int64 `json:"avgPrice"`
	TotalSats int64 `json:"totalSats"`
}

// PriceResponse is returned by GET /tokens/{id}/price.
type PriceResponse struct {
	SupplySold   int64 `json:"supplySold"`
	CurrentPrice int64 `json:"currentPrice"`
	Quote        Quote `json:"quote"`
}

// OrderRequest is the body of POST /orders.
type OrderRequest struct {
	TokenID   string     `json:"token_id"`
	Side      model.Side `json:"side"`
	Amount    int64      `json:"amount"`
	PriceSats int64      `json:"price_sats"`
}

// OrderResult is the placed order and any fills it produced.
type OrderResult struct {
	Order model.Order  `json:"order"`
	Fills []model.Fill `json:"fills"`
}

// CancelResult is the cancelled order and amounts returned to available.
type CancelResult struct {
	Order    model.Order      `json:"order"`
	Unlocked map[string]int64 `json:"unlocked"`
}

// Balance is one asset's balance.
type Balance struct {
	Available int64 `json:"available"`
	Locked    int64 `json:"locked"`
	Total     int64 `json:"total"`
}

// Level is an aggregated price level.
type Level struct {
	PriceSats int64 `json:"price_sats"`
	Quantity  int64 `json:"quantity"`
	Orders    int   `json:"orders"`
}

// Book is a depth snapshot.
type Book struct {
	TokenID string  `json:"token_id"`
	Bids    []Level `json:"bids"`
	Asks    []Level `json:"asks"`
}
