package matching

import (
	"sort"

	"github.com/rickgao/tokenmarket/internal/model"
)

// Level is one aggregated price level of a book snapshot.
type Level struct {
	PriceSats int64 `json:"price_sats"`
	Quantity  int64 `json:"quantity"`
	Orders    int   `json:"orders"`
}

// Depth is an aggregated snapshot of a token's book.
type Depth struct {
	TokenID string  `json:"token_id"`
	Bids    []Level `json:"bids"`
	Asks    []Level `json:"asks"`
}

// book holds the resting orders of one token. Each side is kept in match
// priority order: best price first, then created_at, then insertion seq.
// It is owned by a single worker goroutine and is not safe for concurrent use.
type book struct {
	tokenID string
	bids    []model.Order
	asks    []model.Order
}

func newBook(tokenID string) *book {
	return &book{tokenID: tokenID}
}

// ahead reports whether a has priority over b on the given side.
func ahead(side model.Side, a, b model.Order) bool {
	if a.PriceSats != b.PriceSats {
		if side == model.SideBuy {
			return a.PriceSats > b.PriceSats
		}
		return a.PriceSats < b.PriceSats
	}
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.Seq < b.Seq
}

func (b *book) side(s model.Side) *[]model.Order {
	if s == model.SideBuy {
		return &b.bids
	}
	return &b.asks
}

// add rests o in priority order.
func (b *book) add(o model.Order) {
	orders := b.side(o.Side)
	i := sort.Search(len(*orders), func(i int) bool {
		return ahead(o.Side, o, (*orders)[i])
	})
	*orders = append(*orders, model.Order{})
	copy((*orders)[i+1:], (*orders)[i:])
	(*orders)[i] = o
}

// remove drops the order with id from side s.
func (b *book) remove(s model.Side, id string) bool {
	orders := b.side(s)
	for i := range *orders {
		if (*orders)[i].ID == id {
			*orders = append((*orders)[:i], (*orders)[i+1:]...)
			return true
		}
	}
	return false
}

// replace swaps in a newer copy of a resting order, keeping its position.
func (b *book) replace(o model.Order) bool {
	orders := *b.side(o.Side)
	for i := range orders {
		if orders[i].ID == o.ID {
			orders[i] = o
			return true
		}
	}
	return false
}

// best returns the highest priority resting order that crosses taker.
func (b *book) best(taker model.Order) (model.Order, bool) {
	if taker.Side == model.SideBuy {
		if len(b.asks) > 0 && b.asks[0].PriceSats <= taker.PriceSats {
			return b.asks[0], true
		}
		return model.Order{}, false
	}
	if len(b.bids) > 0 && b.bids[0].PriceSats >= taker.PriceSats {
		return b.bids[0], true
	}
	return model.Order{}, false
}

func (b *book) len() int {
	return len(b.bids) + len(b.asks)
}

// depth aggregates up to levels price levels per side. levels <= 0 means all.
func (b *book) depth(levels int) Depth {
	return Depth{
		TokenID: b.tokenID,
		Bids:    aggregate(b.bids, levels),
		Asks:    aggregate(b.asks, levels),
	}
}

func aggregate(orders []model.Order, levels int) []Level {
	out := []Level{}
	for _, o := range orders {
		n := len(out)
		if n > 0 && out[n-1].PriceSats == o.PriceSats {
			out[n-1].Quantity += o.Remaining()
			out[n-1].Orders++
			continue
		}
		if levels > 0 && n == levels {
			break
		}
		out = append(out, Level{PriceSats: o.PriceSats, Quantity: o.Remaining(), Orders: 1})
	}
	return out
}
