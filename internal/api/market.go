package api

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/rickgao/tokenmarket/internal/model"
)

// Price quotes amount units of tokenID at the current supply.
func (c *Client) Price(ctx context.Context, tokenID string, amount int64) (*PriceResponse, error) {
	q := url.Values{}
	q.Set("amount", strconv.FormatInt(amount, 10))

	var resp PriceResponse
	if err := c.get(ctx, "/tokens/"+url.PathEscape(tokenID)+"/price", q, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Book returns up to levels price levels per side.
func (c *Client) Book(ctx context.Context, tokenID string, levels int) (*Book, error) {
	q := url.Values{}
	if levels > 0 {
		q.Set("levels", strconv.Itoa(levels))
	}

	var resp Book
	if err := c.get(ctx, "/tokens/"+url.PathEscape(tokenID)+"/book", q, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Tokens lists registered tokens.
func (c *Client) Tokens(ctx context.Context) ([]model.Token, error) {
	var resp []model.Token
	if err := c.get(ctx, "/tokens", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// PlaceOrder submits a limit order for the configured holder.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	var resp OrderResult
	if err := c.send(ctx, http.MethodPost, "/orders", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelOrder cancels an open order.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (*CancelResult, error) {
	var resp CancelResult
	if err := c.send(ctx, http.MethodDelete, "/orders/"+url.PathEscape(orderID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Orders lists the holder's orders.
func (c *Client) Orders(ctx context.Context) ([]model.Order, error) {
	var resp []model.Order
	if err := c.get(ctx, "/orders", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Balance returns the holder's balances keyed by asset.
func (c *Client) Balance(ctx context.Context) (map[string]Balance, error) {
	var resp map[string]Balance
	if err := c.get(ctx, "/balance", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Deposit credits amount of asset to the holder. An empty asset means sats.
func (c *Client) Deposit(ctx context.Context, asset string, amount int64) (*Balance, error) {
	return c.moveFunds(ctx, "/deposits", asset, amount)
}

// Withdraw debits amount of asset from the holder's available funds.
func (c *Client) Withdraw(ctx context.Context, asset string, amount int64) (*Balance, error) {
	return c.moveFunds(ctx, "/withdrawals", asset, amount)
}

func (c *Client) moveFunds(ctx context.Context, path, asset string, amount int64) (*Balance, error) {
	body := struct {
		Asset  string `json:"asset,omitempty"`
		Amount int64  `json:"amount"`
	}{asset, amount}

	var resp Balance
	if err := c.send(ctx, http.MethodPost, path, body, &resp, paymentHeader, c.payment); err != nil {
		return nil, err
	}
	return &resp, nil
}
