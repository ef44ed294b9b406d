package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/rickgao/tokenmarket/internal/errs"
	"github.com/rickgao/tokenmarket/internal/matching"
	"github.com/rickgao/tokenmarket/internal/model"
	"github.com/rickgao/tokenmarket/internal/registry"
)

func queryInt(r *http.Request, op, name string, def int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errs.Validation(op, "%s must be an integer, got %q", name, raw)
	}
	return n, nil
}

// GET /price?token=..&amount=N and GET /tokens/{tokenID}/price?amount=N
func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	const op = "httpapi.price"

	tokenID := chi.URLParam(r, "tokenID")
	if tokenID == "" {
		tokenID = r.URL.Query().Get("token")
	}
	if tokenID == "" {
		writeError(w, s.logger, r, errs.Validation(op, "token is required"))
		return
	}
	amount, err := queryInt(r, op, "amount", 1)
	if err != nil {
		writeError(w, s.logger, r, err)
		return
	}

	q, err := s.deps.Tokens.Quote(r.Context(), tokenID, amount)
	if err != nil {
		writeError(w, s.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	tokens := s.deps.Tokens.List()
	if tokens == nil {
		tokens = []model.Token{}
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (s *Server) handleGetToken(w http.ResponseWriter, r *http.Request) {
	tok, err := s.deps.Tokens.Get(r.Context(), chi.URLParam(r, "tokenID"))
	if err != nil {
		writeError(w, s.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

func (s *Server) handleRegisterToken(w http.ResponseWriter, r *http.Request) {
	var spec registry.TokenSpec
	if err := decode(r, "httpapi.registerToken", &spec); err != nil {
		writeError(w, s.logger, r, err)
		return
	}
	if spec.IssuerID == "" {
		spec.IssuerID = holderID(r.Context())
	}

	tok, err := s.deps.Tokens.Register(r.Context(), spec)
	if err != nil {
		writeError(w, s.logger, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tok)
}

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	levels, err := queryInt(r, "httpapi.book", "levels", 10)
	if err != nil {
		writeError(w, s.logger, r, err)
		return
	}
	depth, err := s.deps.Orders.Depth(r.Context(), chi.URLParam(r, "tokenID"), int(levels))
	if err != nil {
		writeError(w, s.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, depth)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	const op = "httpapi.trades"
	limit, err := queryInt(r, op, "limit", 50)
	if err != nil {
		writeError(w, s.logger, r, err)
		return
	}
	if limit <= 0 || limit > 1000 {
		writeError(w, s.logger, r, errs.Validation(op, "limit must be in [1, 1000], got %d", limit))
		return
	}

	tokenID := chi.URLParam(r, "tokenID")
	if _, err := s.deps.Tokens.Get(r.Context(), tokenID); err != nil {
		writeError(w, s.logger, r, err)
		return
	}
	fills, err := s.deps.Trades.ListFills(r.Context(), tokenID, int(limit))
	if err != nil {
		writeError(w, s.logger, r, err)
		return
	}
	if fills == nil {
		fills = []model.Fill{}
	}
	writeJSON(w, http.StatusOK, fills)
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req matching.PlaceRequest
	if err := decode(r, "httpapi.placeOrder", &req); err != nil {
		writeError(w, s.logger, r, err)
		return
	}
	req.HolderID = holderID(r.Context())

	res, err := s.deps.Orders.Place(r.Context(), req)
	if err != nil {
		writeError(w, s.logger, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.deps.Orders.Orders(r.Context(), holderID(r.Context()))
	if err != nil {
		writeError(w, s.logger, r, err)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.deps.Orders.Order(r.Context(), chi.URLParam(r, "orderID"), holderID(r.Context()))
	if err != nil {
		writeError(w, s.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Orders.Cancel(r.Context(), holderID(r.Context()), chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(w, s.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// BalanceView is one asset's balance as served by GET /balance.
type BalanceView struct {
	Available int64 `json:"available"`
	Locked    int64 `json:"locked"`
	Total     int64 `json:"total"`
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	rows, err := s.deps.Balances.Balances(r.Context(), holderID(r.Context()))
	if err != nil {
		writeError(w, s.logger, r, err)
		return
	}
	out := make(map[string]BalanceView, len(rows))
	for _, b := range rows {
		out[b.Asset] = BalanceView{Available: b.Available, Locked: b.Locked, Total: b.Total()}
	}
	writeJSON(w, http.StatusOK, out)
}

// DepositRequest credits a holder after an external payment clears.
type DepositRequest struct {
	Asset  string `json:"asset"`
	Amount int64  `json:"amount"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := decode(r, "httpapi.deposit", &req); err != nil {
		writeError(w, s.logger, r, err)
		return
	}
	if req.Asset == "" {
		req.Asset = model.AssetSats
	}
	holder := holderID(r.Context())

	bal, err := s.deps.Balances.Deposit(r.Context(), holder, req.Asset, req.Amount)
	if err != nil {
		writeError(w, s.logger, r, err)
		return
	}
	if s.deps.Events != nil {
		s.deps.Events.Publish(model.NewEvent(model.EventDeposit, holder, holder, tokenOf(req.Asset), req))
	}
	writeJSON(w, http.StatusOK, BalanceView{Available: bal.Available, Locked: bal.Locked, Total: bal.Total()})
}

// handleWithdraw debits available funds paid out by the external
// collaborator. The body has the same shape as a deposit.
func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := decode(r, "httpapi.withdraw", &req); err != nil {
		writeError(w, s.logger, r, err)
		return
	}
	if req.Asset == "" {
		req.Asset = model.AssetSats
	}
	holder := holderID(r.Context())

	bal, err := s.deps.Balances.Withdraw(r.Context(), holder, req.Asset, req.Amount)
	if err != nil {
		writeError(w, s.logger, r, err)
		return
	}
	if s.deps.Events != nil {
		s.deps.Events.Publish(model.NewEvent(model.EventWithdrawal, holder, holder, tokenOf(req.Asset), req))
	}
	writeJSON(w, http.StatusOK, BalanceView{Available: bal.Available, Locked: bal.Locked, Total: bal.Total()})
}

func tokenOf(asset string) string {
	if asset == model.AssetSats {
		return ""
	}
	return asset
}

// PurchaseRequest opens a primary purchase.
type PurchaseRequest struct {
	TokenID string `json:"token_id"`
	Amount  int64  `json:"amount"`
}

// PurchaseResponse is a purchase with the quote it was priced at.
type PurchaseResponse struct {
	Purchase model.Purchase      `json:"purchase"`
	Quote    registry.PriceQuote `json:"quote"`
}

func (s *Server) handleCreatePurchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if err := decode(r, "httpapi.createPurchase", &req); err != nil {
		writeError(w, s.logger, r, err)
		return
	}
	p, q, err := s.deps.Purchases.CreatePurchase(r.Context(), holderID(r.Context()), req.TokenID, req.Amount)
	if err != nil {
		writeError(w, s.logger, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, PurchaseResponse{Purchase: p, Quote: q})
}

func (s *Server) handleGetPurchase(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Purchases.Purchase(r.Context(), chi.URLParam(r, "purchaseID"), holderID(r.Context()))
	if err != nil {
		writeError(w, s.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleCancelPurchase(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Purchases.CancelPurchase(r.Context(), chi.URLParam(r, "purchaseID"), holderID(r.Context()))
	if err != nil {
		writeError(w, s.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// confirm and settle are called by the payment collaborator; the holder
// check makes sure it acts for the purchase's owner.
func (s *Server) ownPurchase(r *http.Request) (model.Purchase, error) {
	return s.deps.Purchases.Purchase(r.Context(), chi.URLParam(r, "purchaseID"), holderID(r.Context()))
}

func (s *Server) handleConfirmPurchase(w http.ResponseWriter, r *http.Request) {
	p, err := s.ownPurchase(r)
	if err != nil {
		writeError(w, s.logger, r, err)
		return
	}
	p, err = s.deps.Purchases.ConfirmPurchase(r.Context(), p.ID)
	if err != nil {
		writeError(w, s.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleSettlePurchase(w http.ResponseWriter, r *http.Request) {
	p, err := s.ownPurchase(r)
	if err != nil {
		writeError(w, s.logger, r, err)
		return
	}
	res, err := s.deps.Purchases.Primary(r.Context(), p.ID)
	if err != nil {
		writeError(w, s.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
