package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/rickgao/tokenmarket/internal/matching"
	"github.com/rickgao/tokenmarket/internal/metrics"
	"github.com/rickgao/tokenmarket/internal/model"
	"github.com/rickgao/tokenmarket/internal/registry"
	"github.com/rickgao/tokenmarket/internal/settlement"
	"github.com/rickgao/tokenmarket/internal/version"
)

// Tokens is the registry surface used by the API.
type Tokens interface {
	Register(ctx context.Context, spec registry.TokenSpec) (model.Token, error)
	Get(ctx context.Context, id string) (model.Token, error)
	List() []model.Token
	Quote(ctx context.Context, tokenID string, amount int64) (registry.PriceQuote, error)
}

// Orders is the matching engine surface used by the API.
type Orders interface {
	Place(ctx context.Context, req matching.PlaceRequest) (matching.PlaceResult, error)
	Cancel(ctx context.Context, holder, orderID string) (matching.CancelResult, error)
	Order(ctx context.Context, id, holder string) (model.Order, error)
	Orders(ctx context.Context, holder string) ([]model.Order, error)
	Depth(ctx context.Context, tokenID string, levels int) (matching.Depth, error)
}

// Purchases is the primary-sale surface used by the API.
type Purchases interface {
	CreatePurchase(ctx context.Context, holder, tokenID string, amount int64) (model.Purchase, registry.PriceQuote, error)
	ConfirmPurchase(ctx context.Context, id string) (model.Purchase, error)
	CancelPurchase(ctx context.Context, id, holder string) (model.Purchase, error)
	Purchase(ctx context.Context, id, holder string) (model.Purchase, error)
	Primary(ctx context.Context, purchaseID string) (settlement.PrimaryResult, error)
}

// Balances is the ledger surface used by the API.
type Balances interface {
	Deposit(ctx context.Context, holder, asset string, amount int64) (model.Balance, error)
	Withdraw(ctx context.Context, holder, asset string, amount int64) (model.Balance, error)
	Balances(ctx context.Context, holder string) ([]model.Balance, error)
}

// Trades lists recent fills.
type Trades interface {
	ListFills(ctx context.Context, tokenID string, limit int) ([]model.Fill, error)
}

// Publisher receives audit events.
type Publisher interface {
	Publish(e model.Event)
}

// Deps are the components the API serves.
type Deps struct {
	Tokens    Tokens
	Orders    Orders
	Purchases Purchases
	Balances  Balances
	Trades    Trades
	Events    Publisher
	Feed      http.Handler                    // optional websocket trade feed
	Health    func(ctx context.Context) error // optional storage health check
	Metrics   *metrics.Metrics
}

// Config holds server configuration.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	OrderLimit   RateLimit
	PaymentToken string // shared secret of the payment collaborator; empty disables its routes
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Addr:         ":8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		OrderLimit:   RateLimit{RequestsPerMinute: 120, Burst: 20},
	}
}

// Server serves the market API.
type Server struct {
	cfg     Config
	deps    Deps
	logger  *slog.Logger
	limiter *rateLimiter
	handler http.Handler
	srv     *http.Server
}

// New builds the router. logger may be nil.
func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		limiter: newRateLimiter(cfg.OrderLimit, logger),
	}
	s.handler = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(observe(s.deps.Metrics, s.logger))

	r.Get("/healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler())
	}
	if s.deps.Feed != nil {
		r.Get("/ws/trades", s.handleFeed)
	}

	// Public market data.
	r.Get("/price", s.handlePrice)
	r.Get("/tokens", s.handleListTokens)
	r.Get("/tokens/{tokenID}", s.handleGetToken)
	r.Get("/tokens/{tokenID}/price", s.handlePrice)
	r.Get("/tokens/{tokenID}/book", s.handleBook)
	if s.deps.Trades != nil {
		r.Get("/tokens/{tokenID}/trades", s.handleTrades)
	}

	r.Group(func(r chi.Router) {
		r.Use(requireHolder)

		r.Post("/tokens", s.handleRegisterToken)

		r.With(s.limiter.middleware).Post("/orders", s.handlePlaceOrder)
		r.Get("/orders", s.handleListOrders)
		r.Get("/orders/{orderID}", s.handleGetOrder)
		r.Delete("/orders/{orderID}", s.handleCancelOrder)

		r.Get("/balance", s.handleBalance)

		r.Post("/purchases", s.handleCreatePurchase)
		r.Get("/purchases/{purchaseID}", s.handleGetPurchase)
		r.Delete("/purchases/{purchaseID}", s.handleCancelPurchase)
		r.Post("/purchases/{purchaseID}/settle", s.handleSettlePurchase)

		// Funds movements are reported by the payment collaborator on the
		// holder's behalf, never by the holder.
		if s.cfg.PaymentToken != "" {
			r.Group(func(r chi.Router) {
				r.Use(requirePaymentToken(s.cfg.PaymentToken))
				r.Post("/deposits", s.handleDeposit)
				r.Post("/withdrawals", s.handleWithdraw)
				r.Post("/purchases/{purchaseID}/confirm", s.handleConfirmPurchase)
			})
		}
	})

	return r
}

// Start listens on cfg.Addr and serves until Stop.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.srv = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("http server started", "addr", ln.Addr().String())
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("stopping http server")
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := struct {
		Status string            `json:"status"`
		Tokens int               `json:"tokens"`
		Build  version.BuildInfo `json:"build"`
		Error  string            `json:"error,omitempty"`
	}{
		Status: "healthy",
		Tokens: len(s.deps.Tokens.List()),
		Build:  version.Info(),
	}

	status := http.StatusOK
	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.deps.Health(ctx); err != nil {
			health.Status = "unhealthy"
			health.Error = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, health)
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token != "" {
		if _, err := s.deps.Tokens.Get(r.Context(), token); err != nil {
			writeError(w, s.logger, r, err)
			return
		}
	}
	s.deps.Feed.ServeHTTP(w, r)
}
