package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/tokenmarket/internal/config"
	"github.com/rickgao/tokenmarket/internal/feed"
	"github.com/rickgao/tokenmarket/internal/httpapi"
	"github.com/rickgao/tokenmarket/internal/ledger"
	"github.com/rickgao/tokenmarket/internal/matching"
	"github.com/rickgao/tokenmarket/internal/metrics"
	"github.com/rickgao/tokenmarket/internal/model"
	"github.com/rickgao/tokenmarket/internal/reaper"
	"github.com/rickgao/tokenmarket/internal/registry"
	"github.com/rickgao/tokenmarket/internal/router"
	"github.com/rickgao/tokenmarket/internal/settlement"
	"github.com/rickgao/tokenmarket/internal/storage"
	"github.com/rickgao/tokenmarket/internal/version"
	"github.com/rickgao/tokenmarket/internal/writer"
)

// lifecycle is a started component.
type lifecycle interface {
	Stop(ctx context.Context) error
}

func main() {
	configPath := flag.String("config", "", "path to config file (defaults apply when empty)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadAndValidate(*configPath)
		if err != nil {
			slog.Error("failed to load config", "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	logger := cfg.Log.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	logger.Info("starting exchange",
		"version", version.Version,
		"commit", version.Commit,
		"instance_id", cfg.Instance.ID,
		"driver", cfg.Database.Driver,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("exchange failed", "error", err)
		os.Exit(1)
	}
	logger.Info("exchange stopped")
}

func run(cfg *config.ExchangeConfig, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	backend, err := storage.Open(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	m := metrics.New()

	// Started components, stopped in reverse order.
	var started []lifecycle
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		for i := len(started) - 1; i >= 0; i-- {
			if err := started[i].Stop(shutdownCtx); err != nil {
				logger.Warn("component stop failed", "error", err)
			}
		}
	}()

	events := router.New(router.Config{AuditBufferSize: cfg.Writers.BufferSize}, m, logger)

	// Consumers first so they drain the buffers after producers stop.
	audit := writer.NewAuditWriter(writer.WriterConfig{
		BatchSize:     cfg.Writers.BatchSize,
		FlushInterval: cfg.Writers.FlushInterval,
	}, events.Buffers().Audit, backend, m, logger)
	if err := audit.Start(ctx); err != nil {
		return fmt.Errorf("start audit writer: %w", err)
	}
	started = append(started, audit)

	hub := feed.New(feed.Config{
		PingInterval: cfg.Feed.PingInterval,
		WriteTimeout: cfg.Feed.WriteTimeout,
		SendBuffer:   cfg.Feed.SendBuffer,
	}, events.Buffers().Fills, m, logger)
	if err := hub.Start(ctx); err != nil {
		return fmt.Errorf("start trade feed: %w", err)
	}
	started = append(started, hub)

	if err := events.Start(ctx); err != nil {
		return fmt.Errorf("start event router: %w", err)
	}
	started = append(started, events)

	reg := registry.New(registry.DefaultConfig(), backend, events, logger)
	if err := reg.Start(ctx); err != nil {
		return fmt.Errorf("start registry: %w", err)
	}
	started = append(started, reg)

	if err := seedTokens(ctx, reg, cfg.Tokens, logger); err != nil {
		return err
	}

	l := ledger.New(backend, cfg.Market.CASMaxAttempts, logger)
	settler := settlement.New(settlement.Config{
		PlatformHolderID: cfg.Market.PlatformHolderID,
		PurchaseTTL:      cfg.Market.PurchaseTTL,
		MaxAttempts:      cfg.Market.CASMaxAttempts,
	}, backend, l, reg, events, m, logger)

	engine := matching.New(matching.Config{
		QueueSize:   cfg.Market.WorkerQueueSize,
		MaxAttempts: cfg.Market.CASMaxAttempts,
	}, backend, l, settler, reg, events, m, logger)
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start matching engine: %w", err)
	}
	started = append(started, engine)

	sweeper := reaper.New(reaper.Config{
		Interval:    cfg.Reaper.Interval,
		BatchSize:   cfg.Reaper.BatchSize,
		MaxAttempts: cfg.Market.CASMaxAttempts,
	}, backend, m, logger)
	if err := sweeper.Start(ctx); err != nil {
		return fmt.Errorf("start reaper: %w", err)
	}
	started = append(started, sweeper)

	api := httpapi.New(httpapi.Config{
		Addr:         cfg.HTTP.Addr,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		OrderLimit: httpapi.RateLimit{
			RequestsPerMinute: cfg.HTTP.RateLimit.OrdersPerMinute,
			Burst:             cfg.HTTP.RateLimit.Burst,
		},
		PaymentToken: cfg.HTTP.PaymentToken,
	}, httpapi.Deps{
		Tokens:    reg,
		Orders:    engine,
		Purchases: settler,
		Balances:  l,
		Trades:    backend,
		Events:    events,
		Feed:      hub,
		Health:    backend.Ping,
		Metrics:   m,
	}, logger)
	if cfg.HTTP.PaymentToken == "" {
		logger.Warn("http.payment_token not set, deposits, withdrawals and purchase confirmation are disabled")
	}
	if err := api.Start(ctx); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}
	started = append(started, api)

	// Dedicated metrics listener for scrapers on the internal network.
	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, m.Handler())
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("exchange running",
		"http_addr", cfg.HTTP.Addr,
		"metrics_url", fmt.Sprintf("http://localhost:%d%s", cfg.Metrics.Port, cfg.Metrics.Path),
		"tokens", len(reg.List()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting metrics server", "port", cfg.Metrics.Port)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return metricsServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// seedTokens registers configured tokens that do not exist yet.
func seedTokens(ctx context.Context, reg *registry.Registry, seeds []config.TokenSeed, logger *slog.Logger) error {
	for _, seed := range seeds {
		tok, created, err := reg.Ensure(ctx, registry.TokenSpec{
			ID:               seed.ID,
			Symbol:           seed.Symbol,
			IssuerID:         seed.IssuerID,
			PricingModel:     model.PricingModel(seed.PricingModel),
			BasePriceSats:    seed.BasePriceSats,
			DecayFactor:      seed.DecayFactor,
			MaxSupply:        seed.MaxSupply,
			IssuerShareBps:   seed.IssuerShareBps,
			PlatformShareBps: seed.PlatformShareBps,
		})
		if err != nil {
			return fmt.Errorf("seed token %s: %w", seed.ID, err)
		}
		if created {
			logger.Info("seeded token", "token_id", tok.ID, "symbol", tok.Symbol)
		}
	}
	return nil
}
