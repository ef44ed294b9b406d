// Command reaper expires pending purchases past their deadline.
//
// With -once it runs a single sweep and exits, for cron-style schedulers.
// Without it, it sweeps on reaper.interval until interrupted.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rickgao/tokenmarket/internal/config"
	"github.com/rickgao/tokenmarket/internal/metrics"
	"github.com/rickgao/tokenmarket/internal/reaper"
	"github.com/rickgao/tokenmarket/internal/storage"
	"github.com/rickgao/tokenmarket/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/exchange.local.yaml", "path to config file")
	once := flag.Bool("once", false, "run one sweep and exit")
	flag.Parse()

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := cfg.Log.NewLogger(os.Stdout)
	slog.SetDefault(logger)
	logger.Info("starting reaper",
		"version", version.Version,
		"instance_id", cfg.Instance.ID,
		"once", *once,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	backend, err := storage.Open(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer backend.Close()

	r := reaper.New(reaper.Config{
		Interval:    cfg.Reaper.Interval,
		BatchSize:   cfg.Reaper.BatchSize,
		MaxAttempts: cfg.Market.CASMaxAttempts,
	}, backend, metrics.New(), logger)

	if *once {
		n, err := r.Sweep(ctx, time.Now())
		if err != nil {
			logger.Error("sweep failed", "expired", n, "error", err)
			backend.Close()
			os.Exit(1)
		}
		logger.Info("sweep complete", "expired", n)
		return
	}

	if err := r.Start(ctx); err != nil {
		logger.Error("failed to start reaper", "error", err)
		os.Exit(1)
	}
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	r.Stop(shutdownCtx)
	logger.Info("reaper stopped")
}
