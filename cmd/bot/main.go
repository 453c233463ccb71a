// Polymarket Hedger — an automated trading bot for Polymarket's 15-minute
// up/down binary markets.
//
// Architecture:
//
//	main.go              — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	scheduler/           — wakes on quarter-hour boundaries, one trade lifecycle per (symbol, window);
//	                       startup reconciler repairs store/exchange divergence after a crash
//	lifecycle/           — the per-window state machine: atomic pair placement, fill monitoring,
//	                       emergency liquidation, pre-settlement optimization, resolution
//	pricing/             — entry+hedge price plan, confidence-scaled sizing, post-only failure counter
//	signal/              — directional signal contract with a bounded neutral fallback
//	market/              — Gamma API window discovery + top-of-book mirror
//	risk/                — portfolio exposure cap over durable open collateral
//	exchange/            — CLOB REST client (L1/L2 auth, rate limits, retries) and WebSocket feeds
//	store/               — crash-safe SQLite trade records, the source of truth across restarts
//
// How it makes money:
//
//	Each window, the bot buys BOTH outcome tokens: the entry leg joins the bid
//	on the signal's side and the hedge leg is priced so the pair costs less
//	than the 1 USDC the winning token pays at resolution. When both legs fill,
//	the profit is locked in regardless of direction. When only one fills, the
//	bot liquidates under time pressure rather than carry naked exposure into
//	resolution.
package main

import (
	"context"
	"log/slog"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"polymarket-hedger/internal/clock"
	"polymarket-hedger/internal/config"
	"polymarket-hedger/internal/exchange"
	"polymarket-hedger/internal/lifecycle"
	"polymarket-hedger/internal/market"
	"polymarket-hedger/internal/pricing"
	"polymarket-hedger/internal/risk"
	"polymarket-hedger/internal/scheduler"
	"polymarket-hedger/internal/signal"
	"polymarket-hedger/internal/store"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("POLY_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	if err := run(*cfg, logger); err != nil {
		logger.Error("bot exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	auth, err := exchange.NewAuth(cfg)
	if err != nil {
		return err
	}
	client := exchange.NewClient(cfg, auth, logger)

	if !auth.HasL2Credentials() {
		logger.Info("no L2 credentials, deriving API key via L1...")
		if _, err := client.DeriveAPIKey(context.Background()); err != nil {
			return err
		}
	}

	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(context.Background()); err != nil {
		return err
	}

	clk := clock.Real{}
	scanner := market.NewScanner(cfg, logger)
	book := market.NewTopOfBook()
	mktFeed := exchange.NewMarketFeed(cfg.API.WSMarketURL, logger)

	signals := signal.NewFallback(signal.NewBookSource(book), logger)
	failures := pricing.NewFailurePolicy(cfg.Trading.MaxPostOnlyAttempts)

	deps := lifecycle.Deps{
		Exchange: client,
		Store:    st,
		Clock:    clk,
		Signals:  signals,
		Policy:   pricing.NewPolicy(cfg),
		Placer: lifecycle.NewAtomicPlacer(
			client, st, clk, failures, cfg.Trading.SettleDelay, logger),
		Monitor: lifecycle.NewFillMonitor(
			client, st, clk, cfg.Trading.FillTimeout, cfg.Trading.PollInterval,
			cfg.Trading.MinOrderSize, logger),
		Liquidator: lifecycle.NewEmergencyLiquidator(
			client, clk, cfg.Emergency, cfg.Trading.MinOrderSize, logger),
		Tracker:  risk.NewTracker(st, cfg.Sizing.MaxPortfolioExposure, logger),
		Resolver: scanner,
		Logger:   logger,
	}
	deps.Optimizer = lifecycle.NewPreSettlementOptimizer(
		signals, deps.Liquidator, clk, cfg.PreSettlement, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Repair any divergence left by the previous run before trading again.
	recon := scheduler.NewReconciler(client, st, clk, scanner, logger)
	if err := recon.Run(ctx); err != nil {
		return err
	}

	usrFeed := exchange.NewUserFeed(cfg.API.WSUserURL, auth, logger)

	go func() {
		if err := mktFeed.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("market feed error", "error", err)
		}
	}()
	go func() {
		if err := usrFeed.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("user feed error", "error", err)
		}
	}()
	// Fills against our resting orders invalidate the balance cache so the
	// next sizing decision sees fresh collateral.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case fill := <-usrFeed.Fills():
				client.InvalidateBalance(fill.TokenID)
			}
		}
	}()

	sched := scheduler.New(cfg, scanner, deps, book, client, mktFeed, usrFeed)

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}
	logger.Info("polymarket hedger started",
		"symbols", cfg.Trading.Symbols,
		"bet_percent", cfg.Sizing.BetPercent,
		"max_exposure", cfg.Sizing.MaxPortfolioExposure,
		"dry_run", cfg.DryRun,
	)

	// Run the scheduler until a shutdown signal arrives.
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
		<-done
	case err := <-done:
		if err != nil && err != context.Canceled {
			return err
		}
	}

	// Safety net: no order of ours should rest on the book after exit.
	cancelCtx, cancelCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelCancel()
	if err := client.CancelAll(cancelCtx); err != nil {
		logger.Error("failed to cancel all orders on shutdown", "error", err)
	}
	mktFeed.Close()
	usrFeed.Close()

	logger.Info("shutdown complete")
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
