// Scalp Engine — an automated short-duration scalping bot for binary
// prediction markets, trading a DCA ladder off each market's own order book.
//
// Architecture:
//
//	main.go                   — entry point: loads config, wires every
//	                            component, starts the engine, waits for
//	                            SIGINT/SIGTERM
//	spotprice/tracker.go      — two independent spot feeds, rolling window,
//	                            attached to the engine for MarketUpdate
//	                            observability (advisory, never gates a signal)
//	book/tracker.go           — per-token L2 order book mirror
//	market/context.go         — per-market position ladder + snapshot
//	strategy/evaluator.go     — pure signal evaluation (the DCA/TP/unwind rules)
//	coordinator/coordinator.go — serializes and executes signals against the venue
//	engine/engine.go          — tick loop, deadline sweep, retirement, dispatch
//	risk/manager.go           — daily loss limit → halted state
//	exchange/client.go        — venue REST client (place/cancel orders, fetch book)
//	exchange/auth.go          — L1 (EIP-712) and L2 (HMAC) venue authentication
//	exchange/ws.go            — venue WebSocket feeds with auto-reconnect,
//	                            market (public book) and user (authenticated
//	                            fill/order) channels
//	audit/log.go              — durable append-only error log
//
// How it makes money:
//
//	It enters a position when a side's ask falls to the entry trigger,
//	scales in on further drops (DCA), and exits either through a resting
//	take-profit limit at a fixed price, by unwinding when the opposite side
//	collapses, or by force-unwinding/force-exiting as the market's
//	settlement deadline approaches. The spot-price read never drives a
//	signal; it only appears on MarketUpdate events.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"scalpengine/internal/audit"
	"scalpengine/internal/book"
	"scalpengine/internal/config"
	"scalpengine/internal/coordinator"
	"scalpengine/internal/engine"
	"scalpengine/internal/eventbus"
	"scalpengine/internal/events"
	"scalpengine/internal/exchange"
	"scalpengine/internal/market"
	"scalpengine/internal/risk"
	"scalpengine/internal/spotprice"
	"scalpengine/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("SCALP_CONFIG"); p != "" {
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

	logger := buildLogger(*cfg)

	auditLog, err := audit.Open(cfg.Audit.LogDir)
	if err != nil {
		logger.Error("failed to open audit log", "error", err)
		os.Exit(1)
	}

	auth, err := exchange.NewAuth(*cfg)
	if err != nil {
		logger.Error("failed to build venue auth", "error", err)
		os.Exit(1)
	}
	client := exchange.NewClient(*cfg, auth, logger)

	if !auth.HasL2Credentials() {
		deriveCtx, deriveCancel := context.WithTimeout(context.Background(), 10*time.Second)
		_, err := client.DeriveAPIKey(deriveCtx)
		deriveCancel()
		if err != nil {
			logger.Error("failed to derive L2 API credentials", "error", err)
			os.Exit(1)
		}
	}

	store := market.NewStore()
	bus := eventbus.New(logger)
	riskMgr := risk.NewManager(cfg.Risk, logger)
	coord := coordinator.New(client, store, bus, !cfg.TradingEnabled, logger)
	tracker := book.NewTracker(nil)

	eng := engine.New(*cfg, store, coord, riskMgr, bus, tracker, logger)

	ctx, cancel := context.WithCancel(context.Background())

	if len(cfg.API.SpotFeedURLs) == 2 {
		spotTracker := spotprice.NewTracker([]spotprice.FeedConfig{
			{URL: cfg.API.SpotFeedURLs[0], Parse: spotprice.ParseSimplePrice},
			{URL: cfg.API.SpotFeedURLs[1], Parse: spotprice.ParseSimplePrice},
		}, logger)
		eng.SetSpotTracker(spotTracker)
		go spotTracker.Start(ctx)
	} else {
		logger.Warn("spot price feeds not configured, running without spot price observability")
	}

	marketsPath := "configs/markets.json"
	if p := os.Getenv("SCALP_MARKETS"); p != "" {
		marketsPath = p
	}
	descriptors, err := loadMarkets(marketsPath)
	if err != nil {
		logger.Warn("no initial markets loaded", "path", marketsPath, "error", err)
	}

	marketFeed := exchange.NewMarketFeed(cfg.API.WSBookURL, logger)
	go func() {
		if err := marketFeed.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("market feed stopped", "error", err)
		}
	}()
	go pumpBookEvents(ctx, marketFeed, tracker, logger)

	userFeed := exchange.NewUserFeed(cfg.API.WSUserURL, auth, logger)
	go func() {
		if err := userFeed.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("user feed stopped", "error", err)
		}
	}()
	go pumpUserEvents(ctx, userFeed, eng)

	for _, d := range descriptors {
		if err := eng.AddMarket(d); err != nil {
			logger.Error("failed to add market", "market", d.MarketID, "error", err)
			continue
		}
		if err := marketFeed.Subscribe(ctx, []string{d.TokenYes, d.TokenNo}); err != nil {
			logger.Error("failed to subscribe market feed", "market", d.MarketID, "error", err)
		}
		if err := userFeed.Subscribe(ctx, []string{d.MarketID}); err != nil {
			logger.Error("failed to subscribe user feed", "market", d.MarketID, "error", err)
		}
	}

	errSub := bus.Subscribe()
	go pumpErrorEvents(errSub, auditLog, logger)

	if err := eng.Start(ctx); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if !cfg.TradingEnabled {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("scalp engine started",
		"markets_loaded", len(descriptors),
		"max_concurrent_markets", cfg.Risk.MaxConcurrentMarkets,
		"trading_enabled", cfg.TradingEnabled,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	cancel()
	eng.Stop()
	bus.Unsubscribe(errSub)
}

func buildLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
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

// loadMarkets reads a JSON array of market descriptors from disk. Market
// discovery itself is out of scope for the engine; this is the thin
// adapter a real deployment would replace with whatever external process
// feeds add_market (a scanner, an operator tool, a message queue).
func loadMarkets(path string) ([]types.MarketDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read markets file: %w", err)
	}
	var descriptors []types.MarketDescriptor
	if err := json.Unmarshal(data, &descriptors); err != nil {
		return nil, fmt.Errorf("unmarshal markets file: %w", err)
	}
	return descriptors, nil
}

// pumpBookEvents feeds the market WebSocket feed's book and price-change
// channels into the tracker until ctx is cancelled.
func pumpBookEvents(ctx context.Context, feed *exchange.WSFeed, tracker *book.Tracker, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-feed.BookEvents():
			if !ok {
				return
			}
			tracker.ApplyBookEvent(evt, time.Now())
		case evt, ok := <-feed.PriceChangeEvents():
			if !ok {
				return
			}
			if tracker.ApplyPriceChange(evt, time.Now()) {
				logger.Warn("sequence gap detected, book invalidated until next snapshot")
			}
		}
	}
}

// pumpUserEvents feeds the authenticated user feed's trade and order
// channels into the engine's fill-reconciliation path until ctx is
// cancelled. Without this, resting TP fills are never reconciled against
// the Market Context Store.
func pumpUserEvents(ctx context.Context, feed *exchange.WSFeed, eng *engine.Engine) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-feed.TradeEvents():
			if !ok {
				return
			}
			eng.OnTradeEvent(evt)
		case evt, ok := <-feed.OrderEvents():
			if !ok {
				return
			}
			eng.OnOrderEvent(evt)
		}
	}
}

// pumpErrorEvents durably persists every ErrorEvent published on the bus.
func pumpErrorEvents(sub *eventbus.Subscriber, auditLog *audit.Log, logger *slog.Logger) {
	appendErr := auditLog.NewAppendFunc(func(err error) {
		logger.Error("failed to append audit log entry", "error", err)
	})
	for envelope := range sub.C() {
		if envelope.Kind != events.KindError {
			continue
		}
		evt, ok := envelope.Data.(events.ErrorEvent)
		if !ok {
			continue
		}
		appendErr(evt)
	}
}
