package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"scalpengine/internal/book"
	"scalpengine/internal/config"
	"scalpengine/internal/coordinator"
	"scalpengine/internal/eventbus"
	"scalpengine/internal/events"
	"scalpengine/internal/market"
	"scalpengine/internal/risk"
	"scalpengine/internal/spotprice"
	"scalpengine/internal/strategy"
	"scalpengine/pkg/types"
)

type fakeVenue struct {
	mu                sync.Mutex
	postCalls         int
	orderSeq          int
	cancelMarketCalls int
	cancelAllCalls    int
}

func (f *fakeVenue) PostOrders(ctx context.Context, orders []types.UserOrder) ([]types.OrderResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.OrderResponse, len(orders))
	for i := range orders {
		f.postCalls++
		f.orderSeq++
		out[i] = types.OrderResponse{Success: true, OrderID: "v" + string(rune('0'+f.orderSeq))}
	}
	return out, nil
}

func (f *fakeVenue) CancelOrders(ctx context.Context, orderIDs []string) (*types.CancelResponse, error) {
	return &types.CancelResponse{Canceled: orderIDs}, nil
}

func (f *fakeVenue) CancelMarketOrders(ctx context.Context, conditionID string) (*types.CancelResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelMarketCalls++
	return &types.CancelResponse{Canceled: []string{conditionID}}, nil
}

func (f *fakeVenue) CancelAll(ctx context.Context) (*types.CancelResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelAllCalls++
	return &types.CancelResponse{}, nil
}

func (f *fakeVenue) postCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.postCalls
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 100}))
}

func testConfig() config.Config {
	return config.Config{
		Strategy: config.StrategyConfig{
			TickInterval: 20 * time.Millisecond,
		},
		Risk: config.RiskConfig{
			MaxConcurrentMarkets: 5,
			DailyLossLimit:       "",
		},
	}
}

type testRig struct {
	engine *Engine
	venue  *fakeVenue
	store  *market.Store
	bus    *eventbus.Bus
	risk   *risk.Manager
}

func newTestRig(cfg config.Config) *testRig {
	logger := testLogger()
	store := market.NewStore()
	venue := &fakeVenue{}
	bus := eventbus.New(logger)
	riskMgr := risk.NewManager(cfg.Risk, logger)
	coord := coordinator.New(venue, store, bus, false, logger)
	tracker := book.NewTracker(nil)

	e := New(cfg, store, coord, riskMgr, bus, tracker, logger)
	return &testRig{engine: e, venue: venue, store: store, bus: bus, risk: riskMgr}
}

func testDescriptor(id string, endIn time.Duration) types.MarketDescriptor {
	return types.MarketDescriptor{
		MarketID: id,
		TokenYes: id + "-yes",
		TokenNo:  id + "-no",
		EndTime:  time.Now().Add(endIn),
		MinTick:  types.Tick01,
	}
}

func TestAddMarketRejectsAtCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.Risk.MaxConcurrentMarkets = 1
	rig := newTestRig(cfg)

	if err := rig.engine.AddMarket(testDescriptor("m1", time.Hour)); err != nil {
		t.Fatalf("first add market should succeed: %v", err)
	}
	if err := rig.engine.AddMarket(testDescriptor("m2", time.Hour)); err == nil {
		t.Fatal("expected second add market to fail at capacity")
	}
}

func TestEvaluateMarketEntersOnAskBelowTrigger(t *testing.T) {
	cfg := testConfig()
	rig := newTestRig(cfg)

	if err := rig.engine.AddMarket(testDescriptor("m1", time.Hour)); err != nil {
		t.Fatalf("add market: %v", err)
	}
	ctxStore, _ := rig.store.Get("m1")
	ask := decimal.RequireFromString("0.20")
	bid := decimal.RequireFromString("0.19")
	ctxStore.UpdatePrice(types.YES, &bid, &ask)
	noAsk := decimal.RequireFromString("0.95")
	noBid := decimal.RequireFromString("0.94")
	ctxStore.UpdatePrice(types.NO, &noBid, &noAsk)

	rig.engine.evaluateMarket(context.Background(), "m1", time.Now())

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if ctxStore.Snapshot().Positions != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	snap := ctxStore.Snapshot()
	if len(snap.Positions) != 1 {
		t.Fatalf("expected one position after entry, got %d", len(snap.Positions))
	}
	if snap.Positions[0].Side != types.YES {
		t.Errorf("expected YES entry, got %s", snap.Positions[0].Side)
	}
}

func TestEvaluateMarketOmitsSpotPriceWithNoFeedSamples(t *testing.T) {
	cfg := testConfig()
	rig := newTestRig(cfg)
	rig.engine.SetSpotTracker(spotprice.NewTracker(nil, testLogger()))

	if err := rig.engine.AddMarket(testDescriptor("m1", time.Hour)); err != nil {
		t.Fatalf("add market: %v", err)
	}

	sub := rig.bus.Subscribe()
	defer rig.bus.Unsubscribe(sub)

	rig.engine.evaluateMarket(context.Background(), "m1", time.Now())

	select {
	case env := <-sub.C():
		update, ok := env.Data.(events.MarketUpdate)
		if !ok {
			t.Fatalf("expected MarketUpdate, got %T", env.Data)
		}
		if update.SpotPrice != nil {
			t.Errorf("expected nil spot price with no feed samples, got %v", update.SpotPrice)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for market update")
	}
}

func TestRetireRemovesAgedOutMarket(t *testing.T) {
	cfg := testConfig()
	rig := newTestRig(cfg)

	if err := rig.engine.AddMarket(testDescriptor("m1", -2*retireAfter)); err != nil {
		t.Fatalf("add market: %v", err)
	}

	rig.engine.evaluateMarket(context.Background(), "m1", time.Now())

	if rig.store.Len() != 0 {
		t.Errorf("expected aged-out market with no open positions to be retired, store len = %d", rig.store.Len())
	}
}

func TestRetireKeepsMarketWithOpenPositions(t *testing.T) {
	cfg := testConfig()
	rig := newTestRig(cfg)

	if err := rig.engine.AddMarket(testDescriptor("m1", -2*retireAfter)); err != nil {
		t.Fatalf("add market: %v", err)
	}
	ctxStore, _ := rig.store.Get("m1")
	ctxStore.AppendPosition(market.Position{
		Side:       types.YES,
		Size:       decimal.RequireFromString("10"),
		EntryPrice: decimal.RequireFromString("0.2"),
		EntryTime:  time.Now(),
	})

	rig.engine.evaluateMarket(context.Background(), "m1", time.Now())

	if rig.store.Len() != 1 {
		t.Error("expected market with open positions not to be retired")
	}
}

func TestRemoveMarketCancelsVenueOrdersAndDeregisters(t *testing.T) {
	cfg := testConfig()
	rig := newTestRig(cfg)

	if err := rig.engine.AddMarket(testDescriptor("m1", time.Hour)); err != nil {
		t.Fatalf("add market: %v", err)
	}
	ctxStore, _ := rig.store.Get("m1")
	ctxStore.AppendPosition(market.Position{
		Side:       types.YES,
		Size:       decimal.RequireFromString("10"),
		EntryPrice: decimal.RequireFromString("0.2"),
		EntryTime:  time.Now(),
	})

	rig.engine.RemoveMarket(context.Background(), "m1")

	if rig.venue.cancelMarketCalls != 1 {
		t.Errorf("expected one CancelMarketOrders call, got %d", rig.venue.cancelMarketCalls)
	}
	if rig.store.Len() != 0 {
		t.Errorf("expected manually removed market to be deregistered immediately, store len = %d", rig.store.Len())
	}
}

func TestStopCancelsAllOrders(t *testing.T) {
	cfg := testConfig()
	rig := newTestRig(cfg)

	if err := rig.engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	rig.engine.Stop()

	if rig.venue.cancelAllCalls != 1 {
		t.Errorf("expected Stop to call CancelAll once, got %d", rig.venue.cancelAllCalls)
	}
}

func TestDeadlineSweepCancelsRestingTPNearForceUnwind(t *testing.T) {
	cfg := testConfig()
	rig := newTestRig(cfg)

	descriptor := testDescriptor("m1", rig.engine.params.ForceUnwindLeft-time.Second)
	if err := rig.engine.AddMarket(descriptor); err != nil {
		t.Fatalf("add market: %v", err)
	}
	ctxStore, _ := rig.store.Get("m1")
	ctxStore.AddTPOrder("YES:old-order")

	rig.engine.evaluateMarket(context.Background(), "m1", time.Now())

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(ctxStore.Snapshot().ActiveTPOrders) == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(ctxStore.Snapshot().ActiveTPOrders) != 0 {
		t.Error("expected resting TP to be cleared by the deadline sweep")
	}
}

func TestDispatchDropsEntryWhileHalted(t *testing.T) {
	cfg := testConfig()
	cfg.Risk.DailyLossLimit = "1"
	rig := newTestRig(cfg)

	rig.risk.Report(risk.PositionReport{MarketID: "m0", RealizedPnL: decimal.RequireFromString("-5"), Timestamp: time.Now()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rig.risk.Run(ctx)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !rig.risk.IsHalted() {
		time.Sleep(5 * time.Millisecond)
	}
	if !rig.risk.IsHalted() {
		t.Fatal("setup: expected risk manager to halt")
	}

	if err := rig.engine.AddMarket(testDescriptor("m1", time.Hour)); err != nil {
		t.Fatalf("add market: %v", err)
	}
	ctxStore, _ := rig.store.Get("m1")
	ask := decimal.RequireFromString("0.20")
	ctxStore.UpdatePrice(types.YES, &ask, &ask)

	rig.engine.dispatch(context.Background(), "m1", enterSignalFor(rig))

	time.Sleep(30 * time.Millisecond)
	if rig.venue.postCount() != 0 {
		t.Error("expected entry signal to be dropped while risk-halted, but an order was posted")
	}
}

func TestOnBookUpdateTriggersImmediateReevaluation(t *testing.T) {
	cfg := testConfig()
	cfg.Strategy.TickInterval = time.Hour // tick loop won't fire during this test
	rig := newTestRig(cfg)

	descriptor := testDescriptor("m1", time.Hour)
	if err := rig.engine.AddMarket(descriptor); err != nil {
		t.Fatalf("add market: %v", err)
	}
	noAsk := decimal.RequireFromString("0.95")
	ctxStore, _ := rig.store.Get("m1")
	ctxStore.UpdatePrice(types.NO, &noAsk, &noAsk)

	rig.engine.onBookUpdate(descriptor.TokenYes, book.Snapshot{
		Token: descriptor.TokenYes,
		Asks:  []book.Level{{Price: decimal.RequireFromString("0.20"), Size: decimal.RequireFromString("100")}},
		Bids:  []book.Level{{Price: decimal.RequireFromString("0.19"), Size: decimal.RequireFromString("100")}},
	})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(ctxStore.Snapshot().Positions) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(ctxStore.Snapshot().Positions) != 1 {
		t.Fatal("expected book update to trigger an immediate entry evaluation")
	}
}

func TestOnOrderEventReconcilesCompletedTPFill(t *testing.T) {
	cfg := testConfig()
	rig := newTestRig(cfg)

	descriptor := testDescriptor("m1", time.Hour)
	if err := rig.engine.AddMarket(descriptor); err != nil {
		t.Fatalf("add market: %v", err)
	}
	ctxStore, _ := rig.store.Get("m1")
	ctxStore.AppendPosition(market.Position{
		Side:       types.YES,
		Size:       decimal.RequireFromString("10"),
		EntryPrice: decimal.RequireFromString("0.33"),
		EntryTime:  time.Now(),
	})
	ctxStore.AddTPOrder(coordinator.TPOrderID(types.YES, "venue-1"))

	rig.engine.OnOrderEvent(types.WSOrderEvent{
		ID:           "venue-1",
		Market:       "m1",
		AssetID:      descriptor.TokenYes,
		Type:         "UPDATE",
		OriginalSize: "10",
		SizeMatched:  "10",
		Price:        "0.88",
	})

	snap := ctxStore.Snapshot()
	if len(snap.Positions) != 0 {
		t.Fatalf("expected TP fill to close the tracked position, got %d still open", len(snap.Positions))
	}
	if _, stillThere := snap.ActiveTPOrders[coordinator.TPOrderID(types.YES, "venue-1")]; stillThere {
		t.Fatal("expected filled TP order id removed from active set")
	}
}

func TestOnOrderEventPartialFillDoesNotReconcile(t *testing.T) {
	cfg := testConfig()
	rig := newTestRig(cfg)

	descriptor := testDescriptor("m1", time.Hour)
	if err := rig.engine.AddMarket(descriptor); err != nil {
		t.Fatalf("add market: %v", err)
	}
	ctxStore, _ := rig.store.Get("m1")
	ctxStore.AppendPosition(market.Position{
		Side:       types.YES,
		Size:       decimal.RequireFromString("10"),
		EntryPrice: decimal.RequireFromString("0.33"),
		EntryTime:  time.Now(),
	})
	ctxStore.AddTPOrder(coordinator.TPOrderID(types.YES, "venue-1"))

	rig.engine.OnOrderEvent(types.WSOrderEvent{
		ID:           "venue-1",
		Market:       "m1",
		AssetID:      descriptor.TokenYes,
		Type:         "UPDATE",
		OriginalSize: "10",
		SizeMatched:  "4",
		Price:        "0.88",
	})

	if len(ctxStore.Snapshot().Positions) != 1 {
		t.Fatal("expected a partial fill to leave the tracked position open")
	}
}

func TestOnOrderEventCancellationClearsTrackedTP(t *testing.T) {
	cfg := testConfig()
	rig := newTestRig(cfg)

	descriptor := testDescriptor("m1", time.Hour)
	if err := rig.engine.AddMarket(descriptor); err != nil {
		t.Fatalf("add market: %v", err)
	}
	ctxStore, _ := rig.store.Get("m1")
	ctxStore.AddTPOrder(coordinator.TPOrderID(types.YES, "venue-1"))

	rig.engine.OnOrderEvent(types.WSOrderEvent{
		ID:      "venue-1",
		Market:  "m1",
		AssetID: descriptor.TokenYes,
		Type:    "CANCELLATION",
	})

	if _, stillThere := ctxStore.Snapshot().ActiveTPOrders[coordinator.TPOrderID(types.YES, "venue-1")]; stillThere {
		t.Fatal("expected cancelled TP order id removed from active set")
	}
}

func TestOnTradeEventIgnoresUnroutedToken(t *testing.T) {
	cfg := testConfig()
	rig := newTestRig(cfg)

	rig.engine.OnTradeEvent(types.WSTradeEvent{ID: "t1", AssetID: "no-such-token", Side: "SELL", Price: "0.88", Size: "10"})
}

func TestGetStatusReflectsRunningAndHalt(t *testing.T) {
	cfg := testConfig()
	rig := newTestRig(cfg)

	status := rig.engine.GetStatus()
	if status.Running {
		t.Error("expected Running=false before Start")
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := rig.engine.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		cancel()
		rig.engine.Stop()
	}()

	status = rig.engine.GetStatus()
	if !status.Running {
		t.Error("expected Running=true after Start")
	}
}

// enterSignalFor builds a bare ENTER_YES signal mirroring what the
// evaluator would produce for the market's current ask, for tests that
// want to drive dispatch directly without depending on evaluator internals.
func enterSignalFor(rig *testRig) strategy.Signal {
	return strategy.Signal{
		Action: types.ActionEnterYes,
		Side:   types.YES,
		Size:   decimal.RequireFromString("10"),
		Price:  decimal.RequireFromString("0.20"),
		Reason: "test-entry",
	}
}
