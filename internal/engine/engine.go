// Package engine runs the tick loop that ties the Market Context Store,
// the Strategy Evaluator, and the Execution Coordinator together (§4.6).
// It owns no trading logic of its own: every decision comes from
// strategy.Evaluate over a Snapshot, every effect is dispatched through
// coordinator.Coordinator. The engine's job is scheduling — tick, sweep,
// retire, report — not deciding.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
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

// retireAfter is how long past a market's end_time the engine keeps its
// context around (in case a late fill or cancel ack still needs a home)
// before dropping it, provided no positions or resting orders remain.
const retireAfter = 10 * time.Minute

const heartbeatInterval = 5 * time.Second

// Engine is the tick-driven orchestrator. Safe for concurrent use; Start
// and Stop are the only methods expected to race with each other, and
// both take engine.mu.
type Engine struct {
	cfg    config.Config
	params strategy.Params

	store       *market.Store
	coordinator *coordinator.Coordinator
	riskMgr     *risk.Manager
	bus         *eventbus.Bus
	tracker     *book.Tracker
	logger      *slog.Logger

	spot *spotprice.Tracker

	tokenMapMu sync.RWMutex
	tokenMap   map[string]string // venue token id -> market id

	statsMu         sync.Mutex
	completedTrades int
	winningTrades   int
	totalPnL        decimal.Decimal

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs an Engine. Build tracker with book.NewTracker(nil) and
// pass it here; New rewires the tracker's OnUpdate callback to the
// engine's own onBookUpdate so a book change triggers immediate
// re-evaluation of the affected market (§4.2).
func New(cfg config.Config, store *market.Store, coord *coordinator.Coordinator, riskMgr *risk.Manager, bus *eventbus.Bus, tracker *book.Tracker, logger *slog.Logger) *Engine {
	e := &Engine{
		cfg:         cfg,
		params:      paramsFromConfig(cfg.Strategy),
		store:       store,
		coordinator: coord,
		riskMgr:     riskMgr,
		bus:         bus,
		tracker:     tracker,
		logger:      logger.With("component", "engine"),
		tokenMap:    make(map[string]string),
	}
	tracker.SetOnUpdate(e.onBookUpdate)
	return e
}

// SetSpotTracker attaches an independent spot-price read to the engine
// (§4.1). It's optional: with no tracker set, MarketUpdate events simply
// omit spot_price. The tracker is advisory only — nothing in the
// evaluator gates on it, so a stale or disconnected spot feed never
// blocks entries, DCA, or exits.
func (e *Engine) SetSpotTracker(t *spotprice.Tracker) {
	e.spot = t
}

// paramsFromConfig parses the §4.4.1 decimal parameter table out of the
// string-typed config fields. Falls back to strategy.DefaultParams for any
// field config leaves blank, so a partially-specified config still runs.
func paramsFromConfig(sc config.StrategyConfig) strategy.Params {
	p := strategy.DefaultParams()

	assign := func(dst *decimal.Decimal, raw string) {
		if raw == "" {
			return
		}
		if v, err := decimal.NewFromString(raw); err == nil {
			*dst = v
		}
	}
	assign(&p.EntryTrigger, sc.EntryTrigger)
	assign(&p.DCADrop1, sc.DCADrop1)
	assign(&p.DCADrop2, sc.DCADrop2)
	assign(&p.ClipSize, sc.ClipSize)
	assign(&p.UnwindTrigger, sc.UnwindTrigger)
	assign(&p.TPPrice, sc.TPPrice)
	assign(&p.HighScalpEntry, sc.HighScalpEntry)

	if sc.MaxCompletedCycles > 0 {
		p.MaxCompletedCycles = sc.MaxCompletedCycles
	}
	if sc.MaxHighScalps > 0 {
		p.MaxHighScalps = sc.MaxHighScalps
	}
	if sc.MinEntryTimeLeft > 0 {
		p.MinEntryTimeLeft = sc.MinEntryTimeLeft
	}
	if sc.ForceUnwindLeft > 0 {
		p.ForceUnwindLeft = sc.ForceUnwindLeft
	}
	if sc.ForceExitLeft > 0 {
		p.ForceExitLeft = sc.ForceExitLeft
	}
	return p
}

func tickInterval(sc config.StrategyConfig) time.Duration {
	if sc.TickInterval > 0 {
		return sc.TickInterval
	}
	return 200 * time.Millisecond
}

// Start spawns the tick loop, the risk manager, the stats/PnL reporter,
// and the heartbeat publisher. Returns immediately; call Stop to unwind.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("engine already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.riskMgr.Run(runCtx)
	}()

	sub := e.bus.Subscribe()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.bus.Unsubscribe(sub)
		e.statsLoop(runCtx, sub)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.tickLoop(runCtx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.heartbeatLoop(runCtx)
	}()

	e.logger.Info("engine started", "tick_interval", tickInterval(e.cfg.Strategy))
	return nil
}

// Stop cancels every loop and blocks until they've exited.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.wg.Wait()

	cancelCtx, cancelCancel := context.WithTimeout(context.Background(), 10*time.Second)
	e.coordinator.CancelAll(cancelCtx)
	cancelCancel()

	e.logger.Info("engine stopped")
}

// AddMarket registers a new market for tracking and evaluation, subject to
// the max_concurrent_markets limit (§6).
func (e *Engine) AddMarket(descriptor types.MarketDescriptor) error {
	if e.store.Len() >= e.cfg.Risk.MaxConcurrentMarkets {
		return fmt.Errorf("add market %s: at capacity (%d active)", descriptor.MarketID, e.cfg.Risk.MaxConcurrentMarkets)
	}
	e.store.Add(descriptor)

	e.tokenMapMu.Lock()
	e.tokenMap[descriptor.TokenYes] = descriptor.MarketID
	e.tokenMap[descriptor.TokenNo] = descriptor.MarketID
	e.tokenMapMu.Unlock()

	e.tracker.Subscribe(descriptor.TokenYes, descriptor.TokenNo)
	e.logger.Info("market added", "market", descriptor.MarketID, "end_time", descriptor.EndTime)
	return nil
}

// RemoveMarket deregisters a market immediately, regardless of open state.
// Used for manual intervention; routine end-of-life goes through retire,
// which only ever fires once a market already carries no positions or
// resting orders. A manual removal makes no such promise, so it cancels
// whatever the venue still has open for the market first.
func (e *Engine) RemoveMarket(ctx context.Context, marketID string) {
	e.coordinator.CancelMarketOrders(ctx, marketID)
	e.retire(marketID)
}

func (e *Engine) retire(marketID string) {
	ctxStore, ok := e.store.Get(marketID)
	if !ok {
		return
	}
	d := ctxStore.Descriptor()

	e.tracker.Unsubscribe(d.TokenYes, d.TokenNo)

	e.tokenMapMu.Lock()
	delete(e.tokenMap, d.TokenYes)
	delete(e.tokenMap, d.TokenNo)
	e.tokenMapMu.Unlock()

	e.store.Remove(marketID)
	e.logger.Info("market removed", "market", marketID)
}

// Status is the engine's externally observable snapshot (§6).
type Status struct {
	Running         bool
	ActiveMarkets   int
	Halted          bool
	TotalPnL        decimal.Decimal
	WinRate         float64
	CompletedTrades int
}

// GetStatus returns the current engine status for the observer surface.
func (e *Engine) GetStatus() Status {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()

	e.statsMu.Lock()
	completed, wins, pnl := e.completedTrades, e.winningTrades, e.totalPnL
	e.statsMu.Unlock()

	winRate := 0.0
	if completed > 0 {
		winRate = float64(wins) / float64(completed)
	}

	return Status{
		Running:         running,
		ActiveMarkets:   e.store.Len(),
		Halted:          e.riskMgr.IsHalted(),
		TotalPnL:        pnl,
		WinRate:         winRate,
		CompletedTrades: completed,
	}
}

// tickLoop is the 200ms strategy cycle (§4.6): snapshot every active
// market, evaluate it, dispatch non-NOOP signals, sweep deadlines, and
// retire markets that have aged out.
func (e *Engine) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(tickInterval(e.cfg.Strategy))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.runTick(ctx, now)
		}
	}
}

func (e *Engine) runTick(ctx context.Context, now time.Time) {
	for _, id := range e.store.MarketIDs() {
		e.evaluateMarket(ctx, id, now)
	}
}

// evaluateMarket runs one market through retirement check, deadline sweep,
// and the strategy evaluator, in that order. Retirement short-circuits the
// rest; the deadline sweep and the evaluator are independent of each other
// (a market can both need its TPs swept and produce a FORCE_UNWIND signal
// on the same tick).
func (e *Engine) evaluateMarket(ctx context.Context, marketID string, now time.Time) {
	ctxStore, ok := e.store.Get(marketID)
	if !ok {
		return
	}
	snap := ctxStore.Snapshot()
	timeLeft := snap.Descriptor.EndTime.Sub(now)

	var spotPrice *decimal.Decimal
	if e.spot != nil {
		spotPrice = e.spot.GetCurrentPrice()
	}

	e.bus.Emit(events.MarketUpdate{
		MarketID:        marketID,
		YesPrice:        snap.YesAsk,
		NoPrice:         snap.NoAsk,
		YesBid:          snap.YesBid,
		NoBid:           snap.NoBid,
		TimeLeftSeconds: timeLeft.Seconds(),
		PositionSummary: positionSummary(snap),
		SpotPrice:       spotPrice,
		Ts:              now,
	})

	if e.shouldRetire(snap, now) {
		e.retire(marketID)
		return
	}

	if timeLeft <= e.params.ForceUnwindLeft && len(snap.ActiveTPOrders) > 0 {
		e.coordinator.CancelAllTPOrders(ctx, marketID)
	}

	sig := strategy.Evaluate(snap, now, e.params)
	e.dispatch(ctx, marketID, sig)
}

// positionSummary renders a compact "YES:n NO:n" view of open ladder/
// high-scalp positions for the MarketUpdate event.
func positionSummary(snap market.Snapshot) string {
	var yes, no int
	for _, p := range snap.Positions {
		if p.Side == types.YES {
			yes++
		} else {
			no++
		}
	}
	return fmt.Sprintf("YES:%d NO:%d", yes, no)
}

func (e *Engine) shouldRetire(snap market.Snapshot, now time.Time) bool {
	if now.Before(snap.Descriptor.EndTime.Add(retireAfter)) {
		return false
	}
	return len(snap.Positions) == 0 && len(snap.ActiveTPOrders) == 0
}

func isEntryAction(a types.Action) bool {
	return a == types.ActionEnterYes || a == types.ActionEnterNo
}

// dispatch hands a non-NOOP signal to the coordinator, unless it's a new
// entry and the risk manager has halted the engine (§6: halted blocks new
// entries, still honors exits and TP placement/cancellation).
func (e *Engine) dispatch(ctx context.Context, marketID string, sig strategy.Signal) {
	if sig.Action == types.ActionNoop {
		return
	}
	if isEntryAction(sig.Action) && e.riskMgr.IsHalted() {
		e.logger.Warn("entry signal dropped: risk halted", "market", marketID, "side", sig.Side)
		return
	}
	e.coordinator.TryExecute(ctx, marketID, sig)
}

// resolveToken maps a venue token id to the market it belongs to and which
// side (YES/NO) of that market it is, the routing step every user/market
// feed handler needs before it can act on an event.
func (e *Engine) resolveToken(token string) (marketID string, side types.Side, ok bool) {
	e.tokenMapMu.RLock()
	marketID, ok = e.tokenMap[token]
	e.tokenMapMu.RUnlock()
	if !ok {
		return "", "", false
	}
	ctxStore, ok := e.store.Get(marketID)
	if !ok {
		return "", "", false
	}
	d := ctxStore.Descriptor()
	switch token {
	case d.TokenYes:
		return marketID, types.YES, true
	case d.TokenNo:
		return marketID, types.NO, true
	default:
		return "", "", false
	}
}

// onBookUpdate is the Order Book Tracker's change callback (§4.2): it
// writes the new top of book into the market's context and immediately
// re-evaluates that market, rather than waiting for the next tick.
func (e *Engine) onBookUpdate(token string, snap book.Snapshot) {
	marketID, side, ok := e.resolveToken(token)
	if !ok {
		return
	}
	ctxStore, ok := e.store.Get(marketID)
	if !ok {
		return
	}

	var bid, ask *decimal.Decimal
	if lvl, ok := snap.BestBid(); ok {
		v := lvl.Price
		bid = &v
	}
	if lvl, ok := snap.BestAsk(); ok {
		v := lvl.Price
		ask = &v
	}
	ctxStore.UpdatePrice(side, bid, ask)

	e.evaluateMarket(context.Background(), marketID, time.Now())
}

// OnOrderEvent routes an order lifecycle notification from the
// authenticated user feed to the coordinator. A CANCELLATION drops
// tracked TP state; an UPDATE whose matched size has caught up to its
// original size is a completed fill and reconciles the resting TP
// (§3/§8 invariant 2 — without this, a filled TP never leaves
// positions and gets force-unwound a second time at the deadline sweep).
func (e *Engine) OnOrderEvent(evt types.WSOrderEvent) {
	marketID, side, ok := e.resolveToken(evt.AssetID)
	if !ok {
		return
	}
	orderID := coordinator.TPOrderID(side, evt.ID)

	switch evt.Type {
	case "CANCELLATION":
		e.coordinator.OnCancel(marketID, orderID)
	case "UPDATE":
		matched, err := decimal.NewFromString(evt.SizeMatched)
		if err != nil {
			e.logger.Warn("unparseable order size_matched", "order", evt.ID, "error", err)
			return
		}
		original, err := decimal.NewFromString(evt.OriginalSize)
		if err != nil || !original.IsPositive() || matched.LessThan(original) {
			return
		}
		price, err := decimal.NewFromString(evt.Price)
		if err != nil {
			e.logger.Warn("unparseable order price", "order", evt.ID, "error", err)
			return
		}
		e.coordinator.OnFill(marketID, orderID, side, matched, price)
	}
}

// OnTradeEvent logs a per-fill trade notification from the user feed.
// The order event above is what drives reconciliation (it carries the
// order id and cumulative matched size); trade events are the execution
// detail the engine surfaces for observability alongside it.
func (e *Engine) OnTradeEvent(evt types.WSTradeEvent) {
	marketID, _, ok := e.resolveToken(evt.AssetID)
	if !ok {
		return
	}
	e.logger.Info("venue trade",
		"market", marketID,
		"trade_id", evt.ID,
		"side", evt.Side,
		"price", evt.Price,
		"size", evt.Size,
	)
}

// statsLoop consumes the event bus to maintain the realized PnL/win-rate
// counters behind GetStatus, and forwards every realized PnL to the risk
// manager so the daily loss limit sees it.
func (e *Engine) statsLoop(ctx context.Context, sub *eventbus.Subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sub.C():
			if !ok {
				return
			}
			trade, ok := env.Data.(events.TradeExecuted)
			if !ok || trade.PnL == nil {
				continue
			}
			e.riskMgr.Report(risk.PositionReport{
				MarketID:    trade.MarketID,
				RealizedPnL: *trade.PnL,
				Timestamp:   trade.Ts,
			})

			e.statsMu.Lock()
			e.completedTrades++
			if trade.PnL.IsPositive() {
				e.winningTrades++
			}
			e.totalPnL = e.totalPnL.Add(*trade.PnL)
			e.statsMu.Unlock()
		}
	}
}

// heartbeatLoop periodically publishes a BotStatus snapshot to the event
// bus so dashboard-style consumers don't need to poll GetStatus directly,
// and resets the risk manager's daily loss accumulator on UTC day rollover.
func (e *Engine) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	lastResetDay := time.Now().UTC().Format("2006-01-02")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if day := time.Now().UTC().Format("2006-01-02"); day != lastResetDay {
				lastResetDay = day
				e.riskMgr.ResetDaily()
				e.logger.Info("daily risk accumulator reset")
			}

			status := e.GetStatus()
			e.bus.Emit(events.BotStatus{
				Running:         status.Running,
				ActiveMarkets:   status.ActiveMarkets,
				TotalPnL:        status.TotalPnL,
				WinRate:         status.WinRate,
				CompletedTrades: status.CompletedTrades,
				Ts:              time.Now(),
			})
		}
	}
}
