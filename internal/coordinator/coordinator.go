// Package coordinator implements the Execution Coordinator (§4.5): it takes
// a Signal from the Strategy Evaluator and effects it against the venue,
// then reconciles the resulting fill back into the Market Context Store.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"scalpengine/internal/events"
	"scalpengine/internal/market"
	"scalpengine/internal/strategy"
	"scalpengine/pkg/types"
)

// VenueClient is the subset of the exchange REST client the coordinator
// needs. Kept narrow so it can be faked in tests without standing up a
// real HTTP client.
type VenueClient interface {
	PostOrders(ctx context.Context, orders []types.UserOrder) ([]types.OrderResponse, error)
	CancelOrders(ctx context.Context, orderIDs []string) (*types.CancelResponse, error)
	CancelMarketOrders(ctx context.Context, conditionID string) (*types.CancelResponse, error)
	CancelAll(ctx context.Context) (*types.CancelResponse, error)
}

// EventEmitter receives coordinator-originated events for the external
// observer surface (§6). Implemented by internal/eventbus.Bus.
type EventEmitter interface {
	Emit(payload any)
}

const (
	cancelRetries   = 3
	cancelBackoff   = 100 * time.Millisecond
	reconcileWindow = 5 * time.Second // timeout for the venue calls made while executing one signal
)

// Coordinator serializes all execution activity per market (§5) and
// reconciles fills back into the Market Context Store.
type Coordinator struct {
	client  VenueClient
	stores  *market.Store
	events  EventEmitter
	logger  *slog.Logger
	dryRun  bool

	tokensMu sync.Mutex
	tokens   map[string]chan struct{} // market id -> 1-buffered serialization token
}

// New constructs a Coordinator. dryRun short-circuits execute(): the signal
// is still emitted on the event bus, but no venue call is made and no
// Position is appended — this mode is observable to tests.
func New(client VenueClient, stores *market.Store, emitter EventEmitter, dryRun bool, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		client: client,
		stores: stores,
		events: emitter,
		dryRun: dryRun,
		logger: logger.With("component", "coordinator"),
		tokens: make(map[string]chan struct{}),
	}
}

// tokenFor returns the 1-buffered serialization channel for a market,
// creating it on first use.
func (c *Coordinator) tokenFor(marketID string) chan struct{} {
	c.tokensMu.Lock()
	defer c.tokensMu.Unlock()
	tok, ok := c.tokens[marketID]
	if !ok {
		tok = make(chan struct{}, 1)
		c.tokens[marketID] = tok
	}
	return tok
}

// TryExecute attempts to run a signal for marketID. If the market's
// serialization token is already held (a prior signal is still in flight),
// it returns false immediately rather than blocking — the engine loop will
// re-evaluate and retry on the next tick.
func (c *Coordinator) TryExecute(ctx context.Context, marketID string, sig strategy.Signal) bool {
	tok := c.tokenFor(marketID)
	select {
	case tok <- struct{}{}:
	default:
		return false
	}
	go func() {
		defer func() { <-tok }()
		c.execute(ctx, marketID, sig)
	}()
	return true
}

func (c *Coordinator) execute(ctx context.Context, marketID string, sig strategy.Signal) {
	c.emit(events.SignalGenerated{
		MarketID: marketID,
		Action:   sig.Action,
		Side:     sig.Side,
		Size:     sig.Size,
		Price:    sig.Price,
		Reason:   sig.Reason,
		DCALevel: sig.DCALevel,
		Ts:       time.Now(),
	})

	if sig.Action == types.ActionNoop {
		return
	}

	ctx2, cancel := context.WithTimeout(ctx, reconcileWindow)
	defer cancel()

	switch sig.Action {
	case types.ActionEnterYes, types.ActionEnterNo:
		c.executeEntry(ctx2, marketID, sig)
	case types.ActionExitMarket, types.ActionForceUnwind:
		c.executeExit(ctx2, marketID, sig)
	case types.ActionPlaceTPLimit:
		c.executeTPPlacement(ctx2, marketID, sig)
	}
}

func (c *Coordinator) executeEntry(ctx context.Context, marketID string, sig strategy.Signal) {
	if c.dryRun {
		c.logger.Info("dry-run entry", "market", marketID, "side", sig.Side, "size", sig.Size)
		return
	}

	ctxStore, ok := c.stores.Get(marketID)
	if !ok {
		return
	}
	token := tokenIDFor(ctxStore, sig.Side)

	order := types.UserOrder{
		TokenID:   token,
		Price:     sig.Price,
		Size:      sig.Size,
		Side:      types.BUY,
		OrderType: types.OrderTypeGTC,
	}

	results, err := c.client.PostOrders(ctx, []types.UserOrder{order})
	if err != nil || len(results) == 0 || !results[0].Success {
		c.logger.Error("entry order failed", "market", marketID, "side", sig.Side, "error", err)
		c.emit(events.ErrorEvent{MarketID: marketID, Kind: "transient_venue_error", Detail: "entry-order-failed", Ts: time.Now()})
		return
	}

	ctxStore.AppendPosition(market.Position{
		Side:        sig.Side,
		Size:        sig.Size,
		EntryPrice:  sig.Price,
		EntryTime:   time.Now(),
		IsHighScalp: sig.IsHighScalp,
		DCALevel:    sig.DCALevel,
	})
	c.emit(events.TradeExecuted{MarketID: marketID, Side: sig.Side, Size: sig.Size, Price: sig.Price, Action: sig.Action, Reason: sig.Reason, Ts: time.Now()})
}

func (c *Coordinator) executeExit(ctx context.Context, marketID string, sig strategy.Signal) {
	if c.dryRun {
		c.logger.Info("dry-run exit", "market", marketID, "side", sig.Side, "size", sig.Size)
		return
	}

	ctxStore, ok := c.stores.Get(marketID)
	if !ok {
		return
	}

	var order types.UserOrder
	if sig.Action == types.ActionForceUnwind {
		// Flatten by buying the opposite side at market.
		order = types.UserOrder{
			TokenID:   tokenIDFor(ctxStore, sig.Side.Opposite()),
			Price:     sig.Price,
			Size:      sig.Size,
			Side:      types.BUY,
			OrderType: types.OrderTypeGTC,
		}
	} else {
		order = types.UserOrder{
			TokenID:   tokenIDFor(ctxStore, sig.Side),
			Price:     sig.Price,
			Size:      sig.Size,
			Side:      types.SELL,
			OrderType: types.OrderTypeGTC,
		}
	}

	results, err := c.client.PostOrders(ctx, []types.UserOrder{order})
	if err != nil || len(results) == 0 || !results[0].Success {
		c.logger.Error("exit order failed", "market", marketID, "side", sig.Side, "error", err)
		c.emit(events.ErrorEvent{MarketID: marketID, Kind: "transient_venue_error", Detail: "exit-order-failed", Ts: time.Now()})
		return
	}

	removed := ctxStore.RemovePositionsBySide(sig.Side)
	exitPrice := sig.Price
	if sig.Action == types.ActionForceUnwind {
		exitPrice = decimal.NewFromInt(1).Sub(sig.Price)
	}
	pnl := realizedPnL(removed, exitPrice)
	c.emit(events.TradeExecuted{MarketID: marketID, Side: sig.Side, Size: sig.Size, Price: sig.Price, Action: sig.Action, Reason: sig.Reason, PnL: pnl, Ts: time.Now()})
	c.logger.Info("position closed", "market", marketID, "side", sig.Side, "positions_closed", len(removed))
}

// realizedPnL sums (exitPrice - entryPrice) * size across the closed
// positions, where exitPrice is the held side's own exit price. For
// FORCE_UNWIND the signal price is what is paid for the opposite side, and
// holding both sides locks a payout of 1, so executeExit passes 1 minus
// that price.
func realizedPnL(closed []market.Position, exitPrice decimal.Decimal) *decimal.Decimal {
	if len(closed) == 0 {
		return nil
	}
	total := decimal.Zero
	for _, p := range closed {
		total = total.Add(exitPrice.Sub(p.EntryPrice).Mul(p.Size))
	}
	return &total
}

func (c *Coordinator) executeTPPlacement(ctx context.Context, marketID string, sig strategy.Signal) {
	ctxStore, ok := c.stores.Get(marketID)
	if !ok {
		return
	}

	// Invariant 4 of §3: at most one resting TP per side. Cancel any
	// existing one before placing the new one.
	c.cancelTPOrdersForSide(ctx, marketID, ctxStore, sig.Side)

	if c.dryRun {
		c.logger.Info("dry-run TP placement", "market", marketID, "side", sig.Side, "price", sig.Price)
		return
	}

	order := types.UserOrder{
		TokenID:   tokenIDFor(ctxStore, sig.Side),
		Price:     sig.Price,
		Size:      sig.Size,
		Side:      types.SELL,
		OrderType: types.OrderTypeGTC,
		PostOnly:  true,
	}

	results, err := c.client.PostOrders(ctx, []types.UserOrder{order})
	if err != nil || len(results) == 0 || !results[0].Success {
		c.logger.Error("TP placement failed", "market", marketID, "side", sig.Side, "error", err)
		c.emit(events.ErrorEvent{MarketID: marketID, Kind: "transient_venue_error", Detail: "tp-placement-failed", Ts: time.Now()})
		return
	}

	ctxStore.AddTPOrder(TPOrderID(sig.Side, results[0].OrderID))
}

// cancelTPOrdersForSide cancels every resting TP order id tagged for side,
// retrying cancellation up to cancelRetries times with cancelBackoff between
// attempts before giving up and logging a reconciliation error.
func (c *Coordinator) cancelTPOrdersForSide(ctx context.Context, marketID string, ctxStore *market.Context, side types.Side) {
	snap := ctxStore.Snapshot()
	prefix := string(side) + ":"
	var ids []string
	for id := range snap.ActiveTPOrders {
		if len(id) >= len(prefix) && id[:len(prefix)] == prefix {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return
	}

	var lastErr error
	for attempt := 0; attempt < cancelRetries; attempt++ {
		if c.dryRun {
			break
		}
		_, err := c.client.CancelOrders(ctx, ids)
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		time.Sleep(cancelBackoff)
	}
	if lastErr != nil {
		c.logger.Error("TP cancellation failed after retries", "market", marketID, "error", lastErr)
		c.emit(events.ErrorEvent{MarketID: marketID, Kind: "invariant_violation", Detail: "tp-cancel-reconciliation-failure", Ts: time.Now()})
	}
	for _, id := range ids {
		ctxStore.RemoveTPOrder(id)
	}
}

// CancelAllTPOrders implements the deadline sweep (§4.5): called by the
// engine loop every tick for markets approaching force_unwind_time_left, so
// invariant 4 of §3 holds before evaluator rule 2 fires.
func (c *Coordinator) CancelAllTPOrders(ctx context.Context, marketID string) {
	ctxStore, ok := c.stores.Get(marketID)
	if !ok {
		return
	}
	ids := ctxStore.ClearTPOrders()
	if len(ids) == 0 || c.dryRun {
		return
	}
	if _, err := c.client.CancelOrders(ctx, ids); err != nil {
		c.logger.Error("deadline sweep cancel failed", "market", marketID, "error", err)
		c.emit(events.ErrorEvent{MarketID: marketID, Kind: "transient_venue_error", Detail: "deadline-sweep-cancel-failed", Ts: time.Now()})
	}
}

// CancelMarketOrders cancels every resting order the venue has open for a
// market, not just the ones tracked as TPs. Used for manual market removal
// (engine.RemoveMarket), the one path that can tear a market down outside
// the sweep-gated retire flow that otherwise guarantees no resting orders
// remain.
func (c *Coordinator) CancelMarketOrders(ctx context.Context, marketID string) {
	ctxStore, ok := c.stores.Get(marketID)
	if !ok {
		return
	}
	if c.dryRun {
		c.logger.Info("dry-run cancel market orders", "market", marketID)
		return
	}
	if _, err := c.client.CancelMarketOrders(ctx, ctxStore.Descriptor().MarketID); err != nil {
		c.logger.Error("cancel market orders failed", "market", marketID, "error", err)
		c.emit(events.ErrorEvent{MarketID: marketID, Kind: "transient_venue_error", Detail: "cancel-market-orders-failed", Ts: time.Now()})
		return
	}
	ctxStore.ClearTPOrders()
}

// CancelAll is the shutdown safety net: it cancels every order the venue
// still has open across all markets, then clears tracked TP state for each
// so a restart doesn't inherit stale order ids that no longer exist at the
// venue.
func (c *Coordinator) CancelAll(ctx context.Context) {
	if c.dryRun {
		c.logger.Info("dry-run cancel all")
		return
	}
	if _, err := c.client.CancelAll(ctx); err != nil {
		c.logger.Error("cancel all failed", "error", err)
		c.emit(events.ErrorEvent{Kind: "transient_venue_error", Detail: "cancel-all-failed", Ts: time.Now()})
		return
	}
	for _, marketID := range c.stores.MarketIDs() {
		if ctxStore, ok := c.stores.Get(marketID); ok {
			ctxStore.ClearTPOrders()
		}
	}
}

// OnFill reconciles a venue fill notification into the Market Context
// Store. If the fill closes out a tracked TP order that empties a LEVEL
// ladder, the completed-cycle counter advances (via RemovePositionsBySide).
// A fill for an order id that is not a tracked TP order is an invariant
// violation (§7): it is reported as an invariant_violation ErrorEvent and
// the store is left unchanged. Nothing quarantines the market; it keeps
// being evaluated.
func (c *Coordinator) OnFill(marketID, orderID string, side types.Side, size, price decimal.Decimal) {
	ctxStore, ok := c.stores.Get(marketID)
	if !ok {
		return
	}
	_, tracked := ctxStore.Snapshot().ActiveTPOrders[orderID]
	if !isTPOrderID(orderID) || !tracked {
		c.emit(events.ErrorEvent{MarketID: marketID, Kind: "invariant_violation", Detail: "fill for unknown order id: " + orderID, Ts: time.Now()})
		return
	}
	ctxStore.RemoveTPOrder(orderID)
	closed := ctxStore.RemovePositionsBySide(side)
	pnl := realizedPnL(closed, price)
	c.emit(events.TradeExecuted{MarketID: marketID, Side: side, Size: size, Price: price, Action: types.ActionPlaceTPLimit, Reason: "tp-fill", PnL: pnl, Ts: time.Now()})
}

// OnCancel removes a cancelled order from tracked TP state.
func (c *Coordinator) OnCancel(marketID, orderID string) {
	ctxStore, ok := c.stores.Get(marketID)
	if !ok {
		return
	}
	ctxStore.RemoveTPOrder(orderID)
}

func (c *Coordinator) emit(event any) {
	if c.events != nil {
		c.events.Emit(event)
	}
}

func tokenIDFor(ctxStore *market.Context, side types.Side) string {
	d := ctxStore.Descriptor()
	if side == types.YES {
		return d.TokenYes
	}
	return d.TokenNo
}

// TPOrderID tags a venue order id with its side so the evaluator can later
// tell, from ActiveTPOrders alone, which side a resting TP belongs to.
// Callers that route raw user-feed order/trade events back to OnFill/
// OnCancel (the engine's token→market dispatch) need the same tag to
// reconstruct the id this coordinator originally placed.
func TPOrderID(side types.Side, venueID string) string {
	return fmt.Sprintf("%s:%s", side, venueID)
}

func isTPOrderID(id string) bool {
	return (len(id) >= 4 && id[:4] == "YES:") || (len(id) >= 3 && id[:3] == "NO:")
}
