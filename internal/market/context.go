// Package market owns the Market Context Store (§4.3): a thread-safe
// registry of per-market runtime state keyed by market id.
package market

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"scalpengine/pkg/types"
)

// Position is one entry on the DCA ladder or a high-scalp entry (§3).
type Position struct {
	Side        types.Side
	Size        decimal.Decimal
	EntryPrice  decimal.Decimal
	EntryTime   time.Time
	IsHighScalp bool
	DCALevel    int
}

// Context is the per-market mutable runtime state. All field access must
// go through the accessor methods, which take the per-context lock; the
// Strategy Evaluator only ever reads a Snapshot (a deep copy), never this
// live structure.
type Context struct {
	mu sync.RWMutex

	descriptor types.MarketDescriptor

	yesPrice *decimal.Decimal // latest best ask
	noPrice  *decimal.Decimal
	yesBid   *decimal.Decimal
	noBid    *decimal.Decimal

	positions        []Position
	completedCycles  int
	highScalpsOpened int // lifetime count, never decremented on close (§4.4.1 cap)
	activeTPOrders   map[string]struct{} // order id set
	lastSignalTime   time.Time
}

// NewContext creates runtime state for a newly added market.
func NewContext(descriptor types.MarketDescriptor) *Context {
	return &Context{
		descriptor:     descriptor,
		activeTPOrders: make(map[string]struct{}),
	}
}

// Descriptor returns the immutable market descriptor.
func (c *Context) Descriptor() types.MarketDescriptor {
	return c.descriptor
}

// UpdatePrice records the latest best bid/ask for one side.
func (c *Context) UpdatePrice(side types.Side, bid, ask *decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if side == types.YES {
		c.yesBid, c.yesPrice = bid, ask
	} else {
		c.noBid, c.noPrice = bid, ask
	}
}

// AppendPosition adds a new ladder/high-scalp entry on fill of ENTER_*.
// A high-scalp entry also advances the lifetime high-scalp counter, which
// never decrements on close — it caps how many high-scalp entries a market
// sees over its whole life, not how many are open at once.
func (c *Context) AppendPosition(p Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positions = append(c.positions, p)
	if p.IsHighScalp {
		c.highScalpsOpened++
	}
}

// RemovePositionsBySide removes every position on the given side,
// returning the removed entries. Used on EXIT_MARKET/FORCE_UNWIND fill.
// If the removed set contains the last non-high-scalp position, the
// completed-cycle counter increments exactly once (§4.4.3, §9 open
// question 1: cycle counting is derived from the positions list, never
// stored redundantly per fill).
func (c *Context) RemovePositionsBySide(side types.Side) []Position {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed, kept []Position
	hadLevel := false
	for _, p := range c.positions {
		if p.Side == side {
			removed = append(removed, p)
			if !p.IsHighScalp {
				hadLevel = true
			}
			continue
		}
		kept = append(kept, p)
	}
	c.positions = kept

	if hadLevel {
		stillHasLevel := false
		for _, p := range kept {
			if p.Side == side && !p.IsHighScalp {
				stillHasLevel = true
				break
			}
		}
		if !stillHasLevel {
			c.completedCycles++
		}
	}
	return removed
}

// RemovePosition removes one specific position (by identity), closing
// exactly one ladder rung rather than the whole side. The coordinator's
// exit and TP-fill paths use RemovePositionsBySide instead.
func (c *Context) RemovePosition(side types.Side, dcaLevel int, isHighScalp bool) (Position, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, p := range c.positions {
		if p.Side == side && p.DCALevel == dcaLevel && p.IsHighScalp == isHighScalp {
			c.positions = append(c.positions[:i], c.positions[i+1:]...)
			if !p.IsHighScalp {
				stillHasLevel := false
				for _, rem := range c.positions {
					if rem.Side == side && !rem.IsHighScalp {
						stillHasLevel = true
						break
					}
				}
				if !stillHasLevel {
					c.completedCycles++
				}
			}
			return p, true
		}
	}
	return Position{}, false
}

// AddTPOrder records a resting take-profit order id.
func (c *Context) AddTPOrder(orderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeTPOrders[orderID] = struct{}{}
}

// RemoveTPOrder drops a take-profit order id (cancel or fill).
func (c *Context) RemoveTPOrder(orderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.activeTPOrders, orderID)
}

// ClearTPOrders empties the active TP order set, returning the ids that
// were cleared (for a bulk cancel). Restores invariant 4 of §3.
func (c *Context) ClearTPOrders() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.activeTPOrders))
	for id := range c.activeTPOrders {
		ids = append(ids, id)
	}
	c.activeTPOrders = make(map[string]struct{})
	return ids
}

// SetLastSignalTime records the time of the most recently dispatched
// signal, for throttling.
func (c *Context) SetLastSignalTime(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSignalTime = t
}

// Snapshot returns a deep copy of the mutable fields, safe to read
// off-thread. The Strategy Evaluator consumes only Snapshots.
type Snapshot struct {
	Descriptor      types.MarketDescriptor
	YesAsk          *decimal.Decimal
	NoAsk           *decimal.Decimal
	YesBid          *decimal.Decimal
	NoBid           *decimal.Decimal
	Positions        []Position
	CompletedCycles  int
	HighScalpsOpened int
	ActiveTPOrders   map[string]struct{}
	LastSignalTime   time.Time
}

// Snapshot takes the per-context lock and returns a deep copy.
func (c *Context) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Descriptor:       c.descriptor,
		Positions:        append([]Position(nil), c.positions...),
		CompletedCycles:  c.completedCycles,
		HighScalpsOpened: c.highScalpsOpened,
		ActiveTPOrders:   make(map[string]struct{}, len(c.activeTPOrders)),
		LastSignalTime:   c.lastSignalTime,
	}
	if c.yesPrice != nil {
		v := *c.yesPrice
		s.YesAsk = &v
	}
	if c.noPrice != nil {
		v := *c.noPrice
		s.NoAsk = &v
	}
	if c.yesBid != nil {
		v := *c.yesBid
		s.YesBid = &v
	}
	if c.noBid != nil {
		v := *c.noBid
		s.NoBid = &v
	}
	for id := range c.activeTPOrders {
		s.ActiveTPOrders[id] = struct{}{}
	}
	return s
}

// HasOpenPositions reports whether any positions remain on this market.
func (c *Context) HasOpenPositions() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.positions) > 0
}

// Store is the thread-safe registry of Context keyed by market id (§4.3).
// A single coarse lock serializes membership mutation of the map spine;
// each Context carries its own lock so distinct markets evaluate in
// parallel.
type Store struct {
	mu       sync.RWMutex
	contexts map[string]*Context
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{contexts: make(map[string]*Context)}
}

// Add registers a new market. No-op if the market id is already present.
func (s *Store) Add(descriptor types.MarketDescriptor) *Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx, ok := s.contexts[descriptor.MarketID]; ok {
		return ctx
	}
	ctx := NewContext(descriptor)
	s.contexts[descriptor.MarketID] = ctx
	return ctx
}

// Remove deregisters a market.
func (s *Store) Remove(marketID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.contexts, marketID)
}

// Get returns the Context for a market id.
func (s *Store) Get(marketID string) (*Context, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ctx, ok := s.contexts[marketID]
	return ctx, ok
}

// Len returns the number of active markets.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.contexts)
}

// SnapshotAll returns a deep-copy Snapshot for every active market, keyed
// by market id.
func (s *Store) SnapshotAll() map[string]Snapshot {
	s.mu.RLock()
	ctxs := make([]*Context, 0, len(s.contexts))
	ids := make([]string, 0, len(s.contexts))
	for id, ctx := range s.contexts {
		ids = append(ids, id)
		ctxs = append(ctxs, ctx)
	}
	s.mu.RUnlock()

	out := make(map[string]Snapshot, len(ids))
	for i, id := range ids {
		out[id] = ctxs[i].Snapshot()
	}
	return out
}

// MarketIDs returns the currently registered market ids.
func (s *Store) MarketIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.contexts))
	for id := range s.contexts {
		ids = append(ids, id)
	}
	return ids
}
