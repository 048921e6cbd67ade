// Package strategy implements the Strategy Evaluator (§4.4): a pure
// function over a market snapshot that produces the next Signal. It does
// no I/O and reads no clock beyond the now parameter it's given, so the
// same (snapshot, now) pair always yields the same Signal.
package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"scalpengine/internal/market"
	"scalpengine/pkg/types"
)

// Params holds the §4.4.1 parameter table. All thresholds are decimals in
// [0,1]; all deadlines are durations measured against time-left-to-expiry.
type Params struct {
	EntryTrigger       decimal.Decimal
	DCADrop1           decimal.Decimal
	DCADrop2           decimal.Decimal
	ClipSize           decimal.Decimal
	UnwindTrigger      decimal.Decimal
	TPPrice            decimal.Decimal
	HighScalpEntry     decimal.Decimal
	MaxCompletedCycles int
	MaxHighScalps      int
	MinEntryTimeLeft   time.Duration
	ForceUnwindLeft    time.Duration
	ForceExitLeft      time.Duration
}

// DefaultParams returns the §4.4.1 default table.
func DefaultParams() Params {
	return Params{
		EntryTrigger:       decimal.RequireFromString("0.34"),
		DCADrop1:           decimal.RequireFromString("0.24"),
		DCADrop2:           decimal.RequireFromString("0.38"),
		ClipSize:           decimal.RequireFromString("10"),
		UnwindTrigger:      decimal.RequireFromString("0.60"),
		TPPrice:            decimal.RequireFromString("0.88"),
		HighScalpEntry:     decimal.RequireFromString("0.90"),
		MaxCompletedCycles: 3,
		MaxHighScalps:      4,
		MinEntryTimeLeft:   420 * time.Second,
		ForceUnwindLeft:    300 * time.Second,
		ForceExitLeft:      180 * time.Second,
	}
}

// Signal is the value the evaluator produces and the coordinator consumes.
type Signal struct {
	Action      types.Action
	Side        types.Side
	Size        decimal.Decimal
	Price       decimal.Decimal
	Reason      string
	DCALevel    int
	IsHighScalp bool
}

func noop() Signal { return Signal{Action: types.ActionNoop, Reason: "noop"} }

// unrealizedPnL estimates a position's unrealized PnL given the current
// ask on its own side (the price at which it could be marked/closed).
func unrealizedPnL(p market.Position, currentAsk decimal.Decimal) decimal.Decimal {
	return currentAsk.Sub(p.EntryPrice).Mul(p.Size)
}

func askFor(side types.Side, snap market.Snapshot) (decimal.Decimal, bool) {
	var v *decimal.Decimal
	if side == types.YES {
		v = snap.YesAsk
	} else {
		v = snap.NoAsk
	}
	if v == nil {
		return decimal.Zero, false
	}
	return *v, true
}

func levelPositions(snap market.Snapshot, side types.Side) []market.Position {
	var out []market.Position
	for _, p := range snap.Positions {
		if p.Side == side && !p.IsHighScalp {
			out = append(out, p)
		}
	}
	return out
}

// highScalpCount is a lifetime count of high-scalp entries opened on this
// market, not the number currently open — max_high_scalps caps how many a
// market sees over its life, the same way completed_cycles never resets.
func highScalpCount(snap market.Snapshot) int {
	return snap.HighScalpsOpened
}

func hasLevelLadder(snap market.Snapshot, side types.Side) bool {
	return len(levelPositions(snap, side)) > 0
}

func bothSidesHaveLevelLadders(snap market.Snapshot) bool {
	return hasLevelLadder(snap, types.YES) && hasLevelLadder(snap, types.NO)
}

func sumSize(positions []market.Position) decimal.Decimal {
	total := decimal.Zero
	for _, p := range positions {
		total = total.Add(p.Size)
	}
	return total
}

func avgEntry(positions []market.Position) decimal.Decimal {
	total := decimal.Zero
	weighted := decimal.Zero
	for _, p := range positions {
		total = total.Add(p.Size)
		weighted = weighted.Add(p.EntryPrice.Mul(p.Size))
	}
	if total.IsZero() {
		return decimal.Zero
	}
	return weighted.Div(total)
}

// Evaluate implements the §4.4.2 priority-ordered rule list. It is a pure
// function: given the same snapshot and now, it always returns the same
// Signal.
func Evaluate(snap market.Snapshot, now time.Time, p Params) Signal {
	timeLeft := snap.Descriptor.EndTime.Sub(now)

	// Rule 1: force exit.
	if timeLeft <= p.ForceExitLeft {
		for _, pos := range snap.Positions {
			ask, ok := askFor(pos.Side, snap)
			loss := ok && unrealizedPnL(pos, ask).IsNegative()
			if loss || timeLeft <= 60*time.Second {
				return Signal{
					Action: types.ActionExitMarket,
					Side:   pos.Side,
					Size:   pos.Size,
					Price:  ask,
					Reason: "force-exit-3min",
				}
			}
		}
	}

	// Rule 2: force unwind. Signal.Side names the ladder being closed; the
	// coordinator flattens it by buying the opposite side at market.
	if timeLeft <= p.ForceUnwindLeft {
		for _, side := range []types.Side{types.YES, types.NO} {
			lvls := levelPositions(snap, side)
			if len(lvls) > 0 {
				execPrice, _ := askFor(side.Opposite(), snap)
				return Signal{
					Action: types.ActionForceUnwind,
					Side:   side,
					Size:   sumSize(lvls),
					Price:  execPrice,
					Reason: "force-unwind",
				}
			}
		}
	}

	// Rule 3: take-profit placement.
	if timeLeft > p.ForceUnwindLeft {
		for _, side := range []types.Side{types.YES, types.NO} {
			lvls := levelPositions(snap, side)
			if len(lvls) == 0 {
				continue
			}
			if avgEntry(lvls).GreaterThan(decimal.RequireFromString("0.50")) {
				continue
			}
			if tpRestingForSide(snap, side) {
				continue
			}
			return Signal{
				Action: types.ActionPlaceTPLimit,
				Side:   side,
				Size:   sumSize(lvls),
				Price:  p.TPPrice,
				Reason: "tp@" + p.TPPrice.String(),
			}
		}
	}

	// Rule 4: unwind trigger.
	for _, side := range []types.Side{types.YES, types.NO} {
		if !hasLevelLadder(snap, side) && !hasHighScalp(snap, side) {
			continue
		}
		oppAsk, ok := askFor(side.Opposite(), snap)
		if ok && oppAsk.LessThan(p.UnwindTrigger) {
			all := positionsOnSide(snap, side)
			return Signal{
				Action: types.ActionExitMarket,
				Side:   side,
				Size:   sumSize(all),
				Price:  oppAsk,
				Reason: "unwind",
			}
		}
	}

	if bothSidesHaveLevelLadders(snap) {
		// No-hedging invariant: suppress rules 5-8 until the inconsistency clears.
		return noop()
	}

	// Rules 5/6: DCA-2, DCA-1.
	for _, side := range []types.Side{types.YES, types.NO} {
		lvls := levelPositions(snap, side)
		ask, ok := askFor(side, snap)
		if !ok || len(lvls) == 0 {
			continue
		}
		first := firstEntryPrice(lvls)

		if len(lvls) == 2 && ask.LessThanOrEqual(first.Sub(p.DCADrop2)) {
			return enter(side, 2, p.ClipSize, ask, "dca-2")
		}
		if len(lvls) == 1 && ask.LessThanOrEqual(first.Sub(p.DCADrop1)) {
			return enter(side, 1, p.ClipSize, ask, "dca-1")
		}
	}

	// Rule 7: initial LEVEL entry.
	if !hasLevelLadder(snap, types.YES) && !hasLevelLadder(snap, types.NO) &&
		snap.CompletedCycles < p.MaxCompletedCycles && timeLeft >= p.MinEntryTimeLeft {

		yesAsk, yesOK := askFor(types.YES, snap)
		noAsk, noOK := askFor(types.NO, snap)

		yesEligible := yesOK && yesAsk.LessThanOrEqual(p.EntryTrigger)
		noEligible := noOK && noAsk.LessThanOrEqual(p.EntryTrigger)

		switch {
		case yesEligible && noEligible:
			if noAsk.LessThan(yesAsk) {
				return enter(types.NO, 0, p.ClipSize, noAsk, "entry@"+noAsk.String())
			}
			return enter(types.YES, 0, p.ClipSize, yesAsk, "entry@"+yesAsk.String()) // tie -> YES
		case yesEligible:
			return enter(types.YES, 0, p.ClipSize, yesAsk, "entry@"+yesAsk.String())
		case noEligible:
			return enter(types.NO, 0, p.ClipSize, noAsk, "entry@"+noAsk.String())
		}
	}

	// Rule 8: high-scalp entry.
	if timeLeft < p.MinEntryTimeLeft && highScalpCount(snap) < p.MaxHighScalps {
		for _, side := range []types.Side{types.YES, types.NO} {
			if hasLevelLadder(snap, side) {
				continue
			}
			ask, ok := askFor(side, snap)
			if !ok {
				continue
			}
			if ask.GreaterThan(p.EntryTrigger) && ask.LessThanOrEqual(p.HighScalpEntry) {
				return Signal{
					Action:      actionFor(side),
					Side:        side,
					Size:        p.ClipSize,
					Price:       ask,
					Reason:      "high-scalp",
					DCALevel:    0,
					IsHighScalp: true,
				}
			}
		}
	}

	return noop()
}

func enter(side types.Side, level int, size, price decimal.Decimal, reason string) Signal {
	return Signal{
		Action:   actionFor(side),
		Side:     side,
		Size:     size,
		Price:    price,
		Reason:   reason,
		DCALevel: level,
	}
}

func actionFor(side types.Side) types.Action {
	if side == types.YES {
		return types.ActionEnterYes
	}
	return types.ActionEnterNo
}

func firstEntryPrice(lvls []market.Position) decimal.Decimal {
	best := lvls[0]
	for _, p := range lvls {
		if p.DCALevel == 0 {
			return p.EntryPrice
		}
		if p.EntryTime.Before(best.EntryTime) {
			best = p
		}
	}
	return best.EntryPrice
}

func positionsOnSide(snap market.Snapshot, side types.Side) []market.Position {
	var out []market.Position
	for _, p := range snap.Positions {
		if p.Side == side {
			out = append(out, p)
		}
	}
	return out
}

func hasHighScalp(snap market.Snapshot, side types.Side) bool {
	for _, p := range snap.Positions {
		if p.Side == side && p.IsHighScalp {
			return true
		}
	}
	return false
}

// tpRestingForSide reports whether a TP is already resting for this side's
// ladder. Order ids are tagged "<side>:<venue order id>" by the coordinator
// when placed (see coordinator.TPOrderID), so the side is recoverable from
// the id alone.
func tpRestingForSide(snap market.Snapshot, side types.Side) bool {
	prefix := string(side) + ":"
	for id := range snap.ActiveTPOrders {
		if len(id) >= len(prefix) && id[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}
