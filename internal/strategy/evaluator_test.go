package strategy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"scalpengine/internal/market"
	"scalpengine/pkg/types"
)

func dec(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func ptr(s string) *decimal.Decimal {
	v := dec(s)
	return &v
}

func baseSnapshot(endIn time.Duration) market.Snapshot {
	return market.Snapshot{
		Descriptor:     types.MarketDescriptor{MarketID: "m1", EndTime: time.Now().Add(endIn)},
		ActiveTPOrders: map[string]struct{}{},
	}
}

// S1 — happy LEVEL round-trip: entry, then a single resting TP, not re-emitted.
func TestS1HappyLevelRoundTrip(t *testing.T) {
	t.Parallel()
	p := DefaultParams()
	now := time.Now()

	snap := baseSnapshot(14 * time.Minute)
	snap.YesAsk = ptr("0.33")
	sig := Evaluate(snap, now, p)
	if sig.Action != types.ActionEnterYes || sig.DCALevel != 0 {
		t.Fatalf("got %+v, want ENTER_YES dca_level=0", sig)
	}
	if !sig.Size.Equal(p.ClipSize) || !sig.Price.Equal(dec("0.33")) {
		t.Fatalf("got size=%v price=%v, want size=10 price=0.33", sig.Size, sig.Price)
	}

	snap2 := baseSnapshot(10 * time.Minute)
	snap2.YesAsk = ptr("0.88")
	snap2.Positions = []market.Position{
		{Side: types.YES, Size: dec("10"), EntryPrice: dec("0.33"), EntryTime: now},
	}
	sig2 := Evaluate(snap2, now, p)
	if sig2.Action != types.ActionPlaceTPLimit || sig2.Side != types.YES {
		t.Fatalf("got %+v, want PLACE_TP_LIMIT side=YES", sig2)
	}
	if !sig2.Price.Equal(p.TPPrice) || !sig2.Size.Equal(dec("10")) {
		t.Fatalf("got price=%v size=%v, want price=0.88 size=10", sig2.Price, sig2.Size)
	}

	// Once a TP is resting (tagged YES:1), it is not re-emitted.
	snap3 := snap2
	snap3.ActiveTPOrders = map[string]struct{}{"YES:1": {}}
	sig3 := Evaluate(snap3, now, p)
	if sig3.Action == types.ActionPlaceTPLimit {
		t.Fatalf("TP re-emitted while already resting: %+v", sig3)
	}
}

// S2 — DCA-1 then unwind triggered by the opposite side collapsing.
func TestS2DCA1ThenUnwind(t *testing.T) {
	t.Parallel()
	p := DefaultParams()
	now := time.Now()

	// The TP placed right after the initial entry is already resting by the
	// time the price has fallen enough to trigger DCA, so rule 3 no longer
	// blocks rules 5/6 from being reached.
	snap := baseSnapshot(12 * time.Minute)
	snap.YesAsk = ptr("0.10")
	snap.ActiveTPOrders = map[string]struct{}{"YES:1": {}}
	snap.Positions = []market.Position{
		{Side: types.YES, Size: dec("10"), EntryPrice: dec("0.34"), DCALevel: 0, EntryTime: now},
	}
	sig := Evaluate(snap, now, p)
	if sig.Action != types.ActionEnterYes || sig.DCALevel != 1 {
		t.Fatalf("got %+v, want ENTER_YES dca_level=1", sig)
	}

	snap2 := baseSnapshot(11 * time.Minute)
	snap2.YesAsk = ptr("0.10")
	snap2.NoAsk = ptr("0.58")
	snap2.ActiveTPOrders = map[string]struct{}{"YES:1": {}}
	snap2.Positions = []market.Position{
		{Side: types.YES, Size: dec("10"), EntryPrice: dec("0.34"), DCALevel: 0, EntryTime: now},
		{Side: types.YES, Size: dec("10"), EntryPrice: dec("0.10"), DCALevel: 1, EntryTime: now},
	}
	sig2 := Evaluate(snap2, now, p)
	if sig2.Action != types.ActionExitMarket || sig2.Side != types.YES {
		t.Fatalf("got %+v, want EXIT_MARKET side=YES", sig2)
	}
	if !sig2.Size.Equal(dec("20")) {
		t.Fatalf("got size=%v, want 20", sig2.Size)
	}
}

// S3 — force unwind at the 5 minute deadline.
func TestS3ForceUnwindAtFiveMinutes(t *testing.T) {
	t.Parallel()
	p := DefaultParams()
	now := time.Now()

	snap := baseSnapshot(299 * time.Second)
	snap.YesAsk = ptr("0.20")
	snap.NoAsk = ptr("0.75")
	snap.Positions = []market.Position{
		{Side: types.YES, Size: dec("10"), EntryPrice: dec("0.34"), EntryTime: now},
	}
	sig := Evaluate(snap, now, p)
	if sig.Action != types.ActionForceUnwind || sig.Side != types.YES {
		t.Fatalf("got %+v, want FORCE_UNWIND side=YES", sig)
	}
	if !sig.Size.Equal(dec("10")) {
		t.Fatalf("got size=%v, want 10", sig.Size)
	}
}

// S4 — force exit at 3 minutes while sitting on a loss.
func TestS4ForceExitAtThreeMinutesWithLoss(t *testing.T) {
	t.Parallel()
	p := DefaultParams()
	now := time.Now()

	snap := baseSnapshot(180 * time.Second)
	snap.Descriptor.EndTime = now.Add(180 * time.Second) // time_left exactly 180s from now
	snap.NoAsk = ptr("0.25")
	snap.Positions = []market.Position{
		{Side: types.NO, Size: dec("20"), EntryPrice: dec("0.40"), EntryTime: now},
	}
	sig := Evaluate(snap, now, p)
	if sig.Action != types.ActionExitMarket || sig.Side != types.NO {
		t.Fatalf("got %+v, want EXIT_MARKET side=NO", sig)
	}
	if !sig.Size.Equal(dec("20")) {
		t.Fatalf("got size=%v, want 20", sig.Size)
	}
}

// S5 — cycle cap refuses a new LEVEL entry once max_completed_cycles is hit.
func TestS5CycleCapRefusesEntry(t *testing.T) {
	t.Parallel()
	p := DefaultParams()
	now := time.Now()

	snap := baseSnapshot(10 * time.Minute)
	snap.YesAsk = ptr("0.30")
	snap.CompletedCycles = 3

	sig := Evaluate(snap, now, p)
	if sig.Action != types.ActionNoop {
		t.Fatalf("got %+v, want NOOP", sig)
	}
}

// S6 — high-scalp late entry when no LEVEL entry is permitted.
func TestS6HighScalpLateEntry(t *testing.T) {
	t.Parallel()
	p := DefaultParams()
	now := time.Now()

	snap := baseSnapshot(250 * time.Second)
	snap.YesAsk = ptr("0.89")

	sig := Evaluate(snap, now, p)
	if sig.Action != types.ActionEnterYes || !sig.IsHighScalp {
		t.Fatalf("got %+v, want ENTER_YES is_high_scalp=true", sig)
	}
	if !sig.Size.Equal(p.ClipSize) {
		t.Fatalf("got size=%v, want %v", sig.Size, p.ClipSize)
	}
}

// High-scalp cap is a lifetime count, not a live-position count: once
// max_high_scalps have been opened on a market, no more are allowed even
// after earlier ones have already closed.
func TestHighScalpCapIsLifetimeNotLiveCount(t *testing.T) {
	t.Parallel()
	p := DefaultParams()
	now := time.Now()

	snap := baseSnapshot(250 * time.Second)
	snap.YesAsk = ptr("0.89")
	snap.HighScalpsOpened = p.MaxHighScalps // all prior high-scalps already closed

	sig := Evaluate(snap, now, p)
	if sig.Action != types.ActionNoop {
		t.Fatalf("got %+v, want NOOP once lifetime high-scalp cap is hit", sig)
	}
}

// Boundary: time_left exactly equal to a deadline threshold is inclusive.
func TestBoundaryTimeLeftEqualsForceExitThreshold(t *testing.T) {
	t.Parallel()
	p := DefaultParams()
	now := time.Now()

	snap := baseSnapshot(p.ForceExitLeft)
	snap.Descriptor.EndTime = now.Add(p.ForceExitLeft) // exactly 180s from now
	snap.YesAsk = ptr("0.50")
	snap.Positions = []market.Position{
		{Side: types.YES, Size: dec("10"), EntryPrice: dec("0.60"), EntryTime: now}, // losing
	}
	sig := Evaluate(snap, now, p)
	if sig.Action != types.ActionExitMarket {
		t.Fatalf("got %+v, want EXIT_MARKET at time_left == force_exit_time_left", sig)
	}
}

// Boundary: ask exactly equal to entry_trigger still qualifies ("≤").
func TestBoundaryAskEqualsEntryTrigger(t *testing.T) {
	t.Parallel()
	p := DefaultParams()
	now := time.Now()

	snap := baseSnapshot(10 * time.Minute)
	snap.YesAsk = ptr(p.EntryTrigger.String())
	sig := Evaluate(snap, now, p)
	if sig.Action != types.ActionEnterYes {
		t.Fatalf("got %+v, want ENTER_YES when ask == entry_trigger", sig)
	}
}

// Boundary: a null ask (no book data) must never be treated as eligible.
func TestBoundaryNullAskNeverEligible(t *testing.T) {
	t.Parallel()
	p := DefaultParams()
	now := time.Now()

	snap := baseSnapshot(10 * time.Minute) // YesAsk, NoAsk both nil
	sig := Evaluate(snap, now, p)
	if sig.Action != types.ActionNoop {
		t.Fatalf("got %+v, want NOOP with no book data", sig)
	}
}

// Boundary: both feeds stale (nil asks) on top of open positions still
// allows deadline rules to fire since those don't depend on ask price.
func TestBoundaryStaleFeedsStillForceExitsOnDeadline(t *testing.T) {
	t.Parallel()
	p := DefaultParams()
	now := time.Now()

	snap := baseSnapshot(30 * time.Second) // under the 60s hard deadline
	snap.Positions = []market.Position{
		{Side: types.YES, Size: dec("10"), EntryPrice: dec("0.40"), EntryTime: now},
	}
	sig := Evaluate(snap, now, p)
	if sig.Action != types.ActionExitMarket {
		t.Fatalf("got %+v, want EXIT_MARKET even with a stale/nil ask inside the 60s hard deadline", sig)
	}
}

// Determinism: the same snapshot and now always yield the same signal.
func TestEvaluateIsReferentiallyTransparent(t *testing.T) {
	t.Parallel()
	p := DefaultParams()
	now := time.Now()

	snap := baseSnapshot(10 * time.Minute)
	snap.YesAsk = ptr("0.33")

	a := Evaluate(snap, now, p)
	b := Evaluate(snap, now, p)
	if a != b {
		t.Fatalf("Evaluate not deterministic: %+v != %+v", a, b)
	}
}

// A filled DCA level is never re-requested once present on the ladder —
// with two LEVEL positions already open, dca_level=1 must never re-fire
// even at a price that would have satisfied it off the first entry alone.
func TestNoDoubleDCALevel(t *testing.T) {
	t.Parallel()
	p := DefaultParams()
	now := time.Now()

	snap := baseSnapshot(10 * time.Minute)
	snap.YesAsk = ptr("0.05") // would also satisfy dca_drop_1 off the first entry
	snap.ActiveTPOrders = map[string]struct{}{"YES:1": {}}
	snap.Positions = []market.Position{
		{Side: types.YES, Size: dec("10"), EntryPrice: dec("0.34"), DCALevel: 0, EntryTime: now},
		{Side: types.YES, Size: dec("10"), EntryPrice: dec("0.10"), DCALevel: 1, EntryTime: now},
	}
	sig := Evaluate(snap, now, p)
	if sig.DCALevel == 1 {
		t.Fatalf("got %+v, dca_level=1 must not re-fire once it has already filled", sig)
	}
}

// No-hedging invariant: LEVEL ladders open on both sides simultaneously
// suppress rules 5-8 entirely.
func TestNoHedgingInvariantSuppressesEntryRules(t *testing.T) {
	t.Parallel()
	p := DefaultParams()
	now := time.Now()

	snap := baseSnapshot(10 * time.Minute)
	snap.YesAsk = ptr("0.70")
	snap.NoAsk = ptr("0.70")
	snap.ActiveTPOrders = map[string]struct{}{"YES:1": {}, "NO:1": {}}
	snap.Positions = []market.Position{
		{Side: types.YES, Size: dec("10"), EntryPrice: dec("0.34"), EntryTime: now},
		{Side: types.NO, Size: dec("10"), EntryPrice: dec("0.34"), EntryTime: now},
	}
	sig := Evaluate(snap, now, p)
	if sig.Action != types.ActionNoop {
		t.Fatalf("got %+v, want NOOP while both sides hold a LEVEL ladder", sig)
	}
}
