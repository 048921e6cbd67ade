package market

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"scalpengine/pkg/types"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func testDescriptor() types.MarketDescriptor {
	return types.MarketDescriptor{
		MarketID: "m1",
		TokenYes: "yes-tok",
		TokenNo:  "no-tok",
		EndTime:  time.Now().Add(15 * time.Minute),
		MinTick:  types.Tick01,
	}
}

func TestAppendAndSnapshotPositions(t *testing.T) {
	t.Parallel()
	ctx := NewContext(testDescriptor())
	ctx.AppendPosition(Position{Side: types.YES, Size: d("10"), EntryPrice: d("0.34"), DCALevel: 0})

	snap := ctx.Snapshot()
	if len(snap.Positions) != 1 {
		t.Fatalf("len(Positions) = %d, want 1", len(snap.Positions))
	}
	if snap.CompletedCycles != 0 {
		t.Errorf("CompletedCycles = %d, want 0", snap.CompletedCycles)
	}
}

func TestRemovePositionsBySideIncrementsCycleOnLastLevelClose(t *testing.T) {
	t.Parallel()
	ctx := NewContext(testDescriptor())
	ctx.AppendPosition(Position{Side: types.YES, Size: d("10"), EntryPrice: d("0.34"), DCALevel: 0})
	ctx.AppendPosition(Position{Side: types.YES, Size: d("10"), EntryPrice: d("0.10"), DCALevel: 1})

	removed := ctx.RemovePositionsBySide(types.YES)
	if len(removed) != 2 {
		t.Fatalf("removed %d positions, want 2", len(removed))
	}
	if ctx.Snapshot().CompletedCycles != 1 {
		t.Errorf("CompletedCycles = %d, want 1 after closing the only ladder", ctx.Snapshot().CompletedCycles)
	}
}

func TestRemovePositionDoesNotIncrementCycleWhilePartialLadderRemains(t *testing.T) {
	t.Parallel()
	ctx := NewContext(testDescriptor())
	ctx.AppendPosition(Position{Side: types.YES, Size: d("10"), EntryPrice: d("0.34"), DCALevel: 0})
	ctx.AppendPosition(Position{Side: types.YES, Size: d("10"), EntryPrice: d("0.10"), DCALevel: 1})

	_, ok := ctx.RemovePosition(types.YES, 1, false)
	if !ok {
		t.Fatal("expected to remove dca_level=1 position")
	}
	if ctx.Snapshot().CompletedCycles != 0 {
		t.Errorf("CompletedCycles = %d, want 0 while rung 0 remains open", ctx.Snapshot().CompletedCycles)
	}

	_, ok = ctx.RemovePosition(types.YES, 0, false)
	if !ok {
		t.Fatal("expected to remove dca_level=0 position")
	}
	if ctx.Snapshot().CompletedCycles != 1 {
		t.Errorf("CompletedCycles = %d, want 1 after closing the last rung", ctx.Snapshot().CompletedCycles)
	}
}

func TestHighScalpClosesDoNotAffectCycleCount(t *testing.T) {
	t.Parallel()
	ctx := NewContext(testDescriptor())
	ctx.AppendPosition(Position{Side: types.YES, Size: d("10"), EntryPrice: d("0.89"), IsHighScalp: true})

	ctx.RemovePositionsBySide(types.YES)
	if ctx.Snapshot().CompletedCycles != 0 {
		t.Errorf("CompletedCycles = %d, want 0 — high-scalp closes are not cycles", ctx.Snapshot().CompletedCycles)
	}
}

func TestTPOrderTracking(t *testing.T) {
	t.Parallel()
	ctx := NewContext(testDescriptor())
	ctx.AddTPOrder("order-1")
	ctx.AddTPOrder("order-2")

	snap := ctx.Snapshot()
	if len(snap.ActiveTPOrders) != 2 {
		t.Fatalf("len(ActiveTPOrders) = %d, want 2", len(snap.ActiveTPOrders))
	}

	ctx.RemoveTPOrder("order-1")
	if len(ctx.Snapshot().ActiveTPOrders) != 1 {
		t.Errorf("expected 1 TP order remaining after removal")
	}

	cleared := ctx.ClearTPOrders()
	if len(cleared) != 1 {
		t.Fatalf("ClearTPOrders returned %d ids, want 1", len(cleared))
	}
	if len(ctx.Snapshot().ActiveTPOrders) != 0 {
		t.Error("ActiveTPOrders should be empty after ClearTPOrders")
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	t.Parallel()
	ctx := NewContext(testDescriptor())
	ctx.AppendPosition(Position{Side: types.YES, Size: d("10"), EntryPrice: d("0.34")})

	snap := ctx.Snapshot()
	ctx.AppendPosition(Position{Side: types.YES, Size: d("10"), EntryPrice: d("0.10"), DCALevel: 1})

	if len(snap.Positions) != 1 {
		t.Errorf("prior snapshot mutated by later writes: len = %d, want 1", len(snap.Positions))
	}
}

func TestStoreAddGetRemove(t *testing.T) {
	t.Parallel()
	s := NewStore()
	desc := testDescriptor()

	ctx := s.Add(desc)
	if ctx == nil {
		t.Fatal("Add returned nil context")
	}
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", s.Len())
	}

	// Idempotent add.
	again := s.Add(desc)
	if again != ctx {
		t.Error("Add should return the existing context for a known market id")
	}

	got, ok := s.Get(desc.MarketID)
	if !ok || got != ctx {
		t.Fatal("Get did not return the registered context")
	}

	s.Remove(desc.MarketID)
	if _, ok := s.Get(desc.MarketID); ok {
		t.Error("context should be gone after Remove")
	}
}

func TestStoreSnapshotAll(t *testing.T) {
	t.Parallel()
	s := NewStore()
	s.Add(testDescriptor())
	d2 := testDescriptor()
	d2.MarketID = "m2"
	s.Add(d2)

	snaps := s.SnapshotAll()
	if len(snaps) != 2 {
		t.Fatalf("len(snaps) = %d, want 2", len(snaps))
	}
}
