// Package book implements the Order Book Tracker: it maintains the L2
// order book for each subscribed venue token and emits change events to
// registered callbacks whenever the top of book moves.
package book

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"scalpengine/pkg/types"
)

// Level is a single price level, decimal-precise.
type Level struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Snapshot is an immutable, deep-copy-safe view of one token's order book.
// Bids are sorted descending by price (best bid first); Asks ascending
// (best ask first).
type Snapshot struct {
	Token     string
	Bids      []Level
	Asks      []Level
	Sequence  int64
	UpdatedAt time.Time
}

// BestBid returns the best bid level, or false if the book has no bids.
func (s Snapshot) BestBid() (Level, bool) {
	if len(s.Bids) == 0 {
		return Level{}, false
	}
	return s.Bids[0], true
}

// BestAsk returns the best ask level, or false if the book has no asks.
func (s Snapshot) BestAsk() (Level, bool) {
	if len(s.Asks) == 0 {
		return Level{}, false
	}
	return s.Asks[0], true
}

// OnUpdate is invoked whenever the best bid or best ask of a token's book
// changes. The callback receives a deep-copied, read-safe Snapshot and is
// invoked outside the tracker's internal lock.
type OnUpdate func(token string, snap Snapshot)

// book is the internal, mutable per-token state. Guarded by its own lock so
// distinct tokens can be mutated in parallel.
type book struct {
	mu       sync.RWMutex
	token    string
	bids     []Level // descending by price
	asks     []Level // ascending by price
	sequence int64   // last applied sequence number, 0 = none yet
	valid    bool    // false while waiting for a re-snapshot after a gap
	updated  time.Time
}

func (b *book) snapshotLocked() Snapshot {
	return Snapshot{
		Token:     b.token,
		Bids:      append([]Level(nil), b.bids...),
		Asks:      append([]Level(nil), b.asks...),
		Sequence:  b.sequence,
		UpdatedAt: b.updated,
	}
}

// applySnapshot atomically replaces the book and marks it valid.
func (b *book) applySnapshot(bids, asks []Level, sequence int64, now time.Time) (before, after Snapshot) {
	b.mu.Lock()
	before = b.snapshotLocked()
	b.bids = sortDesc(bids)
	b.asks = sortAsc(asks)
	b.sequence = sequence
	b.valid = true
	b.updated = now
	after = b.snapshotLocked()
	b.mu.Unlock()
	return before, after
}

// applyDelta upserts/removes one side's level. Returns ok=false (and
// leaves the book untouched beyond invalidation) if the sequence number
// indicates a gap; the book then stays invalid until the next full snapshot.
// A sequence equal to the current one is accepted, since one price_change
// event can carry several changes for the same token under one sequence.
func (b *book) applyDelta(isBid bool, price, size decimal.Decimal, sequence int64, now time.Time) (before, after Snapshot, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	before = b.snapshotLocked()

	if !b.valid {
		return before, before, false
	}
	if b.sequence != 0 && sequence != b.sequence && sequence != b.sequence+1 {
		b.valid = false
		b.bids = nil
		b.asks = nil
		return before, b.snapshotLocked(), false
	}

	if isBid {
		b.bids = upsert(b.bids, price, size, true)
	} else {
		b.asks = upsert(b.asks, price, size, false)
	}
	b.sequence = sequence
	b.updated = now

	after = b.snapshotLocked()
	return before, after, true
}

func (b *book) invalidate() {
	b.mu.Lock()
	b.valid = false
	b.bids = nil
	b.asks = nil
	b.mu.Unlock()
}

// upsert inserts or replaces a price level, removing it if size is zero,
// and keeps the slice sorted (descending for bids, ascending for asks).
func upsert(levels []Level, price, size decimal.Decimal, desc bool) []Level {
	idx := sort.Search(len(levels), func(i int) bool {
		if desc {
			return levels[i].Price.LessThanOrEqual(price)
		}
		return levels[i].Price.GreaterThanOrEqual(price)
	})

	found := idx < len(levels) && levels[idx].Price.Equal(price)

	if size.IsZero() {
		if found {
			return append(levels[:idx], levels[idx+1:]...)
		}
		return levels
	}

	if found {
		levels[idx].Size = size
		return levels
	}

	levels = append(levels, Level{})
	copy(levels[idx+1:], levels[idx:])
	levels[idx] = Level{Price: price, Size: size}
	return levels
}

func sortDesc(levels []Level) []Level {
	out := append([]Level(nil), levels...)
	sort.Slice(out, func(i, j int) bool { return out[i].Price.GreaterThan(out[j].Price) })
	return out
}

func sortAsc(levels []Level) []Level {
	out := append([]Level(nil), levels...)
	sort.Slice(out, func(i, j int) bool { return out[i].Price.LessThan(out[j].Price) })
	return out
}

func topChanged(before, after Snapshot) bool {
	bb, bbOK := before.BestBid()
	ab, abOK := after.BestBid()
	if bbOK != abOK || (bbOK && abOK && (!bb.Price.Equal(ab.Price) || !bb.Size.Equal(ab.Size))) {
		return true
	}
	ba, baOK := before.BestAsk()
	aa, aaOK := after.BestAsk()
	if baOK != aaOK || (baOK && aaOK && (!ba.Price.Equal(aa.Price) || !ba.Size.Equal(aa.Size))) {
		return true
	}
	return false
}

// Tracker maintains the order book for every subscribed token and fans out
// change notifications. Safe for concurrent use; each token's book is
// guarded by its own lock (§5: "OrderBook internals: per-token lock;
// snapshots returned by value").
type Tracker struct {
	mu    sync.RWMutex
	books map[string]*book

	updateMu sync.RWMutex
	onUpdate OnUpdate
}

// NewTracker constructs an empty tracker. onUpdate may be nil; it is
// invoked outside any internal lock whenever a token's top of book changes.
// Callers that need to wire the callback after construction (e.g. because
// the consumer is built from the Tracker itself) should pass nil here and
// call SetOnUpdate once the consumer exists.
func NewTracker(onUpdate OnUpdate) *Tracker {
	if onUpdate == nil {
		onUpdate = func(string, Snapshot) {}
	}
	return &Tracker{books: make(map[string]*book), onUpdate: onUpdate}
}

// SetOnUpdate replaces the change callback. Safe to call concurrently with
// book updates; takes effect for the next update after it returns.
func (t *Tracker) SetOnUpdate(onUpdate OnUpdate) {
	if onUpdate == nil {
		onUpdate = func(string, Snapshot) {}
	}
	t.updateMu.Lock()
	t.onUpdate = onUpdate
	t.updateMu.Unlock()
}

func (t *Tracker) notify(token string, snap Snapshot) {
	t.updateMu.RLock()
	cb := t.onUpdate
	t.updateMu.RUnlock()
	cb(token, snap)
}

// Subscribe registers tokens for tracking. Idempotent: subscribing an
// already-tracked token is a no-op.
func (t *Tracker) Subscribe(tokens ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tok := range tokens {
		if _, ok := t.books[tok]; ok {
			continue
		}
		t.books[tok] = &book{token: tok}
	}
}

// Unsubscribe releases resources for the given tokens; the callback is no
// longer invoked for them.
func (t *Tracker) Unsubscribe(tokens ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tok := range tokens {
		delete(t.books, tok)
	}
}

func (t *Tracker) get(token string) (*book, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.books[token]
	return b, ok
}

// GetPrice returns the latest top-of-book bid and ask for a token. Either
// may be the zero value with ok=false if that side is empty or the book is
// currently invalid (mid-gap).
func (t *Tracker) GetPrice(token string) (bid, ask Level, bidOK, askOK bool) {
	b, ok := t.get(token)
	if !ok {
		return Level{}, Level{}, false, false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.valid {
		return Level{}, Level{}, false, false
	}
	if len(b.bids) > 0 {
		bid, bidOK = b.bids[0], true
	}
	if len(b.asks) > 0 {
		ask, askOK = b.asks[0], true
	}
	return bid, ask, bidOK, askOK
}

// GetSnapshot returns a deep copy of the current book for a token, safe to
// read off-thread. The zero Snapshot is returned if the token is not
// subscribed.
func (t *Tracker) GetSnapshot(token string) Snapshot {
	b, ok := t.get(token)
	if !ok {
		return Snapshot{Token: token}
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshotLocked()
}

// ApplyBookEvent applies a full snapshot pushed by the venue stream. It
// always marks the book valid, regardless of prior gap state.
func (t *Tracker) ApplyBookEvent(evt types.WSBookEvent, now time.Time) {
	b, ok := t.get(evt.AssetID)
	if !ok {
		return
	}
	bids := toLevels(evt.Bids)
	asks := toLevels(evt.Asks)
	before, after := b.applySnapshot(bids, asks, evt.Sequence, now)
	if topChanged(before, after) {
		t.notify(evt.AssetID, after)
	}
}

// ApplyPriceChange applies an incremental delta. On a detected sequence
// gap the book is invalidated: GetPrice returns not-ok for this token until
// the venue's next full snapshot arrives through ApplyBookEvent. Nothing
// here or in cmd/engine requests a snapshot; the gap is only reported.
func (t *Tracker) ApplyPriceChange(evt types.WSPriceChangeEvent, now time.Time) (gapDetected bool) {
	for _, change := range evt.PriceChanges {
		b, ok := t.get(change.AssetID)
		if !ok {
			continue
		}
		price, err := decimal.NewFromString(change.Price)
		if err != nil {
			continue
		}
		size, err := decimal.NewFromString(change.Size)
		if err != nil {
			continue
		}
		isBid := change.Side == string(types.BUY)
		before, after, ok := b.applyDelta(isBid, price, size, evt.Sequence, now)
		if !ok {
			gapDetected = true
			continue
		}
		if topChanged(before, after) {
			t.notify(change.AssetID, after)
		}
	}
	return gapDetected
}

// Invalidate marks a token's book as awaiting a re-snapshot, e.g. after a
// WebSocket disconnect (§4.2 failure semantics: all subscribed tokens
// become null-priced until re-subscribed).
func (t *Tracker) Invalidate(tokens ...string) {
	for _, tok := range tokens {
		if b, ok := t.get(tok); ok {
			b.invalidate()
		}
	}
}

// InvalidateAll marks every currently subscribed token's book as invalid.
func (t *Tracker) InvalidateAll() {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, b := range t.books {
		b.invalidate()
	}
}

func toLevels(pls []types.PriceLevel) []Level {
	out := make([]Level, 0, len(pls))
	for _, pl := range pls {
		price, err := decimal.NewFromString(pl.Price)
		if err != nil {
			continue
		}
		size, err := decimal.NewFromString(pl.Size)
		if err != nil {
			continue
		}
		out = append(out, Level{Price: price, Size: size})
	}
	return out
}
