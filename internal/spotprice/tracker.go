// Package spotprice maintains a short trailing history of an external
// BTC/USD reference price, fed by two independent public WebSocket feeds.
// It is advisory: no Strategy Evaluator rule reads a spot price; the engine
// only attaches the current price to MarketUpdate events for observability.
package spotprice

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	retention        = 10 * time.Minute
	staleAfter       = 10 * time.Second
	freshAfter       = 5 * time.Second
	maxReconnectWait = 60 * time.Second
	readTimeout      = 30 * time.Second
)

// sample is one (timestamp, price) point in the ring buffer.
type sample struct {
	at    time.Time
	price decimal.Decimal
}

// FeedConfig describes one public spot-price WebSocket feed. Parse extracts
// a price from a raw server message; feeds differ in wire format, so each
// caller supplies its own.
type FeedConfig struct {
	URL   string
	Parse func(raw []byte) (decimal.Decimal, error)
}

// feedState is the Tracker's live view of one feed.
type feedState struct {
	mu        sync.RWMutex
	lastPrice decimal.Decimal
	lastAt    time.Time
	connected bool
}

func (f *feedState) update(price decimal.Decimal, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastPrice = price
	f.lastAt = at
	f.connected = true
}

func (f *feedState) snapshot() (decimal.Decimal, time.Time, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastPrice, f.lastAt, f.connected
}

func (f *feedState) markDisconnected() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

// Tracker runs two feed connections and maintains a shared, lock-guarded
// ring buffer of recent prices (§4.1).
type Tracker struct {
	configs []FeedConfig
	feeds   []*feedState

	bufMu  sync.Mutex
	buffer []sample

	logger *slog.Logger
}

// NewTracker constructs a Tracker over the given feeds. It does not check
// their count; cmd/engine passes exactly two.
func NewTracker(configs []FeedConfig, logger *slog.Logger) *Tracker {
	t := &Tracker{
		configs: configs,
		feeds:   make([]*feedState, len(configs)),
		buffer:  make([]sample, 0, 600),
		logger:  logger.With("component", "spotprice"),
	}
	for i := range configs {
		t.feeds[i] = &feedState{}
	}
	return t
}

// Start opens streaming connections to every configured feed and blocks
// until ctx is cancelled. Each feed reconnects independently; an outage on
// one never affects the other.
func (t *Tracker) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for i, cfg := range t.configs {
		wg.Add(1)
		go func(idx int, cfg FeedConfig) {
			defer wg.Done()
			t.runFeed(ctx, idx, cfg)
		}(i, cfg)
	}
	wg.Wait()
}

func (t *Tracker) runFeed(ctx context.Context, idx int, cfg FeedConfig) {
	backoff := time.Second
	for {
		err := t.connectAndRead(ctx, idx, cfg)
		t.feeds[idx].markDisconnected()
		if ctx.Err() != nil {
			return
		}

		t.logger.Warn("spot feed disconnected, reconnecting",
			"feed", cfg.URL, "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (t *Tracker) connectAndRead(ctx context.Context, idx int, cfg FeedConfig) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	t.logger.Info("spot feed connected", "feed", cfg.URL)

	watchdogCtx, cancelWatchdog := context.WithCancel(ctx)
	defer cancelWatchdog()
	go t.watchdog(watchdogCtx, idx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		price, err := cfg.Parse(raw)
		if err != nil {
			t.logger.Debug("ignoring unparsable spot message", "feed", cfg.URL, "error", err)
			continue
		}
		now := time.Now()
		t.feeds[idx].update(price, now)
		t.push(price, now)
	}
}

// watchdog marks a feed disconnected (stale) if no message arrives within
// staleAfter, even though the TCP connection itself hasn't dropped.
func (t *Tracker) watchdog(ctx context.Context, idx int) {
	ticker := time.NewTicker(staleAfter / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, lastAt, connected := t.feeds[idx].snapshot()
			if connected && time.Since(lastAt) > staleAfter {
				t.feeds[idx].markDisconnected()
			}
		}
	}
}

func (t *Tracker) push(price decimal.Decimal, at time.Time) {
	t.bufMu.Lock()
	defer t.bufMu.Unlock()
	t.buffer = append(t.buffer, sample{at: at, price: price})
	t.evictStaleLocked()
}

// evictStaleLocked drops samples older than the retention window. Mirrors
// the cutoff-trim shape used elsewhere in this codebase for rolling
// windows, generalized from a fill count to a price history. Must be
// called with bufMu held.
func (t *Tracker) evictStaleLocked() {
	if len(t.buffer) == 0 {
		return
	}
	cutoff := time.Now().Add(-retention)
	validIdx := -1
	for i, s := range t.buffer {
		if s.at.After(cutoff) {
			validIdx = i
			break
		}
	}
	if validIdx == -1 {
		t.buffer = t.buffer[:0]
		return
	}
	if validIdx > 0 {
		t.buffer = t.buffer[validIdx:]
	}
}

// GetCurrentPrice returns the average of the most recent price from each
// live feed. If only one feed has a fresh quote (< 5s old), returns that
// one alone. Returns nil if neither feed is fresh.
func (t *Tracker) GetCurrentPrice() *decimal.Decimal {
	now := time.Now()
	var sum decimal.Decimal
	var n int
	for _, f := range t.feeds {
		price, lastAt, connected := f.snapshot()
		if connected && now.Sub(lastAt) < freshAfter {
			sum = sum.Add(price)
			n++
		}
	}
	if n == 0 {
		return nil
	}
	avg := sum.Div(decimal.NewFromInt(int64(n)))
	return &avg
}

// GetPriceChangeSince returns (current - historical) / historical, where
// historical is linearly interpolated from the ring buffer at now-secondsAgo.
// Returns nil if there isn't enough history to interpolate or no current
// price is available.
func (t *Tracker) GetPriceChangeSince(secondsAgo time.Duration) *decimal.Decimal {
	current := t.GetCurrentPrice()
	if current == nil {
		return nil
	}

	target := time.Now().Add(-secondsAgo)

	t.bufMu.Lock()
	buf := append([]sample(nil), t.buffer...)
	t.bufMu.Unlock()

	historical, ok := interpolate(buf, target)
	if !ok || historical.IsZero() {
		return nil
	}

	change := current.Sub(historical).Div(historical)
	return &change
}

// interpolate returns the linearly-interpolated price at target, given a
// buffer sorted ascending by time. Returns ok=false if target falls outside
// the buffer's covered range.
func interpolate(buf []sample, target time.Time) (decimal.Decimal, bool) {
	if len(buf) == 0 {
		return decimal.Zero, false
	}
	if target.Before(buf[0].at) || target.After(buf[len(buf)-1].at) {
		return decimal.Zero, false
	}

	for i := 1; i < len(buf); i++ {
		if buf[i].at.Before(target) {
			continue
		}
		lo, hi := buf[i-1], buf[i]
		if hi.at.Equal(lo.at) {
			return lo.price, true
		}
		span := hi.at.Sub(lo.at).Seconds()
		frac := target.Sub(lo.at).Seconds() / span
		delta := hi.price.Sub(lo.price).Mul(decimal.NewFromFloat(frac))
		return lo.price.Add(delta), true
	}
	return buf[len(buf)-1].price, true
}

// ParseSimplePrice decodes a {"price": "..."} style message, the common
// shape for the public spot feeds this tracker is configured against.
func ParseSimplePrice(raw []byte) (decimal.Decimal, error) {
	var msg struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(msg.Price)
}
