// Package events defines the wire schema for the engine's observer surface
// (§6): the stable set of message kinds published over internal/eventbus.
// Field names and json tags match the published schema exactly so a
// subscriber never has to translate.
package events

import (
	"time"

	"github.com/shopspring/decimal"

	"scalpengine/pkg/types"
)

// Kind is one of the five stable wire names.
type Kind string

const (
	KindTradeExecuted   Kind = "trade_executed"
	KindSignalGenerated Kind = "signal_generated"
	KindMarketUpdate    Kind = "market_update"
	KindBotStatus       Kind = "bot_status"
	KindError           Kind = "error"
)

// Envelope wraps every payload published on the bus with its wire kind, the
// shape a subscriber switches on before unmarshalling Data into the
// concrete type for that kind.
type Envelope struct {
	Kind Kind `json:"kind"`
	Data any  `json:"data"`
}

// TradeExecuted is emitted whenever a position-affecting order fills.
type TradeExecuted struct {
	MarketID string           `json:"market_id"`
	Action   types.Action     `json:"action"`
	Side     types.Side       `json:"side"`
	Size     decimal.Decimal  `json:"size"`
	Price    decimal.Decimal  `json:"price"`
	PnL      *decimal.Decimal `json:"pnl,omitempty"`
	Reason   string           `json:"reason"`
	Ts       time.Time        `json:"ts"`
}

// SignalGenerated is emitted when the coordinator takes up a signal for
// execution, before it acts on it. Signals the engine drops (market busy or
// risk-halted) are not emitted.
type SignalGenerated struct {
	MarketID string          `json:"market_id"`
	Action   types.Action    `json:"action"`
	Side     types.Side      `json:"side"`
	Size     decimal.Decimal `json:"size"`
	Price    decimal.Decimal `json:"price"`
	Reason   string          `json:"reason"`
	DCALevel int             `json:"dca_level"`
	Ts       time.Time       `json:"ts"`
}

// MarketUpdate is emitted on top-of-book change or, while a market is
// subscribed, at least every 300ms (§6).
type MarketUpdate struct {
	MarketID        string           `json:"market_id"`
	YesPrice        *decimal.Decimal `json:"yes_price"`
	NoPrice         *decimal.Decimal `json:"no_price"`
	YesBid          *decimal.Decimal `json:"yes_bid"`
	NoBid           *decimal.Decimal `json:"no_bid"`
	TimeLeftSeconds float64          `json:"time_left"`
	PositionSummary string           `json:"position_summary"`
	SpotPrice       *decimal.Decimal `json:"spot_price,omitempty"`
	Ts              time.Time        `json:"ts"`
}

// BotStatus is the engine-wide heartbeat.
type BotStatus struct {
	Running         bool            `json:"running"`
	ActiveMarkets   int             `json:"active_markets"`
	TotalPnL        decimal.Decimal `json:"total_pnl"`
	WinRate         float64         `json:"win_rate"`
	CompletedTrades int             `json:"completed_trades"`
	Ts              time.Time       `json:"ts"`
}

// ErrorEvent reports the error taxonomy of §7. MarketID is empty for
// engine-wide errors.
type ErrorEvent struct {
	MarketID string    `json:"market_id,omitempty"`
	Kind     string    `json:"kind"`
	Detail   string    `json:"detail"`
	Ts       time.Time `json:"ts"`
}

// Wrap builds the Envelope for a concrete payload, inferring Kind from its
// Go type.
func Wrap(payload any) Envelope {
	kind := KindError
	switch payload.(type) {
	case TradeExecuted:
		kind = KindTradeExecuted
	case SignalGenerated:
		kind = KindSignalGenerated
	case MarketUpdate:
		kind = KindMarketUpdate
	case BotStatus:
		kind = KindBotStatus
	case ErrorEvent:
		kind = KindError
	}
	return Envelope{Kind: kind, Data: payload}
}
