// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — sides, actions,
// market descriptors, venue order wire formats, and WebSocket event
// payloads. Positions live in internal/market and signals in
// internal/strategy. It has no dependencies on internal packages,
// so it can be imported by any layer.
package types

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side identifies one outcome of a binary market.
type Side string

const (
	YES Side = "YES"
	NO  Side = "NO"
)

// Opposite returns the other side of a binary market.
func (s Side) Opposite() Side {
	if s == YES {
		return NO
	}
	return YES
}

// OrderSide represents the direction of a venue order: BUY or SELL.
type OrderSide string

const (
	BUY  OrderSide = "BUY"
	SELL OrderSide = "SELL"
)

// OrderType enumerates the supported order lifecycles.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC" // Good-Til-Cancelled: stays on book until filled or cancelled
)

// Action enumerates the signals the strategy evaluator can emit.
type Action string

const (
	ActionEnterYes      Action = "ENTER_YES"
	ActionEnterNo       Action = "ENTER_NO"
	ActionPlaceTPLimit  Action = "PLACE_TP_LIMIT"
	ActionExitMarket    Action = "EXIT_MARKET"
	ActionForceUnwind   Action = "FORCE_UNWIND"
	ActionNoop          Action = "NOOP"
)

// SignatureType identifies the signing scheme for the venue's settlement contract.
type SignatureType int

const (
	SigEOA        SignatureType = 0 // externally-owned account (standard wallet)
	SigProxy      SignatureType = 1 // proxy / smart wallet
	SigGnosisSafe SignatureType = 2 // Gnosis Safe multisig
)

// TickSize represents the price granularity for a market. The venue
// supports four tick sizes; each market has a fixed tick size that
// determines the minimum price increment and settlement amount rounding.
type TickSize string

const (
	Tick01    TickSize = "0.1"    // 1 decimal  — coarse markets
	Tick001   TickSize = "0.01"   // 2 decimals — standard markets (most common)
	Tick0001  TickSize = "0.001"  // 3 decimals — fine-grained markets
	Tick00001 TickSize = "0.0001" // 4 decimals — ultra-precise markets
)

// Decimals returns the number of decimal places for a tick size.
func (t TickSize) Decimals() int32 {
	switch t {
	case Tick01:
		return 1
	case Tick001:
		return 2
	case Tick0001:
		return 3
	case Tick00001:
		return 4
	default:
		return 2
	}
}

// AsDecimal returns the tick size as a decimal increment.
func (t TickSize) AsDecimal() decimal.Decimal {
	d, err := decimal.NewFromString(string(t))
	if err != nil {
		return decimal.New(1, -2)
	}
	return d
}

// ————————————————————————————————————————————————————————————————————————
// Market descriptor (§3 MarketDescriptor — supplied externally)
// ————————————————————————————————————————————————————————————————————————

// MarketDescriptor is the immutable description of one binary market,
// supplied externally (e.g. by a market discovery process out of this
// engine's scope) to Engine.AddMarket.
type MarketDescriptor struct {
	MarketID string    // unique market identifier
	Question string    // the prediction question, for display
	TokenYes string    // venue token id for the YES outcome
	TokenNo  string    // venue token id for the NO outcome
	EndTime  time.Time // absolute UTC instant the market resolves
	MinTick  TickSize  // price increment
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// UserOrder is the high-level order representation produced by the
// execution coordinator. The exchange client converts it to a SignedOrder
// for the venue API.
type UserOrder struct {
	TokenID    string          // which token to trade (YES or NO asset ID)
	Price      decimal.Decimal // limit price (0 to 1 for binary markets); ignored for market orders
	Size       decimal.Decimal // quantity in shares
	Side       OrderSide       // BUY or SELL
	OrderType  OrderType       // GTC
	TickSize   TickSize        // market's price granularity (for amount rounding)
	PostOnly   bool            // true for resting take-profit limits
	Expiration int64           // unix timestamp, 0 = no expiry
	FeeRateBps int             // fee rate in basis points
}

// SignedOrder is the on-chain order format the venue API expects.
// MakerAmount and TakerAmount are in 6-decimal settlement-token units
// (1e6 = $1).
//
// For BUY:  maker gives MakerAmount, receives TakerAmount tokens
// For SELL: maker gives MakerAmount tokens, receives TakerAmount
type SignedOrder struct {
	Salt          string        `json:"salt"`
	Maker         string        `json:"maker"`       // funder/proxy wallet address
	Signer        string        `json:"signer"`      // EOA that signs the order
	Taker         string        `json:"taker"`       // zero address = open order
	TokenID       string        `json:"tokenId"`     // venue token ID
	MakerAmount   *big.Int      `json:"makerAmount"` // what maker gives (scaled to 1e6)
	TakerAmount   *big.Int      `json:"takerAmount"` // what maker receives (scaled to 1e6)
	Side          OrderSide     `json:"side"`
	Expiration    string        `json:"expiration"`    // unix timestamp as string
	Nonce         string        `json:"nonce"`         // replay protection
	FeeRateBps    string        `json:"feeRateBps"`    // fee in basis points as string
	SignatureType SignatureType `json:"signatureType"` // 0 = EOA
	Signature     string        `json:"signature"`     // EIP-712 signature hex
}

// OrderPayload is one element of the REST API request body for POST /orders.
type OrderPayload struct {
	Order     SignedOrder `json:"order"`
	Owner     string      `json:"owner"`              // API key of the order owner
	OrderType OrderType   `json:"orderType"`           // GTC
	PostOnly  bool        `json:"postOnly,omitempty"`  // if true, rejects if it would cross
}

// OrderResponse is the REST API response for one order of POST /orders.
type OrderResponse struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg"`
	OrderID  string `json:"orderID"`
	Status   string `json:"status"` // e.g. "live", "matched"
}

// OpenOrder represents a live resting order on the venue.
type OpenOrder struct {
	ID           string `json:"id"`
	Status       string `json:"status"`        // "live", "matched", etc.
	Market       string `json:"market"`        // market id
	AssetID      string `json:"asset_id"`      // token ID
	Side         string `json:"side"`          // "BUY" or "SELL"
	OriginalSize string `json:"original_size"` // initial size
	SizeMatched  string `json:"size_matched"`  // how much has filled
	Price        string `json:"price"`         // limit price
}

// CancelResponse is returned by DELETE /orders, /cancel-market-orders and
// /cancel-all.
type CancelResponse struct {
	Canceled []string `json:"canceled"` // IDs of successfully cancelled orders
}

// ————————————————————————————————————————————————————————————————————————
// Order book wire format
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single bid or ask level as the venue transmits it.
// Price and Size are strings because the venue API returns them as
// strings to preserve decimal precision.
type PriceLevel struct {
	Price string `json:"price"` // e.g. "0.55"
	Size  string `json:"size"`  // e.g. "100.5"
}

// BookResponse is the REST response from GET /book for a single token.
type BookResponse struct {
	Market       string       `json:"market"`
	AssetID      string       `json:"asset_id"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	Hash         string       `json:"hash"`
	Timestamp    string       `json:"timestamp"`
	MinOrderSize string       `json:"min_order_size"`
	TickSize     string       `json:"tick_size"`
	Sequence     int64        `json:"sequence"`
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket events
// ————————————————————————————————————————————————————————————————————————
// These structs map 1:1 to the JSON messages sent over the venue WebSocket.
// Market channel events: "book" (full snapshot), "price_change" (delta).
// User channel events: "trade" (fill), "order" (placement/cancel lifecycle).

// WSBookEvent is a full order book snapshot from the market WS channel.
// Replaces the entire local book for the given asset.
type WSBookEvent struct {
	EventType string       `json:"event_type"` // always "book"
	AssetID   string       `json:"asset_id"`
	Market    string       `json:"market"` // market id
	Timestamp string       `json:"timestamp"`
	Sequence  int64        `json:"sequence"` // monotonic per-token sequence number
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
}

// WSPriceChange is a single price level update within a price_change event.
type WSPriceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"` // the price level that changed
	Size    string `json:"size"`  // new size at that level (0 = removed)
	Side    string `json:"side"`  // "BUY" or "SELL"
}

// WSPriceChangeEvent is an incremental order book update from the market WS.
// Contains one or more level changes applied atomically, tagged with the
// sequence number that immediately follows the prior message for this
// token; a gap means one or more deltas were missed.
type WSPriceChangeEvent struct {
	EventType    string          `json:"event_type"` // always "price_change"
	Market       string          `json:"market"`
	Timestamp    string          `json:"timestamp"`
	Sequence     int64           `json:"sequence"`
	PriceChanges []WSPriceChange `json:"price_changes"`
}

// WSTradeEvent is a fill notification from the user WS channel.
// Received when one of our orders gets matched against a taker.
type WSTradeEvent struct {
	EventType string `json:"event_type"` // always "trade"
	ID        string `json:"id"`         // trade ID
	Market    string `json:"market"`     // market id
	AssetID   string `json:"asset_id"`   // token ID that was traded
	Side      string `json:"side"`       // our side: "BUY" or "SELL"
	Size      string `json:"size"`       // filled quantity
	Price     string `json:"price"`      // fill price
	Outcome   string `json:"outcome"`    // "Yes" or "No"
	Timestamp string `json:"timestamp"`
}

// WSOrderEvent is an order lifecycle notification from the user WS channel.
// Received on order placement, update, or cancellation.
type WSOrderEvent struct {
	EventType       string   `json:"event_type"` // always "order"
	ID              string   `json:"id"`         // order ID
	Market          string   `json:"market"`     // market id
	AssetID         string   `json:"asset_id"`   // token ID
	Side            string   `json:"side"`       // "BUY" or "SELL"
	Price           string   `json:"price"`
	OriginalSize    string   `json:"original_size"`
	SizeMatched     string   `json:"size_matched"` // cumulative filled
	Outcome         string   `json:"outcome"`      // "Yes" or "No"
	Owner           string   `json:"owner"`        // API key
	Timestamp       string   `json:"timestamp"`
	Type            string   `json:"type"`             // "PLACEMENT", "UPDATE", "CANCELLATION"
	AssociateTrades []string `json:"associate_trades"` // trade IDs from partial fills
}

// WSSubscribeMsg is the initial subscription message sent when connecting
// to a WebSocket channel. For user channels, Auth must be provided.
type WSSubscribeMsg struct {
	Auth     *WSAuth  `json:"auth,omitempty"`       // required for user channel
	Type     string   `json:"type"`                 // "market" or "user"
	Markets  []string `json:"markets,omitempty"`    // market ids (user channel)
	AssetIDs []string `json:"assets_ids,omitempty"` // token IDs (market channel)
}

// WSAuth contains the L2 API credentials for authenticating the user WS channel.
type WSAuth struct {
	ApiKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// WSUpdateMsg is sent to dynamically subscribe or unsubscribe from channels
// after the initial connection is established.
type WSUpdateMsg struct {
	AssetIDs  []string `json:"assets_ids,omitempty"` // token IDs (market channel)
	Markets   []string `json:"markets,omitempty"`    // market ids (user channel)
	Operation string   `json:"operation"`            // "subscribe" or "unsubscribe"
}
