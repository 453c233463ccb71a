// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — sides, order types and
// statuses, market window metadata, trade records, wire payloads, and
// WebSocket event shapes. It has no dependencies on internal packages, so it
// can be imported by any layer.
package types

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// MarketSide is the outcome a position is exposed to. NEUTRAL appears only
// in signals (no directional read), never on an order.
type MarketSide string

const (
	UP      MarketSide = "UP"
	DOWN    MarketSide = "DOWN"
	NEUTRAL MarketSide = "NEUTRAL"
)

// Opposite returns the other outcome side. NEUTRAL maps to itself.
func (s MarketSide) Opposite() MarketSide {
	switch s {
	case UP:
		return DOWN
	case DOWN:
		return UP
	default:
		return NEUTRAL
	}
}

// OrderType enumerates the supported order lifecycles.
//
// POST_ONLY orders only add liquidity (maker rebate) and are rejected by the
// CLOB if they would cross the book. GTC orders may cross and pay taker fees.
type OrderType string

const (
	OrderTypeGTC      OrderType = "GTC"
	OrderTypePostOnly OrderType = "POST_ONLY"
)

// OrderStatus is the lifecycle state of an order on the exchange.
// FILLED, CANCELED, REJECTED_CROSSING and EXPIRED are terminal.
type OrderStatus string

const (
	OrderPending         OrderStatus = "PENDING"
	OrderPendingVerify   OrderStatus = "PENDING_VERIFY" // exchange claimed a fill we have not re-queried yet
	OrderLive            OrderStatus = "LIVE"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderRejectedCross   OrderStatus = "REJECTED_CROSSING"
	OrderExpired         OrderStatus = "EXPIRED"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejectedCross, OrderExpired:
		return true
	}
	return false
}

// LegRole identifies the two halves of an atomic hedged pair.
type LegRole string

const (
	LegEntry LegRole = "ENTRY"
	LegHedge LegRole = "HEDGE"
)

// Outcome is the durable disposition of one leg's TradeRecord.
type Outcome string

const (
	OutcomeOpen             Outcome = "OPEN"
	OutcomeHedgedComplete   Outcome = "HEDGED_COMPLETE"
	OutcomeEmergencySold    Outcome = "EMERGENCY_SOLD"
	OutcomePreSettled       Outcome = "PRE_SETTLED"        // losing leg sold early by the optimizer
	OutcomePreSettledKeeper Outcome = "PRE_SETTLED_KEEPER" // winning leg held for the 1.0 payoff
	OutcomeResolvedWin      Outcome = "RESOLVED_WIN"
	OutcomeResolvedLoss     Outcome = "RESOLVED_LOSS"
	OutcomeOrphaned         Outcome = "ORPHANED"                // below min size on a losing side
	OutcomeHoldThrough      Outcome = "HOLD_THROUGH_RESOLUTION" // below min size but winning
	OutcomeCanceledUnfilled Outcome = "CANCELED_UNFILLED"
)

// Terminal reports whether the record needs no further lifecycle work.
// Keeper and hold-through outcomes still await resolution.
func (o Outcome) Terminal() bool {
	switch o {
	case OutcomeOpen, OutcomeHedgedComplete, OutcomePreSettledKeeper, OutcomeHoldThrough:
		return false
	}
	return true
}

// SignatureType identifies the signing scheme for the CTF exchange contract.
type SignatureType int

const (
	SigEOA        SignatureType = 0 // externally-owned account (standard wallet)
	SigProxy      SignatureType = 1 // Polymarket proxy / Magic wallet
	SigGnosisSafe SignatureType = 2 // Gnosis Safe multisig
)

// TickSize represents the price granularity for a market. Polymarket supports
// four tick sizes; each market has a fixed tick size that determines the
// minimum price increment and USDC amount rounding precision.
type TickSize string

const (
	Tick01    TickSize = "0.1"
	Tick001   TickSize = "0.01" // standard markets (most common)
	Tick0001  TickSize = "0.001"
	Tick00001 TickSize = "0.0001"
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

// AmountDecimals returns the rounding precision for USDC amounts.
func (t TickSize) AmountDecimals() int32 {
	return t.Decimals() + 2
}

// Decimal returns the tick as a decimal value (e.g. "0.01").
func (t TickSize) Decimal() decimal.Decimal {
	d, err := decimal.NewFromString(string(t))
	if err != nil {
		return decimal.New(1, -2)
	}
	return d
}

// ————————————————————————————————————————————————————————————————————————
// Market windows
// ————————————————————————————————————————————————————————————————————————

// Window is the internal representation of one 15-minute binary market:
// "Will <symbol> be up at <windowEnd>?". It has exactly two outcome tokens,
// UP and DOWN, each paying 1 USDC on the winning side. Populated from the
// Gamma API by the window scanner and handed to the trade lifecycle.
type Window struct {
	Symbol      string // "BTC", "ETH", ...
	ConditionID string // CTF condition ID (used for cancels + user WS subscription)
	Slug        string
	Question    string

	UpTokenID   string // CLOB token ID for the UP outcome
	DownTokenID string // CLOB token ID for the DOWN outcome

	WindowStart time.Time // windowEnd - 15m
	WindowEnd   time.Time // resolution instant

	TickSize     TickSize
	MinOrderSize decimal.Decimal // exchange-imposed minimum shares per order
	NegRisk      bool

	Closed    bool   // market has resolved
	WinnerTok string // token ID of the winning outcome, set once resolved
}

// TokenFor returns the token ID carrying exposure to the given side.
func (w *Window) TokenFor(side MarketSide) string {
	if side == DOWN {
		return w.DownTokenID
	}
	return w.UpTokenID
}

// SideFor is the inverse of TokenFor. Unknown tokens map to NEUTRAL.
func (w *Window) SideFor(tokenID string) MarketSide {
	switch tokenID {
	case w.UpTokenID:
		return UP
	case w.DownTokenID:
		return DOWN
	}
	return NEUTRAL
}

// Remaining returns the time left until resolution at the given instant.
func (w *Window) Remaining(now time.Time) time.Duration {
	return w.WindowEnd.Sub(now)
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// UserOrder is the high-level order representation produced by the pricing
// and liquidation layers. The exchange client converts it to a SignedOrder
// for the CLOB API.
type UserOrder struct {
	TokenID    string
	Price      decimal.Decimal // limit price in (0, 1), tick-aligned
	Size       decimal.Decimal // quantity in tokens
	Side       Side
	OrderType  OrderType // GTC or POST_ONLY
	TickSize   TickSize
	Expiration int64 // unix timestamp, 0 = no expiry
	FeeRateBps int
}

// OrderState is the verified view of an order returned by GetOrder.
type OrderState struct {
	ExchangeID   string
	Status       OrderStatus
	FilledSize   decimal.Decimal
	AvgFillPrice decimal.Decimal
	CreatedAt    time.Time
}

// PlacedOrder is the per-order result of a batch placement.
type PlacedOrder struct {
	ExchangeID string
	Status     OrderStatus
	Err        error // typed placement failure for this order, nil on accept
}

// FillEvent is a normalized fill notification from the user feed,
// multiplexed to lifecycles by ExchangeID.
type FillEvent struct {
	ExchangeID string
	TokenID    string
	Side       Side
	Size       decimal.Decimal
	Price      decimal.Decimal
	Timestamp  time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Trade records
// ————————————————————————————————————————————————————————————————————————

// TradeRecord is one durable row per leg of an atomic pair, linked by PairID.
// The store owns these rows; everything above references them by ID.
type TradeRecord struct {
	ID     int64
	PairID string
	Role   LegRole

	Symbol      string
	ConditionID string
	TokenID     string
	WindowStart time.Time
	WindowEnd   time.Time

	Side          MarketSide      // UP or DOWN
	EntryPrice    decimal.Decimal // intended limit price at placement
	IntendedSize  decimal.Decimal
	FilledSize    decimal.Decimal
	BetCollateral decimal.Decimal // USDC committed: entryPrice * intendedSize

	OrderID     string // exchange-assigned ID, immutable once set
	OrderStatus OrderStatus
	Outcome     Outcome
	ExitPrice   decimal.Decimal
	PnL         decimal.Decimal

	// Signal snapshot at entry, kept for audit.
	SignalConfidence float64
	SignalBias       MarketSide
	SignalPYes       float64

	CreatedAt time.Time
	SettledAt time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Wire payloads (CLOB REST)
// ————————————————————————————————————————————————————————————————————————

// SignedOrder is the on-chain order format the CLOB API expects.
// MakerAmount and TakerAmount are in 6-decimal USDC units (1e6 = $1).
//
// For BUY:  maker gives MakerAmount USDC, receives TakerAmount tokens
// For SELL: maker gives MakerAmount tokens, receives TakerAmount USDC
type SignedOrder struct {
	Salt          string        `json:"salt"`
	Maker         string        `json:"maker"`
	Signer        string        `json:"signer"`
	Taker         string        `json:"taker"`
	TokenID       string        `json:"tokenId"`
	MakerAmount   *big.Int      `json:"makerAmount"`
	TakerAmount   *big.Int      `json:"takerAmount"`
	Side          Side          `json:"side"`
	Expiration    string        `json:"expiration"`
	Nonce         string        `json:"nonce"`
	FeeRateBps    string        `json:"feeRateBps"`
	SignatureType SignatureType `json:"signatureType"`
	Signature     string        `json:"signature"`
}

// OrderPayload is the REST API request body for POST /orders (batch).
// POST_ONLY is carried as GTC plus the postOnly flag on the wire.
type OrderPayload struct {
	Order     SignedOrder `json:"order"`
	Owner     string      `json:"owner"`
	OrderType OrderType   `json:"orderType"`
	PostOnly  bool        `json:"postOnly,omitempty"`
}

// OrderResponse is the REST API response for each order in a batch POST.
type OrderResponse struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg"`
	OrderID  string `json:"orderID"`
	Status   string `json:"status"` // "live", "matched", ...
}

// OpenOrder represents a resting order on the CLOB as returned by GET /order.
type OpenOrder struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Market       string `json:"market"`
	AssetID      string `json:"asset_id"`
	Side         string `json:"side"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Price        string `json:"price"`
	CreatedAt    int64  `json:"created_at"`
}

// CancelResponse is returned by DELETE /orders and /cancel-all.
type CancelResponse struct {
	Canceled    []string          `json:"canceled"`
	NotCanceled map[string]string `json:"not_canceled"` // orderID -> reason
}

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single bid or ask level in the order book.
// Price and Size are strings because the CLOB API returns them as strings
// to preserve decimal precision.
type PriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
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
	NegRisk      bool         `json:"neg_risk"`
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket events
// ————————————————————————————————————————————————————————————————————————
// These structs map 1:1 to the JSON messages on the Polymarket WebSocket.
// Market channel: "book" (full snapshot), "price_change" (delta).
// User channel: "trade" (fill), "order" (placement/cancel lifecycle).

// WSBookEvent is a full order book snapshot from the market WS channel.
type WSBookEvent struct {
	EventType string       `json:"event_type"`
	AssetID   string       `json:"asset_id"`
	Market    string       `json:"market"`
	Timestamp string       `json:"timestamp"`
	Hash      string       `json:"hash"`
	Buys      []PriceLevel `json:"buys"`
	Sells     []PriceLevel `json:"sells"`
}

// WSPriceChange is a single price level update within a price_change event.
type WSPriceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Side    string `json:"side"`
	Hash    string `json:"hash"`
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`
}

// WSPriceChangeEvent is an incremental order book update from the market WS.
type WSPriceChangeEvent struct {
	EventType    string          `json:"event_type"`
	Market       string          `json:"market"`
	Timestamp    string          `json:"timestamp"`
	PriceChanges []WSPriceChange `json:"price_changes"`
}

// WSTradeEvent is a fill notification from the user WS channel.
type WSTradeEvent struct {
	EventType string `json:"event_type"`
	ID        string `json:"id"`
	Market    string `json:"market"`
	AssetID   string `json:"asset_id"`
	Side      string `json:"side"`
	Size      string `json:"size"`
	Price     string `json:"price"`
	Outcome   string `json:"outcome"`
	TakerOID  string `json:"taker_order_id"`
	MakerOIDs []struct {
		OrderID     string `json:"order_id"`
		MatchedSize string `json:"matched_amount"`
		Price       string `json:"price"`
	} `json:"maker_orders"`
	Timestamp string `json:"timestamp"`
}

// WSOrderEvent is an order lifecycle notification from the user WS channel.
type WSOrderEvent struct {
	EventType    string `json:"event_type"`
	ID           string `json:"id"`
	Market       string `json:"market"`
	AssetID      string `json:"asset_id"`
	Side         string `json:"side"`
	Price        string `json:"price"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Outcome      string `json:"outcome"`
	Owner        string `json:"owner"`
	Timestamp    string `json:"timestamp"`
	Type         string `json:"type"` // "PLACEMENT", "UPDATE", "CANCELLATION"
}

// WSSubscribeMsg is the initial subscription message sent when connecting
// to a WebSocket channel. For user channels, Auth must be provided.
type WSSubscribeMsg struct {
	Auth     *WSAuth  `json:"auth,omitempty"`
	Type     string   `json:"type"` // "market" or "user"
	Markets  []string `json:"markets,omitempty"`
	AssetIDs []string `json:"assets_ids,omitempty"`
}

// WSAuth contains the L2 API credentials for authenticating the user channel.
type WSAuth struct {
	ApiKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// WSUpdateMsg is sent to dynamically subscribe or unsubscribe from channels
// after the initial connection is established.
type WSUpdateMsg struct {
	AssetIDs  []string `json:"assets_ids,omitempty"`
	Markets   []string `json:"markets,omitempty"`
	Operation string   `json:"operation"` // "subscribe" or "unsubscribe"
}
