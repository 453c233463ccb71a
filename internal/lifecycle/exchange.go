// Package lifecycle implements the per-window trade state machine and its
// collaborators: atomic pair placement, fill monitoring, emergency
// liquidation and the pre-settlement optimizer.
package lifecycle

import (
	"context"

	"github.com/shopspring/decimal"

	"polymarket-hedger/pkg/types"
)

// Exchange is the capability surface the lifecycle needs from the CLOB
// client. Defined here, on the consumer side, so tests can script a
// deterministic exchange.
type Exchange interface {
	PlaceBatch(ctx context.Context, orders []types.UserOrder, negRisk bool) ([]types.PlacedOrder, error)
	GetOrder(ctx context.Context, exchangeID string) (types.OrderState, error)
	Cancel(ctx context.Context, exchangeID string) (bool, error)
	BestBid(ctx context.Context, tokenID string) (decimal.Decimal, error)
	CollateralBalance(ctx context.Context) (decimal.Decimal, error)
	TokenBalance(ctx context.Context, tokenID string) (decimal.Decimal, error)
}

// Leg is the in-memory view of one half of an atomic pair, mirroring its
// durable TradeRecord.
type Leg struct {
	RecordID   int64
	Role       types.LegRole
	Side       types.MarketSide
	TokenID    string
	Price      decimal.Decimal
	Intended   decimal.Decimal
	ExchangeID string
	Status     types.OrderStatus
	Filled     decimal.Decimal

	// Held is the position still on the book after any liquidation sales.
	// Filled tracks the buy-side fill and never decreases.
	Held decimal.Decimal
}

// Pair links the two legs by their shared pair ID.
type Pair struct {
	ID    string
	Entry *Leg
	Hedge *Leg
}

// Legs returns both legs, entry first.
func (p *Pair) Legs() []*Leg {
	return []*Leg{p.Entry, p.Hedge}
}
