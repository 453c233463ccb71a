// Package pricing turns a directional signal plus the current touch into a
// concrete two-leg order plan, or a typed rejection. It also owns the
// per-symbol POST_ONLY failure counter that governs the GTC fallback.
package pricing

import (
	"errors"

	"github.com/shopspring/decimal"

	"polymarket-hedger/internal/config"
	"polymarket-hedger/pkg/types"
)

// Rejection kinds. None of these are retried; the window is skipped.
var (
	// ErrNoMarket means the entry side has no resting bid (or no bias).
	ErrNoMarket = errors.New("no market on entry side")
	// ErrNotProfitable means the two maker prices cannot fit under the
	// combined cap even after rounding down.
	ErrNotProfitable = errors.New("combined price exceeds cap")
	// ErrBelowMin means the sized bet lands under the exchange minimum.
	ErrBelowMin = errors.New("size below exchange minimum")
)

// sharePrecision is the exchange's share quantity granularity.
const sharePrecision = 2

// Inputs is everything the policy needs for one plan. Quotes of zero mean
// the side is unquoted.
type Inputs struct {
	Bias             types.MarketSide
	Confidence       float64
	AvailableBalance decimal.Decimal
	BestBidUp        decimal.Decimal
	BestBidDown      decimal.Decimal
	TickSize         types.TickSize
	MinOrderSize     decimal.Decimal
}

// Plan is an accepted two-leg maker plan. Both legs are BUYs of the same
// share count on opposite tokens; EntryPrice + HedgePrice <= combinedCap.
type Plan struct {
	EntrySide  types.MarketSide
	HedgeSide  types.MarketSide
	EntryPrice decimal.Decimal
	HedgePrice decimal.Decimal
	Size       decimal.Decimal // shares, same for both legs

	// PairCollateral is the USDC committed if both legs fill:
	// (EntryPrice + HedgePrice) * Size.
	PairCollateral decimal.Decimal
}

// Policy computes hedged-pair plans from config and live quotes.
type Policy struct {
	trading config.TradingConfig
	sizing  config.SizingConfig
}

// NewPolicy builds a policy from the trading and sizing sections.
func NewPolicy(cfg config.Config) *Policy {
	return &Policy{trading: cfg.Trading, sizing: cfg.Sizing}
}

// BuildPlan prices the pair and sizes it, or rejects with one of the typed
// errors above.
//
// Pricing: the entry joins the bid on the signal side; the hedge joins the
// bid on the opposite side, clamped so the combined price stays under the
// cap. All rounding is downward, which can only push the combined price
// further below the cap.
//
// Sizing: baseBet = balance * betPercent, scaled up with confidence, then
// converted to shares at the entry price and bounded by the max-size policy
// and by what the balance can actually fund for both legs.
func (p *Policy) BuildPlan(in Inputs) (*Plan, error) {
	if in.Bias != types.UP && in.Bias != types.DOWN {
		return nil, ErrNoMarket
	}

	entryBid, hedgeBid := in.BestBidUp, in.BestBidDown
	if in.Bias == types.DOWN {
		entryBid, hedgeBid = in.BestBidDown, in.BestBidUp
	}
	if entryBid.IsZero() || hedgeBid.IsZero() {
		return nil, ErrNoMarket
	}

	tickDecimals := in.TickSize.Decimals()
	tick := in.TickSize.Decimal()
	entryPrice := entryBid

	hedgePrice := decimal.Min(hedgeBid, p.trading.CombinedCap.Sub(entryPrice)).
		RoundDown(tickDecimals)
	if hedgePrice.LessThan(tick) {
		return nil, ErrNotProfitable
	}
	if entryPrice.Add(hedgePrice).GreaterThan(p.trading.CombinedCap) {
		return nil, ErrNotProfitable
	}

	size := p.sizeShares(in, entryPrice, hedgePrice)
	minSize := in.MinOrderSize
	if minSize.IsZero() {
		minSize = p.trading.MinOrderSize
	}
	if size.LessThan(minSize) {
		return nil, ErrBelowMin
	}

	return &Plan{
		EntrySide:      in.Bias,
		HedgeSide:      in.Bias.Opposite(),
		EntryPrice:     entryPrice,
		HedgePrice:     hedgePrice,
		Size:           size,
		PairCollateral: entryPrice.Add(hedgePrice).Mul(size),
	}, nil
}

func (p *Policy) sizeShares(in Inputs, entryPrice, hedgePrice decimal.Decimal) decimal.Decimal {
	baseBet := in.AvailableBalance.Mul(decimal.NewFromFloat(p.sizing.BetPercent))
	scale := decimal.NewFromFloat(1 + in.Confidence*p.sizing.ScalingFactor)
	shares := baseBet.Mul(scale).Div(entryPrice)

	switch p.sizing.MaxSizeMode {
	case config.SizeMaximize:
		shares = decimal.Max(shares, p.sizing.MaxSize)
	default:
		shares = decimal.Min(shares, p.sizing.MaxSize)
	}

	// Both legs draw on the same balance; never plan more than it can fund.
	pairPrice := entryPrice.Add(hedgePrice)
	if pairPrice.IsPositive() {
		affordable := in.AvailableBalance.Div(pairPrice)
		shares = decimal.Min(shares, affordable)
	}

	return shares.RoundDown(sharePrecision)
}

// RoundSellPrice aligns a liquidation price to the tick grid, rounding down
// and flooring at the tick itself (the exchange rejects price <= 0).
func RoundSellPrice(price decimal.Decimal, tick types.TickSize) decimal.Decimal {
	rounded := price.RoundDown(tick.Decimals())
	if rounded.LessThan(tick.Decimal()) {
		return tick.Decimal()
	}
	return rounded
}
