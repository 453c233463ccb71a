package exchange

import (
	"math/big"

	"github.com/shopspring/decimal"

	"polymarket-hedger/pkg/types"
)

// priceToAmounts converts a limit price and share size to makerAmount and
// takerAmount as big.Int values scaled to 6 decimals (USDC).
//
// For BUY:  maker gives makerAmount USDC, receives takerAmount tokens.
// For SELL: maker gives makerAmount tokens, receives takerAmount USDC.
//
// Sizes truncate to 2 decimals; USDC amounts truncate to the market's amount
// precision. Truncation (never rounding up) keeps the committed collateral at
// or below the priced cost.
func priceToAmounts(price, size decimal.Decimal, side types.Side, tickSize types.TickSize) (makerAmt, takerAmt *big.Int) {
	sizeTrunc := size.Truncate(2)
	usdc := sizeTrunc.Mul(price).Truncate(tickSize.AmountDecimals())

	shares := sizeTrunc.Shift(6).BigInt()
	collateral := usdc.Shift(6).BigInt()

	switch side {
	case types.SELL:
		return shares, collateral
	default: // BUY
		return collateral, shares
	}
}
