package tradingutils

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// RoundPrice rounds a price down to the specified decimals. Prices are always
// truncated rather than rounded up so the bot never quotes above what it
// intended to pay.
func RoundPrice(price decimal.Decimal, priceDecimals int) decimal.Decimal {
	return price.RoundDown(int32(priceDecimals))
}

// RoundQuantity rounds a quantity down to the specified decimals.
func RoundQuantity(qty decimal.Decimal, qtyDecimals int) decimal.Decimal {
	return qty.RoundDown(int32(qtyDecimals))
}

// TakeProfitPrice computes entry * (1 + pct/100), truncated to the pair's
// price decimals.
func TakeProfitPrice(entry decimal.Decimal, pct float64, priceDecimals int) decimal.Decimal {
	factor := decimal.NewFromInt(1).Add(decimal.NewFromFloat(pct).Div(hundred))
	return RoundPrice(entry.Mul(factor), priceDecimals)
}

// StopLossPrice computes entry * (1 - pct/100), truncated to the pair's
// price decimals.
func StopLossPrice(entry decimal.Decimal, pct float64, priceDecimals int) decimal.Decimal {
	factor := decimal.NewFromInt(1).Sub(decimal.NewFromFloat(pct).Div(hundred))
	return RoundPrice(entry.Mul(factor), priceDecimals)
}

// PnLPercentage returns the percentage move from entry to current.
func PnLPercentage(entry, current decimal.Decimal) decimal.Decimal {
	if entry.IsZero() {
		return decimal.Zero
	}
	return current.Sub(entry).Div(entry).Mul(hundred)
}

// RealizedPnL computes exit proceeds minus entry cost for a long round trip.
func RealizedPnL(entryPrice, exitPrice, quantity decimal.Decimal) decimal.Decimal {
	return exitPrice.Sub(entryPrice).Mul(quantity)
}

// QuantityForBudget sizes a base quantity so that quantity*price stays within
// the quote budget.
func QuantityForBudget(budget, price decimal.Decimal, qtyDecimals int) decimal.Decimal {
	if price.IsZero() {
		return decimal.Zero
	}
	return RoundQuantity(budget.Div(price), qtyDecimals)
}
