package engine

import (
	"github.com/shopspring/decimal"

	"tradeengine/internal/connectors"
)

// TakeProfitQty computes the quantity for a TP limit sell: a plain
// floor-to-step of the filled quantity. No epsilon buffer is applied here
// — the epsilon buffer is reserved for sell paths where the wallet balance
// might otherwise be overshot, and a TP placed immediately after a
// successful buy has the filled quantity as an
// exact upper bound.
func TakeProfitQty(filledQty, lotStep decimal.Decimal) decimal.Decimal {
	return connectors.FloorToStep(filledQty, lotStep)
}

// SellQty computes the quantity for a market sell of an existing position
// (SL hit, manual close, external-sell cleanup). orderQty is the position's
// recorded size; walletBalance is what the exchange actually reports free
// right now, which can run slightly under orderQty due to fee dust taken
// out of the base asset on the original buy. It floors orderQty to the lot
// step, then — only if that still exceeds the real wallet balance — shaves
// off the configured epsilon and re-floors against the wallet balance
// instead. The epsilon buffer is a sell-side safety margin, not a
// TP-placement one.
func SellQty(orderQty, walletBalance, lotStep, epsilon decimal.Decimal) decimal.Decimal {
	qty := connectors.FloorToStep(orderQty, lotStep)
	if qty.GreaterThan(walletBalance) {
		qty = connectors.FloorToStep(walletBalance.Mul(decimal.NewFromInt(1).Sub(epsilon)), lotStep)
	}
	return qty
}
