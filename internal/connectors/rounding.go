package connectors

import "github.com/shopspring/decimal"

// FloorToStep rounds qty down to the nearest multiple of step. Used on
// every quantity that crosses into a place_* call.
func FloorToStep(qty, step decimal.Decimal) decimal.Decimal {
	if step.LessThanOrEqual(decimal.Zero) {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}

// RoundToTick rounds price down to the nearest multiple of tick. Floor
// (never ceil) avoids overshooting balance on sells; the
// same rule is applied uniformly since buys in this engine are always
// market orders (no price to round).
func RoundToTick(price, tick decimal.Decimal) decimal.Decimal {
	if tick.LessThanOrEqual(decimal.Zero) {
		return price
	}
	return price.Div(tick).Floor().Mul(tick)
}

// MeetsMinNotional reports whether qty*price clears the exchange-mandated
// minimum order value.
func MeetsMinNotional(qty, price, minNotional decimal.Decimal) bool {
	return qty.Mul(price).GreaterThanOrEqual(minNotional)
}
