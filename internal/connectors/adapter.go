package connectors

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"tradeengine/model"
)

// Balance is a free/locked pair for one asset.
type Balance struct {
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// Candle is one OHLCV bar, normalized to ascending open_time ordering by
// the caller before it ever reaches the evaluator.
type Candle struct {
	OpenTime time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
}

// FillStatus is the immediate outcome of a placed order.
type FillStatus string

const (
	FillStatusFilled  FillStatus = "FILLED"
	FillStatusPartial FillStatus = "PARTIAL"
	FillStatusNew     FillStatus = "NEW"
)

// PlacedOrder is the normalized result of a place_* call.
type PlacedOrder struct {
	OrderID       string
	FilledQty     decimal.Decimal
	AvgFillPrice  decimal.Decimal
	Status        FillStatus
}

// CancelResult reports whether an order ended up cancelled. NotFound is
// folded into Cancelled=true: an order that's already gone is treated as
// a successful cancellation, not an error.
type CancelResult struct {
	Cancelled bool
}

// OpenOrder is one resting order as reported by the exchange.
type OpenOrder struct {
	OrderID string
	Side    string // "BUY" or "SELL"
	Price   decimal.Decimal
	Qty     decimal.Decimal
	Type    string
}

// AssetBalance is one line of an all_assets() response.
type AssetBalance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// Adapter is the uniform view of an exchange the engine consumes. Every
// operation is cancellable and should be bounded by a per-call timeout
// inside the implementation.
//
// Normalization rules implementations MUST honor:
//   - sides are upper-case BUY/SELL
//   - all numeric fields are decimal.Decimal, never a float on a
//     value-carrying path
//   - place_* quantities are pre-floored to lot_step, prices pre-rounded to
//     tick_size (floor for sells)
//   - a placed order's qty*price must satisfy min_notional; the Binance and
//     Bybit adapters in this package do not check this themselves, they send
//     the order and map the exchange's rejection to ErrFilterViolation
//   - candles are returned ascending by open_time; LastClosedCandle
//     returns the most recent one whose open_time+interval_ms <= now
type Adapter interface {
	SpotPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	Balance(ctx context.Context, asset string) (Balance, error)
	LastClosedCandle(ctx context.Context, symbol string, interval model.Interval, now time.Time) (Candle, error)
	PlaceMarketBuy(ctx context.Context, symbol string, qty decimal.Decimal) (PlacedOrder, error)
	PlaceMarketSell(ctx context.Context, symbol string, qty decimal.Decimal) (PlacedOrder, error)
	PlaceLimitSell(ctx context.Context, symbol string, qty, price decimal.Decimal) (PlacedOrder, error)
	CancelOrder(ctx context.Context, symbol, orderID string) (CancelResult, error)
	ListOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
	SymbolFilters(ctx context.Context, symbol string) (model.SymbolFilters, error)
	AllAssets(ctx context.Context) ([]AssetBalance, error)
	ExchangeName() string
}

// DefaultCallTimeout is the default per-call timeout for every adapter
// operation.
const DefaultCallTimeout = 10 * time.Second

// WithCallTimeout derives a bounded, cancellable context for one adapter
// call.
func WithCallTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, DefaultCallTimeout)
}
