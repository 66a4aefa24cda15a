package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle status of an order.
type OrderStatus string

const (
	OrderStatusPending           OrderStatus = "pending"
	OrderStatusInExecution       OrderStatus = "in_execution"
	OrderStatusExecuted          OrderStatus = "executed"
	OrderStatusClosedTP          OrderStatus = "closed_tp"
	OrderStatusClosedSL          OrderStatus = "closed_sl"
	OrderStatusClosedManual      OrderStatus = "closed_manual"
	OrderStatusClosedExternally  OrderStatus = "closed_externally"
	OrderStatusCancelled         OrderStatus = "cancelled"
)

// IsTerminal reports whether the status is a write-once terminal state.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusClosedTP, OrderStatusClosedSL, OrderStatusClosedManual,
		OrderStatusClosedExternally, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// Side is the order direction. Only LONG is supported; SHORT is reserved.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short" // reserved, unsupported by the core
)

// Interval is a candlestick interval on which a trigger is evaluated.
type Interval string

const (
	IntervalMarket Interval = "market"
	IntervalM5     Interval = "m5"
	IntervalM15    Interval = "m15"
	IntervalH1     Interval = "h1"
	IntervalH4     Interval = "h4"
	IntervalDaily  Interval = "daily"
)

// DurationMillis returns the candle duration for the interval, in
// milliseconds. Market has no duration.
func (i Interval) DurationMillis() int64 {
	switch i {
	case IntervalM5:
		return 300_000
	case IntervalM15:
		return 900_000
	case IntervalH1:
		return 3_600_000
	case IntervalH4:
		return 14_400_000
	case IntervalDaily:
		return 86_400_000
	default:
		return 0
	}
}

// Order is the unit of work: a user's declarative trade plan plus its
// evolving execution state.
type Order struct {
	ID         uint64 `gorm:"primaryKey" json:"id"`
	UserID     uint64 `gorm:"index" json:"user_id"`
	ExchangeID uint64 `gorm:"index" json:"exchange_id"`
	APIKeyID   uint64 `gorm:"index" json:"api_key_id"`
	IsTestnet  bool   `json:"is_testnet"`

	Symbol string `gorm:"index" json:"symbol"`
	Side   Side   `gorm:"size:10" json:"side"`

	Quantity decimal.Decimal `gorm:"type:numeric(36,18)" json:"quantity"`

	EntryPrice    decimal.Decimal  `gorm:"type:numeric(36,18)" json:"entry_price"`
	MaxEntry      decimal.Decimal  `gorm:"type:numeric(36,18)" json:"max_entry"`
	EntryInterval Interval         `gorm:"size:10" json:"entry_interval"`
	TakeProfit    *decimal.Decimal `gorm:"type:numeric(36,18)" json:"take_profit,omitempty"`
	StopLoss      *decimal.Decimal `gorm:"type:numeric(36,18)" json:"stop_loss,omitempty"`
	StopInterval  Interval         `gorm:"size:10" json:"stop_interval"`

	Status OrderStatus `gorm:"size:30;index;not null;default:pending" json:"status"`

	ExecutedPrice *decimal.Decimal `gorm:"type:numeric(36,18)" json:"executed_price,omitempty"`
	ExecutedAt    *time.Time       `json:"executed_at,omitempty"`
	ClosedAt      *time.Time       `json:"closed_at,omitempty"`
	TPOrderID     *string          `gorm:"size:100" json:"tp_order_id,omitempty"`
	CloseReason   string           `gorm:"size:60" json:"close_reason,omitempty"`

	// FilterRetryCount counts consecutive FilterViolation responses from
	// a placement call. Reset to 0 on a successful buy; a second
	// violation in a row cancels the order instead of retrying again.
	FilterRetryCount int `gorm:"default:0" json:"filter_retry_count,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName controls the exact table name for orders.
func (Order) TableName() string {
	return "orders"
}

// NonTerminalStatuses is the set of statuses that a reconciliation or
// engine tick must still act on.
var NonTerminalStatuses = []OrderStatus{
	OrderStatusPending, OrderStatusInExecution, OrderStatusExecuted,
}

// Validate enforces the data-model invariants on a plan before it is
// ever persisted.
func (o *Order) Validate() error {
	if o.Side != SideLong {
		return ErrUnsupportedSide
	}
	if o.Quantity.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidQuantity
	}
	if o.MaxEntry.LessThan(o.EntryPrice) {
		return ErrMaxEntryBelowEntry
	}
	if o.TakeProfit != nil && !o.TakeProfit.GreaterThan(o.EntryPrice) {
		return ErrTakeProfitNotAboveEntry
	}
	if o.StopLoss != nil && !o.StopLoss.LessThan(o.EntryPrice) {
		return ErrStopLossNotBelowEntry
	}
	return nil
}

// OrderLog is an append-only audit trail entry written alongside every
// status transition.
type OrderLog struct {
	ID        uint64      `gorm:"primaryKey" json:"id"`
	OrderID   uint64      `gorm:"index" json:"order_id"`
	Status    OrderStatus `gorm:"size:30" json:"status"`
	Reason    string      `gorm:"size:200" json:"reason,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// TableName controls the exact table name for order logs.
func (OrderLog) TableName() string {
	return "order_logs"
}
