package model

import "errors"

var (
	ErrUnsupportedSide         = errors.New("model: side must be LONG, SHORT is reserved and unsupported")
	ErrInvalidQuantity         = errors.New("model: quantity must be positive")
	ErrMaxEntryBelowEntry      = errors.New("model: max_entry must be >= entry_price")
	ErrTakeProfitNotAboveEntry = errors.New("model: take_profit must be > entry_price")
	ErrStopLossNotBelowEntry   = errors.New("model: stop_loss must be < entry_price")
)
