package engine

import "errors"

var (
	// ErrWrongState means the requested operation does not apply to the
	// order's current status (e.g. cancelling an already-EXECUTED order).
	ErrWrongState = errors.New("engine: order is not in a state that allows this operation")

	// ErrBusy means a tick (or another operation) currently holds the
	// order's critical section; retry shortly.
	ErrBusy = errors.New("engine: order is busy, try again")

	// ErrOrderNotFound means no order exists with the given id.
	ErrOrderNotFound = errors.New("engine: order not found")

	// ErrSplitInvalid means the requested split legs violate the TP/SL
	// invariants relative to the position's executed price.
	ErrSplitInvalid = errors.New("engine: split parameters violate order invariants")
)
