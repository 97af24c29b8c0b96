package core

import "errors"

var (
	// ErrStaleQuote indicates the broker has no usable market price right now.
	ErrStaleQuote = errors.New("stale quote")
	// ErrOrderRejected indicates the broker refused an order placement.
	ErrOrderRejected = errors.New("order rejected")
	// ErrOrderNotFound indicates the order does not exist at the broker.
	ErrOrderNotFound = errors.New("order not found")
	// ErrHistoryConflict indicates local and broker execution history disagree
	// and no resolution policy was willing to pick a side.
	ErrHistoryConflict = errors.New("trade history conflict")
	// ErrFillTimeout indicates an order was not fully filled within its deadline.
	ErrFillTimeout = errors.New("fill timeout")
)
