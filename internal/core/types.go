package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Contract identifies a tradable instrument at the broker. ConID is the
// broker-assigned contract id and is the key used for positions, orders and
// execution history.
type Contract struct {
	ConID    int64
	Symbol   string
	Exchange string
	Currency string
}

// GridLevel is one rung of the price grid: a resting-order price and the
// position size the strategy wants to trade at that price.
type GridLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// OpenOrder is a broker-reported working order. The engine never mutates it;
// it only compares it against desired levels and issues cancel/place commands.
type OpenOrder struct {
	ID    string
	ConID int64
	Side  Side
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// OrderHandle references an order the engine itself placed, for polling its
// execution state and cancelling the unfilled remainder.
type OrderHandle struct {
	ID    string
	ConID int64
}

// Fill is one execution report from the broker's authoritative list.
type Fill struct {
	ExecID string
	ConID  int64
	Side   Side
	Price  decimal.Decimal
	Qty    decimal.Decimal
	Time   time.Time
}

// RoundDown floors value to a multiple of step. A non-positive step leaves the
// value untouched.
func RoundDown(value, step decimal.Decimal) decimal.Decimal {
	if step.Cmp(decimal.Zero) <= 0 {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}
