package gateway

import (
	"context"

	"github.com/shopspring/decimal"

	"ibkrbot/internal/core"
)

// Gateway is the broker connection the engine runs against. The broker owns
// positions and order state; the engine only ever observes them here and
// converges them through PlaceLimitOrder/CancelOrder. Implementations are
// called from a single control goroutine and need not be safe for concurrent
// use by the engine.
type Gateway interface {
	// MarketPrice returns the live price for the contract, or
	// core.ErrStaleQuote when no usable quote is available.
	MarketPrice(ctx context.Context, contract core.Contract) (decimal.Decimal, error)
	Position(ctx context.Context, contract core.Contract) (decimal.Decimal, error)
	OpenOrders(ctx context.Context, contract core.Contract) ([]core.OpenOrder, error)
	// PlaceLimitOrder places a GTC limit order, working outside regular
	// trading hours. Broker refusals surface as core.ErrOrderRejected.
	PlaceLimitOrder(ctx context.Context, contract core.Contract, side core.Side, qty, price decimal.Decimal) (core.OrderHandle, error)
	CancelOrder(ctx context.Context, handle core.OrderHandle) error
	OrderDone(ctx context.Context, handle core.OrderHandle) (bool, error)
	FilledQuantity(ctx context.Context, handle core.OrderHandle) (decimal.Decimal, error)
	// Fills returns the broker's authoritative execution list for this client.
	Fills(ctx context.Context, clientID int64) ([]core.Fill, error)
}
