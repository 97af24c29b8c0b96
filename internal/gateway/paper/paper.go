// Package paper provides a deterministic in-memory Gateway used by the paper
// trading mode and the engine tests. Limit orders rest until a published price
// crosses them, fill in full at their limit price, and produce execution
// reports the way a live broker would.
package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"ibkrbot/internal/core"
)

type orderState struct {
	order  core.OpenOrder
	done   bool
	filled decimal.Decimal
}

type Gateway struct {
	mu        sync.Mutex
	price     decimal.Decimal
	hasPrice  bool
	positions map[int64]decimal.Decimal
	orders    map[string]*orderState
	fills     []core.Fill
	orderSeq  int
	execSeq   int
	clock     func() time.Time
}

func New() *Gateway {
	return &Gateway{
		positions: make(map[int64]decimal.Decimal),
		orders:    make(map[string]*orderState),
		clock:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source, for tests.
func (g *Gateway) SetClock(clock func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clock = clock
}

// SetPosition seeds inventory for a contract.
func (g *Gateway) SetPosition(conID int64, qty decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.positions[conID] = qty
}

// SetPrice publishes a new market price and fills every resting order it
// crosses: buys at or above the price, sells at or below it. Orders fill in
// full at their own limit price.
func (g *Gateway) SetPrice(price decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.price = price
	g.hasPrice = price.Cmp(decimal.Zero) > 0
	if !g.hasPrice {
		return
	}
	for _, st := range g.orders {
		if st.done {
			continue
		}
		crossed := (st.order.Side == core.Buy && st.order.Price.Cmp(price) >= 0) ||
			(st.order.Side == core.Sell && st.order.Price.Cmp(price) <= 0)
		if !crossed {
			continue
		}
		g.fillLocked(st, st.order.Qty)
	}
}

func (g *Gateway) fillLocked(st *orderState, qty decimal.Decimal) {
	st.filled = st.filled.Add(qty)
	st.done = st.filled.Cmp(st.order.Qty) >= 0
	g.execSeq++
	fill := core.Fill{
		ExecID: fmt.Sprintf("exec-%d", g.execSeq),
		ConID:  st.order.ConID,
		Side:   st.order.Side,
		Price:  st.order.Price,
		Qty:    qty,
		Time:   g.clock(),
	}
	g.fills = append(g.fills, fill)
	pos := g.positions[st.order.ConID]
	if st.order.Side == core.Buy {
		pos = pos.Add(qty)
	} else {
		pos = pos.Sub(qty)
	}
	g.positions[st.order.ConID] = pos
}

func (g *Gateway) MarketPrice(ctx context.Context, contract core.Contract) (decimal.Decimal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.hasPrice {
		return decimal.Zero, core.ErrStaleQuote
	}
	return g.price, nil
}

func (g *Gateway) Position(ctx context.Context, contract core.Contract) (decimal.Decimal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.positions[contract.ConID], nil
}

func (g *Gateway) OpenOrders(ctx context.Context, contract core.Contract) ([]core.OpenOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	open := make([]core.OpenOrder, 0)
	for _, st := range g.orders {
		if st.done || st.order.ConID != contract.ConID {
			continue
		}
		open = append(open, st.order)
	}
	return open, nil
}

func (g *Gateway) PlaceLimitOrder(ctx context.Context, contract core.Contract, side core.Side, qty, price decimal.Decimal) (core.OrderHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if qty.Cmp(decimal.Zero) <= 0 || price.Cmp(decimal.Zero) <= 0 {
		return core.OrderHandle{}, fmt.Errorf("%w: qty=%s price=%s", core.ErrOrderRejected, qty, price)
	}
	g.orderSeq++
	st := &orderState{
		order: core.OpenOrder{
			ID:    fmt.Sprintf("paper-%d", g.orderSeq),
			ConID: contract.ConID,
			Side:  side,
			Price: price,
			Qty:   qty,
		},
	}
	g.orders[st.order.ID] = st
	// Marketable orders fill immediately against the current price.
	if g.hasPrice {
		crossed := (side == core.Buy && price.Cmp(g.price) >= 0) ||
			(side == core.Sell && price.Cmp(g.price) <= 0)
		if crossed {
			g.fillLocked(st, qty)
		}
	}
	return core.OrderHandle{ID: st.order.ID, ConID: contract.ConID}, nil
}

func (g *Gateway) CancelOrder(ctx context.Context, handle core.OrderHandle) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.orders[handle.ID]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrOrderNotFound, handle.ID)
	}
	st.done = true
	return nil
}

// CancelOrderID cancels by broker order id, for callers holding an OpenOrder
// rather than a handle.
func (g *Gateway) CancelOrderID(id string) error {
	return g.CancelOrder(context.Background(), core.OrderHandle{ID: id})
}

func (g *Gateway) OrderDone(ctx context.Context, handle core.OrderHandle) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.orders[handle.ID]
	if !ok {
		return false, fmt.Errorf("%w: %s", core.ErrOrderNotFound, handle.ID)
	}
	return st.done, nil
}

func (g *Gateway) FilledQuantity(ctx context.Context, handle core.OrderHandle) (decimal.Decimal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.orders[handle.ID]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", core.ErrOrderNotFound, handle.ID)
	}
	return st.filled, nil
}

func (g *Gateway) Fills(ctx context.Context, clientID int64) ([]core.Fill, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]core.Fill, len(g.fills))
	copy(out, g.fills)
	return out, nil
}
