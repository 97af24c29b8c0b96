// Package reconcile converges broker order state toward the desired grid
// levels with the minimal diff of cancel/place commands.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"ibkrbot/internal/core"
	"ibkrbot/internal/gateway"
)

type Reconciler struct {
	gw  gateway.Gateway
	log *zap.SugaredLogger
}

func New(gw gateway.Gateway, log *zap.SugaredLogger) *Reconciler {
	return &Reconciler{gw: gw, log: log}
}

// Stats reports what one reconciliation pass actually did, mostly for logging
// and tests. A steady-state pass with nothing to converge is all zeros.
type Stats struct {
	Cancelled int
	Placed    int
	Rejected  int
}

// Reconcile diffs the desired buy/sell levels against the contract's open
// orders. Stale prices are cancelled, size mismatches are cancelled without an
// inline replacement (the fresh order goes out on the next pass, so a partial
// fill between observation and action cannot double the level), and uncovered
// levels get new GTC limit orders. Running it twice with unchanged levels and
// no fills in between issues no broker calls on the second pass.
func (r *Reconciler) Reconcile(ctx context.Context, contract core.Contract, buys, sells []core.GridLevel) (Stats, error) {
	open, err := r.gw.OpenOrders(ctx, contract)
	if err != nil {
		return Stats{}, fmt.Errorf("query open orders: %w", err)
	}

	var stats Stats
	bySide := map[core.Side][]core.OpenOrder{}
	for _, ord := range open {
		bySide[ord.Side] = append(bySide[ord.Side], ord)
	}
	for _, pass := range []struct {
		side    core.Side
		desired []core.GridLevel
	}{
		{core.Buy, buys},
		{core.Sell, sells},
	} {
		if err := r.reconcileSide(ctx, contract, pass.side, pass.desired, bySide[pass.side], &stats); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func (r *Reconciler) reconcileSide(ctx context.Context, contract core.Contract, side core.Side, desired []core.GridLevel, open []core.OpenOrder, stats *Stats) error {
	wanted := make(map[string]core.GridLevel, len(desired))
	for _, lvl := range desired {
		wanted[lvl.Price.String()] = lvl
	}

	// Cancels go out before any placement at the same price level so two
	// working orders never coexist on one rung.
	seen := make(map[string]bool, len(open))
	for _, ord := range open {
		key := ord.Price.String()
		lvl, ok := wanted[key]
		switch {
		case !ok:
			if err := r.cancel(ctx, ord, "stale_level"); err != nil {
				return err
			}
			stats.Cancelled++
		case lvl.Size.Cmp(ord.Qty) != 0:
			if err := r.cancel(ctx, ord, "size_mismatch"); err != nil {
				return err
			}
			stats.Cancelled++
			// The level stays uncovered this pass on purpose; a replacement
			// placed inline could race a partial fill of the old order.
			seen[key] = true
		default:
			seen[key] = true
		}
	}

	for _, lvl := range desired {
		if seen[lvl.Price.String()] {
			continue
		}
		if lvl.Size.Cmp(decimal.Zero) <= 0 {
			continue
		}
		_, err := r.gw.PlaceLimitOrder(ctx, contract, side, lvl.Size, lvl.Price)
		if err != nil {
			if errors.Is(err, core.ErrOrderRejected) {
				// Leave the level uncovered; the next pass retries it.
				r.log.Warnw("order rejected",
					"con_id", contract.ConID,
					"side", side,
					"price", lvl.Price.String(),
					"qty", lvl.Size.String(),
					"err", err,
				)
				stats.Rejected++
				continue
			}
			return fmt.Errorf("place %s %s@%s: %w", side, lvl.Size, lvl.Price, err)
		}
		stats.Placed++
		r.log.Infow("order placed",
			"con_id", contract.ConID,
			"side", side,
			"price", lvl.Price.String(),
			"qty", lvl.Size.String(),
		)
	}
	return nil
}

func (r *Reconciler) cancel(ctx context.Context, ord core.OpenOrder, reason string) error {
	handle := core.OrderHandle{ID: ord.ID, ConID: ord.ConID}
	if err := r.gw.CancelOrder(ctx, handle); err != nil {
		if errors.Is(err, core.ErrOrderNotFound) {
			// Filled or cancelled since we listed it; the next pass observes
			// whatever remains.
			return nil
		}
		return fmt.Errorf("cancel order %s: %w", ord.ID, err)
	}
	r.log.Infow("order cancelled",
		"order_id", ord.ID,
		"reason", reason,
		"side", ord.Side,
		"price", ord.Price.String(),
		"qty", ord.Qty.String(),
	)
	return nil
}
