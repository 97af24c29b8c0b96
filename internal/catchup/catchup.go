// Package catchup moves the account to where a continuously running grid bot
// would have left it, after downtime or a price gap across multiple levels.
package catchup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"ibkrbot/internal/alert"
	"ibkrbot/internal/core"
	"ibkrbot/internal/gateway"
	"ibkrbot/internal/grid"
)

const defaultPollInterval = time.Second

type Engine struct {
	Gateway       gateway.Gateway
	Grid          *grid.Grid
	ActiveLevels  int
	EnsureNoShort bool
	FillTimeout   time.Duration
	PollInterval  time.Duration
	Log           *zap.SugaredLogger
	Alerts        alert.Alerter
}

// Result summarizes a completed catch-up run.
type Result struct {
	Ran       bool
	Direction core.Side
	Filled    decimal.Decimal
}

// Run evaluates whether live price has escaped the bracket a running bot would
// keep around lastTraded and, if so, executes a sequence of marketable limit
// orders walking the skipped levels back toward the last traded price.
// Failures here abort immediately: unlike steady-state reconciliation there is
// no next tick to self-heal a half-executed catch-up, so the operator is
// alerted instead.
func (e *Engine) Run(ctx context.Context, contract core.Contract, lastTraded decimal.Decimal) (Result, error) {
	current, err := e.Gateway.MarketPrice(ctx, contract)
	if err != nil {
		return Result{}, fmt.Errorf("catch-up market price: %w", err)
	}

	low, high := e.bracket(lastTraded)
	if current.Cmp(low) >= 0 && current.Cmp(high) <= 0 {
		e.Log.Infow("catch-up not needed",
			"last_traded", lastTraded.String(),
			"current", current.String(),
			"bracket_low", low.String(),
			"bracket_high", high.String(),
		)
		return Result{}, nil
	}

	direction := core.Buy
	if current.Cmp(lastTraded) > 0 {
		direction = core.Sell
	}
	tradeGrid := TradeGrid(e.Grid, lastTraded, current, direction)
	if len(tradeGrid) == 0 {
		return Result{}, nil
	}

	// Clean slate: every working order is retired before catch-up trades, so
	// a resting grid order cannot double-fill against the catch-up sequence.
	if err := e.cancelAll(ctx, contract); err != nil {
		return Result{}, err
	}

	total := decimal.Zero
	for _, lvl := range tradeGrid {
		total = total.Add(lvl.Size)
	}
	position, err := e.Gateway.Position(ctx, contract)
	if err != nil {
		return Result{}, fmt.Errorf("catch-up position: %w", err)
	}
	total = DetermineMaxSize(total, position, direction, e.EnsureNoShort)
	if total.Cmp(decimal.Zero) <= 0 {
		e.Log.Infow("catch-up size exhausted before trading",
			"direction", direction,
			"position", position.String(),
		)
		return Result{}, nil
	}

	e.Log.Infow("catch-up starting",
		"direction", direction,
		"levels", len(tradeGrid),
		"total_size", total.String(),
		"last_traded", lastTraded.String(),
		"current", current.String(),
	)
	filled, err := e.execute(ctx, contract, direction, tradeGrid, total)
	if err != nil {
		e.alert("catchup_aborted", map[string]string{
			"con_id":    fmt.Sprintf("%d", contract.ConID),
			"direction": string(direction),
			"filled":    filled.String(),
			"err":       err.Error(),
		})
		return Result{Ran: true, Direction: direction, Filled: filled}, err
	}
	return Result{Ran: true, Direction: direction, Filled: filled}, nil
}

// execute walks the trade grid nearest-to-market first. Each order is placed
// for the full remaining size; a full fill ends the run, a timeout cancels the
// remainder, reduces the running size and moves one level toward the last
// traded price, which is one step more aggressive for the trade direction.
func (e *Engine) execute(ctx context.Context, contract core.Contract, direction core.Side, tradeGrid []core.GridLevel, total decimal.Decimal) (decimal.Decimal, error) {
	size := total
	filledTotal := decimal.Zero
	for i, lvl := range tradeGrid {
		if size.Cmp(decimal.Zero) <= 0 {
			break
		}
		handle, err := e.Gateway.PlaceLimitOrder(ctx, contract, direction, size, lvl.Price)
		if err != nil {
			return filledTotal, fmt.Errorf("catch-up place %s %s@%s: %w", direction, size, lvl.Price, err)
		}
		filled, full, err := e.awaitFill(ctx, handle, size)
		filledTotal = filledTotal.Add(filled)
		if err != nil && !errors.Is(err, core.ErrFillTimeout) {
			return filledTotal, err
		}
		if full {
			if i < len(tradeGrid)-1 {
				// The single marketable fill is taken to have caught the
				// position fully up; intermediate rungs stay untraded.
				e.Log.Warnw("catch-up stopped after full fill with levels remaining",
					"filled", filled.String(),
					"levels_skipped", len(tradeGrid)-1-i,
				)
				e.alert("catchup_levels_skipped", map[string]string{
					"con_id":         fmt.Sprintf("%d", contract.ConID),
					"levels_skipped": fmt.Sprintf("%d", len(tradeGrid)-1-i),
					"filled":         filled.String(),
				})
			}
			return filledTotal, nil
		}
		size = size.Sub(filled).Sub(lvl.Size)
		e.Log.Infow("catch-up level timed out",
			"price", lvl.Price.String(),
			"filled", filled.String(),
			"remaining_size", size.String(),
		)
	}
	return filledTotal, nil
}

// awaitFill polls the order until it is done or the timeout expires. On expiry
// the unfilled remainder is cancelled by us (the order is GTC and will not
// retire itself) and the partial fill comes back with core.ErrFillTimeout.
func (e *Engine) awaitFill(ctx context.Context, handle core.OrderHandle, qty decimal.Decimal) (decimal.Decimal, bool, error) {
	poll := e.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	deadline := time.NewTimer(e.FillTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		done, err := e.Gateway.OrderDone(ctx, handle)
		if err != nil {
			return decimal.Zero, false, fmt.Errorf("catch-up poll order %s: %w", handle.ID, err)
		}
		filled, err := e.Gateway.FilledQuantity(ctx, handle)
		if err != nil {
			return decimal.Zero, false, fmt.Errorf("catch-up filled qty %s: %w", handle.ID, err)
		}
		if filled.Cmp(qty) >= 0 {
			return filled, true, nil
		}
		if done {
			// Retired at the broker with only a partial fill; treat like a
			// timeout and move on with the reduced size.
			return filled, false, nil
		}
		select {
		case <-deadline.C:
			if cancelErr := e.Gateway.CancelOrder(ctx, handle); cancelErr != nil && !errors.Is(cancelErr, core.ErrOrderNotFound) {
				return filled, false, fmt.Errorf("catch-up cancel remainder %s: %w", handle.ID, cancelErr)
			}
			filled, err = e.Gateway.FilledQuantity(ctx, handle)
			if err != nil {
				return decimal.Zero, false, fmt.Errorf("catch-up filled qty %s: %w", handle.ID, err)
			}
			if filled.Cmp(qty) >= 0 {
				return filled, true, nil
			}
			return filled, false, core.ErrFillTimeout
		case <-ticker.C:
		case <-ctx.Done():
			return filled, false, ctx.Err()
		}
	}
}

func (e *Engine) cancelAll(ctx context.Context, contract core.Contract) error {
	open, err := e.Gateway.OpenOrders(ctx, contract)
	if err != nil {
		return fmt.Errorf("catch-up list open orders: %w", err)
	}
	for _, ord := range open {
		handle := core.OrderHandle{ID: ord.ID, ConID: ord.ConID}
		if err := e.Gateway.CancelOrder(ctx, handle); err != nil && !errors.Is(err, core.ErrOrderNotFound) {
			return fmt.Errorf("catch-up cancel %s: %w", ord.ID, err)
		}
	}
	if len(open) > 0 {
		e.Log.Infow("catch-up cancelled working orders", "count", len(open))
	}
	return nil
}

// bracket returns the price window a properly running bot would keep orders
// inside: ActiveLevels grid rungs on either side of the level nearest to
// lastTraded.
func (e *Engine) bracket(lastTraded decimal.Decimal) (low, high decimal.Decimal) {
	levels := e.Grid.Levels()
	nearest := e.Grid.LocateLevel(lastTraded)
	lowIdx := nearest - e.ActiveLevels
	if lowIdx < 0 {
		lowIdx = 0
	}
	highIdx := nearest + e.ActiveLevels
	if highIdx > len(levels)-1 {
		highIdx = len(levels) - 1
	}
	return levels[lowIdx].Price, levels[highIdx].Price
}

// TradeGrid selects the grid levels strictly between lastTraded and current
// price, ordered nearest to the current price first so the walk moves back
// toward the last traded price. Sizes are the steady-state grid sizes.
func TradeGrid(g *grid.Grid, lastTraded, current decimal.Decimal, direction core.Side) []core.GridLevel {
	low, high := lastTraded, current
	if low.Cmp(high) > 0 {
		low, high = high, low
	}
	between := make([]core.GridLevel, 0)
	for _, lvl := range g.Levels() {
		if lvl.Price.Cmp(low) > 0 && lvl.Price.Cmp(high) < 0 {
			between = append(between, lvl)
		}
	}
	if direction == core.Sell {
		// Price rose: nearest to current is the highest level, then walk down.
		for i, j := 0, len(between)-1; i < j; i, j = i+1, j-1 {
			between[i], between[j] = between[j], between[i]
		}
	}
	return between
}

// DetermineMaxSize caps the catch-up total. With ensureNoShort set a SELL
// sequence can never unload more than the position currently held.
func DetermineMaxSize(total, position decimal.Decimal, direction core.Side, ensureNoShort bool) decimal.Decimal {
	if !ensureNoShort || direction != core.Sell {
		return total
	}
	if position.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero
	}
	if total.Cmp(position) > 0 {
		return position
	}
	return total
}

func (e *Engine) alert(event string, fields map[string]string) {
	if e.Alerts == nil {
		return
	}
	e.Alerts.Important(event, fields)
}
