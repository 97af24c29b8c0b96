// Package engine runs the control loop: resolve history, catch up to the
// live price, then keep the resting-order set converged on the grid, one
// tick at a time. All trading decisions happen on this single goroutine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"ibkrbot/internal/alert"
	"ibkrbot/internal/catchup"
	"ibkrbot/internal/core"
	"ibkrbot/internal/gateway"
	"ibkrbot/internal/grid"
	"ibkrbot/internal/history"
	"ibkrbot/internal/reconcile"
	"ibkrbot/internal/store"
)

// Quoter exposes the latest streamed quote. Optional; without one the loop
// asks the gateway for a snapshot each tick.
type Quoter interface {
	Last() (price decimal.Decimal, seen time.Time, ok bool)
}

// Options wires the loop's collaborators and tuning.
type Options struct {
	Mode          string
	Contract      core.Contract
	Gateway       gateway.Gateway
	Grid          *grid.Grid
	Trades        *history.Trades
	Resolver      history.ConflictResolver
	Store         *store.Store
	Feed          Quoter
	MaxQuoteAge   time.Duration
	ActiveLevels  int
	EnsureNoShort bool
	TickInterval  time.Duration
	FillTimeout   time.Duration
	PollInterval  time.Duration
	Log           *zap.SugaredLogger
	Alerts        alert.Alerter
}

// Loop owns the trading session for one contract.
type Loop struct {
	opts       Options
	reconciler *reconcile.Reconciler
	catchup    *catchup.Engine

	runID      string
	startedAt  time.Time
	lastTraded decimal.Decimal
	haveTraded bool
	catchUpRan bool
	iterations int64
	skipped    int64
	lastTickAt time.Time
}

func New(opts Options) (*Loop, error) {
	if opts.Gateway == nil || opts.Grid == nil || opts.Trades == nil || opts.Store == nil {
		return nil, errors.New("engine: gateway, grid, trades and store are required")
	}
	if opts.Log == nil {
		return nil, errors.New("engine: logger is required")
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 10 * time.Second
	}
	return &Loop{
		opts:       opts,
		reconciler: reconcile.New(opts.Gateway, opts.Log),
		catchup: &catchup.Engine{
			Gateway:       opts.Gateway,
			Grid:          opts.Grid,
			ActiveLevels:  opts.ActiveLevels,
			EnsureNoShort: opts.EnsureNoShort,
			FillTimeout:   opts.FillTimeout,
			PollInterval:  opts.PollInterval,
			Log:           opts.Log,
			Alerts:        opts.Alerts,
		},
		runID:     uuid.NewString(),
		startedAt: time.Now().UTC(),
	}, nil
}

// Run drives the session until ctx is cancelled. Startup failures return;
// per-tick failures are logged, recorded in the runtime status and retried on
// the next tick.
func (l *Loop) Run(ctx context.Context) error {
	log := l.opts.Log

	if err := l.resolveHistory(ctx); err != nil {
		l.saveStatus("history_conflict", err)
		return err
	}

	if err := l.seedLastTraded(ctx); err != nil {
		l.saveStatus("startup_failed", err)
		return err
	}

	result, err := l.catchup.Run(ctx, l.opts.Contract, l.lastTraded)
	if err != nil {
		l.saveStatus("catch_up_failed", err)
		return fmt.Errorf("catch-up: %w", err)
	}
	l.catchUpRan = result.Ran
	if result.Ran {
		log.Infow("catch-up completed",
			"direction", string(result.Direction),
			"filled", result.Filled.String(),
		)
		if err := l.absorbFills(ctx); err != nil {
			log.Warnw("recording catch-up fills failed", "err", err)
		}
	}

	l.saveStatus("running", nil)
	log.Infow("engine started",
		"run_id", l.runID,
		"symbol", l.opts.Contract.Symbol,
		"tick_interval", l.opts.TickInterval.String(),
	)

	ticker := time.NewTicker(l.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.saveStatus("stopped", nil)
			log.Infow("engine stopped", "iterations", l.iterations)
			return nil
		case <-ticker.C:
			l.iterations++
			if err := l.tick(ctx); err != nil {
				if ctx.Err() != nil {
					continue
				}
				if errors.Is(err, core.ErrStaleQuote) {
					l.skipped++
					log.Warnw("tick skipped, quote stale", "skipped_ticks", l.skipped)
					l.saveStatus("running", nil)
					continue
				}
				log.Errorw("tick failed", "err", err)
				l.saveStatus("running", err)
				continue
			}
			l.lastTickAt = time.Now().UTC()
			l.saveStatus("running", nil)
		}
	}
}

// resolveHistory reconciles the local trade file against the broker before
// any order is touched.
func (l *Loop) resolveHistory(ctx context.Context) error {
	fills, err := l.opts.Gateway.Fills(ctx, 0)
	if err != nil {
		return fmt.Errorf("broker fills: %w", err)
	}
	resolved, err := history.Resolve(l.opts.Trades.Records(), fills, l.opts.Resolver)
	if err != nil {
		return err
	}
	if err := l.opts.Trades.ReplaceAll(resolved); err != nil {
		return fmt.Errorf("persisting resolved history: %w", err)
	}
	l.opts.Log.Infow("trade history resolved", "records", len(resolved))
	return nil
}

// seedLastTraded anchors the grid. Without any history the live price is the
// anchor and catch-up has nothing to do.
func (l *Loop) seedLastTraded(ctx context.Context) error {
	if price, ok := l.opts.Trades.LastTraded(l.opts.Contract.ConID); ok {
		l.lastTraded = price
		l.haveTraded = true
		return nil
	}
	price, err := l.opts.Gateway.MarketPrice(ctx, l.opts.Contract)
	if err != nil {
		return fmt.Errorf("seeding last traded price: %w", err)
	}
	l.lastTraded = price
	l.opts.Log.Infow("no trade history, anchoring at market", "price", price.String())
	return nil
}

func (l *Loop) tick(ctx context.Context) error {
	price, err := l.currentPrice(ctx)
	if err != nil {
		return err
	}

	if err := l.absorbFills(ctx); err != nil {
		return err
	}

	position, err := l.opts.Gateway.Position(ctx, l.opts.Contract)
	if err != nil {
		return fmt.Errorf("position: %w", err)
	}

	buys, sells := l.opts.Grid.BuyAndSellLevels(l.lastTraded, l.opts.ActiveLevels, position, l.opts.EnsureNoShort)
	stats, err := l.reconciler.Reconcile(ctx, l.opts.Contract, buys, sells)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	if stats.Cancelled > 0 || stats.Placed > 0 || stats.Rejected > 0 {
		l.opts.Log.Infow("order set reconciled",
			"price", price.String(),
			"position", position.String(),
			"last_traded", l.lastTraded.String(),
			"cancelled", stats.Cancelled,
			"placed", stats.Placed,
			"rejected", stats.Rejected,
		)
	}
	return nil
}

// currentPrice prefers the streamed quote when fresh enough, otherwise falls
// back to a gateway snapshot.
func (l *Loop) currentPrice(ctx context.Context) (decimal.Decimal, error) {
	if l.opts.Feed != nil {
		price, seen, ok := l.opts.Feed.Last()
		if ok && (l.opts.MaxQuoteAge <= 0 || time.Since(seen) <= l.opts.MaxQuoteAge) {
			return price, nil
		}
	}
	price, err := l.opts.Gateway.MarketPrice(ctx, l.opts.Contract)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return price, nil
}

// absorbFills pulls the broker execution list, appends anything new to the
// history file and moves the grid anchor to the latest fill.
func (l *Loop) absorbFills(ctx context.Context) error {
	fills, err := l.opts.Gateway.Fills(ctx, 0)
	if err != nil {
		return fmt.Errorf("fills: %w", err)
	}
	added, err := l.opts.Trades.AppendFills(fills)
	if err != nil {
		return fmt.Errorf("recording fills: %w", err)
	}
	if added == 0 {
		return nil
	}
	if price, ok := l.opts.Trades.LastTraded(l.opts.Contract.ConID); ok {
		prev := l.lastTraded
		l.lastTraded = price
		l.haveTraded = true
		l.opts.Log.Infow("new fills absorbed",
			"count", added,
			"previous_anchor", prev.String(),
			"anchor", price.String(),
		)
	}
	return nil
}

func (l *Loop) saveStatus(state string, lastErr error) {
	status := store.RuntimeStatus{
		RunID:       l.runID,
		Mode:        l.opts.Mode,
		Symbol:      l.opts.Contract.Symbol,
		ConID:       l.opts.Contract.ConID,
		PID:         os.Getpid(),
		State:       state,
		StartedAt:   l.startedAt,
		UpdatedAt:   time.Now().UTC(),
		CatchUpRan:  l.catchUpRan,
		Iterations:  l.iterations,
		LastTickAt:  l.lastTickAt,
		SkippedTick: l.skipped,
	}
	if l.haveTraded || l.lastTraded.Sign() > 0 {
		status.LastTraded = l.lastTraded.String()
	}
	if lastErr != nil {
		status.LastError = lastErr.Error()
	}
	if err := l.opts.Store.SaveRuntimeStatus(status); err != nil {
		l.opts.Log.Warnw("saving runtime status failed", "err", err)
	}
}
