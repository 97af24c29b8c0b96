package catchup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ibkrbot/internal/core"
	"ibkrbot/internal/gateway"
	"ibkrbot/internal/gateway/paper"
	"ibkrbot/internal/grid"
	"ibkrbot/internal/logger"
)

var testContract = core.Contract{ConID: 202, Symbol: "XYZ", Exchange: "SMART", Currency: "USD"}

func d(s string) decimal.Decimal {
	dec, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return dec
}

func buildGrid(t *testing.T, minPrice, maxPrice, step string) *grid.Grid {
	t.Helper()
	g, err := grid.Build(grid.Params{
		MinPrice:            d(minPrice),
		MaxPrice:            d(maxPrice),
		StepSize:            d(step),
		MinPercentStep:      d("0"),
		StartValue:          d("800"),
		AddValuePerLevel:    d("0"),
		PositionStep:        d("1"),
		MinPositionPerLevel: d("1"),
	})
	require.NoError(t, err)
	return g
}

type alertSpy struct {
	mu     sync.Mutex
	events []string
	fields []map[string]string
}

func (a *alertSpy) Important(event string, fields map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	a.fields = append(a.fields, fields)
}

func (a *alertSpy) has(event string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.events {
		if e == event {
			return true
		}
	}
	return false
}

func newEngine(gw gateway.Gateway, g *grid.Grid, alerts *alertSpy) *Engine {
	e := &Engine{
		Gateway:       gw,
		Grid:          g,
		ActiveLevels:  1,
		EnsureNoShort: true,
		FillTimeout:   50 * time.Millisecond,
		PollInterval:  5 * time.Millisecond,
		Log:           logger.Nop(),
	}
	if alerts != nil {
		e.Alerts = alerts
	}
	return e
}

func TestDetermineMaxSize(t *testing.T) {
	// A SELL sequence can never unload more than the held position.
	got := DetermineMaxSize(d("100"), d("5"), core.Sell, true)
	assert.True(t, got.LessThanOrEqual(d("5")), "got %s", got)

	got = DetermineMaxSize(d("3"), d("5"), core.Sell, true)
	assert.True(t, got.Equal(d("3")))

	got = DetermineMaxSize(d("100"), d("0"), core.Sell, true)
	assert.True(t, got.Equal(decimal.Zero))

	got = DetermineMaxSize(d("100"), d("5"), core.Buy, true)
	assert.True(t, got.Equal(d("100")), "buys are never clamped by inventory")

	got = DetermineMaxSize(d("100"), d("5"), core.Sell, false)
	assert.True(t, got.Equal(d("100")), "clamp only applies with ensureNoShort")
}

func TestTradeGridBuyDirection(t *testing.T) {
	g := buildGrid(t, "80", "100", "10")

	levels := TradeGrid(g, d("100"), d("80"), core.Buy)
	require.Len(t, levels, 1, "endpoints are excluded")
	assert.True(t, levels[0].Price.Equal(d("90")))
}

func TestTradeGridSellOrdering(t *testing.T) {
	g := buildGrid(t, "60", "100", "10")

	levels := TradeGrid(g, d("60"), d("100"), core.Sell)
	require.Len(t, levels, 3)
	assert.True(t, levels[0].Price.Equal(d("90")), "nearest to current price comes first")
	assert.True(t, levels[1].Price.Equal(d("80")))
	assert.True(t, levels[2].Price.Equal(d("70")))
}

func TestRunInsideBracketIsNoOp(t *testing.T) {
	gw := paper.New()
	gw.SetPrice(d("90"))
	e := newEngine(gw, buildGrid(t, "80", "100", "10"), nil)

	result, err := e.Run(context.Background(), testContract, d("100"))
	require.NoError(t, err)
	assert.False(t, result.Ran)

	fills, err := gw.Fills(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, fills)
}

func TestRunBuysBackSkippedLevels(t *testing.T) {
	gw := paper.New()
	gw.SetPrice(d("80"))
	e := newEngine(gw, buildGrid(t, "80", "100", "10"), nil)

	result, err := e.Run(context.Background(), testContract, d("100"))
	require.NoError(t, err)
	assert.True(t, result.Ran)
	assert.Equal(t, core.Buy, result.Direction)
	assert.True(t, result.Filled.Sign() > 0)

	position, err := gw.Position(context.Background(), testContract)
	require.NoError(t, err)
	assert.True(t, position.Equal(result.Filled))
}

func TestRunStopsAfterFirstFullFill(t *testing.T) {
	gw := paper.New()
	gw.SetPrice(d("60"))
	alerts := &alertSpy{}
	e := newEngine(gw, buildGrid(t, "60", "100", "10"), alerts)

	// Three rungs were skipped (70, 80, 90); the first marketable order
	// fills in full and the rest stay untraded.
	result, err := e.Run(context.Background(), testContract, d("100"))
	require.NoError(t, err)
	assert.True(t, result.Ran)
	assert.Equal(t, core.Buy, result.Direction)

	fills, err := gw.Fills(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.True(t, fills[0].Price.Equal(d("70")), "nearest rung to market trades first")
	assert.True(t, alerts.has("catchup_levels_skipped"))
}

func TestRunCancelsRestingOrdersFirst(t *testing.T) {
	gw := paper.New()
	gw.SetPrice(d("95"))
	_, err := gw.PlaceLimitOrder(context.Background(), testContract, core.Buy, d("5"), d("70"))
	require.NoError(t, err)
	gw.SetPrice(d("80"))

	e := newEngine(gw, buildGrid(t, "80", "100", "10"), nil)
	_, err = e.Run(context.Background(), testContract, d("100"))
	require.NoError(t, err)

	open, err := gw.OpenOrders(context.Background(), testContract)
	require.NoError(t, err)
	assert.Empty(t, open, "pre-existing grid orders must be retired before catch-up trades")
}

func TestRunSellClampedByPosition(t *testing.T) {
	gw := paper.New()
	gw.SetPosition(testContract.ConID, d("5"))
	gw.SetPrice(d("100"))
	e := newEngine(gw, buildGrid(t, "60", "100", "10"), nil)

	result, err := e.Run(context.Background(), testContract, d("60"))
	require.NoError(t, err)
	assert.True(t, result.Ran)
	assert.Equal(t, core.Sell, result.Direction)
	assert.True(t, result.Filled.LessThanOrEqual(d("5")))

	position, err := gw.Position(context.Background(), testContract)
	require.NoError(t, err)
	assert.True(t, position.GreaterThanOrEqual(decimal.Zero), "position must never go short")
}

// stallGateway rests every order forever, so fill polling always times out.
type stallGateway struct {
	*paper.Gateway
	placed []core.GridLevel
}

func (g *stallGateway) PlaceLimitOrder(ctx context.Context, contract core.Contract, side core.Side, qty, price decimal.Decimal) (core.OrderHandle, error) {
	g.placed = append(g.placed, core.GridLevel{Price: price, Size: qty})
	return g.Gateway.PlaceLimitOrder(ctx, contract, side, qty, price)
}

func (g *stallGateway) MarketPrice(ctx context.Context, contract core.Contract) (decimal.Decimal, error) {
	return d("60"), nil
}

func TestRunTimeoutShrinksAndAdvances(t *testing.T) {
	gw := &stallGateway{Gateway: paper.New()}
	e := newEngine(gw, buildGrid(t, "60", "100", "10"), nil)
	e.FillTimeout = 20 * time.Millisecond

	// No paper price is ever published, so every placed buy rests unfilled
	// and each rung times out in turn. Grid sizes are 11@70, 10@80, 8@90.
	result, err := e.Run(context.Background(), testContract, d("100"))
	require.NoError(t, err)
	assert.True(t, result.Ran)
	assert.True(t, result.Filled.Equal(decimal.Zero))

	require.Len(t, gw.placed, 3)
	assert.True(t, gw.placed[0].Price.Equal(d("70")))
	assert.True(t, gw.placed[0].Size.Equal(d("29")), "first order carries the whole remaining size")
	assert.True(t, gw.placed[1].Price.Equal(d("80")))
	assert.True(t, gw.placed[1].Size.Equal(d("18")), "each timeout forfeits that rung's share")
	assert.True(t, gw.placed[2].Price.Equal(d("90")))
	assert.True(t, gw.placed[2].Size.Equal(d("8")))
}
