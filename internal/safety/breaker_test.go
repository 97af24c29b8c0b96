package safety

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ibkrbot/internal/core"
	"ibkrbot/internal/gateway/paper"
	"ibkrbot/internal/logger"
)

var errBroker = errors.New("connection reset")

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker(true, 3, 3, logger.Nop())

	require.NoError(t, b.RecordPlace(errBroker))
	require.NoError(t, b.RecordPlace(errBroker))

	err := b.RecordPlace(errBroker)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCircuitOpen))

	// Once open, every further attempt is refused.
	err = b.RecordPlace(nil)
	assert.NoError(t, err, "success reporting on an open circuit is ignored")
	err = b.RecordPlace(errBroker)
	assert.True(t, errors.Is(err, ErrCircuitOpen))
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b := NewBreaker(true, 2, 2, logger.Nop())

	require.NoError(t, b.RecordPlace(errBroker))
	require.NoError(t, b.RecordPlace(nil))
	require.NoError(t, b.RecordPlace(errBroker), "the streak restarted, one failure is below threshold")
}

func TestBreakerDisabled(t *testing.T) {
	b := NewBreaker(false, 1, 1, logger.Nop())
	for i := 0; i < 5; i++ {
		require.NoError(t, b.RecordPlace(errBroker))
	}
}

func TestBreakerCircuitsAreIndependent(t *testing.T) {
	b := NewBreaker(true, 1, 2, logger.Nop())

	err := b.RecordPlace(errBroker)
	require.True(t, errors.Is(err, ErrCircuitOpen))
	require.NoError(t, b.RecordCancel(errBroker), "cancel circuit has its own threshold")
}

type flakyGateway struct {
	*paper.Gateway
	placeErr error
}

func (g *flakyGateway) PlaceLimitOrder(ctx context.Context, contract core.Contract, side core.Side, qty, price decimal.Decimal) (core.OrderHandle, error) {
	if g.placeErr != nil {
		return core.OrderHandle{}, g.placeErr
	}
	return g.Gateway.PlaceLimitOrder(ctx, contract, side, qty, price)
}

func TestGuardedGatewayTripsOnTransportFailures(t *testing.T) {
	inner := &flakyGateway{Gateway: paper.New(), placeErr: errBroker}
	b := NewBreaker(true, 2, 2, logger.Nop())
	gw := NewGuardedGateway(inner, b)

	contract := core.Contract{ConID: 1, Symbol: "XYZ"}
	_, err := gw.PlaceLimitOrder(context.Background(), contract, core.Buy, decimal.NewFromInt(1), decimal.NewFromInt(100))
	require.ErrorIs(t, err, errBroker)

	_, err = gw.PlaceLimitOrder(context.Background(), contract, core.Buy, decimal.NewFromInt(1), decimal.NewFromInt(100))
	require.True(t, errors.Is(err, ErrCircuitOpen))
}

func TestGuardedGatewayIgnoresBusinessOutcomes(t *testing.T) {
	inner := &flakyGateway{
		Gateway:  paper.New(),
		placeErr: fmt.Errorf("%w: insufficient margin", core.ErrOrderRejected),
	}
	b := NewBreaker(true, 1, 1, logger.Nop())
	gw := NewGuardedGateway(inner, b)

	contract := core.Contract{ConID: 1, Symbol: "XYZ"}
	for i := 0; i < 3; i++ {
		_, err := gw.PlaceLimitOrder(context.Background(), contract, core.Buy, decimal.NewFromInt(1), decimal.NewFromInt(100))
		require.ErrorIs(t, err, core.ErrOrderRejected)
		require.False(t, errors.Is(err, ErrCircuitOpen), "rejections must never trip the breaker")
	}
}
