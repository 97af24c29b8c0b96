// Package safety trips trading off after repeated broker failures. A run of
// consecutive place or cancel errors usually means the session is broken, and
// hammering a broken session only makes the order book state harder to
// reconstruct afterwards.
package safety

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"ibkrbot/internal/alert"
	"ibkrbot/internal/core"
	"ibkrbot/internal/gateway"
)

// ErrCircuitOpen reports that a circuit tripped and the guarded action is
// refused until the circuit resets.
var ErrCircuitOpen = errors.New("circuit breaker open")

type circuitState string

const (
	circuitClosed circuitState = "closed"
	circuitOpen   circuitState = "open"
)

type circuit struct {
	maxFailures int
	failures    int
	state       circuitState
	openedAt    time.Time
	openErr     error
}

// Breaker tracks consecutive failures per action. A disabled breaker records
// nothing and never trips.
type Breaker struct {
	enabled bool

	mu     sync.Mutex
	place  circuit
	cancel circuit

	log     *zap.SugaredLogger
	alerter alert.Alerter
}

func NewBreaker(enabled bool, maxPlaceFailures, maxCancelFailures int, log *zap.SugaredLogger) *Breaker {
	return &Breaker{
		enabled: enabled,
		place:   circuit{maxFailures: maxPlaceFailures, state: circuitClosed},
		cancel:  circuit{maxFailures: maxCancelFailures, state: circuitClosed},
		log:     log,
	}
}

func (b *Breaker) SetAlerter(alerter alert.Alerter) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alerter = alerter
}

// RecordPlace feeds a place-order outcome into the breaker. Returns the open
// error when the circuit is or becomes open.
func (b *Breaker) RecordPlace(err error) error {
	if b == nil {
		return nil
	}
	return b.record("place order", &b.place, err)
}

// RecordCancel feeds a cancel-order outcome into the breaker.
func (b *Breaker) RecordCancel(err error) error {
	if b == nil {
		return nil
	}
	return b.record("cancel order", &b.cancel, err)
}

func (b *Breaker) record(name string, c *circuit, err error) error {
	if b == nil || !b.enabled || c == nil {
		return nil
	}

	b.mu.Lock()
	if c.maxFailures < 1 {
		b.mu.Unlock()
		return nil
	}

	if err == nil {
		prevFailures := c.failures
		recovered := false
		if c.state == circuitClosed && c.failures > 0 {
			recovered = true
			c.failures = 0
		}
		alerter := b.alerter
		b.mu.Unlock()
		if recovered {
			b.logInfow("circuit breaker recovered", "action", name, "previous_consecutive_failures", prevFailures)
			if alerter != nil {
				alerter.Important("circuit_breaker_recovered", map[string]string{
					"action":                        name,
					"previous_consecutive_failures": strconv.Itoa(prevFailures),
				})
			}
		}
		return nil
	}

	if c.state == circuitOpen {
		openErr := c.openErr
		if openErr == nil {
			openErr = fmt.Errorf("%w: %s circuit is open", ErrCircuitOpen, name)
			c.openErr = openErr
		}
		b.mu.Unlock()
		return openErr
	}

	c.failures++
	failures := c.failures
	limit := c.maxFailures
	alerter := b.alerter
	if failures < limit {
		nearTrip := failures == limit-1 && limit > 1
		b.mu.Unlock()
		if nearTrip {
			b.logWarnw("circuit breaker near trip",
				"action", name, "consecutive_failures", failures, "threshold", limit, "last_error", err.Error())
			if alerter != nil {
				alerter.Important("circuit_breaker_near_trip", map[string]string{
					"action":               name,
					"consecutive_failures": strconv.Itoa(failures),
					"threshold":            strconv.Itoa(limit),
					"last_error":           err.Error(),
				})
			}
		}
		return nil
	}

	openErr := b.tripLocked(name, c, err, failures)
	b.mu.Unlock()
	b.logErrorw("circuit breaker trip",
		"action", name, "consecutive_failures", failures, "threshold", limit, "last_error", err.Error())
	if alerter != nil {
		alerter.Important("circuit_breaker_trip", map[string]string{
			"action":               name,
			"consecutive_failures": strconv.Itoa(failures),
			"threshold":            strconv.Itoa(limit),
			"last_error":           err.Error(),
		})
	}
	return openErr
}

func (b *Breaker) tripLocked(name string, c *circuit, err error, failures int) error {
	c.state = circuitOpen
	c.openedAt = time.Now().UTC()
	c.failures = failures
	c.openErr = fmt.Errorf("%w: %s failed %d consecutive times, last error: %v", ErrCircuitOpen, name, failures, err)
	return c.openErr
}

func (b *Breaker) logInfow(msg string, kv ...interface{}) {
	if b.log != nil {
		b.log.Infow(msg, kv...)
	}
}

func (b *Breaker) logWarnw(msg string, kv ...interface{}) {
	if b.log != nil {
		b.log.Warnw(msg, kv...)
	}
}

func (b *Breaker) logErrorw(msg string, kv ...interface{}) {
	if b.log != nil {
		b.log.Errorw(msg, kv...)
	}
}

// GuardedGateway wraps a Gateway and feeds order mutations through the
// breaker. Order rejections and missing orders are business outcomes, not
// connectivity failures, so they never count toward a trip.
type GuardedGateway struct {
	gateway.Gateway
	breaker *Breaker
}

func NewGuardedGateway(inner gateway.Gateway, breaker *Breaker) *GuardedGateway {
	return &GuardedGateway{Gateway: inner, breaker: breaker}
}

func (g *GuardedGateway) PlaceLimitOrder(ctx context.Context, contract core.Contract, side core.Side, qty, price decimal.Decimal) (core.OrderHandle, error) {
	handle, err := g.Gateway.PlaceLimitOrder(ctx, contract, side, qty, price)
	if trip := g.breaker.RecordPlace(breakerErr(err)); trip != nil {
		return handle, trip
	}
	return handle, err
}

func (g *GuardedGateway) CancelOrder(ctx context.Context, handle core.OrderHandle) error {
	err := g.Gateway.CancelOrder(ctx, handle)
	if trip := g.breaker.RecordCancel(breakerErr(err)); trip != nil {
		return trip
	}
	return err
}

func breakerErr(err error) error {
	if errors.Is(err, core.ErrOrderRejected) || errors.Is(err, core.ErrOrderNotFound) {
		return nil
	}
	return err
}
