// Package feed subscribes to a websocket tick stream and exposes the latest
// quote. The engine treats the feed as advisory: a quote older than the
// configured staleness bound is reported as missing and the tick is skipped.
package feed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	reconnectBackoff = 5 * time.Second
)

// PriceFeed keeps a websocket subscription alive and records the last tick.
type PriceFeed struct {
	url string
	log *zap.SugaredLogger

	mu       sync.RWMutex
	last     decimal.Decimal
	lastSeen time.Time
	haveTick bool
}

func New(url string, log *zap.SugaredLogger) *PriceFeed {
	return &PriceFeed{url: url, log: log}
}

// Last returns the most recent price and its arrival time. ok is false until
// the first tick arrives.
func (f *PriceFeed) Last() (price decimal.Decimal, seen time.Time, ok bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.last, f.lastSeen, f.haveTick
}

// Run maintains the connection until ctx is cancelled, reconnecting after a
// fixed backoff on any failure.
func (f *PriceFeed) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
		if err != nil {
			f.log.Warnw("price feed dial failed", "url", f.url, "err", err)
			if !sleepCtx(ctx, reconnectBackoff) {
				return
			}
			continue
		}
		f.log.Infow("price feed connected", "url", f.url)
		if err := f.consume(ctx, conn); err != nil && ctx.Err() == nil {
			f.log.Warnw("price feed disconnected", "err", err)
		}
		conn.Close()
		if !sleepCtx(ctx, reconnectBackoff) {
			return
		}
	}
}

// consume reads ticks from an established connection. Pings keep the read
// deadline moving; any read error surfaces to Run for a reconnect.
func (f *PriceFeed) consume(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pingStop := make(chan struct{})
	defer close(pingStop)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-pingStop:
				return
			case <-ctx.Done():
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				conn.Close()
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var tick struct {
			Price json.Number `json:"p"`
		}
		if err := json.Unmarshal(message, &tick); err != nil {
			f.log.Debugw("skipping unparsable tick", "err", err)
			continue
		}
		price, err := decimal.NewFromString(tick.Price.String())
		if err != nil || price.Sign() <= 0 {
			continue
		}
		f.mu.Lock()
		f.last = price
		f.lastSeen = time.Now()
		f.haveTick = true
		f.mu.Unlock()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
