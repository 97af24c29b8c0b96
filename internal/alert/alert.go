// Package alert delivers operator notifications for events that need human
// attention: catch-up anomalies, circuit trips, history conflicts. Delivery is
// asynchronous and lossy under pressure; trading never blocks on a notifier.
package alert

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Notifier sends a rendered message to an external channel.
type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

// Alerter is what trading code depends on. A nil *Manager is a valid Alerter
// that discards everything.
type Alerter interface {
	Important(event string, fields map[string]string)
}

const (
	defaultQueueSize      = 128
	defaultDropReportSpan = time.Minute
	notifyTimeout         = 20 * time.Second
)

type event struct {
	name   string
	fields map[string]string
}

// Options tunes the manager queue.
type Options struct {
	QueueSize      int
	DropReportSpan time.Duration
}

// Manager fans events out to a Notifier from a single worker goroutine.
// When the queue is full events are dropped and accounted, never blocked on.
type Manager struct {
	mode     string
	symbol   string
	notifier Notifier
	log      *zap.SugaredLogger

	queue          chan event
	stop           chan struct{}
	done           chan struct{}
	dropReportSpan time.Duration

	droppedTotal  uint64
	droppedWindow uint64

	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewManager starts a manager with default queue sizing. Returns nil when
// notifier is nil; callers hold the nil through the Alerter interface.
func NewManager(mode, symbol string, notifier Notifier, log *zap.SugaredLogger) *Manager {
	return NewManagerWithOptions(mode, symbol, notifier, log, Options{})
}

func NewManagerWithOptions(mode, symbol string, notifier Notifier, log *zap.SugaredLogger, opts Options) *Manager {
	if notifier == nil {
		return nil
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	span := opts.DropReportSpan
	if span == 0 {
		span = defaultDropReportSpan
	}
	m := &Manager{
		mode:           mode,
		symbol:         symbol,
		notifier:       notifier,
		log:            log,
		queue:          make(chan event, queueSize),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
		dropReportSpan: span,
	}
	m.wg.Add(1)
	go m.loop()
	if m.dropReportSpan > 0 {
		m.wg.Add(1)
		go m.dropReportLoop()
	}
	go func() {
		m.wg.Wait()
		close(m.done)
	}()
	return m
}

// Important enqueues an event for delivery. Safe on a nil receiver.
func (m *Manager) Important(name string, fields map[string]string) {
	if m == nil || m.notifier == nil {
		return
	}
	ev := event{name: name, fields: cloneFields(fields)}
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return
	}
	select {
	case m.queue <- ev:
		m.mu.RUnlock()
		return
	default:
		total := atomic.AddUint64(&m.droppedTotal, 1)
		inWindow := atomic.AddUint64(&m.droppedWindow, 1)
		m.mu.RUnlock()
		// First drop in a window is logged immediately, the rest roll up
		// into the periodic summary.
		if inWindow == 1 && m.log != nil {
			m.log.Warnw("alert dropped, queue full",
				"event", name,
				"dropped_total", total,
				"queue_len", len(m.queue),
				"queue_cap", cap(m.queue),
			)
		}
	}
}

// Close drains the queue and stops the worker. Safe on a nil receiver.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	done := m.done
	m.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) loop() {
	defer m.wg.Done()
	for {
		select {
		case ev := <-m.queue:
			m.send(ev)
		case <-m.stop:
			for {
				select {
				case ev := <-m.queue:
					m.send(ev)
				default:
					m.reportDrops()
					return
				}
			}
		}
	}
}

func (m *Manager) dropReportLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.dropReportSpan)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reportDrops()
		case <-m.stop:
			m.reportDrops()
			return
		}
	}
}

func (m *Manager) reportDrops() {
	dropped := atomic.SwapUint64(&m.droppedWindow, 0)
	if dropped == 0 || m.log == nil {
		return
	}
	m.log.Warnw("alert drop summary",
		"dropped_in_window", dropped,
		"dropped_total", atomic.LoadUint64(&m.droppedTotal),
		"queue_len", len(m.queue),
		"queue_cap", cap(m.queue),
	)
}

func (m *Manager) send(ev event) {
	msg := m.render(ev.name, ev.fields)
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := m.notifier.Notify(ctx, msg); err != nil && m.log != nil {
		m.log.Errorw("alert delivery failed", "event", ev.name, "err", err)
	}
}

func (m *Manager) render(name string, fields map[string]string) string {
	lines := []string{
		"[ibkrbot] important",
		"time: " + time.Now().UTC().Format(time.RFC3339),
		"mode: " + m.mode,
		"symbol: " + m.symbol,
		"event: " + name,
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, k+": "+fields[k])
	}
	return strings.Join(lines, "\n")
}

func cloneFields(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
