package alert

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"ibkrbot/internal/logger"
)

type notifierSpy struct {
	mu   sync.Mutex
	msgs []string
}

func (n *notifierSpy) Notify(ctx context.Context, msg string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
	return nil
}

func (n *notifierSpy) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.msgs)
}

func (n *notifierSpy) first() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.msgs) == 0 {
		return ""
	}
	return n.msgs[0]
}

func TestManagerDeliversEvent(t *testing.T) {
	spy := &notifierSpy{}
	m := NewManager("paper", "XYZ", spy, logger.Nop())
	if m == nil {
		t.Fatalf("NewManager() = nil with a non-nil notifier")
	}

	m.Important("catchup_aborted", map[string]string{"err": "boom", "direction": "BUY"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if spy.count() != 1 {
		t.Fatalf("notifier received %d messages, want 1", spy.count())
	}
	msg := spy.first()
	for _, want := range []string{"[ibkrbot] important", "mode: paper", "symbol: XYZ", "event: catchup_aborted", "direction: BUY", "err: boom"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message %q missing %q", msg, want)
		}
	}
	// Fields render sorted by key.
	if strings.Index(msg, "direction:") > strings.Index(msg, "err:") {
		t.Fatalf("fields not sorted: %q", msg)
	}
}

func TestManagerNilIsSafe(t *testing.T) {
	var m *Manager
	m.Important("anything", nil)
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close() on nil manager error = %v", err)
	}
}

func TestManagerNilNotifier(t *testing.T) {
	if m := NewManager("paper", "XYZ", nil, logger.Nop()); m != nil {
		t.Fatalf("NewManager() with nil notifier = %v, want nil", m)
	}
}

func TestManagerIgnoresAfterClose(t *testing.T) {
	spy := &notifierSpy{}
	m := NewManager("paper", "XYZ", spy, logger.Nop())

	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	m.Important("late_event", nil)
	if spy.count() != 0 {
		t.Fatalf("notifier received %d messages after close, want 0", spy.count())
	}
}
