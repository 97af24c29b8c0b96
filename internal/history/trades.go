package history

import (
	"sync"

	"github.com/shopspring/decimal"

	"ibkrbot/internal/core"
)

// Trades is the in-process view of the history file. Mutations rewrite the
// file atomically before the in-memory copy changes, so a crash between the
// two leaves the file as the source of truth.
type Trades struct {
	mu      sync.Mutex
	path    string
	records []Record
	seen    map[string]struct{}
}

// Open loads the history file at path.
func Open(path string) (*Trades, error) {
	records, err := Load(path)
	if err != nil {
		return nil, err
	}
	t := &Trades{path: path, records: records, seen: make(map[string]struct{}, len(records))}
	for _, rec := range records {
		t.seen[rec.ExecID] = struct{}{}
	}
	return t, nil
}

// Records returns a copy of all records, oldest first.
func (t *Trades) Records() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, len(t.records))
	copy(out, t.records)
	return out
}

// ReplaceAll swaps the full history, e.g. after adopting the broker's list.
func (t *Trades) ReplaceAll(records []Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := Save(t.path, records); err != nil {
		return err
	}
	t.records = append(t.records[:0], records...)
	t.seen = make(map[string]struct{}, len(records))
	for _, rec := range records {
		t.seen[rec.ExecID] = struct{}{}
	}
	return nil
}

// AppendFills records new broker executions, skipping exec-ids already seen.
// Returns the number of records appended.
func (t *Trades) AppendFills(fills []core.Fill) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	added := make([]Record, 0, len(fills))
	for _, rec := range FromFills(fills) {
		if _, ok := t.seen[rec.ExecID]; ok {
			continue
		}
		added = append(added, rec)
	}
	if len(added) == 0 {
		return 0, nil
	}
	next := append(append([]Record{}, t.records...), added...)
	if err := Save(t.path, next); err != nil {
		return 0, err
	}
	t.records = next
	for _, rec := range added {
		t.seen[rec.ExecID] = struct{}{}
	}
	return len(added), nil
}

// LastTraded returns the price of the most recent record for the contract.
func (t *Trades) LastTraded(conID int64) (decimal.Decimal, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := Latest(t.records, conID)
	if !ok {
		return decimal.Decimal{}, false
	}
	return rec.Price, true
}
