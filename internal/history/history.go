// Package history keeps the append-only local record of fills and reconciles
// it against the broker's authoritative execution list at startup. The latest
// record per contract anchors the catch-up decision, so a wrong pick here can
// trigger a wrong trade; disagreements are therefore never resolved silently.
package history

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"ibkrbot/internal/core"
	"ibkrbot/internal/store"
)

// Record is one persisted fill. Price and size serialize as decimal strings
// so a round trip through the file cannot pick up binary-float error.
type Record struct {
	ExecID    string          `json:"exec_id"`
	Price     decimal.Decimal `json:"price"`
	Side      core.Side       `json:"side"`
	Timestamp int64           `json:"timestamp"`
	ConID     int64           `json:"con_id"`
	Size      decimal.Decimal `json:"size"`
}

func recordFromFill(f core.Fill) Record {
	return Record{
		ExecID:    f.ExecID,
		Price:     f.Price,
		Side:      f.Side,
		Timestamp: f.Time.Unix(),
		ConID:     f.ConID,
		Size:      f.Qty,
	}
}

// FromFills converts broker executions to records, oldest first.
func FromFills(fills []core.Fill) []Record {
	records := make([]Record, 0, len(fills))
	for _, f := range fills {
		records = append(records, recordFromFill(f))
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp < records[j].Timestamp
	})
	return records
}

// Load reads a history file, one JSON record per line. A missing file is an
// empty history, not an error.
func Load(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Record{}, nil
		}
		return nil, err
	}
	defer f.Close()

	records := make([]Record, 0)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("trade history %s: %w", path, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// Save replaces the history file atomically.
func Save(path string, records []Record) error {
	lines := make([][]byte, 0, len(records))
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		lines = append(lines, data)
	}
	return store.WriteLinesAtomic(path, lines)
}

// Latest returns the most recent record for a contract.
func Latest(records []Record, conID int64) (Record, bool) {
	var best Record
	found := false
	for _, rec := range records {
		if rec.ConID != conID {
			continue
		}
		if !found || rec.Timestamp > best.Timestamp {
			best = rec
			found = true
		}
	}
	return best, found
}

// Resolve reconciles local history against the broker's fill list. No broker
// fills means local history stands. When the most recent exec-ids agree (or
// there is no local history) the broker list replaces local history wholesale:
// the broker is authoritative whenever the two are in sync. A divergence is a
// conflict and goes to the resolver; with no resolver, or a resolver that
// declines, Resolve fails with core.ErrHistoryConflict rather than guessing.
func Resolve(local []Record, fills []core.Fill, resolver ConflictResolver) ([]Record, error) {
	if len(fills) == 0 {
		return local, nil
	}
	broker := FromFills(fills)
	latestBroker := broker[len(broker)-1]
	latestLocal, ok := Latest(local, latestBroker.ConID)
	if !ok || latestLocal.ExecID == latestBroker.ExecID {
		return broker, nil
	}

	if resolver == nil {
		return nil, fmt.Errorf("%w: local exec_id=%s broker exec_id=%s", core.ErrHistoryConflict, latestLocal.ExecID, latestBroker.ExecID)
	}
	choice, err := resolver.Resolve(
		Candidate{ExecID: latestLocal.ExecID, Price: latestLocal.Price, Time: time.Unix(latestLocal.Timestamp, 0).UTC()},
		Candidate{ExecID: latestBroker.ExecID, Price: latestBroker.Price, Time: time.Unix(latestBroker.Timestamp, 0).UTC()},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrHistoryConflict, err)
	}
	switch choice {
	case ChoiceKeepLocal:
		return local, nil
	case ChoiceAdoptBroker:
		return broker, nil
	default:
		return nil, fmt.Errorf("%w: resolver returned no choice", core.ErrHistoryConflict)
	}
}
