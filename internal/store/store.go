// Package store owns durable local state: atomic JSON file writes, the bot's
// runtime status snapshot, and the single-instance lock on a state directory.
package store

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RuntimeStatus is the last-known liveness record, written on transitions so
// an operator (or a supervisor script) can see what the bot was doing when it
// stopped.
type RuntimeStatus struct {
	RunID       string    `json:"run_id"`
	Mode        string    `json:"mode"`
	Symbol      string    `json:"symbol"`
	ConID       int64     `json:"con_id"`
	PID         int       `json:"pid"`
	State       string    `json:"state"`
	StartedAt   time.Time `json:"started_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	LastError   string    `json:"last_error,omitempty"`
	LastTraded  string    `json:"last_traded,omitempty"`
	CatchUpRan  bool      `json:"catch_up_ran"`
	Iterations  int64     `json:"iterations"`
	LastTickAt  time.Time `json:"last_tick_at,omitempty"`
	SkippedTick int64     `json:"skipped_ticks"`
}

type Store struct {
	root string
	mu   sync.Mutex
}

func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("state dir required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root}, nil
}

func (s *Store) Root() string {
	return s.root
}

func (s *Store) SaveRuntimeStatus(status RuntimeStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return WriteJSONAtomic(s.statusPath(), status)
}

func (s *Store) LoadRuntimeStatus() (RuntimeStatus, bool, error) {
	data, err := os.ReadFile(s.statusPath())
	if err != nil {
		if os.IsNotExist(err) {
			return RuntimeStatus{}, false, nil
		}
		return RuntimeStatus{}, false, err
	}
	var status RuntimeStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return RuntimeStatus{}, false, err
	}
	return status, true, nil
}

func (s *Store) statusPath() string {
	return filepath.Join(s.root, "runtime_status.json")
}

// WriteJSONAtomic writes v as indented JSON through a temp file and rename, so
// a crash mid-write never leaves a torn file behind.
func WriteJSONAtomic(path string, v any) error {
	return writeAtomic(path, func(f *os.File) error {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	})
}

// WriteLinesAtomic writes one JSON document per line through the same
// temp-file-and-rename dance as WriteJSONAtomic.
func WriteLinesAtomic(path string, lines [][]byte) error {
	return writeAtomic(path, func(f *os.File) error {
		for _, line := range lines {
			if _, err := f.Write(append(line, '\n')); err != nil {
				return err
			}
		}
		return nil
	})
}

func writeAtomic(path string, fill func(*os.File) error) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return err
	}
	if err := fill(tmp); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	fsyncDirBestEffort(dir, path)
	return nil
}

func fsyncDirBestEffort(dir, path string) {
	// Directory fsync after rename improves durability across crashes; a
	// failure here is logged, not fatal.
	d, err := os.Open(dir)
	if err != nil {
		log.Printf("level=WARN event=store_dir_fsync_skipped reason=%q dir=%q target=%q", err.Error(), dir, path)
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		log.Printf("level=WARN event=store_dir_fsync_failed reason=%q dir=%q target=%q", err.Error(), dir, path)
	}
}
