package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAcquireInstanceLockBlocksSecondOwner(t *testing.T) {
	dir := t.TempDir()

	first, err := AcquireInstanceLock(dir, LockOptions{})
	if err != nil {
		t.Fatalf("AcquireInstanceLock() error = %v", err)
	}
	defer first.Release()

	// Our own pid is alive, so takeover must refuse.
	_, err = AcquireInstanceLock(dir, LockOptions{TakeoverEnabled: true})
	if err == nil {
		t.Fatalf("AcquireInstanceLock() second acquire succeeded, want error")
	}
	if !strings.Contains(err.Error(), "owner_process_running") {
		t.Fatalf("AcquireInstanceLock() error = %v, want owner_process_running reason", err)
	}
}

func TestAcquireInstanceLockWithoutTakeover(t *testing.T) {
	dir := t.TempDir()

	first, err := AcquireInstanceLock(dir, LockOptions{})
	if err != nil {
		t.Fatalf("AcquireInstanceLock() error = %v", err)
	}
	defer first.Release()

	_, err = AcquireInstanceLock(dir, LockOptions{TakeoverEnabled: false})
	if err == nil || !strings.Contains(err.Error(), "instance lock exists") {
		t.Fatalf("AcquireInstanceLock() error = %v, want lock exists", err)
	}
}

func TestAcquireInstanceLockTakesOverDeadOwner(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".instance.lock")
	// Pid 0 is never a live owner; staleness falls back to the timestamp.
	payload := "pid=0\nstarted_at=" + time.Now().UTC().Add(-time.Hour).Format(time.RFC3339) + "\n"
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	lock, err := AcquireInstanceLock(dir, LockOptions{TakeoverEnabled: true, StaleAfter: time.Minute})
	if err != nil {
		t.Fatalf("AcquireInstanceLock() takeover error = %v", err)
	}
	defer lock.Release()
}

func TestReleaseAllowsReacquire(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireInstanceLock(dir, LockOptions{})
	if err != nil {
		t.Fatalf("AcquireInstanceLock() error = %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	again, err := AcquireInstanceLock(dir, LockOptions{})
	if err != nil {
		t.Fatalf("AcquireInstanceLock() after release error = %v", err)
	}
	if err := again.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
}
