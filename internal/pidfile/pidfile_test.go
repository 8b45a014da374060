package pidfile

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.pid")
	f := New(path)

	if err := f.Acquire(); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	pid, running, err := f.Owner()
	if err != nil {
		t.Fatalf("Owner failed: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("Owner pid = %d, want %d", pid, os.Getpid())
	}
	if !running {
		t.Error("Owner should report the current process as running")
	}

	if err := f.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Release should remove the pidfile")
	}
}

func TestAcquireRefusesLiveOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.pid")

	// The current process is as live an owner as it gets.
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		t.Fatalf("seeding pidfile failed: %v", err)
	}

	if err := New(path).Acquire(); err == nil {
		t.Fatal("Acquire should refuse a pidfile held by a running process")
	}
}

func TestAcquireReplacesStalePidfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.pid")

	// Garbage content counts as stale.
	if err := os.WriteFile(path, []byte("not-a-pid"), 0644); err != nil {
		t.Fatalf("seeding pidfile failed: %v", err)
	}

	f := New(path)
	if err := f.Acquire(); err != nil {
		t.Fatalf("Acquire over a corrupt pidfile failed: %v", err)
	}

	pid, _, err := f.Owner()
	if err != nil {
		t.Fatalf("Owner failed: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("pidfile now holds %d, want %d", pid, os.Getpid())
	}
}

func TestReleaseWithoutAcquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.pid")
	if err := New(path).Release(); err != nil {
		t.Fatalf("Release of a missing pidfile should not error: %v", err)
	}
}

func TestAcquireCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "run", "bridge.pid")
	f := New(path)
	if err := f.Acquire(); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer f.Release()

	if _, err := os.Stat(path); err != nil {
		t.Errorf("pidfile was not created: %v", err)
	}
}
