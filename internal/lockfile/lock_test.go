package lockfile

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAcquireRelease(t *testing.T) {
	dir := t.TempDir()

	l, err := Acquire(dir, "/path/to/db", "1.2.3")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	info, err := ReadInfo(dir)
	if err != nil {
		t.Fatalf("ReadInfo failed: %v", err)
	}
	if info.PID != os.Getpid() {
		t.Errorf("PID = %d, want %d", info.PID, os.Getpid())
	}
	if info.Database != "/path/to/db" || info.Version != "1.2.3" {
		t.Errorf("info = %+v", info)
	}
	if info.StartedAt.IsZero() {
		t.Error("StartedAt not set")
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := os.Stat(l.Path()); !os.IsNotExist(err) {
		t.Errorf("lock file still present after release: %v", err)
	}

	// The dir is reusable after release.
	l2, err := Acquire(dir, "/path/to/db", "1.2.3")
	if err != nil {
		t.Fatalf("reacquire failed: %v", err)
	}
	if err := l2.Release(); err != nil {
		t.Fatalf("release reacquired lock: %v", err)
	}
}

func TestAcquireConflict(t *testing.T) {
	dir := t.TempDir()

	l, err := Acquire(dir, "db", "1.0.0")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer func() { _ = l.Release() }()

	// A second open file description on the same lock file cannot take
	// the flock while the first holds it.
	_, err = Acquire(dir, "db", "1.0.0")
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("second Acquire err = %v, want ErrLocked", err)
	}
}

func TestAcquireOverwritesStaleFile(t *testing.T) {
	dir := t.TempDir()

	stale := &LockInfo{PID: 999999, Database: "old", StartedAt: time.Now().Add(-time.Hour)}
	data, _ := json.Marshal(stale)
	if err := os.WriteFile(filepath.Join(dir, lockFileName), data, 0o644); err != nil {
		t.Fatalf("write stale lock: %v", err)
	}

	// No process holds the flock, so the stale record does not block.
	l, err := Acquire(dir, "new", "2.0.0")
	if err != nil {
		t.Fatalf("Acquire over stale file failed: %v", err)
	}
	defer func() { _ = l.Release() }()

	info, err := ReadInfo(dir)
	if err != nil {
		t.Fatalf("ReadInfo failed: %v", err)
	}
	if info.PID != os.Getpid() || info.Database != "new" {
		t.Errorf("info = %+v, want current holder", info)
	}
}

func TestReadInfo(t *testing.T) {
	t.Run("json format", func(t *testing.T) {
		dir := t.TempDir()
		want := &LockInfo{PID: 12345, Database: "/db", Version: "1.0.0", StartedAt: time.Now()}
		data, _ := json.Marshal(want)
		if err := os.WriteFile(filepath.Join(dir, lockFileName), data, 0o644); err != nil {
			t.Fatalf("write lock file: %v", err)
		}

		got, err := ReadInfo(dir)
		if err != nil {
			t.Fatalf("ReadInfo failed: %v", err)
		}
		if got.PID != want.PID || got.Database != want.Database {
			t.Errorf("got %+v, want %+v", got, want)
		}
	})

	t.Run("bare pid", func(t *testing.T) {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, lockFileName), []byte("98765\n"), 0o644); err != nil {
			t.Fatalf("write lock file: %v", err)
		}

		got, err := ReadInfo(dir)
		if err != nil {
			t.Fatalf("ReadInfo failed: %v", err)
		}
		if got.PID != 98765 {
			t.Errorf("PID = %d, want 98765", got.PID)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := ReadInfo(t.TempDir()); err == nil {
			t.Error("expected error for missing lock file")
		}
	})

	t.Run("garbage", func(t *testing.T) {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, lockFileName), []byte("not a lock"), 0o644); err != nil {
			t.Fatalf("write lock file: %v", err)
		}
		if _, err := ReadInfo(dir); err == nil {
			t.Error("expected error for unrecognized format")
		}
	})
}

func TestIsStale(t *testing.T) {
	if IsStale(&LockInfo{PID: os.Getpid()}) {
		t.Error("own pid reported stale")
	}
	// PIDs beyond the default pid_max are never alive.
	if !IsStale(&LockInfo{PID: 1 << 28}) {
		t.Error("impossible pid reported live")
	}
	if IsStale(nil) {
		t.Error("nil info reported stale")
	}
}
