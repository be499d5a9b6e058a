// Package lockfile guards a tally data directory against concurrent
// engine instances.
//
// The lock is an advisory flock on <dir>/tally.lock plus a JSON record
// of the holder. flock gives the actual mutual exclusion; the record
// exists for diagnostics (`tally stats` shows who holds the lock) and
// for stale-file detection after crashes.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const lockFileName = "tally.lock"

// ErrLocked means another live process holds the data-dir lock.
var ErrLocked = errors.New("data dir is locked by another process")

// LockInfo identifies the process holding the lock.
type LockInfo struct {
	PID       int       `json:"pid"`
	Database  string    `json:"database"`
	Version   string    `json:"version"`
	StartedAt time.Time `json:"startedAt"`
}

// Lock is a held data-dir lock. Release it when the engine exits.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes the exclusive data-dir lock, creating dir if needed.
// A lock file left behind by a crashed process does not block: flock
// dies with its holder, so acquisition succeeds and the record is
// overwritten.
func Acquire(dir, database, version string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dir, lockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := flockExclusive(f); err != nil {
		_ = f.Close()
		if errors.Is(err, ErrLocked) {
			if info, rerr := ReadInfo(dir); rerr == nil {
				return nil, fmt.Errorf("%w: pid %d since %s",
					ErrLocked, info.PID, info.StartedAt.Format(time.RFC3339))
			}
		}
		return nil, err
	}

	info := LockInfo{
		PID:       os.Getpid(),
		Database:  database,
		Version:   version,
		StartedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(info)
	if err != nil {
		_ = flockUnlock(f)
		_ = f.Close()
		return nil, fmt.Errorf("encode lock info: %w", err)
	}
	if err := f.Truncate(0); err == nil {
		_, err = f.WriteAt(data, 0)
	}
	if err != nil {
		_ = flockUnlock(f)
		_ = f.Close()
		return nil, fmt.Errorf("write lock info: %w", err)
	}
	_ = f.Sync()

	return &Lock{file: f, path: path}, nil
}

// Path returns the lock file location.
func (l *Lock) Path() string { return l.path }

// Release unlocks and removes the lock file. Safe on a nil lock.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := flockUnlock(l.file)
	cerr := l.file.Close()
	_ = os.Remove(l.path)
	l.file = nil
	if err != nil {
		return err
	}
	return cerr
}

// ReadInfo reads the holder record from dir. A bare decimal pid is
// accepted alongside the JSON form.
func ReadInfo(dir string) (*LockInfo, error) {
	data, err := os.ReadFile(filepath.Join(dir, lockFileName))
	if err != nil {
		return nil, err
	}
	var info LockInfo
	if jerr := json.Unmarshal(data, &info); jerr == nil && info.PID > 0 {
		return &info, nil
	}
	pid, perr := strconv.Atoi(strings.TrimSpace(string(data)))
	if perr != nil || pid <= 0 {
		return nil, fmt.Errorf("unrecognized lock file format")
	}
	return &LockInfo{PID: pid}, nil
}

// IsStale reports whether the recorded holder is no longer running.
func IsStale(info *LockInfo) bool {
	return info != nil && !isProcessRunning(info.PID)
}
