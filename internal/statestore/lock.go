package statestore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// fileLock implements the cooperative file-lock discipline from spec §3/§4.1:
// exclusive-create of a sentinel file, with a staleness TTL past which the
// sentinel is presumed abandoned by a crashed holder and stolen.
type fileLock struct {
	path       string
	staleAfter time.Duration
}

func newFileLock(path string, staleAfter time.Duration) *fileLock {
	if staleAfter <= 0 {
		staleAfter = 10 * time.Second
	}
	return &fileLock{path: path, staleAfter: staleAfter}
}

// acquire blocks (with internal retries) until the lock sentinel is created
// or a stale one is stolen. It never blocks longer than a handful of
// retries — each State Store write is documented to hold the lock ≤ ~10ms,
// so contention resolves quickly.
func (l *fileLock) acquire() (func(), error) {
	const maxAttempts = 200
	const retryDelay = 5 * time.Millisecond

	for attempt := 0; attempt < maxAttempts; attempt++ {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return func() { os.Remove(l.path) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("acquire lock %s: %w", l.path, err)
		}

		if l.stealIfStale() {
			continue
		}
		time.Sleep(retryDelay)
	}
	return nil, fmt.Errorf("acquire lock %s: timed out after %d attempts", l.path, maxAttempts)
}

// stealIfStale removes the sentinel if its mtime is older than staleAfter,
// returning true if it stole (or found no) lock so the caller can retry
// immediately.
func (l *fileLock) stealIfStale() bool {
	info, err := os.Stat(l.path)
	if err != nil {
		return os.IsNotExist(err)
	}
	if time.Since(info.ModTime()) > l.staleAfter {
		os.Remove(l.path)
		return true
	}
	return false
}

// atomicWriteFile writes data to path via create-temp-then-rename in the
// same directory, so a crash between the two steps never leaves path
// holding a partial write (testable property #1, spec §8).
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
