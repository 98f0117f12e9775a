// Package lockfile provides the process-wide named lock guarding full
// sync passes. The lock is a file created with O_EXCL beside the data
// it protects; acquisition polls until a bounded timeout and a lock
// left behind by a dead process is taken over.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultTimeout is the bounded wait for acquisition.
const DefaultTimeout = 15 * time.Second

// pollInterval is how often acquisition retries.
const pollInterval = 100 * time.Millisecond

// ErrTimeout is returned when the lock could not be acquired within
// the timeout. No state has been touched; retrying later is safe.
var ErrTimeout = errors.New("lock acquisition timed out")

// Lock is a held lock. Release it exactly once.
type Lock struct {
	path string
}

// Acquire takes the named lock, waiting up to timeout (DefaultTimeout
// when non-positive). A lock file whose recorded pid no longer exists
// is considered stale and taken over.
func Acquire(path string, timeout time.Duration) (*Lock, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	deadline := time.Now().Add(timeout)

	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			host, _ := os.Hostname()
			fmt.Fprintf(f, "%d %s %s\n", os.Getpid(), host, time.Now().UTC().Format(time.RFC3339))
			if cerr := f.Close(); cerr != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("write lock file: %w", cerr)
			}
			return &Lock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock file: %w", err)
		}

		if stale(path) {
			// Remove and retry immediately; a racing process may win
			// the recreate, which the next loop iteration handles.
			_ = os.Remove(path)
			continue
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("lock %s held by another process: %w", path, ErrTimeout)
		}
		time.Sleep(pollInterval)
	}
}

// Release removes the lock file.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// stale reports whether the lock file records a pid on this host that
// is no longer running.
func stale(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return false
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil || pid <= 0 {
		return false
	}
	host, _ := os.Hostname()
	if fields[1] != host {
		return false
	}
	return !processAlive(pid)
}
