// Package lockfile implements advisory mutual exclusion over the data
// directory via a PID-stamped lock token file.
//
// The lock is cooperative: it only protects writers that go through it. A
// token left behind by a dead process is reclaimed by the next acquirer.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	lockFileName  = "daykeep.lock"
	retryInterval = 50 * time.Millisecond
)

// ErrTimeout is returned when the lock could not be acquired in time.
var ErrTimeout = errors.New("lock acquisition timed out")

// Lock manages the data directory's lock token file.
type Lock struct {
	path string
	held bool
}

// New creates a lock manager for the given data directory.
func New(dataDir string) *Lock {
	return &Lock{path: filepath.Join(dataDir, lockFileName)}
}

// Path returns the full path to the lock token file.
func (l *Lock) Path() string {
	return l.path
}

// Acquire attempts to create the lock token within timeout. The token is
// created with O_EXCL so there is no window between checking and creating.
// If an existing token names a process that is no longer alive, the stale
// token is removed and acquisition retried immediately.
func (l *Lock) Acquire(timeout time.Duration) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(l.path)
				return fmt.Errorf("write lock token: %w", errors.Join(werr, cerr))
			}
			l.held = true
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("create lock token: %w", err)
		}

		if pid, ok := l.holder(); ok && !processExists(pid) {
			// Stale token — holder died without releasing.
			os.Remove(l.path)
			continue
		}

		if time.Now().After(deadline) {
			return ErrTimeout
		}
		time.Sleep(retryInterval)
	}
}

// Release removes the lock token. Best-effort: removal errors are swallowed
// so error paths can always release unconditionally.
func (l *Lock) Release() {
	os.Remove(l.path)
	l.held = false
}

// Held reports whether this Lock instance currently holds the token.
func (l *Lock) Held() bool {
	return l.held
}

// holder reads the PID recorded in the token file.
// Returns false if the file is gone or malformed.
func (l *Lock) holder() (int, bool) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0, false
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, false
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// processExists checks if a process with the given PID is alive.
func processExists(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds. Signal 0 checks existence.
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}
