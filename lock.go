package link

import (
	"errors"
	"fmt"
	"os"

	"github.com/gofrs/flock"
)

// ErrLockHeld means another daemon instance owns the lock file.
var ErrLockHeld = errors.New("another instance is running")

// InstanceLock is the single-instance guard. The daemon does not
// attempt stale-lock recovery; a stale file is an operator decision.
type InstanceLock struct {
	fl   *flock.Flock
	path string
}

// AcquireLock takes the exclusive lock at path and records the pid
// inside it. ErrLockHeld is returned when another process holds it.
func AcquireLock(path string) (*InstanceLock, error) {
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockHeld
	}
	// Best-effort pid note for operators inspecting a stale lock
	os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
	return &InstanceLock{fl: fl, path: path}, nil
}

// Release unlocks and removes the lock file.
func (l *InstanceLock) Release() {
	l.fl.Unlock()
	os.Remove(l.path)
}
