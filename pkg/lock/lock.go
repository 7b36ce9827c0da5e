// Package lock provides the process-wide advisory lock from spec §5: all
// state transitions and GC passes are serialized by an exclusive file lock
// on a well-known lockfile under the prefix; read-only queries take a
// shared lock instead.
package lock

import (
	"fmt"

	"github.com/gofrs/flock"

	"github.com/sps2/sps2/pkg/errs"
)

// Handle represents a held lock. Release must be called exactly once.
type Handle struct {
	fl *flock.Flock
}

// Release drops the lock.
func (h *Handle) Release() error {
	return h.fl.Unlock()
}

// Acquire takes the exclusive lock at path. If blocking is false, it
// returns a Busy error immediately when the lock is already held
// (implements the CLI's --no-wait flag); otherwise it waits.
func Acquire(path string, blocking bool) (*Handle, error) {
	fl := flock.New(path)

	if blocking {
		if err := fl.Lock(); err != nil {
			return nil, errs.New(errs.CodeState, errs.SeverityHigh, "lock.acquire", err).WithPath(path)
		}
		return &Handle{fl: fl}, nil
	}

	ok, err := fl.TryLock()
	if err != nil {
		return nil, errs.New(errs.CodeState, errs.SeverityHigh, "lock.acquire", err).WithPath(path)
	}
	if !ok {
		return nil, errs.New(errs.CodeState, errs.SeverityMedium, "lock.acquire",
			fmt.Errorf("another sps2 process holds the lock")).
			WithPath(path).WithRetryable(true).WithHint("retry without --no-wait, or wait for the other process to finish")
	}
	return &Handle{fl: fl}, nil
}

// AcquireShared takes the shared lock used by read-only queries (list
// states, show active) so they never block behind one another, only
// behind an in-flight exclusive transition/GC.
func AcquireShared(path string) (*Handle, error) {
	fl := flock.New(path)
	if err := fl.RLock(); err != nil {
		return nil, errs.New(errs.CodeState, errs.SeverityMedium, "lock.acquire_shared", err).WithPath(path)
	}
	return &Handle{fl: fl}, nil
}
