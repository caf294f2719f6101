package store

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// LockPollPeriod is the minimum wait between attempts to acquire a busy lock. The actual wait is
// randomized between LockPollPeriod and twice that.
var LockPollPeriod = time.Second

// execOnFileLock opens the lockPath file (or creates if it doesn't yet exist), locks it, and executes fn.
// If the lockPath is already locked, it polls until it acquires the lock or ctx is done.
//
// The lockPath is not removed, since other processes may be waiting on it.
func execOnFileLock(ctx context.Context, lockPath string, fn func() error) (err error) {
	fileLock := flock.New(lockPath)
	for {
		locked, err := fileLock.TryLock()
		if err != nil {
			return errors.Wrapf(err, "while trying to lock %q", lockPath)
		}
		if locked {
			break
		}
		wait := LockPollPeriod + time.Duration(rand.Int64N(int64(LockPollPeriod)+1))
		klog.V(1).Infof("lock %q is busy, retrying in %s", lockPath, wait)
		select {
		case <-ctx.Done():
			return errors.WithMessagef(ctx.Err(), "waiting for lock %q", lockPath)
		case <-time.After(wait):
		}
	}

	// Unlock in a deferred function, so it happens even if fn() panics.
	defer func() {
		unlockErr := fileLock.Unlock()
		if unlockErr != nil {
			if err == nil {
				err = errors.Wrapf(unlockErr, "unlocking file %q", lockPath)
			} else {
				klog.Errorf("Error unlocking file %q: %v", lockPath, unlockErr)
			}
		}
	}()
	return fn()
}
