package notify

import (
	"context"
	"errors"
	"time"

	"github.com/paveline/backend-pavedeck/internal/lock"
)

// Locker is the slice of the distributed lock the sweep needs.
type Locker interface {
	TryWithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// SweepWorker drains due webhook deliveries under a distributed lock so only
// one worker instance runs a sweep at a time.
type SweepWorker struct {
	Dispatcher *Dispatcher
	Locker     Locker
	LockTTL    time.Duration
	Batch      int32
}

const sweepLockKey = "lock:webhook:sweep"

// Sweep runs one delivery batch. A contended lock is not an error; the other
// instance's sweep covers the work.
func (w SweepWorker) Sweep(ctx context.Context) error {
	if w.Dispatcher == nil {
		return errors.New("webhook worker: dispatcher not configured")
	}
	batch := w.Batch
	if batch <= 0 {
		batch = 25
	}
	ttl := w.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if w.Locker == nil {
		return w.Dispatcher.WorkOnce(ctx, batch)
	}
	err := w.Locker.TryWithLock(ctx, sweepLockKey, ttl, func(ctx context.Context) error {
		return w.Dispatcher.WorkOnce(ctx, batch)
	})
	if errors.Is(err, lock.ErrNotAcquired) {
		return nil
	}
	return err
}
