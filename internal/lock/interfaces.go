// Package lock keeps a lifecycle job from running on two replicas at once.
//
// A run takes a JobLock, a lease on the job's key that expires on its own
// when the holder dies, and keeps it alive with KeepAlive for as long as the
// run lasts.
package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrLockLost is the cancellation cause of a run whose lease could not be extended.
var ErrLockLost = errors.New("job lock lost")

// Locker hands out expiring leases on keys. Single-replica deployments use
// MemoryLocker, replicated ones RedisLocker.
type Locker interface {
	// Acquire takes the lease if nobody holds it. Returns false if it is held.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release gives the lease up. Returns false if it was not held.
	Release(ctx context.Context, key string) (bool, error)

	// Extend pushes the expiry of a held lease to ttl from now.
	// Returns false if the lease expired or was taken over.
	Extend(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// IsHeld reports whether anybody holds the lease.
	IsHeld(ctx context.Context, key string) (bool, error)
}

// JobLock is the lease one run holds on its job.
type JobLock struct {
	locker Locker
	job    string
	ttl    time.Duration
	held   atomic.Bool
}

// ForJob returns the lock of the named job. Every acquire and extension
// requests a lease of ttl.
func ForJob(locker Locker, job string, ttl time.Duration) *JobLock {
	return &JobLock{locker: locker, job: job, ttl: ttl}
}

// Key is the lease key of the job.
func (l *JobLock) Key() string { return Keys.Job(l.job) }

// TTL is the lease duration.
func (l *JobLock) TTL() time.Duration { return l.ttl }

// TryAcquire takes the lease without waiting.
func (l *JobLock) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.locker.Acquire(ctx, l.Key(), l.ttl)
	if err != nil {
		return false, err
	}
	l.held.Store(ok)
	return ok, nil
}

// Release gives the lease up. Releasing a lock that is not held is a no-op.
func (l *JobLock) Release(ctx context.Context) error {
	if !l.held.Swap(false) {
		return nil
	}
	_, err := l.locker.Release(ctx, l.Key())
	return err
}

// Extend renews the lease. Returns ErrLockLost when the lease is gone.
func (l *JobLock) Extend(ctx context.Context) error {
	if !l.held.Load() {
		return ErrLockLost
	}
	ok, err := l.locker.Extend(ctx, l.Key(), l.ttl)
	if err != nil {
		return err
	}
	if !ok {
		l.held.Store(false)
		return ErrLockLost
	}
	return nil
}

// Held reports whether this run still holds the lease.
func (l *JobLock) Held() bool {
	return l.held.Load()
}

// KeepAlive extends the lease every third of its TTL until stop is called.
// The returned context is cancelled when an extension fails; its cause is
// the extension error, ErrLockLost if the lease was taken over.
func (l *JobLock) KeepAlive(ctx context.Context) (context.Context, func()) {
	runCtx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(max(l.ttl/3, time.Millisecond))
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := l.Extend(runCtx); err != nil {
					cancel(err)
					return
				}
			}
		}
	}()

	var once sync.Once
	return runCtx, func() {
		once.Do(func() {
			close(done)
			wg.Wait()
			cancel(nil)
		})
	}
}

// =============================================================================
// Lock Keys
// =============================================================================

// Keys builds lease keys.
var Keys = lockKeys{}

type lockKeys struct{}

// Job returns the lease key of a lifecycle job.
func (lockKeys) Job(name string) string {
	return "lifecycle:job:" + name
}
