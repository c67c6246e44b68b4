package lock

import (
	"context"
	"time"
)

// NoOpLocker grants every lease and never reports one as held. It fits a
// single replica whose jobs are only triggered from one place, where overlap
// is already impossible.
type NoOpLocker struct{}

// NewNoOpLocker returns a locker that does not coordinate.
func NewNoOpLocker() NoOpLocker {
	return NoOpLocker{}
}

func (NoOpLocker) Acquire(ctx context.Context, _ string, _ time.Duration) (bool, error) {
	return granted(ctx)
}

func (NoOpLocker) Release(ctx context.Context, _ string) (bool, error) {
	return granted(ctx)
}

func (NoOpLocker) Extend(ctx context.Context, _ string, _ time.Duration) (bool, error) {
	return granted(ctx)
}

func (NoOpLocker) IsHeld(ctx context.Context, _ string) (bool, error) {
	return false, ctx.Err()
}

// granted succeeds unless the caller already gave up.
func granted(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return true, nil
}

var _ Locker = NoOpLocker{}
