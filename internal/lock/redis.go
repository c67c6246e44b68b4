package lock

import (
	"context"
	"time"

	"github.com/prn-tf/alexander-lifecycle/internal/repository"
)

// RedisLocker shares job leases between replicas through Redis. Keys are put
// under a namespace so that several deployments can share one Redis.
type RedisLocker struct {
	leases    repository.DistributedLock
	namespace string
}

// NewRedisLocker returns a locker over dl. An empty namespace leaves keys as they are.
func NewRedisLocker(dl repository.DistributedLock, namespace string) *RedisLocker {
	return &RedisLocker{leases: dl, namespace: namespace}
}

func (l *RedisLocker) key(key string) string {
	if l.namespace == "" {
		return key
	}
	return l.namespace + ":" + key
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.leases.Acquire(ctx, l.key(key), ttl)
}

func (l *RedisLocker) Release(ctx context.Context, key string) (bool, error) {
	return l.leases.Release(ctx, l.key(key))
}

// Extend only succeeds for leases this process acquired.
func (l *RedisLocker) Extend(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.leases.Extend(ctx, l.key(key), ttl)
}

func (l *RedisLocker) IsHeld(ctx context.Context, key string) (bool, error) {
	return l.leases.IsHeld(ctx, l.key(key))
}

var _ Locker = (*RedisLocker)(nil)
