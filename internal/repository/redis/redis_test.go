package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/alexander-lifecycle/internal/repository"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestDistributedLock_AcquireRelease(t *testing.T) {
	ctx := context.Background()
	_, client := newTestClient(t)

	a := NewDistributedLock(client)
	b := NewDistributedLock(client)

	ok, err := a.Acquire(ctx, "lock:job:idle-archive", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx, "lock:job:idle-archive", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must be refused")

	// b never held it, so it cannot release it.
	released, err := b.Release(ctx, "lock:job:idle-archive")
	require.NoError(t, err)
	assert.False(t, released)

	held, err := a.IsHeld(ctx, "lock:job:idle-archive")
	require.NoError(t, err)
	assert.True(t, held)

	released, err = a.Release(ctx, "lock:job:idle-archive")
	require.NoError(t, err)
	assert.True(t, released)

	ok, err = b.Acquire(ctx, "lock:job:idle-archive", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDistributedLock_ExpiresAndExtend(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestClient(t)
	l := NewDistributedLock(client)

	ok, err := l.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	extended, err := l.Extend(ctx, "k", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, extended)

	mr.FastForward(5 * time.Second)
	held, err := l.IsHeld(ctx, "k")
	require.NoError(t, err)
	assert.True(t, held)

	mr.FastForward(6 * time.Second)
	held, err = l.IsHeld(ctx, "k")
	require.NoError(t, err)
	assert.False(t, held)

	// Token no longer matches anything in Redis.
	extended, err = l.Extend(ctx, "k", time.Second)
	require.NoError(t, err)
	assert.False(t, extended)
}

func TestDistributedLock_AcquireWithRetry(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestClient(t)
	a := NewDistributedLock(client)
	b := NewDistributedLock(client)

	ok, err := a.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.AcquireWithRetry(ctx, "k", time.Minute, 2, time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.Del("k")
	ok, err = b.AcquireWithRetry(ctx, "k", time.Minute, 2, time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCache(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestClient(t)
	c := NewCache(client)

	_, err := c.Get(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrCacheMiss)

	require.NoError(t, c.Set(ctx, "a", []byte("1"), time.Minute))
	v, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	exists, err := c.Exists(ctx, "a")
	require.NoError(t, err)
	assert.True(t, exists)

	mr.FastForward(2 * time.Minute)
	_, err = c.Get(ctx, "a")
	assert.ErrorIs(t, err, repository.ErrCacheMiss)

	require.NoError(t, c.Set(ctx, "b", []byte("2"), 0))
	require.NoError(t, c.Delete(ctx, "b"))
	exists, err = c.Exists(ctx, "b")
	require.NoError(t, err)
	assert.False(t, exists)
}
