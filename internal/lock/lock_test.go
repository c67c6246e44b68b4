package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/alexander-lifecycle/internal/repository/redis"
)

func TestMemoryLocker(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLocker()
	defer m.Stop()

	key := Keys.Job("archive-complete")
	assert.Equal(t, "lifecycle:job:archive-complete", key)

	ok, err := m.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	held, err := m.IsHeld(ctx, key)
	require.NoError(t, err)
	assert.True(t, held)

	released, err := m.Release(ctx, key)
	require.NoError(t, err)
	assert.True(t, released)

	ok, err = m.Acquire(ctx, key, time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	time.Sleep(5 * time.Millisecond)

	// an expired lease cannot be extended but can be taken over
	extended, err := m.Extend(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, extended)

	ok, err = m.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestJobLock(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLocker()
	defer m.Stop()

	l := ForJob(m, "compress-gc", time.Minute)
	assert.Equal(t, Keys.Job("compress-gc"), l.Key())
	assert.ErrorIs(t, l.Extend(ctx), ErrLockLost, "not acquired yet")

	ok, err := l.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, l.Held())

	ok, err = ForJob(m, "compress-gc", time.Minute).TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "a second run of the job is refused")

	require.NoError(t, l.Extend(ctx))
	require.NoError(t, l.Release(ctx))
	assert.False(t, l.Held())
	require.NoError(t, l.Release(ctx))

	held, err := m.IsHeld(ctx, l.Key())
	require.NoError(t, err)
	assert.False(t, held)
}

func TestJobLockKeepAlive(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLocker()
	defer m.Stop()

	l := ForJob(m, "reference-cleanup", 30*time.Millisecond)
	ok, err := l.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	runCtx, stop := l.KeepAlive(ctx)
	time.Sleep(120 * time.Millisecond)

	// four TTLs later the lease is still ours
	ok, err = m.Acquire(ctx, l.Key(), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, runCtx.Err())

	stop()
	stop()
	assert.Error(t, runCtx.Err())
	require.NoError(t, l.Release(ctx))
}

func TestJobLockKeepAliveLost(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLocker()
	defer m.Stop()

	l := ForJob(m, "reference-cleanup", 30*time.Millisecond)
	ok, err := l.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	runCtx, stop := l.KeepAlive(ctx)
	defer stop()

	// somebody else ends the lease
	_, err = m.Release(ctx, l.Key())
	require.NoError(t, err)

	select {
	case <-runCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("run context not cancelled after the lease was lost")
	}
	assert.ErrorIs(t, context.Cause(runCtx), ErrLockLost)
	assert.False(t, l.Held())
}

func TestNoOpLocker(t *testing.T) {
	ctx := context.Background()
	n := NewNoOpLocker()

	for i := 0; i < 2; i++ {
		ok, err := n.Acquire(ctx, Keys.Job("idle-archive"), time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	held, err := n.IsHeld(ctx, Keys.Job("idle-archive"))
	require.NoError(t, err)
	assert.False(t, held)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	ok, err := n.Acquire(cancelled, Keys.Job("idle-archive"), time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ok)
}

func TestRedisLockerNamespace(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	a := NewRedisLocker(redis.NewDistributedLock(client), "prod")
	b := NewRedisLocker(redis.NewDistributedLock(client), "staging")
	key := Keys.Job("archive-worker")

	ok, err := a.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists("prod:"+key))

	ok, err = b.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "deployments do not share leases")

	extended, err := a.Extend(ctx, key, time.Hour)
	require.NoError(t, err)
	assert.True(t, extended)

	held, err := a.IsHeld(ctx, key)
	require.NoError(t, err)
	assert.True(t, held)

	released, err := a.Release(ctx, key)
	require.NoError(t, err)
	assert.True(t, released)
	assert.False(t, mr.Exists("prod:"+key))
}

func TestKeyedMutex_SerializesPerKey(t *testing.T) {
	k := NewKeyedMutex()

	var (
		wg      sync.WaitGroup
		inside  int32
		maxSeen int32
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("sha")
			defer unlock()

			n := atomic.AddInt32(&inside, 1)
			for {
				old := atomic.LoadInt32(&maxSeen)
				if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
					break
				}
			}
			time.Sleep(time.Microsecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, maxSeen)
	assert.Zero(t, k.Len(), "entries are dropped after the last unlock")
}

func TestKeyedMutex_DifferentKeysDoNotBlock(t *testing.T) {
	k := NewKeyedMutex()
	unlockA := k.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := k.Lock("b")
		unlock()
		unlock() // idempotent
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on another key blocked")
	}
}
