package lock

import (
	"context"
	"sync"
	"time"
)

// sweepInterval is how often MemoryLocker drops expired leases.
const sweepInterval = 30 * time.Second

// MemoryLocker keeps leases in process memory. Two replicas using it do not
// see each other's leases.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]time.Time // key -> expiry

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryLocker starts a locker with a background sweep. Call Stop to end it.
func NewMemoryLocker() *MemoryLocker {
	m := &MemoryLocker{
		leases: make(map[string]time.Time),
		stop:   make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Stop ends the sweep.
func (m *MemoryLocker) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *MemoryLocker) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.mu.Lock()
			for key := range m.leases {
				m.liveLocked(key, now)
			}
			m.mu.Unlock()
		}
	}
}

// liveLocked reports whether key has an unexpired lease, dropping an expired one.
func (m *MemoryLocker) liveLocked(key string, now time.Time) bool {
	expiry, ok := m.leases[key]
	if !ok {
		return false
	}
	if !now.Before(expiry) {
		delete(m.leases, key)
		return false
	}
	return true
}

func (m *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if m.liveLocked(key, now) {
		return false, nil
	}
	m.leases[key] = now.Add(ttl)
	return true, nil
}

// Release reports false for a lease that already expired.
func (m *MemoryLocker) Release(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	live := m.liveLocked(key, time.Now())
	delete(m.leases, key)
	return live, nil
}

func (m *MemoryLocker) Extend(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if !m.liveLocked(key, now) {
		return false, nil
	}
	m.leases[key] = now.Add(ttl)
	return true, nil
}

func (m *MemoryLocker) IsHeld(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveLocked(key, time.Now()), nil
}

var _ Locker = (*MemoryLocker)(nil)
