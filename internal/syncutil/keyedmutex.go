// Package syncutil provides concurrency primitives shared by the in-memory stores.
package syncutil

import (
	"context"
	"sync"
)

// KeyedMutex provides one channel-based mutex per key with context-aware
// acquisition. The in-memory request store uses it to emulate a bounded
// row-lock wait: callers that cannot acquire the per-request lock before
// their context expires bail out instead of queueing forever.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewKeyedMutex creates an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]chan struct{})}
}

func (m *KeyedMutex) lockChan(key string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		ch <- struct{}{} // start unlocked
		m.locks[key] = ch
	}
	return ch
}

// LockContext acquires the mutex for key, respecting context cancellation.
// On success it returns an unlock function the caller MUST invoke.
// On cancellation it returns nil and the context error.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	ch := m.lockChan(key)
	select {
	case <-ch:
		return func() { ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the mutex for key without waiting.
// Returns the unlock function and true, or nil and false if held elsewhere.
func (m *KeyedMutex) TryLock(key string) (func(), bool) {
	ch := m.lockChan(key)
	select {
	case <-ch:
		return func() { ch <- struct{}{} }, true
	default:
		return nil, false
	}
}
