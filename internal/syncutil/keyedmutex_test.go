package syncutil

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestKeyedMutex_Exclusion(t *testing.T) {
	m := NewKeyedMutex()

	unlock, err := m.LockContext(context.Background(), "req_1")
	if err != nil {
		t.Fatalf("first lock failed: %v", err)
	}

	if _, ok := m.TryLock("req_1"); ok {
		t.Fatal("TryLock succeeded while lock held")
	}

	// A different key is independent.
	unlock2, ok := m.TryLock("req_2")
	if !ok {
		t.Fatal("TryLock on a different key should succeed")
	}
	unlock2()

	unlock()
	unlock3, ok := m.TryLock("req_1")
	if !ok {
		t.Fatal("TryLock should succeed after unlock")
	}
	unlock3()
}

func TestKeyedMutex_ContextCancel(t *testing.T) {
	m := NewKeyedMutex()

	unlock, err := m.LockContext(context.Background(), "req_1")
	if err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := m.LockContext(ctx, "req_1"); err != context.DeadlineExceeded {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestKeyedMutex_Serializes(t *testing.T) {
	m := NewKeyedMutex()
	var counter int

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.LockContext(context.Background(), "shared")
			if err != nil {
				t.Error(err)
				return
			}
			counter++
			unlock()
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Fatalf("expected 50 serialized increments, got %d", counter)
	}
}
