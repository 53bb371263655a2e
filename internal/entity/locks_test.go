package entity

import (
	"sync"
	"testing"
	"time"

	"omnipost/internal/kv"
)

func lockTableFor(backend any) (*sharedLocks, bool) {
	lockTablesMu.Lock()
	defer lockTablesMu.Unlock()
	for store, t := range lockTables {
		if any(store) == backend {
			return t, true
		}
	}
	return nil, false
}

func TestStoresOnOneBackendShareLocksUntilClosed(t *testing.T) {
	backend := kv.NewMemory()
	a := newNoteStore(t, backend)
	b := newNoteStore(t, backend)
	if a.locks != b.locks {
		t.Fatalf("stores on one backend should share key locks")
	}
	other := newNoteStore(t, kv.NewMemory())
	defer func() { _ = other.Close() }()
	if other.locks == a.locks {
		t.Fatalf("stores on different backends must not share key locks")
	}

	if err := a.Close(); err != nil {
		t.Fatalf("close a: %v", err)
	}
	_ = a.Close()
	if tbl, ok := lockTableFor(backend); !ok || tbl.users != 1 {
		t.Fatalf("expected one remaining user, got %+v %v", tbl, ok)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close b: %v", err)
	}
	if _, ok := lockTableFor(backend); ok {
		t.Fatalf("lock table should be dropped once every store is closed")
	}
}

func TestKeyLocksSerializeAndForget(t *testing.T) {
	l := newKeyLocks()
	unlock := l.lock("k")
	acquired := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		u := l.lock("k")
		close(acquired)
		u()
	}()
	select {
	case <-acquired:
		t.Fatalf("second holder acquired a held key")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	wg.Wait()
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.locks) != 0 {
		t.Fatalf("expected idle keys to be forgotten, got %d", len(l.locks))
	}
}
