package entity

import (
	"sync"

	"omnipost/internal/kv/core"
)

// keyLocks hands out one mutex per key, dropping entries once no goroutine
// holds or waits on them.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks { return &keyLocks{locks: make(map[string]*refMutex)} }

func (l *keyLocks) lock(key string) (unlock func()) {
	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &refMutex{}
		l.locks[key] = m
	}
	m.refs++
	l.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		l.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

// lockTables shares one keyLocks per backend so every Store and Handle opened
// on the same kv.Store in this process contends on the same keys. Entries are
// reference counted by open Stores and dropped when the last one is closed.
var (
	lockTablesMu sync.Mutex
	lockTables   = make(map[core.Store]*sharedLocks)
)

type sharedLocks struct {
	locks *keyLocks
	users int
}

func acquireLocks(store core.Store) *keyLocks {
	lockTablesMu.Lock()
	defer lockTablesMu.Unlock()
	t, ok := lockTables[store]
	if !ok {
		t = &sharedLocks{locks: newKeyLocks()}
		lockTables[store] = t
	}
	t.users++
	return t.locks
}

func releaseLocks(store core.Store) {
	lockTablesMu.Lock()
	defer lockTablesMu.Unlock()
	t, ok := lockTables[store]
	if !ok {
		return
	}
	if t.users--; t.users <= 0 {
		delete(lockTables, store)
	}
}
