// Package memory implements an in-memory key-value Store for tests and ephemeral runs.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"omnipost/internal/kv/core"
)

// Store implements core.Store and core.Transactor backed by process memory.
type Store struct {
	mu   sync.RWMutex
	objs map[string][]byte
}

var (
	_ core.Store      = (*Store)(nil)
	_ core.Transactor = (*Store)(nil)
	_ core.Lister     = (*Store)(nil)
)

// New returns an empty in-memory store.
func New() *Store { return &Store{objs: make(map[string][]byte)} }

// Driver returns the kv driver identifier.
func (s *Store) Driver() core.Driver { return core.DriverMemory }

// Close is a no-op.
func (s *Store) Close() error { return nil }

// Get returns a copy of the value stored under key.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	v, ok := s.objs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, core.ErrKeyNotFound
	}
	return cloneBytes(v), nil
}

// Put stores a copy of value under key, replacing any previous value.
func (s *Store) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	s.objs[key] = cloneBytes(value)
	s.mu.Unlock()
	return nil
}

// Delete removes key; missing keys are ignored.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.objs, key)
	s.mu.Unlock()
	return nil
}

// Update runs fn against a staged view and applies its writes atomically when fn succeeds.
// The store's write lock is held for the duration of fn, so updates are serialized.
func (s *Store) Update(ctx context.Context, fn func(core.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	txn := &memTxn{base: s.objs, puts: make(map[string][]byte), dels: make(map[string]struct{})}
	if err := fn(txn); err != nil {
		return err
	}
	for k := range txn.dels {
		delete(s.objs, k)
	}
	for k, v := range txn.puts {
		s.objs[k] = v
	}
	return nil
}

// Keys returns every stored key with the given prefix in lexical order.
func (s *Store) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.objs))
	for k := range s.objs {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

type memTxn struct {
	base map[string][]byte
	puts map[string][]byte
	dels map[string]struct{}
}

func (t *memTxn) Get(_ context.Context, key string) ([]byte, error) {
	if v, ok := t.puts[key]; ok {
		return cloneBytes(v), nil
	}
	if _, ok := t.dels[key]; ok {
		return nil, core.ErrKeyNotFound
	}
	v, ok := t.base[key]
	if !ok {
		return nil, core.ErrKeyNotFound
	}
	return cloneBytes(v), nil
}

func (t *memTxn) Put(_ context.Context, key string, value []byte) error {
	delete(t.dels, key)
	t.puts[key] = cloneBytes(value)
	return nil
}

func (t *memTxn) Delete(_ context.Context, key string) error {
	delete(t.puts, key)
	t.dels[key] = struct{}{}
	return nil
}

func cloneBytes(in []byte) []byte {
	if in == nil {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}
