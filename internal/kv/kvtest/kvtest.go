// Package kvtest holds the behaviour every kv backend must share. Backend
// packages call Run from their own tests.
package kvtest

import (
	"context"
	"errors"
	"testing"

	"omnipost/internal/kv/core"
)

var errAbort = errors.New("abort")

// Run exercises s through core.Store and, when implemented, core.Transactor
// and core.Lister. s must be empty.
func Run(t *testing.T, s core.Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.Get(ctx, "missing"); !core.IsNotFound(err) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
	if err := s.Delete(ctx, "missing"); err != nil {
		t.Fatalf("delete of missing key: %v", err)
	}
	if err := s.Put(ctx, "item/a", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.Get(ctx, "item/a")
	if err != nil || string(got) != `{"v":1}` {
		t.Fatalf("get after put: %q %v", got, err)
	}
	got[0] = 'X'
	if again, _ := s.Get(ctx, "item/a"); string(again) != `{"v":1}` {
		t.Fatalf("returned value aliases stored bytes: %q", again)
	}
	if err := s.Put(ctx, "item/a", []byte(`{"v":2}`)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if got, _ := s.Get(ctx, "item/a"); string(got) != `{"v":2}` {
		t.Fatalf("overwrite not visible: %q", got)
	}
	if err := s.Put(ctx, "items", []byte(`[]`)); err != nil {
		t.Fatalf("put sibling key: %v", err)
	}
	if got, _ := s.Get(ctx, "item/a"); string(got) != `{"v":2}` {
		t.Fatalf("sibling key clobbered record: %q", got)
	}
	if err := s.Delete(ctx, "item/a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "item/a"); !core.IsNotFound(err) {
		t.Fatalf("expected key gone, got %v", err)
	}
	if s.Driver() == "" {
		t.Fatalf("driver name required")
	}

	if tx, ok := s.(core.Transactor); ok {
		runTransactor(t, s, tx)
	}
	if l, ok := s.(core.Lister); ok {
		runLister(t, s, l)
	}
}

func runTransactor(t *testing.T, s core.Store, tx core.Transactor) {
	t.Helper()
	ctx := context.Background()
	err := tx.Update(ctx, func(txn core.Txn) error {
		if err := txn.Put(ctx, "tx/a", []byte("1")); err != nil {
			return err
		}
		if err := txn.Put(ctx, "tx/b", []byte("2")); err != nil {
			return err
		}
		got, err := txn.Get(ctx, "tx/a")
		if err != nil || string(got) != "1" {
			t.Errorf("read-your-writes inside txn: %q %v", got, err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	for _, k := range []string{"tx/a", "tx/b"} {
		if _, err := s.Get(ctx, k); err != nil {
			t.Fatalf("committed key %s missing: %v", k, err)
		}
	}

	err = tx.Update(ctx, func(txn core.Txn) error {
		if err := txn.Put(ctx, "tx/a", []byte("changed")); err != nil {
			return err
		}
		if err := txn.Delete(ctx, "tx/b"); err != nil {
			return err
		}
		if _, err := txn.Get(ctx, "tx/b"); !core.IsNotFound(err) {
			t.Errorf("delete not visible inside txn: %v", err)
		}
		if err := txn.Put(ctx, "tx/c", []byte("3")); err != nil {
			return err
		}
		return errAbort
	})
	if !errors.Is(err, errAbort) {
		t.Fatalf("expected fn error to surface, got %v", err)
	}
	if got, _ := s.Get(ctx, "tx/a"); string(got) != "1" {
		t.Fatalf("aborted write visible: %q", got)
	}
	if _, err := s.Get(ctx, "tx/b"); err != nil {
		t.Fatalf("aborted delete applied: %v", err)
	}
	if _, err := s.Get(ctx, "tx/c"); !core.IsNotFound(err) {
		t.Fatalf("aborted insert visible: %v", err)
	}
	for _, k := range []string{"tx/a", "tx/b"} {
		_ = s.Delete(ctx, k)
	}
}

func runLister(t *testing.T, s core.Store, l core.Lister) {
	t.Helper()
	ctx := context.Background()
	for _, k := range []string{"list/b", "list/a", "listing", "other/a"} {
		if err := s.Put(ctx, k, []byte("x")); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}
	keys, err := l.Keys(ctx, "list/")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "list/a" || keys[1] != "list/b" {
		t.Fatalf("unexpected keys %v", keys)
	}
}
