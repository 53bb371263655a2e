package bolt

import (
	"context"
	"path/filepath"
	"testing"

	"omnipost/internal/kv/kvtest"
)

func TestStoreContract(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "kv.bolt"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer func() { _ = s.Close() }()
	kvtest.Run(t, s)
}

func TestSecondOpenTimesOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.bolt")
	s, err := NewStore(path)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer func() { _ = s.Close() }()
	if s.Path() != path {
		t.Fatalf("unexpected path %s", s.Path())
	}
	if _, err := NewStore(path); err == nil {
		t.Fatalf("expected file lock timeout for second open")
	}
}

func TestCancelledContext(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "kv.bolt"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer func() { _ = s.Close() }()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Get(ctx, "k"); err == nil {
		t.Fatalf("expected cancelled get to fail")
	}
	if err := s.Put(ctx, "k", []byte("v")); err == nil {
		t.Fatalf("expected cancelled put to fail")
	}
}
