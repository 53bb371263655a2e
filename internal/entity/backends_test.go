package entity

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"omnipost/internal/kv"
	"omnipost/internal/kv/core"
	"omnipost/internal/observability"
)

type backendCase struct {
	name          string
	open          func(t *testing.T) core.Store
	transactional bool
}

func openBackend(t *testing.T, opts kv.Options) core.Store {
	t.Helper()
	s, err := kv.Open(context.Background(), opts)
	if err != nil {
		t.Fatalf("open %s: %v", opts.Driver, err)
	}
	return s
}

func backendCases() []backendCase {
	return []backendCase{
		{name: "memory", transactional: true, open: func(*testing.T) core.Store { return kv.NewMemory() }},
		{name: "fs", transactional: true, open: func(t *testing.T) core.Store {
			return openBackend(t, kv.Options{Driver: kv.DriverFilesystem, FSRoot: t.TempDir()})
		}},
		{name: "sqlite", transactional: true, open: func(t *testing.T) core.Store {
			return openBackend(t, kv.Options{Driver: kv.DriverSQLite, SQLitePath: filepath.Join(t.TempDir(), "kv.db")})
		}},
		{name: "bolt", transactional: true, open: func(t *testing.T) core.Store {
			return openBackend(t, kv.Options{Driver: kv.DriverBolt, BoltPath: filepath.Join(t.TempDir(), "kv.bolt")})
		}},
		{name: "s3", open: func(*testing.T) core.Store { return kv.NewMockS3ForTests() }},
		{name: "postgres", transactional: true, open: func(t *testing.T) core.Store {
			s, err := kv.NewPostgresStubForTests(context.Background())
			if err != nil {
				t.Fatalf("open postgres: %v", err)
			}
			return s
		}},
	}
}

// TestBackendsKeepIndexAndRecordsConsistent runs the same membership
// workload against every backend.
func TestBackendsKeepIndexAndRecordsConsistent(t *testing.T) {
	for _, bc := range backendCases() {
		t.Run(bc.name, func(t *testing.T) {
			ctx := context.Background()
			backend := bc.open(t)
			t.Cleanup(func() { _ = backend.Close() })
			s := newNoteStore(t, backend, fastRetry)
			if s.Transactional() != bc.transactional {
				t.Fatalf("expected transactional=%v", bc.transactional)
			}
			for i := 0; i < 12; i++ {
				if _, err := s.Create(ctx, note{ID: fmt.Sprintf("b%02d", i), Count: i}); err != nil {
					t.Fatalf("create: %v", err)
				}
			}
			if _, err := s.Create(ctx, note{ID: "b03"}); !errors.Is(err, ErrAlreadyExists) {
				t.Fatalf("expected collision, got %v", err)
			}
			first, err := s.List(ctx, "", 5)
			if err != nil || len(first.Items) != 5 {
				t.Fatalf("first page: %v %v", len(first.Items), err)
			}
			for _, id := range []string{"b04", "b07"} {
				if ok, err := s.Delete(ctx, id); err != nil || !ok {
					t.Fatalf("delete %s: %v %v", id, ok, err)
				}
			}
			if ok, err := s.Delete(ctx, "b07"); err != nil || ok {
				t.Fatalf("second delete should be false: %v %v", ok, err)
			}
			var rest []string
			for cursor := first.Next; cursor != ""; {
				page, err := s.List(ctx, cursor, 5)
				if err != nil {
					t.Fatalf("list: %v", err)
				}
				for _, it := range page.Items {
					rest = append(rest, it.ID)
				}
				cursor = page.Next
			}
			if want := "[b05 b06 b08 b09 b10 b11]"; fmt.Sprint(rest) != want {
				t.Fatalf("expected %s, got %v", want, rest)
			}
			merged, err := s.Handle("b05").Patch(ctx, Fields{"title": "five"})
			if err != nil || merged.Count != 5 || merged.Title != "five" {
				t.Fatalf("patch: %+v %v", merged, err)
			}
			assertConsistent(t, s, "b00", "b01", "b02", "b03", "b05", "b06", "b08", "b09", "b10", "b11")
		})
	}
}

func TestBackendsConcurrentMembership(t *testing.T) {
	for _, bc := range backendCases() {
		t.Run(bc.name, func(t *testing.T) {
			ctx := context.Background()
			backend := bc.open(t)
			t.Cleanup(func() { _ = backend.Close() })
			s := newNoteStore(t, backend, fastRetry)
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					id := fmt.Sprintf("m%02d", i)
					if _, err := s.Create(ctx, note{ID: id}); err != nil {
						t.Errorf("create %s: %v", id, err)
						return
					}
					if i%2 == 0 {
						if _, err := s.Delete(ctx, id); err != nil {
							t.Errorf("delete %s: %v", id, err)
						}
					}
				}(i)
			}
			wg.Wait()
			ids, err := s.Index().All(ctx)
			if err != nil {
				t.Fatalf("index: %v", err)
			}
			if len(ids) != 8 {
				t.Fatalf("expected 8 ids, got %v", ids)
			}
			assertConsistent(t, s, ids...)
		})
	}
}

// TestFilesystemHandlesShareOneRoot models two processes pointed at the same
// directory: each has its own backend handle, so in-process key locks do not
// coordinate them.
func TestFilesystemHandlesShareOneRoot(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	var stores []*Store[note]
	for i := 0; i < 2; i++ {
		backend := openBackend(t, kv.Options{Driver: kv.DriverFilesystem, FSRoot: root})
		t.Cleanup(func() { _ = backend.Close() })
		stores = append(stores, newNoteStore(t, backend, fastRetry))
	}

	const perStore = 40
	var wg sync.WaitGroup
	for n, s := range stores {
		for i := 0; i < perStore; i++ {
			wg.Add(1)
			go func(s *Store[note], id string) {
				defer wg.Done()
				if _, err := s.Create(ctx, note{ID: id}); err != nil {
					t.Errorf("create %s: %v", id, err)
				}
			}(s, fmt.Sprintf("h%d-%02d", n, i))
		}
	}
	wg.Wait()

	for _, s := range stores {
		ids, err := s.Index().All(ctx)
		if err != nil {
			t.Fatalf("index: %v", err)
		}
		if len(ids) != 2*perStore {
			t.Fatalf("expected %d indexed ids, got %d", 2*perStore, len(ids))
		}
		assertConsistent(t, s, ids...)
	}
	report, err := stores[0].Repair(ctx)
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if len(report.Orphans) != 0 {
		t.Fatalf("expected no unindexed records, got %v", report.Orphans)
	}
}

func TestStoreReportsObservations(t *testing.T) {
	ctx := context.Background()
	rec := observability.NewExpvarRecorder("")
	tracer := observability.NewJSONTracer(nil)
	s := newNoteStore(t, kv.NewMemory(), WithRecorder(rec), WithTracer(tracer), WithListConcurrency(2))
	_, _ = s.Create(ctx, note{ID: "o"})
	_, _ = s.Create(ctx, note{ID: "o"})
	_, _ = s.List(ctx, "", 0)
	snap := rec.Snapshot()
	if snap["note"]["create"].Success != 1 || snap["note"]["create"].Error != 1 {
		t.Fatalf("unexpected create results %+v", snap)
	}
	if snap["note"]["list"].Success != 1 {
		t.Fatalf("expected list observation %+v", snap)
	}
	entries := tracer.Entries()
	if len(entries) != 3 || entries[1].Status != "error" || entries[1].Error == "" {
		t.Fatalf("unexpected spans %+v", entries)
	}
}
