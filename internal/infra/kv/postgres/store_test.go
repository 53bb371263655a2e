package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"omnipost/internal/infra/kv/postgres/testutil"
	"omnipost/internal/kv/core"
	"omnipost/internal/kv/kvtest"
)

func openStub(t *testing.T) (*Store, *testutil.StubConn) {
	t.Helper()
	db, conn := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(driverName, dsn string) (*sql.DB, error) {
		if driverName != defaultDriver {
			t.Fatalf("unexpected driver %s", driverName)
		}
		return db, nil
	})
	defer restore()
	s, err := NewStore(context.Background(), "")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s, conn
}

func TestStoreContract(t *testing.T) {
	s, conn := openStub(t)
	defer func() { _ = s.Close() }()
	kvtest.Run(t, s)
	if conn.ExecCount("CREATE TABLE IF NOT EXISTS kv") != 1 {
		t.Fatalf("expected table bootstrap")
	}
}

func TestTransactionTakesAdvisoryLockOncePerKey(t *testing.T) {
	s, conn := openStub(t)
	defer func() { _ = s.Close() }()
	ctx := context.Background()
	err := s.Update(ctx, func(txn core.Txn) error {
		if _, err := txn.Get(ctx, "profiles"); !core.IsNotFound(err) {
			return err
		}
		if err := txn.Put(ctx, "profiles", []byte("{}")); err != nil {
			return err
		}
		return txn.Put(ctx, "profile/p1", []byte("{}"))
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if n := conn.ExecCount("pg_advisory_xact_lock"); n != 2 {
		t.Fatalf("expected one advisory lock per key, got %d", n)
	}
}

func TestNewStoreFailures(t *testing.T) {
	restore := OverrideSQLOpen(func(string, string) (*sql.DB, error) { return nil, errors.New("dial") })
	if _, err := NewStore(context.Background(), "postgres://x"); err == nil {
		t.Fatalf("expected open failure")
	}
	restore()

	db, conn := testutil.NewStubDB()
	conn.FailPing = true
	restore = OverrideSQLOpen(func(string, string) (*sql.DB, error) { return db, nil })
	if _, err := NewStore(context.Background(), ""); err == nil {
		t.Fatalf("expected ping failure")
	}
	restore()

	db, conn = testutil.NewStubDB()
	conn.FailExec = true
	restore = OverrideSQLOpen(func(string, string) (*sql.DB, error) { return db, nil })
	defer restore()
	if _, err := NewStore(context.Background(), ""); err == nil {
		t.Fatalf("expected table bootstrap failure")
	}
}

func TestUpdateBeginAndCommitFailures(t *testing.T) {
	s, conn := openStub(t)
	defer func() { _ = s.Close() }()
	ctx := context.Background()
	conn.FailBegin = true
	if err := s.Update(ctx, func(core.Txn) error { return nil }); err == nil {
		t.Fatalf("expected begin failure")
	}
	conn.FailBegin = false
	conn.FailCommit = true
	err := s.Update(ctx, func(txn core.Txn) error { return txn.Put(ctx, "k", []byte("v")) })
	if err == nil {
		t.Fatalf("expected commit failure")
	}
	conn.FailCommit = false
	if _, err := s.Get(ctx, "k"); !core.IsNotFound(err) {
		t.Fatalf("failed commit must not persist writes: %v", err)
	}
}
