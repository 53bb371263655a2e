package kv

import (
	"context"
	"database/sql"
	"fmt"

	boltstore "omnipost/internal/infra/kv/bolt"
	fsstore "omnipost/internal/infra/kv/fs"
	memorystore "omnipost/internal/infra/kv/memory"
	"omnipost/internal/infra/kv/postgres"
	pgstub "omnipost/internal/infra/kv/postgres/testutil"
	infraS3 "omnipost/internal/infra/kv/s3"
	"omnipost/internal/infra/kv/sqlite"
)

// S3Config re-exports the infra S3 configuration type.
type S3Config = infraS3.Config

// Options selects and configures a backend. Only the fields for Driver are read.
type Options struct {
	Driver      Driver
	FSRoot      string
	SQLitePath  string
	PostgresDSN string
	BoltPath    string
	S3          S3Config
}

// Open constructs the backend named by opts.Driver. Defaults to sqlite when unset.
func Open(ctx context.Context, opts Options) (Store, error) {
	driver := opts.Driver
	if driver == "" {
		driver = DriverSQLite
	}
	switch driver {
	case DriverMemory:
		return NewMemory(), nil
	case DriverFilesystem:
		return fsstore.New(opts.FSRoot)
	case DriverSQLite:
		return sqlite.NewStore(opts.SQLitePath)
	case DriverPostgres:
		return postgres.NewStore(ctx, opts.PostgresDSN)
	case DriverBolt:
		return boltstore.NewStore(opts.BoltPath)
	case DriverS3:
		return infraS3.New(ctx, opts.S3)
	default:
		return nil, fmt.Errorf("unknown kv driver %s", driver)
	}
}

// NewMemory returns an in-memory kv.Store suitable for tests.
func NewMemory() Store { return memorystore.New() }

// NewMockS3ForTests exposes the lightweight in-memory S3 mock for cross-package tests.
func NewMockS3ForTests() Store { return infraS3.NewMockForTests() }

// NewPostgresStubForTests opens the postgres backend over an in-memory stub
// database/sql driver, for cross-package tests.
func NewPostgresStubForTests(ctx context.Context) (Store, error) {
	db, _ := pgstub.NewStubDB()
	restore := postgres.OverrideSQLOpen(func(string, string) (*sql.DB, error) { return db, nil })
	defer restore()
	return postgres.NewStore(ctx, "stub")
}

// IsTransactional reports whether s can commit several keys as one unit.
func IsTransactional(s Store) bool {
	_, ok := s.(Transactor)
	return ok
}
