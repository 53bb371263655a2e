// Package core defines the key-value surface consumed by the entity store
// and implemented by the infra backends.
package core

import (
	"context"
	"errors"
)

// Driver identifies a concrete key-value backend implementation.
type Driver string

const (
	// DriverMemory represents an in-memory implementation typically used in tests.
	DriverMemory Driver = "memory" // in-memory (tests / ephemeral)
	// DriverFilesystem represents the local filesystem implementation.
	DriverFilesystem Driver = "fs" // one file per key
	// DriverSQLite represents the embedded SQLite implementation.
	DriverSQLite Driver = "sqlite" // embedded sqlite file (default)
	// DriverPostgres represents the PostgreSQL implementation.
	DriverPostgres Driver = "postgres" // PostgreSQL server
	// DriverBolt represents the bbolt implementation.
	DriverBolt Driver = "bolt" // embedded bbolt file
	// DriverS3 represents an S3 / MinIO compatible implementation.
	DriverS3 Driver = "s3" // S3 / MinIO compatible
)

// ErrKeyNotFound is returned by Get when no value is stored under the key.
var ErrKeyNotFound = errors.New("kv: key not found")

// Reader is the read half of the surface.
type Reader interface {
	// Get returns the value stored under key or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
}

// Writer is the write half of the surface. Delete of a missing key is not an error.
type Writer interface {
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Store is a durable per-key read/write/delete primitive. Reads and writes to
// a single key are linearizable; nothing is promised across keys.
type Store interface {
	Reader
	Writer
	Driver() Driver
	Close() error
}

// Txn is the view handed to Transactor.Update. Writes become visible to other
// callers only when the enclosing Update returns nil.
type Txn interface {
	Reader
	Writer
}

// Transactor is implemented by backends that can commit writes to several keys
// as one unit. Returning an error from fn discards every write made through txn.
type Transactor interface {
	Update(ctx context.Context, fn func(txn Txn) error) error
}

// Lister is implemented by backends that can enumerate their keys.
type Lister interface {
	// Keys returns every stored key starting with prefix, in lexical order.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// IsNotFound reports whether err signals a missing key.
func IsNotFound(err error) bool { return errors.Is(err, ErrKeyNotFound) }
