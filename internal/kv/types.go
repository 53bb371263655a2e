// Package kv re-exports the key-value abstractions and wires the infra
// backends behind a single Open entry point.
package kv

import (
	"omnipost/internal/kv/core"
)

type (
	// Driver identifies a kv backend driver.
	Driver = core.Driver
	// Store is the interface for kv storage backends.
	Store = core.Store
	// Txn is the view passed to Transactor.Update.
	Txn = core.Txn
	// Transactor is implemented by backends with multi-key transactions.
	Transactor = core.Transactor
)

const (
	DriverMemory     = core.DriverMemory
	DriverFilesystem = core.DriverFilesystem
	DriverSQLite     = core.DriverSQLite
	DriverPostgres   = core.DriverPostgres
	DriverBolt       = core.DriverBolt
	DriverS3         = core.DriverS3
)

// ErrKeyNotFound is returned by Get when no value exists under a key.
var ErrKeyNotFound = core.ErrKeyNotFound

// Drivers lists every supported driver in documentation order.
func Drivers() []Driver {
	return []Driver{DriverMemory, DriverFilesystem, DriverSQLite, DriverPostgres, DriverBolt, DriverS3}
}
