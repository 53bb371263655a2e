// Package bolt implements the key-value surface on a bbolt database file.
package bolt

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"omnipost/internal/kv/core"
)

const bucketName = "kv"

// Store wraps bbolt.DB with a single bucket holding every key.
type Store struct {
	db *bbolt.DB
}

var (
	_ core.Store      = (*Store)(nil)
	_ core.Transactor = (*Store)(nil)
	_ core.Lister     = (*Store)(nil)
)

// NewStore opens (or creates) the bbolt database at path and ensures the kv bucket exists.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "omnipost.bolt"
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bucket %s: %w", bucketName, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Driver() core.Driver { return core.DriverBolt }

// Close closes the database file.
func (s *Store) Close() error { return s.db.Close() }

// Path returns the database file path.
func (s *Store) Path() string { return s.db.Path() }

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		out, err = (&boltTxn{tx: tx}).Get(ctx, key)
		return err
	})
	return out, err
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	return s.Update(ctx, func(txn core.Txn) error { return txn.Put(ctx, key, value) })
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.Update(ctx, func(txn core.Txn) error { return txn.Delete(ctx, key) })
}

// Update executes fn in a read-write bbolt transaction. bbolt allows one writer
// at a time, so updates are serialized.
func (s *Store) Update(ctx context.Context, fn func(core.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return fn(&boltTxn{tx: tx})
	})
}

// Keys returns every key starting with prefix. bbolt keeps keys sorted, so the
// cursor seeks to prefix and stops at the first key outside it.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		buck, err := (&boltTxn{tx: tx}).bucket()
		if err != nil {
			return err
		}
		p := []byte(prefix)
		c := buck.Cursor()
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	return keys, err
}

type boltTxn struct {
	tx *bbolt.Tx
}

func (b *boltTxn) bucket() (*bbolt.Bucket, error) {
	buck := b.tx.Bucket([]byte(bucketName))
	if buck == nil {
		return nil, fmt.Errorf("bucket %s missing", bucketName)
	}
	return buck, nil
}

func (b *boltTxn) Get(_ context.Context, key string) ([]byte, error) {
	buck, err := b.bucket()
	if err != nil {
		return nil, err
	}
	value := buck.Get([]byte(key))
	if value == nil {
		return nil, core.ErrKeyNotFound
	}
	// values are only valid for the life of the transaction
	result := make([]byte, len(value))
	copy(result, value)
	return result, nil
}

func (b *boltTxn) Put(_ context.Context, key string, value []byte) error {
	buck, err := b.bucket()
	if err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	return buck.Put([]byte(key), value)
}

func (b *boltTxn) Delete(_ context.Context, key string) error {
	buck, err := b.bucket()
	if err != nil {
		return err
	}
	return buck.Delete([]byte(key))
}
