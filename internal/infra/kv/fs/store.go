package fs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"omnipost/internal/kv/core"
)

const (
	valueSuffix  = ".kv"
	lockFileName = ".omnipost.lock"
	lockRetry    = 5 * time.Millisecond
)

// Store implements core.Store using the local filesystem. Each key maps to a
// file under root (key + ".kv"). Writes go through a temp file and rename, and
// are serialized across processes with an advisory lock on root.
//
// Update holds the root lock for the whole transaction, so read-modify-write
// sequences are isolated from every other handle on the same root, including
// handles in other processes. Staged writes are applied in the order they were
// first made; a crash part way through leaves a prefix of them on disk.
type Store struct {
	root string
	lock *flock.Flock
	mu   sync.Mutex
}

var (
	_ core.Store      = (*Store)(nil)
	_ core.Transactor = (*Store)(nil)
	_ core.Lister     = (*Store)(nil)
)

// New returns a filesystem-backed store rooted at path, creating it if needed.
func New(root string) (*Store, error) {
	if root == "" {
		root = "./kvdata"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create kv root: %w", err)
	}
	return &Store{root: root, lock: flock.New(filepath.Join(root, lockFileName))}, nil
}

func (s *Store) Driver() core.Driver { return core.DriverFilesystem }

// Root returns the configured directory.
func (s *Store) Root() string { return s.root }

// Close releases the advisory lock if it is still held.
func (s *Store) Close() error { return s.lock.Close() }

// sanitizeKey ensures key doesn't escape root and forbids path traversal and absolute paths.
func sanitizeKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("empty key")
	}
	if strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid key contains '..'")
	}
	if strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("invalid absolute key")
	}
	clean := filepath.ToSlash(filepath.Clean(key))
	if strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid key traversal")
	}
	return clean, nil
}

func (s *Store) pathFor(key string) (string, error) {
	k, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(k)) + valueSuffix, nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	path, err := s.pathFor(key)
	if err != nil {
		return nil, err
	}
	return readValue(key, path)
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	path, err := s.pathFor(key)
	if err != nil {
		return err
	}
	unlock, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	return writeValue(key, path, value)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	path, err := s.pathFor(key)
	if err != nil {
		return err
	}
	unlock, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	return removeValue(key, path)
}

// Update runs fn with the root locked and applies its staged writes before
// releasing the lock. Nothing is written when fn returns an error.
func (s *Store) Update(ctx context.Context, fn func(core.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	txn := &fsTxn{s: s, staged: make(map[string]stagedWrite)}
	if err := fn(txn); err != nil {
		return err
	}
	for _, key := range txn.order {
		w := txn.staged[key]
		if w.deleted {
			err = removeValue(key, w.path)
		} else {
			err = writeValue(key, w.path, w.value)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

type stagedWrite struct {
	path    string
	value   []byte
	deleted bool
}

type fsTxn struct {
	s      *Store
	staged map[string]stagedWrite
	order  []string
}

func (t *fsTxn) Get(_ context.Context, key string) ([]byte, error) {
	if w, ok := t.staged[key]; ok {
		if w.deleted {
			return nil, core.ErrKeyNotFound
		}
		return append([]byte(nil), w.value...), nil
	}
	path, err := t.s.pathFor(key)
	if err != nil {
		return nil, err
	}
	return readValue(key, path)
}

func (t *fsTxn) Put(_ context.Context, key string, value []byte) error {
	return t.stage(key, stagedWrite{value: append([]byte(nil), value...)})
}

func (t *fsTxn) Delete(_ context.Context, key string) error {
	return t.stage(key, stagedWrite{deleted: true})
}

func (t *fsTxn) stage(key string, w stagedWrite) error {
	path, err := t.s.pathFor(key)
	if err != nil {
		return err
	}
	w.path = path
	if _, ok := t.staged[key]; !ok {
		t.order = append(t.order, key)
	}
	t.staged[key] = w
	return nil
}

func readValue(key, path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, core.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return b, nil
}

func writeValue(key, path string, value []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", key, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	// atomically move into place
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", key, err)
	}
	return nil
}

func removeValue(key, path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// Keys walks root and returns every stored key with the given prefix.
func (s *Store) Keys(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, valueSuffix) {
			return nil
		}
		rel, err := filepath.Rel(s.root, strings.TrimSuffix(path, valueSuffix))
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// acquire takes the in-process mutex first so goroutines of one process do not
// spin on the file lock against each other.
func (s *Store) acquire(ctx context.Context) (func(), error) {
	s.mu.Lock()
	ok, err := s.lock.TryLockContext(ctx, lockRetry)
	if err != nil || !ok {
		s.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("kv root %s is locked", s.root)
		}
		return nil, fmt.Errorf("lock kv root: %w", err)
	}
	return func() {
		_ = s.lock.Unlock()
		s.mu.Unlock()
	}, nil
}
