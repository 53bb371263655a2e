// Package entity implements the indexed entity store: typed records kept one
// per key in a kv.Store, plus a per-kind index that enumerates them in
// insertion order and backs cursor pagination.
//
// Membership changes (Create, Delete) keep the index and the records
// consistent. On backends implementing core.Transactor both writes commit
// together. Elsewhere they run as two explicit steps under an in-process lock
// on the index key:
//
//	Create: write record, then add id to the index (retried; on final failure
//	        the record write is undone).
//	Delete: remove id from the index, then delete the record (retried; an
//	        unindexed leftover record is unreachable through List and is
//	        overwritten by a later Create of the same id).
package entity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"omnipost/internal/kv/core"
)

// Page is one slice of a List enumeration. Next is empty on the final page and
// must otherwise be passed back verbatim to continue.
type Page[T any] struct {
	Items []T
	Next  string
}

// MarshalJSON renders {"items": [...], "next": "..."|null}.
func (p Page[T]) MarshalJSON() ([]byte, error) {
	items := p.Items
	if items == nil {
		items = []T{}
	}
	var next *string
	if p.Next != "" {
		next = &p.Next
	}
	return json.Marshal(struct {
		Items []T     `json:"items"`
		Next  *string `json:"next"`
	}{Items: items, Next: next})
}

// RepairReport summarises a Repair pass. Orphans lists stored records that
// are not indexed; it is only filled when the backend implements core.Lister.
type RepairReport struct {
	Checked int      `json:"checked"`
	Dropped []string `json:"dropped"`
	Orphans []string `json:"orphans"`
}

// Store is the indexed entity store for one kind.
type Store[T any] struct {
	kind  Kind[T]
	codec Codec[T]
	kv    core.Store
	tx    core.Transactor
	index *Index
	locks *keyLocks
	opts  options

	closeOnce sync.Once
}

// New binds kind to a kv backend.
func New[T any](store core.Store, kind Kind[T], opts ...Option) (*Store[T], error) {
	if store == nil {
		return nil, fmt.Errorf("entity kind %s: kv store required", kind.Name)
	}
	if err := kind.validate(); err != nil {
		return nil, err
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	s := &Store[T]{
		kind:  kind,
		codec: kind.codec(),
		kv:    store,
		locks: acquireLocks(store),
		opts:  o,
	}
	if tx, ok := store.(core.Transactor); ok && !o.twoStep {
		s.tx = tx
	}
	s.index = &Index{entity: kind.Name, key: kind.IndexName, kv: store, locks: s.locks, retry: o.retry}
	s.opts.logger = o.logger.With(slog.String("entity", kind.Name))
	return s, nil
}

// MustNew is New for package-level kinds whose configuration is static.
func MustNew[T any](store core.Store, kind Kind[T], opts ...Option) *Store[T] {
	s, err := New(store, kind, opts...)
	if err != nil {
		panic(err)
	}
	return s
}

// Kind returns the kind descriptor.
func (s *Store[T]) Kind() Kind[T] { return s.kind }

// Index exposes the kind's index.
func (s *Store[T]) Index() *Index { return s.index }

// Close releases the Store's share of the backend's key locks. It does not
// close the backend, and the Store must not be used afterwards.
func (s *Store[T]) Close() error {
	s.closeOnce.Do(func() { releaseLocks(s.kv) })
	return nil
}

// Transactional reports whether membership changes commit as one backend transaction.
func (s *Store[T]) Transactional() bool { return s.tx != nil }

// Handle returns the entity handle for id.
func (s *Store[T]) Handle(id string) *Handle[T] { return &Handle[T]{s: s, id: id} }

func (s *Store[T]) op(name string) string { return s.kind.Name + "." + name }

// update runs fn in a backend transaction when available, otherwise directly
// against the backend. Callers hold the relevant in-process locks.
func (s *Store[T]) update(ctx context.Context, fn func(core.Txn) error) error {
	if s.tx != nil {
		return s.tx.Update(ctx, fn)
	}
	return fn(s.kv)
}

func (s *Store[T]) readRecord(ctx context.Context, r core.Reader, id string) (T, bool, error) {
	var zero T
	data, err := r.Get(ctx, s.kind.recordKey(id))
	if core.IsNotFound(err) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, unavailable(s.kind.Name, id, err)
	}
	v, err := s.codec.Decode(data)
	if err != nil {
		return zero, false, unavailable(s.kind.Name, id, fmt.Errorf("decode record: %w", err))
	}
	return v, true, nil
}

// recordExists checks for the key without decoding, so undecodable records can still be deleted.
func (s *Store[T]) recordExists(ctx context.Context, r core.Reader, id string) (bool, error) {
	_, err := r.Get(ctx, s.kind.recordKey(id))
	if core.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, unavailable(s.kind.Name, id, err)
	}
	return true, nil
}

func (s *Store[T]) writeRecord(ctx context.Context, w core.Writer, id string, v T) error {
	data, err := s.codec.Encode(v)
	if err != nil {
		return &Error{Code: CodeInvalidArgument, Entity: s.kind.Name, ID: id, Err: err}
	}
	if err := w.Put(ctx, s.kind.recordKey(id), data); err != nil {
		return unavailable(s.kind.Name, id, err)
	}
	return nil
}

// Get returns the record stored under id or ErrNotFound.
func (s *Store[T]) Get(ctx context.Context, id string) (v T, err error) {
	ctx, done := s.opts.observe(ctx, s.op("get"))
	defer func() { done(err) }()
	v, ok, err := s.readRecord(ctx, s.kv, id)
	if err != nil {
		return v, err
	}
	if !ok {
		return v, &Error{Code: CodeNotFound, Entity: s.kind.Name, ID: id}
	}
	return v, nil
}

// List returns the page of records following cursor. limit <= 0 selects
// DefaultPageLimit. An indexed id whose record is missing is skipped, and an
// unresolvable cursor yields an empty final page.
func (s *Store[T]) List(ctx context.Context, cursor string, limit int) (page Page[T], err error) {
	ctx, done := s.opts.observe(ctx, s.op("list"))
	defer func() { done(err) }()
	if _, cerr := decodeCursor(cursor); cerr != nil {
		s.opts.logger.DebugContext(ctx, "unresolvable cursor; returning empty page", slog.String("error", cerr.Error()))
	}
	ids, next, err := s.index.Page(ctx, cursor, limit)
	if err != nil {
		return Page[T]{}, err
	}
	items, err := s.materialize(ctx, ids)
	if err != nil {
		return Page[T]{}, err
	}
	return Page[T]{Items: items, Next: next}, nil
}

func (s *Store[T]) materialize(ctx context.Context, ids []string) ([]T, error) {
	values := make([]T, len(ids))
	found := make([]bool, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.listConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			v, ok, err := s.readRecord(gctx, s.kv, id)
			if err != nil {
				return err
			}
			values[i], found[i] = v, ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	items := make([]T, 0, len(ids))
	for i, id := range ids {
		if !found[i] {
			s.opts.logger.WarnContext(ctx, "indexed record missing; skipped", slog.String("id", id))
			continue
		}
		items = append(items, values[i])
	}
	return items, nil
}

// Scan calls fn for every record in index order, stopping at the first error.
func (s *Store[T]) Scan(ctx context.Context, fn func(T) error) error {
	cursor := ""
	for {
		page, err := s.List(ctx, cursor, MaxPageLimit)
		if err != nil {
			return err
		}
		for _, item := range page.Items {
			if err := fn(item); err != nil {
				return err
			}
		}
		if page.Next == "" {
			return nil
		}
		cursor = page.Next
	}
}

// Create stores rec and registers its id. It fails with ErrAlreadyExists when
// the id is already indexed, leaving the existing record unchanged.
func (s *Store[T]) Create(ctx context.Context, rec T) (out T, err error) {
	ctx, done := s.opts.observe(ctx, s.op("create"))
	defer func() { done(err) }()
	id := s.kind.ID(rec)
	if id == "" {
		return out, &Error{Code: CodeInvalidArgument, Entity: s.kind.Name, Err: fmt.Errorf("empty id")}
	}
	unlockIndex := s.locks.lock(s.index.key)
	defer unlockIndex()
	unlockRecord := s.locks.lock(s.kind.recordKey(id))
	defer unlockRecord()

	if s.tx != nil {
		err = s.tx.Update(ctx, func(txn core.Txn) error {
			st, err := s.index.load(ctx, txn)
			if err != nil {
				return err
			}
			if !st.add(id) {
				return &Error{Code: CodeAlreadyExists, Entity: s.kind.Name, ID: id}
			}
			if err := s.writeRecord(ctx, txn, id, rec); err != nil {
				return err
			}
			return s.index.save(ctx, txn, st)
		})
		if err != nil {
			return out, unavailable(s.kind.Name, id, err)
		}
		return rec, nil
	}
	return s.createTwoStep(ctx, id, rec)
}

func (s *Store[T]) createTwoStep(ctx context.Context, id string, rec T) (T, error) {
	var zero T
	indexed, err := s.index.Contains(ctx, id)
	if err != nil {
		return zero, err
	}
	if indexed {
		return zero, &Error{Code: CodeAlreadyExists, Entity: s.kind.Name, ID: id}
	}
	if err := s.writeRecord(ctx, s.kv, id, rec); err != nil {
		return zero, err
	}
	err = s.opts.retry.do(ctx, func() error {
		return s.index.mutate(ctx, s.kv, func(st *indexState) bool { return st.add(id) })
	}, s.logRetry(ctx, "index add", id))
	if err == nil {
		return rec, nil
	}
	s.opts.logger.WarnContext(ctx, "index add failed; removing unregistered record",
		slog.String("id", id), slog.Any("error", err))
	undo := s.opts.retry.do(ctx, func() error {
		return s.kv.Delete(ctx, s.kind.recordKey(id))
	}, s.logRetry(ctx, "compensating delete", id))
	if undo != nil {
		s.opts.logger.ErrorContext(ctx, "compensating delete failed; record left unindexed",
			slog.String("id", id), slog.Any("error", undo))
	}
	return zero, unavailable(s.kind.Name, id, err)
}

// Delete removes the record and its index entry. It returns false, with no
// effect, when neither exists.
func (s *Store[T]) Delete(ctx context.Context, id string) (deleted bool, err error) {
	ctx, done := s.opts.observe(ctx, s.op("delete"))
	defer func() { done(err) }()
	if id == "" {
		return false, nil
	}
	unlockIndex := s.locks.lock(s.index.key)
	defer unlockIndex()
	unlockRecord := s.locks.lock(s.kind.recordKey(id))
	defer unlockRecord()

	if s.tx != nil {
		err = s.tx.Update(ctx, func(txn core.Txn) error {
			st, err := s.index.load(ctx, txn)
			if err != nil {
				return err
			}
			exists, err := s.recordExists(ctx, txn, id)
			if err != nil {
				return err
			}
			indexed := st.remove(id)
			if !indexed && !exists {
				return nil
			}
			if indexed {
				if err := s.index.save(ctx, txn, st); err != nil {
					return err
				}
			}
			if err := txn.Delete(ctx, s.kind.recordKey(id)); err != nil {
				return err
			}
			deleted = true
			return nil
		})
		if err != nil {
			return false, unavailable(s.kind.Name, id, err)
		}
		return deleted, nil
	}
	return s.deleteTwoStep(ctx, id)
}

func (s *Store[T]) deleteTwoStep(ctx context.Context, id string) (bool, error) {
	indexed, err := s.index.Contains(ctx, id)
	if err != nil {
		return false, err
	}
	exists, err := s.recordExists(ctx, s.kv, id)
	if err != nil {
		return false, err
	}
	if !indexed && !exists {
		return false, nil
	}
	if indexed {
		err := s.opts.retry.do(ctx, func() error {
			return s.index.mutate(ctx, s.kv, func(st *indexState) bool { return st.remove(id) })
		}, s.logRetry(ctx, "index remove", id))
		if err != nil {
			return false, unavailable(s.kind.Name, id, err)
		}
	}
	err = s.opts.retry.do(ctx, func() error {
		return s.kv.Delete(ctx, s.kind.recordKey(id))
	}, s.logRetry(ctx, "record delete", id))
	if err != nil {
		s.opts.logger.ErrorContext(ctx, "record delete failed after deregistration; record left unindexed",
			slog.String("id", id), slog.Any("error", err))
		return false, unavailable(s.kind.Name, id, err)
	}
	return true, nil
}

// Repair drops index entries whose record no longer exists. It is only needed
// after a crash between the two steps of a non-transactional write. Orphaned
// records are reported, not removed: Patch may create them legitimately.
func (s *Store[T]) Repair(ctx context.Context) (report RepairReport, err error) {
	ctx, done := s.opts.observe(ctx, s.op("repair"))
	defer func() { done(err) }()
	unlockIndex := s.locks.lock(s.index.key)
	defer unlockIndex()

	report.Dropped = []string{}
	report.Orphans = []string{}
	var indexed map[string]bool
	err = s.update(ctx, func(rw core.Txn) error {
		st, err := s.index.load(ctx, rw)
		if err != nil {
			return err
		}
		report.Checked = len(st.Entries)
		var missing []string
		for _, id := range st.ids() {
			ok, err := s.recordExists(ctx, rw, id)
			if err != nil {
				return err
			}
			if !ok {
				missing = append(missing, id)
			}
		}
		for _, id := range missing {
			st.remove(id)
		}
		indexed = make(map[string]bool, len(st.Entries))
		for _, id := range st.ids() {
			indexed[id] = true
		}
		if len(missing) == 0 {
			return nil
		}
		if err := s.index.save(ctx, rw, st); err != nil {
			return err
		}
		report.Dropped = missing
		return nil
	})
	if err != nil {
		return RepairReport{}, unavailable(s.kind.Name, "", err)
	}
	for _, id := range report.Dropped {
		s.opts.logger.InfoContext(ctx, "dropped dangling index entry", slog.String("id", id))
	}
	if lister, ok := s.kv.(core.Lister); ok {
		prefix := s.kind.recordKey("")
		keys, err := lister.Keys(ctx, prefix)
		if err != nil {
			return report, unavailable(s.kind.Name, "", err)
		}
		for _, key := range keys {
			if id := strings.TrimPrefix(key, prefix); !indexed[id] {
				report.Orphans = append(report.Orphans, id)
			}
		}
		if len(report.Orphans) > 0 {
			s.opts.logger.WarnContext(ctx, "unindexed records found", slog.Int("count", len(report.Orphans)))
		}
	}
	return report, nil
}

func (s *Store[T]) logRetry(ctx context.Context, step, id string) func(int, error) {
	return func(attempt int, err error) {
		s.opts.logger.WarnContext(ctx, "retrying "+step,
			slog.String("id", id), slog.Int("attempt", attempt), slog.Any("error", err))
	}
}
