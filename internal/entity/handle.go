package entity

import (
	"context"
	"fmt"

	"omnipost/internal/kv/core"
)

// Handle addresses a single record of one kind. Handles are cheap; obtain one
// per request with Store.Handle.
type Handle[T any] struct {
	s  *Store[T]
	id string
}

// ID returns the addressed record id.
func (h *Handle[T]) ID() string { return h.id }

// Exists reports whether a record is stored under the handle's id.
func (h *Handle[T]) Exists(ctx context.Context) (ok bool, err error) {
	ctx, done := h.s.opts.observe(ctx, h.s.op("exists"))
	defer func() { done(err) }()
	_, ok, err = h.s.readRecord(ctx, h.s.kv, h.id)
	return ok, err
}

// State returns the stored record, or the kind's initial state when nothing is
// stored. Use Exists to tell the two apart.
func (h *Handle[T]) State(ctx context.Context) (v T, err error) {
	ctx, done := h.s.opts.observe(ctx, h.s.op("state"))
	defer func() { done(err) }()
	v, ok, err := h.s.readRecord(ctx, h.s.kv, h.id)
	if err != nil {
		return v, err
	}
	if !ok {
		return h.s.kind.Initial, nil
	}
	return v, nil
}

// Patch shallow-merges fields into the stored record, starting from the
// initial state when absent, and returns the result. Concurrent patches of the
// same id are applied one after the other. Patch never touches the index.
func (h *Handle[T]) Patch(ctx context.Context, fields Fields) (v T, err error) {
	ctx, done := h.s.opts.observe(ctx, h.s.op("patch"))
	defer func() { done(err) }()
	return h.patch(ctx, fields, false)
}

// Update is Patch for records that must already exist: it fails with
// ErrNotFound instead of materialising the initial state.
func (h *Handle[T]) Update(ctx context.Context, fields Fields) (v T, err error) {
	ctx, done := h.s.opts.observe(ctx, h.s.op("update"))
	defer func() { done(err) }()
	return h.patch(ctx, fields, true)
}

func (h *Handle[T]) patch(ctx context.Context, fields Fields, mustExist bool) (T, error) {
	s := h.s
	var out T
	if h.id == "" {
		return out, &Error{Code: CodeInvalidArgument, Entity: s.kind.Name, Err: fmt.Errorf("empty id")}
	}
	unlock := s.locks.lock(s.kind.recordKey(h.id))
	defer unlock()
	err := s.update(ctx, func(rw core.Txn) error {
		cur, found, err := s.readRecord(ctx, rw, h.id)
		if err != nil {
			return err
		}
		if !found {
			if mustExist {
				return &Error{Code: CodeNotFound, Entity: s.kind.Name, ID: h.id}
			}
			cur = s.kind.Initial
		}
		merged, err := s.codec.Merge(cur, fields)
		if err != nil {
			return &Error{Code: CodeInvalidArgument, Entity: s.kind.Name, ID: h.id, Err: err}
		}
		if got := s.kind.ID(merged); got != h.id && got != s.kind.ID(cur) {
			return &Error{Code: CodeInvalidArgument, Entity: s.kind.Name, ID: h.id, Err: fmt.Errorf("patch cannot change id to %q", got)}
		}
		if err := s.writeRecord(ctx, rw, h.id, merged); err != nil {
			return err
		}
		out = merged
		return nil
	})
	if err != nil {
		var zero T
		return zero, unavailable(s.kind.Name, h.id, err)
	}
	return out, nil
}
