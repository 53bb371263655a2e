package entity

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"omnipost/internal/kv/core"
)

const (
	// DefaultPageLimit applies when a caller passes limit <= 0.
	DefaultPageLimit = 100
	// MaxPageLimit caps a single page.
	MaxPageLimit = 1000

	cursorVersion = "v1:"
)

// indexEntry pairs an id with the sequence number assigned when it was added.
// Sequence numbers only grow, so a cursor holding one stays meaningful after
// any number of removals.
type indexEntry struct {
	ID  string `json:"id"`
	Seq uint64 `json:"seq"`
}

// indexState is the durable value stored under a kind's index key.
type indexState struct {
	LastSeq uint64       `json:"last_seq"`
	Entries []indexEntry `json:"entries"`
}

func (st *indexState) position(id string) int {
	for i, e := range st.Entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

func (st *indexState) contains(id string) bool { return st.position(id) >= 0 }

// add appends id and reports whether the state changed.
func (st *indexState) add(id string) bool {
	if st.contains(id) {
		return false
	}
	st.LastSeq++
	st.Entries = append(st.Entries, indexEntry{ID: id, Seq: st.LastSeq})
	return true
}

// remove drops id and reports whether the state changed.
func (st *indexState) remove(id string) bool {
	i := st.position(id)
	if i < 0 {
		return false
	}
	st.Entries = append(st.Entries[:i], st.Entries[i+1:]...)
	return true
}

func (st *indexState) ids() []string {
	out := make([]string, len(st.Entries))
	for i, e := range st.Entries {
		out[i] = e.ID
	}
	return out
}

// page returns up to limit ids with a sequence number greater than after.
func (st *indexState) page(after uint64, limit int) ([]string, string) {
	start := sort.Search(len(st.Entries), func(i int) bool { return st.Entries[i].Seq > after })
	end := start + limit
	if end > len(st.Entries) {
		end = len(st.Entries)
	}
	ids := make([]string, 0, end-start)
	for _, e := range st.Entries[start:end] {
		ids = append(ids, e.ID)
	}
	next := ""
	if end < len(st.Entries) && end > start {
		next = encodeCursor(st.Entries[end-1].Seq)
	}
	return ids, next
}

func encodeCursor(seq uint64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cursorVersion + strconv.FormatUint(seq, 10)))
}

// decodeCursor returns the sequence number a cursor resumes after. The empty
// cursor starts from the beginning.
func decodeCursor(cursor string) (uint64, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, err
	}
	s := string(raw)
	if !strings.HasPrefix(s, cursorVersion) {
		return 0, fmt.Errorf("unknown cursor version")
	}
	return strconv.ParseUint(strings.TrimPrefix(s, cursorVersion), 10, 64)
}

func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageLimit
	case limit > MaxPageLimit:
		return MaxPageLimit
	default:
		return limit
	}
}

// Index is the durable ordered registry of ids for one kind. Membership
// changes are serialized through an in-process lock on the index key; on
// transactional backends the enclosing transaction also covers the write.
type Index struct {
	entity string
	key    string
	kv     core.Store
	locks  *keyLocks
	retry  RetryPolicy
}

// Key returns the kv key holding the index.
func (ix *Index) Key() string { return ix.key }

func (ix *Index) load(ctx context.Context, r core.Reader) (indexState, error) {
	data, err := r.Get(ctx, ix.key)
	if core.IsNotFound(err) {
		return indexState{}, nil
	}
	if err != nil {
		return indexState{}, fmt.Errorf("read index %s: %w", ix.key, err)
	}
	var st indexState
	if err := json.Unmarshal(data, &st); err != nil {
		return indexState{}, fmt.Errorf("decode index %s: %w", ix.key, err)
	}
	return st, nil
}

func (ix *Index) save(ctx context.Context, w core.Writer, st indexState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode index %s: %w", ix.key, err)
	}
	if err := w.Put(ctx, ix.key, data); err != nil {
		return fmt.Errorf("write index %s: %w", ix.key, err)
	}
	return nil
}

// mutate loads, applies fn and writes back when fn reports a change.
func (ix *Index) mutate(ctx context.Context, rw core.Txn, fn func(*indexState) bool) error {
	st, err := ix.load(ctx, rw)
	if err != nil {
		return err
	}
	if !fn(&st) {
		return nil
	}
	return ix.save(ctx, rw, st)
}

// Add appends id if it is not already present.
func (ix *Index) Add(ctx context.Context, id string) error {
	unlock := ix.locks.lock(ix.key)
	defer unlock()
	err := ix.retry.do(ctx, func() error {
		return ix.mutate(ctx, ix.kv, func(st *indexState) bool { return st.add(id) })
	})
	return unavailable(ix.entity, id, err)
}

// Remove drops id if present.
func (ix *Index) Remove(ctx context.Context, id string) error {
	unlock := ix.locks.lock(ix.key)
	defer unlock()
	err := ix.retry.do(ctx, func() error {
		return ix.mutate(ctx, ix.kv, func(st *indexState) bool { return st.remove(id) })
	})
	return unavailable(ix.entity, id, err)
}

// Page returns up to limit ids following cursor in insertion order, plus the
// cursor for the next page ("" once the end is reached). A cursor that does
// not decode to a resume point yields an empty final page.
func (ix *Index) Page(ctx context.Context, cursor string, limit int) ([]string, string, error) {
	after, err := decodeCursor(cursor)
	if err != nil {
		return nil, "", nil
	}
	st, err := ix.load(ctx, ix.kv)
	if err != nil {
		return nil, "", unavailable(ix.entity, "", err)
	}
	ids, next := st.page(after, normalizeLimit(limit))
	return ids, next, nil
}

// All returns every indexed id in insertion order.
func (ix *Index) All(ctx context.Context) ([]string, error) {
	st, err := ix.load(ctx, ix.kv)
	if err != nil {
		return nil, unavailable(ix.entity, "", err)
	}
	return st.ids(), nil
}

// Contains reports whether id is indexed.
func (ix *Index) Contains(ctx context.Context, id string) (bool, error) {
	st, err := ix.load(ctx, ix.kv)
	if err != nil {
		return false, unavailable(ix.entity, id, err)
	}
	return st.contains(id), nil
}
