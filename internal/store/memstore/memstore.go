// Package memstore is the in-memory store backend used by tests and
// single-process development runs. All operations are serialized by one
// mutex; transactions buffer writes and apply them under the lock.
package memstore

import (
	"context"
	"sort"
	"sync"

	"vigil/internal/errors"
	"vigil/internal/store"
)

// Store is an in-memory store.Store.
type Store struct {
	mu   sync.RWMutex
	data map[string]map[string]store.Record // kind → id → record
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{data: make(map[string]map[string]store.Record)}
}

var _ store.Store = (*Store)(nil)

func clone(rec store.Record) store.Record {
	out := rec
	out.Data = append([]byte(nil), rec.Data...)
	if rec.Index != nil {
		out.Index = make(map[string]string, len(rec.Index))
		for k, v := range rec.Index {
			out.Index[k] = v
		}
	}
	return out
}

func (s *Store) InsertIfAbsent(ctx context.Context, rec store.Record) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, errors.Wrap(errors.KindCancelled, err, "insert %s/%s", rec.Kind, rec.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(rec), nil
}

func (s *Store) insertLocked(rec store.Record) bool {
	byID, ok := s.data[rec.Kind]
	if !ok {
		byID = make(map[string]store.Record)
		s.data[rec.Kind] = byID
	}
	if _, exists := byID[rec.ID]; exists {
		return false
	}
	byID[rec.ID] = clone(rec)
	return true
}

func (s *Store) Upsert(ctx context.Context, rec store.Record) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(errors.KindCancelled, err, "upsert %s/%s", rec.Kind, rec.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertLocked(rec)
	return nil
}

func (s *Store) upsertLocked(rec store.Record) {
	byID, ok := s.data[rec.Kind]
	if !ok {
		byID = make(map[string]store.Record)
		s.data[rec.Kind] = byID
	}
	byID[rec.ID] = clone(rec)
}

func (s *Store) Get(ctx context.Context, kind, id string) (store.Record, error) {
	if err := ctx.Err(); err != nil {
		return store.Record{}, errors.Wrap(errors.KindCancelled, err, "get %s/%s", kind, id)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.data[kind][id]
	if !ok {
		return store.Record{}, errors.NotFound("%s/%s not found", kind, id)
	}
	return clone(rec), nil
}

func (s *Store) QueryByIndex(ctx context.Context, kind, field, value string) ([]store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(errors.KindCancelled, err, "query %s by %s", kind, field)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Record
	for _, rec := range s.data[kind] {
		if rec.Index[field] == value {
			out = append(out, clone(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) Delete(ctx context.Context, kind, id string) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(errors.KindCancelled, err, "delete %s/%s", kind, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.data[kind]
	if !ok {
		return errors.NotFound("%s/%s not found", kind, id)
	}
	if _, exists := byID[id]; !exists {
		return errors.NotFound("%s/%s not found", kind, id)
	}
	delete(byID, id)
	return nil
}

func (s *Store) Stream(ctx context.Context, kind string, fn func(store.Record) error) error {
	s.mu.RLock()
	recs := make([]store.Record, 0, len(s.data[kind]))
	for _, rec := range s.data[kind] {
		recs = append(recs, clone(rec))
	}
	s.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(errors.KindCancelled, err, "stream %s", kind)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// Transaction buffers the writes fn issues and applies them atomically
// under the store lock. Reads inside fn see committed state. An
// InsertIfAbsent that loses to a concurrent insert aborts the commit
// with a conflict.
func (s *Store) Transaction(ctx context.Context, fn func(tx store.Store) error) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(errors.KindCancelled, err, "transaction")
	}
	tx := &memTx{store: s}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Validate insert preconditions before touching anything.
	for _, op := range tx.ops {
		if op.kind != opInsert {
			continue
		}
		if _, exists := s.data[op.rec.Kind][op.rec.ID]; exists {
			return errors.Conflict("%s/%s already exists", op.rec.Kind, op.rec.ID)
		}
	}
	for _, op := range tx.ops {
		switch op.kind {
		case opInsert, opUpsert:
			s.upsertLocked(op.rec)
		case opDelete:
			if byID, ok := s.data[op.rec.Kind]; ok {
				delete(byID, op.rec.ID)
			}
		}
	}
	return nil
}

func (s *Store) Close() error { return nil }

type opKind int

const (
	opInsert opKind = iota
	opUpsert
	opDelete
)

type txOp struct {
	kind opKind
	rec  store.Record
}

// memTx records writes for commit. Reads delegate to the parent store.
type memTx struct {
	store *Store
	ops   []txOp
}

var _ store.Store = (*memTx)(nil)

func (t *memTx) InsertIfAbsent(ctx context.Context, rec store.Record) (bool, error) {
	if _, err := t.store.Get(ctx, rec.Kind, rec.ID); err == nil {
		return false, nil
	} else if !errors.IsNotFound(err) {
		return false, err
	}
	t.ops = append(t.ops, txOp{kind: opInsert, rec: clone(rec)})
	return true, nil
}

func (t *memTx) Upsert(ctx context.Context, rec store.Record) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(errors.KindCancelled, err, "tx upsert")
	}
	t.ops = append(t.ops, txOp{kind: opUpsert, rec: clone(rec)})
	return nil
}

func (t *memTx) Get(ctx context.Context, kind, id string) (store.Record, error) {
	return t.store.Get(ctx, kind, id)
}

func (t *memTx) QueryByIndex(ctx context.Context, kind, field, value string) ([]store.Record, error) {
	return t.store.QueryByIndex(ctx, kind, field, value)
}

func (t *memTx) Delete(ctx context.Context, kind, id string) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(errors.KindCancelled, err, "tx delete")
	}
	t.ops = append(t.ops, txOp{kind: opDelete, rec: store.Record{Kind: kind, ID: id}})
	return nil
}

func (t *memTx) Stream(ctx context.Context, kind string, fn func(store.Record) error) error {
	return t.store.Stream(ctx, kind, fn)
}

func (t *memTx) Transaction(ctx context.Context, fn func(tx store.Store) error) error {
	// Nested transactions join the outer one.
	return fn(t)
}

func (t *memTx) Close() error { return nil }
