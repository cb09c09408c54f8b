// Package redistore is the redis-backed store. Records live as JSON
// strings keyed by kind and id; membership and secondary-index sets
// make kind streaming and QueryByIndex cheap. Transactions use WATCH
// with bounded optimistic retries.
package redistore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"vigil/internal/errors"
	"vigil/internal/logging"
	"vigil/internal/store"
)

const (
	keyPrefix = "vigil"
	txRetries = 5
)

// Options configures the redis client.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Store is a redis-backed store.Store.
type Store struct {
	client *redis.Client
	logger *logging.Logger
}

var _ store.Store = (*Store)(nil)

// New connects to redis and verifies the connection.
func New(ctx context.Context, opts Options, logger *logging.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(errors.KindTransient, err, "connect redis %s", opts.Addr)
	}
	return &Store{client: client, logger: logging.OrNop(logger).Component("redistore")}, nil
}

// NewWithClient wraps an existing client (tests use miniredis here).
func NewWithClient(client *redis.Client, logger *logging.Logger) *Store {
	return &Store{client: client, logger: logging.OrNop(logger).Component("redistore")}
}

func recKey(kind, id string) string { return fmt.Sprintf("%s:rec:%s:%s", keyPrefix, kind, id) }
func kindKey(kind string) string    { return fmt.Sprintf("%s:kinds:%s", keyPrefix, kind) }
func idxKey(kind, field, value string) string {
	return fmt.Sprintf("%s:idx:%s:%s:%s", keyPrefix, kind, field, value)
}

func encode(rec store.Record) (string, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", errors.Wrap(errors.KindFatal, err, "encode record %s/%s", rec.Kind, rec.ID)
	}
	return string(raw), nil
}

func decode(raw string) (store.Record, error) {
	var rec store.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return store.Record{}, errors.Wrap(errors.KindFatal, err, "decode record")
	}
	return rec, nil
}

func (s *Store) InsertIfAbsent(ctx context.Context, rec store.Record) (bool, error) {
	raw, err := encode(rec)
	if err != nil {
		return false, err
	}
	ok, err := s.client.SetNX(ctx, recKey(rec.Kind, rec.ID), raw, 0).Result()
	if err != nil {
		return false, errors.Wrap(errors.KindTransient, err, "insert %s/%s", rec.Kind, rec.ID)
	}
	if !ok {
		return false, nil
	}
	// The SETNX gate decided the race; membership writes are idempotent.
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, kindKey(rec.Kind), rec.ID)
		for field, value := range rec.Index {
			pipe.SAdd(ctx, idxKey(rec.Kind, field, value), rec.ID)
		}
		return nil
	})
	if err != nil {
		return true, errors.Wrap(errors.KindTransient, err, "index %s/%s", rec.Kind, rec.ID)
	}
	return true, nil
}

// Upsert replaces the record and reconciles index membership. Writers
// are expected to serialize per entity, which every subsystem does via
// its own locking; concurrent upserts of one id may strand an index
// entry that QueryByIndex later filters out.
func (s *Store) Upsert(ctx context.Context, rec store.Record) error {
	old, err := s.Get(ctx, rec.Kind, rec.ID)
	if err != nil && !errors.IsNotFound(err) {
		return err
	}
	raw, err := encode(rec)
	if err != nil {
		return err
	}
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, recKey(rec.Kind, rec.ID), raw, 0)
		pipe.SAdd(ctx, kindKey(rec.Kind), rec.ID)
		applyIndexDiff(ctx, pipe, old.Index, rec)
		return nil
	})
	if err != nil {
		return errors.Wrap(errors.KindTransient, err, "upsert %s/%s", rec.Kind, rec.ID)
	}
	return nil
}

func applyIndexDiff(ctx context.Context, pipe redis.Pipeliner, oldIndex map[string]string, rec store.Record) {
	for field, value := range oldIndex {
		if rec.Index[field] != value {
			pipe.SRem(ctx, idxKey(rec.Kind, field, value), rec.ID)
		}
	}
	for field, value := range rec.Index {
		if oldIndex[field] != value {
			pipe.SAdd(ctx, idxKey(rec.Kind, field, value), rec.ID)
		}
	}
}

func (s *Store) Get(ctx context.Context, kind, id string) (store.Record, error) {
	raw, err := s.client.Get(ctx, recKey(kind, id)).Result()
	if err == redis.Nil {
		return store.Record{}, errors.NotFound("%s/%s not found", kind, id)
	}
	if err != nil {
		return store.Record{}, errors.Wrap(errors.KindTransient, err, "get %s/%s", kind, id)
	}
	return decode(raw)
}

func (s *Store) QueryByIndex(ctx context.Context, kind, field, value string) ([]store.Record, error) {
	ids, err := s.client.SMembers(ctx, idxKey(kind, field, value)).Result()
	if err != nil {
		return nil, errors.Wrap(errors.KindTransient, err, "query %s by %s", kind, field)
	}
	out := make([]store.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, kind, id)
		if errors.IsNotFound(err) {
			continue // stale index entry
		}
		if err != nil {
			return nil, err
		}
		if rec.Index[field] != value {
			continue // index moved on since
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) Delete(ctx context.Context, kind, id string) error {
	old, err := s.Get(ctx, kind, id)
	if err != nil {
		return err
	}
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, recKey(kind, id))
		pipe.SRem(ctx, kindKey(kind), id)
		for field, value := range old.Index {
			pipe.SRem(ctx, idxKey(kind, field, value), id)
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(errors.KindTransient, err, "delete %s/%s", kind, id)
	}
	return nil
}

func (s *Store) Stream(ctx context.Context, kind string, fn func(store.Record) error) error {
	ids, err := s.client.SMembers(ctx, kindKey(kind)).Result()
	if err != nil {
		return errors.Wrap(errors.KindTransient, err, "stream %s", kind)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(errors.KindCancelled, err, "stream %s", kind)
		}
		rec, err := s.Get(ctx, kind, id)
		if errors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// Transaction collects the writes fn issues, then applies them in one
// MULTI/EXEC guarded by WATCH over every touched record key. A watched
// key changing underneath restarts the attempt, re-running fn.
func (s *Store) Transaction(ctx context.Context, fn func(tx store.Store) error) error {
	for attempt := 0; attempt < txRetries; attempt++ {
		tx := &redisTx{store: s}
		if err := fn(tx); err != nil {
			return err
		}
		if len(tx.ops) == 0 {
			return nil
		}

		err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
			// Re-check insert preconditions under WATCH.
			for _, op := range tx.ops {
				if op.kind != opInsert {
					continue
				}
				n, err := rtx.Exists(ctx, recKey(op.rec.Kind, op.rec.ID)).Result()
				if err != nil {
					return err
				}
				if n > 0 {
					return redis.TxFailedErr
				}
			}
			// Snapshot old index state for upserts and deletes.
			oldIndexes := make([]map[string]string, len(tx.ops))
			for i, op := range tx.ops {
				if op.kind == opInsert {
					continue
				}
				raw, err := rtx.Get(ctx, recKey(op.rec.Kind, op.rec.ID)).Result()
				if err == redis.Nil {
					continue
				}
				if err != nil {
					return err
				}
				old, err := decode(raw)
				if err != nil {
					return err
				}
				oldIndexes[i] = old.Index
			}

			_, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for i, op := range tx.ops {
					switch op.kind {
					case opInsert, opUpsert:
						raw, err := encode(op.rec)
						if err != nil {
							return err
						}
						pipe.Set(ctx, recKey(op.rec.Kind, op.rec.ID), raw, 0)
						pipe.SAdd(ctx, kindKey(op.rec.Kind), op.rec.ID)
						applyIndexDiff(ctx, pipe, oldIndexes[i], op.rec)
					case opDelete:
						pipe.Del(ctx, recKey(op.rec.Kind, op.rec.ID))
						pipe.SRem(ctx, kindKey(op.rec.Kind), op.rec.ID)
						for field, value := range oldIndexes[i] {
							pipe.SRem(ctx, idxKey(op.rec.Kind, field, value), op.rec.ID)
						}
					}
				}
				return nil
			})
			return err
		}, tx.watchKeys()...)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return errors.Wrap(errors.KindTransient, err, "transaction")
		}
		return nil
	}
	return errors.Transient("transaction contention after %d attempts", txRetries)
}

func (s *Store) Close() error { return s.client.Close() }

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

// redisTx records writes; reads pass through to the live store.
type redisTx struct {
	store *Store
	ops   []txOp
}

var _ store.Store = (*redisTx)(nil)

func (t *redisTx) watchKeys() []string {
	keys := make([]string, 0, len(t.ops))
	for _, op := range t.ops {
		keys = append(keys, recKey(op.rec.Kind, op.rec.ID))
	}
	return keys
}

func (t *redisTx) InsertIfAbsent(ctx context.Context, rec store.Record) (bool, error) {
	_, err := t.store.Get(ctx, rec.Kind, rec.ID)
	if err == nil {
		return false, nil
	}
	if !errors.IsNotFound(err) {
		return false, err
	}
	t.ops = append(t.ops, txOp{kind: opInsert, rec: rec})
	return true, nil
}

func (t *redisTx) Upsert(ctx context.Context, rec store.Record) error {
	t.ops = append(t.ops, txOp{kind: opUpsert, rec: rec})
	return nil
}

func (t *redisTx) Get(ctx context.Context, kind, id string) (store.Record, error) {
	return t.store.Get(ctx, kind, id)
}

func (t *redisTx) QueryByIndex(ctx context.Context, kind, field, value string) ([]store.Record, error) {
	return t.store.QueryByIndex(ctx, kind, field, value)
}

func (t *redisTx) Delete(ctx context.Context, kind, id string) error {
	t.ops = append(t.ops, txOp{kind: opDelete, rec: store.Record{Kind: kind, ID: id}})
	return nil
}

func (t *redisTx) Stream(ctx context.Context, kind string, fn func(store.Record) error) error {
	return t.store.Stream(ctx, kind, fn)
}

func (t *redisTx) Transaction(ctx context.Context, fn func(tx store.Store) error) error {
	return fn(t)
}

func (t *redisTx) Close() error { return nil }
