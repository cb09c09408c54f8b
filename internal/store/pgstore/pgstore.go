// Package pgstore is the postgres-backed store. One records table holds
// every entity as JSONB with a GIN-indexed secondary field map, so
// QueryByIndex is a containment query and insert-if-absent rides on the
// primary key. Schema management goes through embedded goose migrations.
package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"vigil/internal/errors"
	"vigil/internal/logging"
	"vigil/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Options configures the postgres connection.
type Options struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

// Store is a postgres-backed store.Store.
type Store struct {
	db       *sqlx.DB
	logger   *logging.Logger
	observer store.QueryObserver
}

var _ store.Store = (*Store)(nil)

// New connects, verifies the connection and applies pending migrations.
func New(ctx context.Context, opts Options, logger *logging.Logger, observer store.QueryObserver) (*Store, error) {
	db, err := sqlx.Open("pgx", opts.DSN)
	if err != nil {
		return nil, errors.Wrap(errors.KindTransient, err, "open postgres")
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(errors.KindTransient, err, "ping postgres")
	}

	if err := Migrate(ctx, db.DB); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewWithDB(db, logger, observer), nil
}

// NewWithDB wraps an existing connection; tests inject sqlmock here.
func NewWithDB(db *sqlx.DB, logger *logging.Logger, observer store.QueryObserver) *Store {
	return &Store{
		db:       db,
		logger:   logging.OrNop(logger).Component("pgstore"),
		observer: observer,
	}
}

// Migrate applies all pending schema migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Wrap(errors.KindFatal, err, "goose dialect")
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return errors.Wrap(errors.KindFatal, err, "apply migrations")
	}
	return nil
}

type recordRow struct {
	Kind string `db:"kind"`
	ID   string `db:"id"`
	Data []byte `db:"data"`
	Idx  []byte `db:"idx"`
}

func (r recordRow) toRecord() (store.Record, error) {
	rec := store.Record{Kind: r.Kind, ID: r.ID, Data: r.Data}
	if len(r.Idx) > 0 {
		if err := json.Unmarshal(r.Idx, &rec.Index); err != nil {
			return store.Record{}, errors.Wrap(errors.KindFatal, err, "decode index %s/%s", r.Kind, r.ID)
		}
	}
	return rec, nil
}

func encodeIndex(index map[string]string) ([]byte, error) {
	if index == nil {
		index = map[string]string{}
	}
	raw, err := json.Marshal(index)
	if err != nil {
		return nil, errors.Wrap(errors.KindFatal, err, "encode index")
	}
	return raw, nil
}

func (s *Store) observe(query string, start time.Time, err error) {
	if s.observer == nil {
		return
	}
	s.observer.ObserveQuery(query, float64(time.Since(start))/float64(time.Millisecond), err)
}

const (
	insertSQL = `INSERT INTO records (kind, id, data, idx) VALUES ($1, $2, $3, $4)
		ON CONFLICT (kind, id) DO NOTHING`
	upsertSQL = `INSERT INTO records (kind, id, data, idx) VALUES ($1, $2, $3, $4)
		ON CONFLICT (kind, id) DO UPDATE SET data = EXCLUDED.data, idx = EXCLUDED.idx, updated_at = now()`
	getSQL    = `SELECT kind, id, data, idx FROM records WHERE kind = $1 AND id = $2`
	querySQL  = `SELECT kind, id, data, idx FROM records WHERE kind = $1 AND idx @> $2::jsonb ORDER BY id`
	deleteSQL = `DELETE FROM records WHERE kind = $1 AND id = $2`
	streamSQL = `SELECT kind, id, data, idx FROM records WHERE kind = $1 ORDER BY id`
)

func insertIfAbsent(ctx context.Context, ext sqlx.ExtContext, rec store.Record) (bool, time.Time, error) {
	start := time.Now()
	idx, err := encodeIndex(rec.Index)
	if err != nil {
		return false, start, err
	}
	res, err := ext.ExecContext(ctx, insertSQL, rec.Kind, rec.ID, rec.Data, idx)
	if err != nil {
		return false, start, errors.Wrap(errors.KindTransient, err, "insert %s/%s", rec.Kind, rec.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, start, errors.Wrap(errors.KindTransient, err, "insert %s/%s", rec.Kind, rec.ID)
	}
	return n == 1, start, nil
}

func upsert(ctx context.Context, ext sqlx.ExtContext, rec store.Record) (time.Time, error) {
	start := time.Now()
	idx, err := encodeIndex(rec.Index)
	if err != nil {
		return start, err
	}
	if _, err := ext.ExecContext(ctx, upsertSQL, rec.Kind, rec.ID, rec.Data, idx); err != nil {
		return start, errors.Wrap(errors.KindTransient, err, "upsert %s/%s", rec.Kind, rec.ID)
	}
	return start, nil
}

func get(ctx context.Context, ext sqlx.ExtContext, kind, id string) (store.Record, time.Time, error) {
	start := time.Now()
	var row recordRow
	err := sqlx.GetContext(ctx, ext, &row, getSQL, kind, id)
	if err == sql.ErrNoRows {
		return store.Record{}, start, errors.NotFound("%s/%s not found", kind, id)
	}
	if err != nil {
		return store.Record{}, start, errors.Wrap(errors.KindTransient, err, "get %s/%s", kind, id)
	}
	rec, err := row.toRecord()
	return rec, start, err
}

func queryByIndex(ctx context.Context, ext sqlx.ExtContext, kind, field, value string) ([]store.Record, time.Time, error) {
	start := time.Now()
	match, err := json.Marshal(map[string]string{field: value})
	if err != nil {
		return nil, start, errors.Wrap(errors.KindFatal, err, "encode index match")
	}
	var rows []recordRow
	if err := sqlx.SelectContext(ctx, ext, &rows, querySQL, kind, match); err != nil {
		return nil, start, errors.Wrap(errors.KindTransient, err, "query %s by %s", kind, field)
	}
	out := make([]store.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toRecord()
		if err != nil {
			return nil, start, err
		}
		out = append(out, rec)
	}
	return out, start, nil
}

func del(ctx context.Context, ext sqlx.ExtContext, kind, id string) (time.Time, error) {
	start := time.Now()
	res, err := ext.ExecContext(ctx, deleteSQL, kind, id)
	if err != nil {
		return start, errors.Wrap(errors.KindTransient, err, "delete %s/%s", kind, id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return start, errors.Wrap(errors.KindTransient, err, "delete %s/%s", kind, id)
	}
	if n == 0 {
		return start, errors.NotFound("%s/%s not found", kind, id)
	}
	return start, nil
}

func stream(ctx context.Context, ext sqlx.ExtContext, kind string, fn func(store.Record) error) (time.Time, error) {
	start := time.Now()
	rows, err := ext.QueryxContext(ctx, streamSQL, kind)
	if err != nil {
		return start, errors.Wrap(errors.KindTransient, err, "stream %s", kind)
	}
	defer rows.Close()
	for rows.Next() {
		var row recordRow
		if err := rows.StructScan(&row); err != nil {
			return start, errors.Wrap(errors.KindTransient, err, "scan %s", kind)
		}
		rec, err := row.toRecord()
		if err != nil {
			return start, err
		}
		if err := fn(rec); err != nil {
			return start, err
		}
	}
	if err := rows.Err(); err != nil {
		return start, errors.Wrap(errors.KindTransient, err, "stream %s", kind)
	}
	return start, nil
}

func (s *Store) InsertIfAbsent(ctx context.Context, rec store.Record) (bool, error) {
	inserted, start, err := insertIfAbsent(ctx, s.db, rec)
	s.observe(insertSQL, start, err)
	return inserted, err
}

func (s *Store) Upsert(ctx context.Context, rec store.Record) error {
	start, err := upsert(ctx, s.db, rec)
	s.observe(upsertSQL, start, err)
	return err
}

func (s *Store) Get(ctx context.Context, kind, id string) (store.Record, error) {
	rec, start, err := get(ctx, s.db, kind, id)
	s.observe(getSQL, start, err)
	return rec, err
}

func (s *Store) QueryByIndex(ctx context.Context, kind, field, value string) ([]store.Record, error) {
	recs, start, err := queryByIndex(ctx, s.db, kind, field, value)
	s.observe(querySQL, start, err)
	return recs, err
}

func (s *Store) Delete(ctx context.Context, kind, id string) error {
	start, err := del(ctx, s.db, kind, id)
	s.observe(deleteSQL, start, err)
	return err
}

func (s *Store) Stream(ctx context.Context, kind string, fn func(store.Record) error) error {
	start, err := stream(ctx, s.db, kind, fn)
	s.observe(streamSQL, start, err)
	return err
}

// Transaction runs fn inside a database transaction. Unlike the
// buffering backends, reads inside fn observe the transaction's own
// writes; that is strictly stronger than the contract requires.
func (s *Store) Transaction(ctx context.Context, fn func(tx store.Store) error) error {
	dbtx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.KindTransient, err, "begin transaction")
	}
	view := &pgTx{tx: dbtx, store: s}
	if err := fn(view); err != nil {
		_ = dbtx.Rollback()
		return err
	}
	if err := dbtx.Commit(); err != nil {
		return errors.Wrap(errors.KindTransient, err, "commit transaction")
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// pgTx adapts one sqlx transaction to the Store interface.
type pgTx struct {
	tx    *sqlx.Tx
	store *Store
}

var _ store.Store = (*pgTx)(nil)

func (t *pgTx) InsertIfAbsent(ctx context.Context, rec store.Record) (bool, error) {
	inserted, start, err := insertIfAbsent(ctx, t.tx, rec)
	t.store.observe(insertSQL, start, err)
	return inserted, err
}

func (t *pgTx) Upsert(ctx context.Context, rec store.Record) error {
	start, err := upsert(ctx, t.tx, rec)
	t.store.observe(upsertSQL, start, err)
	return err
}

func (t *pgTx) Get(ctx context.Context, kind, id string) (store.Record, error) {
	rec, start, err := get(ctx, t.tx, kind, id)
	t.store.observe(getSQL, start, err)
	return rec, err
}

func (t *pgTx) QueryByIndex(ctx context.Context, kind, field, value string) ([]store.Record, error) {
	recs, start, err := queryByIndex(ctx, t.tx, kind, field, value)
	t.store.observe(querySQL, start, err)
	return recs, err
}

func (t *pgTx) Delete(ctx context.Context, kind, id string) error {
	start, err := del(ctx, t.tx, kind, id)
	t.store.observe(deleteSQL, start, err)
	return err
}

func (t *pgTx) Stream(ctx context.Context, kind string, fn func(store.Record) error) error {
	start, err := stream(ctx, t.tx, kind, fn)
	t.store.observe(streamSQL, start, err)
	return err
}

func (t *pgTx) Transaction(ctx context.Context, fn func(tx store.Store) error) error {
	return fn(t)
}

func (t *pgTx) Close() error { return nil }
