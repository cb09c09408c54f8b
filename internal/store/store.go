// Package store defines the transactional record store every subsystem
// persists through. Entities are stored as JSON documents keyed by
// (kind, id) with a flat map of queryable secondary-index fields.
// Backends: memstore (tests, development), redistore, pgstore.
package store

import (
	"context"
	"encoding/json"

	"vigil/internal/errors"
)

// Record kinds.
const (
	KindSource             = "source"
	KindDocument           = "document"
	KindAssessment         = "assessment"
	KindWorkflowDefinition = "workflow_definition"
	KindWorkflowExecution  = "workflow_execution"
	KindComplianceTask     = "compliance_task"
	KindScheduledTask      = "scheduled_task"
	KindTaskExecution      = "task_execution"
	KindTrigger            = "trigger"
	KindDRResult           = "dr_result"
	KindDREvent            = "dr_event"
)

// Secondary-index field names. Values are always strings; booleans are
// stored as "true"/"false".
const (
	IdxSourceExternal = "source_external" // dedup key source_id/external_id
	IdxSourceID       = "source_id"
	IdxDocumentID     = "document_id"
	IdxDefinitionID   = "definition_id"
	IdxWorkflowID     = "workflow_id"
	IdxTaskID         = "task_id"
	IdxParentID       = "parent_id"
	IdxStatus         = "status"
	IdxKind           = "kind"
	IdxComponent      = "component"
	IdxEnabled        = "enabled"
	IdxCurrent        = "current"
	IdxSeverity       = "severity"
	IdxAssignee       = "assignee"
	IdxResolved       = "resolved"
)

// Record is one stored entity.
type Record struct {
	Kind  string            `json:"kind"`
	ID    string            `json:"id"`
	Data  []byte            `json:"data"`
	Index map[string]string `json:"index,omitempty"`
}

// Store is the transactional record store.
//
// InsertIfAbsent is race-free: of N concurrent inserts for the same
// (kind, id), exactly one reports inserted=true. Transaction applies
// the writes issued through its view atomically; reads inside the view
// observe committed state, not the transaction's own buffered writes.
// Backends with optimistic concurrency may invoke fn more than once, so
// fn must be idempotent apart from the writes it issues through tx.
type Store interface {
	InsertIfAbsent(ctx context.Context, rec Record) (inserted bool, err error)
	Upsert(ctx context.Context, rec Record) error
	Get(ctx context.Context, kind, id string) (Record, error)
	QueryByIndex(ctx context.Context, kind, field, value string) ([]Record, error)
	Delete(ctx context.Context, kind, id string) error
	Transaction(ctx context.Context, fn func(tx Store) error) error
	Stream(ctx context.Context, kind string, fn func(Record) error) error
	Close() error
}

// QueryObserver receives timing for every backend query so the APM
// query tracker can aggregate them. Implementations must be cheap and
// non-blocking.
type QueryObserver interface {
	ObserveQuery(query string, durationMillis float64, err error)
}

// Marshal encodes an entity into a record.
func Marshal(kind, id string, v any, index map[string]string) (Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Record{}, errors.Wrap(errors.KindFatal, err, "encode %s/%s", kind, id)
	}
	return Record{Kind: kind, ID: id, Data: data, Index: index}, nil
}

// Unmarshal decodes a record's payload into T.
func Unmarshal[T any](rec Record) (T, error) {
	var v T
	if err := json.Unmarshal(rec.Data, &v); err != nil {
		return v, errors.Wrap(errors.KindFatal, err, "decode %s/%s", rec.Kind, rec.ID)
	}
	return v, nil
}

// GetTyped loads and decodes one entity.
func GetTyped[T any](ctx context.Context, s Store, kind, id string) (T, error) {
	var zero T
	rec, err := s.Get(ctx, kind, id)
	if err != nil {
		return zero, err
	}
	return Unmarshal[T](rec)
}

// QueryTyped loads and decodes all entities matching an index value.
func QueryTyped[T any](ctx context.Context, s Store, kind, field, value string) ([]T, error) {
	recs, err := s.QueryByIndex(ctx, kind, field, value)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		v, err := Unmarshal[T](rec)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// StreamTyped decodes every record of a kind through fn.
func StreamTyped[T any](ctx context.Context, s Store, kind string, fn func(T) error) error {
	return s.Stream(ctx, kind, func(rec Record) error {
		v, err := Unmarshal[T](rec)
		if err != nil {
			return err
		}
		return fn(v)
	})
}

// BoolIndex renders a boolean as an index value.
func BoolIndex(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
