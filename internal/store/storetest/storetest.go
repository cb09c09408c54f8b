// Package storetest holds the backend-agnostic contract suite every
// store implementation must pass.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/errors"
	"vigil/internal/store"
)

// Factory builds a fresh, empty store for one test.
type Factory func(t *testing.T) store.Store

// Run exercises the store contract against the given backend.
func Run(t *testing.T, newStore Factory) {
	t.Run("InsertIfAbsent", func(t *testing.T) { testInsertIfAbsent(t, newStore(t)) })
	t.Run("InsertIfAbsentConcurrent", func(t *testing.T) { testInsertConcurrent(t, newStore(t)) })
	t.Run("UpsertAndGet", func(t *testing.T) { testUpsertAndGet(t, newStore(t)) })
	t.Run("QueryByIndex", func(t *testing.T) { testQueryByIndex(t, newStore(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("Stream", func(t *testing.T) { testStream(t, newStore(t)) })
	t.Run("Transaction", func(t *testing.T) { testTransaction(t, newStore(t)) })
	t.Run("TransactionInsertConflict", func(t *testing.T) { testTransactionInsertConflict(t, newStore(t)) })
}

func rec(kind, id string, payload string, index map[string]string) store.Record {
	return store.Record{Kind: kind, ID: id, Data: []byte(fmt.Sprintf("{%q:%q}", "v", payload)), Index: index}
}

func testInsertIfAbsent(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	inserted, err := s.InsertIfAbsent(ctx, rec("document", "d1", "first", nil))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.InsertIfAbsent(ctx, rec("document", "d1", "second", nil))
	require.NoError(t, err)
	assert.False(t, inserted, "second insert of same id must lose")

	got, err := s.Get(ctx, "document", "d1")
	require.NoError(t, err)
	assert.Contains(t, string(got.Data), "first", "first insert wins")
}

func testInsertConcurrent(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	const racers = 16
	var wg sync.WaitGroup
	wins := make(chan int, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			inserted, err := s.InsertIfAbsent(ctx, rec("document", "contested", fmt.Sprintf("racer-%d", n), nil))
			if err == nil && inserted {
				wins <- n
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []int
	for w := range wins {
		winners = append(winners, w)
	}
	require.Len(t, winners, 1, "exactly one concurrent insert must win")
}

func testUpsertAndGet(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, rec("source", "s1", "v1", map[string]string{"status": "active"})))
	require.NoError(t, s.Upsert(ctx, rec("source", "s1", "v2", map[string]string{"status": "disabled"})))

	got, err := s.Get(ctx, "source", "s1")
	require.NoError(t, err)
	assert.Contains(t, string(got.Data), "v2")
	assert.Equal(t, "disabled", got.Index["status"])

	_, err = s.Get(ctx, "source", "missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func testQueryByIndex(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, rec("task", "t1", "a", map[string]string{"workflow_id": "w1", "status": "pending"})))
	require.NoError(t, s.Upsert(ctx, rec("task", "t2", "b", map[string]string{"workflow_id": "w1", "status": "completed"})))
	require.NoError(t, s.Upsert(ctx, rec("task", "t3", "c", map[string]string{"workflow_id": "w2", "status": "pending"})))

	got, err := s.QueryByIndex(ctx, "task", "workflow_id", "w1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "t1", got[0].ID)
	assert.Equal(t, "t2", got[1].ID)

	got, err = s.QueryByIndex(ctx, "task", "status", "pending")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.QueryByIndex(ctx, "task", "workflow_id", "none")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testDelete(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, rec("trigger", "tr1", "x", nil)))
	require.NoError(t, s.Delete(ctx, "trigger", "tr1"))

	_, err := s.Get(ctx, "trigger", "tr1")
	assert.True(t, errors.IsNotFound(err))

	err = s.Delete(ctx, "trigger", "tr1")
	assert.True(t, errors.IsNotFound(err), "double delete reports not found")
}

func testStream(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Upsert(ctx, rec("scheduled_task", fmt.Sprintf("st%d", i), "x", nil)))
	}
	require.NoError(t, s.Upsert(ctx, rec("document", "d1", "y", nil)))

	var seen []string
	err := s.Stream(ctx, "scheduled_task", func(r store.Record) error {
		seen = append(seen, r.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, seen, 5, "stream covers only the requested kind")

	stop := fmt.Errorf("stop early")
	count := 0
	err = s.Stream(ctx, "scheduled_task", func(r store.Record) error {
		count++
		return stop
	})
	require.ErrorIs(t, err, stop)
	assert.Equal(t, 1, count, "callback error halts the stream")
}

func testTransaction(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, rec("workflow_execution", "e1", "before", map[string]string{"status": "active"})))

	err := s.Transaction(ctx, func(tx store.Store) error {
		if err := tx.Upsert(ctx, rec("workflow_execution", "e1", "after", map[string]string{"status": "completed"})); err != nil {
			return err
		}
		return tx.Upsert(ctx, rec("compliance_task", "ct1", "new", map[string]string{"workflow_id": "e1"}))
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, "workflow_execution", "e1")
	require.NoError(t, err)
	assert.Contains(t, string(got.Data), "after")
	_, err = s.Get(ctx, "compliance_task", "ct1")
	assert.NoError(t, err)

	// A failing transaction leaves no trace.
	boom := fmt.Errorf("boom")
	err = s.Transaction(ctx, func(tx store.Store) error {
		if err := tx.Upsert(ctx, rec("workflow_execution", "e1", "rollback", nil)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err = s.Get(ctx, "workflow_execution", "e1")
	require.NoError(t, err)
	assert.Contains(t, string(got.Data), "after", "aborted tx must not apply writes")
}

func testTransactionInsertConflict(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, rec("document", "taken", "original", nil)))

	err := s.Transaction(ctx, func(tx store.Store) error {
		inserted, err := tx.InsertIfAbsent(ctx, rec("document", "taken", "usurper", nil))
		if err != nil {
			return err
		}
		assert.False(t, inserted, "tx insert sees the existing record")
		return nil
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, "document", "taken")
	require.NoError(t, err)
	assert.Contains(t, string(got.Data), "original")
}
