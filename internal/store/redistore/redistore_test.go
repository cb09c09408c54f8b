package redistore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/store"
	"vigil/internal/store/storetest"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewWithClient(client, nil)
}

func TestContract(t *testing.T) {
	storetest.Run(t, newTestStore)
}

func TestIndexReconciledOnUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	recActive := store.Record{Kind: "scheduled_task", ID: "t1", Data: []byte(`{}`), Index: map[string]string{"enabled": "true"}}
	require.NoError(t, s.Upsert(ctx, recActive))

	got, err := s.QueryByIndex(ctx, "scheduled_task", "enabled", "true")
	require.NoError(t, err)
	require.Len(t, got, 1)

	recDisabled := recActive
	recDisabled.Index = map[string]string{"enabled": "false"}
	require.NoError(t, s.Upsert(ctx, recDisabled))

	got, err = s.QueryByIndex(ctx, "scheduled_task", "enabled", "true")
	require.NoError(t, err)
	assert.Empty(t, got, "old index entry must be removed")

	got, err = s.QueryByIndex(ctx, "scheduled_task", "enabled", "false")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestDeleteCleansIndexes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := store.Record{Kind: "dr_event", ID: "e1", Data: []byte(`{}`), Index: map[string]string{"component": "database"}}
	require.NoError(t, s.Upsert(ctx, rec))
	require.NoError(t, s.Delete(ctx, "dr_event", "e1"))

	got, err := s.QueryByIndex(ctx, "dr_event", "component", "database")
	require.NoError(t, err)
	assert.Empty(t, got)

	var streamed int
	require.NoError(t, s.Stream(ctx, "dr_event", func(store.Record) error {
		streamed++
		return nil
	}))
	assert.Zero(t, streamed)
}
