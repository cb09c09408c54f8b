package index

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/errors"
)

func mustEmbed(t *testing.T, e Embedder, text string) []float32 {
	t.Helper()
	vec, err := e.Embed(context.Background(), text)
	require.NoError(t, err)
	return vec
}

func upsertText(t *testing.T, idx Index, e Embedder, id, text string, payload map[string]string) {
	t.Helper()
	require.NoError(t, idx.Upsert(context.Background(), Document{
		ID:      id,
		Vector:  mustEmbed(t, e, text),
		Payload: payload,
		Excerpt: text,
	}))
}

func TestIndexSearchRanksSharedVocabularyHigher(t *testing.T) {
	ctx := context.Background()
	embedder := NewHashEmbedder(0)
	idx, err := New(Config{})
	require.NoError(t, err)

	upsertText(t, idx, embedder, "doc-capital-1",
		"bank capital requirements under the revised framework", nil)
	upsertText(t, idx, embedder, "doc-capital-2",
		"minimum capital requirements for bank holding companies", nil)
	upsertText(t, idx, embedder, "doc-privacy",
		"consumer data privacy obligations for processors", nil)

	query := mustEmbed(t, embedder, "capital requirements for banks")
	matches, err := idx.Search(ctx, query, 3, 0, nil)
	require.NoError(t, err)
	require.NotEmpty(t, matches)

	for i := 1; i < len(matches); i++ {
		assert.GreaterOrEqual(t, matches[i-1].Score, matches[i].Score, "descending score order")
	}
	assert.Contains(t, []string{"doc-capital-1", "doc-capital-2"}, matches[0].DocID)

	rank := map[string]int{}
	for i, m := range matches {
		rank[m.DocID] = i
	}
	if privacyRank, ok := rank["doc-privacy"]; ok {
		assert.Greater(t, privacyRank, rank[matches[0].DocID])
	}
}

func TestIndexSearchThresholdFiltersLowScores(t *testing.T) {
	ctx := context.Background()
	embedder := NewHashEmbedder(0)
	idx, err := New(Config{})
	require.NoError(t, err)

	upsertText(t, idx, embedder, "doc-1", "anti money laundering transaction monitoring", nil)
	upsertText(t, idx, embedder, "doc-2", "orchid cultivation in temperate climates", nil)

	query := mustEmbed(t, embedder, "anti money laundering transaction monitoring")
	matches, err := idx.Search(ctx, query, 2, 0.9, nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "doc-1", matches[0].DocID)
	assert.GreaterOrEqual(t, matches[0].Score, float32(0.9))
}

func TestIndexSearchAppliesPayloadFilters(t *testing.T) {
	ctx := context.Background()
	embedder := NewHashEmbedder(0)
	idx, err := New(Config{})
	require.NoError(t, err)

	upsertText(t, idx, embedder, "doc-eu", "settlement discipline for securities trades",
		map[string]string{"jurisdiction": "eu"})
	upsertText(t, idx, embedder, "doc-us", "settlement discipline for securities trades",
		map[string]string{"jurisdiction": "us"})

	query := mustEmbed(t, embedder, "settlement discipline")
	matches, err := idx.Search(ctx, query, 5, 0, map[string]string{"jurisdiction": "eu"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "doc-eu", matches[0].DocID)
	assert.Equal(t, "eu", matches[0].Payload["jurisdiction"])
}

func TestIndexSearchEmptyIndexReturnsNoMatches(t *testing.T) {
	idx, err := New(Config{})
	require.NoError(t, err)

	matches, err := idx.Search(context.Background(), []float32{1}, 5, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestIndexUpsertReplacesExistingDocument(t *testing.T) {
	ctx := context.Background()
	embedder := NewHashEmbedder(0)
	idx, err := New(Config{})
	require.NoError(t, err)

	upsertText(t, idx, embedder, "doc-1", "original text", map[string]string{"rev": "1"})
	upsertText(t, idx, embedder, "doc-1", "replacement text", map[string]string{"rev": "2"})
	assert.Equal(t, 1, idx.Count())

	query := mustEmbed(t, embedder, "replacement text")
	matches, err := idx.Search(ctx, query, 1, 0, nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "2", matches[0].Payload["rev"])
	assert.Equal(t, "replacement text", matches[0].Excerpt)
}

func TestIndexDeleteRemovesDocument(t *testing.T) {
	embedder := NewHashEmbedder(0)
	idx, err := New(Config{})
	require.NoError(t, err)

	upsertText(t, idx, embedder, "doc-1", "some text", nil)
	require.Equal(t, 1, idx.Count())

	require.NoError(t, idx.Delete(context.Background(), "doc-1"))
	assert.Equal(t, 0, idx.Count())
}

func TestIndexPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	embedder := NewHashEmbedder(0)

	idx, err := New(Config{Path: dir, Collection: "test"})
	require.NoError(t, err)
	upsertText(t, idx, embedder, "doc-1", "persisted entry", nil)
	require.NoError(t, idx.Close())

	reopened, err := New(Config{Path: dir, Collection: "test"})
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.Count())
}

func TestIndexUpsertValidation(t *testing.T) {
	idx, err := New(Config{})
	require.NoError(t, err)

	err = idx.Upsert(context.Background(), Document{Vector: []float32{1}})
	assert.True(t, errors.IsValidation(err))

	err = idx.Upsert(context.Background(), Document{ID: "doc-1"})
	assert.True(t, errors.IsValidation(err))

	err = idx.Delete(context.Background(), "")
	assert.True(t, errors.IsValidation(err))
}
