package index

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/errors"
)

func TestNewEmbedderSelectsKind(t *testing.T) {
	hash, err := NewEmbedder(EmbedderConfig{Kind: "hash"})
	require.NoError(t, err)
	assert.IsType(t, &HashEmbedder{}, hash)

	openai, err := NewEmbedder(EmbedderConfig{Kind: "openai", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, 1536, openai.Dimensions())

	_, err = NewEmbedder(EmbedderConfig{Kind: "quantum"})
	assert.True(t, errors.IsValidation(err))
}

func TestHashEmbedderDeterministic(t *testing.T) {
	embedder := NewHashEmbedder(0)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("identical text yields identical unit vector", prop.ForAll(
		func(text string) bool {
			first, err := embedder.Embed(ctx, text)
			if err != nil {
				return false
			}
			second, err := embedder.Embed(ctx, text)
			if err != nil {
				return false
			}
			if len(first) != embedder.Dimensions() || len(second) != len(first) {
				return false
			}
			var norm float64
			for i := range first {
				if first[i] != second[i] {
					return false
				}
				norm += float64(first[i]) * float64(first[i])
			}
			return math.Abs(norm-1) < 1e-3
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestHashEmbedderSharedVocabularyScoresHigher(t *testing.T) {
	embedder := NewHashEmbedder(0)
	ctx := context.Background()

	base, err := embedder.Embed(ctx, "quarterly liquidity coverage ratio reporting")
	require.NoError(t, err)
	near, err := embedder.Embed(ctx, "liquidity coverage ratio quarterly disclosures")
	require.NoError(t, err)
	far, err := embedder.Embed(ctx, "migratory bird nesting season")
	require.NoError(t, err)

	assert.Greater(t, cosine(base, near), cosine(base, far))
}

func cosine(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// newEmbedServer returns an OpenAI-compatible embeddings endpoint that
// derives each vector from the input length, plus a request counter and a
// slot recording the most recent request body.
func newEmbedServer(t *testing.T, failures int) (*httptest.Server, *atomic.Int64, *atomic.Pointer[embedRequest]) {
	t.Helper()
	var calls atomic.Int64
	var last atomic.Pointer[embedRequest]

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		last.Store(&req)

		if n <= int64(failures) {
			http.Error(w, "upstream unavailable", http.StatusInternalServerError)
			return
		}

		type item struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}
		data := make([]item, len(req.Input))
		for i, text := range req.Input {
			data[i] = item{Embedding: []float32{float32(len(text)), 1}, Index: i}
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"data": data}))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls, &last
}

func newTestOpenAIEmbedder(t *testing.T, baseURL string) *openaiEmbedder {
	t.Helper()
	e, err := newOpenAIEmbedder(EmbedderConfig{
		Kind:      "openai",
		BaseURL:   baseURL,
		Model:     "test-embed",
		APIKey:    "secret",
		CacheSize: 32,
	})
	require.NoError(t, err)
	e.retry = errors.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	return e
}

func TestOpenAIEmbedderCachesRepeatedTexts(t *testing.T) {
	srv, calls, last := newEmbedServer(t, 0)
	e := newTestOpenAIEmbedder(t, srv.URL)
	ctx := context.Background()

	first, err := e.Embed(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 1}, first)
	assert.Equal(t, int64(1), calls.Load())

	again, err := e.Embed(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, int64(1), calls.Load(), "second lookup served from cache")

	batch, err := e.EmbedBatch(ctx, []string{"alpha", "beta-long"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
	assert.Equal(t, []string{"beta-long"}, last.Load().Input, "only uncached texts sent upstream")
	assert.Equal(t, first, batch[0])
	assert.Equal(t, []float32{9, 1}, batch[1])
}

func TestOpenAIEmbedderRetriesServerErrors(t *testing.T) {
	srv, calls, _ := newEmbedServer(t, 1)
	e := newTestOpenAIEmbedder(t, srv.URL)

	vec, err := e.Embed(context.Background(), "gamma")
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 1}, vec)
	assert.Equal(t, int64(2), calls.Load())
}

func TestOpenAIEmbedderDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"model not found"}`, http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	e := newTestOpenAIEmbedder(t, srv.URL)
	_, err := e.Embed(context.Background(), "delta")
	assert.True(t, errors.IsValidation(err))
	assert.Equal(t, int64(1), calls.Load())
}

func TestOpenAIEmbedderBatchLimit(t *testing.T) {
	srv, calls, _ := newEmbedServer(t, 0)
	e := newTestOpenAIEmbedder(t, srv.URL)

	texts := make([]string, embedBatchLimit+1)
	for i := range texts {
		texts[i] = fmt.Sprintf("text-%d", i)
	}
	_, err := e.EmbedBatch(context.Background(), texts)
	assert.True(t, errors.IsValidation(err))
	assert.Equal(t, int64(0), calls.Load())

	_, err = e.EmbedBatch(context.Background(), nil)
	assert.True(t, errors.IsValidation(err))
}
