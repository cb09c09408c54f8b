package index

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"vigil/internal/errors"
	"vigil/internal/httpclient"
)

// Embedder turns text into vectors. Implementations must be deterministic:
// identical text under the same model yields an identical vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// EmbedderConfig selects and parameterizes the embedding provider.
type EmbedderConfig struct {
	Kind      string // "openai" or "hash"
	BaseURL   string
	Model     string
	APIKey    string
	CacheSize int
}

// NewEmbedder builds the embedder named by cfg.Kind. The "hash" kind is the
// local deterministic embedder used in development and tests.
func NewEmbedder(cfg EmbedderConfig) (Embedder, error) {
	switch cfg.Kind {
	case "hash":
		return NewHashEmbedder(0), nil
	case "", "openai":
		return newOpenAIEmbedder(cfg)
	default:
		return nil, errors.Validation("unknown embedder kind %q", cfg.Kind)
	}
}

const embedBatchLimit = 100

// openaiEmbedder calls an OpenAI-compatible /embeddings endpoint and caches
// results in an LRU keyed by input text. One instance serves one model, so
// the text alone is a sufficient cache key.
type openaiEmbedder struct {
	cfg    EmbedderConfig
	client *http.Client
	cache  *lru.Cache[string, []float32]
	retry  errors.RetryConfig
}

func newOpenAIEmbedder(cfg EmbedderConfig) (*openaiEmbedder, error) {
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 10000
	}

	cache, err := lru.New[string, []float32](cfg.CacheSize)
	if err != nil {
		return nil, errors.Wrap(errors.KindFatal, err, "create embedding cache")
	}

	return &openaiEmbedder{
		cfg:    cfg,
		client: httpclient.New(60 * time.Second),
		cache:  cache,
		retry:  errors.DefaultRetryConfig(),
	}, nil
}

func (e *openaiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if cached, ok := e.cache.Get(text); ok {
		return cached, nil
	}
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (e *openaiEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, errors.Validation("embed batch: no texts")
	}
	if len(texts) > embedBatchLimit {
		return nil, errors.Validation("embed batch: %d texts exceeds limit %d", len(texts), embedBatchLimit)
	}

	results := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i, text := range texts {
		if cached, ok := e.cache.Get(text); ok {
			results[i] = cached
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}
	if len(missTexts) == 0 {
		return results, nil
	}

	vectors, err := errors.RetryWithResult(ctx, e.retry, func(ctx context.Context) ([][]float32, error) {
		return e.callAPI(ctx, missTexts)
	})
	if err != nil {
		return nil, err
	}

	for i, idx := range missIdx {
		e.cache.Add(texts[idx], vectors[i])
		results[idx] = vectors[i]
	}
	return results, nil
}

func (e *openaiEmbedder) Dimensions() int {
	switch e.cfg.Model {
	case "text-embedding-3-large":
		return 3072
	default:
		return 1536
	}
}

func (e *openaiEmbedder) callAPI(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(map[string]any{
		"model": e.cfg.Model,
		"input": texts,
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindValidation, err, "marshal embeddings request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(errors.KindValidation, err, "build embeddings request")
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.KindOf(err), err, "call embeddings endpoint")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := httpclient.ReadAllWithLimit(resp.Body, 8<<10)
		return nil, errors.FromHTTPStatus(resp.StatusCode, "embeddings endpoint: %s", bytes.TrimSpace(detail))
	}

	var apiResp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, errors.Wrap(errors.KindTransient, err, "decode embeddings response")
	}

	vectors := make([][]float32, len(texts))
	for _, item := range apiResp.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, errors.Transient("embeddings response index %d out of range", item.Index)
		}
		vectors[item.Index] = item.Embedding
	}
	for i, v := range vectors {
		if len(v) == 0 {
			return nil, errors.Transient("embeddings response missing vector for input %d", i)
		}
	}
	return vectors, nil
}
