// Package index provides the similarity index used to relate regulatory
// documents to one another. The document pipeline is the only writer; the
// impact assessor reads it to find precedent regulations.
//
// Vectors come from an Embedder and are stored in chromem-go, either
// in-memory or persisted to disk. Searches return matches in descending
// score order, already filtered by the caller's threshold.
package index

import (
	"context"
	"sort"

	chromem "github.com/philippgille/chromem-go"

	"vigil/internal/errors"
)

// Document is one indexed entry: a precomputed vector plus the payload the
// searcher gets back and a short excerpt of the source text.
type Document struct {
	ID      string
	Vector  []float32
	Payload map[string]string
	Excerpt string
}

// Match is a search hit. Score is cosine similarity in [0,1].
type Match struct {
	DocID   string
	Score   float32
	Payload map[string]string
	Excerpt string
}

// Index is the similarity store contract. Upsert replaces any previous
// entry with the same ID. Search returns at most k matches with
// score >= threshold, ordered by descending score.
type Index interface {
	Upsert(ctx context.Context, doc Document) error
	Delete(ctx context.Context, docID string) error
	Search(ctx context.Context, vector []float32, k int, threshold float32, filters map[string]string) ([]Match, error)
	Count() int
	Close() error
}

// Config parameterizes the chromem-backed index.
type Config struct {
	// Path is the directory for on-disk persistence. Empty keeps the
	// index in memory, which is what tests and dev mode use.
	Path       string
	Collection string
}

type chromemIndex struct {
	db         *chromem.DB
	collection *chromem.Collection
}

// New opens (or creates) the similarity index described by cfg.
func New(cfg Config) (Index, error) {
	if cfg.Collection == "" {
		cfg.Collection = "documents"
	}

	var db *chromem.DB
	var err error
	if cfg.Path != "" {
		db, err = chromem.NewPersistentDB(cfg.Path, false)
		if err != nil {
			return nil, errors.Wrap(errors.KindFatal, err, "open persistent index at %s", cfg.Path)
		}
	} else {
		db = chromem.NewDB()
	}

	// Every write and query supplies its own vector, so the collection's
	// embedding hook must never fire.
	embed := func(ctx context.Context, text string) ([]float32, error) {
		return nil, errors.Validation("index has no embedder: callers supply vectors")
	}

	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, embed)
	if err != nil {
		return nil, errors.Wrap(errors.KindFatal, err, "open index collection %s", cfg.Collection)
	}

	return &chromemIndex{db: db, collection: collection}, nil
}

func (x *chromemIndex) Upsert(ctx context.Context, doc Document) error {
	if doc.ID == "" {
		return errors.Validation("index upsert: empty document id")
	}
	if len(doc.Vector) == 0 {
		return errors.Validation("index upsert: empty vector for %s", doc.ID)
	}

	err := x.collection.AddDocument(ctx, chromem.Document{
		ID:        doc.ID,
		Content:   doc.Excerpt,
		Embedding: doc.Vector,
		Metadata:  doc.Payload,
	})
	if err != nil {
		return errors.Wrap(errors.KindTransient, err, "index upsert %s", doc.ID)
	}
	return nil
}

func (x *chromemIndex) Delete(ctx context.Context, docID string) error {
	if docID == "" {
		return errors.Validation("index delete: empty document id")
	}
	if err := x.collection.Delete(ctx, nil, nil, docID); err != nil {
		return errors.Wrap(errors.KindTransient, err, "index delete %s", docID)
	}
	return nil
}

func (x *chromemIndex) Search(ctx context.Context, vector []float32, k int, threshold float32, filters map[string]string) ([]Match, error) {
	if len(vector) == 0 {
		return nil, errors.Validation("index search: empty query vector")
	}
	if k <= 0 {
		k = 5
	}

	// chromem rejects nResults above the collection size.
	total := x.collection.Count()
	if total == 0 {
		return nil, nil
	}
	if k > total {
		k = total
	}

	results, err := x.collection.QueryEmbedding(ctx, vector, k, filters, nil)
	if err != nil {
		return nil, errors.Wrap(errors.KindTransient, err, "index search")
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		if r.Similarity < threshold {
			continue
		}
		matches = append(matches, Match{
			DocID:   r.ID,
			Score:   r.Similarity,
			Payload: r.Metadata,
			Excerpt: r.Content,
		})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	return matches, nil
}

func (x *chromemIndex) Count() int {
	return x.collection.Count()
}

// Close is a no-op: chromem persists on every mutation.
func (x *chromemIndex) Close() error {
	return nil
}
