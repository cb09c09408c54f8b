package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/errors"
	"vigil/internal/index"
	"vigil/internal/logging"
	"vigil/internal/model"
	"vigil/internal/store"
	"vigil/internal/store/memstore"
)

const testPage = `<!DOCTYPE html>
<html>
<head><title>Liquidity Coverage Rule</title><script>var tracking = 1;</script></head>
<body><p>Under Section 12, firms shall report liquidity by 2026-03-01. Contact lcr@agency.gov.</p></body>
</html>`

func newTestPipeline(t *testing.T, cfg Config) (*Pipeline, store.Store, index.Index, *index.HashEmbedder) {
	t.Helper()
	st := memstore.New()
	idx, err := index.New(index.Config{})
	require.NoError(t, err)
	emb := index.NewHashEmbedder(64)
	return New(cfg, st, idx, emb, logging.Nop()), st, idx, emb
}

func seedSource(t *testing.T, st store.Store, src model.RegulatorySource) model.RegulatorySource {
	t.Helper()
	rec, err := store.SourceRecord(src)
	require.NoError(t, err)
	require.NoError(t, st.Upsert(context.Background(), rec))
	return src
}

func seedDocument(t *testing.T, st store.Store, doc model.RegulatoryDocument) model.RegulatoryDocument {
	t.Helper()
	if doc.ID == "" {
		doc.ID = model.DocumentID(doc.SourceID, doc.ExternalID)
	}
	rec, err := store.DocumentRecord(doc)
	require.NoError(t, err)
	require.NoError(t, st.Upsert(context.Background(), rec))
	return doc
}

func TestProcessTextBytes(t *testing.T) {
	p, _, _, _ := newTestPipeline(t, Config{})
	raw := []byte("Compliance Notice\r\n\r\nEffective 2026-01-15.\r\nContact info@agency.gov.\x00")

	res := p.Process(context.Background(), Input{Bytes: raw})

	require.True(t, res.Success, "error: %s", res.Error)
	assert.Equal(t, ContentText, res.ContentType)
	assert.NotContains(t, res.Text, "\r")
	assert.NotContains(t, res.Text, "\x00")
	assert.Contains(t, res.Text, "Effective 2026-01-15.")

	sum := sha256.Sum256(raw)
	assert.Equal(t, hex.EncodeToString(sum[:]), res.Fingerprint)

	assert.Contains(t, res.Metadata.Dates, "2026-01-15")
	assert.Equal(t, []string{"info@agency.gov"}, res.Metadata.Emails)
	assert.Contains(t, res.Keywords, "compliance")
}

func TestProcessHTMLBytes(t *testing.T) {
	p, _, _, _ := newTestPipeline(t, Config{})

	res := p.Process(context.Background(), Input{
		Bytes:        []byte(testPage),
		DeclaredType: "text/html; charset=utf-8",
	})

	require.True(t, res.Success, "error: %s", res.Error)
	assert.Equal(t, ContentHTML, res.ContentType)
	assert.Contains(t, res.Text, "Liquidity Coverage Rule")
	assert.Contains(t, res.Text, "firms shall report liquidity")
	assert.NotContains(t, res.Text, "tracking")
	assert.Contains(t, res.Metadata.References, "Section 12")
	assert.Contains(t, res.Metadata.Emails, "lcr@agency.gov")
}

func TestProcessPath(t *testing.T) {
	p, _, _, _ := newTestPipeline(t, Config{})
	dir := t.TempDir()
	path := filepath.Join(dir, "notice.txt")
	require.NoError(t, os.WriteFile(path, []byte("Rule 42 takes effect."), 0o644))

	res := p.Process(context.Background(), Input{Path: path})
	require.True(t, res.Success, "error: %s", res.Error)
	assert.Equal(t, "Rule 42 takes effect.", res.Text)
	assert.Equal(t, []string{"Rule 42"}, res.Metadata.References)

	res = p.Process(context.Background(), Input{Path: filepath.Join(dir, "missing.txt")})
	require.False(t, res.Success)
	assert.Equal(t, errors.KindNotFound, res.ErrorKind)
}

func TestProcessURL(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/doc", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(testPage))
	})
	mux.HandleFunc("/huge", func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 8192))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p, _, _, _ := newTestPipeline(t, Config{MaxFileBytes: 4096})

	res := p.Process(context.Background(), Input{URL: srv.URL + "/doc"})
	require.True(t, res.Success, "error: %s", res.Error)
	assert.Equal(t, ContentHTML, res.ContentType, "content type header drives extraction")
	assert.Contains(t, res.Text, "Liquidity Coverage Rule")

	res = p.Process(context.Background(), Input{URL: srv.URL + "/nope"})
	require.False(t, res.Success)
	assert.Equal(t, errors.KindNotFound, res.ErrorKind)
	assert.Contains(t, res.Error, "404")

	res = p.Process(context.Background(), Input{URL: srv.URL + "/huge"})
	require.False(t, res.Success)
	assert.Equal(t, errors.KindValidation, res.ErrorKind)
	assert.Contains(t, res.Error, "size cap")
}

func TestProcessSizeCap(t *testing.T) {
	p, _, _, _ := newTestPipeline(t, Config{MaxFileBytes: 16})

	res := p.Process(context.Background(), Input{Bytes: make([]byte, 64)})
	require.False(t, res.Success)
	assert.Equal(t, errors.KindValidation, res.ErrorKind)
	assert.Contains(t, res.Error, "exceeds cap")

	// Path inputs are rejected on the stat, before the read.
	path := filepath.Join(t.TempDir(), "big.txt")
	require.NoError(t, os.WriteFile(path, make([]byte, 64), 0o644))
	res = p.Process(context.Background(), Input{Path: path})
	require.False(t, res.Success)
	assert.Equal(t, errors.KindValidation, res.ErrorKind)
}

func TestProcessNoInput(t *testing.T) {
	p, _, _, _ := newTestPipeline(t, Config{})

	res := p.Process(context.Background(), Input{})
	require.False(t, res.Success)
	assert.Equal(t, errors.KindValidation, res.ErrorKind)
	assert.Contains(t, res.Error, "no path, url or bytes")
}

func TestProcessContentTypeAllowList(t *testing.T) {
	p, _, _, _ := newTestPipeline(t, Config{AllowedContentTypes: []string{"application/pdf"}})
	res := p.Process(context.Background(), Input{Bytes: []byte("plain words")})
	require.False(t, res.Success)
	assert.Contains(t, res.Error, "not allowed")

	p, _, _, _ = newTestPipeline(t, Config{AllowedContentTypes: []string{"text/plain"}})
	res = p.Process(context.Background(), Input{Bytes: []byte("plain words")})
	assert.True(t, res.Success)
}

func TestProcessMalformedPDF(t *testing.T) {
	p, _, _, _ := newTestPipeline(t, Config{})

	res := p.Process(context.Background(), Input{Bytes: []byte("%PDF-1.5 not a real pdf")})
	require.False(t, res.Success)
	assert.Equal(t, errors.KindValidation, res.ErrorKind)
	assert.Equal(t, ContentPDF, res.ContentType)
	assert.NotEmpty(t, res.Fingerprint, "failed extractions still identify the bytes")
}

// Identical bytes must always produce the identical result, whatever the
// bytes are, and the text a success carries is already in normal form.
func TestProcessDeterministic(t *testing.T) {
	p, _, _, _ := newTestPipeline(t, Config{})
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("same bytes, same result", prop.ForAll(
		func(data []byte) bool {
			a := p.Process(ctx, Input{Bytes: data})
			b := p.Process(ctx, Input{Bytes: data})
			if a.Fingerprint != b.Fingerprint || a.Text != b.Text || a.Success != b.Success {
				return false
			}
			return !a.Success || Normalize(a.Text) == a.Text
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}

func TestHandleIndexesDocument(t *testing.T) {
	p, st, idx, emb := newTestPipeline(t, Config{})
	ctx := context.Background()

	seedSource(t, st, model.RegulatorySource{
		ID:           "src_sec",
		Name:         "SEC Rules",
		Kind:         model.SourceFeed,
		Endpoint:     "https://sec.example.com/feed",
		Jurisdiction: "US",
		PollInterval: time.Hour,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	})
	doc := seedDocument(t, st, model.RegulatoryDocument{
		SourceID:     "src_sec",
		ExternalID:   "ext-1",
		Title:        "Liquidity Coverage Rule",
		DocumentType: model.DocRegulation,
		Status:       model.DocumentPending,
		FetchedAt:    time.Now().UTC(),
	})

	err := p.handle(ctx, Job{DocumentID: doc.ID, Input: Input{Bytes: []byte(testPage)}})
	require.NoError(t, err)

	got, err := store.GetTyped[model.RegulatoryDocument](ctx, st, store.KindDocument, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DocumentIndexed, got.Status)
	assert.Contains(t, got.FullText, "report liquidity")
	assert.Len(t, got.Fingerprint, 64)
	assert.Equal(t, ContentHTML, got.ContentType)
	assert.Empty(t, got.ProcessingError)
	require.NotNil(t, got.ProcessedAt)

	require.Equal(t, 1, idx.Count())
	vec, err := emb.Embed(ctx, Excerpt(got.Title+"\n\n"+got.FullText, embedTextRunes))
	require.NoError(t, err)
	matches, err := idx.Search(ctx, vec, 3, 0, nil)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, doc.ID, matches[0].DocID)
	assert.Equal(t, "src_sec", matches[0].Payload["source_id"])
	assert.Equal(t, "US", matches[0].Payload["jurisdiction"])
	assert.Equal(t, string(model.DocRegulation), matches[0].Payload["document_type"])
	assert.NotEmpty(t, matches[0].Excerpt)
}

func TestHandleFailureMarksDocument(t *testing.T) {
	p, st, idx, _ := newTestPipeline(t, Config{MaxFileBytes: 8})
	ctx := context.Background()

	doc := seedDocument(t, st, model.RegulatoryDocument{
		SourceID:   "src_sec",
		ExternalID: "ext-big",
		Title:      "Oversized",
		Status:     model.DocumentPending,
		FetchedAt:  time.Now().UTC(),
	})

	err := p.handle(ctx, Job{DocumentID: doc.ID, Input: Input{Bytes: make([]byte, 100)}})
	require.NoError(t, err, "extraction failures mark the row, they do not fail the job")

	got, err := store.GetTyped[model.RegulatoryDocument](ctx, st, store.KindDocument, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DocumentFailed, got.Status)
	assert.Contains(t, got.ProcessingError, "exceeds cap")
	require.NotNil(t, got.ProcessedAt)
	assert.Zero(t, idx.Count())
}

func TestHandleSuccessClearsOldError(t *testing.T) {
	p, st, _, _ := newTestPipeline(t, Config{})
	ctx := context.Background()

	doc := seedDocument(t, st, model.RegulatoryDocument{
		SourceID:        "src_sec",
		ExternalID:      "ext-retry",
		Title:           "Retried",
		Status:          model.DocumentFailed,
		ProcessingError: "download timed out",
		FetchedAt:       time.Now().UTC(),
	})

	err := p.handle(ctx, Job{DocumentID: doc.ID, Input: Input{Bytes: []byte("All clear now.")}})
	require.NoError(t, err)

	got, err := store.GetTyped[model.RegulatoryDocument](ctx, st, store.KindDocument, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DocumentIndexed, got.Status)
	assert.Empty(t, got.ProcessingError)
}

func TestHandleUnknownDocument(t *testing.T) {
	p, _, _, _ := newTestPipeline(t, Config{})

	err := p.handle(context.Background(), Job{DocumentID: "doc_missing", Input: Input{Bytes: []byte("x")}})
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestRecoverDocuments(t *testing.T) {
	p, st, idx, _ := newTestPipeline(t, Config{})
	ctx := context.Background()

	refetch := seedDocument(t, st, model.RegulatoryDocument{
		SourceID:   "src_sec",
		ExternalID: "ext-url",
		Title:      "Refetchable",
		Status:     model.DocumentPending,
		URL:        "https://sec.example.com/doc/1",
		FetchedAt:  time.Now().UTC(),
	})
	lost := seedDocument(t, st, model.RegulatoryDocument{
		SourceID:   "src_sec",
		ExternalID: "ext-lost",
		Title:      "Lost",
		Status:     model.DocumentPending,
		FetchedAt:  time.Now().UTC(),
	})
	unindexed := seedDocument(t, st, model.RegulatoryDocument{
		SourceID:   "src_sec",
		ExternalID: "ext-proc",
		Title:      "Processed Only",
		Status:     model.DocumentProcessed,
		FullText:   "stored text survives restarts",
		FetchedAt:  time.Now().UTC(),
	})
	done := seedDocument(t, st, model.RegulatoryDocument{
		SourceID:   "src_sec",
		ExternalID: "ext-done",
		Title:      "Already Indexed",
		Status:     model.DocumentIndexed,
		FullText:   "already here",
		FetchedAt:  time.Now().UTC(),
	})

	require.NoError(t, p.recoverDocuments(ctx))

	// Pending with a URL goes back on the queue with the same identity.
	require.Equal(t, 1, p.QueueDepth())
	job := <-p.queue.jobs()
	assert.Equal(t, refetch.ID, job.DocumentID)
	assert.Equal(t, refetch.URL, job.Input.URL)

	gotLost, err := store.GetTyped[model.RegulatoryDocument](ctx, st, store.KindDocument, lost.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DocumentFailed, gotLost.Status)
	assert.Equal(t, "raw bytes lost before extraction", gotLost.ProcessingError)

	gotProc, err := store.GetTyped[model.RegulatoryDocument](ctx, st, store.KindDocument, unindexed.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DocumentIndexed, gotProc.Status)
	assert.Equal(t, 1, idx.Count(), "only the processed row is re-indexed")

	gotDone, err := store.GetTyped[model.RegulatoryDocument](ctx, st, store.KindDocument, done.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DocumentIndexed, gotDone.Status)
}

func TestStartStopRoundTrip(t *testing.T) {
	p, st, _, _ := newTestPipeline(t, Config{Workers: 2})
	ctx := context.Background()

	seedSource(t, st, model.RegulatorySource{
		ID:           "src_sec",
		Name:         "SEC Rules",
		Kind:         model.SourceFeed,
		Endpoint:     "https://sec.example.com/feed",
		PollInterval: time.Hour,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	})
	doc := seedDocument(t, st, model.RegulatoryDocument{
		SourceID:   "src_sec",
		ExternalID: "ext-live",
		Title:      "Live Document",
		Status:     model.DocumentPending,
		FetchedAt:  time.Now().UTC(),
	})

	p.Start(ctx)
	p.Start(ctx) // idempotent
	assert.True(t, p.Accepting())

	require.NoError(t, p.Enqueue(Job{DocumentID: doc.ID, Input: Input{Bytes: []byte(testPage)}}))

	require.Eventually(t, func() bool {
		got, err := store.GetTyped[model.RegulatoryDocument](ctx, st, store.KindDocument, doc.ID)
		return err == nil && got.Status == model.DocumentIndexed
	}, 3*time.Second, 20*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(stopCtx))
	require.NoError(t, p.Stop(stopCtx)) // idempotent
}
