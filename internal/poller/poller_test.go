package poller

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/config"
	"vigil/internal/errors"
	"vigil/internal/logging"
	"vigil/internal/model"
	"vigil/internal/pipeline"
	"vigil/internal/store"
	"vigil/internal/store/memstore"
)

type fakeIngest struct {
	mu        sync.Mutex
	jobs      []pipeline.Job
	accepting bool
	fail      bool
}

func newFakeIngest() *fakeIngest { return &fakeIngest{accepting: true} }

func (f *fakeIngest) Enqueue(job pipeline.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.Transient("queue full")
	}
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeIngest) Accepting() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accepting
}

func (f *fakeIngest) setAccepting(ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepting = ok
}

func (f *fakeIngest) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func (f *fakeIngest) jobCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

type fakeSink struct {
	mu     sync.Mutex
	events []model.Event
}

func (f *fakeSink) EmitEvent(_ context.Context, ev model.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

// stubFetcher replays a fixed listing, or fails with err.
type stubFetcher struct {
	entries []Entry
	err     error
}

func (s stubFetcher) Fetch(context.Context, model.RegulatorySource) ([]Entry, error) {
	return s.entries, s.err
}

func testSource(id string) model.RegulatorySource {
	return model.RegulatorySource{
		ID:           id,
		Name:         id,
		Kind:         model.SourceFeed,
		Endpoint:     "https://example.test/feed",
		PollInterval: time.Minute,
		Active:       true,
	}
}

func newTestWorker(t *testing.T, src model.RegulatorySource, f Fetcher) (*worker, *fakeIngest, *fakeSink, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	ingest := newFakeIngest()
	sink := &fakeSink{}
	p := New(config.PollerConfig{DegradedThreshold: 3}, st, ingest, sink, logging.Nop())
	return &worker{poller: p, src: src, fetcher: f}, ingest, sink, st
}

func TestCycleInsertsNewDocuments(t *testing.T) {
	at := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	w, ingest, sink, st := newTestWorker(t, testSource("sec"), stubFetcher{entries: []Entry{
		{ExternalID: "X", Title: "Final Rule on Liquidity", Link: "https://example.test/x", PublishedAt: &at},
		{ExternalID: "Y", Title: "Guidance on Reporting", Link: "https://example.test/y"},
	}})

	require.NoError(t, w.cycle(context.Background()))

	doc, err := store.GetTyped[model.RegulatoryDocument](
		context.Background(), st, store.KindDocument, model.DocumentID("sec", "X"))
	require.NoError(t, err)
	assert.Equal(t, "sec", doc.SourceID)
	assert.Equal(t, "X", doc.ExternalID)
	assert.Equal(t, model.DocRegulation, doc.DocumentType)
	assert.Equal(t, model.DocumentPending, doc.Status)

	assert.Equal(t, 2, ingest.jobCount())
	assert.Equal(t, 2, sink.count())

	src, err := store.GetTyped[model.RegulatorySource](
		context.Background(), st, store.KindSource, "sec")
	require.NoError(t, err)
	require.NotNil(t, src.LastPolledAt)
}

func TestCycleDedupsOnSecondPoll(t *testing.T) {
	w, ingest, sink, st := newTestWorker(t, testSource("sec"), stubFetcher{entries: []Entry{
		{ExternalID: "X", Title: "Final Rule on Liquidity", Link: "https://example.test/x"},
	}})

	require.NoError(t, w.cycle(context.Background()))
	require.NoError(t, w.cycle(context.Background()))

	docs, err := store.QueryTyped[model.RegulatoryDocument](
		context.Background(), st, store.KindDocument, store.IdxSourceID, "sec")
	require.NoError(t, err)
	assert.Len(t, docs, 1, "second poll must not duplicate the document")
	assert.Equal(t, 1, ingest.jobCount())
	assert.Equal(t, 1, sink.count(), "regulatory_change fires only for the winning insert")
}

func TestCycleDerivesExternalID(t *testing.T) {
	entries := []Entry{{Title: "Consent Order Against Example Bank", Link: "https://example.test/a"}}
	w, _, _, st := newTestWorker(t, testSource("fed"), stubFetcher{entries: entries})

	require.NoError(t, w.cycle(context.Background()))
	require.NoError(t, w.cycle(context.Background()))

	docs, err := store.QueryTyped[model.RegulatoryDocument](
		context.Background(), st, store.KindDocument, store.IdxSourceID, "fed")
	require.NoError(t, err)
	require.Len(t, docs, 1, "derived external id must be stable across polls")
	assert.Equal(t, model.DocEnforcement, docs[0].DocumentType)
	assert.NotEmpty(t, docs[0].ExternalID)
}

func TestCycleStopsOnBackPressure(t *testing.T) {
	w, ingest, _, st := newTestWorker(t, testSource("sec"), stubFetcher{entries: []Entry{
		{ExternalID: "1", Title: "Advisory Bulletin One", Link: "https://example.test/1"},
		{ExternalID: "2", Title: "Advisory Bulletin Two", Link: "https://example.test/2"},
	}})
	ingest.setAccepting(false)

	require.NoError(t, w.cycle(context.Background()))

	docs, err := store.QueryTyped[model.RegulatoryDocument](
		context.Background(), st, store.KindDocument, store.IdxSourceID, "sec")
	require.NoError(t, err)
	assert.Empty(t, docs, "a saturated pipeline pauses inserts")
	assert.Equal(t, 0, ingest.jobCount())
}

func TestBouncedEnqueueIsDeferredAndFlushed(t *testing.T) {
	w, ingest, _, _ := newTestWorker(t, testSource("sec"), stubFetcher{entries: []Entry{
		{ExternalID: "1", Title: "Notice of Proposed Rulemaking", Link: "https://example.test/1"},
	}})
	ingest.setFail(true)

	require.NoError(t, w.cycle(context.Background()))
	assert.Equal(t, 0, ingest.jobCount())

	ingest.setFail(false)
	require.NoError(t, w.cycle(context.Background()))
	assert.Equal(t, 1, ingest.jobCount(), "deferred job replays on the next cycle")
}

func TestObserveDegradesAfterThreshold(t *testing.T) {
	st := memstore.New()
	var degradedID string
	var degradedFailures int
	p := New(config.PollerConfig{DegradedThreshold: 3}, st, newFakeIngest(), nil, logging.Nop(),
		WithDegradedHook(func(id string, failures int, _ error) {
			degradedID = id
			degradedFailures = failures
		}))
	w := &worker{poller: p, src: testSource("sec"), fetcher: stubFetcher{}}

	fail := errors.Transient("boom")
	w.observe(fail)
	w.observe(fail)
	assert.False(t, w.health().Degraded)
	assert.Empty(t, degradedID)

	w.observe(fail)
	h := w.health()
	assert.True(t, h.Degraded)
	assert.Equal(t, 3, h.ConsecutiveFailures)
	assert.Equal(t, "sec", degradedID)
	assert.Equal(t, 3, degradedFailures)

	// A success clears the streak and the degraded flag.
	w.observe(nil)
	h = w.health()
	assert.False(t, h.Degraded)
	assert.Zero(t, h.ConsecutiveFailures)
}

func TestObserveIgnoresShutdownCancellation(t *testing.T) {
	w, _, _, _ := newTestWorker(t, testSource("sec"), stubFetcher{})
	w.observe(errors.Cancelled("shutting down"))
	assert.Zero(t, w.health().ConsecutiveFailures)
}

const sampleRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Regulator Updates</title>
    <item>
      <guid>RU-2026-001</guid>
      <title>Final Rule on Capital Requirements</title>
      <link>https://example.test/ru-2026-001</link>
      <description>Amendments to capital requirements.</description>
      <pubDate>Mon, 04 May 2026 09:00:00 GMT</pubDate>
    </item>
    <item>
      <guid>RU-2026-002</guid>
      <title>Advisory on Third-Party Risk</title>
      <link>https://example.test/ru-2026-002</link>
      <description>Guidance for outsourcing arrangements.</description>
    </item>
  </channel>
</rss>`

func TestStartPollsSeededSources(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(sampleRSS))
	}))
	defer srv.Close()

	st := memstore.New()
	src := testSource("sec")
	src.Endpoint = srv.URL
	rec, err := store.SourceRecord(src)
	require.NoError(t, err)
	require.NoError(t, st.Upsert(context.Background(), rec))

	ingest := newFakeIngest()
	sink := &fakeSink{}
	p := New(config.PollerConfig{}, st, ingest, sink, logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))

	require.Eventually(t, func() bool {
		docs, qerr := store.QueryTyped[model.RegulatoryDocument](
			context.Background(), st, store.KindDocument, store.IdxSourceID, "sec")
		return qerr == nil && len(docs) == 2
	}, 3*time.Second, 10*time.Millisecond)

	health := p.Health()
	require.Len(t, health, 1)
	assert.Equal(t, int64(2), health[0].DocumentsIngested)
	assert.False(t, p.Degraded())

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	require.NoError(t, p.Stop(stopCtx))
	require.NoError(t, p.Stop(stopCtx), "stop is idempotent")
}

func TestStartSkipsInactiveSources(t *testing.T) {
	st := memstore.New()
	src := testSource("dormant")
	src.Active = false
	rec, err := store.SourceRecord(src)
	require.NoError(t, err)
	require.NoError(t, st.Upsert(context.Background(), rec))

	p := New(config.PollerConfig{}, st, newFakeIngest(), nil, logging.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))
	assert.Empty(t, p.Health())

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	require.NoError(t, p.Stop(stopCtx))
}
