// Package poller maintains one polling worker per active regulatory
// source. Workers are isolated: a failing source degrades its own
// health without touching the others, and every candidate entry is
// deduplicated by (source, external id) before it reaches the pipeline.
package poller

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"vigil/internal/apm"
	"vigil/internal/config"
	"vigil/internal/errors"
	"vigil/internal/httpclient"
	"vigil/internal/logging"
	"vigil/internal/model"
	"vigil/internal/pipeline"
	"vigil/internal/store"
)

// Enqueues that bounce on back-pressure are parked per worker until the
// next cycle; beyond this many the restart recovery picks them up.
const maxDeferredJobs = 256

// Ingest is the pipeline surface the poller feeds. Accepting is the
// back-pressure probe: false pauses the current cycle.
type Ingest interface {
	Enqueue(job pipeline.Job) error
	Accepting() bool
}

// EventSink receives a regulatory_change event for each newly inserted
// document.
type EventSink interface {
	EmitEvent(ctx context.Context, ev model.Event) error
}

// SourceHealth is the poll health of one source.
type SourceHealth struct {
	SourceID            string     `json:"source_id"`
	Degraded            bool       `json:"degraded"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastPolledAt        *time.Time `json:"last_polled_at,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	DocumentsIngested   int64      `json:"documents_ingested"`
}

// Option customizes poller construction.
type Option func(*Poller)

// WithMonitor wires poll cycles through the apm operation wrapper.
func WithMonitor(m *apm.Monitor) Option {
	return func(p *Poller) { p.monitor = m }
}

// WithDegradedHook registers a callback fired on each healthy→degraded
// transition of a source.
func WithDegradedHook(fn func(sourceID string, failures int, lastErr error)) Option {
	return func(p *Poller) { p.degradedHook = fn }
}

// Poller owns the per-source workers.
type Poller struct {
	cfg          config.PollerConfig
	logger       *logging.Logger
	store        store.Store
	ingest       Ingest
	events       EventSink
	classifier   *Classifier
	monitor      *apm.Monitor
	degradedHook func(string, int, error)
	sem          *semaphore.Weighted

	mu      sync.Mutex
	workers map[string]*worker

	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
}

// New builds a poller over the given store, pipeline and event sink.
func New(cfg config.PollerConfig, st store.Store, ingest Ingest, events EventSink, logger *logging.Logger, opts ...Option) *Poller {
	if cfg.MaxConcurrentWorkers < 1 {
		cfg.MaxConcurrentWorkers = 16
	}
	if cfg.HTTPTimeoutSeconds < 1 {
		cfg.HTTPTimeoutSeconds = 30
	}
	if cfg.DegradedThreshold < 1 {
		cfg.DegradedThreshold = 5
	}
	if cfg.StopGraceSeconds < 1 {
		cfg.StopGraceSeconds = 10
	}
	p := &Poller{
		cfg:        cfg,
		logger:     logging.OrNop(logger).Component("poller"),
		store:      st,
		ingest:     ingest,
		events:     events,
		classifier: NewClassifier(cfg.Classification),
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrentWorkers)),
		workers:    make(map[string]*worker),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start loads the active sources and launches one worker per source,
// each polling immediately and then on its declared interval.
// Idempotent.
func (p *Poller) Start(ctx context.Context) error {
	var err error
	p.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		p.cancel = cancel

		sources, lerr := store.QueryTyped[model.RegulatorySource](
			runCtx, p.store, store.KindSource, store.IdxEnabled, "true")
		if lerr != nil {
			err = errors.Wrap(errors.KindOf(lerr), lerr, "load active sources")
			return
		}
		sort.Slice(sources, func(i, j int) bool { return sources[i].ID < sources[j].ID })

		for _, src := range sources {
			p.addWorker(runCtx, src)
		}
		p.logger.Info("poller started",
			"sources", len(sources), "max_concurrent", p.cfg.MaxConcurrentWorkers)
	})
	return err
}

func (p *Poller) addWorker(ctx context.Context, src model.RegulatorySource) {
	timeout := time.Duration(p.cfg.HTTPTimeoutSeconds) * time.Second
	fetcher, err := fetcherFor(src.Kind, httpclient.NewWithBreaker(timeout, p.logger, "poller-"+src.ID))
	if err != nil {
		p.logger.Error("source skipped", "source_id", src.ID, "error", err)
		return
	}

	w := &worker{poller: p, src: src, fetcher: fetcher}
	p.mu.Lock()
	p.workers[src.ID] = w
	p.mu.Unlock()

	p.wg.Add(1)
	name := "poller-" + src.ID
	go func() {
		defer p.wg.Done()
		defer p.logger.Recover(name)
		w.run(ctx)
	}()
}

// Stop cancels all workers and waits for in-flight polls up to the
// configured grace period. Idempotent.
func (p *Poller) Stop(ctx context.Context) error {
	var err error
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		grace := time.Duration(p.cfg.StopGraceSeconds) * time.Second
		select {
		case <-done:
			p.logger.Info("poller stopped")
		case <-time.After(grace):
			err = errors.Timeout("poller stop: polls still running after %s", grace)
		case <-ctx.Done():
			err = errors.Timeout("poller stop: %v", ctx.Err())
		}
	})
	return err
}

// Health reports per-source poll health, sorted by source id.
func (p *Poller) Health() []SourceHealth {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SourceHealth, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w.health())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

// Degraded reports whether any source is currently degraded.
func (p *Poller) Degraded() bool {
	for _, h := range p.Health() {
		if h.Degraded {
			return true
		}
	}
	return false
}

// worker polls one source on its declared interval.
type worker struct {
	poller  *Poller
	fetcher Fetcher

	mu        sync.Mutex
	src       model.RegulatorySource
	failures  int
	degraded  bool
	lastError string
	ingested  int64
	deferred  []pipeline.Job
}

func (w *worker) run(ctx context.Context) {
	for {
		delay := w.interval()
		if err := w.poll(ctx); err != nil {
			if hint := errors.RetryAfterHint(err); hint > delay {
				delay = hint
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (w *worker) interval() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.src.PollInterval < time.Minute {
		return time.Minute
	}
	return w.src.PollInterval
}

// poll runs one cycle under the global concurrency cap and folds the
// outcome into the worker's health.
func (w *worker) poll(ctx context.Context) error {
	if err := w.poller.sem.Acquire(ctx, 1); err != nil {
		return errors.Wrap(errors.KindCancelled, err, "poll %s", w.sourceID())
	}
	defer w.poller.sem.Release(1)

	fn := func(ctx context.Context) error { return w.cycle(ctx) }
	var err error
	if w.poller.monitor != nil {
		err = w.poller.monitor.Track(ctx, "poller", "poll_source", fn)
	} else {
		err = fn(ctx)
	}
	w.observe(err)
	return err
}

// cycle is one poll: flush deferred enqueues, fetch, insert new entries
// in feed order, stamp the source row.
func (w *worker) cycle(ctx context.Context) error {
	w.flushDeferred()

	entries, err := w.fetcher.Fetch(ctx, w.snapshotSource())
	if err != nil {
		return err
	}

	var inserted int
	for i, entry := range entries {
		if entry.Title == "" && entry.Link == "" {
			continue
		}
		if !w.poller.ingest.Accepting() {
			w.poller.logger.Warn("pipeline saturated, cycle cut short",
				"source_id", w.sourceID(), "remaining", len(entries)-i)
			break
		}
		won, ierr := w.ingestEntry(ctx, entry)
		if ierr != nil {
			return ierr
		}
		if won {
			inserted++
		}
	}

	w.recordPolled(ctx, time.Now().UTC(), inserted)
	return nil
}

// ingestEntry inserts a candidate if it was never seen before. The
// first insert wins; only the winner enqueues extraction and emits the
// regulatory_change event.
func (w *worker) ingestEntry(ctx context.Context, entry Entry) (bool, error) {
	src := w.snapshotSource()
	externalID := entry.externalID()
	doc := model.RegulatoryDocument{
		ID:           model.DocumentID(src.ID, externalID),
		SourceID:     src.ID,
		ExternalID:   externalID,
		Title:        entry.Title,
		Summary:      entry.Summary,
		URL:          entry.Link,
		DocumentType: w.poller.classifier.Classify(entry.Title, entry.Summary),
		Status:       model.DocumentPending,
		PublishedAt:  entry.PublishedAt,
		FetchedAt:    time.Now().UTC(),
	}

	rec, err := store.DocumentRecord(doc)
	if err != nil {
		return false, err
	}
	won, err := w.poller.store.InsertIfAbsent(ctx, rec)
	if err != nil {
		return false, errors.Wrap(errors.KindOf(err), err, "insert document %s", doc.ID)
	}
	if !won {
		return false, nil
	}

	w.mu.Lock()
	w.ingested++
	w.mu.Unlock()

	input := pipeline.Input{URL: doc.URL}
	if doc.URL == "" {
		// Listing-only entries carry their text inline.
		input = pipeline.Input{
			Bytes:        []byte(doc.Title + "\n\n" + doc.Summary),
			DeclaredType: "text/plain",
		}
	}
	job := pipeline.Job{DocumentID: doc.ID, Input: input}
	if err := w.poller.ingest.Enqueue(job); err != nil {
		w.poller.logger.Warn("enqueue deferred", "document_id", doc.ID, "error", err)
		w.deferJob(job)
	}

	if w.poller.events != nil {
		ev := model.NewEvent(model.TriggerRegulatoryChange, map[string]any{
			"document_id":   doc.ID,
			"source_id":     doc.SourceID,
			"title":         doc.Title,
			"document_type": string(doc.DocumentType),
		}, "poller")
		if err := w.poller.events.EmitEvent(ctx, ev); err != nil {
			w.poller.logger.Warn("regulatory_change event rejected",
				"document_id", doc.ID, "error", err)
		}
	}
	return true, nil
}

// deferJob parks an enqueue that bounced. The document row already
// exists, so a dropped slot only delays extraction until the next cycle
// or a restart recovery.
func (w *worker) deferJob(job pipeline.Job) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.deferred) >= maxDeferredJobs {
		return
	}
	w.deferred = append(w.deferred, job)
}

func (w *worker) flushDeferred() {
	w.mu.Lock()
	jobs := w.deferred
	w.deferred = nil
	w.mu.Unlock()

	for i, job := range jobs {
		if !w.poller.ingest.Accepting() || w.poller.ingest.Enqueue(job) != nil {
			w.mu.Lock()
			w.deferred = append(w.deferred, jobs[i:]...)
			w.mu.Unlock()
			return
		}
	}
}

// recordPolled stamps the source row with the poll time.
func (w *worker) recordPolled(ctx context.Context, at time.Time, inserted int) {
	w.mu.Lock()
	w.src.LastPolledAt = &at
	src := w.src
	w.mu.Unlock()

	rec, err := store.SourceRecord(src)
	if err == nil {
		err = w.poller.store.Upsert(ctx, rec)
	}
	if err != nil {
		w.poller.logger.Warn("source poll stamp failed", "source_id", src.ID, "error", err)
	}
	if inserted > 0 {
		w.poller.logger.Info("documents ingested", "source_id", src.ID, "count", inserted)
	}
}

// observe folds one cycle outcome into health, firing the degraded hook
// on the healthy→degraded edge. Shutdown cancellation is not a failure.
func (w *worker) observe(err error) {
	if err != nil && errors.IsCancelled(err) {
		return
	}

	w.mu.Lock()
	var entered, recovered bool
	if err == nil {
		recovered = w.degraded
		w.failures = 0
		w.degraded = false
		w.lastError = ""
	} else {
		w.failures++
		w.lastError = err.Error()
		if !w.degraded && w.failures >= w.poller.cfg.DegradedThreshold {
			w.degraded = true
			entered = true
		}
	}
	failures := w.failures
	sourceID := w.src.ID
	w.mu.Unlock()

	switch {
	case recovered:
		w.poller.logger.Info("source recovered", "source_id", sourceID)
	case entered:
		w.poller.logger.Error("source degraded",
			"source_id", sourceID, "consecutive", failures, "error", err)
		if w.poller.degradedHook != nil {
			w.poller.degradedHook(sourceID, failures, err)
		}
	case err != nil:
		w.poller.logger.Warn("poll failed",
			"source_id", sourceID, "consecutive", failures, "error", err)
	}
}

func (w *worker) snapshotSource() model.RegulatorySource {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.src
}

func (w *worker) sourceID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.src.ID
}

func (w *worker) health() SourceHealth {
	w.mu.Lock()
	defer w.mu.Unlock()
	h := SourceHealth{
		SourceID:            w.src.ID,
		Degraded:            w.degraded,
		ConsecutiveFailures: w.failures,
		LastError:           w.lastError,
		DocumentsIngested:   w.ingested,
	}
	if w.src.LastPolledAt != nil {
		at := *w.src.LastPolledAt
		h.LastPolledAt = &at
	}
	return h
}
