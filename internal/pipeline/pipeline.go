// Package pipeline turns raw document references into normalized text and
// metadata records and publishes them to the similarity index. Processing
// never fails the worker loop: unrecoverable inputs produce a failed
// result with error metadata, and the document row records why.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"vigil/internal/apm"
	"vigil/internal/errors"
	"vigil/internal/httpclient"
	"vigil/internal/index"
	"vigil/internal/logging"
	"vigil/internal/model"
	"vigil/internal/store"
)

const (
	excerptRunes   = 500
	embedTextRunes = 2000
)

// Input locates the raw bytes of one document. Exactly one of Path, URL
// or Bytes must be set; DeclaredType is an optional MIME hint.
type Input struct {
	Path         string
	URL          string
	Bytes        []byte
	DeclaredType string
}

// Result is the outcome of processing one input.
type Result struct {
	Text        string                 `json:"text,omitempty"`
	Metadata    model.DocumentMetadata `json:"metadata,omitempty"`
	Keywords    []string               `json:"keywords,omitempty"`
	Fingerprint string                 `json:"fingerprint,omitempty"`
	ContentType string                 `json:"content_type,omitempty"`
	Success     bool                   `json:"success"`
	Error       string                 `json:"error,omitempty"`
	ErrorKind   errors.Kind            `json:"error_kind,omitempty"`
}

func failedResult(err error) Result {
	return Result{Success: false, Error: err.Error(), ErrorKind: errors.KindOf(err)}
}

// Config tunes the pipeline. Zero values select the documented defaults.
type Config struct {
	MaxFileBytes        int64         // default 10 MiB
	AllowedContentTypes []string      // empty = pdf, html, text
	DownloadTimeout     time.Duration // default 30s
	Workers             int           // default 2
	QueueHighWater      int           // default 100
	QueueLowWater       int           // default 25
}

func (c Config) withDefaults() Config {
	if c.MaxFileBytes <= 0 {
		c.MaxFileBytes = 10 << 20
	}
	if c.DownloadTimeout <= 0 {
		c.DownloadTimeout = 30 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueHighWater <= 0 {
		c.QueueHighWater = 100
	}
	if c.QueueLowWater <= 0 || c.QueueLowWater >= c.QueueHighWater {
		c.QueueLowWater = c.QueueHighWater / 4
	}
	return c
}

// Option customizes pipeline construction.
type Option func(*Pipeline)

// WithMonitor wires job processing through the apm operation wrapper.
func WithMonitor(m *apm.Monitor) Option {
	return func(p *Pipeline) { p.monitor = m }
}

// WithDocumentHook registers a callback invoked with the final document
// after a job finishes extraction, whether or not indexing succeeded.
// The supervisor bridges it into the regulatory-change fast path.
func WithDocumentHook(fn func(ctx context.Context, doc model.RegulatoryDocument)) Option {
	return func(p *Pipeline) { p.onDocument = fn }
}

// Pipeline owns the document queue and its worker pool. It is the only
// writer to the similarity index.
type Pipeline struct {
	cfg        Config
	logger     *logging.Logger
	store      store.Store
	index      index.Index
	embed      index.Embedder
	monitor    *apm.Monitor
	queue      *Queue
	client     *http.Client
	onDocument func(ctx context.Context, doc model.RegulatoryDocument)

	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
}

// New builds a pipeline over the given store, index and embedder.
func New(cfg Config, st store.Store, idx index.Index, emb index.Embedder, logger *logging.Logger, opts ...Option) *Pipeline {
	cfg = cfg.withDefaults()
	p := &Pipeline{
		cfg:    cfg,
		logger: logging.OrNop(logger).Component("pipeline"),
		store:  st,
		index:  idx,
		embed:  emb,
		queue:  NewQueue(cfg.QueueHighWater, cfg.QueueLowWater),
		client: httpclient.New(cfg.DownloadTimeout),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the workers and replays documents a previous process
// left un-extracted or un-indexed. Idempotent.
func (p *Pipeline) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		p.cancel = cancel

		if err := p.recoverDocuments(runCtx); err != nil {
			p.logger.Warn("document recovery incomplete", "error", err)
		}

		for i := 0; i < p.cfg.Workers; i++ {
			p.wg.Add(1)
			name := fmt.Sprintf("pipeline-worker-%d", i)
			go func() {
				defer p.wg.Done()
				defer p.logger.Recover(name)
				p.work(runCtx)
			}()
		}
		p.logger.Info("pipeline started",
			"workers", p.cfg.Workers, "queue_high_water", p.cfg.QueueHighWater)
	})
}

// Stop cancels the workers and waits for in-flight jobs up to ctx.
func (p *Pipeline) Stop(ctx context.Context) error {
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
		select {
		case <-done:
			p.logger.Info("pipeline stopped", "queued", p.queue.Depth())
		case <-ctx.Done():
			err = errors.Timeout("pipeline stop: workers still busy")
		}
	})
	return err
}

// Enqueue admits one job for asynchronous processing.
func (p *Pipeline) Enqueue(job Job) error { return p.queue.Enqueue(job) }

// Accepting is the poller's back-pressure probe.
func (p *Pipeline) Accepting() bool { return p.queue.Accepting() }

// QueueDepth reports waiting jobs.
func (p *Pipeline) QueueDepth() int { return p.queue.Depth() }

func (p *Pipeline) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.queue.jobs():
			p.runJob(ctx, job)
		}
	}
}

func (p *Pipeline) runJob(ctx context.Context, job Job) {
	fn := func(ctx context.Context) error { return p.handle(ctx, job) }

	var err error
	if p.monitor != nil {
		err = p.monitor.Track(ctx, "pipeline", "process_document", fn)
		p.monitor.RecordMetric(apm.Sample{
			Kind: apm.MetricThroughput, Value: 1, Unit: "docs",
			Service: "pipeline", Op: "process_document",
		})
	} else {
		err = fn(ctx)
	}
	if err != nil {
		p.logger.Warn("document job failed",
			"document_id", job.DocumentID, "error", err)
	}
}

// handle processes one job end to end: extract, persist, index. Errors
// that mark the document failed are not returned; only infrastructure
// errors (store unavailable) propagate.
func (p *Pipeline) handle(ctx context.Context, job Job) error {
	doc, err := store.GetTyped[model.RegulatoryDocument](ctx, p.store, store.KindDocument, job.DocumentID)
	if err != nil {
		return errors.Wrap(errors.KindOf(err), err, "load document %s", job.DocumentID)
	}

	res := p.Process(ctx, job.Input)
	now := time.Now().UTC()
	doc.ProcessedAt = &now
	doc.ContentType = res.ContentType

	if !res.Success {
		doc.Status = model.DocumentFailed
		doc.ProcessingError = res.Error
		p.logger.Warn("document extraction failed",
			"document_id", doc.ID, "kind", res.ErrorKind, "error", res.Error)
		return p.persist(ctx, doc)
	}

	doc.FullText = res.Text
	doc.Fingerprint = res.Fingerprint
	doc.Metadata = res.Metadata
	doc.Keywords = res.Keywords
	doc.Status = model.DocumentProcessed
	doc.ProcessingError = ""
	if err := p.persist(ctx, doc); err != nil {
		return err
	}

	if err := p.indexDocument(ctx, doc); err != nil {
		// The document row is intact; recovery re-indexes it on boot.
		p.logger.Warn("document processed but not indexed",
			"document_id", doc.ID, "error", err)
		p.notifyDocument(ctx, doc)
		return nil
	}
	doc.Status = model.DocumentIndexed
	if err := p.persist(ctx, doc); err != nil {
		return err
	}
	p.notifyDocument(ctx, doc)
	return nil
}

func (p *Pipeline) notifyDocument(ctx context.Context, doc model.RegulatoryDocument) {
	if p.onDocument != nil {
		p.onDocument(ctx, doc)
	}
}

// Process runs the pure extraction path: load bytes, enforce the size cap,
// resolve content type, extract, normalize, mine metadata, fingerprint.
// It never panics and never returns an error; failures land in the result.
func (p *Pipeline) Process(ctx context.Context, input Input) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = failedResult(errors.Fatal("panic: %v", r))
		}
	}()

	data, declared, err := p.load(ctx, input)
	if err != nil {
		return failedResult(err)
	}
	if int64(len(data)) > p.cfg.MaxFileBytes {
		return failedResult(errors.Validation(
			"document size %d exceeds cap %d", len(data), p.cfg.MaxFileBytes))
	}

	contentType := ResolveContentType(declared, data)
	if !p.allowedType(contentType) {
		return failedResult(errors.Validation("content type %s not allowed", contentType))
	}

	raw, err := extract(contentType, data)
	if err != nil {
		return Result{
			ContentType: contentType,
			Fingerprint: fingerprint(data),
			Success:     false,
			Error:       err.Error(),
			ErrorKind:   errors.KindOf(err),
		}
	}

	text := Normalize(raw)
	return Result{
		Text:        text,
		Metadata:    ExtractMetadata(text),
		Keywords:    ExtractKeywords(text, maxKeywords),
		Fingerprint: fingerprint(data),
		ContentType: contentType,
		Success:     true,
	}
}

func (p *Pipeline) load(ctx context.Context, input Input) (data []byte, declared string, err error) {
	declared = input.DeclaredType
	switch {
	case input.Bytes != nil:
		return input.Bytes, declared, nil

	case input.Path != "":
		info, err := os.Stat(input.Path)
		if err != nil {
			return nil, "", errors.Wrap(errors.KindNotFound, err, "stat %s", input.Path)
		}
		if info.Size() > p.cfg.MaxFileBytes {
			return nil, "", errors.Validation(
				"document size %d exceeds cap %d", info.Size(), p.cfg.MaxFileBytes)
		}
		data, err = os.ReadFile(input.Path)
		if err != nil {
			return nil, "", errors.Wrap(errors.KindTransient, err, "read %s", input.Path)
		}
		return data, declared, nil

	case input.URL != "":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, input.URL, nil)
		if err != nil {
			return nil, "", errors.Wrap(errors.KindValidation, err, "build request")
		}
		resp, err := p.client.Do(req)
		if err != nil {
			return nil, "", errors.Wrap(errors.KindTransient, err, "download %s", input.URL)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, "", errors.FromHTTPStatus(resp.StatusCode,
				"download %s: status %d", input.URL, resp.StatusCode)
		}
		data, err = httpclient.ReadAllWithLimit(resp.Body, p.cfg.MaxFileBytes)
		if err != nil {
			if httpclient.IsResponseTooLarge(err) {
				return nil, "", errors.Validation(
					"document exceeds size cap %d", p.cfg.MaxFileBytes)
			}
			return nil, "", errors.Wrap(errors.KindTransient, err, "read body")
		}
		if declared == "" {
			declared = resp.Header.Get("Content-Type")
		}
		return data, declared, nil

	default:
		return nil, "", errors.Validation("input has no path, url or bytes")
	}
}

func (p *Pipeline) allowedType(contentType string) bool {
	if len(p.cfg.AllowedContentTypes) == 0 {
		return true
	}
	for _, t := range p.cfg.AllowedContentTypes {
		if canonicalType(t) == contentType || t == contentType {
			return true
		}
	}
	return false
}

func fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// indexDocument embeds a bounded prefix of the document and publishes it
// with a short excerpt. Payload fields back the orchestrator's filtered
// similarity searches.
func (p *Pipeline) indexDocument(ctx context.Context, doc model.RegulatoryDocument) error {
	embedText := Excerpt(doc.Title+"\n\n"+doc.FullText, embedTextRunes)
	vec, err := p.embed.Embed(ctx, embedText)
	if err != nil {
		return errors.Wrap(errors.KindOf(err), err, "embed document %s", doc.ID)
	}

	payload := map[string]string{
		"source_id":     doc.SourceID,
		"document_type": string(doc.DocumentType),
		"title":         doc.Title,
	}
	if doc.PublishedAt != nil {
		payload["published_at"] = doc.PublishedAt.UTC().Format(time.RFC3339)
	}
	if src, err := store.GetTyped[model.RegulatorySource](ctx, p.store, store.KindSource, doc.SourceID); err == nil && src.Jurisdiction != "" {
		payload["jurisdiction"] = src.Jurisdiction
	}

	return p.index.Upsert(ctx, index.Document{
		ID:      doc.ID,
		Vector:  vec,
		Payload: payload,
		Excerpt: Excerpt(doc.FullText, excerptRunes),
	})
}

func (p *Pipeline) persist(ctx context.Context, doc model.RegulatoryDocument) error {
	rec, err := store.DocumentRecord(doc)
	if err != nil {
		return err
	}
	return p.store.Upsert(ctx, rec)
}

// recoverDocuments replays rows a previous process never finished: pending
// documents with a URL are re-enqueued, pending without one cannot be
// re-fetched and are failed, processed-but-unindexed rows are re-indexed
// from their stored text.
func (p *Pipeline) recoverDocuments(ctx context.Context) error {
	var requeued, reindexed, failed int
	err := store.StreamTyped(ctx, p.store, store.KindDocument, func(doc model.RegulatoryDocument) error {
		switch doc.Status {
		case model.DocumentPending:
			if doc.URL == "" {
				doc.Status = model.DocumentFailed
				doc.ProcessingError = "raw bytes lost before extraction"
				failed++
				return p.persist(ctx, doc)
			}
			job := Job{
				DocumentID: doc.ID,
				Input:      Input{URL: doc.URL, DeclaredType: doc.ContentType},
			}
			if err := p.queue.Enqueue(job); err != nil {
				p.logger.Warn("recovery enqueue failed", "document_id", doc.ID, "error", err)
				return nil
			}
			requeued++
			return nil
		case model.DocumentProcessed:
			if err := p.indexDocument(ctx, doc); err != nil {
				p.logger.Warn("recovery re-index failed", "document_id", doc.ID, "error", err)
				return nil
			}
			doc.Status = model.DocumentIndexed
			reindexed++
			return p.persist(ctx, doc)
		default:
			return nil
		}
	})
	if requeued+reindexed+failed > 0 {
		p.logger.Info("document recovery",
			"requeued", requeued, "reindexed", reindexed, "failed", failed)
	}
	return err
}
