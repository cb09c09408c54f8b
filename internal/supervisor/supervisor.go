// Package supervisor assembles the platform from configuration and owns
// its lifecycle. Subsystems are built once at construction, wired through
// explicit bridges (poller events into the orchestrator fast path,
// extraction results back into assessment, monitor alerts and DR
// incidents into the notification center), started in dependency order
// and stopped in reverse. Admin is the typed operations surface thin CLI
// and HTTP layers drive.
package supervisor

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"vigil/internal/apm"
	"vigil/internal/config"
	"vigil/internal/dr"
	"vigil/internal/errors"
	"vigil/internal/index"
	"vigil/internal/logging"
	"vigil/internal/model"
	"vigil/internal/notify"
	"vigil/internal/orchestrator"
	"vigil/internal/pipeline"
	"vigil/internal/poller"
	"vigil/internal/scheduler"
	"vigil/internal/store"
	"vigil/internal/store/memstore"
	"vigil/internal/store/pgstore"
	"vigil/internal/store/redistore"
	"vigil/internal/tasks"
	"vigil/internal/workflow"
)

// bridgeTimeout bounds store and delivery calls made from subsystem
// callbacks, which carry no caller context.
const bridgeTimeout = 10 * time.Second

// Option customizes supervisor construction.
type Option func(*Supervisor)

// WithStore injects the persistent store instead of dialing the
// configured backend. The caller keeps ownership; Stop will not close it.
func WithStore(st store.Store) Option {
	return func(s *Supervisor) { s.store = st }
}

// WithIndex injects the similarity index. The caller keeps ownership.
func WithIndex(idx index.Index) Option {
	return func(s *Supervisor) { s.index = idx }
}

// WithEmbedder injects the embedding provider.
func WithEmbedder(emb index.Embedder) Option {
	return func(s *Supervisor) { s.embedder = emb }
}

// WithBackupProvider wires the backup source the DR supervisor validates.
func WithBackupProvider(p dr.BackupProvider) Option {
	return func(s *Supervisor) { s.backups = p }
}

// WithSink registers an extra notification sink alongside the configured
// default.
func WithSink(sink notify.Sink, cfg notify.SinkConfig) Option {
	return func(s *Supervisor) {
		s.extraSinks = append(s.extraSinks, sinkReg{sink: sink, cfg: cfg})
	}
}

type sinkReg struct {
	sink notify.Sink
	cfg  notify.SinkConfig
}

// Supervisor owns every long-lived subsystem. One per process.
type Supervisor struct {
	cfg    *config.Config
	logger *logging.Logger

	store    store.Store
	ownStore bool
	monitor  *apm.Monitor
	dr       *dr.Supervisor
	center   *notify.Center
	index    index.Index
	ownIndex bool
	embedder index.Embedder
	pipeline *pipeline.Pipeline
	tasks    *tasks.Manager
	engine   *workflow.Engine
	orch     *orchestrator.Orchestrator
	registry *scheduler.Registry
	sched    *scheduler.Scheduler
	poller   *poller.Poller

	backups    dr.BackupProvider
	extraSinks []sinkReg

	ops     *http.Server
	opsAddr string

	runCancel context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
}

// New builds and wires every subsystem. Nothing runs until Start; the
// context only bounds store backend dialing.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger, opts ...Option) (*Supervisor, error) {
	if cfg == nil {
		return nil, errors.Validation("supervisor needs a configuration")
	}
	root := logging.OrNop(logger)
	s := &Supervisor{cfg: cfg, logger: root.Component("supervisor")}
	for _, opt := range opts {
		opt(s)
	}

	monitor, err := apm.New(apm.Config{
		ServiceName:            "vigil",
		ResourceSampleInterval: time.Duration(cfg.APM.ResourceSampleSeconds) * time.Second,
		CPUAlertPercent:        cfg.APM.CPUAlertPercent,
		MemoryAlertPercent:     cfg.APM.MemoryAlertPercent,
		FDAlertCount:           cfg.APM.FDAlertCount,
		RegressionThresholdPct: cfg.APM.RegressionThresholdPct,
		SlowQueryThreshold:     time.Duration(cfg.APM.SlowQueryMillis) * time.Millisecond,
		Tracing: apm.TracingConfig{
			Exporter:   cfg.APM.Tracing.Exporter,
			Endpoint:   cfg.APM.Tracing.Endpoint,
			SampleRate: cfg.APM.Tracing.SampleRate,
		},
	}, root, apm.WithAlertFunc(s.forwardAlert))
	if err != nil {
		return nil, err
	}
	s.monitor = monitor

	if s.store == nil {
		st, err := openStore(ctx, cfg.Store, root, monitor)
		if err != nil {
			return nil, err
		}
		s.store = st
		s.ownStore = true
	}

	drSup, err := dr.New(drConfig(cfg.DR), s.store, root, s.drOptions()...)
	if err != nil {
		s.closeOwned()
		return nil, err
	}
	s.dr = drSup

	center, err := buildCenter(cfg.Notify, root, s.extraSinks)
	if err != nil {
		s.closeOwned()
		return nil, err
	}
	s.center = center

	if s.index == nil {
		idx, err := index.New(index.Config{Path: cfg.Index.Path, Collection: cfg.Index.Collection})
		if err != nil {
			s.closeOwned()
			return nil, err
		}
		s.index = idx
		s.ownIndex = true
	}
	if s.embedder == nil {
		emb, err := index.NewEmbedder(index.EmbedderConfig{
			Kind:      cfg.Index.Embedder.Kind,
			BaseURL:   cfg.Index.Embedder.BaseURL,
			Model:     cfg.Index.Embedder.Model,
			APIKey:    cfg.Index.Embedder.APIKey,
			CacheSize: cfg.Index.Embedder.CacheSize,
		})
		if err != nil {
			s.closeOwned()
			return nil, err
		}
		s.embedder = emb
	}

	s.pipeline = pipeline.New(pipeline.Config{
		MaxFileBytes:        cfg.Pipeline.MaxFileBytes,
		AllowedContentTypes: cfg.Pipeline.AllowedContentTypes,
		DownloadTimeout:     time.Duration(cfg.Pipeline.DownloadTimeoutSeconds) * time.Second,
		Workers:             cfg.Pipeline.Workers,
		QueueHighWater:      cfg.Pipeline.QueueHighWater,
		QueueLowWater:       cfg.Pipeline.QueueLowWater,
	}, s.store, s.index, s.embedder, root,
		pipeline.WithMonitor(monitor),
		pipeline.WithDocumentHook(s.onDocumentExtracted))

	s.tasks = tasks.NewManager(s.store, root,
		tasks.WithNotifier(center),
		tasks.WithMonitor(monitor))

	s.engine = workflow.New(s.store, root,
		workflow.WithTaskSink(s.tasks),
		workflow.WithNotifier(center),
		workflow.WithMonitor(monitor),
		workflow.WithDefaults(cfg.Workflow.Settings()))
	s.tasks.BindWorkflow(s.engine)

	assessor := orchestrator.NewAssessor(cfg.Orchestrator, s.store, root,
		orchestrator.WithSearch(s.index, s.embedder))
	s.orch = orchestrator.New(cfg.Orchestrator, s.store, s.engine, assessor, root,
		orchestrator.WithTasks(s.tasks),
		orchestrator.WithNotifier(center),
		orchestrator.WithMonitor(monitor))

	// Workflow tasks chain follow-up workflows through this automation;
	// registered here because only the supervisor sees both sides.
	if err := s.engine.Automations().Register("emit_event", s.emitEventAutomation); err != nil {
		s.closeOwned()
		return nil, err
	}

	s.registry = scheduler.NewRegistry()
	s.registerHandlers()
	s.sched = scheduler.New(scheduler.Config{
		MaxConcurrent:  cfg.Scheduler.MaxConcurrent,
		Tick:           time.Duration(cfg.Scheduler.TickSeconds) * time.Second,
		DefaultTimeout: time.Duration(cfg.Scheduler.DefaultTimeoutSeconds) * time.Second,
	}, s.store, s.registry, root,
		scheduler.WithMonitor(monitor),
		scheduler.WithDisabledHook(s.onScheduledTaskDisabled))

	s.poller = poller.New(cfg.Poller, s.store, s.pipeline, eventBridge{s}, root,
		poller.WithMonitor(monitor),
		poller.WithDegradedHook(s.onSourceDegraded))

	if cfg.Ops.Enabled {
		s.ops = &http.Server{
			Addr:              cfg.Ops.ListenAddr,
			Handler:           s.opsHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return s, nil
}

// Admin returns the typed operations surface.
func (s *Supervisor) Admin() *Admin { return &Admin{s: s} }

// OpsAddr returns the bound ops listener address, empty when disabled or
// not yet started.
func (s *Supervisor) OpsAddr() string { return s.opsAddr }

// Start boots the subsystems in dependency order: observability and DR
// first, then the pipeline, workflow recovery, the scheduler, and the
// intake edges last so nothing receives work before its downstream is
// ready. A failed boot winds back whatever already started. Idempotent;
// the first call's error is definitive.
func (s *Supervisor) Start(ctx context.Context) error {
	var err error
	s.startOnce.Do(func() { err = s.start(ctx) })
	return err
}

func (s *Supervisor) start(ctx context.Context) (err error) {
	runCtx, cancel := context.WithCancel(context.Background())
	s.runCancel = cancel
	defer func() {
		if err != nil {
			stopCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
			defer stop()
			_ = s.Stop(stopCtx)
		}
	}()

	s.monitor.Start()
	s.dr.Start()
	s.pipeline.Start(runCtx)

	if err = s.engine.Recover(ctx); err != nil {
		return errors.Wrap(errors.KindOf(err), err, "recover workflow executions")
	}
	if dir := s.cfg.Workflow.DefinitionsDir; dir != "" {
		n, lerr := s.engine.Definitions().LoadDir(ctx, dir)
		if lerr != nil {
			err = lerr
			return err
		}
		if n > 0 {
			s.logger.Info("workflow definitions loaded", "dir", dir, "count", n)
		}
	}

	if err = s.sched.Start(runCtx); err != nil {
		return err
	}
	if err = s.seedScheduledTasks(ctx); err != nil {
		return err
	}
	if err = s.seedSources(ctx); err != nil {
		return err
	}
	if err = s.poller.Start(runCtx); err != nil {
		return err
	}

	if s.ops != nil {
		if err = s.serveOps(); err != nil {
			return err
		}
	}

	s.logger.Info("vigil online",
		"environment", s.cfg.Environment,
		"store", backendName(s.cfg.Store),
		"sources", len(s.cfg.Sources))
	return nil
}

// Stop winds the platform down in reverse boot order: the ops listener
// and intake edges first, then the dispatchers and the pipeline drain,
// DR and observability, and owned resources last. ctx bounds the whole
// wind-down; the first stage error is returned, later stages still run.
func (s *Supervisor) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() { err = s.stop(ctx) })
	return err
}

func (s *Supervisor) stop(ctx context.Context) error {
	var firstErr error
	record := func(stage string, err error) {
		if err == nil {
			return
		}
		s.logger.Warn("shutdown stage failed", "stage", stage, "error", err)
		if firstErr == nil {
			firstErr = errors.Wrap(errors.KindOf(err), err, "stop %s", stage)
		}
	}

	if s.ops != nil {
		record("ops", s.ops.Shutdown(ctx))
	}
	record("poller", s.poller.Stop(ctx))
	record("scheduler", s.sched.Stop(ctx))
	record("pipeline", s.pipeline.Stop(ctx))
	if s.runCancel != nil {
		s.runCancel()
	}
	record("dr", s.dr.Stop(ctx))
	record("apm", s.monitor.Stop(ctx))
	if s.ownIndex {
		record("index", s.index.Close())
	}
	if s.ownStore {
		record("store", s.store.Close())
	}
	s.logger.Info("vigil stopped")
	return firstErr
}

// closeOwned releases resources a failed construction already acquired.
func (s *Supervisor) closeOwned() {
	if s.ownIndex && s.index != nil {
		_ = s.index.Close()
	}
	if s.ownStore && s.store != nil {
		_ = s.store.Close()
	}
}

// serveOps binds the listener synchronously so address errors surface at
// boot, then serves in the background until Stop shuts it down.
func (s *Supervisor) serveOps() error {
	ln, err := net.Listen("tcp", s.ops.Addr)
	if err != nil {
		return errors.Wrap(errors.KindFatal, err, "bind ops listener %s", s.ops.Addr)
	}
	s.opsAddr = ln.Addr().String()
	s.logger.Go("ops-listener", func() {
		if serr := s.ops.Serve(ln); serr != nil && serr != http.ErrServerClosed {
			s.logger.Error("ops listener failed", "error", serr)
		}
	})
	s.logger.Info("ops listener bound", "addr", s.opsAddr)
	return nil
}

// opsHandler serves the operational plane: prometheus metrics and a
// liveness probe with a small posture snapshot.
func (s *Supervisor) opsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.monitor.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":          "ok",
			"environment":     s.cfg.Environment,
			"queue_depth":     s.pipeline.QueueDepth(),
			"poller_degraded": s.poller.Degraded(),
			"dr_health":       s.dr.HealthScore(),
		})
	})
	return mux
}

// openStore dials the configured backend. The memory backend is the
// default and needs no IO; postgres reports query timings back into the
// monitor.
func openStore(ctx context.Context, cfg config.StoreConfig, logger *logging.Logger, observer store.QueryObserver) (store.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return memstore.New(), nil
	case "redis":
		return redistore.New(ctx, redistore.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, logger)
	case "postgres":
		return pgstore.New(ctx, pgstore.Options{
			DSN:          cfg.Postgres.DSN,
			MaxOpenConns: cfg.Postgres.MaxOpenConns,
			MaxIdleConns: cfg.Postgres.MaxIdleConns,
		}, logger, observer)
	default:
		return nil, errors.Validation("unknown store backend %q", cfg.Backend)
	}
}

func backendName(cfg config.StoreConfig) string {
	if cfg.Backend == "" {
		return "memory"
	}
	return cfg.Backend
}

// buildCenter assembles the notification center with the configured
// default sink. The log sink writes to stdout so deliveries interleave
// with the process log.
func buildCenter(cfg config.NotifyConfig, logger *logging.Logger, extras []sinkReg) (*notify.Center, error) {
	var opts []notify.CenterOption
	if cfg.DedupWindowMin > 0 {
		opts = append(opts, notify.WithDedupWindow(time.Duration(cfg.DedupWindowMin)*time.Minute))
	}
	center := notify.NewCenter(logger, opts...)

	switch cfg.Sink {
	case "", "log":
		center.RegisterSink(notify.NewLogSink("log", os.Stdout),
			notify.SinkConfig{Enabled: true, Default: true})
	case "webhook":
		if cfg.WebhookURL == "" {
			return nil, errors.Validation("webhook sink needs a url")
		}
		var whOpts []notify.WebhookOption
		if cfg.TimeoutSeconds > 0 {
			whOpts = append(whOpts, notify.WithTimeout(time.Duration(cfg.TimeoutSeconds)*time.Second))
		}
		center.RegisterSink(notify.NewWebhookSink("webhook", cfg.WebhookURL, whOpts...),
			notify.SinkConfig{Enabled: true, Default: true})
	default:
		return nil, errors.Validation("unknown notification sink %q", cfg.Sink)
	}

	for _, reg := range extras {
		center.RegisterSink(reg.sink, reg.cfg)
	}
	return center, nil
}

// drConfig converts the operator-facing declaration into the DR
// supervisor's runtime config.
func drConfig(cfg config.DRConfig) dr.Config {
	objectives := make([]model.DRObjective, 0, len(cfg.Objectives))
	for _, o := range cfg.Objectives {
		objectives = append(objectives, o.ToModel())
	}
	return dr.Config{
		Objectives:           objectives,
		BackupValidationCron: cfg.BackupValidationCron,
		RecoveryTestCron:     cfg.RecoveryTestCron,
		AutoResolveAfter:     time.Duration(cfg.AutoResolveAfterHours) * time.Hour,
		EventRetention:       cfg.EventRetention,
		StaleGraceFactor:     cfg.BackupStaleGraceFactor,
	}
}

func (s *Supervisor) drOptions() []dr.Option {
	opts := []dr.Option{dr.WithEventFunc(s.forwardDREvent)}
	if s.backups != nil {
		opts = append(opts, dr.WithBackupProvider(s.backups))
	}
	return opts
}

// seedSources upserts the configured sources so the poller and admin
// reads see one canonical row set. Configuration wins over a stale row.
func (s *Supervisor) seedSources(ctx context.Context) error {
	for _, sc := range s.cfg.Sources {
		rec, err := store.SourceRecord(sc.ToModel())
		if err != nil {
			return err
		}
		if err := s.store.Upsert(ctx, rec); err != nil {
			return errors.Wrap(errors.KindOf(err), err, "seed source %s", sc.ID)
		}
	}
	return nil
}
