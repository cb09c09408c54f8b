// Package apm is the in-process observability plane: bounded metric rings
// per operation, error aggregation, resource sampling, regression detection
// against rolling baselines, and normalized query tracking. Op outcomes are
// mirrored to OpenTelemetry instruments exported through prometheus.
package apm

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	cl "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"vigil/internal/errors"
	"vigil/internal/logging"
	"vigil/internal/model"
	"vigil/internal/store"
)

// Alert kinds raised by the monitor itself.
const (
	AlertResourceThreshold = "resource_threshold"
	AlertRegression        = "performance_regression"
)

const alertRingSize = 100

// Alert is a monitor-originated notification, shaped so the supervisor can
// forward it to the event sink unchanged.
type Alert struct {
	Kind     string            `json:"kind"`
	Severity string            `json:"severity"`
	Subject  string            `json:"subject"`
	Body     string            `json:"body"`
	Tags     map[string]string `json:"tags,omitempty"`
	DedupKey string            `json:"dedup_key"`
	At       time.Time         `json:"at"`
}

// Config tunes the monitor. Zero values select the documented defaults.
type Config struct {
	ServiceName             string
	ResourceSampleInterval  time.Duration // default 30s
	CPUAlertPercent         float64       // default 80
	MemoryAlertPercent      float64       // default 85
	FDAlertCount            int           // default 1000
	RegressionThresholdPct  float64       // default 20
	SlowQueryThreshold      time.Duration // default 1s
	BaselineRefreshInterval time.Duration // default 1h
	Tracing                 TracingConfig // default exporter "none"
}

func (c Config) withDefaults() Config {
	if c.ServiceName == "" {
		c.ServiceName = "vigil"
	}
	if c.ResourceSampleInterval <= 0 {
		c.ResourceSampleInterval = 30 * time.Second
	}
	if c.CPUAlertPercent <= 0 {
		c.CPUAlertPercent = 80
	}
	if c.MemoryAlertPercent <= 0 {
		c.MemoryAlertPercent = 85
	}
	if c.FDAlertCount <= 0 {
		c.FDAlertCount = 1000
	}
	if c.RegressionThresholdPct <= 0 {
		c.RegressionThresholdPct = 20
	}
	if c.SlowQueryThreshold <= 0 {
		c.SlowQueryThreshold = time.Second
	}
	if c.BaselineRefreshInterval <= 0 {
		c.BaselineRefreshInterval = time.Hour
	}
	return c
}

// Option customizes monitor construction.
type Option func(*Monitor)

// WithResourceReader swaps the gopsutil reader, used by tests.
func WithResourceReader(r ResourceReader) Option {
	return func(m *Monitor) { m.reader = r }
}

// WithAlertFunc registers a callback invoked for every raised alert.
func WithAlertFunc(fn func(Alert)) Option {
	return func(m *Monitor) { m.onAlert = fn }
}

// Monitor owns the observability plane. One per process.
type Monitor struct {
	cfg    Config
	logger *logging.Logger

	metrics  *MetricSet
	errs     *ErrorLog
	queries  *QueryTracker
	detector *Detector

	reader ResourceReader
	resMu  sync.RWMutex
	res    *ring[ResourceSnapshot]

	alertMu     sync.RWMutex
	alerts      *ring[Alert]
	regressions *ring[Regression]
	onAlert     func(Alert)

	cron     *cron.Cron
	registry *cl.Registry
	provider *sdkmetric.MeterProvider
	tracing  *tracing

	opsTotal    metric.Int64Counter
	opDuration  metric.Float64Histogram
	errorsTotal metric.Int64Counter

	stopOnce sync.Once
}

// New builds the monitor. Housekeeping (resource sampling, baseline
// refresh) does not run until Start.
func New(cfg Config, logger *logging.Logger, opts ...Option) (*Monitor, error) {
	cfg = cfg.withDefaults()

	m := &Monitor{
		cfg:         cfg,
		logger:      logging.OrNop(logger).Component("apm"),
		metrics:     NewMetricSet(),
		errs:        NewErrorLog(),
		queries:     NewQueryTracker(cfg.SlowQueryThreshold),
		detector:    NewDetector(cfg.RegressionThresholdPct),
		res:         newRing[ResourceSnapshot](resourceRingSize),
		alerts:      newRing[Alert](alertRingSize),
		regressions: newRing[Regression](alertRingSize),
		cron:        cron.New(),
		registry:    cl.NewRegistry(),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.reader == nil {
		reader, err := NewProcessReader()
		if err != nil {
			return nil, err
		}
		m.reader = reader
	}

	tr, err := newTracing(cfg.Tracing, cfg.ServiceName)
	if err != nil {
		return nil, err
	}
	m.tracing = tr

	exporter, err := otelprom.New(otelprom.WithRegisterer(m.registry))
	if err != nil {
		return nil, errors.Wrap(errors.KindFatal, err, "create prometheus exporter")
	}
	m.provider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(m.provider)

	meter := m.provider.Meter("vigil")
	m.opsTotal, err = meter.Int64Counter(
		"vigil.ops.total",
		metric.WithDescription("Total tracked operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, errors.Wrap(errors.KindFatal, err, "create ops counter")
	}
	m.opDuration, err = meter.Float64Histogram(
		"vigil.op.duration",
		metric.WithDescription("Tracked operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, errors.Wrap(errors.KindFatal, err, "create duration histogram")
	}
	m.errorsTotal, err = meter.Int64Counter(
		"vigil.errors.total",
		metric.WithDescription("Total tracked operation failures"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, errors.Wrap(errors.KindFatal, err, "create errors counter")
	}

	if _, err := m.cron.AddFunc(fmt.Sprintf("@every %s", cfg.ResourceSampleInterval), m.sampleResources); err != nil {
		return nil, errors.Wrap(errors.KindFatal, err, "schedule resource sampler")
	}
	if _, err := m.cron.AddFunc(fmt.Sprintf("@every %s", cfg.BaselineRefreshInterval), m.RefreshBaselines); err != nil {
		return nil, errors.Wrap(errors.KindFatal, err, "schedule baseline refresh")
	}

	return m, nil
}

// Start begins the housekeeping schedules.
func (m *Monitor) Start() {
	m.cron.Start()
	m.logger.Info("apm monitor started",
		"resource_sample_interval", m.cfg.ResourceSampleInterval,
		"baseline_refresh_interval", m.cfg.BaselineRefreshInterval)
}

// Stop halts housekeeping and flushes the otel provider.
func (m *Monitor) Stop(ctx context.Context) error {
	var err error
	m.stopOnce.Do(func() {
		done := m.cron.Stop()
		select {
		case <-done.Done():
		case <-ctx.Done():
		}
		err = m.provider.Shutdown(ctx)
		if terr := m.tracing.shutdown(ctx); terr != nil && err == nil {
			err = terr
		}
		m.logger.Info("apm monitor stopped")
	})
	return err
}

// Track wraps one core-dispatched operation: timing, outcome mirroring to
// the otel instruments, and error capture. Panics become Fatal errors. The
// original error is returned to the caller untouched.
func (m *Monitor) Track(ctx context.Context, service, op string, fn func(context.Context) error) error {
	ctx, span := m.tracing.span(ctx, service+"."+op)
	start := time.Now()
	err, stack := runGuarded(ctx, fn)
	elapsed := time.Since(start)
	finish(span, err)

	status := "success"
	if err != nil {
		status = "failure"
	}
	attrs := metric.WithAttributes(
		attribute.String("service", service),
		attribute.String("op", op),
		attribute.String("status", status),
	)
	m.opsTotal.Add(ctx, 1, attrs)
	m.opDuration.Record(ctx, elapsed.Seconds(), attrs)

	m.RecordMetric(Sample{
		At:      start,
		Kind:    MetricResponseTime,
		Value:   float64(elapsed) / float64(time.Millisecond),
		Unit:    "ms",
		Service: service,
		Op:      op,
		Tags:    map[string]string{"success": status},
	})

	if err != nil {
		kind := errors.KindOf(err)
		m.errorsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("type", string(kind)),
			attribute.String("service", service),
			attribute.String("op", op),
		))
		m.RecordError(ErrorEvent{
			At:       start,
			Type:     string(kind),
			Message:  err.Error(),
			Stack:    stack,
			Service:  service,
			Op:       op,
			Actor:    logging.ActorFromContext(ctx),
			Severity: severityFor(kind),
		})
	}
	return err
}

func runGuarded(ctx context.Context, fn func(context.Context) error) (err error, stack string) {
	defer func() {
		if r := recover(); r != nil {
			stack = string(debug.Stack())
			err = errors.Fatal("panic: %v", r)
		}
	}()
	return fn(ctx), ""
}

func severityFor(kind errors.Kind) string {
	switch kind {
	case errors.KindFatal:
		return "critical"
	case errors.KindTransient, errors.KindTimeout, errors.KindConflict:
		return "medium"
	case errors.KindValidation, errors.KindNotFound, errors.KindCancelled:
		return "low"
	default:
		return "high"
	}
}

// RecordMetric stores a sample and runs the regression check for its series.
func (m *Monitor) RecordMetric(sample Sample) {
	if sample.Service == "" {
		sample.Service = m.cfg.ServiceName
	}
	if sample.At.IsZero() {
		sample.At = time.Now()
	}
	m.metrics.Record(sample)

	recent := m.metrics.RecentValues(sample.Service, sample.Op, sample.Kind, regressionWindow)
	reg, ok := m.detector.Check(sample.Service, sample.Op, sample.Kind, recent, sample.At)
	if !ok {
		return
	}

	m.alertMu.Lock()
	m.regressions.Add(reg)
	m.alertMu.Unlock()

	m.emitAlert(Alert{
		Kind:     AlertRegression,
		Severity: "warning",
		Subject:  fmt.Sprintf("%s/%s %s regression", reg.Service, reg.Op, reg.Kind),
		Body: fmt.Sprintf("rolling average %.2f exceeds baseline %.2f by more than %.0f%%",
			reg.Average, reg.Baseline, reg.ThresholdPct),
		Tags:     map[string]string{"service": reg.Service, "op": reg.Op, "kind": string(reg.Kind)},
		DedupKey: fmt.Sprintf("regression:%s:%s:%s", reg.Service, reg.Op, reg.Kind),
		At:       reg.At,
	})
}

// RecordError stores a failure event in the error plane.
func (m *Monitor) RecordError(ev ErrorEvent) {
	if ev.ID == "" {
		ev.ID = model.NewID("err")
	}
	if ev.Severity == "" {
		ev.Severity = severityFor(errors.Kind(ev.Type))
	}
	m.errs.Record(ev)
}

// ObserveQuery implements store.QueryObserver by delegating to the query
// tracker and mirroring the timing into the metric plane.
func (m *Monitor) ObserveQuery(query string, durationMillis float64, err error) {
	m.queries.ObserveQuery(query, durationMillis, err)
	m.RecordMetric(Sample{
		Kind:    MetricDBQueryTime,
		Value:   durationMillis,
		Unit:    "ms",
		Service: m.cfg.ServiceName,
		Op:      "store_query",
	})
}

var _ store.QueryObserver = (*Monitor)(nil)

// SetBaseline pins an explicit regression baseline for a series.
func (m *Monitor) SetBaseline(service, op string, kind MetricKind, value, thresholdPct float64) {
	m.detector.SetBaseline(service, op, kind, value, thresholdPct)
}

// RefreshBaselines recomputes all baselines from the live rings (p95 of
// buffered samples). Runs on the housekeeping schedule and at admin request.
func (m *Monitor) RefreshBaselines() {
	m.detector.Refresh(m.metrics)
	m.logger.Debug("regression baselines refreshed")
}

// QueryTracker exposes the per-pattern aggregates.
func (m *Monitor) QueryTracker() *QueryTracker { return m.queries }

// MetricsHandler serves the prometheus exposition for this monitor.
func (m *Monitor) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Monitor) sampleResources() {
	snap, err := m.reader.Read()
	if err != nil {
		m.logger.Warn("resource sampling failed", "error", err)
		return
	}

	m.resMu.Lock()
	m.res.Add(snap)
	m.resMu.Unlock()

	m.RecordMetric(Sample{
		At: snap.At, Kind: MetricCPUUsage, Value: snap.CPUPercent, Unit: "percent",
		Service: m.cfg.ServiceName, Op: "resources",
	})
	m.RecordMetric(Sample{
		At: snap.At, Kind: MetricMemoryUsage, Value: snap.MemoryPercent, Unit: "percent",
		Service: m.cfg.ServiceName, Op: "resources",
	})

	for _, alert := range thresholdBreaches(snap, m.cfg) {
		m.emitAlert(alert)
	}
}

func (m *Monitor) emitAlert(alert Alert) {
	m.alertMu.Lock()
	m.alerts.Add(alert)
	m.alertMu.Unlock()

	m.logger.Warn("apm alert",
		"kind", alert.Kind, "severity", alert.Severity, "subject", alert.Subject)

	if m.onAlert != nil {
		m.logger.Go("apm-alert", func() { m.onAlert(alert) })
	}
}

func formatPercentBreach(what string, got, limit float64) string {
	return fmt.Sprintf("%s at %.1f%% exceeds threshold %.1f%%", what, got, limit)
}

func formatCountBreach(what string, got, limit int) string {
	return fmt.Sprintf("%s at %d exceeds threshold %d", what, got, limit)
}

// Summary is the apm_summary admin snapshot.
type Summary struct {
	GeneratedAt        time.Time          `json:"generated_at"`
	Metrics            []SeriesSummary    `json:"metrics"`
	ErrorGroups        []ErrorGroup       `json:"error_groups"`
	ErrorRatePerMinute float64            `json:"error_rate_per_minute"`
	RecentErrors       []ErrorEvent       `json:"recent_errors"`
	Resources          []ResourceSnapshot `json:"resources"`
	Regressions        []Regression       `json:"regressions"`
	Queries            []QueryStats       `json:"queries"`
	Alerts             []Alert            `json:"alerts"`
}

// Summary snapshots every plane.
func (m *Monitor) Summary() Summary {
	m.resMu.RLock()
	resources := m.res.Items()
	m.resMu.RUnlock()

	m.alertMu.RLock()
	alerts := m.alerts.Items()
	regressions := m.regressions.Items()
	m.alertMu.RUnlock()

	return Summary{
		GeneratedAt:        time.Now(),
		Metrics:            m.metrics.Summaries(),
		ErrorGroups:        m.errs.Groups(),
		ErrorRatePerMinute: m.errs.RateSince(time.Now(), defaultRateWindow),
		RecentErrors:       m.errs.Recent(10),
		Resources:          resources,
		Regressions:        regressions,
		Queries:            m.queries.Stats(),
		Alerts:             alerts,
	}
}
