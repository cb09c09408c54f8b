// Package config loads, validates and watches the platform
// configuration. Values layer file < environment < explicit overrides;
// every duration-like knob is declared in the unit its operators use
// (minutes or seconds) and converted at the model boundary.
package config

import (
	"time"

	"vigil/internal/model"
)

// Config is the root configuration tree.
type Config struct {
	Environment string `mapstructure:"environment" validate:"omitempty,oneof=development staging production"`

	Logging      LoggingConfig      `mapstructure:"logging"`
	Store        StoreConfig        `mapstructure:"store"`
	Index        IndexConfig        `mapstructure:"index"`
	Sources      []SourceConfig     `mapstructure:"sources" validate:"dive"`
	Poller       PollerConfig       `mapstructure:"poller"`
	Pipeline     PipelineConfig     `mapstructure:"pipeline"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Workflow     WorkflowConfig     `mapstructure:"workflow"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	APM          APMConfig          `mapstructure:"apm"`
	DR           DRConfig           `mapstructure:"dr"`
	Notify       NotifyConfig       `mapstructure:"notify"`
	Ops          OpsConfig          `mapstructure:"ops"`
}

// LoggingConfig controls the process-wide logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=json text"`
	Output string `mapstructure:"output"` // stdout | stderr | file path
}

// StoreConfig selects and parameterizes the persistent store backend.
type StoreConfig struct {
	Backend  string         `mapstructure:"backend" validate:"omitempty,oneof=memory redis postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig parameterizes the redis store backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"min=0"`
}

// PostgresConfig parameterizes the postgres store backend.
type PostgresConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxOpenConns    int    `mapstructure:"max_open_conns" validate:"min=0"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns" validate:"min=0"`
	SlowQueryMillis int    `mapstructure:"slow_query_millis" validate:"min=0"`
}

// IndexConfig parameterizes the similarity index and its embedder.
type IndexConfig struct {
	Path           string         `mapstructure:"path"` // empty = in-memory
	Collection     string         `mapstructure:"collection"`
	TopK           int            `mapstructure:"top_k" validate:"min=0"`
	ScoreThreshold float64        `mapstructure:"score_threshold" validate:"min=0,max=1"`
	Embedder       EmbedderConfig `mapstructure:"embedder"`
}

// EmbedderConfig selects the embedding provider. Kind "hash" is the
// deterministic local embedder used in development and tests.
type EmbedderConfig struct {
	Kind      string `mapstructure:"kind" validate:"omitempty,oneof=openai hash"`
	BaseURL   string `mapstructure:"base_url"`
	Model     string `mapstructure:"model"`
	APIKey    string `mapstructure:"api_key"`
	CacheSize int    `mapstructure:"cache_size" validate:"min=0"`
}

// SourceConfig declares one regulatory source to poll.
type SourceConfig struct {
	ID                  string            `mapstructure:"id" validate:"required"`
	Name                string            `mapstructure:"name"`
	Kind                string            `mapstructure:"kind" validate:"required,oneof=feed http_api web"`
	Endpoint            string            `mapstructure:"endpoint" validate:"required,url"`
	Authority           string            `mapstructure:"authority"`
	Jurisdiction        string            `mapstructure:"jurisdiction"`
	PollIntervalMinutes int               `mapstructure:"poll_interval_minutes" validate:"min=1"`
	Active              bool              `mapstructure:"active"`
	AuthHeaders         map[string]string `mapstructure:"auth_headers"`
}

// ToModel converts the declaration into the persistent entity.
func (s SourceConfig) ToModel() model.RegulatorySource {
	name := s.Name
	if name == "" {
		name = s.ID
	}
	return model.RegulatorySource{
		ID:           s.ID,
		Name:         name,
		Kind:         model.SourceKind(s.Kind),
		Endpoint:     s.Endpoint,
		Authority:    s.Authority,
		Jurisdiction: s.Jurisdiction,
		PollInterval: time.Duration(s.PollIntervalMinutes) * time.Minute,
		Active:       s.Active,
		AuthHeaders:  s.AuthHeaders,
		CreatedAt:    time.Now().UTC(),
	}
}

// PollerConfig tunes the source poller.
type PollerConfig struct {
	MaxConcurrentWorkers int                  `mapstructure:"max_concurrent_workers" validate:"min=1"`
	HTTPTimeoutSeconds   int                  `mapstructure:"http_timeout_seconds" validate:"min=1"`
	DegradedThreshold    int                  `mapstructure:"degraded_threshold" validate:"min=1"`
	StopGraceSeconds     int                  `mapstructure:"stop_grace_seconds" validate:"min=1"`
	Classification       []ClassificationRule `mapstructure:"classification" validate:"dive"`
}

// ClassificationRule maps title/summary keywords to a document type.
// Rules apply in declared order and the first match wins.
type ClassificationRule struct {
	Keywords []string `mapstructure:"keywords" validate:"required,min=1"`
	Type     string   `mapstructure:"type" validate:"required,oneof=regulation guidance enforcement proposal announcement"`
}

// PipelineConfig tunes the document pipeline.
type PipelineConfig struct {
	MaxFileBytes           int64    `mapstructure:"max_file_bytes" validate:"min=1"`
	AllowedContentTypes    []string `mapstructure:"allowed_content_types"`
	DownloadTimeoutSeconds int      `mapstructure:"download_timeout_seconds" validate:"min=1"`
	Workers                int      `mapstructure:"workers" validate:"min=1"`
	QueueHighWater         int      `mapstructure:"queue_high_water" validate:"min=1"`
	QueueLowWater          int      `mapstructure:"queue_low_water" validate:"min=0"`
}

// SchedulerConfig tunes the durable scheduler.
type SchedulerConfig struct {
	MaxConcurrent         int `mapstructure:"max_concurrent" validate:"min=1"`
	TickSeconds           int `mapstructure:"tick_seconds" validate:"min=1,max=30"`
	DefaultTimeoutSeconds int `mapstructure:"default_timeout_seconds" validate:"min=1"`
}

// WorkflowConfig sets engine-wide defaults a definition can override.
// DefinitionsDir, when set, is scanned for YAML definitions at boot.
type WorkflowConfig struct {
	FailureBehavior       string `mapstructure:"failure_behavior" validate:"omitempty,oneof=stop continue retry"`
	MaxAcceptableFailures int    `mapstructure:"max_acceptable_failures" validate:"min=0"`
	MaxDurationSeconds    int    `mapstructure:"max_duration_seconds" validate:"min=0"`
	HandlerGraceSeconds   int    `mapstructure:"handler_grace_seconds" validate:"min=1"`
	DefinitionsDir        string `mapstructure:"definitions_dir"`
}

// Settings converts the defaults into the model's settings shape.
func (w WorkflowConfig) Settings() model.WorkflowSettings {
	return model.WorkflowSettings{
		FailureBehavior:       model.FailureBehavior(w.FailureBehavior),
		MaxAcceptableFailures: w.MaxAcceptableFailures,
		MaxDuration:           time.Duration(w.MaxDurationSeconds) * time.Second,
	}
}

// OrchestratorConfig tunes trigger routing and impact assessment.
type OrchestratorConfig struct {
	DefaultCooldownSeconds int     `mapstructure:"default_cooldown_seconds" validate:"min=0"`
	SimilarTopK            int     `mapstructure:"similar_top_k" validate:"min=0"`
	SimilarScoreThreshold  float64 `mapstructure:"similar_score_threshold" validate:"min=0,max=1"`
}

// APMConfig tunes the in-process observability plane.
type APMConfig struct {
	ResourceSampleSeconds  int     `mapstructure:"resource_sample_seconds" validate:"min=1"`
	CPUAlertPercent        float64 `mapstructure:"cpu_alert_percent" validate:"min=0,max=100"`
	MemoryAlertPercent     float64 `mapstructure:"memory_alert_percent" validate:"min=0,max=100"`
	FDAlertCount           int     `mapstructure:"fd_alert_count" validate:"min=0"`
	RegressionThresholdPct float64 `mapstructure:"regression_threshold_pct" validate:"min=0"`
	SlowQueryMillis        int     `mapstructure:"slow_query_millis" validate:"min=0"`

	Tracing TracingConfig `mapstructure:"tracing"`
}

// TracingConfig selects the optional span exporter.
type TracingConfig struct {
	Exporter   string  `mapstructure:"exporter" validate:"omitempty,oneof=none zipkin otlp"`
	Endpoint   string  `mapstructure:"endpoint"`
	SampleRate float64 `mapstructure:"sample_rate" validate:"min=0,max=1"`
}

// DRObjectiveConfig declares recovery expectations for one component.
type DRObjectiveConfig struct {
	Component  string   `mapstructure:"component" validate:"required"`
	RTOMinutes int      `mapstructure:"rto_minutes" validate:"min=1"`
	RPOMinutes int      `mapstructure:"rpo_minutes" validate:"min=1"`
	Priority   int      `mapstructure:"priority" validate:"min=1,max=5"`
	Automated  bool     `mapstructure:"automated"`
	Checks     []string `mapstructure:"checks"`
}

// ToModel converts the declaration into the persistent entity.
func (o DRObjectiveConfig) ToModel() model.DRObjective {
	return model.DRObjective{
		Component: o.Component,
		RTO:       time.Duration(o.RTOMinutes) * time.Minute,
		RPO:       time.Duration(o.RPOMinutes) * time.Minute,
		Priority:  o.Priority,
		Automated: o.Automated,
		Checks:    o.Checks,
	}
}

// DRConfig declares objectives and probe cadence.
type DRConfig struct {
	Objectives             []DRObjectiveConfig `mapstructure:"objectives" validate:"dive"`
	BackupValidationCron   string              `mapstructure:"backup_validation_cron"`
	RecoveryTestCron       string              `mapstructure:"recovery_test_cron"`
	AutoResolveAfterHours  int                 `mapstructure:"auto_resolve_after_hours" validate:"min=1"`
	EventRetention         int                 `mapstructure:"event_retention" validate:"min=1"`
	BackupStaleGraceFactor float64             `mapstructure:"backup_stale_grace_factor" validate:"min=0"`
}

// NotifyConfig routes the outbound event sink.
type NotifyConfig struct {
	Sink           string `mapstructure:"sink" validate:"omitempty,oneof=log webhook"`
	WebhookURL     string `mapstructure:"webhook_url" validate:"omitempty,url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" validate:"min=1"`
	DedupWindowMin int    `mapstructure:"dedup_window_minutes" validate:"min=1"`
}

// OpsConfig exposes the operational HTTP listener (metrics, health).
type OpsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}
